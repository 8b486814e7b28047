// Package nodestore persists immutable snapshot nodes and the four lookup
// indexes that accelerate access to them. Nodes are one JSON file each under
// dag/nodes/, named so a lexicographic listing is creation order. The indexes
// under refs/ are pure accelerators: every entry is derivable from the node
// files, and every lookup falls back to a full directory scan when an index
// entry is missing or corrupt.
package nodestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/engramdb/engram/pkg/logging"
	"github.com/engramdb/engram/pkg/types"
)

// Store is the durable node store rooted at a single directory. It holds no
// locks of its own; single-writer safety comes from atomic temp-file renames,
// and per-stream serialization is the orchestration layer's job.
type Store struct {
	root string
	log  *logrus.Logger
}

// Open prepares the directory layout under root and returns a Store.
func Open(root string, log *logrus.Logger) (*Store, error) {
	s := &Store{root: root, log: logging.OrDiscard(log)}
	for _, dir := range []string{
		s.nodesDir(),
		s.streamsDir(),
		s.idsDir(),
		s.hashesDir(),
		s.childrenDir(),
		s.pathsDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("nodestore: create %s: %w", dir, err)
		}
	}
	return s, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) nodesDir() string    { return filepath.Join(s.root, "dag", "nodes") }
func (s *Store) streamsDir() string  { return filepath.Join(s.root, "refs", "streams") }
func (s *Store) idsDir() string      { return filepath.Join(s.root, "refs", "ids") }
func (s *Store) hashesDir() string   { return filepath.Join(s.root, "refs", "hashes") }
func (s *Store) childrenDir() string { return filepath.Join(s.root, "refs", "children") }
func (s *Store) pathsDir() string    { return filepath.Join(s.root, "refs", "paths") }

// PathsDir exposes the path-record directory for the path manager.
func (s *Store) PathsDir() string { return s.pathsDir() }

// Sanitize maps an arbitrary identifier to a filesystem-safe token.
func Sanitize(v string) string {
	var b strings.Builder
	b.Grow(len(v))
	for _, c := range v {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func streamKey(lobe, key string) string {
	return Sanitize(lobe) + "__" + Sanitize(key)
}

// WriteAtomic stages bytes to a temp file in the target directory and renames
// it into place, so readers never observe a partially written record.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s -> %s: %w", tmpName, path, err)
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return WriteAtomic(path, data)
}

// Save persists content as a snapshot node on the (lobe, key) stream taken
// from meta, defaulting to "unknown"/"default". When the stream tip already
// holds the same content hash the write is a no-op that still re-links the
// logical id to the existing node. Returns the node's storage reference.
func (s *Store) Save(id, content string, meta types.Meta, parents []string) (string, error) {
	lobe := meta.Lobe()
	key := meta.Key()
	h := types.ContentHash([]byte(content))

	sref, err := s.StreamRef(lobe, key)
	if err != nil {
		return "", err
	}
	if sref.LastHash == h && sref.LatestNode != "" {
		// Idempotent re-entry: nothing to write, but the id must resolve.
		if err := s.writeIDIndex(id, sref.LatestNode, lobe, key); err != nil {
			return "", err
		}
		return sref.LatestNode, nil
	}

	ts := types.Now()
	ref := strings.ReplaceAll(ts, ":", "-") + "__" + Sanitize(id) + ".json"

	if len(parents) == 0 && sref.LastHash != "" {
		parents = []string{sref.LastHash}
	}

	nodeMeta := meta.Clone()
	nodeMeta["lobe"] = lobe
	nodeMeta["key"] = key
	if nodeMeta.CreatedAt() == "" {
		nodeMeta["created_at"] = ts
	}
	nodeMeta["updated_at"] = ts
	if nodeMeta.CID() == "" {
		nodeMeta["cid"] = h
	}

	node := types.Node{
		ID:        id,
		Timestamp: ts,
		Lobe:      lobe,
		Key:       key,
		Parents:   parents,
		Hash:      h,
		Content:   content,
		Meta:      nodeMeta,
	}

	if err := writeJSONAtomic(filepath.Join(s.nodesDir(), ref), node); err != nil {
		return "", fmt.Errorf("nodestore: save node %s: %w", ref, err)
	}

	// The stream pointer moves only after the node file is durable; a crash
	// in between leaves an orphaned node, not a dangling pointer.
	sref.LatestNode = ref
	sref.LastHash = h
	sref.UpdatedAt = ts
	if err := s.writeStreamRef(lobe, key, sref); err != nil {
		return "", err
	}
	if err := s.writeHashIndex(h, ref); err != nil {
		return "", err
	}
	if err := s.writeIDIndex(id, ref, lobe, key); err != nil {
		return "", err
	}
	s.appendChildEntries(parents, ref)

	return ref, nil
}

// Load reads a node by its storage reference.
func (s *Store) Load(ref string) (types.Node, error) {
	data, err := os.ReadFile(filepath.Join(s.nodesDir(), ref))
	if err != nil {
		return types.Node{}, fmt.Errorf("nodestore: node %s: %w", ref, err)
	}
	var n types.Node
	if err := json.Unmarshal(data, &n); err != nil {
		return types.Node{}, fmt.Errorf("nodestore: parse node %s: %w", ref, err)
	}
	return n, nil
}

// LoadByID resolves a logical id to its current node, index-first with a
// directory-scan fallback when the index entry is missing or points at a
// node that no longer parses.
func (s *Store) LoadByID(id string) (types.Node, bool, error) {
	idx, ok := s.readIDIndex(id)
	if ok {
		n, err := s.Load(idx.Node)
		if err == nil {
			return n, true, nil
		}
		s.log.WithFields(logrus.Fields{
			"id":   id,
			"node": idx.Node,
		}).Warn("nodestore: id index entry unreadable, falling back to scan")
	}
	return s.scanNewest(func(n types.Node) bool { return n.ID == id })
}

// LoadByHash resolves a content hash to its node, index-first with the same
// mandatory scan fallback.
func (s *Store) LoadByHash(hash string) (types.Node, bool, error) {
	rec, ok, err := s.FindByHash(hash)
	return rec.Node, ok, err
}

// FindByHash is LoadByHash but also reports the node's storage reference.
func (s *Store) FindByHash(hash string) (NodeRecord, bool, error) {
	ref, ok := s.readHashIndex(hash)
	if ok {
		n, err := s.Load(ref)
		if err == nil {
			return NodeRecord{Ref: ref, Node: n}, true, nil
		}
		s.log.WithFields(logrus.Fields{
			"hash": hash,
			"node": ref,
		}).Warn("nodestore: hash index entry unreadable, falling back to scan")
	}
	return s.scanNewestRecord(func(n types.Node) bool { return n.Hash == hash })
}

// ReindexIDToLatest re-points the logical-id index at the stream's current
// tip. Reports whether the stream had a tip to point at.
func (s *Store) ReindexIDToLatest(id, lobe, key string) (bool, error) {
	sref, err := s.StreamRef(lobe, key)
	if err != nil {
		return false, err
	}
	if sref.LatestNode == "" {
		return false, nil
	}
	if err := s.writeIDIndex(id, sref.LatestNode, lobe, key); err != nil {
		return false, err
	}
	return true, nil
}

// Children returns the storage references of a node's known children. The
// reverse index is best-effort; when it is empty or unreadable the store
// scans for nodes naming hash as a parent.
func (s *Store) Children(hash string) ([]string, error) {
	refs, ok := s.readChildIndex(hash)
	if ok && len(refs) > 0 {
		return refs, nil
	}
	var out []string
	err := s.Walk(func(ref string, n types.Node) error {
		for _, p := range n.Parents {
			if p == hash {
				out = append(out, ref)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NodeRecord pairs a node with its storage reference during scans.
type NodeRecord struct {
	Ref  string
	Node types.Node
}

// All returns every parsable node, newest first.
func (s *Store) All() ([]NodeRecord, error) {
	refs, err := s.listRefs()
	if err != nil {
		return nil, err
	}
	out := make([]NodeRecord, 0, len(refs))
	for _, ref := range refs {
		n, err := s.Load(ref)
		if err != nil {
			// Unparsable files are skipped during scans; Load reports them
			// when addressed directly.
			s.log.WithField("node", ref).Warn("nodestore: skipping unparsable node during scan")
			continue
		}
		out = append(out, NodeRecord{Ref: ref, Node: n})
	}
	return out, nil
}

// Walk visits every parsable node, newest first. The callback's error aborts
// the walk.
func (s *Store) Walk(fn func(ref string, n types.Node) error) error {
	records, err := s.All()
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := fn(r.Ref, r.Node); err != nil {
			return err
		}
	}
	return nil
}

// Remove hard-deletes a node file. Index entries referencing it become stale,
// which every reader tolerates.
func (s *Store) Remove(ref string) error {
	if err := os.Remove(filepath.Join(s.nodesDir(), ref)); err != nil {
		return fmt.Errorf("nodestore: remove node %s: %w", ref, err)
	}
	return nil
}

func (s *Store) listRefs() ([]string, error) {
	entries, err := os.ReadDir(s.nodesDir())
	if err != nil {
		return nil, fmt.Errorf("nodestore: list nodes: %w", err)
	}
	refs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		refs = append(refs, e.Name())
	}
	// Filenames start with the fixed-width creation timestamp, so a reverse
	// lexicographic sort is newest-first.
	sort.Sort(sort.Reverse(sort.StringSlice(refs)))
	return refs, nil
}

func (s *Store) scanNewest(match func(types.Node) bool) (types.Node, bool, error) {
	rec, ok, err := s.scanNewestRecord(match)
	return rec.Node, ok, err
}

func (s *Store) scanNewestRecord(match func(types.Node) bool) (NodeRecord, bool, error) {
	var found NodeRecord
	ok := false
	err := s.Walk(func(ref string, n types.Node) error {
		if match(n) {
			found = NodeRecord{Ref: ref, Node: n}
			ok = true
			return errStopWalk
		}
		return nil
	})
	if err != nil && err != errStopWalk {
		return NodeRecord{}, false, err
	}
	return found, ok, nil
}

var errStopWalk = fmt.Errorf("stop walk")
