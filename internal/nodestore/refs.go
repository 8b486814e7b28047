package nodestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/engramdb/engram/pkg/types"
)

// StreamRef reads the mutable pointer for a (lobe, key) stream. A missing or
// unparsable ref reads as the zero value: streams spring into existence on
// first write, and a corrupt pointer must not block saves.
func (s *Store) StreamRef(lobe, key string) (types.StreamRef, error) {
	path := filepath.Join(s.streamsDir(), streamKey(lobe, key)+".json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return types.StreamRef{}, nil
	}
	if err != nil {
		return types.StreamRef{}, fmt.Errorf("nodestore: read stream ref %s/%s: %w", lobe, key, err)
	}
	var ref types.StreamRef
	if err := json.Unmarshal(data, &ref); err != nil {
		s.log.WithFields(logrus.Fields{"lobe": lobe, "key": key}).
			Warn("nodestore: corrupt stream ref, treating as empty")
		return types.StreamRef{}, nil
	}
	return ref, nil
}

func (s *Store) writeStreamRef(lobe, key string, ref types.StreamRef) error {
	path := filepath.Join(s.streamsDir(), streamKey(lobe, key)+".json")
	if err := writeJSONAtomic(path, ref); err != nil {
		return fmt.Errorf("nodestore: write stream ref %s/%s: %w", lobe, key, err)
	}
	return nil
}

// Streams lists every stream pointer currently on disk.
func (s *Store) Streams() (map[string]types.StreamRef, error) {
	entries, err := os.ReadDir(s.streamsDir())
	if err != nil {
		return nil, fmt.Errorf("nodestore: list streams: %w", err)
	}
	out := make(map[string]types.StreamRef, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.streamsDir(), e.Name()))
		if err != nil {
			continue
		}
		var ref types.StreamRef
		if err := json.Unmarshal(data, &ref); err != nil {
			continue
		}
		name := e.Name()
		out[name[:len(name)-len(".json")]] = ref
	}
	return out, nil
}

func (s *Store) readIDIndex(id string) (types.IDIndex, bool) {
	data, err := os.ReadFile(filepath.Join(s.idsDir(), Sanitize(id)+".json"))
	if err != nil {
		return types.IDIndex{}, false
	}
	var idx types.IDIndex
	if err := json.Unmarshal(data, &idx); err != nil || idx.Node == "" {
		return types.IDIndex{}, false
	}
	return idx, true
}

func (s *Store) writeIDIndex(id, ref, lobe, key string) error {
	path := filepath.Join(s.idsDir(), Sanitize(id)+".json")
	idx := types.IDIndex{Node: ref, Lobe: lobe, Key: key}
	if err := writeJSONAtomic(path, idx); err != nil {
		return fmt.Errorf("nodestore: write id index %s: %w", id, err)
	}
	return nil
}

func (s *Store) readHashIndex(hash string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(s.hashesDir(), Sanitize(hash)+".json"))
	if err != nil {
		return "", false
	}
	var entry struct {
		Node string `json:"node"`
	}
	if err := json.Unmarshal(data, &entry); err != nil || entry.Node == "" {
		return "", false
	}
	return entry.Node, true
}

func (s *Store) writeHashIndex(hash, ref string) error {
	path := filepath.Join(s.hashesDir(), Sanitize(hash)+".json")
	entry := struct {
		Node string `json:"node"`
	}{Node: ref}
	if err := writeJSONAtomic(path, entry); err != nil {
		return fmt.Errorf("nodestore: write hash index %s: %w", hash, err)
	}
	return nil
}

func (s *Store) readChildIndex(hash string) ([]string, bool) {
	data, err := os.ReadFile(filepath.Join(s.childrenDir(), Sanitize(hash)+".json"))
	if err != nil {
		return nil, false
	}
	var refs []string
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, false
	}
	return refs, true
}

// appendChildEntries records reverse edges parent -> child. Best-effort: the
// children index is a rebuildable cache, so failures are logged, never
// returned.
func (s *Store) appendChildEntries(parents []string, childRef string) {
	for _, p := range parents {
		refs, _ := s.readChildIndex(p)
		seen := false
		for _, r := range refs {
			if r == childRef {
				seen = true
				break
			}
		}
		if seen {
			continue
		}
		refs = append(refs, childRef)
		path := filepath.Join(s.childrenDir(), Sanitize(p)+".json")
		if err := writeJSONAtomic(path, refs); err != nil {
			s.log.WithFields(logrus.Fields{"parent": p, "child": childRef}).
				WithError(err).Warn("nodestore: child index write failed")
		}
	}
}
