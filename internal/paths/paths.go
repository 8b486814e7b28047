// Package paths manages named, mutable branch pointers over the node DAG.
// A path records the snapshot it diverged from and its current head; heads
// move forward by appending, by fast-forward, or by an explicit merge node.
package paths

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/engramdb/engram/internal/nodestore"
	"github.com/engramdb/engram/pkg/logging"
	"github.com/engramdb/engram/pkg/types"
)

// Manager persists path records under refs/paths/ in the node store's root.
type Manager struct {
	store *nodestore.Store
	log   *logrus.Logger
}

// NewManager returns a path manager bound to the given node store.
func NewManager(store *nodestore.Store, log *logrus.Logger) *Manager {
	return &Manager{store: store, log: logging.OrDiscard(log)}
}

// Normalize maps an arbitrary path name to its canonical on-disk form.
func Normalize(name string) string {
	return nodestore.Sanitize(strings.TrimSpace(strings.ToLower(name)))
}

func (m *Manager) refPath(name string) string {
	return filepath.Join(m.store.PathsDir(), Normalize(name)+".json")
}

// Get reads a path record by name.
func (m *Manager) Get(name string) (types.PathRef, bool, error) {
	data, err := os.ReadFile(m.refPath(name))
	if os.IsNotExist(err) {
		return types.PathRef{}, false, nil
	}
	if err != nil {
		return types.PathRef{}, false, fmt.Errorf("paths: read %s: %w", name, err)
	}
	var ref types.PathRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return types.PathRef{}, false, fmt.Errorf("paths: parse %s: %w", name, err)
	}
	return ref, true, nil
}

// Exists reports whether a path record is present.
func (m *Manager) Exists(name string) (bool, error) {
	_, ok, err := m.Get(name)
	return ok, err
}

// Head returns the current head hash of a path.
func (m *Manager) Head(name string) (string, bool, error) {
	ref, ok, err := m.Get(name)
	if err != nil || !ok {
		return "", false, err
	}
	return ref.Head, true, nil
}

// List returns the names of every path record.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.store.PathsDir())
	if err != nil {
		return nil, fmt.Errorf("paths: list: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		out = append(out, strings.TrimSuffix(e.Name(), ".json"))
	}
	return out, nil
}

func (m *Manager) write(name string, ref types.PathRef) error {
	data, err := json.MarshalIndent(ref, "", "  ")
	if err != nil {
		return fmt.Errorf("paths: marshal %s: %w", name, err)
	}
	if err := nodestore.WriteAtomic(m.refPath(name), data); err != nil {
		return fmt.Errorf("paths: write %s: %w", name, err)
	}
	return nil
}

// Diverge creates or atomically resets a named path at the given snapshot.
// Idempotent by name: calling again replaces the record. Returns the
// canonical path id.
func (m *Manager) Diverge(snapshotHash, name string) (string, error) {
	rec, ok, err := m.store.FindByHash(snapshotHash)
	if err != nil {
		return "", fmt.Errorf("paths: diverge %s: %w", name, err)
	}
	if !ok {
		return "", fmt.Errorf("paths: diverge %s at %s: %w", name, snapshotHash, types.ErrUnknownSnapshot)
	}
	now := types.Now()
	id := Normalize(name)
	if err := m.write(id, types.PathRef{
		BaseSnapshot: snapshotHash,
		BaseNode:     rec.Ref,
		Head:         snapshotHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		return "", err
	}
	m.log.WithFields(logrus.Fields{"path": id, "base": snapshotHash}).Debug("paths: diverged")
	return id, nil
}

// Extend appends a new snapshot to an existing path and advances its head.
// The new node's primary parent is the current head; its stream defaults to
// the head node's (lobe, key) unless meta overrides them. Returns the new
// content hash.
func (m *Manager) Extend(name, content string, meta types.Meta) (string, error) {
	ref, ok, err := m.Get(name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("paths: extend %s: %w", name, types.ErrPathNotFound)
	}

	enriched := meta.Clone()
	if enriched.Str("lobe", "") == "" || enriched.Str("key", "") == "" {
		if head, ok, err := m.store.LoadByHash(ref.Head); err == nil && ok {
			if enriched.Str("lobe", "") == "" {
				enriched["lobe"] = head.Lobe
			}
			if enriched.Str("key", "") == "" {
				enriched["key"] = head.Key
			}
		}
	}

	nodeRef, err := m.store.Save(Normalize(name)+"@"+types.Now(), content, enriched, []string{ref.Head})
	if err != nil {
		return "", fmt.Errorf("paths: extend %s: %w", name, err)
	}
	node, err := m.store.Load(nodeRef)
	if err != nil {
		return "", fmt.Errorf("paths: extend %s: %w", name, err)
	}

	ref.Head = node.Hash
	ref.UpdatedAt = types.Now()
	if err := m.write(Normalize(name), ref); err != nil {
		return "", err
	}
	return node.Hash, nil
}

// SetHead force-moves a path's head to an existing snapshot, creating the
// record when the path does not exist yet. Fails with ErrUnknownSnapshot
// when the hash has no indexed node.
func (m *Manager) SetHead(name, snapshotHash string) error {
	rec, ok, err := m.store.FindByHash(snapshotHash)
	if err != nil {
		return fmt.Errorf("paths: set head %s: %w", name, err)
	}
	if !ok {
		return fmt.Errorf("paths: set head %s to %s: %w", name, snapshotHash, types.ErrUnknownSnapshot)
	}

	ref, exists, err := m.Get(name)
	if err != nil {
		return err
	}
	now := types.Now()
	if !exists {
		ref = types.PathRef{
			BaseSnapshot: snapshotHash,
			BaseNode:     rec.Ref,
			Head:         snapshotHash,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		return m.write(Normalize(name), ref)
	}
	ref.Head = snapshotHash
	ref.UpdatedAt = now
	return m.write(Normalize(name), ref)
}

// IsAncestor reports whether candidate is an ancestor of (or equal to)
// descendant, by breadth-first walk over parent edges starting from the
// descendant.
func (m *Manager) IsAncestor(candidateHash, descendantHash string) (bool, error) {
	if candidateHash == descendantHash {
		return true, nil
	}
	visited := map[string]struct{}{}
	queue := []string{descendantHash}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if _, seen := visited[h]; seen {
			continue
		}
		visited[h] = struct{}{}
		if h == candidateHash {
			return true, nil
		}
		node, ok, err := m.store.LoadByHash(h)
		if err != nil {
			return false, fmt.Errorf("paths: ancestor walk at %s: %w", h, err)
		}
		if !ok {
			// Pruned or never-stored parents terminate the walk quietly.
			continue
		}
		queue = append(queue, node.Parents...)
	}
	return false, nil
}
