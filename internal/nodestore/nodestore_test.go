package nodestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/pkg/types"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func chatMeta() types.Meta {
	return types.Meta{"lobe": "chat", "key": "session"}
}

func TestSaveAndLoad(t *testing.T) {
	s := newStore(t)

	ref, err := s.Save("mem-1", "hello", chatMeta(), nil)
	require.NoError(t, err)

	n, err := s.Load(ref)
	require.NoError(t, err)
	assert.Equal(t, "mem-1", n.ID)
	assert.Equal(t, "hello", n.Content)
	assert.Equal(t, "chat", n.Lobe)
	assert.Equal(t, "session", n.Key)
	assert.Equal(t, types.ContentHash([]byte("hello")), n.Hash)
	assert.Empty(t, n.Parents)
	assert.Equal(t, n.Hash, n.Meta.CID())
}

func TestSaveIsIdempotentPerStream(t *testing.T) {
	s := newStore(t)

	ref1, err := s.Save("mem-1", "same content", chatMeta(), nil)
	require.NoError(t, err)
	ref2, err := s.Save("mem-2", "same content", chatMeta(), nil)
	require.NoError(t, err)

	assert.Equal(t, ref1, ref2, "identical content on one stream must not create a second node")

	records, err := s.All()
	require.NoError(t, err)
	assert.Len(t, records, 1)

	// Both logical ids resolve to the shared node.
	n1, ok, err := s.LoadByID("mem-1")
	require.NoError(t, err)
	require.True(t, ok)
	n2, ok, err := s.LoadByID("mem-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, n1.Hash, n2.Hash)
}

func TestSaveDefaultsParentToStreamTip(t *testing.T) {
	s := newStore(t)

	_, err := s.Save("mem-1", "first", chatMeta(), nil)
	require.NoError(t, err)
	ref2, err := s.Save("mem-2", "second", chatMeta(), nil)
	require.NoError(t, err)

	n2, err := s.Load(ref2)
	require.NoError(t, err)
	require.Len(t, n2.Parents, 1)
	assert.Equal(t, types.ContentHash([]byte("first")), n2.Parents[0])
}

func TestSaveDefaultsStream(t *testing.T) {
	s := newStore(t)

	ref, err := s.Save("mem-1", "anything", types.Meta{}, nil)
	require.NoError(t, err)
	n, err := s.Load(ref)
	require.NoError(t, err)
	assert.Equal(t, "unknown", n.Lobe)
	assert.Equal(t, "default", n.Key)
}

func TestLoadByHash(t *testing.T) {
	s := newStore(t)

	_, err := s.Save("mem-1", "findable", chatMeta(), nil)
	require.NoError(t, err)

	n, ok, err := s.LoadByHash(types.ContentHash([]byte("findable")))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "findable", n.Content)

	_, ok, err = s.LoadByHash(types.ContentHash([]byte("never stored")))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadByIDFallsBackToScanOnCorruptIndex(t *testing.T) {
	s := newStore(t)

	_, err := s.Save("mem-1", "survives corruption", chatMeta(), nil)
	require.NoError(t, err)

	// Clobber the id index entry with garbage.
	idxPath := filepath.Join(s.Root(), "refs", "ids", "mem_1.json")
	require.NoError(t, os.WriteFile(idxPath, []byte("{not json"), 0o644))

	n, ok, err := s.LoadByID("mem-1")
	require.NoError(t, err)
	require.True(t, ok, "scan fallback must find the node")
	assert.Equal(t, "survives corruption", n.Content)
}

func TestLoadByHashFallsBackToScanOnMissingIndex(t *testing.T) {
	s := newStore(t)

	_, err := s.Save("mem-1", "indexless", chatMeta(), nil)
	require.NoError(t, err)
	h := types.ContentHash([]byte("indexless"))

	require.NoError(t, os.Remove(filepath.Join(s.Root(), "refs", "hashes", Sanitize(h)+".json")))

	n, ok, err := s.LoadByHash(h)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "indexless", n.Content)
}

func TestLoadByIDScanPicksNewest(t *testing.T) {
	s := newStore(t)

	_, err := s.Save("mem-1", "older", chatMeta(), nil)
	require.NoError(t, err)
	_, err = s.Save("mem-1", "newer", chatMeta(), nil)
	require.NoError(t, err)

	// Remove the whole id index so the scan decides.
	require.NoError(t, os.RemoveAll(filepath.Join(s.Root(), "refs", "ids")))

	n, ok, err := s.LoadByID("mem-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "newer", n.Content)
}

func TestReindexIDToLatest(t *testing.T) {
	s := newStore(t)

	_, err := s.Save("mem-1", "first", chatMeta(), nil)
	require.NoError(t, err)
	_, err = s.Save("mem-2", "second", chatMeta(), nil)
	require.NoError(t, err)

	moved, err := s.ReindexIDToLatest("mem-1", "chat", "session")
	require.NoError(t, err)
	assert.True(t, moved)

	n, ok, err := s.LoadByID("mem-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", n.Content)

	moved, err = s.ReindexIDToLatest("x", "nosuch", "stream")
	require.NoError(t, err)
	assert.False(t, moved)
}

func TestChildrenIndexAndScanFallback(t *testing.T) {
	s := newStore(t)

	ref1, err := s.Save("mem-1", "parent", chatMeta(), nil)
	require.NoError(t, err)
	parent, err := s.Load(ref1)
	require.NoError(t, err)
	ref2, err := s.Save("mem-2", "child", chatMeta(), nil)
	require.NoError(t, err)

	kids, err := s.Children(parent.Hash)
	require.NoError(t, err)
	assert.Equal(t, []string{ref2}, kids)

	// Drop the reverse index: the scan fallback must produce the same answer.
	require.NoError(t, os.RemoveAll(filepath.Join(s.Root(), "refs", "children")))
	kids, err = s.Children(parent.Hash)
	require.NoError(t, err)
	assert.Equal(t, []string{ref2}, kids)
}

func TestStreamRefTracksTip(t *testing.T) {
	s := newStore(t)

	_, err := s.Save("mem-1", "tip content", chatMeta(), nil)
	require.NoError(t, err)

	ref, err := s.StreamRef("chat", "session")
	require.NoError(t, err)
	assert.Equal(t, types.ContentHash([]byte("tip content")), ref.LastHash)
	assert.NotEmpty(t, ref.LatestNode)
	assert.NotEmpty(t, ref.UpdatedAt)
}

func TestRemoveLeavesStaleIndexTolerated(t *testing.T) {
	s := newStore(t)

	ref, err := s.Save("mem-1", "doomed", chatMeta(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Remove(ref))

	_, ok, err := s.LoadByID("mem-1")
	require.NoError(t, err)
	assert.False(t, ok, "stale id index must degrade to not-found, not an error")
}
