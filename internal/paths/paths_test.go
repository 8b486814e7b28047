package paths

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/internal/nodestore"
	"github.com/engramdb/engram/pkg/types"
)

func newManager(t *testing.T) (*Manager, *nodestore.Store) {
	t.Helper()
	store, err := nodestore.Open(t.TempDir(), nil)
	require.NoError(t, err)
	return NewManager(store, nil), store
}

func seed(t *testing.T, store *nodestore.Store, content string) string {
	t.Helper()
	ref, err := store.Save("seed-"+content, content, types.Meta{"lobe": "chat", "key": content}, nil)
	require.NoError(t, err)
	n, err := store.Load(ref)
	require.NoError(t, err)
	return n.Hash
}

func TestDivergeCreatesPathAtBase(t *testing.T) {
	m, store := newManager(t)
	base := seed(t, store, "base")

	id, err := m.Diverge(base, "Feature Work")
	require.NoError(t, err)
	assert.Equal(t, "feature_work", id)

	ref, ok, err := m.Get("feature work")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, base, ref.BaseSnapshot)
	assert.Equal(t, base, ref.Head)
}

func TestDivergeIsIdempotentByName(t *testing.T) {
	m, store := newManager(t)
	b1 := seed(t, store, "one")
	b2 := seed(t, store, "two")

	_, err := m.Diverge(b1, "p")
	require.NoError(t, err)
	_, err = m.Diverge(b2, "p")
	require.NoError(t, err)

	ref, ok, err := m.Get("p")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b2, ref.BaseSnapshot, "second diverge replaces the record")
}

func TestDivergeUnknownSnapshot(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Diverge("deadbeef", "p")
	assert.ErrorIs(t, err, types.ErrUnknownSnapshot)
}

func TestExtendAdvancesHead(t *testing.T) {
	m, store := newManager(t)
	base := seed(t, store, "base")
	_, err := m.Diverge(base, "p")
	require.NoError(t, err)

	h1, err := m.Extend("p", "first append", nil)
	require.NoError(t, err)
	assert.Equal(t, types.ContentHash([]byte("first append")), h1)

	n, ok, err := store.LoadByHash(h1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{base}, n.Parents)
	// Stream inherited from the head node.
	assert.Equal(t, "chat", n.Lobe)

	head, ok, err := m.Head("p")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, h1, head)
}

func TestExtendRequiresExistingPath(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Extend("nope", "content", nil)
	assert.ErrorIs(t, err, types.ErrPathNotFound)
}

func TestSetHead(t *testing.T) {
	m, store := newManager(t)
	base := seed(t, store, "base")
	other := seed(t, store, "other")

	_, err := m.Diverge(base, "p")
	require.NoError(t, err)
	require.NoError(t, m.SetHead("p", other))

	head, _, err := m.Head("p")
	require.NoError(t, err)
	assert.Equal(t, other, head)

	err = m.SetHead("p", "not-a-hash")
	assert.ErrorIs(t, err, types.ErrUnknownSnapshot)
}

func TestSetHeadCreatesMissingPath(t *testing.T) {
	m, store := newManager(t)
	base := seed(t, store, "base")

	require.NoError(t, m.SetHead("fresh", base))
	ref, ok, err := m.Get("fresh")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, base, ref.Head)
	assert.Equal(t, base, ref.BaseSnapshot)
}

func TestIsAncestorAlongChain(t *testing.T) {
	m, store := newManager(t)
	a := seed(t, store, "a")
	_, err := m.Diverge(a, "p")
	require.NoError(t, err)
	b, err := m.Extend("p", "b", nil)
	require.NoError(t, err)
	c, err := m.Extend("p", "c", nil)
	require.NoError(t, err)

	// Self is trivially an ancestor.
	ok, err := m.IsAncestor(c, c)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.IsAncestor(a, c)
	require.NoError(t, err)
	assert.True(t, ok, "a -> b -> c means a is an ancestor of c")

	ok, err = m.IsAncestor(c, a)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.IsAncestor(b, c)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListAndExists(t *testing.T) {
	m, store := newManager(t)
	base := seed(t, store, "base")
	_, err := m.Diverge(base, "alpha")
	require.NoError(t, err)
	_, err = m.Diverge(base, "beta")
	require.NoError(t, err)

	names, err := m.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, names)

	ok, err := m.Exists("alpha")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.Exists("gamma")
	require.NoError(t, err)
	assert.False(t, ok)
}
