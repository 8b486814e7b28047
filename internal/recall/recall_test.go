package recall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/internal/archive"
	"github.com/engramdb/engram/internal/hotcache"
	"github.com/engramdb/engram/internal/nodestore"
	"github.com/engramdb/engram/pkg/types"
)

func newOrchestrator(t *testing.T) (*Orchestrator, *hotcache.DB, *archive.Store, *nodestore.Store) {
	t.Helper()
	hot, err := hotcache.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { hot.Close() })

	arc, err := archive.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { arc.Close() })

	store, err := nodestore.Open(t.TempDir(), nil)
	require.NoError(t, err)

	return New(hot, arc, store, nil), hot, arc, store
}

func TestRecallFromHot(t *testing.T) {
	o, hot, _, _ := newOrchestrator(t)
	require.NoError(t, hot.Put("m1", "chat", "k", []byte("hello")))

	content, src, ok, err := o.Recall("m1", types.Auto)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), content)
	assert.Equal(t, types.SourceHot, src)
}

func TestRecallMiss(t *testing.T) {
	o, _, _, _ := newOrchestrator(t)
	_, _, ok, err := o.Recall("ghost", types.Auto)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecallArchiveSelfHealsHot(t *testing.T) {
	o, hot, arc, _ := newOrchestrator(t)

	// Content lives only in the archive; the hot row is a stub pointer.
	cid, err := arc.Put([]byte("cold content"))
	require.NoError(t, err)
	require.NoError(t, hot.Put("m1", "chat", "k", []byte("cold content")))
	require.NoError(t, hot.MarkArchived("m1", cid))

	m, ok, err := hot.Get("m1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, m.Content, "precondition: hot content dropped")

	content, src, ok, err := o.Recall("m1", types.Auto)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("cold content"), content)
	assert.Equal(t, types.SourceArchive, src)

	// The hot tier was repopulated along the way.
	content, src, ok, err = o.Recall("m1", types.Hot)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("cold content"), content)
	assert.Equal(t, types.SourceHot, src)
}

func TestRecallArchiveRepairsFromHot(t *testing.T) {
	o, hot, arc, _ := newOrchestrator(t)
	require.NoError(t, hot.Put("m1", "chat", "k", []byte("hot only")))

	// Explicit archive preference creates the archive entry and retries.
	content, src, ok, err := o.Recall("m1", types.Archive)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("hot only"), content)
	assert.Equal(t, types.SourceArchive, src)

	cid, ok, err := hot.ArchivedPointer("m1")
	require.NoError(t, err)
	require.True(t, ok)
	has, err := arc.Has(cid)
	require.NoError(t, err)
	assert.True(t, has)

	// The repair did not drop the hot content.
	m, ok, err := hot.Get("m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("hot only"), m.Content)
}

func TestRecallDagRepairsFromArchive(t *testing.T) {
	o, hot, arc, store := newOrchestrator(t)

	cid, err := arc.Put([]byte("archived text"))
	require.NoError(t, err)
	require.NoError(t, hot.Put("m1", "chat", "topic", []byte("archived text")))
	require.NoError(t, hot.MarkArchived("m1", cid))

	content, src, ok, err := o.Recall("m1", types.Dag)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("archived text"), content)
	assert.Equal(t, types.SourceDag, src)

	// The content was promoted into the node store under the id.
	node, ok, err := store.LoadByID("m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "archived text", node.Content)
	assert.Equal(t, "chat", node.Lobe)
	assert.Equal(t, "topic", node.Key)

	// And the hot row holds content again under the node's stream.
	m, ok, err := hot.Get("m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("archived text"), m.Content)
}

func TestRecallDagDirectHit(t *testing.T) {
	o, _, _, store := newOrchestrator(t)
	_, err := store.Save("m1", "in the dag", types.Meta{"lobe": "chat", "key": "k"}, nil)
	require.NoError(t, err)

	content, src, ok, err := o.Recall("m1", types.Dag)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("in the dag"), content)
	assert.Equal(t, types.SourceDag, src)
}

func TestPromoteToArchive(t *testing.T) {
	o, hot, arc, _ := newOrchestrator(t)
	require.NoError(t, hot.Put("m1", "chat", "k", []byte("demote me")))

	cid, err := o.PromoteToArchive("m1")
	require.NoError(t, err)
	assert.Equal(t, types.ContentHash([]byte("demote me")), cid)

	has, err := arc.Has(cid)
	require.NoError(t, err)
	assert.True(t, has)

	m, ok, err := hot.Get("m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, m.Content)
	assert.Equal(t, cid, m.ArchivedCID)

	_, err = o.PromoteToArchive("ghost")
	assert.Error(t, err)
}

func TestPromoteAllHotInLobeChains(t *testing.T) {
	o, hot, _, store := newOrchestrator(t)
	require.NoError(t, hot.Put("first", "chat", "a", []byte("alpha")))
	require.NoError(t, hot.Put("second", "chat", "b", []byte("beta")))
	require.NoError(t, hot.Put("elsewhere", "work", "c", []byte("gamma")))

	done, err := o.PromoteAllHotInLobe("chat")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, done)

	// Second promoted node chains onto the first's cid.
	second, ok, err := store.LoadByID("second")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{types.ContentHash([]byte("alpha"))}, second.Parents)

	first, ok, err := store.LoadByID("first")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, first.Parents)

	// Other lobes are untouched.
	ids, err := hot.NonArchivedIDs("work")
	require.NoError(t, err)
	assert.Equal(t, []string{"elsewhere"}, ids)
}

func TestRecallManyOrdersByValueScore(t *testing.T) {
	o, hot, _, _ := newOrchestrator(t)
	require.NoError(t, hot.Put("low", "chat", "a", []byte("low value")))
	require.NoError(t, hot.Put("high", "chat", "b", []byte("high value")))
	require.NoError(t, hot.Put("unscored", "chat", "c", []byte("no score")))
	require.NoError(t, hot.SetValueScore("low", 0.1))
	require.NoError(t, hot.SetValueScore("high", 0.9))

	results, err := o.RecallMany([]string{"unscored", "low", "high", "ghost"}, types.Auto)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "high", results[0].ID)
	assert.Equal(t, "low", results[1].ID)
	assert.Equal(t, "unscored", results[2].ID, "unscored ids sort after scored ones")
}

func TestRecallManyStableForTies(t *testing.T) {
	o, hot, _, _ := newOrchestrator(t)
	require.NoError(t, hot.Put("a", "chat", "a", []byte("a")))
	require.NoError(t, hot.Put("b", "chat", "b", []byte("b")))
	require.NoError(t, hot.SetValueScore("a", 0.5))
	require.NoError(t, hot.SetValueScore("b", 0.5))

	results, err := o.RecallMany([]string{"b", "a"}, types.Auto)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "b", results[0].ID)
	assert.Equal(t, "a", results[1].ID)
}
