package audit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndTail(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "audit", "actions.jsonl"), nil)
	require.NoError(t, err)

	l.Record("librarian", "remember", "id=m1", "info")
	l.Record("core", "reconcile", "main <- feature", "warn")

	entries, err := l.Tail(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "remember", entries[0].Act)
	assert.Equal(t, "reconcile", entries[1].Act)
	assert.NotEmpty(t, entries[0].TS)
}

func TestTailLimit(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "actions.jsonl"), nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		l.Record("core", "prune", "", "info")
	}
	l.Record("core", "last", "", "info")

	entries, err := l.Tail(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "last", entries[1].Act)
}

func TestTailMissingFile(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "actions.jsonl"), nil)
	require.NoError(t, err)
	entries, err := l.Tail(10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecordNeverFails(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "actions.jsonl"), nil)
	require.NoError(t, err)

	// Turn the target path into a directory so appends fail.
	require.NoError(t, os.Mkdir(filepath.Join(dir, "actions.jsonl"), 0755))
	l.Record("core", "remember", "", "info")
}
