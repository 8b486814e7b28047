package hotcache

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/engramdb/engram/pkg/types"
)

// Memory is one hot-tier row. Content may be nil when the row has been
// demoted to the archive and only the pointer remains.
type Memory struct {
	MemoryID    string
	Lobe        string
	Key         string
	Content     []byte
	Summary     string
	CreatedAt   string
	UpdatedAt   string
	ArchivedCID string
	ArchivedAt  string
}

// Put inserts or refreshes a memory's content. An existing row keeps its
// created_at and archive pointer.
func (db *DB) Put(memoryID, lobe, key string, content []byte) error {
	return db.PutWithSummary(memoryID, lobe, key, content, "")
}

// PutWithSummary is Put with an attached summary line.
func (db *DB) PutWithSummary(memoryID, lobe, key string, content []byte, summary string) error {
	now := types.Now()
	_, err := db.Exec(`
		INSERT INTO memories (memory_id, lobe, key, content, summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET
			lobe       = excluded.lobe,
			key        = excluded.key,
			content    = excluded.content,
			summary    = CASE WHEN excluded.summary != '' THEN excluded.summary ELSE memories.summary END,
			updated_at = excluded.updated_at
	`, memoryID, lobe, key, content, summary, now, now)
	if err != nil {
		return fmt.Errorf("hotcache: put %s: %w", memoryID, err)
	}
	return nil
}

// Get returns a memory's full row. The second return is false when the id
// is not present at all.
func (db *DB) Get(memoryID string) (Memory, bool, error) {
	var m Memory
	var summary, archivedCID, archivedAt sql.NullString
	err := db.QueryRow(`
		SELECT memory_id, lobe, key, content, summary, created_at, updated_at, archived_cid, archived_at
		FROM memories WHERE memory_id = ?
	`, memoryID).Scan(&m.MemoryID, &m.Lobe, &m.Key, &m.Content, &summary, &m.CreatedAt, &m.UpdatedAt, &archivedCID, &archivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Memory{}, false, nil
	}
	if err != nil {
		return Memory{}, false, fmt.Errorf("hotcache: get %s: %w", memoryID, err)
	}
	m.Summary = summary.String
	m.ArchivedCID = archivedCID.String
	m.ArchivedAt = archivedAt.String
	return m, true, nil
}

// Touch bumps a memory's updated_at so it sorts as recently used.
func (db *DB) Touch(memoryID string) error {
	_, err := db.Exec("UPDATE memories SET updated_at = ? WHERE memory_id = ?", types.Now(), memoryID)
	if err != nil {
		return fmt.Errorf("hotcache: touch %s: %w", memoryID, err)
	}
	return nil
}

// MarkArchived records the archive pointer for a memory and drops its hot
// content. The row survives as a stub so future recalls can self-heal.
func (db *DB) MarkArchived(memoryID, cid string) error {
	now := types.Now()
	res, err := db.Exec(`
		UPDATE memories SET content = NULL, archived_cid = ?, archived_at = ?, updated_at = ?
		WHERE memory_id = ?
	`, cid, now, now, memoryID)
	if err != nil {
		return fmt.Errorf("hotcache: mark archived %s: %w", memoryID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("hotcache: mark archived %s: no such memory", memoryID)
	}
	return nil
}

// RecordArchived stores the archive pointer without touching hot content.
// Used by tier repair, where the hot row should stay servable.
func (db *DB) RecordArchived(memoryID, cid string) error {
	now := types.Now()
	_, err := db.Exec(`
		UPDATE memories SET archived_cid = ?, archived_at = ?, updated_at = ?
		WHERE memory_id = ?
	`, cid, now, now, memoryID)
	if err != nil {
		return fmt.Errorf("hotcache: record archived %s: %w", memoryID, err)
	}
	return nil
}

// ArchivedPointer returns the archive cid recorded for a memory, if any.
func (db *DB) ArchivedPointer(memoryID string) (string, bool, error) {
	var cid sql.NullString
	err := db.QueryRow("SELECT archived_cid FROM memories WHERE memory_id = ?", memoryID).Scan(&cid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hotcache: archived pointer %s: %w", memoryID, err)
	}
	return cid.String, cid.Valid && cid.String != "", nil
}

// LatestArchivedCIDInLobe returns the most recently archived cid within a
// lobe, used as a branch base when no explicit snapshot is given.
func (db *DB) LatestArchivedCIDInLobe(lobe string) (string, bool, error) {
	var cid string
	err := db.QueryRow(`
		SELECT archived_cid FROM memories
		WHERE lobe = ? AND archived_cid IS NOT NULL AND archived_cid != ''
		ORDER BY archived_at DESC LIMIT 1
	`, lobe).Scan(&cid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hotcache: latest archived in %s: %w", lobe, err)
	}
	return cid, true, nil
}

// FindDuplicate returns the id of an existing memory in the same (lobe, key)
// stream whose content is byte-identical.
func (db *DB) FindDuplicate(lobe, key string, content []byte) (string, bool, error) {
	var id string
	err := db.QueryRow(`
		SELECT memory_id FROM memories
		WHERE lobe = ? AND key = ? AND content = ?
		ORDER BY updated_at DESC LIMIT 1
	`, lobe, key, content).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hotcache: find duplicate in %s/%s: %w", lobe, key, err)
	}
	return id, true, nil
}

// RecentIDs lists up to limit memory ids ordered by most recent use.
func (db *DB) RecentIDs(limit int) ([]string, error) {
	rows, err := db.Query("SELECT memory_id FROM memories ORDER BY updated_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("hotcache: recent ids: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// NonArchivedIDs lists every memory in a lobe still holding hot content
// without an archive pointer.
func (db *DB) NonArchivedIDs(lobe string) ([]string, error) {
	rows, err := db.Query(`
		SELECT memory_id FROM memories
		WHERE lobe = ? AND content IS NOT NULL AND (archived_cid IS NULL OR archived_cid = '')
		ORDER BY updated_at ASC
	`, lobe)
	if err != nil {
		return nil, fmt.Errorf("hotcache: non-archived ids in %s: %w", lobe, err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// Remove hard-deletes a memory row and its score.
func (db *DB) Remove(memoryID string) error {
	if _, err := db.Exec("DELETE FROM memories WHERE memory_id = ?", memoryID); err != nil {
		return fmt.Errorf("hotcache: remove %s: %w", memoryID, err)
	}
	return nil
}

// Count returns the number of hot-tier rows.
func (db *DB) Count() (int, error) {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM memories").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("hotcache: count: %w", err)
	}
	return n, nil
}

// SetValueScore upserts the retrieval ranking score for a memory.
func (db *DB) SetValueScore(memoryID string, score float64) error {
	_, err := db.Exec(`
		INSERT INTO value_scores (memory_id, score, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET score = excluded.score, updated_at = excluded.updated_at
	`, memoryID, score, types.Now())
	if err != nil {
		return fmt.Errorf("hotcache: set score %s: %w", memoryID, err)
	}
	return nil
}

// ValueScore returns a memory's score; ok is false when none was ever set.
func (db *DB) ValueScore(memoryID string) (float64, bool, error) {
	var score float64
	err := db.QueryRow("SELECT score FROM value_scores WHERE memory_id = ?", memoryID).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("hotcache: score %s: %w", memoryID, err)
	}
	return score, true, nil
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
