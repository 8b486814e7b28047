// Package types holds the shared data model of the engram store: immutable
// snapshot nodes, the mutable stream and path references that point into the
// node DAG, and the error taxonomy used across packages.
package types

import (
	"encoding/hex"
	"errors"
	"time"

	"lukechampine.com/blake3"
)

// TimeLayout is used for every persisted timestamp. It is a fixed-width
// RFC3339 variant so that timestamp strings (and the node filenames derived
// from them) sort lexicographically in creation order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Now returns the current UTC time formatted with TimeLayout.
func Now() string {
	return time.Now().UTC().Format(TimeLayout)
}

// ContentHash returns the hex BLAKE3 hash of the given content. This is the
// content-addressed identity of a node: equal bytes always hash equal.
func ContentHash(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Node is the atomic, immutable unit of the store. A node is write-once: no
// field is ever mutated after creation. Nodes are deleted only by the pruner.
type Node struct {
	// ID is the caller-supplied logical identifier. It is not unique across
	// content; re-importing the same content under a new ID re-links the ID
	// index instead of creating a second node.
	ID string `json:"id"`
	// Timestamp is the creation time in TimeLayout form.
	Timestamp string `json:"ts"`
	// Lobe and Key name the logical stream this node belongs to.
	Lobe string `json:"lobe"`
	Key  string `json:"key"`
	// Parents holds zero, one or two parent content hashes. The first parent
	// is the primary one.
	Parents []string `json:"parents"`
	// Hash is the hex BLAKE3 hash of Content.
	Hash    string `json:"hash"`
	Content string `json:"content"`
	// Meta is an open key/value document carrying provenance, summaries and
	// caller-defined fields.
	Meta Meta `json:"meta"`
}

// Meta is a schema-less associative document. Callers attach arbitrary
// provenance; only a handful of fields are well-known and get typed
// accessors.
type Meta map[string]any

// Str returns the string value under key, or def when absent or non-string.
func (m Meta) Str(key, def string) string {
	if m == nil {
		return def
	}
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return def
}

// Bool returns the bool value under key, or false when absent.
func (m Meta) Bool(key string) bool {
	if m == nil {
		return false
	}
	b, _ := m[key].(bool)
	return b
}

// Lobe returns the meta "lobe" field, defaulting to "unknown".
func (m Meta) Lobe() string { return m.Str("lobe", "unknown") }

// Key returns the meta "key" field, defaulting to "default".
func (m Meta) Key() string { return m.Str("key", "default") }

// CID returns the meta "cid" field if present.
func (m Meta) CID() string { return m.Str("cid", "") }

// CreatedAt returns the meta "created_at" field if present.
func (m Meta) CreatedAt() string { return m.Str("created_at", "") }

// Clone returns a shallow copy so callers can enrich meta without mutating
// the input document.
func (m Meta) Clone() Meta {
	out := make(Meta, len(m)+4)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// StreamRef is the mutable pointer for a (lobe, key) stream. LastHash always
// equals the content hash of LatestNode; a write whose hash matches LastHash
// is a no-op.
type StreamRef struct {
	// LatestNode is the storage reference (node file name) of the stream tip.
	LatestNode string `json:"latest_node,omitempty"`
	LastHash   string `json:"last_hash,omitempty"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

// PathRef is a named, mutable branch record. Head must stay reachable from
// BaseSnapshot by forward parent edges, except transiently while a merge
// rewrites it to a two-parent node.
type PathRef struct {
	// BaseSnapshot is the content hash the path was seeded from.
	BaseSnapshot string `json:"base_snapshot"`
	// BaseNode is the storage reference of the base node.
	BaseNode string `json:"base_node"`
	// Head is the content hash of the current path head.
	Head      string `json:"head_node"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// IDIndex maps a logical memory id to the node that currently answers for it.
type IDIndex struct {
	Node string `json:"node"`
	Lobe string `json:"lobe"`
	Key  string `json:"key"`
}

// PruneReport summarizes one pruner run.
type PruneReport struct {
	Examined int `json:"examined"`
	Kept     int `json:"kept"`
	Removed  int `json:"removed"`
}

// Prefer selects the recall tier order.
type Prefer int

const (
	// Auto consults Hot, then Archive, then Dag.
	Auto Prefer = iota
	Hot
	Archive
	Dag
)

// ParsePrefer maps "hot"|"archive"|"dag" to a tier; everything else is Auto.
func ParsePrefer(s string) Prefer {
	switch s {
	case "hot":
		return Hot
	case "archive":
		return Archive
	case "dag":
		return Dag
	}
	return Auto
}

// Source records which tier answered a recall.
type Source int

const (
	SourceHot Source = iota
	SourceArchive
	SourceDag
)

func (s Source) String() string {
	switch s {
	case SourceHot:
		return "hot"
	case SourceArchive:
		return "archive"
	case SourceDag:
		return "dag"
	}
	return "unknown"
}

var (
	// ErrPathNotFound is returned when an operation requires an existing
	// path; callers must branch first.
	ErrPathNotFound = errors.New("path not found")
	// ErrUnknownSnapshot is returned when a content hash resolves to no
	// indexed node.
	ErrUnknownSnapshot = errors.New("unknown snapshot")
	// ErrRejected is returned when the evaluator declines content; nothing
	// was written.
	ErrRejected = errors.New("content rejected by evaluator")
	// ErrQuarantined is returned by Reconcile when the evaluator declined a
	// merge result. The merge node exists for audit, but no head moved.
	ErrQuarantined = errors.New("merge result quarantined")
	// ErrNonFastForward is returned by Consolidate when the destination head
	// is not an ancestor of the source head; callers must reconcile instead.
	ErrNonFastForward = errors.New("non-fast-forward: destination is not an ancestor of source")
)
