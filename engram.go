// Package engram is a durable, content-addressed memory store for agents.
// Experiences live as immutable snapshot nodes in a hash-linked DAG with
// git-like branch semantics, fronted by a hot SQLite working set and a
// compressed cold archive.
package engram

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"

	"github.com/engramdb/engram/internal/archive"
	"github.com/engramdb/engram/internal/audit"
	"github.com/engramdb/engram/internal/config"
	"github.com/engramdb/engram/internal/hotcache"
	"github.com/engramdb/engram/internal/merge"
	"github.com/engramdb/engram/internal/nodestore"
	"github.com/engramdb/engram/internal/paths"
	"github.com/engramdb/engram/internal/pruner"
	"github.com/engramdb/engram/internal/recall"
	"github.com/engramdb/engram/internal/summarize"
	"github.com/engramdb/engram/pkg/evaluator"
	"github.com/engramdb/engram/pkg/logging"
	"github.com/engramdb/engram/pkg/types"
)

// MainPath is the default consolidation target.
const MainPath = "main"

// Engram is the root handle over all tiers and the branch machinery.
type Engram struct {
	cfg     config.Config
	log     *logrus.Logger
	store   *nodestore.Store
	paths   *paths.Manager
	merge   *merge.Engine
	hot     *hotcache.DB
	archive *archive.Store
	recall  *recall.Orchestrator
	pruner  *pruner.Pruner
	audit   *audit.Log
	eval    evaluator.Evaluator

	streamMu sync.Mutex
	streams  map[string]*sync.Mutex
}

// Open builds a store from config. A nil evaluator admits everything.
func Open(cfg config.Config, eval evaluator.Evaluator, log *logrus.Logger) (*Engram, error) {
	log = logging.OrDiscard(log)
	if eval == nil {
		eval = evaluator.AllowAll{}
	}

	store, err := nodestore.Open(cfg.Root, log)
	if err != nil {
		return nil, fmt.Errorf("engram: open node store: %w", err)
	}
	hot, err := hotcache.Open(cfg.HotDB)
	if err != nil {
		return nil, fmt.Errorf("engram: open hot cache: %w", err)
	}
	arc, err := archive.Open(cfg.ArchiveDir, log)
	if err != nil {
		hot.Close()
		return nil, fmt.Errorf("engram: open archive: %w", err)
	}
	auditLog, err := audit.Open(cfg.AuditLog, log)
	if err != nil {
		hot.Close()
		arc.Close()
		return nil, fmt.Errorf("engram: open audit log: %w", err)
	}

	pm := paths.NewManager(store, log)
	e := &Engram{
		cfg:     cfg,
		log:     log,
		store:   store,
		paths:   pm,
		merge:   merge.NewEngine(store, pm, eval, log),
		hot:     hot,
		archive: arc,
		recall:  recall.New(hot, arc, store, log),
		pruner:  pruner.New(store, log),
		audit:   auditLog,
		eval:    eval,
		streams: map[string]*sync.Mutex{},
	}
	return e, nil
}

// Close releases the hot cache and archive. Node and path state is plain
// files and needs no teardown.
func (e *Engram) Close() error {
	hotErr := e.hot.Close()
	arcErr := e.archive.Close()
	if hotErr != nil {
		return hotErr
	}
	return arcErr
}

func (e *Engram) streamLock(lobe, key string) *sync.Mutex {
	e.streamMu.Lock()
	defer e.streamMu.Unlock()
	k := lobe + "\x00" + key
	mu, ok := e.streams[k]
	if !ok {
		mu = &sync.Mutex{}
		e.streams[k] = mu
	}
	return mu
}

// Remember ingests new content into the hot tier. The evaluator gates the
// text first; byte-identical content already in the stream short-circuits to
// the existing memory. Returns the memory id.
func (e *Engram) Remember(lobe, key, content string) (string, error) {
	if lobe == "" {
		lobe = e.cfg.DefaultLobe
	}
	if key == "" {
		key = uuid.NewString()
	}

	verdict := e.eval.Evaluate(content, "remember")
	if !verdict.Passed {
		e.audit.Record("librarian", "remember_rejected", verdict.Reason, "warn")
		return "", fmt.Errorf("engram: remember %s/%s: %s: %w", lobe, key, verdict.Reason, types.ErrRejected)
	}
	if verdict.Rewritten != "" {
		content = verdict.Rewritten
	}

	mu := e.streamLock(lobe, key)
	mu.Lock()
	defer mu.Unlock()

	if existing, ok, err := e.hot.FindDuplicate(lobe, key, []byte(content)); err != nil {
		return "", err
	} else if ok {
		if err := e.hot.Touch(existing); err != nil {
			return "", err
		}
		e.audit.Record("librarian", "remember_duplicate", existing, "info")
		return existing, nil
	}

	id := lobe + "_" + types.ContentHash([]byte(key+content))[:32]
	summary := summarize.FirstSentences(content)
	if err := e.hot.PutWithSummary(id, lobe, key, []byte(content), summary); err != nil {
		return "", err
	}
	e.audit.Record("librarian", "remember", id, "info")
	e.log.WithFields(logrus.Fields{"id": id, "lobe": lobe, "key": key}).Debug("engram: remembered")
	return id, nil
}

// Recall resolves a memory id through the tiers.
func (e *Engram) Recall(id string, prefer types.Prefer) ([]byte, types.Source, bool, error) {
	return e.recall.Recall(id, prefer)
}

// RecallMany resolves a batch, highest value score first, dropping misses.
func (e *Engram) RecallMany(ids []string, prefer types.Prefer) ([]recall.Result, error) {
	return e.recall.RecallMany(ids, prefer)
}

// SetValueScore records the retrieval ranking score for a memory.
func (e *Engram) SetValueScore(id string, score float64) error {
	return e.hot.SetValueScore(id, score)
}

// Branch creates (or resets) a named path. The base is resolved from, in
// order: an explicit snapshot hash, the lobe's most recently archived cid,
// then the main path's head.
func (e *Engram) Branch(name, baseHash, lobe string) (string, error) {
	base := baseHash
	if base == "" && lobe != "" {
		cid, ok, err := e.hot.LatestArchivedCIDInLobe(lobe)
		if err != nil {
			return "", err
		}
		if ok {
			base = cid
		}
	}
	if base == "" {
		head, ok, err := e.paths.Head(MainPath)
		if err != nil {
			return "", err
		}
		if ok {
			base = head
		}
	}
	if base == "" {
		return "", fmt.Errorf("engram: branch %s: no base snapshot resolvable", name)
	}

	id, err := e.paths.Diverge(base, name)
	if err != nil {
		return "", err
	}
	e.audit.Record("core", "branch", id+" @ "+base, "info")
	return id, nil
}

// Append extends a path with evaluator-gated content and returns the new
// head hash.
func (e *Engram) Append(path, content string, meta types.Meta) (string, error) {
	verdict := e.eval.Evaluate(content, "append")
	if !verdict.Passed {
		e.audit.Record("core", "append_rejected", path+": "+verdict.Reason, "warn")
		return "", fmt.Errorf("engram: append %s: %s: %w", path, verdict.Reason, types.ErrRejected)
	}
	if verdict.Rewritten != "" {
		content = verdict.Rewritten
	}

	enriched := meta.Clone()
	enriched["op"] = "append"
	enriched["actor"] = "core"
	hash, err := e.paths.Extend(path, content, enriched)
	if err != nil {
		return "", err
	}
	e.audit.Record("core", "append", path+" -> "+hash, "info")
	return hash, nil
}

// Consolidate fast-forwards dst to src's head. A missing dst is created at
// src's head; a dst whose head is not an ancestor of src's head fails with
// ErrNonFastForward — callers must Reconcile instead.
func (e *Engram) Consolidate(src, dst string) (string, error) {
	srcHead, ok, err := e.paths.Head(src)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("engram: consolidate: source %s: %w", src, types.ErrPathNotFound)
	}

	dstHead, exists, err := e.paths.Head(dst)
	if err != nil {
		return "", err
	}
	if exists {
		if dstHead == srcHead {
			return srcHead, nil
		}
		ff, err := e.paths.IsAncestor(dstHead, srcHead)
		if err != nil {
			return "", err
		}
		if !ff {
			return "", fmt.Errorf("engram: consolidate %s -> %s: %w", src, dst, types.ErrNonFastForward)
		}
	}
	if err := e.paths.SetHead(dst, srcHead); err != nil {
		return "", err
	}
	e.audit.Record("core", "consolidate", src+" -> "+dst, "info")
	return srcHead, nil
}

// Reconcile merges feature into main via the merge engine.
func (e *Engram) Reconcile(mainPath, featurePath string) (string, error) {
	hash, err := e.merge.Reconcile(mainPath, featurePath)
	if err != nil {
		e.audit.Record("core", "reconcile_failed", mainPath+" <- "+featurePath+": "+err.Error(), "warn")
		return hash, err
	}
	e.audit.Record("core", "reconcile", mainPath+" <- "+featurePath+" -> "+hash, "info")
	return hash, nil
}

// PromoteToArchive demotes a hot memory to the cold archive.
func (e *Engram) PromoteToArchive(id string) (string, error) {
	cid, err := e.recall.PromoteToArchive(id)
	if err == nil {
		e.audit.Record("archivist", "promote_archive", id+" -> "+cid, "info")
	}
	return cid, err
}

// PromoteToDAG writes a memory as a snapshot node in its lobe's chain.
func (e *Engram) PromoteToDAG(id string) (string, error) {
	ref, err := e.recall.PromoteToDAG(id)
	if err == nil {
		e.audit.Record("archivist", "promote_dag", id, "info")
	}
	return ref, err
}

// PromoteAllHotInLobe archives and promotes every hot-only memory in a lobe.
func (e *Engram) PromoteAllHotInLobe(lobe string) ([]string, error) {
	return e.recall.PromoteAllHotInLobe(lobe)
}

// Prune trims per-stream history. Path heads that no longer resolve after
// the prune are reported in the log; pruning is a hard delete.
func (e *Engram) Prune(keepLastPerStream int) (types.PruneReport, error) {
	report, err := e.pruner.Prune(keepLastPerStream)
	if err != nil {
		return report, err
	}
	e.audit.Record("core", "prune",
		fmt.Sprintf("examined=%d kept=%d removed=%d", report.Examined, report.Kept, report.Removed), "info")
	e.warnDanglingPaths()
	return report, nil
}

func (e *Engram) warnDanglingPaths() {
	names, err := e.paths.List()
	if err != nil {
		return
	}
	for _, name := range names {
		head, ok, err := e.paths.Head(name)
		if err != nil || !ok {
			continue
		}
		if _, found, err := e.store.LoadByHash(head); err == nil && !found {
			e.log.WithFields(logrus.Fields{"path": name, "head": head}).
				Warn("engram: path head no longer resolves, was its stream pruned?")
		}
	}
}

// Status is a point-in-time snapshot of store health.
type Status struct {
	Nodes         int     `json:"nodes"`
	Streams       int     `json:"streams"`
	Paths         int     `json:"paths"`
	HotMemories   int     `json:"hot_memories"`
	ArchivedBlobs int     `json:"archived_blobs"`
	DiskTotalGB   float64 `json:"disk_total_gb"`
	DiskFreeGB    float64 `json:"disk_free_gb"`
	DiskUsedPct   float64 `json:"disk_used_pct"`
}

// Status counts every tier and samples disk usage under the store root.
func (e *Engram) Status() (Status, error) {
	records, err := e.store.All()
	if err != nil {
		return Status{}, err
	}
	streams, err := e.store.Streams()
	if err != nil {
		return Status{}, err
	}
	pathNames, err := e.paths.List()
	if err != nil {
		return Status{}, err
	}
	hotCount, err := e.hot.Count()
	if err != nil {
		return Status{}, err
	}
	arcCount, err := e.archive.Count()
	if err != nil {
		return Status{}, err
	}

	st := Status{
		Nodes:         len(records),
		Streams:       len(streams),
		Paths:         len(pathNames),
		HotMemories:   hotCount,
		ArchivedBlobs: arcCount,
	}
	if usage, err := disk.Usage(e.cfg.Root); err == nil {
		st.DiskTotalGB = float64(usage.Total) / 1e9
		st.DiskFreeGB = float64(usage.Free) / 1e9
		st.DiskUsedPct = usage.UsedPercent
	}
	return st, nil
}

// PathHead exposes a path's head hash for inspection tooling.
func (e *Engram) PathHead(name string) (string, bool, error) {
	return e.paths.Head(name)
}

// Paths lists every branch name.
func (e *Engram) Paths() ([]string, error) {
	return e.paths.List()
}

// NodeByHash exposes a snapshot node for inspection tooling.
func (e *Engram) NodeByHash(hash string) (types.Node, bool, error) {
	return e.store.LoadByHash(hash)
}

// AuditTail returns the newest audit entries.
func (e *Engram) AuditTail(limit int) ([]audit.Entry, error) {
	return e.audit.Tail(limit)
}
