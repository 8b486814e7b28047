// Package recall answers id-based reads across the three storage tiers and
// opportunistically repairs a missing tier from whichever one still holds
// the content.
package recall

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/engramdb/engram/internal/archive"
	"github.com/engramdb/engram/internal/hotcache"
	"github.com/engramdb/engram/internal/nodestore"
	"github.com/engramdb/engram/pkg/logging"
	"github.com/engramdb/engram/pkg/types"
)

// Result is one resolved recall: the content plus which tier answered.
type Result struct {
	ID      string
	Content []byte
	Source  types.Source
}

// Orchestrator owns the tier order and the repair flows between tiers.
type Orchestrator struct {
	hot     *hotcache.DB
	archive *archive.Store
	store   *nodestore.Store
	log     *logrus.Logger
}

// New wires an orchestrator over the three tiers.
func New(hot *hotcache.DB, arc *archive.Store, store *nodestore.Store, log *logrus.Logger) *Orchestrator {
	return &Orchestrator{hot: hot, archive: arc, store: store, log: logging.OrDiscard(log)}
}

// Recall resolves a logical id against the preferred tier, or against
// Hot, Archive, Dag in order for Auto. Each tier may repair itself from the
// others before reporting a miss. ok is false only when no tier can produce
// the content.
func (o *Orchestrator) Recall(id string, prefer types.Prefer) ([]byte, types.Source, bool, error) {
	var tiers []types.Prefer
	switch prefer {
	case types.Hot, types.Archive, types.Dag:
		tiers = []types.Prefer{prefer}
	default:
		tiers = []types.Prefer{types.Hot, types.Archive, types.Dag}
	}

	for _, tier := range tiers {
		var (
			content []byte
			src     types.Source
			ok      bool
			err     error
		)
		switch tier {
		case types.Hot:
			content, ok, err = o.fromHot(id)
			src = types.SourceHot
		case types.Archive:
			content, ok, err = o.fromArchive(id)
			src = types.SourceArchive
		case types.Dag:
			content, ok, err = o.fromDag(id)
			src = types.SourceDag
		}
		if err != nil {
			return nil, 0, false, err
		}
		if ok {
			return content, src, true, nil
		}
	}
	return nil, 0, false, nil
}

// RecallMany resolves a batch of ids, highest value score first. Ids without
// a score keep their relative order after the scored ones; ids that resolve
// to nothing are dropped.
func (o *Orchestrator) RecallMany(ids []string, prefer types.Prefer) ([]Result, error) {
	type ranked struct {
		id     string
		pos    int
		score  float64
		scored bool
	}
	order := make([]ranked, 0, len(ids))
	for i, id := range ids {
		score, ok, err := o.hot.ValueScore(id)
		if err != nil {
			return nil, err
		}
		order = append(order, ranked{id: id, pos: i, score: score, scored: ok})
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.scored != b.scored {
			return a.scored
		}
		if a.scored && a.score != b.score {
			return a.score > b.score
		}
		return a.pos < b.pos
	})

	var out []Result
	for _, r := range order {
		content, src, ok, err := o.Recall(r.id, prefer)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, Result{ID: r.id, Content: content, Source: src})
	}
	return out, nil
}

func (o *Orchestrator) fromHot(id string) ([]byte, bool, error) {
	m, ok, err := o.hot.Get(id)
	if err != nil {
		return nil, false, err
	}
	if !ok || m.Content == nil {
		return nil, false, nil
	}
	if err := o.hot.Touch(id); err != nil {
		return nil, false, err
	}
	return m.Content, true, nil
}

// fromArchive resolves through the hot cache's archive pointer. A miss
// first tries to create the archive entry from any tier holding the bytes,
// then retries once.
func (o *Orchestrator) fromArchive(id string) ([]byte, bool, error) {
	content, ok, err := o.archiveLookup(id)
	if err != nil || ok {
		return content, ok, err
	}

	healed, err := o.ensureArchived(id)
	if err != nil {
		return nil, false, err
	}
	if !healed {
		return nil, false, nil
	}
	return o.archiveLookup(id)
}

func (o *Orchestrator) archiveLookup(id string) ([]byte, bool, error) {
	cid, ok, err := o.hot.ArchivedPointer(id)
	if err != nil || !ok {
		return nil, false, err
	}
	data, ok, err := o.archive.Get(cid)
	if err != nil || !ok {
		return nil, false, err
	}
	// Refill the hot row so the next direct hot lookup hits.
	if m, ok, err := o.hot.Get(id); err == nil && ok && m.Content == nil {
		if err := o.hot.Put(id, m.Lobe, m.Key, data); err != nil {
			return nil, false, err
		}
		if err := o.hot.RecordArchived(id, cid); err != nil {
			return nil, false, err
		}
	}
	return data, true, nil
}

// ensureArchived writes the archive blob and pointer from whichever tier
// still holds the content. Reports whether a repair happened.
func (o *Orchestrator) ensureArchived(id string) (bool, error) {
	var content []byte

	if m, ok, err := o.hot.Get(id); err != nil {
		return false, err
	} else if ok && m.Content != nil {
		content = m.Content
	} else if node, ok, err := o.store.LoadByID(id); err != nil {
		return false, err
	} else if ok {
		content = []byte(node.Content)
	} else {
		return false, nil
	}

	cid, err := o.archive.Put(content)
	if err != nil {
		return false, err
	}
	if err := o.hot.RecordArchived(id, cid); err != nil {
		return false, err
	}
	o.log.WithFields(logrus.Fields{"id": id, "cid": cid}).Debug("recall: repaired archive tier")
	return true, nil
}

// fromDag resolves against the node store. A miss pulls the content out of
// the archive (or hot), promotes it into the DAG, retries, and on success
// re-populates the hot cache under the node's own lobe/key so later hot
// lookups hit directly.
func (o *Orchestrator) fromDag(id string) ([]byte, bool, error) {
	if node, ok, err := o.store.LoadByID(id); err != nil {
		return nil, false, err
	} else if ok {
		return []byte(node.Content), true, nil
	}

	if healed, err := o.restoreHotFromArchive(id); err != nil {
		return nil, false, err
	} else if !healed {
		m, ok, err := o.hot.Get(id)
		if err != nil {
			return nil, false, err
		}
		if !ok || m.Content == nil {
			return nil, false, nil
		}
	}

	if _, err := o.PromoteToDAG(id); err != nil {
		return nil, false, fmt.Errorf("recall: dag repair %s: %w", id, err)
	}

	node, ok, err := o.store.LoadByID(id)
	if err != nil || !ok {
		return nil, ok, err
	}
	if err := o.hot.Put(id, node.Lobe, node.Key, []byte(node.Content)); err != nil {
		return nil, false, err
	}
	o.log.WithFields(logrus.Fields{"id": id, "hash": node.Hash}).Debug("recall: repaired dag tier")
	return []byte(node.Content), true, nil
}

// restoreHotFromArchive refills a hot row's content from its archive
// pointer. Reports whether anything was restored.
func (o *Orchestrator) restoreHotFromArchive(id string) (bool, error) {
	m, ok, err := o.hot.Get(id)
	if err != nil {
		return false, err
	}
	if !ok || m.ArchivedCID == "" {
		return false, nil
	}
	if m.Content != nil {
		return true, nil
	}
	data, ok, err := o.archive.Get(m.ArchivedCID)
	if err != nil || !ok {
		return false, err
	}
	if err := o.hot.Put(id, m.Lobe, m.Key, data); err != nil {
		return false, err
	}
	if err := o.hot.RecordArchived(id, m.ArchivedCID); err != nil {
		return false, err
	}
	return true, nil
}

// PromoteToArchive demotes a hot memory into the cold archive: the blob
// moves, the hot row keeps only the pointer. Returns the cid.
func (o *Orchestrator) PromoteToArchive(id string) (string, error) {
	m, ok, err := o.hot.Get(id)
	if err != nil {
		return "", err
	}
	if !ok || m.Content == nil {
		return "", fmt.Errorf("recall: promote to archive %s: no hot content", id)
	}
	cid, err := o.archive.Put(m.Content)
	if err != nil {
		return "", err
	}
	if err := o.hot.MarkArchived(id, cid); err != nil {
		return "", err
	}
	o.log.WithFields(logrus.Fields{"id": id, "cid": cid}).Info("recall: promoted to archive")
	return cid, nil
}

// PromoteToDAG writes a memory's content as a snapshot node. The parent is
// the lobe's most recently archived cid, which keeps each lobe's promoted
// history a linear chain.
func (o *Orchestrator) PromoteToDAG(id string) (string, error) {
	m, ok, err := o.hot.Get(id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("recall: promote to dag %s: unknown memory", id)
	}

	content := m.Content
	if content == nil && m.ArchivedCID != "" {
		data, found, err := o.archive.Get(m.ArchivedCID)
		if err != nil {
			return "", err
		}
		if found {
			content = data
		}
	}
	if content == nil {
		return "", fmt.Errorf("recall: promote to dag %s: no content in any tier", id)
	}

	cid := types.ContentHash(content)
	var parents []string
	if prev, ok, err := o.hot.LatestArchivedCIDInLobe(m.Lobe); err != nil {
		return "", err
	} else if ok && prev != cid {
		if _, found, err := o.store.LoadByHash(prev); err != nil {
			return "", err
		} else if found {
			parents = []string{prev}
		}
	}

	meta := types.Meta{"lobe": m.Lobe, "key": m.Key, "cid": cid}
	if m.Summary != "" {
		meta["summary"] = m.Summary
	}
	ref, err := o.store.Save(id, string(content), meta, parents)
	if err != nil {
		return "", err
	}
	o.log.WithFields(logrus.Fields{"id": id, "ref": ref, "hash": cid}).Info("recall: promoted to dag")
	return ref, nil
}

// PromoteAllHotInLobe archives and promotes every hot-only memory in a
// lobe, oldest first. Returns the promoted ids in order.
func (o *Orchestrator) PromoteAllHotInLobe(lobe string) ([]string, error) {
	ids, err := o.hot.NonArchivedIDs(lobe)
	if err != nil {
		return nil, err
	}
	var done []string
	for _, id := range ids {
		if _, err := o.PromoteToDAG(id); err != nil {
			return done, err
		}
		if _, err := o.PromoteToArchive(id); err != nil {
			return done, err
		}
		done = append(done, id)
	}
	return done, nil
}
