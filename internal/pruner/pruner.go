// Package pruner bounds per-stream node history. Deletion is hard: a pruned
// node is gone even if a parent pointer in another stream still names it, so
// promotion/archival must run before pruning when streams cross-reference.
package pruner

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/engramdb/engram/internal/nodestore"
	"github.com/engramdb/engram/pkg/logging"
	"github.com/engramdb/engram/pkg/types"
)

// Pruner removes old nodes beyond a per-stream retention count.
type Pruner struct {
	store *nodestore.Store
	log   *logrus.Logger
}

// New returns a pruner over the given node store.
func New(store *nodestore.Store, log *logrus.Logger) *Pruner {
	return &Pruner{store: store, log: logging.OrDiscard(log)}
}

// Prune groups every node by (lobe, key), keeps the newest keepLastPerStream
// of each group by timestamp, and hard-deletes the rest.
func (p *Pruner) Prune(keepLastPerStream int) (types.PruneReport, error) {
	if keepLastPerStream < 0 {
		return types.PruneReport{}, fmt.Errorf("pruner: negative retention %d", keepLastPerStream)
	}

	records, err := p.store.All()
	if err != nil {
		return types.PruneReport{}, fmt.Errorf("pruner: scan: %w", err)
	}

	type streamKey struct{ lobe, key string }
	groups := map[streamKey][]nodestore.NodeRecord{}
	for _, rec := range records {
		k := streamKey{rec.Node.Lobe, rec.Node.Key}
		groups[k] = append(groups[k], rec)
	}

	report := types.PruneReport{Examined: len(records)}
	for k, group := range groups {
		sort.Slice(group, func(i, j int) bool {
			return group[i].Node.Timestamp > group[j].Node.Timestamp
		})
		if len(group) <= keepLastPerStream {
			report.Kept += len(group)
			continue
		}
		report.Kept += keepLastPerStream
		for _, rec := range group[keepLastPerStream:] {
			if err := p.store.Remove(rec.Ref); err != nil {
				return report, fmt.Errorf("pruner: remove %s: %w", rec.Ref, err)
			}
			report.Removed++
		}
		p.log.WithFields(logrus.Fields{
			"lobe":    k.lobe,
			"key":     k.key,
			"removed": len(group) - keepLastPerStream,
		}).Debug("pruner: trimmed stream")
	}

	p.log.WithFields(logrus.Fields{
		"examined": report.Examined,
		"kept":     report.Kept,
		"removed":  report.Removed,
	}).Info("pruner: done")
	return report, nil
}
