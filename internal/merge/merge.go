// Package merge computes lowest common ancestors over the node DAG and
// performs three-way text merges between divergent paths.
package merge

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/engramdb/engram/internal/nodestore"
	"github.com/engramdb/engram/internal/paths"
	"github.com/engramdb/engram/pkg/evaluator"
	"github.com/engramdb/engram/pkg/logging"
	"github.com/engramdb/engram/pkg/types"
)

// Engine resolves ancestors through the node store and moves heads through
// the path manager. The evaluator gates every merge result before it becomes
// durable.
type Engine struct {
	store *nodestore.Store
	paths *paths.Manager
	eval  evaluator.Evaluator
	log   *logrus.Logger
}

// NewEngine wires a merge engine. A nil eval disables gating.
func NewEngine(store *nodestore.Store, pm *paths.Manager, eval evaluator.Evaluator, log *logrus.Logger) *Engine {
	if eval == nil {
		eval = evaluator.AllowAll{}
	}
	return &Engine{store: store, paths: pm, eval: eval, log: logging.OrDiscard(log)}
}

// LowestCommonAncestor returns the nearest common ancestor of a and b:
// the full ancestor set of a is collected by BFS over parent edges, then a
// BFS from b returns the first hash also in a's set. Nearest-to-b wins; in a
// DAG with several merge bases no stronger guarantee is made.
func (e *Engine) LowestCommonAncestor(hashA, hashB string) (string, bool, error) {
	ancestorsOfA, err := e.ancestorSet(hashA)
	if err != nil {
		return "", false, err
	}

	visited := map[string]struct{}{}
	queue := []string{hashB}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if _, seen := visited[h]; seen {
			continue
		}
		visited[h] = struct{}{}
		if _, ok := ancestorsOfA[h]; ok {
			return h, true, nil
		}
		node, ok, err := e.store.LoadByHash(h)
		if err != nil {
			return "", false, fmt.Errorf("merge: lca walk at %s: %w", h, err)
		}
		if !ok {
			continue
		}
		queue = append(queue, node.Parents...)
	}
	return "", false, nil
}

func (e *Engine) ancestorSet(hash string) (map[string]struct{}, error) {
	set := map[string]struct{}{}
	queue := []string{hash}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if _, seen := set[h]; seen {
			continue
		}
		set[h] = struct{}{}
		node, ok, err := e.store.LoadByHash(h)
		if err != nil {
			return nil, fmt.Errorf("merge: ancestor set at %s: %w", h, err)
		}
		if !ok {
			continue
		}
		queue = append(queue, node.Parents...)
	}
	return set, nil
}

// ThreeWayMerge merges left and right against base at whole-text
// granularity. When both sides changed from base the entire text becomes one
// conflict block delimited by git-style markers, and hadConflicts is true.
func ThreeWayMerge(base, left, right string) (string, bool) {
	if left == right {
		return left, false
	}
	if left == base {
		return right, false
	}
	if right == base {
		return left, false
	}

	var b strings.Builder
	b.WriteString("<<<<<<< LEFT\n")
	b.WriteString(left)
	if !strings.HasSuffix(left, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString("=======\n")
	b.WriteString(right)
	if !strings.HasSuffix(right, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString(">>>>>>> RIGHT\n")
	return b.String(), true
}

// Reconcile merges featurePath into mainPath. Equal heads are a no-op;
// when main's head is already an ancestor of feature's head, main
// fast-forwards. Otherwise a merge node with parents [featureHead, mainHead]
// is written and main's head moves to it. If the evaluator rejects the merge
// result the node is still written for audit, flagged quarantined, but no
// head moves and ErrQuarantined is returned alongside the node's hash.
func (e *Engine) Reconcile(mainPath, featurePath string) (string, error) {
	mainHead, ok, err := e.paths.Head(mainPath)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("merge: reconcile: main %s: %w", mainPath, types.ErrPathNotFound)
	}
	featureHead, ok, err := e.paths.Head(featurePath)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("merge: reconcile: feature %s: %w", featurePath, types.ErrPathNotFound)
	}

	if mainHead == featureHead {
		return mainHead, nil
	}

	ff, err := e.paths.IsAncestor(mainHead, featureHead)
	if err != nil {
		return "", err
	}
	if ff {
		if err := e.paths.SetHead(mainPath, featureHead); err != nil {
			return "", err
		}
		e.log.WithFields(logrus.Fields{"main": mainPath, "head": featureHead}).
			Debug("merge: fast-forwarded")
		return featureHead, nil
	}

	lca, haveLCA, err := e.LowestCommonAncestor(featureHead, mainHead)
	if err != nil {
		return "", err
	}
	baseText := ""
	if haveLCA {
		baseNode, ok, err := e.store.LoadByHash(lca)
		if err != nil {
			return "", err
		}
		if ok {
			baseText = baseNode.Content
		}
	}

	featureNode, ok, err := e.store.LoadByHash(featureHead)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("merge: reconcile: feature head %s: %w", featureHead, types.ErrUnknownSnapshot)
	}
	mainNode, ok, err := e.store.LoadByHash(mainHead)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("merge: reconcile: main head %s: %w", mainHead, types.ErrUnknownSnapshot)
	}

	merged, hadConflicts := ThreeWayMerge(baseText, featureNode.Content, mainNode.Content)

	verdict := e.eval.Evaluate(merged, "reconcile")
	quarantined := !verdict.Passed

	meta := types.Meta{
		"op":                 "reconcile",
		"actor":              "core",
		"lobe":               featureNode.Lobe,
		"key":                featureNode.Key,
		"lca":                lca,
		"had_conflicts":      hadConflicts,
		"quarantined":        quarantined,
		"policy_risk":        verdict.Risk,
		"policy_reason":      verdict.Reason,
		"policy_constraints": verdict.Constraints,
	}

	mergeID := "reconcile_" + types.ContentHash([]byte(merged))[:16]
	nodeRef, err := e.store.Save(mergeID, merged, meta, []string{featureHead, mainHead})
	if err != nil {
		return "", fmt.Errorf("merge: reconcile: save merge node: %w", err)
	}
	mergeNode, err := e.store.Load(nodeRef)
	if err != nil {
		return "", fmt.Errorf("merge: reconcile: load merge node: %w", err)
	}

	if quarantined {
		e.log.WithFields(logrus.Fields{
			"main":    mainPath,
			"feature": featurePath,
			"hash":    mergeNode.Hash,
			"reason":  verdict.Reason,
		}).Warn("merge: result quarantined, heads unchanged")
		return mergeNode.Hash, fmt.Errorf("merge: reconcile %s <- %s: %w", mainPath, featurePath, types.ErrQuarantined)
	}

	if err := e.paths.SetHead(mainPath, mergeNode.Hash); err != nil {
		return "", err
	}
	e.log.WithFields(logrus.Fields{
		"main":      mainPath,
		"feature":   featurePath,
		"hash":      mergeNode.Hash,
		"conflicts": hadConflicts,
	}).Info("merge: reconciled")
	return mergeNode.Hash, nil
}
