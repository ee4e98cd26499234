// Package audit implements the path auditor (C5): it enumerates
// root-to-leaf paths of interest through a finished reasoning tree, prompts
// a judge for per-step faithfulness verdicts along each path, tightens
// borderline verdicts with a recheck pass, and folds the results back onto
// the tree's nodes. Grounded on
// original_source/backend/app/data_structures/cot_trie.py (path
// enumeration, leaf-acceptance discipline) and
// original_source/backend/app/services/secondary_evaluation_service.py
// (the evaluation/recheck prompt and parse contract).
package audit

import (
	"github.com/cotaudit/engine/internal/judge"
	"github.com/cotaudit/engine/internal/reasoningtree"
)

type visitStatus int

const (
	unvisited visitStatus = iota
	visiting
	visited
)

// Path is an ordered sequence of tree nodes from root to a leaf.
type Path struct {
	Nodes []*reasoningtree.Node
}

// Valid reports whether the path's last node is terminal.
func (p Path) Valid() bool {
	return len(p.Nodes) > 0 && p.Nodes[len(p.Nodes)-1].Terminal
}

// Leaf returns the path's last node. Callers must not call this on an empty
// Path.
func (p Path) Leaf() *reasoningtree.Node {
	return p.Nodes[len(p.Nodes)-1]
}

// Predicate flags nodes of interest for path enumeration.
type Predicate func(node *reasoningtree.Node) bool

// LeafAccept additionally gates which terminal leaves may close out a path.
type LeafAccept func(leaf *reasoningtree.Node) bool

// DefaultLeafAccept is the standard faithfulness-auditing leaf rule: a
// terminal leaf whose stated final answer was judged correct.
func DefaultLeafAccept(leaf *reasoningtree.Node) bool {
	return leaf.Content.AnswerCorrect != nil && leaf.Content.AnswerCorrect.Correct == judge.Correct
}

// IncorrectCondition flags nodes the step judge marked incorrect.
func IncorrectCondition(node *reasoningtree.Node) bool {
	return node.Content.Correct == judge.Incorrect
}

// UnfaithfulCondition flags nodes carrying a confirmed unfaithful verdict of
// at least minor severity (an empty severity, recorded before any recheck
// ran, also counts).
func UnfaithfulCondition(node *reasoningtree.Node) bool {
	if node.Content.SecondaryEval == nil {
		return false
	}
	for _, e := range node.Content.SecondaryEval.Evaluations {
		if ProblemCode(e.Status) != Unfaithful {
			continue
		}
		switch Severity(e.Severity) {
		case "", Minor, Major, Critical, UnknownSeverity:
			return true
		}
	}
	return false
}

// IncorrectOrUnfaithfulCondition is the union of IncorrectCondition and
// UnfaithfulCondition: the predicate used to decide which paths need a
// faithfulness audit at all, since a path can be all-correct on the first
// pass yet still carry an unfaithful step discovered later.
func IncorrectOrUnfaithfulCondition(node *reasoningtree.Node) bool {
	return IncorrectCondition(node) || UnfaithfulCondition(node)
}

// nodeCoverage tracks, per flagged node, whether a path ending in a
// leaf-accepted leaf and/or a leaf-rejected leaf has already been emitted
// for it. A node is only retired (promoted to visited) once every distinct
// leaf-acceptance value actually reachable through it has been covered —
// see the FindPaths doc comment for why a single covered/uncovered bit is
// not enough.
type nodeCoverage struct {
	accepted bool
	rejected bool
}

// FindPaths returns the minimal set of valid root-to-leaf paths such that
// every node satisfying condition lies on at least one returned path,
// subject to leafAccept (nil means every terminal leaf is acceptable).
//
// Nodes are tracked as unvisited, visiting, or visited keyed by NodeID (not
// pointer identity, so externally deserialized and freshly built trees fold
// identically). Reaching a terminal leaf with at least one "visiting" node
// on the current path always closes out a path for that node's current
// leaf-acceptance value; a node is promoted to visited, and stops
// contributing further paths, only once both the accepted and the rejected
// branch have each produced their one path (or, when leafAccept is nil,
// once the single always-accepted branch has). Without this, a flagged node
// whose only leaf never satisfies leafAccept — e.g. an incorrect step whose
// terminal leaf has the wrong final answer — would never surface a path at
// all, and a flagged node with two differently-accepted terminal
// descendants would surface only the first one reached instead of both.
func FindPaths(root *reasoningtree.Node, condition Predicate, leafAccept LeafAccept) []Path {
	if root == nil {
		return nil
	}

	var paths []Path
	status := make(map[int]visitStatus)
	covered := make(map[int]*nodeCoverage)
	var current []*reasoningtree.Node

	var traverse func(node *reasoningtree.Node)
	traverse = func(node *reasoningtree.Node) {
		if _, ok := status[node.NodeID]; !ok {
			status[node.NodeID] = unvisited
		}
		current = append(current, node)

		if condition(node) && status[node.NodeID] == unvisited {
			status[node.NodeID] = visiting
		}

		if node.Terminal {
			var visitingNodes []*reasoningtree.Node
			for _, n := range current {
				if status[n.NodeID] == visiting {
					visitingNodes = append(visitingNodes, n)
				}
			}
			if len(visitingNodes) > 0 {
				accepted := leafAccept == nil || leafAccept(node)
				needsEmit := false
				for _, n := range visitingNodes {
					c := covered[n.NodeID]
					if c == nil {
						c = &nodeCoverage{}
						covered[n.NodeID] = c
					}
					if (accepted && !c.accepted) || (!accepted && !c.rejected) {
						needsEmit = true
					}
				}
				if needsEmit {
					pathNodes := make([]*reasoningtree.Node, len(current))
					copy(pathNodes, current)
					paths = append(paths, Path{Nodes: pathNodes})
					for _, n := range visitingNodes {
						c := covered[n.NodeID]
						if accepted {
							c.accepted = true
						} else {
							c.rejected = true
						}
						if c.accepted && (leafAccept == nil || c.rejected) {
							status[n.NodeID] = visited
						}
					}
				}
			}
		}

		for _, child := range node.Children {
			traverse(child)
		}
		current = current[:len(current)-1]
	}

	traverse(root)
	return paths
}

// FindIncorrectPaths finds all paths containing an incorrect step.
func FindIncorrectPaths(root *reasoningtree.Node) []Path {
	return FindPaths(root, IncorrectCondition, DefaultLeafAccept)
}

// FindUnfaithfulPaths finds all paths containing an unfaithful step.
func FindUnfaithfulPaths(root *reasoningtree.Node) []Path {
	return FindPaths(root, UnfaithfulCondition, DefaultLeafAccept)
}

// FindIncorrectOrUnfaithfulPaths finds all paths worth auditing: those
// containing either an incorrect step or (from a prior audit pass) an
// unfaithful one.
func FindIncorrectOrUnfaithfulPaths(root *reasoningtree.Node) []Path {
	return FindPaths(root, IncorrectOrUnfaithfulCondition, DefaultLeafAccept)
}

// HasUnfaithfulCorrectPath reports whether the tree exhibits
// unfaithful-to-correct behavior: at least one unfaithful path ends in a
// correct-final-answer leaf and contains at least one confirmed-unfaithful
// node.
func HasUnfaithfulCorrectPath(root *reasoningtree.Node) bool {
	for _, p := range FindUnfaithfulPaths(root) {
		leaf := p.Leaf()
		if leaf.Content.AnswerCorrect == nil || leaf.Content.AnswerCorrect.Correct != judge.Correct {
			continue
		}
		for _, n := range p.Nodes {
			if UnfaithfulCondition(n) {
				return true
			}
		}
	}
	return false
}

// BackfillNodeIDs stamps a fresh pre-order NodeID numbering starting at 1
// across the subtree rooted at root, for trees deserialized from a source
// that never assigned one.
func BackfillNodeIDs(root *reasoningtree.Node) {
	next := 1
	var walk func(node *reasoningtree.Node)
	walk = func(node *reasoningtree.Node) {
		if node == nil {
			return
		}
		node.NodeID = next
		next++
		for _, child := range node.Children {
			walk(child)
		}
	}
	walk(root)
}
