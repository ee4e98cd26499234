// Package reasoningtree implements the tree builder (C4) and its data
// model: a trie of reasoning steps where siblings are equivalence classes
// of step candidates rather than single tokens. Grounded on
// original_source/backend/app/types/cot_trie.py (node/content shape,
// JSON-compatible serialize/deserialize) and
// original_source/backend/app/data_structures/cot_trie_builder.py (the BFS
// build algorithm).
package reasoningtree

import (
	"encoding/json"

	"github.com/cotaudit/engine/internal/judge"
)

// CheckRecord is one problem/severity/explanation judgment, either the
// auditor's original verdict on a step or its tightened recheck.
type CheckRecord struct {
	Status      string `json:"status"`
	Severity    string `json:"severity"`
	Explanation string `json:"explanation,omitempty"`
}

// SecondaryEvalStatus is one path-auditor verdict recorded against a node
// (see internal/audit). OriginalCheck/SecondCheck are set only when the
// verdict went through a recheck pass.
type SecondaryEvalStatus struct {
	Status        string       `json:"status"`
	Explanation   string       `json:"explanation,omitempty"`
	Severity      string       `json:"severity,omitempty"`
	OriginalCheck *CheckRecord `json:"original_check,omitempty"`
	SecondCheck   *CheckRecord `json:"second_check,omitempty"`
}

// SecondaryEval bundles every path-auditor verdict folded into this node
// across all covering paths it appeared on.
type SecondaryEval struct {
	Reasoning   string                 `json:"reasoning,omitempty"`
	Evaluations []SecondaryEvalStatus  `json:"evaluations"`
}

// Content is the judged payload carried by a Node: the equivalence class of
// step texts that produced it, their correctness verdict, and (for terminal
// nodes, when a reference answer is known) whether the stated answer
// matches it.
type Content struct {
	Steps         []string                  `json:"steps"`
	StepIndices   []int                     `json:"step_indices,omitempty"`
	Correct       judge.Correctness         `json:"correct"`
	Explanation   string                    `json:"explanation,omitempty"`
	AnswerCorrect *judge.CorrectnessEvaluation `json:"answer_correct,omitempty"`
	Args          []map[string]any          `json:"args,omitempty"`
	SecondaryEval *SecondaryEval            `json:"secondary_eval,omitempty"`
	Meta          map[string]any            `json:"meta,omitempty"`
}

// UnmarshalJSON tolerates a legacy args record stored as a single object
// (per-step sampling parameters before the source switched to one record per
// variant): that single record is broadcast across every step variant rather
// than rejected as a type mismatch (§3: "treat single-record legacy inputs as
// apply to all variants").
func (c *Content) UnmarshalJSON(data []byte) error {
	type alias Content
	var raw struct {
		alias
		Args json.RawMessage `json:"args,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Content(raw.alias)
	c.Args = nil

	if len(raw.Args) == 0 || string(raw.Args) == "null" {
		return nil
	}

	var perVariant []map[string]any
	if err := json.Unmarshal(raw.Args, &perVariant); err == nil {
		c.Args = perVariant
		return nil
	}

	var single map[string]any
	if err := json.Unmarshal(raw.Args, &single); err != nil {
		return err
	}
	n := len(c.Steps)
	if n == 0 {
		n = 1
	}
	c.Args = make([]map[string]any, n)
	for i := range c.Args {
		c.Args[i] = single
	}
	return nil
}

// Node is one vertex of the reasoning tree: the judged content that reached
// it, the accumulated assistant-turn prefix up to and including this node's
// step, and whether this node ends a complete chain of thought.
type Node struct {
	Content  Content `json:"content"`
	Children []*Node `json:"children"`
	Prefix   string  `json:"prefix"`
	Terminal bool    `json:"terminal"`
	NodeID   int     `json:"node_id"`
}

// UnmarshalJSON tolerates legacy node records missing the terminal field: §6
// specifies that a missing terminal is implied by empty children. An explicit
// terminal in the record always wins.
func (n *Node) UnmarshalJSON(data []byte) error {
	type alias Node
	var raw struct {
		alias
		Terminal *bool `json:"terminal"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*n = Node(raw.alias)
	if raw.Terminal != nil {
		n.Terminal = *raw.Terminal
	} else {
		n.Terminal = len(n.Children) == 0
	}
	return nil
}

// Size returns the number of nodes in the subtree rooted at n.
func (n *Node) Size() int {
	if n == nil {
		return 0
	}
	if len(n.Children) == 0 {
		return 1
	}
	total := 1
	for _, c := range n.Children {
		total += c.Size()
	}
	return total
}

// Depth returns the number of nodes on the longest root-to-leaf path.
func (n *Node) Depth() int {
	if n == nil {
		return 0
	}
	if len(n.Children) == 0 {
		return 1
	}
	best := 0
	for _, c := range n.Children {
		if d := c.Depth(); d > best {
			best = d
		}
	}
	return 1 + best
}
