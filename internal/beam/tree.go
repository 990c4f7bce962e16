// Package beam maintains the branching tree of completions an interactive
// curation session explores: one lineage per candidate answer, branchable
// at any interior token, prunable without loss, and auditable after the
// fact.
package beam

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/loomkit/loom/internal/completion"
	"github.com/loomkit/loom/internal/token"
)

var (
	// ErrUnknownNode is returned for node ids the tree has never seen.
	ErrUnknownNode = errors.New("unknown beam node")
	// ErrBadOffset is returned when a branch offset exceeds the parent's
	// generated length.
	ErrBadOffset = errors.New("branch offset out of range")
	// ErrPrefixViolation is returned when an attached completion does not
	// share the parent's tokens up to the branch offset.
	ErrPrefixViolation = errors.New("completion does not extend branch prefix")
)

// Status is a node's curation standing.
type Status string

const (
	// StatusActive nodes are live beams under consideration.
	StatusActive Status = "active"
	// StatusPruned nodes are out of consideration but never removed; audit
	// and backtracking depend on their persistence.
	StatusPruned Status = "pruned"
	// StatusAccepted marks a keeper. Acceptance is advisory: siblings stay
	// whatever they were.
	StatusAccepted Status = "accepted"
)

// Origin records how a node was created, which decides its position among
// siblings.
type Origin string

const (
	// OriginCandidate nodes come from a ranked next-token candidate and
	// sit among candidate siblings in descending branch-token logprob
	// order.
	OriginCandidate Origin = "candidate"
	// OriginResample nodes come from an independent full generation and
	// keep insertion order.
	OriginResample Origin = "resample"
)

// Node is one beam: a completion plus its place in the lineage. The root
// carries only the prefill and has a nil completion.
type Node struct {
	id           string
	parent       *Node
	children     []*Node
	branchOffset int
	origin       Origin
	state        *completion.State
	status       Status
}

func (n *Node) ID() string               { return n.id }
func (n *Node) Status() Status           { return n.status }
func (n *Node) Origin() Origin           { return n.origin }
func (n *Node) BranchOffset() int        { return n.branchOffset }
func (n *Node) State() *completion.State { return n.state }
func (n *Node) IsRoot() bool             { return n.parent == nil }

// ParentID returns the parent's id, or "" for the root.
func (n *Node) ParentID() string {
	if n.parent == nil {
		return ""
	}
	return n.parent.id
}

// Children returns the node's children in sibling order.
func (n *Node) Children() []*Node {
	out := make([]*Node, len(n.children))
	copy(out, n.children)
	return out
}

// Generated returns the node's generated token sequence; the root's is
// empty.
func (n *Node) Generated() token.Sequence {
	if n.state == nil {
		return token.Sequence{}
	}
	return n.state.Generated()
}

// branchToken is the first token past the shared prefix, used to order
// candidate siblings.
func (n *Node) branchToken() (token.Token, bool) {
	gen := n.Generated()
	if n.branchOffset >= gen.Len() {
		return token.Token{}, false
	}
	return gen.At(n.branchOffset), true
}

// Tree is the beam tree for one interactive session. Structural mutations
// are serialized; reads observe consistent snapshots between them. Nodes
// are never removed.
type Tree struct {
	mu      sync.RWMutex
	id      string
	prefill token.Sequence
	root    *Node
	nodes   map[string]*Node
}

// NewTree builds a tree whose root holds only the prefill.
func NewTree(prefill token.Sequence) *Tree {
	root := &Node{id: uuid.NewString(), status: StatusActive}
	return &Tree{
		id:      uuid.NewString(),
		prefill: prefill,
		root:    root,
		nodes:   map[string]*Node{root.id: root},
	}
}

func (t *Tree) ID() string              { return t.id }
func (t *Tree) Root() *Node             { return t.root }
func (t *Tree) Prefill() token.Sequence { return t.prefill }

// Node looks up a node by id.
func (t *Tree) Node(id string) (*Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	return n, nil
}

// Attach creates a child of parentID branching at offset, holding state.
// The completion's generated tokens must extend the parent's first offset
// tokens exactly; nothing is mutated on failure.
func (t *Tree) Attach(parentID string, offset int, origin Origin, state *completion.State) (*Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, ok := t.nodes[parentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, parentID)
	}
	parentGen := parent.Generated()
	if offset < 0 || offset > parentGen.Len() {
		return nil, fmt.Errorf("%w: offset %d, parent has %d tokens", ErrBadOffset, offset, parentGen.Len())
	}
	if !state.Generated().HasPrefix(parentGen.Prefix(offset)) {
		return nil, fmt.Errorf("%w: at offset %d", ErrPrefixViolation, offset)
	}

	child := &Node{
		id:           uuid.NewString(),
		parent:       parent,
		branchOffset: offset,
		origin:       origin,
		state:        state,
		status:       StatusActive,
	}
	parent.insertChild(child)
	t.nodes[child.id] = child
	return child, nil
}

// insertChild places a candidate child among its candidate siblings in
// descending branch-token logprob order, with ties keeping insertion
// order. Resampled children always go last.
func (p *Node) insertChild(child *Node) {
	if child.origin != OriginCandidate {
		p.children = append(p.children, child)
		return
	}
	bt, ok := child.branchToken()
	at := len(p.children)
	for i, sib := range p.children {
		if sib.origin != OriginCandidate {
			at = i
			break
		}
		sbt, sok := sib.branchToken()
		if ok && sok && sib.branchOffset == child.branchOffset && sbt.Logprob < bt.Logprob {
			at = i
			break
		}
	}
	p.children = append(p.children, nil)
	copy(p.children[at+1:], p.children[at:])
	p.children[at] = child
}

// Prune marks the node and every descendant pruned. Nothing is removed.
func (t *Tree) Prune(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	markSubtree(n, StatusPruned)
	return nil
}

func markSubtree(n *Node, s Status) {
	n.status = s
	for _, c := range n.children {
		markSubtree(c, s)
	}
}

// Accept marks the node and its ancestor chain accepted. Siblings are
// untouched; acceptance never excludes other beams.
func (t *Tree) Accept(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	for ; n != nil; n = n.parent {
		n.status = StatusAccepted
	}
	return nil
}

// ActiveNodes returns every non-pruned node, root included, in preorder.
func (t *Tree) ActiveNodes() []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Node
	t.walk(t.root, func(n *Node) {
		if n.status != StatusPruned {
			out = append(out, n)
		}
	})
	return out
}

// AllNodes returns every node ever attached, root included, in preorder.
func (t *Tree) AllNodes() []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Node
	t.walk(t.root, func(n *Node) { out = append(out, n) })
	return out
}

// ActiveLeaves returns non-pruned nodes with no non-pruned children: the
// frontier of live beams.
func (t *Tree) ActiveLeaves() []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Node
	t.walk(t.root, func(n *Node) {
		if n.status == StatusPruned || n == t.root {
			return
		}
		for _, c := range n.children {
			if c.status != StatusPruned {
				return
			}
		}
		out = append(out, n)
	})
	return out
}

func (t *Tree) walk(n *Node, fn func(*Node)) {
	fn(n)
	for _, c := range n.children {
		t.walk(c, fn)
	}
}
