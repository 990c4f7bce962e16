package beam

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/loomkit/loom/internal/completion"
	"github.com/loomkit/loom/internal/logger"
	"github.com/loomkit/loom/internal/session"
	"github.com/loomkit/loom/internal/sink"
	"github.com/loomkit/loom/internal/token"
)

// Controller drives one interactive beam exploration: a single session, a
// single tree, and a sink that hears every curation decision. Calls are
// serialized by the caller or by the controller's own lock; the tree's
// single-writer discipline is enforced here.
type Controller struct {
	mu      sync.Mutex
	session *session.Session
	tree    *Tree
	out     sink.Sink
	log     logger.Logger

	// prefixCache holds candidate fetches keyed by exact token prefix, so
	// revisiting an offset never re-queries the provider.
	prefixCache map[string][]token.Token
}

// ControllerConfig wires a controller. Sink and Logger may be nil.
type ControllerConfig struct {
	Session *session.Session
	Sink    sink.Sink
	Logger  logger.Logger
}

// NewController builds a controller over a fresh tree rooted at the
// session's prefill.
func NewController(cfg ControllerConfig) *Controller {
	return &Controller{
		session:     cfg.Session,
		tree:        NewTree(cfg.Session.Prefill()),
		out:         sink.Or(cfg.Sink),
		log:         logger.Or(cfg.Logger),
		prefixCache: make(map[string][]token.Token),
	}
}

func (c *Controller) Tree() *Tree { return c.tree }

// GenerateRoot runs one full generation and attaches it under the root as
// the first beam.
func (c *Controller) GenerateRoot(ctx context.Context) (*Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.session.Generate(ctx)
	if err != nil {
		return nil, err
	}
	node, err := c.tree.Attach(c.tree.Root().ID(), 0, OriginResample, state)
	if err != nil {
		return nil, err
	}
	c.publishCompletion(node)
	return node, nil
}

// FetchCandidates returns up to k candidates for the position after the
// first offset tokens of node's completion. Results are cached by exact
// token prefix; a repeat visit to the same prefix with the same or smaller
// k never reaches the provider.
func (c *Controller) FetchCandidates(ctx context.Context, nodeID string, offset, k int) ([]token.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix, err := c.nodePrefix(nodeID, offset)
	if err != nil {
		return nil, err
	}
	if k < 1 {
		k = 1
	}
	key := prefixKey(prefix)
	if cached, ok := c.prefixCache[key]; ok && len(cached) >= k {
		return cached[:k:k], nil
	}
	cands, err := c.session.CandidatesAt(ctx, prefix, k)
	if err != nil {
		return nil, err
	}
	c.prefixCache[key] = cands
	return cands, nil
}

// ExpandWithToken branches node at offset through a chosen candidate
// token: the shared prefix plus the token is completed into a full child
// beam. The forced token is recorded in the child's metadata.
func (c *Controller) ExpandWithToken(ctx context.Context, nodeID string, offset int, tok token.Token) (*Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expandWithToken(ctx, nodeID, offset, tok)
}

func (c *Controller) expandWithToken(ctx context.Context, nodeID string, offset int, tok token.Token) (*Node, error) {
	prefix, err := c.nodePrefix(nodeID, offset)
	if err != nil {
		return nil, err
	}
	seeded, err := prefix.Append(tok)
	if err != nil {
		return nil, err
	}

	var state *completion.State
	if tok.EndOfSequence || c.budgetFilled(seeded) {
		state = c.sealedState(seeded)
	} else {
		state, err = c.session.ResumeFrom(ctx, seeded)
		if err != nil {
			return nil, err
		}
	}
	state = state.WithMeta(completion.MetaBeamToken, tok.Text)

	node, err := c.tree.Attach(nodeID, offset, OriginCandidate, state)
	if err != nil {
		return nil, err
	}
	c.publishCompletion(node)
	return node, nil
}

// ExpandResample branches node at offset with an independently sampled
// completion of the shared prefix.
func (c *Controller) ExpandResample(ctx context.Context, nodeID string, offset int) (*Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix, err := c.nodePrefix(nodeID, offset)
	if err != nil {
		return nil, err
	}
	state, err := c.session.ResumeFrom(ctx, prefix)
	if err != nil {
		return nil, err
	}
	node, err := c.tree.Attach(nodeID, offset, OriginResample, state)
	if err != nil {
		return nil, err
	}
	c.publishCompletion(node)
	return node, nil
}

// ContinueNode extends a truncated beam to completion. The child branches
// at the parent's full length: every parent token is shared.
func (c *Controller) ContinueNode(ctx context.Context, nodeID string) (*Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.tree.Node(nodeID)
	if err != nil {
		return nil, err
	}
	if n.State() == nil {
		return nil, fmt.Errorf("%w: root has no completion to continue", ErrBadOffset)
	}
	state, err := c.session.Continue(ctx, n.State())
	if err != nil {
		return nil, err
	}
	node, err := c.tree.Attach(nodeID, n.Generated().Len(), OriginResample, state)
	if err != nil {
		return nil, err
	}
	c.publishCompletion(node)
	return node, nil
}

// BeamOutOneLevel expands node at offset through its top width candidate
// tokens, one full child beam per candidate, kept in candidate order.
func (c *Controller) BeamOutOneLevel(ctx context.Context, nodeID string, offset, width int) ([]*Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix, err := c.nodePrefix(nodeID, offset)
	if err != nil {
		return nil, err
	}
	key := prefixKey(prefix)
	cands, ok := c.prefixCache[key]
	if !ok || len(cands) < width {
		cands, err = c.session.CandidatesAt(ctx, prefix, width)
		if err != nil {
			return nil, err
		}
		c.prefixCache[key] = cands
	}
	if len(cands) > width {
		cands = cands[:width]
	}

	nodes := make([]*Node, 0, len(cands))
	for _, tok := range cands {
		node, err := c.expandWithToken(ctx, nodeID, offset, tok)
		if err != nil {
			return nodes, err
		}
		nodes = append(nodes, node)
	}
	c.log.Debug("beamed out one level",
		"node", nodeID,
		"offset", offset,
		"children", len(nodes))
	return nodes, nil
}

// Prune marks node and its subtree out of consideration and tells the
// sink.
func (c *Controller) Prune(nodeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.tree.Node(nodeID)
	if err != nil {
		return err
	}
	if err := c.tree.Prune(nodeID); err != nil {
		return err
	}
	return c.out.Publish(sink.Event{
		Type:   sink.EventPrune,
		NodeID: nodeID,
		State:  n.State(),
		At:     time.Now().UTC(),
	})
}

// Accept marks node and its ancestry as keepers and tells the sink.
func (c *Controller) Accept(nodeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.tree.Node(nodeID)
	if err != nil {
		return err
	}
	if err := c.tree.Accept(nodeID); err != nil {
		return err
	}
	return c.out.Publish(sink.Event{
		Type:   sink.EventAccept,
		NodeID: nodeID,
		State:  n.State(),
		At:     time.Now().UTC(),
	})
}

// ActiveBeams returns the live frontier best-first: active leaves ordered
// by descending min-logprob score.
func (c *Controller) ActiveBeams() []*Node {
	leaves := c.tree.ActiveLeaves()
	sort.SliceStable(leaves, func(i, j int) bool {
		return leaves[i].State().MinLogprob() > leaves[j].State().MinLogprob()
	})
	return leaves
}

// nodePrefix resolves the first offset tokens of a node's completion.
func (c *Controller) nodePrefix(nodeID string, offset int) (token.Sequence, error) {
	n, err := c.tree.Node(nodeID)
	if err != nil {
		return token.Sequence{}, err
	}
	gen := n.Generated()
	if offset < 0 || offset > gen.Len() {
		return token.Sequence{}, fmt.Errorf("%w: offset %d, node has %d tokens", ErrBadOffset, offset, gen.Len())
	}
	return gen.Prefix(offset), nil
}

// sealedState wraps a sequence that needs no further generation, such as a
// forced end token or an exactly filled budget.
func (c *Controller) sealedState(seq token.Sequence) *completion.State {
	finish := completion.FinishStop
	truncated := false
	if !seq.EndsWithEOS() {
		finish = completion.FinishLength
		truncated = true
	}
	return completion.New(completion.Config{
		ModelID:   c.session.ModelID(),
		Prefill:   c.session.Prefill(),
		Generated: seq,
		Params:    c.session.Params(),
		Truncated: truncated,
		Finish:    finish,
		Metadata:  map[string]string{completion.MetaProvider: c.session.Provider().Name()},
	})
}

func (c *Controller) budgetFilled(seq token.Sequence) bool {
	max := c.session.Params().MaxTokens
	return max > 0 && seq.Len() >= max
}

func (c *Controller) publishCompletion(n *Node) {
	err := c.out.Publish(sink.Event{
		Type:   sink.EventCompletion,
		NodeID: n.ID(),
		State:  n.State(),
		At:     time.Now().UTC(),
	})
	if err != nil {
		c.log.Warn("sink rejected completion event", "node", n.ID(), "error", err)
	}
}

func prefixKey(prefix token.Sequence) string {
	key := make([]byte, 0, prefix.Len()*6)
	for _, t := range prefix.Tokens() {
		key = strconv.AppendInt(key, int64(t.ID), 10)
		key = append(key, ':')
		key = append(key, t.Text...)
		key = append(key, 0)
	}
	return string(key)
}
