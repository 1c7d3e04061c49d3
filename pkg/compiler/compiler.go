package compiler

import (
	"fmt"
	"log/slog"

	"github.com/chatops/swadl/pkg/models"
	"github.com/chatops/swadl/pkg/template"
)

// Compiler transforms workflow definitions into activity graphs. The
// output is immutable; a definition that fails any static check produces
// no graph at all.
type Compiler struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Compiler {
	return &Compiler{logger: logger.With("module", "compiler")}
}

// Compile lowers a definition into a graph, resolving trigger bindings
// into entry nodes and edges, then runs the static checks: duplicate ids,
// conflicting triggers, unbounded loops, unreachable nodes and unresolved
// variable references.
func (c *Compiler) Compile(def *models.Definition) (*Graph, error) {
	g := &Graph{
		WorkflowID: def.ID,
		Variables:  def.Variables,
		Nodes:      make([]Node, 0, len(def.Activities)),
	}

	index := make(map[string]NodeID, len(def.Activities))

	for i, spec := range def.Activities {
		if _, exists := index[spec.ID]; exists {
			return nil, &Error{WorkflowID: def.ID, ActivityID: spec.ID, Err: ErrDuplicateActivity}
		}

		id := NodeID(i)
		index[spec.ID] = id

		retry := models.RetryPolicy{MaxAttempts: 1}
		if spec.Retry != nil {
			retry = *spec.Retry
			if retry.MaxAttempts < 1 {
				retry.MaxAttempts = 1
			}
		}

		g.Nodes = append(g.Nodes, Node{
			ID:         id,
			ActivityID: spec.ID,
			Kind:       spec.Kind,
			Params:     spec.Params,
			Condition:  spec.Condition,
			Retry:      retry,
		})
	}

	for i, spec := range def.Activities {
		if err := c.lowerBinding(g, def, index, NodeID(i), spec); err != nil {
			return nil, err
		}
	}

	c.markLoops(g)

	if err := c.checkLoops(g); err != nil {
		return nil, err
	}

	if err := c.resolveEntries(g); err != nil {
		return nil, err
	}

	if err := c.checkReachability(g); err != nil {
		return nil, err
	}

	if err := c.checkReferences(g, index); err != nil {
		return nil, err
	}

	c.logger.Debug("Compiled workflow",
		"workflow_id", def.ID,
		"nodes", len(g.Nodes),
		"edges", len(g.Edges),
		"entries", len(g.Entries))

	return g, nil
}

// lowerBinding turns one activity's `on` block into the node's event
// trigger and its incoming edges. Activities without a binding follow the
// previous activity in declaration order.
func (c *Compiler) lowerBinding(g *Graph, def *models.Definition, index map[string]NodeID, id NodeID, spec models.ActivitySpec) error {
	node := g.Node(id)

	if spec.On == nil {
		if id == 0 {
			return &Error{WorkflowID: def.ID, ActivityID: spec.ID, Err: ErrMissingTrigger,
				Detail: "the first activity must declare a trigger"}
		}

		g.Edges = append(g.Edges, Edge{From: id - 1, To: id, Kind: EdgeSuccess})

		return nil
	}

	bindings := []models.TriggerBinding{*spec.On}

	switch {
	case len(spec.On.AllOf) > 0:
		node.JoinAll = true
		bindings = spec.On.AllOf
	case len(spec.On.OneOf) > 0:
		bindings = spec.On.OneOf
	}

	edgesBefore := len(g.Edges)

	for _, b := range bindings {
		if len(b.AllOf) > 0 || len(b.OneOf) > 0 {
			return &Error{WorkflowID: def.ID, ActivityID: spec.ID, Err: ErrConflictingTriggers,
				Detail: "one-of and all-of bindings cannot be nested"}
		}

		if event := b.Event(); event != nil {
			if node.Trigger != nil {
				return &Error{WorkflowID: def.ID, ActivityID: spec.ID, Err: ErrConflictingTriggers}
			}

			node.Trigger = event

			continue
		}

		var (
			ref  *models.ActivityRef
			kind EdgeKind
		)

		switch {
		case b.ActivityCompleted != nil:
			ref, kind = b.ActivityCompleted, EdgeSuccess
		case b.ActivityFailed != nil:
			ref, kind = b.ActivityFailed, EdgeFailure
		default:
			return &Error{WorkflowID: def.ID, ActivityID: spec.ID, Err: ErrMissingTrigger,
				Detail: "empty trigger binding"}
		}

		from, ok := index[ref.ActivityID]
		if !ok {
			return &Error{WorkflowID: def.ID, ActivityID: spec.ID, Err: ErrUnresolvedReference,
				Detail: fmt.Sprintf("unknown activity %q in trigger binding", ref.ActivityID)}
		}

		g.Edges = append(g.Edges, Edge{From: from, To: id, Kind: kind})
	}

	// A form or timer wait declared without an explicit predecessor follows
	// the previous activity, just like an unbound activity. A bare message
	// binding stays free-standing: it is an alternative entry point.
	if len(g.Edges) == edgesBefore && id > 0 &&
		node.Trigger != nil && node.Trigger.Kind != models.EventMessageReceived {
		g.Edges = append(g.Edges, Edge{From: id - 1, To: id, Kind: EdgeSuccess})
	}

	return nil
}

// markLoops flags edges pointing at or before their source in declaration
// order: those are the explicitly modeled loop back-edges.
func (c *Compiler) markLoops(g *Graph) {
	for i := range g.Edges {
		if g.Edges[i].From >= g.Edges[i].To {
			g.Edges[i].Loop = true
		}
	}
}

// checkLoops rejects back-edges whose loop entry has no statically
// declared exit condition.
func (c *Compiler) checkLoops(g *Graph) error {
	for _, e := range g.Edges {
		if !e.Loop {
			continue
		}

		entry := g.Node(e.To)
		if entry.Condition == "" {
			return &Error{WorkflowID: g.WorkflowID, ActivityID: entry.ActivityID, Err: ErrUnboundedLoop,
				Detail: fmt.Sprintf("loop back from %q has no exit condition", g.Node(e.From).ActivityID)}
		}
	}

	return nil
}

// resolveEntries designates trigger-bound nodes with no incoming forward
// edges as graph entries.
func (c *Compiler) resolveEntries(g *Graph) error {
	incoming := make([]int, len(g.Nodes))

	for _, e := range g.Edges {
		if !e.Loop {
			incoming[e.To]++
		}
	}

	for i := range g.Nodes {
		if incoming[i] == 0 && g.Nodes[i].Trigger != nil {
			g.Nodes[i].Entry = true
			g.Entries = append(g.Entries, g.Nodes[i].ID)
		}
	}

	if len(g.Entries) == 0 {
		return &Error{WorkflowID: g.WorkflowID, Err: ErrMissingTrigger,
			Detail: "no activity is bound to an external trigger"}
	}

	return nil
}

// checkReachability verifies every node has a path from some entry over
// forward edges.
func (c *Compiler) checkReachability(g *Graph) error {
	reached := make([]bool, len(g.Nodes))
	queue := append([]NodeID(nil), g.Entries...)

	for _, id := range g.Entries {
		reached[id] = true
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, e := range g.Outgoing(current) {
			if e.Loop || reached[e.To] {
				continue
			}

			reached[e.To] = true
			queue = append(queue, e.To)
		}
	}

	for i := range g.Nodes {
		if !reached[i] {
			return &Error{WorkflowID: g.WorkflowID, ActivityID: g.Nodes[i].ActivityID, Err: ErrUnreachableNode}
		}
	}

	return nil
}

// checkReferences verifies every `${activity...}` reference in parameters
// and conditions names a node that dominates the referencing node, i.e.
// one that completed on every possible path leading here. Declaration
// order is a topological order of the forward graph, so a single pass
// computes dominator sets.
func (c *Compiler) checkReferences(g *Graph, index map[string]NodeID) error {
	dominators := make([]map[NodeID]struct{}, len(g.Nodes))

	for i := range g.Nodes {
		id := NodeID(i)
		dom := map[NodeID]struct{}{id: {}}

		first := true

		for _, e := range g.Incoming(id) {
			if e.Loop {
				continue
			}

			if first {
				for d := range dominators[e.From] {
					dom[d] = struct{}{}
				}

				first = false

				continue
			}

			for d := range dom {
				if d == id {
					continue
				}

				if _, ok := dominators[e.From][d]; !ok {
					delete(dom, d)
				}
			}
		}

		dominators[i] = dom
	}

	// A loop entry's exit condition runs after an iteration finished, so
	// it may read outputs of any loop-body node, its own included. No
	// such allowance exists for parameters: those render before the node
	// runs.
	loopBodies := make([]map[NodeID]struct{}, len(g.Nodes))

	for _, e := range g.Edges {
		if !e.Loop {
			continue
		}

		body := loopBodies[e.To]
		if body == nil {
			body = make(map[NodeID]struct{})
			loopBodies[e.To] = body
		}

		for id := e.To; id <= e.From; id++ {
			body[id] = struct{}{}
		}
	}

	for i := range g.Nodes {
		node := &g.Nodes[i]

		for _, ref := range template.ReferencesIn(node.Params) {
			if err := c.checkReference(g, index, dominators, node, ref, nil); err != nil {
				return err
			}
		}

		if node.Condition == "" {
			continue
		}

		for _, ref := range template.References("${" + node.Condition + "}") {
			if err := c.checkReference(g, index, dominators, node, ref, loopBodies[node.ID]); err != nil {
				return err
			}
		}
	}

	return nil
}

func (c *Compiler) checkReference(g *Graph, index map[string]NodeID, dominators []map[NodeID]struct{}, node *Node, ref string, loopBody map[NodeID]struct{}) error {
	target, ok := index[ref]
	if !ok {
		return &Error{WorkflowID: g.WorkflowID, ActivityID: node.ActivityID, Err: ErrUnresolvedReference,
			Detail: fmt.Sprintf("reference to unknown activity %q", ref)}
	}

	if _, ok := loopBody[target]; ok {
		return nil
	}

	if target == node.ID {
		return &Error{WorkflowID: g.WorkflowID, ActivityID: node.ActivityID, Err: ErrUnresolvedReference,
			Detail: "activity references itself"}
	}

	if _, ok := dominators[node.ID][target]; !ok {
		return &Error{WorkflowID: g.WorkflowID, ActivityID: node.ActivityID, Err: ErrUnresolvedReference,
			Detail: fmt.Sprintf("activity %q does not precede %q on every path", ref, node.ActivityID)}
	}

	return nil
}
