package compiler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/chatops/swadl/pkg/models"
)

// NodeID is an index into the graph's node arena. Nodes reference each
// other by handle, never by pointer, so the graph stays cycle-free at the
// memory level even when it models loops.
type NodeID int

// EdgeKind distinguishes normal control flow from error-boundary flow.
type EdgeKind string

const (
	EdgeSuccess EdgeKind = "success"
	EdgeFailure EdgeKind = "failure"
)

// Edge is a directed control-flow dependency between two nodes. Loop marks
// the explicitly modeled back-edges; they are excluded from reachability
// and dominance computations.
type Edge struct {
	From NodeID   `json:"from"`
	To   NodeID   `json:"to"`
	Kind EdgeKind `json:"kind"`
	Loop bool     `json:"loop,omitempty"`
}

// Node is one compiled activity.
type Node struct {
	ID         NodeID               `json:"id"`
	ActivityID string               `json:"activity_id"`
	Kind       string               `json:"kind"`
	Params     map[string]any       `json:"params,omitempty"`
	Condition  string               `json:"condition,omitempty"`
	Retry      models.RetryPolicy   `json:"retry"`
	Trigger    *models.EventTrigger `json:"trigger,omitempty"`
	// Entry marks nodes started directly by an external event.
	Entry bool `json:"entry,omitempty"`
	// JoinAll marks a synchronization barrier: the node advances only once
	// every incoming branch is terminal.
	JoinAll bool `json:"join_all,omitempty"`
}

// Graph is the immutable compiled form of a workflow definition.
type Graph struct {
	WorkflowID string         `json:"workflow_id"`
	Variables  map[string]any `json:"variables,omitempty"`
	Nodes      []Node         `json:"nodes"`
	Edges      []Edge         `json:"edges"`
	Entries    []NodeID       `json:"entries"`
}

// Node returns the node for a handle.
func (g *Graph) Node(id NodeID) *Node {
	return &g.Nodes[id]
}

// NodeByActivity returns the node for an activity id.
func (g *Graph) NodeByActivity(activityID string) (*Node, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ActivityID == activityID {
			return &g.Nodes[i], true
		}
	}

	return nil, false
}

// Outgoing returns all edges leaving a node.
func (g *Graph) Outgoing(id NodeID) []Edge {
	var out []Edge

	for _, e := range g.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}

	return out
}

// Incoming returns all edges arriving at a node.
func (g *Graph) Incoming(id NodeID) []Edge {
	var in []Edge

	for _, e := range g.Edges {
		if e.To == id {
			in = append(in, e)
		}
	}

	return in
}

// Fingerprint is a content address of the graph structure. Two definitions
// differing only in formatting or field order produce the same value.
func (g *Graph) Fingerprint() string {
	// json.Marshal emits map keys in sorted order, which makes the
	// serialization canonical for parameter maps.
	payload, err := json.Marshal(g)
	if err != nil {
		return ""
	}

	sum := sha256.Sum256(payload)

	return hex.EncodeToString(sum[:])
}
