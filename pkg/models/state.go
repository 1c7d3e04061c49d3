package models

// NodeState is the per-node execution state inside a process instance.
type NodeState string

const (
	NodePending   NodeState = "pending"
	NodeRunning   NodeState = "running"
	NodeSuspended NodeState = "suspended"
	NodeCompleted NodeState = "completed"
	NodeFailed    NodeState = "failed"
	NodeSkipped   NodeState = "skipped"
	NodeCancelled NodeState = "cancelled"
)

// Terminal reports whether the node can no longer change state.
func (s NodeState) Terminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	default:
		return false
	}
}

// InstanceState is the global state of a process instance.
type InstanceState string

const (
	InstanceActive    InstanceState = "active"
	InstanceCompleted InstanceState = "completed"
	InstanceFailed    InstanceState = "failed"
	InstanceCancelled InstanceState = "cancelled"
)

// Terminal reports whether the instance has finished for good.
func (s InstanceState) Terminal() bool {
	return s != InstanceActive
}
