// Package events defines the lifecycle notifications the engine publishes
// while workflows are deployed and instances execute.
package events

import (
	"time"

	"github.com/chatops/swadl/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topic carries all engine lifecycle events.
const Topic = "swadl.events"

const EventKeyMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	WorkflowDeployedEvent   EventType = "workflow.deployed"
	WorkflowUndeployedEvent EventType = "workflow.undeployed"

	InstanceStartedEvent   EventType = "instance.started"
	InstanceCompletedEvent EventType = "instance.completed"
	InstanceFailedEvent    EventType = "instance.failed"
	InstanceCancelledEvent EventType = "instance.cancelled"

	NodeCompletedEvent EventType = "node.completed"
)

type BaseEvent struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	WorkflowID string    `json:"workflow_id"`
}

func NewBaseEvent(eventType EventType, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now(),
		WorkflowID: workflowID,
	}
}

type WorkflowDeployed struct {
	BaseEvent

	DeploymentID string `json:"deployment_id"`
	Version      int64  `json:"version"`
}

func (e WorkflowDeployed) GetType() EventType { return WorkflowDeployedEvent }

type WorkflowUndeployed struct {
	BaseEvent

	DeploymentID string `json:"deployment_id"`
}

func (e WorkflowUndeployed) GetType() EventType { return WorkflowUndeployedEvent }

type InstanceStarted struct {
	BaseEvent

	InstanceID   string         `json:"instance_id"`
	DeploymentID string         `json:"deployment_id"`
	TriggerData  map[string]any `json:"trigger_data,omitempty"`
}

func (e InstanceStarted) GetType() EventType { return InstanceStartedEvent }

type InstanceCompleted struct {
	BaseEvent

	InstanceID string        `json:"instance_id"`
	Duration   time.Duration `json:"duration"`
}

func (e InstanceCompleted) GetType() EventType { return InstanceCompletedEvent }

type InstanceFailed struct {
	BaseEvent

	InstanceID string `json:"instance_id"`
	ActivityID string `json:"activity_id"`
	Error      string `json:"error"`
}

func (e InstanceFailed) GetType() EventType { return InstanceFailedEvent }

type InstanceCancelled struct {
	BaseEvent

	InstanceID string `json:"instance_id"`
}

func (e InstanceCancelled) GetType() EventType { return InstanceCancelledEvent }

type NodeCompleted struct {
	BaseEvent

	InstanceID string           `json:"instance_id"`
	ActivityID string           `json:"activity_id"`
	Status     models.NodeState `json:"status"`
	Outputs    map[string]any   `json:"outputs,omitempty"`
	DurationMs int64            `json:"duration_ms"`
}

func (e NodeCompleted) GetType() EventType { return NodeCompletedEvent }
