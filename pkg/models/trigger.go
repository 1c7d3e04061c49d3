package models

import "time"

// EventKind identifies the external event types the engine consumes.
type EventKind string

const (
	EventMessageReceived EventKind = "message-received"
	EventFormReplied     EventKind = "form-replied"
	EventTimerFired      EventKind = "timer-fired"
)

// TriggerBinding is the parsed `on:` block of an activity. At most one
// event trigger may appear in a binding tree; activity-completed and
// activity-failed entries become control-flow edges during compilation.
type TriggerBinding struct {
	MessageReceived   *MessageReceivedTrigger
	FormReplied       *FormRepliedTrigger
	TimerFired        *TimerFiredTrigger
	ActivityCompleted *ActivityRef
	ActivityFailed    *ActivityRef
	OneOf             []TriggerBinding
	AllOf             []TriggerBinding
}

// MessageReceivedTrigger starts or resumes an activity when a chat message
// with matching content arrives.
type MessageReceivedTrigger struct {
	Content string `json:"content"`
}

// FormRepliedTrigger resumes an activity when a reply to the named form
// arrives.
type FormRepliedTrigger struct {
	FormID string `json:"form_id"`
}

// TimerFiredTrigger fires on a cron schedule (At) or after a fixed delay
// (After). Exactly one of the two is set.
type TimerFiredTrigger struct {
	At    string        `json:"at,omitempty"`
	After time.Duration `json:"after,omitempty"`
}

// ActivityRef names another activity in the same definition.
type ActivityRef struct {
	ActivityID string `json:"activity_id"`
}

// EventTrigger is the flattened event part of a binding, resolved by the
// compiler onto the node that owns it.
type EventTrigger struct {
	Kind    EventKind     `json:"kind"`
	Content string        `json:"content,omitempty"`
	FormID  string        `json:"form_id,omitempty"`
	At      string        `json:"at,omitempty"`
	After   time.Duration `json:"after,omitempty"`
}

// Event returns the event trigger declared directly on this binding level,
// or nil. Nested one-of/all-of levels are walked by the compiler.
func (b *TriggerBinding) Event() *EventTrigger {
	switch {
	case b == nil:
		return nil
	case b.MessageReceived != nil:
		return &EventTrigger{Kind: EventMessageReceived, Content: b.MessageReceived.Content}
	case b.FormReplied != nil:
		return &EventTrigger{Kind: EventFormReplied, FormID: b.FormReplied.FormID}
	case b.TimerFired != nil:
		return &EventTrigger{Kind: EventTimerFired, At: b.TimerFired.At, After: b.TimerFired.After}
	default:
		return nil
	}
}
