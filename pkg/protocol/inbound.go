package protocol

import "context"

// InboundEvents is the normalized surface through which the chat
// transport hands external events to the engine. Delivery is
// at-least-once; the engine absorbs duplicates.
type InboundEvents interface {
	// OnMessage reports a chat message received on a stream.
	OnMessage(ctx context.Context, streamID, text string) error

	// OnFormReply reports a reply to a previously sent form.
	OnFormReply(ctx context.Context, formID, fieldName string, values map[string]any) error

	// OnTimerFire reports an expired timer by the id the engine issued.
	OnTimerFire(ctx context.Context, timerID string) error
}
