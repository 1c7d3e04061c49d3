// Package correlator routes inbound events to the suspended nodes
// waiting on them. Registrations are keyed by event kind and correlation
// key (stream id, form id, timer id); delivery is idempotent per node so
// at-least-once transports never resume the same wait twice.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chatops/swadl/pkg/compiler"
	"github.com/chatops/swadl/pkg/models"
)

// ErrAmbiguousCorrelation is returned when one event matches more than one
// registration under the same key. The dialect guarantees key uniqueness
// per instance, so this indicates corrupted engine state.
var ErrAmbiguousCorrelation = errors.New("event matches more than one waiting node")

// Registration records one suspended node waiting for an event. Filter is
// only honored for message events: when non-empty, the message text must
// match it exactly for the registration to be considered. A message
// registration with an empty Key waits across all streams and correlates
// by Filter alone.
type Registration struct {
	Kind       models.EventKind
	Key        string
	Filter     string
	InstanceID string
	NodeID     compiler.NodeID
}

// Resumer is implemented by the engine: it applies the event payload to
// the instance and completes the suspended node.
type Resumer interface {
	Resume(ctx context.Context, instanceID string, nodeID compiler.NodeID, payload map[string]any) error
}

type regKey struct {
	kind models.EventKind
	key  string
}

type nodeKey struct {
	instanceID string
	nodeID     compiler.NodeID
}

// Correlator is safe for concurrent use.
type Correlator struct {
	logger  *slog.Logger
	resumer Resumer

	mu      sync.Mutex
	waiting map[regKey][]Registration
	resumed map[nodeKey]struct{}
}

func New(logger *slog.Logger, resumer Resumer) *Correlator {
	return &Correlator{
		logger:  logger.With("module", "correlator"),
		resumer: resumer,
		waiting: make(map[regKey][]Registration),
		resumed: make(map[nodeKey]struct{}),
	}
}

// Register adds a waiting node. Re-registering the same node (a loop body
// entered again) clears its resumed marker so the next matching event
// resumes it again.
func (c *Correlator) Register(reg Registration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := regKey{kind: reg.Kind, key: reg.Key}
	c.waiting[k] = append(c.waiting[k], reg)
	delete(c.resumed, nodeKey{instanceID: reg.InstanceID, nodeID: reg.NodeID})
}

// Drop removes one node's registration, whatever key it waits under.
func (c *Correlator) Drop(instanceID string, nodeID compiler.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, regs := range c.waiting {
		c.waiting[k] = removeNode(regs, instanceID, nodeID)
		if len(c.waiting[k]) == 0 {
			delete(c.waiting, k)
		}
	}
}

// DropInstance removes every registration and resume marker held for an
// instance. Called on completion, failure and cancellation.
func (c *Correlator) DropInstance(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, regs := range c.waiting {
		kept := regs[:0]
		for _, reg := range regs {
			if reg.InstanceID != instanceID {
				kept = append(kept, reg)
			}
		}
		if len(kept) == 0 {
			delete(c.waiting, k)
		} else {
			c.waiting[k] = kept
		}
	}

	for nk := range c.resumed {
		if nk.instanceID == instanceID {
			delete(c.resumed, nk)
		}
	}
}

// Deliver offers an event to the waiting registrations. content carries
// the message text for message events and is empty otherwise; payload is
// handed to the resumed node's variable store.
//
// Zero matches is not an error: the event simply correlates to nothing
// here. More than one match is, since keys must be unique per instance.
func (c *Correlator) Deliver(ctx context.Context, kind models.EventKind, key, content string, payload map[string]any) error {
	c.mu.Lock()

	// Message events also reach the any-stream bucket: waits registered
	// without a stream correlate by content filter alone.
	buckets := []regKey{{kind: kind, key: key}}
	if kind == models.EventMessageReceived && key != "" {
		buckets = append(buckets, regKey{kind: kind, key: ""})
	}

	var matches []Registration

	for _, b := range buckets {
		for _, reg := range c.waiting[b] {
			if kind == models.EventMessageReceived && reg.Filter != "" && reg.Filter != content {
				continue
			}
			if _, done := c.resumed[nodeKey{instanceID: reg.InstanceID, nodeID: reg.NodeID}]; done {
				continue
			}
			matches = append(matches, reg)
		}
	}

	switch len(matches) {
	case 0:
		c.mu.Unlock()
		// Timer and form keys are issued by the engine itself, so a miss
		// on those is worth more attention than a stray chat message.
		if kind == models.EventMessageReceived {
			c.logger.DebugContext(ctx, "event matched no waiting node", "kind", kind, "key", key)
		} else {
			c.logger.WarnContext(ctx, "event matched no waiting node", "kind", kind, "key", key)
		}

		return nil

	case 1:
		match := matches[0]
		for _, b := range buckets {
			c.waiting[b] = removeNode(c.waiting[b], match.InstanceID, match.NodeID)
			if len(c.waiting[b]) == 0 {
				delete(c.waiting, b)
			}
		}
		c.resumed[nodeKey{instanceID: match.InstanceID, nodeID: match.NodeID}] = struct{}{}
		c.mu.Unlock()

		c.logger.DebugContext(ctx, "resuming node",
			"kind", kind, "key", key,
			"instance_id", match.InstanceID, "node_id", match.NodeID)

		return c.resumer.Resume(ctx, match.InstanceID, match.NodeID, payload)

	default:
		c.mu.Unlock()
		c.logger.ErrorContext(ctx, "event matched multiple waiting nodes",
			"kind", kind, "key", key, "matches", len(matches))

		return fmt.Errorf("deliver %s/%s: %w", kind, key, ErrAmbiguousCorrelation)
	}
}

// WaitingCount reports how many registrations an instance currently holds.
func (c *Correlator) WaitingCount(instanceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0

	for _, regs := range c.waiting {
		for _, reg := range regs {
			if reg.InstanceID == instanceID {
				count++
			}
		}
	}

	return count
}

func removeNode(regs []Registration, instanceID string, nodeID compiler.NodeID) []Registration {
	kept := regs[:0]
	for _, reg := range regs {
		if reg.InstanceID == instanceID && reg.NodeID == nodeID {
			continue
		}
		kept = append(kept, reg)
	}

	return kept
}
