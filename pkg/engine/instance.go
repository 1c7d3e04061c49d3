package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chatops/swadl/pkg/compiler"
	"github.com/chatops/swadl/pkg/correlator"
	"github.com/chatops/swadl/pkg/events"
	"github.com/chatops/swadl/pkg/models"
	"github.com/chatops/swadl/pkg/template"
)

// nodeRun is the mutable execution state of one graph node within an
// instance. Guarded by the instance mutex.
type nodeRun struct {
	state     models.NodeState
	attempts  int
	startedAt time.Time
	timer     *time.Timer
	cronID    cron.EntryID
	// event holds the payload that fired this node's trigger gate; it is
	// merged into the node outputs when the activity completes.
	event map[string]any
}

// Instance is one running occurrence of a deployed workflow. All state
// transitions happen under mu; activity invocations and timers run in
// their own goroutines and re-enter through it.
type Instance struct {
	ID         string
	WorkflowID string
	Version    int64

	engine *Engine
	graph  *compiler.Graph

	mu        sync.Mutex
	state     models.InstanceState
	runs      []nodeRun
	variables map[string]any
	event     map[string]any
	outputs   map[string]map[string]any
	streamID  string
	startedAt time.Time

	failedActivity string
	failureMessage string
}

// InstanceSnapshot is a point-in-time copy of an instance's state, safe to
// hand to callers.
type InstanceSnapshot struct {
	ID             string                      `json:"id"`
	WorkflowID     string                      `json:"workflow_id"`
	Version        int64                       `json:"version"`
	State          models.InstanceState        `json:"state"`
	Nodes          map[string]models.NodeState `json:"nodes"`
	StartedAt      time.Time                   `json:"started_at"`
	FailedActivity string                      `json:"failed_activity,omitempty"`
	Error          string                      `json:"error,omitempty"`
}

func newInstance(e *Engine, dep *Deployment, payload map[string]any) *Instance {
	variables := make(map[string]any, len(dep.Graph.Variables))
	for k, v := range dep.Graph.Variables {
		variables[k] = v
	}

	streamID, _ := payload["stream_id"].(string)

	inst := &Instance{
		ID:         uuid.New().String(),
		WorkflowID: dep.WorkflowID,
		Version:    dep.Version,
		engine:     e,
		graph:      dep.Graph,
		state:      models.InstanceActive,
		runs:       make([]nodeRun, len(dep.Graph.Nodes)),
		variables:  variables,
		event:      payload,
		outputs:    make(map[string]map[string]any),
		streamID:   streamID,
		startedAt:  time.Now(),
	}

	for i := range inst.runs {
		inst.runs[i].state = models.NodePending
	}

	return inst
}

// activate fires the entry matching the trigger, skips the other entries
// and advances until the instance suspends or finishes.
func (in *Instance) activate(ctx context.Context, kind models.EventKind, payload map[string]any) {
	in.mu.Lock()
	defer in.mu.Unlock()

	for _, entryID := range in.graph.Entries {
		node := in.graph.Node(entryID)
		if in.entryMatches(node, kind, payload) {
			in.fireLocked(ctx, entryID, payload)
		} else {
			in.finishLocked(ctx, entryID, models.NodeSkipped, nil)
		}

		if in.state != models.InstanceActive {
			return
		}
	}

	in.advanceLocked(ctx)
}

func (in *Instance) entryMatches(node *compiler.Node, kind models.EventKind, payload map[string]any) bool {
	if node.Trigger == nil || node.Trigger.Kind != kind {
		return false
	}

	if kind == models.EventMessageReceived {
		content, _ := payload["content"].(string)

		return node.Trigger.Content == content
	}

	return true
}

// resume fires a suspended node's gate with the event payload: the wait
// ends and the node's activity is invoked. Duplicate resumes are filtered
// upstream by the correlator.
func (in *Instance) resume(ctx context.Context, id compiler.NodeID, payload map[string]any) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.state.Terminal() {
		return nil
	}

	run := &in.runs[id]
	if run.state != models.NodeSuspended {
		return fmt.Errorf("resume node %d of %s: %w", id, in.ID, ErrNodeNotSuspended)
	}

	in.stopNodeTimersLocked(id)
	in.fireLocked(ctx, id, payload)

	return nil
}

func (in *Instance) cancel(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.state.Terminal() {
		return fmt.Errorf("cancel %s: %w", in.ID, ErrInstanceFinished)
	}

	for i := range in.runs {
		if !in.runs[i].state.Terminal() {
			in.stopNodeTimersLocked(compiler.NodeID(i))
			in.runs[i].state = models.NodeCancelled
		}
	}

	in.state = models.InstanceCancelled
	in.engine.correl.DropInstance(in.ID)

	in.engine.logger.Info("instance cancelled", "workflow_id", in.WorkflowID, "instance_id", in.ID)

	in.engine.publish(ctx, in.WorkflowID, events.InstanceCancelled{
		BaseEvent:  events.NewBaseEvent(events.InstanceCancelledEvent, in.WorkflowID),
		InstanceID: in.ID,
	})

	return nil
}

func (in *Instance) snapshot() InstanceSnapshot {
	in.mu.Lock()
	defer in.mu.Unlock()

	nodes := make(map[string]models.NodeState, len(in.runs))
	for i := range in.runs {
		nodes[in.graph.Nodes[i].ActivityID] = in.runs[i].state
	}

	return InstanceSnapshot{
		ID:             in.ID,
		WorkflowID:     in.WorkflowID,
		Version:        in.Version,
		State:          in.state,
		Nodes:          nodes,
		StartedAt:      in.startedAt,
		FailedActivity: in.failedActivity,
		Error:          in.failureMessage,
	}
}

// advanceLocked runs the readiness fixpoint: start every pending node
// whose incoming flow is decided, skip the ones no taken edge reaches,
// and finally detect quiescence.
func (in *Instance) advanceLocked(ctx context.Context) {
	for changed := true; changed && in.state == models.InstanceActive; {
		changed = false

		for i := range in.graph.Nodes {
			id := compiler.NodeID(i)
			if in.runs[i].state != models.NodePending {
				continue
			}

			ready, taken := in.readinessLocked(id)
			if !ready {
				continue
			}

			changed = true

			if taken {
				in.runLocked(ctx, id)
			} else {
				in.finishLocked(ctx, id, models.NodeSkipped, nil)
			}

			if in.state != models.InstanceActive {
				return
			}
		}
	}

	in.checkQuiescenceLocked(ctx)
}

// readinessLocked decides whether a pending node can move. taken means at
// least one incoming edge fired; ready without taken means every source is
// terminal and the node must be skipped.
func (in *Instance) readinessLocked(id compiler.NodeID) (ready, taken bool) {
	var incoming []compiler.Edge

	for _, e := range in.graph.Incoming(id) {
		if !e.Loop {
			incoming = append(incoming, e)
		}
	}

	if len(incoming) == 0 {
		// Entry nodes are decided at activation.
		return false, false
	}

	allTerminal := true

	for _, e := range incoming {
		src := in.runs[e.From].state
		if !src.Terminal() {
			allTerminal = false
		}
		if edgeTaken(e, src) {
			taken = true
		}
	}

	if in.graph.Node(id).JoinAll {
		// Join barrier: every branch must settle first.
		return allTerminal, taken && allTerminal
	}

	if taken {
		return true, true
	}

	return allTerminal, false
}

func edgeTaken(e compiler.Edge, src models.NodeState) bool {
	switch e.Kind {
	case compiler.EdgeFailure:
		return src == models.NodeFailed
	default:
		return src == models.NodeCompleted
	}
}

// runLocked starts one node: condition gate, then either a suspension for
// wait points or an asynchronous activity invocation.
func (in *Instance) runLocked(ctx context.Context, id compiler.NodeID) {
	node := in.graph.Node(id)
	run := &in.runs[id]

	run.state = models.NodeRunning
	run.attempts = 0
	run.startedAt = time.Now()

	if !in.conditionHoldsLocked(ctx, id, node) {
		return
	}

	if node.Trigger != nil {
		in.suspendLocked(ctx, id, node)

		return
	}

	in.launchInvokeLocked(ctx, id)
}

// fireLocked opens a node's trigger gate: the event payload is retained
// for the node's outputs and the activity is invoked. Entries arrive here
// straight from activation, suspended waits through resume.
func (in *Instance) fireLocked(ctx context.Context, id compiler.NodeID, payload map[string]any) {
	node := in.graph.Node(id)
	run := &in.runs[id]

	// Suspended nodes passed their condition gate before waiting.
	gated := run.state == models.NodeSuspended

	run.state = models.NodeRunning
	run.attempts = 0
	run.event = payload
	if run.startedAt.IsZero() {
		run.startedAt = time.Now()
	}

	if !gated && !in.conditionHoldsLocked(ctx, id, node) {
		return
	}

	in.launchInvokeLocked(ctx, id)
}

// conditionHoldsLocked evaluates the node's `if` gate. A false condition
// skips the node, an evaluation error fails it; both report false.
func (in *Instance) conditionHoldsLocked(ctx context.Context, id compiler.NodeID, node *compiler.Node) bool {
	if node.Condition == "" {
		return true
	}

	ok, err := template.EvaluateBool(node.Condition, in.scopeLocked())
	if err != nil {
		in.failLocked(ctx, id, fmt.Errorf("condition: %w", err))

		return false
	}

	if !ok {
		in.finishLocked(ctx, id, models.NodeSkipped, nil)

		return false
	}

	return true
}

// suspendLocked parks a wait point as a correlation registration. No
// goroutine is held while waiting.
func (in *Instance) suspendLocked(ctx context.Context, id compiler.NodeID, node *compiler.Node) {
	run := &in.runs[id]
	run.state = models.NodeSuspended

	switch node.Trigger.Kind {
	case models.EventMessageReceived:
		filter := node.Trigger.Content
		if template.NeedsTemplating(filter) {
			rendered, err := template.Render(filter, in.scopeLocked())
			if err != nil {
				in.failLocked(ctx, id, fmt.Errorf("message filter: %w", err))

				return
			}
			filter = fmt.Sprint(rendered)
		}

		// A declared stream-id parameter pins the wait to that stream;
		// otherwise the instance's originating stream is used. Instances
		// started by timers have neither and wait across all streams,
		// correlating on content alone.
		key := in.streamID
		if raw, ok := node.Params["stream-id"].(string); ok && raw != "" {
			key = raw
			if template.NeedsTemplating(key) {
				rendered, err := template.Render(key, in.scopeLocked())
				if err != nil {
					in.failLocked(ctx, id, fmt.Errorf("stream id: %w", err))

					return
				}
				key = fmt.Sprint(rendered)
			}
		}

		in.engine.correl.Register(correlator.Registration{
			Kind:       models.EventMessageReceived,
			Key:        key,
			Filter:     filter,
			InstanceID: in.ID,
			NodeID:     id,
		})

	case models.EventFormReplied:
		formID := node.Trigger.FormID
		if template.NeedsTemplating(formID) {
			rendered, err := template.Render(formID, in.scopeLocked())
			if err != nil {
				in.failLocked(ctx, id, fmt.Errorf("form id: %w", err))

				return
			}
			formID = fmt.Sprint(rendered)
		}

		in.engine.correl.Register(correlator.Registration{
			Kind:       models.EventFormReplied,
			Key:        formID,
			InstanceID: in.ID,
			NodeID:     id,
		})

	case models.EventTimerFired:
		timerID := uuid.New().String()

		in.engine.correl.Register(correlator.Registration{
			Kind:       models.EventTimerFired,
			Key:        timerID,
			InstanceID: in.ID,
			NodeID:     id,
		})

		if node.Trigger.After > 0 {
			run.timer = time.AfterFunc(node.Trigger.After, func() {
				if err := in.engine.OnTimerFire(context.Background(), timerID); err != nil {
					in.engine.logger.Error("timer delivery failed", "instance_id", in.ID, "error", err)
				}
			})
		} else {
			cronID, err := in.engine.cron.AddFunc(node.Trigger.At, func() {
				in.mu.Lock()
				cronID := in.runs[id].cronID
				in.runs[id].cronID = 0
				in.mu.Unlock()

				if cronID != 0 {
					in.engine.cron.Remove(cronID)
				}

				if err := in.engine.OnTimerFire(context.Background(), timerID); err != nil {
					in.engine.logger.Error("timer delivery failed", "instance_id", in.ID, "error", err)
				}
			})
			if err != nil {
				in.failLocked(ctx, id, fmt.Errorf("cron schedule %q: %w", node.Trigger.At, err))

				return
			}
			run.cronID = cronID
		}
	}

	in.engine.logger.Debug("node suspended",
		"instance_id", in.ID, "activity_id", node.ActivityID, "trigger", node.Trigger.Kind)
}

// launchInvokeLocked renders the parameters under the lock and hands the
// call to a goroutine. Completion re-enters through the instance mutex.
func (in *Instance) launchInvokeLocked(ctx context.Context, id compiler.NodeID) {
	node := in.graph.Node(id)
	run := &in.runs[id]
	run.attempts++

	params, err := template.RenderParams(node.Params, in.scopeLocked())
	if err != nil {
		in.failLocked(ctx, id, fmt.Errorf("render params: %w", err))

		return
	}

	attempt := run.attempts

	go func() {
		ctx, span := in.engine.tracer.Start(context.Background(), "engine.invoke",
			trace.WithAttributes(
				attribute.String("workflow.id", in.WorkflowID),
				attribute.String("activity.id", node.ActivityID),
				attribute.String("activity.kind", node.Kind),
				attribute.Int("attempt", attempt),
			))
		outputs, err := in.engine.invoker.Invoke(ctx, node.Kind, params)
		span.End()

		in.mu.Lock()
		defer in.mu.Unlock()

		if in.state != models.InstanceActive || in.runs[id].state != models.NodeRunning {
			return
		}

		if err != nil {
			in.handleInvokeErrorLocked(ctx, id, err)

			return
		}

		in.finishLocked(ctx, id, models.NodeCompleted, mergeOutputs(in.runs[id].event, outputs))
		if in.state.Terminal() {
			return
		}
		if in.loopBackLocked(ctx, id) {
			return
		}
		in.advanceLocked(ctx)
	}()
}

// handleInvokeErrorLocked retries with the configured interval until the
// attempt budget is spent, then fails the node.
func (in *Instance) handleInvokeErrorLocked(ctx context.Context, id compiler.NodeID, cause error) {
	node := in.graph.Node(id)
	run := &in.runs[id]

	if run.attempts < node.Retry.MaxAttempts {
		in.engine.logger.Warn("activity failed, retrying",
			"instance_id", in.ID, "activity_id", node.ActivityID,
			"attempt", run.attempts, "max_attempts", node.Retry.MaxAttempts,
			"error", cause)

		run.timer = time.AfterFunc(node.Retry.Interval, func() {
			in.mu.Lock()
			defer in.mu.Unlock()

			if in.state != models.InstanceActive || in.runs[id].state != models.NodeRunning {
				return
			}

			in.launchInvokeLocked(context.Background(), id)
		})

		return
	}

	in.failLocked(ctx, id, cause)
}

// failLocked marks a node failed. A declared error boundary keeps the
// instance alive; without one the instance fails and is retained for
// inspection.
func (in *Instance) failLocked(ctx context.Context, id compiler.NodeID, cause error) {
	node := in.graph.Node(id)

	in.engine.logger.Error("activity failed",
		"instance_id", in.ID, "activity_id", node.ActivityID, "error", cause)

	in.finishLocked(ctx, id, models.NodeFailed, nil)

	hasBoundary := false

	for _, e := range in.graph.Outgoing(id) {
		if e.Kind == compiler.EdgeFailure && !e.Loop {
			hasBoundary = true

			break
		}
	}

	if !hasBoundary {
		in.failInstanceLocked(ctx, node.ActivityID, cause.Error())

		return
	}

	in.advanceLocked(ctx)
}

// finishLocked records a terminal node state, releases the node's timers
// and registration and publishes the node event. Control-flow follow-up
// is the caller's job.
func (in *Instance) finishLocked(ctx context.Context, id compiler.NodeID, state models.NodeState, outputs map[string]any) {
	node := in.graph.Node(id)
	run := &in.runs[id]

	in.stopNodeTimersLocked(id)
	in.engine.correl.Drop(in.ID, id)

	run.state = state
	if outputs != nil {
		in.outputs[node.ActivityID] = outputs
	}

	var durationMs int64
	if !run.startedAt.IsZero() {
		durationMs = time.Since(run.startedAt).Milliseconds()
	}

	in.engine.publish(ctx, in.WorkflowID, events.NodeCompleted{
		BaseEvent:  events.NewBaseEvent(events.NodeCompletedEvent, in.WorkflowID),
		InstanceID: in.ID,
		ActivityID: node.ActivityID,
		Status:     state,
		Outputs:    outputs,
		DurationMs: durationMs,
	})
}

// loopBackLocked checks whether a completed node closes a loop. When the
// loop entry's condition still holds, the body is reset and re-entered
// and normal forward advancement is withheld for this completion.
func (in *Instance) loopBackLocked(ctx context.Context, id compiler.NodeID) bool {
	for _, e := range in.graph.Outgoing(id) {
		if !e.Loop || in.runs[id].state != models.NodeCompleted {
			continue
		}

		entry := in.graph.Node(e.To)

		again, err := template.EvaluateBool(entry.Condition, in.scopeLocked())
		if err != nil {
			in.engine.logger.Error("loop condition failed, exiting loop",
				"instance_id", in.ID, "activity_id", entry.ActivityID, "error", err)

			continue
		}

		if !again {
			continue
		}

		in.resetRangeLocked(e.To, e.From)
		in.runLocked(ctx, e.To)
		if in.state == models.InstanceActive {
			in.advanceLocked(ctx)
		}

		return true
	}

	return false
}

// resetRangeLocked returns the loop body [from..to] to pending so it can
// run another iteration. Previous outputs stay visible until overwritten.
func (in *Instance) resetRangeLocked(from, to compiler.NodeID) {
	for id := from; id <= to; id++ {
		in.stopNodeTimersLocked(id)
		in.engine.correl.Drop(in.ID, id)
		in.runs[id].state = models.NodePending
		in.runs[id].attempts = 0
		in.runs[id].event = nil
	}
}

// mergeOutputs overlays invocation outputs on the gate event payload, so
// both the event fields and the activity result are addressable under the
// node's outputs. Activity keys win on collision.
func mergeOutputs(event, outputs map[string]any) map[string]any {
	if len(event) == 0 {
		return outputs
	}

	merged := make(map[string]any, len(event)+len(outputs))
	for k, v := range event {
		merged[k] = v
	}
	for k, v := range outputs {
		merged[k] = v
	}

	return merged
}

// checkQuiescenceLocked completes the instance once nothing runs, waits
// or can still be reached. Unreached pending nodes are skipped.
func (in *Instance) checkQuiescenceLocked(ctx context.Context) {
	if in.state != models.InstanceActive {
		return
	}

	for i := range in.runs {
		switch in.runs[i].state {
		case models.NodeRunning, models.NodeSuspended:
			return
		}
	}

	for i := range in.runs {
		if in.runs[i].state == models.NodePending {
			in.finishLocked(ctx, compiler.NodeID(i), models.NodeSkipped, nil)
		}
	}

	in.state = models.InstanceCompleted
	in.engine.correl.DropInstance(in.ID)

	duration := time.Since(in.startedAt)

	in.engine.logger.Info("instance completed",
		"workflow_id", in.WorkflowID, "instance_id", in.ID, "duration", duration)

	in.engine.publish(ctx, in.WorkflowID, events.InstanceCompleted{
		BaseEvent:  events.NewBaseEvent(events.InstanceCompletedEvent, in.WorkflowID),
		InstanceID: in.ID,
		Duration:   duration,
	})
}

func (in *Instance) failInstanceLocked(ctx context.Context, activityID, message string) {
	for i := range in.runs {
		if !in.runs[i].state.Terminal() {
			in.stopNodeTimersLocked(compiler.NodeID(i))
			in.runs[i].state = models.NodeCancelled
		}
	}

	in.state = models.InstanceFailed
	in.failedActivity = activityID
	in.failureMessage = message
	in.engine.correl.DropInstance(in.ID)

	in.engine.logger.Error("instance failed",
		"workflow_id", in.WorkflowID, "instance_id", in.ID,
		"activity_id", activityID, "error", message)

	in.engine.publish(ctx, in.WorkflowID, events.InstanceFailed{
		BaseEvent:  events.NewBaseEvent(events.InstanceFailedEvent, in.WorkflowID),
		InstanceID: in.ID,
		ActivityID: activityID,
		Error:      message,
	})
}

func (in *Instance) stopNodeTimersLocked(id compiler.NodeID) {
	run := &in.runs[id]

	if run.timer != nil {
		run.timer.Stop()
		run.timer = nil
	}

	if run.cronID != 0 {
		in.engine.cron.Remove(run.cronID)
		run.cronID = 0
	}
}

// scopeLocked builds the expression scope: workflow variables, the start
// event and every produced activity output.
func (in *Instance) scopeLocked() map[string]any {
	scope := make(map[string]any, len(in.outputs)+2)
	scope[template.ScopeVariables] = in.variables
	scope[template.ScopeEvent] = in.event

	for activityID, out := range in.outputs {
		scope[activityID] = map[string]any{template.ScopeOutputs: out}
	}

	return scope
}
