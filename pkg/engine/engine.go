// Package engine executes compiled workflow graphs. Each deployment maps
// external events onto entry nodes; each running instance is a small state
// machine advanced under its own lock, with suspended waits held as
// correlation registrations instead of goroutines.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chatops/swadl/pkg/compiler"
	"github.com/chatops/swadl/pkg/correlator"
	"github.com/chatops/swadl/pkg/eventbus"
	"github.com/chatops/swadl/pkg/events"
	"github.com/chatops/swadl/pkg/models"
	"github.com/chatops/swadl/pkg/protocol"
)

// Deployment is one installed graph version. Instances keep a reference to
// the deployment they started under, so uninstalling never disturbs them.
type Deployment struct {
	ID         string
	WorkflowID string
	Version    int64
	Graph      *compiler.Graph

	cronIDs []cron.EntryID
	timers  []*time.Timer
}

// Engine routes events, starts instances and drives them to completion.
type Engine struct {
	logger  *slog.Logger
	invoker protocol.ActivityInvoker
	bus     eventbus.EventPublisher
	tracer  trace.Tracer
	cron    *cron.Cron
	correl  *correlator.Correlator

	mu          sync.RWMutex
	deployments map[string]*Deployment
	byWorkflow  map[string][]string
	instances   map[string]*Instance
}

var _ protocol.GraphDeployer = (*Engine)(nil)
var _ protocol.InboundEvents = (*Engine)(nil)

func New(logger *slog.Logger, invoker protocol.ActivityInvoker, bus eventbus.EventPublisher, tracer trace.Tracer) *Engine {
	e := &Engine{
		logger:      logger.With("module", "engine"),
		invoker:     invoker,
		bus:         bus,
		tracer:      tracer,
		cron:        cron.New(),
		deployments: make(map[string]*Deployment),
		byWorkflow:  make(map[string][]string),
		instances:   make(map[string]*Instance),
	}
	e.correl = correlator.New(logger, e)
	e.cron.Start()

	return e
}

// Close stops the cron runner. Live instances keep their timers; callers
// cancel instances explicitly if a hard stop is wanted.
func (e *Engine) Close() error {
	e.cron.Stop()

	return nil
}

// Correlator exposes the event correlator, mainly for inspection.
func (e *Engine) Correlator() *correlator.Correlator {
	return e.correl
}

// Install registers a compiled graph as routable and arms its timer
// entries. Returns the deployment id.
func (e *Engine) Install(graph *compiler.Graph, workflowID string, version int64) (string, error) {
	dep := &Deployment{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Version:    version,
		Graph:      graph,
	}

	e.mu.Lock()
	e.deployments[dep.ID] = dep
	e.byWorkflow[workflowID] = append(e.byWorkflow[workflowID], dep.ID)
	e.armEntryTimers(dep)
	e.mu.Unlock()

	e.logger.Info("workflow deployed",
		"workflow_id", workflowID, "version", version, "deployment_id", dep.ID)

	e.publish(context.Background(), workflowID, events.WorkflowDeployed{
		BaseEvent:    events.NewBaseEvent(events.WorkflowDeployedEvent, workflowID),
		DeploymentID: dep.ID,
		Version:      version,
	})

	return dep.ID, nil
}

// Uninstall removes one deployment. Instances started under it run on.
func (e *Engine) Uninstall(deploymentID string) error {
	e.mu.Lock()
	dep, ok := e.deployments[deploymentID]
	if !ok {
		e.mu.Unlock()

		return fmt.Errorf("uninstall %s: %w", deploymentID, ErrDeploymentNotFound)
	}

	delete(e.deployments, deploymentID)
	e.byWorkflow[dep.WorkflowID] = removeString(e.byWorkflow[dep.WorkflowID], deploymentID)
	if len(e.byWorkflow[dep.WorkflowID]) == 0 {
		delete(e.byWorkflow, dep.WorkflowID)
	}
	e.disarmEntryTimers(dep)
	e.mu.Unlock()

	e.logger.Info("workflow undeployed", "workflow_id", dep.WorkflowID, "deployment_id", dep.ID)

	e.publish(context.Background(), dep.WorkflowID, events.WorkflowUndeployed{
		BaseEvent:    events.NewBaseEvent(events.WorkflowUndeployedEvent, dep.WorkflowID),
		DeploymentID: dep.ID,
	})

	return nil
}

// UninstallWorkflow removes every deployment of a workflow id.
func (e *Engine) UninstallWorkflow(workflowID string) error {
	e.mu.RLock()
	ids := append([]string(nil), e.byWorkflow[workflowID]...)
	e.mu.RUnlock()

	for _, id := range ids {
		if err := e.Uninstall(id); err != nil {
			return err
		}
	}

	return nil
}

// OnMessage offers a chat message to suspended waits, then checks entry
// nodes of every deployment for an exact content match and starts a new
// instance per match.
func (e *Engine) OnMessage(ctx context.Context, streamID, text string) error {
	payload := map[string]any{"stream_id": streamID, "content": text}

	if err := e.correl.Deliver(ctx, models.EventMessageReceived, streamID, text, payload); err != nil {
		return err
	}

	e.mu.RLock()
	var starts []*Deployment

	for _, dep := range e.deployments {
		for _, entryID := range dep.Graph.Entries {
			node := dep.Graph.Node(entryID)
			if node.Trigger != nil && node.Trigger.Kind == models.EventMessageReceived &&
				node.Trigger.Content == text {
				starts = append(starts, dep)

				break
			}
		}
	}
	e.mu.RUnlock()

	for _, dep := range starts {
		if _, err := e.StartInstance(ctx, dep.ID, models.EventMessageReceived, payload); err != nil {
			return err
		}
	}

	return nil
}

// OnFormReply offers a form reply to suspended waits. Form ids are issued
// when a form wait suspends, so replies never start instances.
func (e *Engine) OnFormReply(ctx context.Context, formID, fieldName string, values map[string]any) error {
	payload := make(map[string]any, len(values)+2)
	for k, v := range values {
		payload[k] = v
	}
	payload["form_id"] = formID
	if fieldName != "" {
		payload["field"] = fieldName
	}

	return e.correl.Deliver(ctx, models.EventFormReplied, formID, "", payload)
}

// OnTimerFire resumes the wait holding the given engine-issued timer id.
func (e *Engine) OnTimerFire(ctx context.Context, timerID string) error {
	payload := map[string]any{"timer_id": timerID}

	return e.correl.Deliver(ctx, models.EventTimerFired, timerID, "", payload)
}

// StartInstance creates and activates an instance of a deployment. The
// entry node matching the trigger kind completes with the event payload;
// every other entry is skipped.
func (e *Engine) StartInstance(ctx context.Context, deploymentID string, kind models.EventKind, payload map[string]any) (string, error) {
	e.mu.RLock()
	dep, ok := e.deployments[deploymentID]
	e.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("start instance: %w", ErrDeploymentNotFound)
	}

	ctx, span := e.tracer.Start(ctx, "engine.start_instance",
		trace.WithAttributes(
			attribute.String("workflow.id", dep.WorkflowID),
			attribute.Int64("workflow.version", dep.Version),
		))
	defer span.End()

	inst := newInstance(e, dep, payload)

	e.mu.Lock()
	e.instances[inst.ID] = inst
	e.mu.Unlock()

	e.logger.Info("instance started",
		"workflow_id", dep.WorkflowID, "instance_id", inst.ID, "trigger", kind)

	e.publish(ctx, dep.WorkflowID, events.InstanceStarted{
		BaseEvent:    events.NewBaseEvent(events.InstanceStartedEvent, dep.WorkflowID),
		InstanceID:   inst.ID,
		DeploymentID: dep.ID,
		TriggerData:  payload,
	})

	inst.activate(ctx, kind, payload)

	return inst.ID, nil
}

// Resume applies an event payload to a suspended node. Implements the
// correlator's Resumer.
func (e *Engine) Resume(ctx context.Context, instanceID string, nodeID compiler.NodeID, payload map[string]any) error {
	e.mu.RLock()
	inst, ok := e.instances[instanceID]
	e.mu.RUnlock()

	if !ok {
		return fmt.Errorf("resume %s: %w", instanceID, ErrInstanceNotFound)
	}

	return inst.resume(ctx, nodeID, payload)
}

// Cancel stops an instance: timers are released, registrations dropped and
// every non-terminal node marked cancelled. Late events cannot revive it.
func (e *Engine) Cancel(ctx context.Context, instanceID string) error {
	e.mu.RLock()
	inst, ok := e.instances[instanceID]
	e.mu.RUnlock()

	if !ok {
		return fmt.Errorf("cancel %s: %w", instanceID, ErrInstanceNotFound)
	}

	return inst.cancel(ctx)
}

// Snapshot returns a point-in-time view of one instance.
func (e *Engine) Snapshot(instanceID string) (InstanceSnapshot, error) {
	e.mu.RLock()
	inst, ok := e.instances[instanceID]
	e.mu.RUnlock()

	if !ok {
		return InstanceSnapshot{}, fmt.Errorf("snapshot %s: %w", instanceID, ErrInstanceNotFound)
	}

	return inst.snapshot(), nil
}

// Instances lists snapshots of all known instances, terminal ones
// included. Terminal instances stay inspectable until restart.
func (e *Engine) Instances() []InstanceSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]InstanceSnapshot, 0, len(e.instances))
	for _, inst := range e.instances {
		out = append(out, inst.snapshot())
	}

	return out
}

// Deployments lists the ids of installed deployments per workflow id.
func (e *Engine) Deployments() map[string][]string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string][]string, len(e.byWorkflow))
	for wf, ids := range e.byWorkflow {
		out[wf] = append([]string(nil), ids...)
	}

	return out
}

// armEntryTimers starts cron schedules and delay timers for timer entry
// nodes. Each firing starts a fresh instance. Caller holds e.mu: the
// deployment's timer slices are only ever touched under it.
func (e *Engine) armEntryTimers(dep *Deployment) {
	for _, entryID := range dep.Graph.Entries {
		node := dep.Graph.Node(entryID)
		if node.Trigger == nil || node.Trigger.Kind != models.EventTimerFired {
			continue
		}

		payload := map[string]any{"timer_id": "entry:" + node.ActivityID}

		if node.Trigger.At != "" {
			id, err := e.cron.AddFunc(node.Trigger.At, func() {
				if _, err := e.StartInstance(context.Background(), dep.ID, models.EventTimerFired, payload); err != nil {
					e.logger.Error("scheduled start failed", "deployment_id", dep.ID, "error", err)
				}
			})
			if err != nil {
				e.logger.Error("invalid cron schedule", "deployment_id", dep.ID, "at", node.Trigger.At, "error", err)

				continue
			}
			dep.cronIDs = append(dep.cronIDs, id)
		}

		if node.Trigger.After > 0 {
			dep.timers = append(dep.timers, time.AfterFunc(node.Trigger.After, func() {
				if _, err := e.StartInstance(context.Background(), dep.ID, models.EventTimerFired, payload); err != nil {
					e.logger.Error("delayed start failed", "deployment_id", dep.ID, "error", err)
				}
			}))
		}
	}
}

// disarmEntryTimers releases a deployment's entry schedules. Caller holds
// e.mu.
func (e *Engine) disarmEntryTimers(dep *Deployment) {
	for _, id := range dep.cronIDs {
		e.cron.Remove(id)
	}

	for _, t := range dep.timers {
		t.Stop()
	}
}

func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.bus == nil {
		return
	}

	if err := e.bus.Publish(ctx, key, event); err != nil {
		e.logger.Error("failed to publish lifecycle event", "event_type", event.GetType(), "error", err)
	}
}

func removeString(in []string, target string) []string {
	out := in[:0]
	for _, s := range in {
		if s != target {
			out = append(out, s)
		}
	}

	return out
}
