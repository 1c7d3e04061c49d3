package compiler

import (
	"log/slog"
	"testing"
	"time"

	"github.com/chatops/swadl/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msgTrigger(content string) *models.TriggerBinding {
	return &models.TriggerBinding{MessageReceived: &models.MessageReceivedTrigger{Content: content}}
}

func after(id string) *models.TriggerBinding {
	return &models.TriggerBinding{ActivityCompleted: &models.ActivityRef{ActivityID: id}}
}

func onFailure(id string) *models.TriggerBinding {
	return &models.TriggerBinding{ActivityFailed: &models.ActivityRef{ActivityID: id}}
}

func definition(activities ...models.ActivitySpec) *models.Definition {
	return &models.Definition{ID: "wf", Activities: activities}
}

func newCompiler() *Compiler {
	return New(slog.Default())
}

func TestCompileSequence(t *testing.T) {
	def := definition(
		models.ActivitySpec{ID: "start", Kind: "send-message", On: msgTrigger("/go")},
		models.ActivitySpec{ID: "next", Kind: "send-message"},
		models.ActivitySpec{ID: "last", Kind: "send-message"},
	)

	g, err := newCompiler().Compile(def)
	require.NoError(t, err)

	require.Len(t, g.Nodes, 3)
	require.Len(t, g.Entries, 1)
	assert.Equal(t, NodeID(0), g.Entries[0])
	assert.True(t, g.Node(0).Entry)

	// implicit declaration-order sequencing
	require.Len(t, g.Edges, 2)
	assert.Equal(t, Edge{From: 0, To: 1, Kind: EdgeSuccess}, g.Edges[0])
	assert.Equal(t, Edge{From: 1, To: 2, Kind: EdgeSuccess}, g.Edges[1])
}

func TestCompileForkAndJoin(t *testing.T) {
	def := definition(
		models.ActivitySpec{ID: "start", Kind: "send-message", On: msgTrigger("/go")},
		models.ActivitySpec{ID: "left", Kind: "send-message", On: after("start")},
		models.ActivitySpec{ID: "right", Kind: "send-message", On: after("start")},
		models.ActivitySpec{ID: "join", Kind: "send-message", On: &models.TriggerBinding{
			AllOf: []models.TriggerBinding{*after("left"), *after("right")},
		}},
	)

	g, err := newCompiler().Compile(def)
	require.NoError(t, err)

	join, ok := g.NodeByActivity("join")
	require.True(t, ok)
	assert.True(t, join.JoinAll)
	assert.Len(t, g.Incoming(join.ID), 2)
	assert.Len(t, g.Outgoing(0), 2)
}

func TestCompileErrorBoundary(t *testing.T) {
	def := definition(
		models.ActivitySpec{ID: "risky", Kind: "execute-script", On: msgTrigger("/run"),
			Params: map[string]any{"script": "deploy.sh"}},
		models.ActivitySpec{ID: "apologize", Kind: "send-message", On: onFailure("risky")},
	)

	g, err := newCompiler().Compile(def)
	require.NoError(t, err)

	in := g.Incoming(1)
	require.Len(t, in, 1)
	assert.Equal(t, EdgeFailure, in[0].Kind)
}

func TestCompileDetectsUnreachableNode(t *testing.T) {
	def := definition(
		models.ActivitySpec{ID: "start", Kind: "send-message", On: msgTrigger("/go")},
		models.ActivitySpec{ID: "orphan", Kind: "send-message", Condition: "false", On: &models.TriggerBinding{
			ActivityCompleted: &models.ActivityRef{ActivityID: "orphan2"},
		}},
		models.ActivitySpec{ID: "orphan2", Kind: "send-message", On: after("orphan")},
	)

	_, err := newCompiler().Compile(def)
	require.ErrorIs(t, err, ErrUnreachableNode)
}

func TestCompileDetectsMissingTrigger(t *testing.T) {
	def := definition(models.ActivitySpec{ID: "only", Kind: "send-message"})

	_, err := newCompiler().Compile(def)
	require.ErrorIs(t, err, ErrMissingTrigger)
}

func TestCompileDetectsDuplicateActivity(t *testing.T) {
	def := definition(
		models.ActivitySpec{ID: "dup", Kind: "send-message", On: msgTrigger("/go")},
		models.ActivitySpec{ID: "dup", Kind: "send-message"},
	)

	_, err := newCompiler().Compile(def)
	require.ErrorIs(t, err, ErrDuplicateActivity)
}

func TestCompileLoopRequiresExitCondition(t *testing.T) {
	unbounded := definition(
		models.ActivitySpec{ID: "poll", Kind: "get-user", On: &models.TriggerBinding{
			OneOf: []models.TriggerBinding{*msgTrigger("/poll"), *after("wait")},
		}},
		models.ActivitySpec{ID: "wait", Kind: "send-message", On: after("poll")},
	)

	_, err := newCompiler().Compile(unbounded)
	require.ErrorIs(t, err, ErrUnboundedLoop)

	bounded := definition(
		models.ActivitySpec{ID: "poll", Kind: "get-user", Condition: "variables.remaining > 0",
			On: &models.TriggerBinding{
				OneOf: []models.TriggerBinding{*msgTrigger("/poll"), *after("wait")},
			}},
		models.ActivitySpec{ID: "wait", Kind: "send-message", On: after("poll")},
	)

	g, err := newCompiler().Compile(bounded)
	require.NoError(t, err)

	var loops int

	for _, e := range g.Edges {
		if e.Loop {
			loops++
		}
	}

	assert.Equal(t, 1, loops)
}

func TestCompileLoopConditionMayReadLoopBody(t *testing.T) {
	def := definition(
		models.ActivitySpec{ID: "poll", Kind: "get-user", Condition: "$not(poll.outputs.done = true)",
			On: &models.TriggerBinding{
				OneOf: []models.TriggerBinding{*msgTrigger("/poll"), *after("step")},
			}},
		models.ActivitySpec{ID: "step", Kind: "send-message", On: after("poll"),
			Params: map[string]any{"content": "round ${poll.outputs.round}"}},
	)

	g, err := newCompiler().Compile(def)
	require.NoError(t, err)

	// the body reference works too, the iteration has finished when the
	// condition re-runs
	bodyRef := definition(
		models.ActivitySpec{ID: "poll", Kind: "get-user", Condition: "$not(step.outputs.done = true)",
			On: &models.TriggerBinding{
				OneOf: []models.TriggerBinding{*msgTrigger("/poll"), *after("step")},
			}},
		models.ActivitySpec{ID: "step", Kind: "send-message", On: after("poll")},
	)

	_, err = newCompiler().Compile(bodyRef)
	require.NoError(t, err)
	require.NotNil(t, g)
}

func TestCompileRejectsSelfReferenceInParams(t *testing.T) {
	def := definition(
		models.ActivitySpec{ID: "poll", Kind: "get-user", Condition: "$not(poll.outputs.done = true)",
			Params: map[string]any{"user-id": "${poll.outputs.id}"},
			On: &models.TriggerBinding{
				OneOf: []models.TriggerBinding{*msgTrigger("/poll"), *after("step")},
			}},
		models.ActivitySpec{ID: "step", Kind: "send-message", On: after("poll")},
	)

	_, err := newCompiler().Compile(def)
	require.ErrorIs(t, err, ErrUnresolvedReference)
}

func TestCompileResolvesForwardReferences(t *testing.T) {
	def := definition(
		models.ActivitySpec{ID: "lookup", Kind: "get-user", On: msgTrigger("/who")},
		models.ActivitySpec{ID: "reply", Kind: "send-message",
			Params: map[string]any{"content": "found ${lookup.outputs.username}"}},
	)

	_, err := newCompiler().Compile(def)
	require.NoError(t, err)
}

func TestCompileRejectsReferenceToLaterActivity(t *testing.T) {
	def := definition(
		models.ActivitySpec{ID: "reply", Kind: "send-message", On: msgTrigger("/who"),
			Params: map[string]any{"content": "found ${lookup.outputs.username}"}},
		models.ActivitySpec{ID: "lookup", Kind: "get-user"},
	)

	_, err := newCompiler().Compile(def)
	require.ErrorIs(t, err, ErrUnresolvedReference)
}

func TestCompileRejectsReferenceAcrossExclusiveBranches(t *testing.T) {
	def := definition(
		models.ActivitySpec{ID: "start", Kind: "send-message", On: msgTrigger("/go")},
		models.ActivitySpec{ID: "left", Kind: "get-user", On: after("start"), Condition: "variables.choose = \"l\""},
		models.ActivitySpec{ID: "right", Kind: "send-message", On: after("start"),
			Params: map[string]any{"content": "${left.outputs.username}"}},
	)

	// right and left are parallel branches; left does not dominate right
	_, err := newCompiler().Compile(def)
	require.ErrorIs(t, err, ErrUnresolvedReference)
}

func TestCompileMultipleEntries(t *testing.T) {
	def := definition(
		models.ActivitySpec{ID: "hello", Kind: "send-message", On: msgTrigger("/hello")},
		models.ActivitySpec{ID: "bye", Kind: "send-message", On: msgTrigger("/bye")},
	)

	g, err := newCompiler().Compile(def)
	require.NoError(t, err)
	assert.Len(t, g.Entries, 2)
}

func TestCompileFormWaitFollowsPreviousActivity(t *testing.T) {
	def := definition(
		models.ActivitySpec{ID: "ask", Kind: "send-form", On: msgTrigger("/survey")},
		models.ActivitySpec{ID: "reply", Kind: "get-user", On: &models.TriggerBinding{
			FormReplied: &models.FormRepliedTrigger{FormID: "survey"},
		}},
	)

	g, err := newCompiler().Compile(def)
	require.NoError(t, err)

	// the wait is sequenced after ask, not a separate entry
	require.Len(t, g.Entries, 1)
	assert.Equal(t, NodeID(0), g.Entries[0])
	require.Len(t, g.Edges, 1)
	assert.Equal(t, Edge{From: 0, To: 1, Kind: EdgeSuccess}, g.Edges[0])
}

func TestCompileConflictingEventTriggers(t *testing.T) {
	def := definition(
		models.ActivitySpec{ID: "confused", Kind: "send-message", On: &models.TriggerBinding{
			AllOf: []models.TriggerBinding{
				*msgTrigger("/a"),
				{TimerFired: &models.TimerFiredTrigger{After: time.Second}},
			},
		}},
	)

	_, err := newCompiler().Compile(def)
	require.ErrorIs(t, err, ErrConflictingTriggers)
}

func TestCompileRetryDefaults(t *testing.T) {
	def := definition(
		models.ActivitySpec{ID: "a", Kind: "send-message", On: msgTrigger("/go")},
		models.ActivitySpec{ID: "b", Kind: "execute-script",
			Params: map[string]any{"script": "x.sh"},
			Retry:  &models.RetryPolicy{MaxAttempts: 3, Interval: time.Second}},
	)

	g, err := newCompiler().Compile(def)
	require.NoError(t, err)
	assert.Equal(t, 1, g.Node(0).Retry.MaxAttempts)
	assert.Equal(t, 3, g.Node(1).Retry.MaxAttempts)
}

func TestFingerprintIgnoresIrrelevantDifferences(t *testing.T) {
	build := func(vars map[string]any) *Graph {
		def := definition(
			models.ActivitySpec{ID: "a", Kind: "send-message", On: msgTrigger("/go"),
				Params: map[string]any{"content": "hi", "stream-id": "s"}},
		)
		def.Variables = vars

		g, err := newCompiler().Compile(def)
		require.NoError(t, err)

		return g
	}

	first := build(map[string]any{"x": 1, "y": 2})
	second := build(map[string]any{"y": 2, "x": 1})

	require.NotEmpty(t, first.Fingerprint())
	assert.Equal(t, first.Fingerprint(), second.Fingerprint())
}
