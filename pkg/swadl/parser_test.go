package swadl

import (
	"log/slog"
	"testing"
	"time"

	"github.com/chatops/swadl/pkg/models"
	"github.com/chatops/swadl/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const getUserDoc = `
id: get-user
activities:
  - send-message:
      id: reply
      on:
        message-received:
          content: /get-user
      content: "user is ${variables.username}"
variables:
  username: jdoe
`

const approvalDoc = `
id: approve-user
variables:
  team: payments
activities:
  - send-form:
      id: ask
      on:
        message-received:
          content: /approve
      form-id: approval
  - create-user:
      id: mk
      if: "ask.outputs.accepted = true"
      on:
        form-replied:
          form-id: approval
      username: "${event.username}"
      retry:
        max-attempts: 3
        interval: 2s
properties:
  publish: false
`

func newParser(t *testing.T) *Parser {
	t.Helper()

	return NewParser(slog.Default(), registry.Builtin(slog.Default()))
}

func TestParseSimpleDocument(t *testing.T) {
	def, err := newParser(t).Parse([]byte(getUserDoc))
	require.NoError(t, err)

	assert.Equal(t, "get-user", def.ID)
	assert.Equal(t, map[string]any{"username": "jdoe"}, def.Variables)
	assert.True(t, def.Properties.ShouldPublish())
	require.Len(t, def.Activities, 1)

	act := def.Activities[0]
	assert.Equal(t, "reply", act.ID)
	assert.Equal(t, "send-message", act.Kind)
	require.NotNil(t, act.On.MessageReceived)
	assert.Equal(t, "/get-user", act.On.MessageReceived.Content)
	assert.Equal(t, "user is ${variables.username}", act.Params["content"])
}

func TestParseTriggerAndRetry(t *testing.T) {
	def, err := newParser(t).Parse([]byte(approvalDoc))
	require.NoError(t, err)

	require.Len(t, def.Activities, 2)
	assert.False(t, def.Properties.ShouldPublish())

	mk := def.Activities[1]
	assert.Equal(t, "create-user", mk.Kind)
	assert.Equal(t, "ask.outputs.accepted = true", mk.Condition)
	require.NotNil(t, mk.On.FormReplied)
	assert.Equal(t, "approval", mk.On.FormReplied.FormID)
	require.NotNil(t, mk.Retry)
	assert.Equal(t, 3, mk.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, mk.Retry.Interval)
}

func TestParseIsDeterministic(t *testing.T) {
	p := newParser(t)

	first, err := p.Parse([]byte(approvalDoc))
	require.NoError(t, err)

	second, err := p.Parse([]byte(approvalDoc))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestParseIgnoresUnknownFields(t *testing.T) {
	doc := `
id: forward-compat
future-field: whatever
activities:
  - send-message:
      id: msg
      on:
        message-received:
          content: /hi
      content: hello
      future-param: kept-as-param
`

	def, err := newParser(t).Parse([]byte(doc))
	require.NoError(t, err)
	// unknown activity fields flow through as parameters
	assert.Equal(t, "kept-as-param", def.Activities[0].Params["future-param"])
}

func TestParseUnknownKindFails(t *testing.T) {
	doc := `
id: bad
activities:
  - launch-rocket:
      id: r1
`

	_, err := newParser(t).Parse([]byte(doc))

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Contains(t, parseErr.Error(), "launch-rocket")
}

func TestParseScalarForListFails(t *testing.T) {
	doc := `
id: bad
activities: not-a-list
`

	_, err := newParser(t).Parse([]byte(doc))

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestParseMissingActivityIDFails(t *testing.T) {
	doc := `
id: bad
activities:
  - send-message:
      content: hello
`

	_, err := newParser(t).Parse([]byte(doc))

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Contains(t, parseErr.Error(), "id is required")
}

func TestParseTimerTrigger(t *testing.T) {
	doc := `
id: reminder
activities:
  - send-message:
      id: nag
      on:
        timer-fired:
          after: 30s
      content: "time is up"
`

	def, err := newParser(t).Parse([]byte(doc))
	require.NoError(t, err)

	trigger := def.Activities[0].On.TimerFired
	require.NotNil(t, trigger)
	assert.Equal(t, 30*time.Second, trigger.After)
	assert.Empty(t, trigger.At)
}

func TestParseTimerTriggerRequiresExactlyOneSchedule(t *testing.T) {
	doc := `
id: bad-timer
activities:
  - send-message:
      id: nag
      on:
        timer-fired: {}
      content: x
`

	_, err := newParser(t).Parse([]byte(doc))
	require.Error(t, err)
}

func TestParseCompositeBindings(t *testing.T) {
	doc := `
id: composite
activities:
  - send-message:
      id: start
      on:
        message-received:
          content: /go
      content: starting
  - send-message:
      id: left
      on:
        activity-completed:
          activity-id: start
      content: left
  - send-message:
      id: right
      on:
        activity-completed:
          activity-id: start
      content: right
  - send-message:
      id: join
      on:
        all-of:
          - activity-completed:
              activity-id: left
          - activity-completed:
              activity-id: right
      content: done
`

	def, err := newParser(t).Parse([]byte(doc))
	require.NoError(t, err)

	join := def.Activities[3]
	require.Len(t, join.On.AllOf, 2)
	assert.Equal(t, "left", join.On.AllOf[0].ActivityCompleted.ActivityID)
	assert.Equal(t, "right", join.On.AllOf[1].ActivityCompleted.ActivityID)
}

func TestEventHelper(t *testing.T) {
	b := &models.TriggerBinding{MessageReceived: &models.MessageReceivedTrigger{Content: "/x"}}
	event := b.Event()
	require.NotNil(t, event)
	assert.Equal(t, models.EventMessageReceived, event.Kind)
	assert.Nil(t, (&models.TriggerBinding{}).Event())
}
