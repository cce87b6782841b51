package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/campus-dispatch/internal/dispatch"
	"github.com/ramiqadoumi/campus-dispatch/internal/domain"
	"github.com/ramiqadoumi/campus-dispatch/internal/kafka"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type publishedMsg struct {
	topic string
	key   string
	value []byte
}

type fakeProducer struct {
	msgs []publishedMsg
	err  error
}

func (p *fakeProducer) Publish(_ context.Context, topic, key string, value []byte) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, publishedMsg{topic, key, value})
	return nil
}
func (p *fakeProducer) Close() error { return nil }

type evalCall struct {
	trigger  dispatch.Trigger
	taskID   string
	runnerID string
	now      time.Time
}

type fakeEvaluator struct {
	calls []evalCall
	vis   dispatch.Visibility
	err   error
}

func (e *fakeEvaluator) Evaluate(_ context.Context, trigger dispatch.Trigger, taskID, runnerID string, now time.Time) (dispatch.Visibility, error) {
	e.calls = append(e.calls, evalCall{trigger, taskID, runnerID, now})
	return e.vis, e.err
}

type fakeConsumer struct {
	msgs []kafka.Message
}

func (c *fakeConsumer) Subscribe(ctx context.Context, handler kafka.HandlerFunc) error {
	for _, m := range c.msgs {
		_ = handler(ctx, m)
	}
	return nil
}
func (c *fakeConsumer) Close() error { return nil }

// ── helpers ───────────────────────────────────────────────────────────────────

var fixedNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newTestDispatcher(producer *fakeProducer, eval *fakeEvaluator) *Dispatcher {
	d := NewDispatcher(nil, producer, eval, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.now = func() time.Time { return fixedNow }
	return d
}

func pendingMessage(t *testing.T, taskID string) kafka.Message {
	t.Helper()
	raw, err := json.Marshal(domain.TaskPendingEvent{TaskID: taskID})
	require.NoError(t, err)
	return kafka.Message{Key: []byte(taskID), Value: raw}
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestDispatcher_Handle_EvaluatesTask(t *testing.T) {
	prod := &fakeProducer{}
	eval := &fakeEvaluator{vis: dispatch.Visibility{Decision: dispatch.Decision{Kind: dispatch.OfferedTo, RunnerID: "r1"}}}
	d := newTestDispatcher(prod, eval)

	err := d.handle(context.Background(), pendingMessage(t, "task-1"))
	require.NoError(t, err)

	require.Len(t, eval.calls, 1)
	assert.Equal(t, evalCall{dispatch.TriggerEvent, "task-1", "", fixedNow}, eval.calls[0])
	assert.Empty(t, prod.msgs)
}

func TestDispatcher_Handle_MalformedJSON_GoesToDLQ(t *testing.T) {
	prod := &fakeProducer{}
	eval := &fakeEvaluator{}
	d := newTestDispatcher(prod, eval)

	err := d.handle(context.Background(), kafka.Message{Value: []byte("not-json")})
	require.NoError(t, err)

	require.Len(t, prod.msgs, 1)
	assert.Equal(t, kafka.TopicDLQ, prod.msgs[0].topic)
	assert.Equal(t, []byte("not-json"), prod.msgs[0].value)
	assert.Empty(t, eval.calls)
}

func TestDispatcher_Handle_MissingTaskID_GoesToDLQ(t *testing.T) {
	prod := &fakeProducer{}
	eval := &fakeEvaluator{}
	d := newTestDispatcher(prod, eval)

	err := d.handle(context.Background(), pendingMessage(t, "  "))
	require.NoError(t, err)

	require.Len(t, prod.msgs, 1)
	assert.Equal(t, kafka.TopicDLQ, prod.msgs[0].topic)
	assert.Empty(t, eval.calls)
}

func TestDispatcher_Handle_UnknownTask_GoesToDLQ(t *testing.T) {
	prod := &fakeProducer{}
	eval := &fakeEvaluator{err: &domain.TaskNotFoundError{TaskID: "ghost"}}
	d := newTestDispatcher(prod, eval)

	err := d.handle(context.Background(), pendingMessage(t, "ghost"))
	require.NoError(t, err)

	require.Len(t, prod.msgs, 1)
	assert.Equal(t, kafka.TopicDLQ, prod.msgs[0].topic)
	assert.Equal(t, "ghost", prod.msgs[0].key)
}

func TestDispatcher_Handle_TransientError_ReturnsError(t *testing.T) {
	prod := &fakeProducer{}
	eval := &fakeEvaluator{err: assert.AnError}
	d := newTestDispatcher(prod, eval)

	err := d.handle(context.Background(), pendingMessage(t, "task-1"))
	require.ErrorIs(t, err, assert.AnError, "transient store error should not commit offset")
	assert.Empty(t, prod.msgs)
}

func TestDispatcher_Handle_DLQPublishFailure_ReturnsError(t *testing.T) {
	prod := &fakeProducer{err: assert.AnError}
	d := newTestDispatcher(prod, &fakeEvaluator{})

	err := d.handle(context.Background(), kafka.Message{Value: []byte("{")})
	require.Error(t, err)
}

func TestDispatcher_Run_HandlesEveryMessage(t *testing.T) {
	prod := &fakeProducer{}
	eval := &fakeEvaluator{vis: dispatch.Visibility{Decision: dispatch.Decision{Kind: dispatch.NoEligibleCandidate}}}
	cons := &fakeConsumer{msgs: []kafka.Message{
		pendingMessage(t, "a"),
		{Value: []byte("junk")},
		pendingMessage(t, "b"),
	}}
	d := NewDispatcher(cons, prod, eval, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, d.Run(context.Background()))
	require.Len(t, eval.calls, 2)
	assert.Equal(t, "a", eval.calls[0].taskID)
	assert.Equal(t, "b", eval.calls[1].taskID)
	assert.Len(t, prod.msgs, 1)
}
