package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/campus-dispatch/internal/dispatch"
	"github.com/ramiqadoumi/campus-dispatch/internal/domain"
	"github.com/ramiqadoumi/campus-dispatch/internal/kafka"
	"github.com/ramiqadoumi/campus-dispatch/pkg/telemetry"
)

// Evaluator runs one dispatch evaluation for a task.
type Evaluator interface {
	Evaluate(ctx context.Context, trigger dispatch.Trigger, taskID, runnerID string, now time.Time) (dispatch.Visibility, error)
}

// Dispatcher consumes tasks.pending and places the first offer of each new
// task without waiting for the next sweep.
type Dispatcher struct {
	consumer  kafka.Consumer
	producer  kafka.Producer
	evaluator Evaluator
	logger    *slog.Logger
	now       func() time.Time
}

func NewDispatcher(
	consumer kafka.Consumer,
	producer kafka.Producer,
	evaluator Evaluator,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		consumer:  consumer,
		producer:  producer,
		evaluator: evaluator,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run starts consuming. Blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.consumer.Subscribe(ctx, d.handle)
}

func (d *Dispatcher) handle(ctx context.Context, msg kafka.Message) error {
	ctx, span := otel.Tracer("dispatcher").Start(ctx, "dispatcher.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("messaging.destination", msg.Topic)),
	)
	defer span.End()

	var ev domain.TaskPendingEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		d.logger.Error("malformed message, sending to DLQ", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed message")
		return d.toDLQ(ctx, msg, "malformed")
	}
	ev.TaskID = strings.TrimSpace(ev.TaskID)
	if ev.TaskID == "" {
		d.logger.Error("event without task_id, sending to DLQ")
		span.SetStatus(codes.Error, "missing task id")
		return d.toDLQ(ctx, msg, "malformed")
	}

	span.SetAttributes(attribute.String("task.id", ev.TaskID))
	log := d.logger.With(slog.String("task_id", ev.TaskID))

	vis, err := d.evaluator.Evaluate(ctx, dispatch.TriggerEvent, ev.TaskID, "", d.now())
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			log.Warn("pending event for unknown task, sending to DLQ")
			return d.toDLQ(ctx, msg, "not_found")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "evaluation failed")
		telemetry.DispatcherEventsTotal.WithLabelValues("error").Inc()
		// Transient store error: leave the offset uncommitted.
		return fmt.Errorf("evaluate task %s: %w", ev.TaskID, err)
	}

	telemetry.DispatcherEventsTotal.WithLabelValues(string(vis.Decision.Kind)).Inc()
	log.Info("pending event handled",
		slog.String("decision", string(vis.Decision.Kind)),
		slog.String("runner_id", vis.Decision.RunnerID),
	)
	return nil
}

// toDLQ publishes the raw message to the dead-letter topic.
func (d *Dispatcher) toDLQ(ctx context.Context, msg kafka.Message, reason string) error {
	telemetry.DispatcherEventsTotal.WithLabelValues(reason).Inc()
	telemetry.DispatcherDLQTotal.Inc()
	if err := d.producer.Publish(ctx, kafka.TopicDLQ, string(msg.Key), msg.Value); err != nil {
		d.logger.Error("failed to publish to DLQ", slog.String("error", err.Error()))
		return err
	}
	return nil
}
