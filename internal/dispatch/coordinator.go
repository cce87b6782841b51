package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/campus-dispatch/internal/domain"
	"github.com/ramiqadoumi/campus-dispatch/internal/kafka"
	"github.com/ramiqadoumi/campus-dispatch/internal/postgres"
	redisstore "github.com/ramiqadoumi/campus-dispatch/internal/redis"
	"github.com/ramiqadoumi/campus-dispatch/pkg/retry"
	"github.com/ramiqadoumi/campus-dispatch/pkg/telemetry"
)

// Trigger labels what prompted an evaluation.
type Trigger string

const (
	TriggerAPI   Trigger = "api"
	TriggerEvent Trigger = "event"
	TriggerSweep Trigger = "sweep"
)

// Visibility is the answer to "should runner see task right now".
type Visibility struct {
	TaskID   string   `json:"task_id"`
	RunnerID string   `json:"runner_id"`
	Visible  bool     `json:"visible"`
	Decision Decision `json:"-"`
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Scanned   int
	Offered   int
	Rotated   int
	Exhausted int
	Skipped   int
	Conflicts int
	Failed    int
}

// Coordinator is the single writer of dispatch state. Every evaluation goes
// lock → load → Engine → conditional write → offer event.
type Coordinator struct {
	engine   *Engine
	tasks    postgres.TaskRepository
	runners  postgres.RunnerRepository
	locker   redisstore.TaskLocker // nil = rely on the conditional write alone
	producer kafka.Producer        // nil = no offer events
	topic    string
	logger   *slog.Logger
}

func NewCoordinator(
	engine *Engine,
	tasks postgres.TaskRepository,
	runners postgres.RunnerRepository,
	locker redisstore.TaskLocker,
	producer kafka.Producer,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		engine:   engine,
		tasks:    tasks,
		runners:  runners,
		locker:   locker,
		producer: producer,
		topic:    kafka.TopicOffers,
		logger:   logger,
	}
}

// Evaluate performs any due dispatch work on taskID and reports whether it is
// offered to runnerID afterwards. runnerID may be empty for system triggers.
// On error the caller must treat the task as not visible.
func (c *Coordinator) Evaluate(ctx context.Context, trigger Trigger, taskID, runnerID string, now time.Time) (Visibility, error) {
	start := time.Now()
	defer func() {
		telemetry.DispatchEvaluationSeconds.WithLabelValues(string(trigger)).Observe(time.Since(start).Seconds())
	}()

	ctx, span := otel.Tracer("dispatch").Start(ctx, "dispatch.evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", taskID),
		attribute.String("runner.id", runnerID),
		attribute.String("dispatch.trigger", string(trigger)),
	)

	vis := Visibility{TaskID: taskID, RunnerID: runnerID, Decision: Decision{Kind: Unchanged}}

	release, err := c.lock(ctx, taskID)
	if err != nil {
		var busy *domain.LockUnavailableError
		if errors.As(err, &busy) {
			telemetry.DispatchConflictsTotal.WithLabelValues("lock").Inc()
			return c.peek(ctx, taskID, runnerID, now)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock failed")
		return vis, err
	}
	defer release()

	task, err := c.tasks.GetByID(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		return vis, err
	}
	pool, err := c.runners.ListPresent(ctx, c.seenSince(now))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "runner pool load failed")
		return vis, fmt.Errorf("load runner pool: %w", err)
	}

	res, committed, err := c.apply(ctx, trigger, task, pool, runnerID, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return vis, err
	}

	vis.Decision = res.Decision
	vis.Visible = committed && Visible(&res.Task, runnerID, now, c.engine.OfferTimeout())
	span.SetAttributes(
		attribute.String("dispatch.decision", string(res.Decision.Kind)),
		attribute.Bool("dispatch.visible", vis.Visible),
	)
	return vis, nil
}

// Sweep evaluates every dispatchable task, reading them in pages of batch
// in (created_at, id) order, against one runner-pool snapshot. It rotates
// overdue offers and places unoffered tasks. Tasks with an active offer are
// skipped without loading the pool.
func (c *Coordinator) Sweep(ctx context.Context, now time.Time, batch int) (SweepStats, error) {
	if batch <= 0 {
		return SweepStats{}, fmt.Errorf("sweep batch must be positive, got %d", batch)
	}
	ctx, span := otel.Tracer("dispatch").Start(ctx, "dispatch.sweep")
	defer span.End()

	var (
		stats  SweepStats
		pool   []domain.Runner
		loaded bool
		cursor postgres.Cursor
	)
	for {
		page, err := c.listPage(ctx, cursor, batch)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "list failed")
			return stats, err
		}
		stats.Scanned += len(page)

		for _, t := range page {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			if StateOf(t, now, c.engine.OfferTimeout()) == StateOffered {
				stats.Skipped++
				continue
			}
			if !loaded {
				pool, err = c.runners.ListPresent(ctx, c.seenSince(now))
				if err != nil {
					span.RecordError(err)
					return stats, fmt.Errorf("load runner pool: %w", err)
				}
				loaded = true
			}
			c.sweepOne(ctx, t, pool, now, &stats)
		}

		if len(page) < batch {
			break
		}
		cursor = postgres.CursorAt(page[len(page)-1])
	}
	span.SetAttributes(attribute.Int("sweep.scanned", stats.Scanned))
	return stats, nil
}

// listPage reads one page of dispatchable tasks, retrying transient failures.
func (c *Coordinator) listPage(ctx context.Context, after postgres.Cursor, limit int) ([]*domain.Task, error) {
	var page []*domain.Task
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		OnRetry: func(attempt int, err error) {
			c.logger.Warn("list dispatchable tasks failed, retrying",
				slog.Int("attempt", attempt),
				slog.String("after_task_id", after.ID),
				slog.String("error", err.Error()),
			)
		},
	}, func() error {
		var err error
		page, err = c.tasks.ListDispatchable(ctx, after, limit)
		return err
	})
	return page, err
}

func (c *Coordinator) sweepOne(ctx context.Context, task *domain.Task, pool []domain.Runner, now time.Time, stats *SweepStats) {
	start := time.Now()
	defer func() {
		telemetry.DispatchEvaluationSeconds.WithLabelValues(string(TriggerSweep)).Observe(time.Since(start).Seconds())
	}()

	release, err := c.lock(ctx, task.ID)
	if err != nil {
		var busy *domain.LockUnavailableError
		if errors.As(err, &busy) {
			telemetry.DispatchConflictsTotal.WithLabelValues("lock").Inc()
			stats.Skipped++
			return
		}
		c.logger.Error("sweep lock failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		stats.Failed++
		return
	}
	defer release()

	res, committed, err := c.apply(ctx, TriggerSweep, task, pool, "", now)
	switch {
	case err != nil:
		c.logger.Error("sweep evaluation failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		stats.Failed++
	case !committed:
		stats.Conflicts++
	case !res.Changed:
		stats.Skipped++
	default:
		if res.RotatedOut != "" {
			stats.Rotated++
		}
		switch res.Decision.Kind {
		case OfferedTo:
			stats.Offered++
		case NoEligibleCandidate:
			stats.Exhausted++
		}
	}
}

// apply runs the engine on task and persists a changed result. committed is
// false when the conditional write lost a race; the decision is then void
// and is not retried.
func (c *Coordinator) apply(
	ctx context.Context,
	trigger Trigger,
	task *domain.Task,
	pool []domain.Runner,
	requester string,
	now time.Time,
) (res Result, committed bool, err error) {
	log := c.logger.With(
		slog.String("task_id", task.ID),
		slog.String("trigger", string(trigger)),
	)

	res = c.engine.EvaluateFor(*task, pool, requester, now)
	telemetry.DispatchEvaluationsTotal.WithLabelValues(string(trigger), string(res.Decision.Kind)).Inc()

	var missing *domain.MissingReferenceLocationError
	if errors.As(res.Cause, &missing) {
		telemetry.DispatchMissingLocationTotal.Inc()
		log.Warn("cannot rank without poster location", slog.String("poster_id", missing.PosterID))
	}

	if !res.Changed {
		return res, true, nil
	}

	_, span := otel.Tracer("dispatch").Start(ctx, "dispatch.persist_offer")
	err = c.tasks.UpdateOffer(ctx, task, &res.Task)
	span.End()
	if err != nil {
		var conflict *domain.ConcurrentWriteConflictError
		if errors.As(err, &conflict) {
			telemetry.DispatchConflictsTotal.WithLabelValues("cas").Inc()
			log.Info("offer write lost a race, decision discarded", slog.String("error", err.Error()))
			return res, false, nil
		}
		return res, false, fmt.Errorf("persist offer for task %s: %w", task.ID, err)
	}

	if res.RotatedOut != "" {
		telemetry.DispatchRotationsTotal.Inc()
	}
	switch res.Decision.Kind {
	case OfferedTo:
		reason := "first"
		if res.RotatedOut != "" {
			reason = "rotation"
		}
		telemetry.DispatchOffersTotal.WithLabelValues(reason, string(task.Kind)).Inc()
		log.Info("task offered",
			slog.String("runner_id", res.Decision.RunnerID),
			slog.String("rotated_out", res.RotatedOut),
			slog.Int("candidates", len(res.Ranked)),
		)
	case NoEligibleCandidate:
		telemetry.DispatchExhaustedTotal.Inc()
		log.Info("offer lapsed with no eligible runner left",
			slog.String("rotated_out", res.RotatedOut),
			slog.Int("excluded", len(res.Task.ExcludedRunnerIDs)),
		)
	}

	c.publish(ctx, &res)
	return res, true, nil
}

// publish emits the offer event for a committed change. Delivery is best
// effort: the persisted offer is authoritative.
func (c *Coordinator) publish(ctx context.Context, res *Result) {
	if c.producer == nil {
		return
	}
	ev := domain.OfferEvent{
		EventID:   uuid.New().String(),
		Type:      domain.OfferEventOffered,
		TaskID:    res.Task.ID,
		TaskKind:  res.Task.Kind,
		RunnerID:  res.Task.NotifiedRunnerID,
		Previous:  res.RotatedOut,
		OfferedAt: res.Task.NotifiedAt,
		ExpiresAt: OfferExpiresAt(&res.Task, c.engine.OfferTimeout()),
		Excluded:  res.Task.ExcludedRunnerIDs,
	}
	if res.Decision.Kind != OfferedTo {
		ev.Type = domain.OfferEventExhausted
	}
	if ev.Excluded == nil {
		ev.Excluded = []string{}
	}
	if err := kafka.PublishJSON(ctx, c.producer, c.topic, ev.TaskID, ev); err != nil {
		c.logger.Error("failed to publish offer event",
			slog.String("task_id", ev.TaskID),
			slog.String("error", err.Error()),
		)
	}
}

// peek answers from the persisted snapshot without writing. Used when another
// evaluator holds the task; an overdue offer is reported as not visible.
func (c *Coordinator) peek(ctx context.Context, taskID, runnerID string, now time.Time) (Visibility, error) {
	vis := Visibility{TaskID: taskID, RunnerID: runnerID, Decision: Decision{Kind: Unchanged}}
	task, err := c.tasks.GetByID(ctx, taskID)
	if err != nil {
		return vis, err
	}
	vis.Decision.RunnerID = task.NotifiedRunnerID
	vis.Visible = Visible(task, runnerID, now, c.engine.OfferTimeout())
	return vis, nil
}

// lock acquires the per-task lock and returns its release. Without a locker
// it is a no-op.
func (c *Coordinator) lock(ctx context.Context, taskID string) (func(), error) {
	if c.locker == nil {
		return func() {}, nil
	}
	release, err := c.locker.Acquire(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn("failed to release task lock",
				slog.String("task_id", taskID),
				slog.String("error", err.Error()),
			)
		}
	}, nil
}

func (c *Coordinator) seenSince(now time.Time) time.Time {
	return now.Add(-c.engine.Policy().HeartbeatWindow)
}
