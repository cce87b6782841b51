package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ramiqadoumi/campus-dispatch/internal/dispatch"
	redisstore "github.com/ramiqadoumi/campus-dispatch/internal/redis"
	"github.com/ramiqadoumi/campus-dispatch/pkg/telemetry"
)

const (
	// LeaderKey is the Redis key holding the current sweep leader.
	LeaderKey = "dispatch:scheduler:leader"
	// DefaultSchedule re-evaluates overdue offers at a quarter of the offer timeout.
	DefaultSchedule = "@every 15s"
)

// Sweeper evaluates every dispatchable task once.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time, batch int) (dispatch.SweepStats, error)
}

// Scheduler runs the dispatch sweep on a cron schedule. Only the instance
// holding Redis leadership sweeps; the others tick and stand by.
type Scheduler struct {
	elector    redisstore.LeaderElector
	sweeper    Sweeper
	schedule   cron.Schedule
	spec       string
	batch      int
	instanceID string
	logger     *slog.Logger
	now        func() time.Time
}

// NewScheduler validates spec (standard cron or a descriptor such as
// "@every 15s") and returns a Scheduler.
func NewScheduler(
	elector redisstore.LeaderElector,
	sweeper Sweeper,
	spec string,
	batch int,
	instanceID string,
	logger *slog.Logger,
) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", spec, err)
	}
	if batch <= 0 {
		return nil, fmt.Errorf("sweep batch must be positive, got %d", batch)
	}
	return &Scheduler{
		elector:    elector,
		sweeper:    sweeper,
		schedule:   schedule,
		spec:       spec,
		batch:      batch,
		instanceID: instanceID,
		logger:     logger.With(slog.String("instance_id", instanceID)),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run sweeps once immediately and then on every scheduled tick. Blocks until
// ctx is cancelled and the in-flight sweep, if any, has returned.
func (s *Scheduler) Run(ctx context.Context) {
	c := cron.New(
		cron.WithLogger(cronLogger{s.logger}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.logger})),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() { s.tick(ctx) }))

	s.logger.Info("sweep scheduled", slog.String("schedule", s.spec), slog.Int("batch", s.batch))
	s.tick(ctx)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !s.elector.AcquireOrRenew(ctx) {
		telemetry.SchedulerSweepsTotal.WithLabelValues("follower", "skipped").Inc()
		s.logger.Debug("not the sweep leader, standing by")
		return
	}

	start := time.Now()
	stats, err := s.sweeper.Sweep(ctx, s.now(), s.batch)
	telemetry.SchedulerTasksScanned.Add(float64(stats.Scanned))
	if err != nil {
		telemetry.SchedulerSweepsTotal.WithLabelValues("leader", "error").Inc()
		s.logger.Error("sweep failed", slog.String("error", err.Error()))
		return
	}
	telemetry.SchedulerSweepsTotal.WithLabelValues("leader", "ok").Inc()

	level := slog.LevelDebug
	if stats.Offered+stats.Rotated+stats.Exhausted+stats.Conflicts+stats.Failed > 0 {
		level = slog.LevelInfo
	}
	s.logger.Log(ctx, level, "sweep complete",
		slog.Int("scanned", stats.Scanned),
		slog.Int("offered", stats.Offered),
		slog.Int("rotated", stats.Rotated),
		slog.Int("exhausted", stats.Exhausted),
		slog.Int("skipped", stats.Skipped),
		slog.Int("conflicts", stats.Conflicts),
		slog.Int("failed", stats.Failed),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
}

// cronLogger routes cron's internal logging through slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}
