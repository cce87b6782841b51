package dispatch

import (
	"cmp"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/campus-dispatch/internal/domain"
	"github.com/ramiqadoumi/campus-dispatch/internal/kafka"
	"github.com/ramiqadoumi/campus-dispatch/internal/postgres"
	redisstore "github.com/ramiqadoumi/campus-dispatch/internal/redis"
)

// ── fakes ─────────────────────────────────────────────────────────────────────

type fakeTaskRepo struct {
	mu       sync.Mutex
	tasks    map[string]domain.Task
	order    []string
	writes   int
	lists    int
	listErrs []error
	// beforeWrite lets a test change the row between read and write.
	beforeWrite func(r *fakeTaskRepo)
}

func newFakeTaskRepo(tasks ...domain.Task) *fakeTaskRepo {
	r := &fakeTaskRepo{tasks: make(map[string]domain.Task)}
	for _, t := range tasks {
		r.tasks[t.ID] = t.Clone()
		r.order = append(r.order, t.ID)
	}
	return r
}

func (r *fakeTaskRepo) GetByID(_ context.Context, id string) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	c := t.Clone()
	return &c, nil
}

func (r *fakeTaskRepo) ListDispatchable(_ context.Context, after postgres.Cursor, limit int) ([]*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lists++
	if len(r.listErrs) > 0 {
		err := r.listErrs[0]
		r.listErrs = r.listErrs[1:]
		return nil, err
	}
	var all []domain.Task
	for _, id := range r.order {
		if t := r.tasks[id]; t.Dispatchable() {
			all = append(all, t)
		}
	}
	slices.SortFunc(all, func(a, b domain.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	var out []*domain.Task
	for _, t := range all {
		if !after.IsZero() {
			if c := t.CreatedAt.Compare(after.CreatedAt); c < 0 || (c == 0 && t.ID <= after.ID) {
				continue
			}
		}
		if len(out) == limit {
			break
		}
		c := t.Clone()
		out = append(out, &c)
	}
	return out, nil
}

func (r *fakeTaskRepo) UpdateOffer(_ context.Context, before, after *domain.Task) error {
	if r.beforeWrite != nil {
		r.beforeWrite(r)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.tasks[before.ID]
	if !cur.Dispatchable() || cur.NotifiedRunnerID != before.NotifiedRunnerID {
		return &domain.ConcurrentWriteConflictError{TaskID: before.ID, ExpectedNotified: before.NotifiedRunnerID}
	}
	cur.NotifiedRunnerID = after.NotifiedRunnerID
	cur.NotifiedAt = after.NotifiedAt
	cur.ExcludedRunnerIDs = append([]string(nil), after.ExcludedRunnerIDs...)
	r.tasks[before.ID] = cur
	r.writes++
	return nil
}

func (r *fakeTaskRepo) get(id string) domain.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[id].Clone()
}

type fakeRunnerRepo struct {
	runners   []domain.Runner
	err       error
	seenSince time.Time
	calls     int
}

func (r *fakeRunnerRepo) ListPresent(_ context.Context, seenSince time.Time) ([]domain.Runner, error) {
	r.calls++
	r.seenSince = seenSince
	return r.runners, r.err
}
func (r *fakeRunnerRepo) Ping(context.Context) error { return r.err }

type fakeLocker struct {
	mu       sync.Mutex
	busy     map[string]bool
	acquired int
	released int
}

func (l *fakeLocker) Acquire(_ context.Context, taskID string) (redisstore.ReleaseFunc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy[taskID] {
		return nil, &domain.LockUnavailableError{TaskID: taskID, TTL: 5 * time.Second}
	}
	l.acquired++
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.released++
		return nil
	}, nil
}

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

func (p *fakeProducer) events(t *testing.T) []domain.OfferEvent {
	t.Helper()
	out := make([]domain.OfferEvent, 0, len(p.msgs))
	for _, m := range p.msgs {
		assert.Equal(t, kafka.TopicOffers, m.topic)
		var ev domain.OfferEvent
		require.NoError(t, json.Unmarshal(m.value, &ev))
		assert.Equal(t, m.key, ev.TaskID)
		out = append(out, ev)
	}
	return out
}

// ── helpers ───────────────────────────────────────────────────────────────────

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	tasks    *fakeTaskRepo
	runners  *fakeRunnerRepo
	locker   *fakeLocker
	producer *fakeProducer
	coord    *Coordinator
}

func newFixture(pool []domain.Runner, tasks ...domain.Task) *fixture {
	f := &fixture{
		tasks:    newFakeTaskRepo(tasks...),
		runners:  &fakeRunnerRepo{runners: pool},
		locker:   &fakeLocker{busy: map[string]bool{}},
		producer: &fakeProducer{},
	}
	f.coord = NewCoordinator(NewEngine(), f.tasks, f.runners, f.locker, f.producer, discardLogger())
	return f
}

func freshAt(r domain.Runner, at time.Time) domain.Runner {
	r.LastSeenAt = at
	return r
}

// ── evaluate ──────────────────────────────────────────────────────────────────

func TestCoordinator_Evaluate_OffersAndPersists(t *testing.T) {
	f := newFixture([]domain.Runner{runnerAt("r1", 20, 5), runnerAt("r2", 200, 3)}, pendingTask("printing"))
	ctx := context.Background()

	vis, err := f.coord.Evaluate(ctx, TriggerAPI, "task-1", "r1", t0)
	require.NoError(t, err)
	assert.True(t, vis.Visible)
	assert.Equal(t, Decision{Kind: OfferedTo, RunnerID: "r1"}, vis.Decision)

	stored := f.tasks.get("task-1")
	assert.Equal(t, "r1", stored.NotifiedRunnerID)
	require.NotNil(t, stored.NotifiedAt)
	assert.Equal(t, t0, *stored.NotifiedAt)
	assert.Equal(t, t0.Add(-2*time.Minute), f.runners.seenSince)
	assert.Equal(t, 1, f.locker.acquired)
	assert.Equal(t, 1, f.locker.released)

	events := f.producer.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, domain.OfferEventOffered, events[0].Type)
	assert.Equal(t, "r1", events[0].RunnerID)
	require.NotNil(t, events[0].ExpiresAt)
	assert.Equal(t, t0.Add(DefaultOfferTimeout), *events[0].ExpiresAt)
	assert.NotEmpty(t, events[0].EventID)
}

func TestCoordinator_Evaluate_OtherRunnerNotVisible(t *testing.T) {
	f := newFixture([]domain.Runner{runnerAt("r1", 20, 5), runnerAt("r2", 200, 3)}, pendingTask("printing"))

	vis, err := f.coord.Evaluate(context.Background(), TriggerAPI, "task-1", "r2", t0)
	require.NoError(t, err)
	assert.False(t, vis.Visible)
	assert.Equal(t, "r1", f.tasks.get("task-1").NotifiedRunnerID, "offer is still placed")

	vis, err = f.coord.Evaluate(context.Background(), TriggerAPI, "task-1", "r1", t0.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, vis.Visible)
	assert.Equal(t, Unchanged, vis.Decision.Kind)
	assert.Equal(t, 1, f.tasks.writes, "active offer is not rewritten")
}

func TestCoordinator_Evaluate_RotatesOverdueOffer(t *testing.T) {
	later := t0.Add(90 * time.Second)
	pool := []domain.Runner{freshAt(runnerAt("r1", 20, 5), later), freshAt(runnerAt("r2", 200, 3), later)}
	f := newFixture(pool, offered(pendingTask("printing"), "r1", t0))

	vis, err := f.coord.Evaluate(context.Background(), TriggerAPI, "task-1", "r1", later)
	require.NoError(t, err)
	assert.False(t, vis.Visible)

	stored := f.tasks.get("task-1")
	assert.Equal(t, "r2", stored.NotifiedRunnerID)
	assert.Equal(t, []string{"r1"}, stored.ExcludedRunnerIDs)

	events := f.producer.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, "r1", events[0].Previous)
	assert.Equal(t, []string{"r1"}, events[0].Excluded)
}

func TestCoordinator_Evaluate_ConflictDiscardsDecision(t *testing.T) {
	f := newFixture([]domain.Runner{runnerAt("r1", 20, 5)}, pendingTask("printing"))
	f.tasks.beforeWrite = func(r *fakeTaskRepo) {
		r.mu.Lock()
		defer r.mu.Unlock()
		t := r.tasks["task-1"]
		t.AssignedRunnerID = "someone"
		r.tasks["task-1"] = t
	}

	vis, err := f.coord.Evaluate(context.Background(), TriggerAPI, "task-1", "r1", t0)
	require.NoError(t, err)
	assert.False(t, vis.Visible)
	assert.Equal(t, 0, f.tasks.writes)
	assert.Empty(t, f.producer.msgs)
	assert.Empty(t, f.tasks.get("task-1").NotifiedRunnerID)
}

func TestCoordinator_Evaluate_LockBusyPeeks(t *testing.T) {
	task := offered(pendingTask("printing"), "r1", t0)
	f := newFixture([]domain.Runner{runnerAt("r2", 20, 5)}, task)
	f.locker.busy["task-1"] = true

	vis, err := f.coord.Evaluate(context.Background(), TriggerAPI, "task-1", "r1", t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.True(t, vis.Visible)

	vis, err = f.coord.Evaluate(context.Background(), TriggerAPI, "task-1", "r1", t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, vis.Visible, "overdue offer is hidden even without rotating")

	assert.Equal(t, 0, f.tasks.writes)
	assert.Equal(t, 0, f.runners.calls)
	assert.Empty(t, f.producer.msgs)
}

func TestCoordinator_Evaluate_NotFound(t *testing.T) {
	f := newFixture(nil)

	vis, err := f.coord.Evaluate(context.Background(), TriggerAPI, "missing", "r1", t0)
	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.False(t, vis.Visible)
	assert.Equal(t, 1, f.locker.released)
}

func TestCoordinator_Evaluate_PoolErrorFailsClosed(t *testing.T) {
	f := newFixture(nil, pendingTask("printing"))
	f.runners.err = assert.AnError

	vis, err := f.coord.Evaluate(context.Background(), TriggerAPI, "task-1", "r1", t0)
	require.ErrorIs(t, err, assert.AnError)
	assert.False(t, vis.Visible)
	assert.Equal(t, 0, f.tasks.writes)
}

func TestCoordinator_Evaluate_PublishFailureKeepsOffer(t *testing.T) {
	f := newFixture([]domain.Runner{runnerAt("r1", 20, 5)}, pendingTask("printing"))
	f.producer.err = assert.AnError

	vis, err := f.coord.Evaluate(context.Background(), TriggerEvent, "task-1", "r1", t0)
	require.NoError(t, err)
	assert.True(t, vis.Visible)
	assert.Equal(t, "r1", f.tasks.get("task-1").NotifiedRunnerID)
}

func TestCoordinator_WithoutLockerOrProducer(t *testing.T) {
	tasks := newFakeTaskRepo(pendingTask("printing"))
	runners := &fakeRunnerRepo{runners: []domain.Runner{runnerAt("r1", 20, 5)}}
	coord := NewCoordinator(NewEngine(), tasks, runners, nil, nil, discardLogger())

	vis, err := coord.Evaluate(context.Background(), TriggerAPI, "task-1", "r1", t0)
	require.NoError(t, err)
	assert.True(t, vis.Visible)
}

// ── sweep ─────────────────────────────────────────────────────────────────────

func taskWithID(id string, t domain.Task) domain.Task {
	t.ID = id
	return t
}

func TestCoordinator_Sweep(t *testing.T) {
	now := t0.Add(2 * time.Minute)
	pool := []domain.Runner{
		freshAt(runnerAt("r1", 20, 5), now),
		freshAt(runnerAt("r2", 100, 4), now),
		freshAt(runnerAt("r3", 300, 4), now),
	}
	done := pendingTask("printing")
	done.Status = domain.StatusCompleted
	f := newFixture(pool,
		taskWithID("fresh", pendingTask("printing")),
		taskWithID("overdue", offered(pendingTask("printing"), "r1", t0)),
		taskWithID("active", offered(pendingTask("printing"), "r2", now.Add(-10*time.Second))),
		taskWithID("done", done),
	)

	stats, err := f.coord.Sweep(context.Background(), now, 100)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Scanned: 3, Offered: 2, Rotated: 1, Skipped: 1}, stats)
	assert.Equal(t, 1, f.runners.calls, "one pool snapshot per sweep")

	assert.Equal(t, "r1", f.tasks.get("fresh").NotifiedRunnerID)
	overdue := f.tasks.get("overdue")
	assert.Equal(t, "r2", overdue.NotifiedRunnerID)
	assert.Equal(t, []string{"r1"}, overdue.ExcludedRunnerIDs)
	assert.Equal(t, "r2", f.tasks.get("active").NotifiedRunnerID)
	assert.Len(t, f.producer.msgs, 2)
}

func TestCoordinator_Sweep_Exhausted(t *testing.T) {
	now := t0.Add(2 * time.Minute)
	f := newFixture([]domain.Runner{freshAt(runnerAt("r1", 20, 5), now)}, offered(pendingTask("printing"), "r1", t0))

	stats, err := f.coord.Sweep(context.Background(), now, 100)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Scanned: 1, Rotated: 1, Exhausted: 1}, stats)

	events := f.producer.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, domain.OfferEventExhausted, events[0].Type)
	assert.Empty(t, events[0].RunnerID)
	assert.Nil(t, events[0].ExpiresAt)

	// Nothing changes on the next pass.
	stats, err = f.coord.Sweep(context.Background(), now.Add(15*time.Second), 100)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Scanned: 1, Skipped: 1}, stats)
	assert.Len(t, f.producer.msgs, 1)
}

func TestCoordinator_Sweep_NothingDueSkipsPool(t *testing.T) {
	f := newFixture(nil, offered(pendingTask("printing"), "r1", t0))

	stats, err := f.coord.Sweep(context.Background(), t0.Add(time.Second), 100)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Scanned: 1, Skipped: 1}, stats)
	assert.Equal(t, 0, f.runners.calls)
}

func TestCoordinator_Sweep_LockedTaskSkipped(t *testing.T) {
	f := newFixture([]domain.Runner{runnerAt("r1", 20, 5)}, pendingTask("printing"))
	f.locker.busy["task-1"] = true

	stats, err := f.coord.Sweep(context.Background(), t0, 100)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Scanned: 1, Skipped: 1}, stats)
	assert.Equal(t, 0, f.tasks.writes)
}

func TestCoordinator_Sweep_RetriesListing(t *testing.T) {
	f := newFixture([]domain.Runner{runnerAt("r1", 20, 5)}, pendingTask("printing"))
	f.tasks.listErrs = []error{assert.AnError}

	stats, err := f.coord.Sweep(context.Background(), t0, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Offered)
}

func TestCoordinator_Sweep_ListingFails(t *testing.T) {
	f := newFixture(nil, pendingTask("printing"))
	f.tasks.listErrs = []error{assert.AnError, assert.AnError, assert.AnError}

	_, err := f.coord.Sweep(context.Background(), t0, 100)
	require.ErrorIs(t, err, assert.AnError)
}

func TestCoordinator_Sweep_PagesThroughAllDispatchable(t *testing.T) {
	f := newFixture([]domain.Runner{runnerAt("r1", 20, 5)},
		taskWithID("a", pendingTask("printing")),
		taskWithID("b", pendingTask("printing")),
	)

	stats, err := f.coord.Sweep(context.Background(), t0, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 2, stats.Offered)
	assert.Equal(t, "r1", f.tasks.get("a").NotifiedRunnerID)
	assert.Equal(t, "r1", f.tasks.get("b").NotifiedRunnerID)
	assert.Equal(t, 3, f.tasks.lists, "two full pages then an empty one")
	assert.Equal(t, 1, f.runners.calls, "one pool snapshot per sweep")
}

func TestCoordinator_Sweep_ReachesTasksBehindAFullPageOfStuckOnes(t *testing.T) {
	exhausted := func(id string, age time.Duration) domain.Task {
		task := taskWithID(id, pendingTask("printing"))
		task.CreatedAt = t0.Add(-age)
		task.ExcludedRunnerIDs = []string{"r1"}
		return task
	}
	active := taskWithID("active-old", offered(pendingTask("printing"), "r1", t0.Add(-10*time.Second)))
	active.CreatedAt = t0.Add(-50 * time.Minute)
	fresh := taskWithID("c-new", pendingTask("printing"))

	f := newFixture([]domain.Runner{runnerAt("r1", 20, 5)},
		exhausted("a-old", time.Hour),
		exhausted("b-old", time.Hour),
		active,
		exhausted("d-old", 40*time.Minute),
		fresh,
	)

	stats, err := f.coord.Sweep(context.Background(), t0, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Scanned)
	assert.Equal(t, 1, stats.Offered)
	assert.Equal(t, "r1", f.tasks.get("c-new").NotifiedRunnerID)
	assert.Empty(t, f.tasks.get("a-old").NotifiedRunnerID)
	assert.Equal(t, "r1", f.tasks.get("active-old").NotifiedRunnerID)
}

func TestCoordinator_Sweep_RejectsNonPositiveBatch(t *testing.T) {
	f := newFixture(nil, pendingTask("printing"))

	_, err := f.coord.Sweep(context.Background(), t0, 0)
	require.Error(t, err)
	assert.Zero(t, f.tasks.lists)
}
