package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/campus-dispatch/internal/domain"
	"github.com/ramiqadoumi/campus-dispatch/internal/geo"
)

// TaskRepository abstracts database access for dispatchable tasks. Writes are
// limited to the three offer fields the dispatch engine owns.
type TaskRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	// ListDispatchable returns up to limit dispatchable tasks strictly after
	// cursor in (created_at, id) order.
	ListDispatchable(ctx context.Context, after Cursor, limit int) ([]*domain.Task, error)
	// UpdateOffer persists after's offer fields only if the row still holds
	// before's notified runner and is still dispatchable. Otherwise it returns
	// ConcurrentWriteConflictError.
	UpdateOffer(ctx context.Context, before, after *domain.Task) error
}

// Cursor is a keyset position in (created_at, id) order. The zero value
// starts before the first task.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorAt returns the position of t, so the next page starts after it.
func CursorAt(t *domain.Task) Cursor {
	return Cursor{CreatedAt: t.CreatedAt, ID: t.ID}
}

// IsZero reports whether c is the starting position.
func (c Cursor) IsZero() bool {
	return c.ID == "" && c.CreatedAt.IsZero()
}

type taskRepository struct {
	pool *pgxpool.Pool
}

// NewTaskRepository wraps a pgxpool with the TaskRepository interface.
func NewTaskRepository(pool *pgxpool.Pool) TaskRepository {
	return &taskRepository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// selectTask joins the poster's profile for the reference location.
const selectTask = `
	SELECT t.id, t.kind, t.categories, t.status, t.poster_id,
	       COALESCE(t.assigned_runner_id, ''), COALESCE(t.notified_runner_id, ''),
	       t.notified_at, t.excluded_runner_ids, COALESCE(t.declined_runner_id, ''),
	       u.latitude, u.longitude, t.created_at, t.updated_at
	FROM tasks t
	LEFT JOIN users u ON u.id = t.poster_id
`

func (r *taskRepository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, selectTask+` WHERE t.id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

func (r *taskRepository) ListDispatchable(ctx context.Context, after Cursor, limit int) ([]*domain.Task, error) {
	var createdAt *time.Time
	if !after.IsZero() {
		createdAt = &after.CreatedAt
	}
	rows, err := r.pool.Query(ctx, selectTask+`
		WHERE t.status = 'pending' AND t.assigned_runner_id IS NULL
		  AND ($1::timestamptz IS NULL OR (t.created_at, t.id) > ($1::timestamptz, $2::text))
		ORDER BY t.created_at ASC, t.id ASC
		LIMIT $3
	`, createdAt, after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list dispatchable tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (r *taskRepository) UpdateOffer(ctx context.Context, before, after *domain.Task) error {
	excluded := after.ExcludedRunnerIDs
	if excluded == nil {
		excluded = []string{}
	}
	// excluded_runner_ids <@ $3 keeps the exclusion list append-only even
	// against writers that raced past the notified-runner check.
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET notified_runner_id = NULLIF($1, ''),
		    notified_at = $2,
		    excluded_runner_ids = $3,
		    updated_at = $4
		WHERE id = $5
		  AND status = 'pending'
		  AND assigned_runner_id IS NULL
		  AND notified_runner_id IS NOT DISTINCT FROM NULLIF($6, '')
		  AND excluded_runner_ids <@ $3::text[]
	`,
		after.NotifiedRunnerID, after.NotifiedAt, excluded, time.Now().UTC(),
		after.ID, before.NotifiedRunnerID,
	)
	if err != nil {
		return fmt.Errorf("update offer for task %s: %w", after.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.ConcurrentWriteConflictError{TaskID: after.ID, ExpectedNotified: before.NotifiedRunnerID}
	}
	return nil
}

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.Task, error) {
	var (
		task     domain.Task
		kind     string
		status   string
		lat, lon *float64
	)
	err := row.Scan(
		&task.ID, &kind, &task.Categories, &status, &task.PosterID,
		&task.AssignedRunnerID, &task.NotifiedRunnerID,
		&task.NotifiedAt, &task.ExcludedRunnerIDs, &task.DeclinedRunnerID,
		&lat, &lon, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	task.Kind = domain.Kind(kind)
	task.Status = domain.Status(status)
	task.PosterLocation = point(lat, lon)
	return &task, nil
}

func point(lat, lon *float64) *geo.Point {
	if lat == nil || lon == nil {
		return nil
	}
	return &geo.Point{Lat: *lat, Lon: *lon}
}
