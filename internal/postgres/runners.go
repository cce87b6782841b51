package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/campus-dispatch/internal/domain"
)

// RunnerRepository reads the runner pool and completed-task histories.
type RunnerRepository interface {
	// ListPresent returns available runners heard from at or after seenSince,
	// each with its completed-task category history.
	ListPresent(ctx context.Context, seenSince time.Time) ([]domain.Runner, error)
	Ping(ctx context.Context) error
}

type runnerRepository struct {
	pool *pgxpool.Pool
}

// NewRunnerRepository wraps a pgxpool with the RunnerRepository interface.
func NewRunnerRepository(pool *pgxpool.Pool) RunnerRepository {
	return &runnerRepository{pool: pool}
}

func (r *runnerRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *runnerRepository) ListPresent(ctx context.Context, seenSince time.Time) ([]domain.Runner, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT u.id, u.latitude, u.longitude, u.is_available, u.last_seen_at,
		       u.location_updated_at, u.average_rating
		FROM users u
		WHERE u.is_available AND u.last_seen_at >= $1
		ORDER BY u.id
	`, seenSince)
	if err != nil {
		return nil, fmt.Errorf("list present runners: %w", err)
	}
	defer rows.Close()

	var (
		runners []domain.Runner
		ids     []string
	)
	for rows.Next() {
		var (
			rn       domain.Runner
			lat, lon *float64
		)
		if err := rows.Scan(
			&rn.ID, &lat, &lon, &rn.Available, &rn.LastSeenAt,
			&rn.LocationUpdatedAt, &rn.AverageRating,
		); err != nil {
			return nil, fmt.Errorf("scan runner: %w", err)
		}
		rn.Location = point(lat, lon)
		runners = append(runners, rn)
		ids = append(ids, rn.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(runners) == 0 {
		return runners, nil
	}

	history, err := r.histories(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range runners {
		runners[i].History = history[runners[i].ID]
	}
	return runners, nil
}

// histories loads one category set per completed task for each runner.
func (r *runnerRepository) histories(ctx context.Context, runnerIDs []string) (map[string][][]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT assigned_runner_id, categories
		FROM tasks
		WHERE status = 'completed' AND assigned_runner_id = ANY($1)
	`, runnerIDs)
	if err != nil {
		return nil, fmt.Errorf("load completed-task histories: %w", err)
	}
	defer rows.Close()

	out := make(map[string][][]string, len(runnerIDs))
	for rows.Next() {
		var (
			runnerID   string
			categories []string
		)
		if err := rows.Scan(&runnerID, &categories); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out[runnerID] = append(out[runnerID], categories)
	}
	return out, rows.Err()
}
