package domain

import (
	"slices"
	"time"

	"github.com/ramiqadoumi/campus-dispatch/internal/affinity"
	"github.com/ramiqadoumi/campus-dispatch/internal/geo"
)

// Status represents the states a task can be in.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusDelivered  Status = "delivered"
)

// IsTerminal returns true once the task can no longer be offered to anyone.
func (s Status) IsTerminal() bool {
	return s != StatusPending
}

// Kind discriminates the two task flavours posted by callers.
type Kind string

const (
	KindErrand     Kind = "errand"
	KindCommission Kind = "commission"
)

// Task is an errand or commission awaiting a runner.
type Task struct {
	ID                string     `json:"id"`
	Kind              Kind       `json:"kind"`
	Categories        []string   `json:"categories"`
	Status            Status     `json:"status"`
	PosterID          string     `json:"poster_id"`
	AssignedRunnerID  string     `json:"assigned_runner_id,omitempty"`
	NotifiedRunnerID  string     `json:"notified_runner_id,omitempty"`
	NotifiedAt        *time.Time `json:"notified_at,omitempty"`
	ExcludedRunnerIDs []string   `json:"excluded_runner_ids"`
	DeclinedRunnerID  string     `json:"declined_runner_id,omitempty"`
	PosterLocation    *geo.Point `json:"poster_location,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// CategoryList returns the normalized categories used for affinity scoring.
// An errand carries a single category; extra labels are ignored.
func (t *Task) CategoryList() []string {
	cats := affinity.Normalize(t.Categories)
	if t.Kind == KindErrand && len(cats) > 1 {
		return cats[:1]
	}
	return cats
}

// Declined returns the runner the poster rejected. Only commissions have one.
func (t *Task) Declined() string {
	if t.Kind != KindCommission {
		return ""
	}
	return t.DeclinedRunnerID
}

// Dispatchable reports whether the dispatch engine still owns this task.
func (t *Task) Dispatchable() bool {
	return t.Status == StatusPending && t.AssignedRunnerID == ""
}

// IsExcluded reports whether runnerID already timed out or was excluded.
func (t *Task) IsExcluded(runnerID string) bool {
	return slices.Contains(t.ExcludedRunnerIDs, runnerID)
}

// Clone returns a copy that shares no mutable state with t.
func (t *Task) Clone() Task {
	c := *t
	c.Categories = slices.Clone(t.Categories)
	c.ExcludedRunnerIDs = slices.Clone(t.ExcludedRunnerIDs)
	if t.NotifiedAt != nil {
		at := *t.NotifiedAt
		c.NotifiedAt = &at
	}
	if t.PosterLocation != nil {
		loc := *t.PosterLocation
		c.PosterLocation = &loc
	}
	return c
}

// Runner is a user who can take tasks.
type Runner struct {
	ID                string     `json:"id"`
	Location          *geo.Point `json:"location,omitempty"`
	Available         bool       `json:"available"`
	LastSeenAt        time.Time  `json:"last_seen_at"`
	LocationUpdatedAt *time.Time `json:"location_updated_at,omitempty"`
	AverageRating     float64    `json:"average_rating"`
	// History holds one category set per completed task.
	History [][]string `json:"history"`
}
