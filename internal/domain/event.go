package domain

import "time"

// OfferEventType distinguishes the dispatch events published for delivery.
type OfferEventType string

const (
	OfferEventOffered   OfferEventType = "offered"
	OfferEventExhausted OfferEventType = "exhausted"
)

// TaskPendingEvent announces that a task entered the pending state.
type TaskPendingEvent struct {
	TaskID string `json:"task_id"`
}

// OfferEvent is published whenever the persisted offer of a task changes.
type OfferEvent struct {
	EventID   string         `json:"event_id"`
	Type      OfferEventType `json:"type"`
	TaskID    string         `json:"task_id"`
	TaskKind  Kind           `json:"task_kind"`
	RunnerID  string         `json:"runner_id,omitempty"`
	Previous  string         `json:"previous_runner_id,omitempty"`
	OfferedAt *time.Time     `json:"offered_at,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Excluded  []string       `json:"excluded_runner_ids"`
}
