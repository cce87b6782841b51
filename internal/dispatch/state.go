package dispatch

import (
	"time"

	"github.com/ramiqadoumi/campus-dispatch/internal/domain"
)

// DefaultOfferTimeout is how long a notified runner has to respond.
const DefaultOfferTimeout = 60 * time.Second

// State is the dispatch state of a task at an instant.
type State int

const (
	// StateUnassigned: no runner notified and nobody excluded yet.
	StateUnassigned State = iota
	// StateOffered: one runner notified and inside the response window.
	StateOffered
	// StateOverdue: one runner notified whose window has elapsed.
	StateOverdue
	// StateExhausted: no runner notified, prior offerees excluded. Behaves
	// like StateUnassigned until the runner pool changes.
	StateExhausted
	// StateTerminal: accepted or no longer pending.
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateUnassigned:
		return "unassigned"
	case StateOffered:
		return "offered"
	case StateOverdue:
		return "overdue"
	case StateExhausted:
		return "exhausted"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// StateOf classifies task at now given the offer timeout.
func StateOf(task *domain.Task, now time.Time, timeout time.Duration) State {
	switch {
	case !task.Dispatchable():
		return StateTerminal
	case task.NotifiedRunnerID != "":
		if task.NotifiedAt == nil || now.Sub(*task.NotifiedAt) >= timeout {
			return StateOverdue
		}
		return StateOffered
	case len(task.ExcludedRunnerIDs) > 0:
		return StateExhausted
	default:
		return StateUnassigned
	}
}

// OfferExpiresAt returns when the current offer lapses, or nil if none.
func OfferExpiresAt(task *domain.Task, timeout time.Duration) *time.Time {
	if task.NotifiedRunnerID == "" || task.NotifiedAt == nil {
		return nil
	}
	at := task.NotifiedAt.Add(timeout)
	return &at
}
