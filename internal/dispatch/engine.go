// Package dispatch decides which runner is offered a pending task and
// rotates the offer when the notified runner does not respond in time.
//
// Engine is a pure function of a task snapshot, a runner pool snapshot and a
// clock reading. Coordinator wraps it with locking, persistence and events.
package dispatch

import (
	"slices"
	"time"

	"github.com/ramiqadoumi/campus-dispatch/internal/domain"
	"github.com/ramiqadoumi/campus-dispatch/internal/ranking"
)

// DecisionKind is the outcome of one evaluation.
type DecisionKind string

const (
	OfferedTo           DecisionKind = "offered_to"
	NoEligibleCandidate DecisionKind = "no_eligible_candidate"
	Unchanged           DecisionKind = "unchanged"
)

// Decision names the outcome and, for OfferedTo and Unchanged offers, the runner.
type Decision struct {
	Kind     DecisionKind `json:"kind"`
	RunnerID string       `json:"runner_id,omitempty"`
}

// Result is the full outcome of an evaluation.
type Result struct {
	Decision Decision
	// Task is the post-evaluation snapshot. It never aliases the input.
	Task domain.Task
	// Changed is true when Task differs from the input in an owned field.
	Changed bool
	// RotatedOut is the runner excluded by this evaluation's timeout, if any.
	RotatedOut string
	// Ranked holds the scored candidates when selection ran.
	Ranked []ranking.Scored
	// Cause explains a NoEligibleCandidate that is not an empty pool.
	Cause error
}

// Option configures an Engine.
type Option func(*Engine)

func WithPolicy(p ranking.Policy) Option       { return func(e *Engine) { e.policy = p } }
func WithOfferTimeout(d time.Duration) Option { return func(e *Engine) { e.timeout = d } }

// Engine evaluates dispatch decisions. It holds no mutable state and is safe
// for concurrent use.
type Engine struct {
	policy  ranking.Policy
	timeout time.Duration
}

// NewEngine returns an Engine with the default policy and 60s offer timeout.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		policy:  ranking.DefaultPolicy(),
		timeout: DefaultOfferTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OfferTimeout returns the response window of an offer.
func (e *Engine) OfferTimeout() time.Duration { return e.timeout }

// Policy returns the eligibility and scoring policy.
func (e *Engine) Policy() ranking.Policy { return e.policy }

// Evaluate runs one evaluation of task against pool at now.
func (e *Engine) Evaluate(task domain.Task, pool []domain.Runner, now time.Time) Result {
	return e.EvaluateFor(task, pool, "", now)
}

// EvaluateFor is Evaluate on behalf of a requesting runner. The requester only
// matters for category-less tasks, where ranking carries no signal and an
// eligible requester is offered the task directly.
func (e *Engine) EvaluateFor(task domain.Task, pool []domain.Runner, requester string, now time.Time) Result {
	res := Result{Task: task.Clone()}

	switch StateOf(&task, now, e.timeout) {
	case StateTerminal:
		res.Decision = Decision{Kind: Unchanged}
		return res
	case StateOffered:
		res.Decision = Decision{Kind: Unchanged, RunnerID: task.NotifiedRunnerID}
		return res
	case StateOverdue:
		res.RotatedOut = task.NotifiedRunnerID
		if !res.Task.IsExcluded(res.RotatedOut) {
			res.Task.ExcludedRunnerIDs = append(res.Task.ExcludedRunnerIDs, res.RotatedOut)
		}
		res.Task.NotifiedRunnerID = ""
		res.Task.NotifiedAt = nil
		res.Changed = true
	}

	candidates, err := ranking.Filter(&res.Task, pool, now, e.policy)
	if err != nil {
		res.Cause = err
		res.Decision = Decision{Kind: NoEligibleCandidate}
		return res
	}

	res.Ranked = ranking.Rank(candidates, e.policy)
	top, ok := e.pick(&res.Task, res.Ranked, requester)
	if !ok {
		res.Decision = Decision{Kind: NoEligibleCandidate}
		return res
	}

	at := now
	res.Task.NotifiedRunnerID = top.RunnerID
	res.Task.NotifiedAt = &at
	res.Changed = true
	res.Decision = Decision{Kind: OfferedTo, RunnerID: top.RunnerID}
	return res
}

// IsVisibleTo reports whether task, after any due rotation, is offered to
// runnerID. The returned Result must be persisted when Changed is set.
func (e *Engine) IsVisibleTo(task domain.Task, runnerID string, pool []domain.Runner, now time.Time) (bool, Result) {
	res := e.EvaluateFor(task, pool, runnerID, now)
	return Visible(&res.Task, runnerID, now, e.timeout), res
}

// Visible is the read-only visibility check against a persisted snapshot:
// true only while the offer to runnerID is inside its window.
func Visible(task *domain.Task, runnerID string, now time.Time, timeout time.Duration) bool {
	if runnerID == "" || task.NotifiedRunnerID != runnerID {
		return false
	}
	return StateOf(task, now, timeout) == StateOffered
}

func (e *Engine) pick(task *domain.Task, ranked []ranking.Scored, requester string) (ranking.Scored, bool) {
	if requester != "" && len(task.CategoryList()) == 0 {
		i := slices.IndexFunc(ranked, func(s ranking.Scored) bool { return s.RunnerID == requester })
		if i >= 0 {
			return ranked[i], true
		}
	}
	return ranking.Select(ranked)
}
