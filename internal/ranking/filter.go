package ranking

import (
	"time"

	"github.com/ramiqadoumi/campus-dispatch/internal/affinity"
	"github.com/ramiqadoumi/campus-dispatch/internal/domain"
	"github.com/ramiqadoumi/campus-dispatch/internal/geo"
)

// Candidate is a runner that passed the eligibility predicate for a task.
type Candidate struct {
	RunnerID string  `json:"runner_id"`
	Distance float64 `json:"distance_m"`
	Rating   float64 `json:"rating"`
	Affinity float64 `json:"affinity"`
	// StaleLocation marks a runner ranked on a location fix older than the
	// location window.
	StaleLocation bool `json:"stale_location,omitempty"`
}

// Filter returns the runners of pool eligible for task at now, in pool order.
//
// A runner is eligible when it is available, has heartbeated within the
// heartbeat window, has a location on file within the radius of the poster,
// and has been neither excluded from nor declined for this task. A location
// fix older than the location window is still used while the heartbeat is
// fresh; such candidates are flagged StaleLocation.
func Filter(task *domain.Task, pool []domain.Runner, now time.Time, p Policy) ([]Candidate, error) {
	if task.PosterLocation == nil {
		return nil, &domain.MissingReferenceLocationError{TaskID: task.ID, PosterID: task.PosterID}
	}

	categories := task.CategoryList()
	declined := task.Declined()

	out := make([]Candidate, 0, len(pool))
	for i := range pool {
		r := &pool[i]
		if !present(r, now, p) || r.Location == nil {
			continue
		}
		if task.IsExcluded(r.ID) || (declined != "" && r.ID == declined) {
			continue
		}
		d, err := geo.DistanceMeters(*r.Location, *task.PosterLocation)
		if err != nil || !p.withinRadius(d) {
			continue
		}
		out = append(out, Candidate{
			RunnerID: r.ID,
			Distance: d,
			Rating:   r.AverageRating,
			Affinity: affinity.Score(categories, r.History),

			StaleLocation: r.LocationUpdatedAt != nil && now.Sub(*r.LocationUpdatedAt) > p.LocationWindow,
		})
	}
	return out, nil
}

// present reports whether r is available and its app heartbeat is recent.
func present(r *domain.Runner, now time.Time, p Policy) bool {
	return r.Available && now.Sub(r.LastSeenAt) <= p.HeartbeatWindow
}
