// Package ranking narrows the runner pool to eligible candidates for a task
// and orders them by a weighted distance/rating/affinity score.
package ranking

import "time"

// Policy holds the eligibility windows and score weights.
type Policy struct {
	RadiusMeters    float64
	HeartbeatWindow time.Duration
	LocationWindow  time.Duration

	DistanceWeight float64
	RatingWeight   float64
	AffinityWeight float64
	MaxRating      float64
}

// DefaultPolicy returns the campus geofence and 40/35/25 weighting.
func DefaultPolicy() Policy {
	return Policy{
		RadiusMeters:    500,
		HeartbeatWindow: 2 * time.Minute,
		LocationWindow:  90 * time.Second,
		DistanceWeight:  0.40,
		RatingWeight:    0.35,
		AffinityWeight:  0.25,
		MaxRating:       5,
	}
}

func (p Policy) withinRadius(distance float64) bool {
	return distance <= p.RadiusMeters
}
