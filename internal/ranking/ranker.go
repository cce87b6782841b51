package ranking

import (
	"cmp"
	"math"
	"slices"
)

// Scored is a candidate with its component and final scores.
type Scored struct {
	Candidate
	DistanceScore float64 `json:"distance_score"`
	RatingScore   float64 `json:"rating_score"`
	AffinityScore float64 `json:"affinity_score"`
	Final         float64 `json:"final_score"`
}

// Score computes the weighted score of c. Distance falls off linearly to 0 at
// the radius; rating is scaled by MaxRating.
func (p Policy) Score(c Candidate) Scored {
	s := Scored{Candidate: c}
	if p.RadiusMeters > 0 {
		s.DistanceScore = math.Max(0, 1-c.Distance/p.RadiusMeters)
	}
	if p.MaxRating > 0 {
		s.RatingScore = math.Min(1, math.Max(0, c.Rating/p.MaxRating))
	}
	s.AffinityScore = c.Affinity
	s.Final = p.DistanceWeight*s.DistanceScore +
		p.RatingWeight*s.RatingScore +
		p.AffinityWeight*s.AffinityScore
	return s
}

// Rank scores candidates and orders them by final score descending. Ties go
// to the closer runner, then to the lower runner ID.
func Rank(candidates []Candidate, p Policy) []Scored {
	ranked := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		ranked = append(ranked, p.Score(c))
	}
	slices.SortFunc(ranked, func(a, b Scored) int {
		if c := cmp.Compare(b.Final, a.Final); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return cmp.Compare(a.RunnerID, b.RunnerID)
	})
	return ranked
}

// Select returns the top-ranked candidate; ok is false when ranked is empty.
func Select(ranked []Scored) (top Scored, ok bool) {
	if len(ranked) == 0 {
		return Scored{}, false
	}
	return ranked[0], true
}
