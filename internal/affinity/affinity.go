// Package affinity scores how well a task's categories match a runner's
// completed-task history using TF-IDF weighted cosine similarity over a
// two-document corpus: the task's category list and the runner's history.
package affinity

import (
	"maps"
	"math"
	"slices"
	"strings"
)

// SharedTermIDF replaces ln(2/2) = 0 for terms present in both documents so
// that a perfect category match still carries weight.
const SharedTermIDF = 0.1

const corpusSize = 2

// Vector is a sparse TF-IDF vector keyed by category term.
type Vector map[string]float64

// Normalize lowercases and trims labels, dropping any that end up empty.
// Order and duplicates are preserved.
func Normalize(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" {
			continue
		}
		out = append(out, l)
	}
	return out
}

// Score returns the affinity in [0, 1] between task categories and a runner
// history (one category set per completed task). Either side empty scores 0.
func Score(task []string, history [][]string) float64 {
	task = Normalize(task)
	if len(task) == 0 || len(history) == 0 {
		return 0
	}

	taskTerms := distinct(task)
	historyTerms := make(map[string]struct{})
	for _, entry := range history {
		for t := range distinct(Normalize(entry)) {
			historyTerms[t] = struct{}{}
		}
	}
	if len(historyTerms) == 0 {
		return 0
	}

	idf := func(term string) float64 {
		_, inTask := taskTerms[term]
		_, inHistory := historyTerms[term]
		df := 0
		if inTask {
			df++
		}
		if inHistory {
			df++
		}
		switch df {
		case corpusSize:
			return SharedTermIDF
		case 0:
			return 0
		default:
			return math.Log(float64(corpusSize) / float64(df))
		}
	}

	return Cosine(TaskVector(task, idf), HistoryVector(history, idf))
}

// TaskVector weights each term by occurrences/len(task) times idf(term).
// task is expected to be normalized already.
func TaskVector(task []string, idf func(string) float64) Vector {
	v := make(Vector)
	if len(task) == 0 {
		return v
	}
	counts := make(map[string]int, len(task))
	for _, t := range task {
		counts[t]++
	}
	n := float64(len(task))
	for t, c := range counts {
		v[t] = float64(c) / n * idf(t)
	}
	return v
}

// HistoryVector weights each term by the fraction of completed tasks that
// carry it, times idf(term). A task repeating a label counts once.
func HistoryVector(history [][]string, idf func(string) float64) Vector {
	v := make(Vector)
	if len(history) == 0 {
		return v
	}
	containing := make(map[string]int)
	for _, entry := range history {
		for t := range distinct(Normalize(entry)) {
			containing[t]++
		}
	}
	n := float64(len(history))
	for t, c := range containing {
		v[t] = float64(c) / n * idf(t)
	}
	return v
}

// Cosine is the dot product of a and b over the product of their magnitudes.
// It is 0 when either magnitude is 0 or the result is NaN.
// Sums run in term order so equal inputs give bit-identical results.
func Cosine(a, b Vector) float64 {
	var dot, magA, magB float64
	for _, t := range slices.Sorted(maps.Keys(a)) {
		wa := a[t]
		magA += wa * wa
		dot += wa * b[t]
	}
	for _, t := range slices.Sorted(maps.Keys(b)) {
		magB += b[t] * b[t]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(magA) * math.Sqrt(magB))
	if math.IsNaN(sim) {
		return 0
	}
	return sim
}

func distinct(terms []string) map[string]struct{} {
	set := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		set[t] = struct{}{}
	}
	return set
}
