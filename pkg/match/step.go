package match

import (
	"sort"

	"github.com/gemesa/bindiff/pkg/graph"
)

// Step is one matching heuristic. Implementations must not mutate graph
// topology; the only permitted effects are adding pairs to the fixed point,
// shrinking the vertex sets accordingly, and recording statistics. The
// return value reports whether at least one new pair was accepted, which the
// Driver uses to decide on another pass.
//
// A step never fails: finding nothing is the common, expected outcome, and
// ambiguity is deferral, not an error.
type Step interface {
	Name() string
	FindFixedPoints(primary, secondary *graph.FlowGraph,
		unmatchedPrimary, unmatchedSecondary *VertexSet,
		fp *FixedPoint, mctx *Context) bool
}

// featureFunc derives one comparison key for a vertex. ok=false excludes the
// vertex from this step entirely (applicability filter).
type featureFunc func(fg *graph.FlowGraph, v int) (key uint64, ok bool)

// accept records the pair (p, s) everywhere it needs to land: fixed point,
// both vertex sets, and the session statistics. It re-checks eligibility so
// propagation steps that accept while iterating stay safe.
func accept(p, s int, step string,
	unmatchedPrimary, unmatchedSecondary *VertexSet,
	fp *FixedPoint, mctx *Context) bool {
	if !unmatchedPrimary.Contains(p) || !unmatchedSecondary.Contains(s) {
		return false
	}
	if !fp.Add(p, s, step) {
		return false
	}
	unmatchedPrimary.Remove(p)
	unmatchedSecondary.Remove(s)
	if mctx != nil {
		mctx.RecordMatch(step, 1)
	}
	return true
}

// matchUnique is the pairing rule most heuristics share: index the eligible
// unmatched vertices of each side by a derived feature and accept exactly
// the features that identify one vertex per side. Features with multiple
// owners on either side are skipped, leaving them to later, more
// discriminating steps.
func matchUnique(stepName string,
	primary, secondary *graph.FlowGraph,
	unmatchedPrimary, unmatchedSecondary *VertexSet,
	fp *FixedPoint, mctx *Context,
	feature featureFunc) bool {

	primaryIndex := buildFeatureIndex(primary, unmatchedPrimary, feature)
	if len(primaryIndex) == 0 {
		return false
	}
	secondaryIndex := buildFeatureIndex(secondary, unmatchedSecondary, feature)
	if len(secondaryIndex) == 0 {
		return false
	}

	// Deterministic acceptance order: ascending feature value.
	keys := make([]uint64, 0, len(primaryIndex))
	for k := range primaryIndex {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	matched := false
	for _, k := range keys {
		pv := primaryIndex[k]
		sv, ok := secondaryIndex[k]
		if !ok || len(pv) != 1 || len(sv) != 1 {
			continue
		}
		if accept(pv[0], sv[0], stepName, unmatchedPrimary, unmatchedSecondary, fp, mctx) {
			matched = true
		}
	}
	return matched
}

// buildFeatureIndex maps feature values to the eligible unmatched vertices
// sharing them. Built fresh per invocation and never persisted.
func buildFeatureIndex(fg *graph.FlowGraph, unmatched *VertexSet, feature featureFunc) map[uint64][]int {
	index := make(map[uint64][]int)
	for _, v := range unmatched.Sorted() {
		key, ok := feature(fg, v)
		if !ok {
			continue
		}
		index[key] = append(index[key], v)
	}
	return index
}
