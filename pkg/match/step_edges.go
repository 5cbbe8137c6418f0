package match

import "github.com/gemesa/bindiff/pkg/graph"

// PropagationStep grows the fixed point outward from pairs that earlier
// steps already accepted: for each matched pair it compares the unmatched
// neighbors on both sides by prime fingerprint and accepts the fingerprints
// unique within those neighborhoods. Restricting the candidate set to one
// anchor's neighborhood makes even small blocks safe to match here, which is
// why this step carries no instruction minimum.
//
// The step only sees anchors that exist when it runs; pairs it accepts
// become anchors for the next driver pass, so propagation walks the graph
// one pass per hop.
type PropagationStep struct {
	predecessors bool
	name         string
}

const (
	edgesSuccessorName   = "basicBlock: edges prime product (successor)"
	edgesPredecessorName = "basicBlock: edges prime product (predecessor)"
)

// NewSuccessorPropagation propagates matches along forward edges.
func NewSuccessorPropagation() *PropagationStep {
	return &PropagationStep{name: edgesSuccessorName}
}

// NewPredecessorPropagation propagates matches along reverse edges.
func NewPredecessorPropagation() *PropagationStep {
	return &PropagationStep{predecessors: true, name: edgesPredecessorName}
}

func (s *PropagationStep) Name() string { return s.name }

func (s *PropagationStep) FindFixedPoints(primary, secondary *graph.FlowGraph,
	unmatchedPrimary, unmatchedSecondary *VertexSet,
	fp *FixedPoint, mctx *Context) bool {

	anchors := fp.Matches()
	matched := false
	for _, anchor := range anchors {
		pn := s.neighbors(primary, anchor.PrimaryVertex)
		sn := s.neighbors(secondary, anchor.SecondaryVertex)

		pIndex := fingerprintIndex(primary, pn, unmatchedPrimary)
		if len(pIndex) == 0 {
			continue
		}
		sIndex := fingerprintIndex(secondary, sn, unmatchedSecondary)

		for print, pv := range pIndex {
			sv, ok := sIndex[print]
			if !ok || len(pv) != 1 || len(sv) != 1 {
				continue
			}
			if accept(pv[0], sv[0], s.name, unmatchedPrimary, unmatchedSecondary, fp, mctx) {
				matched = true
			}
		}
	}
	return matched
}

func (s *PropagationStep) neighbors(fg *graph.FlowGraph, v int) []int {
	if s.predecessors {
		return fg.Predecessors(v)
	}
	return fg.Successors(v)
}

// fingerprintIndex indexes the unmatched members of a neighborhood by prime
// fingerprint.
func fingerprintIndex(fg *graph.FlowGraph, neighborhood []int, unmatched *VertexSet) map[uint64][]int {
	var index map[uint64][]int
	for _, v := range neighborhood {
		if !unmatched.Contains(v) {
			continue
		}
		if index == nil {
			index = make(map[uint64][]int, len(neighborhood))
		}
		index[fg.Fingerprint(v)] = append(index[fg.Fingerprint(v)], v)
	}
	return index
}
