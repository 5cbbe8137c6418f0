package match

import "github.com/gemesa/bindiff/pkg/graph"

// MDIndexStep matches blocks by their structural position digest, computed
// entry-relative (top down) or exit-relative (bottom up). Purely topological:
// it pairs blocks whose instructions changed completely, as long as they
// occupy the same unique position in both graphs.
type MDIndexStep struct {
	bottomUp bool
	name     string
}

const (
	mdIndexTopDownName  = "basicBlock: MD index matching (top down)"
	mdIndexBottomUpName = "basicBlock: MD index matching (bottom up)"
)

// NewMDIndexTopDown positions blocks relative to the function entry.
func NewMDIndexTopDown() *MDIndexStep {
	return &MDIndexStep{name: mdIndexTopDownName}
}

// NewMDIndexBottomUp positions blocks relative to the function exits.
func NewMDIndexBottomUp() *MDIndexStep {
	return &MDIndexStep{bottomUp: true, name: mdIndexBottomUpName}
}

func (s *MDIndexStep) Name() string { return s.name }

func (s *MDIndexStep) FindFixedPoints(primary, secondary *graph.FlowGraph,
	unmatchedPrimary, unmatchedSecondary *VertexSet,
	fp *FixedPoint, mctx *Context) bool {
	return matchUnique(s.name, primary, secondary, unmatchedPrimary, unmatchedSecondary, fp, mctx,
		func(fg *graph.FlowGraph, v int) (uint64, bool) {
			if s.bottomUp {
				return fg.MDIndexBottomUp(v), true
			}
			return fg.MDIndexTopDown(v), true
		})
}
