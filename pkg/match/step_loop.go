package match

import "github.com/gemesa/bindiff/pkg/graph"

// LoopEntryStep matches loop head blocks by fingerprint. Restricting the
// candidate pool to loop heads disambiguates fingerprints that collide in
// the full block population, so it runs after the unrestricted prime step
// and picks up what that one had to defer.
type LoopEntryStep struct{}

const loopEntryName = "basicBlock: loop entry matching"

func (LoopEntryStep) Name() string { return loopEntryName }

func (LoopEntryStep) FindFixedPoints(primary, secondary *graph.FlowGraph,
	unmatchedPrimary, unmatchedSecondary *VertexSet,
	fp *FixedPoint, mctx *Context) bool {
	return matchUnique(loopEntryName, primary, secondary,
		unmatchedPrimary, unmatchedSecondary, fp, mctx,
		func(fg *graph.FlowGraph, v int) (uint64, bool) {
			if !fg.IsLoopHead(v) {
				return 0, false
			}
			return fg.Fingerprint(v), true
		})
}
