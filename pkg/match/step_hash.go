package match

import "github.com/gemesa/bindiff/pkg/graph"

// IdenticalHashStep matches blocks by the order-sensitive content hash:
// same instructions, same order. The most specific heuristic in the
// catalogue, so it runs first.
type IdenticalHashStep struct{}

const identicalHashName = "basicBlock: identical hash matching"

func (IdenticalHashStep) Name() string { return identicalHashName }

func (IdenticalHashStep) FindFixedPoints(primary, secondary *graph.FlowGraph,
	unmatchedPrimary, unmatchedSecondary *VertexSet,
	fp *FixedPoint, mctx *Context) bool {
	return matchUnique(identicalHashName, primary, secondary, unmatchedPrimary, unmatchedSecondary, fp, mctx,
		func(fg *graph.FlowGraph, v int) (uint64, bool) {
			if fg.InstructionCount(v) == 0 {
				return 0, false
			}
			return fg.ContentHash(v), true
		})
}
