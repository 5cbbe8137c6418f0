package match

import "github.com/gemesa/bindiff/pkg/graph"

// InstructionCountStep matches blocks whose instruction count is unique on
// both sides. The weakest signal in the catalogue: it only decides anything
// on graphs small enough for a raw count to single out a block, which is
// exactly where it is still reliable.
type InstructionCountStep struct{}

const instructionCountName = "basicBlock: instruction count matching"

func (InstructionCountStep) Name() string { return instructionCountName }

func (InstructionCountStep) FindFixedPoints(primary, secondary *graph.FlowGraph,
	unmatchedPrimary, unmatchedSecondary *VertexSet,
	fp *FixedPoint, mctx *Context) bool {
	return matchUnique(instructionCountName, primary, secondary,
		unmatchedPrimary, unmatchedSecondary, fp, mctx,
		func(fg *graph.FlowGraph, v int) (uint64, bool) {
			n := fg.InstructionCount(v)
			if n == 0 {
				return 0, false
			}
			return uint64(n), true
		})
}
