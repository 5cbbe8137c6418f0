package match

import "github.com/gemesa/bindiff/pkg/graph"

// CallRefStep matches blocks by the multiset of call targets they reference.
// Call targets travel by symbol name, so the feature survives address-space
// changes between builds. Blocks without calls are not indexed.
type CallRefStep struct{}

const callRefName = "basicBlock: call reference matching"

func (CallRefStep) Name() string { return callRefName }

func (CallRefStep) FindFixedPoints(primary, secondary *graph.FlowGraph,
	unmatchedPrimary, unmatchedSecondary *VertexSet,
	fp *FixedPoint, mctx *Context) bool {
	return matchUnique(callRefName, primary, secondary, unmatchedPrimary, unmatchedSecondary, fp, mctx,
		func(fg *graph.FlowGraph, v int) (uint64, bool) {
			d := fg.CallRefDigest(v)
			return d, d != 0
		})
}

// StringRefStep matches blocks by the multiset of string literals they
// reference. String references are among the most stable features across
// versions; blocks without string references are not indexed.
type StringRefStep struct{}

const stringRefName = "basicBlock: string reference matching"

func (StringRefStep) Name() string { return stringRefName }

func (StringRefStep) FindFixedPoints(primary, secondary *graph.FlowGraph,
	unmatchedPrimary, unmatchedSecondary *VertexSet,
	fp *FixedPoint, mctx *Context) bool {
	return matchUnique(stringRefName, primary, secondary, unmatchedPrimary, unmatchedSecondary, fp, mctx,
		func(fg *graph.FlowGraph, v int) (uint64, bool) {
			d := fg.StringRefDigest(v)
			return d, d != 0
		})
}
