package match

import "github.com/gemesa/bindiff/pkg/graph"

// EntryPointStep pairs the two function entry blocks. Both functions were
// already paired at the call-graph level, so their entries correspond by
// construction; this anchor is what lets propagation start on functions
// whose block content changed everywhere.
type EntryPointStep struct{}

const entryPointName = "basicBlock: entry point matching"

func (EntryPointStep) Name() string { return entryPointName }

func (EntryPointStep) FindFixedPoints(primary, secondary *graph.FlowGraph,
	unmatchedPrimary, unmatchedSecondary *VertexSet,
	fp *FixedPoint, mctx *Context) bool {
	pe, se := primary.EntryVertex(), secondary.EntryVertex()
	if pe < 0 || se < 0 {
		return false
	}
	return accept(pe, se, entryPointName, unmatchedPrimary, unmatchedSecondary, fp, mctx)
}

// ExitPointStep pairs the terminal blocks when each side has exactly one
// unmatched exit. Multiple exits are ambiguous and left for other steps.
type ExitPointStep struct{}

const exitPointName = "basicBlock: exit point matching"

func (ExitPointStep) Name() string { return exitPointName }

func (ExitPointStep) FindFixedPoints(primary, secondary *graph.FlowGraph,
	unmatchedPrimary, unmatchedSecondary *VertexSet,
	fp *FixedPoint, mctx *Context) bool {
	pe := soleUnmatchedExit(primary, unmatchedPrimary)
	if pe < 0 {
		return false
	}
	se := soleUnmatchedExit(secondary, unmatchedSecondary)
	if se < 0 {
		return false
	}
	return accept(pe, se, exitPointName, unmatchedPrimary, unmatchedSecondary, fp, mctx)
}

func soleUnmatchedExit(fg *graph.FlowGraph, unmatched *VertexSet) int {
	exit := -1
	for _, v := range unmatched.Sorted() {
		if !fg.IsExit(v) {
			continue
		}
		if exit >= 0 {
			return -1
		}
		exit = v
	}
	return exit
}
