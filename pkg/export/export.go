// Package export lifts program representations into flow graphs the matcher
// consumes. Extraction is a collaborator of the matching core, not part of
// it: exporters produce sealed graphs and a call graph summary, the corpus
// store persists them, and diff sessions never touch raw inputs.
package export

import (
	"fmt"

	"github.com/gemesa/bindiff/pkg/graph"
)

// Result is one binary's exported graphs, ready for corpus storage.
type Result struct {
	CallGraph  *graph.CallGraph
	FlowGraphs []*graph.FlowGraph
}

// functionBase is the synthetic address of the first exported function when
// the input format carries no real addresses (Go/SSA). Functions are spaced
// a page apart, blocks 16 bytes apart, so derived addresses stay unique and
// ordered without colliding with real small-binary layouts.
const (
	functionBase    = 0x400000
	functionSpacing = 0x1000
	blockSpacing    = 0x10
)

func syntheticFunctionAddr(i int) uint64 {
	return functionBase + uint64(i)*functionSpacing
}

func validateResult(r *Result) error {
	if r.CallGraph == nil {
		return fmt.Errorf("export produced no call graph")
	}
	seen := make(map[uint64]string, len(r.FlowGraphs))
	for _, fg := range r.FlowGraphs {
		if prev, dup := seen[fg.Addr]; dup {
			return fmt.Errorf("duplicate function address %#x (%s and %s)", fg.Addr, prev, fg.Name)
		}
		seen[fg.Addr] = fg.Name
	}
	return nil
}
