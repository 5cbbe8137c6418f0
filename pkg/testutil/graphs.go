package testutil

import (
	"testing"

	"github.com/gemesa/bindiff/pkg/graph"
)

// Block builds a basic block at the given index from bare mnemonics.
// Exported for use in external test packages.
func Block(index int, mnemonics ...string) graph.BasicBlock {
	instrs := make([]graph.Instruction, len(mnemonics))
	for i, m := range mnemonics {
		instrs[i] = graph.Instruction{Mnemonic: m}
	}
	return graph.BasicBlock{
		Index:        index,
		Addr:         0x1000 + uint64(index)*0x10,
		Instructions: instrs,
	}
}

// Graph seals a flow graph from blocks and edges, failing the test on error.
// Exported for use in external test packages.
func Graph(t *testing.T, name string, blocks []graph.BasicBlock, edges []graph.Edge) *graph.FlowGraph {
	t.Helper()
	fg, err := graph.NewFlowGraph(name, 0x400000, blocks, edges)
	if err != nil {
		t.Fatalf("NewFlowGraph(%s): %v", name, err)
	}
	if err := fg.Seal(); err != nil {
		t.Fatalf("Seal(%s): %v", name, err)
	}
	return fg
}

// Linear builds a straight-line graph with one block per mnemonic list,
// connected by unconditional edges in index order.
// Exported for use in external test packages.
func Linear(t *testing.T, name string, blocks ...[]string) *graph.FlowGraph {
	t.Helper()
	bbs := make([]graph.BasicBlock, len(blocks))
	for i, mnems := range blocks {
		bbs[i] = Block(i, mnems...)
	}
	var edges []graph.Edge
	for i := 0; i+1 < len(blocks); i++ {
		edges = append(edges, graph.Edge{From: i, To: i + 1, Kind: graph.EdgeUnconditional})
	}
	return Graph(t, name, bbs, edges)
}

// Diamond builds the four-block if/else shape used across matcher tests:
// entry branching to two arms that rejoin at a single exit. Each arm gets
// the mnemonics supplied for it, entry and exit get fixed bodies.
// Exported for use in external test packages.
func Diamond(t *testing.T, name string, leftArm, rightArm []string) *graph.FlowGraph {
	t.Helper()
	blocks := []graph.BasicBlock{
		Block(0, "cmp", "jne"),
		Block(1, leftArm...),
		Block(2, rightArm...),
		Block(3, "ret"),
	}
	edges := []graph.Edge{
		{From: 0, To: 1, Kind: graph.EdgeTrue},
		{From: 0, To: 2, Kind: graph.EdgeFalse},
		{From: 1, To: 3, Kind: graph.EdgeUnconditional},
		{From: 2, To: 3, Kind: graph.EdgeUnconditional},
	}
	return Graph(t, name, blocks, edges)
}
