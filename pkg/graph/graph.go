// Package graph holds the control-flow data model consumed by the matching
// engine: flow graphs (one per function, vertices are basic blocks), call
// graphs (one per binary), and the per-block feature extraction used to
// compare blocks cheaply.
package graph

import (
	"fmt"
	"hash/fnv"
	"sort"
)

// EdgeKind classifies a control transfer between two basic blocks.
type EdgeKind uint8

const (
	EdgeUnconditional EdgeKind = iota
	EdgeTrue
	EdgeFalse
	EdgeSwitch
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeUnconditional:
		return "unconditional"
	case EdgeTrue:
		return "true"
	case EdgeFalse:
		return "false"
	case EdgeSwitch:
		return "switch"
	}
	return "unknown"
}

// Instruction is one disassembled (or lifted) instruction in a basic block.
// Mnemonic is normalized lowercase; Operands is a coarse shape string such as
// "reg,imm", not the literal operand text.
type Instruction struct {
	Mnemonic string
	Operands string
}

// BasicBlock is one vertex of a FlowGraph. Calls and Strings record outgoing
// call targets (symbol names where known) and referenced string literals;
// both are comparable across binaries, unlike raw addresses.
type BasicBlock struct {
	Index        int
	Addr         uint64
	Instructions []Instruction
	Calls        []string
	Strings      []string
}

// Edge is a directed control transfer between two block indices.
type Edge struct {
	From int
	To   int
	Kind EdgeKind
}

// FlowGraph is the control-flow graph of one function in one binary.
// Topology is immutable once sealed; matching never mutates it. The exported
// fields are the storable representation (gob/JSON safe); everything derived
// is rebuilt by Seal after decoding.
type FlowGraph struct {
	Name   string
	Addr   uint64
	Blocks []BasicBlock
	Edges  []Edge

	succ     [][]int
	pred     [][]int
	prime    []uint64
	content  []uint64
	callRef  []uint64
	strRef   []uint64
	loopHead []bool
	mdTop    []uint64
	mdBottom []uint64
	sealed   bool
}

// NewFlowGraph builds and seals a flow graph in one step.
func NewFlowGraph(name string, addr uint64, blocks []BasicBlock, edges []Edge) (*FlowGraph, error) {
	fg := &FlowGraph{Name: name, Addr: addr, Blocks: blocks, Edges: edges}
	if err := fg.Seal(); err != nil {
		return nil, err
	}
	return fg, nil
}

// Seal validates topology and computes all derived per-vertex features.
// Must be called once after constructing or decoding a FlowGraph; every
// accessor below assumes a sealed graph. Sealing twice is harmless.
func (fg *FlowGraph) Seal() error {
	n := len(fg.Blocks)
	for i := range fg.Blocks {
		fg.Blocks[i].Index = i
	}
	fg.succ = make([][]int, n)
	fg.pred = make([][]int, n)
	for _, e := range fg.Edges {
		if e.From < 0 || e.From >= n || e.To < 0 || e.To >= n {
			return fmt.Errorf("flow graph %q: edge %d->%d out of range (%d blocks)", fg.Name, e.From, e.To, n)
		}
		fg.succ[e.From] = append(fg.succ[e.From], e.To)
		fg.pred[e.To] = append(fg.pred[e.To], e.From)
	}
	// Deterministic adjacency regardless of input edge order.
	for v := 0; v < n; v++ {
		sort.Ints(fg.succ[v])
		sort.Ints(fg.pred[v])
	}

	fg.prime = make([]uint64, n)
	fg.content = make([]uint64, n)
	fg.callRef = make([]uint64, n)
	fg.strRef = make([]uint64, n)
	for v := 0; v < n; v++ {
		b := &fg.Blocks[v]
		fg.prime[v] = PrimeProduct(b.Instructions)
		fg.content[v] = contentHash(b.Instructions)
		fg.callRef[v] = multisetDigest(b.Calls)
		fg.strRef[v] = multisetDigest(b.Strings)
	}

	fg.computeLoopHeads()
	fg.computeMDIndices()
	fg.sealed = true
	return nil
}

// Sealed reports whether derived features are available.
func (fg *FlowGraph) Sealed() bool { return fg.sealed }

// VertexCount returns the number of basic blocks.
func (fg *FlowGraph) VertexCount() int { return len(fg.Blocks) }

// InstructionCount returns the number of instructions in block v.
func (fg *FlowGraph) InstructionCount(v int) int { return len(fg.Blocks[v].Instructions) }

// Fingerprint returns the commutative prime-product fingerprint of block v.
func (fg *FlowGraph) Fingerprint(v int) uint64 { return fg.prime[v] }

// ContentHash returns the order-sensitive content hash of block v.
func (fg *FlowGraph) ContentHash(v int) uint64 { return fg.content[v] }

// CallRefDigest returns the multiset digest of block v's call targets,
// or 0 when the block makes no calls.
func (fg *FlowGraph) CallRefDigest(v int) uint64 { return fg.callRef[v] }

// StringRefDigest returns the multiset digest of block v's string
// references, or 0 when there are none.
func (fg *FlowGraph) StringRefDigest(v int) uint64 { return fg.strRef[v] }

// Successors returns the sorted successor indices of block v. The returned
// slice is owned by the graph and must not be modified.
func (fg *FlowGraph) Successors(v int) []int { return fg.succ[v] }

// Predecessors returns the sorted predecessor indices of block v. The
// returned slice is owned by the graph and must not be modified.
func (fg *FlowGraph) Predecessors(v int) []int { return fg.pred[v] }

// EntryVertex returns the index of the function entry block. Block 0 is the
// entry by exporter convention.
func (fg *FlowGraph) EntryVertex() int {
	if len(fg.Blocks) == 0 {
		return -1
	}
	return 0
}

// IsExit reports whether block v has no successors.
func (fg *FlowGraph) IsExit(v int) bool { return len(fg.succ[v]) == 0 }

// IsLoopHead reports whether block v is the target of a back edge.
func (fg *FlowGraph) IsLoopHead(v int) bool { return fg.loopHead[v] }

// MDIndexTopDown returns the entry-relative structural digest of block v.
func (fg *FlowGraph) MDIndexTopDown(v int) uint64 { return fg.mdTop[v] }

// MDIndexBottomUp returns the exit-relative structural digest of block v.
func (fg *FlowGraph) MDIndexBottomUp(v int) uint64 { return fg.mdBottom[v] }

// TotalInstructions sums the instruction counts of all blocks.
func (fg *FlowGraph) TotalInstructions() int {
	total := 0
	for v := range fg.Blocks {
		total += len(fg.Blocks[v].Instructions)
	}
	return total
}

// -- Digest helpers --

// contentHash folds mnemonics and operand shapes in sequence order, so two
// blocks hash equal only when their instruction text is identical and in the
// same order.
func contentHash(instrs []Instruction) uint64 {
	h := fnv.New64a()
	for _, ins := range instrs {
		h.Write([]byte(ins.Mnemonic))
		h.Write([]byte{0})
		h.Write([]byte(ins.Operands))
		h.Write([]byte{1})
	}
	return h.Sum64()
}

// multisetDigest hashes a bag of strings independent of order. Returns 0 for
// an empty bag so callers can use 0 as "no references".
func multisetDigest(items []string) uint64 {
	if len(items) == 0 {
		return 0
	}
	sorted := make([]string, len(items))
	copy(sorted, items)
	sort.Strings(sorted)
	h := fnv.New64a()
	for _, s := range sorted {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	d := h.Sum64()
	if d == 0 {
		d = 1
	}
	return d
}
