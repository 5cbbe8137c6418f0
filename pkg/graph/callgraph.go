package graph

import (
	"hash/fnv"
	"sort"
)

// Function is the call-graph view of one function: the features the pairing
// phase compares before any basic block is looked at. Exporters derive one
// from each flow graph via Summarize.
type Function struct {
	Addr             uint64
	Name             string
	BlockCount       int
	InstructionCount int
	ContentHash      uint64
	PrimeDigest      uint64
	DegreeDigest     uint64
	LoopCount        int
}

// CallEdge records one caller->callee relation by entry address.
type CallEdge struct {
	Caller uint64
	Callee uint64
}

// CallGraph lists the functions of one binary and the calls between them.
// Read-only input to function pairing; block-level matching never consults it.
type CallGraph struct {
	Binary    string
	Functions []Function
	Calls     []CallEdge
}

// FunctionByAddr returns the function with the given entry address, or nil.
func (cg *CallGraph) FunctionByAddr(addr uint64) *Function {
	for i := range cg.Functions {
		if cg.Functions[i].Addr == addr {
			return &cg.Functions[i]
		}
	}
	return nil
}

// SortFunctions orders functions by entry address for deterministic output.
func (cg *CallGraph) SortFunctions() {
	sort.Slice(cg.Functions, func(i, j int) bool {
		return cg.Functions[i].Addr < cg.Functions[j].Addr
	})
	sort.Slice(cg.Calls, func(i, j int) bool {
		if cg.Calls[i].Caller != cg.Calls[j].Caller {
			return cg.Calls[i].Caller < cg.Calls[j].Caller
		}
		return cg.Calls[i].Callee < cg.Calls[j].Callee
	})
}

// Summarize derives the function-level features of a sealed flow graph.
func Summarize(fg *FlowGraph) Function {
	fn := Function{
		Addr:             fg.Addr,
		Name:             fg.Name,
		BlockCount:       fg.VertexCount(),
		InstructionCount: fg.TotalInstructions(),
	}

	// Function content hash folds the block hashes in block order, so it is
	// exact: equal only when every block's instruction text is identical.
	h := fnv.New64a()
	for v := 0; v < fg.VertexCount(); v++ {
		writeUint64(h, fg.ContentHash(v))
	}
	fn.ContentHash = h.Sum64()

	// Prime digest is the order-independent counterpart: the multiset of
	// block fingerprints, robust against block reordering by the compiler.
	primes := make([]uint64, fg.VertexCount())
	for v := 0; v < fg.VertexCount(); v++ {
		primes[v] = fg.Fingerprint(v)
	}
	sort.Slice(primes, func(i, j int) bool { return primes[i] < primes[j] })
	h = fnv.New64a()
	for _, p := range primes {
		writeUint64(h, p)
	}
	fn.PrimeDigest = h.Sum64()

	// Degree digest hashes the sorted (in,out) degree sequence: a cheap
	// topology signature independent of block identity.
	type deg struct{ in, out int }
	degrees := make([]deg, fg.VertexCount())
	for v := 0; v < fg.VertexCount(); v++ {
		degrees[v] = deg{len(fg.Predecessors(v)), len(fg.Successors(v))}
	}
	sort.Slice(degrees, func(i, j int) bool {
		if degrees[i].in != degrees[j].in {
			return degrees[i].in < degrees[j].in
		}
		return degrees[i].out < degrees[j].out
	})
	h = fnv.New64a()
	for _, d := range degrees {
		writeUint64(h, uint64(d.in))
		writeUint64(h, uint64(d.out))
	}
	fn.DegreeDigest = h.Sum64()

	for v := 0; v < fg.VertexCount(); v++ {
		if fg.IsLoopHead(v) {
			fn.LoopCount++
		}
	}
	return fn
}

type hash64 interface {
	Write(p []byte) (int, error)
}

func writeUint64(h hash64, x uint64) {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(x >> (8 * i))
	}
	h.Write(buf[:])
}
