package graph

import (
	"encoding/binary"
	"hash/fnv"
)

// -- Structural features --
//
// Loop heads and the MD indices are position-aware digests used by the
// structural matching steps. They depend only on topology, never on
// instruction content, so renamed or re-scheduled code keeps its shape.

// computeLoopHeads marks every target of a back edge. Uses an iterative DFS
// with an explicit on-stack marker; recursion would overflow on the very deep
// graphs unrolled crypto code produces.
func (fg *FlowGraph) computeLoopHeads() {
	n := len(fg.Blocks)
	fg.loopHead = make([]bool, n)
	if n == 0 {
		return
	}

	const (
		white = 0 // unvisited
		gray  = 1 // on stack
		black = 2 // done
	)
	color := make([]byte, n)

	type frame struct {
		v    int
		next int // index into succ[v] to resume at
	}
	stack := make([]frame, 0, n)

	// Start from the entry, then sweep any unreachable components so loop
	// detection stays total over all blocks.
	for start := 0; start < n; start++ {
		if color[start] != white {
			continue
		}
		color[start] = gray
		stack = append(stack, frame{v: start})
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next < len(fg.succ[top.v]) {
				w := fg.succ[top.v][top.next]
				top.next++
				switch color[w] {
				case white:
					color[w] = gray
					stack = append(stack, frame{v: w})
				case gray:
					fg.loopHead[w] = true
				}
				continue
			}
			color[top.v] = black
			stack = stack[:len(stack)-1]
		}
	}
}

// computeMDIndices derives two per-vertex structural digests: one folded
// along BFS levels from the entry (top down) and one folded along BFS levels
// from the exits (bottom up). Blocks occupying the same structural position
// in two graphs get equal digests even when their instructions changed.
func (fg *FlowGraph) computeMDIndices() {
	n := len(fg.Blocks)
	fg.mdTop = make([]uint64, n)
	fg.mdBottom = make([]uint64, n)
	if n == 0 {
		return
	}

	down := fg.bfsLevels([]int{fg.EntryVertex()}, fg.succ)
	exits := make([]int, 0, 2)
	for v := 0; v < n; v++ {
		if len(fg.succ[v]) == 0 {
			exits = append(exits, v)
		}
	}
	up := fg.bfsLevels(exits, fg.pred)

	// Fold the kinds of each vertex's incoming and outgoing edges into two
	// small bitsets. The incoming side is what tells the true arm of a
	// branch apart from the false arm when both have the same degrees.
	inKinds := make([]uint8, n)
	outKinds := make([]uint8, n)
	for _, e := range fg.Edges {
		outKinds[e.From] |= 1 << uint8(e.Kind)
		inKinds[e.To] |= 1 << uint8(e.Kind)
	}

	for v := 0; v < n; v++ {
		fg.mdTop[v] = structuralDigest(down[v], len(fg.pred[v]), len(fg.succ[v]), inKinds[v], outKinds[v])
		fg.mdBottom[v] = structuralDigest(up[v], len(fg.succ[v]), len(fg.pred[v]), outKinds[v], inKinds[v])
	}
}

// bfsLevels returns the BFS distance of every vertex from the given roots
// along the given adjacency, or -1 for unreachable vertices.
func (fg *FlowGraph) bfsLevels(roots []int, adj [][]int) []int {
	level := make([]int, len(fg.Blocks))
	for i := range level {
		level[i] = -1
	}
	queue := make([]int, 0, len(roots))
	for _, r := range roots {
		if r >= 0 && level[r] == -1 {
			level[r] = 0
			queue = append(queue, r)
		}
	}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		for _, w := range adj[v] {
			if level[w] == -1 {
				level[w] = level[v] + 1
				queue = append(queue, w)
			}
		}
	}
	return level
}

func structuralDigest(level, inDeg, outDeg int, inKinds, outKinds uint8) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(int64(level)))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(inDeg))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(outDeg))
	h.Write(buf[:])
	h.Write([]byte{inKinds, outKinds})
	return h.Sum64()
}
