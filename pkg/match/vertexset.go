// Package match implements the multi-heuristic flow-graph matching engine:
// the Step contract every heuristic satisfies, the FixedPoint that
// accumulates accepted block correspondences, the session Context, the
// pipeline Driver, and the heuristic catalogue itself.
package match

import "sort"

// VertexSet tracks the block indices of one flow graph that are still
// eligible for matching in one run. It only ever shrinks: accepting a match
// removes both endpoints, nothing is ever re-added.
type VertexSet struct {
	members map[int]struct{}
}

// NewVertexSet returns a set containing vertices 0..n-1.
func NewVertexSet(n int) *VertexSet {
	s := &VertexSet{members: make(map[int]struct{}, n)}
	for v := 0; v < n; v++ {
		s.members[v] = struct{}{}
	}
	return s
}

// Contains reports membership.
func (s *VertexSet) Contains(v int) bool {
	_, ok := s.members[v]
	return ok
}

// Remove deletes v from the set. Removing an absent vertex is a no-op.
func (s *VertexSet) Remove(v int) {
	delete(s.members, v)
}

// Len returns the number of still-eligible vertices.
func (s *VertexSet) Len() int { return len(s.members) }

// Sorted returns the members in ascending order. Heuristics iterate this so
// runs are deterministic regardless of map iteration order.
func (s *VertexSet) Sorted() []int {
	out := make([]int, 0, len(s.members))
	for v := range s.members {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}
