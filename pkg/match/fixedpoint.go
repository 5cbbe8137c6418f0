package match

import (
	"sort"

	"github.com/gemesa/bindiff/pkg/graph"
)

// BlockMatch is one accepted basic-block correspondence with its provenance:
// the name of the heuristic that produced it.
type BlockMatch struct {
	PrimaryVertex   int
	SecondaryVertex int
	Step            string
}

// FixedPoint is the authoritative matching result for one function pair. The
// correspondence is injective in both directions: Add refuses any pair that
// would reuse a vertex. After Finalize the fixed point is immutable and
// carries the aggregate confidence.
type FixedPoint struct {
	PrimaryName   string
	SecondaryName string
	PrimaryAddr   uint64
	SecondaryAddr uint64

	matches     []BlockMatch
	byPrimary   map[int]int
	bySecondary map[int]int

	totalVertices int
	confidence    float64
	passes        int
	final         bool
}

// NewFixedPoint creates the empty correspondence for one function pair.
func NewFixedPoint(primary, secondary *graph.FlowGraph) *FixedPoint {
	return &FixedPoint{
		PrimaryName:   primary.Name,
		SecondaryName: secondary.Name,
		PrimaryAddr:   primary.Addr,
		SecondaryAddr: secondary.Addr,
		byPrimary:     make(map[int]int),
		bySecondary:   make(map[int]int),
		totalVertices: primary.VertexCount() + secondary.VertexCount(),
	}
}

// Add accepts the pair (p, s) attributed to step. It returns false without
// modifying anything when either vertex already participates in a match or
// the fixed point has been finalized.
func (fp *FixedPoint) Add(p, s int, step string) bool {
	if fp.final {
		return false
	}
	if _, taken := fp.byPrimary[p]; taken {
		return false
	}
	if _, taken := fp.bySecondary[s]; taken {
		return false
	}
	fp.byPrimary[p] = len(fp.matches)
	fp.bySecondary[s] = len(fp.matches)
	fp.matches = append(fp.matches, BlockMatch{PrimaryVertex: p, SecondaryVertex: s, Step: step})
	return true
}

// Len returns the number of accepted pairs.
func (fp *FixedPoint) Len() int { return len(fp.matches) }

// HasPrimary reports whether primary vertex v is already matched.
func (fp *FixedPoint) HasPrimary(v int) bool {
	_, ok := fp.byPrimary[v]
	return ok
}

// HasSecondary reports whether secondary vertex v is already matched.
func (fp *FixedPoint) HasSecondary(v int) bool {
	_, ok := fp.bySecondary[v]
	return ok
}

// SecondaryFor returns the secondary vertex matched with primary vertex p.
func (fp *FixedPoint) SecondaryFor(p int) (int, bool) {
	i, ok := fp.byPrimary[p]
	if !ok {
		return 0, false
	}
	return fp.matches[i].SecondaryVertex, true
}

// PrimaryFor returns the primary vertex matched with secondary vertex s.
func (fp *FixedPoint) PrimaryFor(s int) (int, bool) {
	i, ok := fp.bySecondary[s]
	if !ok {
		return 0, false
	}
	return fp.matches[i].PrimaryVertex, true
}

// Matches returns the accepted pairs ordered by primary vertex. The slice is
// a copy; callers may keep it.
func (fp *FixedPoint) Matches() []BlockMatch {
	out := make([]BlockMatch, len(fp.matches))
	copy(out, fp.matches)
	sort.Slice(out, func(i, j int) bool { return out[i].PrimaryVertex < out[j].PrimaryVertex })
	return out
}

// StepCounts tallies accepted pairs per heuristic name.
func (fp *FixedPoint) StepCounts() map[string]int {
	counts := make(map[string]int)
	for _, m := range fp.matches {
		counts[m.Step]++
	}
	return counts
}

// Finalize seals the fixed point and computes its confidence: the matched
// fraction of all vertices scaled by the calibration weight of the steps
// that produced the matches. Steps missing from weights count as 1.0.
// Finalizing twice keeps the first result.
func (fp *FixedPoint) Finalize(weights map[string]float64, passes int) {
	if fp.final {
		return
	}
	fp.final = true
	fp.passes = passes
	if len(fp.matches) == 0 || fp.totalVertices == 0 {
		fp.confidence = 0
		return
	}

	coverage := 2 * float64(len(fp.matches)) / float64(fp.totalVertices)
	quality := 0.0
	for _, m := range fp.matches {
		w, ok := weights[m.Step]
		if !ok {
			w = 1.0
		}
		quality += w
	}
	quality /= float64(len(fp.matches))

	c := coverage * quality
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	fp.confidence = c
}

// Confidence returns the aggregate confidence in [0,1]. Zero until Finalize.
func (fp *FixedPoint) Confidence() float64 { return fp.confidence }

// Passes returns the number of driver passes the run took. Zero until
// Finalize.
func (fp *FixedPoint) Passes() int { return fp.passes }

// Finalized reports whether the fixed point is sealed.
func (fp *FixedPoint) Finalized() bool { return fp.final }
