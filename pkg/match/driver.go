package match

import (
	"context"
	"fmt"

	"github.com/gemesa/bindiff/pkg/graph"
)

// Driver runs the step catalogue over one graph pair until no step finds
// anything new. Matching within a pair is strictly sequential; callers run
// drivers for different pairs concurrently.
type Driver struct {
	steps   []Step
	weights map[string]float64
}

// NewDriver wires an ordered catalogue. Step names must be unique, they key
// the provenance records and the session stats.
func NewDriver(steps []Step, weights map[string]float64) (*Driver, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("driver: empty step catalogue")
	}
	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		name := s.Name()
		if name == "" {
			return nil, fmt.Errorf("driver: step with empty name")
		}
		if seen[name] {
			return nil, fmt.Errorf("driver: duplicate step name %q", name)
		}
		seen[name] = true
	}
	return &Driver{steps: steps, weights: weights}, nil
}

// MatchPair computes the fixed point for one function pair. Both graphs
// must be sealed. The catalogue is re-run from the top after every pass
// that grew the fixed point, so cross-step cascades (a propagation match
// enabling a hash match) resolve without any step knowing about the others.
//
// Every pass either grows the fixed point or is the last one, so the loop
// runs at most |V1|+|V2| passes before the no-progress exit fires.
func (d *Driver) MatchPair(ctx context.Context, primary, secondary *graph.FlowGraph, mctx *Context) (*FixedPoint, error) {
	if !primary.Sealed() || !secondary.Sealed() {
		return nil, fmt.Errorf("match %s/%s: graphs must be sealed", primary.Name, secondary.Name)
	}

	fp := NewFixedPoint(primary, secondary)
	unmatchedPrimary := NewVertexSet(primary.VertexCount())
	unmatchedSecondary := NewVertexSet(secondary.VertexCount())

	maxPasses := primary.VertexCount() + secondary.VertexCount()
	passes := 0
	converged := maxPasses == 0
	for passes < maxPasses {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		passes++
		progress := false
		for _, step := range d.steps {
			if unmatchedPrimary.Len() == 0 || unmatchedSecondary.Len() == 0 {
				break
			}
			if step.FindFixedPoints(primary, secondary, unmatchedPrimary, unmatchedSecondary, fp, mctx) {
				progress = true
			}
		}
		if !progress {
			converged = true
			break
		}
		if unmatchedPrimary.Len() == 0 || unmatchedSecondary.Len() == 0 {
			converged = true
			break
		}
	}

	fp.Finalize(d.weights, passes)
	if mctx != nil {
		mctx.RecordPair(converged)
		mctx.RecordPasses(int64(passes))
	}
	return fp, nil
}
