package match

import (
	"fmt"

	"github.com/gemesa/bindiff/pkg/graph"
)

// PrimeStep matches basic blocks whose commutative instruction fingerprints
// are identical and unique on both sides. Blocks below the instruction
// minimum are never considered: short generic sequences collide across
// unrelated blocks far too often, and a false block match poisons every
// propagation step that runs after it.
type PrimeStep struct {
	minInstructions int
	name            string
}

// NewPrimeStep validates the applicability threshold at construction;
// an invalid minimum is a configuration error, fatal to session setup.
func NewPrimeStep(minInstructions int) (*PrimeStep, error) {
	if minInstructions < 1 {
		return nil, fmt.Errorf("prime matching: minimum instruction count must be >= 1, got %d", minInstructions)
	}
	return &PrimeStep{
		minInstructions: minInstructions,
		name:            fmt.Sprintf("basicBlock: prime matching (%d instructions minimum)", minInstructions),
	}, nil
}

func (s *PrimeStep) Name() string { return s.name }

// MinInstructions returns the applicability threshold.
func (s *PrimeStep) MinInstructions() int { return s.minInstructions }

func (s *PrimeStep) FindFixedPoints(primary, secondary *graph.FlowGraph,
	unmatchedPrimary, unmatchedSecondary *VertexSet,
	fp *FixedPoint, mctx *Context) bool {
	return matchUnique(s.name, primary, secondary, unmatchedPrimary, unmatchedSecondary, fp, mctx,
		func(fg *graph.FlowGraph, v int) (uint64, bool) {
			if fg.InstructionCount(v) < s.minInstructions {
				return 0, false
			}
			return fg.Fingerprint(v), true
		})
}
