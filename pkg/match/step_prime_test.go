package match

import (
	"testing"

	"github.com/gemesa/bindiff/pkg/graph"
	"github.com/gemesa/bindiff/pkg/testutil"
)

func runStep(t *testing.T, s Step, primary, secondary *graph.FlowGraph) (*FixedPoint, bool) {
	t.Helper()
	fp := NewFixedPoint(primary, secondary)
	up := NewVertexSet(primary.VertexCount())
	us := NewVertexSet(secondary.VertexCount())
	found := s.FindFixedPoints(primary, secondary, up, us, fp, nil)
	return fp, found
}

func TestNewPrimeStep(t *testing.T) {
	if _, err := NewPrimeStep(0); err == nil {
		t.Error("NewPrimeStep(0) = nil error, want error")
	}
	s, err := NewPrimeStep(4)
	if err != nil {
		t.Fatalf("NewPrimeStep(4): %v", err)
	}
	want := "basicBlock: prime matching (4 instructions minimum)"
	if s.Name() != want {
		t.Errorf("Name() = %q, want %q", s.Name(), want)
	}
	if s.MinInstructions() != 4 {
		t.Errorf("MinInstructions() = %d, want 4", s.MinInstructions())
	}
}

func TestPrimeStepMatchesReorderedBlock(t *testing.T) {
	// Same instructions, different order. The content hash differs, the
	// commutative fingerprint (2*3*7 = 42) does not.
	primary := testutil.Linear(t, "f", []string{"mov", "add", "ret"})
	secondary := testutil.Linear(t, "f", []string{"add", "mov", "ret"})

	s, err := NewPrimeStep(1)
	if err != nil {
		t.Fatalf("NewPrimeStep(1): %v", err)
	}
	fp, found := runStep(t, s, primary, secondary)
	if !found {
		t.Fatal("FindFixedPoints = false, want true")
	}
	if fp.Len() != 1 {
		t.Fatalf("fixed point has %d pairs, want 1", fp.Len())
	}
	got := fp.Matches()[0]
	if got.PrimaryVertex != 0 || got.SecondaryVertex != 0 {
		t.Errorf("matched (%d, %d), want (0, 0)", got.PrimaryVertex, got.SecondaryVertex)
	}
	if got.Step != s.Name() {
		t.Errorf("provenance = %q, want %q", got.Step, s.Name())
	}
}

func TestPrimeStepMinInstructionFilter(t *testing.T) {
	// A single-instruction block is identical on both sides, but below the
	// applicability floor it must not even be considered.
	primary := testutil.Linear(t, "f", []string{"mov"})
	secondary := testutil.Linear(t, "f", []string{"mov"})

	strict, err := NewPrimeStep(2)
	if err != nil {
		t.Fatalf("NewPrimeStep(2): %v", err)
	}
	if fp, found := runStep(t, strict, primary, secondary); found || fp.Len() != 0 {
		t.Errorf("min 2: found = %v, pairs = %d, want no matches", found, fp.Len())
	}

	loose, err := NewPrimeStep(1)
	if err != nil {
		t.Fatalf("NewPrimeStep(1): %v", err)
	}
	if fp, found := runStep(t, loose, primary, secondary); !found || fp.Len() != 1 {
		t.Errorf("min 1: found = %v, pairs = %d, want one match", found, fp.Len())
	}
}

func TestPrimeStepDefersAmbiguousFingerprints(t *testing.T) {
	// Both primary blocks multiply to 2*3*5 = 30. One secondary block
	// carries the same fingerprint, but with two candidates on the primary
	// side the step must emit nothing rather than guess.
	primary := testutil.Linear(t, "f",
		[]string{"mov", "add", "sub"},
		[]string{"sub", "add", "mov"})
	secondary := testutil.Linear(t, "f", []string{"mov", "add", "sub"})

	s, err := NewPrimeStep(1)
	if err != nil {
		t.Fatalf("NewPrimeStep(1): %v", err)
	}
	fp, found := runStep(t, s, primary, secondary)
	if found {
		t.Error("FindFixedPoints = true, want false for ambiguous fingerprint")
	}
	if fp.Len() != 0 {
		t.Errorf("fixed point has %d pairs, want 0", fp.Len())
	}
}

func TestPrimeStepMatchesOnlyUnambiguousBlocks(t *testing.T) {
	// Blocks 0 and 1 share a fingerprint, block 2 is unique. Only the
	// unique one may be matched; the collision is left for other steps.
	primary := testutil.Linear(t, "f",
		[]string{"mov", "add"},
		[]string{"add", "mov"},
		[]string{"xor", "ret"})
	secondary := testutil.Linear(t, "f",
		[]string{"mov", "add"},
		[]string{"add", "mov"},
		[]string{"ret", "xor"})

	s, err := NewPrimeStep(1)
	if err != nil {
		t.Fatalf("NewPrimeStep(1): %v", err)
	}
	fp, found := runStep(t, s, primary, secondary)
	if !found {
		t.Fatal("FindFixedPoints = false, want true")
	}
	if fp.Len() != 1 {
		t.Fatalf("fixed point has %d pairs, want 1", fp.Len())
	}
	got := fp.Matches()[0]
	if got.PrimaryVertex != 2 || got.SecondaryVertex != 2 {
		t.Errorf("matched (%d, %d), want (2, 2)", got.PrimaryVertex, got.SecondaryVertex)
	}
}

func TestPrimeStepIgnoresMatchedVertices(t *testing.T) {
	primary := testutil.Linear(t, "f", []string{"mov", "add", "ret"})
	secondary := testutil.Linear(t, "f", []string{"mov", "add", "ret"})

	s, err := NewPrimeStep(1)
	if err != nil {
		t.Fatalf("NewPrimeStep(1): %v", err)
	}
	fp := NewFixedPoint(primary, secondary)
	up := NewVertexSet(primary.VertexCount())
	us := NewVertexSet(secondary.VertexCount())

	// Claim the only block for another step first.
	if !accept(0, 0, "seed", up, us, fp, nil) {
		t.Fatal("seed accept failed")
	}
	if found := s.FindFixedPoints(primary, secondary, up, us, fp, nil); found {
		t.Error("FindFixedPoints = true on fully matched graphs, want false")
	}
}
