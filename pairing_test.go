package bindiff

import (
	"math"
	"testing"

	"github.com/gemesa/bindiff/pkg/graph"
	"github.com/gemesa/bindiff/pkg/models"
)

func fixtureFunction(name string, addr uint64, blocks, instrs, loops int, hash uint64) graph.Function {
	return graph.Function{
		Addr:             addr,
		Name:             name,
		BlockCount:       blocks,
		InstructionCount: instrs,
		LoopCount:        loops,
		ContentHash:      hash,
	}
}

func fixtureCallGraph(binary string, fns ...graph.Function) *graph.CallGraph {
	return &graph.CallGraph{Binary: binary, Functions: fns}
}

func TestPairFunctionsByName(t *testing.T) {
	primary := fixtureCallGraph("v1",
		fixtureFunction("main.parse", 0x1000, 4, 20, 0, 111),
		fixtureFunction("main.emit", 0x2000, 2, 8, 0, 222),
	)
	secondary := fixtureCallGraph("v2",
		fixtureFunction("main.emit", 0x2100, 2, 9, 0, 333),
		fixtureFunction("main.parse", 0x1100, 4, 21, 0, 444),
	)

	pairs, removed, added := PairFunctions(primary, secondary, 0.35)
	if len(pairs) != 2 || len(removed) != 0 || len(added) != 0 {
		t.Fatalf("pairs=%d removed=%d added=%d, want 2/0/0", len(pairs), len(removed), len(added))
	}
	// Output follows primary order.
	if pairs[0].Primary.Name != "main.parse" || pairs[1].Primary.Name != "main.emit" {
		t.Errorf("pair order = %s, %s", pairs[0].Primary.Name, pairs[1].Primary.Name)
	}
	for _, p := range pairs {
		if p.PairedBy != models.PairedByName {
			t.Errorf("%s paired by %q, want %q", p.Primary.Name, p.PairedBy, models.PairedByName)
		}
		if p.Primary.Name != p.Secondary.Name {
			t.Errorf("name pair crosses names: %s vs %s", p.Primary.Name, p.Secondary.Name)
		}
	}
}

func TestPairFunctionsByUniqueHash(t *testing.T) {
	primary := fixtureCallGraph("v1",
		fixtureFunction("main.writeRecord", 0x1000, 3, 15, 0, 777),
	)
	secondary := fixtureCallGraph("v2",
		fixtureFunction("main.emitRecord", 0x2000, 3, 15, 0, 777),
	)

	pairs, removed, added := PairFunctions(primary, secondary, 0.35)
	if len(pairs) != 1 || len(removed) != 0 || len(added) != 0 {
		t.Fatalf("pairs=%d removed=%d added=%d, want 1/0/0", len(pairs), len(removed), len(added))
	}
	p := pairs[0]
	if p.PairedBy != models.PairedByHash {
		t.Errorf("PairedBy = %q, want %q", p.PairedBy, models.PairedByHash)
	}
	if p.Score != 1.0 {
		t.Errorf("Score = %v, want 1.0", p.Score)
	}
	if p.Secondary.Name != "main.emitRecord" {
		t.Errorf("Secondary = %s", p.Secondary.Name)
	}
}

func TestPairFunctionsNamePrecedesHash(t *testing.T) {
	// parse exists by name on both sides with different content; its old
	// content also survives under another name. Name wins for parse, the
	// content twin pairs nothing.
	primary := fixtureCallGraph("v1",
		fixtureFunction("main.parse", 0x1000, 4, 20, 0, 5),
	)
	secondary := fixtureCallGraph("v2",
		fixtureFunction("main.parse", 0x1100, 4, 22, 0, 6),
		fixtureFunction("main.parseLegacy", 0x2000, 4, 20, 0, 5),
	)

	pairs, _, added := PairFunctions(primary, secondary, 0.35)
	if len(pairs) != 1 {
		t.Fatalf("pairs = %d, want 1", len(pairs))
	}
	if pairs[0].PairedBy != models.PairedByName || pairs[0].Secondary.Name != "main.parse" {
		t.Errorf("got %s paired by %q, want main.parse by name", pairs[0].Secondary.Name, pairs[0].PairedBy)
	}
	if len(added) != 1 || added[0].Name != "main.parseLegacy" {
		t.Errorf("added = %+v, want main.parseLegacy", added)
	}
}

func TestPairFunctionsAmbiguousHashDefers(t *testing.T) {
	// Two identical-content functions per side: the hash is unique on
	// neither side, so phase 2 must not touch them. Phase 3 still pairs
	// them deterministically by index order.
	primary := fixtureCallGraph("v1",
		fixtureFunction("main.a", 0x1000, 2, 10, 0, 9),
		fixtureFunction("main.b", 0x2000, 2, 10, 0, 9),
	)
	secondary := fixtureCallGraph("v2",
		fixtureFunction("main.c", 0x3000, 2, 10, 0, 9),
		fixtureFunction("main.d", 0x4000, 2, 10, 0, 9),
	)

	pairs, removed, added := PairFunctions(primary, secondary, 0.35)
	if len(pairs) != 2 || len(removed) != 0 || len(added) != 0 {
		t.Fatalf("pairs=%d removed=%d added=%d, want 2/0/0", len(pairs), len(removed), len(added))
	}
	for _, p := range pairs {
		if p.PairedBy != models.PairedBySimilarity {
			t.Errorf("%s paired by %q, want %q", p.Primary.Name, p.PairedBy, models.PairedBySimilarity)
		}
	}
	if pairs[0].Secondary.Name != "main.c" || pairs[1].Secondary.Name != "main.d" {
		t.Errorf("greedy order broke: %s->%s, %s->%s",
			pairs[0].Primary.Name, pairs[0].Secondary.Name,
			pairs[1].Primary.Name, pairs[1].Secondary.Name)
	}
}

func TestPairFunctionsSimilarityFloor(t *testing.T) {
	primary := fixtureCallGraph("v1",
		fixtureFunction("main.old", 0x1000, 4, 10, 0, 1),
	)
	secondary := fixtureCallGraph("v2",
		fixtureFunction("main.new", 0x2000, 8, 30, 0, 2),
	)

	// Adjacent size classes, similarity 0.55: above a low floor, below a
	// high one.
	pairs, _, _ := PairFunctions(primary, secondary, 0.5)
	if len(pairs) != 1 || pairs[0].PairedBy != models.PairedBySimilarity {
		t.Fatalf("low floor: pairs = %+v, want one similarity pair", pairs)
	}
	if math.Abs(pairs[0].Score-0.55) > 1e-9 {
		t.Errorf("Score = %v, want 0.55", pairs[0].Score)
	}

	pairs, removed, added := PairFunctions(primary, secondary, 0.9)
	if len(pairs) != 0 || len(removed) != 1 || len(added) != 1 {
		t.Errorf("high floor: pairs=%d removed=%d added=%d, want 0/1/1", len(pairs), len(removed), len(added))
	}
}

func TestPairFunctionsSizeClassPrunes(t *testing.T) {
	// 1 block vs 16 blocks: class 0 vs class 4, never even scored.
	primary := fixtureCallGraph("v1",
		fixtureFunction("main.stub", 0x1000, 1, 2, 0, 1),
	)
	secondary := fixtureCallGraph("v2",
		fixtureFunction("main.engine", 0x2000, 16, 200, 2, 2),
	)

	pairs, removed, added := PairFunctions(primary, secondary, 0)
	if len(pairs) != 0 {
		t.Fatalf("pairs = %+v, want none across distant size classes", pairs)
	}
	if len(removed) != 1 || removed[0].Name != "main.stub" {
		t.Errorf("removed = %+v", removed)
	}
	if len(added) != 1 || added[0].Name != "main.engine" {
		t.Errorf("added = %+v", added)
	}
}

func TestPairFunctionsDuplicateNamesPairOnce(t *testing.T) {
	primary := fixtureCallGraph("v1",
		fixtureFunction("init", 0x1000, 2, 5, 0, 1),
		fixtureFunction("init", 0x2000, 2, 5, 0, 2),
	)
	secondary := fixtureCallGraph("v2",
		fixtureFunction("init", 0x3000, 2, 5, 0, 3),
	)

	pairs, removed, _ := PairFunctions(primary, secondary, 0.35)
	if len(pairs) != 1 {
		t.Fatalf("pairs = %d, want 1", len(pairs))
	}
	if pairs[0].Primary.Addr != 0x1000 {
		t.Errorf("first primary should win, got %#x", pairs[0].Primary.Addr)
	}
	if len(removed) != 1 || removed[0].Addr != 0x2000 {
		t.Errorf("removed = %+v, want the second init", removed)
	}
}

func TestSizeClass(t *testing.T) {
	cases := map[int]int{1: 0, 2: 1, 3: 1, 4: 2, 7: 2, 8: 3, 1000: 9}
	for blocks, want := range cases {
		if got := sizeClass(blocks); got != want {
			t.Errorf("sizeClass(%d) = %d, want %d", blocks, got, want)
		}
	}
}

func TestSummarySimilarityIdentical(t *testing.T) {
	fn := fixtureFunction("f", 0x1000, 6, 40, 1, 0)
	if got := summarySimilarity(fn, fn); math.Abs(got-1.0) > 1e-12 {
		t.Errorf("summarySimilarity(f, f) = %v, want 1.0", got)
	}
}

func TestCountRatio(t *testing.T) {
	cases := []struct {
		a, b int
		want float64
	}{
		{2, 4, 0.5},
		{4, 2, 0.5},
		{0, 0, 1},
		{0, 5, 0},
		{3, 3, 1},
	}
	for _, tc := range cases {
		if got := countRatio(tc.a, tc.b); math.Abs(got-tc.want) > 1e-12 {
			t.Errorf("countRatio(%d, %d) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
