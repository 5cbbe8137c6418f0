package bindiff

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/gemesa/bindiff/pkg/graph"
	"github.com/gemesa/bindiff/pkg/match"
	"github.com/gemesa/bindiff/pkg/models"
	"github.com/gemesa/bindiff/pkg/testutil"
)

// memSource serves exports straight from memory so session tests never
// touch a corpus on disk.
type memSource struct {
	graphs map[string][]*graph.FlowGraph
}

func newMemSource() *memSource {
	return &memSource{graphs: make(map[string][]*graph.FlowGraph)}
}

func (m *memSource) add(binary string, fgs ...*graph.FlowGraph) {
	m.graphs[binary] = fgs
}

func (m *memSource) ListBinaries() ([]string, error) {
	names := make([]string, 0, len(m.graphs))
	for name := range m.graphs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *memSource) LoadCallGraph(binary string) (*graph.CallGraph, error) {
	fgs, ok := m.graphs[binary]
	if !ok {
		return nil, fmt.Errorf("no binary %q", binary)
	}
	cg := &graph.CallGraph{Binary: binary}
	for _, fg := range fgs {
		cg.Functions = append(cg.Functions, graph.Summarize(fg))
	}
	cg.SortFunctions()
	return cg, nil
}

func (m *memSource) LoadFlowGraph(binary string, addr uint64) (*graph.FlowGraph, error) {
	for _, fg := range m.graphs[binary] {
		if fg.Addr == addr {
			return fg, nil
		}
	}
	return nil, fmt.Errorf("no function %#x in %q", addr, binary)
}

func functionGraph(t *testing.T, name string, addr uint64, blocks []graph.BasicBlock, edges []graph.Edge) *graph.FlowGraph {
	t.Helper()
	fg, err := graph.NewFlowGraph(name, addr, blocks, edges)
	if err != nil {
		t.Fatalf("NewFlowGraph(%s): %v", name, err)
	}
	return fg
}

// diamondAt builds the if/else shape at an explicit address with a
// configurable left arm.
func diamondAt(t *testing.T, name string, addr uint64, leftArm ...string) *graph.FlowGraph {
	t.Helper()
	blocks := []graph.BasicBlock{
		testutil.Block(0, "cmp", "jne"),
		testutil.Block(1, leftArm...),
		testutil.Block(2, "xor", "inc"),
		testutil.Block(3, "ret"),
	}
	edges := []graph.Edge{
		{From: 0, To: 1, Kind: graph.EdgeTrue},
		{From: 0, To: 2, Kind: graph.EdgeFalse},
		{From: 1, To: 3, Kind: graph.EdgeUnconditional},
		{From: 2, To: 3, Kind: graph.EdgeUnconditional},
	}
	return functionGraph(t, name, addr, blocks, edges)
}

// chainAt builds a straight line of single-successor blocks.
func chainAt(t *testing.T, name string, addr uint64, blocks ...[]string) *graph.FlowGraph {
	t.Helper()
	bbs := make([]graph.BasicBlock, len(blocks))
	for i, mnems := range blocks {
		bbs[i] = testutil.Block(i, mnems...)
	}
	var edges []graph.Edge
	for i := 0; i+1 < len(blocks); i++ {
		edges = append(edges, graph.Edge{From: i, To: i + 1, Kind: graph.EdgeUnconditional})
	}
	return functionGraph(t, name, addr, bbs, edges)
}

func newTestDiffer(t *testing.T) *Differ {
	t.Helper()
	d, err := NewDiffer(match.DefaultConfig())
	if err != nil {
		t.Fatalf("NewDiffer: %v", err)
	}
	return d
}

func TestDiffIdenticalBinaries(t *testing.T) {
	src := newMemSource()
	src.add("app-v1",
		diamondAt(t, "main.parse", 0x401000, "mov", "add"),
		chainAt(t, "main.emit", 0x402000, []string{"push", "mov"}, []string{"pop", "ret"}),
	)
	src.add("app-v2",
		diamondAt(t, "main.parse", 0x401000, "mov", "add"),
		chainAt(t, "main.emit", 0x402000, []string{"push", "mov"}, []string{"pop", "ret"}),
	)

	d := newTestDiffer(t)
	report, err := d.Diff(context.Background(), Input{src, "app-v1"}, Input{src, "app-v2"})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}

	if report.PrimaryBinary != "app-v1" || report.SecondaryBinary != "app-v2" {
		t.Errorf("binaries = %s/%s", report.PrimaryBinary, report.SecondaryBinary)
	}
	if report.EngineVersion == "" {
		t.Error("EngineVersion empty")
	}
	if report.GeneratedAt.IsZero() {
		t.Error("GeneratedAt zero")
	}

	s := report.Summary
	if s.Matched != 2 || s.Identical != 2 || s.Modified != 0 || s.Added != 0 || s.Removed != 0 {
		t.Errorf("summary = %+v", s)
	}
	if s.OverallSimilarity != 1.0 {
		t.Errorf("OverallSimilarity = %v, want 1.0", s.OverallSimilarity)
	}

	if len(report.Functions) != 2 {
		t.Fatalf("functions = %d, want 2", len(report.Functions))
	}
	if report.Functions[0].PrimaryAddr > report.Functions[1].PrimaryAddr {
		t.Error("functions not sorted by primary address")
	}
	for _, fm := range report.Functions {
		if fm.Status != models.StatusIdentical {
			t.Errorf("%s status = %q", fm.PrimaryName, fm.Status)
		}
		if fm.PairedBy != models.PairedByName {
			t.Errorf("%s paired by %q", fm.PrimaryName, fm.PairedBy)
		}
		if fm.MatchedBlocks != fm.PrimaryBlocks || fm.MatchedBlocks != fm.SecondaryBlocks {
			t.Errorf("%s matched %d of %d/%d", fm.PrimaryName, fm.MatchedBlocks, fm.PrimaryBlocks, fm.SecondaryBlocks)
		}
		if fm.Similarity != 1.0 {
			t.Errorf("%s similarity = %v", fm.PrimaryName, fm.Similarity)
		}
		if fm.Confidence <= 0 {
			t.Errorf("%s confidence = %v", fm.PrimaryName, fm.Confidence)
		}
		if fm.Passes < 1 {
			t.Errorf("%s passes = %d", fm.PrimaryName, fm.Passes)
		}
		if len(fm.StepCounts) == 0 {
			t.Errorf("%s has no step provenance", fm.PrimaryName)
		}
	}

	if report.Stats.PairsAttempted != 2 || report.Stats.PairsConverged != 2 {
		t.Errorf("stats = %+v", report.Stats)
	}
	if report.Stats.BlocksMatched != 6 {
		t.Errorf("BlocksMatched = %d, want 6", report.Stats.BlocksMatched)
	}
}

func TestDiffModifiedAndRenamed(t *testing.T) {
	src := newMemSource()
	src.add("v1",
		diamondAt(t, "main.parse", 0x401000, "mov", "add"),
		chainAt(t, "main.helper", 0x402000, []string{"push", "mov"}, []string{"pop", "ret"}),
	)
	src.add("v2",
		diamondAt(t, "main.parse", 0x401000, "mov", "sub"),
		chainAt(t, "main.helperRecord", 0x402000, []string{"push", "mov"}, []string{"pop", "ret"}),
	)

	d := newTestDiffer(t)
	report, err := d.Diff(context.Background(), Input{src, "v1"}, Input{src, "v2"})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(report.Functions) != 2 {
		t.Fatalf("functions = %d, want 2", len(report.Functions))
	}

	parse := report.Functions[0]
	if parse.PrimaryName != "main.parse" {
		t.Fatalf("functions[0] = %s, want main.parse", parse.PrimaryName)
	}
	if parse.Status != models.StatusModified {
		t.Errorf("parse status = %q, want %q", parse.Status, models.StatusModified)
	}
	if parse.MatchedBlocks < 3 {
		t.Errorf("parse matched %d blocks, want at least the unchanged ones", parse.MatchedBlocks)
	}

	helper := report.Functions[1]
	if helper.Status != models.StatusRenamed {
		t.Errorf("helper status = %q, want %q", helper.Status, models.StatusRenamed)
	}
	if helper.PairedBy != models.PairedByHash {
		t.Errorf("helper paired by %q, want %q", helper.PairedBy, models.PairedByHash)
	}
	if helper.SecondaryName != "main.helperRecord" {
		t.Errorf("helper secondary = %s", helper.SecondaryName)
	}

	if report.Summary.Modified != 1 || report.Summary.Renamed != 1 {
		t.Errorf("summary = %+v", report.Summary)
	}
}

func TestDiffAddedRemovedFunctions(t *testing.T) {
	src := newMemSource()
	src.add("v1",
		diamondAt(t, "main.parse", 0x401000, "mov", "add"),
		chainAt(t, "main.legacy", 0x403000, []string{"nop", "nop", "ret"}),
	)
	src.add("v2",
		diamondAt(t, "main.parse", 0x401000, "mov", "add"),
		chainAt(t, "main.retry", 0x404000,
			[]string{"mov"}, []string{"add"}, []string{"sub"}, []string{"xor"},
			[]string{"and"}, []string{"or"}, []string{"shl"}, []string{"ret"}),
	)

	d := newTestDiffer(t)
	report, err := d.Diff(context.Background(), Input{src, "v1"}, Input{src, "v2"})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}

	if len(report.Removed) != 1 || report.Removed[0].Name != "main.legacy" {
		t.Fatalf("Removed = %+v", report.Removed)
	}
	if report.Removed[0].Blocks != 1 || report.Removed[0].Instructions != 3 {
		t.Errorf("legacy record = %+v", report.Removed[0])
	}
	if len(report.Added) != 1 || report.Added[0].Name != "main.retry" {
		t.Fatalf("Added = %+v", report.Added)
	}
	if report.Added[0].Blocks != 8 {
		t.Errorf("retry blocks = %d, want 8", report.Added[0].Blocks)
	}

	s := report.Summary
	if s.Removed != 1 || s.Added != 1 || s.Matched != 1 {
		t.Errorf("summary = %+v", s)
	}
	// parse matches fully, but the one-sided functions dilute the session:
	// 8 matched block slots out of 17 total.
	if s.OverallSimilarity <= 0 || s.OverallSimilarity >= 1 {
		t.Errorf("OverallSimilarity = %v, want strictly between 0 and 1", s.OverallSimilarity)
	}
}

func TestDiffWithBlocks(t *testing.T) {
	src := newMemSource()
	src.add("v1", diamondAt(t, "main.parse", 0x401000, "mov", "add"))
	src.add("v2", diamondAt(t, "main.parse", 0x401000, "mov", "add"))

	d := newTestDiffer(t)
	d.WithBlocks = true
	report, err := d.Diff(context.Background(), Input{src, "v1"}, Input{src, "v2"})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	fm := report.Functions[0]
	if len(fm.Blocks) != fm.MatchedBlocks {
		t.Fatalf("blocks = %d, matched = %d", len(fm.Blocks), fm.MatchedBlocks)
	}
	for _, bp := range fm.Blocks {
		if bp.Step == "" {
			t.Error("block pair without provenance")
		}
		if bp.PrimaryIndex < 0 || bp.PrimaryIndex >= fm.PrimaryBlocks {
			t.Errorf("primary index %d out of range", bp.PrimaryIndex)
		}
	}

	d.WithBlocks = false
	report, err = d.Diff(context.Background(), Input{src, "v1"}, Input{src, "v2"})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if report.Functions[0].Blocks != nil {
		t.Error("blocks present without WithBlocks")
	}
}

func TestDiffResolvesSoleBinary(t *testing.T) {
	primarySrc := newMemSource()
	primarySrc.add("v1", diamondAt(t, "main.parse", 0x401000, "mov", "add"))
	secondarySrc := newMemSource()
	secondarySrc.add("v2", diamondAt(t, "main.parse", 0x401000, "mov", "add"))

	d := newTestDiffer(t)
	report, err := d.Diff(context.Background(), Input{Source: primarySrc}, Input{Source: secondarySrc})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if report.PrimaryBinary != "v1" || report.SecondaryBinary != "v2" {
		t.Errorf("resolved %s/%s, want v1/v2", report.PrimaryBinary, report.SecondaryBinary)
	}
}

func TestDiffAmbiguousCorpusNeedsName(t *testing.T) {
	src := newMemSource()
	src.add("v1", diamondAt(t, "main.parse", 0x401000, "mov", "add"))
	src.add("v2", diamondAt(t, "main.parse", 0x401000, "mov", "add"))

	d := newTestDiffer(t)
	_, err := d.Diff(context.Background(), Input{Source: src}, Input{Source: src, Binary: "v2"})
	if err == nil || !strings.Contains(err.Error(), "name one explicitly") {
		t.Fatalf("err = %v, want binary ambiguity error", err)
	}
}

func TestDiffMissingBinary(t *testing.T) {
	src := newMemSource()
	src.add("v1", diamondAt(t, "main.parse", 0x401000, "mov", "add"))

	d := newTestDiffer(t)
	_, err := d.Diff(context.Background(), Input{src, "v1"}, Input{src, "nope"})
	if err == nil {
		t.Fatal("want error for unknown binary")
	}
}

func TestDiffCanceledContext(t *testing.T) {
	src := newMemSource()
	src.add("v1", diamondAt(t, "main.parse", 0x401000, "mov", "add"))
	src.add("v2", diamondAt(t, "main.parse", 0x401000, "mov", "add"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := newTestDiffer(t)
	if _, err := d.Diff(ctx, Input{src, "v1"}, Input{src, "v2"}); err == nil {
		t.Fatal("want error from canceled context")
	}
}

func TestDiffDeterministic(t *testing.T) {
	src := newMemSource()
	src.add("v1",
		diamondAt(t, "main.parse", 0x401000, "mov", "add"),
		chainAt(t, "main.emit", 0x402000, []string{"push", "mov"}, []string{"pop", "ret"}),
		diamondAt(t, "main.check", 0x403000, "test", "lea"),
	)
	src.add("v2",
		diamondAt(t, "main.parse", 0x401000, "mov", "sub"),
		chainAt(t, "main.emit", 0x402000, []string{"push", "mov"}, []string{"pop", "ret"}),
		diamondAt(t, "main.check", 0x403000, "test", "lea"),
	)

	d := newTestDiffer(t)
	first, err := d.Diff(context.Background(), Input{src, "v1"}, Input{src, "v2"})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	second, err := d.Diff(context.Background(), Input{src, "v1"}, Input{src, "v2"})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}

	if len(first.Functions) != len(second.Functions) {
		t.Fatalf("function counts differ: %d vs %d", len(first.Functions), len(second.Functions))
	}
	for i := range first.Functions {
		a, b := first.Functions[i], second.Functions[i]
		if a.PrimaryName != b.PrimaryName || a.Status != b.Status || a.MatchedBlocks != b.MatchedBlocks {
			t.Errorf("run mismatch at %d: %+v vs %+v", i, a, b)
		}
	}
	if first.Summary.OverallSimilarity != second.Summary.OverallSimilarity {
		t.Errorf("similarity differs: %v vs %v",
			first.Summary.OverallSimilarity, second.Summary.OverallSimilarity)
	}
}

func TestResolveBinaryEmptyCorpus(t *testing.T) {
	if _, err := ResolveBinary(newMemSource(), ""); err == nil {
		t.Fatal("want error for empty corpus")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		pair FunctionPair
		want string
	}{
		{
			name: "same name same hash",
			pair: FunctionPair{
				Primary:   fixtureFunction("f", 1, 2, 5, 0, 42),
				Secondary: fixtureFunction("f", 2, 2, 5, 0, 42),
			},
			want: models.StatusIdentical,
		},
		{
			name: "same name different hash",
			pair: FunctionPair{
				Primary:   fixtureFunction("f", 1, 2, 5, 0, 42),
				Secondary: fixtureFunction("f", 2, 2, 5, 0, 43),
			},
			want: models.StatusModified,
		},
		{
			name: "renamed wins over identical content",
			pair: FunctionPair{
				Primary:   fixtureFunction("f", 1, 2, 5, 0, 42),
				Secondary: fixtureFunction("g", 2, 2, 5, 0, 42),
			},
			want: models.StatusRenamed,
		},
		{
			name: "zero hash never identical",
			pair: FunctionPair{
				Primary:   fixtureFunction("f", 1, 2, 5, 0, 0),
				Secondary: fixtureFunction("f", 2, 2, 5, 0, 0),
			},
			want: models.StatusModified,
		},
	}
	for _, tc := range cases {
		if got := classify(tc.pair); got != tc.want {
			t.Errorf("%s: classify = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestBlockSimilarity(t *testing.T) {
	if got := blockSimilarity(4, 4, 4); got != 1.0 {
		t.Errorf("full match = %v, want 1.0", got)
	}
	if got := blockSimilarity(0, 4, 4); got != 0 {
		t.Errorf("no match = %v, want 0", got)
	}
	if got := blockSimilarity(2, 4, 4); got != 0.5 {
		t.Errorf("half match = %v, want 0.5", got)
	}
	if got := blockSimilarity(0, 0, 0); got != 1.0 {
		t.Errorf("empty graphs = %v, want 1.0", got)
	}
}
