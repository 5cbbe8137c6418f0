// Package bindiff drives complete diff sessions over two exported binaries:
// function pairing, parallel block-level matching, report assembly.
package bindiff

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gemesa/bindiff/pkg/graph"
	"github.com/gemesa/bindiff/pkg/match"
	"github.com/gemesa/bindiff/pkg/models"
	"github.com/gemesa/bindiff/pkg/storage"
	"github.com/gemesa/bindiff/pkg/version"
)

// Input names one binary inside a graph corpus. An empty Binary selects the
// corpus's sole export.
type Input struct {
	Source storage.GraphSource
	Binary string
}

// Differ runs diff sessions with one fixed step catalogue and calibration.
type Differ struct {
	driver    *match.Driver
	stepNames []string
	cfg       match.Config

	// Workers caps concurrent function pairs; 0 means GOMAXPROCS.
	Workers int
	// WithBlocks includes per-block matches in the report.
	WithBlocks bool
}

// NewDiffer builds a differ from a validated calibration config.
func NewDiffer(cfg match.Config) (*Differ, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("diff config: %w", err)
	}
	steps, err := match.DefaultSteps(cfg)
	if err != nil {
		return nil, err
	}
	driver, err := match.NewDriver(steps, match.Weights(cfg, steps))
	if err != nil {
		return nil, err
	}
	return &Differ{
		driver:    driver,
		stepNames: match.StepNames(steps),
		cfg:       cfg,
		Workers:   cfg.Workers,
	}, nil
}

// ResolveBinary picks the binary to diff: the given name, or the corpus's
// sole export when the name is empty.
func ResolveBinary(src storage.GraphSource, name string) (string, error) {
	if name != "" {
		return name, nil
	}
	names, err := src.ListBinaries()
	if err != nil {
		return "", err
	}
	switch len(names) {
	case 0:
		return "", fmt.Errorf("corpus holds no binaries")
	case 1:
		return names[0], nil
	default:
		return "", fmt.Errorf("corpus holds %d binaries %v, name one explicitly", len(names), names)
	}
}

// Diff matches every paired function of the two inputs and assembles the
// report. Pairs run in parallel; a pair whose graphs cannot be loaded is
// skipped with a warning, cancellation aborts the session.
func (d *Differ) Diff(ctx context.Context, primary, secondary Input) (*models.DiffReport, error) {
	primaryBin, err := ResolveBinary(primary.Source, primary.Binary)
	if err != nil {
		return nil, fmt.Errorf("primary corpus: %w", err)
	}
	secondaryBin, err := ResolveBinary(secondary.Source, secondary.Binary)
	if err != nil {
		return nil, fmt.Errorf("secondary corpus: %w", err)
	}

	primaryCG, err := primary.Source.LoadCallGraph(primaryBin)
	if err != nil {
		return nil, err
	}
	secondaryCG, err := secondary.Source.LoadCallGraph(secondaryBin)
	if err != nil {
		return nil, err
	}

	pairs, removed, added := PairFunctions(primaryCG, secondaryCG, d.cfg.MinFunctionSimilarity)

	mctx := match.NewContext(d.stepNames)
	var (
		funcs []models.FunctionMatch
		mu    sync.Mutex
	)

	g, gctx := errgroup.WithContext(ctx)
	workers := d.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g.SetLimit(workers)

	for _, pair := range pairs {
		pair := pair
		g.Go(func() error {
			fm, err := d.diffPair(gctx, primary.Source, secondary.Source, primaryBin, secondaryBin, pair, mctx)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				fmt.Fprintf(os.Stderr, "warning: skipping %s: %v\n", pair.Primary.Name, err)
				return nil
			}
			mu.Lock()
			funcs = append(funcs, *fm)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(funcs, func(i, j int) bool { return funcs[i].PrimaryAddr < funcs[j].PrimaryAddr })

	report := &models.DiffReport{
		PrimaryBinary:   primaryBin,
		SecondaryBinary: secondaryBin,
		GeneratedAt:     time.Now(),
		EngineVersion:   version.EngineVersion(),
		Functions:       funcs,
		Removed:         functionRecords(removed),
		Added:           functionRecords(added),
		Stats:           mctx.Stats(),
	}
	report.Summary = summarize(primaryCG, secondaryCG, funcs, removed, added)
	return report, nil
}

func (d *Differ) diffPair(ctx context.Context, primarySrc, secondarySrc storage.GraphSource, primaryBin, secondaryBin string, pair FunctionPair, mctx *match.Context) (*models.FunctionMatch, error) {
	primaryFG, err := primarySrc.LoadFlowGraph(primaryBin, pair.Primary.Addr)
	if err != nil {
		return nil, err
	}
	secondaryFG, err := secondarySrc.LoadFlowGraph(secondaryBin, pair.Secondary.Addr)
	if err != nil {
		return nil, err
	}

	fp, err := d.driver.MatchPair(ctx, primaryFG, secondaryFG, mctx)
	if err != nil {
		return nil, err
	}

	fm := &models.FunctionMatch{
		PrimaryName:     pair.Primary.Name,
		SecondaryName:   pair.Secondary.Name,
		PrimaryAddr:     pair.Primary.Addr,
		SecondaryAddr:   pair.Secondary.Addr,
		Status:          classify(pair),
		PairedBy:        pair.PairedBy,
		Similarity:      blockSimilarity(fp.Len(), primaryFG.VertexCount(), secondaryFG.VertexCount()),
		Confidence:      fp.Confidence(),
		Passes:          fp.Passes(),
		PrimaryBlocks:   primaryFG.VertexCount(),
		SecondaryBlocks: secondaryFG.VertexCount(),
		MatchedBlocks:   fp.Len(),
		StepCounts:      fp.StepCounts(),
	}
	if d.WithBlocks {
		for _, m := range fp.Matches() {
			fm.Blocks = append(fm.Blocks, models.BlockPair{
				PrimaryIndex:   m.PrimaryVertex,
				SecondaryIndex: m.SecondaryVertex,
				Step:           m.Step,
			})
		}
	}
	return fm, nil
}

// classify labels a pair. A name change wins over content: a renamed but
// byte-identical function reports as renamed, not identical.
func classify(pair FunctionPair) string {
	if pair.Primary.Name != pair.Secondary.Name {
		return models.StatusRenamed
	}
	if pair.Primary.ContentHash != 0 && pair.Primary.ContentHash == pair.Secondary.ContentHash {
		return models.StatusIdentical
	}
	return models.StatusModified
}

// blockSimilarity is the matched share of both functions' blocks.
func blockSimilarity(matched, primaryBlocks, secondaryBlocks int) float64 {
	total := primaryBlocks + secondaryBlocks
	if total == 0 {
		return 1
	}
	return float64(2*matched) / float64(total)
}

func functionRecords(fns []graph.Function) []models.FunctionRecord {
	var recs []models.FunctionRecord
	for _, fn := range fns {
		recs = append(recs, models.FunctionRecord{
			Name:         fn.Name,
			Addr:         fn.Addr,
			Blocks:       fn.BlockCount,
			Instructions: fn.InstructionCount,
		})
	}
	return recs
}

// summarize folds per-function results into the session summary. Overall
// similarity is the matched share of every block in either binary, so
// added and removed functions drag it down even though they never matched.
func summarize(primaryCG, secondaryCG *graph.CallGraph, funcs []models.FunctionMatch, removed, added []graph.Function) models.DiffSummary {
	summary := models.DiffSummary{
		PrimaryFunctions:   len(primaryCG.Functions),
		SecondaryFunctions: len(secondaryCG.Functions),
		Matched:            len(funcs),
		Removed:            len(removed),
		Added:              len(added),
	}

	var totalBlocks, matchedBlocks int
	for _, fm := range funcs {
		switch fm.Status {
		case models.StatusIdentical:
			summary.Identical++
		case models.StatusRenamed:
			summary.Renamed++
		default:
			summary.Modified++
		}
		totalBlocks += fm.PrimaryBlocks + fm.SecondaryBlocks
		matchedBlocks += 2 * fm.MatchedBlocks
	}
	for _, fn := range removed {
		totalBlocks += fn.BlockCount
	}
	for _, fn := range added {
		totalBlocks += fn.BlockCount
	}

	if totalBlocks > 0 {
		summary.OverallSimilarity = float64(matchedBlocks) / float64(totalBlocks)
	} else {
		summary.OverallSimilarity = 1
	}
	return summary
}
