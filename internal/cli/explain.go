// -- internal/cli/explain.go --
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/gemesa/bindiff"
	"github.com/gemesa/bindiff/internal/llm"
	"github.com/gemesa/bindiff/pkg/models"
	"github.com/gemesa/bindiff/pkg/storage/sqlite"
)

// RunExplain classifies the changes of a persisted report through the
// explanation model and prints the verdict as JSON. When both corpora are
// given the evidence carries instruction-class deltas recomputed from the
// flow graphs; without them it degrades to the block counts stored in the
// report. The int is the process exit code: failing to produce a usable
// verdict exits non-zero so CI gates cannot be bypassed by crashing the
// pipeline.
func RunExplain(w io.Writer, opts models.ExplainOptions) (int, error) {
	if _, err := os.Stat(opts.ResultsPath); err != nil {
		return 1, fmt.Errorf("no results database at %s, run diff with --results first", opts.ResultsPath)
	}
	db, err := sqlite.Open(opts.ResultsPath)
	if err != nil {
		return 1, err
	}
	defer db.Close()

	primary, secondary, err := resolveReportKey(db, opts.Primary, opts.Secondary)
	if err != nil {
		return 1, err
	}
	report, err := db.LoadReport(primary, secondary)
	if err != nil {
		return 1, err
	}

	evidence, err := collectEvidence(report, opts)
	if err != nil {
		return 1, err
	}

	output := models.ExplainOutput{
		Inputs: models.ExplainInputs{
			PrimaryBinary:   report.PrimaryBinary,
			SecondaryBinary: report.SecondaryBinary,
			Function:        opts.Function,
			EvidenceCount:   len(evidence),
		},
	}

	if len(evidence) == 0 {
		output.Output = models.LLMResult{
			Verdict:  models.VerdictCosmetic,
			Evidence: "Automatic verdict: every paired function matched identically.",
		}
	} else {
		result, err := llm.ExplainDiff(report.PrimaryBinary, report.SecondaryBinary, evidence, opts.APIKey, opts.Model, opts.APIBase)
		if err != nil {
			// Encode the failure instead of aborting, the exit code below
			// still fails the run.
			output.Output = models.LLMResult{
				Verdict:  models.VerdictUnknown,
				Evidence: fmt.Sprintf("explanation failed: %v", err),
			}
		} else {
			output.Output = result
		}
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(output); err != nil {
		return 1, fmt.Errorf("json encode failed: %w", err)
	}

	if output.Output.Verdict == models.VerdictUnknown {
		return 1, nil
	}
	return 0, nil
}

// collectEvidence digests the report's non-identical functions, most changed
// first, plus whole-function additions and removals.
func collectEvidence(report *models.DiffReport, opts models.ExplainOptions) ([]models.ChangeEvidence, error) {
	changed := make([]models.FunctionMatch, 0, len(report.Functions))
	for _, fm := range report.Functions {
		if fm.Status == models.StatusIdentical {
			continue
		}
		if !matchesFunctionFilter(fm.PrimaryName, fm.SecondaryName, opts.Function) {
			continue
		}
		changed = append(changed, fm)
	}
	sort.SliceStable(changed, func(i, j int) bool {
		return changed[i].Similarity < changed[j].Similarity
	})

	withGraphs := opts.PrimaryCorpus != "" && opts.SecondaryCorpus != ""
	var evidence []models.ChangeEvidence

	if withGraphs {
		primaryStore, secondaryStore, closeStores, err := openCorpora(opts.PrimaryCorpus, opts.SecondaryCorpus)
		if err != nil {
			return nil, err
		}
		defer closeStores()

		for _, fm := range changed {
			primaryFG, err := primaryStore.LoadFlowGraph(report.PrimaryBinary, fm.PrimaryAddr)
			if err != nil {
				return nil, fmt.Errorf("load %s from primary corpus: %w", fm.PrimaryName, err)
			}
			secondaryFG, err := secondaryStore.LoadFlowGraph(report.SecondaryBinary, fm.SecondaryAddr)
			if err != nil {
				return nil, fmt.Errorf("load %s from secondary corpus: %w", fm.SecondaryName, err)
			}
			evidence = append(evidence, bindiff.BuildEvidence(primaryFG, secondaryFG, fm))
		}
	} else {
		for _, fm := range changed {
			name := fm.PrimaryName
			if fm.SecondaryName != "" && fm.SecondaryName != fm.PrimaryName {
				name = fm.PrimaryName + " -> " + fm.SecondaryName
			}
			evidence = append(evidence, models.ChangeEvidence{
				Function:        name,
				Similarity:      fm.Similarity,
				MatchedBlocks:   fm.MatchedBlocks,
				UnmatchedBlocks: (fm.PrimaryBlocks - fm.MatchedBlocks) + (fm.SecondaryBlocks - fm.MatchedBlocks),
			})
		}
	}

	for _, rec := range report.Removed {
		if opts.Function != "" && !matchesFunctionFilter(rec.Name, "", opts.Function) {
			continue
		}
		evidence = append(evidence, models.ChangeEvidence{
			Function:        rec.Name,
			UnmatchedBlocks: rec.Blocks,
			RemovedClasses:  fmt.Sprintf("whole function, %d instructions", rec.Instructions),
		})
	}
	for _, rec := range report.Added {
		if opts.Function != "" && !matchesFunctionFilter(rec.Name, "", opts.Function) {
			continue
		}
		evidence = append(evidence, models.ChangeEvidence{
			Function:        rec.Name,
			UnmatchedBlocks: rec.Blocks,
			AddedClasses:    fmt.Sprintf("whole function, %d instructions", rec.Instructions),
		})
	}

	if opts.Function != "" && len(evidence) == 0 {
		return nil, fmt.Errorf("no changed function matching %q in report", opts.Function)
	}
	return evidence, nil
}
