// -- internal/cli/show.go --
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gemesa/bindiff/pkg/models"
	"github.com/gemesa/bindiff/pkg/storage/sqlite"
)

// RunShow prints a persisted diff report as JSON, optionally narrowed to
// changed functions, a name substring, or a display cap.
func RunShow(w io.Writer, opts models.ShowOptions) error {
	// Open would create an empty database at a mistyped path, so check first.
	if _, err := os.Stat(opts.ResultsPath); err != nil {
		return fmt.Errorf("no results database at %s, run diff with --results first", opts.ResultsPath)
	}
	db, err := sqlite.Open(opts.ResultsPath)
	if err != nil {
		return err
	}
	defer db.Close()

	primary, secondary, err := resolveReportKey(db, opts.Primary, opts.Secondary)
	if err != nil {
		return err
	}
	report, err := db.LoadReport(primary, secondary)
	if err != nil {
		return err
	}

	filterReport(report, opts)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

// resolveReportKey picks the report to load: the named pair when both flags
// are set, otherwise the newest persisted report.
func resolveReportKey(db *sqlite.ResultDB, primary, secondary string) (string, string, error) {
	if primary != "" && secondary != "" {
		return primary, secondary, nil
	}
	if primary != "" || secondary != "" {
		return "", "", fmt.Errorf("report selection needs both --primary and --secondary")
	}
	keys, err := db.ListReports()
	if err != nil {
		return "", "", err
	}
	if len(keys) == 0 {
		return "", "", fmt.Errorf("results database holds no reports")
	}
	return keys[0].Primary, keys[0].Secondary, nil
}

// filterReport narrows the report in place. A zero limit falls back to the
// display cap, a negative limit disables it.
func filterReport(report *models.DiffReport, opts models.ShowOptions) {
	funcs := report.Functions
	if opts.OnlyChanged || opts.Function != "" {
		kept := funcs[:0]
		for _, fm := range funcs {
			if opts.OnlyChanged && fm.Status == models.StatusIdentical {
				continue
			}
			if !matchesFunctionFilter(fm.PrimaryName, fm.SecondaryName, opts.Function) {
				continue
			}
			kept = append(kept, fm)
		}
		funcs = kept
	}
	if opts.Function != "" {
		report.Removed = filterRecords(report.Removed, opts.Function)
		report.Added = filterRecords(report.Added, opts.Function)
	}

	limit := opts.Limit
	if limit == 0 {
		limit = models.MaxReportFunctionsDisplay
	}
	if limit > 0 && len(funcs) > limit {
		fmt.Fprintf(os.Stderr, "showing %d of %d functions, raise --limit to see more\n", limit, len(funcs))
		funcs = funcs[:limit]
	}
	report.Functions = funcs
}

// matchesFunctionFilter checks the needle against both raw symbol names and
// their shortened display forms, so "Handler" finds
// "example.com/mod/pkg.(*Server).Handler" as well.
func matchesFunctionFilter(primary, secondary, needle string) bool {
	if needle == "" {
		return true
	}
	for _, name := range []string{primary, secondary} {
		if name == "" {
			continue
		}
		if strings.Contains(name, needle) || strings.Contains(ShortFunctionName(name), needle) {
			return true
		}
	}
	return false
}

func filterRecords(records []models.FunctionRecord, needle string) []models.FunctionRecord {
	kept := records[:0]
	for _, rec := range records {
		if strings.Contains(rec.Name, needle) || strings.Contains(ShortFunctionName(rec.Name), needle) {
			kept = append(kept, rec)
		}
	}
	return kept
}
