// -- internal/cli/diff.go --
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gemesa/bindiff"
	"github.com/gemesa/bindiff/pkg/match"
	"github.com/gemesa/bindiff/pkg/models"
	"github.com/gemesa/bindiff/pkg/storage/corpus"
	"github.com/gemesa/bindiff/pkg/storage/sqlite"
)

// RunDiff pairs and matches two exported binaries and emits the session
// report as JSON. The report is additionally persisted when a results path
// is set. Interrupts cancel the session.
func RunDiff(w io.Writer, opts models.DiffOptions) error {
	cfg, err := loadDiffConfig(opts)
	if err != nil {
		return err
	}

	primaryStore, secondaryStore, closeStores, err := openCorpora(opts.PrimaryCorpus, opts.SecondaryCorpus)
	if err != nil {
		return err
	}
	defer closeStores()

	differ, err := bindiff.NewDiffer(cfg)
	if err != nil {
		return err
	}
	differ.WithBlocks = opts.WithBlocks

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	report, err := differ.Diff(ctx,
		bindiff.Input{Source: primaryStore, Binary: opts.PrimaryBinary},
		bindiff.Input{Source: secondaryStore, Binary: opts.SecondaryBinary},
	)
	if err != nil {
		return err
	}

	if opts.ResultsPath != "" {
		db, err := sqlite.Open(opts.ResultsPath)
		if err != nil {
			return err
		}
		if err := db.SaveReport(report); err != nil {
			db.Close()
			return fmt.Errorf("persist report: %w", err)
		}
		if err := db.Close(); err != nil {
			return fmt.Errorf("close results db: %w", err)
		}
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

// loadDiffConfig reads the calibration file when given and applies flag
// overrides on top of it.
func loadDiffConfig(opts models.DiffOptions) (match.Config, error) {
	cfg := match.DefaultConfig()
	if opts.ConfigPath != "" {
		loaded, err := match.LoadConfig(opts.ConfigPath)
		if err != nil {
			return match.Config{}, err
		}
		cfg = loaded
	}
	if opts.MinSimilarity > 0 {
		cfg.MinFunctionSimilarity = opts.MinSimilarity
	}
	if opts.Workers > 0 {
		cfg.Workers = opts.Workers
	}
	if err := cfg.Validate(); err != nil {
		return match.Config{}, err
	}
	return cfg, nil
}

// openCorpora opens both corpus stores read-only. Diffing two binaries held
// in one corpus reuses a single store: Pebble takes the directory lock even
// for readers, so a second open of the same path would fail.
func openCorpora(primaryPath, secondaryPath string) (*corpus.Store, *corpus.Store, func(), error) {
	readOnly := corpus.DefaultOptions()
	readOnly.ReadOnly = true

	primary, err := corpus.Open(primaryPath, readOnly)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("primary corpus: %w", err)
	}
	if samePath(primaryPath, secondaryPath) {
		return primary, primary, func() { primary.Close() }, nil
	}

	secondary, err := corpus.Open(secondaryPath, readOnly)
	if err != nil {
		primary.Close()
		return nil, nil, nil, fmt.Errorf("secondary corpus: %w", err)
	}
	closeBoth := func() {
		primary.Close()
		secondary.Close()
	}
	return primary, secondary, closeBoth, nil
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}
