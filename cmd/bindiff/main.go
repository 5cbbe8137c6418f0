package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/gemesa/bindiff/internal/cli"
	"github.com/gemesa/bindiff/pkg/models"
	version "github.com/gemesa/bindiff/pkg/version"
)

// Package main provides the bindiff CLI tool for exporting binary flow
// graphs and diffing them with the multi-heuristic matching engine.

// -- Main Entry Point --

func main() {
	// -- Internal Worker Dispatch --
	// This entry point allows the CLI to act as its own sandboxed worker.
	// It bypasses the standard flag parsing to invoke logic directly.
	if len(os.Args) > 1 && os.Args[1] == "internal-worker" {
		if err := runWorker(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Worker Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	// -- Standard CLI --

	// Configure help text
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `bindiff - Binary Diffing CLI

A flow-graph exporter and multi-heuristic matcher for binary diffing.

Usage:
  bindiff export [flags] <path|package>                 Export flow graphs into a corpus
  bindiff diff [flags] <primary-corpus> <secondary-corpus>
                                                        Match two exported binaries
  bindiff show [flags]                                  Print a persisted diff report
  bindiff stats [flags]                                 Show corpus and results statistics
  bindiff explain [flags] [<primary-corpus> <secondary-corpus>]
                                                        Classify a diff through an LLM

Commands:
  export   Lift a Go package (SSA) or x86-64 ELF binary into flow graphs.
           Parsing runs inside a gVisor sandbox unless --no-sandbox is set.
           Flags:
             --corpus      Corpus directory (default: resolved, ./corpus)
             --binary      Name for the corpus entry (default: derived from target)
             --format      ssa or elf (default: detected)
             --no-sandbox  Disable gVisor/Namespace isolation

  diff     Pair functions of two exported binaries and match their basic
           blocks. Persists the report when --results or BINDIFF_RESULTS_PATH
           is set.
           Flags:
             --primary / --secondary   Binary names inside the corpora
             --results                 Results database path
             --config                  Matching calibration YAML
             --min-similarity          Function pairing floor
             --workers                 Concurrent function pairs
             --blocks                  Include per-block matches

  show     Print a persisted report, newest by default.
  stats    Display corpus occupancy and report counts.
  explain  Ask an LLM whether a persisted diff is COSMETIC, REFACTOR or
           BEHAVIORAL. Corpora are optional and sharpen the evidence.
           Flags:
             --api-key     API Key (OpenAI or Gemini). Prefer env vars.
             --model       LLM Model (default: gpt-4o, supports gemini-*)
             --api-base    Custom API Base URL (for testing/proxying)
  version  Display CLI and Engine version

Environment:
  BINDIFF_CORPUS_PATH    Default corpus directory
  BINDIFF_RESULTS_PATH   Default results database
  OPENAI_API_KEY, GEMINI_API_KEY   Explain credentials

Examples:
  bindiff export ./cmd/app
  bindiff export --format elf --binary firmware-v2 ./firmware.bin
  bindiff diff --results results.db ./corpus-v1 ./corpus-v2
  bindiff show --only-changed
  bindiff explain ./corpus-v1 ./corpus-v2
  bindiff version
`)
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}

	cmd := os.Args[1]

	// -- Flag Definitions --

	exportCmd := flag.NewFlagSet("export", flag.ExitOnError)
	exportCorpus := exportCmd.String("corpus", "", "Path to the graph corpus directory")
	exportBinary := exportCmd.String("binary", "", "Name for the corpus entry (default: derived from target)")
	exportFormat := exportCmd.String("format", "", "Export format: ssa or elf (default: detected)")
	exportNoSandbox := exportCmd.Bool("no-sandbox", false, "Disable gVisor/Namespace isolation")

	diffCmd := flag.NewFlagSet("diff", flag.ExitOnError)
	diffPrimary := diffCmd.String("primary", "", "Binary name inside the primary corpus")
	diffSecondary := diffCmd.String("secondary", "", "Binary name inside the secondary corpus")
	diffResults := diffCmd.String("results", "", "Results database to persist the report into")
	diffConfig := diffCmd.String("config", "", "Matching calibration YAML")
	diffMinSim := diffCmd.Float64("min-similarity", 0, "Function pairing similarity floor (0 = configured default)")
	diffWorkers := diffCmd.Int("workers", 0, "Concurrent function pairs (0 = GOMAXPROCS)")
	diffBlocks := diffCmd.Bool("blocks", false, "Include per-block matches in the report")

	showCmd := flag.NewFlagSet("show", flag.ExitOnError)
	showResults := showCmd.String("results", "", "Results database path")
	showPrimary := showCmd.String("primary", "", "Primary binary of the report to show")
	showSecondary := showCmd.String("secondary", "", "Secondary binary of the report to show")
	showFunction := showCmd.String("function", "", "Only functions whose name contains this substring")
	showOnlyChanged := showCmd.Bool("only-changed", false, "Hide identical functions")
	showLimit := showCmd.Int("limit", 0, "Max functions to print (0 = default cap, negative = unlimited)")

	statsCmd := flag.NewFlagSet("stats", flag.ExitOnError)
	statsCorpus := statsCmd.String("corpus", "", "Path to the graph corpus directory")
	statsResults := statsCmd.String("results", "", "Results database path")

	explainCmd := flag.NewFlagSet("explain", flag.ExitOnError)
	explainResults := explainCmd.String("results", "", "Results database path")
	explainPrimary := explainCmd.String("primary", "", "Primary binary of the report to explain")
	explainSecondary := explainCmd.String("secondary", "", "Secondary binary of the report to explain")
	explainFunction := explainCmd.String("function", "", "Only explain functions whose name contains this substring")
	explainApiKey := explainCmd.String("api-key", "", "API Key (WARNING: Prefer ENV vars to avoid history leaks)")
	explainModel := explainCmd.String("model", models.ModelGPT4o, "LLM Model to use")
	explainApiBase := explainCmd.String("api-base", "", "Custom API Base URL")

	// -- Command Routing --

	switch cmd {
	case "export":
		if err := exportCmd.Parse(os.Args[2:]); err != nil {
			cli.ExitError(err)
		}
		if exportCmd.NArg() < 1 {
			exportCmd.Usage()
			os.Exit(1)
		}
		opts := models.ExportOptions{
			CorpusPath: cli.ResolveCorpusPath(*exportCorpus),
			Binary:     *exportBinary,
			Format:     *exportFormat,
			NoSandbox:  *exportNoSandbox,
		}
		if err := cli.RunExport(exportCmd.Arg(0), opts); err != nil {
			cli.ExitError(err)
		}

	case "diff":
		if err := diffCmd.Parse(os.Args[2:]); err != nil {
			cli.ExitError(err)
		}
		if diffCmd.NArg() < 2 {
			diffCmd.Usage()
			os.Exit(1)
		}
		// Persist only on request: an explicit flag or the env default.
		resultsPath := *diffResults
		if resultsPath == "" {
			resultsPath = os.Getenv("BINDIFF_RESULTS_PATH")
		}
		opts := models.DiffOptions{
			PrimaryCorpus:   diffCmd.Arg(0),
			SecondaryCorpus: diffCmd.Arg(1),
			PrimaryBinary:   *diffPrimary,
			SecondaryBinary: *diffSecondary,
			ResultsPath:     resultsPath,
			ConfigPath:      *diffConfig,
			Workers:         *diffWorkers,
			WithBlocks:      *diffBlocks,
			MinSimilarity:   *diffMinSim,
		}
		if err := cli.RunDiff(os.Stdout, opts); err != nil {
			cli.ExitError(err)
		}

	case "show":
		if err := showCmd.Parse(os.Args[2:]); err != nil {
			cli.ExitError(err)
		}
		opts := models.ShowOptions{
			ResultsPath: cli.ResolveResultsPath(*showResults),
			Primary:     *showPrimary,
			Secondary:   *showSecondary,
			Function:    *showFunction,
			OnlyChanged: *showOnlyChanged,
			Limit:       *showLimit,
		}
		if err := cli.RunShow(os.Stdout, opts); err != nil {
			cli.ExitError(err)
		}

	case "stats":
		if err := statsCmd.Parse(os.Args[2:]); err != nil {
			cli.ExitError(err)
		}
		corpusPath := cli.ResolveCorpusPath(*statsCorpus)
		resultsPath := cli.ResolveResultsPath(*statsResults)
		if err := cli.RunStats(os.Stdout, corpusPath, resultsPath); err != nil {
			cli.ExitError(err)
		}

	case "explain":
		if err := explainCmd.Parse(os.Args[2:]); err != nil {
			cli.ExitError(err)
		}
		opts := models.ExplainOptions{
			ResultsPath: cli.ResolveResultsPath(*explainResults),
			Primary:     *explainPrimary,
			Secondary:   *explainSecondary,
			Function:    *explainFunction,
			Model:       *explainModel,
			APIBase:     *explainApiBase,
		}
		switch explainCmd.NArg() {
		case 0:
			// Evidence degrades to the block counts stored in the report.
		case 2:
			opts.PrimaryCorpus = explainCmd.Arg(0)
			opts.SecondaryCorpus = explainCmd.Arg(1)
		default:
			fmt.Fprintln(os.Stderr, "Usage: bindiff explain [flags] [<primary-corpus> <secondary-corpus>]")
			os.Exit(1)
		}

		apiKey := *explainApiKey
		// Warn on flag usage, check env vars if flag is empty
		if apiKey != "" {
			fmt.Fprintln(os.Stderr, "warning: passing API key via flag is insecure; use OPENAI_API_KEY or GEMINI_API_KEY environment variables.")
		} else {
			if strings.HasPrefix(strings.ToLower(*explainModel), "gemini") {
				apiKey = os.Getenv("GEMINI_API_KEY")
			} else {
				apiKey = os.Getenv("OPENAI_API_KEY")
			}
		}
		opts.APIKey = apiKey

		exitCode, err := cli.RunExplain(os.Stdout, opts)
		if err != nil {
			cli.ExitError(err)
		}
		// Fail with non-zero exit code if the verdict is UNKNOWN
		if exitCode != 0 {
			os.Exit(exitCode)
		}

	case "version":
		fmt.Println("bindiff CLI")
		// Automatically pulls the tag from build info, or "(devel)" if running locally
		fmt.Printf("Build: %s\n", version.EngineVersion())
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		if suggestion := cli.SuggestCommand(cmd); suggestion != "" {
			fmt.Fprintf(os.Stderr, "Did you mean '%s'?\n", suggestion)
		}
		flag.Usage()
		os.Exit(1)
	}
}

// -- Worker Implementation --

// Handles the sandboxed execution logic.
// It reconstructs flags manually because the worker receives raw args.
func runWorker(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("no worker command")
	}
	cmd := args[0]
	fsys := cli.RealFileSystem{}

	switch cmd {
	case "export":
		// Flag parsing mirrors the CLI but routes to RunExportWorker, which
		// emits the graph envelope on stdout instead of touching the corpus.
		fs := flag.NewFlagSet("export", flag.ExitOnError)
		target := fs.String("target", "", "")
		binary := fs.String("binary", "", "")
		format := fs.String("format", "", "")

		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *target == "" {
			return fmt.Errorf("export worker requires --target")
		}
		return cli.RunExportWorker(os.Stdout, fsys, *target, *binary, *format)
	}

	return fmt.Errorf("unknown worker cmd: %s", cmd)
}
