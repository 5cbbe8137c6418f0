// -- internal/cli/export.go --
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gemesa/bindiff/pkg/export"
	"github.com/gemesa/bindiff/pkg/graph"
	"github.com/gemesa/bindiff/pkg/models"
	"github.com/gemesa/bindiff/pkg/storage/corpus"
)

// exportEnvelope is the record a sandboxed export worker emits on stdout:
// the summary plus the graphs themselves. The parent process decodes it and
// persists the graphs, so the corpus is never opened inside the jail. Parse
// failures travel inside the envelope, which lets the parent distinguish a
// rejected input from a crashed worker.
type exportEnvelope struct {
	Output     models.ExportOutput `json:"output"`
	CallGraph  *graph.CallGraph    `json:"call_graph,omitempty"`
	FlowGraphs []*graph.FlowGraph  `json:"flow_graphs,omitempty"`
}

// -- Public API --

// RunExport parses one target into flow graphs and stores them in the
// corpus. Parsing runs inside the sandbox unless disabled: disassembling a
// hostile binary or loading untrusted Go source is the attack surface.
func RunExport(target string, opts models.ExportOptions) error {
	cleanTarget := filepath.Clean(target)
	sb := RealSandboxer{}
	fsys := RealFileSystem{}

	binary := opts.Binary
	if binary == "" {
		binary = DeriveBinaryName(cleanTarget)
	}

	format, err := detectFormat(fsys, cleanTarget, opts.Format)
	if err != nil {
		return err
	}

	var result *export.Result

	if !opts.NoSandbox && !sb.IsSandboxed() {
		args := []string{"--target", cleanTarget, "--binary", binary, "--format", format}

		var outputBuf bytes.Buffer
		if err := SandboxExec(sb, &outputBuf, os.Stderr, "export", args, cleanTarget); err != nil {
			return fmt.Errorf("export failed during sandboxed parse: %w", err)
		}

		var envelope exportEnvelope
		if err := json.Unmarshal(outputBuf.Bytes(), &envelope); err != nil {
			return fmt.Errorf("failed to parse sandboxed export output (possible exploit or runtime error): %w", err)
		}
		if envelope.Output.ErrorMessage != "" {
			return fmt.Errorf("export worker: %s", envelope.Output.ErrorMessage)
		}
		if envelope.CallGraph == nil {
			return fmt.Errorf("export worker returned no call graph")
		}
		result = &export.Result{CallGraph: envelope.CallGraph, FlowGraphs: envelope.FlowGraphs}
	} else {
		result, err = exportGraphs(fsys, cleanTarget, binary, format)
		if err != nil {
			return err
		}
	}

	store, err := corpus.Open(opts.CorpusPath, corpus.DefaultOptions())
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.SaveBinary(result.CallGraph, result.FlowGraphs); err != nil {
		return fmt.Errorf("store export of %q: %w", binary, err)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(summarizeExport(binary, format, result))
}

// RunExportWorker is the sandboxed half of RunExport: parse only, graphs out
// as one JSON envelope. The worker exits cleanly whenever it could emit the
// envelope; only encoding failures surface as process errors.
func RunExportWorker(w io.Writer, fsys FileSystem, target, binary, format string) error {
	envelope := exportEnvelope{
		Output: models.ExportOutput{Binary: binary, Format: format},
	}

	result, err := exportGraphs(fsys, target, binary, format)
	if err != nil {
		envelope.Output.ErrorMessage = err.Error()
	} else {
		envelope.Output = summarizeExport(binary, format, result)
		envelope.CallGraph = result.CallGraph
		envelope.FlowGraphs = result.FlowGraphs
	}
	return json.NewEncoder(w).Encode(envelope)
}

// -- Core Logic --

// exportGraphs runs the exporter matching format over the target.
func exportGraphs(fsys FileSystem, target, binary, format string) (*export.Result, error) {
	absPath, err := fsys.Abs(target)
	if err != nil {
		return nil, fmt.Errorf("resolve target %q: %w", target, err)
	}
	info, err := fsys.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat target: %w", err)
	}

	switch format {
	case models.FormatELF:
		if info.IsDir() {
			return nil, fmt.Errorf("elf export needs a file, %s is a directory", target)
		}
		if info.Size() > models.MaxBinaryFileSize {
			return nil, fmt.Errorf("binary exceeds maximum analysis size of %d bytes", models.MaxBinaryFileSize)
		}
		result, err := export.FromELF(binary, absPath)
		if err != nil {
			return nil, fmt.Errorf("elf export of %s: %w", target, err)
		}
		return result, nil
	case models.FormatSSA:
		result, err := export.FromGoSource(binary, absPath)
		if err != nil {
			return nil, fmt.Errorf("ssa export of %s: %w", target, err)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unsupported export format %q (want %q or %q)", format, models.FormatSSA, models.FormatELF)
	}
}

// detectFormat validates an explicit format or sniffs one: directories and
// .go files export through SSA, anything opening with the ELF magic through
// the disassembler.
func detectFormat(fsys FileSystem, target, format string) (string, error) {
	switch format {
	case models.FormatSSA, models.FormatELF:
		return format, nil
	case "":
	default:
		return "", fmt.Errorf("unsupported export format %q (want %q or %q)", format, models.FormatSSA, models.FormatELF)
	}

	info, err := fsys.Stat(target)
	if err != nil {
		return "", fmt.Errorf("stat target: %w", err)
	}
	if info.IsDir() || strings.HasSuffix(target, ".go") {
		return models.FormatSSA, nil
	}

	f, err := fsys.Open(target)
	if err != nil {
		return "", fmt.Errorf("open target: %w", err)
	}
	defer f.Close()
	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err == nil && bytes.Equal(magic, []byte("\x7fELF")) {
		return models.FormatELF, nil
	}
	return "", fmt.Errorf("cannot detect export format of %s; pass --format %s or --format %s", target, models.FormatSSA, models.FormatELF)
}

// DeriveBinaryName labels a corpus entry after its target when no explicit
// name is given: the file name, or the directory name for Go packages.
func DeriveBinaryName(target string) string {
	base := filepath.Base(filepath.Clean(target))
	if base == "." || base == string(filepath.Separator) {
		if abs, err := filepath.Abs(target); err == nil {
			base = filepath.Base(abs)
		}
	}
	base = strings.TrimSuffix(base, ".go")
	// Corpus keys reserve ':'; never let a weird path poison the key space.
	return strings.ReplaceAll(base, ":", "_")
}

func summarizeExport(binary, format string, result *export.Result) models.ExportOutput {
	out := models.ExportOutput{
		Binary:    binary,
		Format:    format,
		Functions: len(result.FlowGraphs),
	}
	for _, fg := range result.FlowGraphs {
		out.Blocks += len(fg.Blocks)
		for i := range fg.Blocks {
			out.Instructions += len(fg.Blocks[i].Instructions)
		}
	}
	return out
}
