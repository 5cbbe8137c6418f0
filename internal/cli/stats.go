// -- internal/cli/stats.go --
package cli

import (
	"encoding/json"
	"io"
	"os"

	"github.com/gemesa/bindiff/pkg/models"
	"github.com/gemesa/bindiff/pkg/storage/corpus"
	"github.com/gemesa/bindiff/pkg/storage/sqlite"
)

type resultsSummary struct {
	Database      string `json:"database"`
	Backend       string `json:"backend"`
	Reports       int    `json:"reports"`
	FileSizeBytes int64  `json:"file_size_bytes"`
	FileSizeHuman string `json:"file_size_human"`
}

// RunStats reports corpus and results-database occupancy as JSON. The
// results section is included only when the database file exists.
func RunStats(w io.Writer, corpusPath, resultsPath string) error {
	fsys := RealFileSystem{}
	diskSize, _ := GetPathSize(fsys, corpusPath)

	opts := corpus.DefaultOptions()
	opts.ReadOnly = true
	store, err := corpus.Open(corpusPath, opts)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats()
	if err != nil {
		return err
	}

	binaries, err := store.ListBinaries()
	if err != nil {
		return err
	}
	functions := make(map[string]int, len(binaries))
	for _, binary := range binaries {
		cg, err := store.LoadCallGraph(binary)
		if err != nil {
			return err
		}
		functions[binary] = len(cg.Functions)
	}

	schemaVersion, _ := store.GetMetadata("schema_version")

	output := struct {
		Corpus         string          `json:"corpus"`
		Backend        string          `json:"backend"`
		SchemaVersion  string          `json:"schema_version,omitempty"`
		Binaries       int             `json:"binaries"`
		FlowGraphs     int             `json:"flow_graphs"`
		Functions      map[string]int  `json:"functions_per_binary,omitempty"`
		DiskSpaceBytes int64           `json:"disk_space_bytes"`
		DiskSpaceHuman string          `json:"disk_space_human"`
		Results        *resultsSummary `json:"results,omitempty"`
	}{
		Corpus:         corpusPath,
		Backend:        models.BackendPebbleDB,
		SchemaVersion:  schemaVersion,
		Binaries:       stats.Binaries,
		FlowGraphs:     stats.FlowGraphs,
		Functions:      functions,
		DiskSpaceBytes: diskSize,
		DiskSpaceHuman: HumanizeBytes(diskSize),
	}

	if resultsPath != "" {
		if summary, err := summarizeResults(fsys, resultsPath); err != nil {
			return err
		} else if summary != nil {
			output.Results = summary
		}
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

// summarizeResults returns nil without error when the database file does not
// exist: stats must not create one as a side effect.
func summarizeResults(fsys FileSystem, path string) (*resultsSummary, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	keys, err := db.ListReports()
	if err != nil {
		return nil, err
	}
	fileSize, _ := GetPathSize(fsys, path)
	return &resultsSummary{
		Database:      path,
		Backend:       models.BackendSQLite,
		Reports:       len(keys),
		FileSizeBytes: fileSize,
		FileSizeHuman: HumanizeBytes(fileSize),
	}, nil
}
