package storage

import (
	"github.com/gemesa/bindiff/pkg/graph"
	"github.com/gemesa/bindiff/pkg/models"
)

// GraphSource is the read side of the exported-graph corpus. The matching
// session loads call graphs up front and flow graphs lazily per function
// pair, so implementations must keep single-graph loads cheap.
type GraphSource interface {
	ListBinaries() ([]string, error)
	LoadCallGraph(binary string) (*graph.CallGraph, error)
	LoadFlowGraph(binary string, addr uint64) (*graph.FlowGraph, error)
}

// GraphSink is the write side of the corpus.
// SaveBinary replaces any prior export of the same binary; a partially
// written export must never become visible to a concurrent reader.
type GraphSink interface {
	SaveBinary(cg *graph.CallGraph, flowGraphs []*graph.FlowGraph) error
}

// ResultStore persists finished diff reports, keyed by the
// (primary, secondary) binary pair. Saving the same pair again replaces the
// previous run in a single transaction.
type ResultStore interface {
	SaveReport(report *models.DiffReport) error
	LoadReport(primary, secondary string) (*models.DiffReport, error)
	ListReports() ([]ReportKey, error)
	Close() error
}

// ReportKey identifies one persisted diff run.
type ReportKey struct {
	Primary   string
	Secondary string
	CreatedAt string
}
