// Package sqlite persists diff reports in a single SQLite file. Every write
// happens inside one immediate transaction; readers use prepared statements
// with positional binds and explicit column reads, so a failed query is an
// error at the call site and never a silently skipped row.
package sqlite

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/gemesa/bindiff/pkg/match"
	"github.com/gemesa/bindiff/pkg/models"
	"github.com/gemesa/bindiff/pkg/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS reports (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    primary_binary TEXT NOT NULL,
    secondary_binary TEXT NOT NULL,
    created_at TEXT NOT NULL,
    engine_version TEXT NOT NULL DEFAULT '',
    overall_similarity REAL NOT NULL,
    summary_json TEXT NOT NULL,
    stats_json TEXT NOT NULL,
    UNIQUE(primary_binary, secondary_binary)
);

CREATE TABLE IF NOT EXISTS function_matches (
    report_id INTEGER NOT NULL REFERENCES reports(id) ON DELETE CASCADE,
    primary_name TEXT NOT NULL,
    secondary_name TEXT NOT NULL,
    primary_addr INTEGER NOT NULL,
    secondary_addr INTEGER NOT NULL,
    status TEXT NOT NULL,
    paired_by TEXT NOT NULL,
    similarity REAL NOT NULL,
    confidence REAL NOT NULL,
    passes INTEGER NOT NULL,
    primary_blocks INTEGER NOT NULL,
    secondary_blocks INTEGER NOT NULL,
    matched_blocks INTEGER NOT NULL,
    step_counts TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS block_matches (
    report_id INTEGER NOT NULL REFERENCES reports(id) ON DELETE CASCADE,
    function_addr INTEGER NOT NULL,
    primary_index INTEGER NOT NULL,
    secondary_index INTEGER NOT NULL,
    step TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS unmatched_functions (
    report_id INTEGER NOT NULL REFERENCES reports(id) ON DELETE CASCADE,
    side TEXT NOT NULL,
    name TEXT NOT NULL,
    addr INTEGER NOT NULL,
    blocks INTEGER NOT NULL,
    instructions INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_function_matches_report ON function_matches(report_id);
CREATE INDEX IF NOT EXISTS idx_block_matches_report ON block_matches(report_id, function_addr);
CREATE INDEX IF NOT EXISTS idx_unmatched_report ON unmatched_functions(report_id);
`

const (
	sidePrimary   = "primary"
	sideSecondary = "secondary"
)

// ResultDB is a storage.ResultStore on one SQLite connection. A mutex
// serializes access: report persistence is a once-per-session write and the
// CLI readers are sequential, so a connection pool would buy nothing.
type ResultDB struct {
	mu   sync.Mutex
	conn *sqlite.Conn
}

var _ storage.ResultStore = (*ResultDB)(nil)

// Open opens or creates the results database and applies the schema.
func Open(path string) (*ResultDB, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenCreate, sqlite.OpenReadWrite, sqlite.OpenWAL)
	if err != nil {
		return nil, fmt.Errorf("open results db %q: %w", path, err)
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = ON", nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA synchronous = NORMAL", nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set synchronous pragma: %w", err)
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply results schema: %w", err)
	}
	return &ResultDB{conn: conn}, nil
}

func (db *ResultDB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.conn == nil {
		return nil
	}
	err := db.conn.Close()
	db.conn = nil
	return err
}

// SaveReport writes one report transactionally, replacing any previous run
// of the same binary pair. The foreign keys cascade the replacement to all
// child tables.
func (db *ResultDB) SaveReport(report *models.DiffReport) (err error) {
	if report == nil {
		return fmt.Errorf("nil report")
	}
	if report.PrimaryBinary == "" || report.SecondaryBinary == "" {
		return fmt.Errorf("report missing binary names")
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.conn == nil {
		return fmt.Errorf("results db is closed")
	}

	endFn, err := sqlitex.ImmediateTransaction(db.conn)
	if err != nil {
		return fmt.Errorf("begin results transaction: %w", err)
	}
	defer endFn(&err)

	if err = db.deleteReportLocked(report.PrimaryBinary, report.SecondaryBinary); err != nil {
		return err
	}

	reportID, err := db.insertReportRow(report)
	if err != nil {
		return err
	}
	if err = db.insertFunctionMatches(reportID, report.Functions); err != nil {
		return err
	}
	if err = db.insertBlockMatches(reportID, report.Functions); err != nil {
		return err
	}
	if err = db.insertUnmatched(reportID, sidePrimary, report.Removed); err != nil {
		return err
	}
	if err = db.insertUnmatched(reportID, sideSecondary, report.Added); err != nil {
		return err
	}
	return nil
}

func (db *ResultDB) deleteReportLocked(primary, secondary string) error {
	stmt, err := db.conn.Prepare(`DELETE FROM reports WHERE primary_binary = ? AND secondary_binary = ?`)
	if err != nil {
		return fmt.Errorf("prepare report delete: %w", err)
	}
	defer func() { _ = stmt.Finalize() }()

	stmt.BindText(1, primary)
	stmt.BindText(2, secondary)
	if _, err := stmt.Step(); err != nil {
		return fmt.Errorf("delete previous report %s/%s: %w", primary, secondary, err)
	}
	return nil
}

func (db *ResultDB) insertReportRow(report *models.DiffReport) (int64, error) {
	createdAt := report.GeneratedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	summaryJSON, err := json.Marshal(report.Summary)
	if err != nil {
		return 0, fmt.Errorf("encode summary: %w", err)
	}
	statsJSON, err := json.Marshal(report.Stats)
	if err != nil {
		return 0, fmt.Errorf("encode stats: %w", err)
	}

	stmt, err := db.conn.Prepare(`INSERT INTO reports
		(primary_binary, secondary_binary, created_at, engine_version, overall_similarity, summary_json, stats_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare report insert: %w", err)
	}
	defer func() { _ = stmt.Finalize() }()

	stmt.BindText(1, report.PrimaryBinary)
	stmt.BindText(2, report.SecondaryBinary)
	stmt.BindText(3, createdAt.Format(time.RFC3339Nano))
	stmt.BindText(4, report.EngineVersion)
	stmt.BindFloat(5, report.Summary.OverallSimilarity)
	stmt.BindText(6, string(summaryJSON))
	stmt.BindText(7, string(statsJSON))

	if _, err := stmt.Step(); err != nil {
		return 0, fmt.Errorf("insert report %s/%s: %w", report.PrimaryBinary, report.SecondaryBinary, err)
	}
	return db.conn.LastInsertRowID(), nil
}

func (db *ResultDB) insertFunctionMatches(reportID int64, funcs []models.FunctionMatch) error {
	stmt, err := db.conn.Prepare(`INSERT INTO function_matches
		(report_id, primary_name, secondary_name, primary_addr, secondary_addr,
		 status, paired_by, similarity, confidence, passes,
		 primary_blocks, secondary_blocks, matched_blocks, step_counts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare function insert: %w", err)
	}
	defer func() { _ = stmt.Finalize() }()

	for i := range funcs {
		fm := &funcs[i]
		counts, err := json.Marshal(fm.StepCounts)
		if err != nil {
			return fmt.Errorf("encode step counts for %s: %w", fm.PrimaryName, err)
		}
		stmt.BindInt64(1, reportID)
		stmt.BindText(2, fm.PrimaryName)
		stmt.BindText(3, fm.SecondaryName)
		// Addresses are bit-cast: SQLite integers are signed 64-bit.
		stmt.BindInt64(4, int64(fm.PrimaryAddr))
		stmt.BindInt64(5, int64(fm.SecondaryAddr))
		stmt.BindText(6, fm.Status)
		stmt.BindText(7, fm.PairedBy)
		stmt.BindFloat(8, fm.Similarity)
		stmt.BindFloat(9, fm.Confidence)
		stmt.BindInt64(10, int64(fm.Passes))
		stmt.BindInt64(11, int64(fm.PrimaryBlocks))
		stmt.BindInt64(12, int64(fm.SecondaryBlocks))
		stmt.BindInt64(13, int64(fm.MatchedBlocks))
		stmt.BindText(14, string(counts))

		if _, err := stmt.Step(); err != nil {
			return fmt.Errorf("insert function match %s: %w", fm.PrimaryName, err)
		}
		if err := stmt.Reset(); err != nil {
			return fmt.Errorf("reset function insert: %w", err)
		}
	}
	return nil
}

func (db *ResultDB) insertBlockMatches(reportID int64, funcs []models.FunctionMatch) error {
	stmt, err := db.conn.Prepare(`INSERT INTO block_matches
		(report_id, function_addr, primary_index, secondary_index, step)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare block insert: %w", err)
	}
	defer func() { _ = stmt.Finalize() }()

	for i := range funcs {
		fm := &funcs[i]
		for _, b := range fm.Blocks {
			stmt.BindInt64(1, reportID)
			stmt.BindInt64(2, int64(fm.PrimaryAddr))
			stmt.BindInt64(3, int64(b.PrimaryIndex))
			stmt.BindInt64(4, int64(b.SecondaryIndex))
			stmt.BindText(5, b.Step)

			if _, err := stmt.Step(); err != nil {
				return fmt.Errorf("insert block match %s[%d]: %w", fm.PrimaryName, b.PrimaryIndex, err)
			}
			if err := stmt.Reset(); err != nil {
				return fmt.Errorf("reset block insert: %w", err)
			}
		}
	}
	return nil
}

func (db *ResultDB) insertUnmatched(reportID int64, side string, records []models.FunctionRecord) error {
	if len(records) == 0 {
		return nil
	}
	stmt, err := db.conn.Prepare(`INSERT INTO unmatched_functions
		(report_id, side, name, addr, blocks, instructions)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare unmatched insert: %w", err)
	}
	defer func() { _ = stmt.Finalize() }()

	for _, r := range records {
		stmt.BindInt64(1, reportID)
		stmt.BindText(2, side)
		stmt.BindText(3, r.Name)
		stmt.BindInt64(4, int64(r.Addr))
		stmt.BindInt64(5, int64(r.Blocks))
		stmt.BindInt64(6, int64(r.Instructions))

		if _, err := stmt.Step(); err != nil {
			return fmt.Errorf("insert unmatched function %s: %w", r.Name, err)
		}
		if err := stmt.Reset(); err != nil {
			return fmt.Errorf("reset unmatched insert: %w", err)
		}
	}
	return nil
}

// LoadReport reads one persisted run back, block matches included.
func (db *ResultDB) LoadReport(primary, secondary string) (*models.DiffReport, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.conn == nil {
		return nil, fmt.Errorf("results db is closed")
	}

	report, reportID, err := db.loadReportRow(primary, secondary)
	if err != nil {
		return nil, err
	}
	if report.Functions, err = db.loadFunctionMatches(reportID); err != nil {
		return nil, err
	}
	if err := db.attachBlockMatches(reportID, report.Functions); err != nil {
		return nil, err
	}
	if report.Removed, err = db.loadUnmatched(reportID, sidePrimary); err != nil {
		return nil, err
	}
	if report.Added, err = db.loadUnmatched(reportID, sideSecondary); err != nil {
		return nil, err
	}
	return report, nil
}

func (db *ResultDB) loadReportRow(primary, secondary string) (*models.DiffReport, int64, error) {
	stmt, err := db.conn.Prepare(`SELECT id, created_at, engine_version, summary_json, stats_json
		FROM reports WHERE primary_binary = ? AND secondary_binary = ?`)
	if err != nil {
		return nil, 0, fmt.Errorf("prepare report select: %w", err)
	}
	defer func() { _ = stmt.Finalize() }()

	stmt.BindText(1, primary)
	stmt.BindText(2, secondary)

	hasRow, err := stmt.Step()
	if err != nil {
		return nil, 0, fmt.Errorf("read report %s/%s: %w", primary, secondary, err)
	}
	if !hasRow {
		return nil, 0, fmt.Errorf("no report for %s/%s", primary, secondary)
	}

	report := &models.DiffReport{
		PrimaryBinary:   primary,
		SecondaryBinary: secondary,
		EngineVersion:   stmt.ColumnText(2),
	}
	reportID := stmt.ColumnInt64(0)
	if t, perr := time.Parse(time.RFC3339Nano, stmt.ColumnText(1)); perr == nil {
		report.GeneratedAt = t
	}
	if err := json.Unmarshal([]byte(stmt.ColumnText(3)), &report.Summary); err != nil {
		return nil, 0, fmt.Errorf("decode summary for %s/%s: %w", primary, secondary, err)
	}
	report.Stats = match.SessionStats{}
	if err := json.Unmarshal([]byte(stmt.ColumnText(4)), &report.Stats); err != nil {
		return nil, 0, fmt.Errorf("decode stats for %s/%s: %w", primary, secondary, err)
	}
	return report, reportID, nil
}

func (db *ResultDB) loadFunctionMatches(reportID int64) ([]models.FunctionMatch, error) {
	stmt, err := db.conn.Prepare(`SELECT primary_name, secondary_name, primary_addr, secondary_addr,
		status, paired_by, similarity, confidence, passes,
		primary_blocks, secondary_blocks, matched_blocks, step_counts
		FROM function_matches WHERE report_id = ? ORDER BY primary_addr`)
	if err != nil {
		return nil, fmt.Errorf("prepare function select: %w", err)
	}
	defer func() { _ = stmt.Finalize() }()

	stmt.BindInt64(1, reportID)

	var funcs []models.FunctionMatch
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, fmt.Errorf("read function matches: %w", err)
		}
		if !hasRow {
			break
		}
		fm := models.FunctionMatch{
			PrimaryName:     stmt.ColumnText(0),
			SecondaryName:   stmt.ColumnText(1),
			PrimaryAddr:     uint64(stmt.ColumnInt64(2)),
			SecondaryAddr:   uint64(stmt.ColumnInt64(3)),
			Status:          stmt.ColumnText(4),
			PairedBy:        stmt.ColumnText(5),
			Similarity:      stmt.ColumnFloat(6),
			Confidence:      stmt.ColumnFloat(7),
			Passes:          int(stmt.ColumnInt64(8)),
			PrimaryBlocks:   int(stmt.ColumnInt64(9)),
			SecondaryBlocks: int(stmt.ColumnInt64(10)),
			MatchedBlocks:   int(stmt.ColumnInt64(11)),
		}
		if raw := stmt.ColumnText(12); raw != "" && raw != "null" {
			if err := json.Unmarshal([]byte(raw), &fm.StepCounts); err != nil {
				return nil, fmt.Errorf("decode step counts for %s: %w", fm.PrimaryName, err)
			}
		}
		funcs = append(funcs, fm)
	}
	return funcs, nil
}

func (db *ResultDB) attachBlockMatches(reportID int64, funcs []models.FunctionMatch) error {
	if len(funcs) == 0 {
		return nil
	}
	byAddr := make(map[uint64]*models.FunctionMatch, len(funcs))
	for i := range funcs {
		byAddr[funcs[i].PrimaryAddr] = &funcs[i]
	}

	stmt, err := db.conn.Prepare(`SELECT function_addr, primary_index, secondary_index, step
		FROM block_matches WHERE report_id = ? ORDER BY function_addr, primary_index`)
	if err != nil {
		return fmt.Errorf("prepare block select: %w", err)
	}
	defer func() { _ = stmt.Finalize() }()

	stmt.BindInt64(1, reportID)
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return fmt.Errorf("read block matches: %w", err)
		}
		if !hasRow {
			break
		}
		addr := uint64(stmt.ColumnInt64(0))
		fm, ok := byAddr[addr]
		if !ok {
			return fmt.Errorf("block match references unknown function %#x", addr)
		}
		fm.Blocks = append(fm.Blocks, models.BlockPair{
			PrimaryIndex:   int(stmt.ColumnInt64(1)),
			SecondaryIndex: int(stmt.ColumnInt64(2)),
			Step:           stmt.ColumnText(3),
		})
	}
	return nil
}

func (db *ResultDB) loadUnmatched(reportID int64, side string) ([]models.FunctionRecord, error) {
	stmt, err := db.conn.Prepare(`SELECT name, addr, blocks, instructions
		FROM unmatched_functions WHERE report_id = ? AND side = ? ORDER BY addr`)
	if err != nil {
		return nil, fmt.Errorf("prepare unmatched select: %w", err)
	}
	defer func() { _ = stmt.Finalize() }()

	stmt.BindInt64(1, reportID)
	stmt.BindText(2, side)

	var records []models.FunctionRecord
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, fmt.Errorf("read unmatched functions: %w", err)
		}
		if !hasRow {
			break
		}
		records = append(records, models.FunctionRecord{
			Name:         stmt.ColumnText(0),
			Addr:         uint64(stmt.ColumnInt64(1)),
			Blocks:       int(stmt.ColumnInt64(2)),
			Instructions: int(stmt.ColumnInt64(3)),
		})
	}
	return records, nil
}

// ListReports returns the persisted runs, newest first.
func (db *ResultDB) ListReports() ([]storage.ReportKey, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.conn == nil {
		return nil, fmt.Errorf("results db is closed")
	}

	stmt, err := db.conn.Prepare(`SELECT primary_binary, secondary_binary, created_at
		FROM reports ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("prepare report list: %w", err)
	}
	defer func() { _ = stmt.Finalize() }()

	var keys []storage.ReportKey
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, fmt.Errorf("list reports: %w", err)
		}
		if !hasRow {
			break
		}
		keys = append(keys, storage.ReportKey{
			Primary:   stmt.ColumnText(0),
			Secondary: stmt.ColumnText(1),
			CreatedAt: stmt.ColumnText(2),
		})
	}
	return keys, nil
}
