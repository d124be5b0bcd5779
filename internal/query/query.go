// Package query implements spec.md §4.8's analytical query engine: SQL and
// structured queries over the columnar SSTables produced by
// internal/storage/sstable and internal/storage/convert, with predicate
// pushdown against each file's sidecar min/max timestamp statistics before
// a single byte of Parquet is scanned.
//
// Grounded on the reference pack's DuckDB-over-Parquet pattern
// (NimbleMarkets-dbn-go's internal/mcp_data/cache.go: sql.Open("duckdb", ""),
// extension/filesystem hardening pragmas, and CREATE OR REPLACE VIEW ... AS
// SELECT * FROM read_parquet(glob)), generalized from a static
// dataset/schema directory layout to the exchange's flat columnar-SSTable
// directory plus its JSON sidecar statistics.
package query

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/rs/zerolog"

	"qaexchange/internal/storage/sstable"
)

// DataFrame is the engine's uniform result shape for all three query
// operations.
type DataFrame struct {
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

// Engine wraps an in-memory DuckDB connection scanning Parquet files
// directly off disk — no data is loaded into DuckDB's own storage format,
// so sealed SSTables remain the single source of truth.
type Engine struct {
	db      *sql.DB
	dataDir string
	logger  zerolog.Logger
}

// New opens a hardened in-memory DuckDB engine rooted at dataDir (the
// columnar SSTable output directory internal/storage/convert writes to).
func New(dataDir string, logger zerolog.Logger) (*Engine, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("query: open duckdb: %w", err)
	}

	// Extensions and remote filesystems stay off; only local read_parquet
	// over files this process wrote is ever needed.
	for _, stmt := range []string{
		"SET autoinstall_known_extensions = false",
		"SET autoload_known_extensions = false",
		"SET allow_community_extensions = false",
		"SET disabled_filesystems = 'HTTPFileSystem'",
		"SET lock_configuration = true",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("query: configure duckdb (%s): %w", stmt, err)
		}
	}

	return &Engine{db: db, dataDir: dataDir, logger: logger.With().Str("component", "query").Logger()}, nil
}

// Close releases the underlying DuckDB connection.
func (e *Engine) Close() error {
	return e.db.Close()
}

// sealedFiles lists every columnar SSTable's sidecar metadata under dataDir,
// skipping files whose sidecar hasn't landed yet (still mid-write).
func (e *Engine) sealedFiles() ([]*sstable.ColumnarMeta, error) {
	matches, err := filepath.Glob(filepath.Join(e.dataDir, "*.columnar.parquet"))
	if err != nil {
		return nil, fmt.Errorf("query: glob columnar files: %w", err)
	}
	out := make([]*sstable.ColumnarMeta, 0, len(matches))
	for _, path := range matches {
		meta, err := sstable.ReadColumnarMeta(path)
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

// filesOverlapping prunes the sealed file set to those whose
// [min_timestamp_ns, max_timestamp_ns] overlaps [start, end] — the
// predicate pushdown spec.md §4.8 asks for, applied before DuckDB ever
// opens a Parquet footer.
func (e *Engine) filesOverlapping(start, end int64) ([]string, error) {
	metas, err := e.sealedFiles()
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, m := range metas {
		if m.MaxTimestampNS < start || m.MinTimestampNS > end {
			continue
		}
		paths = append(paths, m.Path)
	}
	return paths, nil
}

// recordsView builds a read_parquet(...) table expression over the given
// files (an empty list is an error), relying on DuckDB's own
// per-column statistics and column pruning once inside the scan.
func recordsView(paths []string) (string, error) {
	if len(paths) == 0 {
		return "", fmt.Errorf("query: no columnar files to scan")
	}
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = sqlLiteral(p)
	}
	return fmt.Sprintf("read_parquet([%s])", strings.Join(quoted, ", ")), nil
}

func sqlLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// QuerySQL executes sqlText (a SELECT-only statement referencing the
// virtual table name "records") against every sealed columnar SSTable.
func (e *Engine) QuerySQL(sqlText string) (*DataFrame, error) {
	trimmed := strings.TrimSpace(strings.ToUpper(sqlText))
	if !strings.HasPrefix(trimmed, "SELECT") && !strings.HasPrefix(trimmed, "WITH") {
		return nil, fmt.Errorf("query: only read-only SELECT/WITH statements are allowed")
	}

	paths, err := e.filesOverlapping(minInt64, maxInt64)
	if err != nil {
		return nil, err
	}
	view, err := recordsView(paths)
	if err != nil {
		return nil, err
	}

	rewritten := rewriteRecordsTable(sqlText, view)
	rows, err := e.db.Query(rewritten)
	if err != nil {
		return nil, fmt.Errorf("query: execute: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// rewriteRecordsTable substitutes the logical "records" table name for the
// concrete read_parquet(...) expression scanning the currently sealed file
// set — a lightweight textual substitution rather than a full SQL parser,
// sufficient for the bounded query surface this engine exposes.
func rewriteRecordsTable(sqlText, view string) string {
	return strings.ReplaceAll(sqlText, "records", view)
}

const (
	minInt64 = -1 << 62
	maxInt64 = 1 << 62
)

// StructuredQuery is query_structured's programmatic equivalent to a SQL
// SELECT: columns to project, a raw WHERE predicate, GROUP BY/ORDER BY
// column lists, aggregate expressions, and a row limit.
type StructuredQuery struct {
	Select    []string
	Filter    string
	GroupBy   []string
	Aggregate []string
	OrderBy   []string
	Limit     int
}

// QueryStructured builds and runs the SQL equivalent of req.
func (e *Engine) QueryStructured(req StructuredQuery) (*DataFrame, error) {
	cols := append([]string{}, req.Select...)
	cols = append(cols, req.Aggregate...)
	if len(cols) == 0 {
		cols = []string{"*"}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM records", strings.Join(cols, ", "))
	if req.Filter != "" {
		fmt.Fprintf(&b, " WHERE %s", req.Filter)
	}
	if len(req.GroupBy) > 0 {
		fmt.Fprintf(&b, " GROUP BY %s", strings.Join(req.GroupBy, ", "))
	}
	if len(req.OrderBy) > 0 {
		fmt.Fprintf(&b, " ORDER BY %s", strings.Join(req.OrderBy, ", "))
	}
	if req.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", req.Limit)
	}

	return e.QuerySQL(b.String())
}

// TimeSeriesQuery buckets metric by granularity between [Start, End] using
// DuckDB's time_bucket, applying aggregation per bucket.
type TimeSeriesQuery struct {
	Metric      string // column to aggregate, e.g. "price"
	Start       int64  // inclusive, ns since epoch
	End         int64  // inclusive, ns since epoch
	Granularity string // DuckDB interval literal, e.g. "1 second", "1 minute"
	Aggregation string // "avg" | "sum" | "min" | "max" | "count"
}

// QueryTimeSeries runs a bucketed aggregation over [Start, End], scanning
// only the sealed files whose statistics overlap that window.
func (e *Engine) QueryTimeSeries(req TimeSeriesQuery) (*DataFrame, error) {
	paths, err := e.filesOverlapping(req.Start, req.End)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return &DataFrame{Columns: []string{"bucket", "value"}}, nil
	}
	view, err := recordsView(paths)
	if err != nil {
		return nil, err
	}

	agg := req.Aggregation
	if agg == "" {
		agg = "avg"
	}
	sqlText := fmt.Sprintf(
		`SELECT time_bucket(INTERVAL '%s', to_timestamp(timestamp_ns / 1e9)) AS bucket, %s(%s) AS value
		 FROM %s
		 WHERE timestamp_ns BETWEEN %d AND %d
		 GROUP BY bucket
		 ORDER BY bucket`,
		req.Granularity, agg, req.Metric, view, req.Start, req.End,
	)

	rows, err := e.db.Query(sqlText)
	if err != nil {
		return nil, fmt.Errorf("query: execute time series: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// scanRows drains rows into a DataFrame using generic interface{}
// destinations, which the duckdb driver fills with native Go types
// (int64, float64, string, time.Time, etc).
func scanRows(rows *sql.Rows) (*DataFrame, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("query: columns: %w", err)
	}

	df := &DataFrame{Columns: cols}
	for rows.Next() {
		dest := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("query: scan row: %w", err)
		}
		df.Rows = append(df.Rows, dest)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query: row iteration: %w", err)
	}
	return df, nil
}
