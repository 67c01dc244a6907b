package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/denysKyrpota/SQL-agent-sub000/config"
)

// ExecError reports a query the target database rejected or failed to run.
type ExecError struct {
	Message  string
	Duration time.Duration
}

func (e *ExecError) Error() string { return e.Message }

// TimeoutError reports a query cancelled by the statement timeout. The
// driver forwards the cancellation to the server so the query stops there
// too, not just client-side.
type TimeoutError struct {
	Limit    time.Duration
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("query exceeded the %s statement timeout", e.Limit)
}

// Result holds one executed result set. Values are JSON-friendly: byte
// slices from the driver are converted to strings.
type Result struct {
	Columns  []string
	Rows     [][]any
	RowCount int
	Duration time.Duration
}

// Manifest describes how a stored result set is paged and exported.
type Manifest struct {
	TotalRows       int  `json:"total_rows"`
	PageSize        int  `json:"page_size"`
	PageCount       int  `json:"page_count"`
	ExportRowLimit  int  `json:"export_row_limit"`
	ExportTruncated bool `json:"export_truncated"`
}

// Executor runs validated read-only SQL against the target database over a
// bounded connection pool, separate from the application's own store.
type Executor struct {
	db          *sql.DB
	timeout     time.Duration
	pageSize    int
	exportLimit int
	logger      *log.Logger
}

// New opens the target database pool. The pool is capped so runaway
// concurrent queries cannot exhaust the target's connections.
func New(cfg config.TargetConfig, logger *log.Logger) (*Executor, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[EXECUTOR] ", log.LstdFlags)
	}
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("opening target database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections / 2)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging target database: %w", err)
	}
	return &Executor{
		db:          db,
		timeout:     cfg.StatementTimeout,
		pageSize:    cfg.PageSize,
		exportLimit: cfg.ExportRowLimit,
		logger:      logger,
	}, nil
}

// NewWithDB wraps an existing pool, for tests.
func NewWithDB(db *sql.DB, cfg config.TargetConfig, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.New(log.Writer(), "[EXECUTOR] ", log.LstdFlags)
	}
	return &Executor{
		db:          db,
		timeout:     cfg.StatementTimeout,
		pageSize:    cfg.PageSize,
		exportLimit: cfg.ExportRowLimit,
		logger:      logger,
	}
}

func (e *Executor) Close() error { return e.db.Close() }

// PageSize reports the fixed page size used for manifests and FetchPage.
func (e *Executor) PageSize() int { return e.pageSize }

// Execute runs sqlText under the statement timeout and returns the full
// result set. Execution failures come back as *ExecError, timeouts as
// *TimeoutError.
func (e *Executor) Execute(ctx context.Context, sqlText string) (*Result, error) {
	return e.run(ctx, sqlText)
}

// FetchPage re-executes sqlText wrapped in a LIMIT/OFFSET subquery and
// returns the requested zero-based page.
func (e *Executor) FetchPage(ctx context.Context, sqlText string, page int) (*Result, error) {
	if page < 0 {
		return nil, &ExecError{Message: fmt.Sprintf("page %d out of range", page)}
	}
	paged := fmt.Sprintf("SELECT * FROM (%s) AS page LIMIT %d OFFSET %d",
		stripTerminator(sqlText), e.pageSize, page*e.pageSize)
	return e.run(ctx, paged)
}

// Export re-executes sqlText capped at the export row limit.
func (e *Executor) Export(ctx context.Context, sqlText string) (*Result, error) {
	capped := fmt.Sprintf("SELECT * FROM (%s) AS export LIMIT %d",
		stripTerminator(sqlText), e.exportLimit)
	return e.run(ctx, capped)
}

// BuildManifest computes paging metadata for a result set of totalRows.
func (e *Executor) BuildManifest(totalRows int) Manifest {
	pageCount := 0
	if totalRows > 0 {
		pageCount = (totalRows + e.pageSize - 1) / e.pageSize
	}
	return Manifest{
		TotalRows:       totalRows,
		PageSize:        e.pageSize,
		PageCount:       pageCount,
		ExportRowLimit:  e.exportLimit,
		ExportTruncated: totalRows > e.exportLimit,
	}
}

func (e *Executor) run(ctx context.Context, sqlText string) (*Result, error) {
	queryCtx := ctx
	var cancel context.CancelFunc
	if e.timeout > 0 {
		queryCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	started := time.Now()
	rows, err := e.db.QueryContext(queryCtx, sqlText)
	if err != nil {
		return nil, e.classify(ctx, queryCtx, err, time.Since(started))
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, e.classify(ctx, queryCtx, err, time.Since(started))
	}

	var collected [][]any
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, e.classify(ctx, queryCtx, err, time.Since(started))
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		collected = append(collected, values)
	}
	if err := rows.Err(); err != nil {
		return nil, e.classify(ctx, queryCtx, err, time.Since(started))
	}

	elapsed := time.Since(started)
	e.logger.Printf("executed query: %d rows in %s", len(collected), elapsed)
	return &Result{
		Columns:  columns,
		Rows:     collected,
		RowCount: len(collected),
		Duration: elapsed,
	}, nil
}

// classify distinguishes our own statement timeout from other failures.
// A caller-cancelled context is passed through unchanged.
func (e *Executor) classify(ctx, queryCtx context.Context, err error, elapsed time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(queryCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Limit: e.timeout, Duration: elapsed}
	}
	return &ExecError{Message: err.Error(), Duration: elapsed}
}

func stripTerminator(sqlText string) string {
	return strings.TrimSuffix(strings.TrimSpace(sqlText), ";")
}
