package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/seantiz/anvil/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id             TEXT PRIMARY KEY,
    status         TEXT NOT NULL,
    mode           TEXT NOT NULL,
    source         TEXT NOT NULL,
    input          BLOB,
    interactive    INTEGER NOT NULL DEFAULT 0,
    optimize       INTEGER NOT NULL DEFAULT 0,
    output         BLOB,
    fault          TEXT NOT NULL DEFAULT '',
    error          TEXT NOT NULL DEFAULT '',
    warnings       TEXT,
    max_iterations TEXT NOT NULL,
    iterations     TEXT NOT NULL DEFAULT '0',
    timeout_s      INTEGER,
    duration_ms    INTEGER,
    created_at     DATETIME NOT NULL,
    started_at     DATETIME,
    finished_at    DATETIME
)`

const createOutputChunksTable = `
CREATE TABLE IF NOT EXISTS output_chunks (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    data       BLOB NOT NULL,
    created_at DATETIME NOT NULL
)`

const createOutputChunksIndex = `
CREATE INDEX IF NOT EXISTS idx_output_chunks_run_seq ON output_chunks (run_id, seq)`

const runColumns = `id, status, mode, source, input, interactive, optimize,
	output, fault, error, warnings, max_iterations, iterations,
	timeout_s, duration_ms, created_at, started_at, finished_at`

// ErrNotFound is returned when a run is not found.
var ErrNotFound = errors.New("run not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: SQLite serializes writers anyway, and every
	// connection to ":memory:" would otherwise see its own empty database.
	db.SetMaxOpenConns(1)

	for _, stmt := range []struct {
		name  string
		query string
	}{
		{"set WAL mode", "PRAGMA journal_mode=WAL"},
		{"set busy timeout", "PRAGMA busy_timeout = 5000"},
		{"create runs table", createRunsTable},
		{"create output_chunks table", createOutputChunksTable},
		{"create output_chunks index", createOutputChunksIndex},
	} {
		if _, err := db.Exec(stmt.query); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", stmt.name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	warnings, err := json.Marshal(r.Warnings)
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Status, r.Mode, r.Source, r.Input, r.Interactive, r.Optimize,
		r.Output, r.Fault, r.Error, string(warnings),
		strconv.FormatUint(r.MaxIterations, 10), strconv.FormatUint(r.Iterations, 10),
		r.TimeoutS, r.DurationMS, r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	var (
		r             model.Run
		warnings      sql.NullString
		maxIterations string
		iterations    string
	)
	if err := row.Scan(
		&r.ID, &r.Status, &r.Mode, &r.Source, &r.Input, &r.Interactive, &r.Optimize,
		&r.Output, &r.Fault, &r.Error, &warnings, &maxIterations, &iterations,
		&r.TimeoutS, &r.DurationMS, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if r.MaxIterations, err = strconv.ParseUint(maxIterations, 10, 64); err != nil {
		return nil, fmt.Errorf("parse max_iterations: %w", err)
	}
	if r.Iterations, err = strconv.ParseUint(iterations, 10, 64); err != nil {
		return nil, fmt.Errorf("parse iterations: %w", err)
	}
	if warnings.Valid && warnings.String != "" {
		if err := json.Unmarshal([]byte(warnings.String), &r.Warnings); err != nil {
			return nil, fmt.Errorf("unmarshal warnings: %w", err)
		}
	}
	return &r, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a paginated list of runs ordered by created_at DESC,
// along with the total count of all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// UpdateRunStatus moves a run to a new status, rejecting transitions that
// model.ValidTransition does not allow. For terminal statuses it also sets
// finished_at.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get run status: %w", err)
	}
	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	if model.IsTerminal(status) {
		_, err = tx.ExecContext(ctx,
			"UPDATE runs SET status = ?, finished_at = ? WHERE id = ?",
			status, time.Now().UTC(), id,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			"UPDATE runs SET status = ? WHERE id = ?",
			status, id,
		)
	}
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status update: %w", err)
	}
	return nil
}

// UpdateRun records the outcome of a run: status, output, fault, counters
// and timestamps. The status change must be allowed by model.ValidTransition
// unless the status is unchanged.
func (s *SQLiteStore) UpdateRun(ctx context.Context, r *model.Run) error {
	warnings, err := json.Marshal(r.Warnings)
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = ?", r.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get run status: %w", err)
	}
	if current != r.Status && !model.ValidTransition(current, r.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, r.Status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, output = ?, fault = ?, error = ?, warnings = ?,
			iterations = ?, duration_ms = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		r.Status, r.Output, r.Fault, r.Error, string(warnings),
		strconv.FormatUint(r.Iterations, 10), r.DurationMS, r.StartedAt, r.FinishedAt,
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run update: %w", err)
	}
	return nil
}

// GetRunStats aggregates run counts by status, mode and fault kind, and the
// average duration of finished runs.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{
		CountByStatus: make(map[string]int),
		CountByMode:   make(map[string]int),
		CountByFault:  make(map[string]int),
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), AVG(duration_ms) FROM runs",
	).Scan(&stats.Total, &avg); err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	groups := []struct {
		query  string
		counts map[string]int
	}{
		{"SELECT status, COUNT(*) FROM runs GROUP BY status", stats.CountByStatus},
		{"SELECT mode, COUNT(*) FROM runs GROUP BY mode", stats.CountByMode},
		{"SELECT fault, COUNT(*) FROM runs WHERE fault != '' GROUP BY fault", stats.CountByFault},
	}
	for _, g := range groups {
		if err := s.countGroup(ctx, g.query, g.counts); err != nil {
			return nil, err
		}
	}

	return stats, nil
}

func (s *SQLiteStore) countGroup(ctx context.Context, query string, counts map[string]int) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("group runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key   string
			count int
		)
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("scan group: %w", err)
		}
		counts[key] = count
	}
	return rows.Err()
}

// InsertOutputChunk appends a chunk of program output for a run.
func (s *SQLiteStore) InsertOutputChunk(ctx context.Context, runID string, seq int, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO output_chunks (run_id, seq, data, created_at) VALUES (?, ?, ?, ?)",
		runID, seq, data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert output chunk: %w", err)
	}
	return nil
}

// GetOutputChunks returns every output chunk of a run in sequence order.
func (s *SQLiteStore) GetOutputChunks(ctx context.Context, runID string) ([]model.OutputChunk, error) {
	return s.GetOutputChunksFrom(ctx, runID, 0)
}

// GetOutputChunksFrom returns the output chunks of a run with seq >= fromSeq,
// in sequence order.
func (s *SQLiteStore) GetOutputChunksFrom(ctx context.Context, runID string, fromSeq int) ([]model.OutputChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, run_id, seq, data, created_at FROM output_chunks WHERE run_id = ? AND seq >= ? ORDER BY seq",
		runID, fromSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("get output chunks: %w", err)
	}
	defer rows.Close()

	var chunks []model.OutputChunk
	for rows.Next() {
		var c model.OutputChunk
		if err := rows.Scan(&c.ID, &c.RunID, &c.Seq, &c.Data, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan output chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate output chunks: %w", err)
	}
	return chunks, nil
}
