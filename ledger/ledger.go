// Package ledger owns the append-only token accounting table described
// in spec.md §3 (TokenLog) and §4.7: an embedded modernc.org/sqlite
// database in WAL mode, written through a batched async writer modeled
// on the teacher gateway's metering.AsyncLogger (metering/metering.go),
// with the WAL-checkpoint and retention-sweep cycle the spec requires.
package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"
)

// TokenLog is one append-only ledger row (spec.md §3).
type TokenLog struct {
	ID          string
	ToolID      string
	TimestampMs int64
	ClientIP    string
	SessionID   string
	ProfileName string

	Model              string
	MessageID          string
	InputTokens        int
	OutputTokens       int
	CacheCreationTotal int
	CacheCreation1h    int
	CacheReadTokens    int
	ReasoningTokens    int

	Status       string // success | failed | partial
	ResponseType string // sse | json | unknown
	ErrorKind    string
	ErrorDetail  string

	ResponseTimeMs int64

	InputPrice      float64
	OutputPrice     float64
	CacheWritePrice float64
	CacheReadPrice  float64
	ReasoningPrice  float64
	TotalCost       float64

	PricingTemplateID string
}

const schema = `
CREATE TABLE IF NOT EXISTS token_logs (
	id                   TEXT PRIMARY KEY,
	tool_id              TEXT NOT NULL,
	timestamp_ms         INTEGER NOT NULL,
	client_ip            TEXT NOT NULL,
	session_id           TEXT NOT NULL,
	profile_name         TEXT NOT NULL,
	model                TEXT NOT NULL,
	message_id           TEXT NOT NULL,
	input_tokens         INTEGER NOT NULL,
	output_tokens        INTEGER NOT NULL,
	cache_creation_total INTEGER NOT NULL,
	cache_creation_1h    INTEGER NOT NULL,
	cache_read_tokens    INTEGER NOT NULL,
	reasoning_tokens     INTEGER NOT NULL,
	status               TEXT NOT NULL,
	response_type        TEXT NOT NULL,
	error_kind           TEXT NOT NULL DEFAULT '',
	error_detail         TEXT NOT NULL DEFAULT '',
	response_time_ms     INTEGER NOT NULL,
	input_price          REAL NOT NULL,
	output_price         REAL NOT NULL,
	cache_write_price    REAL NOT NULL,
	cache_read_price     REAL NOT NULL,
	reasoning_price      REAL NOT NULL,
	total_cost           REAL NOT NULL,
	pricing_template_id  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_token_logs_tool_session ON token_logs (tool_id, session_id, timestamp_ms DESC);
CREATE INDEX IF NOT EXISTS idx_token_logs_timestamp ON token_logs (timestamp_ms);
CREATE INDEX IF NOT EXISTS idx_token_logs_model ON token_logs (model, timestamp_ms);
CREATE INDEX IF NOT EXISTS idx_token_logs_profile ON token_logs (profile_name, timestamp_ms);
`

// DB owns the sqlite connection and exposes the fire-and-forget write
// path plus read helpers for the testable properties in spec.md §8.
type DB struct {
	sql    *sql.DB
	logger zerolog.Logger
}

// Open opens (creating if absent) the ledger database at path, enables
// WAL journaling, and ensures the schema exists.
func Open(path string, logger zerolog.Logger) (*DB, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	conn.SetMaxOpenConns(1) // modernc.org/sqlite: single writer keeps WAL contention-free.

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}

	return &DB{sql: conn, logger: logger}, nil
}

// Close closes the underlying connection. Callers should drain the
// Writer and run a final checkpoint first.
func (d *DB) Close() error {
	return d.sql.Close()
}

// Checkpoint runs a WAL checkpoint in the given mode ("PASSIVE" or
// "TRUNCATE"), per spec.md §4.7.
func (d *DB) Checkpoint(ctx context.Context, mode string) error {
	_, err := d.sql.ExecContext(ctx, fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode))
	return err
}

// insertBatch writes a slice of rows inside one transaction. Called
// only from the Writer's single consumer goroutine.
func (d *DB) insertBatch(ctx context.Context, rows []TokenLog) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO token_logs (
			id, tool_id, timestamp_ms, client_ip, session_id, profile_name,
			model, message_id, input_tokens, output_tokens, cache_creation_total,
			cache_creation_1h, cache_read_tokens, reasoning_tokens,
			status, response_type, error_kind, error_detail, response_time_ms,
			input_price, output_price, cache_write_price, cache_read_price,
			reasoning_price, total_cost, pricing_template_id
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`)
	if err != nil {
		return fmt.Errorf("prepare ledger insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if r.ID == "" {
			r.ID = NewRowID()
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.ToolID, r.TimestampMs, r.ClientIP, r.SessionID, r.ProfileName,
			r.Model, r.MessageID, r.InputTokens, r.OutputTokens, r.CacheCreationTotal,
			r.CacheCreation1h, r.CacheReadTokens, r.ReasoningTokens,
			r.Status, r.ResponseType, r.ErrorKind, r.ErrorDetail, r.ResponseTimeMs,
			r.InputPrice, r.OutputPrice, r.CacheWritePrice, r.CacheReadPrice,
			r.ReasoningPrice, r.TotalCost, r.PricingTemplateID,
		); err != nil {
			return fmt.Errorf("insert ledger row: %w", err)
		}
	}
	return tx.Commit()
}

// NewRowID returns a lexically sortable row identifier (spec.md: ledger
// rows are ordered by enqueue time, not guaranteed start-time order).
func NewRowID() string {
	return ulid.Make().String()
}

// RecentForSession returns the most recent rows for (tool_id,
// session_id), newest first.
func (d *DB) RecentForSession(ctx context.Context, toolID, sessionID string, limit int) ([]TokenLog, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT id, tool_id, timestamp_ms, client_ip, session_id, profile_name,
			model, message_id, input_tokens, output_tokens, cache_creation_total,
			cache_creation_1h, cache_read_tokens, reasoning_tokens,
			status, response_type, error_kind, error_detail, response_time_ms,
			input_price, output_price, cache_write_price, cache_read_price,
			reasoning_price, total_cost, pricing_template_id
		FROM token_logs
		WHERE tool_id = ? AND session_id = ?
		ORDER BY timestamp_ms DESC
		LIMIT ?
	`, toolID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent rows: %w", err)
	}
	defer rows.Close()
	return scanTokenLogs(rows)
}

// WindowGroupedByModel sums cost and tokens in [startMs, endMs) grouped
// by model, one of the §4.7 index-backed query shapes.
type ModelTotals struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
	TotalCost    float64
	Requests     int64
}

func (d *DB) WindowGroupedByModel(ctx context.Context, startMs, endMs int64) ([]ModelTotals, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT model, SUM(input_tokens), SUM(output_tokens), SUM(total_cost), COUNT(*)
		FROM token_logs
		WHERE timestamp_ms >= ? AND timestamp_ms < ?
		GROUP BY model
		ORDER BY model
	`, startMs, endMs)
	if err != nil {
		return nil, fmt.Errorf("query window grouped by model: %w", err)
	}
	defer rows.Close()

	var out []ModelTotals
	for rows.Next() {
		var t ModelTotals
		if err := rows.Scan(&t.Model, &t.InputTokens, &t.OutputTokens, &t.TotalCost, &t.Requests); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTokenLogs(rows *sql.Rows) ([]TokenLog, error) {
	var out []TokenLog
	for rows.Next() {
		var r TokenLog
		if err := rows.Scan(
			&r.ID, &r.ToolID, &r.TimestampMs, &r.ClientIP, &r.SessionID, &r.ProfileName,
			&r.Model, &r.MessageID, &r.InputTokens, &r.OutputTokens, &r.CacheCreationTotal,
			&r.CacheCreation1h, &r.CacheReadTokens, &r.ReasoningTokens,
			&r.Status, &r.ResponseType, &r.ErrorKind, &r.ErrorDetail, &r.ResponseTimeMs,
			&r.InputPrice, &r.OutputPrice, &r.CacheWritePrice, &r.CacheReadPrice,
			&r.ReasoningPrice, &r.TotalCost, &r.PricingTemplateID,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Retain deletes rows older than maxAgeDays or, if the table exceeds
// maxRows, the oldest excess rows by timestamp (spec.md §4.7, §8
// "Retention monotonicity").
func (d *DB) Retain(ctx context.Context, maxAgeDays int, maxRows int64) error {
	if maxAgeDays > 0 {
		cutoff := nowMs() - int64(maxAgeDays)*86400000
		if _, err := d.sql.ExecContext(ctx, `DELETE FROM token_logs WHERE timestamp_ms < ?`, cutoff); err != nil {
			return fmt.Errorf("retention age sweep: %w", err)
		}
	}
	if maxRows > 0 {
		if _, err := d.sql.ExecContext(ctx, `
			DELETE FROM token_logs WHERE id NOT IN (
				SELECT id FROM token_logs ORDER BY timestamp_ms DESC LIMIT ?
			)
		`, maxRows); err != nil {
			return fmt.Errorf("retention row-count sweep: %w", err)
		}
	}
	return nil
}
