// Package requestlog persists an audit trail of routed requests to SQLite
// or Postgres. It backs the request-logger plugin and the CLI logs command.
// Session statistics never depend on it.
package requestlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Entry is one audit record emitted by the request-logger plugin.
type Entry struct {
	TraceID          string    `json:"trace_id"`
	Stage            string    `json:"stage"`
	Policy           string    `json:"policy"`
	Label            string    `json:"label"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	LatencyMS        int64     `json:"latency_ms"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Writer persists request log entries.
type Writer interface {
	Write(ctx context.Context, entry Entry) error
}

// NoopWriter ignores all log writes.
type NoopWriter struct{}

// Write implements Writer.
func (NoopWriter) Write(_ context.Context, _ Entry) error { return nil }

// Query filters List results. Zero-valued filters match everything.
type Query struct {
	Limit  int
	Offset int
	Stage  string
	Policy string
	Model  string
}

// Page is one page of List results.
type Page struct {
	Total int     `json:"total"`
	Data  []Entry `json:"data"`
}

// SQLWriter persists entries to SQLite/Postgres.
type SQLWriter struct {
	db      *sql.DB
	dialect string
}

// Open returns a writer for driver "sqlite" or "postgres". An empty driver
// yields a NoopWriter.
func Open(driver, dsn string) (Writer, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "":
		return NoopWriter{}, nil
	case "sqlite":
		return NewSQLiteWriter(dsn)
	case "postgres", "postgresql":
		return NewPostgresWriter(dsn)
	default:
		return nil, fmt.Errorf("unsupported request log driver %q", driver)
	}
}

// NewSQLiteWriter opens (creating if needed) a SQLite request log.
func NewSQLiteWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "study-router-requests.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite request log writer: %w", err)
	}
	w := &SQLWriter{db: db, dialect: "sqlite"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

// NewPostgresWriter connects to a Postgres request log.
func NewPostgresWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres request log writer: %w", err)
	}
	w := &SQLWriter{db: db, dialect: "postgres"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLWriter) init() error {
	if err := w.db.Ping(); err != nil {
		return fmt.Errorf("ping %s request log writer: %w", w.dialect, err)
	}

	idCol, tsType := "id INTEGER PRIMARY KEY", "TIMESTAMP"
	if w.dialect == "postgres" {
		idCol, tsType = "id BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	}
	ddl := `
CREATE TABLE IF NOT EXISTS routed_requests (
	` + idCol + `,
	trace_id TEXT,
	stage TEXT NOT NULL,
	policy TEXT,
	label TEXT,
	model TEXT,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	cost_usd DOUBLE PRECISION NOT NULL,
	latency_ms BIGINT NOT NULL,
	error_message TEXT,
	created_at ` + tsType + ` NOT NULL
);`
	if _, err := w.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize request log schema: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (w *SQLWriter) rebind(query string) string {
	if w.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Write inserts one entry.
func (w *SQLWriter) Write(ctx context.Context, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	query := w.rebind(`INSERT INTO routed_requests(trace_id, stage, policy, label, model, prompt_tokens, completion_tokens, total_tokens, cost_usd, latency_ms, error_message, created_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := w.db.ExecContext(ctx, query,
		entry.TraceID,
		entry.Stage,
		entry.Policy,
		entry.Label,
		entry.Model,
		entry.PromptTokens,
		entry.CompletionTokens,
		entry.TotalTokens,
		entry.CostUSD,
		entry.LatencyMS,
		entry.ErrorMessage,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("write request log: %w", err)
	}
	return nil
}

func (q Query) where() (string, []any) {
	var conds []string
	var args []any
	for _, f := range []struct{ col, val string }{
		{"stage", q.Stage}, {"policy", q.Policy}, {"model", q.Model},
	} {
		if f.val != "" {
			conds = append(conds, f.col+" = ?")
			args = append(args, f.val)
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List returns entries newest first.
func (w *SQLWriter) List(ctx context.Context, q Query) (Page, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	where, args := q.where()

	var page Page
	if err := w.db.QueryRowContext(ctx, w.rebind("SELECT COUNT(*) FROM routed_requests"+where), args...).Scan(&page.Total); err != nil {
		return Page{}, fmt.Errorf("count request logs: %w", err)
	}

	rows, err := w.db.QueryContext(ctx, w.rebind(`SELECT trace_id, stage, policy, label, model, prompt_tokens, completion_tokens, total_tokens, cost_usd, latency_ms, error_message, created_at
	FROM routed_requests`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`), append(args, q.Limit, q.Offset)...)
	if err != nil {
		return Page{}, fmt.Errorf("list request logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var e Entry
		var trace, policy, label, model, errMsg sql.NullString
		if err := rows.Scan(&trace, &e.Stage, &policy, &label, &model, &e.PromptTokens, &e.CompletionTokens,
			&e.TotalTokens, &e.CostUSD, &e.LatencyMS, &errMsg, &e.CreatedAt); err != nil {
			return Page{}, fmt.Errorf("scan request log: %w", err)
		}
		e.TraceID, e.Policy, e.Label, e.Model, e.ErrorMessage = trace.String, policy.String, label.String, model.String, errMsg.String
		page.Data = append(page.Data, e)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("iterate request logs: %w", err)
	}
	return page, nil
}

// Prune deletes entries created before t and returns how many were removed.
func (w *SQLWriter) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := w.db.ExecContext(ctx, w.rebind("DELETE FROM routed_requests WHERE created_at < ?"), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune request logs: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database handle.
func (w *SQLWriter) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}
