package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/msgstats/idgen"
	"github.com/hazyhaar/msgstats/kit"
)

// AuditEntry records one analytics or identity operation.
type AuditEntry struct {
	EntryID       string
	Timestamp     time.Time
	ComponentName string // "analytics", "auth"
	OperationType string // "contact_stats", "word_frequency", "login"

	UserID    string
	TraceID   string
	Transport string

	Parameters   string // JSON
	Result       string // JSON
	ErrorMessage string
	DurationMs   int64

	Status string // "success", "error", "timeout"
}

// AuditFilter narrows Query results. Zero fields do not filter.
type AuditFilter struct {
	Since         time.Time
	ComponentName string
	OperationType string
	UserID        string
	Status        string
	Limit         int // default 100
}

// AuditLogger persists audit entries, synchronously with Log or batched in
// the background with LogAsync.
type AuditLogger struct {
	db    *sql.DB
	newID idgen.Generator
	ch    chan *AuditEntry
	stop  chan struct{}
	done  chan struct{}
}

// AuditOption configures an AuditLogger.
type AuditOption func(*AuditLogger)

// WithAuditIDGenerator sets the generator used for entry ids.
func WithAuditIDGenerator(gen idgen.Generator) AuditOption {
	return func(a *AuditLogger) { a.newID = gen }
}

// NewAuditLogger starts the flush goroutine. Close must be called to drain it.
func NewAuditLogger(db *sql.DB, bufferSize int, opts ...AuditOption) *AuditLogger {
	a := &AuditLogger{
		db:    db,
		newID: idgen.Prefixed("audit_", idgen.Default),
		ch:    make(chan *AuditEntry, bufferSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	go a.flushLoop()
	return a
}

// Log inserts entry immediately.
func (a *AuditLogger) Log(ctx context.Context, entry *AuditEntry) error {
	a.fillDefaults(entry)
	return a.insert(ctx, a.db, entry)
}

// LogAsync queues entry. A full buffer falls back to a synchronous insert.
func (a *AuditLogger) LogAsync(entry *AuditEntry) {
	a.fillDefaults(entry)
	select {
	case a.ch <- entry:
	default:
		slog.Warn("observability: audit buffer full, sync fallback", "operation", entry.OperationType)
		if err := a.insert(context.Background(), a.db, entry); err != nil {
			slog.Error("observability: audit sync fallback", "error", err)
		}
	}
}

// Middleware records every call of the wrapped endpoint: the decoded
// request as parameters, the caller from ctx, and the outcome. Error
// messages are stored as-is since the audit log is never served to callers.
func (a *AuditLogger) Middleware(component, operation string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			entry := a.NewAuditEntry(component, operation, req, resp, err, time.Since(start))
			entry.UserID = kit.GetUserID(ctx)
			entry.TraceID = kit.GetTraceID(ctx)
			entry.Transport = kit.GetTransport(ctx)
			if errors.Is(err, context.DeadlineExceeded) {
				entry.Status = "timeout"
			}
			a.LogAsync(entry)
			return resp, err
		}
	}
}

// NewAuditEntry builds an entry from an operation's input and outcome.
// params and result are stored as JSON.
func (a *AuditLogger) NewAuditEntry(component, operation string, params, result any, err error, d time.Duration) *AuditEntry {
	entry := &AuditEntry{
		EntryID:       a.newID(),
		Timestamp:     time.Now(),
		ComponentName: component,
		OperationType: operation,
		DurationMs:    d.Milliseconds(),
		Parameters:    marshalOr(params, "{}"),
	}
	if err != nil {
		entry.Status = "error"
		entry.ErrorMessage = err.Error()
		return entry
	}
	entry.Status = "success"
	entry.Result = marshalOr(result, "")
	return entry
}

// Query returns entries newest first.
func (a *AuditLogger) Query(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	q := `SELECT entry_id, timestamp, component_name, operation_type,
		user_id, trace_id, transport, parameters, result,
		error_message, duration_ms, status
		FROM audit_log WHERE 1=1`
	var args []any
	if !f.Since.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.Unix())
	}
	for _, c := range []struct{ col, val string }{
		{"component_name", f.ComponentName},
		{"operation_type", f.OperationType},
		{"user_id", f.UserID},
		{"status", f.Status},
	} {
		if c.val != "" {
			q += " AND " + c.col + " = ?"
			args = append(args, c.val)
		}
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY timestamp DESC, entry_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts int64
		var userID, traceID, transport, result, errMsg sql.NullString
		var durationMs sql.NullInt64
		if err := rows.Scan(&e.EntryID, &ts, &e.ComponentName, &e.OperationType,
			&userID, &traceID, &transport, &e.Parameters, &result,
			&errMsg, &durationMs, &e.Status); err != nil {
			return nil, fmt.Errorf("observability: scan audit entry: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0)
		e.UserID = userID.String
		e.TraceID = traceID.String
		e.Transport = transport.String
		e.Result = result.String
		e.ErrorMessage = errMsg.String
		e.DurationMs = durationMs.Int64
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Cleanup deletes entries older than retentionDays.
func (a *AuditLogger) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	res, err := a.db.ExecContext(ctx, "DELETE FROM audit_log WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup audit log: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the queue and stops the flush goroutine.
func (a *AuditLogger) Close() error {
	close(a.stop)
	<-a.done
	return nil
}

func (a *AuditLogger) fillDefaults(e *AuditEntry) {
	if e.EntryID == "" {
		e.EntryID = a.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Parameters == "" {
		e.Parameters = "{}"
	}
	if e.Status == "" {
		e.Status = "success"
		if e.ErrorMessage != "" {
			e.Status = "error"
		}
	}
}

func (a *AuditLogger) flushLoop() {
	defer close(a.done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	batch := make([]*AuditEntry, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		tx, err := a.db.BeginTx(ctx, nil)
		if err != nil {
			slog.Error("observability: audit begin tx", "error", err)
			return
		}
		for _, e := range batch {
			if err := a.insert(ctx, tx, e); err != nil {
				slog.Error("observability: audit insert", "error", err, "entry_id", e.EntryID)
			}
		}
		if err := tx.Commit(); err != nil {
			slog.Error("observability: audit commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-a.stop:
			for {
				select {
				case e := <-a.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-a.ch:
			batch = append(batch, e)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (a *AuditLogger) insert(ctx context.Context, db execer, e *AuditEntry) error {
	_, err := db.ExecContext(ctx, `INSERT INTO audit_log
		(entry_id, timestamp, component_name, operation_type,
		 user_id, trace_id, transport,
		 parameters, result, error_message, duration_ms, status)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.EntryID, e.Timestamp.Unix(), e.ComponentName, e.OperationType,
		e.UserID, e.TraceID, e.Transport,
		e.Parameters, e.Result, e.ErrorMessage, e.DurationMs, e.Status)
	if err != nil {
		return fmt.Errorf("observability: insert audit entry: %w", err)
	}
	return nil
}

func marshalOr(v any, fallback string) string {
	if v == nil {
		return fallback
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(b)
}
