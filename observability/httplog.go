package observability

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/msgstats/kit"
)

// HTTPLogEntry is one row of http_request_logs.
type HTTPLogEntry struct {
	Method     string
	Path       string
	StatusCode int
	DurationMs int64
	UserID     string
	TraceID    string
	IPAddress  string
	UserAgent  string
	CreatedAt  time.Time
}

// HTTPLogger records served requests into http_request_logs from a
// background goroutine. Entries are dropped when the queue is full.
type HTTPLogger struct {
	db   *sql.DB
	ch   chan HTTPLogEntry
	done chan struct{}
}

func NewHTTPLogger(db *sql.DB, bufferSize int) *HTTPLogger {
	l := &HTTPLogger{
		db:   db,
		ch:   make(chan HTTPLogEntry, bufferSize),
		done: make(chan struct{}),
	}
	go l.loop()
	return l
}

// Middleware logs every request after it is served. Mount it after
// shield.TraceID and the authentication middleware so the trace id and user
// id are available.
func (l *HTTPLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		entry := HTTPLogEntry{
			Method:     r.Method,
			Path:       r.URL.Path,
			StatusCode: status,
			DurationMs: time.Since(start).Milliseconds(),
			UserID:     kit.GetUserID(r.Context()),
			TraceID:    kit.GetTraceID(r.Context()),
			IPAddress:  remoteAddr(r),
			UserAgent:  r.UserAgent(),
			CreatedAt:  start,
		}
		select {
		case l.ch <- entry:
		default:
			slog.Warn("observability: http log buffer full, dropping", "path", entry.Path)
		}
	})
}

func remoteAddr(r *http.Request) string {
	if ip := kit.GetRemoteAddr(r.Context()); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

// Close writes what is queued and stops the goroutine. The middleware must
// not be serving requests anymore.
func (l *HTTPLogger) Close() error {
	close(l.ch)
	<-l.done
	return nil
}

func (l *HTTPLogger) loop() {
	defer close(l.done)
	for e := range l.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := l.db.ExecContext(ctx, `INSERT INTO http_request_logs
			(method, path, status_code, duration_ms, user_id, trace_id, ip_address, user_agent, created_at)
			VALUES (?,?,?,?,?,?,?,?,?)`,
			e.Method, e.Path, e.StatusCode, e.DurationMs, e.UserID, e.TraceID,
			e.IPAddress, e.UserAgent, e.CreatedAt.Unix())
		cancel()
		if err != nil {
			slog.Error("observability: http log insert", "error", err, "path", e.Path)
		}
	}
}
