// Package snapshot makes private, read-only copies of a live SQLite database
// (the Messages chat.db) so it can be queried without holding a lock on the
// original file.
//
// A Snapshot owns a temporary directory holding the copy. Close removes it.
// Prefer Use, which pairs Open and Close so the copy is removed on every exit
// path, including errors, panics and context cancellation.
//
//	err := snapshot.Use(ctx, "/Users/me/Library/Messages/chat.db", func(ctx context.Context, s *snapshot.Snapshot) error {
//	    counts, err = stats.CountMessages(ctx, s.DB(), "+15551234567")
//	    return err
//	})
package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/msgstats/dbopen"
)

type options struct {
	tempDir  string
	sidecars bool
	logger   *slog.Logger
}

// Option configures Open.
type Option func(*options)

// WithTempDir sets the parent directory for snapshot copies. Default: os.TempDir().
func WithTempDir(dir string) Option { return func(o *options) { o.tempDir = dir } }

// WithSidecars controls whether a "-wal" file next to the source is copied too.
// Messages keeps chat.db in WAL mode, so recent messages may only exist in the
// WAL. Default: true.
func WithSidecars(on bool) Option { return func(o *options) { o.sidecars = on } }

// WithLogger sets the logger used for cleanup warnings.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// Snapshot is an exclusively-owned, query-only copy of a source database.
type Snapshot struct {
	source string
	dir    string
	path   string
	size   int64
	db     *sql.DB
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Open copies source into a fresh temporary directory and opens the copy.
// It returns an error wrapping ErrNotFound when source does not exist, and an
// *AccessorError for any other failure. On failure nothing is left on disk.
func Open(ctx context.Context, source string, opts ...Option) (*Snapshot, error) {
	o := options{sidecars: true, logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}

	fi, err := os.Stat(source)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, source)
		}
		return nil, &AccessorError{Op: "stat", Path: source, Err: err}
	}
	if !fi.Mode().IsRegular() {
		return nil, &AccessorError{Op: "stat", Path: source, Err: errors.New("not a regular file")}
	}

	dir, err := os.MkdirTemp(o.tempDir, "msgstats-snapshot-*")
	if err != nil {
		return nil, &AccessorError{Op: "copy", Path: source, Err: err}
	}

	start := time.Now()
	s := &Snapshot{
		source: source,
		dir:    dir,
		path:   filepath.Join(dir, filepath.Base(source)),
		logger: o.logger,
	}

	n, err := copyFile(ctx, source, s.path)
	if err != nil {
		s.Close()
		return nil, &AccessorError{Op: "copy", Path: source, Err: err}
	}
	s.size = n

	if o.sidecars {
		n, err := copyFile(ctx, source+"-wal", s.path+"-wal")
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.Close()
			return nil, &AccessorError{Op: "copy", Path: source + "-wal", Err: err}
		}
		s.size += n
	}

	db, err := dbopen.Open(s.path,
		dbopen.WithoutWAL(),
		dbopen.WithoutForeignKeys(),
		dbopen.WithQueryOnly(),
		dbopen.WithMaxOpenConns(1),
	)
	if err != nil {
		s.Close()
		return nil, &AccessorError{Op: "open", Path: s.path, Err: err}
	}
	s.db = db

	s.logger.Debug("snapshot: opened", "source", source, "bytes", s.size, "elapsed", time.Since(start))
	return s, nil
}

// Use opens a snapshot of source, runs fn against it and always closes it.
// If fn fails its error is returned and a cleanup failure is only logged; if
// only the cleanup fails, the cleanup error is returned.
func Use(ctx context.Context, source string, fn func(context.Context, *Snapshot) error, opts ...Option) (err error) {
	s, err := Open(ctx, source, opts...)
	if err != nil {
		return err
	}
	defer func() {
		cerr := s.Close()
		if cerr == nil {
			return
		}
		if err != nil {
			s.logger.Warn("snapshot: cleanup failed", "dir", s.dir, "error", cerr)
			return
		}
		err = cerr
	}()
	return fn(ctx, s)
}

// DB returns the query-only connection to the copy.
func (s *Snapshot) DB() *sql.DB { return s.db }

// Path returns the location of the copied database file.
func (s *Snapshot) Path() string { return s.path }

// Dir returns the temporary directory owned by the snapshot.
func (s *Snapshot) Dir() string { return s.dir }

// Source returns the path the snapshot was copied from.
func (s *Snapshot) Source() string { return s.source }

// Size returns the number of bytes copied, sidecars included.
func (s *Snapshot) Size() int64 { return s.size }

// Close closes the connection and removes the temporary directory.
// It is safe to call more than once.
func (s *Snapshot) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, &AccessorError{Op: "close", Path: s.path, Err: err})
		}
	}
	if err := os.RemoveAll(s.dir); err != nil {
		errs = append(errs, &AccessorError{Op: "remove", Path: s.dir, Err: err})
	}
	return errors.Join(errs...)
}

// Column describes one column as reported by PRAGMA table_info.
type Column struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	NotNull    bool   `json:"not_null"`
	PrimaryKey bool   `json:"primary_key"`
}

// Table is a table name with its columns.
type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Describe lists every table of the copy with its columns, sorted by name.
func (s *Snapshot) Describe(ctx context.Context) ([]Table, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name`)
	if err != nil {
		return nil, &AccessorError{Op: "query", Path: s.path, Err: err}
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, &AccessorError{Op: "query", Path: s.path, Err: err}
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, &AccessorError{Op: "query", Path: s.path, Err: err}
	}

	tables := make([]Table, 0, len(names))
	for _, name := range names {
		cols, err := s.tableInfo(ctx, name)
		if err != nil {
			return nil, &AccessorError{Op: "query", Path: s.path, Err: err}
		}
		tables = append(tables, Table{Name: name, Columns: cols})
	}
	return tables, nil
}

func (s *Snapshot) tableInfo(ctx context.Context, table string) ([]Column, error) {
	q := fmt.Sprintf(`PRAGMA table_info("%s")`, strings.ReplaceAll(table, `"`, `""`))
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var (
			cid     int
			col     Column
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &col.Name, &col.Type, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		col.NotNull = notNull != 0
		col.PrimaryKey = pk != 0
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

func copyFile(ctx context.Context, src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, ctxReader{ctx: ctx, r: in})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// ctxReader stops a copy between chunks once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
