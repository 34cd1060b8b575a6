// Package analytics answers per-contact questions about the Messages
// database: sent/received counts and word-frequency rankings.
//
// Every call takes its own snapshot of chat.db, runs one batch query against
// it and removes it before returning. A weighted semaphore bounds how many
// snapshots exist at once, and a per-call timeout covers the wait for a
// slot, the copy and the query.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hazyhaar/msgstats/config"
	"github.com/hazyhaar/msgstats/observability"
	"github.com/hazyhaar/msgstats/snapshot"
	"github.com/hazyhaar/msgstats/stats"
)

// Service runs statistics against fresh snapshots of one source database.
type Service struct {
	source   string
	snapOpts []snapshot.Option
	timeout  time.Duration
	slots    *semaphore.Weighted
	metrics  *observability.MetricsManager
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records snapshot sizes and durations into mm.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(s *Service) { s.metrics = mm }
}

// WithLogger sets the service logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService builds a Service from the messages section of the config.
func NewService(cfg config.MessagesConfig, opts ...Option) *Service {
	s := &Service{
		source:  cfg.DBPath,
		timeout: cfg.RequestTimeout,
		slots:   semaphore.NewWeighted(int64(max(cfg.MaxConcurrent, 1))),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.snapOpts = []snapshot.Option{
		snapshot.WithSidecars(cfg.CopySidecars),
		snapshot.WithLogger(s.logger),
	}
	if cfg.TempDir != "" {
		s.snapOpts = append(s.snapOpts, snapshot.WithTempDir(cfg.TempDir))
	}
	return s
}

// Source returns the path of the database being snapshotted.
func (s *Service) Source() string { return s.source }

// ContactStats returns the sent/received counts for contactID.
func (s *Service) ContactStats(ctx context.Context, contactID string) (stats.Counts, error) {
	var counts stats.Counts
	err := s.run(ctx, "contact_stats", func(ctx context.Context, q stats.Querier) error {
		var err error
		counts, err = stats.CountMessages(ctx, q, contactID)
		return err
	})
	return counts, err
}

// WordFrequency returns the top limit words exchanged with contactID.
func (s *Service) WordFrequency(ctx context.Context, contactID string, limit int) ([]stats.WordCount, error) {
	var words []stats.WordCount
	err := s.run(ctx, "word_frequency", func(ctx context.Context, q stats.Querier) error {
		var err error
		words, err = stats.WordFrequency(ctx, q, contactID, limit)
		return err
	})
	return words, err
}

// Describe returns the table layout of a snapshot of the source database.
func (s *Service) Describe(ctx context.Context) ([]snapshot.Table, error) {
	var tables []snapshot.Table
	err := s.withSnapshot(ctx, "describe", func(ctx context.Context, snap *snapshot.Snapshot) error {
		var err error
		tables, err = snap.Describe(ctx)
		return err
	})
	return tables, err
}

// run executes fn against a fresh snapshot. Failures of fn are wrapped as
// *snapshot.AccessorError with Op "query".
func (s *Service) run(ctx context.Context, op string, fn func(context.Context, stats.Querier) error) error {
	return s.withSnapshot(ctx, op, func(ctx context.Context, snap *snapshot.Snapshot) error {
		return snapshot.Wrap("query", snap.Path(), fn(ctx, snap.DB()))
	})
}

func (s *Service) withSnapshot(ctx context.Context, op string, fn func(context.Context, *snapshot.Snapshot) error) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("analytics: %s: wait for snapshot slot: %w", op, err)
	}
	defer s.slots.Release(1)

	start := time.Now()
	var size int64
	err := snapshot.Use(ctx, s.source, func(ctx context.Context, snap *snapshot.Snapshot) error {
		size = snap.Size()
		return fn(ctx, snap)
	}, s.snapOpts...)
	s.record(op, size, time.Since(start), err)
	return err
}

func (s *Service) record(op string, size int64, d time.Duration, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	labels := map[string]string{"operation": op, "status": status}
	s.metrics.Record(&observability.Metric{Name: observability.MetricAnalyticsRequests, Value: 1, Unit: "count", Labels: labels})
	if size > 0 {
		s.metrics.Record(&observability.Metric{Name: observability.MetricSnapshotBytes, Value: float64(size), Unit: "bytes", Labels: labels})
	}
	s.metrics.Record(&observability.Metric{Name: observability.MetricSnapshotDurationMs, Value: float64(d.Milliseconds()), Unit: "milliseconds", Labels: labels})
}
