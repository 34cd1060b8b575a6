package shield

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Schema holds the tables read by RateLimiter and MaintenanceMode. The
// endpoint column is "METHOD /path/prefix", METHOD may be "*".
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limits (
    endpoint       TEXT PRIMARY KEY,
    max_requests   INTEGER NOT NULL DEFAULT 60,
    window_seconds INTEGER NOT NULL DEFAULT 60,
    enabled        INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS maintenance (
    id      INTEGER PRIMARY KEY CHECK (id = 1),
    active  INTEGER NOT NULL DEFAULT 0,
    message TEXT NOT NULL DEFAULT ''
);

INSERT OR IGNORE INTO maintenance (id, active, message) VALUES (1, 0, '');
`

// DefaultRules returns the rules seeded by Init for an API mounted at
// apiPrefix. Login endpoints get a tighter budget than analytics.
func DefaultRules(apiPrefix string) []RateLimitRule {
	return []RateLimitRule{
		{Method: "*", PathPrefix: apiPrefix + "/auth/", MaxRequests: 20, Window: time.Minute},
		{Method: "GET", PathPrefix: apiPrefix + "/analytics/", MaxRequests: 120, Window: time.Minute},
	}
}

// Init creates the shield tables and inserts DefaultRules(apiPrefix) unless
// a rule for the same endpoint already exists.
func Init(ctx context.Context, db *sql.DB, apiPrefix string) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("shield: init schema: %w", err)
	}
	for _, r := range DefaultRules(apiPrefix) {
		_, err := db.ExecContext(ctx,
			`INSERT OR IGNORE INTO rate_limits (endpoint, max_requests, window_seconds) VALUES (?, ?, ?)`,
			r.key(), r.MaxRequests, int(r.Window.Seconds()))
		if err != nil {
			return fmt.Errorf("shield: seed rule %s: %w", r.key(), err)
		}
	}
	return nil
}
