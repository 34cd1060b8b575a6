// Package shield is the HTTP middleware every msgstats request passes
// through: request tracing with a per-request logger, security headers,
// CORS, body limits, per-IP rate limiting and a maintenance switch.
//
// Rate-limit rules and the maintenance flag live in the ops SQLite database
// and are reloaded periodically, so they can be changed without a restart.
//
//	stack, rl, mm := shield.DefaultAPIStack(cfg.Server, opsDB, "/health")
//	rl.StartReloader(done)
//	mm.StartReloader(done)
//	for _, mw := range stack {
//	    r.Use(mw)
//	}
package shield

import (
	"database/sql"
	"net/http"

	"github.com/hazyhaar/msgstats/config"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// MaxBodyBytes bounds request bodies. msgstats only accepts small JSON.
const MaxBodyBytes = 64 * 1024

// DefaultAPIStack returns the middleware stack for the msgstats API, in
// order: TraceID, HeadToGet, SecurityHeaders, CORS, MaxBody, Maintenance,
// RateLimiter. Paths under any of bypass skip maintenance and rate limiting.
// The returned RateLimiter and MaintenanceMode need StartReloader to pick up
// changes made in db.
func DefaultAPIStack(cfg config.ServerConfig, db *sql.DB, bypass ...string) ([]func(http.Handler) http.Handler, *RateLimiter, *MaintenanceMode) {
	rl := NewRateLimiter(db, bypass...)
	mm := NewMaintenanceMode(db, bypass...)
	return []func(http.Handler) http.Handler{
		TraceID,
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		CORS(cfg.CORSOrigins),
		MaxBody(MaxBodyBytes),
		mm.Middleware,
		rl.Middleware,
	}, rl, mm
}
