package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/msgstats/analytics"
	"github.com/hazyhaar/msgstats/auth"
	"github.com/hazyhaar/msgstats/config"
	"github.com/hazyhaar/msgstats/dbopen"
	"github.com/hazyhaar/msgstats/kit"
	"github.com/hazyhaar/msgstats/observability"
	"github.com/hazyhaar/msgstats/shield"
	"github.com/hazyhaar/msgstats/users"
)

// app holds what the router is built from. httpLog and mcpServer may be nil.
type app struct {
	cfg       *config.Config
	stack     []func(http.Handler) http.Handler
	auth      *auth.Handler
	analytics *analytics.Handler
	httpLog   *observability.HTTPLogger
	mcpServer *mcp.Server
}

func (a *app) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range a.stack {
		r.Use(mw)
	}
	// Soft: resolves the caller when a credential is present, enforces nothing.
	r.Use(a.auth.Authenticate)
	if a.httpLog != nil {
		r.Use(a.httpLog.Middleware)
	}

	r.Get("/health", handleHealth)

	root := r
	api := func(r chi.Router) {
		r.Get("/health", handleHealth)
		a.auth.Routes(r)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireUser)
			a.analytics.Routes(r)
			if a.cfg.Server.DebugRoutes {
				r.Get("/debug/routes", handleRoutes(root))
			}
		})
	}
	if p := a.cfg.Server.APIPrefix; p != "" {
		r.Route(p, api)
	} else {
		r.Group(api)
	}

	if a.mcpServer != nil && a.cfg.MCP.Enabled {
		srv := a.mcpServer
		h := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil)
		r.With(auth.RequireUser).Handle(a.cfg.MCP.Path, h)
	}
	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	kit.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type routeInfo struct {
	Path    string   `json:"path"`
	Methods []string `json:"methods"`
}

// handleRoutes lists every route of r, grouped by path.
func handleRoutes(r chi.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		byPath := map[string][]string{}
		err := chi.Walk(r, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
			route = strings.TrimSuffix(route, "/*")
			byPath[route] = append(byPath[route], method)
			return nil
		})
		if err != nil {
			shield.GetLogger(req.Context()).Error("debug: walk routes", "error", err)
			kit.WriteError(w, http.StatusInternalServerError, "could not list routes")
			return
		}
		routes := make([]routeInfo, 0, len(byPath))
		for p, methods := range byPath {
			sort.Strings(methods)
			routes = append(routes, routeInfo{Path: p, Methods: methods})
		}
		sort.Slice(routes, func(i, j int) bool { return routes[i].Path < routes[j].Path })
		kit.WriteJSON(w, http.StatusOK, map[string]any{"routes": routes})
	}
}

// serve runs the HTTP server until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default()

	if _, err := os.Stat(cfg.Messages.DBPath); err != nil {
		logger.Warn("msgstats: messages database not accessible, analytics will answer 503",
			"path", cfg.Messages.DBPath, "error", err)
	}

	store, err := users.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return err
	}

	opsDB, err := dbopen.Open(cfg.Observability.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("msgstats: ops db: %w", err)
	}
	defer opsDB.Close()
	if err := observability.Init(ctx, opsDB); err != nil {
		return err
	}
	if err := shield.Init(ctx, opsDB, cfg.Server.APIPrefix); err != nil {
		return err
	}

	audit := observability.NewAuditLogger(opsDB, cfg.Observability.AuditBuffer)
	defer audit.Close()
	metrics := observability.NewMetricsManager(opsDB, 100, 5*time.Second)
	defer metrics.Close()
	httpLog := observability.NewHTTPLogger(opsDB, 1000)
	events := observability.NewEventLogger(opsDB)

	svc := analytics.NewService(cfg.Messages, analytics.WithMetrics(metrics), analytics.WithLogger(logger))
	analyticsHandler := analytics.NewHandler(svc, audit, cfg.Messages.DefaultLimit)
	authHandler := auth.NewHandler(cfg.Auth, cfg.JWTSecret(), store, auth.WithEvents(events))
	if len(auth.ProvidersFromConfig(cfg.Auth)) == 0 {
		logger.Warn("msgstats: no OAuth provider configured, only existing API keys can authenticate")
	}

	stack, limiter, maintenance := shield.DefaultAPIStack(cfg.Server, opsDB, "/health", cfg.Server.APIPrefix+"/health")

	var mcpServer *mcp.Server
	if cfg.MCP.Enabled {
		mcpServer = mcp.NewServer(&mcp.Implementation{Name: "msgstats", Version: version}, nil)
		analyticsHandler.RegisterMCP(mcpServer)
	}

	a := &app{
		cfg:       cfg,
		stack:     stack,
		auth:      authHandler,
		analytics: analyticsHandler,
		httpLog:   httpLog,
		mcpServer: mcpServer,
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	limiter.StartReloader(gctx.Done())
	maintenance.StartReloader(gctx.Done())

	g.Go(func() error {
		logger.Info("msgstats: listening", "addr", cfg.Server.Addr, "prefix", cfg.Server.APIPrefix,
			"source", svc.Source(), "mcp", cfg.MCP.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("msgstats: listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("msgstats: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		retentionLoop(gctx, opsDB, cfg.Observability.RetentionDays)
		return nil
	})

	err = g.Wait()
	// Shutdown has returned: no handler can still write to the log queue.
	httpLog.Close()
	return err
}

// retentionLoop purges old ops rows at start and then daily.
func retentionLoop(ctx context.Context, db *sql.DB, days int) {
	if days <= 0 {
		return
	}
	rc := observability.RetentionConfig{
		HTTPLogsDays:  days,
		EventLogsDays: days,
		AuditDays:     days,
		MetricsDays:   days,
	}
	tick := time.NewTicker(24 * time.Hour)
	defer tick.Stop()
	for {
		if err := observability.Cleanup(ctx, db, rc); err != nil && ctx.Err() == nil {
			slog.Warn("msgstats: retention cleanup", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}
