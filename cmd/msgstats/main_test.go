package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/msgstats/analytics"
	"github.com/hazyhaar/msgstats/auth"
	"github.com/hazyhaar/msgstats/config"
	"github.com/hazyhaar/msgstats/dbopen"
	"github.com/hazyhaar/msgstats/internal/chattest"
	"github.com/hazyhaar/msgstats/observability"
	"github.com/hazyhaar/msgstats/shield"
	"github.com/hazyhaar/msgstats/snapshot"
	"github.com/hazyhaar/msgstats/users"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		args    []string
		wantErr bool
		oneShot bool
	}{
		{nil, false, false},
		{[]string{"-schema"}, false, false},
		{[]string{"-contact", "+1", "-words", "-limit", "3"}, false, true},
		{[]string{"-stats"}, true, false},
		{[]string{"extra"}, true, false},
		{[]string{"-nope"}, true, false},
	}
	for _, tt := range tests {
		o, err := parseFlags(tt.args, &bytes.Buffer{})
		if (err != nil) != tt.wantErr {
			t.Errorf("parseFlags(%v): err = %v, wantErr %v", tt.args, err, tt.wantErr)
			continue
		}
		if err == nil && o.oneShot() != tt.oneShot {
			t.Errorf("parseFlags(%v): oneShot = %v", tt.args, o.oneShot())
		}
	}
}

func TestRun_OneShot(t *testing.T) {
	t.Setenv("IMESSAGE_DB_PATH", chattest.WriteSample(t, t.TempDir()))

	var out bytes.Buffer
	if err := run([]string{"-contact", "+1234567890", "-limit", "2"}, &out, &bytes.Buffer{}); err != nil {
		t.Fatal(err)
	}
	var res struct {
		ContactID   string `json:"contact_id"`
		Stats       struct{ Sent, Received int }
		Frequencies []struct {
			Word  string
			Count int
		}
	}
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	if res.Stats.Sent != 2 || res.Stats.Received != 1 {
		t.Fatalf("stats = %+v", res.Stats)
	}
	if len(res.Frequencies) != 2 || res.Frequencies[0].Word != "hello" {
		t.Fatalf("frequencies = %+v", res.Frequencies)
	}
}

func TestRun_OneShotWordsOnly(t *testing.T) {
	t.Setenv("IMESSAGE_DB_PATH", chattest.WriteSample(t, t.TempDir()))

	var out bytes.Buffer
	if err := run([]string{"-contact", "nobody", "-words"}, &out, &bytes.Buffer{}); err != nil {
		t.Fatal(err)
	}
	s := out.String()
	if strings.Contains(s, `"stats"`) || !strings.Contains(s, `"frequencies": []`) {
		t.Fatalf("output = %s", s)
	}
}

func TestRun_Schema(t *testing.T) {
	t.Setenv("IMESSAGE_DB_PATH", chattest.WriteSample(t, t.TempDir()))

	var out bytes.Buffer
	if err := run([]string{"-schema"}, &out, &bytes.Buffer{}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), `"name": "message"`) {
		t.Fatalf("schema output lacks message table: %s", out.String())
	}
}

func TestRun_MissingDatabase(t *testing.T) {
	t.Setenv("IMESSAGE_DB_PATH", filepath.Join(t.TempDir(), "chat.db"))

	err := run([]string{"-contact", "+1", "-stats"}, &bytes.Buffer{}, &bytes.Buffer{})
	if !errors.Is(err, snapshot.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRun_ServerNeedsSecret(t *testing.T) {
	t.Setenv("SECRET_KEY", "")
	err := run(nil, &bytes.Buffer{}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "secret_key") {
		t.Fatalf("err = %v", err)
	}
}

// --- router ---

type testApp struct {
	app    *app
	router http.Handler
	token  string
	userID string
	opsDB  *sql.DB
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	cfg.Messages.DBPath = chattest.WriteSample(t, t.TempDir())
	cfg.Messages.TempDir = t.TempDir()
	cfg.Auth.SecretKey = "router-test-secret"

	store := users.New(sqlx.NewDb(dbopen.OpenMemory(t), "sqlite"), users.WithBcryptCost(bcrypt.MinCost))
	if err := store.Init(ctx); err != nil {
		t.Fatal(err)
	}
	u, err := store.UpsertOAuth(ctx, "dana@example.com", "github", "7")
	if err != nil {
		t.Fatal(err)
	}
	token, err := auth.GenerateToken(cfg.JWTSecret(), auth.NewClaims(u.ID, u.Email, "github"), time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	opsDB := dbopen.OpenMemory(t)
	if err := observability.Init(ctx, opsDB); err != nil {
		t.Fatal(err)
	}
	if err := shield.Init(ctx, opsDB, cfg.Server.APIPrefix); err != nil {
		t.Fatal(err)
	}
	stack, _, _ := shield.DefaultAPIStack(cfg.Server, opsDB, "/health")

	svc := analytics.NewService(cfg.Messages)
	ah := analytics.NewHandler(svc, nil, cfg.Messages.DefaultLimit)
	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "msgstats", Version: version}, nil)
	ah.RegisterMCP(mcpServer)

	a := &app{
		cfg:       cfg,
		stack:     stack,
		auth:      auth.NewHandler(cfg.Auth, cfg.JWTSecret(), store),
		analytics: ah,
		httpLog:   observability.NewHTTPLogger(opsDB, 100),
		mcpServer: mcpServer,
	}
	return &testApp{app: a, router: a.routes(), token: token, userID: u.ID, opsDB: opsDB}
}

func (ta *testApp) get(path string, authed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authed {
		req.Header.Set("Authorization", "Bearer "+ta.token)
	}
	rec := httptest.NewRecorder()
	ta.router.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Health(t *testing.T) {
	ta := newTestApp(t)
	for _, p := range []string{"/health", "/api/v1/health"} {
		rec := ta.get(p, false)
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"healthy"`) {
			t.Fatalf("%s: %d %s", p, rec.Code, rec.Body)
		}
	}
}

func TestRouter_AnalyticsRequiresAuth(t *testing.T) {
	ta := newTestApp(t)
	path := "/api/v1/analytics/contacts/+1234567890/stats"

	rec := ta.get(path, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: status %d", rec.Code)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" || rec.Header().Get("X-Trace-ID") == "" {
		t.Fatalf("shield headers missing: %v", rec.Header())
	}

	rec = ta.get(path, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated: status %d: %s", rec.Code, rec.Body)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"sent":2,"received":1}` {
		t.Fatalf("body = %s", got)
	}

	rec = ta.get("/api/v1/analytics/contacts/+1234567890/word-frequency?limit=1", true)
	if got := strings.TrimSpace(rec.Body.String()); got != `{"frequencies":[{"word":"hello","count":2}]}` {
		t.Fatalf("word-frequency body = %s", got)
	}

	rec = ta.get("/api/v1/auth/me", true)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "dana@example.com") {
		t.Fatalf("/auth/me: %d %s", rec.Code, rec.Body)
	}
}

func TestRouter_DebugRoutes(t *testing.T) {
	ta := newTestApp(t)

	if rec := ta.get("/api/v1/debug/routes", false); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: status %d", rec.Code)
	}
	rec := ta.get("/api/v1/debug/routes", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body struct {
		Routes []routeInfo `json:"routes"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	found := map[string]bool{}
	for _, r := range body.Routes {
		found[r.Path] = true
	}
	for _, want := range []string{
		"/health",
		"/api/v1/analytics/contacts/{contact_id}/stats",
		"/api/v1/analytics/contacts/{contact_id}/word-frequency",
		"/api/v1/auth/me",
	} {
		if !found[want] {
			t.Errorf("route %s not listed in %v", want, body.Routes)
		}
	}
}

func TestRouter_HTTPLogRecordsUser(t *testing.T) {
	ta := newTestApp(t)
	ta.get("/api/v1/analytics/contacts/+1234567890/stats", true)
	ta.get("/health", false)
	ta.app.httpLog.Close()

	var total, withUser int
	ta.opsDB.QueryRow(`SELECT COUNT(*) FROM http_request_logs`).Scan(&total)
	ta.opsDB.QueryRow(`SELECT COUNT(*) FROM http_request_logs WHERE user_id = ?`, ta.userID).Scan(&withUser)
	if total != 2 || withUser != 1 {
		t.Fatalf("http logs: total=%d with user=%d", total, withUser)
	}
}

type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (b bearerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("Authorization", "Bearer "+b.token)
	return b.base.RoundTrip(r)
}

func TestRouter_MCP(t *testing.T) {
	ta := newTestApp(t)
	srv := httptest.NewServer(ta.router)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/mcp", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous /mcp: status %d", resp.StatusCode)
	}

	transport := &mcp.StreamableClientTransport{
		Endpoint:   srv.URL + "/mcp",
		HTTPClient: &http.Client{Transport: bearerTransport{token: ta.token, base: http.DefaultTransport}},
	}
	ctx := context.Background()
	session, err := mcp.NewClient(&mcp.Implementation{Name: "test", Version: "0"}, nil).Connect(ctx, transport, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer session.Close()

	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "msgstats_contact_stats",
		Arguments: map[string]any{"contact_id": "test@example.com"},
	})
	if err != nil {
		t.Fatal(err)
	}
	tc, ok := res.Content[0].(*mcp.TextContent)
	if !ok || res.IsError || tc.Text != `{"sent":0,"received":2}` {
		t.Fatalf("tool result: %+v", res)
	}
}
