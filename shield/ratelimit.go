package shield

import (
	"database/sql"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/msgstats/kit"
)

// RateLimitRule limits requests per client IP on every path under a prefix.
// Method "*" matches any method.
type RateLimitRule struct {
	Method      string
	PathPrefix  string
	MaxRequests int
	Window      time.Duration
}

func (r RateLimitRule) key() string { return r.Method + " " + r.PathPrefix }

func (r RateLimitRule) matches(method, path string) bool {
	return (r.Method == "*" || r.Method == method) && strings.HasPrefix(path, r.PathPrefix)
}

type bucket struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// take counts one request and reports whether it fits in the window.
func (b *bucket) take(now time.Time, rule RateLimitRule) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.After(b.resetAt) {
		b.count = 0
		b.resetAt = now.Add(rule.Window)
	}
	b.count++
	return b.count <= rule.MaxRequests
}

func (b *bucket) expired(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.After(b.resetAt)
}

// RateLimiter applies fixed-window per-IP limits. Rules come from the
// rate_limits table; when several rules match a request the one with the
// longest path prefix applies.
type RateLimiter struct {
	db      *sql.DB
	mu      sync.RWMutex
	rules   []RateLimitRule
	buckets sync.Map // ip + " " + rule key -> *bucket
	exclude []string
	now     func() time.Time
}

// NewRateLimiter loads rules from db. Paths under any of excludePrefixes are
// never limited.
func NewRateLimiter(db *sql.DB, excludePrefixes ...string) *RateLimiter {
	rl := &RateLimiter{db: db, exclude: excludePrefixes, now: time.Now}
	rl.Reload()
	return rl
}

// StartReloader reloads rules every minute and drops expired buckets every
// five, until done is closed.
func (rl *RateLimiter) StartReloader(done <-chan struct{}) {
	reloadTick := time.NewTicker(time.Minute)
	gcTick := time.NewTicker(5 * time.Minute)
	go func() {
		defer reloadTick.Stop()
		defer gcTick.Stop()
		for {
			select {
			case <-done:
				return
			case <-reloadTick.C:
				rl.Reload()
			case <-gcTick.C:
				rl.gc()
			}
		}
	}()
}

// Reload replaces the rules with the enabled rows of rate_limits. On error
// the current rules stay in place.
func (rl *RateLimiter) Reload() {
	rows, err := rl.db.Query(`SELECT endpoint, max_requests, window_seconds FROM rate_limits WHERE enabled = 1`)
	if err != nil {
		slog.Warn("ratelimit: reload rules", "error", err)
		return
	}
	defer rows.Close()

	var rules []RateLimitRule
	for rows.Next() {
		var endpoint string
		var maxReq, window int
		if err := rows.Scan(&endpoint, &maxReq, &window); err != nil {
			slog.Warn("ratelimit: scan rule", "error", err)
			continue
		}
		method, prefix, ok := strings.Cut(endpoint, " ")
		if !ok || maxReq <= 0 || window <= 0 {
			slog.Warn("ratelimit: ignoring malformed rule", "endpoint", endpoint)
			continue
		}
		rules = append(rules, RateLimitRule{
			Method:      strings.ToUpper(method),
			PathPrefix:  prefix,
			MaxRequests: maxReq,
			Window:      time.Duration(window) * time.Second,
		})
	}
	if err := rows.Err(); err != nil {
		slog.Warn("ratelimit: reload rules", "error", err)
		return
	}

	rl.mu.Lock()
	rl.rules = rules
	rl.mu.Unlock()
	slog.Debug("ratelimit: rules reloaded", "count", len(rules))
}

// Rules returns a copy of the active rules.
func (rl *RateLimiter) Rules() []RateLimitRule {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return append([]RateLimitRule(nil), rl.rules...)
}

func (rl *RateLimiter) match(method, path string) (RateLimitRule, bool) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	var best RateLimitRule
	found := false
	for _, r := range rl.rules {
		if r.matches(method, path) && (!found || len(r.PathPrefix) > len(best.PathPrefix)) {
			best, found = r, true
		}
	}
	return best, found
}

func (rl *RateLimiter) allow(ip, method, path string) (RateLimitRule, bool) {
	rule, ok := rl.match(method, path)
	if !ok {
		return rule, true
	}
	v, _ := rl.buckets.LoadOrStore(ip+" "+rule.key(), &bucket{})
	return rule, v.(*bucket).take(rl.now(), rule)
}

func (rl *RateLimiter) gc() {
	now := rl.now()
	rl.buckets.Range(func(key, value any) bool {
		if value.(*bucket).expired(now) {
			rl.buckets.Delete(key)
		}
		return true
	})
}

// Middleware rejects requests over their rule's limit with 429 and a
// {"detail": ...} body.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		ip := kit.GetRemoteAddr(r.Context())
		if ip == "" {
			ip = ExtractIP(r)
		}
		rule, ok := rl.allow(ip, r.Method, r.URL.Path)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		GetLogger(r.Context()).Warn("ratelimit: request blocked", "ip", ip, "rule", rule.key())
		w.Header().Set("Retry-After", strconv.Itoa(int(rule.Window.Seconds())))
		kit.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
	})
}

// ExtractIP returns the client IP: the first X-Forwarded-For entry when
// present, RemoteAddr otherwise.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
