package shield

import (
	"database/sql"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/msgstats/kit"
)

// DefaultMaintenanceMessage is returned while maintenance is on and the
// maintenance row carries no message.
const DefaultMaintenanceMessage = "service under maintenance"

// MaintenanceMode answers 503 to every request while the flag in the
// maintenance table is set. The flag is cached in memory and refreshed by
// StartReloader. A missing table or row means maintenance is off.
type MaintenanceMode struct {
	db      *sql.DB
	active  atomic.Bool
	message atomic.Value // string
	exclude []string
}

// NewMaintenanceMode reads the current flag from db. Paths under any of
// excludePrefixes are always served.
func NewMaintenanceMode(db *sql.DB, excludePrefixes ...string) *MaintenanceMode {
	m := &MaintenanceMode{db: db, exclude: excludePrefixes}
	m.message.Store(DefaultMaintenanceMessage)
	m.Reload()
	return m
}

// Active reports whether maintenance mode is on.
func (m *MaintenanceMode) Active() bool { return m.active.Load() }

// Message returns the detail sent with 503 responses.
func (m *MaintenanceMode) Message() string {
	s, _ := m.message.Load().(string)
	return s
}

// StartReloader refreshes the flag every 5 seconds until done is closed.
func (m *MaintenanceMode) StartReloader(done <-chan struct{}) {
	tick := time.NewTicker(5 * time.Second)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				m.Reload()
			}
		}
	}()
}

// Reload reads the flag from the maintenance table.
func (m *MaintenanceMode) Reload() {
	var active int
	var message string
	err := m.db.QueryRow(`SELECT active, message FROM maintenance WHERE id = 1`).Scan(&active, &message)
	if err != nil {
		if m.active.Swap(false) {
			slog.Info("maintenance: flag cleared", "error", err)
		}
		return
	}

	if message == "" {
		message = DefaultMaintenanceMessage
	}
	m.message.Store(message)
	was := m.active.Swap(active == 1)
	switch {
	case active == 1 && !was:
		slog.Warn("maintenance: enabled", "message", message)
	case active != 1 && was:
		slog.Info("maintenance: disabled")
	}
}

// Set turns maintenance on or off, persisting the flag.
func (m *MaintenanceMode) Set(active bool, message string) error {
	v := 0
	if active {
		v = 1
	}
	if message == "" {
		message = DefaultMaintenanceMessage
	}
	_, err := m.db.Exec(`INSERT INTO maintenance (id, active, message) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET active = excluded.active, message = excluded.message`, v, message)
	if err != nil {
		return err
	}
	m.Reload()
	return nil
}

// Middleware answers 503 with a {"detail": ...} body while maintenance is on.
func (m *MaintenanceMode) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.active.Load() {
			next.ServeHTTP(w, r)
			return
		}
		for _, prefix := range m.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("Retry-After", "300")
		kit.WriteError(w, http.StatusServiceUnavailable, m.Message())
	})
}
