// Package users is the identity store behind msgstats' bearer credentials:
// one row per email, the OAuth provider that vouched for it, an active flag
// and at most one API key.
//
// The store runs on SQLite (modernc) or PostgreSQL (lib/pq) through sqlx.
// Queries are written with '?' placeholders and rebound per driver.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/msgstats/dbopen"
	"github.com/hazyhaar/msgstats/horosafe"
	"github.com/hazyhaar/msgstats/idgen"
)

var (
	// ErrNotFound is returned when no user matches the lookup.
	ErrNotFound = errors.New("users: not found")
	// ErrInactive is returned when the user exists but is deactivated.
	ErrInactive = errors.New("users: inactive user")
	// ErrInvalidAPIKey is returned for malformed, unknown or revoked keys.
	ErrInvalidAPIKey = errors.New("users: invalid API key")
)

// APIKeyPrefix starts every API key handed out by IssueAPIKey.
const APIKeyPrefix = "msk_"

// User is one row of the users table.
type User struct {
	ID             string         `db:"id" json:"id"`
	Email          string         `db:"email" json:"email"`
	AuthProvider   string         `db:"auth_provider" json:"auth_provider"`
	ProviderUserID string         `db:"provider_user_id" json:"-"`
	IsActive       bool           `db:"is_active" json:"is_active"`
	APIKeyID       sql.NullString `db:"api_key_id" json:"-"`
	APIKeyHash     sql.NullString `db:"api_key_hash" json:"-"`
	CreatedAt      int64          `db:"created_at" json:"created_at"`
	UpdatedAt      int64          `db:"updated_at" json:"updated_at"`
}

// HasAPIKey reports whether an API key is currently issued.
func (u *User) HasAPIKey() bool { return u.APIKeyID.Valid }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		auth_provider TEXT NOT NULL,
		provider_user_id TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		api_key_id TEXT UNIQUE,
		api_key_hash TEXT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_users_provider ON users(auth_provider, provider_user_id)`,
}

const userColumns = `id, email, auth_provider, provider_user_id, is_active,
	api_key_id, api_key_hash, created_at, updated_at`

// Store reads and writes users.
type Store struct {
	db         *sqlx.DB
	newID      idgen.Generator
	newKeyID   idgen.Generator
	newSecret  idgen.Generator
	bcryptCost int
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator sets the generator for user ids.
func WithIDGenerator(gen idgen.Generator) Option { return func(s *Store) { s.newID = gen } }

// WithBcryptCost sets the cost used to hash API key secrets.
func WithBcryptCost(cost int) Option { return func(s *Store) { s.bcryptCost = cost } }

// New wraps an existing connection. Call Init before use.
func New(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{
		db:         db,
		newID:      idgen.Default,
		newKeyID:   idgen.NanoID(12),
		newSecret:  idgen.NanoID(40),
		bcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open connects to the users database. driver is "sqlite" (dsn is a file
// path) or "postgres" (dsn is a lib/pq connection string or URL).
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	switch driver {
	case "sqlite":
		db, err := dbopen.Open(dsn, dbopen.WithMkdirAll())
		if err != nil {
			return nil, fmt.Errorf("users: open sqlite: %w", err)
		}
		return New(sqlx.NewDb(db, "sqlite"), opts...), nil
	case "postgres":
		db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("users: connect postgres: %w", err)
		}
		return New(db, opts...), nil
	default:
		return nil, fmt.Errorf("users: unsupported driver %q", driver)
	}
}

// DB returns the underlying connection.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close closes the connection.
func (s *Store) Close() error { return s.db.Close() }

// Init creates the users table. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("users: init schema: %w", err)
		}
	}
	return nil
}

// UpsertOAuth records a successful OAuth login for email. A new email gets
// an active user; a known one keeps its id, active flag and API key and has
// its provider fields refreshed.
func (s *Store) UpsertOAuth(ctx context.Context, email, provider, providerUserID string) (*User, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, fmt.Errorf("users: upsert: empty email")
	}
	now := s.now().Unix()
	err := dbopen.Retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO users (id, email, auth_provider, provider_user_id, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (email) DO UPDATE SET
				auth_provider = excluded.auth_provider,
				provider_user_id = excluded.provider_user_id,
				updated_at = excluded.updated_at`),
			s.newID(), email, provider, providerUserID, true, now, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("users: upsert %s: %w", provider, err)
	}
	return s.GetByEmail(ctx, email)
}

// GetByEmail returns the user with email (case-insensitive).
func (s *Store) GetByEmail(ctx context.Context, email string) (*User, error) {
	return s.getOne(ctx, "email", normalizeEmail(email))
}

// GetByID returns the user with id.
func (s *Store) GetByID(ctx context.Context, id string) (*User, error) {
	return s.getOne(ctx, "id", id)
}

func (s *Store) getOne(ctx context.Context, column, value string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, s.db.Rebind(`SELECT `+userColumns+` FROM users WHERE `+column+` = ?`), value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("users: get by %s: %w", column, err)
	}
	return &u, nil
}

// SetActive flips the active flag of user id.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	return s.update(ctx, id, `is_active = ?`, active)
}

// IssueAPIKey creates a new API key for user id, replacing any previous one.
// The plaintext key is returned once; only a bcrypt hash of its secret is
// stored.
func (s *Store) IssueAPIKey(ctx context.Context, id string) (string, error) {
	keyID, secret := s.newKeyID(), s.newSecret()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("users: hash api key: %w", err)
	}
	if err := s.update(ctx, id, `api_key_id = ?, api_key_hash = ?`, keyID, string(hash)); err != nil {
		return "", err
	}
	return APIKeyPrefix + keyID + "." + secret, nil
}

// RevokeAPIKey removes the API key of user id, if any.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	return s.update(ctx, id, `api_key_id = NULL, api_key_hash = NULL`)
}

// ResolveAPIKey returns the active user owning key. Malformed, unknown and
// mismatching keys all yield ErrInvalidAPIKey; a valid key of a deactivated
// user yields ErrInactive.
func (s *Store) ResolveAPIKey(ctx context.Context, key string) (*User, error) {
	keyID, secret, ok := splitAPIKey(key)
	if !ok {
		return nil, ErrInvalidAPIKey
	}
	u, err := s.getOne(ctx, "api_key_id", keyID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.APIKeyHash.String), []byte(secret)); err != nil {
		return nil, ErrInvalidAPIKey
	}
	if !u.IsActive {
		return nil, ErrInactive
	}
	return u, nil
}

func (s *Store) update(ctx context.Context, id, set string, args ...any) error {
	args = append(args, s.now().Unix(), id)
	var n int64
	err := dbopen.Retry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE users SET `+set+`, updated_at = ? WHERE id = ?`), args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("users: update %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IsAPIKey reports whether credential has the API key shape rather than a JWT.
func IsAPIKey(credential string) bool {
	return strings.HasPrefix(credential, APIKeyPrefix)
}

func splitAPIKey(key string) (id, secret string, ok bool) {
	rest, found := strings.CutPrefix(key, APIKeyPrefix)
	if !found {
		return "", "", false
	}
	id, secret, found = strings.Cut(rest, ".")
	if !found || secret == "" || horosafe.ValidateIdentifier(id) != nil {
		return "", "", false
	}
	// bcrypt ignores input beyond 72 bytes.
	if len(secret) > 72 {
		return "", "", false
	}
	return id, secret, true
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
