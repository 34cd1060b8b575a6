package users

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/msgstats/dbopen"
)

func setupStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	opts = append([]Option{WithBcryptCost(bcrypt.MinCost)}, opts...)
	s := New(sqlx.NewDb(db, "sqlite"), opts...)
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestInit_Idempotent(t *testing.T) {
	s := setupStore(t)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestUpsertOAuth_CreatesActiveUser(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	u, err := s.UpsertOAuth(ctx, "Alice@Example.com ", "github", "42")
	if err != nil {
		t.Fatal(err)
	}
	if u.ID == "" || u.Email != "alice@example.com" || u.AuthProvider != "github" || u.ProviderUserID != "42" {
		t.Fatalf("user: %+v", u)
	}
	if !u.IsActive {
		t.Fatal("new user should be active")
	}
	if u.HasAPIKey() {
		t.Fatal("new user should have no API key")
	}
	if u.CreatedAt == 0 || u.UpdatedAt != u.CreatedAt {
		t.Fatalf("timestamps: %d %d", u.CreatedAt, u.UpdatedAt)
	}
}

func TestUpsertOAuth_KeepsIdentityAndFlag(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	first, err := s.UpsertOAuth(ctx, "bob@example.com", "github", "1")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetActive(ctx, first.ID, false); err != nil {
		t.Fatal(err)
	}

	second, err := s.UpsertOAuth(ctx, "BOB@example.com", "google", "g-9")
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Fatalf("id changed: %s -> %s", first.ID, second.ID)
	}
	if second.AuthProvider != "google" || second.ProviderUserID != "g-9" {
		t.Fatalf("provider not refreshed: %+v", second)
	}
	if second.IsActive {
		t.Fatal("login must not reactivate a deactivated user")
	}
}

func TestUpsertOAuth_EmptyEmail(t *testing.T) {
	s := setupStore(t)
	if _, err := s.UpsertOAuth(context.Background(), "  ", "github", "1"); err == nil {
		t.Fatal("expected error for empty email")
	}
}

func TestGet_NotFound(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if _, err := s.GetByEmail(ctx, "nobody@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetByEmail: got %v", err)
	}
	if _, err := s.GetByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetByID: got %v", err)
	}
	if err := s.SetActive(ctx, "missing", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetActive: got %v", err)
	}
	if _, err := s.IssueAPIKey(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("IssueAPIKey: got %v", err)
	}
}

func TestAPIKey_Lifecycle(t *testing.T) {
	s := setupStore(t, WithIDGenerator(func() string { return "usr-fixed" }))
	ctx := context.Background()

	u, err := s.UpsertOAuth(ctx, "carol@example.com", "github", "7")
	if err != nil {
		t.Fatal(err)
	}
	if u.ID != "usr-fixed" {
		t.Fatalf("id generator not used: %q", u.ID)
	}

	key, err := s.IssueAPIKey(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(key, APIKeyPrefix) || !IsAPIKey(key) {
		t.Fatalf("key shape: %q", key)
	}

	got, err := s.ResolveAPIKey(ctx, key)
	if err != nil {
		t.Fatalf("ResolveAPIKey: %v", err)
	}
	if got.ID != u.ID {
		t.Fatalf("resolved %s, want %s", got.ID, u.ID)
	}

	stored, _ := s.GetByID(ctx, u.ID)
	if !stored.HasAPIKey() {
		t.Fatal("HasAPIKey false after issue")
	}
	if _, secret, _ := strings.Cut(key, "."); stored.APIKeyHash.String == secret {
		t.Fatal("secret stored in plaintext")
	}

	// A second key replaces the first.
	key2, err := s.IssueAPIKey(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ResolveAPIKey(ctx, key); !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("old key: got %v", err)
	}
	if _, err := s.ResolveAPIKey(ctx, key2); err != nil {
		t.Fatalf("new key: %v", err)
	}

	if err := s.RevokeAPIKey(ctx, u.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ResolveAPIKey(ctx, key2); !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("revoked key: got %v", err)
	}
}

func TestResolveAPIKey_Inactive(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	u, _ := s.UpsertOAuth(ctx, "dave@example.com", "github", "8")
	key, err := s.IssueAPIKey(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetActive(ctx, u.ID, false); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ResolveAPIKey(ctx, key); !errors.Is(err, ErrInactive) {
		t.Fatalf("got %v, want ErrInactive", err)
	}
}

func TestResolveAPIKey_Malformed(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	u, _ := s.UpsertOAuth(ctx, "erin@example.com", "github", "9")
	key, _ := s.IssueAPIKey(ctx, u.ID)
	keyID, _, _ := strings.Cut(strings.TrimPrefix(key, APIKeyPrefix), ".")

	for _, bad := range []string{
		"",
		"not-a-key",
		APIKeyPrefix,
		APIKeyPrefix + keyID,
		APIKeyPrefix + keyID + ".",
		APIKeyPrefix + keyID + ".wrongsecret",
		APIKeyPrefix + "../x.secret",
		APIKeyPrefix + keyID + "." + strings.Repeat("a", 80),
	} {
		if _, err := s.ResolveAPIKey(ctx, bad); !errors.Is(err, ErrInvalidAPIKey) {
			t.Errorf("ResolveAPIKey(%q) = %v, want ErrInvalidAPIKey", bad, err)
		}
	}
}

func TestRebind_Postgres(t *testing.T) {
	db := dbopen.OpenMemory(t)
	s := New(sqlx.NewDb(db, "postgres"))
	if got := s.DB().Rebind("SELECT ? , ?"); got != "SELECT $1 , $2" {
		t.Fatalf("Rebind: %q", got)
	}
}

func TestDriversRegistered(t *testing.T) {
	drivers := sql.Drivers()
	for _, name := range []string{"sqlite", "postgres"} {
		if !slices.Contains(drivers, name) {
			t.Fatalf("driver %q not registered, have %v", name, drivers)
		}
	}
}

func TestOpen_SQLiteFile(t *testing.T) {
	path := t.TempDir() + "/nested/users.db"
	s, err := Open(context.Background(), "sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(context.Background(), "mysql", "x"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}
