// Package consent tracks which external providers the user has consented
// to send conversation data to, persisted in SQLite with per-scope TTLs.
package consent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Scope names what consent covers, e.g. "provider:anthropic" or
// "provider:openai".
type Scope string

// ProviderScope builds the scope for an LLM provider.
func ProviderScope(name string) Scope {
	return Scope("provider:" + name)
}

// Grant is one consent record.
type Grant struct {
	Scope     Scope         `json:"scope"`
	GrantedAt time.Time     `json:"granted_at"`
	TTL       time.Duration `json:"ttl"`
}

// Expired reports whether the grant has lapsed at the given time. A zero
// TTL never expires.
func (g *Grant) Expired(now time.Time) bool {
	if g.TTL == 0 {
		return false
	}
	return now.After(g.GrantedAt.Add(g.TTL))
}

// ErrConsentRequired is returned in strict mode when no valid grant
// covers the scope.
var ErrConsentRequired = errors.New("consent: explicit consent required")

// Config configures the consent store.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// RequireExplicit refuses unconsented scopes instead of auto-granting.
	RequireExplicit bool `yaml:"require_explicit_provider_consent"`

	// Path is the SQLite database file. Empty means in-memory.
	Path string `yaml:"path"`

	// AutoGrantTTL bounds grants created in permissive mode.
	// Default: 24h.
	AutoGrantTTL time.Duration `yaml:"auto_grant_ttl"`
}

// Store persists consent grants and enforces the policy mode.
type Store struct {
	db     *sql.DB
	config Config
	now    func() time.Time
}

// NewStore opens the consent database.
func NewStore(cfg Config) (*Store, error) {
	if cfg.AutoGrantTTL <= 0 {
		cfg.AutoGrantTTL = 24 * time.Hour
	}
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open consent store: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS consents (
		scope TEXT PRIMARY KEY,
		granted_at DATETIME NOT NULL,
		ttl_seconds INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize consent store: %w", err)
	}

	return &Store{db: db, config: cfg, now: time.Now}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Grant records consent for a scope. A zero ttl means indefinite.
func (s *Store) Grant(ctx context.Context, scope Scope, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consents (scope, granted_at, ttl_seconds) VALUES (?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET granted_at = excluded.granted_at, ttl_seconds = excluded.ttl_seconds`,
		string(scope), s.now().UTC(), int64(ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to record consent: %w", err)
	}
	return nil
}

// Revoke removes consent for a scope.
func (s *Store) Revoke(ctx context.Context, scope Scope) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM consents WHERE scope = ?", string(scope)); err != nil {
		return fmt.Errorf("failed to revoke consent: %w", err)
	}
	return nil
}

// Lookup returns the grant for a scope, or nil when none exists.
func (s *Store) Lookup(ctx context.Context, scope Scope) (*Grant, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT granted_at, ttl_seconds FROM consents WHERE scope = ?", string(scope))
	var grantedAt time.Time
	var ttlSeconds int64
	if err := row.Scan(&grantedAt, &ttlSeconds); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read consent: %w", err)
	}
	return &Grant{
		Scope:     scope,
		GrantedAt: grantedAt,
		TTL:       time.Duration(ttlSeconds) * time.Second,
	}, nil
}

// Check verifies consent for a scope. Disabled stores always pass. In
// permissive mode missing or expired grants are auto-granted with the
// bounded TTL; in strict mode they fail with ErrConsentRequired.
func (s *Store) Check(ctx context.Context, scope Scope) error {
	if !s.config.Enabled {
		return nil
	}

	grant, err := s.Lookup(ctx, scope)
	if err != nil {
		return err
	}
	if grant != nil && !grant.Expired(s.now()) {
		return nil
	}

	if s.config.RequireExplicit {
		return fmt.Errorf("%w for %s", ErrConsentRequired, scope)
	}
	return s.Grant(ctx, scope, s.config.AutoGrantTTL)
}
