package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Fact is a durable piece of knowledge persisted across tasks.
type Fact struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Source    string    `json:"source"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
}

// Correction records a user rejecting a proposed action, kept so the agent
// stops proposing the same thing.
type Correction struct {
	ID               string    `json:"id"`
	OriginalProposal string    `json:"original_proposal"`
	UserObjection    string    `json:"user_objection"`
	Context          string    `json:"context"`
	CreatedAt        time.Time `json:"created_at"`
}

// LongTermConfig configures the persistent store.
type LongTermConfig struct {
	// Path is the SQLite database file. Empty means in-memory.
	Path string `yaml:"path"`

	// MaxRuleFacts bounds how many facts feed the distilled addendum.
	MaxRuleFacts int `yaml:"max_rule_facts"`

	// MaxRuleCorrections bounds how many corrections feed the addendum.
	MaxRuleCorrections int `yaml:"max_rule_corrections"`
}

// DefaultLongTermConfig returns the default store configuration.
func DefaultLongTermConfig() LongTermConfig {
	return LongTermConfig{
		MaxRuleFacts:       20,
		MaxRuleCorrections: 10,
	}
}

// LongTerm is the persistent fact and correction store, tag-indexed.
type LongTerm struct {
	db     *sql.DB
	config LongTermConfig
}

// NewLongTerm opens (or creates) the store at the configured path.
func NewLongTerm(cfg LongTermConfig) (*LongTerm, error) {
	if cfg.MaxRuleFacts <= 0 {
		cfg.MaxRuleFacts = 20
	}
	if cfg.MaxRuleCorrections <= 0 {
		cfg.MaxRuleCorrections = 10
	}
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open long-term store: %w", err)
	}

	s := &LongTerm{db: db, config: cfg}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LongTerm) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			source TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS fact_tags (
			fact_id TEXT NOT NULL REFERENCES facts(id) ON DELETE CASCADE,
			tag TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fact_tags_tag ON fact_tags(tag)`,
		`CREATE TABLE IF NOT EXISTS corrections (
			id TEXT PRIMARY KEY,
			original_proposal TEXT NOT NULL,
			user_objection TEXT NOT NULL,
			context TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_created ON facts(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_corrections_created ON corrections(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize long-term store: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database.
func (s *LongTerm) Close() error { return s.db.Close() }

// AddFact persists a fact and its tag index entries.
func (s *LongTerm) AddFact(ctx context.Context, fact *Fact) error {
	if fact.ID == "" {
		fact.ID = uuid.NewString()
	}
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to store fact: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO facts (id, content, source, created_at) VALUES (?, ?, ?, ?)",
		fact.ID, fact.Content, fact.Source, fact.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to store fact: %w", err)
	}
	for _, tag := range fact.Tags {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO fact_tags (fact_id, tag) VALUES (?, ?)",
			fact.ID, tag,
		); err != nil {
			return fmt.Errorf("failed to index fact tag: %w", err)
		}
	}
	return tx.Commit()
}

// AddCorrection persists a correction record.
func (s *LongTerm) AddCorrection(ctx context.Context, c *Correction) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO corrections (id, original_proposal, user_objection, context, created_at) VALUES (?, ?, ?, ?, ?)",
		c.ID, c.OriginalProposal, c.UserObjection, c.Context, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store correction: %w", err)
	}
	return nil
}

// FactsByTag returns facts carrying the given tag, newest first.
func (s *LongTerm) FactsByTag(ctx context.Context, tag string, limit int) ([]*Fact, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.content, f.source, f.created_at
		FROM facts f
		JOIN fact_tags t ON t.fact_id = f.id
		WHERE t.tag = ?
		ORDER BY f.created_at DESC
		LIMIT ?`, tag, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts: %w", err)
	}
	defer rows.Close()
	return s.scanFacts(ctx, rows)
}

// RecentFacts returns the newest facts regardless of tag.
func (s *LongTerm) RecentFacts(ctx context.Context, limit int) ([]*Fact, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, content, source, created_at FROM facts ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts: %w", err)
	}
	defer rows.Close()
	return s.scanFacts(ctx, rows)
}

func (s *LongTerm) scanFacts(ctx context.Context, rows *sql.Rows) ([]*Fact, error) {
	var facts []*Fact
	for rows.Next() {
		f := &Fact{}
		if err := rows.Scan(&f.ID, &f.Content, &f.Source, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, f := range facts {
		tagRows, err := s.db.QueryContext(ctx, "SELECT tag FROM fact_tags WHERE fact_id = ?", f.ID)
		if err != nil {
			return nil, err
		}
		for tagRows.Next() {
			var tag string
			if err := tagRows.Scan(&tag); err != nil {
				tagRows.Close()
				return nil, err
			}
			f.Tags = append(f.Tags, tag)
		}
		tagRows.Close()
	}
	return facts, nil
}

// RecentCorrections returns the newest corrections.
func (s *LongTerm) RecentCorrections(ctx context.Context, limit int) ([]*Correction, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, original_proposal, user_objection, context, created_at FROM corrections ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query corrections: %w", err)
	}
	defer rows.Close()

	var corrections []*Correction
	for rows.Next() {
		c := &Correction{}
		if err := rows.Scan(&c.ID, &c.OriginalProposal, &c.UserObjection, &c.Context, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan correction: %w", err)
		}
		corrections = append(corrections, c)
	}
	return corrections, rows.Err()
}

// DistilledRules serializes recent facts and corrections into a
// system-prompt addendum. It returns an empty string when the store is
// empty, so callers can skip the section entirely.
func (s *LongTerm) DistilledRules(ctx context.Context) (string, error) {
	facts, err := s.RecentFacts(ctx, s.config.MaxRuleFacts)
	if err != nil {
		return "", err
	}
	corrections, err := s.RecentCorrections(ctx, s.config.MaxRuleCorrections)
	if err != nil {
		return "", err
	}
	if len(facts) == 0 && len(corrections) == 0 {
		return "", nil
	}

	var b strings.Builder
	if len(facts) > 0 {
		b.WriteString("Known facts from previous sessions:")
		for _, f := range facts {
			b.WriteString("\n- ")
			b.WriteString(abbreviate(f.Content, 200))
		}
	}
	if len(corrections) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("The user has previously objected to these proposals; do not repeat them:")
		for _, c := range corrections {
			b.WriteString(fmt.Sprintf("\n- proposed %q, user said %q",
				abbreviate(c.OriginalProposal, 120), abbreviate(c.UserObjection, 120)))
		}
	}
	return b.String(), nil
}
