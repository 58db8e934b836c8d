// Package settings persists per-user conversation preferences in a local
// SQLite database so a restarted client reconnects with the same persona
// and voice.
package settings

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Profile is one user's saved conversation preferences. The zero value
// means "no preferences saved": callers fall back to their defaults.
type Profile struct {
	UserID    string
	Persona   string
	Voice     string
	UpdatedAt time.Time
}

// Store wraps the settings database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and brings the schema up to
// date.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create settings directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open settings database: %w", err)
	}
	// SQLite serializes writers badly under concurrency. One connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping settings database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate settings database: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the saved profile for userID, or a zero-value profile when
// none was ever saved.
func (s *Store) Get(ctx context.Context, userID string) (Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, persona, voice, updated_at FROM profiles WHERE user_id = ?`, userID)
	var p Profile
	err := row.Scan(&p.UserID, &p.Persona, &p.Voice, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, nil
	}
	if err != nil {
		return Profile{}, fmt.Errorf("load profile: %w", err)
	}
	return p, nil
}

// SetPersona saves the system-instruction persona for userID.
func (s *Store) SetPersona(ctx context.Context, userID, persona string) error {
	return s.upsert(ctx, userID, "persona", persona)
}

// SetVoice saves the preferred output voice for userID.
func (s *Store) SetVoice(ctx context.Context, userID, voice string) error {
	return s.upsert(ctx, userID, "voice", voice)
}

func (s *Store) upsert(ctx context.Context, userID, column, value string) error {
	query := fmt.Sprintf(
		`INSERT INTO profiles (user_id, %[1]s, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(user_id) DO UPDATE SET %[1]s = excluded.%[1]s, updated_at = CURRENT_TIMESTAMP`,
		column)
	if _, err := s.db.ExecContext(ctx, query, userID, value); err != nil {
		return fmt.Errorf("save %s: %w", column, err)
	}
	return nil
}
