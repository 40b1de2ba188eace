package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// HistoryEntry is one completed render. Frequency is nil for the original audio.
type HistoryEntry struct {
	ID        int64     `json:"id"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Frequency *float64  `json:"frequency"`
	CreatedAt time.Time `json:"created_at"`
}

// Preset is a named frequency. Frequency is nil for the original audio.
type Preset struct {
	Name      string    `json:"name"`
	Frequency *float64  `json:"frequency"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store wraps the SQLite database holding history and presets
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	frequency REAL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_created_at ON history(created_at);
CREATE TABLE IF NOT EXISTS presets (
	name TEXT PRIMARY KEY,
	frequency REAL,
	updated_at INTEGER NOT NULL
);
`

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// AddHistory records a completed render.
func (s *Store) AddHistory(ctx context.Context, e HistoryEntry) (int64, error) {
	if strings.TrimSpace(e.URL) == "" {
		return 0, fmt.Errorf("history entry needs a url")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO history (url, title, frequency, created_at) VALUES (?, ?, ?, ?)`,
		e.URL, e.Title, e.Frequency, e.CreatedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to add history entry: %w", err)
	}
	return res.LastInsertId()
}

// ListHistory returns the newest entries first. limit <= 0 returns everything.
func (s *Store) ListHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	query := `SELECT id, url, title, frequency, created_at FROM history ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var freq sql.NullFloat64
		var created int64
		if err := rows.Scan(&e.ID, &e.URL, &e.Title, &freq, &created); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		if freq.Valid {
			f := freq.Float64
			e.Frequency = &f
		}
		e.CreatedAt = time.UnixMilli(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ClearHistory deletes all history entries.
func (s *Store) ClearHistory(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM history`); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

// SavePreset creates or replaces a preset.
func (s *Store) SavePreset(ctx context.Context, p Preset) error {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return fmt.Errorf("preset name cannot be empty")
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO presets (name, frequency, updated_at) VALUES (?, ?, ?)`,
		name, p.Frequency, p.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save preset %q: %w", name, err)
	}
	return nil
}

// ListPresets returns presets sorted by name.
func (s *Store) ListPresets(ctx context.Context) ([]Preset, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, frequency, updated_at FROM presets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query presets: %w", err)
	}
	defer rows.Close()

	var presets []Preset
	for rows.Next() {
		var p Preset
		var freq sql.NullFloat64
		var updated int64
		if err := rows.Scan(&p.Name, &freq, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan preset row: %w", err)
		}
		if freq.Valid {
			f := freq.Float64
			p.Frequency = &f
		}
		p.UpdatedAt = time.UnixMilli(updated)
		presets = append(presets, p)
	}
	return presets, rows.Err()
}

// GetPreset looks a preset up by name.
func (s *Store) GetPreset(ctx context.Context, name string) (*Preset, error) {
	var p Preset
	var freq sql.NullFloat64
	var updated int64
	err := s.db.QueryRowContext(ctx, `SELECT name, frequency, updated_at FROM presets WHERE name = ?`, name).
		Scan(&p.Name, &freq, &updated)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("preset %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read preset %q: %w", name, err)
	}
	if freq.Valid {
		f := freq.Float64
		p.Frequency = &f
	}
	p.UpdatedAt = time.UnixMilli(updated)
	return &p, nil
}

// DeletePreset removes a preset. Deleting a missing preset is an error.
func (s *Store) DeletePreset(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM presets WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete preset %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("preset %q not found", name)
	}
	return nil
}
