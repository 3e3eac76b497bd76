package internal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS presets (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	payload TEXT NOT NULL
)`

type SQLitePresets struct {
	db     *sql.DB
	policy MatchPolicy
}

func OpenSQLitePresets(path string, policy MatchPolicy) (*SQLitePresets, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create presets table: %w", err)
	}

	return &SQLitePresets{db: db, policy: policy}, nil
}

func (s *SQLitePresets) Close() error {
	return s.db.Close()
}

func (s *SQLitePresets) List(ctx context.Context) ([]Preset, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, payload FROM presets ORDER BY id`)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}

	//goland:noinspection GoUnhandledErrorResult
	defer rows.Close()

	presets := []Preset{}
	for rows.Next() {
		var name, payload string
		if err := rows.Scan(&name, &payload); err != nil {
			return nil, &StorageError{Op: "list", Err: err}
		}

		value, err := decodePayload(payload)
		if err != nil {
			return nil, &StorageError{Op: "list", Err: fmt.Errorf("preset %q: %w", name, err)}
		}

		presets = append(presets, Preset{Name: name, Value: value})
	}

	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}

	return presets, nil
}

func (s *SQLitePresets) Load(ctx context.Context, name string) (ChannelState, error) {
	query := `SELECT payload FROM presets WHERE name = ? ORDER BY id ASC LIMIT 1`
	if s.policy == MatchLast {
		query = `SELECT payload FROM presets WHERE name = ? ORDER BY id DESC LIMIT 1`
	}

	var payload string
	err := s.db.QueryRowContext(ctx, query, name).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPresetNotFound
	} else if err != nil {
		return nil, &StorageError{Op: "load", Err: err}
	}

	value, err := decodePayload(payload)
	if err != nil {
		return nil, &StorageError{Op: "load", Err: err}
	}

	return value, nil
}

func (s *SQLitePresets) Save(ctx context.Context, name string, state ChannelState) error {
	payload, err := encodePayload(state)
	if err != nil {
		return &StorageError{Op: "save", Err: err}
	}

	if _, err := s.db.ExecContext(ctx, `INSERT INTO presets (name, payload) VALUES (?, ?)`, name, payload); err != nil {
		return &StorageError{Op: "save", Err: err}
	}

	return nil
}
