package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/manthysbr/ocrkernel/internal/core/ports"
)

var ErrSettingNotFound = errors.New("setting not found")

type Repository struct {
	db *sql.DB
}

// Ensure Repository implements the persistence ports
var (
	_ ports.HistoryArchive     = (*Repository)(nil)
	_ ports.SettingsRepository = (*Repository)(nil)
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS settings (
		key VARCHAR PRIMARY KEY,
		value VARCHAR NOT NULL,
		updated_at TIMESTAMP DEFAULT current_timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS job_history (
		id VARCHAR PRIMARY KEY,
		sequence UBIGINT NOT NULL,
		input_path VARCHAR NOT NULL,
		output_path VARCHAR NOT NULL,
		flags JSON,
		state VARCHAR NOT NULL,
		failure_kind VARCHAR,
		exit_code INTEGER,
		failure_message VARCHAR,
		log JSON,
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		ended_at TIMESTAMP
	)`,
}

// NewRepository opens (or creates) the database at path and applies the schema.
// An empty path gives an in-memory database.
func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to duckdb: %w", err)
	}

	for _, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
	}

	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrSettingNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, nil
}

func (r *Repository) SaveSetting(ctx context.Context, key string, value string) error {
	query := `
	INSERT INTO settings (key, value, updated_at)
	VALUES (?, ?, current_timestamp)
	ON CONFLICT (key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at;
	`
	if _, err := r.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}
	return nil
}
