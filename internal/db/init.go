// Package db opens the Postgres connection, owns the schema and runs
// background maintenance over it.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS folders (
    id BIGSERIAL PRIMARY KEY,
    title TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS roles (
    id BIGSERIAL PRIMARY KEY,
    title TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS categories (
    id BIGSERIAL PRIMARY KEY,
    parent_id BIGINT NOT NULL DEFAULT 0,
    title TEXT NOT NULL,
    level SMALLINT NOT NULL DEFAULT 0,
    rank INTEGER NOT NULL DEFAULT 1,
    regex TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL DEFAULT 'text',
    masked BOOLEAN NOT NULL DEFAULT FALSE,
    encrypted_data BOOLEAN NOT NULL DEFAULT FALSE,
    is_mandatory BOOLEAN NOT NULL DEFAULT FALSE,
    role_visibility TEXT NOT NULL DEFAULT 'all'
);

CREATE INDEX IF NOT EXISTS categories_siblings_idx ON categories (parent_id, level, rank);

CREATE TABLE IF NOT EXISTS categories_folders (
    id_category BIGINT NOT NULL REFERENCES categories(id) ON DELETE CASCADE,
    id_folder BIGINT NOT NULL,
    PRIMARY KEY (id_category, id_folder)
);

CREATE TABLE IF NOT EXISTS field_values (
    id BIGSERIAL PRIMARY KEY,
    field_id BIGINT NOT NULL,
    item_id BIGINT NOT NULL,
    data TEXT NOT NULL DEFAULT '',
    data_iv BYTEA NOT NULL DEFAULT ''::bytea,
    encryption_type TEXT NOT NULL DEFAULT 'none'
);

CREATE INDEX IF NOT EXISTS field_values_field_idx ON field_values (field_id);

CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL DEFAULT ''
);
`

// InitPostgres opens the database, checks connectivity and creates the schema.
func InitPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Migrate creates every table and index that does not exist yet.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}
