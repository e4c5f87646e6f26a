// Package repository provides data persistence implementations for the
// key/value store.
package repository

import (
	"context"
	"database/sql"

	"github.com/openmint/mintwatch/internal/database"
	apperrors "github.com/openmint/mintwatch/internal/errors"
)

// PostgreSQLKeyValueRepository handles key/value persistence for PostgreSQL.
type PostgreSQLKeyValueRepository struct {
	db *sql.DB
}

// NewPostgreSQLKeyValueRepository creates a new PostgreSQLKeyValueRepository.
func NewPostgreSQLKeyValueRepository(db *sql.DB) *PostgreSQLKeyValueRepository {
	return &PostgreSQLKeyValueRepository{
		db: db,
	}
}

// Get returns the value stored under key, or errors.ErrNotFound.
func (r *PostgreSQLKeyValueRepository) Get(ctx context.Context, key string) (string, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT kv_value FROM key_values WHERE kv_key = $1`

	var value string
	err := querier.QueryRowContext(ctx, query, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", apperrors.ErrNotFound
	}
	if err != nil {
		return "", err
	}

	return value, nil
}

// Set upserts the value stored under key.
func (r *PostgreSQLKeyValueRepository) Set(ctx context.Context, key, value string) error {
	querier := database.GetTx(ctx, r.db)

	query := `INSERT INTO key_values (kv_key, kv_value, updated_at)
			  VALUES ($1, $2, NOW())
			  ON CONFLICT (kv_key) DO UPDATE SET kv_value = EXCLUDED.kv_value, updated_at = NOW()`

	_, err := querier.ExecContext(ctx, query, key, value)

	return err
}

// Delete removes the key. Deleting an absent key is a no-op.
func (r *PostgreSQLKeyValueRepository) Delete(ctx context.Context, key string) error {
	querier := database.GetTx(ctx, r.db)

	query := `DELETE FROM key_values WHERE kv_key = $1`

	_, err := querier.ExecContext(ctx, query, key)

	return err
}
