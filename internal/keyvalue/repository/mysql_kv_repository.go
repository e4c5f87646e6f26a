package repository

import (
	"context"
	"database/sql"

	"github.com/openmint/mintwatch/internal/database"
	apperrors "github.com/openmint/mintwatch/internal/errors"
)

// MySQLKeyValueRepository handles key/value persistence for MySQL.
type MySQLKeyValueRepository struct {
	db *sql.DB
}

// NewMySQLKeyValueRepository creates a new MySQLKeyValueRepository.
func NewMySQLKeyValueRepository(db *sql.DB) *MySQLKeyValueRepository {
	return &MySQLKeyValueRepository{
		db: db,
	}
}

// Get returns the value stored under key, or errors.ErrNotFound.
func (r *MySQLKeyValueRepository) Get(ctx context.Context, key string) (string, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT kv_value FROM key_values WHERE kv_key = ?`

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
func (r *MySQLKeyValueRepository) Set(ctx context.Context, key, value string) error {
	querier := database.GetTx(ctx, r.db)

	query := `INSERT INTO key_values (kv_key, kv_value, updated_at)
			  VALUES (?, ?, NOW())
			  ON DUPLICATE KEY UPDATE kv_value = VALUES(kv_value), updated_at = NOW()`

	_, err := querier.ExecContext(ctx, query, key, value)

	return err
}

// Delete removes the key. Deleting an absent key is a no-op.
func (r *MySQLKeyValueRepository) Delete(ctx context.Context, key string) error {
	querier := database.GetTx(ctx, r.db)

	query := `DELETE FROM key_values WHERE kv_key = ?`

	_, err := querier.ExecContext(ctx, query, key)

	return err
}
