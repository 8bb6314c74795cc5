package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const vaultSaltSize = 16

// StoreSecret inserts or replaces the ciphertext stored under key.
func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, now, now,
	)
	return wrapStoreErr(err, "store secret %q", key)
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("secret", key)
	}
	if err != nil {
		return nil, wrapStoreErr(err, "get secret %q", key)
	}
	return value, nil
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return wrapStoreErr(err, "delete secret %q", key)
	}
	return checkRowsAffected(res, "secret", key)
}

// ListSecrets returns the stored keys in ascending order. Values are never listed.
func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, wrapStoreErr(err, "list secrets")
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// VaultSalt returns the database's vault salt, generating and persisting one
// on first use.
func (s *LibSQLStore) VaultSalt(ctx context.Context) ([]byte, error) {
	salt := make([]byte, vaultSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate vault salt: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO vault_meta (id, salt) VALUES (1, ?)`, salt); err != nil {
		return nil, wrapStoreErr(err, "init vault salt")
	}
	var stored []byte
	if err := s.db.QueryRowContext(ctx, `SELECT salt FROM vault_meta WHERE id = 1`).Scan(&stored); err != nil {
		return nil, wrapStoreErr(err, "read vault salt")
	}
	return stored, nil
}
