package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"signoff/internal/domain"
)

// HashKey returns a stable SHA-256 hex digest for the provided key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertApproverKey stores a hashed key. KeyHash must already contain the hashed value.
func (r Repo) InsertApproverKey(ctx context.Context, tx *sql.Tx, key domain.ApproverKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.ActorID == "" {
		return errors.New("actor_id required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	roles, err := json.Marshal(key.Roles)
	if err != nil {
		return err
	}
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO approver_keys(id, actor_id, name, roles_json, key_hash, created_at) VALUES (?,?,?,?,?,?)`,
		key.ID, key.ActorID, nullable(key.Name), string(roles), key.KeyHash, key.CreatedAt)
	return err
}

// GetApproverKeyByHash returns a key by its hashed value.
func (r Repo) GetApproverKeyByHash(ctx context.Context, hash string) (domain.ApproverKey, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, actor_id, COALESCE(name,''), roles_json, key_hash, created_at FROM approver_keys WHERE key_hash=? LIMIT 1`, hash)
	key, err := scanApproverKey(row)
	if err == sql.ErrNoRows {
		return domain.ApproverKey{}, ErrNotFound
	}
	return key, err
}

// ListApproverKeys returns keys, optionally filtered by actor ID.
func (r Repo) ListApproverKeys(ctx context.Context, actorID string) ([]domain.ApproverKey, error) {
	query := `SELECT id, actor_id, COALESCE(name,''), roles_json, key_hash, created_at FROM approver_keys`
	var args []any
	if actorID != "" {
		query += ` WHERE actor_id=?`
		args = append(args, actorID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.ApproverKey
	for rows.Next() {
		key, err := scanApproverKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteApproverKey revokes a key by ID.
func (r Repo) DeleteApproverKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM approver_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanApproverKey(row rowScanner) (domain.ApproverKey, error) {
	var key domain.ApproverKey
	var roles string
	if err := row.Scan(&key.ID, &key.ActorID, &key.Name, &roles, &key.KeyHash, &key.CreatedAt); err != nil {
		return key, err
	}
	if err := json.Unmarshal([]byte(roles), &key.Roles); err != nil {
		return key, err
	}
	return key, nil
}
