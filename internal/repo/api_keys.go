package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"wagerline/internal/domain"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

const apiKeyColumns = `id, user_id, COALESCE(name,''), key_hash, created_at, COALESCE(last_used_at,'')`

func scanAPIKey(row scanner) (domain.APIKey, error) {
	var key domain.APIKey
	err := row.Scan(&key.ID, &key.UserID, &key.Name, &key.KeyHash, &key.CreatedAt, &key.LastUsedAt)
	return key, err
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain the hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, key domain.APIKey) (domain.APIKey, error) {
	fields := domain.FieldErrors{}
	if key.ID == "" {
		fields["id"] = "required"
	}
	if key.UserID == "" {
		fields["userId"] = "required"
	}
	if key.KeyHash == "" {
		fields["keyHash"] = "required"
	}
	if err := fields.Err(); err != nil {
		return key, err
	}
	if key.CreatedAt == "" {
		key.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO api_keys(id, user_id, name, key_hash, created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.UserID, nullable(key.Name), key.KeyHash, key.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return key, domain.Conflictf("api key %s already exists", key.ID)
		}
		return key, domain.Dependency(err, "insert api key")
	}
	return key, nil
}

// GetAPIKeyByHash returns an API key by its hashed value.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	key, err := scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=? LIMIT 1`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, errors.Mark(errors.New("api key not found"), domain.ErrNotFound)
	}
	if err != nil {
		return domain.APIKey{}, domain.Dependency(err, "get api key")
	}
	return key, nil
}

// TouchAPIKey records the time a key was last accepted.
func (r Repo) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE api_keys SET last_used_at=? WHERE id=?`, at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return domain.Dependency(err, "touch api key")
	}
	return nil
}

// ListAPIKeys returns API keys newest first, optionally filtered by user.
func (r Repo) ListAPIKeys(ctx context.Context, userID string) ([]domain.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys`
	var args []any
	if userID != "" {
		query += ` WHERE user_id=?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.Dependency(err, "list api keys")
	}
	defer rows.Close()
	keys := []domain.APIKey{}
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, domain.Dependency(err, "scan api key")
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Dependency(err, "list api keys")
	}
	return keys, nil
}

// DeleteAPIKey deletes an API key by ID.
func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return domain.Validationf("id required")
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return domain.Dependency(err, "delete api key")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Mark(errors.Newf("api key %s not found", id), domain.ErrNotFound)
	}
	return nil
}
