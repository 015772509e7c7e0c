package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/unclebandit/massmail-backend/internal/model"
)

// ResetKeyIssuer mints one-time password reset keys.
type ResetKeyIssuer interface {
	IssueResetKey(ctx context.Context, r *model.Recipient) (string, error)
}

// ResetKeyChecker verifies keys carried by reset links.
type ResetKeyChecker interface {
	CheckResetKey(ctx context.Context, login, key string) (bool, error)
}

// ResetKeyRepository stores a bcrypt hash of the latest key per user; issuing
// a new key invalidates the previous one.
type ResetKeyRepository struct {
	DB  *sql.DB
	TTL time.Duration
	Now func() time.Time
}

func (r *ResetKeyRepository) IssueResetKey(ctx context.Context, rec *model.Recipient) (string, error) {
	key := strings.ReplaceAll(uuid.NewString(), "-", "")
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "hash reset key")
	}

	query := `
        INSERT INTO password_reset_keys (user_id, key_hash, expires_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (user_id) DO UPDATE SET key_hash=EXCLUDED.key_hash, expires_at=EXCLUDED.expires_at
    `
	if _, err := r.DB.ExecContext(ctx, query, int64(rec.ID), string(hash), r.now().Add(r.ttl())); err != nil {
		return "", errors.Wrapf(err, "store reset key for %d", rec.ID)
	}
	return key, nil
}

// CheckResetKey reports whether key is the live reset key of the user with
// login, the pair a reset link carries.
func (r *ResetKeyRepository) CheckResetKey(ctx context.Context, login, key string) (bool, error) {
	query := `
        SELECT k.key_hash, k.expires_at
        FROM password_reset_keys k
        JOIN users u ON u.id = k.user_id
        WHERE u.login = $1
    `
	var hash string
	var expires time.Time
	err := r.DB.QueryRowContext(ctx, query, login).Scan(&hash, &expires)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, errors.Wrap(err, "load reset key")
	}
	if r.now().After(expires) {
		return false, nil
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil, nil
}

func (r *ResetKeyRepository) ttl() time.Duration {
	if r.TTL <= 0 {
		return 24 * time.Hour
	}
	return r.TTL
}

func (r *ResetKeyRepository) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

var (
	_ ResetKeyIssuer  = (*ResetKeyRepository)(nil)
	_ ResetKeyChecker = (*ResetKeyRepository)(nil)
)
