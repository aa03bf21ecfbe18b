package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"

	"agencyflow/internal/apperr"
	"agencyflow/internal/domain"
)

// HashToken returns the stored digest of an activation token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

func (r Repo) InsertToken(ctx context.Context, tx *sql.Tx, t domain.ActivationToken) error {
	if !t.SubjectType.Valid() {
		return apperr.Validation("invalid subject type %q", t.SubjectType)
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO activation_tokens(token_hash,subject_id,subject_type,expires_at,used_at,created_at) VALUES (?,?,?,?,?,?)`,
		t.TokenHash, t.SubjectID, string(t.SubjectType), t.ExpiresAt, nullablePtr(t.UsedAt), t.CreatedAt)
	return err
}

func (r Repo) GetToken(ctx context.Context, tx *sql.Tx, hash string) (domain.ActivationToken, error) {
	var t domain.ActivationToken
	var used sql.NullString
	var st string
	err := r.q(tx).QueryRowContext(ctx, `SELECT token_hash,subject_id,subject_type,expires_at,used_at,created_at FROM activation_tokens WHERE token_hash=?`, hash).
		Scan(&t.TokenHash, &t.SubjectID, &st, &t.ExpiresAt, &used, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.SubjectType = domain.SubjectType(st)
	t.UsedAt = ptrFrom(used)
	return t, nil
}

// SupersedeTokens marks every live token of the subject/type pair as used.
// Timestamps are RFC3339 UTC so string comparison orders them.
func (r Repo) SupersedeTokens(ctx context.Context, tx *sql.Tx, subjectID string, st domain.SubjectType, now string) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE activation_tokens SET used_at=? WHERE subject_id=? AND subject_type=? AND used_at IS NULL AND expires_at>?`,
		now, subjectID, string(st), now)
	if err != nil {
		return 0, err
	}
	return affected(res), nil
}

// ConsumeToken is the single-use compare-and-set: it succeeds for exactly
// one caller while the token is unused and unexpired.
func (r Repo) ConsumeToken(ctx context.Context, tx *sql.Tx, hash, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE activation_tokens SET used_at=? WHERE token_hash=? AND used_at IS NULL AND expires_at>?`, now, hash, now)
	if err != nil {
		return false, err
	}
	return affected(res) == 1, nil
}

func (r Repo) ListTokens(ctx context.Context, subjectID string) ([]domain.ActivationToken, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT token_hash,subject_id,subject_type,expires_at,used_at,created_at FROM activation_tokens WHERE subject_id=? ORDER BY created_at`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ActivationToken
	for rows.Next() {
		var t domain.ActivationToken
		var used sql.NullString
		var st string
		if err := rows.Scan(&t.TokenHash, &t.SubjectID, &st, &t.ExpiresAt, &used, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.SubjectType = domain.SubjectType(st)
		t.UsedAt = ptrFrom(used)
		out = append(out, t)
	}
	return out, rows.Err()
}
