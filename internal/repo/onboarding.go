package repo

import (
	"context"
	"database/sql"

	"agencyflow/internal/domain"
)

func (r Repo) InsertOnboardingInstance(ctx context.Context, tx *sql.Tx, inst domain.OnboardingInstance) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO onboarding_instances(id,client_id,created_at) VALUES (?,?,?)`, inst.ID, inst.ClientID, inst.CreatedAt)
	return err
}

func (r Repo) GetOnboardingInstance(ctx context.Context, tx *sql.Tx, id string) (domain.OnboardingInstance, error) {
	var inst domain.OnboardingInstance
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,client_id,created_at FROM onboarding_instances WHERE id=?`, id).
		Scan(&inst.ID, &inst.ClientID, &inst.CreatedAt)
	if err == sql.ErrNoRows {
		return inst, ErrNotFound
	}
	return inst, err
}

// UpsertResponse stores one answer. Value must already be sealed when
// Sensitive is set.
func (r Repo) UpsertResponse(ctx context.Context, tx *sql.Tx, resp domain.OnboardingResponse) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO onboarding_responses(instance_id,field_key,sensitive,value,created_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(instance_id, field_key) DO UPDATE SET sensitive=excluded.sensitive, value=excluded.value, updated_at=excluded.updated_at`,
		resp.InstanceID, resp.FieldKey, resp.Sensitive, resp.Value, resp.CreatedAt, resp.UpdatedAt)
	return err
}

func (r Repo) GetResponse(ctx context.Context, tx *sql.Tx, instanceID, fieldKey string) (domain.OnboardingResponse, error) {
	var resp domain.OnboardingResponse
	err := r.q(tx).QueryRowContext(ctx, `SELECT instance_id,field_key,sensitive,value,created_at,updated_at FROM onboarding_responses WHERE instance_id=? AND field_key=?`,
		instanceID, fieldKey).Scan(&resp.InstanceID, &resp.FieldKey, &resp.Sensitive, &resp.Value, &resp.CreatedAt, &resp.UpdatedAt)
	if err == sql.ErrNoRows {
		return resp, ErrNotFound
	}
	return resp, err
}

// ListResponses returns stored values as-is; sensitive ones stay sealed.
func (r Repo) ListResponses(ctx context.Context, instanceID string) ([]domain.OnboardingResponse, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT instance_id,field_key,sensitive,value,created_at,updated_at FROM onboarding_responses WHERE instance_id=? ORDER BY field_key`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.OnboardingResponse
	for rows.Next() {
		var resp domain.OnboardingResponse
		if err := rows.Scan(&resp.InstanceID, &resp.FieldKey, &resp.Sensitive, &resp.Value, &resp.CreatedAt, &resp.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
	return out, rows.Err()
}
