package repo

import (
	"context"
	"database/sql"

	"agencyflow/internal/domain"
)

func (r Repo) InsertAudit(ctx context.Context, tx *sql.Tx, e domain.AuditLogEntry) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO audit_log(subject_id,action,instance_id,field_key,created_at) VALUES (?,?,?,?,?)`,
		e.SubjectID, e.Action, e.InstanceID, e.FieldKey, e.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListAudit(ctx context.Context, instanceID string) ([]domain.AuditLogEntry, error) {
	query := `SELECT id,subject_id,action,instance_id,field_key,created_at FROM audit_log`
	var args []any
	if instanceID != "" {
		query += ` WHERE instance_id=?`
		args = append(args, instanceID)
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AuditLogEntry
	for rows.Next() {
		var e domain.AuditLogEntry
		if err := rows.Scan(&e.ID, &e.SubjectID, &e.Action, &e.InstanceID, &e.FieldKey, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
