package repo

import (
	"context"
	"database/sql"

	"agencyflow/internal/apperr"
	"agencyflow/internal/domain"
)

func (r Repo) InsertAttachment(ctx context.Context, tx *sql.Tx, a domain.Attachment) error {
	if !a.Direction.Valid() {
		return apperr.Validation("invalid attachment direction %q", a.Direction)
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO attachments(id,task_id,request_id,direction,url,size,content_type,filename,uploaded_by,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, nullablePtr(a.TaskID), nullablePtr(a.RequestID), string(a.Direction), a.URL, a.Size,
		nullable(a.ContentType), nullable(a.Filename), a.UploadedBy, a.CreatedAt)
	return err
}

func (r Repo) CountAttachments(ctx context.Context, tx *sql.Tx, taskID string, dir domain.Direction) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM attachments WHERE task_id=? AND direction=?`, taskID, string(dir)).Scan(&n)
	return n, err
}

const attachmentCols = `id,task_id,request_id,direction,url,size,content_type,filename,uploaded_by,created_at`

func scanAttachment(row interface{ Scan(...any) error }) (domain.Attachment, error) {
	var a domain.Attachment
	var taskID, requestID, ctype, fname sql.NullString
	var dir string
	err := row.Scan(&a.ID, &taskID, &requestID, &dir, &a.URL, &a.Size, &ctype, &fname, &a.UploadedBy, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.TaskID = ptrFrom(taskID)
	a.RequestID = ptrFrom(requestID)
	a.Direction = domain.Direction(dir)
	a.ContentType = ctype.String
	a.Filename = fname.String
	return a, nil
}

func (r Repo) GetAttachment(ctx context.Context, tx *sql.Tx, id string) (domain.Attachment, error) {
	return scanAttachment(r.q(tx).QueryRowContext(ctx, `SELECT `+attachmentCols+` FROM attachments WHERE id=?`, id))
}

// ListAttachments returns the attachments of a task or, when taskID is empty,
// of a request.
func (r Repo) ListAttachments(ctx context.Context, taskID, requestID string) ([]domain.Attachment, error) {
	query := `SELECT ` + attachmentCols + ` FROM attachments WHERE task_id=? ORDER BY created_at, id`
	arg := taskID
	if taskID == "" {
		query = `SELECT ` + attachmentCols + ` FROM attachments WHERE request_id=? ORDER BY created_at, id`
		arg = requestID
	}
	rows, err := r.DB.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
