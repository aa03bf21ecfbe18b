package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"agencyflow/internal/apperr"
	"agencyflow/internal/domain"
)

// NextProtocol reserves the next external request number for year.
func (r Repo) NextProtocol(ctx context.Context, tx *sql.Tx, year int) (string, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `INSERT INTO protocol_counters(year,value) VALUES (?,1)
ON CONFLICT(year) DO UPDATE SET value=value+1 RETURNING value`, year).Scan(&n)
	if err != nil {
		return "", fmt.Errorf("reserve protocol: %w", err)
	}
	return fmt.Sprintf("REQ-%04d-%06d", year, n), nil
}

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	if !req.Status.Valid() {
		return apperr.Validation("invalid request status %q", req.Status)
	}
	if !req.Priority.Valid() {
		return apperr.Validation("invalid priority %q", req.Priority)
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO requests(id,protocol,client_id,product_id,title,description,quantity,priority,status,reviewer_id,review_notes,created_at,reviewed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.Protocol, req.ClientID, req.ProductID, req.Title, nullable(req.Description), req.Quantity,
		string(req.Priority), string(req.Status), nullablePtr(req.ReviewerID), nullablePtr(req.ReviewNotes), req.CreatedAt, nullablePtr(req.ReviewedAt))
	return err
}

const requestCols = `id,protocol,client_id,product_id,title,description,quantity,priority,status,reviewer_id,review_notes,created_at,reviewed_at`

func scanRequest(row interface{ Scan(...any) error }) (domain.Request, error) {
	var req domain.Request
	var desc, reviewer, notes, reviewedAt sql.NullString
	var priority, status string
	err := row.Scan(&req.ID, &req.Protocol, &req.ClientID, &req.ProductID, &req.Title, &desc, &req.Quantity,
		&priority, &status, &reviewer, &notes, &req.CreatedAt, &reviewedAt)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	req.Description = desc.String
	req.Priority = domain.Priority(priority)
	req.Status = domain.RequestStatus(status)
	req.ReviewerID = ptrFrom(reviewer)
	req.ReviewNotes = ptrFrom(notes)
	req.ReviewedAt = ptrFrom(reviewedAt)
	return req, nil
}

func (r Repo) GetRequest(ctx context.Context, tx *sql.Tx, id string) (domain.Request, error) {
	return scanRequest(r.q(tx).QueryRowContext(ctx, `SELECT `+requestCols+` FROM requests WHERE id=? OR protocol=?`, id, id))
}

type RequestFilter struct {
	ClientID string
	Status   domain.RequestStatus
	Limit    int
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilter) ([]domain.Request, error) {
	var clauses []string
	var args []any
	if f.ClientID != "" {
		clauses = append(clauses, "client_id=?")
		args = append(args, f.ClientID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + requestCols + ` FROM requests`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, protocol DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// RequestReview carries the reviewer columns written on terminal transitions.
type RequestReview struct {
	ReviewerID string
	Notes      string
	ReviewedAt string
}

// CompareAndSetRequestStatus moves a request from `from` to `to` only if it
// is still in `from`. It reports false when another writer got there first.
func (r Repo) CompareAndSetRequestStatus(ctx context.Context, tx *sql.Tx, id string, from, to domain.RequestStatus, review *RequestReview) (bool, error) {
	if !to.Valid() {
		return false, apperr.Validation("invalid request status %q", to)
	}
	var res sql.Result
	var err error
	if review != nil {
		res, err = r.q(tx).ExecContext(ctx, `UPDATE requests SET status=?, reviewer_id=?, review_notes=?, reviewed_at=? WHERE id=? AND status=?`,
			string(to), review.ReviewerID, nullable(review.Notes), review.ReviewedAt, id, string(from))
	} else {
		res, err = r.q(tx).ExecContext(ctx, `UPDATE requests SET status=? WHERE id=? AND status=?`, string(to), id, string(from))
	}
	if err != nil {
		return false, err
	}
	return affected(res) == 1, nil
}
