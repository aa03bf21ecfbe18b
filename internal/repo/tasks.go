package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"agencyflow/internal/apperr"
	"agencyflow/internal/domain"
)

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	if !t.Status.Valid() {
		return apperr.Validation("invalid task status %q", t.Status)
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(id,request_id,client_id,project_id,product_id,assignee_id,quantity,due_date,frozen_price_cents,frozen_sla_days,status,description,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, nullablePtr(t.RequestID), t.ClientID, nullablePtr(t.ProjectID), t.ProductID, nullablePtr(t.AssigneeID),
		t.Quantity, t.DueDate, t.FrozenPriceCents, t.FrozenSLADays, string(t.Status), nullable(t.Description), t.CreatedAt, t.UpdatedAt)
	return err
}

const taskCols = `id,request_id,client_id,project_id,product_id,assignee_id,quantity,due_date,frozen_price_cents,frozen_sla_days,status,description,created_at,updated_at`

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var requestID, projectID, assignee, desc sql.NullString
	var status string
	err := row.Scan(&t.ID, &requestID, &t.ClientID, &projectID, &t.ProductID, &assignee, &t.Quantity, &t.DueDate,
		&t.FrozenPriceCents, &t.FrozenSLADays, &status, &desc, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.RequestID = ptrFrom(requestID)
	t.ProjectID = ptrFrom(projectID)
	t.AssigneeID = ptrFrom(assignee)
	t.Description = desc.String
	t.Status = domain.TaskStatus(status)
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskByRequest(ctx context.Context, tx *sql.Tx, requestID string) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE request_id=?`, requestID))
}

type TaskFilter struct {
	ClientID   string
	AssigneeID string
	Status     domain.TaskStatus
	Limit      int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ClientID != "" {
		clauses = append(clauses, "client_id=?")
		args = append(args, f.ClientID)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + taskCols + ` FROM tasks`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY due_date, created_at, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CompareAndSetTaskStatus applies from -> to only if the row is still in from.
func (r Repo) CompareAndSetTaskStatus(ctx context.Context, tx *sql.Tx, id string, from, to domain.TaskStatus, updatedAt string) (bool, error) {
	if !to.Valid() {
		return false, apperr.Validation("invalid task status %q", to)
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=? AND status=?`, string(to), updatedAt, id, string(from))
	if err != nil {
		return false, err
	}
	return affected(res) == 1, nil
}

// CountTasksByStatus summarizes the board for staff dashboards.
func (r Repo) CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[domain.TaskStatus]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[domain.TaskStatus(s)] = n
	}
	return out, rows.Err()
}
