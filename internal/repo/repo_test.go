package repo_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agencyflow/internal/db"
	"agencyflow/internal/domain"
	"agencyflow/internal/migrate"
	"agencyflow/internal/repo"
)

const ts = "2026-03-02T10:00:00Z"

func newRepo(t *testing.T) (repo.Repo, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}, conn
}

func seedTask(t *testing.T, r repo.Repo) domain.Task {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.InsertClient(ctx, nil, domain.Client{ID: "c1", Name: "Acme", ActivationEmail: "ops@acme.test", Status: domain.ClientPending, CreatedAt: ts}))
	require.NoError(t, r.UpsertProduct(ctx, nil, domain.Product{ID: "p1", Name: "Banner", PriceCents: 5000, SLADays: 5, Active: true, UpdatedAt: ts}))
	task := domain.Task{
		ID: "t1", ClientID: "c1", ProductID: "p1", Quantity: 1, DueDate: "2026-03-20",
		FrozenPriceCents: 5000, FrozenSLADays: 5, Status: domain.TaskBacklog, CreatedAt: ts, UpdatedAt: ts,
	}
	require.NoError(t, r.InsertTask(ctx, nil, task))
	return task
}

func TestFrozenTermsAreWriteOnce(t *testing.T) {
	r, conn := newRepo(t)
	seedTask(t, r)
	_, err := conn.Exec(`UPDATE tasks SET frozen_price_cents=1 WHERE id='t1'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write-once")

	got, err := r.GetTask(context.Background(), nil, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), got.FrozenPriceCents)
}

func TestTaskCompareAndSet(t *testing.T) {
	r, _ := newRepo(t)
	seedTask(t, r)
	ctx := context.Background()
	ok, err := r.CompareAndSetTaskStatus(ctx, nil, "t1", domain.TaskBacklog, domain.TaskInProgress, ts)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.CompareAndSetTaskStatus(ctx, nil, "t1", domain.TaskBacklog, domain.TaskInProgress, ts)
	require.NoError(t, err)
	assert.False(t, ok)

	counts, err := r.CountTasksByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.TaskInProgress])
}

func TestAuditLogIsAppendOnly(t *testing.T) {
	r, conn := newRepo(t)
	ctx := context.Background()
	id, err := r.InsertAudit(ctx, nil, domain.AuditLogEntry{SubjectID: "admin", Action: "decrypt", InstanceID: "i1", FieldKey: "tax_id", CreatedAt: ts})
	require.NoError(t, err)

	_, err = conn.Exec(`UPDATE audit_log SET subject_id='x' WHERE id=?`, id)
	require.Error(t, err)
	_, err = conn.Exec(`DELETE FROM audit_log WHERE id=?`, id)
	require.Error(t, err)

	rows, err := r.ListAudit(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "admin", rows[0].SubjectID)
}

func TestConsumeTokenOnce(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()
	hash := repo.HashToken("secret")
	require.NoError(t, r.InsertToken(ctx, nil, domain.ActivationToken{
		TokenHash: hash, SubjectID: "c1", SubjectType: domain.SubjectClient, ExpiresAt: "2026-03-05T10:00:00Z", CreatedAt: ts,
	}))
	ok, err := r.ConsumeToken(ctx, nil, hash, ts)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.ConsumeToken(ctx, nil, hash, ts)
	require.NoError(t, err)
	assert.False(t, ok)

	tok, err := r.GetToken(ctx, nil, hash)
	require.NoError(t, err)
	require.NotNil(t, tok.UsedAt)
}

func TestExpiredTokenCannotBeConsumed(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()
	hash := repo.HashToken("old")
	require.NoError(t, r.InsertToken(ctx, nil, domain.ActivationToken{
		TokenHash: hash, SubjectID: "p1", SubjectType: domain.SubjectCollaborator, ExpiresAt: "2026-03-01T10:00:00Z", CreatedAt: ts,
	}))
	ok, err := r.ConsumeToken(ctx, nil, hash, ts)
	require.NoError(t, err)
	assert.False(t, ok)
	n, err := r.SupersedeTokens(ctx, nil, "p1", domain.SubjectCollaborator, ts)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProtocolCounterPerYear(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()
	a, err := r.NextProtocol(ctx, nil, 2026)
	require.NoError(t, err)
	b, err := r.NextProtocol(ctx, nil, 2026)
	require.NoError(t, err)
	c, err := r.NextProtocol(ctx, nil, 2027)
	require.NoError(t, err)
	assert.Equal(t, "REQ-2026-000001", a)
	assert.Equal(t, "REQ-2026-000002", b)
	assert.Equal(t, "REQ-2027-000001", c)
}
