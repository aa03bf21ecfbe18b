package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"agencyflow/internal/apperr"
	"agencyflow/internal/blob"
	"agencyflow/internal/config"
	"agencyflow/internal/db"
	"agencyflow/internal/domain"
	"agencyflow/internal/engine"
	"agencyflow/internal/events"
	"agencyflow/internal/migrate"
	"agencyflow/internal/notify"
	"agencyflow/internal/projection"
	"agencyflow/internal/role"
	"agencyflow/internal/vault"
)

type recordingNotifier struct {
	msgs []notify.Message
}

func (r *recordingNotifier) Notify(_ context.Context, msg notify.Message) error {
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingNotifier) templates() []string {
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Template)
	}
	return out
}

type testEnv struct {
	Engine   engine.Engine
	Ctx      context.Context
	Clock    *time.Time
	Notes    *recordingNotifier
	Admin    role.Actor
	Collab   role.Actor
	Customer role.Actor
	ClientID string
	Product  domain.Product
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	eng := engine.New(conn, config.Default())
	clock := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) // Monday
	eng.Now = func() time.Time { return clock }
	notes := &recordingNotifier{}
	eng.Notifier = notes
	store, err := blob.NewFS(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	eng.Blob = store
	key, err := vault.GenerateKey()
	require.NoError(t, err)
	eng.Sealer, err = vault.FromBase64(key)
	require.NoError(t, err)

	env := &testEnv{Engine: eng, Ctx: context.Background(), Clock: &clock, Notes: notes}
	env.Admin = eng.Actor("admin-1", []string{"owner"}, "", "")

	client, err := eng.CreateClient(env.Ctx, env.Admin, "Acme", "ops@acme.test")
	require.NoError(t, err)
	env.ClientID = client.ID
	env.Product, err = eng.UpsertProduct(env.Ctx, env.Admin, domain.Product{ID: "banner", Name: "Banner", PriceCents: 5000, SLADays: 5, Active: true})
	require.NoError(t, err)
	collab, err := eng.CreateProfile(env.Ctx, env.Admin, engine.CreateProfileInput{Email: "dana@studio.test", Roles: []string{"designer"}})
	require.NoError(t, err)
	env.Collab = eng.Actor(collab.ID, collab.Roles, "", "")
	env.Customer = eng.Actor("client-user-1", []string{"client"}, client.ID, "")
	notes.msgs = nil
	return env
}

func (env *testEnv) advance(d time.Duration) {
	*env.Clock = env.Clock.Add(d)
}

func (env *testEnv) approvedTask(t *testing.T) domain.Task {
	t.Helper()
	req, err := env.Engine.SubmitRequest(env.Ctx, env.Customer, engine.SubmitRequestInput{ProductID: env.Product.ID, Title: "Spring banner", Quantity: 2})
	require.NoError(t, err)
	res, err := env.Engine.ApproveRequest(env.Ctx, env.Admin, engine.ApproveRequestInput{
		RequestID: req.ID, AssigneeID: env.Collab.SubjectID, DueDate: "2026-03-20",
	})
	require.NoError(t, err)
	return res.Task
}

func (env *testEnv) attachOutput(t *testing.T, taskID string) {
	t.Helper()
	_, err := env.Engine.AddAttachment(env.Ctx, env.Collab, engine.AttachmentInput{
		TaskID: taskID, Direction: domain.DirectionOutput, Filename: "banner.png", ContentType: "image/png", Data: []byte("png"),
	})
	require.NoError(t, err)
}

func (env *testEnv) move(t *testing.T, actor role.Actor, taskID string, to domain.TaskStatus, notes string) domain.Task {
	t.Helper()
	task, err := env.Engine.AdvanceTask(env.Ctx, actor, engine.AdvanceTaskInput{TaskID: taskID, Target: to, Notes: notes})
	require.NoError(t, err)
	require.Equal(t, to, task.Status)
	return task
}

func TestRequestToPublishedLifecycle(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Engine.SubmitRequest(env.Ctx, env.Customer, engine.SubmitRequestInput{
		ProductID: env.Product.ID, Title: "Spring banner", Quantity: 2, Priority: domain.PriorityUrgent,
	})
	require.NoError(t, err)
	assert.Equal(t, "REQ-2026-000001", req.Protocol)
	assert.Equal(t, domain.RequestPending, req.Status)

	req, err = env.Engine.StartReview(env.Ctx, env.Admin, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestUnderReview, req.Status)

	res, err := env.Engine.ApproveRequest(env.Ctx, env.Admin, engine.ApproveRequestInput{
		RequestID: req.ID, AssigneeID: env.Collab.SubjectID, DueDate: "2026-03-20",
	})
	require.NoError(t, err)
	task := res.Task
	assert.Equal(t, domain.RequestApproved, res.Request.Status)
	assert.Equal(t, domain.TaskBacklog, task.Status)
	assert.Equal(t, int64(10000), task.FrozenPriceCents)
	assert.Equal(t, 5, task.FrozenSLADays)

	env.move(t, env.Collab, task.ID, domain.TaskInProgress, "")
	env.attachOutput(t, task.ID)
	env.move(t, env.Collab, task.ID, domain.TaskInReview, "")
	env.move(t, env.Admin, task.ID, domain.TaskReleasedToClient, "")
	env.move(t, env.Customer, task.ID, domain.TaskClientApproved, "")
	env.move(t, env.Admin, task.ID, domain.TaskPublished, "")

	evs, err := env.Engine.RecordEvents(env.Ctx, env.Admin, task.ID, 0, 0)
	require.NoError(t, err)
	var transitions int
	for _, ev := range evs {
		if ev.Type == events.TaskTransitioned {
			transitions++
		}
	}
	assert.Equal(t, 5, transitions)
	assert.Contains(t, env.Notes.templates(), notify.TemplateTaskReleased)
}

func TestTwoProtocolsInSameYearAreSequential(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.SubmitRequest(env.Ctx, env.Customer, engine.SubmitRequestInput{ProductID: env.Product.ID, Title: "a"})
	require.NoError(t, err)
	b, err := env.Engine.SubmitRequest(env.Ctx, env.Customer, engine.SubmitRequestInput{ProductID: env.Product.ID, Title: "b"})
	require.NoError(t, err)
	assert.Equal(t, "REQ-2026-000001", a.Protocol)
	assert.Equal(t, "REQ-2026-000002", b.Protocol)
	assert.Equal(t, 1, a.Quantity)
}

func TestRepeatedTransitionIsStale(t *testing.T) {
	env := newTestEnv(t)
	task := env.approvedTask(t)
	env.move(t, env.Collab, task.ID, domain.TaskInProgress, "")
	_, err := env.Engine.AdvanceTask(env.Ctx, env.Collab, engine.AdvanceTaskInput{TaskID: task.ID, Target: domain.TaskInProgress})
	require.ErrorIs(t, err, apperr.ErrStaleState)

	_, err = env.Engine.AdvanceTask(env.Ctx, env.Admin, engine.AdvanceTaskInput{TaskID: task.ID, Target: domain.TaskPublished})
	require.ErrorIs(t, err, apperr.ErrStaleState)
}

// forceStatus puts a task in a state without walking the lifecycle, so
// guards can be checked from states that normally imply earlier uploads.
func (env *testEnv) forceStatus(t *testing.T, taskID string, status domain.TaskStatus) {
	t.Helper()
	_, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE tasks SET status=? WHERE id=?`, string(status), taskID)
	require.NoError(t, err)
}

func TestInReviewRequiresOutput(t *testing.T) {
	for _, from := range []domain.TaskStatus{
		domain.TaskBacklog,
		domain.TaskInProgress,
		domain.TaskAdjustmentsRequested,
		domain.TaskClientRequestedChanges,
		domain.TaskReleasedToClient,
		domain.TaskCancelled,
	} {
		t.Run(string(from), func(t *testing.T) {
			env := newTestEnv(t)
			task := env.approvedTask(t)
			env.forceStatus(t, task.ID, from)
			_, err := env.Engine.AddAttachment(env.Ctx, env.Admin, engine.AttachmentInput{
				TaskID: task.ID, Direction: domain.DirectionInput, Filename: "brief.txt", ContentType: "text/plain", Data: []byte("brief"),
			})
			if from == domain.TaskCancelled {
				require.ErrorIs(t, err, apperr.ErrStaleState)
			} else {
				require.NoError(t, err)
			}

			for _, actor := range []role.Actor{env.Collab, env.Admin} {
				_, err = env.Engine.AdvanceTask(env.Ctx, actor, engine.AdvanceTaskInput{TaskID: task.ID, Target: domain.TaskInReview})
				require.ErrorIs(t, err, apperr.ErrValidation)
			}
			got, err := env.Engine.GetTask(env.Ctx, env.Admin, task.ID)
			require.NoError(t, err)
			assert.Equal(t, string(from), got.Status)
		})
	}
}

func TestInReviewAfterOutputUpload(t *testing.T) {
	env := newTestEnv(t)
	task := env.approvedTask(t)
	env.move(t, env.Collab, task.ID, domain.TaskInProgress, "")
	env.attachOutput(t, task.ID)
	env.move(t, env.Collab, task.ID, domain.TaskInReview, "")
}

func TestTransitionGates(t *testing.T) {
	env := newTestEnv(t)
	task := env.approvedTask(t)
	other, err := env.Engine.CreateProfile(env.Ctx, env.Admin, engine.CreateProfileInput{Email: "lee@studio.test", Roles: []string{"editor"}})
	require.NoError(t, err)
	stranger := env.Engine.Actor(other.ID, other.Roles, "", "")
	foreignClient := env.Engine.Actor("client-user-9", []string{"client"}, "other-client", "")
	foreignAdmin := env.Engine.Actor(env.Admin.SubjectID, []string{"owner"}, "", "other-client")

	statusIs := func(want domain.TaskStatus) {
		t.Helper()
		got, err := env.Engine.GetTask(env.Ctx, env.Admin, task.ID)
		require.NoError(t, err)
		assert.Equal(t, string(want), got.Status)
	}

	_, err = env.Engine.AdvanceTask(env.Ctx, stranger, engine.AdvanceTaskInput{TaskID: task.ID, Target: domain.TaskInProgress})
	require.ErrorIs(t, err, apperr.ErrAuthorization)
	_, err = env.Engine.AdvanceTask(env.Ctx, env.Customer, engine.AdvanceTaskInput{TaskID: task.ID, Target: domain.TaskInProgress})
	require.ErrorIs(t, err, apperr.ErrAuthorization)
	unclassified := env.Engine.Actor("nobody", []string{"guest"}, "", "")
	_, err = env.Engine.AdvanceTask(env.Ctx, unclassified, engine.AdvanceTaskInput{TaskID: task.ID, Target: domain.TaskInProgress})
	require.ErrorIs(t, err, apperr.ErrAuthorization)
	statusIs(domain.TaskBacklog)

	env.move(t, env.Collab, task.ID, domain.TaskInProgress, "")
	env.attachOutput(t, task.ID)
	env.move(t, env.Collab, task.ID, domain.TaskInReview, "")
	_, err = env.Engine.AdvanceTask(env.Ctx, env.Collab, engine.AdvanceTaskInput{TaskID: task.ID, Target: domain.TaskReleasedToClient})
	require.ErrorIs(t, err, apperr.ErrAuthorization)
	_, err = env.Engine.AdvanceTask(env.Ctx, foreignAdmin, engine.AdvanceTaskInput{TaskID: task.ID, Target: domain.TaskReleasedToClient})
	require.ErrorIs(t, err, apperr.ErrAuthorization)
	statusIs(domain.TaskInReview)

	_, err = env.Engine.AdvanceTask(env.Ctx, env.Admin, engine.AdvanceTaskInput{TaskID: task.ID, Target: domain.TaskAdjustmentsRequested})
	require.ErrorIs(t, err, apperr.ErrValidation)
	env.move(t, env.Admin, task.ID, domain.TaskAdjustmentsRequested, "tighten the kerning")

	comments, err := env.Engine.ListComments(env.Ctx, env.Collab, task.ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "tighten the kerning", comments[0].Body)

	env.move(t, env.Collab, task.ID, domain.TaskInProgress, "")
	env.move(t, env.Collab, task.ID, domain.TaskInReview, "")
	env.move(t, env.Admin, task.ID, domain.TaskReleasedToClient, "")
	_, err = env.Engine.AdvanceTask(env.Ctx, foreignClient, engine.AdvanceTaskInput{TaskID: task.ID, Target: domain.TaskClientApproved})
	require.ErrorIs(t, err, apperr.ErrAuthorization)
	_, err = env.Engine.AdvanceTask(env.Ctx, foreignAdmin, engine.AdvanceTaskInput{TaskID: task.ID, Target: domain.TaskClientApproved})
	require.ErrorIs(t, err, apperr.ErrAuthorization)
	statusIs(domain.TaskReleasedToClient)

	// Reads stay hidden from the same subjects.
	_, err = env.Engine.GetTask(env.Ctx, foreignClient, task.ID)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

type failingNotifier struct {
	calls atomic.Int32
}

func (f *failingNotifier) Notify(context.Context, notify.Message) error {
	f.calls.Add(1)
	return errors.New("smtp down")
}

func TestNotifierFailureDoesNotRollBack(t *testing.T) {
	env := newTestEnv(t)
	task := env.approvedTask(t)
	env.move(t, env.Collab, task.ID, domain.TaskInProgress, "")
	env.attachOutput(t, task.ID)
	env.move(t, env.Collab, task.ID, domain.TaskInReview, "")

	failing := &failingNotifier{}
	env.Engine.Notifier = failing
	moved, err := env.Engine.AdvanceTask(env.Ctx, env.Admin, engine.AdvanceTaskInput{
		TaskID: task.ID, Target: domain.TaskAdjustmentsRequested, Notes: "wrong logo",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskAdjustmentsRequested, moved.Status)
	assert.Equal(t, int32(1), failing.calls.Load())

	got, err := env.Engine.GetTask(env.Ctx, env.Admin, task.ID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.TaskAdjustmentsRequested), got.Status)

	evs, err := env.Engine.RecordEvents(env.Ctx, env.Admin, task.ID, 0, 0)
	require.NoError(t, err)
	var found bool
	for _, ev := range evs {
		if ev.Type != events.TaskTransitioned {
			continue
		}
		var payload map[string]any
		require.NoError(t, json.Unmarshal([]byte(ev.Payload), &payload))
		if payload["to"] == string(domain.TaskAdjustmentsRequested) {
			found = true
			assert.Equal(t, string(domain.TaskInReview), payload["from"])
			assert.Equal(t, env.Admin.SubjectID, ev.ActorID)
		}
	}
	assert.True(t, found, "transition event missing")
}

func TestConcurrentAdvanceOneWins(t *testing.T) {
	env := newTestEnv(t)
	task := env.approvedTask(t)

	var wins, stale atomic.Int32
	var g errgroup.Group
	for i := 0; i < 6; i++ {
		g.Go(func() error {
			_, err := env.Engine.AdvanceTask(env.Ctx, env.Collab, engine.AdvanceTaskInput{TaskID: task.ID, Target: domain.TaskInProgress})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, apperr.ErrStaleState):
				stale.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(5), stale.Load())

	evs, err := env.Engine.RecordEvents(env.Ctx, env.Admin, task.ID, 0, 0)
	require.NoError(t, err)
	transitions := 0
	for _, ev := range evs {
		if ev.Type == events.TaskTransitioned {
			transitions++
		}
	}
	assert.Equal(t, 1, transitions)
}

func TestAdminViewingAsClientActsForClient(t *testing.T) {
	env := newTestEnv(t)
	task := env.approvedTask(t)
	env.move(t, env.Collab, task.ID, domain.TaskInProgress, "")
	env.attachOutput(t, task.ID)
	env.move(t, env.Collab, task.ID, domain.TaskInReview, "")
	env.move(t, env.Admin, task.ID, domain.TaskReleasedToClient, "")

	_, err := env.Engine.AdvanceTask(env.Ctx, env.Admin, engine.AdvanceTaskInput{TaskID: task.ID, Target: domain.TaskClientApproved})
	require.ErrorIs(t, err, apperr.ErrAuthorization)

	viewing := env.Engine.Actor(env.Admin.SubjectID, []string{"owner"}, "", env.ClientID)
	env.move(t, viewing, task.ID, domain.TaskClientApproved, "")
}

func TestCancelRequiresAdminAndNotes(t *testing.T) {
	env := newTestEnv(t)
	task := env.approvedTask(t)
	_, err := env.Engine.AdvanceTask(env.Ctx, env.Collab, engine.AdvanceTaskInput{TaskID: task.ID, Target: domain.TaskCancelled, Notes: "x"})
	require.ErrorIs(t, err, apperr.ErrAuthorization)
	env.move(t, env.Admin, task.ID, domain.TaskCancelled, "client withdrew")

	_, err = env.Engine.AddAttachment(env.Ctx, env.Admin, engine.AttachmentInput{
		TaskID: task.ID, Direction: domain.DirectionOutput, Filename: "late.png", Data: []byte("x"),
	})
	require.ErrorIs(t, err, apperr.ErrStaleState)
}

func TestFrozenTermsSurviveCatalogChange(t *testing.T) {
	env := newTestEnv(t)
	task := env.approvedTask(t)
	_, err := env.Engine.UpsertProduct(env.Ctx, env.Admin, domain.Product{ID: "banner", Name: "Banner", PriceCents: 9900, SLADays: 2, Active: true})
	require.NoError(t, err)

	view, err := env.Engine.GetTask(env.Ctx, env.Admin, task.ID)
	require.NoError(t, err)
	require.NotNil(t, view.FrozenPriceCents)
	assert.Equal(t, int64(10000), *view.FrozenPriceCents)
	assert.Equal(t, 5, *view.FrozenSLADays)

	clientView, err := env.Engine.GetTask(env.Ctx, env.Customer, task.ID)
	require.NoError(t, err)
	assert.Nil(t, clientView.FrozenPriceCents)
}

func TestApproveFailsAtomically(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Engine.SubmitRequest(env.Ctx, env.Customer, engine.SubmitRequestInput{ProductID: env.Product.ID, Title: "x"})
	require.NoError(t, err)

	_, err = env.Engine.ApproveRequest(env.Ctx, env.Admin, engine.ApproveRequestInput{
		RequestID: req.ID, AssigneeID: "missing-profile", DueDate: "2026-03-20",
	})
	require.Error(t, err)

	got, err := env.Engine.GetRequest(env.Ctx, env.Admin, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestPending, got.Status)
	tasks, err := env.Engine.ListTasks(env.Ctx, env.Admin, engine.TaskQuery{})
	require.NoError(t, err)
	assert.Empty(t, tasks)

	_, err = env.Engine.RejectRequest(env.Ctx, env.Admin, req.ID, "out of scope")
	require.NoError(t, err)
	_, err = env.Engine.ApproveRequest(env.Ctx, env.Admin, engine.ApproveRequestInput{
		RequestID: req.ID, AssigneeID: env.Collab.SubjectID, DueDate: "2026-03-20",
	})
	require.ErrorIs(t, err, apperr.ErrStaleState)
}

func TestClientProjectionHidesCanonicalStatus(t *testing.T) {
	env := newTestEnv(t)
	task := env.approvedTask(t)
	env.move(t, env.Collab, task.ID, domain.TaskInProgress, "")
	env.attachOutput(t, task.ID)
	env.move(t, env.Collab, task.ID, domain.TaskInReview, "")

	view, err := env.Engine.GetTask(env.Ctx, env.Customer, task.ID)
	require.NoError(t, err)
	assert.Equal(t, projection.BucketReview, view.Status)

	env.move(t, env.Admin, task.ID, domain.TaskReleasedToClient, "")
	env.move(t, env.Customer, task.ID, domain.TaskClientRequestedChanges, "logo is too small")

	_, err = env.Engine.GetTask(env.Ctx, env.Customer, task.ID)
	require.ErrorIs(t, err, apperr.ErrNotFound)
	board, err := env.Engine.Board(env.Ctx, env.Customer)
	require.NoError(t, err)
	require.Len(t, board, len(projection.ClientBuckets))
	for _, col := range board {
		assert.Empty(t, col.Tasks, col.Bucket)
	}

	evs, err := env.Engine.RecordEvents(env.Ctx, env.Admin, task.ID, 0, 0)
	require.NoError(t, err)
	clientView := engine.Engine{}
	for _, ev := range evs {
		v, ok := clientView.ViewEvent(env.Customer, ev)
		if !ok {
			continue
		}
		var payload map[string]any
		require.NoError(t, json.Unmarshal([]byte(v.Payload), &payload))
		for _, val := range payload {
			for _, s := range domain.TaskStatuses {
				assert.NotEqual(t, string(s), val)
			}
		}
	}
}

func TestCollaboratorSeesOnlyAssignedTasks(t *testing.T) {
	env := newTestEnv(t)
	env.approvedTask(t)
	other, err := env.Engine.CreateProfile(env.Ctx, env.Admin, engine.CreateProfileInput{Email: "lee@studio.test", Roles: []string{"editor"}})
	require.NoError(t, err)
	otherActor := env.Engine.Actor(other.ID, other.Roles, "", "")

	mine, err := env.Engine.ListTasks(env.Ctx, env.Collab, engine.TaskQuery{})
	require.NoError(t, err)
	assert.Len(t, mine, 1)
	theirs, err := env.Engine.ListTasks(env.Ctx, otherActor, engine.TaskQuery{})
	require.NoError(t, err)
	assert.Empty(t, theirs)
	reqs, err := env.Engine.ListRequests(env.Ctx, env.Collab, "", 0)
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestTaskViewCarriesUrgency(t *testing.T) {
	env := newTestEnv(t)
	task := env.approvedTask(t)
	view, err := env.Engine.GetTask(env.Ctx, env.Collab, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "normal", view.Urgency)
	assert.Equal(t, 14, view.BusinessDaysLeft)

	env.advance(16 * 24 * time.Hour) // Wednesday 18th
	view, err = env.Engine.GetTask(env.Ctx, env.Collab, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "at_risk", view.Urgency)
	assert.Equal(t, 2, view.BusinessDaysLeft)
}

func TestConsumeTokenExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	issued, err := env.Engine.IssueActivationToken(env.Ctx, env.Admin, env.ClientID, domain.SubjectClient)
	require.NoError(t, err)
	require.Len(t, env.Notes.msgs, 1)
	assert.Equal(t, notify.TemplateActivationInvite, env.Notes.msgs[0].Template)
	assert.Equal(t, "ops@acme.test", env.Notes.msgs[0].Recipient)

	var wins, used atomic.Int32
	var g errgroup.Group
	for i := 0; i < 6; i++ {
		g.Go(func() error {
			_, err := env.Engine.ConsumeActivationToken(env.Ctx, issued.Token, engine.Credential{Password: "correct horse"})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, apperr.ErrTokenAlreadyUsed):
				used.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(5), used.Load())

	p, err := env.Engine.VerifyCredential(env.Ctx, "ops@acme.test", "correct horse")
	require.NoError(t, err)
	require.NotNil(t, p.ClientID)
	assert.Equal(t, env.ClientID, *p.ClientID)

	clients, err := env.Engine.ListClients(env.Ctx, env.Admin)
	require.NoError(t, err)
	assert.Equal(t, domain.ClientActivated, clients[0].Status)
}

func TestTokenSupersedeAndExpiry(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.IssueActivationToken(env.Ctx, env.Admin, env.Collab.SubjectID, domain.SubjectCollaborator)
	require.NoError(t, err)
	second, err := env.Engine.IssueActivationToken(env.Ctx, env.Admin, env.Collab.SubjectID, domain.SubjectCollaborator)
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.Superseded)

	_, err = env.Engine.ValidateActivationToken(env.Ctx, first.Token)
	require.ErrorIs(t, err, apperr.ErrTokenAlreadyUsed)
	_, err = env.Engine.ValidateActivationToken(env.Ctx, second.Token)
	require.NoError(t, err)
	_, err = env.Engine.ValidateActivationToken(env.Ctx, "not-a-token")
	require.ErrorIs(t, err, apperr.ErrTokenInvalid)

	env.advance(73 * time.Hour)
	_, err = env.Engine.ConsumeActivationToken(env.Ctx, second.Token, engine.Credential{Password: "long enough"})
	require.ErrorIs(t, err, apperr.ErrTokenExpired)
}

func TestConsumeRejectsShortPassword(t *testing.T) {
	env := newTestEnv(t)
	issued, err := env.Engine.IssueActivationToken(env.Ctx, env.Admin, env.Collab.SubjectID, domain.SubjectCollaborator)
	require.NoError(t, err)
	_, err = env.Engine.ConsumeActivationToken(env.Ctx, issued.Token, engine.Credential{Password: "short"})
	require.ErrorIs(t, err, apperr.ErrValidation)
	_, err = env.Engine.ValidateActivationToken(env.Ctx, issued.Token)
	require.NoError(t, err)
}

func TestClientActivationResetsStaleLink(t *testing.T) {
	env := newTestEnv(t)
	old, err := env.Engine.CreateClient(env.Ctx, env.Admin, "Old Co", "legacy@acme.test")
	require.NoError(t, err)
	_, err = env.Engine.CreateProfile(env.Ctx, env.Admin, engine.CreateProfileInput{
		Email: "ops@acme.test", Roles: []string{"client"}, ClientID: old.ID,
	})
	require.NoError(t, err)

	issued, err := env.Engine.IssueActivationToken(env.Ctx, env.Admin, env.ClientID, domain.SubjectClient)
	require.NoError(t, err)
	res, err := env.Engine.ConsumeActivationToken(env.Ctx, issued.Token, engine.Credential{Password: "correct horse"})
	require.NoError(t, err)

	actor, err := env.Engine.ActorForProfile(env.Ctx, res.ProfileID, nil)
	require.NoError(t, err)
	assert.Equal(t, env.ClientID, actor.ClientID)

	evs, err := env.Engine.TailLog(env.Ctx, env.Admin, engine.LogQuery{Type: events.ProfileLinkReset})
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestVaultDecryptIsAudited(t *testing.T) {
	env := newTestEnv(t)
	inst, err := env.Engine.CreateOnboardingInstance(env.Ctx, env.Customer, "")
	require.NoError(t, err)
	resp, err := env.Engine.RecordOnboardingResponse(env.Ctx, env.Customer, engine.RecordResponseInput{
		InstanceID: inst.ID, FieldKey: "tax_id", Value: "12.345.678/0001-90", Sensitive: true,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Value)
	_, err = env.Engine.RecordOnboardingResponse(env.Ctx, env.Customer, engine.RecordResponseInput{
		InstanceID: inst.ID, FieldKey: "brand_color", Value: "teal",
	})
	require.NoError(t, err)

	listed, err := env.Engine.ListOnboardingResponses(env.Ctx, env.Customer, inst.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	for _, r := range listed {
		if r.Sensitive {
			assert.Empty(t, r.Value)
		} else {
			assert.Equal(t, "teal", r.Value)
		}
	}

	_, err = env.Engine.DecryptSensitiveField(env.Ctx, env.Customer, inst.ID, "tax_id")
	require.ErrorIs(t, err, apperr.ErrAuthorization)
	_, err = env.Engine.DecryptSensitiveField(env.Ctx, env.Admin, inst.ID, "brand_color")
	require.ErrorIs(t, err, apperr.ErrValidation)

	plain, err := env.Engine.DecryptSensitiveField(env.Ctx, env.Admin, inst.ID, "tax_id")
	require.NoError(t, err)
	assert.Equal(t, "12.345.678/0001-90", plain)

	audit, err := env.Engine.ListAudit(env.Ctx, env.Admin, inst.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, env.Admin.SubjectID, audit[0].SubjectID)
	assert.Equal(t, "decrypt", audit[0].Action)
}

func TestVaultFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	inst, err := env.Engine.CreateOnboardingInstance(env.Ctx, env.Admin, env.ClientID)
	require.NoError(t, err)
	_, err = env.Engine.RecordOnboardingResponse(env.Ctx, env.Admin, engine.RecordResponseInput{
		InstanceID: inst.ID, FieldKey: "bank_account", Value: "0001-2", Sensitive: true,
	})
	require.NoError(t, err)

	rotated := env.Engine
	key, err := vault.GenerateKey()
	require.NoError(t, err)
	rotated.Sealer, err = vault.FromBase64(key)
	require.NoError(t, err)
	_, err = rotated.DecryptSensitiveField(env.Ctx, env.Admin, inst.ID, "bank_account")
	require.ErrorIs(t, err, apperr.ErrDependency)

	keyless := env.Engine
	keyless.Sealer = nil
	_, err = keyless.DecryptSensitiveField(env.Ctx, env.Admin, inst.ID, "bank_account")
	require.ErrorIs(t, err, apperr.ErrDependency)
	_, err = keyless.RecordOnboardingResponse(env.Ctx, env.Admin, engine.RecordResponseInput{
		InstanceID: inst.ID, FieldKey: "pin", Value: "1234", Sensitive: true,
	})
	require.ErrorIs(t, err, apperr.ErrDependency)

	audit, err := env.Engine.ListAudit(env.Ctx, env.Admin, inst.ID)
	require.NoError(t, err)
	assert.Empty(t, audit)
}

func TestSubscribeReceivesCommittedEvents(t *testing.T) {
	env := newTestEnv(t)
	task := env.approvedTask(t)
	sub, err := env.Engine.Subscribe(env.Ctx, env.Customer, task.ID)
	require.NoError(t, err)
	defer sub.Close()

	env.move(t, env.Collab, task.ID, domain.TaskInProgress, "")
	select {
	case ev := <-sub.Events:
		assert.Equal(t, events.TaskTransitioned, ev.Type)
		v, ok := env.Engine.ViewEvent(env.Customer, ev)
		require.True(t, ok)
		assert.JSONEq(t, `{"status":"In Production"}`, v.Payload)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	_, err = env.Engine.Subscribe(env.Ctx, env.Collab, "unknown-record")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAPIKeyResolvesToProfileActor(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.Engine.CreateAPIKey(env.Ctx, env.Admin, env.Collab.SubjectID, "ci")
	require.NoError(t, err)
	actor, err := env.Engine.ResolveAPIKey(env.Ctx, created.Key)
	require.NoError(t, err)
	assert.Equal(t, role.Collaborator, actor.Class)
	assert.Equal(t, env.Collab.SubjectID, actor.SubjectID)

	_, err = env.Engine.ResolveAPIKey(env.Ctx, "af_bogus")
	require.ErrorIs(t, err, apperr.ErrAuthorization)
}

func TestSeedCatalogKeepsExistingProducts(t *testing.T) {
	env := newTestEnv(t)
	added, err := env.Engine.SeedCatalog(env.Ctx, []config.ProductSeed{
		{ID: "banner", Name: "Other", PriceCents: 1, SLADays: 1},
		{ID: "reel", Name: "Reel", PriceCents: 12000, SLADays: 7},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	products, err := env.Engine.ListProducts(env.Ctx, env.Customer)
	require.NoError(t, err)
	require.Len(t, products, 2)
	for _, p := range products {
		if p.ID == "banner" {
			assert.Equal(t, int64(5000), p.PriceCents)
		}
	}
}
