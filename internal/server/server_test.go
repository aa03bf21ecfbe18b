package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"agencyflow/internal/blob"
	"agencyflow/internal/config"
	"agencyflow/internal/db"
	"agencyflow/internal/domain"
	"agencyflow/internal/engine"
	"agencyflow/internal/migrate"
	"agencyflow/internal/role"
	"agencyflow/internal/vault"
	agencyflowsdk "agencyflow/sdk/go"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	Admin  role.Actor
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, mutate func(*engine.Engine)) *testServer {
	t.Helper()
	workspace := t.TempDir()
	_, err := db.EnsureWorkspace(workspace)
	require.NoError(t, err)
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))

	e := engine.New(conn, config.Default())
	store, err := blob.NewFS(filepath.Join(workspace, "blobs"))
	require.NoError(t, err)
	e.Blob = store
	key, err := vault.GenerateKey()
	require.NoError(t, err)
	e.Sealer, err = vault.FromBase64(key)
	require.NoError(t, err)
	if mutate != nil {
		mutate(&e)
	}

	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret, AllowDevHeaders: true}})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Admin:  e.Actor("admin-1", []string{"owner"}, "", ""),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

func devHeaders(subject, roles, clientID string) map[string]string {
	h := map[string]string{headerDevActor: subject, headerDevRoles: roles}
	if clientID != "" {
		h[headerDevClient] = clientID
	}
	return h
}

// fixture seeds a client, a product and a collaborator through the engine.
type fixture struct {
	ClientID string
	Product  domain.Product
	Collab   domain.Profile
}

func seed(t *testing.T, ts *testServer) fixture {
	t.Helper()
	ctx := context.Background()
	c, err := ts.Engine.CreateClient(ctx, ts.Admin, "Acme", "ops@acme.test")
	require.NoError(t, err)
	p, err := ts.Engine.UpsertProduct(ctx, ts.Admin, domain.Product{ID: "banner", Name: "Banner", PriceCents: 5000, SLADays: 5, Active: true})
	require.NoError(t, err)
	collab, err := ts.Engine.CreateProfile(ctx, ts.Admin, engine.CreateProfileInput{Email: "dana@studio.test", Roles: []string{"designer"}})
	require.NoError(t, err)
	return fixture{ClientID: c.ID, Product: p, Collab: collab}
}

func TestHealthAndCredentials(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, _ := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/requests", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, body))

	resp, body = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/requests", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, body))

	resp, body = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/requests", nil, map[string]string{headerAPIKey: "af_unknown"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, body))

	resp, _ = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/openapi.json", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOpenAPIServedConcurrently(t *testing.T) {
	ts := newTestServer(t, nil)
	bodies := make([][]byte, 8)
	var g errgroup.Group
	for i := range bodies {
		g.Go(func() error {
			resp, err := ts.Client().Get(ts.URL + "/v0/openapi.json")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status %d", resp.StatusCode)
			}
			bodies[i], err = io.ReadAll(resp.Body)
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, b := range bodies[1:] {
		assert.Equal(t, bodies[0], b)
	}
	assert.Contains(t, string(bodies[0]), "/tasks/{id}/advance")
}

func TestSignedSessionResolvesActor(t *testing.T) {
	ts := newTestServer(t, nil)
	token, err := SignSession(testSecret, Principal{SubjectID: "u1", Roles: []string{"editor"}}, time.Now(), time.Hour)
	require.NoError(t, err)

	resp, body := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	me := decode[WhoAmIResponse](t, body)
	assert.Equal(t, "u1", me.SubjectID)
	assert.Equal(t, "collaborator", me.Class)

	other, err := SignSession("another-secret", Principal{SubjectID: "u1"}, time.Now(), time.Hour)
	require.NoError(t, err)
	resp, _ = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + other})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)
	fx := seed(t, ts)
	admin := devHeaders("admin-1", "owner", "")
	customer := devHeaders("client-user-1", "client", fx.ClientID)
	collab := devHeaders(fx.Collab.ID, "designer", "")

	resp, body := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/requests", SubmitRequestRequest{
		ProductID: fx.Product.ID, Title: "Spring banner", Quantity: 2,
	}, customer)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	req := decode[domain.Request](t, body)
	assert.Regexp(t, `^REQ-\d{4}-000001$`, req.Protocol)
	assert.Equal(t, domain.RequestPending, req.Status)

	resp, body = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/requests/"+req.ID+"/approve", ApproveRequestRequest{
		AssigneeID: fx.Collab.ID, DueDate: "2099-06-01",
	}, customer)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", errorCode(t, body))

	resp, body = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/requests/"+req.ID+"/approve", ApproveRequestRequest{
		AssigneeID: fx.Collab.ID, DueDate: "2099-06-01",
	}, admin)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	approved := decode[engine.ApproveResult](t, body)
	taskID := approved.Task.ID
	assert.Equal(t, int64(5000), approved.Task.FrozenPriceCents)

	resp, body = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/requests/"+req.ID+"/approve", ApproveRequestRequest{
		AssigneeID: fx.Collab.ID, DueDate: "2099-06-01",
	}, admin)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "stale_state", errorCode(t, body))

	resp, body = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/tasks/"+taskID+"/advance", AdvanceTaskRequest{Status: "InProgress"}, collab)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "InProgress", decode[engine.TaskView](t, body).Status)

	resp, body = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/tasks/"+taskID+"/advance", AdvanceTaskRequest{Status: "InProgress"}, collab)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "stale_state", errorCode(t, body))

	resp, body = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/tasks/"+taskID+"/advance", AdvanceTaskRequest{Status: "InReview"}, collab)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_failed", errorCode(t, body))

	resp, body = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/tasks/"+taskID+"/attachments", AddAttachmentRequest{
		Direction: "Output", Filename: "banner.png", ContentType: "image/png", Data: []byte("png-bytes"),
	}, collab)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	att := decode[domain.Attachment](t, body)

	resp, body = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/attachments/"+att.ID+"/content", nil, collab)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "png-bytes", string(body))
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	resp, body = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/tasks/"+taskID+"/advance", AdvanceTaskRequest{Status: "InReview"}, collab)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	// The client sees the projected label and no commercial terms.
	resp, body = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/tasks/"+taskID, nil, customer)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	view := decode[map[string]any](t, body)
	assert.Equal(t, "Review", view["status"])
	assert.NotContains(t, view, "frozen_price_cents")

	resp, body = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/records/"+taskID+"/events", nil, customer)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	evs := decode[ListResponse[EventResponse]](t, body)
	require.NotEmpty(t, evs.Items)
	for _, ev := range evs.Items {
		assert.NotContains(t, string(ev.Payload), "InProgress")
		assert.NotContains(t, string(ev.Payload), "notes")
	}

	resp, body = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/stats/tasks", nil, admin)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, 1, decode[TaskCountsResponse](t, body).Counts["InReview"])

	resp, _ = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/log", nil, customer)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestOtherClientCannotSeeTask(t *testing.T) {
	ts := newTestServer(t, nil)
	fx := seed(t, ts)
	ctx := context.Background()
	req, err := ts.Engine.SubmitRequest(ctx, ts.Engine.Actor("client-user-1", []string{"client"}, fx.ClientID, ""), engine.SubmitRequestInput{
		ProductID: fx.Product.ID, Title: "Flyer", Quantity: 1,
	})
	require.NoError(t, err)
	res, err := ts.Engine.ApproveRequest(ctx, ts.Admin, engine.ApproveRequestInput{RequestID: req.ID, AssigneeID: fx.Collab.ID, DueDate: "2099-06-01"})
	require.NoError(t, err)

	stranger := devHeaders("client-user-2", "client", "other-client")
	resp, body := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/tasks/"+res.Task.ID, nil, stranger)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, body))

	resp, _ = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/records/"+req.ID+"/events", nil, stranger)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Writes by a subject who fails the gate are refused, not hidden.
	resp, body = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/tasks/"+res.Task.ID+"/advance", AdvanceTaskRequest{Status: "InProgress"}, stranger)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", errorCode(t, body))

	// An admin scoped to another client sees nothing of this one.
	scoped := devHeaders("admin-1", "owner", "")
	scoped[headerActingAs] = "other-client"
	resp, body = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/requests", nil, scoped)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Empty(t, decode[ListResponse[domain.Request]](t, body).Items)
}

func TestActivationAndLoginWithSDK(t *testing.T) {
	ts := newTestServer(t, nil)
	fx := seed(t, ts)
	ctx := context.Background()
	adminProfile, err := ts.Engine.CreateProfile(ctx, ts.Admin, engine.CreateProfileInput{Email: "boss@studio.test", Roles: []string{"owner"}})
	require.NoError(t, err)
	key, err := ts.Engine.CreateAPIKey(ctx, ts.Admin, adminProfile.ID, "ci")
	require.NoError(t, err)

	admin := agencyflowsdk.New(ts.URL)
	admin.APIKey = key.Key
	issued, err := admin.IssueActivationToken(ctx, fx.ClientID, "client")
	require.NoError(t, err)
	require.NotEmpty(t, issued.Token)

	anon := agencyflowsdk.New(ts.URL)
	resp, body := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/activation-tokens/"+issued.Token, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	act, err := anon.ConsumeActivationToken(ctx, issued.Token, "correct-horse-battery", "Ops")
	require.NoError(t, err)
	assert.Equal(t, fx.ClientID, act.SubjectID)

	_, err = anon.ConsumeActivationToken(ctx, issued.Token, "correct-horse-battery", "Ops")
	require.Error(t, err)
	assert.True(t, agencyflowsdk.IsCode(err, "token_already_used"), err.Error())

	_, err = anon.ConsumeActivationToken(ctx, "not-a-token", "correct-horse-battery", "")
	assert.True(t, agencyflowsdk.IsCode(err, "token_invalid"), err.Error())

	customer := agencyflowsdk.New(ts.URL)
	require.Error(t, customer.Login(ctx, "ops@acme.test", "wrong-password"))
	require.NoError(t, customer.Login(ctx, "ops@acme.test", "correct-horse-battery"))
	req, err := customer.SubmitRequest(ctx, fx.Product.ID, "Launch kit", 3)
	require.NoError(t, err)
	assert.Equal(t, fx.ClientID, req.ClientID)

	taskID, err := admin.ApproveRequest(ctx, req.ID, fx.Collab.ID, "2099-06-01")
	require.NoError(t, err)
	board, err := customer.Board(ctx)
	require.NoError(t, err)
	var found bool
	for _, col := range board {
		for _, task := range col.Tasks {
			if task.ID == taskID {
				found = true
				assert.Equal(t, "In Production", col.Bucket)
				assert.Nil(t, task.FrozenPriceCents)
			}
		}
	}
	assert.True(t, found)
}

func TestSensitiveFieldsFailClosedWithoutKey(t *testing.T) {
	ts := newTestServer(t, func(e *engine.Engine) { e.Sealer = nil })
	fx := seed(t, ts)
	admin := devHeaders("admin-1", "owner", "")

	resp, body := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/onboarding", StartOnboardingRequest{ClientID: fx.ClientID}, admin)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	inst := decode[domain.OnboardingInstance](t, body)

	resp, body = doJSON(t, ts.Client(), http.MethodPut, ts.URL+"/v0/onboarding/"+inst.ID+"/fields/tax_id", RecordResponseRequest{Value: "12.345.678/0001-90", Sensitive: true}, admin)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "dependency_unavailable", errorCode(t, body))
	assert.NotContains(t, string(body), "12.345.678")

	resp, body = doJSON(t, ts.Client(), http.MethodPut, ts.URL+"/v0/onboarding/"+inst.ID+"/fields/brand_color", RecordResponseRequest{Value: "teal"}, admin)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
}

func TestDecryptIsAuditedOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)
	fx := seed(t, ts)
	admin := devHeaders("admin-1", "owner", "")
	customer := devHeaders("client-user-1", "client", fx.ClientID)

	resp, body := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/onboarding", StartOnboardingRequest{}, customer)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	inst := decode[domain.OnboardingInstance](t, body)

	resp, body = doJSON(t, ts.Client(), http.MethodPut, ts.URL+"/v0/onboarding/"+inst.ID+"/fields/tax_id", RecordResponseRequest{Value: "secret-id", Sensitive: true}, customer)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.NotContains(t, string(body), "secret-id")

	resp, _ = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/onboarding/"+inst.ID+"/fields/tax_id/decrypt", nil, customer)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/onboarding/"+inst.ID+"/fields/tax_id/decrypt", nil, admin)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "secret-id", decode[DecryptResponse](t, body).Value)

	resp, body = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/onboarding/"+inst.ID+"/audit", nil, admin)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	audit := decode[ListResponse[domain.AuditLogEntry]](t, body)
	require.Len(t, audit.Items, 1)
	assert.Equal(t, "admin-1", audit.Items[0].SubjectID)
	assert.Equal(t, "tax_id", audit.Items[0].FieldKey)
}

func TestCatalogIsAdminOnly(t *testing.T) {
	ts := newTestServer(t, nil)
	collab := devHeaders("collab-1", "editor", "")
	resp, body := doJSON(t, ts.Client(), http.MethodPut, ts.URL+"/v0/catalog/poster", UpsertProductRequest{Name: "Poster", PriceCents: 100, SLADays: 2}, collab)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "not permitted", decode[map[string]map[string]any](t, body)["error"]["message"])

	admin := devHeaders("admin-1", "admin", "")
	resp, body = doJSON(t, ts.Client(), http.MethodPut, ts.URL+"/v0/catalog/poster", UpsertProductRequest{Name: "Poster", PriceCents: 100, SLADays: 0}, admin)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))

	resp, body = doJSON(t, ts.Client(), http.MethodPut, ts.URL+"/v0/catalog/poster", UpsertProductRequest{Name: "Poster", PriceCents: 100, SLADays: 2}, admin)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.True(t, decode[domain.Product](t, body).Active)
}

func TestRelayForwardsWritesFromOtherProcesses(t *testing.T) {
	ts := newTestServer(t, nil)
	fx := seed(t, ts)
	ctx := context.Background()

	relay := NewRelay(ts.Engine, time.Hour, nil)
	n, err := relay.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// A writer without a hub stands in for a CLI process on the same workspace.
	writer := ts.Engine
	writer.Hub = nil
	req, err := writer.SubmitRequest(ctx, writer.Actor("client-user-1", []string{"client"}, fx.ClientID, ""), engine.SubmitRequestInput{
		ProductID: fx.Product.ID, Title: "Poster", Quantity: 1,
	})
	require.NoError(t, err)

	sub := ts.Engine.Hub.Subscribe(req.ID)
	defer sub.Close()
	_, err = writer.StartReview(ctx, ts.Admin, req.ID)
	require.NoError(t, err)

	n, err = relay.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	select {
	case ev := <-sub.Events:
		assert.Equal(t, req.ID, ev.EntityID)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not deliver")
	}

	// Nothing new since the last poll.
	n, err = relay.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
