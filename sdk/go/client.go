package agencyflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client is a minimal agencyflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// ActingAsClient scopes an admin's reads to one client.
	ActingAsClient string
	HTTPClient     *http.Client
	Timeout        time.Duration
	// MaxRetries bounds retries of GET requests answered with 503.
	MaxRetries uint64
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		BasePath:   "/v0",
		Timeout:    10 * time.Second,
		MaxRetries: 3,
	}
}

// Request is a client work request (partial).
type Request struct {
	ID        string `json:"id"`
	Protocol  string `json:"protocol"`
	ClientID  string `json:"client_id"`
	ProductID string `json:"product_id"`
	Title     string `json:"title"`
	Quantity  int    `json:"quantity"`
	Priority  string `json:"priority"`
	Status    string `json:"status"`
}

// Task is a task as the caller may see it. Clients receive the projected
// status label and no commercial terms.
type Task struct {
	ID               string  `json:"id"`
	RequestID        *string `json:"request_id,omitempty"`
	ClientID         string  `json:"client_id"`
	ProductID        string  `json:"product_id"`
	AssigneeID       *string `json:"assignee_id,omitempty"`
	Quantity         int     `json:"quantity"`
	DueDate          string  `json:"due_date"`
	Status           string  `json:"status"`
	Bucket           string  `json:"bucket"`
	Urgency          string  `json:"urgency,omitempty"`
	BusinessDaysLeft int     `json:"business_days_left"`
	FrozenPriceCents *int64  `json:"frozen_price_cents,omitempty"`
	FrozenSLADays    *int    `json:"frozen_sla_days,omitempty"`
}

// BoardColumn is one bucket of a task board.
type BoardColumn struct {
	Bucket string `json:"bucket"`
	Tasks  []Task `json:"tasks"`
}

// Event is one entry of a record's history.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// IssuedToken carries a plaintext activation token, returned once.
type IssuedToken struct {
	Token       string `json:"token"`
	SubjectID   string `json:"subject_id"`
	SubjectType string `json:"subject_type"`
	ExpiresAt   string `json:"expires_at"`
}

type Activation struct {
	SubjectID   string `json:"subject_id"`
	SubjectType string `json:"subject_type"`
	ProfileID   string `json:"profile_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Login exchanges an activated credential for a session token and keeps it
// on the client.
func (c *Client) Login(ctx context.Context, email, password string) error {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/login", map[string]any{"email": email, "password": password}, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.Token
	c.APIKey = ""
	return nil
}

// SubmitRequest files a work request for the caller's client.
func (c *Client) SubmitRequest(ctx context.Context, productID, title string, quantity int) (Request, error) {
	body := map[string]any{
		"product_id": productID,
		"title":      title,
		"quantity":   quantity,
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests", body, &resp)
	return resp, err
}

// ApproveRequest approves a request and returns the created task id.
func (c *Client) ApproveRequest(ctx context.Context, requestID, assigneeID, dueDate string) (string, error) {
	body := map[string]any{
		"assignee_id": assigneeID,
		"due_date":    dueDate,
	}
	var resp struct {
		Task struct {
			ID string `json:"id"`
		} `json:"task"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("requests/%s/approve", url.PathEscape(requestID)), body, &resp)
	return resp.Task.ID, err
}

// AdvanceTask moves a task one lifecycle step.
func (c *Client) AdvanceTask(ctx context.Context, taskID, status, notes string) (Task, error) {
	body := map[string]any{"status": status}
	if notes != "" {
		body["notes"] = notes
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/advance", url.PathEscape(taskID)), body, &resp)
	return resp, err
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tasks/%s", url.PathEscape(taskID)), nil, &resp)
	return resp, err
}

// Board returns the caller's task board.
func (c *Client) Board(ctx context.Context) ([]BoardColumn, error) {
	var resp struct {
		Items []BoardColumn `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "tasks/board", nil, &resp)
	return resp.Items, err
}

// RecordEvents lists a record's events after the given id.
func (c *Client) RecordEvents(ctx context.Context, recordID string, after int64) ([]Event, error) {
	endpoint := fmt.Sprintf("records/%s/events", url.PathEscape(recordID))
	if after > 0 {
		endpoint = fmt.Sprintf("%s?after=%d", endpoint, after)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// IssueActivationToken mints an activation token for a client or collaborator.
func (c *Client) IssueActivationToken(ctx context.Context, subjectID, subjectType string) (IssuedToken, error) {
	body := map[string]any{"subject_id": subjectID, "subject_type": subjectType}
	var resp IssuedToken
	err := c.do(ctx, http.MethodPost, "activation-tokens", body, &resp)
	return resp, err
}

// ConsumeActivationToken activates the token's subject. It needs no
// credentials.
func (c *Client) ConsumeActivationToken(ctx context.Context, token, password, displayName string) (Activation, error) {
	body := map[string]any{"password": password}
	if displayName != "" {
		body["display_name"] = displayName
	}
	var resp Activation
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("activation-tokens/%s/consume", url.PathEscape(token)), body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}
	attempt := func() error {
		err := c.once(ctx, method, endpoint, payload, out)
		var apiErr *APIError
		if method == http.MethodGet && errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.MaxRetries), ctx)
	return backoff.Retry(attempt, policy)
}

func (c *Client) once(ctx context.Context, method, endpoint string, payload []byte, out any) error {
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	if c.ActingAsClient != "" {
		req.Header.Set("X-Acting-As-Client", c.ActingAsClient)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if bp := strings.Trim(c.BasePath, "/"); bp != "" {
		base += "/" + bp
	}
	return base
}
