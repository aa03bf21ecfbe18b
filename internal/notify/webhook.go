package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"agencyflow/internal/config"
)

const (
	defaultWebhookTimeout    = 5 * time.Second
	defaultWebhookMaxElapsed = 30 * time.Second
)

// Webhook posts each message as JSON to its configured endpoints, retrying
// transient failures with exponential backoff.
type Webhook struct {
	hooks  []config.WebhookConfig
	client *http.Client
}

func NewWebhook(hooks []config.WebhookConfig, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	return &Webhook{hooks: hooks, client: client}
}

func (w *Webhook) Notify(ctx context.Context, msg Message) error {
	var failed []string
	for _, hook := range w.hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" || !newTemplateFilter(hook.Templates).match(msg.Template) {
			continue
		}
		if err := w.deliver(ctx, hook, msg); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", hook.URL, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("webhook delivery failed: %s", strings.Join(failed, "; "))
	}
	return nil
}

func (w *Webhook) deliver(ctx context.Context, hook config.WebhookConfig, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	client := w.client
	if hook.TimeoutSeconds > 0 {
		c := *w.client
		c.Timeout = time.Duration(hook.TimeoutSeconds) * time.Second
		client = &c
	}
	delivery := uuid.NewString()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = defaultWebhookMaxElapsed
	if d, err := time.ParseDuration(hook.MaxElapsed); err == nil && hook.MaxElapsed != "" {
		bo.MaxElapsedTime = d
	}

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Agencyflow-Template", msg.Template)
		req.Header.Set("X-Agencyflow-Delivery", delivery)
		if strings.TrimSpace(hook.Secret) != "" {
			req.Header.Set("X-Agencyflow-Secret", hook.Secret)
		}
		res, err := client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			return nil
		}
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		err = fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		// 4xx other than 408/429 will not improve on retry.
		if res.StatusCode >= 400 && res.StatusCode < 500 &&
			res.StatusCode != http.StatusRequestTimeout && res.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

type templateFilter struct {
	all bool
	set map[string]struct{}
}

func newTemplateFilter(templates []string) templateFilter {
	set := make(map[string]struct{}, len(templates))
	for _, t := range templates {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return templateFilter{all: true}
	}
	return templateFilter{set: set}
}

func (f templateFilter) match(template string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[template]
	return ok
}
