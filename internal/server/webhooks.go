package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"agentcouncil/internal/config"
	"agentcouncil/internal/domain"
	"agentcouncil/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
	webhookAttempts        = 3
)

// WebhookDispatcher forwards audit log rows to the configured webhooks. Each
// webhook keeps a persisted cursor, so a restart resumes where delivery
// stopped; a webhook seen for the first time starts at the newest row.
type WebhookDispatcher struct {
	repo     repo.Repo
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time
	interval time.Duration
	retry    func() backoff.BackOff
}

type WebhookOptions struct {
	Logger   *slog.Logger
	Interval time.Duration
	Now      func() time.Time
	// Retry builds the per-delivery backoff. Defaults to exponential with
	// three attempts.
	Retry func() backoff.BackOff
}

func NewWebhookDispatcher(r repo.Repo, hooks []config.WebhookConfig, opts WebhookOptions) *WebhookDispatcher {
	d := &WebhookDispatcher{
		repo:     r,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   opts.Logger,
		now:      opts.Now,
		interval: opts.Interval,
		retry:    opts.Retry,
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.interval <= 0 {
		d.interval = defaultWebhookInterval
	}
	if d.retry == nil {
		d.retry = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 0
			return backoff.WithMaxRetries(b, webhookAttempts-1)
		}
	}
	return d
}

// Run polls until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if len(d.webhooks) == 0 {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll makes one delivery pass over every enabled webhook.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for _, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if err := d.dispatchWebhook(ctx, hook); err != nil && ctx.Err() == nil {
			d.logger.Warn("webhook delivery", "webhook", hook.Key(), "error", err)
		}
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, hook config.WebhookConfig) error {
	cursor, err := d.cursorFor(ctx, hook)
	if err != nil {
		return fmt.Errorf("init cursor: %w", err)
	}
	entries, err := d.repo.LogAfter(ctx, cursor, defaultWebhookBatch, hook.ProjectID)
	if err != nil {
		return fmt.Errorf("fetch log: %w", err)
	}
	filter := newEventFilter(hook.Events)
	for _, entry := range entries {
		evt := webhookEventFor(entry)
		if filter.match(evt.Event) {
			op := func() error { return d.postEvent(ctx, hook, evt) }
			if err := backoff.Retry(op, backoff.WithContext(d.retry(), ctx)); err != nil {
				return err
			}
		}
		if err := d.repo.SetWebhookCursor(ctx, hook.Key(), entry.ID, domain.FormatTime(d.now())); err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
	}
	return nil
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, hook config.WebhookConfig) (int64, error) {
	cur, ok, err := d.repo.GetWebhookCursor(ctx, hook.Key())
	if err != nil || ok {
		return cur, err
	}
	cur, err = d.repo.LatestLogID(ctx, hook.ProjectID)
	if err != nil {
		return 0, err
	}
	return cur, d.repo.SetWebhookCursor(ctx, hook.Key(), cur, domain.FormatTime(d.now()))
}

type webhookEvent struct {
	ID        int64           `json:"id"`
	Event     string          `json:"event"`
	EventType string          `json:"event_type"`
	ProjectID string          `json:"project_id,omitempty"`
	AgentID   string          `json:"agent_id"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata"`
	CreatedAt string          `json:"created_at"`
}

// webhookEventFor names the row by the council event recorded in its
// metadata, falling back to the log type.
func webhookEventFor(e domain.AgentLogEntry) webhookEvent {
	evt := webhookEvent{
		ID:        e.ID,
		Event:     string(e.EventType),
		EventType: string(e.EventType),
		ProjectID: domain.Deref(e.ProjectID),
		AgentID:   e.AgentID,
		Message:   e.Message,
		Metadata:  json.RawMessage("{}"),
		CreatedAt: e.CreatedAt,
	}
	if len(e.Metadata) > 0 && json.Valid(e.Metadata) {
		evt.Metadata = e.Metadata
		var meta struct {
			Event string `json:"event"`
		}
		if json.Unmarshal(e.Metadata, &meta) == nil && meta.Event != "" {
			evt.Event = meta.Event
		}
	}
	return evt
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt webhookEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return backoff.Permanent(err)
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Council-Event", evt.Event)
	req.Header.Set("X-Council-Delivery", fmt.Sprintf("%d", evt.ID))
	if evt.ProjectID != "" {
		req.Header.Set("X-Council-Project", evt.ProjectID)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Council-Signature", "sha256="+signBody(hook.Secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		err := fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}
	return nil
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
