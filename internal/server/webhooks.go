package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"reqline/internal/config"
	"reqline/internal/domain"
	"reqline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
	webhookMaxAttempts     = 3
)

type webhookDispatcher struct {
	engine   engine.Engine
	project  string
	webhooks []config.Webhook
	client   *http.Client
	logger   *slog.Logger
	interval time.Duration
}

// StartWebhookDispatcher delivers the project's events to its configured
// webhooks until ctx is done. Delivery cursors are persisted per project and
// URL, so a restart resumes where it stopped; a new URL starts at the latest
// event.
func StartWebhookDispatcher(ctx context.Context, e engine.Engine, projectID string, logger *slog.Logger) error {
	cfg, err := e.ProjectConfig(ctx, projectID)
	if err != nil {
		return err
	}
	var hooks []config.Webhook
	for _, hook := range cfg.Webhooks {
		if hook.IsEnabled() && strings.TrimSpace(hook.URL) != "" {
			hooks = append(hooks, hook)
		}
	}
	if len(hooks) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &webhookDispatcher{
		engine:   e,
		project:  projectID,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger.With("component", "webhooks", "project", projectID),
		interval: defaultWebhookInterval,
	}
	go d.run(ctx)
	return nil
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for _, hook := range d.webhooks {
		if err := d.dispatchWebhook(ctx, hook); err != nil {
			d.logger.Warn("webhook delivery failed", "url", hook.URL, "err", err)
		}
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, hook config.Webhook) error {
	cursor, err := d.cursorFor(ctx, hook)
	if err != nil {
		return fmt.Errorf("init cursor: %w", err)
	}
	events, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, d.project)
	if err != nil {
		return fmt.Errorf("fetch events: %w", err)
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if filter.match(evt.Type) {
			err := d.deliver(ctx, hook, evt)
			var rejected clientError
			switch {
			case errors.As(err, &rejected):
				d.logger.Warn("webhook rejected event; skipping", "url", hook.URL, "event_id", evt.ID, "err", err)
			case err != nil:
				return err
			}
		}
		if err := d.engine.Repo.SetWebhookCursor(ctx, d.project, hook.URL, evt.ID); err != nil {
			return fmt.Errorf("store cursor: %w", err)
		}
	}
	return nil
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, hook config.Webhook) (int64, error) {
	cur, ok, err := d.engine.Repo.WebhookCursor(ctx, d.project, hook.URL)
	if err != nil || ok {
		return cur, err
	}
	latest, err := d.engine.Repo.LatestEventID(ctx, d.project)
	if err != nil {
		return 0, err
	}
	return latest, d.engine.Repo.SetWebhookCursor(ctx, d.project, hook.URL, latest)
}

// deliver posts evt with a short retry. 4xx answers are not retried.
func (d *webhookDispatcher) deliver(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), webhookMaxAttempts-1)
	return backoff.Retry(func() error {
		err := d.postEvent(ctx, hook, evt)
		var perm clientError
		if errors.As(err, &perm) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

type clientError struct {
	status int
	body   string
}

func (e clientError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Reqline-Event", evt.Type)
	req.Header.Set("X-Reqline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Reqline-Project", d.project)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Reqline-Secret", hook.Secret)
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
	if res.StatusCode >= 400 && res.StatusCode < 500 {
		return clientError{status: res.StatusCode, body: strings.TrimSpace(string(body))}
	}
	return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
