package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"wagerline/internal/config"
	"wagerline/internal/domain"
	"wagerline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookBatch    = 100
)

// EventForwarder posts audit events to the configured webhooks. Each hook
// keeps its own cursor, starting at the newest event when the forwarder
// starts. A failed delivery stops that hook until the next poll, so events are
// delivered in order at least once.
type EventForwarder struct {
	Repo     repo.Repo
	Webhooks []config.WebhookConfig
	Interval time.Duration
	Logger   *slog.Logger

	mu      sync.Mutex
	cursors map[int]int64
}

func NewEventForwarder(r repo.Repo, hooks []config.WebhookConfig, logger *slog.Logger) *EventForwarder {
	return &EventForwarder{
		Repo:     r,
		Webhooks: hooks,
		Interval: defaultWebhookInterval,
		Logger:   logger,
		cursors:  make(map[int]int64),
	}
}

func (d *EventForwarder) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Run polls until ctx is done.
func (d *EventForwarder) Run(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.Poll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll delivers pending events to every active hook once.
func (d *EventForwarder) Poll(ctx context.Context) {
	for i, hook := range d.Webhooks {
		if !hook.Active() {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *EventForwarder) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	logger := d.logger().With("webhook", hook.URL)
	cursor, err := d.cursorFor(ctx, idx)
	if err != nil {
		logger.ErrorContext(ctx, "webhook: init cursor failed", "error", err.Error())
		return
	}
	events, err := d.Repo.EventsAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		logger.ErrorContext(ctx, "webhook: fetch events failed", "error", err.Error())
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := postEvent(ctx, hook, evt); err != nil {
			logger.WarnContext(ctx, "webhook: delivery failed", "event_id", evt.ID, "error", err.Error())
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *EventForwarder) cursorFor(ctx context.Context, idx int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[int]int64)
	}
	if cur, ok := d.cursors[idx]; ok {
		return cur, nil
	}
	cur, err := d.Repo.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	d.cursors[idx] = cur
	return cur, nil
}

func (d *EventForwarder) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	RuleID     string          `json:"rule_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		RuleID:     evt.RuleID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Wagerline-Event", evt.Type)
	req.Header.Set("X-Wagerline-Delivery", fmt.Sprintf("%d", evt.ID))
	if evt.RuleID != "" {
		req.Header.Set("X-Wagerline-Rule", evt.RuleID)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Wagerline-Secret", hook.Secret)
	}
	res, err := (&http.Client{Timeout: hook.Timeout()}).Do(req)
	if err != nil {
		return domain.Dependency(err, "post event")
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return errors.Mark(errors.Newf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body))), domain.ErrDependency)
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
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
