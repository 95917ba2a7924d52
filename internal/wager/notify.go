package wager

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"wagerline/internal/domain"
)

// Notifier enacts the consequence of a missed milestone. Real delivery
// (email, brokerage, charity) lives behind this interface.
type Notifier interface {
	Notify(ctx context.Context, m domain.MissedMilestone) error
}

type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, m domain.MissedMilestone) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "wager triggered",
		"rule_id", m.RuleID,
		"rule_name", m.RuleName,
		"user_id", m.UserID,
		"milestone_id", m.Milestone.ID,
		"milestone_name", m.Milestone.Name,
		"monetary_value", m.Milestone.Value.String(),
		"deadline", m.Milestone.Deadline,
	)
	return nil
}

const defaultWebhookTimeout = 5 * time.Second

// WebhookNotifier posts the missed milestone as JSON to URL.
type WebhookNotifier struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Client  *http.Client
}

type webhookBody struct {
	Type      string           `json:"type"`
	RuleID    string           `json:"ruleId"`
	RuleName  string           `json:"ruleName"`
	UserID    string           `json:"userId"`
	Milestone domain.Milestone `json:"milestone"`
	FiredAt   time.Time        `json:"firedAt"`
}

func (n WebhookNotifier) client() *http.Client {
	if n.Client != nil {
		return n.Client
	}
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &http.Client{Timeout: timeout}
}

func (n WebhookNotifier) Notify(ctx context.Context, m domain.MissedMilestone) error {
	data, err := json.Marshal(webhookBody{
		Type:      "milestone.missed",
		RuleID:    m.RuleID,
		RuleName:  m.RuleName,
		UserID:    m.UserID,
		Milestone: m.Milestone,
		FiredAt:   m.FiredAt,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Wagerline-Event", "milestone.missed")
	req.Header.Set("X-Wagerline-Delivery", m.Milestone.ID)
	if strings.TrimSpace(n.Secret) != "" {
		req.Header.Set("X-Wagerline-Secret", n.Secret)
	}
	res, err := n.client().Do(req)
	if err != nil {
		return domain.Dependency(err, "post webhook")
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return errors.Mark(errors.Newf("webhook status %d: %s", res.StatusCode, strings.TrimSpace(string(body))), domain.ErrDependency)
	}
	return nil
}

// Multi notifies every notifier in order and stops at the first error.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, missed domain.MissedMilestone) error {
	for _, n := range m {
		if err := n.Notify(ctx, missed); err != nil {
			return err
		}
	}
	return nil
}
