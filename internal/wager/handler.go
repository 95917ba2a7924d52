package wager

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"wagerline/internal/domain"
	"wagerline/internal/events"
	"wagerline/internal/repo"
)

const (
	OutcomeNotified = "notified"
	OutcomeSkipped  = "skipped"
)

// Handler decides whether a fired milestone trigger is a missed wager and, if
// so, records it once and notifies until the notifier accepts it. Firings for
// deleted rules, unknown or completed milestones, or milestones whose deadline
// has since moved are no-ops.
type Handler struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Notifier Notifier
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewHandler(db *sql.DB, n Notifier, logger *slog.Logger) *Handler {
	return &Handler{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{},
		Notifier: n,
		Logger:   logger,
		Now:      time.Now,
	}
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// HandleDue implements scheduler.DueHandler.
func (h *Handler) HandleDue(ctx context.Context, t domain.Trigger) (string, error) {
	p := t.Payload
	logger := h.logger().With("trigger_id", t.ID, "rule_id", p.RuleID, "milestone_id", p.Milestone.ID)

	rule, err := h.Repo.GetRule(ctx, p.RuleID)
	if domain.IsNotFound(err) {
		logger.InfoContext(ctx, "skip firing: rule no longer exists")
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", err
	}
	m, ok := rule.Milestone(p.Milestone.ID)
	if !ok {
		logger.InfoContext(ctx, "skip firing: milestone no longer exists")
		return OutcomeSkipped, nil
	}
	if m.Completed {
		logger.InfoContext(ctx, "skip firing: milestone already completed")
		return OutcomeSkipped, nil
	}
	now := h.now()
	if m.Deadline.After(now) {
		logger.InfoContext(ctx, "skip firing: milestone deadline moved", "deadline", m.Deadline)
		return OutcomeSkipped, nil
	}

	missed := domain.MissedMilestone{
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		UserID:    rule.UserID,
		Milestone: m,
		FiredAt:   now,
	}
	first, err := h.record(ctx, t.ID, rule, missed)
	if err != nil {
		return "", err
	}
	if !first {
		notified, err := h.Repo.FiringNotified(ctx, missed)
		if err != nil {
			return "", err
		}
		if notified {
			logger.InfoContext(ctx, "skip firing: already handled")
			return OutcomeSkipped, nil
		}
		logger.InfoContext(ctx, "retrying missed milestone notification")
	}
	// notify outside the write transaction; a failure leaves the firing
	// unnotified so the next attempt delivers it
	if h.Notifier != nil {
		if err := h.Notifier.Notify(ctx, missed); err != nil {
			return "", errors.Wrap(err, "notify missed milestone")
		}
	}
	if err := h.Repo.MarkFiringNotified(ctx, missed, h.now()); err != nil {
		return "", err
	}
	logger.WarnContext(ctx, "milestone missed", "user_id", rule.UserID, "value", m.Value.String())
	return OutcomeNotified, nil
}

// record writes the firing and its milestone.missed event in one transaction.
// It reports false when the firing was already recorded.
func (h *Handler) record(ctx context.Context, triggerID string, rule domain.Rule, missed domain.MissedMilestone) (bool, error) {
	tx, err := h.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, domain.Dependency(err, "begin firing")
	}
	defer tx.Rollback()
	first, err := h.Repo.RecordFiring(ctx, tx, triggerID, missed)
	if err != nil || !first {
		return false, err
	}
	m := missed.Milestone
	if err := h.Events.Append(ctx, tx, events.MilestoneMissed, rule.ID, "milestone", m.ID, "scheduler", events.Payload{
		"userId":            rule.UserID,
		"milestoneName":     m.Name,
		"milestoneDeadline": m.Deadline,
		"monetaryValue":     m.Value,
		"triggerId":         triggerID,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, domain.Dependency(err, "commit firing")
	}
	return true, nil
}
