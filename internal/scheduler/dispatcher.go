package scheduler

import (
	"context"
	"log/slog"
	"time"

	"wagerline/internal/domain"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultBatch        = 100
	defaultMaxAttempts  = 5
)

// DueStore is the dispatcher's view of the trigger table.
type DueStore interface {
	Due(ctx context.Context, now time.Time, limit int) ([]domain.Trigger, error)
	MarkFired(ctx context.Context, id string, firesAt time.Time) error
	MarkFailed(ctx context.Context, id string, firesAt time.Time, cause string, maxAttempts int) error
}

// DueHandler is invoked once per due trigger. The returned outcome labels the
// fired counter; handlers must tolerate repeated calls for the same trigger.
type DueHandler interface {
	HandleDue(ctx context.Context, t domain.Trigger) (outcome string, err error)
}

// Dispatcher polls for due triggers and hands them to the handler.
type Dispatcher struct {
	Store       DueStore
	Handler     DueHandler
	Logger      *slog.Logger
	Metrics     *Metrics
	Interval    time.Duration
	Batch       int
	MaxAttempts int
	Now         func() time.Time
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// Run polls until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	d.logger().InfoContext(ctx, "trigger dispatcher started", "interval", interval.String())
	for {
		if _, err := d.Tick(ctx); err != nil {
			d.logger().ErrorContext(ctx, "trigger poll failed", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			d.logger().InfoContext(ctx, "trigger dispatcher stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick handles one batch of due triggers and returns how many were fired.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	batch := d.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	maxAttempts := d.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	due, err := d.Store.Due(ctx, d.now(), batch)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, t := range due {
		if ctx.Err() != nil {
			return fired, ctx.Err()
		}
		logger := d.logger().With("trigger_id", t.ID, "rule_id", t.RuleID)
		outcome, err := d.Handler.HandleDue(ctx, t)
		if err != nil {
			logger.WarnContext(ctx, "trigger handler failed", "attempt", t.Attempts+1, "error", err.Error())
			d.count("error")
			if merr := d.Store.MarkFailed(ctx, t.ID, t.FiresAt, err.Error(), maxAttempts); merr != nil {
				logger.ErrorContext(ctx, "record trigger failure", "error", merr.Error())
			}
			continue
		}
		if err := d.Store.MarkFired(ctx, t.ID, t.FiresAt); err != nil {
			logger.ErrorContext(ctx, "mark trigger fired", "error", err.Error())
			continue
		}
		logger.InfoContext(ctx, "trigger fired", "outcome", outcome)
		d.count(outcome)
		fired++
	}
	return fired, nil
}

func (d *Dispatcher) count(outcome string) {
	if d.Metrics != nil {
		d.Metrics.Fired.WithLabelValues(outcome).Inc()
	}
}
