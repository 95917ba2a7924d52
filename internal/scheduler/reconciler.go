package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"wagerline/internal/domain"
)

const (
	defaultAttempts    = 3
	defaultRetryDelay  = 50 * time.Millisecond
	defaultConcurrency = 8
)

// Failure is one trigger call that still failed after its retries.
type Failure struct {
	TriggerID string `json:"triggerId"`
	Op        string `json:"op"`
	Error     string `json:"error"`
}

// ReconcileError reports trigger calls that could not be applied after the
// rule was already persisted.
type ReconcileError struct {
	Op       Op
	RuleID   string
	Failures []Failure
}

func (e *ReconcileError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s %s: %s", f.Op, f.TriggerID, f.Error))
	}
	return fmt.Sprintf("reconcile %s for rule %s: %s", e.Op, e.RuleID, strings.Join(parts, "; "))
}

// Gaps extracts the failed trigger calls from err, if it came from Apply.
func Gaps(err error) []Failure {
	var rerr *ReconcileError
	if errors.As(err, &rerr) {
		return rerr.Failures
	}
	return nil
}

// Reconciler applies plans against a TriggerScheduler. Calls within a phase
// run concurrently; every call is retried before it counts as failed.
type Reconciler struct {
	Triggers    TriggerScheduler
	Logger      *slog.Logger
	Metrics     *Metrics
	Attempts    uint
	Delay       time.Duration
	Concurrency int
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Apply runs the cancels of p, then its schedules. It returns a
// *ReconcileError marked as a dependency failure when any call failed, except
// for cancels of a best-effort plan, which are only logged.
func (r *Reconciler) Apply(ctx context.Context, p Plan) error {
	if p.Empty() {
		return nil
	}
	logger := r.logger().With("op", string(p.Op), "rule_id", p.RuleID)
	var (
		mu       sync.Mutex
		failures []Failure
	)
	record := func(f Failure) {
		mu.Lock()
		failures = append(failures, f)
		mu.Unlock()
	}

	r.phase(ctx, p.Cancel, func(ctx context.Context, id string) {
		err := r.retry(ctx, func() error { return r.Triggers.Cancel(ctx, id) })
		if err == nil {
			r.count(func(m *Metrics) { m.Canceled.Inc() })
			return
		}
		r.count(func(m *Metrics) { m.Failures.WithLabelValues("cancel").Inc() })
		if p.CancelBestEffort {
			logger.WarnContext(ctx, "trigger cancel failed; a stray firing will be ignored", "trigger_id", id, "error", err.Error())
			return
		}
		record(Failure{TriggerID: id, Op: "cancel", Error: err.Error()})
	})

	entries := make(map[string]Entry, len(p.Schedule))
	ids := make([]string, 0, len(p.Schedule))
	for _, e := range p.Schedule {
		entries[e.TriggerID] = e
		ids = append(ids, e.TriggerID)
	}
	r.phase(ctx, ids, func(ctx context.Context, id string) {
		e := entries[id]
		err := r.retry(ctx, func() error { return r.Triggers.CreateOrReplace(ctx, e.TriggerID, e.FiresAt, e.Payload) })
		if err == nil {
			r.count(func(m *Metrics) { m.Scheduled.Inc() })
			return
		}
		r.count(func(m *Metrics) { m.Failures.WithLabelValues("schedule").Inc() })
		record(Failure{TriggerID: id, Op: "schedule", Error: err.Error()})
	})

	if len(failures) == 0 {
		return nil
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].TriggerID < failures[j].TriggerID })
	return errors.Mark(&ReconcileError{Op: p.Op, RuleID: p.RuleID, Failures: failures}, domain.ErrDependency)
}

// phase runs fn for every id with bounded concurrency and waits for all of
// them. fn reports its own failures, so the group never cancels early.
func (r *Reconciler) phase(ctx context.Context, ids []string, fn func(context.Context, string)) {
	if len(ids) == 0 {
		return
	}
	limit := r.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for _, id := range ids {
		g.Go(func() error {
			fn(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Reconciler) retry(ctx context.Context, call func() error) error {
	attempts := r.Attempts
	if attempts == 0 {
		attempts = defaultAttempts
	}
	delay := r.Delay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	return retry.Do(
		call,
		retry.Attempts(attempts),
		retry.LastErrorOnly(true),
		retry.Delay(delay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool { return !domain.IsValidation(err) }),
	)
}

func (r *Reconciler) count(fn func(*Metrics)) {
	if r.Metrics != nil {
		fn(r.Metrics)
	}
}
