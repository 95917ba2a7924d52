package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"wagerline/internal/domain"
	"wagerline/internal/events"
	"wagerline/internal/repo"
	"wagerline/internal/scheduler"
)

// Reconciler applies trigger plans after a mutation is persisted.
type Reconciler interface {
	Apply(ctx context.Context, p scheduler.Plan) error
}

// Engine runs every rule operation end to end: load, validate and compute
// with RuleEngine, persist with its audit event in one transaction, then
// reconcile triggers.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Rules     RuleEngine
	Scheduler Reconciler
	Logger    *slog.Logger
}

func New(db *sql.DB, rec Reconciler, logger *slog.Logger) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{},
		Rules:     NewRuleEngine(),
		Scheduler: rec,
		Logger:    logger,
	}
}

// WithClock returns a copy of e whose rule engine and event writer use now.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Rules.Now = now
	e.Events.Now = now
	return e
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Caller identifies who asks for an operation. An empty UserID is a trusted
// local caller (CLI) that may act on any rule.
type Caller struct {
	UserID string
	// IfVersion, when set, must equal the stored rule version.
	IfVersion int64
}

func (c Caller) actor() string {
	if c.UserID == "" {
		return "local"
	}
	return c.UserID
}

func (c Caller) owns(r domain.Rule) bool {
	return c.UserID == "" || c.UserID == r.UserID
}

// Result is a persisted rule plus the trigger calls that could not be applied
// after it was stored. Gaps never roll the mutation back.
type Result struct {
	Rule           domain.Rule         `json:"rule"`
	Changed        bool                `json:"changed"`
	SchedulingGaps []scheduler.Failure `json:"scheduling_gaps,omitempty"`
}

type event struct {
	typ        string
	entityKind string
	entityID   string
	payload    events.Payload
}

func (e Engine) load(ctx context.Context, c Caller, ruleID string) (domain.Rule, error) {
	r, err := e.Repo.GetRule(ctx, ruleID)
	if err != nil {
		return domain.Rule{}, err
	}
	if !c.owns(r) {
		return domain.Rule{}, domain.ErrRuleNotFound
	}
	if c.IfVersion != 0 && c.IfVersion != r.Version {
		return domain.Rule{}, domain.ErrVersionMismatch
	}
	return r, nil
}

func (e Engine) write(ctx context.Context, c Caller, ruleID string, store func(*sql.Tx) error, evts []event) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dependency(err, "begin transaction")
	}
	defer tx.Rollback()
	if err := store(tx); err != nil {
		return err
	}
	for _, ev := range evts {
		if err := e.Events.Append(ctx, tx, ev.typ, ruleID, ev.entityKind, ev.entityID, c.actor(), ev.payload); err != nil {
			return domain.Dependency(err, "append event")
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Dependency(err, "commit")
	}
	return nil
}

// reconcile applies p and converts failures into scheduling gaps. The rule is
// already durable at this point, so nothing is returned as an error.
func (e Engine) reconcile(ctx context.Context, p scheduler.Plan) []scheduler.Failure {
	if e.Scheduler == nil || p.Empty() {
		return nil
	}
	err := e.Scheduler.Apply(ctx, p)
	if err == nil {
		return nil
	}
	gaps := scheduler.Gaps(err)
	if gaps == nil {
		gaps = []scheduler.Failure{{Op: string(p.Op), Error: err.Error()}}
	}
	ids := make([]string, 0, len(gaps))
	for _, g := range gaps {
		ids = append(ids, g.TriggerID)
	}
	e.logger().ErrorContext(ctx, "scheduling gap: rule persisted but triggers out of sync",
		"rule_id", p.RuleID, "op", string(p.Op), "trigger_ids", ids, "error", err.Error())
	return gaps
}

func (e Engine) CreateRule(ctx context.Context, c Caller, spec RuleSpec) (Result, error) {
	if c.UserID != "" {
		if spec.UserID == "" {
			spec.UserID = c.UserID
		} else if spec.UserID != c.UserID {
			return Result{}, domain.Validationf("userId must match the authenticated user")
		}
	}
	r, err := e.Rules.CreateRule(spec)
	if err != nil {
		return Result{}, err
	}
	err = e.write(ctx, c, r.ID, func(tx *sql.Tx) error {
		r, err = e.Repo.InsertRule(ctx, tx, r)
		return err
	}, []event{{
		typ:        events.RuleCreated,
		entityKind: "rule",
		entityID:   r.ID,
		payload: events.Payload{
			"ruleName":    r.Name,
			"userId":      r.UserID,
			"totalAmount": r.TotalAmount,
			"deadline":    r.Deadline,
			"milestones":  len(r.Milestones),
		},
	}})
	if err != nil {
		return Result{}, err
	}
	e.logger().InfoContext(ctx, "rule created", "rule_id", r.ID, "user_id", r.UserID, "milestones", len(r.Milestones))
	return Result{Rule: r, Changed: true, SchedulingGaps: e.reconcile(ctx, scheduler.PlanCreateRule(r))}, nil
}

func (e Engine) GetRule(ctx context.Context, c Caller, ruleID string) (domain.Rule, error) {
	return e.load(ctx, Caller{UserID: c.UserID}, ruleID)
}

// ListRules returns rules newest first. A caller with a user id only sees its
// own rules.
func (e Engine) ListRules(ctx context.Context, c Caller, f repo.RuleFilter) ([]domain.Rule, error) {
	if c.UserID != "" {
		f.UserID = c.UserID
	}
	return e.Repo.ListRules(ctx, f)
}

func (e Engine) GetRuleByName(ctx context.Context, c Caller, name string) (domain.Rule, error) {
	if name == "" {
		return domain.Rule{}, domain.Validationf("ruleName is required")
	}
	return e.Repo.GetRuleByName(ctx, name, c.UserID)
}

func (e Engine) UpdateRule(ctx context.Context, c Caller, ruleID string, spec RuleSpec) (Result, error) {
	before, err := e.load(ctx, c, ruleID)
	if err != nil {
		return Result{}, err
	}
	after, err := e.Rules.UpdateRule(before, spec)
	if err != nil {
		return Result{}, err
	}
	evts := []event{{
		typ:        events.RuleUpdated,
		entityKind: "rule",
		entityID:   ruleID,
		payload: events.Payload{
			"ruleName":    after.Name,
			"totalAmount": after.TotalAmount,
			"deadline":    after.Deadline,
			"milestones":  after.MilestoneIDs(),
			"status":      after.Status,
		},
	}}
	if after.Status != before.Status && after.Status == domain.StatusCompleted {
		evts = append(evts, event{typ: events.RuleCompleted, entityKind: "rule", entityID: ruleID})
	}
	if err := e.write(ctx, c, ruleID, func(tx *sql.Tx) error {
		after, err = e.Repo.PutRule(ctx, tx, after)
		return err
	}, evts); err != nil {
		return Result{}, err
	}
	return Result{Rule: after, Changed: true, SchedulingGaps: e.reconcile(ctx, scheduler.PlanUpdateRule(before, after))}, nil
}

func (e Engine) AddMilestone(ctx context.Context, c Caller, ruleID string, spec MilestoneSpec) (Result, error) {
	before, err := e.load(ctx, c, ruleID)
	if err != nil {
		return Result{}, err
	}
	after, added, err := e.Rules.AddMilestone(before, spec)
	if err != nil {
		return Result{}, err
	}
	if err := e.write(ctx, c, ruleID, func(tx *sql.Tx) error {
		after, err = e.Repo.PutRule(ctx, tx, after)
		return err
	}, []event{{
		typ:        events.MilestoneAdded,
		entityKind: "milestone",
		entityID:   added.ID,
		payload: events.Payload{
			"milestoneName":     added.Name,
			"milestoneDeadline": added.Deadline,
			"monetaryValue":     added.Value,
			"totalAmount":       after.TotalAmount,
		},
	}}); err != nil {
		return Result{}, err
	}
	return Result{Rule: after, Changed: true, SchedulingGaps: e.reconcile(ctx, scheduler.PlanAddMilestone(after, added))}, nil
}

func (e Engine) UpdateMilestone(ctx context.Context, c Caller, ruleID, milestoneID string, patch MilestonePatch) (Result, error) {
	before, err := e.load(ctx, c, ruleID)
	if err != nil {
		return Result{}, err
	}
	after, change, err := e.Rules.UpdateMilestone(before, milestoneID, patch)
	if err != nil {
		return Result{}, err
	}
	payload := events.Payload{
		"milestoneName":   change.After.Name,
		"monetaryValue":   change.After.Value,
		"deadlineChanged": change.DeadlineChanged,
	}
	if change.DeadlineChanged {
		payload["from"] = change.Before.Deadline
		payload["to"] = change.After.Deadline
	}
	if err := e.write(ctx, c, ruleID, func(tx *sql.Tx) error {
		after, err = e.Repo.PutRule(ctx, tx, after)
		return err
	}, []event{{typ: events.MilestoneUpdated, entityKind: "milestone", entityID: milestoneID, payload: payload}}); err != nil {
		return Result{}, err
	}
	if m, ok := after.Milestone(milestoneID); ok {
		change.After = m
	}
	return Result{Rule: after, Changed: true, SchedulingGaps: e.reconcile(ctx, scheduler.PlanUpdateMilestone(after, change))}, nil
}

// CompleteMilestone marks a milestone done. Completing it again returns the
// stored rule with Changed=false and touches nothing.
func (e Engine) CompleteMilestone(ctx context.Context, c Caller, ruleID, milestoneID string) (Result, error) {
	before, err := e.load(ctx, c, ruleID)
	if err != nil {
		return Result{}, err
	}
	after, changed, err := e.Rules.CompleteMilestone(before, milestoneID)
	if err != nil {
		return Result{}, err
	}
	if !changed {
		return Result{Rule: before}, nil
	}
	evts := []event{{
		typ:        events.MilestoneCompleted,
		entityKind: "milestone",
		entityID:   milestoneID,
		payload:    events.Payload{"status": after.Status},
	}}
	if after.Status == domain.StatusCompleted {
		evts = append(evts, event{typ: events.RuleCompleted, entityKind: "rule", entityID: ruleID})
	}
	if err := e.write(ctx, c, ruleID, func(tx *sql.Tx) error {
		after, err = e.Repo.PutRule(ctx, tx, after)
		return err
	}, evts); err != nil {
		return Result{}, err
	}
	return Result{Rule: after, Changed: true, SchedulingGaps: e.reconcile(ctx, scheduler.PlanCompleteMilestone(after, milestoneID))}, nil
}

// DeleteRule removes the rule and then cancels every milestone trigger.
// Triggers left behind by a failed cancel fire into a no-op.
func (e Engine) DeleteRule(ctx context.Context, c Caller, ruleID string) (Result, error) {
	r, err := e.load(ctx, c, ruleID)
	if err != nil {
		return Result{}, err
	}
	if err := e.Rules.DeleteRule(r); err != nil {
		return Result{}, err
	}
	if err := e.write(ctx, c, ruleID, func(tx *sql.Tx) error {
		return e.Repo.DeleteRule(ctx, tx, ruleID)
	}, []event{{
		typ:        events.RuleDeleted,
		entityKind: "rule",
		entityID:   ruleID,
		payload:    events.Payload{"ruleName": r.Name, "milestones": r.MilestoneIDs()},
	}}); err != nil {
		return Result{}, err
	}
	e.logger().InfoContext(ctx, "rule deleted", "rule_id", ruleID)
	return Result{Rule: r, Changed: true, SchedulingGaps: e.reconcile(ctx, scheduler.PlanDeleteRule(r))}, nil
}

func (e Engine) ListEvents(ctx context.Context, c Caller, f repo.EventFilter) ([]domain.Event, error) {
	if c.UserID != "" {
		if f.RuleID == "" {
			return nil, domain.Validationf("ruleId is required")
		}
		if _, err := e.load(ctx, Caller{UserID: c.UserID}, f.RuleID); err != nil {
			return nil, err
		}
	}
	return e.Repo.LatestEvents(ctx, f)
}
