package scheduler

import (
	"context"
	"time"

	"wagerline/internal/domain"
)

// TriggerScheduler is the durable one-shot trigger backend.
type TriggerScheduler interface {
	CreateOrReplace(ctx context.Context, id string, firesAt time.Time, payload domain.TriggerPayload) error
	Cancel(ctx context.Context, id string) error
}

// TriggerID derives the trigger name for a milestone of a rule. The same
// milestone always maps to the same trigger, so repeated scheduling is
// idempotent. Milestone ids are only unique within their rule, so the rule id
// is part of the name.
func TriggerID(ruleID, milestoneID string) string {
	return "milestone-" + ruleID + "-" + milestoneID
}

type Op string

const (
	OpCreateRule        Op = "create_rule"
	OpAddMilestone      Op = "add_milestone"
	OpUpdateMilestone   Op = "update_milestone"
	OpUpdateRule        Op = "update_rule"
	OpCompleteMilestone Op = "complete_milestone"
	OpDeleteRule        Op = "delete_rule"
)

type Entry struct {
	TriggerID string
	FiresAt   time.Time
	Payload   domain.TriggerPayload
}

// Plan lists the trigger calls one mutation needs. Cancels run before
// schedules because a rescheduled milestone keeps its trigger id.
type Plan struct {
	Op       Op
	RuleID   string
	Cancel   []string
	Schedule []Entry
	// CancelBestEffort turns cancel failures into log lines instead of errors.
	CancelBestEffort bool
}

func (p Plan) Empty() bool {
	return len(p.Cancel) == 0 && len(p.Schedule) == 0
}

func entry(r domain.Rule, m domain.Milestone) Entry {
	return Entry{
		TriggerID: TriggerID(r.ID, m.ID),
		FiresAt:   m.Deadline,
		Payload:   domain.TriggerPayload{UserID: r.UserID, RuleID: r.ID, Milestone: m},
	}
}

func scheduleIncomplete(r domain.Rule) []Entry {
	var out []Entry
	for _, m := range r.Milestones {
		if !m.Completed {
			out = append(out, entry(r, m))
		}
	}
	return out
}

func PlanCreateRule(r domain.Rule) Plan {
	return Plan{Op: OpCreateRule, RuleID: r.ID, Schedule: scheduleIncomplete(r)}
}

// PlanAddMilestone schedules only the new milestone; existing triggers are
// left alone.
func PlanAddMilestone(r domain.Rule, added domain.Milestone) Plan {
	return Plan{Op: OpAddMilestone, RuleID: r.ID, Schedule: []Entry{entry(r, added)}}
}

// PlanUpdateMilestone reschedules on a deadline change and otherwise refreshes
// the payload in place. Completed milestones never get a trigger back.
func PlanUpdateMilestone(r domain.Rule, change domain.MilestoneChange) Plan {
	p := Plan{Op: OpUpdateMilestone, RuleID: r.ID}
	if change.DeadlineChanged {
		p.Cancel = []string{TriggerID(r.ID, change.Before.ID)}
	}
	if !change.After.Completed {
		p.Schedule = []Entry{entry(r, change.After)}
	}
	return p
}

// PlanUpdateRule cancels triggers of milestones that were dropped and
// recreates the rest.
func PlanUpdateRule(before, after domain.Rule) Plan {
	p := Plan{Op: OpUpdateRule, RuleID: after.ID, Schedule: scheduleIncomplete(after)}
	for _, m := range before.Milestones {
		if after.MilestoneIndex(m.ID) < 0 {
			p.Cancel = append(p.Cancel, TriggerID(before.ID, m.ID))
		}
	}
	return p
}

func PlanCompleteMilestone(r domain.Rule, milestoneID string) Plan {
	return Plan{
		Op:               OpCompleteMilestone,
		RuleID:           r.ID,
		Cancel:           []string{TriggerID(r.ID, milestoneID)},
		CancelBestEffort: true,
	}
}

func PlanDeleteRule(r domain.Rule) Plan {
	p := Plan{Op: OpDeleteRule, RuleID: r.ID}
	for _, m := range r.Milestones {
		p.Cancel = append(p.Cancel, TriggerID(r.ID, m.ID))
	}
	return p
}
