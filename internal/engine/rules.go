package engine

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"wagerline/internal/domain"
)

const (
	defaultMilestoneName = "Week 1"
	defaultMilestoneType = "default"
)

// RuleEngine applies rule and milestone mutations to in-memory rules. It does
// no I/O; every operation returns the next state of the rule or an error and
// leaves its input untouched.
type RuleEngine struct {
	Now   func() time.Time
	NewID func() string
}

func NewRuleEngine() RuleEngine {
	return RuleEngine{Now: time.Now, NewID: newID}
}

func newID() string {
	return uuid.NewString()
}

func (e RuleEngine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e RuleEngine) id() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return newID()
}

func requireRule(r domain.Rule) error {
	if r.ID == "" {
		return domain.ErrRuleNotFound
	}
	return nil
}

func (e RuleEngine) CreateRule(spec RuleSpec) (domain.Rule, error) {
	if err := spec.check(true); err != nil {
		return domain.Rule{}, err
	}
	now := e.now()
	deadline := spec.Deadline.UTC()
	if !deadline.After(now) {
		return domain.Rule{}, domain.Validationf("deadline must be in the future")
	}
	status := spec.Status
	if status == "" {
		status = domain.StatusCreated
	}
	if status == domain.StatusCompleted {
		return domain.Rule{}, domain.Validationf("a new rule cannot start completed")
	}
	milestones, err := e.buildMilestones(spec, nil)
	if err != nil {
		return domain.Rule{}, err
	}
	r := domain.Rule{
		ID:          e.id(),
		UserID:      spec.UserID,
		Type:        spec.Type,
		Name:        spec.Name,
		Objective:   spec.Objective,
		TotalAmount: spec.TotalAmount,
		Deadline:    deadline,
		Status:      status,
		Milestones:  milestones,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := checkTotal(spec.TotalAmount, milestones); err != nil {
		return domain.Rule{}, err
	}
	normalize(&r)
	if err := CheckInvariants(r); err != nil {
		return domain.Rule{}, err
	}
	return r, nil
}

// buildMilestones turns specs into milestones. Ids found in previous keep
// their completion; unknown or empty ids start incomplete.
func (e RuleEngine) buildMilestones(spec RuleSpec, previous []domain.Milestone) ([]domain.Milestone, error) {
	if len(spec.Milestones) == 0 {
		return []domain.Milestone{{
			ID:       e.id(),
			Name:     defaultMilestoneName,
			Type:     defaultMilestoneType,
			Deadline: spec.Deadline.UTC(),
			Value:    spec.TotalAmount,
		}}, nil
	}
	done := map[string]bool{}
	for _, m := range previous {
		done[m.ID] = m.Completed
	}
	seen := map[string]bool{}
	out := make([]domain.Milestone, 0, len(spec.Milestones))
	for _, ms := range spec.Milestones {
		id := strings.TrimSpace(ms.ID)
		if id == "" {
			id = e.id()
		}
		if seen[id] {
			return nil, domain.Validationf("milestone id %s appears more than once", id)
		}
		seen[id] = true
		out = append(out, domain.Milestone{
			ID:        id,
			Name:      ms.Name,
			Type:      ms.Type,
			Completed: done[id],
			Deadline:  ms.Deadline.UTC(),
			Value:     ms.Value,
		})
	}
	return out, nil
}

func checkTotal(total domain.Amount, ms []domain.Milestone) error {
	if sum := domain.SumValues(ms); !sum.Equal(total) {
		return domain.Validationf("total monetary value of milestones (%s) does not match total amount of the rule (%s)", sum, total)
	}
	return nil
}

func (e RuleEngine) AddMilestone(r domain.Rule, spec MilestoneSpec) (domain.Rule, domain.Milestone, error) {
	if err := requireRule(r); err != nil {
		return domain.Rule{}, domain.Milestone{}, err
	}
	if r.Status.Terminal() {
		return domain.Rule{}, domain.Milestone{}, domain.ErrRuleCompleted
	}
	if err := spec.validate(); err != nil {
		return domain.Rule{}, domain.Milestone{}, err
	}
	m := domain.Milestone{
		ID:       strings.TrimSpace(spec.ID),
		Name:     spec.Name,
		Type:     spec.Type,
		Deadline: spec.Deadline.UTC(),
		Value:    spec.Value,
	}
	if m.ID == "" {
		m.ID = e.id()
	} else if r.MilestoneIndex(m.ID) >= 0 {
		return domain.Rule{}, domain.Milestone{}, domain.Validationf("milestone id %s already exists", m.ID)
	}
	if err := fitsRule(r, m, ""); err != nil {
		return domain.Rule{}, domain.Milestone{}, err
	}
	next := r.Clone()
	next.Milestones = append(next.Milestones, m)
	next.UpdatedAt = e.now()
	normalize(&next)
	if err := CheckInvariants(next); err != nil {
		return domain.Rule{}, domain.Milestone{}, err
	}
	added, _ := next.Milestone(m.ID)
	return next, added, nil
}

// fitsRule checks m against the rule deadline and against every other
// milestone except the one with id skip.
func fitsRule(r domain.Rule, m domain.Milestone, skip string) error {
	if m.Deadline.After(r.Deadline) {
		return domain.Validationf("milestone deadline cannot be past the rule deadline")
	}
	for _, other := range r.Milestones {
		if other.ID == skip {
			continue
		}
		if other.Deadline.Equal(m.Deadline) {
			return domain.Validationf("milestone deadline must be unique")
		}
		if other.Name == m.Name {
			return domain.Validationf("milestone name must be unique")
		}
	}
	return nil
}

func (e RuleEngine) UpdateMilestone(r domain.Rule, milestoneID string, patch MilestonePatch) (domain.Rule, domain.MilestoneChange, error) {
	if err := requireRule(r); err != nil {
		return domain.Rule{}, domain.MilestoneChange{}, err
	}
	before, ok := r.Milestone(milestoneID)
	if !ok {
		return domain.Rule{}, domain.MilestoneChange{}, domain.ErrMilestoneNotFound
	}
	if r.Status.Terminal() {
		return domain.Rule{}, domain.MilestoneChange{}, domain.ErrRuleCompleted
	}
	after, err := patch.apply(before)
	if err != nil {
		return domain.Rule{}, domain.MilestoneChange{}, err
	}
	after.ID = before.ID
	after.Completed = before.Completed
	if err := fitsRule(r, after, before.ID); err != nil {
		return domain.Rule{}, domain.MilestoneChange{}, err
	}
	next := r.Clone()
	next.Milestones[next.MilestoneIndex(before.ID)] = after
	next.UpdatedAt = e.now()
	normalize(&next)
	if err := CheckInvariants(next); err != nil {
		return domain.Rule{}, domain.MilestoneChange{}, err
	}
	after, _ = next.Milestone(before.ID)
	return next, domain.MilestoneChange{
		Before:          before,
		After:           after,
		DeadlineChanged: !before.Deadline.Equal(after.Deadline),
	}, nil
}

// UpdateRule replaces the rule definition wholesale. The owner, id and
// creation time are kept, and so is the completion of any milestone whose id
// is carried over. The deadline must be in the future only when it changes.
func (e RuleEngine) UpdateRule(r domain.Rule, spec RuleSpec) (domain.Rule, error) {
	if err := requireRule(r); err != nil {
		return domain.Rule{}, err
	}
	if r.Status.Terminal() {
		return domain.Rule{}, domain.ErrRuleCompleted
	}
	if err := spec.check(false); err != nil {
		return domain.Rule{}, err
	}
	if spec.UserID != "" && spec.UserID != r.UserID {
		return domain.Rule{}, domain.Validationf("userId cannot be changed")
	}
	now := e.now()
	deadline := spec.Deadline.UTC()
	if !deadline.Equal(r.Deadline) && !deadline.After(now) {
		return domain.Rule{}, domain.Validationf("deadline must be in the future")
	}
	milestones, err := e.buildMilestones(spec, r.Milestones)
	if err != nil {
		return domain.Rule{}, err
	}
	if err := checkTotal(spec.TotalAmount, milestones); err != nil {
		return domain.Rule{}, err
	}
	status := r.Status
	if spec.Status != "" {
		if !r.Status.CanTransition(spec.Status) {
			return domain.Rule{}, domain.Conflictf("invalid status transition %s -> %s", r.Status, spec.Status)
		}
		status = spec.Status
	}
	next := r.Clone()
	next.Type = spec.Type
	next.Name = spec.Name
	next.Objective = spec.Objective
	next.TotalAmount = spec.TotalAmount
	next.Deadline = deadline
	next.Milestones = milestones
	next.Status, err = domain.Advance(status, milestones)
	if err != nil {
		return domain.Rule{}, err
	}
	next.UpdatedAt = now
	normalize(&next)
	if err := CheckInvariants(next); err != nil {
		return domain.Rule{}, err
	}
	return next, nil
}

// CompleteMilestone marks a milestone done. Completing an already completed
// milestone is a no-op and reports changed=false.
func (e RuleEngine) CompleteMilestone(r domain.Rule, milestoneID string) (domain.Rule, bool, error) {
	if err := requireRule(r); err != nil {
		return domain.Rule{}, false, err
	}
	idx := r.MilestoneIndex(milestoneID)
	if idx < 0 {
		return domain.Rule{}, false, domain.ErrMilestoneNotFound
	}
	if r.Milestones[idx].Completed {
		return r, false, nil
	}
	if r.Status.Terminal() {
		return domain.Rule{}, false, domain.ErrRuleCompleted
	}
	next := r.Clone()
	next.Milestones[idx].Completed = true
	status, err := domain.Advance(next.Status, next.Milestones)
	if err != nil {
		return domain.Rule{}, false, err
	}
	next.Status = status
	next.UpdatedAt = e.now()
	if err := CheckInvariants(next); err != nil {
		return domain.Rule{}, false, err
	}
	return next, true, nil
}

// DeleteRule only checks that there is something to delete; removal and
// trigger cleanup belong to the caller.
func (e RuleEngine) DeleteRule(r domain.Rule) error {
	return requireRule(r)
}
