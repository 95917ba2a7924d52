package engine

import (
	"wagerline/internal/domain"
)

// normalize sorts milestones by deadline, renumbers their counters and sets
// the rule total to the sum of milestone values. Every mutation goes through
// it before the result leaves the engine.
func normalize(r *domain.Rule) {
	domain.SortMilestones(r.Milestones)
	r.TotalAmount = domain.SumValues(r.Milestones)
}

// CheckInvariants reports the first structural rule violated by r.
func CheckInvariants(r domain.Rule) error {
	if len(r.Milestones) == 0 {
		return domain.Validationf("rule %s has no milestones", r.ID)
	}
	if !r.Status.Valid() {
		return domain.Validationf("rule %s has unknown status %q", r.ID, r.Status)
	}
	names := make(map[string]bool, len(r.Milestones))
	for i, m := range r.Milestones {
		if m.Counter != i+1 {
			return domain.Validationf("milestone %s has counter %d at position %d", m.ID, m.Counter, i+1)
		}
		if i > 0 && !r.Milestones[i-1].Deadline.Before(m.Deadline) {
			return domain.Validationf("milestone deadline must be unique")
		}
		if m.Deadline.After(r.Deadline) {
			return domain.Validationf("milestone deadline cannot be past the rule deadline")
		}
		if !m.Value.IsPositive() {
			return domain.Validationf("milestone %s must have a positive monetary value", m.ID)
		}
		if names[m.Name] {
			return domain.Validationf("milestone name must be unique")
		}
		names[m.Name] = true
	}
	last := r.Milestones[len(r.Milestones)-1]
	if !last.Deadline.Equal(r.Deadline) {
		return domain.Validationf("the latest milestone deadline must equal the rule deadline")
	}
	if err := checkTotal(r.TotalAmount, r.Milestones); err != nil {
		return err
	}
	if (r.Status == domain.StatusCompleted) != r.AllComplete() {
		return domain.Validationf("rule %s is %s but completion of its milestones says otherwise", r.ID, r.Status)
	}
	return nil
}
