package domain

import (
	"sort"
	"time"
)

type Milestone struct {
	ID        string    `json:"milestoneId"`
	Name      string    `json:"milestoneName"`
	Type      string    `json:"type"`
	Completed bool      `json:"completion"`
	Counter   int       `json:"milestoneCounter"`
	Deadline  time.Time `json:"milestoneDeadline" format:"date-time"`
	Value     Amount    `json:"monetaryValue"`
}

// Rule is the wager aggregate. Milestones are owned by the rule and are
// persisted and mutated together with it.
type Rule struct {
	ID          string      `json:"ruleId"`
	UserID      string      `json:"userId"`
	Type        string      `json:"ruleType"`
	Name        string      `json:"ruleName"`
	Objective   string      `json:"generalObjective"`
	TotalAmount Amount      `json:"totalAmount"`
	Deadline    time.Time   `json:"deadline" format:"date-time"`
	Status      Status      `json:"status" enum:"created,in_progress,completed"`
	Milestones  []Milestone `json:"milestones"`
	Version     int64       `json:"version"`
	CreatedAt   time.Time   `json:"createdAt" format:"date-time"`
	UpdatedAt   time.Time   `json:"updatedAt" format:"date-time"`
}

// Clone returns a copy that shares no milestone storage with r.
func (r Rule) Clone() Rule {
	out := r
	if r.Milestones != nil {
		out.Milestones = make([]Milestone, len(r.Milestones))
		copy(out.Milestones, r.Milestones)
	}
	return out
}

// MilestoneIndex returns the position of the milestone with the given id, or -1.
func (r Rule) MilestoneIndex(id string) int {
	for i, m := range r.Milestones {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (r Rule) Milestone(id string) (Milestone, bool) {
	if i := r.MilestoneIndex(id); i >= 0 {
		return r.Milestones[i], true
	}
	return Milestone{}, false
}

func (r Rule) AllComplete() bool {
	if len(r.Milestones) == 0 {
		return false
	}
	for _, m := range r.Milestones {
		if !m.Completed {
			return false
		}
	}
	return true
}

// MilestoneIDs lists the ids in milestone order.
func (r Rule) MilestoneIDs() []string {
	ids := make([]string, 0, len(r.Milestones))
	for _, m := range r.Milestones {
		ids = append(ids, m.ID)
	}
	return ids
}

// SortMilestones orders milestones by deadline ascending and renumbers counters.
func SortMilestones(ms []Milestone) {
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].Deadline.Before(ms[j].Deadline) })
	for i := range ms {
		ms[i].Counter = i + 1
	}
}

// MilestoneChange describes the effect of a milestone update.
type MilestoneChange struct {
	Before          Milestone
	After           Milestone
	DeadlineChanged bool
}

// TriggerPayload is carried by a scheduled trigger and handed to the
// milestone due handler when it fires.
type TriggerPayload struct {
	UserID    string    `json:"userId"`
	RuleID    string    `json:"ruleId"`
	Milestone Milestone `json:"milestone"`
}

type Trigger struct {
	ID        string         `json:"id"`
	RuleID    string         `json:"ruleId"`
	FiresAt   time.Time      `json:"firesAt" format:"date-time"`
	Payload   TriggerPayload `json:"payload"`
	Status    string         `json:"status" enum:"pending,fired,failed"`
	Attempts  int            `json:"attempts"`
	LastError string         `json:"lastError,omitempty"`
	CreatedAt time.Time      `json:"createdAt" format:"date-time"`
	UpdatedAt time.Time      `json:"updatedAt" format:"date-time"`
}

const (
	TriggerPending = "pending"
	TriggerFired   = "fired"
	TriggerFailed  = "failed"
)

// MissedMilestone describes a wager that became due without the milestone
// being completed.
type MissedMilestone struct {
	RuleID    string    `json:"ruleId"`
	RuleName  string    `json:"ruleName"`
	UserID    string    `json:"userId"`
	Milestone Milestone `json:"milestone"`
	FiredAt   time.Time `json:"firedAt" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RuleID     string `json:"ruleId,omitempty"`
	EntityKind string `json:"entityKind"`
	EntityID   string `json:"entityId,omitempty"`
	ActorID    string `json:"actorId"`
	Payload    string `json:"payload"`
}

// APIKey is a long-lived credential bound to one user. Only the hash of the
// key is stored.
type APIKey struct {
	ID         string `json:"id"`
	UserID     string `json:"userId"`
	Name       string `json:"name,omitempty"`
	KeyHash    string `json:"-"`
	CreatedAt  string `json:"createdAt"`
	LastUsedAt string `json:"lastUsedAt,omitempty"`
}
