package server

import (
	"encoding/json"
	"time"

	"wagerline/internal/domain"
	"wagerline/internal/engine"
	"wagerline/internal/scheduler"
)

// Request payloads. Fields are optional at the schema level so the rule
// engine reports every missing field at once. Unknown fields are accepted so
// a fetched rule can be sent back as an update.

type MilestoneRequest struct {
	_        struct{}      `additionalProperties:"true"`
	ID       string        `json:"milestoneId,omitempty"`
	Name     string        `json:"milestoneName,omitempty"`
	Type     string        `json:"type,omitempty"`
	Deadline time.Time     `json:"milestoneDeadline,omitempty"`
	Value    domain.Amount `json:"monetaryValue,omitempty"`
}

type RuleRequest struct {
	_           struct{}           `additionalProperties:"true"`
	UserID      string             `json:"userId,omitempty"`
	Type        string             `json:"ruleType,omitempty"`
	Name        string             `json:"ruleName,omitempty"`
	Objective   string             `json:"generalObjective,omitempty"`
	TotalAmount domain.Amount      `json:"totalAmount,omitempty"`
	Deadline    time.Time          `json:"deadline,omitempty"`
	Status      string             `json:"status,omitempty" enum:"created,in_progress,completed"`
	Milestones  []MilestoneRequest `json:"milestones,omitempty"`
}

type MilestonePatchRequest struct {
	Name     *string        `json:"milestoneName,omitempty"`
	Type     *string        `json:"type,omitempty"`
	Deadline *time.Time     `json:"milestoneDeadline,omitempty"`
	Value    *domain.Amount `json:"monetaryValue,omitempty"`
}

type DevLoginRequest struct {
	UserID string `json:"userId"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type RuleMutationResponse struct {
	Rule           domain.Rule         `json:"rule"`
	Changed        bool                `json:"changed"`
	SchedulingGaps []scheduler.Failure `json:"scheduling_gaps,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	RuleID     string         `json:"rule_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedRules struct {
	Items []domain.Rule `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type triggerList struct {
	Items []domain.Trigger `json:"items"`
}

func (m MilestoneRequest) spec() engine.MilestoneSpec {
	return engine.MilestoneSpec{
		ID:       m.ID,
		Name:     m.Name,
		Type:     m.Type,
		Deadline: m.Deadline,
		Value:    m.Value,
	}
}

func (r RuleRequest) spec() engine.RuleSpec {
	out := engine.RuleSpec{
		UserID:      r.UserID,
		Type:        r.Type,
		Name:        r.Name,
		Objective:   r.Objective,
		TotalAmount: r.TotalAmount,
		Deadline:    r.Deadline,
		Status:      domain.Status(r.Status),
	}
	for _, m := range r.Milestones {
		out.Milestones = append(out.Milestones, m.spec())
	}
	return out
}

func (p MilestonePatchRequest) patch() engine.MilestonePatch {
	return engine.MilestonePatch{
		Name:     p.Name,
		Type:     p.Type,
		Deadline: p.Deadline,
		Value:    p.Value,
	}
}

func mutationResponse(res engine.Result) RuleMutationResponse {
	return RuleMutationResponse{
		Rule:           res.Rule,
		Changed:        res.Changed,
		SchedulingGaps: res.SchedulingGaps,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		RuleID:     e.RuleID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}
