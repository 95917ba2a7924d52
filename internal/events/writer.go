package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	RuleCreated        = "rule.created"
	RuleUpdated        = "rule.updated"
	RuleDeleted        = "rule.deleted"
	RuleCompleted      = "rule.completed"
	MilestoneAdded     = "milestone.added"
	MilestoneUpdated   = "milestone.updated"
	MilestoneCompleted = "milestone.completed"
	MilestoneMissed    = "milestone.missed"
)

// Writer appends audit events inside the caller's transaction so an event
// exists exactly when the change it describes was committed.
type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, ruleID, entityKind, entityID, actorID string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal event payload")
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,rule_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), evtType, nullable(ruleID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return errors.Wrapf(err, "append %s event", evtType)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
