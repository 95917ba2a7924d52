package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"

	"wagerline/internal/domain"
)

// RecordFiring adds a missed milestone to the wager_firings ledger. It reports
// false when the same milestone deadline of the same rule was already recorded.
func (r Repo) RecordFiring(ctx context.Context, tx *sql.Tx, triggerID string, m domain.MissedMilestone) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO wager_firings(milestone_id,milestone_deadline,rule_id,user_id,trigger_id,fired_at) VALUES (?,?,?,?,?,?)`,
		m.Milestone.ID, formatTime(m.Milestone.Deadline), m.RuleID, m.UserID, triggerID, formatTime(m.FiredAt))
	if err != nil {
		return false, domain.Dependency(err, "record firing")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FiringNotified reports whether the recorded firing for m has been delivered
// to the notifier. An unrecorded firing is not notified.
func (r Repo) FiringNotified(ctx context.Context, m domain.MissedMilestone) (bool, error) {
	var notifiedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT notified_at FROM wager_firings WHERE rule_id=? AND milestone_id=? AND milestone_deadline=?`,
		m.RuleID, m.Milestone.ID, formatTime(m.Milestone.Deadline)).Scan(&notifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, domain.Dependency(err, "read firing")
	}
	return notifiedAt.Valid, nil
}

func (r Repo) MarkFiringNotified(ctx context.Context, m domain.MissedMilestone, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE wager_firings SET notified_at=? WHERE rule_id=? AND milestone_id=? AND milestone_deadline=?`,
		formatTime(at), m.RuleID, m.Milestone.ID, formatTime(m.Milestone.Deadline))
	if err != nil {
		return domain.Dependency(err, "mark firing notified")
	}
	return nil
}

type Firing struct {
	MilestoneID       string `json:"milestoneId"`
	MilestoneDeadline string `json:"milestoneDeadline"`
	RuleID            string `json:"ruleId"`
	UserID            string `json:"userId"`
	TriggerID         string `json:"triggerId"`
	FiredAt           string `json:"firedAt"`
	NotifiedAt        string `json:"notifiedAt,omitempty"`
}

func (r Repo) ListFirings(ctx context.Context, ruleID string) ([]Firing, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT milestone_id,milestone_deadline,rule_id,user_id,trigger_id,fired_at,COALESCE(notified_at,'') FROM wager_firings WHERE rule_id=? ORDER BY fired_at`, ruleID)
	if err != nil {
		return nil, domain.Dependency(err, "list firings")
	}
	defer rows.Close()
	res := []Firing{}
	for rows.Next() {
		var f Firing
		if err := rows.Scan(&f.MilestoneID, &f.MilestoneDeadline, &f.RuleID, &f.UserID, &f.TriggerID, &f.FiredAt, &f.NotifiedAt); err != nil {
			return nil, domain.Dependency(err, "scan firing")
		}
		res = append(res, f)
	}
	return res, rows.Err()
}
