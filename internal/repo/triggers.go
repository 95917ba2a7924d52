package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"wagerline/internal/domain"
)

var ErrTriggerNotFound = errors.Mark(errors.New("trigger not found"), domain.ErrNotFound)

// Triggers is the durable one-shot trigger table polled by the dispatcher.
type Triggers struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s Triggers) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// CreateOrReplace schedules trigger id at firesAt. An existing trigger with
// the same id is rearmed with the new time and payload.
func (s Triggers) CreateOrReplace(ctx context.Context, id string, firesAt time.Time, payload domain.TriggerPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal trigger payload")
	}
	now := formatTime(s.now())
	_, err = s.DB.ExecContext(ctx, `INSERT INTO triggers(trigger_id,rule_id,fires_at,payload_json,status,attempts,last_error,created_at,updated_at)
VALUES (?,?,?,?,'pending',0,NULL,?,?)
ON CONFLICT(trigger_id) DO UPDATE SET rule_id=excluded.rule_id, fires_at=excluded.fires_at, payload_json=excluded.payload_json,
  status='pending', attempts=0, last_error=NULL, updated_at=excluded.updated_at`,
		id, payload.RuleID, formatTime(firesAt), string(data), now, now)
	if err != nil {
		return domain.Dependency(err, fmt.Sprintf("schedule trigger %s", id))
	}
	return nil
}

// Cancel removes trigger id. Canceling an unknown trigger succeeds.
func (s Triggers) Cancel(ctx context.Context, id string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM triggers WHERE trigger_id=?`, id); err != nil {
		return domain.Dependency(err, fmt.Sprintf("cancel trigger %s", id))
	}
	return nil
}

const triggerColumns = `trigger_id,rule_id,fires_at,payload_json,status,attempts,COALESCE(last_error,''),created_at,updated_at`

func scanTrigger(row scanner) (domain.Trigger, error) {
	var (
		t                    domain.Trigger
		firesAt, payload     string
		createdAt, updatedAt string
	)
	err := row.Scan(&t.ID, &t.RuleID, &firesAt, &payload, &t.Status, &t.Attempts, &t.LastError, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrTriggerNotFound
	}
	if err != nil {
		return t, domain.Dependency(err, "scan trigger")
	}
	if t.FiresAt, err = parseTime(firesAt); err != nil {
		return t, errors.Wrapf(err, "trigger %s fires_at", t.ID)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return t, errors.Wrapf(err, "trigger %s created_at", t.ID)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return t, errors.Wrapf(err, "trigger %s updated_at", t.ID)
	}
	if err := json.Unmarshal([]byte(payload), &t.Payload); err != nil {
		return t, errors.Wrapf(err, "trigger %s payload", t.ID)
	}
	return t, nil
}

func (s Triggers) Get(ctx context.Context, id string) (domain.Trigger, error) {
	return scanTrigger(s.DB.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE trigger_id=?`, id))
}

type TriggerFilter struct {
	RuleID string
	Status string
	Limit  int
}

func (s Triggers) List(ctx context.Context, f TriggerFilter) ([]domain.Trigger, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.RuleID != "" {
		clauses = append(clauses, "rule_id=?")
		args = append(args, f.RuleID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := fmt.Sprintf(`SELECT %s FROM triggers WHERE %s ORDER BY fires_at, trigger_id`, triggerColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.query(ctx, query, args...)
}

// Due returns pending triggers whose time has come, earliest first.
func (s Triggers) Due(ctx context.Context, now time.Time, limit int) ([]domain.Trigger, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE status='pending' AND fires_at<=? ORDER BY fires_at, trigger_id LIMIT ?`,
		formatTime(now), limit)
}

func (s Triggers) query(ctx context.Context, query string, args ...any) ([]domain.Trigger, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.Dependency(err, "list triggers")
	}
	defer rows.Close()
	res := []domain.Trigger{}
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Dependency(err, "list triggers")
	}
	return res, nil
}

// MarkFired records a successful firing. firesAt guards against marking a
// trigger that was rearmed while its previous firing was being handled.
func (s Triggers) MarkFired(ctx context.Context, id string, firesAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE triggers SET status='fired', attempts=attempts+1, last_error=NULL, updated_at=? WHERE trigger_id=? AND fires_at=?`,
		formatTime(s.now()), id, formatTime(firesAt))
	if err != nil {
		return domain.Dependency(err, fmt.Sprintf("mark trigger %s fired", id))
	}
	return nil
}

// MarkFailed records a failed attempt. The trigger stays pending until it has
// failed maxAttempts times.
func (s Triggers) MarkFailed(ctx context.Context, id string, firesAt time.Time, cause string, maxAttempts int) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE triggers SET attempts=attempts+1, last_error=?,
  status=CASE WHEN attempts+1>=? THEN 'failed' ELSE 'pending' END, updated_at=?
WHERE trigger_id=? AND fires_at=?`,
		cause, maxAttempts, formatTime(s.now()), id, formatTime(firesAt))
	if err != nil {
		return domain.Dependency(err, fmt.Sprintf("mark trigger %s failed", id))
	}
	return nil
}
