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

// Repo is the SQLite RuleStore. Reads go straight to the pool; writes take
// the caller's transaction so the audit event commits with the change.
type Repo struct {
	DB *sql.DB
}

// tsLayout is fixed width so stored timestamps sort as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

type scanner interface {
	Scan(dest ...any) error
}

const ruleColumns = `rule_id,user_id,rule_type,rule_name,general_objective,total_amount,deadline,status,milestones_json,version,created_at,updated_at`

func scanRule(row scanner) (domain.Rule, error) {
	var (
		r                           domain.Rule
		total, deadline, milestones string
		status                      string
		createdAt, updatedAt        string
	)
	err := row.Scan(&r.ID, &r.UserID, &r.Type, &r.Name, &r.Objective, &total, &deadline, &status, &milestones, &r.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, domain.ErrRuleNotFound
	}
	if err != nil {
		return r, domain.Dependency(err, "scan rule")
	}
	if r.TotalAmount, err = domain.NewAmount(total); err != nil {
		return r, errors.Wrapf(err, "rule %s total_amount", r.ID)
	}
	if r.Deadline, err = parseTime(deadline); err != nil {
		return r, errors.Wrapf(err, "rule %s deadline", r.ID)
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return r, errors.Wrapf(err, "rule %s created_at", r.ID)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return r, errors.Wrapf(err, "rule %s updated_at", r.ID)
	}
	r.Status = domain.Status(status)
	if err := json.Unmarshal([]byte(milestones), &r.Milestones); err != nil {
		return r, errors.Wrapf(err, "rule %s milestones", r.ID)
	}
	return r, nil
}

func (r Repo) GetRule(ctx context.Context, id string) (domain.Rule, error) {
	return scanRule(r.DB.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE rule_id=?`, id))
}

// InsertRule stores a new rule at version 1.
func (r Repo) InsertRule(ctx context.Context, tx *sql.Tx, rule domain.Rule) (domain.Rule, error) {
	ms, err := json.Marshal(rule.Milestones)
	if err != nil {
		return rule, errors.Wrap(err, "marshal milestones")
	}
	rule.Version = 1
	_, err = tx.ExecContext(ctx, `INSERT INTO rules(`+ruleColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		rule.ID, rule.UserID, rule.Type, rule.Name, rule.Objective, rule.TotalAmount.String(), formatTime(rule.Deadline),
		string(rule.Status), string(ms), rule.Version, formatTime(rule.CreatedAt), formatTime(rule.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return rule, domain.Conflictf("rule %s already exists", rule.ID)
		}
		return rule, domain.Dependency(err, "insert rule")
	}
	return rule, nil
}

// PutRule overwrites the stored rule only if it is still at rule.Version and
// returns the rule with its new version. A newer stored version yields
// domain.ErrVersionMismatch.
func (r Repo) PutRule(ctx context.Context, tx *sql.Tx, rule domain.Rule) (domain.Rule, error) {
	ms, err := json.Marshal(rule.Milestones)
	if err != nil {
		return rule, errors.Wrap(err, "marshal milestones")
	}
	res, err := tx.ExecContext(ctx, `UPDATE rules SET rule_type=?,rule_name=?,general_objective=?,total_amount=?,deadline=?,status=?,milestones_json=?,updated_at=?,version=version+1
WHERE rule_id=? AND version=?`,
		rule.Type, rule.Name, rule.Objective, rule.TotalAmount.String(), formatTime(rule.Deadline), string(rule.Status), string(ms),
		formatTime(rule.UpdatedAt), rule.ID, rule.Version)
	if err != nil {
		return rule, domain.Dependency(err, "update rule")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var current int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM rules WHERE rule_id=?`, rule.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return rule, domain.ErrRuleNotFound
		}
		if err != nil {
			return rule, domain.Dependency(err, "read rule version")
		}
		return rule, errors.WithDetailf(domain.ErrVersionMismatch, "read version %d, stored version %d", rule.Version, current)
	}
	rule.Version++
	return rule, nil
}

func (r Repo) DeleteRule(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE rule_id=?`, id)
	if err != nil {
		return domain.Dependency(err, "delete rule")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrRuleNotFound
	}
	return nil
}

type RuleFilter struct {
	UserID string
	Status domain.Status
	Limit  int
}

// ListRules returns rules newest first. An empty result is not an error.
func (r Repo) ListRules(ctx context.Context, f RuleFilter) ([]domain.Rule, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	query := fmt.Sprintf(`SELECT %s FROM rules WHERE %s ORDER BY created_at DESC, rule_id`, ruleColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.Dependency(err, "list rules")
	}
	defer rows.Close()
	res := []domain.Rule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Dependency(err, "list rules")
	}
	return res, nil
}

func (r Repo) ListRulesByUser(ctx context.Context, userID string) ([]domain.Rule, error) {
	return r.ListRules(ctx, RuleFilter{UserID: userID})
}

// GetRuleByName returns the most recently created rule with the given name,
// limited to one owner when userID is set.
func (r Repo) GetRuleByName(ctx context.Context, name, userID string) (domain.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE rule_name=?`
	args := []any{name}
	if userID != "" {
		query += ` AND user_id=?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC LIMIT 1`
	return scanRule(r.DB.QueryRowContext(ctx, query, args...))
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY must be unique")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
