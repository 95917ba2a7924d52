package engine

import (
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"

	"wagerline/internal/domain"
)

// RuleSpec is the caller-supplied shape of a rule for create and full update.
type RuleSpec struct {
	UserID      string          `json:"userId"`
	Type        string          `json:"ruleType" validate:"required"`
	Name        string          `json:"ruleName" validate:"required"`
	Objective   string          `json:"generalObjective" validate:"required"`
	TotalAmount domain.Amount   `json:"totalAmount"`
	Deadline    time.Time       `json:"deadline"`
	Status      domain.Status   `json:"status,omitempty"`
	Milestones  []MilestoneSpec `json:"milestones" validate:"dive"`
}

type MilestoneSpec struct {
	ID       string        `json:"milestoneId,omitempty"`
	Name     string        `json:"milestoneName" validate:"required"`
	Type     string        `json:"type" validate:"required"`
	Deadline time.Time     `json:"milestoneDeadline"`
	Value    domain.Amount `json:"monetaryValue"`
}

// MilestonePatch holds the fields to merge onto an existing milestone. Nil
// fields keep their current value; id and completion are never patched.
type MilestonePatch struct {
	Name     *string
	Type     *string
	Deadline *time.Time
	Value    *domain.Amount
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return domain.Validationf("%v", err)
	}
	fields := domain.FieldErrors{}
	for _, fe := range verrs {
		fields[fieldPath(fe.Namespace())] = describeTag(fe.Tag())
	}
	return fields.Err()
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describeTag(tag string) string {
	switch tag {
	case "required":
		return "is required"
	default:
		return "failed " + tag
	}
}

func (s MilestoneSpec) check(fields domain.FieldErrors, prefix string) {
	if s.Deadline.IsZero() {
		fields[prefix+"milestoneDeadline"] = "is required"
	}
	if !s.Value.IsPositive() {
		fields[prefix+"monetaryValue"] = "must be positive"
	}
}

func (s RuleSpec) check(requireUser bool) error {
	if err := validateStruct(s); err != nil {
		return err
	}
	fields := domain.FieldErrors{}
	if requireUser && strings.TrimSpace(s.UserID) == "" {
		fields["userId"] = "is required"
	}
	if !s.TotalAmount.IsPositive() {
		fields["totalAmount"] = "must be positive"
	}
	if s.Deadline.IsZero() {
		fields["deadline"] = "is required"
	}
	if s.Status != "" && !s.Status.Valid() {
		fields["status"] = "must be one of created, in_progress, completed"
	}
	for i, m := range s.Milestones {
		m.check(fields, "milestones["+strconv.Itoa(i)+"].")
	}
	return fields.Err()
}

func (s MilestoneSpec) validate() error {
	if err := validateStruct(s); err != nil {
		return err
	}
	fields := domain.FieldErrors{}
	s.check(fields, "")
	return fields.Err()
}

func (p MilestonePatch) apply(m domain.Milestone) (domain.Milestone, error) {
	fields := domain.FieldErrors{}
	if p.Name != nil {
		if strings.TrimSpace(*p.Name) == "" {
			fields["milestoneName"] = "is required"
		}
		m.Name = *p.Name
	}
	if p.Type != nil {
		if strings.TrimSpace(*p.Type) == "" {
			fields["type"] = "is required"
		}
		m.Type = *p.Type
	}
	if p.Deadline != nil {
		if p.Deadline.IsZero() {
			fields["milestoneDeadline"] = "is required"
		}
		m.Deadline = p.Deadline.UTC()
	}
	if p.Value != nil {
		if !p.Value.IsPositive() {
			fields["monetaryValue"] = "must be positive"
		}
		m.Value = *p.Value
	}
	return m, fields.Err()
}
