package domain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// Base errors. Every error returned by the engine, the store or the scheduler
// is marked with exactly one of them so callers can classify with errors.Is.
var (
	// ErrValidation is malformed or invariant-violating input. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is an unknown rule or milestone id.
	ErrNotFound = errors.New("not found")

	// ErrConflict is an operation disallowed by the current state. The caller
	// may retry with a fresh read.
	ErrConflict = errors.New("conflict")

	// ErrDependency is an I/O failure in the store or the trigger scheduler.
	ErrDependency = errors.New("dependency failure")
)

var (
	ErrRuleNotFound      = errors.Mark(errors.New("rule not found"), ErrNotFound)
	ErrMilestoneNotFound = errors.Mark(errors.New("milestone not found"), ErrNotFound)
	ErrRuleCompleted     = errors.Mark(errors.New("rule already completed"), ErrConflict)
	ErrVersionMismatch   = errors.Mark(errors.New("rule changed since it was read; reload and retry"), ErrConflict)
)

func Validationf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrValidation)
}

func Conflictf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrConflict)
}

// Dependency marks err as a collaborator failure, keeping its message.
func Dependency(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), ErrDependency)
}

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool   { return errors.Is(err, ErrConflict) }
func IsDependency(err error) bool { return errors.Is(err, ErrDependency) }

// FieldErrors collects per-field validation messages.
type FieldErrors map[string]string

func (e FieldErrors) Error() string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e[k]))
	}
	return "invalid fields: " + strings.Join(parts, "; ")
}

// Err returns nil when no field failed, otherwise e marked as a validation error.
func (e FieldErrors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return errors.Mark(e, ErrValidation)
}
