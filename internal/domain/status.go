package domain

// Status is the lifecycle state of a Rule.
type Status string

const (
	StatusCreated    Status = "created"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted
}

// CanTransition reports whether s may move to next. Staying put is always
// allowed; nothing leaves completed.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusCreated:
		return next == StatusInProgress || next == StatusCompleted
	case StatusInProgress:
		return next == StatusCompleted
	}
	return false
}

// Advance derives the status a rule must hold given its milestones: completed
// once every milestone is done, in_progress once any is.
func Advance(current Status, milestones []Milestone) (Status, error) {
	next := current
	done := 0
	for _, m := range milestones {
		if m.Completed {
			done++
		}
	}
	switch {
	case len(milestones) > 0 && done == len(milestones):
		next = StatusCompleted
	case done > 0 && current == StatusCreated:
		next = StatusInProgress
	}
	if !current.CanTransition(next) {
		return current, Conflictf("invalid status transition %s -> %s", current, next)
	}
	return next, nil
}

func (s Status) String() string {
	return string(s)
}

func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", Validationf("unknown status %s", v)
	}
	return s, nil
}
