package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wagerline/internal/domain"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testEngine() RuleEngine {
	n := 0
	return RuleEngine{
		Now: func() time.Time { return testNow },
		NewID: func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		},
	}
}

func day(n int) time.Time {
	return testNow.AddDate(0, 0, n)
}

func ms(name string, deadline time.Time, value int64) MilestoneSpec {
	return MilestoneSpec{Name: name, Type: "weekly", Deadline: deadline, Value: domain.AmountFromInt(value)}
}

func ruleSpec(total int64, deadline time.Time, milestones ...MilestoneSpec) RuleSpec {
	return RuleSpec{
		UserID:      "user-1",
		Type:        "fitness",
		Name:        "run",
		Objective:   "run a marathon",
		TotalAmount: domain.AmountFromInt(total),
		Deadline:    deadline,
		Milestones:  milestones,
	}
}

func twoMilestoneRule(t *testing.T, e RuleEngine) domain.Rule {
	t.Helper()
	r, err := e.CreateRule(ruleSpec(100, day(14), ms("a", day(7), 40), ms("b", day(14), 60)))
	require.NoError(t, err)
	return r
}

func TestCreateRuleSynthesizesDefaultMilestone(t *testing.T) {
	e := testEngine()
	r, err := e.CreateRule(ruleSpec(100, day(10)))
	require.NoError(t, err)
	require.Len(t, r.Milestones, 1)
	m := r.Milestones[0]
	assert.Equal(t, "Week 1", m.Name)
	assert.True(t, m.Value.Equal(domain.AmountFromInt(100)))
	assert.True(t, m.Deadline.Equal(day(10)))
	assert.Equal(t, 1, m.Counter)
	assert.False(t, m.Completed)
	assert.Equal(t, domain.StatusCreated, r.Status)
	assert.Equal(t, testNow, r.CreatedAt)
	assert.NotEmpty(t, r.ID)
	require.NoError(t, CheckInvariants(r))
}

func TestCreateRuleSortsAndNumbers(t *testing.T) {
	e := testEngine()
	r, err := e.CreateRule(ruleSpec(100, day(14), ms("late", day(14), 60), ms("early", day(7), 40)))
	require.NoError(t, err)
	require.Len(t, r.Milestones, 2)
	assert.Equal(t, "early", r.Milestones[0].Name)
	assert.Equal(t, 1, r.Milestones[0].Counter)
	assert.Equal(t, "late", r.Milestones[1].Name)
	assert.Equal(t, 2, r.Milestones[1].Counter)
}

func TestCreateRuleRejects(t *testing.T) {
	e := testEngine()
	cases := []struct {
		name string
		spec RuleSpec
	}{
		{"sum mismatch", ruleSpec(100, day(14), ms("a", day(7), 40), ms("b", day(14), 50))},
		{"past deadline", ruleSpec(100, day(-1))},
		{"deadline now", ruleSpec(100, testNow)},
		{"tail before deadline", ruleSpec(100, day(14), ms("a", day(7), 40), ms("b", day(10), 60))},
		{"milestone after deadline", ruleSpec(100, day(14), ms("a", day(20), 40), ms("b", day(14), 60))},
		{"duplicate deadline", ruleSpec(100, day(14), ms("a", day(14), 40), ms("b", day(14), 60))},
		{"duplicate name", ruleSpec(100, day(14), ms("a", day(7), 40), ms("a", day(14), 60))},
		{"zero value", ruleSpec(100, day(14), ms("a", day(7), 0), ms("b", day(14), 100))},
		{"missing user", func() RuleSpec { s := ruleSpec(100, day(3)); s.UserID = ""; return s }()},
		{"missing name", func() RuleSpec { s := ruleSpec(100, day(3)); s.Name = ""; return s }()},
		{"completed status", func() RuleSpec { s := ruleSpec(100, day(3)); s.Status = domain.StatusCompleted; return s }()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.CreateRule(tc.spec)
			require.Error(t, err)
			assert.True(t, domain.IsValidation(err), "want validation error, got %v", err)
		})
	}
}

func TestCreateRuleExactDecimalSum(t *testing.T) {
	e := testEngine()
	spec := ruleSpec(0, day(14),
		MilestoneSpec{Name: "a", Type: "t", Deadline: day(7), Value: domain.MustAmount("0.1")},
		MilestoneSpec{Name: "b", Type: "t", Deadline: day(14), Value: domain.MustAmount("0.2")},
	)
	spec.TotalAmount = domain.MustAmount("0.3")
	_, err := e.CreateRule(spec)
	require.NoError(t, err)
}

func TestCreateRuleFieldErrors(t *testing.T) {
	e := testEngine()
	spec := ruleSpec(100, day(3), MilestoneSpec{Type: "t", Deadline: day(3), Value: domain.AmountFromInt(100)})
	_, err := e.CreateRule(spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "milestones[0].milestoneName")
}

func TestAddMilestoneReordersAndRenumbers(t *testing.T) {
	e := testEngine()
	r := twoMilestoneRule(t, e)

	r, added, err := e.AddMilestone(r, ms("c", day(10), 25))
	require.NoError(t, err)
	assert.Equal(t, 2, added.Counter)
	r, added, err = e.AddMilestone(r, ms("d", day(3), 5))
	require.NoError(t, err)
	assert.Equal(t, 1, added.Counter)

	var names []string
	for i, m := range r.Milestones {
		names = append(names, m.Name)
		assert.Equal(t, i+1, m.Counter)
	}
	assert.Equal(t, []string{"d", "a", "c", "b"}, names)
	assert.True(t, r.TotalAmount.Equal(domain.AmountFromInt(130)))
	require.NoError(t, CheckInvariants(r))
}

func TestAddMilestoneRejects(t *testing.T) {
	e := testEngine()
	r := twoMilestoneRule(t, e)

	_, _, err := e.AddMilestone(r, ms("late", day(15), 10))
	assert.True(t, domain.IsValidation(err))

	_, _, err = e.AddMilestone(r, ms("a", day(9), 10))
	assert.True(t, domain.IsValidation(err))

	_, _, err = e.AddMilestone(r, ms("new", day(7), 10))
	assert.True(t, domain.IsValidation(err))

	_, _, err = e.AddMilestone(domain.Rule{}, ms("x", day(3), 10))
	assert.True(t, domain.IsNotFound(err))

	done := r.Clone()
	for i := range done.Milestones {
		done.Milestones[i].Completed = true
	}
	done.Status = domain.StatusCompleted
	_, _, err = e.AddMilestone(done, ms("x", day(3), 10))
	assert.True(t, domain.IsConflict(err))
}

func TestAddMilestoneLeavesInputUntouched(t *testing.T) {
	e := testEngine()
	r := twoMilestoneRule(t, e)
	before := r.Clone()
	_, _, err := e.AddMilestone(r, ms("c", day(3), 10))
	require.NoError(t, err)
	assert.Equal(t, before, r)
}

func TestUpdateMilestoneDeadlineChange(t *testing.T) {
	e := testEngine()
	r := twoMilestoneRule(t, e)
	a := r.Milestones[0]

	nd := day(10)
	next, change, err := e.UpdateMilestone(r, a.ID, MilestonePatch{Deadline: &nd})
	require.NoError(t, err)
	assert.True(t, change.DeadlineChanged)
	assert.True(t, change.Before.Deadline.Equal(day(7)))
	assert.True(t, change.After.Deadline.Equal(day(10)))
	assert.Equal(t, a.ID, change.After.ID)
	require.NoError(t, CheckInvariants(next))

	name := "renamed"
	_, change, err = e.UpdateMilestone(next, a.ID, MilestonePatch{Name: &name})
	require.NoError(t, err)
	assert.False(t, change.DeadlineChanged)
	assert.Equal(t, "renamed", change.After.Name)
}

func TestUpdateMilestoneRecomputesTotal(t *testing.T) {
	e := testEngine()
	r := twoMilestoneRule(t, e)
	v := domain.AmountFromInt(50)
	next, _, err := e.UpdateMilestone(r, r.Milestones[0].ID, MilestonePatch{Value: &v})
	require.NoError(t, err)
	assert.True(t, next.TotalAmount.Equal(domain.AmountFromInt(110)))
}

func TestUpdateMilestonePreservesCompletion(t *testing.T) {
	e := testEngine()
	r := twoMilestoneRule(t, e)
	r, _, err := e.CompleteMilestone(r, r.Milestones[0].ID)
	require.NoError(t, err)
	name := "still done"
	next, change, err := e.UpdateMilestone(r, r.Milestones[0].ID, MilestonePatch{Name: &name})
	require.NoError(t, err)
	assert.True(t, change.After.Completed)
	assert.True(t, next.Milestones[0].Completed)
}

func TestUpdateMilestoneRejects(t *testing.T) {
	e := testEngine()
	r := twoMilestoneRule(t, e)
	a, b := r.Milestones[0], r.Milestones[1]

	_, _, err := e.UpdateMilestone(r, "missing", MilestonePatch{})
	assert.True(t, domain.IsNotFound(err))

	clash := day(14)
	_, _, err = e.UpdateMilestone(r, a.ID, MilestonePatch{Deadline: &clash})
	assert.True(t, domain.IsValidation(err))

	past := day(20)
	_, _, err = e.UpdateMilestone(r, a.ID, MilestonePatch{Deadline: &past})
	assert.True(t, domain.IsValidation(err))

	// moving the tail milestone earlier would leave nothing on the rule deadline
	early := day(9)
	_, _, err = e.UpdateMilestone(r, b.ID, MilestonePatch{Deadline: &early})
	assert.True(t, domain.IsValidation(err))

	// excluding self: keeping the same deadline is fine
	same := a.Deadline
	_, _, err = e.UpdateMilestone(r, a.ID, MilestonePatch{Deadline: &same})
	assert.NoError(t, err)

	r, _, err = e.CompleteMilestone(r, a.ID)
	require.NoError(t, err)
	r, _, err = e.CompleteMilestone(r, b.ID)
	require.NoError(t, err)
	name := "x"
	_, _, err = e.UpdateMilestone(r, a.ID, MilestonePatch{Name: &name})
	assert.True(t, domain.IsConflict(err))
}

func TestCompleteMilestoneLifecycle(t *testing.T) {
	e := testEngine()
	r := twoMilestoneRule(t, e)
	a, b := r.Milestones[0].ID, r.Milestones[1].ID

	r, changed, err := e.CompleteMilestone(r, a)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.StatusInProgress, r.Status)
	require.NoError(t, CheckInvariants(r))

	again, changed, err := e.CompleteMilestone(r, a)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, r, again)

	r, changed, err = e.CompleteMilestone(r, b)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.StatusCompleted, r.Status)
	require.NoError(t, CheckInvariants(r))

	final, changed, err := e.CompleteMilestone(r, b)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, r, final)

	_, _, err = e.CompleteMilestone(r, "missing")
	assert.True(t, domain.IsNotFound(err))
}

func TestCompleteSingleMilestoneJumpsToCompleted(t *testing.T) {
	e := testEngine()
	r, err := e.CreateRule(ruleSpec(100, day(5)))
	require.NoError(t, err)
	r, _, err = e.CompleteMilestone(r, r.Milestones[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, r.Status)
}

func TestUpdateRuleReplacesMilestones(t *testing.T) {
	e := testEngine()
	r := twoMilestoneRule(t, e)
	a := r.Milestones[0]
	r, _, err := e.CompleteMilestone(r, a.ID)
	require.NoError(t, err)

	spec := ruleSpec(90, day(21),
		MilestoneSpec{ID: a.ID, Name: "a", Type: "weekly", Deadline: day(7), Value: domain.AmountFromInt(40)},
		ms("c", day(21), 50),
	)
	spec.Objective = "run two marathons"
	next, err := e.UpdateRule(r, spec)
	require.NoError(t, err)
	assert.Equal(t, r.ID, next.ID)
	assert.Equal(t, r.CreatedAt, next.CreatedAt)
	assert.Equal(t, "run two marathons", next.Objective)
	require.Len(t, next.Milestones, 2)
	assert.Equal(t, a.ID, next.Milestones[0].ID)
	assert.True(t, next.Milestones[0].Completed)
	assert.NotEqual(t, r.Milestones[1].ID, next.Milestones[1].ID)
	assert.False(t, next.Milestones[1].Completed)
	assert.Equal(t, domain.StatusInProgress, next.Status)
	require.NoError(t, CheckInvariants(next))
}

func TestUpdateRuleRejects(t *testing.T) {
	e := testEngine()
	r := twoMilestoneRule(t, e)

	_, err := e.UpdateRule(r, ruleSpec(100, day(14), ms("a", day(7), 40), ms("b", day(14), 50)))
	assert.True(t, domain.IsValidation(err))

	_, err = e.UpdateRule(r, ruleSpec(100, day(-2)))
	assert.True(t, domain.IsValidation(err))

	other := ruleSpec(100, day(14))
	other.UserID = "someone-else"
	_, err = e.UpdateRule(r, other)
	assert.True(t, domain.IsValidation(err))

	_, err = e.UpdateRule(domain.Rule{}, ruleSpec(100, day(14)))
	assert.True(t, domain.IsNotFound(err))

	for _, m := range r.Milestones {
		r, _, err = e.CompleteMilestone(r, m.ID)
		require.NoError(t, err)
	}
	_, err = e.UpdateRule(r, ruleSpec(100, day(14)))
	assert.True(t, domain.IsConflict(err))
}

func TestUpdateRuleKeepsPastDeadlineWhenUnchanged(t *testing.T) {
	e := testEngine()
	r := twoMilestoneRule(t, e)
	later := e
	later.Now = func() time.Time { return day(30) }

	spec := ruleSpec(100, r.Deadline, ms("a", day(7), 40), ms("b", day(14), 60))
	spec.Name = "renamed"
	next, err := later.UpdateRule(r, spec)
	require.NoError(t, err)
	assert.Equal(t, "renamed", next.Name)
}

func TestDeleteRule(t *testing.T) {
	e := testEngine()
	assert.True(t, domain.IsNotFound(e.DeleteRule(domain.Rule{})))
	assert.NoError(t, e.DeleteRule(twoMilestoneRule(t, e)))
}

func TestInvariantsHoldAcrossOperationSequence(t *testing.T) {
	e := testEngine()
	r, err := e.CreateRule(ruleSpec(100, day(30)))
	require.NoError(t, err)

	steps := []func(domain.Rule) (domain.Rule, error){
		func(r domain.Rule) (domain.Rule, error) {
			next, _, err := e.AddMilestone(r, ms("w2", day(14), 10))
			return next, err
		},
		func(r domain.Rule) (domain.Rule, error) {
			next, _, err := e.AddMilestone(r, ms("w1", day(7), 10))
			return next, err
		},
		func(r domain.Rule) (domain.Rule, error) {
			d := day(21)
			next, _, err := e.UpdateMilestone(r, r.Milestones[1].ID, MilestonePatch{Deadline: &d})
			return next, err
		},
		func(r domain.Rule) (domain.Rule, error) {
			next, _, err := e.CompleteMilestone(r, r.Milestones[0].ID)
			return next, err
		},
		func(r domain.Rule) (domain.Rule, error) {
			next, _, err := e.AddMilestone(r, ms("w0", day(2), 5))
			return next, err
		},
	}
	for i, step := range steps {
		r, err = step(r)
		require.NoError(t, err, "step %d", i)
		require.NoError(t, CheckInvariants(r), "step %d", i)
	}
	assert.True(t, r.TotalAmount.Equal(domain.AmountFromInt(125)))
	assert.Equal(t, domain.StatusInProgress, r.Status)
}
