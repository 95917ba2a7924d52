package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wagerline/internal/config"
	"wagerline/internal/domain"
	"wagerline/internal/engine"
	"wagerline/internal/repo"
	"wagerline/internal/scheduler"
	"wagerline/internal/wager"
)

func openTestApp(t *testing.T, logs *bytes.Buffer) *App {
	t.Helper()
	cfg := config.Default()
	cfg.Log.Format = "json"
	a, err := OpenWithConfig(context.Background(), t.TempDir(), cfg, NewLogger(cfg, logs))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestOpenUsesWorkspaceConfig(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(ws), []byte("log:\n  level: debug\nscheduler:\n  retry_attempts: 7\n"), 0o644))

	a, err := Open(context.Background(), ws)
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, uint(7), a.Reconciler.Attempts)
	assert.FileExists(t, filepath.Join(ws, ".wagerline", "wagerline.db"))
}

func TestMissedMilestoneFlowsEndToEnd(t *testing.T) {
	var logs bytes.Buffer
	a := openTestApp(t, &logs)
	ctx := context.Background()

	// create the rule as of two weeks ago so its first milestone is already due
	past := time.Now().UTC().AddDate(0, 0, -14)
	eng := a.Engine.WithClock(func() time.Time { return past })
	res, err := eng.CreateRule(ctx, engine.Caller{}, engine.RuleSpec{
		UserID:      "u1",
		Type:        "fitness",
		Name:        "marathon",
		Objective:   "run",
		TotalAmount: domain.AmountFromInt(100),
		Deadline:    time.Now().UTC().AddDate(0, 0, 7),
		Milestones: []engine.MilestoneSpec{
			{Name: "10k", Type: "weekly", Deadline: past.AddDate(0, 0, 7), Value: domain.AmountFromInt(40)},
			{Name: "half", Type: "weekly", Deadline: time.Now().UTC().AddDate(0, 0, 7), Value: domain.AmountFromInt(60)},
		},
	})
	require.NoError(t, err)
	require.Empty(t, res.SchedulingGaps)
	assert.Equal(t, 2.0, testutil.ToFloat64(a.Metrics.Scheduled))

	d := a.Dispatcher()
	fired, err := d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.Fired.WithLabelValues("notified")))
	assert.Contains(t, logs.String(), `"msg":"wager triggered"`)

	fired, err = d.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, fired)

	first := res.Rule.Milestones[0]
	tr, err := a.Triggers.Get(ctx, scheduler.TriggerID(res.Rule.ID, first.ID))
	require.NoError(t, err)
	assert.Equal(t, domain.TriggerFired, tr.Status)

	evts, err := a.Engine.Repo.LatestEvents(ctx, repo.EventFilter{RuleID: res.Rule.ID, Type: "milestone.missed"})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, first.ID, evts[0].EntityID)
}

func TestNotifierChain(t *testing.T) {
	var logs bytes.Buffer
	a := openTestApp(t, &logs)
	assert.Len(t, a.Notifier(), 1)

	a.Config.Notify.Log = false
	a.Config.Notify.Webhook = config.WebhookConfig{URL: "http://127.0.0.1:9/hook"}
	chain, ok := a.Notifier().(wager.Multi)
	require.True(t, ok)
	require.Len(t, chain, 1)
	assert.IsType(t, wager.WebhookNotifier{}, chain[0])
}
