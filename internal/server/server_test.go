package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"wagerline/internal/config"
	"wagerline/internal/db"
	"wagerline/internal/domain"
	"wagerline/internal/engine"
	"wagerline/internal/migrate"
	"wagerline/internal/repo"
	"wagerline/internal/scheduler"
	wagerlinesdk "wagerline/sdk/go"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "wagerline.db")})
	require.NoError(t, err)
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)

	triggers := repo.Triggers{DB: conn}
	rec := &scheduler.Reconciler{Triggers: triggers, Attempts: 1}
	e := engine.New(conn, rec, nil)
	handler, err := New(Config{
		Engine:   e,
		Triggers: triggers,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowUserHeader: true},
		Registry: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testServer{URL: srv.URL, Engine: e}
}

func sampleRule(name string) wagerlinesdk.Rule {
	start := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)
	return wagerlinesdk.Rule{
		Type:        "fitness",
		Name:        name,
		Objective:   "run a marathon",
		TotalAmount: "100",
		Deadline:    start.AddDate(0, 0, 14),
		Milestones: []wagerlinesdk.Milestone{
			{Name: "10k", Type: "weekly", Deadline: start.AddDate(0, 0, 7), Value: "40"},
			{Name: "half", Type: "weekly", Deadline: start.AddDate(0, 0, 14), Value: "60"},
		},
	}
}

func apiErr(t *testing.T, err error) *wagerlinesdk.APIError {
	t.Helper()
	var ae *wagerlinesdk.APIError
	require.True(t, errors.As(err, &ae), "expected api error, got %v", err)
	return ae
}

func TestRuleLifecycle(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	client := wagerlinesdk.New(srv.URL, "alice")

	created, err := client.CreateRule(ctx, sampleRule("marathon"))
	require.NoError(t, err)
	assert.Empty(t, created.SchedulingGaps)
	rule := created.Rule
	assert.Equal(t, "alice", rule.UserID)
	assert.Equal(t, "created", rule.Status)
	require.Len(t, rule.Milestones, 2)

	got, err := client.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.ID, got.ID)

	found, err := client.FindRule(ctx, "marathon")
	require.NoError(t, err)
	assert.Equal(t, rule.ID, found.ID)

	list, err := client.ListRules(ctx, "")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	triggers, err := client.Triggers(ctx, rule.ID)
	require.NoError(t, err)
	assert.Len(t, triggers, 2)

	for _, m := range rule.Milestones {
		_, err := client.CompleteMilestone(ctx, rule.ID, m.ID)
		require.NoError(t, err)
	}
	done, err := client.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", done.Status)

	triggers, err = client.Triggers(ctx, rule.ID)
	require.NoError(t, err)
	assert.Empty(t, triggers)

	events, err := client.Events(ctx, rule.ID, 2, "")
	require.NoError(t, err)
	require.Len(t, events.Items, 2)
	assert.Equal(t, "rule.completed", events.Items[0].Type)
	assert.NotEmpty(t, events.NextCursor)

	older, err := client.Events(ctx, rule.ID, 10, events.NextCursor)
	require.NoError(t, err)
	require.Len(t, older.Items, 2)
	assert.Equal(t, "rule.created", older.Items[1].Type)

	_, err = client.AddMilestone(ctx, rule.ID, wagerlinesdk.Milestone{
		Name: "late", Type: "weekly", Deadline: time.Now().Add(48 * time.Hour), Value: "5",
	})
	ae := apiErr(t, err)
	assert.Equal(t, http.StatusConflict, ae.StatusCode)
	assert.Equal(t, "rule_completed", ae.Code)

	deleted, err := client.DeleteRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.True(t, deleted.Changed)
	_, err = client.GetRule(ctx, rule.ID)
	assert.Equal(t, http.StatusNotFound, apiErr(t, err).StatusCode)
}

func TestMilestoneUpdateReschedules(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	client := wagerlinesdk.New(srv.URL, "alice")

	created, err := client.CreateRule(ctx, sampleRule("marathon"))
	require.NoError(t, err)
	m := created.Rule.Milestones[0]
	moved := m.Deadline.Add(-48 * time.Hour)
	value := json.Number("25")

	res, err := client.UpdateMilestone(ctx, created.Rule.ID, m.ID, wagerlinesdk.MilestonePatch{Deadline: &moved, Value: &value})
	require.NoError(t, err)
	assert.Equal(t, "85", res.Rule.TotalAmount.String())

	triggers, err := client.Triggers(ctx, created.Rule.ID)
	require.NoError(t, err)
	require.Len(t, triggers, 2)
	assert.True(t, triggers[0].FiresAt.Equal(moved))
}

func TestValidationErrorsListFields(t *testing.T) {
	srv := newTestServer(t)
	client := wagerlinesdk.New(srv.URL, "alice")

	bad := sampleRule("")
	bad.Milestones[0].Name = ""
	_, err := client.CreateRule(context.Background(), bad)
	ae := apiErr(t, err)
	assert.Equal(t, http.StatusBadRequest, ae.StatusCode)
	assert.Equal(t, "validation_failed", ae.Code)

	var body struct {
		Error struct {
			Details struct {
				Fields map[string]string `json:"fields"`
			} `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(ae.Body), &body))
	assert.Contains(t, body.Error.Details.Fields, "ruleName")
	assert.Contains(t, body.Error.Details.Fields, "milestones[0].milestoneName")

	mismatch := sampleRule("sum")
	mismatch.TotalAmount = "90"
	_, err = client.CreateRule(context.Background(), mismatch)
	assert.Equal(t, http.StatusBadRequest, apiErr(t, err).StatusCode)
}

func TestRulesAreScopedToTheirOwner(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	alice := wagerlinesdk.New(srv.URL, "alice")
	bob := wagerlinesdk.New(srv.URL, "bob")

	created, err := alice.CreateRule(ctx, sampleRule("marathon"))
	require.NoError(t, err)

	_, err = bob.GetRule(ctx, created.Rule.ID)
	assert.Equal(t, http.StatusNotFound, apiErr(t, err).StatusCode)
	_, err = bob.CompleteMilestone(ctx, created.Rule.ID, created.Rule.Milestones[0].ID)
	assert.Equal(t, http.StatusNotFound, apiErr(t, err).StatusCode)
	list, err := bob.ListRules(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, list)

	foreign := sampleRule("other")
	foreign.UserID = "alice"
	_, err = bob.CreateRule(ctx, foreign)
	assert.Equal(t, http.StatusBadRequest, apiErr(t, err).StatusCode)
}

func TestStaleIfMatchIsConflict(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	client := wagerlinesdk.New(srv.URL, "alice")

	created, err := client.CreateRule(ctx, sampleRule("marathon"))
	require.NoError(t, err)
	rule := created.Rule
	_, err = client.CompleteMilestone(ctx, rule.ID, rule.Milestones[0].ID)
	require.NoError(t, err)

	rule.Name = "renamed"
	_, err = client.UpdateRule(ctx, rule.ID, rule, rule.Version)
	ae := apiErr(t, err)
	assert.Equal(t, http.StatusConflict, ae.StatusCode)
	assert.Equal(t, "version_conflict", ae.Code)

	fresh, err := client.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	fresh.Name = "renamed"
	updated, err := client.UpdateRule(ctx, rule.ID, fresh, fresh.Version)
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Rule.Name)
	assert.True(t, updated.Rule.Milestones[0].Completed)
}

func TestAuthentication(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	_, err := wagerlinesdk.New(srv.URL, "").ListRules(ctx, "")
	assert.Equal(t, http.StatusUnauthorized, apiErr(t, err).StatusCode)

	bad := wagerlinesdk.New(srv.URL, "")
	bad.BearerToken = "not-a-token"
	_, err = bad.ListRules(ctx, "")
	assert.Equal(t, http.StatusUnauthorized, apiErr(t, err).StatusCode)

	res, err := http.Post(srv.URL+"/v0/auth/dev/login", "application/json", strings.NewReader(`{"userId":"carol"}`))
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	var login DevLoginResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&login))

	carol := wagerlinesdk.New(srv.URL, "")
	carol.BearerToken = login.Token
	created, err := carol.CreateRule(ctx, sampleRule("swim"))
	require.NoError(t, err)
	assert.Equal(t, "carol", created.Rule.UserID)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)
	res, err := http.Get(srv.URL + "/v0/health")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `wager_http_requests_total{code="200",method="GET",route="/v0/health"} 1`)
}

func TestEventForwarderPostsNewEvents(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	var got []webhookEvent
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "s3cret", r.Header.Get("X-Wagerline-Secret"))
		var evt webhookEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&evt))
		got = append(got, evt)
	}))
	defer hook.Close()

	fwd := NewEventForwarder(srv.Engine.Repo, []config.WebhookConfig{
		{URL: hook.URL, Secret: "s3cret", Events: []string{"milestone.completed"}},
	}, nil)
	fwd.Poll(ctx)

	client := wagerlinesdk.New(srv.URL, "alice")
	created, err := client.CreateRule(ctx, sampleRule("marathon"))
	require.NoError(t, err)
	_, err = client.CompleteMilestone(ctx, created.Rule.ID, created.Rule.Milestones[0].ID)
	require.NoError(t, err)

	fwd.Poll(ctx)
	require.Len(t, got, 1)
	assert.Equal(t, "milestone.completed", got[0].Type)
	assert.Equal(t, created.Rule.ID, got[0].RuleID)

	fwd.Poll(ctx)
	assert.Len(t, got, 1)
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	_, err := srv.Engine.Repo.InsertAPIKey(ctx, domain.APIKey{ID: "k1", UserID: "dave", Name: "ci", KeyHash: repo.HashAPIKey("wl_secret")})
	require.NoError(t, err)

	client := wagerlinesdk.New(srv.URL, "")
	client.APIKey = "wl_secret"
	created, err := client.CreateRule(ctx, sampleRule("keyed"))
	require.NoError(t, err)
	assert.Equal(t, "dave", created.Rule.UserID)

	keys, err := srv.Engine.Repo.ListAPIKeys(ctx, "dave")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotEmpty(t, keys[0].LastUsedAt)

	client.APIKey = "wl_wrong"
	_, err = client.ListRules(ctx, "")
	ae := apiErr(t, err)
	assert.Equal(t, http.StatusUnauthorized, ae.StatusCode)
	assert.Equal(t, "invalid_credentials", ae.Code)
}

func TestListRulesFiltersByStatus(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	client := wagerlinesdk.New(srv.URL, "erin")

	started, err := client.CreateRule(ctx, sampleRule("started"))
	require.NoError(t, err)
	_, err = client.CreateRule(ctx, sampleRule("idle"))
	require.NoError(t, err)
	_, err = client.CompleteMilestone(ctx, started.Rule.ID, started.Rule.Milestones[0].ID)
	require.NoError(t, err)

	inProgress, err := client.ListRules(ctx, "in_progress")
	require.NoError(t, err)
	require.Len(t, inProgress, 1)
	assert.Equal(t, "started", inProgress[0].Name)

	created, err := client.ListRules(ctx, "created")
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "idle", created[0].Name)

	completed, err := client.ListRules(ctx, "completed")
	require.NoError(t, err)
	assert.Empty(t, completed)

	_, err = client.ListRules(ctx, "finished")
	ae := apiErr(t, err)
	assert.Equal(t, http.StatusBadRequest, ae.StatusCode)
	assert.Equal(t, "validation_failed", ae.Code)
}

func TestOpenAPIDocumentUnderConcurrentRequests(t *testing.T) {
	srv := newTestServer(t)
	bodies := make([]string, 8)
	var g errgroup.Group
	for i := range bodies {
		g.Go(func() error {
			resp, err := http.Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			b, err := io.ReadAll(resp.Body)
			bodies[i] = string(b)
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, b := range bodies {
		assert.Equal(t, bodies[0], b)
	}
	assert.Contains(t, bodies[0], `"apiKeyAuth"`)
	assert.Contains(t, bodies[0], `"/v0/rules"`)
}

func TestAmountsAcceptNumericStrings(t *testing.T) {
	srv := newTestServer(t)
	start := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)
	body, err := json.Marshal(map[string]any{
		"ruleType":         "savings",
		"ruleName":         "holiday",
		"generalObjective": "save",
		"totalAmount":      "100.10",
		"deadline":         start.AddDate(0, 0, 7),
		"milestones": []map[string]any{
			{"milestoneName": "all", "type": "weekly", "milestoneDeadline": start.AddDate(0, 0, 7), "monetaryValue": "100.10"},
		},
	})
	require.NoError(t, err)

	post := func(payload string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/v0/rules", strings.NewReader(payload))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-User-Id", "frank")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := post(string(body))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out struct {
		Rule struct {
			TotalAmount json.Number `json:"totalAmount"`
		} `json:"rule"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, json.Number("100.1"), out.Rule.TotalAmount)

	resp = post(strings.Replace(string(body), `"totalAmount":"100.10"`, `"totalAmount":"lots"`, 1))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
