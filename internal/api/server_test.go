package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"refengine/internal/auth"
	"refengine/internal/config"
	"refengine/internal/memstore"
	"refengine/internal/queue"
	"refengine/internal/rewards"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	testToken = "test-service-token-0001"

	earnerID  = "5b8f2c7e-1a2b-4c3d-9e8f-000000000001"
	sponsorID = "5b8f2c7e-1a2b-4c3d-9e8f-000000000002"
	grandID   = "5b8f2c7e-1a2b-4c3d-9e8f-000000000003"
	orphanID  = "5b8f2c7e-1a2b-4c3d-9e8f-000000000004"
)

type recordingQueue struct {
	mu       sync.Mutex
	triggers []queue.Trigger
}

func (q *recordingQueue) Enqueue(_ context.Context, t queue.Trigger) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.triggers = append(q.triggers, t)
	return nil
}

type countingInvalidator struct{ calls int }

func (c *countingInvalidator) Invalidate() { c.calls++ }

type countingNotifier struct {
	calls int
	err   error
}

func (n *countingNotifier) NotifyPolicyChanged(context.Context) error {
	n.calls++
	return n.err
}

type fixture struct {
	store    *memstore.Store
	queue    *recordingQueue
	cache    *countingInvalidator
	notifier *countingNotifier
	srv      *Server
}

func newFixture(t *testing.T, withQueue bool) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New()
	require.NoError(t, store.ReplacePolicy(context.Background(), rewards.PolicySnapshot{
		Settings: &rewards.Settings{
			IsActive:      true,
			MaxLevels:     50,
			VIPMultiplier: decimal.NewFromInt(1),
			INRPerBSK:     decimal.NewFromInt(10),
		},
		BadgeThresholds: map[string]int{"Gold": 3, "i-Smart VIP": 50},
		Rates: map[int]decimal.Decimal{
			1: decimal.NewFromInt(10),
			2: decimal.NewFromInt(5),
		},
	}))
	store.SetPath(earnerID, sponsorID, grandID)
	badgeAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.GrantBadge(sponsorID, "Gold", badgeAt)
	store.GrantBadge(grandID, "i-Smart VIP", badgeAt)

	engine := rewards.NewEngine(rewards.Deps{
		Tree:    store,
		Builder: store,
		Badges:  store,
		Policy:  store,
		Ledger:  store,
	}, logger)
	verifier, err := auth.NewServiceTokens([]string{"wallet:" + testToken})
	require.NoError(t, err)

	f := &fixture{store: store, cache: &countingInvalidator{}, notifier: &countingNotifier{}}
	deps := Deps{
		Engine:         engine,
		Store:          store,
		Auth:           verifier,
		PolicyCache:    f.cache,
		PolicyNotifier: f.notifier,
	}
	if withQueue {
		f.queue = &recordingQueue{}
		deps.Queue = f.queue
	}
	f.srv = New(config.APIConfig{}, logger, deps)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	for k, v := range headers {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&out), rec.Body.String())
	return out
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodGet, "/v1/balances/"+sponsorID, "", map[string]string{"Authorization": ""})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/balances/"+sponsorID, "", map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/balances/"+sponsorID, "", map[string]string{"Authorization": "Basic " + testToken})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/healthz", "", map[string]string{"Authorization": ""})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDistributeAndReplay(t *testing.T) {
	f := newFixture(t, false)
	body := `{"earner_id":"` + earnerID + `","earning_amount":"1000","earning_type":"trade"}`
	headers := map[string]string{"Idempotency-Key": "trade-1"}

	rec := f.do(t, http.MethodPost, "/v1/commissions/distribute", body, headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decodeBody[rewards.DistributionResult](t, rec)
	require.Equal(t, "trade-1", out.EventID)
	require.Equal(t, 2, out.LevelsProcessed)
	require.Len(t, out.Commissions, 2)
	require.True(t, out.CommissionsDistributed.Equal(decimal.NewFromInt(150)), out.CommissionsDistributed.String())

	rec = f.do(t, http.MethodPost, "/v1/commissions/distribute", body, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	replay := decodeBody[rewards.DistributionResult](t, rec)
	require.Empty(t, replay.Commissions)
	require.Len(t, replay.Skipped, 2)
	for _, s := range replay.Skipped {
		require.Equal(t, rewards.SkipDuplicate, s.Reason)
	}

	rec = f.do(t, http.MethodGet, "/v1/balances/"+sponsorID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decodeBody[rewards.Balance](t, rec)
	require.True(t, bal.HoldingBalance.Equal(decimal.NewFromInt(100)), bal.HoldingBalance.String())
	require.True(t, bal.WithdrawableBalance.IsZero())

	rec = f.do(t, http.MethodGet, "/v1/commissions/"+grandID+"?limit=10", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody[struct {
		Commissions []rewards.CommissionEntry `json:"commissions"`
	}](t, rec)
	require.Len(t, history.Commissions, 1)
	require.Equal(t, 2, history.Commissions[0].Level)
	require.True(t, history.Commissions[0].CommissionBSK.Equal(decimal.NewFromInt(50)))

	rec = f.do(t, http.MethodGet, "/v1/admin/reconciliation", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody[rewards.ReconciliationReport](t, rec)
	require.Empty(t, report.Drifts)
	require.Empty(t, report.UnmatchedCommissions)
}

func TestDistributeRejectsBadRequests(t *testing.T) {
	f := newFixture(t, false)
	cases := []struct {
		name string
		body string
	}{
		{"missing event id", `{"earner_id":"` + earnerID + `","earning_amount":"10","earning_type":"trade"}`},
		{"bad earner", `{"event_id":"e1","earner_id":"user-1","earning_amount":"10","earning_type":"trade"}`},
		{"zero amount", `{"event_id":"e1","earner_id":"` + earnerID + `","earning_amount":"0","earning_type":"trade"}`},
		{"unknown field", `{"event_id":"e1","earner_id":"` + earnerID + `","earning_amount":"10","earning_type":"trade","bonus":1}`},
		{"not json", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/v1/commissions/distribute", tc.body, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestEvaluateMilestonesReportsReason(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodPost, "/v1/milestones/evaluate", `{"sponsor_id":"`+sponsorID+`"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decodeBody[rewards.MilestoneResult](t, rec)
	require.Equal(t, rewards.ReasonNotQualified, out.Reason)
	require.Empty(t, out.MilestonesAchieved)

	rec = f.do(t, http.MethodGet, "/v1/milestones/"+sponsorID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"claims":[]}`, rec.Body.String())
}

func TestEnqueueEvent(t *testing.T) {
	f := newFixture(t, true)
	body := `{"kind":"badge_purchase","earner_id":"` + earnerID + `","earning_amount":"250"}`
	rec := f.do(t, http.MethodPost, "/v1/events", body, map[string]string{"Idempotency-Key": "purchase-9"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, f.queue.triggers, 1)
	got := f.queue.triggers[0]
	require.Equal(t, "purchase-9", got.EventID)
	require.Equal(t, queue.KindBadgePurchase, got.Kind)
	require.Equal(t, "badge_purchase", got.EarningType)

	rec = f.do(t, http.MethodPost, "/v1/events", `{"event_id":"x","kind":"refund"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/events", `{"kind":"milestone","sponsor_id":"not-a-uuid"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Len(t, f.queue.triggers, 1)

	noQueue := newFixture(t, false)
	rec = noQueue.do(t, http.MethodPost, "/v1/events", body, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReplacePolicy(t *testing.T) {
	f := newFixture(t, false)
	doc := `
settings:
  is_active: false
  max_levels: 10
  inr_per_bsk: 12
badges:
  - name: Gold
    unlock_levels: 5
rates:
  1: 7
`
	rec := f.do(t, http.MethodPut, "/v1/admin/policy", doc, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, 1, f.cache.calls)
	require.Equal(t, 1, f.notifier.calls)

	settings, ok, err := f.store.Settings(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, settings.IsActive)
	require.Equal(t, 10, settings.MaxLevels)

	rec = f.do(t, http.MethodPost, "/v1/commissions/distribute",
		`{"event_id":"after-disable","earner_id":"`+earnerID+`","earning_amount":"10","earning_type":"trade"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody[rewards.DistributionResult](t, rec)
	require.Equal(t, rewards.ReasonDisabled, out.Reason)

	rec = f.do(t, http.MethodPut, "/v1/admin/policy", "rates:\n  0: 5\n", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, 1, f.cache.calls)
	require.Equal(t, 1, f.notifier.calls)
}

func TestReplacePolicySurvivesNotificationFailure(t *testing.T) {
	f := newFixture(t, false)
	f.notifier.err = errors.New("redis: connection refused")

	rec := f.do(t, http.MethodPut, "/v1/admin/policy", "rates:\n  1: 9\n", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, 1, f.cache.calls)
	require.Equal(t, 1, f.notifier.calls)

	rates, err := f.store.Rates(context.Background())
	require.NoError(t, err)
	require.True(t, rates[1].Equal(decimal.NewFromInt(9)))
}

func TestTreeRebuild(t *testing.T) {
	f := newFixture(t, false)
	f.store.LockSponsor(orphanID, sponsorID)

	rec := f.do(t, http.MethodPost, "/v1/admin/tree/"+orphanID+"/rebuild", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	path, err := f.store.AncestorPath(context.Background(), orphanID)
	require.NoError(t, err)
	require.Equal(t, []rewards.AncestorEdge{
		{AncestorID: sponsorID, Level: 1},
		{AncestorID: grandID, Level: 2},
	}, path)

	rec = f.do(t, http.MethodPost, "/v1/admin/tree/nobody/rebuild", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryLimitValidation(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodGet, "/v1/commissions/"+sponsorID+"?limit=0", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodGet, "/v1/commissions/"+sponsorID+"?limit=abc", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBearerToken(t *testing.T) {
	require.Equal(t, "abc", bearerToken("Bearer abc"))
	require.Equal(t, "abc", bearerToken("bearer  abc "))
	require.Equal(t, "", bearerToken("Token abc"))
	require.Equal(t, "", bearerToken(""))
}
