package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"revshare/services/revshared/calculator"
	"revshare/services/revshared/domain"
	"revshare/services/revshared/orchestrator"
	"revshare/services/revshared/queue"
	"revshare/services/revshared/settlement"
	"revshare/services/revshared/storage"
)

const testSecret = "test-secret"

var testNow = time.Date(2026, time.October, 2, 9, 0, 0, 0, time.UTC)

type fakeOrchestrator struct {
	closedIDs   []string
	closed      []domain.Period
	approveErr  error
	payoutIDs   []string
	exportPaths []string
}

func (f *fakeOrchestrator) ClosePeriod(_ context.Context, period domain.Period) (calculator.Result, error) {
	f.closed = append(f.closed, period)
	return calculator.Result{PeriodID: period.ID}, nil
}

func (f *fakeOrchestrator) ClosePeriodID(_ context.Context, id string) (calculator.Result, error) {
	f.closedIDs = append(f.closedIDs, id)
	return calculator.Result{
		PeriodID: id,
		Records:  make([]domain.RevenueShareRecord, 2),
		Written:  storage.ReplaceResult{Upserted: 2},
	}, nil
}

func (f *fakeOrchestrator) ApprovePeriod(_ context.Context, id string) (orchestrator.ApproveResult, error) {
	if f.approveErr != nil {
		return orchestrator.ApproveResult{}, f.approveErr
	}
	return orchestrator.ApproveResult{
		PeriodID: id,
		Approved: 3,
		Batch:    queue.BatchResult{Enqueued: []domain.SettlementObligation{{ID: "ob-1"}}},
	}, nil
}

func (f *fakeOrchestrator) RequestPayoutRun(_ context.Context, id string) (settlement.RunSummary, error) {
	f.payoutIDs = append(f.payoutIDs, id)
	return settlement.RunSummary{Claimed: 1, Outcomes: map[settlement.Outcome]int{settlement.OutcomePaid: 1}}, nil
}

func (f *fakeOrchestrator) GetPeriod(_ context.Context, id string) (domain.Period, error) {
	return domain.ParsePeriodID(id)
}

func (f *fakeOrchestrator) PartnerSummary(_ context.Context, partnerID, periodID string) (domain.PartnerSummary, error) {
	if partnerID == "ghost" {
		return domain.PartnerSummary{}, domain.ErrPartnerNotFound
	}
	return domain.PartnerSummary{PartnerID: partnerID, PeriodID: periodID, Cap: decimal.NewFromInt(300)}, nil
}

func (f *fakeOrchestrator) Export(_ context.Context, periodID string) ([]string, error) {
	return f.exportPaths, nil
}

type fakeLedger struct {
	filter storage.ObligationFilter
}

func (f *fakeLedger) UpdateIncome(_ context.Context, id string, income decimal.Decimal, clientBase int, schedule *domain.PVSchedule, now time.Time) (domain.Partner, error) {
	return schedule.Apply(domain.Partner{ID: id}, income, clientBase)
}

func (f *fakeLedger) ListObligations(_ context.Context, filter storage.ObligationFilter) ([]domain.SettlementObligation, error) {
	f.filter = filter
	return []domain.SettlementObligation{{ID: "ob-1", PartnerID: filter.PartnerID, AmountFiat: decimal.NewFromInt(25), Status: domain.ObligationFailed}}, nil
}

func (f *fakeLedger) Ping(context.Context) error { return nil }

type fakeQueue struct {
	seen map[string]bool
}

func (f *fakeQueue) Enqueue(_ context.Context, partnerID, periodKey string, typ domain.ObligationType, amount decimal.Decimal, priority int) (domain.SettlementObligation, error) {
	key := partnerID + "/" + periodKey + "/" + string(typ)
	if f.seen[key] {
		return domain.SettlementObligation{}, domain.ErrDuplicateObligation
	}
	f.seen[key] = true
	return domain.SettlementObligation{ID: "ob-new", PartnerID: partnerID, PeriodID: periodKey, Type: typ, AmountFiat: amount, Priority: priority, Status: domain.ObligationPending}, nil
}

func (f *fakeQueue) Reset(_ context.Context, id string) (domain.SettlementObligation, error) {
	return domain.SettlementObligation{ID: id, Status: domain.ObligationPending}, nil
}

type fakeSettlement struct {
	paused bool
}

func (f *fakeSettlement) Pause()  { f.paused = true }
func (f *fakeSettlement) Resume() { f.paused = false }
func (f *fakeSettlement) Status() settlement.Status {
	return settlement.Status{Paused: f.paused, WorkerID: "w1"}
}

type harness struct {
	handler http.Handler
	orch    *fakeOrchestrator
	ledger  *fakeLedger
	settle  *fakeSettlement
	clock   *clockwork.FakeClock
}

func newHarness(t *testing.T, limit RateLimit) *harness {
	t.Helper()
	auth, err := NewAuthenticator(AuthConfig{HMACSecret: testSecret, Issuer: "revshare"}, nil)
	require.NoError(t, err)
	schedule, err := domain.NewPVSchedule(domain.DefaultPVTiers(), decimal.NewFromInt(100), 5)
	require.NoError(t, err)
	h := &harness{
		orch:   &fakeOrchestrator{},
		ledger: &fakeLedger{},
		settle: &fakeSettlement{},
		clock:  clockwork.NewFakeClockAt(testNow),
	}
	srv, err := New(Config{
		Orchestrator: h.orch,
		Ledger:       h.ledger,
		Queue:        &fakeQueue{seen: map[string]bool{}},
		Settlement:   h.settle,
		Schedule:     schedule,
		Auth:         auth,
		RateLimit:    limit,
		Clock:        h.clock,
	})
	require.NoError(t, err)
	h.handler = srv.Handler()
	return h
}

func token(t *testing.T, scope string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":   "revshare",
		"scope": scope,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (h *harness) do(t *testing.T, method, path, scope string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if scope != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, scope))
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublic(t *testing.T) {
	h := newHarness(t, RateLimit{})
	rec := h.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestScopesAreEnforced(t *testing.T) {
	h := newHarness(t, RateLimit{})

	rec := h.do(t, http.MethodGet, "/v1/periods/2026-09", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/periods/2026-09", ScopeRead, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var period periodView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&period))
	require.Equal(t, "2026-09", period.ID)
	require.Equal(t, "open", period.Status)

	rec = h.do(t, http.MethodPost, "/v1/periods/2026-09/approve", ScopeRead, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/periods/2026-09/approve", ScopeAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var approved approveResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&approved))
	require.EqualValues(t, 3, approved.Approved)
	require.Equal(t, []string{"ob-1"}, approved.Enqueued)
}

func TestRejectsForgedAndExpiredTokens(t *testing.T) {
	h := newHarness(t, RateLimit{})
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "revshare", "scope": ScopeAdmin, "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("other"))
	require.NoError(t, err)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "revshare", "scope": ScopeAdmin, "exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	for _, raw := range []string{forged, expired} {
		req := httptest.NewRequest(http.MethodGet, "/v1/settlement/status", nil)
		req.Header.Set("Authorization", "Bearer "+raw)
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
}

func TestClosePeriodVariants(t *testing.T) {
	h := newHarness(t, RateLimit{})

	rec := h.do(t, http.MethodPost, "/v1/periods/close", ScopeAdmin, closeRequest{PeriodID: "2026-09"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp closeResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, 2, resp.Records)
	require.Equal(t, []string{"2026-09"}, h.orch.closedIDs)

	rec = h.do(t, http.MethodPost, "/v1/periods/close", ScopeAdmin, closeRequest{Start: "2026-09-01", End: "2026-09-10"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, h.orch.closed, 1)
	require.Equal(t, "adhoc-20260901-20260911", h.orch.closed[0].ID)
	require.True(t, h.orch.closed[0].Manual)

	rec = h.do(t, http.MethodPost, "/v1/periods/close", ScopeAdmin, closeRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/periods/close", ScopeAdmin, closeRequest{Start: "yesterday", End: "2026-09-10"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApproveConflictMapsTo409(t *testing.T) {
	h := newHarness(t, RateLimit{})
	h.orch.approveErr = domain.ErrInvalidTransition
	rec := h.do(t, http.MethodPost, "/v1/periods/2026-09/approve", ScopeAdmin, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestPayoutRun(t *testing.T) {
	h := newHarness(t, RateLimit{})

	rec := h.do(t, http.MethodPost, "/v1/payout-runs", ScopeAdmin, payoutRunRequest{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/payout-runs", ScopeAdmin, payoutRunRequest{AdHoc: true})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodPost, "/v1/payout-runs", ScopeAdmin, payoutRunRequest{PeriodID: "2026-09"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"", "2026-09"}, h.orch.payoutIDs)

	var summary settlement.RunSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&summary))
	require.Equal(t, 1, summary.Outcomes[settlement.OutcomePaid])
}

func TestPartnerReads(t *testing.T) {
	h := newHarness(t, RateLimit{})

	rec := h.do(t, http.MethodGet, "/v1/partners/b/summary", ScopeRead, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary domain.PartnerSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&summary))
	require.Equal(t, "2026-10", summary.PeriodID)
	require.True(t, summary.Cap.Equal(decimal.NewFromInt(300)))

	rec = h.do(t, http.MethodGet, "/v1/partners/ghost/summary?period=2026-09", ScopeRead, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/partners/b/obligations?status=failed,no_wallet&limit=10", ScopeRead, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []domain.ObligationStatus{domain.ObligationFailed, domain.ObligationNoWallet}, h.ledger.filter.Statuses)
	require.Equal(t, 10, h.ledger.filter.Limit)
	var list struct {
		Obligations []obligationView `json:"obligations"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Obligations, 1)
	require.Equal(t, "25.00", list.Obligations[0].Amount)

	rec = h.do(t, http.MethodGet, "/v1/partners/b/obligations?limit=-1", ScopeRead, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateIncomeRecomputesPartnerValue(t *testing.T) {
	h := newHarness(t, RateLimit{})
	rec := h.do(t, http.MethodPut, "/v1/partners/b/income", ScopeAdmin, map[string]any{
		"personal_income_monthly": "2000",
		"client_base_count":       12,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var view partnerView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	require.Equal(t, "7", view.PartnerValuePercent)
	require.True(t, view.RevenueShareActive)
}

func TestEnqueueAndResetObligation(t *testing.T) {
	h := newHarness(t, RateLimit{})
	body := map[string]any{"partner_id": "b", "period_key": "ref-9", "amount": "40"}

	rec := h.do(t, http.MethodPost, "/v1/obligations", ScopeAdmin, body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var view obligationView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	require.Equal(t, "referral_commission", view.Type)
	require.Equal(t, "40.00", view.Amount)

	rec = h.do(t, http.MethodPost, "/v1/obligations", ScopeAdmin, body)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/obligations/ob-1/reset", ScopeAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPauseResumeStatus(t *testing.T) {
	h := newHarness(t, RateLimit{})

	rec := h.do(t, http.MethodPost, "/v1/settlement/pause", ScopeAdmin, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.True(t, h.settle.paused)

	rec = h.do(t, http.MethodGet, "/v1/settlement/status", ScopeRead, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status settlement.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	require.True(t, status.Paused)

	rec = h.do(t, http.MethodPost, "/v1/settlement/resume", ScopeAdmin, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.False(t, h.settle.paused)
}

func TestRateLimitPerClient(t *testing.T) {
	h := newHarness(t, RateLimit{RPS: 1, Burst: 1})

	rec := h.do(t, http.MethodGet, "/v1/settlement/status", ScopeRead, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodGet, "/v1/settlement/status", ScopeRead, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	h.clock.Advance(time.Second)
	rec = h.do(t, http.MethodGet, "/v1/settlement/status", ScopeRead, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, "health checks are not throttled")
}
