package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"revshare/observability"
	"revshare/services/revshared/calculator"
	"revshare/services/revshared/domain"
	"revshare/services/revshared/orchestrator"
	"revshare/services/revshared/settlement"
	"revshare/services/revshared/storage"
)

// Orchestrator is the period lifecycle surface the admin API drives.
type Orchestrator interface {
	ClosePeriod(ctx context.Context, period domain.Period) (calculator.Result, error)
	ClosePeriodID(ctx context.Context, id string) (calculator.Result, error)
	ApprovePeriod(ctx context.Context, periodID string) (orchestrator.ApproveResult, error)
	RequestPayoutRun(ctx context.Context, periodID string) (settlement.RunSummary, error)
	GetPeriod(ctx context.Context, id string) (domain.Period, error)
	PartnerSummary(ctx context.Context, partnerID, periodID string) (domain.PartnerSummary, error)
	Export(ctx context.Context, periodID string) ([]string, error)
}

// Ledger exposes the registry and obligation reads.
type Ledger interface {
	UpdateIncome(ctx context.Context, id string, income decimal.Decimal, clientBase int, schedule *domain.PVSchedule, now time.Time) (domain.Partner, error)
	ListObligations(ctx context.Context, filter storage.ObligationFilter) ([]domain.SettlementObligation, error)
	Ping(ctx context.Context) error
}

// Queue accepts externally produced obligations and admin resets.
type Queue interface {
	Enqueue(ctx context.Context, partnerID, periodKey string, typ domain.ObligationType, amount decimal.Decimal, priority int) (domain.SettlementObligation, error)
	Reset(ctx context.Context, id string) (domain.SettlementObligation, error)
}

// Settlement exposes the operator controls of the payout worker.
type Settlement interface {
	Pause()
	Resume()
	Status() settlement.Status
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Orchestrator Orchestrator
	Ledger       Ledger
	Queue        Queue
	Settlement   Settlement
	Schedule     *domain.PVSchedule
	Auth         *Authenticator
	RateLimit    RateLimit
	Logger       *slog.Logger
	Clock        clockwork.Clock
}

// Server is the revshared admin HTTP API.
type Server struct {
	orch     Orchestrator
	ledger   Ledger
	queue    Queue
	settle   Settlement
	schedule *domain.PVSchedule
	auth     *Authenticator
	limiter  *rateLimiter
	logger   *slog.Logger
	clock    clockwork.Clock
	router   http.Handler
}

// New validates the configuration and builds the router.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Orchestrator == nil:
		return nil, errors.New("server: orchestrator required")
	case cfg.Ledger == nil:
		return nil, errors.New("server: ledger required")
	case cfg.Queue == nil:
		return nil, errors.New("server: queue required")
	case cfg.Settlement == nil:
		return nil, errors.New("server: settlement required")
	case cfg.Schedule == nil:
		return nil, errors.New("server: pv schedule required")
	case cfg.Auth == nil:
		return nil, errors.New("server: authenticator required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	s := &Server{
		orch:     cfg.Orchestrator,
		ledger:   cfg.Ledger,
		queue:    cfg.Queue,
		settle:   cfg.Settlement,
		schedule: cfg.Schedule,
		auth:     cfg.Auth,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
	}
	s.limiter = newRateLimiter(cfg.RateLimit, s.clock.Now)
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.limiter.Middleware)
		api.Group(func(read chi.Router) {
			read.Use(s.auth.RequireAny(ScopeRead, ScopeAdmin))
			read.Get("/periods/{id}", s.handleGetPeriod)
			read.Get("/partners/{id}/summary", s.handlePartnerSummary)
			read.Get("/partners/{id}/obligations", s.handleListObligations)
			read.Get("/settlement/status", s.handleStatus)
		})
		api.Group(func(admin chi.Router) {
			admin.Use(s.auth.RequireAny(ScopeAdmin))
			admin.Post("/periods/close", s.handleClosePeriod)
			admin.Post("/periods/{id}/approve", s.handleApprovePeriod)
			admin.Post("/periods/{id}/export", s.handleExportPeriod)
			admin.Post("/payout-runs", s.handlePayoutRun)
			admin.Put("/partners/{id}/income", s.handleUpdateIncome)
			admin.Post("/obligations", s.handleEnqueueObligation)
			admin.Post("/obligations/{id}/reset", s.handleResetObligation)
			admin.Post("/settlement/pause", s.handlePause)
			admin.Post("/settlement/resume", s.handleResume)
		})
	})
	return otelhttp.NewHandler(r, "revshared.admin")
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.API().Observe(route, r.Method, status, s.clock.Since(start))
		if status >= http.StatusInternalServerError {
			s.logger.Error("admin request failed",
				slog.String("route", route),
				slog.String("method", r.Method),
				slog.Int("status", status),
				slog.String("request_id", chimw.GetReqID(r.Context())))
		}
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type closeRequest struct {
	PeriodID string `json:"period_id"`
	Start    string `json:"start"`
	End      string `json:"end"`
}

type closeResponse struct {
	PeriodID string   `json:"period_id"`
	Records  int      `json:"records"`
	Upserted int      `json:"upserted"`
	Removed  int      `json:"removed"`
	Clamped  int      `json:"clamped"`
	Skipped  []string `json:"skipped,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (s *Server) handleClosePeriod(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if !decode(w, r, &req) {
		return
	}
	var (
		result calculator.Result
		err    error
	)
	switch {
	case strings.TrimSpace(req.PeriodID) != "":
		result, err = s.orch.ClosePeriodID(r.Context(), req.PeriodID)
	case req.Start != "" && req.End != "":
		var period domain.Period
		period, err = manualPeriod(req.Start, req.End)
		if err == nil {
			result, err = s.orch.ClosePeriod(r.Context(), period)
		}
	default:
		err = fmt.Errorf("%w: period_id or start and end required", domain.ErrValidation)
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	resp := closeResponse{
		PeriodID: result.PeriodID,
		Records:  len(result.Records),
		Upserted: result.Written.Upserted,
		Removed:  result.Written.Removed,
		Clamped:  result.Clamped,
		Skipped:  result.Skipped,
	}
	for _, warning := range result.Warnings {
		resp.Warnings = append(resp.Warnings, warning.Error())
	}
	writeJSON(w, http.StatusOK, resp)
}

// manualPeriod accepts RFC 3339 timestamps or calendar dates. A date end is
// inclusive, so the period runs to the following midnight.
func manualPeriod(start, end string) (domain.Period, error) {
	from, _, err := parseBound(start)
	if err != nil {
		return domain.Period{}, err
	}
	to, dateOnly, err := parseBound(end)
	if err != nil {
		return domain.Period{}, err
	}
	if dateOnly {
		to = to.AddDate(0, 0, 1)
	}
	return domain.AdHocPeriod(from, to)
}

func parseBound(raw string) (time.Time, bool, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: invalid time %q", domain.ErrValidation, raw)
	}
	return t.UTC(), false, nil
}

type approveResponse struct {
	PeriodID     string   `json:"period_id"`
	Approved     int64    `json:"approved"`
	Enqueued     []string `json:"enqueued"`
	Accumulating int      `json:"accumulating"`
	Conflicts    []string `json:"conflicts,omitempty"`
}

func (s *Server) handleApprovePeriod(w http.ResponseWriter, r *http.Request) {
	res, err := s.orch.ApprovePeriod(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	resp := approveResponse{
		PeriodID:     res.PeriodID,
		Approved:     res.Approved,
		Enqueued:     make([]string, 0, len(res.Batch.Enqueued)),
		Accumulating: len(res.Batch.Accumulating),
		Conflicts:    res.Batch.Conflicts,
	}
	for _, ob := range res.Batch.Enqueued {
		resp.Enqueued = append(resp.Enqueued, ob.ID)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExportPeriod(w http.ResponseWriter, r *http.Request) {
	paths, err := s.orch.Export(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"files": paths})
}

type payoutRunRequest struct {
	PeriodID string `json:"period_id"`
	AdHoc    bool   `json:"ad_hoc"`
}

func (s *Server) handlePayoutRun(w http.ResponseWriter, r *http.Request) {
	var req payoutRunRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.PeriodID) == "" && !req.AdHoc {
		s.writeDomainError(w, fmt.Errorf("%w: period_id or ad_hoc required", domain.ErrValidation))
		return
	}
	periodID := req.PeriodID
	if req.AdHoc {
		periodID = ""
	}
	summary, err := s.orch.RequestPayoutRun(r.Context(), periodID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type periodView struct {
	ID        string     `json:"id"`
	Start     time.Time  `json:"start"`
	End       time.Time  `json:"end"`
	Status    string     `json:"status"`
	Manual    bool       `json:"manual"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	SettledAt *time.Time `json:"settled_at,omitempty"`
}

func newPeriodView(p domain.Period) periodView {
	status := p.Status
	if status == "" {
		status = domain.PeriodOpen
	}
	return periodView{
		ID:        p.ID,
		Start:     p.Start,
		End:       p.End,
		Status:    string(status),
		Manual:    p.Manual,
		ClosedAt:  optionalTime(p.ClosedAt),
		SettledAt: optionalTime(p.SettledAt),
	}
}

func (s *Server) handleGetPeriod(w http.ResponseWriter, r *http.Request) {
	period, err := s.orch.GetPeriod(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPeriodView(period))
}

func (s *Server) handlePartnerSummary(w http.ResponseWriter, r *http.Request) {
	periodID := strings.TrimSpace(r.URL.Query().Get("period"))
	if periodID == "" {
		periodID = domain.MonthlyPeriod(s.clock.Now()).ID
	}
	summary, err := s.orch.PartnerSummary(r.Context(), chi.URLParam(r, "id"), periodID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type obligationView struct {
	ID            string     `json:"id"`
	PartnerID     string     `json:"partner_id"`
	PeriodID      string     `json:"period_id"`
	Type          string     `json:"type"`
	Amount        string     `json:"amount"`
	Currency      string     `json:"currency"`
	Status        string     `json:"status"`
	Priority      int        `json:"priority"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	UnitAmount    string     `json:"unit_amount,omitempty"`
	Rate          string     `json:"rate,omitempty"`
	TxRef         string     `json:"external_tx_ref,omitempty"`
	TxLT          string     `json:"external_tx_lt,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	SettledAt     *time.Time `json:"settled_at,omitempty"`
}

func newObligationView(ob domain.SettlementObligation) obligationView {
	view := obligationView{
		ID:            ob.ID,
		PartnerID:     ob.PartnerID,
		PeriodID:      ob.PeriodID,
		Type:          string(ob.Type),
		Amount:        ob.AmountFiat.StringFixed(2),
		Currency:      ob.Currency,
		Status:        string(ob.Status),
		Priority:      ob.Priority,
		RetryCount:    ob.RetryCount,
		MaxRetries:    ob.MaxRetries,
		NextAttemptAt: optionalTime(ob.NextAttemptAt),
		TxRef:         ob.ExternalTxRef,
		TxLT:          ob.ExternalTxLT,
		LastError:     ob.LastError,
		CreatedAt:     ob.CreatedAt,
		SettledAt:     optionalTime(ob.SettledAt),
	}
	if ob.UnitAmount.IsPositive() {
		view.UnitAmount = ob.UnitAmount.String()
	}
	if ob.Rate.IsPositive() {
		view.Rate = ob.Rate.String()
	}
	return view
}

func (s *Server) handleListObligations(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := storage.ObligationFilter{PartnerID: chi.URLParam(r, "id"), PeriodID: strings.TrimSpace(query.Get("period"))}
	for _, raw := range strings.Split(query.Get("status"), ",") {
		if raw = strings.TrimSpace(raw); raw != "" {
			filter.Statuses = append(filter.Statuses, domain.ObligationStatus(raw))
		}
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.writeDomainError(w, fmt.Errorf("%w: invalid limit %q", domain.ErrValidation, raw))
			return
		}
		filter.Limit = limit
	}
	obligations, err := s.ledger.ListObligations(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	views := make([]obligationView, 0, len(obligations))
	for _, ob := range obligations {
		views = append(views, newObligationView(ob))
	}
	writeJSON(w, http.StatusOK, map[string]any{"obligations": views})
}

type incomeRequest struct {
	PersonalIncomeMonthly decimal.Decimal `json:"personal_income_monthly"`
	ClientBaseCount       int             `json:"client_base_count"`
}

type partnerView struct {
	ID                    string     `json:"id"`
	PersonalIncomeMonthly string     `json:"personal_income_monthly"`
	ClientBaseCount       int        `json:"client_base_count"`
	RevenueShareActive    bool       `json:"revenue_share_active"`
	PartnerValuePercent   string     `json:"partner_value_percent"`
	ActivationDate        *time.Time `json:"activation_date,omitempty"`
}

func (s *Server) handleUpdateIncome(w http.ResponseWriter, r *http.Request) {
	var req incomeRequest
	if !decode(w, r, &req) {
		return
	}
	partner, err := s.ledger.UpdateIncome(r.Context(), chi.URLParam(r, "id"), req.PersonalIncomeMonthly, req.ClientBaseCount, s.schedule, s.clock.Now().UTC())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, partnerView{
		ID:                    partner.ID,
		PersonalIncomeMonthly: partner.PersonalIncomeMonthly.StringFixed(2),
		ClientBaseCount:       partner.ClientBaseCount,
		RevenueShareActive:    partner.RevenueShareActive,
		PartnerValuePercent:   partner.PartnerValuePercent.String(),
		ActivationDate:        optionalTime(partner.ActivationDate),
	})
}

type enqueueRequest struct {
	PartnerID string          `json:"partner_id"`
	PeriodKey string          `json:"period_key"`
	Type      string          `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	Priority  int             `json:"priority"`
}

func (s *Server) handleEnqueueObligation(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !decode(w, r, &req) {
		return
	}
	typ := domain.ObligationType(strings.TrimSpace(req.Type))
	if typ == "" {
		typ = domain.ObligationReferralCommission
	}
	ob, err := s.queue.Enqueue(r.Context(), req.PartnerID, req.PeriodKey, typ, req.Amount, req.Priority)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newObligationView(ob))
}

func (s *Server) handleResetObligation(w http.ResponseWriter, r *http.Request) {
	ob, err := s.queue.Reset(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newObligationView(ob))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.settle.Pause()
	s.logger.Warn("settlement paused by operator", slog.Any("scopes", Actor(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.settle.Resume()
	s.logger.Info("settlement resumed by operator", slog.Any("scopes", Actor(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settle.Status())
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("admin request error", slog.Any("error", err))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidPartnerValue):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrPartnerNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrDuplicateObligation),
		errors.Is(err, domain.ErrLeaseLost),
		errors.Is(err, domain.ErrAlreadySettled),
		errors.Is(err, settlement.ErrPaused),
		errors.Is(err, settlement.ErrWorkerBusy):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
