package settlement

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"lukechampine.com/blake3"

	"revshare/observability"
	"revshare/services/revshared/config"
	"revshare/services/revshared/domain"
	"revshare/services/revshared/rates"
	"revshare/services/revshared/settlement/rail"
	"revshare/services/revshared/storage"
)

// ErrPaused is returned when a payout run is attempted while settlement is paused.
var ErrPaused = errors.New("settlement: paused")

// ErrWorkerBusy is returned when another payout run holds the hot wallet.
var ErrWorkerBusy = errors.New("settlement: worker busy")

// leaseMargin is added to the rail timeout when holding an obligation's lease.
const leaseMargin = time.Minute

// Ledger is the persistence surface the service reads and writes.
type Ledger interface {
	GetObligation(ctx context.Context, id string) (domain.SettlementObligation, error)
	GetPartner(ctx context.Context, id string) (domain.Partner, error)
	RenewLease(ctx context.Context, id, owner string, until, now time.Time) error
	MarkSubmitting(ctx context.Context, id, owner string, sub storage.Submission, now time.Time) error
	CompleteObligation(ctx context.Context, id, txRef, txLT string, now time.Time) error
	PendingDebits(ctx context.Context) (decimal.Decimal, error)
}

// Queue is the retry surface of the settlement queue.
type Queue interface {
	Claim(ctx context.Context, owner string) ([]domain.SettlementObligation, error)
	Retry(ctx context.Context, ob domain.SettlementObligation, owner string, cause error) (bool, error)
	Release(ctx context.Context, ob domain.SettlementObligation, owner string, cause error) error
	Fail(ctx context.Context, ob domain.SettlementObligation, owner string, status domain.ObligationStatus, cause error) error
}

// RateProvider resolves the fiat per unit conversion rate.
type RateProvider interface {
	GetRate(ctx context.Context, pair string) (rates.Rate, error)
}

// Metrics exposes Prometheus collectors for settlement.
type Metrics = observability.RevshareMetrics

// Policy holds the conversion and payout constants.
type Policy struct {
	WorkerID           string
	Asset              string
	Pair               string
	Decimals           int
	MinPayout          decimal.Decimal
	StaleRateMaxAmount decimal.Decimal
	// RunBudget caps whole units spent per run. Zero means the wallet balance.
	RunBudget   decimal.Decimal
	RailTimeout time.Duration
}

// PolicyFromConfig extracts the settlement policy from the daemon config.
func PolicyFromConfig(cfg config.Config) Policy {
	return Policy{
		WorkerID:           cfg.Settlement.WorkerID,
		Asset:              cfg.Settlement.Asset,
		Pair:               cfg.Rates.Pair(),
		Decimals:           cfg.Settlement.Decimals,
		MinPayout:          cfg.Settlement.MinPayout.Decimal,
		StaleRateMaxAmount: cfg.Settlement.StaleRateMaxAmount.Decimal,
		RunBudget:          cfg.Settlement.RunBudget.Decimal,
		RailTimeout:        cfg.Rail.Timeout.Duration,
	}
}

// Outcome names the result of one settlement attempt.
type Outcome string

const (
	OutcomePaid           Outcome = "paid"
	OutcomeAlreadySettled Outcome = "already_settled"
	OutcomeRetry          Outcome = "retry"
	OutcomeReleased       Outcome = "released"
	OutcomeFailed         Outcome = "failed"
	OutcomeNoWallet       Outcome = "no_wallet"
	OutcomeDeferred       Outcome = "deferred"
)

// Result reports what happened to an obligation.
type Result struct {
	ObligationID string          `json:"obligation_id"`
	Outcome      Outcome         `json:"outcome"`
	TxRef        string          `json:"tx_ref,omitempty"`
	Units        decimal.Decimal `json:"units"`
	Reason       string          `json:"reason,omitempty"`
}

// RunSummary aggregates a payout run.
type RunSummary struct {
	StartedAt time.Time         `json:"started_at"`
	Claimed   int               `json:"claimed"`
	Outcomes  map[Outcome]int   `json:"outcomes"`
	Budget    decimal.Decimal   `json:"budget"`
	Remaining decimal.Decimal   `json:"remaining"`
	Results   []Result          `json:"results,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// Status summarises service state for administrative endpoints.
type Status struct {
	Paused   bool        `json:"paused"`
	WorkerID string      `json:"worker_id"`
	Running  bool        `json:"running"`
	LastRun  *RunSummary `json:"last_run,omitempty"`
}

// Service converts obligations to on-chain units and pays them through the rail.
type Service struct {
	ledger  Ledger
	queue   Queue
	rates   RateProvider
	rail    rail.Rail
	policy  Policy
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer

	// worker serialises access to the hot wallet credential.
	worker sync.Mutex

	mu      sync.Mutex
	paused  bool
	running bool
	lastRun *RunSummary
}

// Option customises the service.
type Option func(*Service)

// WithClock overrides the wall clock.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger overrides the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithPaused starts the service with the pause guard engaged.
func WithPaused(paused bool) Option {
	return func(s *Service) { s.paused = paused }
}

// New constructs a settlement service.
func New(ledger Ledger, queue Queue, rateProvider RateProvider, payments rail.Rail, policy Policy, opts ...Option) (*Service, error) {
	switch {
	case ledger == nil:
		return nil, fmt.Errorf("settlement: ledger required")
	case queue == nil:
		return nil, fmt.Errorf("settlement: queue required")
	case rateProvider == nil:
		return nil, fmt.Errorf("settlement: rate provider required")
	case payments == nil:
		return nil, fmt.Errorf("settlement: payment rail required")
	}
	if strings.TrimSpace(policy.WorkerID) == "" {
		return nil, fmt.Errorf("settlement: worker id required")
	}
	if _, _, err := rates.SplitPair(policy.Pair); err != nil {
		return nil, fmt.Errorf("settlement: %w", err)
	}
	if policy.RailTimeout <= 0 {
		policy.RailTimeout = 30 * time.Second
	}
	s := &Service{
		ledger:  ledger,
		queue:   queue,
		rates:   rateProvider,
		rail:    payments,
		policy:  policy,
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
		metrics: observability.Revshare(),
		tracer:  otel.Tracer("revshare/settlement"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.metrics.SetPause(s.paused)
	return s, nil
}

// Memo derives the rail idempotency key for an obligation.
func Memo(obligationID string) string {
	sum := blake3.Sum256([]byte("revshare:" + obligationID))
	return hex.EncodeToString(sum[:16])
}

// budget tracks whole units still spendable in the current run.
type budget struct {
	total     decimal.Decimal
	remaining decimal.Decimal
}

func (b *budget) spend(units decimal.Decimal) {
	b.remaining = b.remaining.Sub(units)
}

// RunOnce claims one batch of due obligations and settles them in order
// under the run budget.
func (s *Service) RunOnce(ctx context.Context) (summary RunSummary, err error) {
	summary = RunSummary{StartedAt: s.clock.Now().UTC(), Outcomes: make(map[Outcome]int)}
	if err := s.begin(); err != nil {
		return summary, err
	}
	defer s.end(&summary)

	b, err := s.reconcileBudget(ctx)
	if err != nil {
		return summary, err
	}
	summary.Budget = b.total

	claimed, err := s.queue.Claim(ctx, s.policy.WorkerID)
	if err != nil {
		return summary, fmt.Errorf("claim obligations: %w", err)
	}
	summary.Claimed = len(claimed)
	for _, ob := range claimed {
		if ctx.Err() != nil {
			// Unprocessed leases expire and are re-claimed by the next run.
			break
		}
		res, err := s.settleOne(ctx, ob, b)
		if err != nil {
			if summary.Errors == nil {
				summary.Errors = make(map[string]string)
			}
			summary.Errors[ob.ID] = err.Error()
			s.logger.Error("settlement: obligation error",
				slog.String("obligation_id", ob.ID),
				slog.Any("error", err))
		}
		if res.Outcome != "" {
			summary.Outcomes[res.Outcome]++
			summary.Results = append(summary.Results, res)
		}
	}
	summary.Remaining = b.remaining
	s.metrics.RecordBudget(s.policy.Asset, b.remaining, b.total)
	return summary, nil
}

// Settle settles a single obligation leased to this worker. An obligation
// that already holds a transfer proof is never re-executed: the original
// tx ref is returned together with domain.ErrAlreadySettled.
func (s *Service) Settle(ctx context.Context, ob domain.SettlementObligation) (Result, error) {
	current, err := s.ledger.GetObligation(ctx, ob.ID)
	if err != nil {
		return Result{ObligationID: ob.ID}, err
	}
	if current.Settled() {
		s.metrics.RecordSettlement(s.policy.Asset, string(OutcomeAlreadySettled))
		return s.rejectResettle(current)
	}
	if err := s.begin(); err != nil {
		return Result{ObligationID: ob.ID}, err
	}
	summary := RunSummary{StartedAt: s.clock.Now().UTC(), Outcomes: make(map[Outcome]int)}
	defer s.end(&summary)
	b, err := s.reconcileBudget(ctx)
	if err != nil {
		return Result{ObligationID: ob.ID}, err
	}
	res, err := s.settleOne(ctx, ob, b)
	if res.Outcome != "" {
		summary.Claimed = 1
		summary.Outcomes[res.Outcome]++
		summary.Results = append(summary.Results, res)
	}
	summary.Budget, summary.Remaining = b.total, b.remaining
	return res, err
}

func (s *Service) begin() error {
	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()
	if paused {
		return ErrPaused
	}
	if !s.worker.TryLock() {
		return ErrWorkerBusy
	}
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	return nil
}

func (s *Service) end(summary *RunSummary) {
	summary.Duration = s.clock.Since(summary.StartedAt)
	s.mu.Lock()
	s.running = false
	snapshot := *summary
	s.lastRun = &snapshot
	s.mu.Unlock()
	s.worker.Unlock()
}

// reconcileBudget refreshes the run budget from the actual wallet balance
// minus transfers submitted but not yet confirmed.
func (s *Service) reconcileBudget(ctx context.Context) (*budget, error) {
	balanceUnits, err := s.rail.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("wallet balance: %w", err)
	}
	balance := rail.FromBaseUnits(balanceUnits, s.policy.Decimals)
	pending, err := s.ledger.PendingDebits(ctx)
	if err != nil {
		return nil, err
	}
	available := balance.Sub(pending)
	if available.IsNegative() {
		available = decimal.Zero
	}
	total := available
	if s.policy.RunBudget.IsPositive() && s.policy.RunBudget.LessThan(total) {
		total = s.policy.RunBudget
	}
	s.metrics.RecordBudget(s.policy.Asset, total, total)
	s.logger.Debug("settlement: budget reconciled",
		slog.String("balance", balance.String()),
		slog.String("pending_debits", pending.String()),
		slog.String("budget", total.String()))
	return &budget{total: total, remaining: total}, nil
}

func (s *Service) settleOne(ctx context.Context, ob domain.SettlementObligation, b *budget) (res Result, err error) {
	ctx, span := s.tracer.Start(ctx, "settlement.settle", trace.WithAttributes(
		attribute.String("obligation.id", ob.ID),
		attribute.String("partner.id", ob.PartnerID),
		attribute.String("obligation.type", string(ob.Type)),
	))
	start := s.clock.Now()
	defer func() {
		span.SetAttributes(attribute.String("settlement.outcome", string(res.Outcome)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if res.Outcome != "" {
			s.metrics.RecordSettlement(s.policy.Asset, string(res.Outcome))
		}
		if res.Outcome == OutcomePaid {
			s.metrics.ObserveLatency(s.policy.Asset, s.clock.Since(start))
		}
	}()

	res = Result{ObligationID: ob.ID}
	current, err := s.ledger.GetObligation(ctx, ob.ID)
	if err != nil {
		return res, err
	}
	if current.Settled() {
		return s.rejectResettle(current)
	}
	owner := s.policy.WorkerID
	if current.Status != domain.ObligationProcessing || current.LeaseOwner != owner {
		return res, fmt.Errorf("%w: obligation %s is %s (lease %q)", domain.ErrLeaseLost, ob.ID, current.Status, current.LeaseOwner)
	}
	// Claims happen per batch; earlier obligations may have used up the lease.
	renewAt := s.clock.Now().UTC()
	if err := s.ledger.RenewLease(ctx, current.ID, owner, s.leaseUntil(renewAt), renewAt); err != nil {
		return res, err
	}

	partner, err := s.ledger.GetPartner(ctx, current.PartnerID)
	if err != nil {
		if errors.Is(err, domain.ErrPartnerNotFound) {
			return s.fail(ctx, res, current, domain.ObligationFailed, OutcomeFailed, err)
		}
		return s.retry(ctx, res, current, domain.Transient(err))
	}
	if !partner.HasPayoutAddress() {
		return s.fail(ctx, res, current, domain.ObligationNoWallet, OutcomeNoWallet, domain.ErrNoWallet)
	}
	address, err := rail.NormalizeAddress(partner.PayoutAddress)
	if err != nil {
		return s.fail(ctx, res, current, domain.ObligationFailed, OutcomeFailed, domain.Permanent(err))
	}
	if current.Type == domain.ObligationRevenueShare && current.AmountFiat.LessThan(s.policy.MinPayout) {
		cause := fmt.Errorf("%w: %s < %s", domain.ErrBelowThreshold, current.AmountFiat.StringFixed(2), s.policy.MinPayout.StringFixed(2))
		return s.fail(ctx, res, current, domain.ObligationDeferred, OutcomeDeferred, cause)
	}

	memo := Memo(current.ID)
	if !current.SubmittedAt.IsZero() {
		if lookup, ok := s.rail.(rail.TransferLookup); ok {
			found, exists, err := lookup.LookupTransfer(ctx, memo)
			if err != nil {
				return s.retry(ctx, res, current, fmt.Errorf("%w: %v", domain.ErrOutcomeUnknown, err))
			}
			if exists {
				s.logger.Info("settlement: recovered in-flight transfer",
					slog.String("obligation_id", current.ID),
					slog.String("tx_ref", found.TxHash))
				res.Units = current.UnitAmount
				return s.complete(ctx, res, current, found)
			}
		}
	}

	rate, err := s.rates.GetRate(ctx, s.policy.Pair)
	if err != nil {
		return s.retry(ctx, res, current, err)
	}
	if rate.Stale && current.AmountFiat.GreaterThan(s.policy.StaleRateMaxAmount) {
		cause := fmt.Errorf("%w: %s fetched %s from %s", domain.ErrStaleRate, rate.Pair, rate.FetchedAt.Format(time.RFC3339), rate.Source)
		return s.release(ctx, res, current, cause)
	}
	units, err := rate.ToUnits(current.AmountFiat)
	if err != nil {
		return s.fail(ctx, res, current, domain.ObligationFailed, OutcomeFailed, domain.Permanent(err))
	}
	baseUnits, err := rail.ToBaseUnits(units, s.policy.Decimals)
	if err != nil {
		return s.fail(ctx, res, current, domain.ObligationFailed, OutcomeFailed, domain.Permanent(err))
	}
	units = rail.FromBaseUnits(baseUnits, s.policy.Decimals)
	res.Units = units
	if units.GreaterThan(b.remaining) {
		cause := fmt.Errorf("%w: need %s, run budget %s", domain.ErrInsufficientBalance, units, b.remaining)
		return s.release(ctx, res, current, cause)
	}

	submitAt := s.clock.Now().UTC()
	sub := storage.Submission{Memo: memo, UnitAmount: units, Rate: rate.Rate, LeaseUntil: s.leaseUntil(submitAt)}
	if err := s.ledger.MarkSubmitting(ctx, current.ID, owner, sub, submitAt); err != nil {
		return res, err
	}
	b.spend(units)

	// A submitted transfer cannot be cancelled; wait for the rail's answer.
	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.policy.RailTimeout)
	transfer, err := s.rail.SubmitTransfer(submitCtx, address, baseUnits, memo)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInsufficientBalance):
			return s.release(ctx, res, current, err)
		case domain.KindOf(err) == domain.KindPermanent:
			return s.fail(ctx, res, current, domain.ObligationFailed, OutcomeFailed, err)
		default:
			return s.retry(ctx, res, current, err)
		}
	}
	return s.complete(ctx, res, current, transfer)
}

func (s *Service) leaseUntil(now time.Time) time.Time {
	return now.Add(s.policy.RailTimeout + leaseMargin)
}

func (s *Service) rejectResettle(ob domain.SettlementObligation) (Result, error) {
	s.logger.Error("settlement: refusing to re-settle paid obligation",
		slog.String("obligation_id", ob.ID),
		slog.String("tx_ref", ob.ExternalTxRef))
	res := Result{ObligationID: ob.ID, Outcome: OutcomeAlreadySettled, TxRef: ob.ExternalTxRef, Units: ob.UnitAmount}
	return res, fmt.Errorf("%w: %s", domain.ErrAlreadySettled, ob.ID)
}

func (s *Service) complete(ctx context.Context, res Result, ob domain.SettlementObligation, transfer rail.Transfer) (Result, error) {
	// The transfer already happened; persist its proof even if the run is cancelling.
	ctx = context.WithoutCancel(ctx)
	if err := s.ledger.CompleteObligation(ctx, ob.ID, transfer.TxHash, transfer.TxLT, s.clock.Now().UTC()); err != nil {
		s.logger.Error("settlement: transfer sent but proof not persisted",
			slog.String("obligation_id", ob.ID),
			slog.String("tx_ref", transfer.TxHash),
			slog.Any("error", err))
		return res, err
	}
	res.Outcome = OutcomePaid
	res.TxRef = transfer.TxHash
	s.logger.Info("settlement: obligation paid",
		slog.String("obligation_id", ob.ID),
		slog.String("partner_id", ob.PartnerID),
		slog.String("amount_fiat", ob.AmountFiat.StringFixed(2)),
		slog.String("units", res.Units.String()),
		slog.String("tx_ref", transfer.TxHash))
	return res, nil
}

func (s *Service) retry(ctx context.Context, res Result, ob domain.SettlementObligation, cause error) (Result, error) {
	res.Reason = cause.Error()
	exhausted, err := s.queue.Retry(ctx, ob, s.policy.WorkerID, cause)
	if err != nil {
		return res, err
	}
	res.Outcome = OutcomeRetry
	if exhausted {
		res.Outcome = OutcomeFailed
	}
	return res, nil
}

func (s *Service) release(ctx context.Context, res Result, ob domain.SettlementObligation, cause error) (Result, error) {
	res.Reason = cause.Error()
	if err := s.queue.Release(ctx, ob, s.policy.WorkerID, cause); err != nil {
		return res, err
	}
	res.Outcome = OutcomeReleased
	s.logger.Warn("settlement: obligation released",
		slog.String("obligation_id", ob.ID),
		slog.String("reason", res.Reason))
	return res, nil
}

func (s *Service) fail(ctx context.Context, res Result, ob domain.SettlementObligation, status domain.ObligationStatus, outcome Outcome, cause error) (Result, error) {
	res.Reason = cause.Error()
	if err := s.queue.Fail(ctx, ob, s.policy.WorkerID, status, cause); err != nil {
		return res, err
	}
	res.Outcome = outcome
	return res, nil
}

// Pause halts new payout runs. A run already in progress finishes its batch.
func (s *Service) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	s.metrics.SetPause(true)
}

// Resume re-enables payout runs.
func (s *Service) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	s.metrics.SetPause(false)
}

// Status reports the current service snapshot.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := Status{Paused: s.paused, WorkerID: s.policy.WorkerID, Running: s.running}
	if s.lastRun != nil {
		last := *s.lastRun
		status.LastRun = &last
	}
	return status
}
