package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"revshare/observability"
	"revshare/services/revshared/config"
	"revshare/services/revshared/domain"
)

// Store is the durable backing of the settlement queue.
type Store interface {
	InsertObligation(ctx context.Context, ob domain.SettlementObligation) (domain.SettlementObligation, error)
	EnqueueBatch(ctx context.Context, ob domain.SettlementObligation, recordIDs []string) (domain.SettlementObligation, error)
	ApprovedUnbatched(ctx context.Context) ([]domain.RevenueShareRecord, error)
	ClaimObligations(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]domain.SettlementObligation, error)
	Requeue(ctx context.Context, id, owner string, retryCount int, next time.Time, reason string, now time.Time) error
	Finalize(ctx context.Context, id, owner string, status domain.ObligationStatus, retryCount int, reason string, now time.Time) error
	ResetObligation(ctx context.Context, id string, now time.Time) (domain.SettlementObligation, error)
	QueueDepth(ctx context.Context) (map[domain.ObligationStatus]int, error)
}

// Metrics exposes the queue depth gauges.
type Metrics = observability.RevshareMetrics

// Policy holds the batching and retry constants.
type Policy struct {
	BatchSize  int
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Lease      time.Duration
	MinPayout  decimal.Decimal
	Currency   string
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		BatchSize:  50,
		MaxRetries: 5,
		BaseDelay:  time.Minute,
		MaxDelay:   6 * time.Hour,
		Lease:      5 * time.Minute,
		MinPayout:  decimal.NewFromInt(10),
		Currency:   "USD",
	}
}

// PolicyFromConfig extracts the queue policy from the daemon config.
func PolicyFromConfig(cfg config.Config) Policy {
	return Policy{
		BatchSize:  cfg.Queue.BatchSize,
		MaxRetries: cfg.Queue.MaxRetries,
		BaseDelay:  cfg.Queue.BaseDelay.Duration,
		MaxDelay:   cfg.Queue.MaxDelay.Duration,
		Lease:      cfg.Queue.Lease.Duration,
		MinPayout:  cfg.Settlement.MinPayout.Decimal,
		Currency:   cfg.Settlement.Currency,
	}
}

// Backoff returns base_delay × 2^retryCount, capped at max_delay.
func (p Policy) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Queue is the persistent priority FIFO of settlement obligations.
type Queue struct {
	store   Store
	policy  Policy
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *Metrics
}

// Option customises the queue.
type Option func(*Queue)

// WithClock overrides the wall clock.
func WithClock(clock clockwork.Clock) Option {
	return func(q *Queue) {
		if clock != nil {
			q.clock = clock
		}
	}
}

// WithLogger overrides the queue logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// New constructs a queue over store.
func New(store Store, policy Policy, opts ...Option) (*Queue, error) {
	if store == nil {
		return nil, fmt.Errorf("queue: store required")
	}
	defaults := DefaultPolicy()
	if policy.BatchSize <= 0 {
		policy.BatchSize = defaults.BatchSize
	}
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = defaults.MaxRetries
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = defaults.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = defaults.MaxDelay
	}
	if policy.Lease <= 0 {
		policy.Lease = defaults.Lease
	}
	if policy.Currency == "" {
		policy.Currency = defaults.Currency
	}
	q := &Queue{
		store:   store,
		policy:  policy,
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
		metrics: observability.Revshare(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q, nil
}

// Policy returns the effective queue policy.
func (q *Queue) Policy() Policy { return q.policy }

// Accumulation reports a partner whose approved total is still below the
// minimum payout.
type Accumulation struct {
	PartnerID string
	Amount    decimal.Decimal
	Records   int
}

// BatchResult summarises a batching pass.
type BatchResult struct {
	Enqueued     []domain.SettlementObligation
	Accumulating []Accumulation
	// Conflicts lists partners whose obligation for the period already exists;
	// their records roll into the next period's batch.
	Conflicts []string
}

// BatchApproved groups every approved record not yet attached to an
// obligation by beneficiary and enqueues one revenue share obligation per
// partner whose total reaches the minimum payout. Smaller totals stay
// approved and accumulate across periods.
func (q *Queue) BatchApproved(ctx context.Context, periodID string) (BatchResult, error) {
	var result BatchResult
	if strings.TrimSpace(periodID) == "" {
		return result, fmt.Errorf("%w: period id required", domain.ErrValidation)
	}
	records, err := q.store.ApprovedUnbatched(ctx)
	if err != nil {
		return result, err
	}
	type batch struct {
		ids   []string
		total decimal.Decimal
	}
	batches := make(map[string]*batch)
	for _, rec := range records {
		b, ok := batches[rec.BeneficiaryID]
		if !ok {
			b = &batch{total: decimal.Zero}
			batches[rec.BeneficiaryID] = b
		}
		b.ids = append(b.ids, rec.ID)
		b.total = b.total.Add(rec.FinalAmount)
	}
	partners := make([]string, 0, len(batches))
	for id := range batches {
		partners = append(partners, id)
	}
	sort.Strings(partners)

	now := q.clock.Now().UTC()
	for _, partnerID := range partners {
		b := batches[partnerID]
		if !b.total.IsPositive() || b.total.LessThan(q.policy.MinPayout) {
			result.Accumulating = append(result.Accumulating, Accumulation{PartnerID: partnerID, Amount: b.total, Records: len(b.ids)})
			continue
		}
		ob, err := q.store.EnqueueBatch(ctx, domain.SettlementObligation{
			PartnerID:  partnerID,
			PeriodID:   periodID,
			Type:       domain.ObligationRevenueShare,
			AmountFiat: b.total,
			Currency:   q.policy.Currency,
			MaxRetries: q.policy.MaxRetries,
			CreatedAt:  now,
			UpdatedAt:  now,
		}, b.ids)
		if errors.Is(err, domain.ErrDuplicateObligation) {
			q.logger.Warn("queue: obligation already exists, records carried forward",
				slog.String("partner_id", partnerID),
				slog.String("period_id", periodID),
				slog.String("amount", b.total.StringFixed(2)))
			result.Conflicts = append(result.Conflicts, partnerID)
			continue
		}
		if err != nil {
			return result, fmt.Errorf("enqueue %s: %w", partnerID, err)
		}
		result.Enqueued = append(result.Enqueued, ob)
	}
	q.logger.Info("queue: batched approved records",
		slog.String("period_id", periodID),
		slog.Int("enqueued", len(result.Enqueued)),
		slog.Int("accumulating", len(result.Accumulating)))
	q.publishDepth(ctx)
	return result, nil
}

// Enqueue queues a standalone obligation such as a referral commission.
// A second obligation for the same (partner, period key, type) is rejected
// with domain.ErrDuplicateObligation.
func (q *Queue) Enqueue(ctx context.Context, partnerID, periodKey string, typ domain.ObligationType, amount decimal.Decimal, priority int) (domain.SettlementObligation, error) {
	if !amount.IsPositive() {
		return domain.SettlementObligation{}, fmt.Errorf("%w: %s", domain.ErrInvalidAmount, amount)
	}
	now := q.clock.Now().UTC()
	ob, err := q.store.InsertObligation(ctx, domain.SettlementObligation{
		PartnerID:  strings.TrimSpace(partnerID),
		PeriodID:   strings.TrimSpace(periodKey),
		Type:       typ,
		AmountFiat: amount.RoundDown(2),
		Currency:   q.policy.Currency,
		Priority:   priority,
		MaxRetries: q.policy.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return ob, err
	}
	q.logger.Info("queue: obligation enqueued",
		slog.String("obligation_id", ob.ID),
		slog.String("partner_id", ob.PartnerID),
		slog.String("type", string(ob.Type)))
	return ob, nil
}

// Claim leases up to one batch of due obligations to owner.
func (q *Queue) Claim(ctx context.Context, owner string) ([]domain.SettlementObligation, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, fmt.Errorf("%w: worker id required", domain.ErrValidation)
	}
	return q.store.ClaimObligations(ctx, owner, q.clock.Now().UTC(), q.policy.Lease, q.policy.BatchSize)
}

// Retry records a failed attempt. The obligation is requeued with exponential
// backoff until it has used max_retries attempts, after which it is marked
// failed and never retried automatically. It reports whether the obligation
// reached the failed state.
func (q *Queue) Retry(ctx context.Context, ob domain.SettlementObligation, owner string, cause error) (bool, error) {
	now := q.clock.Now().UTC()
	maxRetries := ob.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.policy.MaxRetries
	}
	attempts := ob.RetryCount + 1
	reason := errorReason(cause)
	if attempts >= maxRetries {
		reason = fmt.Sprintf("%s: %s", domain.ErrRetriesExhausted, reason)
		if err := q.store.Finalize(ctx, ob.ID, owner, domain.ObligationFailed, attempts, reason, now); err != nil {
			return false, err
		}
		q.logger.Error("queue: retries exhausted",
			slog.String("obligation_id", ob.ID),
			slog.Int("retry_count", attempts),
			slog.String("reason", reason))
		return true, nil
	}
	next := now.Add(q.policy.Backoff(ob.RetryCount))
	if err := q.store.Requeue(ctx, ob.ID, owner, attempts, next, reason, now); err != nil {
		return false, err
	}
	q.logger.Warn("queue: obligation requeued",
		slog.String("obligation_id", ob.ID),
		slog.Int("retry_count", attempts),
		slog.Time("next_attempt_at", next),
		slog.String("reason", reason))
	return false, nil
}

// Release returns an obligation to pending without consuming a retry slot.
// It is used for infrastructure conditions that say nothing about the
// obligation itself, such as an exhausted hot wallet.
func (q *Queue) Release(ctx context.Context, ob domain.SettlementObligation, owner string, cause error) error {
	now := q.clock.Now().UTC()
	return q.store.Requeue(ctx, ob.ID, owner, ob.RetryCount, now.Add(q.policy.BaseDelay), errorReason(cause), now)
}

// Fail moves an obligation to a terminal status (failed, no_wallet or deferred).
func (q *Queue) Fail(ctx context.Context, ob domain.SettlementObligation, owner string, status domain.ObligationStatus, cause error) error {
	now := q.clock.Now().UTC()
	if err := q.store.Finalize(ctx, ob.ID, owner, status, ob.RetryCount, errorReason(cause), now); err != nil {
		return err
	}
	q.logger.Warn("queue: obligation finalized",
		slog.String("obligation_id", ob.ID),
		slog.String("status", string(status)),
		slog.String("reason", errorReason(cause)))
	return nil
}

// Reset is the operator path that returns a failed or no_wallet obligation
// to pending with a fresh retry budget.
func (q *Queue) Reset(ctx context.Context, id string) (domain.SettlementObligation, error) {
	ob, err := q.store.ResetObligation(ctx, id, q.clock.Now().UTC())
	if err != nil {
		return ob, err
	}
	q.logger.Info("queue: obligation reset", slog.String("obligation_id", id))
	q.publishDepth(ctx)
	return ob, nil
}

// Depth returns obligation counts per status and refreshes the gauges.
func (q *Queue) Depth(ctx context.Context) (map[domain.ObligationStatus]int, error) {
	depth, err := q.store.QueueDepth(ctx)
	if err != nil {
		return nil, err
	}
	labels := make(map[string]int, len(depth))
	for _, status := range []domain.ObligationStatus{
		domain.ObligationPending, domain.ObligationProcessing, domain.ObligationPaid,
		domain.ObligationFailed, domain.ObligationNoWallet, domain.ObligationDeferred,
	} {
		labels[string(status)] = depth[status]
	}
	q.metrics.SetQueueDepth(labels)
	return depth, nil
}

func (q *Queue) publishDepth(ctx context.Context) {
	if _, err := q.Depth(ctx); err != nil {
		q.logger.Debug("queue: depth refresh failed", slog.Any("error", err))
	}
}

func errorReason(err error) string {
	if err == nil {
		return "unspecified"
	}
	return err.Error()
}
