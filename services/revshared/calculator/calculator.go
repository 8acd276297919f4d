package calculator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"revshare/observability"
	"revshare/services/revshared/config"
	"revshare/services/revshared/domain"
	"revshare/services/revshared/network"
	"revshare/services/revshared/storage"
)

// Ledger is the persistence surface a calculation pass reads and writes.
type Ledger interface {
	TurnoverByPartner(ctx context.Context, period domain.Period) (map[string]decimal.Decimal, error)
	GetPartner(ctx context.Context, id string) (domain.Partner, error)
	ListRecords(ctx context.Context, filter storage.RecordFilter) ([]domain.RevenueShareRecord, error)
	ReplacePendingRecords(ctx context.Context, periodID string, records []domain.RevenueShareRecord, now time.Time, retain ...func(domain.RecordKey) bool) (storage.ReplaceResult, error)
}

// indirectEdgeCounter is implemented by ledgers that can report stored edges
// the resolver ignores.
type indirectEdgeCounter interface {
	IndirectEdges(ctx context.Context, asOf time.Time) (int, error)
}

// Resolver returns the upline chain of a partner.
type Resolver interface {
	Resolve(ctx context.Context, partnerID string, period domain.Period) (network.Chain, error)
}

// Metrics exposes Prometheus collectors for calculation passes.
type Metrics = observability.RevshareMetrics

// Params are the calculation constants.
type Params struct {
	LevelRate  decimal.Decimal
	CapPercent decimal.Decimal
	CapPolicy  string
}

// DefaultParams returns the 5% level rate, 30% cap and aggregate cap policy.
func DefaultParams() Params {
	return Params{
		LevelRate:  decimal.RequireFromString("0.05"),
		CapPercent: decimal.RequireFromString("0.30"),
		CapPolicy:  config.CapPolicyAggregate,
	}
}

// ParamsFromConfig extracts calculation constants from the daemon config.
func ParamsFromConfig(cfg config.CalculationConfig) Params {
	return Params{
		LevelRate:  cfg.LevelRate.Decimal,
		CapPercent: cfg.CapPercent.Decimal,
		CapPolicy:  cfg.CapPolicy,
	}
}

// Result summarises a calculation pass.
type Result struct {
	PeriodID string
	Records  []domain.RevenueShareRecord
	// Skipped lists beneficiaries left out because their registry record was
	// missing or could not be read.
	Skipped []string
	// UnresolvedSources lists partners whose upline could not be read. Their
	// existing pending records are kept as they were.
	UnresolvedSources []string
	// RetainedBeneficiaries lists skipped beneficiaries whose existing pending
	// records are kept because the failure was not a missing record.
	RetainedBeneficiaries []string
	Warnings              []error
	Clamped               int
	Written               storage.ReplaceResult
}

// Total sums the final amounts of the produced records.
func (r Result) Total() decimal.Decimal {
	total := decimal.Zero
	for _, rec := range r.Records {
		total = total.Add(rec.FinalAmount)
	}
	return total
}

// Calculator computes revenue share entitlements for closed periods.
type Calculator struct {
	ledger   Ledger
	resolver Resolver
	params   Params
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
}

// Option customises the calculator.
type Option func(*Calculator)

// WithParams overrides the calculation constants.
func WithParams(p Params) Option {
	return func(c *Calculator) { c.params = p }
}

// WithLogger overrides the calculator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Calculator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *Metrics) Option {
	return func(c *Calculator) { c.metrics = m }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(c *Calculator) {
		if clock != nil {
			c.now = clock
		}
	}
}

// New constructs a calculator.
func New(ledger Ledger, resolver Resolver, opts ...Option) (*Calculator, error) {
	if ledger == nil {
		return nil, fmt.Errorf("calculator: ledger required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("calculator: resolver required")
	}
	c := &Calculator{
		ledger:   ledger,
		resolver: resolver,
		params:   DefaultParams(),
		logger:   slog.Default(),
		metrics:  observability.Revshare(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	switch c.params.CapPolicy {
	case config.CapPolicyAggregate, config.CapPolicyPerRecord:
	default:
		return nil, fmt.Errorf("calculator: unknown cap policy %q", c.params.CapPolicy)
	}
	return c, nil
}

type candidate struct {
	source        string
	level         int
	systemRevenue decimal.Decimal
	calculated    decimal.Decimal
}

// Compute derives the pending record set for the period from current ledger
// state without writing it. Identical ledger state yields identical output.
func (c *Calculator) Compute(ctx context.Context, period domain.Period) (Result, error) {
	result := Result{PeriodID: period.ID}
	turnover, err := c.ledger.TurnoverByPartner(ctx, period)
	if err != nil {
		return result, fmt.Errorf("load turnover: %w", err)
	}
	sources := make([]string, 0, len(turnover))
	for id, amount := range turnover {
		if amount.IsPositive() {
			sources = append(sources, id)
		}
	}
	sort.Strings(sources)
	if counter, ok := c.ledger.(indirectEdgeCounter); ok {
		n, err := counter.IndirectEdges(ctx, period.End)
		if err != nil {
			return result, fmt.Errorf("count indirect edges: %w", err)
		}
		if n > 0 {
			c.warn(&result, "indirect_edges", fmt.Errorf("%w: %d referral edges above level 1 ignored; levels are derived from direct edges", domain.ErrDataIntegrity, n))
		}
	}

	byBeneficiary := make(map[string][]candidate)
	unresolved := make(map[string]struct{})
	for _, sourceID := range sources {
		source, err := c.ledger.GetPartner(ctx, sourceID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			if errors.Is(err, domain.ErrPartnerNotFound) {
				c.warn(&result, "missing_source", fmt.Errorf("%w: turnover for unknown partner %s", domain.ErrDataIntegrity, sourceID))
				continue
			}
			unresolved[sourceID] = struct{}{}
			result.UnresolvedSources = append(result.UnresolvedSources, sourceID)
			c.warn(&result, "unreadable_source", fmt.Errorf("%w: load source partner %s: %v", domain.ErrDataIntegrity, sourceID, err))
			continue
		}
		systemRevenue := turnover[sourceID].Mul(source.PartnerValuePercent).Div(decimal.NewFromInt(100))
		calculated := systemRevenue.Mul(c.params.LevelRate).RoundDown(2)
		if !calculated.IsPositive() {
			continue
		}
		chain, err := c.resolver.Resolve(ctx, sourceID, period)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			unresolved[sourceID] = struct{}{}
			result.UnresolvedSources = append(result.UnresolvedSources, sourceID)
			if !errors.Is(err, domain.ErrDataIntegrity) {
				err = fmt.Errorf("%w: resolve upline of %s: %v", domain.ErrDataIntegrity, sourceID, err)
			}
			c.warn(&result, "unresolved_source", err)
			continue
		}
		for _, w := range chain.Warnings {
			kind := "ambiguous_referrer"
			if errors.Is(w, domain.ErrReferralCycle) {
				kind = "cycle"
			}
			c.warn(&result, kind, w)
		}
		for _, up := range chain.Uplines {
			byBeneficiary[up.ReferrerID] = append(byBeneficiary[up.ReferrerID], candidate{
				source:        sourceID,
				level:         up.Level,
				systemRevenue: systemRevenue,
				calculated:    calculated,
			})
		}
	}

	beneficiaries := make([]string, 0, len(byBeneficiary))
	for id := range byBeneficiary {
		beneficiaries = append(beneficiaries, id)
	}
	sort.Strings(beneficiaries)
	for _, id := range beneficiaries {
		records, clamped, err := c.beneficiaryRecords(ctx, period, id, byBeneficiary[id], unresolved)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			result.Skipped = append(result.Skipped, id)
			if errors.Is(err, domain.ErrPartnerNotFound) {
				c.warn(&result, "missing_beneficiary", fmt.Errorf("%w: %v", domain.ErrDataIntegrity, err))
				continue
			}
			result.RetainedBeneficiaries = append(result.RetainedBeneficiaries, id)
			c.warn(&result, "unreadable_beneficiary", fmt.Errorf("%w: beneficiary %s: %v", domain.ErrDataIntegrity, id, err))
			continue
		}
		result.Records = append(result.Records, records...)
		result.Clamped += clamped
	}
	return result, nil
}

// retains matches pending records this pass could not recompute.
func (r Result) retains(key domain.RecordKey) bool {
	for _, id := range r.UnresolvedSources {
		if key.SourceID == id {
			return true
		}
	}
	for _, id := range r.RetainedBeneficiaries {
		if key.BeneficiaryID == id {
			return true
		}
	}
	return false
}

// Run computes the period and atomically replaces its pending record set.
func (c *Calculator) Run(ctx context.Context, period domain.Period) (Result, error) {
	result, err := c.Compute(ctx, period)
	if err != nil {
		return result, err
	}
	written, err := c.ledger.ReplacePendingRecords(ctx, period.ID, result.Records, c.now(), result.retains)
	if err != nil {
		return result, fmt.Errorf("persist records: %w", err)
	}
	result.Written = written
	c.metrics.RecordWrite(written.Upserted, written.Removed)
	c.logger.Info("revenue share calculated",
		"period", period.ID,
		"records", len(result.Records),
		"total", result.Total().StringFixed(2),
		"clamped", result.Clamped,
		"removed", written.Removed,
		"skipped", len(result.Skipped),
		"warnings", len(result.Warnings))
	return result, nil
}

func (c *Calculator) beneficiaryRecords(ctx context.Context, period domain.Period, beneficiaryID string, candidates []candidate, unresolved map[string]struct{}) ([]domain.RevenueShareRecord, int, error) {
	partner, err := c.ledger.GetPartner(ctx, beneficiaryID)
	if err != nil {
		return nil, 0, err
	}
	if !partner.RevenueShareActive {
		return nil, 0, nil
	}
	capAmount := partner.PersonalIncomeMonthly.Mul(c.params.CapPercent).RoundDown(2)

	frozen, err := c.ledger.ListRecords(ctx, storage.RecordFilter{
		PeriodID:      period.ID,
		BeneficiaryID: beneficiaryID,
		Statuses:      []domain.RecordStatus{domain.RecordPending, domain.RecordApproved, domain.RecordPaid, domain.RecordFailed},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("load frozen records: %w", err)
	}
	frozenKeys := make(map[domain.RecordKey]struct{}, len(frozen))
	consumed := decimal.Zero
	for _, rec := range frozen {
		if rec.Status == domain.RecordPending {
			// Pending rows are recomputed unless their source is unresolved.
			if _, ok := unresolved[rec.SourceID]; !ok {
				continue
			}
		}
		frozenKeys[rec.Key()] = struct{}{}
		consumed = consumed.Add(rec.FinalAmount)
	}

	open := make([]candidate, 0, len(candidates))
	total := decimal.Zero
	for _, cand := range candidates {
		key := domain.RecordKey{BeneficiaryID: beneficiaryID, SourceID: cand.source, Level: cand.level, PeriodID: period.ID}
		if _, ok := frozenKeys[key]; ok {
			continue
		}
		open = append(open, cand)
		total = total.Add(cand.calculated)
	}

	remaining := capAmount.Sub(consumed)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	scale := c.params.CapPolicy == config.CapPolicyAggregate && total.GreaterThan(remaining)

	records := make([]domain.RevenueShareRecord, 0, len(open))
	clamped := 0
	for _, cand := range open {
		var final decimal.Decimal
		if c.params.CapPolicy == config.CapPolicyPerRecord {
			final = decimal.Min(cand.calculated, capAmount)
		} else if scale {
			final = cand.calculated.Mul(remaining).Div(total).RoundDown(2)
		} else {
			final = cand.calculated
		}
		if final.LessThan(cand.calculated) {
			clamped++
			c.metrics.RecordCapClamp(c.params.CapPolicy)
		}
		if !final.IsPositive() {
			continue
		}
		records = append(records, domain.RevenueShareRecord{
			BeneficiaryID:    beneficiaryID,
			SourceID:         cand.source,
			Level:            cand.level,
			PeriodID:         period.ID,
			PeriodStart:      period.Start,
			PeriodEnd:        period.End,
			SystemRevenue:    cand.systemRevenue,
			CalculatedAmount: cand.calculated,
			CapAmount:        capAmount,
			FinalAmount:      final,
			Status:           domain.RecordPending,
		})
	}
	return records, clamped, nil
}

func (c *Calculator) warn(result *Result, kind string, err error) {
	result.Warnings = append(result.Warnings, err)
	c.metrics.RecordIntegrityWarning(kind)
	c.logger.Warn("calculation integrity warning", "period", result.PeriodID, "kind", kind, "error", err)
}
