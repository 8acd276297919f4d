package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"revshare/services/revshared/calculator"
	"revshare/services/revshared/config"
	"revshare/services/revshared/domain"
	"revshare/services/revshared/queue"
	"revshare/services/revshared/settlement"
	"revshare/services/revshared/storage"
)

// Store is the persistence surface the orchestrator drives.
type Store interface {
	EnsurePeriod(ctx context.Context, p domain.Period, now time.Time) (domain.Period, error)
	GetPeriod(ctx context.Context, id string) (domain.Period, error)
	ListPeriods(ctx context.Context, statuses ...domain.PeriodStatus) ([]domain.Period, error)
	TransitionPeriod(ctx context.Context, id string, from, to domain.PeriodStatus, now time.Time) error
	AcquireCalcLock(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) error
	ReleaseCalcLock(ctx context.Context, id, owner string) error
	ApprovePeriod(ctx context.Context, periodID string, now time.Time) (int64, error)
	OpenObligations(ctx context.Context, periodID string) (int, error)
	ListRecords(ctx context.Context, filter storage.RecordFilter) ([]domain.RevenueShareRecord, error)
	GetPartner(ctx context.Context, id string) (domain.Partner, error)
	PartnerTotals(ctx context.Context, partnerID, periodID string) (decimal.Decimal, decimal.Decimal, error)
	UnnotifiedFailures(ctx context.Context, since time.Time, limit int) ([]domain.SettlementObligation, error)
	MarkNotified(ctx context.Context, id string, now time.Time) error
}

// Calculator runs a write-calculation pass over a period.
type Calculator interface {
	Run(ctx context.Context, period domain.Period) (calculator.Result, error)
}

// Batcher turns approved records into settlement obligations.
type Batcher interface {
	BatchApproved(ctx context.Context, periodID string) (queue.BatchResult, error)
}

// Settler executes payout runs.
type Settler interface {
	RunOnce(ctx context.Context) (settlement.RunSummary, error)
}

// Exporter writes the reconciliation report of a settled period.
type Exporter interface {
	ExportPeriod(ctx context.Context, period domain.Period, records []domain.RevenueShareRecord) ([]string, error)
}

// Notifier alerts operators about obligations needing manual resolution.
type Notifier interface {
	NotifyFailure(ctx context.Context, ob domain.SettlementObligation) error
}

// Settings are the scheduling knobs.
type Settings struct {
	Owner          string
	TickInterval   time.Duration
	SettleInterval time.Duration
	NotifyInterval time.Duration
	CalcLockTTL    time.Duration
	NotifyLookback time.Duration
	AutoClose      bool
	AutoApprove    bool
	CapPercent     decimal.Decimal
}

// SettingsFromConfig extracts the orchestrator settings from the daemon config.
func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		Owner:          cfg.Settlement.WorkerID,
		TickInterval:   cfg.Orchestrator.TickInterval.Duration,
		SettleInterval: cfg.Orchestrator.SettleInterval.Duration,
		NotifyInterval: cfg.Orchestrator.NotifyInterval.Duration,
		CalcLockTTL:    cfg.Orchestrator.CalcLockTTL.Duration,
		NotifyLookback: cfg.Notify.Lookback.Duration,
		AutoClose:      cfg.Orchestrator.AutoClose,
		AutoApprove:    cfg.Orchestrator.AutoApprove,
		CapPercent:     cfg.Calculation.CapPercent.Decimal,
	}
}

// Orchestrator drives each period through OPEN -> CLOSED -> SETTLING -> SETTLED.
type Orchestrator struct {
	store    Store
	calc     Calculator
	batcher  Batcher
	settler  Settler
	exporter Exporter
	notifier Notifier
	settings Settings
	clock    clockwork.Clock
	logger   *slog.Logger
}

// Option customises the orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the wall clock.
func WithClock(clock clockwork.Clock) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger overrides the orchestrator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithExporter installs the settled-period report writer.
func WithExporter(e Exporter) Option {
	return func(o *Orchestrator) { o.exporter = e }
}

// WithNotifier installs the failure alert sink.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// New constructs an orchestrator.
func New(store Store, calc Calculator, batcher Batcher, settler Settler, settings Settings, opts ...Option) (*Orchestrator, error) {
	switch {
	case store == nil:
		return nil, fmt.Errorf("orchestrator: store required")
	case calc == nil:
		return nil, fmt.Errorf("orchestrator: calculator required")
	case batcher == nil:
		return nil, fmt.Errorf("orchestrator: batcher required")
	case settler == nil:
		return nil, fmt.Errorf("orchestrator: settler required")
	}
	if strings.TrimSpace(settings.Owner) == "" {
		settings.Owner = "revshared"
	}
	if settings.TickInterval <= 0 {
		settings.TickInterval = time.Hour
	}
	if settings.SettleInterval <= 0 {
		settings.SettleInterval = time.Minute
	}
	if settings.NotifyInterval <= 0 {
		settings.NotifyInterval = time.Minute
	}
	if settings.CalcLockTTL <= 0 {
		settings.CalcLockTTL = 15 * time.Minute
	}
	if settings.NotifyLookback <= 0 {
		settings.NotifyLookback = 7 * 24 * time.Hour
	}
	if !settings.CapPercent.IsPositive() {
		settings.CapPercent = decimal.RequireFromString("0.30")
	}
	o := &Orchestrator{
		store:    store,
		calc:     calc,
		batcher:  batcher,
		settler:  settler,
		settings: settings,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// ClosePeriod runs the calculation pass for a period that has ended and marks
// it closed. Re-closing a closed period recalculates and upserts its pending
// records. Only one calculation per period runs at a time.
func (o *Orchestrator) ClosePeriod(ctx context.Context, period domain.Period) (calculator.Result, error) {
	now := o.clock.Now().UTC()
	if period.End.After(now) {
		return calculator.Result{}, fmt.Errorf("%w: period %s ends %s", domain.ErrValidation, period.ID, period.End.Format(time.RFC3339))
	}
	stored, err := o.store.EnsurePeriod(ctx, period, now)
	if err != nil {
		return calculator.Result{}, err
	}
	if stored.Status != domain.PeriodOpen && stored.Status != domain.PeriodClosed {
		return calculator.Result{}, fmt.Errorf("%w: period %s is %s", domain.ErrInvalidTransition, stored.ID, stored.Status)
	}
	// Each pass holds its own token so concurrent closes in one process exclude each other.
	token := o.settings.Owner + "/" + uuid.NewString()
	if err := o.store.AcquireCalcLock(ctx, stored.ID, token, now, o.settings.CalcLockTTL); err != nil {
		return calculator.Result{}, err
	}
	defer func() {
		if err := o.store.ReleaseCalcLock(context.WithoutCancel(ctx), stored.ID, token); err != nil {
			o.logger.Warn("orchestrator: release calculation lock", slog.String("period_id", stored.ID), slog.Any("error", err))
		}
	}()

	result, err := o.calc.Run(ctx, stored)
	if err != nil {
		return result, fmt.Errorf("calculate %s: %w", stored.ID, err)
	}
	if err := o.store.TransitionPeriod(ctx, stored.ID, stored.Status, domain.PeriodClosed, o.clock.Now().UTC()); err != nil {
		return result, err
	}
	o.logger.Info("orchestrator: period closed",
		slog.String("period_id", stored.ID),
		slog.Bool("reclose", stored.Status == domain.PeriodClosed),
		slog.Int("records", len(result.Records)))
	return result, nil
}

// ClosePeriodID closes a monthly period by identifier (YYYY-MM) or a stored
// ad hoc period.
func (o *Orchestrator) ClosePeriodID(ctx context.Context, id string) (calculator.Result, error) {
	period, err := o.resolvePeriod(ctx, id)
	if err != nil {
		return calculator.Result{}, err
	}
	return o.ClosePeriod(ctx, period)
}

// ApproveResult summarises an approval.
type ApproveResult struct {
	PeriodID string            `json:"period_id"`
	Approved int64             `json:"approved"`
	Batch    queue.BatchResult `json:"batch"`
}

// ApprovePeriod approves every pending record of a closed period, batches the
// approved records into obligations and moves the period to settling.
func (o *Orchestrator) ApprovePeriod(ctx context.Context, periodID string) (ApproveResult, error) {
	res := ApproveResult{PeriodID: periodID}
	period, err := o.store.GetPeriod(ctx, periodID)
	if err != nil {
		return res, err
	}
	if period.Status != domain.PeriodClosed && period.Status != domain.PeriodSettling {
		return res, fmt.Errorf("%w: period %s is %s", domain.ErrInvalidTransition, periodID, period.Status)
	}
	now := o.clock.Now().UTC()
	if res.Approved, err = o.store.ApprovePeriod(ctx, periodID, now); err != nil {
		return res, err
	}
	if res.Batch, err = o.batcher.BatchApproved(ctx, periodID); err != nil {
		return res, err
	}
	if err := o.store.TransitionPeriod(ctx, periodID, period.Status, domain.PeriodSettling, now); err != nil {
		return res, err
	}
	o.logger.Info("orchestrator: period approved",
		slog.String("period_id", periodID),
		slog.Int64("approved", res.Approved),
		slog.Int("obligations", len(res.Batch.Enqueued)))
	return res, nil
}

// RequestPayoutRun executes one payout run. When periodID names a closed
// period it is approved first; an empty id runs an ad hoc batch over
// whatever is due.
func (o *Orchestrator) RequestPayoutRun(ctx context.Context, periodID string) (settlement.RunSummary, error) {
	if periodID = strings.TrimSpace(periodID); periodID != "" {
		period, err := o.store.GetPeriod(ctx, periodID)
		if err != nil {
			return settlement.RunSummary{}, err
		}
		switch period.Status {
		case domain.PeriodClosed:
			if _, err := o.ApprovePeriod(ctx, periodID); err != nil {
				return settlement.RunSummary{}, err
			}
		case domain.PeriodSettling, domain.PeriodSettled:
		default:
			return settlement.RunSummary{}, fmt.Errorf("%w: period %s is %s", domain.ErrInvalidTransition, periodID, period.Status)
		}
	}
	summary, err := o.settler.RunOnce(ctx)
	if err != nil {
		return summary, err
	}
	if err := o.AdvanceSettled(ctx); err != nil {
		return summary, err
	}
	return summary, nil
}

// AdvanceSettled marks settling periods without open obligations as settled
// and writes their reports.
func (o *Orchestrator) AdvanceSettled(ctx context.Context) error {
	periods, err := o.store.ListPeriods(ctx, domain.PeriodSettling)
	if err != nil {
		return err
	}
	for _, period := range periods {
		open, err := o.store.OpenObligations(ctx, period.ID)
		if err != nil {
			return err
		}
		if open > 0 {
			continue
		}
		if err := o.store.TransitionPeriod(ctx, period.ID, domain.PeriodSettling, domain.PeriodSettled, o.clock.Now().UTC()); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				continue
			}
			return err
		}
		o.logger.Info("orchestrator: period settled", slog.String("period_id", period.ID))
		if _, err := o.Export(ctx, period.ID); err != nil {
			o.logger.Error("orchestrator: export failed", slog.String("period_id", period.ID), slog.Any("error", err))
		}
	}
	return nil
}

// Export writes the period's records through the configured exporter.
func (o *Orchestrator) Export(ctx context.Context, periodID string) ([]string, error) {
	if o.exporter == nil {
		return nil, nil
	}
	period, err := o.store.GetPeriod(ctx, periodID)
	if err != nil {
		return nil, err
	}
	records, err := o.store.ListRecords(ctx, storage.RecordFilter{PeriodID: periodID})
	if err != nil {
		return nil, err
	}
	return o.exporter.ExportPeriod(ctx, period, records)
}

// Tick performs one scheduling pass: it opens the current month, closes and
// approves ended periods when automation is enabled, and settles drained
// periods.
func (o *Orchestrator) Tick(ctx context.Context) error {
	now := o.clock.Now().UTC()
	if _, err := o.store.EnsurePeriod(ctx, domain.MonthlyPeriod(now), now); err != nil {
		return err
	}
	var errs []error
	if o.settings.AutoClose {
		open, err := o.store.ListPeriods(ctx, domain.PeriodOpen)
		if err != nil {
			return err
		}
		for _, period := range open {
			if period.End.After(now) {
				continue
			}
			if _, err := o.ClosePeriod(ctx, period); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if o.settings.AutoApprove {
		closed, err := o.store.ListPeriods(ctx, domain.PeriodClosed)
		if err != nil {
			return err
		}
		for _, period := range closed {
			if _, err := o.ApprovePeriod(ctx, period.ID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := o.AdvanceSettled(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// NotifyFailures alerts on terminal failures not yet reported and stamps them
// so each is reported once.
func (o *Orchestrator) NotifyFailures(ctx context.Context) (int, error) {
	if o.notifier == nil {
		return 0, nil
	}
	now := o.clock.Now().UTC()
	failures, err := o.store.UnnotifiedFailures(ctx, now.Add(-o.settings.NotifyLookback), 100)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, ob := range failures {
		if err := o.notifier.NotifyFailure(ctx, ob); err != nil {
			return sent, fmt.Errorf("notify %s: %w", ob.ID, err)
		}
		if err := o.store.MarkNotified(ctx, ob.ID, now); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// PartnerSummary reports a partner's cap and revenue share totals for a period.
func (o *Orchestrator) PartnerSummary(ctx context.Context, partnerID, periodID string) (domain.PartnerSummary, error) {
	summary := domain.PartnerSummary{PartnerID: partnerID, PeriodID: periodID}
	partner, err := o.store.GetPartner(ctx, partnerID)
	if err != nil {
		return summary, err
	}
	pending, paid, err := o.store.PartnerTotals(ctx, partnerID, periodID)
	if err != nil {
		return summary, err
	}
	summary.PersonalIncome = partner.PersonalIncomeMonthly
	summary.Cap = partner.PersonalIncomeMonthly.Mul(o.settings.CapPercent).RoundDown(2)
	summary.Pending = pending
	summary.Paid = paid
	summary.Total = pending.Add(paid)
	return summary, nil
}

// GetPeriod loads a period, resolving monthly identifiers not yet stored.
func (o *Orchestrator) GetPeriod(ctx context.Context, id string) (domain.Period, error) {
	return o.resolvePeriod(ctx, id)
}

func (o *Orchestrator) resolvePeriod(ctx context.Context, id string) (domain.Period, error) {
	stored, err := o.store.GetPeriod(ctx, id)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Period{}, err
	}
	period, perr := domain.ParsePeriodID(id)
	if perr != nil {
		return domain.Period{}, err
	}
	return period, nil
}
