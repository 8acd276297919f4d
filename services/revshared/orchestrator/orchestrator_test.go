package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"revshare/services/revshared/calculator"
	"revshare/services/revshared/domain"
	"revshare/services/revshared/network"
	"revshare/services/revshared/queue"
	"revshare/services/revshared/rates"
	"revshare/services/revshared/settlement"
	"revshare/services/revshared/settlement/rail"
	"revshare/services/revshared/storage"
)

const tonAddress = "EQDtFpEwcFAEcRe5mLVh2N6C0x-_hJEM7W61_JLnSF74p4q2"

var (
	testNow   = time.Date(2026, time.October, 2, 9, 0, 0, 0, time.UTC)
	september = domain.MonthlyPeriod(time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC))
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordingExporter struct {
	mu      sync.Mutex
	periods []string
	records int
}

func (e *recordingExporter) ExportPeriod(_ context.Context, period domain.Period, records []domain.RevenueShareRecord) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.periods = append(e.periods, period.ID)
	e.records += len(records)
	return []string{period.ID + ".csv"}, nil
}

type recordingNotifier struct {
	ids []string
}

func (n *recordingNotifier) NotifyFailure(_ context.Context, ob domain.SettlementObligation) error {
	n.ids = append(n.ids, ob.ID)
	return nil
}

type harness struct {
	orch     *Orchestrator
	store    *storage.Storage
	queue    *queue.Queue
	clock    *clockwork.FakeClock
	exporter *recordingExporter
	notifier *recordingNotifier
	submits  int
}

func newHarness(t *testing.T, settings Settings) *harness {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, storage.MemoryDSN("orch_"+t.Name()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := clockwork.NewFakeClockAt(testNow)
	resolver, err := network.NewResolver(store)
	require.NoError(t, err)
	calc, err := calculator.New(store, resolver, calculator.WithClock(clock.Now), calculator.WithMetrics(nil))
	require.NoError(t, err)
	q, err := queue.New(store, queue.DefaultPolicy(), queue.WithClock(clock), queue.WithMetrics(nil))
	require.NoError(t, err)
	provider, err := rates.NewProvider(store, []rates.Source{rates.NewStaticSource("manual", decimal.NewFromInt(5))}, 24*time.Hour,
		rates.WithClock(clock), rates.WithMetrics(nil))
	require.NoError(t, err)

	h := &harness{store: store, queue: q, clock: clock, exporter: &recordingExporter{}, notifier: &recordingNotifier{}}
	payments := rail.FuncRail{
		SubmitFunc: func(_ context.Context, _ string, _ *uint256.Int, memo string) (rail.Transfer, error) {
			h.submits++
			return rail.Transfer{TxHash: "tx-" + memo[:8], TxLT: "1"}, nil
		},
	}
	svc, err := settlement.New(store, q, provider, payments, settlement.Policy{
		WorkerID:    "w1",
		Asset:       "TON",
		Pair:        "TON/USD",
		Decimals:    9,
		MinPayout:   dec("10"),
		RailTimeout: 5 * time.Second,
	}, settlement.WithClock(clock), settlement.WithMetrics(nil))
	require.NoError(t, err)

	if settings.Owner == "" {
		settings.Owner = "w1"
	}
	h.orch, err = New(store, calc, q, svc, settings,
		WithClock(clock), WithExporter(h.exporter), WithNotifier(h.notifier))
	require.NoError(t, err)
	return h
}

func (h *harness) seedScenarioA(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.UpsertPartner(ctx, domain.Partner{
		ID:                    "b",
		PersonalIncomeMonthly: dec("1000"),
		ClientBaseCount:       10,
		RevenueShareActive:    true,
		PartnerValuePercent:   dec("5"),
		PayoutAddress:         tonAddress,
	}))
	require.NoError(t, h.store.UpsertPartner(ctx, domain.Partner{
		ID:                    "d",
		PersonalIncomeMonthly: dec("200"),
		ClientBaseCount:       10,
		PartnerValuePercent:   dec("10"),
	}))
	require.NoError(t, h.store.UpsertEdge(ctx, domain.ReferralEdge{
		ReferrerID: "b",
		ReferredID: "d",
		Level:      1,
		Active:     true,
		CreatedAt:  september.Start.Add(-24 * time.Hour),
	}))
	require.NoError(t, h.store.RecordTurnover(ctx, storage.TurnoverEntry{
		Ref:        "t1",
		PartnerID:  "d",
		Amount:     dec("5000"),
		OccurredAt: september.Start.Add(time.Hour),
	}))
}

func TestPeriodLifecycle(t *testing.T) {
	h := newHarness(t, Settings{})
	h.seedScenarioA(t)
	ctx := context.Background()

	result, err := h.orch.ClosePeriod(ctx, september)
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	require.True(t, result.Records[0].FinalAmount.Equal(dec("25")))

	period, err := h.store.GetPeriod(ctx, september.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PeriodClosed, period.Status)
	require.Equal(t, testNow, period.ClosedAt)

	// A re-close recalculates without duplicating records.
	_, err = h.orch.ClosePeriod(ctx, september)
	require.NoError(t, err)
	records, err := h.store.ListRecords(ctx, storage.RecordFilter{PeriodID: september.ID})
	require.NoError(t, err)
	require.Len(t, records, 1)

	approved, err := h.orch.ApprovePeriod(ctx, september.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, approved.Approved)
	require.Len(t, approved.Batch.Enqueued, 1)

	period, err = h.store.GetPeriod(ctx, september.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PeriodSettling, period.Status)

	_, err = h.orch.ClosePeriod(ctx, september)
	require.ErrorIs(t, err, domain.ErrInvalidTransition, "approved periods are not recalculated")

	summary, err := h.orch.RequestPayoutRun(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, summary.Outcomes[settlement.OutcomePaid])
	require.Equal(t, 1, h.submits)

	period, err = h.store.GetPeriod(ctx, september.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PeriodSettled, period.Status)
	require.Equal(t, []string{september.ID}, h.exporter.periods)
	require.Equal(t, 1, h.exporter.records)

	records, err = h.store.ListRecords(ctx, storage.RecordFilter{PeriodID: september.ID})
	require.NoError(t, err)
	require.Equal(t, domain.RecordPaid, records[0].Status)
}

func TestClosePeriodRejectsUnfinishedPeriod(t *testing.T) {
	h := newHarness(t, Settings{})
	_, err := h.orch.ClosePeriod(context.Background(), domain.MonthlyPeriod(testNow))
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestClosePeriodHonoursCalculationLock(t *testing.T) {
	h := newHarness(t, Settings{CalcLockTTL: time.Hour})
	ctx := context.Background()
	_, err := h.store.EnsurePeriod(ctx, september, testNow)
	require.NoError(t, err)
	require.NoError(t, h.store.AcquireCalcLock(ctx, september.ID, "other", testNow, time.Hour))

	_, err = h.orch.ClosePeriod(ctx, september)
	require.ErrorIs(t, err, domain.ErrLeaseLost)

	period, err := h.store.GetPeriod(ctx, september.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PeriodOpen, period.Status)

	h.clock.Advance(2 * time.Hour)
	_, err = h.orch.ClosePeriod(ctx, september)
	require.NoError(t, err, "abandoned lock is taken over")
}

func TestAdHocPeriodClose(t *testing.T) {
	h := newHarness(t, Settings{})
	h.seedScenarioA(t)
	adhoc, err := domain.AdHocPeriod(september.Start, september.Start.AddDate(0, 0, 10))
	require.NoError(t, err)

	result, err := h.orch.ClosePeriod(context.Background(), adhoc)
	require.NoError(t, err)
	require.Len(t, result.Records, 1)

	stored, err := h.store.GetPeriod(context.Background(), adhoc.ID)
	require.NoError(t, err)
	require.True(t, stored.Manual)
	require.Equal(t, domain.PeriodClosed, stored.Status)
}

func TestRequestPayoutRunApprovesClosedPeriod(t *testing.T) {
	h := newHarness(t, Settings{})
	h.seedScenarioA(t)
	ctx := context.Background()
	_, err := h.orch.ClosePeriodID(ctx, september.ID)
	require.NoError(t, err)

	summary, err := h.orch.RequestPayoutRun(ctx, september.ID)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Claimed)

	_, err = h.orch.RequestPayoutRun(ctx, "2026-08")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTickAutomatesPreviousMonth(t *testing.T) {
	h := newHarness(t, Settings{AutoClose: true, AutoApprove: true})
	h.seedScenarioA(t)
	ctx := context.Background()
	_, err := h.store.EnsurePeriod(ctx, september, september.Start)
	require.NoError(t, err)

	require.NoError(t, h.orch.Tick(ctx))

	current, err := h.store.GetPeriod(ctx, "2026-10")
	require.NoError(t, err)
	require.Equal(t, domain.PeriodOpen, current.Status)

	period, err := h.store.GetPeriod(ctx, september.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PeriodSettling, period.Status)

	depth, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, depth[domain.ObligationPending])
}

func TestTickWithoutAutomationOnlyOpensCurrentMonth(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()
	_, err := h.store.EnsurePeriod(ctx, september, september.Start)
	require.NoError(t, err)

	require.NoError(t, h.orch.Tick(ctx))

	period, err := h.store.GetPeriod(ctx, september.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PeriodOpen, period.Status)
}

func TestNotifyFailuresReportsOnce(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()
	require.NoError(t, h.store.UpsertPartner(ctx, domain.Partner{ID: "nowallet", PartnerValuePercent: dec("5")}))
	_, err := h.queue.Enqueue(ctx, "nowallet", "ref-1", domain.ObligationReferralCommission, dec("40"), 0)
	require.NoError(t, err)

	summary, err := h.orch.RequestPayoutRun(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, summary.Outcomes[settlement.OutcomeNoWallet])

	sent, err := h.orch.NotifyFailures(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Len(t, h.notifier.ids, 1)

	sent, err = h.orch.NotifyFailures(ctx)
	require.NoError(t, err)
	require.Zero(t, sent)
}

func TestPartnerSummary(t *testing.T) {
	h := newHarness(t, Settings{})
	h.seedScenarioA(t)
	ctx := context.Background()
	_, err := h.orch.ClosePeriod(ctx, september)
	require.NoError(t, err)

	summary, err := h.orch.PartnerSummary(ctx, "b", september.ID)
	require.NoError(t, err)
	require.True(t, summary.Cap.Equal(dec("300")))
	require.True(t, summary.Pending.Equal(dec("25")))
	require.True(t, summary.Paid.IsZero())
	require.True(t, summary.Total.Equal(dec("25")))
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, Settings{TickInterval: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()

	require.NoError(t, h.clock.BlockUntilContext(ctx, 3))
	h.clock.Advance(time.Minute)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

type blockingCalc struct {
	entered chan struct{}
	release chan struct{}
}

func (c *blockingCalc) Run(ctx context.Context, period domain.Period) (calculator.Result, error) {
	close(c.entered)
	select {
	case <-c.release:
	case <-ctx.Done():
		return calculator.Result{}, ctx.Err()
	}
	return calculator.Result{PeriodID: period.ID}, nil
}

func TestConcurrentClosesOfOnePeriodExclude(t *testing.T) {
	h := newHarness(t, Settings{CalcLockTTL: time.Hour})
	ctx := context.Background()
	calc := &blockingCalc{entered: make(chan struct{}), release: make(chan struct{})}
	h.orch.calc = calc

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.ClosePeriod(ctx, september)
		done <- err
	}()
	<-calc.entered

	_, err := h.orch.ClosePeriod(ctx, september)
	require.ErrorIs(t, err, domain.ErrLeaseLost, "same daemon must not start a second pass")

	close(calc.release)
	require.NoError(t, <-done)

	period, err := h.store.GetPeriod(ctx, september.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PeriodClosed, period.Status)
}
