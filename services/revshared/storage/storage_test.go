package storage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"revshare/services/revshared/domain"
)

func openTestDB(t *testing.T) *Storage {
	t.Helper()
	store, err := Open(context.Background(), MemoryDSN("revshare_"+t.Name()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var testNow = time.Date(2026, time.October, 2, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testRecord(beneficiary, source string, level int, period domain.Period, final string) domain.RevenueShareRecord {
	return domain.RevenueShareRecord{
		BeneficiaryID:    beneficiary,
		SourceID:         source,
		Level:            level,
		PeriodID:         period.ID,
		PeriodStart:      period.Start,
		PeriodEnd:        period.End,
		SystemRevenue:    dec("500"),
		CalculatedAmount: dec(final),
		CapAmount:        dec("300"),
		FinalAmount:      dec(final),
	}
}

func TestUpdateIncomeRecomputesPartnerValue(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertPartner(ctx, domain.Partner{ID: "p1", PartnerValuePercent: dec("3")}))

	schedule, err := domain.NewPVSchedule(nil, dec("500"), 5)
	require.NoError(t, err)

	updated, err := store.UpdateIncome(ctx, "p1", dec("1600"), 7, schedule, testNow)
	require.NoError(t, err)
	require.True(t, updated.PartnerValuePercent.Equal(dec("7")))
	require.True(t, updated.RevenueShareActive)
	require.Equal(t, testNow, updated.ActivationDate)

	loaded, err := store.GetPartner(ctx, "p1")
	require.NoError(t, err)
	require.True(t, loaded.PersonalIncomeMonthly.Equal(dec("1600")))
	require.Equal(t, 7, loaded.ClientBaseCount)
	require.True(t, loaded.RevenueShareActive)

	_, err = store.UpdateIncome(ctx, "p1", dec("-1"), 7, schedule, testNow)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = store.UpdateIncome(ctx, "missing", dec("1"), 1, schedule, testNow)
	require.ErrorIs(t, err, domain.ErrPartnerNotFound)
}

func TestActiveReferrersFiltersInactiveAndLateEdges(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	period := domain.MonthlyPeriod(testNow)

	require.NoError(t, store.UpsertEdge(ctx, domain.ReferralEdge{ReferrerID: "b", ReferredID: "d", Level: 1, Active: true, CreatedAt: period.Start.Add(-time.Hour)}))
	require.NoError(t, store.UpsertEdge(ctx, domain.ReferralEdge{ReferrerID: "a", ReferredID: "d", Level: 1, Active: false, CreatedAt: period.Start.Add(-time.Hour)}))
	require.NoError(t, store.UpsertEdge(ctx, domain.ReferralEdge{ReferrerID: "c", ReferredID: "d", Level: 1, Active: true, CreatedAt: period.End.Add(time.Hour)}))

	edges, err := store.ActiveReferrers(ctx, "d", period.End)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Equal(t, "b", edges[0].ReferrerID)

	err = store.UpsertEdge(ctx, domain.ReferralEdge{ReferrerID: "x", ReferredID: "y", Level: 4})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestIndirectEdgesAreCountedNotReturned(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	period := domain.MonthlyPeriod(testNow)
	before := period.Start.Add(-time.Hour)

	require.NoError(t, store.UpsertEdge(ctx, domain.ReferralEdge{ReferrerID: "b", ReferredID: "d", Level: 1, Active: true, CreatedAt: before}))
	require.NoError(t, store.UpsertEdge(ctx, domain.ReferralEdge{ReferrerID: "a", ReferredID: "d", Level: 2, Active: true, CreatedAt: before}))
	require.NoError(t, store.UpsertEdge(ctx, domain.ReferralEdge{ReferrerID: "z", ReferredID: "d", Level: 3, Active: false, CreatedAt: before}))

	edges, err := store.ActiveReferrers(ctx, "d", period.End)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Equal(t, "b", edges[0].ReferrerID)

	n, err := store.IndirectEdges(ctx, period.End)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = store.IndirectEdges(ctx, before)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestTurnoverSumsWithinPeriod(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	period := domain.MonthlyPeriod(testNow)

	require.NoError(t, store.RecordTurnover(ctx, TurnoverEntry{Ref: "t1", PartnerID: "d", Amount: dec("3000"), OccurredAt: period.Start}))
	require.NoError(t, store.RecordTurnover(ctx, TurnoverEntry{Ref: "t2", PartnerID: "d", Amount: dec("2000"), OccurredAt: period.Start.Add(48 * time.Hour)}))
	// duplicate import is ignored
	require.NoError(t, store.RecordTurnover(ctx, TurnoverEntry{Ref: "t2", PartnerID: "d", Amount: dec("2000"), OccurredAt: period.Start.Add(48 * time.Hour)}))
	require.NoError(t, store.RecordTurnover(ctx, TurnoverEntry{Ref: "t3", PartnerID: "d", Amount: dec("999"), OccurredAt: period.End}))

	total, err := store.Turnover(ctx, "d", period)
	require.NoError(t, err)
	require.True(t, total.Equal(dec("5000")), "got %s", total)

	byPartner, err := store.TurnoverByPartner(ctx, period)
	require.NoError(t, err)
	require.Len(t, byPartner, 1)
}

func TestReplacePendingRecordsUpsertsWithoutDuplicates(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	period := domain.MonthlyPeriod(testNow)

	first := []domain.RevenueShareRecord{
		testRecord("b", "d1", 1, period, "25"),
		testRecord("b", "d2", 2, period, "10"),
	}
	res, err := store.ReplacePendingRecords(ctx, period.ID, first, testNow)
	require.NoError(t, err)
	require.Equal(t, 2, res.Upserted)

	res, err = store.ReplacePendingRecords(ctx, period.ID, first, testNow.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 0, res.Removed)

	records, err := store.ListRecords(ctx, RecordFilter{PeriodID: period.ID})
	require.NoError(t, err)
	require.Len(t, records, 2)
	originalID := records[0].ID
	require.Equal(t, "d1", records[0].SourceID)

	// d2 dropped out of the network and d1 changed.
	second := []domain.RevenueShareRecord{testRecord("b", "d1", 1, period, "30")}
	res, err = store.ReplacePendingRecords(ctx, period.ID, second, testNow.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, res.Removed)

	records, err = store.ListRecords(ctx, RecordFilter{PeriodID: period.ID})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, originalID, records[0].ID)
	require.True(t, records[0].FinalAmount.Equal(dec("30")))
}

func TestReplacePendingRecordsLeavesApprovedUntouched(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	period := domain.MonthlyPeriod(testNow)

	_, err := store.ReplacePendingRecords(ctx, period.ID, []domain.RevenueShareRecord{testRecord("b", "d1", 1, period, "25")}, testNow)
	require.NoError(t, err)
	approved, err := store.ApprovePeriod(ctx, period.ID, testNow)
	require.NoError(t, err)
	require.EqualValues(t, 1, approved)

	res, err := store.ReplacePendingRecords(ctx, period.ID, []domain.RevenueShareRecord{testRecord("b", "d1", 1, period, "99")}, testNow)
	require.NoError(t, err)
	require.Equal(t, 0, res.Upserted)

	res, err = store.ReplacePendingRecords(ctx, period.ID, nil, testNow)
	require.NoError(t, err)
	require.Equal(t, 0, res.Removed)

	records, err := store.ListRecords(ctx, RecordFilter{PeriodID: period.ID})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, domain.RecordApproved, records[0].Status)
	require.True(t, records[0].FinalAmount.Equal(dec("25")))
}

func seedBatch(t *testing.T, store *Storage, period domain.Period) domain.SettlementObligation {
	t.Helper()
	ctx := context.Background()
	_, err := store.ReplacePendingRecords(ctx, period.ID, []domain.RevenueShareRecord{
		testRecord("b", "d1", 1, period, "25"),
		testRecord("b", "d2", 1, period, "15"),
	}, testNow)
	require.NoError(t, err)
	_, err = store.ApprovePeriod(ctx, period.ID, testNow)
	require.NoError(t, err)
	unbatched, err := store.ApprovedUnbatched(ctx)
	require.NoError(t, err)
	require.Len(t, unbatched, 2)

	ids := []string{unbatched[0].ID, unbatched[1].ID}
	ob, err := store.EnqueueBatch(ctx, domain.SettlementObligation{
		PartnerID:  "b",
		PeriodID:   period.ID,
		Type:       domain.ObligationRevenueShare,
		AmountFiat: dec("40"),
		Currency:   "USD",
		MaxRetries: 5,
		CreatedAt:  testNow,
	}, ids)
	require.NoError(t, err)
	return ob
}

func TestEnqueueBatchRejectsDuplicateKey(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	period := domain.MonthlyPeriod(testNow)
	ob := seedBatch(t, store, period)
	require.Equal(t, domain.ObligationPending, ob.Status)

	attached, err := store.ListRecords(ctx, RecordFilter{ObligationID: ob.ID})
	require.NoError(t, err)
	require.Len(t, attached, 2)

	_, err = store.InsertObligation(ctx, domain.SettlementObligation{
		PartnerID:  "b",
		PeriodID:   period.ID,
		Type:       domain.ObligationRevenueShare,
		AmountFiat: dec("1"),
		Currency:   "USD",
		MaxRetries: 5,
	})
	require.ErrorIs(t, err, domain.ErrDuplicateObligation)

	// the same key with a different type is a different obligation
	_, err = store.InsertObligation(ctx, domain.SettlementObligation{
		PartnerID:  "b",
		PeriodID:   period.ID,
		Type:       domain.ObligationReferralCommission,
		AmountFiat: dec("1"),
		Currency:   "USD",
		MaxRetries: 5,
	})
	require.NoError(t, err)
}

func TestClaimLeasesEachObligationOnce(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	ob := seedBatch(t, store, domain.MonthlyPeriod(testNow))

	claimed, err := store.ClaimObligations(ctx, "w1", testNow, 5*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, ob.ID, claimed[0].ID)
	require.Equal(t, domain.ObligationProcessing, claimed[0].Status)
	require.Equal(t, "w1", claimed[0].LeaseOwner)

	again, err := store.ClaimObligations(ctx, "w2", testNow.Add(time.Minute), 5*time.Minute, 10)
	require.NoError(t, err)
	require.Empty(t, again)

	// lease expired: another worker recovers it
	recovered, err := store.ClaimObligations(ctx, "w2", testNow.Add(6*time.Minute), 5*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	require.Equal(t, "w2", recovered[0].LeaseOwner)

	err = store.Requeue(ctx, ob.ID, "w1", 1, testNow, "late", testNow)
	require.ErrorIs(t, err, domain.ErrLeaseLost)
}

func TestCompleteObligationIsWriteOnce(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	ob := seedBatch(t, store, domain.MonthlyPeriod(testNow))

	_, err := store.ClaimObligations(ctx, "w1", testNow, 5*time.Minute, 10)
	require.NoError(t, err)
	require.NoError(t, store.MarkSubmitting(ctx, ob.ID, "w1", Submission{Memo: "m", UnitAmount: dec("8"), Rate: dec("5")}, testNow))

	debits, err := store.PendingDebits(ctx)
	require.NoError(t, err)
	require.True(t, debits.Equal(dec("8")))

	require.NoError(t, store.CompleteObligation(ctx, ob.ID, "tx-1", "42", testNow))
	err = store.CompleteObligation(ctx, ob.ID, "tx-2", "43", testNow)
	require.ErrorIs(t, err, domain.ErrAlreadySettled)

	loaded, err := store.GetObligation(ctx, ob.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ObligationPaid, loaded.Status)
	require.Equal(t, "tx-1", loaded.ExternalTxRef)
	require.True(t, loaded.UnitAmount.Equal(dec("8")))

	records, err := store.ListRecords(ctx, RecordFilter{ObligationID: ob.ID})
	require.NoError(t, err)
	for _, rec := range records {
		require.Equal(t, domain.RecordPaid, rec.Status)
	}

	pending, paid, err := store.PartnerTotals(ctx, "b", ob.PeriodID)
	require.NoError(t, err)
	require.True(t, pending.IsZero())
	require.True(t, paid.Equal(dec("40")))
}

func TestFinalizeAndResetObligation(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	ob := seedBatch(t, store, domain.MonthlyPeriod(testNow))

	_, err := store.ClaimObligations(ctx, "w1", testNow, 5*time.Minute, 10)
	require.NoError(t, err)
	require.NoError(t, store.Finalize(ctx, ob.ID, "w1", domain.ObligationFailed, 5, "retries exhausted", testNow))

	records, err := store.ListRecords(ctx, RecordFilter{ObligationID: ob.ID})
	require.NoError(t, err)
	require.Equal(t, domain.RecordFailed, records[0].Status)

	failures, err := store.UnnotifiedFailures(ctx, testNow.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, "retries exhausted", failures[0].LastError)
	require.NoError(t, store.MarkNotified(ctx, ob.ID, testNow))
	failures, err = store.UnnotifiedFailures(ctx, testNow.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, failures)

	reset, err := store.ResetObligation(ctx, ob.ID, testNow.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, domain.ObligationPending, reset.Status)
	require.Zero(t, reset.RetryCount)
	require.True(t, reset.NotifiedAt.IsZero())

	records, err = store.ListRecords(ctx, RecordFilter{ObligationID: ob.ID})
	require.NoError(t, err)
	require.Equal(t, domain.RecordApproved, records[0].Status)

	_, err = store.ResetObligation(ctx, ob.ID, testNow)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestDeferredObligationReleasesRecords(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	period := domain.MonthlyPeriod(testNow)
	ob := seedBatch(t, store, period)

	_, err := store.ClaimObligations(ctx, "w1", testNow, 5*time.Minute, 10)
	require.NoError(t, err)
	require.NoError(t, store.Finalize(ctx, ob.ID, "w1", domain.ObligationDeferred, 0, "below minimum payout", testNow))

	unbatched, err := store.ApprovedUnbatched(ctx)
	require.NoError(t, err)
	require.Len(t, unbatched, 2)

	reopened, err := store.EnqueueBatch(ctx, domain.SettlementObligation{
		PartnerID:  "b",
		PeriodID:   period.ID,
		Type:       domain.ObligationRevenueShare,
		AmountFiat: dec("40"),
		Currency:   "USD",
		MaxRetries: 5,
		UpdatedAt:  testNow,
	}, []string{unbatched[0].ID, unbatched[1].ID})
	require.NoError(t, err)
	require.Equal(t, ob.ID, reopened.ID)
	require.Equal(t, domain.ObligationPending, reopened.Status)
}

func TestPeriodLifecycleAndCalcLock(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	period := domain.MonthlyPeriod(testNow)

	stored, err := store.EnsurePeriod(ctx, period, testNow)
	require.NoError(t, err)
	require.Equal(t, domain.PeriodOpen, stored.Status)

	require.NoError(t, store.AcquireCalcLock(ctx, period.ID, "a", testNow, 15*time.Minute))
	err = store.AcquireCalcLock(ctx, period.ID, "b", testNow.Add(time.Minute), 15*time.Minute)
	require.ErrorIs(t, err, domain.ErrLeaseLost)
	err = store.AcquireCalcLock(ctx, period.ID, "a", testNow.Add(time.Second), 15*time.Minute)
	require.ErrorIs(t, err, domain.ErrLeaseLost, "same owner cannot start a second pass")
	require.NoError(t, store.AcquireCalcLock(ctx, period.ID, "b", testNow.Add(20*time.Minute), 15*time.Minute))
	require.NoError(t, store.ReleaseCalcLock(ctx, period.ID, "b"))
	require.NoError(t, store.AcquireCalcLock(ctx, period.ID, "a", testNow, 15*time.Minute))

	require.NoError(t, store.TransitionPeriod(ctx, period.ID, domain.PeriodOpen, domain.PeriodClosed, testNow))
	err = store.TransitionPeriod(ctx, period.ID, domain.PeriodOpen, domain.PeriodClosed, testNow)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	err = store.TransitionPeriod(ctx, period.ID, domain.PeriodClosed, domain.PeriodOpen, testNow)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	closed, err := store.ListPeriods(ctx, domain.PeriodClosed)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	require.Equal(t, testNow, closed[0].ClosedAt)
}

func TestSaveRateClosesPreviousSnapshot(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()

	_, err := store.LatestRate(ctx, "TON/USD")
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, store.SaveRate(ctx, domain.ExchangeRateSnapshot{Pair: "ton/usd", Rate: dec("5"), Source: "CoinGecko", EffectiveFrom: testNow}))
	require.NoError(t, store.SaveRate(ctx, domain.ExchangeRateSnapshot{Pair: "TON/USD", Rate: dec("5.5"), Source: "static", EffectiveFrom: testNow.Add(time.Hour)}))

	latest, err := store.LatestRate(ctx, "TON/USD")
	require.NoError(t, err)
	require.True(t, latest.Rate.Equal(dec("5.5")))
	require.Equal(t, "static", latest.Source)
	require.True(t, latest.EffectiveUntil.IsZero())

	var closed int
	require.NoError(t, store.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM exchange_rate_snapshots WHERE effective_until IS NOT NULL
    `).Scan(&closed))
	require.Equal(t, 1, closed)
}

func TestMarkSubmittingRequiresLiveLease(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	ob := seedBatch(t, store, domain.MonthlyPeriod(testNow))

	_, err := store.ClaimObligations(ctx, "w1", testNow, 5*time.Minute, 10)
	require.NoError(t, err)

	late := testNow.Add(10 * time.Minute)
	err = store.MarkSubmitting(ctx, ob.ID, "w1", Submission{Memo: "m", UnitAmount: dec("8"), Rate: dec("5")}, late)
	require.ErrorIs(t, err, domain.ErrLeaseLost)
	require.ErrorIs(t, store.RenewLease(ctx, ob.ID, "w1", late.Add(time.Minute), late), domain.ErrLeaseLost)

	recovered, err := store.ClaimObligations(ctx, "w2", late.Add(time.Second), 5*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	require.True(t, recovered[0].SubmittedAt.IsZero())
}

func TestMarkSubmittingExtendsLease(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	ob := seedBatch(t, store, domain.MonthlyPeriod(testNow))

	_, err := store.ClaimObligations(ctx, "w1", testNow, 5*time.Minute, 10)
	require.NoError(t, err)
	at := testNow.Add(4 * time.Minute)
	require.NoError(t, store.MarkSubmitting(ctx, ob.ID, "w1", Submission{
		Memo: "m", UnitAmount: dec("8"), Rate: dec("5"), LeaseUntil: at.Add(90 * time.Second),
	}, at))

	none, err := store.ClaimObligations(ctx, "w2", testNow.Add(5*time.Minute+time.Second), 5*time.Minute, 10)
	require.NoError(t, err)
	require.Empty(t, none)

	loaded, err := store.GetObligation(ctx, ob.ID)
	require.NoError(t, err)
	require.Equal(t, at.Add(90*time.Second), loaded.LeaseExpiresAt)

	// an earlier deadline never shortens the lease
	require.NoError(t, store.RenewLease(ctx, ob.ID, "w1", at, at.Add(time.Second)))
	loaded, err = store.GetObligation(ctx, ob.ID)
	require.NoError(t, err)
	require.Equal(t, at.Add(90*time.Second), loaded.LeaseExpiresAt)
}

func TestPendingDebitsIncludeUnconfirmedRequeues(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	ob := seedBatch(t, store, domain.MonthlyPeriod(testNow))

	_, err := store.ClaimObligations(ctx, "w1", testNow, 5*time.Minute, 10)
	require.NoError(t, err)
	require.NoError(t, store.MarkSubmitting(ctx, ob.ID, "w1", Submission{Memo: "m", UnitAmount: dec("8"), Rate: dec("5")}, testNow))
	require.NoError(t, store.Requeue(ctx, ob.ID, "w1", 1, testNow.Add(time.Minute), "rail timeout", testNow))

	debits, err := store.PendingDebits(ctx)
	require.NoError(t, err)
	require.True(t, debits.Equal(dec("8")), "a timed-out transfer may still land")

	_, err = store.ClaimObligations(ctx, "w1", testNow.Add(time.Minute), 5*time.Minute, 10)
	require.NoError(t, err)
	require.NoError(t, store.CompleteObligation(ctx, ob.ID, "tx-1", "1", testNow.Add(time.Minute)))
	debits, err = store.PendingDebits(ctx)
	require.NoError(t, err)
	require.True(t, debits.IsZero())
}
