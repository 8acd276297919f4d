package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"revshare/services/revshared/domain"
	"revshare/services/revshared/storage"
)

var testNow = time.Date(2026, time.October, 2, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func setup(t *testing.T) (*Queue, *storage.Storage, *clockwork.FakeClock) {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.MemoryDSN("queue_"+t.Name()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	clock := clockwork.NewFakeClockAt(testNow)
	q, err := New(store, DefaultPolicy(), WithClock(clock), WithMetrics(nil))
	require.NoError(t, err)
	return q, store, clock
}

func seedApproved(t *testing.T, store *storage.Storage, period domain.Period, amounts map[string][]string) {
	t.Helper()
	ctx := context.Background()
	var records []domain.RevenueShareRecord
	for beneficiary, finals := range amounts {
		for i, final := range finals {
			records = append(records, domain.RevenueShareRecord{
				BeneficiaryID:    beneficiary,
				SourceID:         beneficiary + "-src-" + string(rune('a'+i)),
				Level:            1,
				PeriodID:         period.ID,
				PeriodStart:      period.Start,
				PeriodEnd:        period.End,
				SystemRevenue:    dec("100"),
				CalculatedAmount: dec(final),
				CapAmount:        dec("300"),
				FinalAmount:      dec(final),
			})
		}
	}
	_, err := store.ReplacePendingRecords(ctx, period.ID, records, testNow)
	require.NoError(t, err)
	_, err = store.ApprovePeriod(ctx, period.ID, testNow)
	require.NoError(t, err)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	p := DefaultPolicy()
	require.Equal(t, time.Minute, p.Backoff(0))
	require.Equal(t, 2*time.Minute, p.Backoff(1))
	require.Equal(t, 16*time.Minute, p.Backoff(4))
	require.Equal(t, 6*time.Hour, p.Backoff(20))
	require.Equal(t, time.Minute, p.Backoff(-3))
}

func TestBatchApprovedAccumulatesBelowMinimum(t *testing.T) {
	q, store, _ := setup(t)
	ctx := context.Background()
	sept := domain.MonthlyPeriod(time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC))
	seedApproved(t, store, sept, map[string][]string{
		"big":   {"25", "12.50"},
		"small": {"4.00"},
	})

	res, err := q.BatchApproved(ctx, sept.ID)
	require.NoError(t, err)
	require.Len(t, res.Enqueued, 1)
	require.Equal(t, "big", res.Enqueued[0].PartnerID)
	require.True(t, res.Enqueued[0].AmountFiat.Equal(dec("37.50")))
	require.Equal(t, domain.ObligationRevenueShare, res.Enqueued[0].Type)
	require.Len(t, res.Accumulating, 1)
	require.Equal(t, "small", res.Accumulating[0].PartnerID)

	attached, err := store.ListRecords(ctx, storage.RecordFilter{ObligationID: res.Enqueued[0].ID})
	require.NoError(t, err)
	require.Len(t, attached, 2)

	// October brings small over the threshold; September's record rides along.
	oct := domain.MonthlyPeriod(time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC))
	seedApproved(t, store, oct, map[string][]string{"small": {"7.00"}})
	res, err = q.BatchApproved(ctx, oct.ID)
	require.NoError(t, err)
	require.Len(t, res.Enqueued, 1)
	require.Equal(t, "small", res.Enqueued[0].PartnerID)
	require.True(t, res.Enqueued[0].AmountFiat.Equal(dec("11")))
	require.Empty(t, res.Accumulating)
}

func TestEnqueueRejectsDuplicateKey(t *testing.T) {
	q, _, _ := setup(t)
	ctx := context.Background()

	ob, err := q.Enqueue(ctx, "p1", "ref-42", domain.ObligationReferralCommission, dec("15"), 1)
	require.NoError(t, err)
	require.Equal(t, domain.ObligationPending, ob.Status)

	_, err = q.Enqueue(ctx, "p1", "ref-42", domain.ObligationReferralCommission, dec("15"), 1)
	require.ErrorIs(t, err, domain.ErrDuplicateObligation)

	_, err = q.Enqueue(ctx, "p1", "ref-43", domain.ObligationReferralCommission, dec("-1"), 1)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestClaimOrdersByPriorityThenFIFO(t *testing.T) {
	q, _, clock := setup(t)
	ctx := context.Background()

	low, err := q.Enqueue(ctx, "p1", "k1", domain.ObligationReferralCommission, dec("10"), 0)
	require.NoError(t, err)
	clock.Advance(time.Second)
	high, err := q.Enqueue(ctx, "p2", "k2", domain.ObligationReferralCommission, dec("10"), 5)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, high.ID, claimed[0].ID)
	require.Equal(t, low.ID, claimed[1].ID)

	again, err := q.Claim(ctx, "w2")
	require.NoError(t, err)
	require.Empty(t, again, "leased obligations must not be claimed twice")
}

func TestRetryBackoffUntilExhausted(t *testing.T) {
	q, store, clock := setup(t)
	ctx := context.Background()
	ob, err := q.Enqueue(ctx, "p1", "k1", domain.ObligationReferralCommission, dec("10"), 0)
	require.NoError(t, err)

	cause := domain.Transient(errors.New("rail 503"))
	for attempt := 1; attempt < 5; attempt++ {
		claimed, err := q.Claim(ctx, "w1")
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d", attempt)
		failed, err := q.Retry(ctx, claimed[0], "w1", cause)
		require.NoError(t, err)
		require.False(t, failed)

		current, err := store.GetObligation(ctx, ob.ID)
		require.NoError(t, err)
		require.Equal(t, attempt, current.RetryCount)
		require.Equal(t, clock.Now().Add(q.Policy().Backoff(attempt-1)), current.NextAttemptAt)

		none, err := q.Claim(ctx, "w1")
		require.NoError(t, err)
		require.Empty(t, none, "not due before backoff elapses")
		clock.Advance(q.Policy().Backoff(attempt - 1))
	}

	claimed, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	failed, err := q.Retry(ctx, claimed[0], "w1", cause)
	require.NoError(t, err)
	require.True(t, failed)

	final, err := store.GetObligation(ctx, ob.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ObligationFailed, final.Status)
	require.Equal(t, 5, final.RetryCount)
	require.Contains(t, final.LastError, "retries exhausted")

	clock.Advance(24 * time.Hour)
	none, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Empty(t, none)

	reset, err := q.Reset(ctx, ob.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ObligationPending, reset.Status)
	require.Zero(t, reset.RetryCount)
}

func TestReleaseKeepsRetryCount(t *testing.T) {
	q, store, clock := setup(t)
	ctx := context.Background()
	ob, err := q.Enqueue(ctx, "p1", "k1", domain.ObligationReferralCommission, dec("10"), 0)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Release(ctx, claimed[0], "w1", domain.ErrInsufficientBalance))

	current, err := store.GetObligation(ctx, ob.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ObligationPending, current.Status)
	require.Zero(t, current.RetryCount)
	require.Equal(t, clock.Now().Add(time.Minute), current.NextAttemptAt)
	require.Contains(t, current.LastError, "insufficient")
}

func TestFailNoWalletIsTerminal(t *testing.T) {
	q, store, clock := setup(t)
	ctx := context.Background()
	ob, err := q.Enqueue(ctx, "p1", "k1", domain.ObligationReferralCommission, dec("10"), 0)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, claimed[0], "w1", domain.ObligationNoWallet, domain.ErrNoWallet))

	clock.Advance(7 * 24 * time.Hour)
	none, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Empty(t, none)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, depth[domain.ObligationNoWallet])

	current, err := store.GetObligation(ctx, ob.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ErrNoWallet.Error(), current.LastError)
}
