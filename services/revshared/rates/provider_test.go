package rates

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"revshare/services/revshared/domain"
	"revshare/services/revshared/storage"
)

func openStore(t *testing.T) *storage.Storage {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.MemoryDSN("rates_"+t.Name()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type failingSource struct {
	name  string
	calls atomic.Int32
}

func (f *failingSource) Name() string { return f.name }

func (f *failingSource) Fetch(context.Context, string, string) (Quote, error) {
	f.calls.Add(1)
	return Quote{}, errors.New("upstream unavailable")
}

type toggleSource struct {
	rate decimal.Decimal
	fail atomic.Bool
}

func (s *toggleSource) Name() string { return "toggle" }

func (s *toggleSource) Fetch(context.Context, string, string) (Quote, error) {
	if s.fail.Load() {
		return Quote{}, errors.New("down")
	}
	return Quote{Rate: s.rate}, nil
}

func TestConvertFortyDollarsAtFive(t *testing.T) {
	store := openStore(t)
	clock := clockwork.NewFakeClockAt(time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC))
	provider, err := NewProvider(store, []Source{NewStaticSource("manual", decimal.NewFromInt(5))}, 24*time.Hour, WithClock(clock), WithMetrics(nil))
	require.NoError(t, err)

	rate, err := provider.GetRate(context.Background(), "ton/usd")
	require.NoError(t, err)
	require.False(t, rate.Stale)
	require.Equal(t, "TON/USD", rate.Pair)

	units, err := rate.ToUnits(decimal.NewFromInt(40))
	require.NoError(t, err)
	require.True(t, units.Equal(decimal.NewFromInt(8)), "got %s", units)

	snap, err := store.LatestRate(context.Background(), "TON/USD")
	require.NoError(t, err)
	require.Equal(t, "manual", snap.Source)
	require.True(t, snap.Rate.Equal(decimal.NewFromInt(5)))
}

func TestFallsBackToCachedRateMarkedStale(t *testing.T) {
	store := openStore(t)
	clock := clockwork.NewFakeClockAt(time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC))
	src := &toggleSource{rate: decimal.NewFromInt(5)}
	provider, err := NewProvider(store, []Source{src}, 24*time.Hour, WithClock(clock), WithMetrics(nil))
	require.NoError(t, err)

	first, err := provider.GetRate(context.Background(), "TON/USD")
	require.NoError(t, err)
	require.False(t, first.Stale)

	src.fail.Store(true)
	clock.Advance(25 * time.Hour)

	stale, err := provider.GetRate(context.Background(), "TON/USD")
	require.NoError(t, err)
	require.True(t, stale.Stale)
	require.True(t, stale.Rate.Equal(decimal.NewFromInt(5)))
	require.Equal(t, "toggle", stale.Source)

	units, err := stale.ToUnits(decimal.NewFromInt(40))
	require.NoError(t, err)
	require.True(t, units.Equal(decimal.NewFromInt(8)))
}

func TestFreshCacheSkipsSources(t *testing.T) {
	store := openStore(t)
	clock := clockwork.NewFakeClockAt(time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, store.SaveRate(context.Background(), domain.ExchangeRateSnapshot{
		Pair: "TON/USD", Rate: decimal.RequireFromString("5.25"), Source: "coingecko", EffectiveFrom: clock.Now().Add(-time.Hour),
	}))
	failing := &failingSource{name: "coingecko"}
	provider, err := NewProvider(store, []Source{failing}, 24*time.Hour, WithClock(clock), WithMetrics(nil))
	require.NoError(t, err)

	rate, err := provider.GetRate(context.Background(), "TON/USD")
	require.NoError(t, err)
	require.False(t, rate.Stale)
	require.True(t, rate.Rate.Equal(decimal.RequireFromString("5.25")))
	require.Zero(t, failing.calls.Load())
}

func TestNoRateAnywhereIsUnavailable(t *testing.T) {
	store := openStore(t)
	provider, err := NewProvider(store, []Source{&failingSource{name: "a"}, &failingSource{name: "b"}}, time.Hour, WithMetrics(nil))
	require.NoError(t, err)

	_, err = provider.GetRate(context.Background(), "TON/USD")
	require.ErrorIs(t, err, domain.ErrRateUnavailable)
	require.Equal(t, domain.KindTransient, domain.KindOf(err))
}

func TestSourcesTriedInOrder(t *testing.T) {
	store := openStore(t)
	first := &failingSource{name: "primary"}
	provider, err := NewProvider(store, []Source{first, NewStaticSource("backup", decimal.NewFromInt(4))}, time.Hour, WithMetrics(nil))
	require.NoError(t, err)

	rate, err := provider.GetRate(context.Background(), "TON/USD")
	require.NoError(t, err)
	require.Equal(t, "backup", rate.Source)
	require.EqualValues(t, 1, first.calls.Load())
}

func TestCoinGeckoSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "the-open-network", r.URL.Query().Get("ids"))
		require.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
		_, _ = w.Write([]byte(`{"the-open-network":{"usd":5.125,"last_updated_at":1790000000}}`))
	}))
	defer srv.Close()

	src := NewCoinGeckoSource("", srv.Client(), srv.URL, map[string]string{"ton": "the-open-network"}, nil)
	q, err := src.Fetch(context.Background(), "TON", "USD")
	require.NoError(t, err)
	require.True(t, q.Rate.Equal(decimal.RequireFromString("5.125")))
	require.Equal(t, "coingecko", q.Source)
	require.Equal(t, int64(1790000000), q.Timestamp.Unix())
}

func TestNowPaymentsSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "secret", r.Header.Get("x-api-key"))
		require.Equal(t, "TON", r.URL.Query().Get("from"))
		_, _ = w.Write([]byte(`{"rate":"4.9","timestamp":1790000000}`))
	}))
	defer srv.Close()

	src := NewNowPaymentsSource("np", srv.Client(), srv.URL, "secret", nil)
	q, err := src.Fetch(context.Background(), "ton", "usd")
	require.NoError(t, err)
	require.True(t, q.Rate.Equal(decimal.RequireFromString("4.9")))
	require.Equal(t, "np", q.Source)
}

func TestHTTPSourceRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewNowPaymentsSource("", srv.Client(), srv.URL, "", nil).Fetch(context.Background(), "TON", "USD")
	require.ErrorContains(t, err, "status 429")
}

func TestSplitPair(t *testing.T) {
	base, quote, err := SplitPair(" ton/usd ")
	require.NoError(t, err)
	require.Equal(t, "TON", base)
	require.Equal(t, "USD", quote)

	_, _, err = SplitPair("TONUSD")
	require.ErrorIs(t, err, domain.ErrValidation)
}
