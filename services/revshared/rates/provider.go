package rates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"revshare/observability"
	"revshare/services/revshared/domain"
)

// Store persists rate snapshots so the last known rate survives restarts.
type Store interface {
	LatestRate(ctx context.Context, pair string) (domain.ExchangeRateSnapshot, error)
	SaveRate(ctx context.Context, snap domain.ExchangeRateSnapshot) error
}

// Metrics exposes the Prometheus collectors the provider reports to.
type Metrics = observability.RevshareMetrics

// Rate is the answer returned to callers.
type Rate struct {
	Pair      string
	Rate      decimal.Decimal
	Source    string
	FetchedAt time.Time
	Stale     bool
}

// ToUnits converts a fiat amount into whole asset units (fiat / rate).
func (r Rate) ToUnits(fiat decimal.Decimal) (decimal.Decimal, error) {
	if !r.Rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: rate %s", domain.ErrInvalidAmount, r.Rate)
	}
	return fiat.DivRound(r.Rate, 18), nil
}

// Provider serves exchange rates with a freshness window and ordered fallback.
type Provider struct {
	store     Store
	sources   []Source
	freshness time.Duration
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *Metrics

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]Rate
}

// Option customises the provider.
type Option func(*Provider)

// WithClock overrides the wall clock.
func WithClock(clock clockwork.Clock) Option {
	return func(p *Provider) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithLogger overrides the provider logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *Metrics) Option {
	return func(p *Provider) { p.metrics = m }
}

// NewProvider constructs a provider over the ordered source list.
func NewProvider(store Store, sources []Source, freshness time.Duration, opts ...Option) (*Provider, error) {
	if store == nil {
		return nil, fmt.Errorf("rates: store required")
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("rates: at least one source required")
	}
	if freshness <= 0 {
		freshness = 24 * time.Hour
	}
	p := &Provider{
		store:     store,
		sources:   append([]Source{}, sources...),
		freshness: freshness,
		clock:     clockwork.NewRealClock(),
		logger:    slog.Default(),
		metrics:   observability.Revshare(),
		cache:     make(map[string]Rate),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// GetRate returns the rate for pair ("BASE/QUOTE", quote units per base unit).
// A cached rate younger than the freshness window is served directly; otherwise
// sources are queried in order. When every source fails the last known rate is
// returned with Stale set.
func (p *Provider) GetRate(ctx context.Context, pair string) (Rate, error) {
	if p == nil {
		return Rate{}, fmt.Errorf("rates: provider not configured")
	}
	base, quote, err := SplitPair(pair)
	if err != nil {
		return Rate{}, err
	}
	pair = base + "/" + quote
	now := p.clock.Now()
	cached, haveCached, err := p.lastKnown(ctx, pair)
	if err != nil {
		return Rate{}, err
	}
	if haveCached && now.Sub(cached.FetchedAt) < p.freshness {
		p.metrics.RecordRate(pair, now.Sub(cached.FetchedAt), false)
		return cached, nil
	}
	v, fetchErr, _ := p.group.Do(pair, func() (any, error) {
		return p.refresh(ctx, pair, base, quote)
	})
	if fetchErr == nil {
		fresh := v.(Rate)
		p.metrics.RecordRate(pair, 0, false)
		return fresh, nil
	}
	if !haveCached {
		return Rate{}, fmt.Errorf("%w: %s: %v", domain.ErrRateUnavailable, pair, fetchErr)
	}
	cached.Stale = true
	age := now.Sub(cached.FetchedAt)
	p.metrics.RecordRate(pair, age, true)
	p.logger.Warn("rates: serving stale rate",
		slog.String("pair", pair),
		slog.String("source", cached.Source),
		slog.Duration("age", age),
		slog.Any("error", fetchErr))
	return cached, nil
}

func (p *Provider) refresh(ctx context.Context, pair, base, quote string) (Rate, error) {
	var errs []error
	for _, src := range p.sources {
		q, err := src.Fetch(ctx, base, quote)
		if err != nil {
			p.logger.Debug("rates: source failed", slog.String("source", src.Name()), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}
		if !q.Rate.IsPositive() {
			errs = append(errs, fmt.Errorf("%s: non-positive rate %s", src.Name(), q.Rate))
			continue
		}
		fetched := p.clock.Now()
		out := Rate{Pair: pair, Rate: q.Rate, Source: src.Name(), FetchedAt: fetched}
		snap := domain.ExchangeRateSnapshot{Pair: pair, Rate: q.Rate, Source: src.Name(), EffectiveFrom: fetched}
		if err := p.store.SaveRate(ctx, snap); err != nil {
			// The quote is still usable; the next miss retries persistence.
			p.logger.Warn("rates: persist snapshot failed", slog.String("pair", pair), slog.Any("error", err))
		}
		p.mu.Lock()
		p.cache[pair] = out
		p.mu.Unlock()
		return out, nil
	}
	return Rate{}, errors.Join(errs...)
}

func (p *Provider) lastKnown(ctx context.Context, pair string) (Rate, bool, error) {
	p.mu.RLock()
	cached, ok := p.cache[pair]
	p.mu.RUnlock()
	if ok {
		return cached, true, nil
	}
	snap, err := p.store.LatestRate(ctx, pair)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Rate{}, false, nil
		}
		return Rate{}, false, fmt.Errorf("rates: load snapshot: %w", err)
	}
	cached = Rate{Pair: pair, Rate: snap.Rate, Source: snap.Source, FetchedAt: snap.EffectiveFrom}
	p.mu.Lock()
	p.cache[pair] = cached
	p.mu.Unlock()
	return cached, true, nil
}

// SplitPair parses "BASE/QUOTE" into upper-cased symbols.
func SplitPair(pair string) (string, string, error) {
	parts := strings.Split(strings.TrimSpace(pair), "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("%w: pair %q must be BASE/QUOTE", domain.ErrValidation, pair)
	}
	base, quote := normaliseSymbol(parts[0]), normaliseSymbol(parts[1])
	if base == "" || quote == "" {
		return "", "", fmt.Errorf("%w: pair %q must be BASE/QUOTE", domain.ErrValidation, pair)
	}
	return base, quote, nil
}
