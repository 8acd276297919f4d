package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"revshare/services/revshared/domain"
)

// EdgeSource exposes the read-only referral graph.
type EdgeSource interface {
	ActiveReferrers(ctx context.Context, referredID string, asOf time.Time) ([]domain.ReferralEdge, error)
}

// Chain is the resolved upline of one partner.
type Chain struct {
	PartnerID string
	Uplines   []domain.Upline
	// Warnings carries non-fatal integrity findings (cycles, ambiguous referrers).
	Warnings []error
}

// Truncated reports whether a cycle cut the chain short.
func (c Chain) Truncated() bool {
	for _, w := range c.Warnings {
		if errors.Is(w, domain.ErrReferralCycle) {
			return true
		}
	}
	return false
}

// Resolver walks direct referral edges upward to build bounded-depth chains.
type Resolver struct {
	source   EdgeSource
	maxLevel int
	logger   *slog.Logger
}

// Option customises the resolver.
type Option func(*Resolver)

// WithMaxLevel bounds the chain depth. Values outside 1..domain.MaxLevel are ignored.
func WithMaxLevel(level int) Option {
	return func(r *Resolver) {
		if level >= 1 && level <= domain.MaxLevel {
			r.maxLevel = level
		}
	}
}

// WithLogger overrides the resolver logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver constructs a resolver over the supplied edge source.
func NewResolver(source EdgeSource, opts ...Option) (*Resolver, error) {
	if source == nil {
		return nil, fmt.Errorf("edge source required")
	}
	r := &Resolver{source: source, maxLevel: domain.MaxLevel, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Resolve returns the referrers of partnerID at levels 1..maxLevel as of the
// end of the period. Only active edges created before the period end count.
// A revisited partner truncates the chain and records a cycle warning.
func (r *Resolver) Resolve(ctx context.Context, partnerID string, period domain.Period) (Chain, error) {
	chain := Chain{PartnerID: partnerID}
	visited := map[string]struct{}{partnerID: {}}
	current := partnerID
	for level := 1; level <= r.maxLevel; level++ {
		edges, err := r.source.ActiveReferrers(ctx, current, period.End)
		if err != nil {
			return chain, fmt.Errorf("resolve referrers of %s: %w", current, err)
		}
		if len(edges) == 0 {
			break
		}
		if len(edges) > 1 {
			warn := fmt.Errorf("%w: %s has %d active referrers, using %s",
				domain.ErrDataIntegrity, current, len(edges), edges[0].ReferrerID)
			chain.Warnings = append(chain.Warnings, warn)
			r.logger.Warn("ambiguous referrer", "partner", current, "referrers", len(edges), "chosen", edges[0].ReferrerID)
		}
		next := edges[0].ReferrerID
		if _, seen := visited[next]; seen {
			warn := fmt.Errorf("%w: %s -> %s at level %d", domain.ErrReferralCycle, current, next, level)
			chain.Warnings = append(chain.Warnings, warn)
			r.logger.Warn("referral cycle truncated", "partner", partnerID, "revisited", next, "level", level)
			break
		}
		visited[next] = struct{}{}
		chain.Uplines = append(chain.Uplines, domain.Upline{ReferrerID: next, Level: level})
		current = next
	}
	return chain, nil
}
