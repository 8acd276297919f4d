package domain

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrPartnerNotFound indicates the registry has no record for a partner id.
	ErrPartnerNotFound = errors.New("revshare: partner not found")
	// ErrReferralCycle reports a referral chain that revisits a partner.
	ErrReferralCycle = errors.New("revshare: referral cycle detected")
	// ErrDataIntegrity is the umbrella for inconsistent ledger state.
	ErrDataIntegrity = errors.New("revshare: data integrity violation")

	// ErrValidation is the umbrella for rejected input.
	ErrValidation = errors.New("revshare: validation failed")
	// ErrInvalidAmount rejects negative or zero money amounts.
	ErrInvalidAmount = errors.New("revshare: invalid amount")
	// ErrInvalidPartnerValue rejects PV outside [0, 100].
	ErrInvalidPartnerValue = errors.New("revshare: partner value percent out of range")
	// ErrInvalidTransition rejects a status change the transition table forbids.
	ErrInvalidTransition = errors.New("revshare: invalid status transition")

	// ErrInsufficientBalance reports a hot wallet that cannot cover the transfer.
	ErrInsufficientBalance = errors.New("revshare: insufficient hot wallet balance")
	// ErrRateUnavailable reports that no exchange rate could be produced.
	ErrRateUnavailable = errors.New("revshare: exchange rate unavailable")
	// ErrStaleRate defers large settlements while the cached rate is stale.
	ErrStaleRate = errors.New("revshare: exchange rate stale")

	// ErrNoWallet marks a partner without a registered payout address.
	ErrNoWallet = errors.New("revshare: no payout address registered")
	// ErrRetriesExhausted marks an obligation that used every retry slot.
	ErrRetriesExhausted = errors.New("revshare: retries exhausted")
	// ErrBelowThreshold reports an amount under the minimum payout.
	ErrBelowThreshold = errors.New("revshare: amount below minimum payout")
	// ErrTransferRejected reports a rail-side permanent rejection.
	ErrTransferRejected = errors.New("revshare: transfer rejected by payment rail")
	// ErrOutcomeUnknown marks an in-flight submission whose result cannot be established.
	ErrOutcomeUnknown = errors.New("revshare: in-flight transfer outcome unknown")

	// ErrAlreadySettled rejects any attempt to re-settle a paid obligation.
	ErrAlreadySettled = errors.New("revshare: obligation already settled")
	// ErrDuplicateObligation rejects a second (partner, period, type) obligation.
	ErrDuplicateObligation = errors.New("revshare: duplicate obligation")

	// ErrNotFound is returned by lookups that match nothing.
	ErrNotFound = errors.New("revshare: not found")
	// ErrLeaseLost reports that another worker holds the obligation or period lock.
	ErrLeaseLost = errors.New("revshare: lease not held")
)

// Kind is the error taxonomy used to route failures.
type Kind string

const (
	KindUnknown       Kind = "unknown"
	KindDataIntegrity Kind = "data_integrity"
	KindValidation    Kind = "validation"
	KindTransient     Kind = "transient"
	KindPermanent     Kind = "permanent"
	KindIdempotency   Kind = "idempotency"
)

type classified struct {
	kind Kind
	err  error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Transient marks err as retryable infrastructure trouble.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: KindTransient, err: err}
}

// Permanent marks err as terminal for the obligation it concerns.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: KindPermanent, err: err}
}

// KindOf classifies err into the error taxonomy.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var c *classified
	if errors.As(err, &c) {
		return c.kind
	}
	switch {
	case errors.Is(err, ErrAlreadySettled), errors.Is(err, ErrDuplicateObligation):
		return KindIdempotency
	case errors.Is(err, ErrPartnerNotFound), errors.Is(err, ErrReferralCycle), errors.Is(err, ErrDataIntegrity):
		return KindDataIntegrity
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidPartnerValue), errors.Is(err, ErrInvalidTransition):
		return KindValidation
	case errors.Is(err, ErrNoWallet), errors.Is(err, ErrRetriesExhausted),
		errors.Is(err, ErrBelowThreshold), errors.Is(err, ErrTransferRejected),
		errors.Is(err, ErrOutcomeUnknown):
		return KindPermanent
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrRateUnavailable),
		errors.Is(err, ErrStaleRate), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	return KindUnknown
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }
