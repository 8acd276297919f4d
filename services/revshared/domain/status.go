package domain

import "fmt"

// RecordStatus tracks a revenue share record through approval and payment.
type RecordStatus string

const (
	RecordPending  RecordStatus = "pending"
	RecordApproved RecordStatus = "approved"
	RecordPaid     RecordStatus = "paid"
	RecordFailed   RecordStatus = "failed"
)

var recordTransitions = map[RecordStatus][]RecordStatus{
	RecordPending:  {RecordApproved},
	RecordApproved: {RecordPaid, RecordFailed},
}

// CanTransition reports whether a record may move from s to next.
func (s RecordStatus) CanTransition(next RecordStatus) bool {
	return allowed(recordTransitions, s, next)
}

// Terminal reports whether no automatic transition leaves s.
func (s RecordStatus) Terminal() bool {
	return s == RecordPaid || s == RecordFailed
}

// ObligationStatus tracks a settlement obligation through the queue.
type ObligationStatus string

const (
	ObligationPending    ObligationStatus = "pending"
	ObligationProcessing ObligationStatus = "processing"
	ObligationPaid       ObligationStatus = "paid"
	ObligationFailed     ObligationStatus = "failed"
	ObligationNoWallet   ObligationStatus = "no_wallet"
	ObligationDeferred   ObligationStatus = "deferred"
)

var obligationTransitions = map[ObligationStatus][]ObligationStatus{
	ObligationPending: {ObligationProcessing},
	ObligationProcessing: {
		ObligationPending,
		ObligationPaid,
		ObligationFailed,
		ObligationNoWallet,
		ObligationDeferred,
	},
}

// admin resets are the only way out of a terminal failure.
var obligationResets = map[ObligationStatus][]ObligationStatus{
	ObligationFailed:   {ObligationPending},
	ObligationNoWallet: {ObligationPending},
}

// CanTransition reports whether an obligation may move from s to next automatically.
func (s ObligationStatus) CanTransition(next ObligationStatus) bool {
	return allowed(obligationTransitions, s, next)
}

// CanReset reports whether an operator reset may move s back to next.
func (s ObligationStatus) CanReset(next ObligationStatus) bool {
	return allowed(obligationResets, s, next)
}

// Terminal reports whether s requires manual intervention or is final.
func (s ObligationStatus) Terminal() bool {
	switch s {
	case ObligationPaid, ObligationFailed, ObligationNoWallet, ObligationDeferred:
		return true
	}
	return false
}

// Open reports whether the obligation still counts against a period's settlement.
func (s ObligationStatus) Open() bool {
	return s == ObligationPending || s == ObligationProcessing
}

// PeriodStatus is the orchestrator state of a period.
type PeriodStatus string

const (
	PeriodOpen     PeriodStatus = "open"
	PeriodClosed   PeriodStatus = "closed"
	PeriodSettling PeriodStatus = "settling"
	PeriodSettled  PeriodStatus = "settled"
)

var periodTransitions = map[PeriodStatus][]PeriodStatus{
	PeriodOpen:     {PeriodClosed},
	PeriodClosed:   {PeriodClosed, PeriodSettling},
	PeriodSettling: {PeriodSettling, PeriodSettled},
}

// CanTransition reports whether a period may move from s to next.
func (s PeriodStatus) CanTransition(next PeriodStatus) bool {
	return allowed(periodTransitions, s, next)
}

// ValidateTransition returns ErrInvalidTransition when from cannot move to to.
func ValidateTransition[S ~string](from, to S, ok bool) error {
	if ok {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func allowed[S comparable](table map[S][]S, from, to S) bool {
	for _, candidate := range table[from] {
		if candidate == to {
			return true
		}
	}
	return false
}
