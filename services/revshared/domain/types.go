package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MaxLevel bounds the depth of the referral chain that accrues revenue share.
const MaxLevel = 3

// Partner captures the registry attributes the calculation pass reads.
type Partner struct {
	ID                    string
	PersonalIncomeMonthly decimal.Decimal
	ClientBaseCount       int
	RevenueShareActive    bool
	PartnerValuePercent   decimal.Decimal
	PayoutAddress         string
	ActivationDate        time.Time
	UpdatedAt             time.Time
}

// HasPayoutAddress reports whether the partner registered a destination wallet.
func (p Partner) HasPayoutAddress() bool {
	return strings.TrimSpace(p.PayoutAddress) != ""
}

// ReferralEdge links a referrer to the partner they brought in.
type ReferralEdge struct {
	ReferrerID string
	ReferredID string
	Level      int
	Active     bool
	CreatedAt  time.Time
}

// Upline is one entry of a resolved referral chain.
type Upline struct {
	ReferrerID string
	Level      int
}

// ObligationType distinguishes the payout streams sharing the settlement queue.
type ObligationType string

const (
	ObligationRevenueShare       ObligationType = "revenue_share"
	ObligationReferralCommission ObligationType = "referral_commission"
)

// Valid reports whether t is a known obligation type.
func (t ObligationType) Valid() bool {
	switch t {
	case ObligationRevenueShare, ObligationReferralCommission:
		return true
	}
	return false
}

// RecordKey is the natural key a calculation pass upserts on.
type RecordKey struct {
	BeneficiaryID string
	SourceID      string
	Level         int
	PeriodID      string
}

func (k RecordKey) String() string {
	return fmt.Sprintf("%s/%s/%d/%s", k.BeneficiaryID, k.SourceID, k.Level, k.PeriodID)
}

// RevenueShareRecord is the per-(beneficiary, source, level, period) entitlement.
type RevenueShareRecord struct {
	ID               string
	BeneficiaryID    string
	SourceID         string
	Level            int
	PeriodID         string
	PeriodStart      time.Time
	PeriodEnd        time.Time
	SystemRevenue    decimal.Decimal
	CalculatedAmount decimal.Decimal
	CapAmount        decimal.Decimal
	FinalAmount      decimal.Decimal
	Status           RecordStatus
	ObligationID     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Key returns the record's natural key.
func (r RevenueShareRecord) Key() RecordKey {
	return RecordKey{BeneficiaryID: r.BeneficiaryID, SourceID: r.SourceID, Level: r.Level, PeriodID: r.PeriodID}
}

// SettlementObligation is a queued payout owed to a partner.
type SettlementObligation struct {
	ID             string
	PartnerID      string
	PeriodID       string
	Type           ObligationType
	AmountFiat     decimal.Decimal
	Currency       string
	Status         ObligationStatus
	Priority       int
	RetryCount     int
	MaxRetries     int
	NextAttemptAt  time.Time
	LeaseOwner     string
	LeaseExpiresAt time.Time
	Memo           string
	SubmittedAt    time.Time
	UnitAmount     decimal.Decimal
	Rate           decimal.Decimal
	ExternalTxRef  string
	ExternalTxLT   string
	LastError      string
	NotifiedAt     time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SettledAt      time.Time
}

// Settled reports whether the obligation already holds its transfer proof.
func (o SettlementObligation) Settled() bool {
	return o.Status == ObligationPaid && o.ExternalTxRef != ""
}

// ExchangeRateSnapshot records a fiat per on-chain unit rate and where it came from.
type ExchangeRateSnapshot struct {
	Pair           string
	Rate           decimal.Decimal
	Source         string
	EffectiveFrom  time.Time
	EffectiveUntil time.Time
}

// Period is a closed date range the calculation and settlement passes operate on.
type Period struct {
	ID        string
	Start     time.Time
	End       time.Time
	Status    PeriodStatus
	Manual    bool
	ClosedAt  time.Time
	SettledAt time.Time
	UpdatedAt time.Time
}

// Contains reports whether t falls within [Start, End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// MonthlyPeriod returns the calendar month period containing t (UTC).
func MonthlyPeriod(t time.Time) Period {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{
		ID:     start.Format("2006-01"),
		Start:  start,
		End:    start.AddDate(0, 1, 0),
		Status: PeriodOpen,
	}
}

// AdHocPeriod builds a manually specified period. End is exclusive.
func AdHocPeriod(start, end time.Time) (Period, error) {
	start = start.UTC()
	end = end.UTC()
	if !end.After(start) {
		return Period{}, fmt.Errorf("%w: period end must be after start", ErrValidation)
	}
	return Period{
		ID:     fmt.Sprintf("adhoc-%s-%s", start.Format("20060102"), end.Format("20060102")),
		Start:  start,
		End:    end,
		Status: PeriodOpen,
		Manual: true,
	}, nil
}

// ParsePeriodID resolves a monthly identifier (YYYY-MM) into its period.
func ParsePeriodID(id string) (Period, error) {
	trimmed := strings.TrimSpace(id)
	t, err := time.Parse("2006-01", trimmed)
	if err != nil {
		return Period{}, fmt.Errorf("%w: period id %q must be YYYY-MM", ErrValidation, id)
	}
	return MonthlyPeriod(t), nil
}

// PartnerSummary is the read model returned to partner-facing surfaces.
type PartnerSummary struct {
	PartnerID      string          `json:"partner_id"`
	PeriodID       string          `json:"period_id"`
	PersonalIncome decimal.Decimal `json:"personal_income"`
	Cap            decimal.Decimal `json:"cap"`
	Pending        decimal.Decimal `json:"pending"`
	Paid           decimal.Decimal `json:"paid"`
	Total          decimal.Decimal `json:"total"`
}
