package domain

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// PVTier maps a personal income floor to a partner value percentage.
type PVTier struct {
	MinIncome decimal.Decimal
	Percent   decimal.Decimal
}

// DefaultPVTiers is the 4-step partner value schedule (3/5/7/10%).
func DefaultPVTiers() []PVTier {
	return []PVTier{
		{MinIncome: decimal.Zero, Percent: decimal.NewFromInt(3)},
		{MinIncome: decimal.NewFromInt(500), Percent: decimal.NewFromInt(5)},
		{MinIncome: decimal.NewFromInt(1500), Percent: decimal.NewFromInt(7)},
		{MinIncome: decimal.NewFromInt(3000), Percent: decimal.NewFromInt(10)},
	}
}

// PVSchedule derives partner value and revenue share eligibility from income.
type PVSchedule struct {
	tiers         []PVTier
	minIncome     decimal.Decimal
	minClientBase int
}

// NewPVSchedule validates and sorts the tier table.
func NewPVSchedule(tiers []PVTier, minIncome decimal.Decimal, minClientBase int) (*PVSchedule, error) {
	if len(tiers) == 0 {
		tiers = DefaultPVTiers()
	}
	sorted := append([]PVTier(nil), tiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinIncome.LessThan(sorted[j].MinIncome) })
	for _, tier := range sorted {
		if err := ValidatePartnerValue(tier.Percent); err != nil {
			return nil, err
		}
		if tier.MinIncome.IsNegative() {
			return nil, fmt.Errorf("%w: tier floor %s", ErrInvalidAmount, tier.MinIncome)
		}
	}
	if minClientBase < 0 {
		return nil, fmt.Errorf("%w: min client base %d", ErrValidation, minClientBase)
	}
	return &PVSchedule{tiers: sorted, minIncome: minIncome, minClientBase: minClientBase}, nil
}

// PartnerValue returns the percent for the highest tier whose floor income reaches.
func (s *PVSchedule) PartnerValue(income decimal.Decimal) decimal.Decimal {
	percent := decimal.Zero
	for _, tier := range s.tiers {
		if income.GreaterThanOrEqual(tier.MinIncome) {
			percent = tier.Percent
		}
	}
	return percent
}

// Active reports whether a partner passes the revenue share activation gate.
func (s *PVSchedule) Active(income decimal.Decimal, clientBase int) bool {
	return income.GreaterThanOrEqual(s.minIncome) && clientBase >= s.minClientBase
}

// Apply recomputes the derived fields of p after an income change.
func (s *PVSchedule) Apply(p Partner, income decimal.Decimal, clientBase int) (Partner, error) {
	if income.IsNegative() {
		return p, fmt.Errorf("%w: personal income %s", ErrInvalidAmount, income)
	}
	if clientBase < 0 {
		return p, fmt.Errorf("%w: client base %d", ErrValidation, clientBase)
	}
	p.PersonalIncomeMonthly = income
	p.ClientBaseCount = clientBase
	p.PartnerValuePercent = s.PartnerValue(income)
	p.RevenueShareActive = s.Active(income, clientBase)
	return p, nil
}

// ValidatePartnerValue rejects percentages outside [0, 100].
func ValidatePartnerValue(percent decimal.Decimal) error {
	if percent.IsNegative() || percent.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("%w: %s", ErrInvalidPartnerValue, percent)
	}
	return nil
}
