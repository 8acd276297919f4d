package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"revshare/services/revshared/domain"
)

const partnerColumns = `id, personal_income_monthly, client_base_count, revenue_share_active,
        partner_value_percent, payout_address, activation_date, updated_at`

// UpsertPartner writes the registry attributes for a partner.
func (s *Storage) UpsertPartner(ctx context.Context, p domain.Partner) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	return upsertPartner(ctx, s.db, p)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertPartner(ctx context.Context, db execer, p domain.Partner) error {
	id := strings.TrimSpace(p.ID)
	if id == "" {
		return fmt.Errorf("%w: partner id required", domain.ErrValidation)
	}
	if err := domain.ValidatePartnerValue(p.PartnerValuePercent); err != nil {
		return err
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := db.ExecContext(ctx, `
        INSERT INTO partners(`+partnerColumns+`)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            personal_income_monthly = excluded.personal_income_monthly,
            client_base_count = excluded.client_base_count,
            revenue_share_active = excluded.revenue_share_active,
            partner_value_percent = excluded.partner_value_percent,
            payout_address = excluded.payout_address,
            activation_date = excluded.activation_date,
            updated_at = excluded.updated_at
    `, id, p.PersonalIncomeMonthly, p.ClientBaseCount, boolInt(p.RevenueShareActive),
		p.PartnerValuePercent, strings.TrimSpace(p.PayoutAddress), millis(p.ActivationDate), millis(updated))
	if err != nil {
		return fmt.Errorf("upsert partner: %w", err)
	}
	return nil
}

// GetPartner loads a partner by id.
func (s *Storage) GetPartner(ctx context.Context, id string) (domain.Partner, error) {
	if s == nil {
		return domain.Partner{}, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+partnerColumns+` FROM partners WHERE id = ?`, strings.TrimSpace(id))
	p, err := scanPartner(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Partner{}, fmt.Errorf("%w: %s", domain.ErrPartnerNotFound, id)
		}
		return domain.Partner{}, fmt.Errorf("query partner: %w", err)
	}
	return p, nil
}

// ListPartners returns every registered partner ordered by id.
func (s *Storage) ListPartners(ctx context.Context) ([]domain.Partner, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+partnerColumns+` FROM partners ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query partners: %w", err)
	}
	defer rows.Close()
	partners := make([]domain.Partner, 0)
	for rows.Next() {
		p, err := scanPartner(rows)
		if err != nil {
			return nil, fmt.Errorf("scan partner: %w", err)
		}
		partners = append(partners, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate partners: %w", err)
	}
	return partners, nil
}

// UpdateIncome recomputes partner value and activation from the supplied
// income and client base and persists them in a single write.
func (s *Storage) UpdateIncome(ctx context.Context, id string, income decimal.Decimal, clientBase int, schedule *domain.PVSchedule, now time.Time) (domain.Partner, error) {
	if s == nil {
		return domain.Partner{}, fmt.Errorf("storage not configured")
	}
	if schedule == nil {
		return domain.Partner{}, fmt.Errorf("pv schedule required")
	}
	var updated domain.Partner
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+partnerColumns+` FROM partners WHERE id = ?`, strings.TrimSpace(id))
		current, err := scanPartner(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", domain.ErrPartnerNotFound, id)
			}
			return fmt.Errorf("query partner: %w", err)
		}
		next, err := schedule.Apply(current, income, clientBase)
		if err != nil {
			return err
		}
		if next.RevenueShareActive && !current.RevenueShareActive && next.ActivationDate.IsZero() {
			next.ActivationDate = now
		}
		next.UpdatedAt = now
		if err := upsertPartner(ctx, tx, next); err != nil {
			return err
		}
		updated = next
		return nil
	})
	return updated, err
}

func scanPartner(row scanner) (domain.Partner, error) {
	var (
		p         domain.Partner
		active    int
		activated sql.NullInt64
		updated   sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.PersonalIncomeMonthly, &p.ClientBaseCount, &active,
		&p.PartnerValuePercent, &p.PayoutAddress, &activated, &updated); err != nil {
		return p, err
	}
	p.RevenueShareActive = active == 1
	p.ActivationDate = fromMillis(activated)
	p.UpdatedAt = fromMillis(updated)
	return p, nil
}

// UpsertEdge records a referral edge. Edges are produced by the acquisition
// flow; this ledger only mirrors them.
func (s *Storage) UpsertEdge(ctx context.Context, edge domain.ReferralEdge) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if edge.ReferrerID == "" || edge.ReferredID == "" {
		return fmt.Errorf("%w: edge endpoints required", domain.ErrValidation)
	}
	if edge.Level < 1 || edge.Level > domain.MaxLevel {
		return fmt.Errorf("%w: edge level %d", domain.ErrValidation, edge.Level)
	}
	created := edge.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO referral_edges(referrer_id, referred_id, level, active, created_at)
        VALUES(?, ?, ?, ?, ?)
        ON CONFLICT(referrer_id, referred_id) DO UPDATE SET
            level = excluded.level,
            active = excluded.active
    `, edge.ReferrerID, edge.ReferredID, edge.Level, boolInt(edge.Active), millis(created))
	if err != nil {
		return fmt.Errorf("upsert edge: %w", err)
	}
	return nil
}

// IndirectEdges counts active edges stored with a level above 1 that existed
// before asOf. Upline levels are derived by walking direct edges, so these rows
// never take part in a calculation.
func (s *Storage) IndirectEdges(ctx context.Context, asOf time.Time) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM referral_edges
        WHERE level > 1 AND active = 1 AND created_at < ?
    `, asOf.UTC().UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count indirect edges: %w", err)
	}
	return n, nil
}

// ActiveReferrers returns the active direct (level 1) referrers of a partner
// that existed before asOf, ordered by referrer id.
func (s *Storage) ActiveReferrers(ctx context.Context, referredID string, asOf time.Time) ([]domain.ReferralEdge, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT referrer_id, referred_id, level, active, created_at
        FROM referral_edges
        WHERE referred_id = ? AND level = 1 AND active = 1 AND created_at < ?
        ORDER BY referrer_id
    `, referredID, asOf.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query referrers: %w", err)
	}
	defer rows.Close()
	edges := make([]domain.ReferralEdge, 0, 1)
	for rows.Next() {
		var (
			edge    domain.ReferralEdge
			active  int
			created sql.NullInt64
		)
		if err := rows.Scan(&edge.ReferrerID, &edge.ReferredID, &edge.Level, &active, &created); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edge.Active = active == 1
		edge.CreatedAt = fromMillis(created)
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edges: %w", err)
	}
	return edges, nil
}

// TurnoverEntry is one business volume event sourced from the ledger.
type TurnoverEntry struct {
	Ref        string
	PartnerID  string
	Amount     decimal.Decimal
	OccurredAt time.Time
}

// RecordTurnover stores a turnover entry. Entries with a ref that was already
// imported are ignored.
func (s *Storage) RecordTurnover(ctx context.Context, entry TurnoverEntry) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if entry.PartnerID == "" {
		return fmt.Errorf("%w: turnover partner required", domain.ErrValidation)
	}
	if entry.Amount.IsNegative() {
		return fmt.Errorf("%w: turnover %s", domain.ErrInvalidAmount, entry.Amount)
	}
	ref := strings.TrimSpace(entry.Ref)
	if ref == "" {
		ref = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO turnover_entries(ref, partner_id, amount, occurred_at)
        VALUES(?, ?, ?, ?)
        ON CONFLICT(ref) DO NOTHING
    `, ref, entry.PartnerID, entry.Amount, entry.OccurredAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert turnover: %w", err)
	}
	return nil
}

// Turnover sums a partner's business volume within the period.
func (s *Storage) Turnover(ctx context.Context, partnerID string, period domain.Period) (decimal.Decimal, error) {
	totals, err := s.turnover(ctx, period, partnerID)
	if err != nil {
		return decimal.Zero, err
	}
	return totals[partnerID], nil
}

// TurnoverByPartner sums the business volume of every partner active in the period.
func (s *Storage) TurnoverByPartner(ctx context.Context, period domain.Period) (map[string]decimal.Decimal, error) {
	return s.turnover(ctx, period, "")
}

func (s *Storage) turnover(ctx context.Context, period domain.Period, partnerID string) (map[string]decimal.Decimal, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	query := `
        SELECT partner_id, amount
        FROM turnover_entries
        WHERE occurred_at >= ? AND occurred_at < ?`
	args := []any{period.Start.UTC().UnixMilli(), period.End.UTC().UnixMilli()}
	if partnerID != "" {
		query += ` AND partner_id = ?`
		args = append(args, partnerID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query turnover: %w", err)
	}
	defer rows.Close()
	totals := make(map[string]decimal.Decimal)
	for rows.Next() {
		var (
			id     string
			amount decimal.Decimal
		)
		if err := rows.Scan(&id, &amount); err != nil {
			return nil, fmt.Errorf("scan turnover: %w", err)
		}
		totals[id] = totals[id].Add(amount)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turnover: %w", err)
	}
	return totals, nil
}
