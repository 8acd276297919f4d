package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"revshare/services/revshared/domain"
)

const recordColumns = `id, beneficiary_partner_id, source_partner_id, level, period_id,
        period_start, period_end, system_revenue, calculated_amount, cap_amount,
        final_amount, status, obligation_id, created_at, updated_at`

// ReplaceResult reports what a calculation write changed.
type ReplaceResult struct {
	Upserted int
	Removed  int
}

// ReplacePendingRecords atomically replaces the pending record set of a
// period. Records are upserted on (beneficiary, source, level, period);
// pending rows absent from records are removed. Approved, paid and failed
// rows are never touched, nor are pending rows any retain func matches.
func (s *Storage) ReplacePendingRecords(ctx context.Context, periodID string, records []domain.RevenueShareRecord, now time.Time, retain ...func(domain.RecordKey) bool) (ReplaceResult, error) {
	result := ReplaceResult{}
	if s == nil {
		return result, fmt.Errorf("storage not configured")
	}
	keep := make(map[domain.RecordKey]struct{}, len(records))
	for _, rec := range records {
		if rec.PeriodID != periodID {
			return result, fmt.Errorf("%w: record %s outside period %s", domain.ErrValidation, rec.Key(), periodID)
		}
		if !rec.FinalAmount.IsPositive() {
			return result, fmt.Errorf("%w: record %s final amount %s", domain.ErrInvalidAmount, rec.Key(), rec.FinalAmount)
		}
		keep[rec.Key()] = struct{}{}
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stale, err := stalePendingIDs(ctx, tx, periodID, keep, retain)
		if err != nil {
			return err
		}
		for _, rec := range records {
			id := rec.ID
			if id == "" {
				id = uuid.NewString()
			}
			res, err := tx.ExecContext(ctx, `
                INSERT INTO revenue_share_records(`+recordColumns+`)
                VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', NULL, ?, ?)
                ON CONFLICT(beneficiary_partner_id, source_partner_id, level, period_id) DO UPDATE SET
                    period_start = excluded.period_start,
                    period_end = excluded.period_end,
                    system_revenue = excluded.system_revenue,
                    calculated_amount = excluded.calculated_amount,
                    cap_amount = excluded.cap_amount,
                    final_amount = excluded.final_amount,
                    updated_at = excluded.updated_at
                WHERE revenue_share_records.status = 'pending'
            `, id, rec.BeneficiaryID, rec.SourceID, rec.Level, rec.PeriodID,
				millis(rec.PeriodStart), millis(rec.PeriodEnd), rec.SystemRevenue, rec.CalculatedAmount,
				rec.CapAmount, rec.FinalAmount, millis(now), millis(now))
			if err != nil {
				return fmt.Errorf("upsert record %s: %w", rec.Key(), err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				result.Upserted++
			}
		}
		for _, id := range stale {
			if _, err := tx.ExecContext(ctx, `DELETE FROM revenue_share_records WHERE id = ? AND status = 'pending'`, id); err != nil {
				return fmt.Errorf("delete stale record: %w", err)
			}
			result.Removed++
		}
		return nil
	})
	return result, err
}

func stalePendingIDs(ctx context.Context, tx *sql.Tx, periodID string, keep map[domain.RecordKey]struct{}, retain []func(domain.RecordKey) bool) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
        SELECT id, beneficiary_partner_id, source_partner_id, level
        FROM revenue_share_records
        WHERE period_id = ? AND status = 'pending'
    `, periodID)
	if err != nil {
		return nil, fmt.Errorf("query pending records: %w", err)
	}
	defer rows.Close()
	var stale []string
	for rows.Next() {
		var (
			id  string
			key = domain.RecordKey{PeriodID: periodID}
		)
		if err := rows.Scan(&id, &key.BeneficiaryID, &key.SourceID, &key.Level); err != nil {
			return nil, fmt.Errorf("scan pending record: %w", err)
		}
		if _, ok := keep[key]; ok || retained(key, retain) {
			continue
		}
		stale = append(stale, id)
	}
	return stale, rows.Err()
}

func retained(key domain.RecordKey, retain []func(domain.RecordKey) bool) bool {
	for _, fn := range retain {
		if fn != nil && fn(key) {
			return true
		}
	}
	return false
}

// RecordFilter narrows ListRecords. Empty fields match everything.
type RecordFilter struct {
	PeriodID      string
	BeneficiaryID string
	ObligationID  string
	Statuses      []domain.RecordStatus
}

// ListRecords returns records matching the filter in a stable order.
func (s *Storage) ListRecords(ctx context.Context, filter RecordFilter) ([]domain.RevenueShareRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	query := `SELECT ` + recordColumns + ` FROM revenue_share_records WHERE 1 = 1`
	args := make([]any, 0, 4)
	if filter.PeriodID != "" {
		query += ` AND period_id = ?`
		args = append(args, filter.PeriodID)
	}
	if filter.BeneficiaryID != "" {
		query += ` AND beneficiary_partner_id = ?`
		args = append(args, filter.BeneficiaryID)
	}
	if filter.ObligationID != "" {
		query += ` AND obligation_id = ?`
		args = append(args, filter.ObligationID)
	}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY period_id, beneficiary_partner_id, level, source_partner_id`
	return s.queryRecords(ctx, query, args...)
}

// ApprovedUnbatched returns approved records not yet attached to an obligation.
func (s *Storage) ApprovedUnbatched(ctx context.Context) ([]domain.RevenueShareRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	return s.queryRecords(ctx, `
        SELECT `+recordColumns+`
        FROM revenue_share_records
        WHERE status = 'approved' AND obligation_id IS NULL
        ORDER BY beneficiary_partner_id, period_id, level, source_partner_id
    `)
}

func (s *Storage) queryRecords(ctx context.Context, query string, args ...any) ([]domain.RevenueShareRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()
	records := make([]domain.RevenueShareRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// ApprovePeriod moves every pending record of the period to approved.
func (s *Storage) ApprovePeriod(ctx context.Context, periodID string, now time.Time) (int64, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	result, err := s.db.ExecContext(ctx, `
        UPDATE revenue_share_records SET status = 'approved', updated_at = ?
        WHERE period_id = ? AND status = 'pending'
    `, millis(now), periodID)
	if err != nil {
		return 0, fmt.Errorf("approve records: %w", err)
	}
	return result.RowsAffected()
}

// PartnerTotals sums a beneficiary's record amounts in a period. Pending
// covers records awaiting approval or payment.
func (s *Storage) PartnerTotals(ctx context.Context, partnerID, periodID string) (pending, paid decimal.Decimal, err error) {
	if s == nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT status, final_amount
        FROM revenue_share_records
        WHERE beneficiary_partner_id = ? AND period_id = ?
    `, partnerID, periodID)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("query partner totals: %w", err)
	}
	defer rows.Close()
	pending, paid = decimal.Zero, decimal.Zero
	for rows.Next() {
		var (
			status string
			amount decimal.Decimal
		)
		if err := rows.Scan(&status, &amount); err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("scan partner totals: %w", err)
		}
		switch domain.RecordStatus(status) {
		case domain.RecordPending, domain.RecordApproved:
			pending = pending.Add(amount)
		case domain.RecordPaid:
			paid = paid.Add(amount)
		}
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("iterate partner totals: %w", err)
	}
	return pending, paid, nil
}

func scanRecord(row scanner) (domain.RevenueShareRecord, error) {
	var (
		rec                          domain.RevenueShareRecord
		status                       string
		obligation                   sql.NullString
		start, end, created, updated sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &rec.BeneficiaryID, &rec.SourceID, &rec.Level, &rec.PeriodID,
		&start, &end, &rec.SystemRevenue, &rec.CalculatedAmount, &rec.CapAmount,
		&rec.FinalAmount, &status, &obligation, &created, &updated); err != nil {
		return rec, err
	}
	rec.PeriodStart = fromMillis(start)
	rec.PeriodEnd = fromMillis(end)
	rec.Status = domain.RecordStatus(status)
	rec.ObligationID = obligation.String
	rec.CreatedAt = fromMillis(created)
	rec.UpdatedAt = fromMillis(updated)
	return rec, nil
}
