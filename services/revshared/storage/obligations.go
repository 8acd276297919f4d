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

const obligationColumns = `id, partner_id, period_id, type, amount_fiat, currency, status, priority,
        retry_count, max_retries, next_attempt_at, lease_owner, lease_expires_at, memo,
        submitted_at, unit_amount, rate, external_tx_ref, external_tx_lt, last_error,
        notified_at, created_at, updated_at, settled_at`

// InsertObligation persists a new pending obligation. A second obligation
// for the same (partner, period, type) is rejected with
// domain.ErrDuplicateObligation.
func (s *Storage) InsertObligation(ctx context.Context, ob domain.SettlementObligation) (domain.SettlementObligation, error) {
	if s == nil {
		return ob, fmt.Errorf("storage not configured")
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ob, err = insertObligation(ctx, tx, ob)
		return err
	})
	return ob, err
}

// EnqueueBatch persists an obligation and attaches the approved records it
// pays for. A deferred obligation with the same key is reopened rather than
// duplicated.
func (s *Storage) EnqueueBatch(ctx context.Context, ob domain.SettlementObligation, recordIDs []string) (domain.SettlementObligation, error) {
	if s == nil {
		return ob, fmt.Errorf("storage not configured")
	}
	if len(recordIDs) == 0 {
		return ob, fmt.Errorf("%w: batch without records", domain.ErrValidation)
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		inserted, err := insertObligation(ctx, tx, ob)
		if errors.Is(err, domain.ErrDuplicateObligation) {
			inserted, err = reopenDeferred(ctx, tx, ob)
		}
		if err != nil {
			return err
		}
		ob = inserted
		args := []any{ob.ID, millis(ob.UpdatedAt)}
		for _, id := range recordIDs {
			args = append(args, id)
		}
		res, err := tx.ExecContext(ctx, `
            UPDATE revenue_share_records SET obligation_id = ?, updated_at = ?
            WHERE status = 'approved' AND obligation_id IS NULL AND id IN (`+placeholders(len(recordIDs))+`)
        `, args...)
		if err != nil {
			return fmt.Errorf("attach records: %w", err)
		}
		if n, _ := res.RowsAffected(); int(n) != len(recordIDs) {
			return fmt.Errorf("%w: attached %d of %d records to %s", domain.ErrDataIntegrity, n, len(recordIDs), ob.ID)
		}
		return nil
	})
	return ob, err
}

func insertObligation(ctx context.Context, tx *sql.Tx, ob domain.SettlementObligation) (domain.SettlementObligation, error) {
	if !ob.Type.Valid() {
		return ob, fmt.Errorf("%w: obligation type %q", domain.ErrValidation, ob.Type)
	}
	if strings.TrimSpace(ob.PartnerID) == "" || strings.TrimSpace(ob.PeriodID) == "" {
		return ob, fmt.Errorf("%w: obligation partner and period required", domain.ErrValidation)
	}
	if !ob.AmountFiat.IsPositive() {
		return ob, fmt.Errorf("%w: obligation amount %s", domain.ErrInvalidAmount, ob.AmountFiat)
	}
	if ob.ID == "" {
		ob.ID = uuid.NewString()
	}
	ob.Status = domain.ObligationPending
	if ob.CreatedAt.IsZero() {
		ob.CreatedAt = time.Now().UTC()
	}
	if ob.UpdatedAt.IsZero() {
		ob.UpdatedAt = ob.CreatedAt
	}
	if ob.NextAttemptAt.IsZero() {
		ob.NextAttemptAt = ob.CreatedAt
	}
	res, err := tx.ExecContext(ctx, `
        INSERT INTO settlement_obligations(
            id, partner_id, period_id, type, amount_fiat, currency, status, priority,
            retry_count, max_retries, next_attempt_at, created_at, updated_at)
        VALUES(?, ?, ?, ?, ?, ?, 'pending', ?, 0, ?, ?, ?, ?)
        ON CONFLICT(partner_id, period_id, type) DO NOTHING
    `, ob.ID, ob.PartnerID, ob.PeriodID, string(ob.Type), ob.AmountFiat, ob.Currency, ob.Priority,
		ob.MaxRetries, millis(ob.NextAttemptAt), millis(ob.CreatedAt), millis(ob.UpdatedAt))
	if err != nil {
		return ob, fmt.Errorf("insert obligation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ob, fmt.Errorf("%w: %s/%s/%s", domain.ErrDuplicateObligation, ob.PartnerID, ob.PeriodID, ob.Type)
	}
	return ob, nil
}

func reopenDeferred(ctx context.Context, tx *sql.Tx, ob domain.SettlementObligation) (domain.SettlementObligation, error) {
	row := tx.QueryRowContext(ctx, `
        SELECT `+obligationColumns+` FROM settlement_obligations
        WHERE partner_id = ? AND period_id = ? AND type = ?
    `, ob.PartnerID, ob.PeriodID, string(ob.Type))
	existing, err := scanObligation(row)
	if err != nil {
		return ob, fmt.Errorf("load existing obligation: %w", err)
	}
	if existing.Status != domain.ObligationDeferred {
		return ob, fmt.Errorf("%w: %s/%s/%s is %s", domain.ErrDuplicateObligation, ob.PartnerID, ob.PeriodID, ob.Type, existing.Status)
	}
	if _, err := tx.ExecContext(ctx, `
        UPDATE settlement_obligations SET
            status = 'pending', amount_fiat = ?, retry_count = 0, next_attempt_at = ?,
            lease_owner = NULL, lease_expires_at = NULL, last_error = NULL, updated_at = ?
        WHERE id = ? AND status = 'deferred'
    `, ob.AmountFiat, millis(ob.UpdatedAt), millis(ob.UpdatedAt), existing.ID); err != nil {
		return ob, fmt.Errorf("reopen obligation: %w", err)
	}
	existing.Status = domain.ObligationPending
	existing.AmountFiat = ob.AmountFiat
	existing.RetryCount = 0
	existing.NextAttemptAt = ob.UpdatedAt
	existing.LastError = ""
	existing.UpdatedAt = ob.UpdatedAt
	return existing, nil
}

// GetObligation loads an obligation by id.
func (s *Storage) GetObligation(ctx context.Context, id string) (domain.SettlementObligation, error) {
	if s == nil {
		return domain.SettlementObligation{}, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+obligationColumns+` FROM settlement_obligations WHERE id = ?`, id)
	ob, err := scanObligation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ob, fmt.Errorf("%w: obligation %s", domain.ErrNotFound, id)
		}
		return ob, fmt.Errorf("query obligation: %w", err)
	}
	return ob, nil
}

// ObligationFilter narrows ListObligations. Empty fields match everything.
type ObligationFilter struct {
	PartnerID string
	PeriodID  string
	Statuses  []domain.ObligationStatus
	Limit     int
}

// ListObligations returns matching obligations, newest first.
func (s *Storage) ListObligations(ctx context.Context, filter ObligationFilter) ([]domain.SettlementObligation, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	query := `SELECT ` + obligationColumns + ` FROM settlement_obligations WHERE 1 = 1`
	args := make([]any, 0, 4)
	if filter.PartnerID != "" {
		query += ` AND partner_id = ?`
		args = append(args, filter.PartnerID)
	}
	if filter.PeriodID != "" {
		query += ` AND period_id = ?`
		args = append(args, filter.PeriodID)
	}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.queryObligations(ctx, query, args...)
}

// ClaimObligations leases up to limit due obligations to owner. Pending rows
// whose next attempt is due and processing rows whose lease expired are
// eligible. Each row is claimed with a conditional update so two workers can
// never hold the same obligation.
func (s *Storage) ClaimObligations(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]domain.SettlementObligation, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if limit <= 0 {
		return nil, nil
	}
	nowMs := now.UTC().UnixMilli()
	rows, err := s.db.QueryContext(ctx, `
        SELECT id FROM settlement_obligations
        WHERE (status = 'pending' AND next_attempt_at <= ?)
           OR (status = 'processing' AND lease_expires_at < ?)
        ORDER BY priority DESC, created_at ASC, rowid ASC
        LIMIT ?
    `, nowMs, nowMs, limit)
	if err != nil {
		return nil, fmt.Errorf("query due obligations: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan due obligation: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due obligations: %w", err)
	}

	claimed := make([]domain.SettlementObligation, 0, len(ids))
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `
            UPDATE settlement_obligations SET
                status = 'processing', lease_owner = ?, lease_expires_at = ?, updated_at = ?
            WHERE id = ? AND (
                (status = 'pending' AND next_attempt_at <= ?)
                OR (status = 'processing' AND lease_expires_at < ?))
        `, owner, now.Add(lease).UTC().UnixMilli(), nowMs, id, nowMs, nowMs)
		if err != nil {
			return claimed, fmt.Errorf("claim obligation %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		ob, err := s.GetObligation(ctx, id)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, ob)
	}
	return claimed, nil
}

// Submission captures what is about to be sent to the payment rail.
type Submission struct {
	Memo       string
	UnitAmount decimal.Decimal
	Rate       decimal.Decimal
	// LeaseUntil extends the lease over the rail call. The stored expiry never
	// moves backwards.
	LeaseUntil time.Time
}

// RenewLease extends an unexpired lease held by owner to until.
func (s *Storage) RenewLease(ctx context.Context, id, owner string, until, now time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE settlement_obligations SET
            lease_expires_at = MAX(lease_expires_at, ?), updated_at = ?
        WHERE id = ? AND status = 'processing' AND lease_owner = ? AND lease_expires_at > ?
    `, millis(until), millis(now), id, owner, millis(now))
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	return expectOne(res, fmt.Errorf("%w: obligation %s", domain.ErrLeaseLost, id))
}

// MarkSubmitting stamps the memo, conversion and submitted_at on a leased
// obligation immediately before the rail call. The lease must still be live;
// an expired lease may already have been claimed by another worker.
// submitted_at keeps its first value across re-claims.
func (s *Storage) MarkSubmitting(ctx context.Context, id, owner string, sub Submission, now time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	until := sub.LeaseUntil
	if until.Before(now) {
		until = now
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE settlement_obligations SET
            memo = ?, unit_amount = ?, rate = ?,
            submitted_at = COALESCE(submitted_at, ?),
            lease_expires_at = MAX(lease_expires_at, ?), updated_at = ?
        WHERE id = ? AND status = 'processing' AND lease_owner = ? AND lease_expires_at > ?
    `, sub.Memo, sub.UnitAmount, sub.Rate, millis(now), millis(until), millis(now), id, owner, millis(now))
	if err != nil {
		return fmt.Errorf("mark submitting: %w", err)
	}
	return expectOne(res, fmt.Errorf("%w: obligation %s", domain.ErrLeaseLost, id))
}

// CompleteObligation records the transfer proof and flips the obligation and
// its records to paid in one transaction. The tx ref is written only if none
// is stored yet.
func (s *Storage) CompleteObligation(ctx context.Context, id, txRef, txLT string, now time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if strings.TrimSpace(txRef) == "" {
		return fmt.Errorf("%w: empty tx ref", domain.ErrValidation)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
            UPDATE settlement_obligations SET
                status = 'paid', external_tx_ref = ?, external_tx_lt = ?, settled_at = ?,
                lease_owner = NULL, lease_expires_at = NULL, last_error = NULL, updated_at = ?
            WHERE id = ? AND status = 'processing' AND external_tx_ref IS NULL
        `, txRef, nullString(txLT), millis(now), millis(now), id)
		if err != nil {
			return fmt.Errorf("complete obligation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			row := tx.QueryRowContext(ctx, `SELECT `+obligationColumns+` FROM settlement_obligations WHERE id = ?`, id)
			current, err := scanObligation(row)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("%w: obligation %s", domain.ErrNotFound, id)
				}
				return fmt.Errorf("load obligation: %w", err)
			}
			if current.Settled() {
				return fmt.Errorf("%w: %s holds %s", domain.ErrAlreadySettled, id, current.ExternalTxRef)
			}
			return fmt.Errorf("%w: obligation %s is %s", domain.ErrInvalidTransition, id, current.Status)
		}
		if _, err := tx.ExecContext(ctx, `
            UPDATE revenue_share_records SET status = 'paid', updated_at = ?
            WHERE obligation_id = ? AND status = 'approved'
        `, millis(now), id); err != nil {
			return fmt.Errorf("mark records paid: %w", err)
		}
		return nil
	})
}

// Requeue returns a leased obligation to pending with the supplied retry count
// and next attempt time.
func (s *Storage) Requeue(ctx context.Context, id, owner string, retryCount int, next time.Time, reason string, now time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE settlement_obligations SET
            status = 'pending', retry_count = ?, next_attempt_at = ?, last_error = ?,
            lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
        WHERE id = ? AND status = 'processing' AND lease_owner = ?
    `, retryCount, millis(next), nullString(reason), millis(now), id, owner)
	if err != nil {
		return fmt.Errorf("requeue obligation: %w", err)
	}
	return expectOne(res, fmt.Errorf("%w: obligation %s", domain.ErrLeaseLost, id))
}

// Finalize moves a leased obligation to a terminal failure status (failed,
// no_wallet or deferred). Failed and no_wallet mark the attached records
// failed; deferred detaches them so they accumulate into a later batch.
func (s *Storage) Finalize(ctx context.Context, id, owner string, status domain.ObligationStatus, retryCount int, reason string, now time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	switch status {
	case domain.ObligationFailed, domain.ObligationNoWallet, domain.ObligationDeferred:
	default:
		return domain.ValidateTransition(domain.ObligationProcessing, status, false)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
            UPDATE settlement_obligations SET
                status = ?, retry_count = ?, last_error = ?,
                lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
            WHERE id = ? AND status = 'processing' AND lease_owner = ?
        `, string(status), retryCount, nullString(reason), millis(now), id, owner)
		if err != nil {
			return fmt.Errorf("finalize obligation: %w", err)
		}
		if err := expectOne(res, fmt.Errorf("%w: obligation %s", domain.ErrLeaseLost, id)); err != nil {
			return err
		}
		query := `UPDATE revenue_share_records SET status = 'failed', updated_at = ?
            WHERE obligation_id = ? AND status = 'approved'`
		if status == domain.ObligationDeferred {
			query = `UPDATE revenue_share_records SET obligation_id = NULL, updated_at = ?
            WHERE obligation_id = ? AND status = 'approved'`
		}
		if _, err := tx.ExecContext(ctx, query, millis(now), id); err != nil {
			return fmt.Errorf("update obligation records: %w", err)
		}
		return nil
	})
}

// ResetObligation is the operator path out of failed or no_wallet. The
// obligation returns to pending with a fresh retry budget and its records
// return to approved.
func (s *Storage) ResetObligation(ctx context.Context, id string, now time.Time) (domain.SettlementObligation, error) {
	if s == nil {
		return domain.SettlementObligation{}, fmt.Errorf("storage not configured")
	}
	current, err := s.GetObligation(ctx, id)
	if err != nil {
		return current, err
	}
	if err := domain.ValidateTransition(current.Status, domain.ObligationPending, current.Status.CanReset(domain.ObligationPending)); err != nil {
		return current, err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
            UPDATE settlement_obligations SET
                status = 'pending', retry_count = 0, next_attempt_at = ?, last_error = NULL,
                lease_owner = NULL, lease_expires_at = NULL, notified_at = NULL, updated_at = ?
            WHERE id = ? AND status = ?
        `, millis(now), millis(now), id, string(current.Status))
		if err != nil {
			return fmt.Errorf("reset obligation: %w", err)
		}
		if err := expectOne(res, fmt.Errorf("%w: obligation %s changed concurrently", domain.ErrInvalidTransition, id)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
            UPDATE revenue_share_records SET status = 'approved', updated_at = ?
            WHERE obligation_id = ? AND status = 'failed'
        `, millis(now), id); err != nil {
			return fmt.Errorf("reset obligation records: %w", err)
		}
		return nil
	})
	if err != nil {
		return current, err
	}
	return s.GetObligation(ctx, id)
}

// PendingDebits sums the unit amounts of transfers submitted but not yet
// confirmed. They are already committed against the hot wallet.
func (s *Storage) PendingDebits(ctx context.Context) (decimal.Decimal, error) {
	if s == nil {
		return decimal.Zero, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT unit_amount FROM settlement_obligations
        WHERE submitted_at IS NOT NULL AND external_tx_ref IS NULL
          AND status IN ('processing', 'pending')
    `)
	if err != nil {
		return decimal.Zero, fmt.Errorf("query pending debits: %w", err)
	}
	defer rows.Close()
	total := decimal.Zero
	for rows.Next() {
		var amount decimal.Decimal
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, fmt.Errorf("scan pending debit: %w", err)
		}
		total = total.Add(amount)
	}
	return total, rows.Err()
}

// QueueDepth counts obligations per status.
func (s *Storage) QueueDepth(ctx context.Context) (map[domain.ObligationStatus]int, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM settlement_obligations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query queue depth: %w", err)
	}
	defer rows.Close()
	depth := make(map[domain.ObligationStatus]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue depth: %w", err)
		}
		depth[domain.ObligationStatus(status)] = count
	}
	return depth, rows.Err()
}

// OpenObligations counts pending and processing obligations keyed to a period.
func (s *Storage) OpenObligations(ctx context.Context, periodID string) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM settlement_obligations
        WHERE period_id = ? AND status IN ('pending', 'processing')
    `, periodID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count open obligations: %w", err)
	}
	return count, nil
}

// UnnotifiedFailures returns terminal failures updated since the cutoff that
// no operator alert has been sent for yet.
func (s *Storage) UnnotifiedFailures(ctx context.Context, since time.Time, limit int) ([]domain.SettlementObligation, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	return s.queryObligations(ctx, `
        SELECT `+obligationColumns+` FROM settlement_obligations
        WHERE status IN ('failed', 'no_wallet') AND notified_at IS NULL AND updated_at >= ?
        ORDER BY updated_at ASC, rowid ASC
        LIMIT ?
    `, since.UTC().UnixMilli(), limit)
}

// MarkNotified stamps notified_at so the alert is not sent again.
func (s *Storage) MarkNotified(ctx context.Context, id string, now time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if _, err := s.db.ExecContext(ctx, `
        UPDATE settlement_obligations SET notified_at = ? WHERE id = ? AND notified_at IS NULL
    `, millis(now), id); err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	return nil
}

func (s *Storage) queryObligations(ctx context.Context, query string, args ...any) ([]domain.SettlementObligation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query obligations: %w", err)
	}
	defer rows.Close()
	obligations := make([]domain.SettlementObligation, 0)
	for rows.Next() {
		ob, err := scanObligation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan obligation: %w", err)
		}
		obligations = append(obligations, ob)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate obligations: %w", err)
	}
	return obligations, nil
}

func scanObligation(row scanner) (domain.SettlementObligation, error) {
	var (
		ob                                   domain.SettlementObligation
		typ, status                          string
		leaseOwner, memo, txRef, txLT, lastE sql.NullString
		next, leaseExp, submitted, notified  sql.NullInt64
		created, updated, settled            sql.NullInt64
	)
	if err := row.Scan(&ob.ID, &ob.PartnerID, &ob.PeriodID, &typ, &ob.AmountFiat, &ob.Currency, &status,
		&ob.Priority, &ob.RetryCount, &ob.MaxRetries, &next, &leaseOwner, &leaseExp, &memo,
		&submitted, &ob.UnitAmount, &ob.Rate, &txRef, &txLT, &lastE,
		&notified, &created, &updated, &settled); err != nil {
		return ob, err
	}
	ob.Type = domain.ObligationType(typ)
	ob.Status = domain.ObligationStatus(status)
	ob.NextAttemptAt = fromMillis(next)
	ob.LeaseOwner = leaseOwner.String
	ob.LeaseExpiresAt = fromMillis(leaseExp)
	ob.Memo = memo.String
	ob.SubmittedAt = fromMillis(submitted)
	ob.ExternalTxRef = txRef.String
	ob.ExternalTxLT = txLT.String
	ob.LastError = lastE.String
	ob.NotifiedAt = fromMillis(notified)
	ob.CreatedAt = fromMillis(created)
	ob.UpdatedAt = fromMillis(updated)
	ob.SettledAt = fromMillis(settled)
	return ob, nil
}

func expectOne(res sql.Result, notMatched error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notMatched
	}
	return nil
}
