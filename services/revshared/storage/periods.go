package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"revshare/services/revshared/domain"
)

const periodColumns = `id, start_at, end_at, status, manual, closed_at, settled_at, updated_at`

// EnsurePeriod inserts the period when absent and returns the stored row.
func (s *Storage) EnsurePeriod(ctx context.Context, p domain.Period, now time.Time) (domain.Period, error) {
	if s == nil {
		return domain.Period{}, fmt.Errorf("storage not configured")
	}
	if p.ID == "" || !p.End.After(p.Start) {
		return domain.Period{}, fmt.Errorf("%w: invalid period %q", domain.ErrValidation, p.ID)
	}
	status := p.Status
	if status == "" {
		status = domain.PeriodOpen
	}
	if _, err := s.db.ExecContext(ctx, `
        INSERT INTO periods(id, start_at, end_at, status, manual, updated_at)
        VALUES(?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO NOTHING
    `, p.ID, millis(p.Start), millis(p.End), string(status), boolInt(p.Manual), millis(now)); err != nil {
		return domain.Period{}, fmt.Errorf("insert period: %w", err)
	}
	return s.GetPeriod(ctx, p.ID)
}

// GetPeriod loads a period by id.
func (s *Storage) GetPeriod(ctx context.Context, id string) (domain.Period, error) {
	if s == nil {
		return domain.Period{}, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+periodColumns+` FROM periods WHERE id = ?`, id)
	p, err := scanPeriod(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Period{}, fmt.Errorf("%w: period %s", domain.ErrNotFound, id)
		}
		return domain.Period{}, fmt.Errorf("query period: %w", err)
	}
	return p, nil
}

// ListPeriods returns periods in the supplied statuses ordered by start.
func (s *Storage) ListPeriods(ctx context.Context, statuses ...domain.PeriodStatus) ([]domain.Period, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	query := `SELECT ` + periodColumns + ` FROM periods`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY start_at, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query periods: %w", err)
	}
	defer rows.Close()
	periods := make([]domain.Period, 0)
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, fmt.Errorf("scan period: %w", err)
		}
		periods = append(periods, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate periods: %w", err)
	}
	return periods, nil
}

// TransitionPeriod moves a period from one status to another. The update is
// conditional on the current status so concurrent drivers cannot both win.
func (s *Storage) TransitionPeriod(ctx context.Context, id string, from, to domain.PeriodStatus, now time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if err := domain.ValidateTransition(from, to, from.CanTransition(to)); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
        UPDATE periods SET
            status = ?,
            closed_at = CASE WHEN ? = 'closed' THEN ? ELSE closed_at END,
            settled_at = CASE WHEN ? = 'settled' THEN ? ELSE settled_at END,
            updated_at = ?
        WHERE id = ? AND status = ?
    `, string(to), string(to), millis(now), string(to), millis(now), millis(now), id, string(from))
	if err != nil {
		return fmt.Errorf("update period: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		current, err := s.GetPeriod(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: period %s is %s, expected %s", domain.ErrInvalidTransition, id, current.Status, from)
	}
	return nil
}

// AcquireCalcLock claims the single write-calculation slot for a period. A
// lock older than ttl is considered abandoned and may be taken over. The lock
// is not re-entrant: a second acquire by the same owner fails.
func (s *Storage) AcquireCalcLock(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	result, err := s.db.ExecContext(ctx, `
        UPDATE periods SET calc_owner = ?, calc_started_at = ?
        WHERE id = ? AND (calc_owner IS NULL OR calc_started_at < ?)
    `, owner, millis(now), id, now.Add(-ttl).UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("acquire calculation lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetPeriod(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: calculation for %s already running", domain.ErrLeaseLost, id)
	}
	return nil
}

// ReleaseCalcLock frees the calculation slot held by owner.
func (s *Storage) ReleaseCalcLock(ctx context.Context, id, owner string) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if _, err := s.db.ExecContext(ctx, `
        UPDATE periods SET calc_owner = NULL, calc_started_at = NULL
        WHERE id = ? AND calc_owner = ?
    `, id, owner); err != nil {
		return fmt.Errorf("release calculation lock: %w", err)
	}
	return nil
}

func scanPeriod(row scanner) (domain.Period, error) {
	var (
		p                                domain.Period
		status                           string
		manual                           int
		start, end, closed, settled, upd sql.NullInt64
	)
	if err := row.Scan(&p.ID, &start, &end, &status, &manual, &closed, &settled, &upd); err != nil {
		return p, err
	}
	p.Start = fromMillis(start)
	p.End = fromMillis(end)
	p.Status = domain.PeriodStatus(status)
	p.Manual = manual == 1
	p.ClosedAt = fromMillis(closed)
	p.SettledAt = fromMillis(settled)
	p.UpdatedAt = fromMillis(upd)
	return p, nil
}
