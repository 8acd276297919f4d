package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"revshare/services/revshared/domain"
)

// LatestRate returns the most recent snapshot persisted for the pair.
func (s *Storage) LatestRate(ctx context.Context, pair string) (domain.ExchangeRateSnapshot, error) {
	snap := domain.ExchangeRateSnapshot{}
	if s == nil {
		return snap, fmt.Errorf("storage not configured")
	}
	var from, until sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
        SELECT pair, rate, source, effective_from, effective_until
        FROM exchange_rate_snapshots
        WHERE pair = ?
        ORDER BY id DESC
        LIMIT 1
    `, normalisePair(pair)).Scan(&snap.Pair, &snap.Rate, &snap.Source, &from, &until)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return snap, fmt.Errorf("%w: rate for %s", domain.ErrNotFound, pair)
		}
		return snap, fmt.Errorf("query rate: %w", err)
	}
	snap.EffectiveFrom = fromMillis(from)
	snap.EffectiveUntil = fromMillis(until)
	return snap, nil
}

// SaveRate persists a fresh snapshot and closes the previous one for the pair.
func (s *Storage) SaveRate(ctx context.Context, snap domain.ExchangeRateSnapshot) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if !snap.Rate.IsPositive() {
		return fmt.Errorf("%w: rate %s", domain.ErrInvalidAmount, snap.Rate)
	}
	pair := normalisePair(snap.Pair)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
            UPDATE exchange_rate_snapshots SET effective_until = ?
            WHERE pair = ? AND effective_until IS NULL
        `, millis(snap.EffectiveFrom), pair); err != nil {
			return fmt.Errorf("close previous rate: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO exchange_rate_snapshots(pair, rate, source, effective_from, effective_until)
            VALUES(?, ?, ?, ?, ?)
        `, pair, snap.Rate, strings.ToLower(snap.Source), millis(snap.EffectiveFrom), millis(snap.EffectiveUntil)); err != nil {
			return fmt.Errorf("insert rate: %w", err)
		}
		return nil
	})
}

func normalisePair(pair string) string {
	return strings.ToUpper(strings.TrimSpace(pair))
}
