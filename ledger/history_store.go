package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// RecordExecution appends one immutable history row. Rows are never updated
// or deleted by this process.
func (s *Store) RecordExecution(ctx context.Context, rec ExecutionRecord) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO dbo.tradeguard_executions (
      resource_key, stage, status, trigger_price, original_stop, exited_qty, detail, executed_at
    ) VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8)`,
		rec.ResourceKey,
		rec.Stage,
		string(rec.Status),
		rec.TriggerPrice,
		rec.OriginalStop,
		rec.ExitedQty,
		nullString(rec.Detail),
		rec.ExecutedAt.UTC(),
	)
	return err
}

// StageCompleted reports whether stage has ever completed for resourceKey.
// This is the permanent idempotency gate checked under a held lease.
func (s *Store) StageCompleted(ctx context.Context, resourceKey string, stage int) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var one int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT TOP 1 1 FROM dbo.tradeguard_executions
     WHERE resource_key = @p1 AND stage = @p2 AND status = @p3`,
		resourceKey,
		stage,
		string(ExecutionCompleted),
	).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CompletedWithin reports whether stage completed for resourceKey inside the
// trailing window ending at now. This is the cheap pre-lease duplicate guard:
// a lease is released the moment a stage finishes, so a second caller already
// past its own eligibility check could otherwise re-enter.
func (s *Store) CompletedWithin(ctx context.Context, resourceKey string, stage int, window time.Duration, now time.Time) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cutoff := now.UTC().Add(-window)
	var one int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT TOP 1 1 FROM dbo.tradeguard_executions
     WHERE resource_key = @p1 AND stage = @p2 AND status = @p3 AND executed_at >= @p4`,
		resourceKey,
		stage,
		string(ExecutionCompleted),
		cutoff,
	).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// OriginalStop recovers the risk reference recorded by the earliest completed
// stage for resourceKey. Later stages must compute their progress multiple
// against this value, not against a stop already advanced by stage one.
func (s *Store) OriginalStop(ctx context.Context, resourceKey string) (decimal.Decimal, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var stop decimal.NullDecimal
	err := s.db.QueryRowContext(
		ctx,
		`SELECT TOP 1 original_stop FROM dbo.tradeguard_executions
     WHERE resource_key = @p1 AND status = @p2 AND original_stop IS NOT NULL
     ORDER BY executed_at ASC, execution_id ASC`,
		resourceKey,
		string(ExecutionCompleted),
	).Scan(&stop)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Decimal{}, false, nil
		}
		return decimal.Decimal{}, false, err
	}
	if !stop.Valid {
		return decimal.Decimal{}, false, nil
	}
	return stop.Decimal, true, nil
}

// Executions lists history rows for a resource in execution order.
func (s *Store) Executions(ctx context.Context, resourceKey string) ([]ExecutionRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT resource_key, stage, status, trigger_price, original_stop, exited_qty, detail, executed_at
     FROM dbo.tradeguard_executions
     WHERE resource_key = @p1
     ORDER BY executed_at ASC, execution_id ASC`,
		resourceKey,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		var status string
		var detail sql.NullString
		var executedAt time.Time
		if err := rows.Scan(
			&rec.ResourceKey,
			&rec.Stage,
			&status,
			&rec.TriggerPrice,
			&rec.OriginalStop,
			&rec.ExitedQty,
			&detail,
			&executedAt,
		); err != nil {
			return nil, err
		}
		rec.Status = ExecutionStatus(status)
		rec.Detail = detail.String
		rec.ExecutedAt = normalizeDBTime(executedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}
