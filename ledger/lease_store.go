package ledger

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// AcquireLease attempts to take or refresh the lease on resourceKey for
// holderID. The sequence is race-safe without any store-side locking beyond
// the primary key on resource_key:
//
//  1. reap the row if it has not been refreshed within ttl, so a crashed
//     holder cannot block the resource forever
//  2. re-entrant refresh when the surviving row already belongs to the
//     caller; the refresh itself re-checks ownership and liveness, since the
//     row can be reaped and replaced between the read and the update
//  3. otherwise a conditional insert that only one concurrent caller can win,
//     followed by a verifying read of the stored holder
func (s *Store) AcquireLease(ctx context.Context, resourceKey, holderID string, ttl time.Duration) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	resourceKey = strings.TrimSpace(resourceKey)
	holderID = strings.TrimSpace(holderID)
	if resourceKey == "" || holderID == "" {
		return false, errors.New("resource key and holder id are required")
	}
	ttlMs := ttl.Milliseconds()

	_, err := s.db.ExecContext(
		ctx,
		`DELETE FROM dbo.tradeguard_leases
     WHERE resource_key = @p1
       AND last_refreshed <= DATEADD(MILLISECOND, -@p2, SYSUTCDATETIME())`,
		resourceKey,
		ttlMs,
	)
	if err != nil {
		return false, err
	}

	var currentHolder string
	err = s.db.QueryRowContext(
		ctx,
		`SELECT holder_id FROM dbo.tradeguard_leases WHERE resource_key = @p1`,
		resourceKey,
	).Scan(&currentHolder)
	switch {
	case err == nil && currentHolder == holderID:
		return s.refreshLease(ctx, resourceKey, holderID, ttlMs)
	case err == nil:
		return false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, err
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO dbo.tradeguard_leases (resource_key, holder_id, acquired_at, last_refreshed)
     VALUES (@p1, @p2, SYSUTCDATETIME(), SYSUTCDATETIME())`,
		resourceKey,
		holderID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}

	// Verify the stored holder is really us; under weaker store semantics a
	// concurrent writer could theoretically have replaced the row.
	err = s.db.QueryRowContext(
		ctx,
		`SELECT holder_id FROM dbo.tradeguard_leases WHERE resource_key = @p1`,
		resourceKey,
	).Scan(&currentHolder)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return currentHolder == holderID, nil
}

// refreshLease extends the caller's own live lease row. The row can be
// reaped by a rival's expiry sweep between the ownership read and this
// update, so the update must prove it touched a live row still owned by the
// caller. Zero rows means the lease was reclaimed and the caller lost it.
func (s *Store) refreshLease(ctx context.Context, resourceKey, holderID string, ttlMs int64) (bool, error) {
	var refreshedHolder string
	err := s.db.QueryRowContext(
		ctx,
		`UPDATE dbo.tradeguard_leases
     SET last_refreshed = SYSUTCDATETIME()
     OUTPUT inserted.holder_id
     WHERE resource_key = @p1
       AND holder_id = @p2
       AND last_refreshed > DATEADD(MILLISECOND, -@p3, SYSUTCDATETIME())`,
		resourceKey,
		holderID,
		ttlMs,
	).Scan(&refreshedHolder)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ReleaseLease deletes the lease row only when holderID still owns it.
// Releasing a lease held by someone else is a no-op, never a theft.
func (s *Store) ReleaseLease(ctx context.Context, resourceKey, holderID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.db.ExecContext(
		ctx,
		`DELETE FROM dbo.tradeguard_leases
     WHERE resource_key = @p1 AND holder_id = @p2`,
		resourceKey,
		holderID,
	)
	return err
}

// ReadLease returns the current lease row, if any. Used by tests and the
// operator surface; correctness never depends on a read-then-act sequence.
func (s *Store) ReadLease(ctx context.Context, resourceKey string) (Lease, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var lease Lease
	var acquiredAt, lastRefreshed time.Time
	err := s.db.QueryRowContext(
		ctx,
		`SELECT resource_key, holder_id, acquired_at, last_refreshed
     FROM dbo.tradeguard_leases
     WHERE resource_key = @p1`,
		resourceKey,
	).Scan(&lease.ResourceKey, &lease.HolderID, &acquiredAt, &lastRefreshed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Lease{}, false, nil
		}
		return Lease{}, false, err
	}
	lease.AcquiredAt = normalizeDBTime(acquiredAt)
	lease.LastRefreshed = normalizeDBTime(lastRefreshed)
	return lease, true, nil
}
