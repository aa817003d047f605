package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// OpenPositions returns every local position still marked open.
func (s *Store) OpenPositions(ctx context.Context) ([]Position, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT symbol, side, quantity, entry_price, stop_price, status, updated_at
     FROM dbo.tradeguard_positions
     WHERE status = @p1
     ORDER BY symbol, side`,
		string(PositionOpen),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

// LoadPosition fetches one position by symbol and side, open or not.
func (s *Store) LoadPosition(ctx context.Context, symbol string, side Side) (Position, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT symbol, side, quantity, entry_price, stop_price, status, updated_at
     FROM dbo.tradeguard_positions
     WHERE symbol = @p1 AND side = @p2`,
		symbol,
		string(side),
	)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Position{}, false, nil
		}
		return Position{}, false, err
	}
	return pos, true, nil
}

// InsertPosition creates a new open position record.
func (s *Store) InsertPosition(ctx context.Context, pos Position, now time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}
	now = now.UTC()
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO dbo.tradeguard_positions (
      symbol, side, quantity, entry_price, stop_price, status, created_at, updated_at
    ) VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8)`,
		pos.Symbol,
		string(pos.Side),
		pos.Quantity,
		pos.EntryPrice,
		pos.StopPrice,
		string(PositionOpen),
		now,
		now,
	)
	return err
}

// ReducePosition shrinks an open position's quantity after a partial exit.
func (s *Store) ReducePosition(ctx context.Context, symbol string, side Side, exitQty decimal.Decimal, now time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE dbo.tradeguard_positions
     SET quantity = quantity - @p1, updated_at = @p2
     WHERE symbol = @p3 AND side = @p4 AND status = @p5`,
		exitQty,
		now.UTC(),
		symbol,
		string(side),
		string(PositionOpen),
	)
	return err
}

// AdvanceStop moves the position's stop price, typically to breakeven after
// the first stage fires.
func (s *Store) AdvanceStop(ctx context.Context, symbol string, side Side, stop decimal.Decimal, now time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE dbo.tradeguard_positions
     SET stop_price = @p1, updated_at = @p2
     WHERE symbol = @p3 AND side = @p4 AND status = @p5`,
		stop,
		now.UTC(),
		symbol,
		string(side),
		string(PositionOpen),
	)
	return err
}

// DeletePosition removes the local record entirely. Used by the repair
// engine once the remote side confirms the position no longer exists.
func (s *Store) DeletePosition(ctx context.Context, symbol string, side Side) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.db.ExecContext(
		ctx,
		`DELETE FROM dbo.tradeguard_positions WHERE symbol = @p1 AND side = @p2`,
		symbol,
		string(side),
	)
	return err
}

// ActiveOrders returns every conditional order still marked active.
func (s *Store) ActiveOrders(ctx context.Context) ([]ConditionalOrder, error) {
	return s.queryOrders(
		ctx,
		`SELECT order_id, symbol, side, order_type, trigger_price, quantity, status, updated_at
     FROM dbo.tradeguard_conditional_orders
     WHERE status = @p1
     ORDER BY order_id`,
		string(OrderActive),
	)
}

// ActiveOrdersFor returns the active conditional orders tied to one
// symbol+side.
func (s *Store) ActiveOrdersFor(ctx context.Context, symbol string, side Side) ([]ConditionalOrder, error) {
	return s.queryOrders(
		ctx,
		`SELECT order_id, symbol, side, order_type, trigger_price, quantity, status, updated_at
     FROM dbo.tradeguard_conditional_orders
     WHERE status = @p1 AND symbol = @p2 AND side = @p3
     ORDER BY order_id`,
		string(OrderActive),
		symbol,
		string(side),
	)
}

// InsertOrder creates a new active conditional order record.
func (s *Store) InsertOrder(ctx context.Context, order ConditionalOrder, now time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}
	now = now.UTC()
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO dbo.tradeguard_conditional_orders (
      order_id, symbol, side, order_type, trigger_price, quantity, status, created_at, updated_at
    ) VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8, @p9)`,
		order.OrderID,
		order.Symbol,
		string(order.Side),
		order.OrderType,
		order.TriggerPrice,
		order.Quantity,
		string(OrderActive),
		now,
		now,
	)
	return err
}

// MarkOrderCancelled flips an order to cancelled regardless of whether the
// remote cancellation succeeded; the remote order may already be gone.
func (s *Store) MarkOrderCancelled(ctx context.Context, orderID string, now time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE dbo.tradeguard_conditional_orders
     SET status = @p1, updated_at = @p2
     WHERE order_id = @p3`,
		string(OrderCancelled),
		now.UTC(),
		orderID,
	)
	return err
}

func (s *Store) queryOrders(ctx context.Context, query string, args ...any) ([]ConditionalOrder, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []ConditionalOrder
	for rows.Next() {
		var order ConditionalOrder
		var side, status string
		var updatedAt time.Time
		if err := rows.Scan(
			&order.OrderID,
			&order.Symbol,
			&side,
			&order.OrderType,
			&order.TriggerPrice,
			&order.Quantity,
			&status,
			&updatedAt,
		); err != nil {
			return nil, err
		}
		order.Side = Side(side)
		order.Status = OrderStatus(status)
		order.UpdatedAt = normalizeDBTime(updatedAt)
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (Position, error) {
	var pos Position
	var side, status string
	var updatedAt time.Time
	if err := row.Scan(
		&pos.Symbol,
		&side,
		&pos.Quantity,
		&pos.EntryPrice,
		&pos.StopPrice,
		&status,
		&updatedAt,
	); err != nil {
		return Position{}, err
	}
	pos.Side = Side(side)
	pos.Status = PositionStatus(status)
	pos.UpdatedAt = normalizeDBTime(updatedAt)
	return pos, nil
}
