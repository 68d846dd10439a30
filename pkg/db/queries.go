package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("record not found")

// ----------------------------------------
// Settings
// ----------------------------------------

// GetSetting returns the setting for key, or nil when it does not exist.
func (d *Database) GetSetting(ctx context.Context, key string) (*Setting, error) {
	var (
		s     Setting
		label sql.NullString
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT key, value, label, updated_at FROM settings WHERE key = ?
	`, key).Scan(&s.Key, &s.Value, &label, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get setting %s: %w", key, err)
	}
	s.Label = nullString(label)
	return &s, nil
}

// UpsertSetting writes value for key and stamps updated_at.
func (d *Database) UpsertSetting(ctx context.Context, key, value string, at time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, at.UTC())
	if err != nil {
		return fmt.Errorf("upsert setting %s: %w", key, err)
	}
	return nil
}

// SetSettingLabel updates the display label of an existing setting.
func (d *Database) SetSettingLabel(ctx context.Context, key, label string, at time.Time) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE settings SET label = ?, updated_at = ? WHERE key = ?
	`, label, at.UTC(), key)
	if err != nil {
		return fmt.Errorf("set setting label %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSettings returns all settings ordered by key.
func (d *Database) ListSettings(ctx context.Context) ([]Setting, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT key, value, label, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	var out []Setting
	for rows.Next() {
		var (
			s     Setting
			label sql.NullString
		)
		if err := rows.Scan(&s.Key, &s.Value, &label, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		s.Label = nullString(label)
		out = append(out, s)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Trading pairs
// ----------------------------------------

// ListPairs returns all pairs ordered by symbol.
func (d *Database) ListPairs(ctx context.Context) ([]Pair, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT symbol, active, updated_at FROM trading_pairs ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("query pairs: %w", err)
	}
	defer rows.Close()

	var out []Pair
	for rows.Next() {
		var (
			p      Pair
			active int
		)
		if err := rows.Scan(&p.Symbol, &active, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan pair: %w", err)
		}
		p.Active = active == 1
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertPair adds an inactive pair.
func (d *Database) InsertPair(ctx context.Context, symbol string, at time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trading_pairs (symbol, active, updated_at) VALUES (?, 0, ?)
	`, symbol, at.UTC())
	if err != nil {
		return fmt.Errorf("insert pair %s: %w", symbol, err)
	}
	return nil
}

// ActivatePair marks symbol active and every other pair inactive in one transaction.
func (d *Database) ActivatePair(ctx context.Context, symbol string, at time.Time) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE trading_pairs SET active = 1, updated_at = ? WHERE symbol = ?`, at.UTC(), symbol)
	if err != nil {
		return fmt.Errorf("activate pair %s: %w", symbol, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE trading_pairs SET active = 0, updated_at = ? WHERE symbol <> ? AND active = 1
	`, at.UTC(), symbol); err != nil {
		return fmt.Errorf("deactivate other pairs: %w", err)
	}
	return tx.Commit()
}

// SetPairActive sets the active flag of a single pair.
func (d *Database) SetPairActive(ctx context.Context, symbol string, active bool, at time.Time) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE trading_pairs SET active = ?, updated_at = ? WHERE symbol = ?
	`, boolToInt(active), at.UTC(), symbol)
	if err != nil {
		return fmt.Errorf("update pair %s: %w", symbol, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePair removes a pair.
func (d *Database) DeletePair(ctx context.Context, symbol string) error {
	res, err := d.DB.ExecContext(ctx, `DELETE FROM trading_pairs WHERE symbol = ?`, symbol)
	if err != nil {
		return fmt.Errorf("delete pair %s: %w", symbol, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ----------------------------------------
// Orders and fills
// ----------------------------------------

// UpsertOrder records the latest state of an order.
func (d *Database) UpsertOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (id, symbol, side, type, qty, price, filled_qty, avg_price, fee, state,
		                    source, exchange_order_id, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			filled_qty = excluded.filled_qty,
			avg_price = excluded.avg_price,
			fee = excluded.fee,
			state = excluded.state,
			exchange_order_id = excluded.exchange_order_id,
			reason = excluded.reason,
			updated_at = excluded.updated_at
	`,
		o.ID, o.Symbol, o.Side, o.Type, o.Qty, o.Price, o.FilledQty, o.AvgPrice, o.Fee, o.State,
		o.Source, o.ExchangeOrderID, o.Reason, o.CreatedAt.UTC(), o.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", o.ID, err)
	}
	return nil
}

// ListOrders returns the most recent orders first. limit <= 0 means 100.
func (d *Database) ListOrders(ctx context.Context, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	return d.queryOrders(ctx, `
		SELECT id, symbol, side, type, qty, price, filled_qty, avg_price, COALESCE(fee, 0), state,
		       source, exchange_order_id, reason, created_at, updated_at
		FROM orders ORDER BY created_at DESC LIMIT ?
	`, limit)
}

// ListOrdersByState returns orders in any of the given states, oldest first.
func (d *Database) ListOrdersByState(ctx context.Context, states ...string) ([]Order, error) {
	if len(states) == 0 {
		return nil, nil
	}
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = s
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	return d.queryOrders(ctx, `
		SELECT id, symbol, side, type, qty, price, filled_qty, avg_price, COALESCE(fee, 0), state,
		       source, exchange_order_id, reason, created_at, updated_at
		FROM orders WHERE state IN (`+placeholders+`) ORDER BY created_at ASC
	`, args...)
}

func (d *Database) queryOrders(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var (
			o                      Order
			source, exchID, reason sql.NullString
		)
		if err := rows.Scan(&o.ID, &o.Symbol, &o.Side, &o.Type, &o.Qty, &o.Price, &o.FilledQty,
			&o.AvgPrice, &o.Fee, &o.State, &source, &exchID, &reason, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Source = nullString(source)
		o.ExchangeOrderID = nullString(exchID)
		o.Reason = nullString(reason)
		out = append(out, o)
	}
	return out, rows.Err()
}

// CreateFill stores a fill row.
func (d *Database) CreateFill(ctx context.Context, f Fill) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO fills (id, order_id, symbol, side, price, qty, fee, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.OrderID, f.Symbol, f.Side, f.Price, f.Qty, f.Fee, f.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create fill %s: %w", f.ID, err)
	}
	return nil
}

// ListFills returns the fills of an order in execution order.
func (d *Database) ListFills(ctx context.Context, orderID string) ([]Fill, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, order_id, symbol, side, price, qty, fee, created_at
		FROM fills WHERE order_id = ? ORDER BY created_at ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var out []Fill
	for rows.Next() {
		var f Fill
		if err := rows.Scan(&f.ID, &f.OrderID, &f.Symbol, &f.Side, &f.Price, &f.Qty, &f.Fee, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListAllFills returns every stored fill in execution order.
func (d *Database) ListAllFills(ctx context.Context) ([]Fill, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, order_id, symbol, side, price, qty, fee, created_at
		FROM fills ORDER BY created_at ASC, rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query all fills: %w", err)
	}
	defer rows.Close()

	var out []Fill
	for rows.Next() {
		var f Fill
		if err := rows.Scan(&f.ID, &f.OrderID, &f.Symbol, &f.Side, &f.Price, &f.Qty, &f.Fee, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Daily risk aggregates
// ----------------------------------------

// AddDailyResult folds one realized trade result into the day's aggregate.
func (d *Database) AddDailyResult(ctx context.Context, date string, pnl float64) error {
	wins := 0
	losses := 0.0
	if pnl > 0 {
		wins = 1
	} else if pnl < 0 {
		losses = -pnl
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO daily_risk (date, realized_pnl, trades, wins, losses)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			realized_pnl = realized_pnl + excluded.realized_pnl,
			trades = trades + 1,
			wins = wins + excluded.wins,
			losses = losses + excluded.losses
	`, date, pnl, wins, losses)
	if err != nil {
		return fmt.Errorf("add daily result %s: %w", date, err)
	}
	return nil
}

// GetDailyRisk returns the aggregate for date, or nil when nothing was recorded.
func (d *Database) GetDailyRisk(ctx context.Context, date string) (*DailyRisk, error) {
	var r DailyRisk
	err := d.DB.QueryRowContext(ctx, `
		SELECT date, realized_pnl, trades, wins, losses FROM daily_risk WHERE date = ?
	`, date).Scan(&r.Date, &r.RealizedPnL, &r.Trades, &r.Wins, &r.Losses)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get daily risk %s: %w", date, err)
	}
	return &r, nil
}
