package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// UpsertBalance writes one asset row.
func (q *Queries) UpsertBalance(ctx context.Context, b Balance) error {
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = time.Now()
	}
	_, err := q.exec(ctx, `
		INSERT INTO balances (asset, free, locked, total, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(asset) DO UPDATE SET
			free = excluded.free,
			locked = excluded.locked,
			total = excluded.total,
			updated_at = excluded.updated_at
	`, strings.ToUpper(b.Asset), b.Free, b.Locked, b.Total, millis(b.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert balance %s: %w", b.Asset, err)
	}
	return nil
}

// ListBalances returns every stored asset, zeroed ones included.
func (q *Queries) ListBalances(ctx context.Context) ([]Balance, error) {
	rows, err := q.query(ctx, `SELECT asset, free, locked, total, updated_at FROM balances ORDER BY asset`)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	var out []Balance
	for rows.Next() {
		var (
			b  Balance
			ms int64
		)
		if err := rows.Scan(&b.Asset, &b.Free, &b.Locked, &b.Total, &ms); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		b.UpdatedAt = fromMillis(ms)
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetBalance returns ErrNotFound for assets never seen.
func (q *Queries) GetBalance(ctx context.Context, asset string) (*Balance, error) {
	var (
		b  Balance
		ms int64
	)
	err := q.queryRow(ctx, `SELECT asset, free, locked, total, updated_at FROM balances WHERE asset = ?`,
		strings.ToUpper(asset)).Scan(&b.Asset, &b.Free, &b.Locked, &b.Total, &ms)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get balance %s: %w", asset, err)
	}
	b.UpdatedAt = fromMillis(ms)
	return &b, nil
}

// SaveProcessedMarkers persists fill markers after a committed cycle.
func (q *Queries) SaveProcessedMarkers(ctx context.Context, markers map[string]time.Time) error {
	for id, seen := range markers {
		if _, err := q.exec(ctx, `
			INSERT INTO processed_orders (order_id, seen_at) VALUES (?, ?)
			ON CONFLICT(order_id) DO UPDATE SET seen_at = excluded.seen_at
		`, id, millis(seen)); err != nil {
			return fmt.Errorf("save processed marker %s: %w", id, err)
		}
	}
	return nil
}

// LoadProcessedMarkers returns markers seen at or after since.
func (q *Queries) LoadProcessedMarkers(ctx context.Context, since time.Time) (map[string]time.Time, error) {
	rows, err := q.query(ctx, `SELECT order_id, seen_at FROM processed_orders WHERE seen_at >= ?`, millis(since))
	if err != nil {
		return nil, fmt.Errorf("query processed markers: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			id string
			ms int64
		)
		if err := rows.Scan(&id, &ms); err != nil {
			return nil, err
		}
		out[id] = fromMillis(ms)
	}
	return out, rows.Err()
}

// PurgeProcessedMarkers drops markers older than before.
func (q *Queries) PurgeProcessedMarkers(ctx context.Context, before time.Time) (int64, error) {
	res, err := q.exec(ctx, `DELETE FROM processed_orders WHERE seen_at < ?`, millis(before))
	if err != nil {
		return 0, fmt.Errorf("purge processed markers: %w", err)
	}
	return res.RowsAffected()
}

// VariantPreference remembers which request shape a venue accepted.
type VariantPreference struct {
	Symbol    string
	OrderType string
	ProxyMode bool
	VariantID string
	UpdatedAt time.Time
}

// SaveVariantPreference upserts the accepted variant for a key.
func (q *Queries) SaveVariantPreference(ctx context.Context, p VariantPreference) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	proxy := 0
	if p.ProxyMode {
		proxy = 1
	}
	_, err := q.exec(ctx, `
		INSERT INTO variant_preferences (symbol, order_type, proxy_mode, variant_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(symbol, order_type, proxy_mode) DO UPDATE SET
			variant_id = excluded.variant_id,
			updated_at = excluded.updated_at
	`, strings.ToUpper(p.Symbol), p.OrderType, proxy, p.VariantID, millis(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save variant preference: %w", err)
	}
	return nil
}

// ListVariantPreferences loads every remembered variant.
func (q *Queries) ListVariantPreferences(ctx context.Context) ([]VariantPreference, error) {
	rows, err := q.query(ctx, `SELECT symbol, order_type, proxy_mode, variant_id, updated_at FROM variant_preferences`)
	if err != nil {
		return nil, fmt.Errorf("query variant preferences: %w", err)
	}
	defer rows.Close()

	var out []VariantPreference
	for rows.Next() {
		var (
			p     VariantPreference
			proxy int
			ms    int64
		)
		if err := rows.Scan(&p.Symbol, &p.OrderType, &proxy, &p.VariantID, &ms); err != nil {
			return nil, err
		}
		p.ProxyMode = proxy == 1
		p.UpdatedAt = fromMillis(ms)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClaimOCOEvent records that the fill of filledOrderID is being handled. It
// returns false when another caller already claimed it.
func (q *Queries) ClaimOCOEvent(ctx context.Context, filledOrderID string) (bool, error) {
	res, err := q.exec(ctx, `
		INSERT INTO oco_events (filled_order_id, created_at) VALUES (?, ?)
		ON CONFLICT(filled_order_id) DO NOTHING
	`, filledOrderID, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("claim oco event %s: %w", filledOrderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ResolveOCOEvent stores what was done for a claimed fill.
func (q *Queries) ResolveOCOEvent(ctx context.Context, filledOrderID, siblingOrderID, action string) error {
	_, err := q.exec(ctx, `UPDATE oco_events SET sibling_order_id = ?, action = ? WHERE filled_order_id = ?`,
		siblingOrderID, action, filledOrderID)
	if err != nil {
		return fmt.Errorf("resolve oco event %s: %w", filledOrderID, err)
	}
	return nil
}

// GetOCOAction returns the stored action for a fill, empty when unresolved.
func (q *Queries) GetOCOAction(ctx context.Context, filledOrderID string) (string, error) {
	var action string
	err := q.queryRow(ctx, `SELECT action FROM oco_events WHERE filled_order_id = ?`, filledOrderID).Scan(&action)
	if err != nil {
		if isNoRows(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	return action, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
