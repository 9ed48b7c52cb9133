package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"trading-guard/pkg/exchanges/common"
)

// Order is the local record of an exchange order.
type Order struct {
	ExchangeOrderID    string
	ClientOrderID      string
	Symbol             string
	Side               common.Side
	OrderType          common.OrderType
	Status             common.OrderStatus
	Price              decimal.Decimal
	TriggerPrice       decimal.Decimal
	Quantity           decimal.Decimal
	CumulativeQuantity decimal.Decimal
	AvgPrice           decimal.Decimal
	Role               common.OrderRole
	ParentOrderID      string
	OCOGroupID         string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// FillPrice is the average execution price, falling back to the limit price.
func (o Order) FillPrice() decimal.Decimal {
	if o.AvgPrice.IsPositive() {
		return o.AvgPrice
	}
	return o.Price
}

// Balance is the stored balance of one asset.
type Balance struct {
	Asset     string
	Free      decimal.Decimal
	Locked    decimal.Decimal
	Total     decimal.Decimal
	UpdatedAt time.Time
}

// OrderFilter narrows ListOrders. Zero fields do not filter.
type OrderFilter struct {
	Symbol        string
	Statuses      []common.OrderStatus
	Types         []common.OrderType
	Roles         []common.OrderRole
	ParentOrderID string
	OCOGroupID    string
	ExcludeID     string
	CreatedFrom   time.Time
	CreatedTo     time.Time
	UpdatedFrom   time.Time
	Limit         int
	NewestFirst   bool
}

const orderColumns = `exchange_order_id, client_order_id, symbol, side, order_type, status,
	price, trigger_price, quantity, cumulative_quantity, avg_price,
	order_role, parent_order_id, oco_group_id, created_at, updated_at`

// UpsertOrder inserts or updates an order keyed by exchange_order_id.
// Terminal statuses are never overwritten, created_at is kept from the first
// observation, and ownership fields only change when the incoming row
// carries them.
func (q *Queries) UpsertOrder(ctx context.Context, o Order) error {
	if o.ExchangeOrderID == "" {
		return errors.New("upsert order: exchange_order_id is empty")
	}
	now := time.Now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = now
	}
	_, err := q.exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(exchange_order_id) DO UPDATE SET
			client_order_id = CASE WHEN excluded.client_order_id <> '' THEN excluded.client_order_id ELSE orders.client_order_id END,
			status = CASE WHEN orders.status IN ('FILLED','CANCELLED','REJECTED','EXPIRED') THEN orders.status ELSE excluded.status END,
			price = excluded.price,
			trigger_price = excluded.trigger_price,
			quantity = excluded.quantity,
			cumulative_quantity = excluded.cumulative_quantity,
			avg_price = excluded.avg_price,
			order_role = CASE WHEN excluded.parent_order_id <> '' OR orders.order_role = '' THEN excluded.order_role ELSE orders.order_role END,
			parent_order_id = CASE WHEN excluded.parent_order_id <> '' THEN excluded.parent_order_id ELSE orders.parent_order_id END,
			oco_group_id = CASE WHEN excluded.oco_group_id <> '' THEN excluded.oco_group_id ELSE orders.oco_group_id END,
			updated_at = excluded.updated_at
	`,
		o.ExchangeOrderID, o.ClientOrderID, strings.ToUpper(o.Symbol), string(o.Side), string(o.OrderType), string(o.Status),
		o.Price, o.TriggerPrice, o.Quantity, o.CumulativeQuantity, o.AvgPrice,
		string(o.Role), o.ParentOrderID, o.OCOGroupID, millis(o.CreatedAt), millis(o.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", o.ExchangeOrderID, err)
	}
	return nil
}

// SetOrderStatus moves a non-terminal order to status. It reports whether a
// row changed, so repeating a transition is a no-op.
func (q *Queries) SetOrderStatus(ctx context.Context, exchangeOrderID string, status common.OrderStatus) (bool, error) {
	res, err := q.exec(ctx, `
		UPDATE orders SET status = ?, updated_at = ?
		WHERE exchange_order_id = ? AND status <> ?
		  AND status NOT IN ('FILLED','CANCELLED','REJECTED','EXPIRED')
	`, string(status), time.Now().UnixMilli(), exchangeOrderID, string(status))
	if err != nil {
		return false, fmt.Errorf("set order status %s: %w", exchangeOrderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetOrder returns ErrNotFound when no row matches.
func (q *Queries) GetOrder(ctx context.Context, exchangeOrderID string) (*Order, error) {
	row := q.queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE exchange_order_id = ?`, exchangeOrderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", exchangeOrderID, err)
	}
	return &o, nil
}

// ListOrders runs a range query over orders.
func (q *Queries) ListOrders(ctx context.Context, f OrderFilter) ([]Order, error) {
	var (
		where []string
		args  []any
	)
	if f.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, strings.ToUpper(f.Symbol))
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if len(f.Types) > 0 {
		where = append(where, "order_type IN ("+placeholders(len(f.Types))+")")
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	if len(f.Roles) > 0 {
		where = append(where, "order_role IN ("+placeholders(len(f.Roles))+")")
		for _, r := range f.Roles {
			args = append(args, string(r))
		}
	}
	if f.ParentOrderID != "" {
		where = append(where, "parent_order_id = ?")
		args = append(args, f.ParentOrderID)
	}
	if f.OCOGroupID != "" {
		where = append(where, "oco_group_id = ?")
		args = append(args, f.OCOGroupID)
	}
	if f.ExcludeID != "" {
		where = append(where, "exchange_order_id <> ?")
		args = append(args, f.ExcludeID)
	}
	if !f.CreatedFrom.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, millis(f.CreatedFrom))
	}
	if !f.CreatedTo.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, millis(f.CreatedTo))
	}
	if !f.UpdatedFrom.IsZero() {
		where = append(where, "updated_at >= ?")
		args = append(args, millis(f.UpdatedFrom))
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.NewestFirst {
		query += " ORDER BY created_at DESC, exchange_order_id DESC"
	} else {
		query += " ORDER BY created_at ASC, exchange_order_id ASC"
	}
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (Order, error) {
	var (
		o                    Order
		side, typ, st, role  string
		createdMs, updatedMs int64
	)
	err := s.Scan(&o.ExchangeOrderID, &o.ClientOrderID, &o.Symbol, &side, &typ, &st,
		&o.Price, &o.TriggerPrice, &o.Quantity, &o.CumulativeQuantity, &o.AvgPrice,
		&role, &o.ParentOrderID, &o.OCOGroupID, &createdMs, &updatedMs)
	if err != nil {
		return o, err
	}
	o.Side = common.Side(side)
	o.OrderType = common.OrderType(typ)
	o.Status = common.OrderStatus(st)
	o.Role = common.OrderRole(role)
	o.CreatedAt = fromMillis(createdMs)
	o.UpdatedAt = fromMillis(updatedMs)
	return o, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
