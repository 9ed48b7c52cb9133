package cryptocom

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"trading-guard/pkg/exchanges/common"
)

func decodeResult(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("empty result: %w", common.ErrDataIntegrity)
	}
	d := json.NewDecoder(bytes.NewReader(raw))
	d.UseNumber()
	var m map[string]any
	if err := d.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode result: %v: %w", err, common.ErrDataIntegrity)
	}
	return m, nil
}

func parseOrderAck(raw json.RawMessage) (common.OrderResult, error) {
	m, err := decodeResult(raw)
	if err != nil {
		return common.OrderResult{}, err
	}
	id := str(m, "order_id")
	if id == "" {
		return common.OrderResult{}, fmt.Errorf("order ack without order_id: %w", common.ErrDataIntegrity)
	}
	return common.OrderResult{
		ExchangeOrderID: id,
		ClientOrderID:   str(m, "client_oid"),
		Status:          common.StatusActive,
	}, nil
}

func parseOrderList(raw json.RawMessage) ([]common.ExchangeOrder, error) {
	m, err := decodeResult(raw)
	if err != nil {
		return nil, err
	}
	rows, ok := list(m, "data", "order_list")
	if !ok {
		return nil, fmt.Errorf("order list missing: %w", common.ErrDataIntegrity)
	}
	out := make([]common.ExchangeOrder, 0, len(rows))
	for _, row := range rows {
		o, err := parseOrder(row)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func parseOrder(row map[string]any) (common.ExchangeOrder, error) {
	o := common.ExchangeOrder{
		ExchangeOrderID: str(row, "order_id"),
		ClientOrderID:   str(row, "client_oid"),
		Symbol:          strings.ToUpper(str(row, "instrument_name", "symbol")),
	}
	if o.ExchangeOrderID == "" || o.Symbol == "" {
		return o, fmt.Errorf("order row without id or symbol: %w", common.ErrDataIntegrity)
	}
	var ok bool
	if o.Side, ok = common.ParseSide(str(row, "side")); !ok {
		return o, fmt.Errorf("order %s side %q: %w", o.ExchangeOrderID, str(row, "side"), common.ErrDataIntegrity)
	}
	if o.Type, ok = common.ParseOrderType(str(row, "order_type", "type")); !ok {
		return o, fmt.Errorf("order %s type %q: %w", o.ExchangeOrderID, str(row, "order_type", "type"), common.ErrDataIntegrity)
	}
	o.Price = dec(row, "limit_price", "price")
	o.TriggerPrice = dec(row, "ref_price", "trigger_price", "stop_price")
	o.Quantity = dec(row, "quantity")
	o.CumulativeQuantity = dec(row, "cumulative_quantity", "cumulative_qty")
	o.AvgPrice = dec(row, "avg_price")
	if o.Status, ok = common.MapStatus(str(row, "status"), o.Executed()); !ok {
		return o, fmt.Errorf("order %s status %q: %w", o.ExchangeOrderID, str(row, "status"), common.ErrDataIntegrity)
	}
	o.CreatedAt = ms(row, "create_time", "created_at")
	o.UpdatedAt = ms(row, "update_time", "updated_at")
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	return o, nil
}

func parseBalances(raw json.RawMessage) ([]common.AssetBalance, error) {
	m, err := decodeResult(raw)
	if err != nil {
		return nil, err
	}
	if accounts, ok := list(m, "accounts"); ok {
		out := make([]common.AssetBalance, 0, len(accounts))
		for _, a := range accounts {
			b := common.AssetBalance{
				Asset: strings.ToUpper(str(a, "currency")),
				Total: dec(a, "balance"),
				Free:  dec(a, "available"),
			}
			b.Locked = dec(a, "order")
			if b.Locked.IsZero() {
				b.Locked = b.Total.Sub(b.Free)
			}
			if b.Asset != "" {
				out = append(out, b)
			}
		}
		return out, nil
	}
	if data, ok := list(m, "data"); ok {
		var out []common.AssetBalance
		for _, d := range data {
			positions, _ := list(d, "position_balances")
			for _, p := range positions {
				b := common.AssetBalance{
					Asset:  strings.ToUpper(str(p, "instrument_name", "currency")),
					Total:  dec(p, "quantity"),
					Locked: dec(p, "reserved_qty"),
				}
				b.Free = b.Total.Sub(b.Locked)
				if b.Asset != "" {
					out = append(out, b)
				}
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("account summary without balances: %w", common.ErrDataIntegrity)
}

func list(m map[string]any, keys ...string) ([]map[string]any, bool) {
	for _, k := range keys {
		arr, ok := m[k].([]any)
		if !ok {
			continue
		}
		out := make([]map[string]any, 0, len(arr))
		for _, el := range arr {
			if row, ok := el.(map[string]any); ok {
				out = append(out, row)
			}
		}
		return out, true
	}
	return nil, false
}

func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func dec(m map[string]any, keys ...string) decimal.Decimal {
	if raw := str(m, keys...); raw != "" {
		if d, err := decimal.NewFromString(raw); err == nil {
			return d
		}
	}
	return decimal.Zero
}

func ms(m map[string]any, keys ...string) time.Time {
	raw := str(m, keys...)
	if raw == "" {
		return time.Time{}
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return time.Time{}
	}
	// Some endpoints report nanoseconds.
	if v > 1e15 {
		v /= int64(time.Millisecond)
	}
	return time.UnixMilli(v).UTC()
}
