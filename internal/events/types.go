package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event enumerates topics published inside the guard.
type Event string

const (
	EventOrderPlaced    Event = "order.placed"
	EventOrderUpdated   Event = "order.updated"
	EventOrderFilled    Event = "order.filled"
	EventOrderCancelled Event = "order.cancelled"
	EventProtectionDone Event = "protection.placed"
	EventOCOCancelled   Event = "oco.cancelled"
	EventBalanceUpdated Event = "balance.updated"
	EventReconcileCycle Event = "reconcile.cycle"
	EventAlert          Event = "alert"
)

// All lists every topic, for subscribers that want everything.
var All = []Event{
	EventOrderPlaced, EventOrderUpdated, EventOrderFilled, EventOrderCancelled,
	EventProtectionDone, EventOCOCancelled, EventBalanceUpdated, EventReconcileCycle, EventAlert,
}

// OrderEvent describes a local order change.
type OrderEvent struct {
	ExchangeOrderID string          `json:"exchange_order_id"`
	Symbol          string          `json:"symbol"`
	Side            string          `json:"side"`
	Type            string          `json:"type"`
	Role            string          `json:"role,omitempty"`
	Status          string          `json:"status"`
	PreviousStatus  string          `json:"previous_status,omitempty"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	At              time.Time       `json:"at"`
}

// ProtectionEvent reports the outcome of placing protective legs.
type ProtectionEvent struct {
	ParentOrderID string   `json:"parent_order_id"`
	OCOGroupID    string   `json:"oco_group_id"`
	StopLossID    string   `json:"stop_loss_id,omitempty"`
	TakeProfitID  string   `json:"take_profit_id,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

// OCOEvent reports a sibling cancellation.
type OCOEvent struct {
	FilledOrderID  string `json:"filled_order_id"`
	SiblingOrderID string `json:"sibling_order_id"`
	Action         string `json:"action"`
}

// CycleEvent summarises one reconciliation cycle.
type CycleEvent struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Updated   int           `json:"updated"`
	Filled    int           `json:"filled"`
	Cancelled int           `json:"cancelled"`
	Error     string        `json:"error,omitempty"`
}

// AlertEvent is an operator-facing notification.
type AlertEvent struct {
	Name   string         `json:"name"`
	Level  string         `json:"level"`
	Fields map[string]any `json:"fields,omitempty"`
	At     time.Time      `json:"at"`
}
