package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"trading-guard/internal/events"
	"trading-guard/pkg/db"
	"trading-guard/pkg/exchanges/common"
)

// Executor places operator orders through the gateway and records them.
type Executor struct {
	DB      *db.Database
	Bus     *events.Bus
	Gateway common.Writer

	log *logrus.Entry
}

func NewExecutor(database *db.Database, bus *events.Bus, gw common.Writer) *Executor {
	return &Executor{
		DB:      database,
		Bus:     bus,
		Gateway: gw,
		log:     logrus.WithField("component", "executor"),
	}
}

// Place submits req and stores the acknowledged order. The proxy override
// carried by ctx applies to this call only.
func (e *Executor) Place(ctx context.Context, req Request) (db.Order, common.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return db.Order{}, common.OrderResult{}, err
	}
	if e.Gateway == nil {
		return db.Order{}, common.OrderResult{}, errors.New("executor: gateway not configured")
	}
	oreq := req.exchange()
	log := e.log.WithFields(logrus.Fields{"symbol": oreq.Symbol, "side": oreq.Side, "type": oreq.Type})

	var (
		res common.OrderResult
		err error
	)
	switch req.Kind {
	case KindMarket:
		res, err = e.Gateway.PlaceMarket(ctx, oreq)
	case KindLimit:
		res, err = e.Gateway.PlaceLimit(ctx, oreq)
	case KindStopLoss:
		res, err = e.Gateway.PlaceStopLoss(ctx, oreq)
	case KindTakeProfit:
		res, err = e.Gateway.PlaceTakeProfit(ctx, oreq)
	}
	if err != nil {
		log.WithError(err).Warn("manual order rejected")
		return db.Order{}, res, err
	}

	now := time.Now()
	status := res.Status
	if status == "" {
		status = common.StatusActive
	}
	row := db.Order{
		ExchangeOrderID: res.ExchangeOrderID,
		ClientOrderID:   res.ClientOrderID,
		Symbol:          oreq.Symbol,
		Side:            oreq.Side,
		OrderType:       oreq.Type,
		Status:          status,
		Price:           decimalOr(res.Price, oreq.Price),
		TriggerPrice:    decimalOr(res.TriggerPrice, oreq.TriggerPrice),
		Quantity:        decimalOr(res.Quantity, oreq.Quantity),
		Role:            common.RoleForType(oreq.Type),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if e.DB != nil {
		if err := e.DB.UpsertOrder(ctx, row); err != nil {
			// The venue accepted the order; reconciliation will record it.
			log.WithError(err).WithField("order_id", row.ExchangeOrderID).Error("store placed order failed")
		}
	}
	log.WithFields(logrus.Fields{
		"order_id": row.ExchangeOrderID, "route": res.Route, "variant": res.Variant,
		"qty": row.Quantity, "price": row.Price,
	}).Info("manual order placed")

	e.Bus.Publish(events.EventOrderPlaced, events.OrderEvent{
		ExchangeOrderID: row.ExchangeOrderID,
		Symbol:          row.Symbol,
		Side:            string(row.Side),
		Type:            string(row.OrderType),
		Role:            string(row.Role),
		Status:          string(row.Status),
		Quantity:        row.Quantity,
		Price:           row.Price,
		At:              now,
	})
	return row, res, nil
}

// Cancel cancels an order on the venue. The local row is left to
// reconciliation unless the venue confirmed the cancel.
func (e *Executor) Cancel(ctx context.Context, symbol, exchangeOrderID string) error {
	if exchangeOrderID == "" {
		return fmt.Errorf("order id is required: %w", common.ErrValidation)
	}
	if symbol == "" && e.DB != nil {
		if o, err := e.DB.GetOrder(ctx, exchangeOrderID); err == nil {
			symbol = o.Symbol
		}
	}
	if err := e.Gateway.Cancel(ctx, symbol, exchangeOrderID); err != nil {
		return err
	}
	if e.DB != nil {
		changed, err := e.DB.SetOrderStatus(ctx, exchangeOrderID, common.StatusCancelled)
		if err != nil {
			e.log.WithError(err).WithField("order_id", exchangeOrderID).Warn("store cancellation failed")
		} else if changed {
			e.Bus.Publish(events.EventOrderCancelled, events.OrderEvent{
				ExchangeOrderID: exchangeOrderID,
				Symbol:          symbol,
				Status:          string(common.StatusCancelled),
				At:              time.Now(),
			})
		}
	}
	e.log.WithFields(logrus.Fields{"order_id": exchangeOrderID, "symbol": symbol}).Info("order cancelled")
	return nil
}

func decimalOr(s string, def decimal.Decimal) decimal.Decimal {
	if s == "" {
		return def
	}
	if v, err := decimal.NewFromString(s); err == nil {
		return v
	}
	return def
}
