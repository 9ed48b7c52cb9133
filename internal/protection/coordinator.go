// Package protection places stop-loss/take-profit pairs for filled entries
// and cancels the remaining leg when one of them fills.
package protection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"trading-guard/internal/events"
	"trading-guard/internal/risk"
	"trading-guard/pkg/db"
	"trading-guard/pkg/exchanges/common"
)

// ErrNotProtectable is returned for orders that are not filled entries.
var ErrNotProtectable = fmt.Errorf("%w: order is not a filled entry", common.ErrValidation)

// Leg outcomes.
const (
	LegPlaced   = "placed"
	LegExists   = "exists"
	LegRejected = "rejected"
	LegFailed   = "failed"
	LegClosed   = "closed"
)

// existingLegStatuses count as "already protected" when re-checking.
var existingLegStatuses = []common.OrderStatus{
	common.StatusNew, common.StatusActive, common.StatusPartiallyFilled, common.StatusFilled, common.StatusRejected,
}

// legCounts reports whether l stands in for its role. A leg cancelled or
// expired inside an OCO group was retired by the pair, not lost.
func legCounts(l db.Order) bool {
	for _, st := range existingLegStatuses {
		if l.Status == st {
			return true
		}
	}
	return (l.Status == common.StatusCancelled || l.Status == common.StatusExpired) && l.OCOGroupID != ""
}

// Placer submits conditional orders.
type Placer interface {
	PlaceStopLoss(ctx context.Context, req common.OrderRequest) (common.OrderResult, error)
	PlaceTakeProfit(ctx context.Context, req common.OrderRequest) (common.OrderResult, error)
}

// Planner turns an entry into protective levels.
type Planner interface {
	Plan(ctx context.Context, symbol string, entrySide common.Side, entryPrice decimal.Decimal) (risk.Levels, error)
}

// Observer receives per-leg and OCO outcomes.
type Observer interface {
	ObserveLeg(leg, outcome string)
	ObserveOCO(action string)
}

// LegResult is the outcome of one protective leg.
type LegResult struct {
	Role    common.OrderRole
	Outcome string
	OrderID string
	Err     error
}

// Result is the outcome of EnsureSLTP. Closed is set when a leg of the
// pair already filled; nothing is placed for such a parent again.
type Result struct {
	ParentOrderID string
	OCOGroupID    string
	StopLoss      LegResult
	TakeProfit    LegResult
	Closed        bool
}

// Retry reports whether a leg failed transiently and may succeed later.
func (r Result) Retry() bool {
	return r.StopLoss.Outcome == LegFailed || r.TakeProfit.Outcome == LegFailed
}

// Config tunes the coordinator.
type Config struct {
	LockTimeout time.Duration
	NewClientID func() string
}

// Coordinator ensures every filled entry carries one SL and one TP.
type Coordinator struct {
	db       *db.Database
	placer   Placer
	planner  Planner
	locks    *Locker
	bus      *events.Bus
	observer Observer
	cfg      Config
	log      *logrus.Entry
}

// NewCoordinator wires a coordinator. bus may be nil.
func NewCoordinator(database *db.Database, placer Placer, planner Planner, locks *Locker, bus *events.Bus, cfg Config) *Coordinator {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 30 * time.Second
	}
	if cfg.NewClientID == nil {
		cfg.NewClientID = func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }
	}
	if locks == nil {
		locks = NewLocker(0)
	}
	return &Coordinator{
		db:      database,
		placer:  placer,
		planner: planner,
		locks:   locks,
		bus:     bus,
		cfg:     cfg,
		log:     logrus.WithField("component", "protection"),
	}
}

// SetObserver installs a metrics hook.
func (c *Coordinator) SetObserver(o Observer) { c.observer = o }

// Protectable reports whether o is a filled entry.
func Protectable(o db.Order) bool {
	role := o.Role
	if role == "" {
		role = common.RoleForType(o.OrderType)
	}
	return role == common.RoleEntry && o.OrderType.IsEntry() &&
		(o.Status == common.StatusFilled || o.CumulativeQuantity.IsPositive())
}

// EnsureSLTP places whichever protective legs entry is missing. Concurrent
// calls for the same entry are serialized and each re-checks storage, so a
// leg is placed at most once.
func (c *Coordinator) EnsureSLTP(ctx context.Context, entry db.Order) (Result, error) {
	res := Result{ParentOrderID: entry.ExchangeOrderID}
	if !Protectable(entry) {
		return res, fmt.Errorf("%s: %w", entry.ExchangeOrderID, ErrNotProtectable)
	}

	release, err := c.locks.Acquire(ctx, entry.ExchangeOrderID, c.cfg.LockTimeout)
	if err != nil {
		return res, err
	}
	defer release()

	log := c.log.WithFields(logrus.Fields{"parent": entry.ExchangeOrderID, "symbol": entry.Symbol})

	legs, err := c.db.ListOrders(ctx, db.OrderFilter{
		ParentOrderID: entry.ExchangeOrderID,
		Roles:         []common.OrderRole{common.RoleStopLoss, common.RoleTakeProfit},
	})
	if err != nil {
		return res, fmt.Errorf("load legs of %s: %w", entry.ExchangeOrderID, err)
	}
	existing := make(map[common.OrderRole]db.Order, 2)
	for _, l := range legs {
		if l.Status == common.StatusFilled {
			res.Closed = true
		}
		if !legCounts(l) {
			continue
		}
		if _, seen := existing[l.Role]; !seen || l.Status == common.StatusFilled {
			existing[l.Role] = l
		}
		if res.OCOGroupID == "" {
			res.OCOGroupID = l.OCOGroupID
		}
	}
	sl, hasSL := existing[common.RoleStopLoss]
	tp, hasTP := existing[common.RoleTakeProfit]
	if hasSL {
		res.StopLoss = LegResult{Role: common.RoleStopLoss, Outcome: LegExists, OrderID: sl.ExchangeOrderID}
	}
	if hasTP {
		res.TakeProfit = LegResult{Role: common.RoleTakeProfit, Outcome: LegExists, OrderID: tp.ExchangeOrderID}
	}
	if res.Closed {
		if !hasSL {
			res.StopLoss = LegResult{Role: common.RoleStopLoss, Outcome: LegClosed}
		}
		if !hasTP {
			res.TakeProfit = LegResult{Role: common.RoleTakeProfit, Outcome: LegClosed}
		}
		log.WithField("oco_group", res.OCOGroupID).Debug("pair already closed")
		return res, nil
	}
	if hasSL && hasTP {
		return res, nil
	}
	if res.OCOGroupID == "" {
		res.OCOGroupID = uuid.NewString()
	}

	qty, err := c.quantity(ctx, entry)
	if err != nil {
		return res, err
	}
	levels, err := c.planner.Plan(ctx, entry.Symbol, entry.Side, entry.FillPrice())
	if err != nil {
		return res, fmt.Errorf("plan levels for %s: %w", entry.ExchangeOrderID, err)
	}

	if !hasSL {
		res.StopLoss = c.placeLeg(ctx, entry, res.OCOGroupID, common.RoleStopLoss, common.OrderRequest{
			Symbol: entry.Symbol, Side: levels.ExitSide, Type: common.OrderTypeStopLimit,
			Quantity: qty, Price: levels.StopLimit, TriggerPrice: levels.StopTrigger,
		})
	}
	if !hasTP {
		res.TakeProfit = c.placeLeg(ctx, entry, res.OCOGroupID, common.RoleTakeProfit, common.OrderRequest{
			Symbol: entry.Symbol, Side: levels.ExitSide, Type: common.OrderTypeTakeProfitLimit,
			Quantity: qty, Price: levels.TakeLimit, TriggerPrice: levels.TakeTrigger,
		})
	}

	fields := logrus.Fields{
		"oco_group": res.OCOGroupID, "qty": qty,
		"stop": levels.StopTrigger, "take": levels.TakeTrigger,
		"sl": res.StopLoss.Outcome, "tp": res.TakeProfit.Outcome,
	}
	if res.Retry() {
		log.WithFields(fields).Warn("protection incomplete, will retry")
	} else {
		log.WithFields(fields).Info("protection ensured")
	}
	c.bus.Publish(events.EventProtectionDone, protectionEvent(res))
	return res, nil
}

// quantity is the executed entry size, capped by the free base balance for
// long entries when a balance row exists.
func (c *Coordinator) quantity(ctx context.Context, entry db.Order) (decimal.Decimal, error) {
	qty := entry.CumulativeQuantity
	if !qty.IsPositive() {
		qty = entry.Quantity
	}
	if entry.Side == common.SideBuy {
		bal, err := c.db.GetBalance(ctx, common.BaseAsset(entry.Symbol))
		switch {
		case errors.Is(err, db.ErrNotFound):
		case err != nil:
			return decimal.Zero, fmt.Errorf("load balance: %w", err)
		case bal.Free.LessThan(qty):
			c.log.WithFields(logrus.Fields{"parent": entry.ExchangeOrderID, "qty": qty, "free": bal.Free}).
				Warn("capping protective quantity to free balance")
			qty = bal.Free
		}
	}
	if !qty.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s: nothing left to protect: %w", entry.ExchangeOrderID, common.ErrValidation)
	}
	return qty, nil
}

func (c *Coordinator) placeLeg(ctx context.Context, entry db.Order, group string, role common.OrderRole, req common.OrderRequest) LegResult {
	req.ClientOrderID = c.cfg.NewClientID()
	leg := LegResult{Role: role}
	log := c.log.WithFields(logrus.Fields{"parent": entry.ExchangeOrderID, "role": role, "client_oid": req.ClientOrderID})

	place := c.placer.PlaceStopLoss
	if role == common.RoleTakeProfit {
		place = c.placer.PlaceTakeProfit
	}
	out, err := place(ctx, req)

	row := db.Order{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		OrderType:     req.Type,
		Price:         parseOr(out.Price, req.Price),
		TriggerPrice:  parseOr(out.TriggerPrice, req.TriggerPrice),
		Quantity:      parseOr(out.Quantity, req.Quantity),
		Role:          role,
		ParentOrderID: entry.ExchangeOrderID,
		OCOGroupID:    group,
	}
	switch {
	case err == nil:
		row.ExchangeOrderID = out.ExchangeOrderID
		row.ClientOrderID = orDefault(out.ClientOrderID, req.ClientOrderID)
		row.Status = common.StatusActive
		leg.Outcome, leg.OrderID = LegPlaced, out.ExchangeOrderID
	case common.Permanent(err):
		row.ExchangeOrderID = "rejected:" + req.ClientOrderID
		row.Status = common.StatusRejected
		leg.Outcome, leg.OrderID, leg.Err = LegRejected, row.ExchangeOrderID, err
		log.WithError(err).Error("protective leg rejected")
	default:
		leg.Outcome, leg.Err = LegFailed, err
		log.WithError(err).Warn("protective leg failed")
		c.observe(role, leg.Outcome)
		return leg
	}

	if serr := c.db.UpsertOrder(ctx, row); serr != nil {
		log.WithError(serr).WithField("order_id", row.ExchangeOrderID).Error("store protective leg failed")
		if leg.Err == nil {
			leg.Err = serr
		}
	}
	c.observe(role, leg.Outcome)
	return leg
}

func (c *Coordinator) observe(role common.OrderRole, outcome string) {
	if c.observer != nil {
		c.observer.ObserveLeg(strings.ToLower(string(role)), outcome)
	}
}

func protectionEvent(r Result) events.ProtectionEvent {
	ev := events.ProtectionEvent{ParentOrderID: r.ParentOrderID, OCOGroupID: r.OCOGroupID}
	if r.StopLoss.Outcome == LegPlaced || r.StopLoss.Outcome == LegExists {
		ev.StopLossID = r.StopLoss.OrderID
	}
	if r.TakeProfit.Outcome == LegPlaced || r.TakeProfit.Outcome == LegExists {
		ev.TakeProfitID = r.TakeProfit.OrderID
	}
	for _, l := range []LegResult{r.StopLoss, r.TakeProfit} {
		if l.Err != nil {
			ev.Errors = append(ev.Errors, l.Err.Error())
		}
	}
	return ev
}

func parseOr(s string, def decimal.Decimal) decimal.Decimal {
	if s == "" {
		return def
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return def
	}
	return v
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
