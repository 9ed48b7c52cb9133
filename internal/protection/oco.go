package protection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"trading-guard/internal/events"
	"trading-guard/pkg/db"
	"trading-guard/pkg/exchanges/common"
)

// OCO actions, also stored in oco_events.action.
const (
	ActionCancelled        = "cancelled"
	ActionAlreadyCancelled = "already_cancelled"
	ActionSiblingTerminal  = "sibling_terminal"
	ActionNoSibling        = "no_sibling"
	ActionCancelFailed     = "cancel_failed"
	ActionAlreadyHandled   = "already_handled"
)

// siblingWindow bounds the symbol/type fallback lookup around the fill.
const siblingWindow = 5 * time.Minute

// Canceller cancels an order on the venue.
type Canceller interface {
	Cancel(ctx context.Context, symbol, exchangeOrderID string) error
}

// Alerter delivers operator notifications.
type Alerter interface {
	Important(event string, fields map[string]any)
	Info(event string, fields map[string]any)
}

// Outcome is what HandleFill did for one fill.
type Outcome struct {
	Action         string
	SiblingOrderID string
}

// OCO cancels the remaining leg of a protective pair after the other fills.
type OCO struct {
	db       *db.Database
	cancel   Canceller
	alerts   Alerter
	bus      *events.Bus
	observer Observer
	log      *logrus.Entry
}

// NewOCO wires the coordinator. alerts and bus may be nil.
func NewOCO(database *db.Database, cancel Canceller, alerts Alerter, bus *events.Bus) *OCO {
	return &OCO{
		db:     database,
		cancel: cancel,
		alerts: alerts,
		bus:    bus,
		log:    logrus.WithField("component", "oco"),
	}
}

// SetObserver installs a metrics hook.
func (o *OCO) SetObserver(obs Observer) { o.observer = obs }

// HandleFill reacts to a filled SL or TP. Each fill is claimed in storage
// first, so cancellation and notification happen at most once per fill.
func (o *OCO) HandleFill(ctx context.Context, filled db.Order) (Outcome, error) {
	role := filled.Role
	if role == "" {
		role = common.RoleForType(filled.OrderType)
	}
	if !role.IsProtective() {
		return Outcome{}, fmt.Errorf("%s is %s, not a protective leg: %w", filled.ExchangeOrderID, role, common.ErrValidation)
	}
	filled.Role = role

	claimed, err := o.db.ClaimOCOEvent(ctx, filled.ExchangeOrderID)
	if err != nil {
		return Outcome{}, err
	}
	if !claimed {
		return Outcome{Action: ActionAlreadyHandled}, nil
	}

	log := o.log.WithFields(logrus.Fields{"filled": filled.ExchangeOrderID, "symbol": filled.Symbol, "role": role})

	sibling, err := o.findSibling(ctx, filled)
	if err != nil {
		return Outcome{}, fmt.Errorf("find sibling of %s: %w", filled.ExchangeOrderID, err)
	}

	out := Outcome{}
	switch {
	case sibling == nil:
		out.Action = ActionNoSibling
		log.Warn("no sibling found for filled protective order")
	case sibling.Status.Open():
		out.SiblingOrderID = sibling.ExchangeOrderID
		out.Action = o.cancelSibling(ctx, filled, *sibling, log)
	case sibling.Status == common.StatusCancelled:
		out.SiblingOrderID = sibling.ExchangeOrderID
		out.Action = ActionAlreadyCancelled
		o.info("oco_sibling_already_cancelled", filled, sibling)
	default:
		out.SiblingOrderID = sibling.ExchangeOrderID
		out.Action = ActionSiblingTerminal
		o.important("oco_sibling_terminal", filled, sibling, nil)
	}

	if err := o.db.ResolveOCOEvent(ctx, filled.ExchangeOrderID, out.SiblingOrderID, out.Action); err != nil {
		log.WithError(err).Error("store oco outcome failed")
	}
	log.WithFields(logrus.Fields{"sibling": out.SiblingOrderID, "action": out.Action}).Info("oco handled")
	o.bus.Publish(events.EventOCOCancelled, events.OCOEvent{
		FilledOrderID: filled.ExchangeOrderID, SiblingOrderID: out.SiblingOrderID, Action: out.Action,
	})
	if o.observer != nil {
		o.observer.ObserveOCO(out.Action)
	}
	return out, nil
}

func (o *OCO) cancelSibling(ctx context.Context, filled, sibling db.Order, log *logrus.Entry) string {
	err := o.cancel.Cancel(ctx, sibling.Symbol, sibling.ExchangeOrderID)
	switch {
	case err == nil:
	case errors.Is(err, common.ErrOrderNotFound):
		log.WithField("sibling", sibling.ExchangeOrderID).Info("sibling already gone on venue")
	default:
		log.WithError(err).WithField("sibling", sibling.ExchangeOrderID).Error("cancel sibling failed")
		o.important("oco_cancel_failed", filled, &sibling, err)
		return ActionCancelFailed
	}
	if _, serr := o.db.SetOrderStatus(ctx, sibling.ExchangeOrderID, common.StatusCancelled); serr != nil {
		log.WithError(serr).Error("store sibling cancellation failed")
	}
	if err != nil {
		return ActionAlreadyCancelled
	}
	return ActionCancelled
}

// findSibling walks the lookup chain from the most to the least specific link.
func (o *OCO) findSibling(ctx context.Context, filled db.Order) (*db.Order, error) {
	complement := filled.OrderType.Complement()
	if !complement.IsConditional() {
		complement = typeForRole(filled.Role.Complement())
	}
	lookups := make([]db.OrderFilter, 0, 4)
	if filled.OCOGroupID != "" {
		lookups = append(lookups, db.OrderFilter{OCOGroupID: filled.OCOGroupID})
	}
	if filled.ParentOrderID != "" {
		lookups = append(lookups, db.OrderFilter{
			ParentOrderID: filled.ParentOrderID,
			Roles:         []common.OrderRole{filled.Role.Complement()},
		})
	}
	if !filled.CreatedAt.IsZero() {
		lookups = append(lookups, db.OrderFilter{
			Symbol:      filled.Symbol,
			Types:       []common.OrderType{complement},
			CreatedFrom: filled.CreatedAt.Add(-siblingWindow),
			CreatedTo:   filled.CreatedAt.Add(siblingWindow),
		})
	}
	lookups = append(lookups, db.OrderFilter{Symbol: filled.Symbol, Types: []common.OrderType{complement}})

	for _, f := range lookups {
		f.ExcludeID = filled.ExchangeOrderID
		f.NewestFirst = true
		f.Limit = 1
		rows, err := o.db.ListOrders(ctx, f)
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			return &rows[0], nil
		}
	}
	return nil, nil
}

func typeForRole(r common.OrderRole) common.OrderType {
	if r == common.RoleTakeProfit {
		return common.OrderTypeTakeProfitLimit
	}
	return common.OrderTypeStopLimit
}

func ocoFields(filled db.Order, sibling *db.Order, err error) map[string]any {
	f := map[string]any{
		"symbol":       filled.Symbol,
		"filled_order": filled.ExchangeOrderID,
		"filled_role":  string(filled.Role),
	}
	if sibling != nil {
		f["sibling_order"] = sibling.ExchangeOrderID
		f["sibling_status"] = string(sibling.Status)
	}
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

func (o *OCO) important(event string, filled db.Order, sibling *db.Order, err error) {
	if o.alerts != nil {
		o.alerts.Important(event, ocoFields(filled, sibling, err))
	}
}

func (o *OCO) info(event string, filled db.Order, sibling *db.Order) {
	if o.alerts != nil {
		o.alerts.Info(event, ocoFields(filled, sibling, nil))
	}
}
