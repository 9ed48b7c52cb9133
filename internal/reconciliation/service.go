package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"trading-guard/internal/events"
	"trading-guard/internal/protection"
	"trading-guard/pkg/db"
	"trading-guard/pkg/exchanges/common"
)

// Exchange is the read side of the order gateway.
type Exchange interface {
	GetOpenOrders(ctx context.Context) ([]common.ExchangeOrder, error)
	GetTriggerOrders(ctx context.Context) ([]common.ExchangeOrder, error)
	GetOrderHistory(ctx context.Context, start, end int64) ([]common.ExchangeOrder, error)
	GetAccountSummary(ctx context.Context) ([]common.AssetBalance, error)
}

// Protector places protective legs for filled entries.
type Protector interface {
	EnsureSLTP(ctx context.Context, entry db.Order) (protection.Result, error)
}

// FillHandler reacts to filled protective legs.
type FillHandler interface {
	HandleFill(ctx context.Context, filled db.Order) (protection.Outcome, error)
}

// BalanceSink receives each committed balance snapshot.
type BalanceSink interface {
	Update(balances []db.Balance, asOf time.Time)
}

// Observer receives per-cycle metrics.
type Observer interface {
	ObserveCycle(d time.Duration, err error, updated, filled, cancelled int)
}

// Config tunes the service.
type Config struct {
	Interval        time.Duration
	HistoryLookback time.Duration
	ProtectWindow   time.Duration
	MarkerTTL       time.Duration
	SweepBackoff    time.Duration
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.HistoryLookback <= 0 {
		c.HistoryLookback = 24 * time.Hour
	}
	if c.ProtectWindow <= 0 {
		c.ProtectWindow = time.Hour
	}
	if c.MarkerTTL <= 0 {
		c.MarkerTTL = 10 * time.Minute
	}
	if c.SweepBackoff <= 0 {
		c.SweepBackoff = time.Minute
	}
}

// Report summarises one cycle.
type Report struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Balances   int           `json:"balances"`
	Zeroed     int           `json:"zeroed"`
	Updated    int           `json:"updated"`
	Filled     int           `json:"filled"`
	Partial    int           `json:"partial_fills"`
	Cancelled  int           `json:"cancelled"`
	Held       int           `json:"held"`
	Protected  int           `json:"protected"`
	OCOHandled int           `json:"oco_handled"`
	Errors     []string      `json:"errors,omitempty"`
}

// Service periodically mirrors exchange state into storage.
type Service struct {
	exchange  Exchange
	database  *db.Database
	protector Protector
	oco       FillHandler
	balances  BalanceSink
	bus       *events.Bus
	observer  Observer
	markers   *Markers
	cfg       Config

	mu      sync.Mutex // held for a whole cycle
	backoff map[string]time.Time
	now     func() time.Time

	lastMu sync.RWMutex
	last   *Report

	log *logrus.Entry
}

// NewService creates a reconciliation service. protector, oco, balances and
// bus may be nil.
func NewService(exchange Exchange, database *db.Database, protector Protector, oco FillHandler, balances BalanceSink, bus *events.Bus, cfg Config) *Service {
	cfg.defaults()
	return &Service{
		exchange:  exchange,
		database:  database,
		protector: protector,
		oco:       oco,
		balances:  balances,
		bus:       bus,
		markers:   NewMarkers(cfg.MarkerTTL),
		cfg:       cfg,
		backoff:   make(map[string]time.Time),
		now:       time.Now,
		log:       logrus.WithField("component", "reconciliation"),
	}
}

// SetObserver installs a metrics hook.
func (s *Service) SetObserver(o Observer) { s.observer = o }

// Interval is the configured cycle interval.
func (s *Service) Interval() time.Duration { return s.cfg.Interval }

// LastReport returns the most recent cycle report, nil before the first one.
func (s *Service) LastReport() *Report {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.last
}

// Start restores persisted markers, runs a first cycle and then one cycle
// per interval until ctx ends. Ticks that arrive while a cycle is running
// are dropped by the ticker, so an overrunning cycle only delays the next.
func (s *Service) Start(ctx context.Context) {
	if n, err := s.markers.Load(ctx, s.database); err != nil {
		s.log.WithError(err).Warn("load processed markers failed")
	} else if n > 0 {
		s.log.WithField("markers", n).Info("processed markers restored")
	}

	go func() {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			if _, err := s.RunCycle(ctx); err != nil && ctx.Err() == nil {
				s.log.WithError(err).Warn("reconciliation cycle failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	s.log.WithField("interval", s.cfg.Interval).Info("reconciliation service started")
}

// snapshot is everything fetched from the exchange for one cycle.
type snapshot struct {
	at       time.Time
	balances []common.AssetBalance
	open     []common.ExchangeOrder
	history  []common.ExchangeOrder

	balErr, openErr, trigErr, histErr error
}

// plan is the set of writes computed from one snapshot.
type plan struct {
	balances []db.Balance
	zeroed   int
	upserts  []db.Order
	updated  []events.OrderEvent
	statuses map[string]common.OrderStatus
	previous map[string]db.Order
	fills    []string
	partials []string
	marks    map[string]time.Time
	held     int
}

// RunCycle executes one reconciliation pass. Cycles never overlap.
func (s *Service) RunCycle(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.now()
	report := &Report{StartedAt: start}
	err := s.cycle(ctx, report)
	report.Duration = s.now().Sub(start)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
	}

	s.lastMu.Lock()
	s.last = report
	s.lastMu.Unlock()

	ev := events.CycleEvent{
		StartedAt: start, Duration: report.Duration,
		Updated: report.Updated, Filled: report.Filled, Cancelled: report.Cancelled,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(events.EventReconcileCycle, ev)
	if s.observer != nil {
		s.observer.ObserveCycle(report.Duration, err, report.Updated, report.Filled, report.Cancelled)
	}

	fields := logrus.Fields{
		"duration": report.Duration, "updated": report.Updated, "filled": report.Filled, "partial": report.Partial,
		"cancelled": report.Cancelled, "held": report.Held, "zeroed": report.Zeroed,
	}
	if report.Updated+report.Filled+report.Partial+report.Cancelled+report.Zeroed > 0 {
		s.log.WithFields(fields).Info("reconciliation applied changes")
	} else {
		s.log.WithFields(fields).Debug("reconciliation cycle clean")
	}
	return report, err
}

func (s *Service) cycle(ctx context.Context, report *Report) error {
	snap := s.fetch(ctx, report.StartedAt)
	fetchErr := errors.Join(snap.balErr, snap.openErr, snap.trigErr, snap.histErr)
	if snap.balErr != nil && snap.openErr != nil && snap.trigErr != nil && snap.histErr != nil {
		return fmt.Errorf("fetch exchange state: %w", fetchErr)
	}

	p, err := s.compute(ctx, snap)
	if err != nil {
		return errors.Join(fetchErr, err)
	}

	changed := make(map[string]common.OrderStatus)
	err = s.database.WithTx(ctx, func(q *db.Queries) error {
		for _, b := range p.balances {
			if err := q.UpsertBalance(ctx, b); err != nil {
				return err
			}
		}
		for _, o := range p.upserts {
			if err := q.UpsertOrder(ctx, o); err != nil {
				return err
			}
		}
		for id, status := range p.statuses {
			ok, err := q.SetOrderStatus(ctx, id, status)
			if err != nil {
				return err
			}
			if ok {
				changed[id] = status
			}
		}
		return nil
	})
	if err != nil {
		// Nothing is marked, so every fill in this snapshot is retried next cycle.
		return errors.Join(fetchErr, fmt.Errorf("commit cycle: %w", err))
	}

	if len(p.marks) > 0 {
		if err := s.database.SaveProcessedMarkers(ctx, p.marks); err != nil {
			s.log.WithError(err).Warn("persist processed markers failed")
		}
		s.markers.Add(p.marks)
	}
	if _, err := s.database.PurgeProcessedMarkers(ctx, s.markers.Purge()); err != nil {
		s.log.WithError(err).Debug("purge processed markers failed")
	}

	report.Balances = len(p.balances) - p.zeroed
	report.Zeroed = p.zeroed
	report.Updated = len(p.updated)
	report.Filled = len(p.fills)
	report.Partial = len(p.partials)
	report.Held = p.held
	if snap.balErr == nil {
		s.publishBalances(ctx, snap.at)
	}
	for _, ev := range p.updated {
		s.bus.Publish(events.EventOrderUpdated, ev)
	}
	for id, status := range changed {
		prev := p.previous[id]
		ev := orderEvent(prev, status, snap.at)
		ev.PreviousStatus = string(prev.Status)
		if status == common.StatusCancelled {
			report.Cancelled++
			s.bus.Publish(events.EventOrderCancelled, ev)
		} else {
			s.bus.Publish(events.EventOrderUpdated, ev)
		}
	}

	s.afterCommit(ctx, p.fills, p.partials, report)
	return fetchErr
}

func (s *Service) fetch(ctx context.Context, at time.Time) snapshot {
	snap := snapshot{at: at}
	snap.balances, snap.balErr = s.exchange.GetAccountSummary(ctx)
	open, openErr := s.exchange.GetOpenOrders(ctx)
	trig, trigErr := s.exchange.GetTriggerOrders(ctx)
	snap.openErr, snap.trigErr = openErr, trigErr
	snap.open = append(open, trig...)
	snap.history, snap.histErr = s.exchange.GetOrderHistory(ctx,
		at.Add(-s.cfg.HistoryLookback).UnixMilli(), at.UnixMilli())
	return snap
}

func (s *Service) compute(ctx context.Context, snap snapshot) (*plan, error) {
	p := &plan{
		statuses: make(map[string]common.OrderStatus),
		previous: make(map[string]db.Order),
		marks:    make(map[string]time.Time),
	}

	if snap.balErr == nil {
		if err := s.computeBalances(ctx, snap, p); err != nil {
			return nil, err
		}
	}

	localOpen, err := s.database.ListOrders(ctx, db.OrderFilter{Statuses: common.OpenStatuses})
	if err != nil {
		return nil, fmt.Errorf("load open orders: %w", err)
	}
	local := make(map[string]db.Order, len(localOpen))
	for _, o := range localOpen {
		local[o.ExchangeOrderID] = o
	}
	lookup := func(id string) (*db.Order, error) {
		if o, ok := local[id]; ok {
			return &o, nil
		}
		o, err := s.database.GetOrder(ctx, id)
		if errors.Is(err, db.ErrNotFound) {
			return nil, nil
		}
		return o, err
	}

	live := make(map[string]bool, len(snap.open))
	if snap.openErr == nil || snap.trigErr == nil {
		for _, e := range snap.open {
			live[e.ExchangeOrderID] = true
			prev, err := lookup(e.ExchangeOrderID)
			if err != nil {
				return nil, err
			}
			if prev != nil && !orderChanged(*prev, e) {
				continue
			}
			row := toRow(e, prev)
			p.upserts = append(p.upserts, row)
			ev := orderEvent(row, row.Status, snap.at)
			if prev != nil {
				ev.PreviousStatus = string(prev.Status)
			}
			p.updated = append(p.updated, ev)
		}
	}

	history := make(map[string]common.ExchangeOrder, len(snap.history))
	if snap.histErr == nil {
		for _, e := range snap.history {
			history[e.ExchangeOrderID] = e
			if !e.Executed() || s.markers.Seen(e.ExchangeOrderID) {
				continue
			}
			filled := e.Status == common.StatusFilled
			if !filled && e.Status != common.StatusCancelled && e.Status != common.StatusExpired {
				continue
			}
			prev, err := lookup(e.ExchangeOrderID)
			if err != nil {
				return nil, err
			}
			if filled {
				if prev != nil && prev.Status == common.StatusFilled {
					continue
				}
				p.upserts = append(p.upserts, toRow(e, prev))
				p.fills = append(p.fills, e.ExchangeOrderID)
				p.marks[e.ExchangeOrderID] = snap.at
				continue
			}
			if row, ok := executedRemainder(e, prev); ok {
				p.upserts = append(p.upserts, row)
				if prev != nil && prev.Status.Open() {
					p.statuses[e.ExchangeOrderID] = e.Status
					p.previous[e.ExchangeOrderID] = *prev
				}
				p.partials = append(p.partials, e.ExchangeOrderID)
				p.marks[e.ExchangeOrderID] = snap.at
			}
		}
	}

	// An order missing from the live lists is only resolved when every list
	// that could contain it was fetched, including history.
	if snap.openErr != nil || snap.trigErr != nil || snap.histErr != nil {
		return p, nil
	}
	for id, o := range local {
		if live[id] || !o.CreatedAt.Before(snap.at) {
			continue
		}
		if h, ok := history[id]; ok {
			if h.Status == common.StatusFilled {
				continue
			}
			if h.Status.Terminal() {
				p.statuses[id] = h.Status
				p.previous[id] = o
				continue
			}
		}
		if o.OrderType == common.OrderTypeMarket {
			p.held++
			s.log.WithField("order_id", id).Debug("market order absent, holding until history confirms")
			continue
		}
		p.statuses[id] = common.StatusCancelled
		p.previous[id] = o
	}
	return p, nil
}

func (s *Service) computeBalances(ctx context.Context, snap snapshot, p *plan) error {
	stored, err := s.database.ListBalances(ctx)
	if err != nil {
		return fmt.Errorf("load balances: %w", err)
	}
	present := make(map[string]bool, len(snap.balances))
	for _, b := range snap.balances {
		asset := strings.ToUpper(b.Asset)
		if b.Total.IsZero() && b.Free.IsZero() && b.Locked.IsZero() {
			continue
		}
		present[asset] = true
		p.balances = append(p.balances, db.Balance{
			Asset: asset, Free: b.Free, Locked: b.Locked, Total: b.Total, UpdatedAt: snap.at,
		})
	}
	for _, b := range stored {
		if present[b.Asset] {
			continue
		}
		if b.Total.IsZero() && b.Free.IsZero() && b.Locked.IsZero() {
			continue
		}
		p.balances = append(p.balances, db.Balance{
			Asset: b.Asset, Free: decimal.Zero, Locked: decimal.Zero, Total: decimal.Zero, UpdatedAt: snap.at,
		})
		p.zeroed++
	}
	return nil
}

func (s *Service) publishBalances(ctx context.Context, at time.Time) {
	rows, err := s.database.ListBalances(ctx)
	if err != nil {
		s.log.WithError(err).Warn("reload balances failed")
		return
	}
	live := rows[:0]
	for _, b := range rows {
		if !b.Total.IsZero() || !b.Free.IsZero() || !b.Locked.IsZero() {
			live = append(live, b)
		}
	}
	if s.balances != nil {
		s.balances.Update(live, at)
	}
	s.bus.Publish(events.EventBalanceUpdated, live)
}

// executedRemainder builds the row for an entry that executed in part and
// then closed without filling. The local status is kept so the terminal
// status goes through the regular status transition. ok is false for
// non-entries and for closes already recorded with the same quantity.
func executedRemainder(e common.ExchangeOrder, prev *db.Order) (db.Order, bool) {
	row := toRow(e, prev)
	if row.Role != common.RoleEntry || !row.OrderType.IsEntry() {
		return row, false
	}
	if prev == nil {
		return row, true
	}
	if prev.Status.Terminal() && prev.CumulativeQuantity.Equal(e.CumulativeQuantity) {
		return row, false
	}
	if prev.Status.Open() {
		row.Status = prev.Status
	}
	return row, true
}

// afterCommit runs the coordinators against committed rows.
func (s *Service) afterCommit(ctx context.Context, fills, partials []string, report *Report) {
	protected := make(map[string]bool)
	for _, id := range partials {
		row, err := s.database.GetOrder(ctx, id)
		if err != nil {
			s.log.WithError(err).WithField("order_id", id).Warn("reload partially executed order failed")
			continue
		}
		log := s.log.WithFields(logrus.Fields{"order_id": id, "status": row.Status, "executed": row.CumulativeQuantity})
		if !s.recent(*row) {
			log.Info("partially executed entry closed outside protection window, recorded only")
			continue
		}
		log.Info("entry closed after partial execution, protecting executed quantity")
		protected[id] = true
		if s.protect(ctx, *row) {
			report.Protected++
		}
	}
	for _, id := range fills {
		row, err := s.database.GetOrder(ctx, id)
		if err != nil {
			s.log.WithError(err).WithField("order_id", id).Warn("reload filled order failed")
			continue
		}
		if row.Status != common.StatusFilled {
			s.log.WithFields(logrus.Fields{"order_id": id, "status": row.Status}).Warn("history reports fill for order already closed locally")
			continue
		}
		s.bus.Publish(events.EventOrderFilled, orderEvent(*row, row.Status, s.now()))

		switch {
		case row.Role.IsProtective():
			if s.oco == nil {
				continue
			}
			if _, err := s.oco.HandleFill(ctx, *row); err != nil {
				s.log.WithError(err).WithField("order_id", id).Error("oco handling failed")
				continue
			}
			report.OCOHandled++
		case s.recent(*row):
			protected[id] = true
			if s.protect(ctx, *row) {
				report.Protected++
			}
		default:
			s.log.WithField("order_id", id).Info("entry fill outside protection window, recorded only")
		}
	}
	s.sweep(ctx, protected, report)
}

// sweep retries protection for recent entry executions that are still
// missing a leg, including entries closed after a partial execution.
func (s *Service) sweep(ctx context.Context, skip map[string]bool, report *Report) {
	if s.protector == nil {
		return
	}
	now := s.now()
	entries, err := s.database.ListOrders(ctx, db.OrderFilter{
		Roles:       []common.OrderRole{common.RoleEntry},
		Statuses:    []common.OrderStatus{common.StatusFilled, common.StatusCancelled, common.StatusExpired},
		UpdatedFrom: now.Add(-s.cfg.ProtectWindow),
	})
	if err != nil {
		s.log.WithError(err).Warn("protection sweep query failed")
		return
	}
	for id, until := range s.backoff {
		if now.After(until) {
			delete(s.backoff, id)
		}
	}
	for _, e := range entries {
		if skip[e.ExchangeOrderID] || !s.backoff[e.ExchangeOrderID].IsZero() || !protection.Protectable(e) {
			continue
		}
		if s.protect(ctx, e) {
			report.Protected++
		}
	}
}

// protect reports whether a new leg was placed. Failures back off the parent.
func (s *Service) protect(ctx context.Context, entry db.Order) bool {
	if s.protector == nil {
		return false
	}
	res, err := s.protector.EnsureSLTP(ctx, entry)
	if err != nil || res.Retry() {
		s.backoff[entry.ExchangeOrderID] = s.now().Add(s.cfg.SweepBackoff)
		if err != nil {
			s.log.WithError(err).WithField("parent", entry.ExchangeOrderID).Warn("protection failed")
		}
	}
	return res.StopLoss.Outcome == protection.LegPlaced || res.TakeProfit.Outcome == protection.LegPlaced
}

func (s *Service) recent(o db.Order) bool {
	if !o.OrderType.IsEntry() {
		return false
	}
	at := o.UpdatedAt
	if at.IsZero() {
		at = o.CreatedAt
	}
	return s.now().Sub(at) <= s.cfg.ProtectWindow
}

func orderChanged(prev db.Order, e common.ExchangeOrder) bool {
	return prev.Status != e.Status && common.CanTransition(prev.Status, e.Status) ||
		!prev.CumulativeQuantity.Equal(e.CumulativeQuantity) ||
		!prev.AvgPrice.Equal(e.AvgPrice)
}

// toRow merges an exchange view with the local row, keeping local ownership.
func toRow(e common.ExchangeOrder, prev *db.Order) db.Order {
	row := db.Order{
		ExchangeOrderID:    e.ExchangeOrderID,
		ClientOrderID:      e.ClientOrderID,
		Symbol:             e.Symbol,
		Side:               e.Side,
		OrderType:          e.Type,
		Status:             e.Status,
		Price:              e.Price,
		TriggerPrice:       e.TriggerPrice,
		Quantity:           e.Quantity,
		CumulativeQuantity: e.CumulativeQuantity,
		AvgPrice:           e.AvgPrice,
		Role:               common.RoleForType(e.Type),
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
	}
	if prev != nil {
		row.Role = prev.Role
		row.ParentOrderID = prev.ParentOrderID
		row.OCOGroupID = prev.OCOGroupID
		if row.ClientOrderID == "" {
			row.ClientOrderID = prev.ClientOrderID
		}
	}
	return row
}

func orderEvent(o db.Order, status common.OrderStatus, at time.Time) events.OrderEvent {
	return events.OrderEvent{
		ExchangeOrderID: o.ExchangeOrderID,
		Symbol:          o.Symbol,
		Side:            string(o.Side),
		Type:            string(o.OrderType),
		Role:            string(o.Role),
		Status:          string(status),
		Quantity:        o.Quantity,
		Price:           o.Price,
		At:              at,
	}
}
