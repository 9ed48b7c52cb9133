package balance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"trading-guard/pkg/db"
	"trading-guard/pkg/exchanges/common"
)

// Store lists persisted balances.
type Store interface {
	ListBalances(ctx context.Context) ([]db.Balance, error)
}

// Snapshot is a point-in-time copy of the cache. Stale is set once the data
// is older than the configured threshold; callers must surface it.
type Snapshot struct {
	Balances []db.Balance `json:"balances"`
	AsOf     time.Time    `json:"as_of"`
	Stale    bool         `json:"stale"`
}

// Manager caches the balances committed by the last reconciliation cycle.
type Manager struct {
	mu         sync.RWMutex
	balances   map[string]db.Balance
	asOf       time.Time
	staleAfter time.Duration
	now        func() time.Time
	log        *logrus.Entry
}

// NewManager creates an empty cache. Reads report stale after staleAfter.
func NewManager(staleAfter time.Duration) *Manager {
	if staleAfter <= 0 {
		staleAfter = 15 * time.Second
	}
	return &Manager{
		balances:   make(map[string]db.Balance),
		staleAfter: staleAfter,
		now:        time.Now,
		log:        logrus.WithField("component", "balance"),
	}
}

// Seed loads the persisted balances so reads work before the first cycle.
// The oldest row timestamp becomes the snapshot time.
func (m *Manager) Seed(ctx context.Context, store Store) error {
	rows, err := store.ListBalances(ctx)
	if err != nil {
		return fmt.Errorf("seed balances: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}
	asOf := rows[0].UpdatedAt
	for _, b := range rows[1:] {
		if b.UpdatedAt.Before(asOf) {
			asOf = b.UpdatedAt
		}
	}
	m.Update(rows, asOf)
	m.log.WithFields(logrus.Fields{"assets": len(rows), "as_of": asOf}).Info("balances seeded from storage")
	return nil
}

// Update replaces the cached snapshot.
func (m *Manager) Update(balances []db.Balance, asOf time.Time) {
	next := make(map[string]db.Balance, len(balances))
	for _, b := range balances {
		b.Asset = strings.ToUpper(b.Asset)
		next[b.Asset] = b
	}
	m.mu.Lock()
	m.balances, m.asOf = next, asOf
	m.mu.Unlock()
}

// Snapshot returns every cached asset sorted by name.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := Snapshot{AsOf: m.asOf, Stale: m.staleLocked()}
	out.Balances = make([]db.Balance, 0, len(m.balances))
	for _, b := range m.balances {
		out.Balances = append(out.Balances, b)
	}
	sort.Slice(out.Balances, func(i, j int) bool { return out.Balances[i].Asset < out.Balances[j].Asset })
	return out
}

// Available returns the free amount of asset. An unsynced cache is an error,
// never a zero.
func (m *Manager) Available(asset string) (free decimal.Decimal, stale bool, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.asOf.IsZero() {
		return decimal.Zero, true, fmt.Errorf("balances not synced yet: %w", common.ErrDataIntegrity)
	}
	b, ok := m.balances[strings.ToUpper(asset)]
	if !ok {
		return decimal.Zero, m.staleLocked(), nil
	}
	return b.Free, m.staleLocked(), nil
}

func (m *Manager) staleLocked() bool {
	return m.asOf.IsZero() || m.now().Sub(m.asOf) > m.staleAfter
}
