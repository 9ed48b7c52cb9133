package risk

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"trading-guard/pkg/exchanges/common"
)

// ATRSource supplies the current ATR per symbol.
type ATRSource interface {
	ATR(ctx context.Context, symbol string) (decimal.Decimal, bool, error)
}

// Manager holds the active profile and turns entries into levels.
type Manager struct {
	mu      sync.RWMutex
	profile Profile
	path    string
	atr     ATRSource
	log     *logrus.Entry
}

// NewManager creates a manager. atr may be nil.
func NewManager(profile Profile, atr ATRSource) *Manager {
	return &Manager{
		profile: profile,
		atr:     atr,
		log:     logrus.WithField("component", "risk"),
	}
}

// LoadFile replaces the profile from a YAML file layered over base and
// remembers the path for Reload.
func (m *Manager) LoadFile(path string, base Profile) error {
	p, err := LoadProfile(path, base)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.profile, m.path = p, path
	m.mu.Unlock()
	m.log.WithFields(logrus.Fields{
		"path":      path,
		"stop_pct":  p.Default.StopLossPct,
		"take_pct":  p.Default.TakeProfitPct,
		"overrides": len(p.Symbols),
		"atr":       p.ATR.Enabled,
	}).Info("risk profile loaded")
	return nil
}

// Reload re-reads the last loaded file. The current profile stays active
// when the file is invalid.
func (m *Manager) Reload() error {
	m.mu.RLock()
	path, base := m.path, m.profile
	m.mu.RUnlock()
	if path == "" {
		return nil
	}
	base.Symbols = nil
	return m.LoadFile(path, base)
}

// Profile returns the active profile.
func (m *Manager) Profile() Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.profile
}

// Plan returns protective levels for an entry fill. An ATR lookup failure
// falls back to the percentage distances.
func (m *Manager) Plan(ctx context.Context, symbol string, entrySide common.Side, entryPrice decimal.Decimal) (Levels, error) {
	p := m.Profile()
	atr := decimal.Zero
	if p.ATR.Enabled && m.atr != nil {
		v, ok, err := m.atr.ATR(ctx, symbol)
		switch {
		case err != nil:
			m.log.WithError(err).WithField("symbol", symbol).Warn("ATR unavailable, using percentage levels")
		case ok:
			atr = v
		}
	}
	return ComputeLevels(p.For(symbol), p.ATR, entrySide, entryPrice, atr)
}
