package reconciliation

import (
	"context"
	"sync"
	"time"

	"trading-guard/pkg/db"
)

// Markers remembers fills processed in the recent past so a fill reported
// by several consecutive history snapshots is handled once.
type Markers struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewMarkers creates an empty set; ttl defaults to 10 minutes.
func NewMarkers(ttl time.Duration) *Markers {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Markers{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

// Seen reports whether id was marked within the TTL.
func (m *Markers) Seen(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.seen[id]
	return ok && m.now().Sub(at) < m.ttl
}

// Add records marks. Callers add only after the matching writes committed.
func (m *Markers) Add(marks map[string]time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, at := range marks {
		m.seen[id] = at
	}
}

// Purge drops expired marks and returns the cutoff used.
func (m *Markers) Purge() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.ttl)
	for id, at := range m.seen {
		if at.Before(cutoff) {
			delete(m.seen, id)
		}
	}
	return cutoff
}

// Len returns the number of live marks.
func (m *Markers) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

// Load restores unexpired marks persisted by a previous process.
func (m *Markers) Load(ctx context.Context, database *db.Database) (int, error) {
	marks, err := database.LoadProcessedMarkers(ctx, m.now().Add(-m.ttl))
	if err != nil {
		return 0, err
	}
	m.Add(marks)
	return len(marks), nil
}
