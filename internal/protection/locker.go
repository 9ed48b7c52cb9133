package protection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrLockTimeout is returned when a key stays held past the acquire timeout.
var ErrLockTimeout = errors.New("lock acquire timeout")

type lease struct {
	token    uint64
	acquired time.Time
	done     chan struct{}
}

// Locker hands out per-key exclusive leases. A lease older than the stale
// TTL may be taken over by the next caller.
type Locker struct {
	mu    sync.Mutex
	held  map[string]*lease
	next  uint64
	stale time.Duration
	now   func() time.Time
	log   *logrus.Entry
}

// NewLocker creates a locker; staleTTL defaults to 30s.
func NewLocker(staleTTL time.Duration) *Locker {
	if staleTTL <= 0 {
		staleTTL = 30 * time.Second
	}
	return &Locker{
		held:  make(map[string]*lease),
		stale: staleTTL,
		now:   time.Now,
		log:   logrus.WithField("component", "locker"),
	}
}

// Acquire blocks until key is free, timeout elapses or ctx ends. The returned
// release func is safe to call more than once and never frees a lease that
// was since taken over.
func (l *Locker) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		l.mu.Lock()
		cur, busy := l.held[key]
		if busy && l.now().Sub(cur.acquired) >= l.stale {
			l.log.WithFields(logrus.Fields{"key": key, "held_for": l.now().Sub(cur.acquired)}).Warn("taking over stale lock")
			l.drop(key, cur)
			busy = false
		}
		if !busy {
			l.next++
			ls := &lease{token: l.next, acquired: l.now(), done: make(chan struct{})}
			l.held[key] = ls
			l.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					defer l.mu.Unlock()
					if l.held[key] == ls {
						l.drop(key, ls)
					}
				})
			}, nil
		}
		wait := cur.done
		staleIn := cur.acquired.Add(l.stale).Sub(l.now())
		l.mu.Unlock()

		staleTimer := time.NewTimer(staleIn)
		select {
		case <-wait:
		case <-staleTimer.C:
		case <-timer.C:
			staleTimer.Stop()
			return nil, fmt.Errorf("%w: %s after %s", ErrLockTimeout, key, timeout)
		case <-ctx.Done():
			staleTimer.Stop()
			return nil, ctx.Err()
		}
		staleTimer.Stop()
	}
}

// drop must be called with mu held.
func (l *Locker) drop(key string, ls *lease) {
	delete(l.held, key)
	select {
	case <-ls.done:
	default:
		close(ls.done)
	}
}

// Held reports how many keys are currently locked.
func (l *Locker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
