package common

import (
	"net/http"
	"sync"
	"time"
)

// NonceSource hands out millisecond nonces that never repeat or go
// backwards, even when two requests are signed in the same millisecond or
// the wall clock steps back.
type NonceSource struct {
	mu     sync.Mutex
	last   int64
	offset int64
	now    func() time.Time
}

// NewNonceSource uses the wall clock.
func NewNonceSource() *NonceSource {
	return &NonceSource{now: time.Now}
}

// SetOffset applies a server-minus-local offset in milliseconds.
func (n *NonceSource) SetOffset(ms int64) {
	n.mu.Lock()
	n.offset = ms
	n.mu.Unlock()
}

// Next returns the next nonce.
func (n *NonceSource) Next() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	v := n.now().UnixMilli() + n.offset
	if v <= n.last {
		v = n.last + 1
	}
	n.last = v
	return v
}

// OffsetFromDate derives a server-minus-local offset in milliseconds from an
// HTTP Date header received at local. ok is false for a missing or
// malformed header.
func OffsetFromDate(header string, local time.Time) (int64, bool) {
	if header == "" {
		return 0, false
	}
	at, err := http.ParseTime(header)
	if err != nil {
		return 0, false
	}
	return at.Sub(local).Milliseconds(), true
}
