package common

import "strings"

// OrderStatus is the local order state.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusActive          OrderStatus = "ACTIVE"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// OpenStatuses are the states in which an order can still trade.
var OpenStatuses = []OrderStatus{StatusNew, StatusActive, StatusPartiallyFilled}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Open reports whether the order may still trade.
func (s OrderStatus) Open() bool {
	return s == StatusNew || s == StatusActive || s == StatusPartiallyFilled
}

func (s OrderStatus) rank() int {
	switch s {
	case StatusNew:
		return 0
	case StatusActive:
		return 1
	case StatusPartiallyFilled:
		return 2
	}
	return 3
}

// CanTransition reports whether moving from -> to changes anything. Terminal
// states absorb, repeating a state is a no-op, and open states never move
// backwards.
func CanTransition(from, to OrderStatus) bool {
	if from == to || from.Terminal() {
		return false
	}
	if from == "" {
		return true
	}
	return to.rank() > from.rank() || to.Terminal()
}

// MapStatus normalizes a venue status string. executed is whether the order
// has any cumulative fill, which upgrades an open order to PARTIALLY_FILLED.
func MapStatus(raw string, executed bool) (OrderStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "NEW", "PENDING", "ACTIVE", "OPEN", "UNTRIGGERED":
		if executed {
			return StatusPartiallyFilled, true
		}
		return StatusActive, true
	case "PARTIALLY_FILLED", "PARTIAL":
		return StatusPartiallyFilled, true
	case "FILLED":
		return StatusFilled, true
	case "CANCELED", "CANCELLED":
		return StatusCancelled, true
	case "REJECTED":
		return StatusRejected, true
	case "EXPIRED":
		return StatusExpired, true
	}
	return "", false
}
