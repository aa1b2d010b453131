// internal/domain/order/transitions.go
package order

// validTransitions is the order state machine. Statuses missing from the
// table (completed, cancelled) are terminal.
var validTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {
		OrderStatusConfirmed,
		OrderStatusCancelled,
	},
	OrderStatusConfirmed: {
		OrderStatusProcessing,
		OrderStatusCancelled,
	},
	OrderStatusProcessing: {
		OrderStatusReady,
		OrderStatusCancelled,
	},
	OrderStatusReady: {
		OrderStatusCompleted,
		OrderStatusCancelled,
	},
}

// restocksOnCancel lists the statuses whose cancellation returns stock to the shelf
var restocksOnCancel = map[OrderStatus]bool{
	OrderStatusPending:    true,
	OrderStatusConfirmed:  true,
	OrderStatusProcessing: true,
}

// CanTransition reports whether from -> to is an edge of the state machine
func CanTransition(from, to OrderStatus) bool {
	for _, status := range validTransitions[from] {
		if status == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the statuses reachable from the given one
func AllowedTransitions(from OrderStatus) []OrderStatus {
	allowed := validTransitions[from]
	out := make([]OrderStatus, len(allowed))
	copy(out, allowed)
	return out
}

// RestoresStock reports whether moving from -> to must return reserved stock
func RestoresStock(from, to OrderStatus) bool {
	return to == OrderStatusCancelled && restocksOnCancel[from]
}
