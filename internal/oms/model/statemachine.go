package model

// legalTransitions is the canonical order lifecycle: forward only, terminal
// states immutable. STALE is entered only from live states during
// reconciliation, and can still resolve to a terminal state once the broker's
// answer arrives.
var legalTransitions = map[string]map[string]bool{
	OrderStatusNew: {
		OrderStatusPendingSubmit: true,
		OrderStatusWorking:       true,
		OrderStatusRejected:      true,
		OrderStatusCanceled:      true,
		OrderStatusStale:         true,
	},
	OrderStatusPendingSubmit: {
		OrderStatusWorking:         true,
		OrderStatusPartiallyFilled: true,
		OrderStatusFilled:          true,
		OrderStatusRejected:        true,
		OrderStatusCanceled:        true,
		OrderStatusExpired:         true,
		OrderStatusStale:           true,
	},
	OrderStatusWorking: {
		OrderStatusPartiallyFilled: true,
		OrderStatusFilled:          true,
		OrderStatusCanceled:        true,
		OrderStatusRejected:        true,
		OrderStatusExpired:         true,
		OrderStatusStale:           true,
	},
	OrderStatusPartiallyFilled: {
		OrderStatusFilled:   true,
		OrderStatusCanceled: true,
		OrderStatusExpired:  true,
		OrderStatusStale:    true,
	},
	OrderStatusStale: {
		OrderStatusWorking:         true,
		OrderStatusPartiallyFilled: true,
		OrderStatusFilled:          true,
		OrderStatusCanceled:        true,
		OrderStatusRejected:        true,
		OrderStatusExpired:         true,
	},
	// Terminal states admit nothing.
	OrderStatusFilled:   {},
	OrderStatusCanceled: {},
	OrderStatusRejected: {},
	OrderStatusExpired:  {},
}

// TerminalStatus reports whether a status admits no further transitions.
func TerminalStatus(status string) bool {
	switch status {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether moving from one status to another is legal.
// Same-status updates are allowed so repeated broker status reports are not
// treated as violations.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	allowed, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}
