package entity

// AllowedTransitions is the order lifecycle. The only backwards edge is
// waiting_buyer_approval -> searching_supplier (buyer rejects the offer).
var AllowedTransitions = map[Status][]Status{
	StatusSearchingSupplier: {
		StatusWaitingBuyerApproval,
		StatusWaitingPayment,
		StatusNegotiatingCourier,
		StatusFailedNoSupplier,
		StatusCancelledByBuyer,
	},
	StatusWaitingBuyerApproval: {
		StatusWaitingPayment,
		StatusNegotiatingCourier,
		StatusSearchingSupplier,
		StatusCancelledByBuyer,
	},
	StatusNegotiatingCourier: {
		StatusWaitingPayment,
		StatusStuckNoCourier,
		StatusCancelledByBuyer,
	},
	StatusStuckNoCourier: {
		StatusNegotiatingCourier,
		StatusCancelledByBuyer,
	},
	StatusWaitingPayment: {
		StatusPaidHeld,
		StatusCancelledByBuyer,
	},
	StatusPaidHeld:     {StatusShipping},
	StatusShipping:     {StatusDelivered, StatusCompleted, StatusDisputeCheck},
	StatusDelivered:    {StatusCompleted, StatusDisputeCheck},
	StatusDisputeCheck: {StatusRefunded, StatusCompleted},

	// terminal
	StatusCompleted:        {},
	StatusRefunded:         {},
	StatusCancelledByBuyer: {},
	StatusFailedNoSupplier: {},
}

var allowedTransitionSet = buildTransitionSet(AllowedTransitions)

func buildTransitionSet(transitions map[Status][]Status) map[Status]map[Status]struct{} {
	set := make(map[Status]map[Status]struct{}, len(transitions))
	for from, tos := range transitions {
		next := make(map[Status]struct{}, len(tos))
		for _, to := range tos {
			next[to] = struct{}{}
		}
		set[from] = next
	}
	return set
}

// CanTransition checks if moving an order from one status to another is legal.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitionSet[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Valid reports whether s belongs to the closed status set.
func (s Status) Valid() bool {
	_, ok := AllowedTransitions[s]
	return ok
}

// Terminal reports whether no further mutation is permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusCancelledByBuyer, StatusFailedNoSupplier:
		return true
	}
	return false
}

// PrePayment reports whether the buyer may still cancel.
func (s Status) PrePayment() bool {
	return CanTransition(s, StatusCancelledByBuyer)
}
