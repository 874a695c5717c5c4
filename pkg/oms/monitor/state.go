package monitor

import (
	"fmt"

	"github.com/cw07/omsflow/pkg/oms/model"
)

// TransitionError reports an illegal state change attempt.
type TransitionError struct {
	From model.OrderStatus
	To   model.OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// allowedTransitions is the order lifecycle. Terminal states have no
// outgoing edges; FAILED captures terminal poll failures where the broker
// disowns the order.
var allowedTransitions = map[model.OrderStatus][]model.OrderStatus{
	model.OrderStatusNew: {
		model.OrderStatusValidated,
		model.OrderStatusRejected,
	},
	model.OrderStatusValidated: {
		model.OrderStatusSubmitted,
		model.OrderStatusRejected,
		model.OrderStatusDeadLetter,
	},
	model.OrderStatusSubmitted: {
		model.OrderStatusPartiallyFilled,
		model.OrderStatusFilled,
		model.OrderStatusCancelled,
		model.OrderStatusRejected,
		model.OrderStatusFailed,
		model.OrderStatusDeadLetter,
	},
	model.OrderStatusPartiallyFilled: {
		model.OrderStatusFilled,
		model.OrderStatusCancelled,
		model.OrderStatusFailed,
		model.OrderStatusDeadLetter,
	},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to model.OrderStatus) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Apply moves the order to the target status under the order's lock. A
// same-status apply is a no-op; a move out of a terminal state, or any edge
// not in the table, is refused so terminal states stay immutable.
func Apply(o *model.Order, to model.OrderStatus) error {
	from, ok := o.TryTransition(to, CanTransition)
	if !ok {
		return &TransitionError{From: from, To: to}
	}
	return nil
}
