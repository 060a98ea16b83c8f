package settlement

import (
	"fmt"

	"github.com/uhyunpark/darkpool/pkg/app/core/order"
)

// Reason names why a fill was rejected.
type Reason string

const (
	OrderNotFound         Reason = "order_not_found"
	MarketMismatch        Reason = "market_mismatch"
	OrderCancelled        Reason = "order_cancelled"
	SameSideOrders        Reason = "same_side_orders"
	Overflow              Reason = "overflow"
	InsufficientRemaining Reason = "insufficient_remaining"
)

// Reasons lists every rejection reason, used to pre-register metric labels.
var Reasons = []Reason{OrderNotFound, MarketMismatch, OrderCancelled, SameSideOrders, Overflow, InsufficientRemaining}

// RejectedError reports the first fill of a batch that failed validation.
// Fills before Position were applied and stay applied; nothing at or after
// Position was.
type RejectedError struct {
	Position int
	Fill     order.Fill
	Reason   Reason
	Detail   string
}

func (e *RejectedError) Error() string {
	msg := fmt.Sprintf("fill %d (%d x %d) rejected: %s", e.Position, e.Fill.OrderIndex, e.Fill.CounterpartyIndex, e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}
