// Package order holds the dark pool data model shared by the matcher, the
// settlement applier and the escrow ledger.
package order

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Side is the direction of an order. Bids pay quote to receive base, asks
// pay base to receive quote.
type Side uint8

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == Bid || s == Ask }

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

// ParseSide accepts "bid"/"buy" and "ask"/"sell" (case-sensitive lower).
func ParseSide(s string) (Side, error) {
	switch s {
	case "bid", "buy":
		return Bid, nil
	case "ask", "sell":
		return Ask, nil
	}
	return 0, fmt.Errorf("unknown side %q", s)
}

// Status represents the lifecycle state of an order
type Status uint8

const (
	Open Status = iota
	PartiallyFilled
	Filled
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case PartiallyFilled:
		return "partially_filled"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s <= Cancelled }

// StatusAfterFill derives the status of a non-cancelled order from its
// cumulative fill.
func StatusAfterFill(filled, amount uint64) Status {
	if filled == amount {
		return Filled
	}
	return PartiallyFilled
}

// Order is the persistent record of a committed order.
type Order struct {
	Index  uint32         `json:"index"` // venue-wide, assigned at placement
	Market string         `json:"market"`
	Owner  common.Address `json:"owner"`
	Side   Side           `json:"side"`

	AmountIn       uint64 `json:"amountIn"`       // committed input quantity
	FilledAmountIn uint64 `json:"filledAmountIn"` // cumulative matched input
	MinAmountOut   uint64 `json:"minAmountOut"`   // minimum acceptable counter-quantity

	CreatedAt int64  `json:"createdAt"` // unix seconds
	Status    Status `json:"status"`
	Nonce     uint64 `json:"nonce"`
}

// Remaining returns unfilled input quantity, never below zero.
func (o *Order) Remaining() uint64 {
	if o.FilledAmountIn >= o.AmountIn {
		return 0
	}
	return o.AmountIn - o.FilledAmountIn
}

// IsClosed returns true if the order can no longer trade.
func (o *Order) IsClosed() bool {
	return o.Status == Filled || o.Status == Cancelled
}

// Fill is one matched trade between a bid (Order) and an ask (Counterparty).
// Under 1:1 pricing AmountIn always equals AmountOut.
type Fill struct {
	OrderIndex        uint32 `json:"orderIndex"`
	CounterpartyIndex uint32 `json:"counterpartyIndex"`
	AmountIn          uint64 `json:"amountIn"`
	AmountOut         uint64 `json:"amountOut"`
}

// Batch is the ordered output of one matching pass. Emission order is FIFO
// priority and must be preserved through settlement.
type Batch []Fill

// Snapshot is the full order set of one market in enumeration order.
type Snapshot struct {
	Market string
	Orders []Order
}

// Validate rejects malformed snapshots before any matching happens.
func (s Snapshot) Validate() error {
	seen := make(map[uint32]struct{}, len(s.Orders))
	for i := range s.Orders {
		o := &s.Orders[i]
		if o.Market != s.Market {
			return &ValidationError{Index: o.Index, Reason: fmt.Sprintf("order belongs to market %q, snapshot is %q", o.Market, s.Market)}
		}
		if _, dup := seen[o.Index]; dup {
			return &ValidationError{Index: o.Index, Reason: "duplicate order index"}
		}
		seen[o.Index] = struct{}{}
		if !o.Side.Valid() {
			return &ValidationError{Index: o.Index, Reason: fmt.Sprintf("unknown side %d", o.Side)}
		}
		if !o.Status.Valid() {
			return &ValidationError{Index: o.Index, Reason: fmt.Sprintf("unknown status %d", o.Status)}
		}
	}
	return nil
}
