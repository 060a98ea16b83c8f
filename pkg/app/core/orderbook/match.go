package orderbook

import (
	"fmt"

	"github.com/uhyunpark/darkpool/pkg/app/core/order"
)

// MatchSnapshot validates a snapshot and runs the greedy FIFO matcher over it.
func MatchSnapshot(snap order.Snapshot) (order.Batch, error) {
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return Match(NewBookView(snap.Orders))
}

// Match is the unconstrained reference matcher. It walks both sides with one
// cursor each at a fixed 1:1 ratio and stops as soon as either side is
// exhausted. A bid whose minimum output is not met by the current ask is
// skipped for the rest of the pass; the ask side minimum is never checked.
//
// Match never modifies the view.
func Match(v *BookView) (order.Batch, error) {
	remaining := v.cloneCapacity()
	fills := order.Batch{}

	bidIdx, askIdx := 0, 0
	for bidIdx < len(v.Bids) && askIdx < len(v.Asks) {
		bid := &v.Bids[bidIdx]
		ask := &v.Asks[askIdx]

		remainingBid, ok := remaining[bid.Index]
		if !ok {
			return nil, &order.InvariantError{Detail: fmt.Sprintf("no capacity entry for bid %d", bid.Index)}
		}
		remainingAsk, ok := remaining[ask.Index]
		if !ok {
			return nil, &order.InvariantError{Detail: fmt.Sprintf("no capacity entry for ask %d", ask.Index)}
		}

		if remainingBid == 0 {
			bidIdx++
			continue
		}
		if remainingAsk == 0 {
			askIdx++
			continue
		}

		matchAmount := min(remainingBid, remainingAsk)
		if matchAmount == 0 {
			bidIdx++
			askIdx++
			continue
		}

		if matchAmount < bid.MinAmountOut {
			bidIdx++
			continue
		}

		fills = append(fills, order.Fill{
			OrderIndex:        bid.Index,
			CounterpartyIndex: ask.Index,
			AmountIn:          matchAmount,
			AmountOut:         matchAmount,
		})

		if matchAmount > remainingBid || matchAmount > remainingAsk {
			return nil, &order.InvariantError{Detail: fmt.Sprintf("match %d exceeds capacity (bid %d, ask %d)", matchAmount, remainingBid, remainingAsk)}
		}
		remainingBid -= matchAmount
		remainingAsk -= matchAmount
		remaining[bid.Index] = remainingBid
		remaining[ask.Index] = remainingAsk

		if remainingBid == 0 {
			bidIdx++
		}
		if remainingAsk == 0 {
			askIdx++
		}
	}

	if bidIdx > len(v.Bids) || askIdx > len(v.Asks) {
		return nil, &order.InvariantError{Detail: fmt.Sprintf("cursor out of range (bid %d/%d, ask %d/%d)", bidIdx, len(v.Bids), askIdx, len(v.Asks))}
	}
	return fills, nil
}
