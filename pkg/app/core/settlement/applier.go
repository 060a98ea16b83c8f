// Package settlement applies matched fills to persistent order records and
// drives the escrow transfers for each of them.
package settlement

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/uhyunpark/darkpool/pkg/app/core/order"
)

// OrderStore is the persistent order table.
type OrderStore interface {
	GetOrder(index uint32) (*order.Order, error) // nil if absent
	SaveOrders(orders ...*order.Order) error     // atomic
}

// Ledger executes the two transfers of a fill.
type Ledger interface {
	OnSettle(f order.Fill, ord, counterparty *order.Order) error
}

// Result summarises one Apply call.
type Result struct {
	Market  string
	Applied order.Batch // prefix of the input that was applied
	Token   []byte      // authorization token the batch was applied under
}

// Applier applies fill batches. It is not safe to run two Apply calls for
// the same market concurrently; the caller serialises them.
type Applier struct {
	store  OrderStore
	ledger Ledger
	log    *zap.SugaredLogger
}

func NewApplier(store OrderStore, ledger Ledger, log *zap.SugaredLogger) *Applier {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Applier{store: store, ledger: ledger, log: log}
}

// Apply validates and applies fills in order. On the first rejected fill it
// stops and returns a *RejectedError alongside the result holding the fills
// applied so far. Any other error (storage, ledger, context) also stops the
// batch; the failing fill leaves no trace.
//
// The token is not interpreted here; it must already have been verified by
// the caller.
func (a *Applier) Apply(ctx context.Context, market string, fills order.Batch, token []byte) (*Result, error) {
	res := &Result{Market: market, Applied: order.Batch{}, Token: token}

	for pos, f := range fills {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		ord, cp, rej, err := a.validate(market, pos, f)
		if err != nil {
			return res, err
		}
		if rej != nil {
			a.log.Warnw("fill_rejected", "market", market, "position", pos, "order", f.OrderIndex,
				"counterparty", f.CounterpartyIndex, "reason", rej.Reason, "applied", len(res.Applied))
			return res, rej
		}

		if err := a.applyOne(f, ord, cp); err != nil {
			return res, fmt.Errorf("fill %d: %w", pos, err)
		}
		res.Applied = append(res.Applied, f)
	}

	a.log.Debugw("batch_applied", "market", market, "fills", len(res.Applied))
	return res, nil
}

// validate runs the checks in their fixed order. The returned orders are
// private copies.
func (a *Applier) validate(market string, pos int, f order.Fill) (*order.Order, *order.Order, *RejectedError, error) {
	reject := func(r Reason, format string, args ...any) *RejectedError {
		return &RejectedError{Position: pos, Fill: f, Reason: r, Detail: fmt.Sprintf(format, args...)}
	}

	ord, err := a.store.GetOrder(f.OrderIndex)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load order %d: %w", f.OrderIndex, err)
	}
	cp, err := a.store.GetOrder(f.CounterpartyIndex)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load order %d: %w", f.CounterpartyIndex, err)
	}
	if ord == nil {
		return nil, nil, reject(OrderNotFound, "order %d", f.OrderIndex), nil
	}
	if cp == nil {
		return nil, nil, reject(OrderNotFound, "order %d", f.CounterpartyIndex), nil
	}
	if ord.Market != market || cp.Market != market {
		return nil, nil, reject(MarketMismatch, "orders in %q and %q, batch for %q", ord.Market, cp.Market, market), nil
	}

	if ord.Status == order.Cancelled {
		return nil, nil, reject(OrderCancelled, "order %d", ord.Index), nil
	}
	if cp.Status == order.Cancelled {
		return nil, nil, reject(OrderCancelled, "order %d", cp.Index), nil
	}

	if ord.Side == cp.Side {
		return nil, nil, reject(SameSideOrders, "both %s", ord.Side), nil
	}

	if r := checkCapacity(ord, f.AmountIn); r != "" {
		return nil, nil, reject(r, "order %d filled %d of %d, fill %d", ord.Index, ord.FilledAmountIn, ord.AmountIn, f.AmountIn), nil
	}
	if r := checkCapacity(cp, f.AmountOut); r != "" {
		return nil, nil, reject(r, "order %d filled %d of %d, fill %d", cp.Index, cp.FilledAmountIn, cp.AmountIn, f.AmountOut), nil
	}
	return ord, cp, nil, nil
}

func checkCapacity(o *order.Order, amount uint64) Reason {
	if o.FilledAmountIn > math.MaxUint64-amount {
		return Overflow
	}
	if o.FilledAmountIn+amount > o.AmountIn {
		return InsufficientRemaining
	}
	return ""
}

// applyOne writes both order records together, then runs the transfers.
// If the ledger refuses, the records are restored.
func (a *Applier) applyOne(f order.Fill, ord, cp *order.Order) error {
	prevOrd, prevCp := *ord, *cp

	ord.FilledAmountIn += f.AmountIn
	ord.Status = order.StatusAfterFill(ord.FilledAmountIn, ord.AmountIn)
	cp.FilledAmountIn += f.AmountOut
	cp.Status = order.StatusAfterFill(cp.FilledAmountIn, cp.AmountIn)

	if err := a.store.SaveOrders(ord, cp); err != nil {
		return err
	}
	if err := a.ledger.OnSettle(f, ord, cp); err != nil {
		if rerr := a.store.SaveOrders(&prevOrd, &prevCp); rerr != nil {
			a.log.Errorw("fill_rollback_failed", "order", ord.Index, "counterparty", cp.Index, "err", rerr)
			return fmt.Errorf("transfer failed (%v) and rollback failed: %w", err, rerr)
		}
		return fmt.Errorf("transfer: %w", err)
	}
	return nil
}
