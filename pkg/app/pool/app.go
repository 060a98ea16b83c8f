// Package pool is the dark pool node application. It owns the per-market
// critical sections and drives placement, cancellation and the
// match-and-settle cycle across storage, escrow, the confidential boundary
// and settlement.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/darkpool/pkg/app/core/escrow"
	"github.com/uhyunpark/darkpool/pkg/app/core/market"
	"github.com/uhyunpark/darkpool/pkg/app/core/order"
	"github.com/uhyunpark/darkpool/pkg/app/core/settlement"
	"github.com/uhyunpark/darkpool/pkg/confidential"
	"github.com/uhyunpark/darkpool/pkg/events"
	"github.com/uhyunpark/darkpool/pkg/metrics"
	"github.com/uhyunpark/darkpool/pkg/storage"
	"github.com/uhyunpark/darkpool/pkg/util"
)

var (
	ErrInvalidOrder  = errors.New("invalid order")
	ErrOrderNotFound = errors.New("order not found")
	ErrNotOwner      = errors.New("order belongs to another owner")
)

// publishTimeout bounds one event publish so a slow broker cannot hold up
// the cycle loop.
const publishTimeout = 5 * time.Second

// Store is the persistent state the pool reads and writes.
type Store interface {
	InsertOrder(o *order.Order) error
	DeleteOrder(o *order.Order) error
	SaveOrders(orders ...*order.Order) error
	GetOrder(index uint32) (*order.Order, error)
	LoadMarketOrders(market string) ([]order.Order, error)
	SaveBatchRecord(rec *storage.BatchRecord) error
	LoadRecentBatches(market string, limit int) ([]*storage.BatchRecord, error)
}

// Ledger moves escrowed assets.
type Ledger interface {
	OnPlace(o *order.Order) error
	OnCancel(o *order.Order) (uint64, error)
	OnSettle(f order.Fill, ord, counterparty *order.Order) error
	Deposit(owner common.Address, asset string, amount uint64) error
	Withdraw(owner common.Address, asset string, amount uint64) error
	Balances(owner common.Address) (map[string]uint64, error)
}

// Deps wires the application. Store, Ledger, Markets, Executor and Attestor
// are required; the rest fall back to no-op implementations.
type Deps struct {
	Store     Store
	Ledger    Ledger
	Markets   *market.Registry
	Executor  confidential.Executor
	Attestor  confidential.Attestor
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Journal   storage.Journal
	Clock     util.Clock
	Logger    *zap.SugaredLogger

	Mode           string // label for metrics only
	MaxBatchOrders int
}

// CycleResult is the outcome of one settlement attempt for a market.
type CycleResult struct {
	BatchID   string                    `json:"batchId,omitempty"`
	Market    string                    `json:"market"`
	Digest    string                    `json:"digest,omitempty"`
	Fills     order.Batch               `json:"fills"`
	Applied   order.Batch               `json:"applied"`
	Rejection *settlement.RejectedError `json:"-"`
	Aborted   bool                      `json:"aborted"`

	settledAt int64 // unix seconds, set when the batch was recorded
}

type App struct {
	store     Store
	ledger    Ledger
	markets   *market.Registry
	executor  confidential.Executor
	attestor  confidential.Attestor
	applier   *settlement.Applier
	publisher events.Publisher
	metrics   *metrics.Metrics
	journal   storage.Journal
	clock     util.Clock
	log       *zap.SugaredLogger
	mode      string
	maxBatch  int

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // market -> critical section

	hooksMu sync.RWMutex
	hooks   []func(*CycleResult)
}

func New(d Deps) (*App, error) {
	if d.Store == nil || d.Ledger == nil || d.Markets == nil || d.Executor == nil || d.Attestor == nil {
		return nil, fmt.Errorf("pool: store, ledger, markets, executor and attestor are required")
	}
	if d.Publisher == nil {
		d.Publisher = events.Nop{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Journal == nil {
		d.Journal = storage.NewNopJournal()
	}
	if d.Clock == nil {
		d.Clock = util.RealClock{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
	return &App{
		store:     d.Store,
		ledger:    d.Ledger,
		markets:   d.Markets,
		executor:  d.Executor,
		attestor:  d.Attestor,
		applier:   settlement.NewApplier(d.Store, d.Ledger, d.Logger.Named("settlement")),
		publisher: d.Publisher,
		metrics:   d.Metrics,
		journal:   d.Journal,
		clock:     d.Clock,
		log:       d.Logger,
		mode:      d.Mode,
		maxBatch:  d.MaxBatchOrders,
		locks:     make(map[string]*sync.Mutex),
	}, nil
}

func (a *App) Markets() *market.Registry { return a.markets }
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// OnSettled registers a hook called after every settlement attempt that
// reached the applier. Hooks run on the settling goroutine, outside the
// market lock.
func (a *App) OnSettled(fn func(*CycleResult)) {
	a.hooksMu.Lock()
	defer a.hooksMu.Unlock()
	a.hooks = append(a.hooks, fn)
}

func (a *App) lock(marketID string) func() {
	a.locksMu.Lock()
	mu, ok := a.locks[marketID]
	if !ok {
		mu = &sync.Mutex{}
		a.locks[marketID] = mu
	}
	a.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// ============================================================================
// Orders
// ============================================================================

// PlaceOrder stores a new Open order and escrows its input. Index,
// CreatedAt, Status and FilledAmountIn of draft are ignored.
func (a *App) PlaceOrder(ctx context.Context, draft *order.Order) (*order.Order, error) {
	if _, err := a.markets.GetActive(draft.Market); err != nil {
		return nil, err
	}
	if !draft.Side.Valid() {
		return nil, fmt.Errorf("%w: unknown side %d", ErrInvalidOrder, draft.Side)
	}
	if draft.AmountIn == 0 {
		return nil, fmt.Errorf("%w: amountIn must be positive", ErrInvalidOrder)
	}
	if draft.Owner == (common.Address{}) {
		return nil, fmt.Errorf("%w: missing owner", ErrInvalidOrder)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := a.lock(draft.Market)
	defer unlock()

	o := &order.Order{
		Market:       draft.Market,
		Owner:        draft.Owner,
		Side:         draft.Side,
		AmountIn:     draft.AmountIn,
		MinAmountOut: draft.MinAmountOut,
		CreatedAt:    a.clock.Now().Unix(),
		Status:       order.Open,
		Nonce:        draft.Nonce,
	}
	if err := a.store.InsertOrder(o); err != nil {
		return nil, err
	}
	if err := a.ledger.OnPlace(o); err != nil {
		if derr := a.store.DeleteOrder(o); derr != nil {
			a.log.Errorw("order_unwind_failed", "market", o.Market, "index", o.Index, "err", derr)
			return nil, errors.Join(err, fmt.Errorf("unwind order %d: %w", o.Index, derr))
		}
		return nil, err
	}

	a.metrics.OrderPlaced(o.Market, o.Side.String())
	a.log.Infow("order_placed", "market", o.Market, "index", o.Index)
	return o, nil
}

// CancelOrder cancels an Open order on behalf of its owner and refunds the
// unfilled input. It returns the cancelled order and the refund.
func (a *App) CancelOrder(ctx context.Context, owner common.Address, marketID string, index uint32) (*order.Order, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	unlock := a.lock(marketID)
	defer unlock()

	o, err := a.store.GetOrder(index)
	if err != nil {
		return nil, 0, err
	}
	if o == nil || o.Market != marketID {
		return nil, 0, fmt.Errorf("%w: %d in %s", ErrOrderNotFound, index, marketID)
	}
	if o.Owner != owner {
		return nil, 0, fmt.Errorf("%w: %d", ErrNotOwner, index)
	}

	if o.Status != order.Open {
		return nil, 0, fmt.Errorf("%w: order %d is %s", escrow.ErrOrderNotOpen, index, o.Status)
	}

	// The record is marked first so a refund never leaves an Open order
	// behind; a refused refund restores it.
	prev := *o
	o.Status = order.Cancelled
	if err := a.store.SaveOrders(o); err != nil {
		return nil, 0, err
	}
	refund, err := a.ledger.OnCancel(&prev)
	if err != nil {
		if rerr := a.store.SaveOrders(&prev); rerr != nil {
			a.log.Errorw("order_restore_failed", "market", marketID, "index", index, "err", rerr)
			return nil, 0, errors.Join(err, fmt.Errorf("restore order %d: %w", index, rerr))
		}
		return nil, 0, err
	}

	a.metrics.OrderCancelled(marketID)
	a.log.Infow("order_cancelled", "market", marketID, "index", index)
	return o, refund, nil
}

// OwnerOrders returns an owner's orders in one market in index order.
func (a *App) OwnerOrders(marketID string, owner common.Address) ([]order.Order, error) {
	all, err := a.store.LoadMarketOrders(marketID)
	if err != nil {
		return nil, err
	}
	out := []order.Order{}
	for _, o := range all {
		if o.Owner == owner {
			out = append(out, o)
		}
	}
	return out, nil
}

// Orders returns every order of a market in index order.
func (a *App) Orders(marketID string) ([]order.Order, error) {
	return a.store.LoadMarketOrders(marketID)
}

// ============================================================================
// Balances
// ============================================================================

func (a *App) Deposit(owner common.Address, asset string, amount uint64) error {
	return a.ledger.Deposit(owner, asset, amount)
}

func (a *App) Withdraw(owner common.Address, asset string, amount uint64) error {
	return a.ledger.Withdraw(owner, asset, amount)
}

func (a *App) Balances(owner common.Address) (map[string]uint64, error) {
	return a.ledger.Balances(owner)
}

// RecentBatches returns the latest settlement records of a market.
func (a *App) RecentBatches(marketID string, limit int) ([]*storage.BatchRecord, error) {
	return a.store.LoadRecentBatches(marketID, limit)
}

// ============================================================================
// Match and settle
// ============================================================================

// MatchAndSettle runs one cycle for a market: snapshot, select, confidential
// match, token check, settlement. An aborted confidential pass yields a
// result with Aborted set and no fills; the next cycle retries. A rejected
// fill is reported both in the result and as a *settlement.RejectedError.
func (a *App) MatchAndSettle(ctx context.Context, marketID string) (*CycleResult, error) {
	if _, err := a.markets.GetActive(marketID); err != nil {
		return nil, err
	}

	unlock := a.lock(marketID)
	res, err := a.matchAndSettleLocked(ctx, marketID)
	unlock()

	a.publish(ctx, res)
	a.notify(res)
	return res, err
}

func (a *App) matchAndSettleLocked(ctx context.Context, marketID string) (*CycleResult, error) {
	start := time.Now()
	defer func() { a.metrics.ObserveCycle(marketID, a.mode, time.Since(start)) }()

	orders, err := a.store.LoadMarketOrders(marketID)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", marketID, err)
	}
	selected := confidential.SelectBatch(orders, a.maxBatch)

	plan, err := a.executor.Execute(ctx, marketID, selected)
	if errors.Is(err, confidential.ErrAbort) {
		a.metrics.Abort(marketID)
		a.log.Warnw("confidential_abort", "market", marketID, "orders", len(selected), "err", err)
		return &CycleResult{Market: marketID, Fills: order.Batch{}, Applied: order.Batch{}, Aborted: true}, nil
	}
	if err != nil {
		a.log.Errorw("match_failed", "market", marketID, "orders", len(selected), "err", err)
		return nil, err
	}
	if plan.Market != marketID {
		return nil, &order.InvariantError{Detail: fmt.Sprintf("plan for %s returned for %s", plan.Market, marketID)}
	}
	if err := confidential.Authorize(a.attestor, marketID, plan.Fills, plan.Attestation); err != nil {
		a.log.Errorw("plan_unauthorized", "market", marketID, "fills", len(plan.Fills), "err", err)
		return nil, err
	}
	return a.settleLocked(ctx, marketID, plan.Fills, plan.Attestation)
}

// SettleBatch applies an externally produced fill batch. The token must be
// the cluster's attestation of exactly (market, fills).
func (a *App) SettleBatch(ctx context.Context, marketID string, fills order.Batch, token []byte) (*CycleResult, error) {
	if !a.markets.Exists(marketID) {
		return nil, fmt.Errorf("%w: %s", market.ErrNotFound, marketID)
	}
	if err := confidential.Authorize(a.attestor, marketID, fills, token); err != nil {
		a.log.Warnw("batch_unauthorized", "market", marketID, "fills", len(fills))
		return nil, err
	}

	unlock := a.lock(marketID)
	res, err := a.settleLocked(ctx, marketID, fills, token)
	unlock()

	a.publish(ctx, res)
	a.notify(res)
	return res, err
}

func (a *App) settleLocked(ctx context.Context, marketID string, fills order.Batch, token []byte) (*CycleResult, error) {
	if fills == nil {
		fills = order.Batch{}
	}
	digest := confidential.PlanDigest(marketID, fills)
	res := &CycleResult{
		BatchID: uuid.NewString(),
		Market:  marketID,
		Digest:  digest.Hex(),
		Fills:   fills,
		Applied: order.Batch{},
	}

	applied, err := a.applier.Apply(ctx, marketID, fills, token)
	if applied != nil {
		res.Applied = applied.Applied
	}
	var rej *settlement.RejectedError
	if errors.As(err, &rej) {
		res.Rejection = rej
		a.metrics.FillRejected(marketID, string(rej.Reason))
	}

	var volume uint64
	for _, f := range res.Applied {
		volume += f.AmountIn
	}
	a.metrics.FillsSettled(marketID, len(res.Applied), volume)
	a.record(res, token)

	if err != nil {
		if rej == nil {
			a.log.Errorw("settlement_failed", "market", marketID, "batch", res.BatchID,
				"applied", len(res.Applied), "fills", len(fills), "err", err)
		}
		return res, err
	}
	if len(fills) > 0 {
		a.log.Infow("batch_settled", "market", marketID, "batch", res.BatchID, "fills", len(res.Applied))
	}
	return res, nil
}

func rejectionReason(res *CycleResult) string {
	if res.Rejection == nil {
		return ""
	}
	return string(res.Rejection.Reason)
}

// record writes the audit trail. Failures here are logged only: the
// settlement itself already happened.
func (a *App) record(res *CycleResult, token []byte) {
	if len(res.Fills) == 0 {
		return
	}
	now := a.clock.Now().Unix()
	res.settledAt = now
	rejection := rejectionReason(res)

	rec := &storage.BatchRecord{
		ID:          res.BatchID,
		Market:      res.Market,
		Timestamp:   now,
		Digest:      res.Digest,
		Fills:       res.Fills,
		Applied:     len(res.Applied),
		Rejection:   rejection,
		Attestation: token,
	}
	if err := a.store.SaveBatchRecord(rec); err != nil {
		a.log.Errorw("batch_record_failed", "batch", res.BatchID, "err", err)
	}
	a.journal.Append(fmt.Sprintf("%d %s %s %s applied=%d/%d %s", now, res.Market, res.BatchID, res.Digest, len(res.Applied), len(res.Fills), rejection))
}

// publish emits the settlement event. It runs outside the market lock.
func (a *App) publish(ctx context.Context, res *CycleResult) {
	if res == nil || len(res.Fills) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	ev := events.BatchSettled{
		BatchID:   res.BatchID,
		Market:    res.Market,
		Digest:    res.Digest,
		Fills:     res.Applied,
		Applied:   len(res.Applied),
		Rejection: rejectionReason(res),
		Timestamp: res.settledAt,
	}
	if err := a.publisher.PublishBatch(ctx, ev); err != nil {
		a.log.Warnw("batch_publish_failed", "batch", res.BatchID, "err", err)
	}
}

func (a *App) notify(res *CycleResult) {
	if res == nil || len(res.Fills) == 0 {
		return
	}
	a.hooksMu.RLock()
	hooks := append([]func(*CycleResult){}, a.hooks...)
	a.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(res)
	}
}

// RunScheduler runs MatchAndSettle for every active market each interval
// until ctx is done. Markets are processed concurrently.
func (a *App) RunScheduler(ctx context.Context, interval time.Duration) {
	a.log.Infow("scheduler_started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			a.log.Infow("scheduler_stopped")
			return
		case <-a.clock.After(interval):
			a.RunCycle(ctx)
		}
	}
}

// RunCycle runs one match-and-settle pass over all active markets and
// waits for all of them.
func (a *App) RunCycle(ctx context.Context) {
	var wg sync.WaitGroup
	for _, m := range a.markets.ListActive() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := a.MatchAndSettle(ctx, id)
			if err != nil {
				var rej *settlement.RejectedError
				if !errors.As(err, &rej) {
					a.log.Errorw("cycle_failed", "market", id, "err", err)
				}
				return
			}
			if res.Aborted {
				a.log.Debugw("cycle_aborted", "market", id)
			}
		}(m.ID)
	}
	wg.Wait()
}
