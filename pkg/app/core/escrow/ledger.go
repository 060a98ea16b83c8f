// Package escrow holds owner balances and per-market vaults. Placing an
// order moves its input into the market vault; cancels refund the unfilled
// remainder and settlements pay both legs of a fill out of the vault.
package escrow

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/darkpool/pkg/app/core/market"
	"github.com/uhyunpark/darkpool/pkg/app/core/order"
	"github.com/uhyunpark/darkpool/pkg/storage"
)

var (
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientVault   = errors.New("insufficient vault balance")
	ErrBalanceOverflow     = errors.New("balance overflow")
	ErrOrderNotOpen        = errors.New("order is not open")
	ErrNothingToCancel     = errors.New("nothing left to cancel")
)

// Ledger is the escrow ledger. All mutations are serialised by one mutex
// and persisted with a single atomic batch each.
type Ledger struct {
	mu      sync.Mutex
	store   *storage.PebbleStore
	markets *market.Registry
	log     *zap.SugaredLogger
}

// NewLedger creates a ledger over the given store
func NewLedger(store *storage.PebbleStore, markets *market.Registry, log *zap.SugaredLogger) *Ledger {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Ledger{store: store, markets: markets, log: log}
}

// Balance returns an owner's available balance of one asset.
func (l *Ledger) Balance(owner common.Address, asset string) (uint64, error) {
	return l.store.GetBalance(owner, asset)
}

// Balances returns all non-empty balances of an owner keyed by asset.
func (l *Ledger) Balances(owner common.Address) (map[string]uint64, error) {
	return l.store.LoadBalances(owner)
}

// Vault returns a market vault's holding of one asset.
func (l *Ledger) Vault(marketID, asset string) (uint64, error) {
	return l.store.GetVault(marketID, asset)
}

// Deposit credits an owner's balance (bridge inflow)
func (l *Ledger) Deposit(owner common.Address, asset string, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bal, err := l.store.GetBalance(owner, asset)
	if err != nil {
		return err
	}
	if bal > math.MaxUint64-amount {
		return fmt.Errorf("%w: %s %s", ErrBalanceOverflow, owner.Hex(), asset)
	}

	b := l.store.NewBatch()
	defer b.Close()
	if err := b.SetBalance(owner, asset, bal+amount); err != nil {
		return err
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("failed to persist deposit: %w", err)
	}
	l.log.Infow("deposit", "owner", owner.Hex(), "asset", asset, "amount", amount)
	return nil
}

// Withdraw debits an owner's balance (bridge outflow)
// Returns error if insufficient available balance
func (l *Ledger) Withdraw(owner common.Address, asset string, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bal, err := l.store.GetBalance(owner, asset)
	if err != nil {
		return err
	}
	if bal < amount {
		return fmt.Errorf("%w: have %d %s, need %d", ErrInsufficientBalance, bal, asset, amount)
	}

	b := l.store.NewBatch()
	defer b.Close()
	if err := b.SetBalance(owner, asset, bal-amount); err != nil {
		return err
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("failed to persist withdrawal: %w", err)
	}
	l.log.Infow("withdraw", "owner", owner.Hex(), "asset", asset, "amount", amount)
	return nil
}

// OnPlace moves the order's full input from the owner into the market vault.
func (l *Ledger) OnPlace(o *order.Order) error {
	if o.AmountIn == 0 {
		return ErrInvalidAmount
	}
	m, err := l.markets.Get(o.Market)
	if err != nil {
		return err
	}
	asset := m.InputAsset(o.Side == order.Bid)

	l.mu.Lock()
	defer l.mu.Unlock()

	bal, err := l.store.GetBalance(o.Owner, asset)
	if err != nil {
		return err
	}
	if bal < o.AmountIn {
		return fmt.Errorf("%w: have %d %s, need %d", ErrInsufficientBalance, bal, asset, o.AmountIn)
	}
	vault, err := l.store.GetVault(m.ID, asset)
	if err != nil {
		return err
	}
	if vault > math.MaxUint64-o.AmountIn {
		return fmt.Errorf("%w: vault %s/%s", ErrBalanceOverflow, m.ID, asset)
	}

	b := l.store.NewBatch()
	defer b.Close()
	if err := b.SetBalance(o.Owner, asset, bal-o.AmountIn); err != nil {
		return err
	}
	if err := b.SetVault(m.ID, asset, vault+o.AmountIn); err != nil {
		return err
	}
	return b.Commit()
}

// OnCancel refunds the unfilled remainder of an Open order from the vault
// and returns the refunded amount. The caller marks the order cancelled.
func (l *Ledger) OnCancel(o *order.Order) (uint64, error) {
	if o.Status != order.Open {
		return 0, fmt.Errorf("%w: order %d is %s", ErrOrderNotOpen, o.Index, o.Status)
	}
	refund := o.Remaining()
	if refund == 0 {
		return 0, fmt.Errorf("%w: order %d", ErrNothingToCancel, o.Index)
	}
	m, err := l.markets.Get(o.Market)
	if err != nil {
		return 0, err
	}
	asset := m.InputAsset(o.Side == order.Bid)

	l.mu.Lock()
	defer l.mu.Unlock()

	c := newChanges(l.store)
	if err := c.debitVault(m.ID, asset, refund); err != nil {
		return 0, err
	}
	if err := c.credit(o.Owner, asset, refund); err != nil {
		return 0, err
	}
	if err := c.commit(); err != nil {
		return 0, err
	}
	return refund, nil
}

// OnSettle pays both legs of a fill out of the market vault in one atomic
// write. When ord is a bid its owner receives AmountOut of the base asset
// and the counterparty's owner receives AmountIn of the quote asset; the
// assets swap when ord is an ask. Nothing is written if either leg would
// overdraw the vault.
func (l *Ledger) OnSettle(f order.Fill, ord, counterparty *order.Order) error {
	m, err := l.markets.Get(ord.Market)
	if err != nil {
		return err
	}
	isBid := ord.Side == order.Bid

	l.mu.Lock()
	defer l.mu.Unlock()

	c := newChanges(l.store)
	// order owner receives the counterparty's input asset
	if err := c.debitVault(m.ID, m.OutputAsset(isBid), f.AmountOut); err != nil {
		return err
	}
	if err := c.credit(ord.Owner, m.OutputAsset(isBid), f.AmountOut); err != nil {
		return err
	}
	if err := c.debitVault(m.ID, m.InputAsset(isBid), f.AmountIn); err != nil {
		return err
	}
	if err := c.credit(counterparty.Owner, m.InputAsset(isBid), f.AmountIn); err != nil {
		return err
	}
	return c.commit()
}

type balanceRef struct {
	owner common.Address
	asset string
}

type vaultRef struct {
	market string
	asset  string
}

// changes stages balance and vault updates so that several legs touching
// the same key see each other before one atomic commit.
type changes struct {
	store    *storage.PebbleStore
	balances map[balanceRef]uint64
	vaults   map[vaultRef]uint64
}

func newChanges(store *storage.PebbleStore) *changes {
	return &changes{
		store:    store,
		balances: make(map[balanceRef]uint64),
		vaults:   make(map[vaultRef]uint64),
	}
}

func (c *changes) balance(ref balanceRef) (uint64, error) {
	if v, ok := c.balances[ref]; ok {
		return v, nil
	}
	return c.store.GetBalance(ref.owner, ref.asset)
}

func (c *changes) vault(ref vaultRef) (uint64, error) {
	if v, ok := c.vaults[ref]; ok {
		return v, nil
	}
	return c.store.GetVault(ref.market, ref.asset)
}

func (c *changes) credit(owner common.Address, asset string, amount uint64) error {
	ref := balanceRef{owner, asset}
	bal, err := c.balance(ref)
	if err != nil {
		return err
	}
	if bal > math.MaxUint64-amount {
		return fmt.Errorf("%w: %s %s", ErrBalanceOverflow, owner.Hex(), asset)
	}
	c.balances[ref] = bal + amount
	return nil
}

func (c *changes) debitVault(marketID, asset string, amount uint64) error {
	ref := vaultRef{marketID, asset}
	v, err := c.vault(ref)
	if err != nil {
		return err
	}
	if v < amount {
		return fmt.Errorf("%w: %s holds %d %s, need %d", ErrInsufficientVault, marketID, v, asset, amount)
	}
	c.vaults[ref] = v - amount
	return nil
}

func (c *changes) commit() error {
	b := c.store.NewBatch()
	defer b.Close()
	for ref, v := range c.balances {
		if err := b.SetBalance(ref.owner, ref.asset, v); err != nil {
			return err
		}
	}
	for ref, v := range c.vaults {
		if err := b.SetVault(ref.market, ref.asset, v); err != nil {
			return err
		}
	}
	return b.Commit()
}
