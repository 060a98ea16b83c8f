package escrow

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/darkpool/pkg/app/core/market"
	"github.com/uhyunpark/darkpool/pkg/app/core/order"
	"github.com/uhyunpark/darkpool/pkg/storage"
)

const sol = "SOL-USDC"

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000A11CE")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000B0B")
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	store, err := storage.NewInMemoryPebbleStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := market.NewRegistry()
	require.NoError(t, reg.Register(market.Market{ID: sol, BaseAsset: "SOL", QuoteAsset: "USDC"}))
	return NewLedger(store, reg, nil)
}

func balance(t *testing.T, l *Ledger, owner common.Address, asset string) uint64 {
	t.Helper()
	v, err := l.Balance(owner, asset)
	require.NoError(t, err)
	return v
}

func vault(t *testing.T, l *Ledger, asset string) uint64 {
	t.Helper()
	v, err := l.Vault(sol, asset)
	require.NoError(t, err)
	return v
}

func TestDepositWithdraw(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, l.Deposit(alice, "USDC", 100))
	require.NoError(t, l.Withdraw(alice, "USDC", 30))
	assert.Equal(t, uint64(70), balance(t, l, alice, "USDC"))

	assert.ErrorIs(t, l.Withdraw(alice, "USDC", 71), ErrInsufficientBalance)
	assert.ErrorIs(t, l.Deposit(alice, "USDC", 0), ErrInvalidAmount)
	assert.ErrorIs(t, l.Withdraw(alice, "USDC", 0), ErrInvalidAmount)

	bals, err := l.Balances(alice)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"USDC": 70}, bals)
}

func TestOnPlaceMovesInputToVault(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, l.Deposit(alice, "USDC", 100))
	require.NoError(t, l.Deposit(bob, "SOL", 50))

	require.NoError(t, l.OnPlace(&order.Order{Market: sol, Owner: alice, Side: order.Bid, AmountIn: 80}))
	require.NoError(t, l.OnPlace(&order.Order{Market: sol, Owner: bob, Side: order.Ask, AmountIn: 50}))

	assert.Equal(t, uint64(20), balance(t, l, alice, "USDC"))
	assert.Equal(t, uint64(0), balance(t, l, bob, "SOL"))
	assert.Equal(t, uint64(80), vault(t, l, "USDC"))
	assert.Equal(t, uint64(50), vault(t, l, "SOL"))

	err := l.OnPlace(&order.Order{Market: sol, Owner: alice, Side: order.Bid, AmountIn: 21})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, uint64(20), balance(t, l, alice, "USDC"))

	err = l.OnPlace(&order.Order{Market: "BTC-USDC", Owner: alice, Side: order.Bid, AmountIn: 1})
	assert.ErrorIs(t, err, market.ErrNotFound)
}

func TestOnCancel(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, l.Deposit(alice, "USDC", 100))
	o := &order.Order{Index: 3, Market: sol, Owner: alice, Side: order.Bid, AmountIn: 100}
	require.NoError(t, l.OnPlace(o))

	o.FilledAmountIn = 0
	refund, err := l.OnCancel(o)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), refund)
	assert.Equal(t, uint64(100), balance(t, l, alice, "USDC"))
	assert.Zero(t, vault(t, l, "USDC"))
}

func TestOnCancelRefundsRemainderOnly(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, l.Deposit(alice, "USDC", 100))
	o := &order.Order{Index: 3, Market: sol, Owner: alice, Side: order.Bid, AmountIn: 100}
	require.NoError(t, l.OnPlace(o))

	// 60 of the vault left with a settlement elsewhere
	o.FilledAmountIn = 60
	refund, err := l.OnCancel(o)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), refund)
	assert.Equal(t, uint64(60), vault(t, l, "USDC"))
}

func TestOnCancelRejections(t *testing.T) {
	l := newLedger(t)
	tests := []struct {
		name string
		o    order.Order
		want error
	}{
		{"partially filled", order.Order{Market: sol, Status: order.PartiallyFilled, AmountIn: 10, FilledAmountIn: 5}, ErrOrderNotOpen},
		{"filled", order.Order{Market: sol, Status: order.Filled, AmountIn: 10, FilledAmountIn: 10}, ErrOrderNotOpen},
		{"cancelled", order.Order{Market: sol, Status: order.Cancelled, AmountIn: 10}, ErrOrderNotOpen},
		{"open but exhausted", order.Order{Market: sol, Status: order.Open, AmountIn: 10, FilledAmountIn: 10}, ErrNothingToCancel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.OnCancel(&tt.o)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOnSettleTransfersBothLegs(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, l.Deposit(alice, "USDC", 100))
	require.NoError(t, l.Deposit(bob, "SOL", 60))
	bid := &order.Order{Index: 0, Market: sol, Owner: alice, Side: order.Bid, AmountIn: 100}
	ask := &order.Order{Index: 1, Market: sol, Owner: bob, Side: order.Ask, AmountIn: 60}
	require.NoError(t, l.OnPlace(bid))
	require.NoError(t, l.OnPlace(ask))

	fill := order.Fill{OrderIndex: 0, CounterpartyIndex: 1, AmountIn: 60, AmountOut: 60}
	require.NoError(t, l.OnSettle(fill, bid, ask))

	assert.Equal(t, uint64(60), balance(t, l, alice, "SOL"))
	assert.Equal(t, uint64(60), balance(t, l, bob, "USDC"))
	assert.Equal(t, uint64(40), vault(t, l, "USDC"))
	assert.Zero(t, vault(t, l, "SOL"))
}

func TestOnSettleFromAskSide(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, l.Deposit(alice, "USDC", 10))
	require.NoError(t, l.Deposit(bob, "SOL", 10))
	bid := &order.Order{Index: 0, Market: sol, Owner: alice, Side: order.Bid, AmountIn: 10}
	ask := &order.Order{Index: 1, Market: sol, Owner: bob, Side: order.Ask, AmountIn: 10}
	require.NoError(t, l.OnPlace(bid))
	require.NoError(t, l.OnPlace(ask))

	require.NoError(t, l.OnSettle(order.Fill{OrderIndex: 1, CounterpartyIndex: 0, AmountIn: 10, AmountOut: 10}, ask, bid))
	assert.Equal(t, uint64(10), balance(t, l, bob, "USDC"))
	assert.Equal(t, uint64(10), balance(t, l, alice, "SOL"))
}

func TestOnSettleNeverOverdrawsVault(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, l.Deposit(alice, "USDC", 100))
	bid := &order.Order{Index: 0, Market: sol, Owner: alice, Side: order.Bid, AmountIn: 100}
	ask := &order.Order{Index: 1, Market: sol, Owner: bob, Side: order.Ask, AmountIn: 100}
	require.NoError(t, l.OnPlace(bid))

	err := l.OnSettle(order.Fill{OrderIndex: 0, CounterpartyIndex: 1, AmountIn: 50, AmountOut: 50}, bid, ask)
	assert.ErrorIs(t, err, ErrInsufficientVault)

	// nothing moved
	assert.Equal(t, uint64(100), vault(t, l, "USDC"))
	assert.Zero(t, balance(t, l, bob, "USDC"))
}
