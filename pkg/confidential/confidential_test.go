package confidential

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/darkpool/pkg/app/core/oblivious"
	"github.com/uhyunpark/darkpool/pkg/app/core/order"
	"github.com/uhyunpark/darkpool/pkg/crypto"
)

const sol = "SOL-USDC"

func committee(t *testing.T) *crypto.Committee {
	t.Helper()
	c, err := crypto.NewCommittee([]string{"node-a", "node-b", "node-c"})
	require.NoError(t, err)
	return c
}

func mk(index uint32, side order.Side, createdAt int64, amount, minOut uint64) order.Order {
	return order.Order{Index: index, Market: sol, Side: side, AmountIn: amount, MinAmountOut: minOut, CreatedAt: createdAt}
}

func TestPlanDigest(t *testing.T) {
	fills := order.Batch{{OrderIndex: 1, CounterpartyIndex: 2, AmountIn: 5, AmountOut: 5}}
	d := PlanDigest(sol, fills)

	assert.Equal(t, d, PlanDigest(sol, append(order.Batch{}, fills...)))
	assert.NotEqual(t, d, PlanDigest("ETH-USDC", fills))
	assert.NotEqual(t, d, PlanDigest(sol, order.Batch{{OrderIndex: 2, CounterpartyIndex: 1, AmountIn: 5, AmountOut: 5}}))
	assert.NotEqual(t, d, PlanDigest(sol, nil))
	assert.Equal(t, PlanDigest(sol, nil), PlanDigest(sol, order.Batch{}))

	two := order.Batch{fills[0], {OrderIndex: 3, CounterpartyIndex: 4, AmountIn: 1, AmountOut: 1}}
	swapped := order.Batch{two[1], two[0]}
	assert.NotEqual(t, PlanDigest(sol, two), PlanDigest(sol, swapped))
}

func TestSelectBatch(t *testing.T) {
	orders := []order.Order{
		mk(0, order.Bid, 5, 1, 0),
		mk(1, order.Ask, 1, 1, 0),
		mk(2, order.Bid, 1, 1, 0),
		mk(3, order.Bid, 3, 1, 0),
		mk(4, order.Ask, 9, 1, 0),
		mk(5, order.Bid, 0, 1, 0),
	}
	orders[5].Status = order.Cancelled

	indexes := func(os []order.Order) []uint32 {
		var out []uint32
		for _, o := range os {
			out = append(out, o.Index)
		}
		return out
	}

	tests := []struct {
		capacity int
		want     []uint32
	}{
		{capacity: 2, want: []uint32{1, 2}},          // oldest bid + oldest ask
		{capacity: 3, want: []uint32{1, 2, 3}},       // odd slot goes to bids
		{capacity: 4, want: []uint32{1, 2, 3, 4}},    // two per side
		{capacity: 5, want: []uint32{0, 1, 2, 3, 4}}, // asks exhausted, bids take the rest
		{capacity: 50, want: []uint32{0, 1, 2, 3, 4}},
		{capacity: 0, want: []uint32{0, 1, 2, 3, 4}}, // clamped to max
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, indexes(SelectBatch(orders, tt.capacity)), "capacity %d", tt.capacity)
	}
}

func TestSelectBatchGivesUnusedShareToAsks(t *testing.T) {
	orders := []order.Order{mk(0, order.Bid, 0, 1, 0)}
	for i := uint32(1); i <= 5; i++ {
		orders = append(orders, mk(i, order.Ask, int64(10-i), 1, 0))
	}
	got := SelectBatch(orders, 4)
	require.Len(t, got, 4)
	// the bid plus the three oldest asks
	assert.Equal(t, []uint32{0, 3, 4, 5}, []uint32{got[0].Index, got[1].Index, got[2].Index, got[3].Index})
}

func TestSelectBatchCapsAtCapacity(t *testing.T) {
	var orders []order.Order
	for i := 0; i < 3*oblivious.Capacity; i++ {
		orders = append(orders, mk(uint32(i), order.Side(i%2), int64(i), 1, 0))
	}
	assert.Len(t, SelectBatch(orders, oblivious.Capacity+10), oblivious.Capacity)
}

func TestEngineModesAgree(t *testing.T) {
	c := committee(t)
	rng := rand.New(rand.NewSource(11))

	engines := map[Mode]*Engine{}
	for _, m := range []Mode{ModePlain, ModeOblivious, ModeVerify} {
		e, err := NewEngine(m, c, nil)
		require.NoError(t, err)
		engines[m] = e
	}

	for trial := 0; trial < 25; trial++ {
		var orders []order.Order
		n := rng.Intn(oblivious.Capacity)
		for i := 0; i < n; i++ {
			orders = append(orders, mk(uint32(i*3), order.Side(rng.Intn(2)), int64(rng.Intn(5)), uint64(1+rng.Intn(50)), uint64(rng.Intn(30))))
		}

		var plans []*Plan
		for _, m := range []Mode{ModePlain, ModeOblivious, ModeVerify} {
			p, err := engines[m].Execute(context.Background(), sol, orders)
			require.NoError(t, err)
			plans = append(plans, p)
		}
		assert.Equal(t, plans[0].Fills, plans[1].Fills)
		assert.Equal(t, plans[0].Digest, plans[2].Digest)
		for _, p := range plans {
			assert.NoError(t, Authorize(c, sol, p.Fills, p.Attestation))
		}
	}
}

func TestAuthorizeRejectsTampering(t *testing.T) {
	c := committee(t)
	e, err := NewEngine(ModeVerify, c, nil)
	require.NoError(t, err)

	orders := []order.Order{mk(0, order.Bid, 1, 50, 0), mk(1, order.Ask, 2, 50, 0)}
	plan, err := e.Execute(context.Background(), sol, orders)
	require.NoError(t, err)
	require.Len(t, plan.Fills, 1)

	tampered := append(order.Batch{}, plan.Fills...)
	tampered[0].AmountIn++
	assert.ErrorIs(t, Authorize(c, sol, tampered, plan.Attestation), ErrUnauthorized)
	assert.ErrorIs(t, Authorize(c, "ETH-USDC", plan.Fills, plan.Attestation), ErrUnauthorized)
	assert.ErrorIs(t, Authorize(c, sol, plan.Fills, nil), ErrUnauthorized)
}

type failingAttestor struct{}

func (failingAttestor) Attest([]byte) ([]byte, error) { return nil, errors.New("member offline") }
func (failingAttestor) Verify(_, _ []byte) bool       { return false }

func TestEngineAborts(t *testing.T) {
	orders := []order.Order{mk(0, order.Bid, 1, 50, 0), mk(1, order.Ask, 2, 50, 0)}

	e, err := NewEngine(ModeOblivious, failingAttestor{}, nil)
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), sol, orders)
	assert.ErrorIs(t, err, ErrAbort)

	e, err = NewEngine(ModePlain, committee(t), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Execute(ctx, sol, orders)
	assert.ErrorIs(t, err, ErrAbort)
}

func TestEngineRejectsMalformedInput(t *testing.T) {
	c := committee(t)
	dup := []order.Order{mk(0, order.Bid, 1, 50, 0), mk(0, order.Ask, 2, 50, 0)}
	for _, m := range []Mode{ModePlain, ModeOblivious, ModeVerify} {
		e, err := NewEngine(m, c, nil)
		require.NoError(t, err)
		_, err = e.Execute(context.Background(), sol, dup)
		var verr *order.ValidationError
		assert.ErrorAs(t, err, &verr, "mode %s", m)
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("verify")
	require.NoError(t, err)
	assert.Equal(t, ModeVerify, m)
	_, err = ParseMode("fast")
	assert.Error(t, err)

	_, err = NewEngine("fast", committee(t), nil)
	assert.Error(t, err)
	_, err = NewEngine(ModePlain, nil, nil)
	assert.Error(t, err)
}
