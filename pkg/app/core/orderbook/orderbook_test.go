package orderbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/darkpool/pkg/app/core/order"
)

const testMarket = "SOL-USDC"

func bid(index uint32, createdAt int64, amountIn, minOut uint64) order.Order {
	return order.Order{Index: index, Market: testMarket, Side: order.Bid, AmountIn: amountIn, MinAmountOut: minOut, CreatedAt: createdAt}
}

func ask(index uint32, createdAt int64, amountIn, minOut uint64) order.Order {
	return order.Order{Index: index, Market: testMarket, Side: order.Ask, AmountIn: amountIn, MinAmountOut: minOut, CreatedAt: createdAt}
}

func match(t *testing.T, orders ...order.Order) order.Batch {
	t.Helper()
	fills, err := MatchSnapshot(order.Snapshot{Market: testMarket, Orders: orders})
	require.NoError(t, err)
	return fills
}

func TestBookViewFiltersAndSorts(t *testing.T) {
	cancelled := bid(9, 1, 10, 0)
	cancelled.Status = order.Cancelled
	partial := ask(8, 1, 10, 0)
	partial.Status = order.PartiallyFilled

	v := NewBookView([]order.Order{
		bid(1, 300, 10, 0),
		ask(2, 200, 10, 0),
		bid(3, 100, 10, 0),
		cancelled,
		partial,
		bid(4, 100, 10, 0), // same timestamp as 3, stays behind it
	})

	require.Len(t, v.Bids, 3)
	require.Len(t, v.Asks, 1)
	assert.Equal(t, []uint32{3, 4, 1}, []uint32{v.Bids[0].Index, v.Bids[1].Index, v.Bids[2].Index})
	assert.Equal(t, 4, v.Len())

	_, ok := v.Capacity(9)
	assert.False(t, ok, "cancelled order must not be eligible")
	c, ok := v.Capacity(1)
	require.True(t, ok)
	assert.Equal(t, uint64(10), c)
}

func TestBookViewCapacityFloorsAtZero(t *testing.T) {
	o := bid(1, 1, 50, 0)
	o.FilledAmountIn = 80
	v := NewBookView([]order.Order{o})
	c, ok := v.Capacity(1)
	require.True(t, ok)
	assert.Equal(t, uint64(0), c)
}

func TestMatchFIFOScenario(t *testing.T) {
	fills := match(t,
		bid(0, 1000, 50, 45),
		bid(1, 2000, 100, 90),
		ask(2, 1001, 60, 55),
		ask(3, 2001, 80, 75),
	)

	// bid 1 would only get 10 from ask 2 (< 90) and is skipped for the pass.
	require.Len(t, fills, 1)
	assert.Equal(t, order.Fill{OrderIndex: 0, CounterpartyIndex: 2, AmountIn: 50, AmountOut: 50}, fills[0])
}

func TestMatchMinOutGuard(t *testing.T) {
	fills := match(t, bid(0, 1000, 100, 95), ask(1, 1001, 90, 85))
	assert.Empty(t, fills)
}

func TestMatchAskMinOutNotChecked(t *testing.T) {
	fills := match(t, bid(0, 1000, 10, 0), ask(1, 1001, 100, 99))
	require.Len(t, fills, 1)
	assert.Equal(t, uint64(10), fills[0].AmountIn)
}

func TestMatchPartialThenExhaustion(t *testing.T) {
	fills := match(t, bid(0, 1000, 100, 50), ask(1, 1001, 50, 45))
	require.Len(t, fills, 1)
	assert.Equal(t, order.Fill{OrderIndex: 0, CounterpartyIndex: 1, AmountIn: 50, AmountOut: 50}, fills[0])
}

func TestMatchSequentialFills(t *testing.T) {
	fills := match(t,
		bid(0, 1000, 100, 50),
		bid(1, 2000, 50, 45),
		ask(2, 1001, 60, 55),
		ask(3, 2001, 50, 45),
	)
	// After the first fill bid 0 keeps 40, which is below its own minimum
	// against ask 3, so it is skipped and bid 1 takes ask 3 whole.
	assert.Equal(t, order.Batch{
		{OrderIndex: 0, CounterpartyIndex: 2, AmountIn: 60, AmountOut: 60},
		{OrderIndex: 1, CounterpartyIndex: 3, AmountIn: 50, AmountOut: 50},
	}, fills)
}

func TestMatchDegenerateInputs(t *testing.T) {
	tests := []struct {
		name   string
		orders []order.Order
	}{
		{"empty", nil},
		{"only bids", []order.Order{bid(0, 1, 100, 0), bid(1, 2, 50, 0)}},
		{"only asks", []order.Order{ask(0, 1, 100, 0)}},
		{"filled bid", []order.Order{func() order.Order { o := bid(0, 1, 100, 0); o.FilledAmountIn = 100; return o }(), ask(1, 2, 50, 0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fills := match(t, tt.orders...)
			assert.NotNil(t, fills)
			assert.Empty(t, fills)
		})
	}
}

func TestMatchIgnoresNonOpenOrders(t *testing.T) {
	b := bid(0, 1000, 100, 90)
	b.Status = order.Cancelled
	a := ask(1, 1001, 50, 45)
	a.Status = order.Filled
	assert.Empty(t, match(t, b, a))
}

func TestMatchIsPure(t *testing.T) {
	orders := []order.Order{
		bid(0, 1000, 100, 10),
		bid(1, 1000, 30, 10),
		ask(2, 999, 70, 0),
		ask(3, 1002, 70, 0),
	}
	before := append([]order.Order(nil), orders...)

	v := NewBookView(orders)
	first, err := Match(v)
	require.NoError(t, err)
	second, err := Match(v)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, before, orders)
	c, _ := v.Capacity(0)
	assert.Equal(t, uint64(100), c, "view capacity must survive a pass")
}

func TestMatchConservation(t *testing.T) {
	orders := []order.Order{
		bid(0, 1, 100, 0),
		bid(1, 2, 40, 0),
		ask(2, 1, 30, 0),
		ask(3, 2, 30, 0),
		ask(4, 3, 200, 0),
	}
	orders[0].FilledAmountIn = 20

	fills := match(t, orders...)
	used := map[uint32]uint64{}
	for _, f := range fills {
		assert.Equal(t, f.AmountIn, f.AmountOut)
		used[f.OrderIndex] += f.AmountIn
		used[f.CounterpartyIndex] += f.AmountOut
	}
	for _, o := range orders {
		assert.LessOrEqual(t, used[o.Index], o.Remaining(), "order %d over-allocated", o.Index)
	}
}

func TestMatchSnapshotRejectsMalformed(t *testing.T) {
	_, err := MatchSnapshot(order.Snapshot{Market: testMarket, Orders: []order.Order{bid(1, 1, 1, 0), ask(1, 1, 1, 0)}})
	var verr *order.ValidationError
	assert.ErrorAs(t, err, &verr)
}
