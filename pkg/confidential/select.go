package confidential

import (
	"sort"

	"github.com/uhyunpark/darkpool/pkg/app/core/oblivious"
	"github.com/uhyunpark/darkpool/pkg/app/core/order"
)

// SelectBatch picks the orders that go into one confidential pass: at most
// capacity Open orders, oldest first per side. Capacity is split evenly
// between bids and asks and a side that cannot use its share gives the rest
// to the other side. The result keeps the input's enumeration order.
//
// A capacity outside (0, oblivious.Capacity] is clamped to
// oblivious.Capacity.
func SelectBatch(orders []order.Order, capacity int) []order.Order {
	if capacity <= 0 || capacity > oblivious.Capacity {
		capacity = oblivious.Capacity
	}

	var bids, asks []int
	for i := range orders {
		if orders[i].Status != order.Open {
			continue
		}
		if orders[i].Side == order.Bid {
			bids = append(bids, i)
		} else {
			asks = append(asks, i)
		}
	}
	byAge := func(idx []int) {
		sort.SliceStable(idx, func(a, b int) bool { return orders[idx[a]].CreatedAt < orders[idx[b]].CreatedAt })
	}
	byAge(bids)
	byAge(asks)

	half := capacity / 2
	nb := min(len(bids), capacity-half)
	na := min(len(asks), half)
	left := capacity - nb - na
	extra := min(left, len(bids)-nb)
	nb += extra
	left -= extra
	na += min(left, len(asks)-na)

	chosen := make([]int, 0, nb+na)
	chosen = append(chosen, bids[:nb]...)
	chosen = append(chosen, asks[:na]...)
	sort.Ints(chosen)

	out := make([]order.Order, len(chosen))
	for i, idx := range chosen {
		out[i] = orders[idx]
	}
	return out
}
