package orderbook

import (
	"sort"

	"github.com/uhyunpark/darkpool/pkg/app/core/order"
)

// BookView is the per-side FIFO projection of one market's order set.
// Only orders whose status is exactly Open are eligible.
type BookView struct {
	Bids []order.Order // oldest first
	Asks []order.Order // oldest first

	capacity map[uint32]uint64 // order index -> remaining input
}

// NewBookView splits orders by side and stable-sorts each side by CreatedAt,
// so equal timestamps keep their position in the input slice. The input is
// not modified.
func NewBookView(orders []order.Order) *BookView {
	v := &BookView{capacity: make(map[uint32]uint64, len(orders))}

	for i := range orders {
		o := orders[i]
		if o.Status != order.Open {
			continue
		}
		if o.Side == order.Bid {
			v.Bids = append(v.Bids, o)
		} else {
			v.Asks = append(v.Asks, o)
		}
		v.capacity[o.Index] = o.Remaining()
	}

	sort.SliceStable(v.Bids, func(i, j int) bool { return v.Bids[i].CreatedAt < v.Bids[j].CreatedAt })
	sort.SliceStable(v.Asks, func(i, j int) bool { return v.Asks[i].CreatedAt < v.Asks[j].CreatedAt })
	return v
}

// Capacity returns the remaining input of an eligible order at view time.
func (v *BookView) Capacity(index uint32) (uint64, bool) {
	c, ok := v.capacity[index]
	return c, ok
}

// Len returns the number of eligible orders on both sides.
func (v *BookView) Len() int { return len(v.Bids) + len(v.Asks) }

func (v *BookView) cloneCapacity() map[uint32]uint64 {
	out := make(map[uint32]uint64, len(v.capacity))
	for k, c := range v.capacity {
		out[k] = c
	}
	return out
}
