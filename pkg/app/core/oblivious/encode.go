package oblivious

import (
	"fmt"

	"github.com/uhyunpark/darkpool/pkg/app/core/order"
)

// Encode packs up to Capacity orders into a zero-padded Input. Each order is
// given its slot position as Index; the returned mapping translates slot
// indexes back to venue order indexes.
func Encode(orders []order.Order) (*Input, []uint32, error) {
	if len(orders) > Capacity {
		return nil, nil, &order.ValidationError{Reason: fmt.Sprintf("%d orders exceed confidential capacity %d", len(orders), Capacity)}
	}

	in := &Input{Count: uint32(len(orders))}
	mapping := make([]uint32, len(orders))
	seen := make(map[uint32]struct{}, len(orders))

	for i := range orders {
		o := &orders[i]
		if _, dup := seen[o.Index]; dup {
			return nil, nil, &order.ValidationError{Index: o.Index, Reason: "duplicate order index"}
		}
		seen[o.Index] = struct{}{}
		if !o.Side.Valid() || !o.Status.Valid() {
			return nil, nil, &order.ValidationError{Index: o.Index, Reason: "unknown side or status"}
		}

		mapping[i] = o.Index
		in.Orders[i] = Slot{
			Index:          uint32(i),
			Side:           uint8(o.Side),
			AmountIn:       o.AmountIn,
			FilledAmountIn: o.FilledAmountIn,
			MinAmountOut:   o.MinAmountOut,
			CreatedAt:      o.CreatedAt,
			Status:         uint8(o.Status),
		}
	}
	return in, mapping, nil
}

// Decode reads exactly res.Count fills and maps slot indexes back to venue
// order indexes.
func Decode(res *Result, mapping []uint32) (order.Batch, error) {
	if res.Count > Capacity {
		return nil, &order.InvariantError{Detail: fmt.Sprintf("fill count %d exceeds capacity", res.Count)}
	}

	fills := make(order.Batch, 0, res.Count)
	for i := uint32(0); i < res.Count; i++ {
		f := res.Fills[i]
		if int(f.OrderIndex) >= len(mapping) || int(f.CounterpartyIndex) >= len(mapping) {
			return nil, &order.InvariantError{Detail: fmt.Sprintf("fill %d references slot outside input", i)}
		}
		fills = append(fills, order.Fill{
			OrderIndex:        mapping[f.OrderIndex],
			CounterpartyIndex: mapping[f.CounterpartyIndex],
			AmountIn:          f.AmountIn,
			AmountOut:         f.AmountOut,
		})
	}
	return fills, nil
}

// MatchOrders encodes, matches and decodes in one call.
func MatchOrders(orders []order.Order) (order.Batch, error) {
	in, mapping, err := Encode(orders)
	if err != nil {
		return nil, err
	}
	return Decode(Match(in), mapping)
}
