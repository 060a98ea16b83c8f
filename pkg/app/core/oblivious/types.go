package oblivious

// Capacity is the system-wide maximum number of orders in one confidential
// matching pass. Every array in this package has exactly this many entries
// and every loop runs a number of times derived only from it.
const Capacity = 100

const (
	sideBid uint8 = 0
	sideAsk uint8 = 1

	statusOpen uint8 = 0
)

// Slot is one zero-padded order entry of the confidential input.
type Slot struct {
	Index          uint32
	Side           uint8 // 0=bid, 1=ask
	AmountIn       uint64
	FilledAmountIn uint64
	MinAmountOut   uint64
	CreatedAt      int64
	Status         uint8 // 0=open, 1=partially filled, 2=filled, 3=cancelled
}

// Input is the fixed-capacity order encoding. Entries at or beyond Count are
// padding and are excluded by position only.
type Input struct {
	Orders [Capacity]Slot
	Count  uint32
}

// Fill is one entry of the fixed-capacity result.
type Fill struct {
	OrderIndex        uint32
	CounterpartyIndex uint32
	AmountIn          uint64
	AmountOut         uint64
}

// Result is the fixed-capacity fill list. Entries at or beyond Count are
// zero padding.
type Result struct {
	Fills [Capacity]Fill
	Count uint32
}

// entry is a slot tagged with its sort key and its input position, which
// addresses the capacity table.
type entry struct {
	slot       Slot
	ineligible uint64
	pos        uint64
}

func selSlot(bit uint64, a, b Slot) Slot {
	return Slot{
		Index:          sel32(bit, a.Index, b.Index),
		Side:           uint8(sel(bit, uint64(a.Side), uint64(b.Side))),
		AmountIn:       sel(bit, a.AmountIn, b.AmountIn),
		FilledAmountIn: sel(bit, a.FilledAmountIn, b.FilledAmountIn),
		MinAmountOut:   sel(bit, a.MinAmountOut, b.MinAmountOut),
		CreatedAt:      selSigned(bit, a.CreatedAt, b.CreatedAt),
		Status:         uint8(sel(bit, uint64(a.Status), uint64(b.Status))),
	}
}

func selEntry(bit uint64, a, b entry) entry {
	return entry{
		slot:       selSlot(bit, a.slot, b.slot),
		ineligible: sel(bit, a.ineligible, b.ineligible),
		pos:        sel(bit, a.pos, b.pos),
	}
}

func selFill(bit uint64, a, b Fill) Fill {
	return Fill{
		OrderIndex:        sel32(bit, a.OrderIndex, b.OrderIndex),
		CounterpartyIndex: sel32(bit, a.CounterpartyIndex, b.CounterpartyIndex),
		AmountIn:          sel(bit, a.AmountIn, b.AmountIn),
		AmountOut:         sel(bit, a.AmountOut, b.AmountOut),
	}
}
