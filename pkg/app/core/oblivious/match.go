// Package oblivious implements the fixed-work matcher that runs behind the
// confidential execution boundary. It produces the same fills, in the same
// order, as orderbook.Match, but its loop bounds, branch structure and
// memory access pattern depend only on Capacity.
package oblivious

func readEntry(a *[Capacity]entry, idx uint64) entry {
	var out entry
	for i := 0; i < Capacity; i++ {
		out = selEntry(eq(uint64(i), idx), a[i], out)
	}
	return out
}

func readU64(a *[Capacity]uint64, idx uint64) uint64 {
	var out uint64
	for i := 0; i < Capacity; i++ {
		out = sel(eq(uint64(i), idx), a[i], out)
	}
	return out
}

func writeU64(a *[Capacity]uint64, bit, idx, v uint64) {
	for i := 0; i < Capacity; i++ {
		a[i] = sel(bit&eq(uint64(i), idx), v, a[i])
	}
}

func writeFill(a *[Capacity]Fill, bit, idx uint64, f Fill) {
	for i := 0; i < Capacity; i++ {
		a[i] = selFill(bit&eq(uint64(i), idx), f, a[i])
	}
}

// Match runs the greedy FIFO 1:1 matcher over a fixed-capacity input.
func Match(in *Input) *Result {
	count := uint64(in.Count)

	var bids, asks [Capacity]entry
	var remaining [Capacity]uint64
	var bidCount, askCount uint64

	for i := 0; i < Capacity; i++ {
		s := in.Orders[i]
		live := lt(uint64(i), count) & eq(uint64(s.Status), uint64(statusOpen))
		isBid := live & eq(uint64(s.Side), uint64(sideBid))
		isAsk := live & eq(uint64(s.Side), uint64(sideAsk))

		bids[i] = entry{slot: s, ineligible: not(isBid), pos: uint64(i)}
		asks[i] = entry{slot: s, ineligible: not(isAsk), pos: uint64(i)}
		bidCount += isBid
		askCount += isAsk

		rem := sel(lt(s.FilledAmountIn, s.AmountIn), s.AmountIn-s.FilledAmountIn, 0)
		remaining[i] = sel(live, rem, 0)
	}

	sortEntries(&bids)
	sortEntries(&asks)

	out := &Result{}
	var fillCount, bidIdx, askIdx uint64

	// Each active iteration advances at least one cursor, and the cursors
	// together can advance at most count times, so Capacity iterations
	// always reach the end of the pass.
	for iter := 0; iter < Capacity; iter++ {
		active := lt(bidIdx, bidCount) & lt(askIdx, askCount)

		b := readEntry(&bids, bidIdx)
		a := readEntry(&asks, askIdx)
		rb := readU64(&remaining, b.pos)
		ra := readU64(&remaining, a.pos)

		bidZero := isZero(rb)
		askZero := isZero(ra)
		m := minU64(rb, ra)
		mZero := isZero(m)
		belowMin := lt(m, b.slot.MinAmountOut)

		proceed := active & not(bidZero) & not(askZero)
		bothAdvance := proceed & mZero
		skipBid := proceed & not(mZero) & belowMin
		emit := proceed & not(mZero) & not(belowMin)

		take := sel(emit, m, 0)
		newRb := rb - take
		newRa := ra - take

		writeU64(&remaining, emit, b.pos, newRb)
		writeU64(&remaining, emit, a.pos, newRa)
		writeFill(&out.Fills, emit, fillCount, Fill{
			OrderIndex:        b.slot.Index,
			CounterpartyIndex: a.slot.Index,
			AmountIn:          m,
			AmountOut:         m,
		})

		advBid := (active & bidZero) | bothAdvance | skipBid | (emit & isZero(newRb))
		advAsk := (active & not(bidZero) & askZero) | bothAdvance | (emit & isZero(newRa))

		fillCount += emit
		bidIdx += advBid
		askIdx += advAsk
	}

	out.Count = uint32(fillCount)
	return out
}
