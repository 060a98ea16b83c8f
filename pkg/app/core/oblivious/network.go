package oblivious

// after reports whether a sorts strictly after b: eligible entries first,
// then by CreatedAt, then by input position. Positions are unique, so the
// order is total and the resulting sort is stable with respect to the input.
func after(a, b *entry) uint64 {
	inelGT := a.ineligible & not(b.ineligible)
	inelEQ := eq(a.ineligible, b.ineligible)
	createdGT := ltSigned(b.slot.CreatedAt, a.slot.CreatedAt)
	createdEQ := eq(uint64(a.slot.CreatedAt), uint64(b.slot.CreatedAt))
	posGT := lt(b.pos, a.pos)
	return inelGT | (inelEQ & createdGT) | (inelEQ & createdEQ & posGT)
}

// sortEntries is an odd-even transposition network: Capacity rounds of
// compare-and-swap on fixed adjacent pairs. Every pair is touched in every
// round whatever the data.
func sortEntries(a *[Capacity]entry) {
	for round := 0; round < Capacity; round++ {
		for j := round % 2; j+1 < Capacity; j += 2 {
			swap := after(&a[j], &a[j+1])
			lo := selEntry(swap, a[j+1], a[j])
			hi := selEntry(swap, a[j], a[j+1])
			a[j], a[j+1] = lo, hi
		}
	}
}
