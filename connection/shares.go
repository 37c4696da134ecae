package connection

// AmountAllocator apportions a packet's total source amount across a set of
// contributing streams. The wire only ever carries shares (§4.F step 3, §9
// "shares vs ax+b" open question) — ShareAllocator below is the form the
// spec implements; this interface is the extension point DESIGN.md commits
// to, so a future linear (ax+b) scheme can be substituted without touching
// the StreamMoney frame.
type AmountAllocator interface {
	// Allocate splits amount across shares (indexed identically to
	// streamIDs) using integer floor division, assigning the remainder
	// deterministically to the lowest stream id.
	Allocate(amount uint64, streamIDs []uint64, shares []uint64) map[uint64]uint64
}

// ShareAllocator is the spec's implemented allocation scheme: each stream's
// portion is floor(amount * share / totalShares), with any leftover units
// (from integer truncation) credited to the lowest stream id among the
// contributors.
type ShareAllocator struct{}

func (ShareAllocator) Allocate(amount uint64, streamIDs []uint64, shares []uint64) map[uint64]uint64 {
	result := make(map[uint64]uint64, len(streamIDs))
	if len(streamIDs) == 0 || amount == 0 {
		return result
	}

	var totalShares uint64
	for _, s := range shares {
		totalShares += s
	}
	if totalShares == 0 {
		return result
	}

	var allocated uint64
	lowest := streamIDs[0]
	for i, id := range streamIDs {
		if id < lowest {
			lowest = id
		}
		portion := (amount * shares[i]) / totalShares
		result[id] = portion
		allocated += portion
	}

	remainder := amount - allocated
	if remainder > 0 {
		result[lowest] += remainder
	}
	return result
}
