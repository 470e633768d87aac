package reconcile

// Consensus recomputes the final result for an aggregate from its full
// ordered sequence history and the current final result. The rules:
//
//   - fewer than two sequences: the current value is kept as-is;
//   - a current value still confirmed by at least two sequences is kept,
//     even when another quantity has since gathered more occurrences;
//   - otherwise the quantity occurring most often (minimum twice) wins,
//     ties going to the quantity seen most recently;
//   - when no quantity recurs the current value is kept, never cleared.
//
// The function is pure so it can be exercised without the store.
func Consensus(history []Sequence, current *int64) *int64 {
	if len(history) < 2 {
		return current
	}

	occurrences := make(map[int64]int, len(history))
	lastSeen := make(map[int64]int, len(history))
	for _, seq := range history {
		occurrences[seq.Quantity]++
		if seq.SequenceNumber > lastSeen[seq.Quantity] {
			lastSeen[seq.Quantity] = seq.SequenceNumber
		}
	}

	if current != nil && occurrences[*current] >= 2 {
		return current
	}

	var winner *int64
	bestCount := 1
	bestRecency := 0
	for qty, count := range occurrences {
		if count < 2 {
			continue
		}
		if count > bestCount || (count == bestCount && lastSeen[qty] > bestRecency) {
			q := qty
			winner = &q
			bestCount = count
			bestRecency = lastSeen[qty]
		}
	}
	if winner == nil {
		return current
	}
	return winner
}

// NextDelta computes the signed difference between a new quantity and the
// last recorded sequence. Nil for the first sequence of an aggregate.
func NextDelta(history []Sequence, quantity int64) *int64 {
	if len(history) == 0 {
		return nil
	}
	delta := quantity - history[len(history)-1].Quantity
	return &delta
}
