package scheduler

// candidate is a pending request annotated with the quantities
// candidate selection needs: its client's limits, current usage, and
// the derived remaining/missing headroom.
type candidate struct {
	reqID       uint64 // queue.Request.ID, for RemoveByID
	client      string
	arrivedMs   int64
	smPartition int
	usage       float64
	remaining   float64
	missing     float64
}

// less implements the strict scheduling priority order, ascending =
// more preferable:
//
//  1. larger missing first
//  2. larger remaining first
//  3. smaller usage first
//  4. smaller arrivedMs first
//
// Grounded on score.go's style of small pure comparison helpers.
// Written as an explicit lexicographic tuple comparison with
// no floating-point equality shortcuts that could produce a false
// "equal" for unequal inputs on different call orders — a naive
// comparator here can fail to form a strict weak order and corrupt
// sort.Slice's result.
func less(a, b candidate) bool {
	if a.missing != b.missing {
		return a.missing > b.missing
	}
	if a.remaining != b.remaining {
		return a.remaining > b.remaining
	}
	if a.usage != b.usage {
		return a.usage < b.usage
	}
	return a.arrivedMs < b.arrivedMs
}
