package split

import (
	"fmt"
	"math"

	"github.com/bits-and-blooms/bitset"

	"github.com/oceanlab/remora/query"
)

// undecidedMask marks the ReLUs whose phase is not yet fixed by b.
func undecidedMask(q *query.Query, b *query.Bounds) *bitset.BitSet {
	relus := q.ReLUs()
	mask := bitset.New(uint(len(relus)))
	for i, r := range relus {
		if r.Phase(b) == query.ReLUUndecided {
			mask.Set(uint(i))
		}
	}
	return mask
}

// phaseChildren fixes ReLU i of q to its two phases. The active branch pins
// the input non-negative; the inactive branch pins the input non-positive
// and the output to zero. The branches overlap only on the measure-zero
// plane in = 0.
func phaseChildren(q *query.Query, b *query.Bounds, i int) [2]Child {
	r := q.ReLUs()[i]
	active, inactive := b.Clone(), b.Clone()
	active.TightenLower(r.In, 0, 0)
	inactive.TightenUpper(r.In, 0, 0)
	inactive.TightenUpper(r.Out, 0, 0)
	inactive.TightenLower(r.Out, 0, 0)
	return [2]Child{
		{Bounds: active, Label: fmt.Sprintf("relu%d:active", i)},
		{Bounds: inactive, Label: fmt.Sprintf("relu%d:inactive", i)},
	}
}

// reluViolation splits the most ambiguous undecided ReLU: the one whose
// input interval straddles zero the deepest on both sides.
type reluViolation struct{}

func (reluViolation) bisect(q *query.Query, b *query.Bounds) ([2]Child, error) {
	mask := undecidedMask(q, b)
	best, bestDepth := -1, 0.0
	for i, ok := mask.NextSet(0); ok; i, ok = mask.NextSet(i + 1) {
		r := q.ReLUs()[i]
		depth := math.Min(-b.Lower(r.In), b.Upper(r.In))
		if best < 0 || depth > bestDepth {
			best, bestDepth = int(i), depth
		}
	}
	if best < 0 {
		return largestInterval{}.bisect(q, b)
	}
	return phaseChildren(q, b, best), nil
}

// earliestReLU splits the first undecided ReLU in declaration order.
type earliestReLU struct{}

func (earliestReLU) bisect(q *query.Query, b *query.Bounds) ([2]Child, error) {
	mask := undecidedMask(q, b)
	i, ok := mask.NextSet(0)
	if !ok {
		return largestInterval{}.bisect(q, b)
	}
	return phaseChildren(q, b, int(i)), nil
}
