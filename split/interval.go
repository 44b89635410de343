package split

import (
	"fmt"
	"math"

	"github.com/oceanlab/remora/query"
)

// largestInterval bisects the widest finite interval at its midpoint,
// preferring declared input variables since those span the search space.
type largestInterval struct{}

func (largestInterval) bisect(q *query.Query, b *query.Bounds) ([2]Child, error) {
	v := widest(q.InputVariables(), b)
	if v < 0 {
		// no usable input interval; consider every constrained variable
		all := make([]int, 0, q.NumVariables())
		for i := 0; i < q.NumVariables(); i++ {
			if q.IsConstrained(i) {
				all = append(all, i)
			}
		}
		v = widest(all, b)
	}
	if v < 0 {
		return [2]Child{}, ErrUnsplittable
	}

	mid := b.Lower(v) + b.Width(v)/2
	lo, hi := b.Clone(), b.Clone()
	lo.TightenUpper(v, mid, 0)
	hi.TightenLower(v, mid, 0)
	return [2]Child{
		{Bounds: lo, Label: fmt.Sprintf("x%d<=%g", v, mid)},
		{Bounds: hi, Label: fmt.Sprintf("x%d>=%g", v, mid)},
	}, nil
}

// widest returns the variable with the largest finite positive width among
// vars, or -1 when none qualifies.
func widest(vars []int, b *query.Bounds) int {
	best, bestWidth := -1, 0.0
	for _, v := range vars {
		w := b.Width(v)
		if w > bestWidth && !math.IsInf(w, 1) {
			best, bestWidth = v, w
		}
	}
	return best
}
