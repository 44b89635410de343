package query

import "math"

// Bounds holds one interval [lower, upper] per variable. Intervals only ever
// narrow: TightenLower and TightenUpper ignore values that would widen the
// interval, so a Bounds is monotone by construction for the lifetime of a
// sub-query.
type Bounds struct {
	lower []float64
	upper []float64
}

// NewBounds returns bounds over n variables, all (-inf, +inf).
func NewBounds(n int) *Bounds {
	b := &Bounds{
		lower: make([]float64, n),
		upper: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		b.lower[i] = math.Inf(-1)
		b.upper[i] = math.Inf(1)
	}
	return b
}

// NumVariables returns the number of variables covered.
func (b *Bounds) NumVariables() int {
	return len(b.lower)
}

// Lower returns the lower bound of variable v.
func (b *Bounds) Lower(v int) float64 {
	return b.lower[v]
}

// Upper returns the upper bound of variable v.
func (b *Bounds) Upper(v int) float64 {
	return b.upper[v]
}

// Width returns upper - lower for variable v; +inf when unbounded.
func (b *Bounds) Width(v int) float64 {
	return b.upper[v] - b.lower[v]
}

// TightenLower raises the lower bound of v to l. Returns true when the bound
// moved by more than tol; values that would widen the interval are ignored.
func (b *Bounds) TightenLower(v int, l, tol float64) bool {
	if math.IsNaN(l) || l <= b.lower[v] {
		return false
	}
	narrowed := l-b.lower[v] > tol || math.IsInf(b.lower[v], -1)
	b.lower[v] = l
	return narrowed
}

// TightenUpper lowers the upper bound of v to u. Returns true when the bound
// moved by more than tol; values that would widen the interval are ignored.
func (b *Bounds) TightenUpper(v int, u, tol float64) bool {
	if math.IsNaN(u) || u >= b.upper[v] {
		return false
	}
	narrowed := b.upper[v]-u > tol || math.IsInf(b.upper[v], 1)
	b.upper[v] = u
	return narrowed
}

// Empty reports whether any variable's interval is empty, i.e. the bound set
// is infeasible.
func (b *Bounds) Empty() bool {
	for v := range b.lower {
		if b.lower[v] > b.upper[v] {
			return true
		}
	}
	return false
}

// Fixed reports whether variable v is determined up to tol.
func (b *Bounds) Fixed(v int, tol float64) bool {
	return b.upper[v]-b.lower[v] <= tol
}

// Contains reports whether the assignment lies inside every interval.
func (b *Bounds) Contains(assignment map[int]float64) bool {
	for v, x := range assignment {
		if x < b.lower[v] || x > b.upper[v] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (b *Bounds) Clone() *Bounds {
	c := &Bounds{
		lower: make([]float64, len(b.lower)),
		upper: make([]float64, len(b.upper)),
	}
	copy(c.lower, b.lower)
	copy(c.upper, b.upper)
	return c
}
