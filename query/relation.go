package query

import "math"

// Addend is one aᵢ·xᵢ term of a linear relation.
type Addend struct {
	Coefficient float64
	Variable    int
}

// LinearRelation is the equality Σ aᵢ·xᵢ = Scalar.
type LinearRelation struct {
	Addends []Addend
	Scalar  float64
}

// SatisfiedBy reports whether the assignment satisfies the relation within
// tolerance eps.
func (r LinearRelation) SatisfiedBy(assignment map[int]float64, eps float64) bool {
	sum := 0.0
	for _, a := range r.Addends {
		sum += a.Coefficient * assignment[a.Variable]
	}
	return math.Abs(sum-r.Scalar) <= eps
}

// ReLUPhase is the activation state of a ReLU relation under a set of bounds.
type ReLUPhase uint8

const (
	ReLUUndecided ReLUPhase = iota
	ReLUActive              // in ≥ 0, out = in
	ReLUInactive            // in ≤ 0, out = 0
)

// ReLU is the piecewise-linear relation Out = max(0, In).
type ReLU struct {
	In  int
	Out int
}

// Phase returns the activation state implied by b: Active when the input
// cannot be negative, Inactive when it cannot be positive.
func (r ReLU) Phase(b *Bounds) ReLUPhase {
	if b.Lower(r.In) >= 0 {
		return ReLUActive
	}
	if b.Upper(r.In) <= 0 {
		return ReLUInactive
	}
	return ReLUUndecided
}

// SatisfiedBy reports whether the assignment satisfies out = max(0, in)
// within tolerance eps.
func (r ReLU) SatisfiedBy(assignment map[int]float64, eps float64) bool {
	return math.Abs(assignment[r.Out]-math.Max(0, assignment[r.In])) <= eps
}
