// Package query defines the abstract constraint network handed to the solving
// backends: variables identified by dense indices, bound intervals, linear
// equalities and piecewise-linear (ReLU) relations, plus the ordered input and
// output variable lists used for reporting.
package query

import (
	"fmt"
	"math"

	"github.com/bits-and-blooms/bitset"
)

// Query is an abstract constraint network. It is built once by a format
// adapter (or loaded from a file) and is read-only during solving; mutable
// solving state lives in Bounds copies obtained through InitialBounds.
type Query struct {
	numVariables int

	linear []LinearRelation
	relus  []ReLU

	inputVariables  []int
	outputVariables []int

	// variables constrained by at least one relation
	constrained *bitset.BitSet

	initial *Bounds
}

// New returns an empty query over numVariables variables, all unbounded.
func New(numVariables int) *Query {
	return &Query{
		numVariables: numVariables,
		constrained:  bitset.New(uint(numVariables)),
		initial:      NewBounds(numVariables),
	}
}

// NumVariables returns the number of variables in the query.
func (q *Query) NumVariables() int {
	return q.numVariables
}

// AddVariable grows the query by one fresh unbounded variable and returns
// its index. Used by property encodings that need auxiliary variables.
func (q *Query) AddVariable() int {
	v := q.numVariables
	q.numVariables++
	q.initial.lower = append(q.initial.lower, math.Inf(-1))
	q.initial.upper = append(q.initial.upper, math.Inf(1))
	return v
}

func (q *Query) checkVariable(v int) error {
	if v < 0 || v >= q.numVariables {
		return fmt.Errorf("variable %d out of range [0, %d)", v, q.numVariables)
	}
	return nil
}

// AddLinearRelation adds Σ aᵢ·xᵢ = scalar to the query. Every referenced
// variable must exist.
func (q *Query) AddLinearRelation(r LinearRelation) error {
	if len(r.Addends) == 0 {
		return fmt.Errorf("linear relation has no addends")
	}
	for _, a := range r.Addends {
		if err := q.checkVariable(a.Variable); err != nil {
			return err
		}
		if a.Coefficient == 0 {
			return fmt.Errorf("variable %d has zero coefficient", a.Variable)
		}
		q.constrained.Set(uint(a.Variable))
	}
	q.linear = append(q.linear, r)
	return nil
}

// AddReLU adds the piecewise-linear relation out = max(0, in).
func (q *Query) AddReLU(in, out int) error {
	if err := q.checkVariable(in); err != nil {
		return err
	}
	if err := q.checkVariable(out); err != nil {
		return err
	}
	q.constrained.Set(uint(in))
	q.constrained.Set(uint(out))
	q.relus = append(q.relus, ReLU{In: in, Out: out})
	return nil
}

// SetLowerBound sets the initial lower bound of variable v.
func (q *Query) SetLowerBound(v int, l float64) error {
	if err := q.checkVariable(v); err != nil {
		return err
	}
	q.initial.lower[v] = l
	return nil
}

// SetUpperBound sets the initial upper bound of variable v.
func (q *Query) SetUpperBound(v int, u float64) error {
	if err := q.checkVariable(v); err != nil {
		return err
	}
	q.initial.upper[v] = u
	return nil
}

// MarkInputVariable appends v to the ordered input variable list.
func (q *Query) MarkInputVariable(v int) error {
	if err := q.checkVariable(v); err != nil {
		return err
	}
	q.inputVariables = append(q.inputVariables, v)
	return nil
}

// MarkOutputVariable appends v to the ordered output variable list.
func (q *Query) MarkOutputVariable(v int) error {
	if err := q.checkVariable(v); err != nil {
		return err
	}
	q.outputVariables = append(q.outputVariables, v)
	return nil
}

// InputVariables returns the ordered input variable indices.
func (q *Query) InputVariables() []int {
	return q.inputVariables
}

// OutputVariables returns the ordered output variable indices.
func (q *Query) OutputVariables() []int {
	return q.outputVariables
}

// LinearRelations returns the linear relations of the query.
func (q *Query) LinearRelations() []LinearRelation {
	return q.linear
}

// ReLUs returns the piecewise-linear relations of the query.
func (q *Query) ReLUs() []ReLU {
	return q.relus
}

// IsConstrained reports whether variable v appears in any relation.
func (q *Query) IsConstrained(v int) bool {
	return q.constrained.Test(uint(v))
}

// InitialBounds returns a fresh copy of the query's initial bound state.
// Callers own the copy; the query itself is never mutated during solving.
func (q *Query) InitialBounds() *Bounds {
	return q.initial.Clone()
}
