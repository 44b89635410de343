package tighten

import (
	"context"
	"math"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/sync/errgroup"

	"github.com/oceanlab/remora/query"
)

// roundCap bounds the number of propagation rounds; with a zero tolerance a
// chain of relations can otherwise shave infinitesimal slices forever.
const roundCap = 10000

// Propagator tightens bounds by interval propagation over the query's
// relations, sweeping until no bound moves by more than tol. With backward
// set, ReLU relations also propagate output bounds back to their inputs
// (the deeppoly-style pass); without it only the forward direction runs.
type Propagator struct {
	tol      float64
	workers  int
	backward bool
}

// NewPropagator returns an interval propagator with the given tolerance,
// worker cap for the relation sweep, and backward-propagation flag.
func NewPropagator(tol float64, workers int, backward bool) *Propagator {
	if workers < 1 {
		workers = 1
	}
	return &Propagator{tol: tol, workers: workers, backward: backward}
}

// proposal is one candidate bound move, computed in parallel and applied
// serially so the sweep stays race-free and deterministic.
type proposal struct {
	variable int
	value    float64
	isLower  bool
}

func (p *Propagator) Tighten(ctx context.Context, q *query.Query, b *query.Bounds) (Outcome, error) {
	if b.Empty() {
		return Infeasible, nil
	}

	linear := q.LinearRelations()
	relus := q.ReLUs()

	// relation index touching each variable; relations are numbered with
	// linear relations first, then ReLUs.
	numRelations := len(linear) + len(relus)
	touching := make([][]int, b.NumVariables())
	for ri, r := range linear {
		for _, a := range r.Addends {
			touching[a.Variable] = append(touching[a.Variable], ri)
		}
	}
	for ri, r := range relus {
		touching[r.In] = append(touching[r.In], len(linear)+ri)
		touching[r.Out] = append(touching[r.Out], len(linear)+ri)
	}

	dirty := bitset.New(uint(numRelations))
	dirty.FlipRange(0, uint(numRelations))

	outcome := Fixpoint
	for round := 0; round < roundCap && dirty.Any(); round++ {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}

		pending := make([]uint, 0, dirty.Count())
		for ri, ok := dirty.NextSet(0); ok; ri, ok = dirty.NextSet(ri + 1) {
			pending = append(pending, ri)
		}
		dirty.ClearAll()

		proposals := make([][]proposal, len(pending))
		g, _ := errgroup.WithContext(ctx)
		g.SetLimit(p.workers)
		for i, ri := range pending {
			g.Go(func() error {
				if int(ri) < len(linear) {
					proposals[i] = proposeLinear(linear[ri], b)
				} else {
					proposals[i] = p.proposeReLU(relus[int(ri)-len(linear)], b)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return outcome, err
		}

		for _, ps := range proposals {
			for _, pr := range ps {
				var moved bool
				if pr.isLower {
					moved = b.TightenLower(pr.variable, pr.value, p.tol)
				} else {
					moved = b.TightenUpper(pr.variable, pr.value, p.tol)
				}
				if moved {
					outcome = Narrowed
					for _, ri := range touching[pr.variable] {
						dirty.Set(uint(ri))
					}
				}
			}
		}
		if b.Empty() {
			return Infeasible, nil
		}
	}
	return outcome, nil
}

// proposeLinear solves Σ aᵢ·xᵢ = s for each variable in turn over the
// intervals of the others.
func proposeLinear(r query.LinearRelation, b *query.Bounds) []proposal {
	var out []proposal
	for j, aj := range r.Addends {
		restLo, restHi := 0.0, 0.0
		for i, ai := range r.Addends {
			if i == j {
				continue
			}
			lo, hi := ai.Coefficient*b.Lower(ai.Variable), ai.Coefficient*b.Upper(ai.Variable)
			if ai.Coefficient < 0 {
				lo, hi = hi, lo
			}
			restLo += lo
			restHi += hi
		}
		// aj·xj = s - rest
		numLo, numHi := r.Scalar-restHi, r.Scalar-restLo
		lo, hi := numLo/aj.Coefficient, numHi/aj.Coefficient
		if aj.Coefficient < 0 {
			lo, hi = hi, lo
		}
		if !math.IsNaN(lo) && !math.IsInf(lo, -1) {
			out = append(out, proposal{variable: aj.Variable, value: lo, isLower: true})
		}
		if !math.IsNaN(hi) && !math.IsInf(hi, 1) {
			out = append(out, proposal{variable: aj.Variable, value: hi, isLower: false})
		}
	}
	return out
}

// proposeReLU propagates out = max(0, in). Forward bounds always hold;
// backward, in ≤ out always and in ≥ lower(out) once the output is known
// positive.
func (p *Propagator) proposeReLU(r query.ReLU, b *query.Bounds) []proposal {
	out := []proposal{
		{variable: r.Out, value: math.Max(0, b.Lower(r.In)), isLower: true},
	}
	if !math.IsInf(b.Upper(r.In), 1) {
		out = append(out, proposal{variable: r.Out, value: math.Max(0, b.Upper(r.In)), isLower: false})
	}
	if p.backward {
		if !math.IsInf(b.Upper(r.Out), 1) {
			out = append(out, proposal{variable: r.In, value: b.Upper(r.Out), isLower: false})
		}
		if b.Lower(r.Out) > 0 {
			out = append(out, proposal{variable: r.In, value: b.Lower(r.Out), isLower: true})
		}
	}
	return out
}
