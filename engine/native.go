package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/oceanlab/remora/logger"
	"github.com/oceanlab/remora/options"
	"github.com/oceanlab/remora/query"
	"github.com/oceanlab/remora/tighten"
)

// assignmentTolerance is the slack allowed when checking a candidate model
// against the query's relations.
const assignmentTolerance = 1e-6

// repairRounds bounds the Gauss-Seidel passes used to coax a midpoint
// candidate onto the relation surface.
const repairRounds = 100

// native solves a region by tightening to a fixpoint and, when every
// piecewise-linear relation has a determined phase, extracting a model. A
// region with undecided phases comes back Unknown for the orchestrator to
// split.
type native struct {
	tightener     tighten.Tightener
	produceProofs bool
	log           zerolog.Logger
}

func newNative(cfg options.Config) (*native, error) {
	t, err := tighten.New(cfg)
	if err != nil {
		return nil, err
	}
	return &native{
		tightener:     t,
		produceProofs: cfg.ProduceProofs,
		log:           logger.Logger().With().Str("engine", "native").Logger(),
	}, nil
}

func (e *native) Close() error { return nil }

func (e *native) Solve(ctx context.Context, q *query.Query, b *query.Bounds) (Result, error) {
	outcome, err := e.tightener.Tighten(ctx, q, b)
	if err != nil {
		return Result{}, err
	}
	if outcome == tighten.Infeasible {
		res := Result{Status: Unsat}
		if e.produceProofs {
			res.Trace = infeasibilityTrace(q, b)
		}
		return res, nil
	}

	for _, r := range q.ReLUs() {
		if r.Phase(b) == query.ReLUUndecided {
			return Result{Status: Unknown}, nil
		}
	}

	assignment, ok := extractModel(q, b)
	if !ok {
		e.log.Debug().Msg("phase-complete region but no model extracted")
		return Result{Status: Unknown}, nil
	}
	return Result{Status: Sat, Assignment: assignment}, nil
}

// extractModel searches for a concrete satisfying assignment inside b,
// starting from interval midpoints and repairing relation residuals.
func extractModel(q *query.Query, b *query.Bounds) (map[int]float64, bool) {
	assignment := make(map[int]float64, q.NumVariables())
	for v := 0; v < q.NumVariables(); v++ {
		assignment[v] = midpoint(b, v)
	}

	for round := 0; round < repairRounds; round++ {
		moved := false
		for _, r := range q.LinearRelations() {
			if repairLinear(r, assignment, b) {
				moved = true
			}
		}
		for _, r := range q.ReLUs() {
			want := math.Max(0, assignment[r.In])
			if math.Abs(assignment[r.Out]-want) > assignmentTolerance {
				assignment[r.Out] = clamp(want, b.Lower(r.Out), b.Upper(r.Out))
				moved = true
			}
		}
		if !moved {
			break
		}
	}

	if !b.Contains(assignment) {
		return nil, false
	}
	for _, r := range q.LinearRelations() {
		if !r.SatisfiedBy(assignment, assignmentTolerance) {
			return nil, false
		}
	}
	for _, r := range q.ReLUs() {
		if !r.SatisfiedBy(assignment, assignmentTolerance) {
			return nil, false
		}
	}
	return assignment, true
}

// repairLinear shifts variables of r, within their bounds, to absorb the
// relation's residual. Returns whether anything moved.
func repairLinear(r query.LinearRelation, assignment map[int]float64, b *query.Bounds) bool {
	sum := 0.0
	for _, a := range r.Addends {
		sum += a.Coefficient * assignment[a.Variable]
	}
	residual := r.Scalar - sum
	if math.Abs(residual) <= assignmentTolerance {
		return false
	}
	for _, a := range r.Addends {
		next := clamp(assignment[a.Variable]+residual/a.Coefficient, b.Lower(a.Variable), b.Upper(a.Variable))
		residual -= (next - assignment[a.Variable]) * a.Coefficient
		assignment[a.Variable] = next
		if math.Abs(residual) <= assignmentTolerance {
			break
		}
	}
	return true
}

func midpoint(b *query.Bounds, v int) float64 {
	lo, hi := b.Lower(v), b.Upper(v)
	switch {
	case math.IsInf(lo, -1) && math.IsInf(hi, 1):
		return 0
	case math.IsInf(lo, -1):
		return hi
	case math.IsInf(hi, 1):
		return lo
	default:
		return lo + (hi-lo)/2
	}
}

func clamp(x, lo, hi float64) float64 {
	return math.Min(math.Max(x, lo), hi)
}

// infeasibilityTrace records the empty intervals witnessing an Unsat leaf.
func infeasibilityTrace(q *query.Query, b *query.Bounds) []string {
	var trace []string
	for v := 0; v < q.NumVariables(); v++ {
		if b.Lower(v) > b.Upper(v) {
			trace = append(trace, fmt.Sprintf("x%d: empty interval [%g, %g]", v, b.Lower(v), b.Upper(v)))
		}
	}
	return trace
}
