// Package engine exposes the low-level solving primitive behind a session
// interface. An Engine is constructed explicitly, used for any number of
// Solve calls, and released with Close; there is no process-wide singleton.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/oceanlab/remora/options"
	"github.com/oceanlab/remora/query"
	"github.com/oceanlab/remora/tighten"
)

// ErrUnavailable is returned when the selected backend cannot run in this
// environment (missing binary, unsupported version).
var ErrUnavailable = errors.New("solver backend unavailable")

// Status is the outcome of one solve call: 1 SAT, -1 UNSAT, 0 undetermined.
type Status int8

const (
	Unknown Status = 0
	Sat     Status = 1
	Unsat   Status = -1
)

func (s Status) String() string {
	switch s {
	case Sat:
		return "sat"
	case Unsat:
		return "unsat"
	default:
		return "unknown"
	}
}

// Result is the outcome of solving one region.
type Result struct {
	Status Status
	// Assignment is non-nil only for Sat and covers every variable.
	Assignment map[int]float64
	// Trace is the machine-checkable record of the steps establishing an
	// Unsat result; populated only when proof production is enabled.
	Trace []string
}

// Engine is a solving session. Solve must honor ctx: a deadline bounds the
// call and a cancellation abandons it. Engines are safe for concurrent Solve
// calls on disjoint bound sets.
type Engine interface {
	Solve(ctx context.Context, q *query.Query, b *query.Bounds) (Result, error)
	Close() error
}

// BoundTightener is implemented by engines whose backend can sharpen variable
// bounds beyond interval propagation, by optimizing each variable subject to
// the query's constraints.
type BoundTightener interface {
	TightenBounds(ctx context.Context, q *query.Query, b *query.Bounds) (tighten.Outcome, error)
}

// New constructs the engine selected by cfg: the external MILP backend when
// requested, the native interval search otherwise. A non-none milpTightening
// needs the MILP backend to do its optimization passes, so it is rejected
// when the configuration selects the native engine.
func New(cfg options.Config) (Engine, error) {
	if cfg.SolveWithMILP || cfg.LPSolver == options.LPGurobi {
		return newGurobi(cfg)
	}
	if cfg.MILPTightening != options.MILPTightenNone {
		return nil, fmt.Errorf("%w: milpTightening %q requires the gurobi backend (lpSolver=gurobi or solveWithMILP)",
			ErrUnavailable, cfg.MILPTightening)
	}
	return newNative(cfg)
}
