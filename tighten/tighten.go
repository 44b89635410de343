// Package tighten narrows variable bounds by propagating the query's
// relations. The Tightener interface is the seam for external
// abstract-interpretation backends; the native Propagator implements
// interval propagation to a fixpoint and is what ships by default.
package tighten

import (
	"context"
	"fmt"

	"github.com/oceanlab/remora/options"
	"github.com/oceanlab/remora/query"
)

// Outcome classifies a tightening call.
type Outcome uint8

const (
	// Fixpoint: no bound moved by more than the configured tolerance.
	Fixpoint Outcome = iota
	// Narrowed: at least one bound was tightened.
	Narrowed
	// Infeasible: some variable's interval became empty; the region holds
	// no satisfying assignment.
	Infeasible
)

func (o Outcome) String() string {
	switch o {
	case Fixpoint:
		return "fixpoint"
	case Narrowed:
		return "narrowed"
	case Infeasible:
		return "infeasible"
	default:
		return "unknown"
	}
}

// Tightener narrows b in place with respect to q's relations. It never
// widens a bound; calling it again on its own output is a no-op.
type Tightener interface {
	Tighten(ctx context.Context, q *query.Query, b *query.Bounds) (Outcome, error)
}

// New returns the tightener selected by cfg.TighteningStrategy.
func New(cfg options.Config) (Tightener, error) {
	switch cfg.TighteningStrategy {
	case options.TightenNone:
		return nopTightener{}, nil
	case options.TightenDeepPoly:
		return &Propagator{tol: cfg.BoundTolerance, workers: cfg.NumBlasThreads, backward: true}, nil
	case options.TightenSBT:
		return &Propagator{tol: cfg.BoundTolerance, workers: cfg.NumBlasThreads}, nil
	default:
		return nil, fmt.Errorf("unknown tightening strategy %q", cfg.TighteningStrategy)
	}
}

type nopTightener struct{}

func (nopTightener) Tighten(_ context.Context, _ *query.Query, b *query.Bounds) (Outcome, error) {
	if b.Empty() {
		return Infeasible, nil
	}
	return Fixpoint, nil
}
