// Package split partitions a sub-query's search space. Each strategy returns
// 2^k children whose bound sets are pairwise disjoint (up to the shared
// splitting plane) and together cover the parent's region exactly.
package split

import (
	"errors"
	"fmt"

	"github.com/oceanlab/remora/options"
	"github.com/oceanlab/remora/query"
)

// ErrUnsplittable is returned when no variable or relation offers a split:
// the region is fully determined and the caller must treat the sub-query as
// inconclusive rather than keep partitioning.
var ErrUnsplittable = errors.New("query is not splittable")

// Child is one branch of a case split.
type Child struct {
	Bounds *query.Bounds
	// Label describes the constraint this branch adds, e.g. "x3<=0.25" or
	// "relu7:active".
	Label string
}

// Splitter partitions the region b of query q into exactly 2^k children.
type Splitter interface {
	Split(q *query.Query, b *query.Bounds, k int) ([]Child, error)
}

// bisector produces one binary case split; Split builds 2^k children by
// applying it k times across the frontier.
type bisector interface {
	bisect(q *query.Query, b *query.Bounds) ([2]Child, error)
}

type splitter struct {
	bisector
}

func (s splitter) Split(q *query.Query, b *query.Bounds, k int) ([]Child, error) {
	frontier := []Child{{Bounds: b, Label: ""}}
	for i := 0; i < k; i++ {
		next := make([]Child, 0, 2*len(frontier))
		for _, c := range frontier {
			pair, err := s.bisect(q, c.Bounds)
			if err != nil {
				return nil, err
			}
			for _, child := range pair {
				if c.Label != "" {
					child.Label = c.Label + "," + child.Label
				}
				next = append(next, child)
			}
		}
		frontier = next
	}
	return frontier, nil
}

// New returns the splitter selected by strategy. The auto strategy prefers
// relation splits while the query has undecided piecewise-linear relations,
// switching to polarity ordering once their count reaches cfg.SplitThreshold,
// and falls back to interval bisection for purely linear queries.
func New(strategy options.SplittingStrategy, cfg options.Config) (Splitter, error) {
	switch strategy {
	case options.SplitLargestInterval:
		return splitter{largestInterval{}}, nil
	case options.SplitReLUViolation:
		return splitter{reluViolation{}}, nil
	case options.SplitEarliestReLU:
		return splitter{earliestReLU{}}, nil
	case options.SplitPolarity:
		return splitter{newPolarity(cfg.NumSimulations)}, nil
	case options.SplitAuto:
		return splitter{auto{
			threshold: cfg.SplitThreshold,
			polarity:  newPolarity(cfg.NumSimulations),
		}}, nil
	default:
		return nil, fmt.Errorf("unknown splitting strategy %q", strategy)
	}
}

// auto picks a bisector per call based on the query's shape.
type auto struct {
	threshold int
	polarity  polarity
}

func (a auto) bisect(q *query.Query, b *query.Bounds) ([2]Child, error) {
	undecided := 0
	for _, r := range q.ReLUs() {
		if r.Phase(b) == query.ReLUUndecided {
			undecided++
		}
	}
	switch {
	case undecided == 0:
		return largestInterval{}.bisect(q, b)
	case undecided >= a.threshold:
		return a.polarity.bisect(q, b)
	default:
		return reluViolation{}.bisect(q, b)
	}
}
