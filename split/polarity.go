package split

import (
	"math"
	"math/rand/v2"

	"github.com/oceanlab/remora/query"
)

// sampleHorizon stands in for infinity when sampling an unbounded input.
const sampleHorizon = 1e6

// polarity splits the undecided ReLU whose estimated activation sign is the
// least certain, and orders the children so the branch the relation is
// leaning toward comes first. The estimate is the mean sign over a fixed
// number of uniform samples of the input interval.
type polarity struct {
	samples int
	rng     *rand.Rand
}

func newPolarity(samples int) polarity {
	if samples < 1 {
		samples = 1
	}
	// fixed seed: splits must be reproducible across runs
	return polarity{samples: samples, rng: rand.New(rand.NewPCG(0x72656d6f, 0x72610a01))}
}

func (p polarity) bisect(q *query.Query, b *query.Bounds) ([2]Child, error) {
	mask := undecidedMask(q, b)
	best, bestEstimate := -1, 0.0
	for i, ok := mask.NextSet(0); ok; i, ok = mask.NextSet(i + 1) {
		e := p.estimate(q.ReLUs()[i], b)
		if best < 0 || math.Abs(e) < math.Abs(bestEstimate) {
			best, bestEstimate = int(i), e
		}
	}
	if best < 0 {
		return largestInterval{}.bisect(q, b)
	}

	children := phaseChildren(q, b, best)
	if bestEstimate < 0 {
		// leaning inactive: explore that branch first
		children[0], children[1] = children[1], children[0]
	}
	return children, nil
}

// estimate returns the mean sign of sampled input values, in [-1, 1].
func (p polarity) estimate(r query.ReLU, b *query.Bounds) float64 {
	lo := math.Max(b.Lower(r.In), -sampleHorizon)
	hi := math.Min(b.Upper(r.In), sampleHorizon)
	if hi <= lo {
		return 0
	}
	sum := 0.0
	for i := 0; i < p.samples; i++ {
		if lo+p.rng.Float64()*(hi-lo) > 0 {
			sum++
		} else {
			sum--
		}
	}
	return sum / float64(p.samples)
}
