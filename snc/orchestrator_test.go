package snc

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oceanlab/remora/engine"
	"github.com/oceanlab/remora/options"
	"github.com/oceanlab/remora/query"
	"github.com/oceanlab/remora/result"
	"github.com/oceanlab/remora/tighten"
)

// stubEngine lets tests script the solving primitive.
type stubEngine struct {
	solve func(ctx context.Context, q *query.Query, b *query.Bounds) (engine.Result, error)
}

func (s stubEngine) Solve(ctx context.Context, q *query.Query, b *query.Bounds) (engine.Result, error) {
	return s.solve(ctx, q, b)
}

func (s stubEngine) Close() error { return nil }

// milpStub is a stubEngine that also scripts the optimization-backed
// tightening pass.
type milpStub struct {
	stubEngine
	tightenBounds func(ctx context.Context, q *query.Query, b *query.Bounds) (tighten.Outcome, error)
}

func (s milpStub) TightenBounds(ctx context.Context, q *query.Query, b *query.Bounds) (tighten.Outcome, error) {
	return s.tightenBounds(ctx, q, b)
}

// blockUntilDone parks until the context ends, like a solver grinding on a
// hard region.
func blockUntilDone(ctx context.Context, _ *query.Query, _ *query.Bounds) (engine.Result, error) {
	<-ctx.Done()
	return engine.Result{}, ctx.Err()
}

func unitBox(t *testing.T) *query.Query {
	t.Helper()
	q := query.New(1)
	require.NoError(t, q.MarkInputVariable(0))
	require.NoError(t, q.SetLowerBound(0, 0))
	require.NoError(t, q.SetUpperBound(0, 1))
	return q
}

func sncConfig(t *testing.T, opts ...options.Option) options.Config {
	t.Helper()
	base := []options.Option{
		options.WithSnC(true),
		options.WithNumWorkers(2),
		options.WithInitialTimeout(time.Second),
		options.WithOnlineSplits(2),
		options.WithSnCSplittingStrategy(options.SplitLargestInterval),
		options.WithTighteningStrategy(options.TightenNone),
		options.WithVerbosity(0),
	}
	cfg, err := options.New(append(base, opts...)...)
	require.NoError(t, err)
	return cfg
}

func TestFirstSatWinsAndBoundsExploration(t *testing.T) {
	assert := require.New(t)

	// one region resolves trivially, the rest of the space would need
	// endless splitting; the search must stop at the first sat
	var explored atomic.Int64
	eng := stubEngine{solve: func(_ context.Context, _ *query.Query, b *query.Bounds) (engine.Result, error) {
		explored.Add(1)
		if b.Width(0) <= 0.5 && b.Contains(map[int]float64{0: 0.1}) {
			return engine.Result{Status: engine.Sat, Assignment: map[int]float64{0: 0.1}}, nil
		}
		return engine.Result{Status: engine.Unknown}, nil
	}}

	o, err := NewWithEngine(unitBox(t), sncConfig(t), eng)
	assert.NoError(err)
	res := o.Solve(context.Background())

	assert.Equal(result.Sat, res.Code)
	assert.Equal(0.1, res.Assignment[0])
	assert.Less(res.Stats.SubQueriesVisited, 50)
	assert.LessOrEqual(explored.Load(), int64(50))
}

func TestExhaustiveUnsat(t *testing.T) {
	assert := require.New(t)

	eng := stubEngine{solve: func(_ context.Context, _ *query.Query, b *query.Bounds) (engine.Result, error) {
		if b.Width(0) <= 0.26 {
			return engine.Result{Status: engine.Unsat, Trace: []string{"leaf closed"}}, nil
		}
		return engine.Result{Status: engine.Unknown}, nil
	}}

	o, err := NewWithEngine(unitBox(t), sncConfig(t, options.WithProduceProofs(true)), eng)
	assert.NoError(err)
	res := o.Solve(context.Background())

	assert.Equal(result.Unsat, res.Code)
	assert.Equal(4, res.Stats.UnsatLeaves)
	assert.Len(res.Proof, 4)
}

func TestLeafGapPreventsUnsat(t *testing.T) {
	assert := require.New(t)

	// every region around 0.9 burns its whole budget without resolving, so
	// the partition tree never closes: unsat must not be claimed, and the
	// run can only end on the global deadline
	eng := stubEngine{solve: func(ctx context.Context, _ *query.Query, b *query.Bounds) (engine.Result, error) {
		if b.Contains(map[int]float64{0: 0.9}) {
			<-ctx.Done()
			return engine.Result{}, ctx.Err()
		}
		if b.Width(0) <= 0.26 {
			return engine.Result{Status: engine.Unsat}, nil
		}
		return engine.Result{Status: engine.Unknown}, nil
	}}

	cfg := sncConfig(t,
		options.WithInitialTimeout(50*time.Millisecond),
		options.WithTimeout(300*time.Millisecond),
	)
	o, err := NewWithEngine(unitBox(t), cfg, eng)
	assert.NoError(err)
	res := o.Solve(context.Background())

	assert.NotEqual(result.Unsat, res.Code)
	assert.Equal(result.Timeout, res.Code)
	assert.True(res.Stats.HasTimedOut())
	// the gap region did split at least once before the deadline
	assert.GreaterOrEqual(res.Stats.BranchTimeouts, 1)
}

func TestGlobalTimeout(t *testing.T) {
	assert := require.New(t)

	cfg := sncConfig(t,
		options.WithTimeout(time.Second),
		options.WithInitialTimeout(time.Hour),
	)
	o, err := NewWithEngine(unitBox(t), cfg, stubEngine{solve: blockUntilDone})
	assert.NoError(err)

	start := time.Now()
	res := o.Solve(context.Background())
	elapsed := time.Since(start)

	assert.Equal(result.Timeout, res.Code)
	assert.True(res.Stats.HasTimedOut())
	assert.Less(elapsed, 3*time.Second)
}

func TestGlobalTimeoutSingleMode(t *testing.T) {
	assert := require.New(t)

	cfg := sncConfig(t, options.WithSnC(false), options.WithTimeout(time.Second))
	o, err := NewWithEngine(unitBox(t), cfg, stubEngine{solve: blockUntilDone})
	assert.NoError(err)

	res := o.Solve(context.Background())
	assert.Equal(result.Timeout, res.Code)
}

func TestStopYieldsQuitRequested(t *testing.T) {
	assert := require.New(t)

	o, err := NewWithEngine(unitBox(t), sncConfig(t), stubEngine{solve: blockUntilDone})
	assert.NoError(err)

	var wg sync.WaitGroup
	var res result.Result
	wg.Add(1)
	go func() {
		defer wg.Done()
		res = o.Solve(context.Background())
	}()
	time.Sleep(50 * time.Millisecond)
	o.Stop()
	wg.Wait()

	assert.Equal(result.Quit, res.Code)
}

func TestBranchTimeoutTriggersSplitAndEscalation(t *testing.T) {
	assert := require.New(t)

	eng := stubEngine{solve: func(ctx context.Context, _ *query.Query, b *query.Bounds) (engine.Result, error) {
		if b.Width(0) <= 0.26 {
			return engine.Result{Status: engine.Unsat}, nil
		}
		<-ctx.Done()
		return engine.Result{}, ctx.Err()
	}}

	cfg := sncConfig(t,
		options.WithNumWorkers(1),
		options.WithInitialTimeout(20*time.Millisecond),
	)
	o, err := NewWithEngine(unitBox(t), cfg, eng)
	assert.NoError(err)
	res := o.Solve(context.Background())

	assert.Equal(result.Unsat, res.Code)
	assert.Equal(1, res.Stats.BranchTimeouts)
	assert.Equal(1, res.Stats.Splits)
	assert.Equal(4, res.Stats.UnsatLeaves)
}

func TestRestoreTreeStatesInheritsTightenedBounds(t *testing.T) {
	assert := require.New(t)

	run := func(restore bool) float64 {
		var calls atomic.Int64
		maxUpper := &atomic.Value{}
		maxUpper.Store(0.0)
		eng := stubEngine{solve: func(ctx context.Context, _ *query.Query, b *query.Bounds) (engine.Result, error) {
			if calls.Add(1) == 1 {
				// the worker tightens its region, then runs out of budget
				b.TightenUpper(0, 0.4, 0)
				<-ctx.Done()
				return engine.Result{}, ctx.Err()
			}
			if u := b.Upper(0); u > maxUpper.Load().(float64) {
				maxUpper.Store(u)
			}
			return engine.Result{Status: engine.Unsat}, nil
		}}

		cfg := sncConfig(t,
			options.WithNumWorkers(1),
			options.WithInitialTimeout(20*time.Millisecond),
			options.WithOnlineSplits(1),
			options.WithRestoreTreeStates(restore),
		)
		o, err := NewWithEngine(unitBox(t), cfg, eng)
		assert.NoError(err)
		res := o.Solve(context.Background())
		assert.Equal(result.Unsat, res.Code)
		return maxUpper.Load().(float64)
	}

	assert.InDelta(0.4, run(true), 1e-12)
	assert.InDelta(1.0, run(false), 1e-12)
}

func TestUnsplittableBecomesUnknown(t *testing.T) {
	assert := require.New(t)

	q := query.New(1)
	require.NoError(t, q.MarkInputVariable(0))
	require.NoError(t, q.SetLowerBound(0, 0.5))
	require.NoError(t, q.SetUpperBound(0, 0.5))

	eng := stubEngine{solve: func(_ context.Context, _ *query.Query, _ *query.Bounds) (engine.Result, error) {
		return engine.Result{Status: engine.Unknown}, nil
	}}
	o, err := NewWithEngine(q, sncConfig(t), eng)
	assert.NoError(err)
	res := o.Solve(context.Background())

	assert.Equal(result.Unknown, res.Code)
}

func TestSingleModeUnknown(t *testing.T) {
	assert := require.New(t)

	eng := stubEngine{solve: func(_ context.Context, _ *query.Query, _ *query.Bounds) (engine.Result, error) {
		return engine.Result{Status: engine.Unknown}, nil
	}}
	o, err := NewWithEngine(unitBox(t), sncConfig(t, options.WithSnC(false)), eng)
	assert.NoError(err)
	res := o.Solve(context.Background())

	assert.Equal(result.Unknown, res.Code)
	assert.Equal(1, res.Stats.SubQueriesVisited)
}

func TestInitialSplitsSeedThePool(t *testing.T) {
	assert := require.New(t)

	var mu sync.Mutex
	widths := []float64{}
	eng := stubEngine{solve: func(_ context.Context, _ *query.Query, b *query.Bounds) (engine.Result, error) {
		mu.Lock()
		widths = append(widths, b.Width(0))
		mu.Unlock()
		return engine.Result{Status: engine.Unsat}, nil
	}}

	cfg := sncConfig(t, options.WithInitialSplits(2))
	o, err := NewWithEngine(unitBox(t), cfg, eng)
	assert.NoError(err)
	res := o.Solve(context.Background())

	assert.Equal(result.Unsat, res.Code)
	assert.Len(widths, 4)
	for _, w := range widths {
		assert.InDelta(0.25, w, 1e-12)
	}
	assert.Equal(4, res.Stats.SubQueriesVisited)
}

func TestMILPTighteningNeedsCapableEngine(t *testing.T) {
	assert := require.New(t)

	cfg := sncConfig(t, options.WithMILPTightening(options.MILPTighten))
	_, err := NewWithEngine(unitBox(t), cfg, stubEngine{solve: blockUntilDone})
	assert.ErrorIs(err, engine.ErrUnavailable)
}

func TestMILPTighteningRunsBeforeSearch(t *testing.T) {
	assert := require.New(t)

	// the optimization pass narrows the root; the search must see the
	// narrowed box
	var upper atomic.Value
	eng := milpStub{
		stubEngine: stubEngine{solve: func(_ context.Context, _ *query.Query, b *query.Bounds) (engine.Result, error) {
			upper.Store(b.Upper(0))
			return engine.Result{Status: engine.Unsat}, nil
		}},
		tightenBounds: func(_ context.Context, _ *query.Query, b *query.Bounds) (tighten.Outcome, error) {
			b.TightenUpper(0, 0.5, 0)
			return tighten.Narrowed, nil
		},
	}

	cfg := sncConfig(t, options.WithMILPTightening(options.LPTighten))
	o, err := NewWithEngine(unitBox(t), cfg, eng)
	assert.NoError(err)
	res := o.Solve(context.Background())

	assert.Equal(result.Unsat, res.Code)
	assert.Equal(0.5, upper.Load().(float64))
}

func TestMILPTighteningInfeasibleRootIsUnsat(t *testing.T) {
	assert := require.New(t)

	eng := milpStub{
		stubEngine: stubEngine{solve: func(_ context.Context, _ *query.Query, _ *query.Bounds) (engine.Result, error) {
			t.Error("engine consulted after infeasible preprocessing")
			return engine.Result{}, nil
		}},
		tightenBounds: func(_ context.Context, _ *query.Query, _ *query.Bounds) (tighten.Outcome, error) {
			return tighten.Infeasible, nil
		},
	}

	cfg := sncConfig(t, options.WithMILPTightening(options.LPTightenInc))
	o, err := NewWithEngine(unitBox(t), cfg, eng)
	assert.NoError(err)
	res := o.Solve(context.Background())

	assert.Equal(result.Unsat, res.Code)
	assert.Equal(1, res.Stats.UnsatLeaves)
}

func TestPostSplitTighteningClosesChildren(t *testing.T) {
	assert := require.New(t)

	// relu(x0) = x1 with x1 pinned positive. Forward-only tightening
	// cannot decide the phase at the root, but the inactive branch of the
	// case split contradicts the output bound, so the post-split pass
	// closes it without consulting the engine.
	q := query.New(2)
	require.NoError(t, q.MarkInputVariable(0))
	require.NoError(t, q.SetLowerBound(0, -1))
	require.NoError(t, q.SetUpperBound(0, 1))
	require.NoError(t, q.AddReLU(0, 1))
	require.NoError(t, q.SetLowerBound(1, 0.5))
	require.NoError(t, q.SetUpperBound(1, 1))

	var explored atomic.Int64
	eng := stubEngine{solve: func(_ context.Context, qq *query.Query, b *query.Bounds) (engine.Result, error) {
		explored.Add(1)
		if qq.ReLUs()[0].Phase(b) == query.ReLUUndecided {
			return engine.Result{Status: engine.Unknown}, nil
		}
		return engine.Result{Status: engine.Unsat}, nil
	}}

	cfg := sncConfig(t,
		options.WithNumWorkers(1),
		options.WithOnlineSplits(1),
		options.WithSnCSplittingStrategy(options.SplitReLUViolation),
		options.WithTighteningStrategy(options.TightenSBT),
		options.WithLPTighteningAfterSplit(true),
	)
	o, err := NewWithEngine(q, cfg, eng)
	assert.NoError(err)
	res := o.Solve(context.Background())

	assert.Equal(result.Unsat, res.Code)
	// root plus the active branch; the inactive branch dies post-split
	assert.Equal(int64(2), explored.Load())
	assert.Equal(2, res.Stats.UnsatLeaves)
}
