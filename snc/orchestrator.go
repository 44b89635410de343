// Package snc implements the Split-and-Conquer search: a bounded pool of
// workers draining a tree of sub-queries, escalating timeouts through case
// splits and aggregating leaf verdicts into one final result.
//
// The first SAT discovered anywhere terminates the search; UNSAT requires
// every leaf of the partition tree to be proven UNSAT. An inconclusive leaf
// (one that cannot be split further) poisons UNSAT down to UNKNOWN.
package snc

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/oceanlab/remora/debug"
	"github.com/oceanlab/remora/engine"
	"github.com/oceanlab/remora/logger"
	"github.com/oceanlab/remora/options"
	"github.com/oceanlab/remora/query"
	"github.com/oceanlab/remora/result"
	"github.com/oceanlab/remora/split"
	"github.com/oceanlab/remora/tighten"
)

// Orchestrator drives one solve. Construct with New, run Solve once, and use
// Stop for external cancellation. The orchestrator exclusively owns the
// sub-query tree; workers only ever see disjoint clones of bound state.
type Orchestrator struct {
	cfg       options.Config
	q         *query.Query
	eng       engine.Engine
	splitter  split.Splitter
	tightener tighten.Tightener
	// milp is non-nil when a milpTightening pass is configured; the engine
	// session doubles as the optimization backend.
	milp engine.BoundTightener
	log  zerolog.Logger

	quit     chan struct{}
	stopOnce sync.Once
}

// New builds an orchestrator for q under cfg, constructing the engine
// session selected by the configuration. The session is owned by the
// orchestrator and released when Solve returns.
func New(q *query.Query, cfg options.Config) (*Orchestrator, error) {
	eng, err := engine.New(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithEngine(q, cfg, eng)
}

// NewWithEngine is New with a caller-provided engine session. The
// orchestrator takes ownership and closes it when Solve returns.
func NewWithEngine(q *query.Query, cfg options.Config, eng engine.Engine) (*Orchestrator, error) {
	strategy := cfg.SplittingStrategy
	if cfg.SnC {
		strategy = cfg.SnCSplittingStrategy
	}
	splitter, err := split.New(strategy, cfg)
	if err != nil {
		return nil, err
	}
	tightener, err := tighten.New(cfg)
	if err != nil {
		return nil, err
	}
	var milp engine.BoundTightener
	if cfg.MILPTightening != options.MILPTightenNone {
		bt, ok := eng.(engine.BoundTightener)
		if !ok {
			return nil, fmt.Errorf("%w: milpTightening %q is not supported by this engine",
				engine.ErrUnavailable, cfg.MILPTightening)
		}
		milp = bt
	}
	return &Orchestrator{
		cfg:       cfg,
		q:         q,
		eng:       eng,
		splitter:  splitter,
		tightener: tightener,
		milp:      milp,
		log:       logger.Logger().With().Str("component", "snc").Logger(),
		quit:      make(chan struct{}),
	}, nil
}

// Stop requests cancellation. The solve resolves QUIT_REQUESTED, discarding
// in-flight results that have not been aggregated yet. Safe to call from any
// goroutine, any number of times.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.quit) })
}

// workerResult is what a worker reports back for one sub-query.
type workerResult struct {
	sq *subQuery
	// tightened is the worker's bound state at the end of its attempt; used
	// for splitting when tree-state restoration is on.
	tightened *query.Bounds
	res       engine.Result
	err       error
}

// Solve runs the search to a terminal verdict. Ordinary outcomes (sat,
// unsat, TIMEOUT, UNKNOWN, QUIT_REQUESTED) are reported in the result, never
// as errors; only external-service failures surface in Result.Code == ERROR.
func (o *Orchestrator) Solve(ctx context.Context) result.Result {
	start := time.Now()
	defer o.eng.Close()

	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}
	// Stop() must interrupt whatever phase is running
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-o.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	stats := result.Statistics{}
	res := o.solve(ctx, &stats)
	stats.TotalTime = time.Since(start)
	res.Stats = stats

	if o.cfg.Verbosity > 0 {
		o.log.Info().
			Str("result", string(res.Code)).
			Int("visited", stats.SubQueriesVisited).
			Int("splits", stats.Splits).
			Dur("elapsed", stats.TotalTime).
			Msg("solve finished")
	}
	return res
}

func (o *Orchestrator) solve(ctx context.Context, stats *result.Statistics) result.Result {
	// preprocessing: tighten the root once; this can settle the query
	// before any search happens. The milp pass runs on top of the interval
	// pass, each optimization seeded with the already-narrowed box.
	rootBounds := o.q.InitialBounds()
	tightenStart := time.Now()
	outcome, err := o.tightener.Tighten(ctx, o.q, rootBounds)
	if err == nil && outcome != tighten.Infeasible && o.milp != nil {
		outcome, err = o.milp.TightenBounds(ctx, o.q, rootBounds)
	}
	stats.TightenTime = time.Since(tightenStart)
	if err != nil {
		return o.interrupted(ctx, stats, err)
	}
	if o.cfg.DumpBounds {
		o.dumpBounds(rootBounds)
	}
	if outcome == tighten.Infeasible {
		stats.UnsatLeaves = 1
		return result.Result{Code: result.Unsat, Proof: o.rootProof(rootBounds)}
	}

	if !o.cfg.SnC {
		return o.solveSingle(ctx, rootBounds, stats)
	}
	return o.solveSnC(ctx, rootBounds, stats)
}

// solveSingle runs one engine call over the whole region, bounded only by
// the global budget.
func (o *Orchestrator) solveSingle(ctx context.Context, b *query.Bounds, stats *result.Statistics) result.Result {
	stats.SubQueriesVisited = 1
	res, err := o.eng.Solve(ctx, o.q, b)
	if err != nil {
		return o.interrupted(ctx, stats, err)
	}
	switch res.Status {
	case engine.Sat:
		return result.Result{Code: result.Sat, Assignment: res.Assignment}
	case engine.Unsat:
		stats.UnsatLeaves = 1
		return result.Result{Code: result.Unsat, Proof: res.Trace}
	default:
		return result.Result{Code: result.Unknown}
	}
}

// solveSnC is the split-and-conquer loop: a deepest-first queue of pending
// sub-queries, up to NumWorkers in flight, timeouts escalating by
// TimeoutFactor at every split.
func (o *Orchestrator) solveSnC(ctx context.Context, rootBounds *query.Bounds, stats *result.Statistics) result.Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		pending       pendingQueue
		seq           uint64
		unknownLeaves int
		proof         []string
	)
	enqueue := func(path string, depth int, b *query.Bounds, timeout time.Duration) {
		heap.Push(&pending, &subQuery{path: path, depth: depth, bounds: b, timeout: timeout, seq: seq})
		seq++
	}

	// seed the pool: pre-split the root 2^InitialSplits ways when asked
	if o.cfg.InitialSplits > 0 {
		children, err := o.splitter.Split(o.q, rootBounds, o.cfg.InitialSplits)
		if err == nil {
			stats.Splits++
			for _, c := range children {
				enqueue(c.Label, 1, c.Bounds, o.cfg.InitialTimeout)
			}
		} else if errors.Is(err, split.ErrUnsplittable) {
			enqueue("", 0, rootBounds, o.cfg.InitialTimeout)
		} else {
			return result.Result{Code: result.Error}
		}
	} else {
		enqueue("", 0, rootBounds, o.cfg.InitialTimeout)
	}

	results := make(chan workerResult)
	active := 0
	var terminal *result.Result

	setTerminal := func(r result.Result) {
		if terminal == nil {
			terminal = &r
			cancel()
		}
	}

	// onInterrupt resolves a global event: quit beats everything pending,
	// then the wall-clock deadline; a bare caller cancellation counts as a
	// quit request too.
	onInterrupt := func() {
		select {
		case <-o.quit:
			setTerminal(result.Result{Code: result.Quit})
			return
		default:
		}
		switch ctx.Err() {
		case context.DeadlineExceeded:
			stats.TimedOut = true
			setTerminal(result.Result{Code: result.Timeout})
		case context.Canceled:
			setTerminal(result.Result{Code: result.Quit})
		}
	}

	for {
		if terminal == nil && ctx.Err() != nil {
			onInterrupt()
		}
		if terminal == nil {
			for active < o.cfg.NumWorkers && pending.Len() > 0 {
				sq := heap.Pop(&pending).(*subQuery)
				active++
				stats.SubQueriesVisited++
				if sq.depth > stats.MaxDepth {
					stats.MaxDepth = sq.depth
				}
				go o.runWorker(ctx, sq, results)
			}
		}
		if active == 0 {
			break
		}

		select {
		case <-ctx.Done():
			onInterrupt()
			// workers observe the cancellation and report back; keep
			// draining so none leak
			wr := <-results
			active--
			_ = wr
		case wr := <-results:
			active--
			if terminal != nil {
				continue
			}
			if done := o.aggregate(ctx, wr, stats, enqueue, &unknownLeaves, &proof); done != nil {
				setTerminal(*done)
			}
		}
	}

	if terminal != nil {
		return *terminal
	}
	if unknownLeaves > 0 {
		// a gap in the partition tree: soundness forbids claiming unsat
		return result.Result{Code: result.Unknown}
	}
	return result.Result{Code: result.Unsat, Proof: proof}
}

// aggregate folds one worker report into the search state. It returns a
// non-nil result when the report ends the whole solve.
func (o *Orchestrator) aggregate(
	ctx context.Context,
	wr workerResult,
	stats *result.Statistics,
	enqueue func(string, int, *query.Bounds, time.Duration),
	unknownLeaves *int,
	proof *[]string,
) *result.Result {
	log := o.log.With().Str("path", wr.sq.path).Logger()

	switch {
	case wr.err == nil && wr.res.Status == engine.Sat:
		// first SAT wins: everything else in flight is moot
		if o.cfg.Verbosity > 1 {
			log.Info().Msg("sub-query sat")
		}
		return &result.Result{Code: result.Sat, Assignment: wr.res.Assignment}

	case wr.err == nil && wr.res.Status == engine.Unsat:
		stats.UnsatLeaves++
		if o.cfg.ProduceProofs {
			for _, step := range wr.res.Trace {
				*proof = append(*proof, wr.sq.path+": "+step)
			}
		}
		if o.cfg.Verbosity > 1 {
			log.Debug().Msg("sub-query unsat")
		}
		return nil

	case wr.err == nil && wr.res.Status == engine.Unknown:
		// did not resolve within its region: needs a case split
		return o.split(ctx, wr, stats, enqueue, unknownLeaves, proof, false)

	case errors.Is(wr.err, context.DeadlineExceeded) && ctx.Err() == nil:
		// the sub-query's own budget ran out, not the global one
		stats.BranchTimeouts++
		return o.split(ctx, wr, stats, enqueue, unknownLeaves, proof, true)

	case ctx.Err() != nil:
		// global cancellation raced the worker; the coordinator loop
		// resolves the terminal state
		return nil

	default:
		log.Error().Err(wr.err).Msg("backend failure")
		if debug.Debug {
			log.Error().Msg(debug.Stack())
		}
		return &result.Result{Code: result.Error}
	}
}

// split partitions a sub-query that did not resolve, escalating the timeout
// for its children. An unsplittable sub-query becomes an inconclusive leaf.
func (o *Orchestrator) split(
	ctx context.Context,
	wr workerResult,
	stats *result.Statistics,
	enqueue func(string, int, *query.Bounds, time.Duration),
	unknownLeaves *int,
	proof *[]string,
	timedOut bool,
) *result.Result {
	// children inherit the worker's tightened bounds only when tree-state
	// restoration is on; otherwise they re-derive from the node's region
	base := wr.sq.bounds
	if o.cfg.RestoreTreeStates && wr.tightened != nil {
		base = wr.tightened
	}

	children, err := o.splitter.Split(o.q, base, o.cfg.OnlineSplits)
	if errors.Is(err, split.ErrUnsplittable) {
		*unknownLeaves++
		if o.cfg.Verbosity > 1 {
			o.log.Debug().Str("path", wr.sq.path).Msg("unsplittable sub-query")
		}
		return nil
	}
	if err != nil {
		o.log.Error().Err(err).Str("path", wr.sq.path).Msg("split failed")
		r := result.Result{Code: result.Error}
		return &r
	}

	stats.Splits++
	nextTimeout := time.Duration(float64(wr.sq.timeout) * o.cfg.TimeoutFactor)
	if o.cfg.Verbosity > 1 {
		o.log.Debug().
			Str("path", wr.sq.path).
			Bool("timedOut", timedOut).
			Int("children", len(children)).
			Dur("childTimeout", nextTimeout).
			Msg("splitting sub-query")
	}

	for _, c := range children {
		b := c.Bounds
		if o.cfg.PerformLPTighteningAfterSplit {
			outcome, terr := o.tightener.Tighten(ctx, o.q, b)
			if terr != nil {
				// global cancellation; the loop resolves it
				return nil
			}
			if outcome == tighten.Infeasible {
				stats.UnsatLeaves++
				if o.cfg.ProduceProofs {
					*proof = append(*proof, childPath(wr.sq.path, c.Label)+": infeasible after post-split tightening")
				}
				continue
			}
		}
		enqueue(childPath(wr.sq.path, c.Label), wr.sq.depth+1, b, nextTimeout)
	}
	return nil
}

// runWorker solves one sub-query under its own budget on a clone of the
// node's bounds, then reports back. Workers never touch shared state.
func (o *Orchestrator) runWorker(ctx context.Context, sq *subQuery, results chan<- workerResult) {
	wctx, cancel := context.WithTimeout(ctx, sq.timeout)
	defer cancel()

	b := sq.bounds.Clone()
	res, err := o.eng.Solve(wctx, o.q, b)
	results <- workerResult{sq: sq, tightened: b, res: res, err: err}
}

// interrupted maps a context failure during preprocessing or a single solve
// onto the protocol.
func (o *Orchestrator) interrupted(ctx context.Context, stats *result.Statistics, err error) result.Result {
	select {
	case <-o.quit:
		return result.Result{Code: result.Quit}
	default:
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		stats.TimedOut = true
		return result.Result{Code: result.Timeout}
	}
	if errors.Is(err, context.Canceled) {
		return result.Result{Code: result.Quit}
	}
	o.log.Error().Err(err).Msg("solve failed")
	return result.Result{Code: result.Error}
}

func (o *Orchestrator) rootProof(b *query.Bounds) []string {
	if !o.cfg.ProduceProofs {
		return nil
	}
	var proof []string
	for v := 0; v < o.q.NumVariables(); v++ {
		if b.Lower(v) > b.Upper(v) {
			proof = append(proof, fmt.Sprintf("root: x%d empty interval [%g, %g]", v, b.Lower(v), b.Upper(v)))
		}
	}
	return proof
}

func (o *Orchestrator) dumpBounds(b *query.Bounds) {
	for v := 0; v < o.q.NumVariables(); v++ {
		fmt.Fprintf(os.Stdout, "x%d: [%g, %g]\n", v, b.Lower(v), b.Upper(v))
	}
}

func childPath(parent, label string) string {
	if parent == "" {
		return label
	}
	return parent + "." + label
}
