package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oceanlab/remora/options"
	"github.com/oceanlab/remora/property"
	"github.com/oceanlab/remora/query"
	"github.com/oceanlab/remora/result"
	"github.com/oceanlab/remora/snc"
)

var (
	fProperty string
	fSummary  string

	fNumWorkers     int
	fInitialTO      int
	fInitialSplits  int
	fOnlineSplits   int
	fTimeout        int
	fTimeoutFactor  float64
	fVerbosity      int
	fSnC            bool
	fStrategy       string
	fSnCStrategy    string
	fSplitThreshold int
	fRestore        bool
	fTightening     string
	fPostSplitLP    bool
	fMILPTightening string
	fMILPTimeout    int
	fLPSolver       string
	fNumSims        int
	fBlasThreads    int
	fBoundTol       float64
	fDumpBounds     bool
	fMILP           bool
	fProofs         bool
)

var solveCmd = &cobra.Command{
	Use:   "solve <query file>",
	Short: "solve a serialized query",
	Args:  cobra.ExactArgs(1),
	RunE:  runSolve,
}

func init() {
	flags := solveCmd.Flags()
	flags.StringVar(&fProperty, "property", "", "property file to apply before solving")
	flags.StringVar(&fSummary, "summary-file", "", "write a one-line result summary to this path")
	flags.IntVar(&fNumWorkers, "num-workers", 1, "concurrent SnC workers")
	flags.IntVar(&fInitialTO, "initial-timeout", 5, "seconds before the first split")
	flags.IntVar(&fInitialSplits, "initial-splits", 0, "pre-split the root 2^n ways")
	flags.IntVar(&fOnlineSplits, "online-splits", 2, "split a timed-out sub-query 2^n ways")
	flags.IntVar(&fTimeout, "timeout", 0, "global wall-clock budget in seconds, 0 for none")
	flags.Float64Var(&fTimeoutFactor, "timeout-factor", 1.5, "per-split timeout growth multiplier")
	flags.IntVar(&fVerbosity, "verbosity", 2, "diagnostic output level")
	flags.BoolVar(&fSnC, "snc", false, "enable split-and-conquer mode")
	flags.StringVar(&fStrategy, "splitting-strategy", "auto", "auto|largest-interval|relu-violation|polarity|earliest-relu")
	flags.StringVar(&fSnCStrategy, "snc-splitting-strategy", "auto", "splitting strategy in SnC mode")
	flags.IntVar(&fSplitThreshold, "split-threshold", 20, "undecided-relation count at which auto switches strategy")
	flags.BoolVar(&fRestore, "restore-tree-states", false, "children inherit tightened bounds")
	flags.StringVar(&fTightening, "tightening-strategy", "deeppoly", "deeppoly|sbt|none")
	flags.BoolVar(&fPostSplitLP, "perform-lp-tightening-after-split", false, "re-tighten each child region after a split")
	flags.StringVar(&fMILPTightening, "milp-tightening", "none", "milp-inc|lp-inc|milp|lp|none")
	flags.IntVar(&fMILPTimeout, "milp-solver-timeout", 0, "per-call MILP budget in seconds, 0 for none")
	flags.StringVar(&fLPSolver, "lp-solver", "", "native|gurobi, empty for the default")
	flags.IntVar(&fNumSims, "num-simulations", 10, "samples per relation for polarity splitting")
	flags.IntVar(&fBlasThreads, "num-blas-threads", 1, "parallelism cap for dense bound propagation")
	flags.Float64Var(&fBoundTol, "bound-tolerance", 1e-10, "epsilon under which a bound change is ignored")
	flags.BoolVar(&fDumpBounds, "dump-bounds", false, "print every variable's bounds after preprocessing")
	flags.BoolVar(&fMILP, "milp", false, "solve through the external MILP backend")
	flags.BoolVar(&fProofs, "produce-proofs", false, "emit an UNSAT trace")
}

func runSolve(cmd *cobra.Command, args []string) error {
	cfg, err := options.New(
		options.WithNumWorkers(fNumWorkers),
		options.WithInitialTimeout(time.Duration(fInitialTO)*time.Second),
		options.WithInitialSplits(fInitialSplits),
		options.WithOnlineSplits(fOnlineSplits),
		options.WithTimeout(time.Duration(fTimeout)*time.Second),
		options.WithTimeoutFactor(fTimeoutFactor),
		options.WithVerbosity(fVerbosity),
		options.WithSnC(fSnC),
		options.WithSplittingStrategy(options.SplittingStrategy(fStrategy)),
		options.WithSnCSplittingStrategy(options.SplittingStrategy(fSnCStrategy)),
		options.WithSplitThreshold(fSplitThreshold),
		options.WithRestoreTreeStates(fRestore),
		options.WithTighteningStrategy(options.TighteningStrategy(fTightening)),
		options.WithLPTighteningAfterSplit(fPostSplitLP),
		options.WithMILPTightening(options.MILPTightening(fMILPTightening)),
		options.WithMILPSolverTimeout(time.Duration(fMILPTimeout)*time.Second),
		options.WithLPSolver(options.LPSolver(fLPSolver)),
		options.WithNumSimulations(fNumSims),
		options.WithNumBlasThreads(fBlasThreads),
		options.WithBoundTolerance(fBoundTol),
		options.WithDumpBounds(fDumpBounds),
		options.WithSolveWithMILP(fMILP),
		options.WithProduceProofs(fProofs),
	)
	if err != nil {
		return err
	}

	q, err := query.Load(args[0])
	if err != nil {
		return err
	}
	if fProperty != "" {
		if err := property.Load(q, fProperty); err != nil {
			return err
		}
	}

	o, err := snc.New(q, cfg)
	if err != nil {
		return err
	}

	// first interrupt requests a clean QUIT_REQUESTED; a second one kills
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		o.Stop()
		signal.Stop(sig)
	}()

	start := time.Now()
	res := o.Solve(context.Background())

	if err := result.WriteReport(os.Stdout, q, res); err != nil {
		return err
	}
	for _, step := range res.Proof {
		fmt.Println("proof:", step)
	}
	if fSummary != "" {
		if err := result.WriteSummary(fSummary, res); err != nil {
			return err
		}
	}
	if fVerbosity > 0 {
		fmt.Printf("elapsed: %v\n", time.Since(start).Round(time.Millisecond))
	}
	if res.Code == result.Error {
		return fmt.Errorf("solve failed")
	}
	return nil
}
