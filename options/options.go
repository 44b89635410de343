// Package options holds the validated solving configuration. A Config is
// built once through New and never mutated afterwards; every knob is checked
// by the Option that sets it, so a constructed Config is always usable.
package options

import (
	"errors"
	"fmt"
	"time"

	"github.com/oceanlab/remora/logger"
)

// ErrInvalidConfiguration wraps every construction-time validation failure.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// SplittingStrategy selects how a timed-out sub-query is partitioned.
type SplittingStrategy string

const (
	SplitAuto            SplittingStrategy = "auto"
	SplitLargestInterval SplittingStrategy = "largest-interval"
	SplitReLUViolation   SplittingStrategy = "relu-violation"
	SplitPolarity        SplittingStrategy = "polarity"
	SplitEarliestReLU    SplittingStrategy = "earliest-relu"
)

func (s SplittingStrategy) valid() bool {
	switch s {
	case SplitAuto, SplitLargestInterval, SplitReLUViolation, SplitPolarity, SplitEarliestReLU:
		return true
	}
	return false
}

// TighteningStrategy selects the abstract-interpretation bound tightening
// pass used during search.
type TighteningStrategy string

const (
	TightenDeepPoly TighteningStrategy = "deeppoly"
	TightenSBT      TighteningStrategy = "sbt"
	TightenNone     TighteningStrategy = "none"
)

func (s TighteningStrategy) valid() bool {
	switch s {
	case TightenDeepPoly, TightenSBT, TightenNone:
		return true
	}
	return false
}

// MILPTightening selects the (mi)lp-based preprocessing pass.
type MILPTightening string

const (
	MILPTightenInc  MILPTightening = "milp-inc"
	LPTightenInc    MILPTightening = "lp-inc"
	MILPTighten     MILPTightening = "milp"
	LPTighten       MILPTightening = "lp"
	MILPTightenNone MILPTightening = "none"
)

func (s MILPTightening) valid() bool {
	switch s {
	case MILPTightenInc, LPTightenInc, MILPTighten, LPTighten, MILPTightenNone:
		return true
	}
	return false
}

// LPSolver selects the engine used for LP relaxations.
type LPSolver string

const (
	LPDefault LPSolver = ""
	LPNative  LPSolver = "native"
	LPGurobi  LPSolver = "gurobi"
)

func (s LPSolver) valid() bool {
	switch s {
	case LPDefault, LPNative, LPGurobi:
		return true
	}
	return false
}

// Config is the full solving configuration with defaults applied. Treat as
// immutable once returned by New.
type Config struct {
	NumWorkers     int
	InitialTimeout time.Duration
	InitialSplits  int
	OnlineSplits   int
	Timeout        time.Duration // global wall-clock budget; 0 means unbounded
	TimeoutFactor  float64
	Verbosity      int
	SnC            bool

	SplittingStrategy    SplittingStrategy
	SnCSplittingStrategy SplittingStrategy
	RestoreTreeStates    bool
	SplitThreshold       int

	SolveWithMILP  bool
	BoundTolerance float64
	DumpBounds     bool

	TighteningStrategy TighteningStrategy
	MILPTightening     MILPTightening
	MILPSolverTimeout  time.Duration

	NumSimulations int
	NumBlasThreads int

	PerformLPTighteningAfterSplit bool
	LPSolver                      LPSolver
	ProduceProofs                 bool
}

// Option sets one field of a Config, validating it.
type Option func(*Config) error

// WithNumWorkers sets the number of concurrent SnC workers.
func WithNumWorkers(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("%w: numWorkers must be >= 1, got %d", ErrInvalidConfiguration, n)
		}
		c.NumWorkers = n
		return nil
	}
}

// WithInitialTimeout sets the sub-query budget before the first split.
func WithInitialTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d < 0 {
			return fmt.Errorf("%w: initialTimeout must be >= 0, got %v", ErrInvalidConfiguration, d)
		}
		c.InitialTimeout = d
		return nil
	}
}

// WithInitialSplits sets how many times the root is pre-partitioned,
// producing 2^n seed sub-queries.
func WithInitialSplits(n int) Option {
	return func(c *Config) error {
		if n < 0 {
			return fmt.Errorf("%w: initialSplits must be >= 0, got %d", ErrInvalidConfiguration, n)
		}
		c.InitialSplits = n
		return nil
	}
}

// WithOnlineSplits sets how many times a timed-out sub-query is partitioned,
// producing 2^n children.
func WithOnlineSplits(n int) Option {
	return func(c *Config) error {
		if n < 0 {
			return fmt.Errorf("%w: onlineSplits must be >= 0, got %d", ErrInvalidConfiguration, n)
		}
		c.OnlineSplits = n
		return nil
	}
}

// WithTimeout sets the global wall-clock budget; 0 disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d < 0 {
			return fmt.Errorf("%w: timeout must be >= 0, got %v", ErrInvalidConfiguration, d)
		}
		c.Timeout = d
		return nil
	}
}

// WithTimeoutFactor sets the per-split timeout growth multiplier. A factor of
// exactly 1 keeps the sub-query budget flat across splits, which can make
// deep trees spin on the same budget forever; it is accepted but logged as a
// hazard. Factors below 1 would shrink budgets toward zero and are rejected.
func WithTimeoutFactor(f float64) Option {
	return func(c *Config) error {
		if f < 1 {
			return fmt.Errorf("%w: timeoutFactor must be >= 1, got %v", ErrInvalidConfiguration, f)
		}
		if f == 1 {
			log := logger.Logger()
			log.Warn().Msg("timeoutFactor is 1: sub-query budgets will not grow across splits")
		}
		c.TimeoutFactor = f
		return nil
	}
}

// WithVerbosity sets the diagnostic output level.
func WithVerbosity(v int) Option {
	return func(c *Config) error {
		if v < 0 {
			return fmt.Errorf("%w: verbosity must be >= 0, got %d", ErrInvalidConfiguration, v)
		}
		c.Verbosity = v
		return nil
	}
}

// WithSnC enables Split-and-Conquer mode.
func WithSnC(enabled bool) Option {
	return func(c *Config) error {
		c.SnC = enabled
		return nil
	}
}

// WithSplittingStrategy sets the partitioning strategy.
func WithSplittingStrategy(s SplittingStrategy) Option {
	return func(c *Config) error {
		if !s.valid() {
			return fmt.Errorf("%w: unknown splitting strategy %q", ErrInvalidConfiguration, s)
		}
		c.SplittingStrategy = s
		return nil
	}
}

// WithSnCSplittingStrategy sets the partitioning strategy used in SnC mode.
func WithSnCSplittingStrategy(s SplittingStrategy) Option {
	return func(c *Config) error {
		if !s.valid() {
			return fmt.Errorf("%w: unknown snc splitting strategy %q", ErrInvalidConfiguration, s)
		}
		c.SnCSplittingStrategy = s
		return nil
	}
}

// WithRestoreTreeStates makes children inherit the parent's tightened bounds
// instead of recomputing from the root.
func WithRestoreTreeStates(enabled bool) Option {
	return func(c *Config) error {
		c.RestoreTreeStates = enabled
		return nil
	}
}

// WithSplitThreshold sets the undecided-relation count at and above which the
// auto strategy switches from violation-guided to polarity-guided splits.
func WithSplitThreshold(n int) Option {
	return func(c *Config) error {
		if n < 0 {
			return fmt.Errorf("%w: splitThreshold must be >= 0, got %d", ErrInvalidConfiguration, n)
		}
		c.SplitThreshold = n
		return nil
	}
}

// WithSolveWithMILP solves the query through a MILP encoding instead of the
// native search. Requires an external MILP backend.
func WithSolveWithMILP(enabled bool) Option {
	return func(c *Config) error {
		c.SolveWithMILP = enabled
		return nil
	}
}

// WithBoundTolerance sets the epsilon under which a bound change no longer
// counts as tightening progress.
func WithBoundTolerance(eps float64) Option {
	return func(c *Config) error {
		if eps < 0 {
			return fmt.Errorf("%w: preprocessorBoundTolerance must be >= 0, got %v", ErrInvalidConfiguration, eps)
		}
		c.BoundTolerance = eps
		return nil
	}
}

// WithDumpBounds prints every variable's bounds after preprocessing.
func WithDumpBounds(enabled bool) Option {
	return func(c *Config) error {
		c.DumpBounds = enabled
		return nil
	}
}

// WithTighteningStrategy sets the abstract-interpretation tightening pass.
func WithTighteningStrategy(s TighteningStrategy) Option {
	return func(c *Config) error {
		if !s.valid() {
			return fmt.Errorf("%w: unknown tightening strategy %q", ErrInvalidConfiguration, s)
		}
		c.TighteningStrategy = s
		return nil
	}
}

// WithMILPTightening sets the (mi)lp-based preprocessing pass.
func WithMILPTightening(s MILPTightening) Option {
	return func(c *Config) error {
		if !s.valid() {
			return fmt.Errorf("%w: unknown milp tightening %q", ErrInvalidConfiguration, s)
		}
		c.MILPTightening = s
		return nil
	}
}

// WithMILPSolverTimeout sets the per-call MILP budget; 0 disables it.
func WithMILPSolverTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d < 0 {
			return fmt.Errorf("%w: milpSolverTimeout must be >= 0, got %v", ErrInvalidConfiguration, d)
		}
		c.MILPSolverTimeout = d
		return nil
	}
}

// WithNumSimulations sets the sample count per relation for polarity
// estimation.
func WithNumSimulations(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("%w: numSimulations must be >= 1, got %d", ErrInvalidConfiguration, n)
		}
		c.NumSimulations = n
		return nil
	}
}

// WithNumBlasThreads caps the parallelism of dense bound-propagation sweeps.
func WithNumBlasThreads(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("%w: numBlasThreads must be >= 1, got %d", ErrInvalidConfiguration, n)
		}
		c.NumBlasThreads = n
		return nil
	}
}

// WithLPTighteningAfterSplit runs one extra tightening pass on each child
// produced by a split, before it is re-enqueued. Independent of
// WithRestoreTreeStates: the pass runs on whichever bounds the child starts
// with, inherited or not.
func WithLPTighteningAfterSplit(enabled bool) Option {
	return func(c *Config) error {
		c.PerformLPTighteningAfterSplit = enabled
		return nil
	}
}

// WithLPSolver selects the LP backend.
func WithLPSolver(s LPSolver) Option {
	return func(c *Config) error {
		if !s.valid() {
			return fmt.Errorf("%w: unknown lp solver %q", ErrInvalidConfiguration, s)
		}
		c.LPSolver = s
		return nil
	}
}

// WithProduceProofs makes UNSAT results carry a machine-checkable split and
// tightening trace.
func WithProduceProofs(enabled bool) Option {
	return func(c *Config) error {
		c.ProduceProofs = enabled
		return nil
	}
}

// New returns a Config with defaults applied, then each opt in order.
// Identical options always yield identical configurations.
func New(opts ...Option) (Config, error) {
	c := Config{
		NumWorkers:           1,
		InitialTimeout:       5 * time.Second,
		InitialSplits:        0,
		OnlineSplits:         2,
		Timeout:              0,
		TimeoutFactor:        1.5,
		Verbosity:            2,
		SnC:                  false,
		SplittingStrategy:    SplitAuto,
		SnCSplittingStrategy: SplitAuto,
		RestoreTreeStates:    false,
		SplitThreshold:       20,
		SolveWithMILP:        false,
		BoundTolerance:       1e-10,
		DumpBounds:           false,
		TighteningStrategy:   TightenDeepPoly,
		MILPTightening:       MILPTightenNone,
		MILPSolverTimeout:    0,
		NumSimulations:       10,
		NumBlasThreads:       1,
		LPSolver:             LPDefault,
	}
	for _, opt := range opts {
		if err := opt(&c); err != nil {
			return Config{}, err
		}
	}
	return c, nil
}
