package engine

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/blang/semver/v4"
	"github.com/rs/zerolog"

	"github.com/oceanlab/remora/logger"
	"github.com/oceanlab/remora/options"
	"github.com/oceanlab/remora/query"
	"github.com/oceanlab/remora/tighten"
)

// minGurobiVersion is the oldest gurobi_cl known to accept the LP files we
// emit (general constraints aside, big-M MILP encodings work well before
// this, but result-file handling changed in 9.x).
var minGurobiVersion = semver.MustParse("9.0.0")

var gurobiVersionRe = regexp.MustCompile(`(\d+\.\d+\.\d+)`)

// gurobi shells out to the gurobi_cl binary: the query is encoded as a big-M
// MILP in CPLEX LP format, solved externally, and the solution file read
// back. ReLU relations require finite input and output bounds for the big-M
// constant.
type gurobi struct {
	bin        string
	timeout    float64 // TimeLimit in seconds, 0 for none
	proofs     bool
	tightening options.MILPTightening
	tol        float64
	workDir    string
	log        zerolog.Logger
}

func newGurobi(cfg options.Config) (*gurobi, error) {
	bin, err := exec.LookPath("gurobi_cl")
	if err != nil {
		return nil, fmt.Errorf("%w: gurobi_cl not found in PATH", ErrUnavailable)
	}
	out, err := exec.Command(bin, "--version").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%w: gurobi_cl --version: %v", ErrUnavailable, err)
	}
	m := gurobiVersionRe.FindString(string(out))
	if m == "" {
		return nil, fmt.Errorf("%w: cannot parse gurobi version from %q", ErrUnavailable, strings.TrimSpace(string(out)))
	}
	v, err := semver.Parse(m)
	if err != nil {
		return nil, fmt.Errorf("%w: gurobi version %q: %v", ErrUnavailable, m, err)
	}
	if v.LT(minGurobiVersion) {
		return nil, fmt.Errorf("%w: gurobi %s is older than required %s", ErrUnavailable, v, minGurobiVersion)
	}

	dir, err := os.MkdirTemp("", "remora-gurobi-")
	if err != nil {
		return nil, err
	}
	return &gurobi{
		bin:        bin,
		timeout:    cfg.MILPSolverTimeout.Seconds(),
		proofs:     cfg.ProduceProofs,
		tightening: cfg.MILPTightening,
		tol:        cfg.BoundTolerance,
		workDir:    dir,
		log:        logger.Logger().With().Str("engine", "gurobi").Str("version", v.String()).Logger(),
	}, nil
}

func (e *gurobi) Close() error {
	return os.RemoveAll(e.workDir)
}

func (e *gurobi) Solve(ctx context.Context, q *query.Query, b *query.Bounds) (Result, error) {
	lp, err := encodeLP(q, b)
	if err != nil {
		return Result{}, err
	}
	text, solPath, cleanup, err := e.run(ctx, lp)
	defer cleanup()
	if err != nil {
		return Result{}, err
	}

	switch {
	case strings.Contains(text, "Model is infeasible"):
		res := Result{Status: Unsat}
		if e.proofs {
			res.Trace = []string{"gurobi: model proven infeasible"}
		}
		return res, nil
	case strings.Contains(text, "Optimal solution found"),
		strings.Contains(text, "Solution count") && !strings.Contains(text, "Solution count 0"):
		assignment, err := readSolution(solPath, q.NumVariables())
		if err != nil {
			return Result{}, fmt.Errorf("gurobi solution: %w", err)
		}
		return Result{Status: Sat, Assignment: assignment}, nil
	default:
		e.log.Debug().Str("output", text).Msg("inconclusive gurobi run")
		return Result{Status: Unknown}, nil
	}
}

// run writes lp to a fresh model file, invokes gurobi_cl on it, and returns
// the combined output plus the solution file path. One model file per call:
// sessions are shared across concurrent workers.
func (e *gurobi) run(ctx context.Context, lp string) (string, string, func(), error) {
	f, err := os.CreateTemp(e.workDir, "model-*.lp")
	if err != nil {
		return "", "", func() {}, err
	}
	lpPath := f.Name()
	solPath := strings.TrimSuffix(lpPath, ".lp") + ".sol"
	cleanup := func() {
		os.Remove(lpPath)
		os.Remove(solPath)
	}
	_, werr := f.WriteString(lp)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return "", "", cleanup, werr
	}

	args := []string{"ResultFile=" + solPath}
	if e.timeout > 0 {
		args = append(args, fmt.Sprintf("TimeLimit=%g", e.timeout))
	}
	args = append(args, lpPath)
	out, err := exec.CommandContext(ctx, e.bin, args...).CombinedOutput()
	if ctx.Err() != nil {
		return "", "", cleanup, ctx.Err()
	}
	if err != nil {
		return "", "", cleanup, fmt.Errorf("gurobi_cl: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return string(out), solPath, cleanup, nil
}

// TightenBounds sharpens each candidate variable's interval by minimizing and
// then maximizing it subject to the query's constraints. The lp variants
// relax the ReLU binaries to [0,1]; the incremental variants restrict the
// pass to variables of undecided ReLU relations. Inconclusive optimizations
// (e.g. TimeLimit hit) leave the variable's bounds as they are.
func (e *gurobi) TightenBounds(ctx context.Context, q *query.Query, b *query.Bounds) (tighten.Outcome, error) {
	relax := e.tightening == options.LPTighten || e.tightening == options.LPTightenInc
	outcome := tighten.Fixpoint
	for _, v := range milpCandidates(q, b, e.tightening) {
		for _, maximize := range []bool{false, true} {
			if err := ctx.Err(); err != nil {
				return outcome, err
			}
			val, status, err := e.optimize(ctx, q, b, v, maximize, relax)
			if err != nil {
				return outcome, err
			}
			switch status {
			case boundInfeasible:
				return tighten.Infeasible, nil
			case boundInconclusive:
				continue
			}
			var moved bool
			if maximize {
				moved = b.TightenUpper(v, val, e.tol)
			} else {
				moved = b.TightenLower(v, val, e.tol)
			}
			if moved {
				outcome = tighten.Narrowed
			}
		}
	}
	if b.Empty() {
		return tighten.Infeasible, nil
	}
	return outcome, nil
}

type boundStatus uint8

const (
	boundOptimal boundStatus = iota
	boundInfeasible
	boundInconclusive
)

// optimize solves min (or max) x_v over the query's feasible region and
// returns the optimum, which is a valid bound for x_v.
func (e *gurobi) optimize(ctx context.Context, q *query.Query, b *query.Bounds, v int, maximize, relax bool) (float64, boundStatus, error) {
	sense := "Minimize"
	if maximize {
		sense = "Maximize"
	}
	lp, err := encodeObjectiveLP(q, b, fmt.Sprintf("%s\n obj: +1 x%d\n", sense, v), relax)
	if err != nil {
		return 0, boundInconclusive, err
	}
	text, solPath, cleanup, err := e.run(ctx, lp)
	defer cleanup()
	if err != nil {
		return 0, boundInconclusive, err
	}
	switch {
	case strings.Contains(text, "Model is infeasible"):
		return 0, boundInfeasible, nil
	case strings.Contains(text, "Optimal solution found"):
		obj, err := readObjective(solPath)
		if err != nil {
			return 0, boundInconclusive, fmt.Errorf("gurobi objective: %w", err)
		}
		return obj, boundOptimal, nil
	default:
		return 0, boundInconclusive, nil
	}
}

// milpCandidates lists the variables a tightening pass optimizes: every
// constrained variable, or only those of undecided ReLUs for the incremental
// modes.
func milpCandidates(q *query.Query, b *query.Bounds, mode options.MILPTightening) []int {
	if mode == options.MILPTightenInc || mode == options.LPTightenInc {
		seen := make(map[int]bool)
		var vars []int
		for _, r := range q.ReLUs() {
			if r.Phase(b) != query.ReLUUndecided {
				continue
			}
			for _, v := range []int{r.In, r.Out} {
				if !seen[v] {
					seen[v] = true
					vars = append(vars, v)
				}
			}
		}
		return vars
	}
	var vars []int
	for v := 0; v < q.NumVariables(); v++ {
		if q.IsConstrained(v) {
			vars = append(vars, v)
		}
	}
	return vars
}

// encodeLP writes the query as a feasibility MILP in CPLEX LP format, with
// each ReLU encoded by big-M constraints over a fresh binary.
func encodeLP(q *query.Query, b *query.Bounds) (string, error) {
	return encodeObjectiveLP(q, b, "Minimize\n obj: 0 x0\n", false)
}

// encodeObjectiveLP is encodeLP under an arbitrary objective. With
// relaxBinaries the ReLU indicators become continuous [0,1] variables,
// turning the MILP into its LP relaxation.
func encodeObjectiveLP(q *query.Query, b *query.Bounds, objective string, relaxBinaries bool) (string, error) {
	var sb strings.Builder
	sb.WriteString(objective)
	sb.WriteString("Subject To\n")

	for i, r := range q.LinearRelations() {
		fmt.Fprintf(&sb, " c%d:", i)
		for _, a := range r.Addends {
			fmt.Fprintf(&sb, " %+g x%d", a.Coefficient, a.Variable)
		}
		fmt.Fprintf(&sb, " = %g\n", r.Scalar)
	}

	for i, r := range q.ReLUs() {
		m, ok := bigM(b, r)
		if !ok {
			return "", fmt.Errorf("relu %d needs finite bounds on x%d and x%d for MILP encoding", i, r.In, r.Out)
		}
		// out >= in, out <= in + M(1-d), out <= M d; out >= 0 via bounds
		fmt.Fprintf(&sb, " r%da: +1 x%d -1 x%d >= 0\n", i, r.Out, r.In)
		fmt.Fprintf(&sb, " r%db: +1 x%d -1 x%d +%g d%d <= %g\n", i, r.Out, r.In, m, i, m)
		fmt.Fprintf(&sb, " r%dc: +1 x%d -%g d%d <= 0\n", i, r.Out, m, i)
	}

	sb.WriteString("Bounds\n")
	for v := 0; v < q.NumVariables(); v++ {
		lo, hi := b.Lower(v), b.Upper(v)
		switch {
		case math.IsInf(lo, -1) && math.IsInf(hi, 1):
			fmt.Fprintf(&sb, " x%d free\n", v)
		case math.IsInf(lo, -1):
			fmt.Fprintf(&sb, " -inf <= x%d <= %g\n", v, hi)
		case math.IsInf(hi, 1):
			fmt.Fprintf(&sb, " x%d >= %g\n", v, lo)
		default:
			fmt.Fprintf(&sb, " %g <= x%d <= %g\n", lo, v, hi)
		}
	}

	if n := len(q.ReLUs()); n > 0 {
		if relaxBinaries {
			for i := 0; i < n; i++ {
				fmt.Fprintf(&sb, " 0 <= d%d <= 1\n", i)
			}
		} else {
			sb.WriteString("Binaries\n")
			for i := 0; i < n; i++ {
				fmt.Fprintf(&sb, " d%d", i)
			}
			sb.WriteByte('\n')
		}
	}
	sb.WriteString("End\n")
	return sb.String(), nil
}

func bigM(b *query.Bounds, r query.ReLU) (float64, bool) {
	m := math.Max(math.Abs(b.Lower(r.In)), math.Abs(b.Upper(r.In)))
	m = math.Max(m, math.Abs(b.Upper(r.Out)))
	if math.IsInf(m, 1) || m == 0 {
		return math.Max(m, 1), !math.IsInf(m, 1)
	}
	return m, true
}

// readObjective parses the "# Objective value = ..." header of a .sol file.
func readObjective(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "# Objective value ="); ok {
			return strconv.ParseFloat(strings.TrimSpace(rest), 64)
		}
	}
	return 0, fmt.Errorf("no objective value in %s", path)
}

// readSolution parses a gurobi .sol file: one "name value" pair per line,
// comments starting with '#'.
func readSolution(path string, numVariables int) (map[int]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	assignment := make(map[int]float64, numVariables)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || !strings.HasPrefix(line, "x") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		v, err := strconv.Atoi(fields[0][1:])
		if err != nil {
			continue
		}
		x, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("bad value for %s: %w", fields[0], err)
		}
		assignment[v] = x
	}
	if len(assignment) < numVariables {
		return nil, fmt.Errorf("solution covers %d of %d variables", len(assignment), numVariables)
	}
	return assignment, nil
}
