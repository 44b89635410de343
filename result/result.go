// Package result maps an orchestration outcome onto the fixed exit-code
// protocol and renders human-readable reports. Nothing here solves anything.
package result

import (
	"fmt"
	"io"
	"os"
	"time"
)

// ExitCode is the terminal classification of a solve.
type ExitCode string

const (
	Sat     ExitCode = "sat"
	Unsat   ExitCode = "unsat"
	Timeout ExitCode = "TIMEOUT"
	Error   ExitCode = "ERROR"
	Unknown ExitCode = "UNKNOWN"
	Quit    ExitCode = "QUIT_REQUESTED"
)

// Statistics is a read-only snapshot of one solve.
type Statistics struct {
	SubQueriesVisited int
	Splits            int
	UnsatLeaves       int
	BranchTimeouts    int
	MaxDepth          int
	TightenTime       time.Duration
	TotalTime         time.Duration
	// TimedOut is set when the global wall-clock budget expired.
	TimedOut bool
}

// HasTimedOut reports whether any branch, or the whole solve, hit a timeout.
func (s Statistics) HasTimedOut() bool {
	return s.TimedOut
}

// Result is the outcome handed back to the caller.
type Result struct {
	Code ExitCode
	// Assignment is non-empty only for Sat; it covers all variables.
	Assignment map[int]float64
	// Proof carries the UNSAT trace when proof production was requested.
	Proof []string
	Stats Statistics
}

// Restrict returns a copy of the assignment filtered to the given variables.
// Variables absent from the assignment are omitted.
func (r Result) Restrict(variables []int) map[int]float64 {
	out := make(map[int]float64, len(variables))
	for _, v := range variables {
		if x, ok := r.Assignment[v]; ok {
			out[v] = x
		}
	}
	return out
}

// reporter is the slice of the query the report needs: the ordered input and
// output variable lists.
type reporter interface {
	InputVariables() []int
	OutputVariables() []int
}

// WriteReport prints the solve outcome the way the CLI does: "TO" on
// timeout, "unsat", or "sat" followed by one line per declared input and
// output variable.
func WriteReport(w io.Writer, q reporter, r Result) error {
	switch {
	case r.Stats.HasTimedOut():
		_, err := fmt.Fprintln(w, "TO")
		return err
	case r.Code == Sat:
		if _, err := fmt.Fprintln(w, "sat"); err != nil {
			return err
		}
		for i, v := range q.InputVariables() {
			if _, err := fmt.Fprintf(w, "input %d = %v\n", i, r.Assignment[v]); err != nil {
				return err
			}
		}
		for i, v := range q.OutputVariables() {
			if _, err := fmt.Fprintf(w, "output %d = %v\n", i, r.Assignment[v]); err != nil {
				return err
			}
		}
		return nil
	case r.Code == Unsat:
		_, err := fmt.Fprintln(w, "unsat")
		return err
	default:
		_, err := fmt.Fprintln(w, string(r.Code))
		return err
	}
}

// WriteSummary writes the one-line machine-readable summary file: result,
// elapsed whole seconds, visited sub-queries, splits.
func WriteSummary(path string, r Result) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s %d %d %d\n",
		r.Code, int(r.Stats.TotalTime.Seconds()), r.Stats.SubQueriesVisited, r.Stats.Splits)
	return err
}
