// Package property parses textual property files and applies them to a
// query. A property file holds one constraint per line over input variables
// (x0, x1, ...) and output variables (y0, y1, ...):
//
//	x0 >= 0.5
//	y1 <= 0.0
//	+y0 -y1 <= 0
//	-0.5x0 +x1 >= 0.25
//
// Single-variable lines with unit coefficient become bound constraints;
// everything else is encoded with an auxiliary variable tied to the linear
// combination, bounded per the comparison.
package property

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/oceanlab/remora/query"
)

// Load reads the property file at path and applies every constraint to q.
func Load(q *query.Query, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		if err := apply(q, line); err != nil {
			return fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
	}
	return scanner.Err()
}

type term struct {
	coefficient float64
	variable    int
}

func apply(q *query.Query, line string) error {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return fmt.Errorf("malformed constraint %q", line)
	}
	op := fields[len(fields)-2]
	if op != "<=" && op != ">=" && op != "=" {
		return fmt.Errorf("unknown comparison %q", op)
	}
	scalar, err := strconv.ParseFloat(fields[len(fields)-1], 64)
	if err != nil {
		return fmt.Errorf("bad constant %q: %w", fields[len(fields)-1], err)
	}

	terms := make([]term, 0, len(fields)-2)
	for _, tok := range fields[:len(fields)-2] {
		t, err := parseTerm(q, tok)
		if err != nil {
			return err
		}
		terms = append(terms, t)
	}

	if len(terms) == 1 && terms[0].coefficient == 1 {
		return applyBound(q, terms[0].variable, op, scalar)
	}

	// general case: aux = Σ aᵢ·vᵢ, then bound aux
	aux := q.AddVariable()
	addends := make([]query.Addend, 0, len(terms)+1)
	for _, t := range terms {
		addends = append(addends, query.Addend{Coefficient: t.coefficient, Variable: t.variable})
	}
	addends = append(addends, query.Addend{Coefficient: -1, Variable: aux})
	if err := q.AddLinearRelation(query.LinearRelation{Addends: addends}); err != nil {
		return err
	}
	return applyBound(q, aux, op, scalar)
}

// applyBound narrows the initial bound of v, never widening what the query
// already declares.
func applyBound(q *query.Query, v int, op string, c float64) error {
	existing := q.InitialBounds()
	if op != "<=" && c > existing.Lower(v) { // >= or =
		if err := q.SetLowerBound(v, c); err != nil {
			return err
		}
	}
	if op != ">=" && c < existing.Upper(v) { // <= or =
		if err := q.SetUpperBound(v, c); err != nil {
			return err
		}
	}
	return nil
}

// parseTerm reads one [sign][coefficient]{x|y}<index> token and resolves the
// index through the query's input or output variable list.
func parseTerm(q *query.Query, tok string) (term, error) {
	t := term{coefficient: 1}
	s := tok
	switch {
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	case strings.HasPrefix(s, "-"):
		t.coefficient = -1
		s = s[1:]
	}

	kind := strings.IndexAny(s, "xy")
	if kind < 0 {
		return term{}, fmt.Errorf("malformed term %q", tok)
	}
	if kind > 0 {
		c, err := strconv.ParseFloat(s[:kind], 64)
		if err != nil {
			return term{}, fmt.Errorf("bad coefficient in %q: %w", tok, err)
		}
		t.coefficient *= c
	}

	index, err := strconv.Atoi(s[kind+1:])
	if err != nil {
		return term{}, fmt.Errorf("bad variable index in %q: %w", tok, err)
	}
	var pool []int
	if s[kind] == 'x' {
		pool = q.InputVariables()
	} else {
		pool = q.OutputVariables()
	}
	if index < 0 || index >= len(pool) {
		return term{}, fmt.Errorf("%q: no declared variable with index %d", tok, index)
	}
	t.variable = pool[index]
	return t, nil
}
