package query

import (
	"fmt"
	"io"
	"math"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// serialized is the wire form of a Query. Infinite bounds are encoded as
// absent entries since CBOR float encodings of ±inf round-trip but keep the
// file format explicit about which variables are actually constrained.
type serialized struct {
	NumVariables    int              `cbor:"numVariables"`
	Linear          []LinearRelation `cbor:"linear,omitempty"`
	ReLUs           []ReLU           `cbor:"relus,omitempty"`
	InputVariables  []int            `cbor:"inputVariables,omitempty"`
	OutputVariables []int            `cbor:"outputVariables,omitempty"`
	LowerBounds     map[int]float64  `cbor:"lowerBounds,omitempty"`
	UpperBounds     map[int]float64  `cbor:"upperBounds,omitempty"`
}

// WriteTo serializes the query in deterministic CBOR.
func (q *Query) WriteTo(w io.Writer) (int64, error) {
	s := serialized{
		NumVariables:    q.numVariables,
		Linear:          q.linear,
		ReLUs:           q.relus,
		InputVariables:  q.inputVariables,
		OutputVariables: q.outputVariables,
		LowerBounds:     make(map[int]float64),
		UpperBounds:     make(map[int]float64),
	}
	for v := 0; v < q.numVariables; v++ {
		if !math.IsInf(q.initial.lower[v], -1) {
			s.LowerBounds[v] = q.initial.lower[v]
		}
		if !math.IsInf(q.initial.upper[v], 1) {
			s.UpperBounds[v] = q.initial.upper[v]
		}
	}

	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return 0, err
	}
	buf, err := enc.Marshal(s)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(buf)
	return int64(n), err
}

// ReadFrom deserializes a query previously written with WriteTo.
func (q *Query) ReadFrom(r io.Reader) (int64, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return int64(len(buf)), err
	}

	dm, err := cbor.DecOptions{MaxArrayElements: 134217728}.DecMode()
	if err != nil {
		return int64(len(buf)), err
	}
	var s serialized
	if err := dm.Unmarshal(buf, &s); err != nil {
		return int64(len(buf)), err
	}
	if s.NumVariables < 0 {
		return int64(len(buf)), fmt.Errorf("invalid query: negative variable count")
	}

	rebuilt := New(s.NumVariables)
	for _, r := range s.Linear {
		if err := rebuilt.AddLinearRelation(r); err != nil {
			return int64(len(buf)), fmt.Errorf("invalid query: %w", err)
		}
	}
	for _, r := range s.ReLUs {
		if err := rebuilt.AddReLU(r.In, r.Out); err != nil {
			return int64(len(buf)), fmt.Errorf("invalid query: %w", err)
		}
	}
	for _, v := range s.InputVariables {
		if err := rebuilt.MarkInputVariable(v); err != nil {
			return int64(len(buf)), fmt.Errorf("invalid query: %w", err)
		}
	}
	for _, v := range s.OutputVariables {
		if err := rebuilt.MarkOutputVariable(v); err != nil {
			return int64(len(buf)), fmt.Errorf("invalid query: %w", err)
		}
	}
	for v, l := range s.LowerBounds {
		if err := rebuilt.SetLowerBound(v, l); err != nil {
			return int64(len(buf)), fmt.Errorf("invalid query: %w", err)
		}
	}
	for v, u := range s.UpperBounds {
		if err := rebuilt.SetUpperBound(v, u); err != nil {
			return int64(len(buf)), fmt.Errorf("invalid query: %w", err)
		}
	}

	*q = *rebuilt
	return int64(len(buf)), nil
}

// Save writes the query to path.
func (q *Query) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := q.WriteTo(f); err != nil {
		return err
	}
	return f.Sync()
}

// Load reads a query previously written with Save.
func Load(path string) (*Query, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	q := New(0)
	if _, err := q.ReadFrom(f); err != nil {
		return nil, fmt.Errorf("load query %s: %w", path, err)
	}
	return q, nil
}
