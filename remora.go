package remora

import (
	"context"
	"io"

	"github.com/oceanlab/remora/options"
	"github.com/oceanlab/remora/property"
	"github.com/oceanlab/remora/query"
	"github.com/oceanlab/remora/result"
	"github.com/oceanlab/remora/snc"
)

// Solve runs the query under cfg. Ordinary verification outcomes (sat,
// unsat, TIMEOUT, UNKNOWN, QUIT_REQUESTED) come back in the result with a
// nil error; the error is non-nil only for unusable configurations or
// unavailable backends, in which case the result code is ERROR.
func Solve(ctx context.Context, q *query.Query, cfg options.Config) (result.Result, error) {
	o, err := snc.New(q, cfg)
	if err != nil {
		return result.Result{Code: result.Error}, err
	}
	return o.Solve(ctx), nil
}

// SolveQuery applies the optional property file to q, solves, and, when w is
// non-nil, writes the human-readable report to it.
func SolveQuery(ctx context.Context, q *query.Query, cfg options.Config, propertyPath string, w io.Writer) (result.Result, error) {
	if propertyPath != "" {
		if err := property.Load(q, propertyPath); err != nil {
			return result.Result{Code: result.Error}, err
		}
	}
	res, err := Solve(ctx, q, cfg)
	if err != nil {
		return res, err
	}
	if w != nil {
		if err := result.WriteReport(w, q, res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// LoadQuery reads a query previously serialized with (*query.Query).Save.
func LoadQuery(path string) (*query.Query, error) {
	return query.Load(path)
}
