package property

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oceanlab/remora/query"
)

// network builds a query with two inputs (x0, x1) and two outputs (y0, y1),
// all over [-10, 10].
func network(t *testing.T) *query.Query {
	t.Helper()
	q := query.New(4)
	for v := 0; v < 4; v++ {
		require.NoError(t, q.SetLowerBound(v, -10))
		require.NoError(t, q.SetUpperBound(v, 10))
	}
	require.NoError(t, q.MarkInputVariable(0))
	require.NoError(t, q.MarkInputVariable(1))
	require.NoError(t, q.MarkOutputVariable(2))
	require.NoError(t, q.MarkOutputVariable(3))
	return q
}

func writeProperty(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "property.txt")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	return path
}

func TestLoadDirectBounds(t *testing.T) {
	assert := require.New(t)

	q := network(t)
	path := writeProperty(t, "// input region\nx0 >= 0.5\n\ny1 <= 0.25\n")
	assert.NoError(Load(q, path))

	b := q.InitialBounds()
	assert.Equal(0.5, b.Lower(0))
	assert.Equal(10.0, b.Upper(0))
	assert.Equal(0.25, b.Upper(3))
	assert.Equal(4, q.NumVariables())
	assert.Empty(q.LinearRelations())
}

func TestLoadEqualityPinsBothSides(t *testing.T) {
	assert := require.New(t)

	q := network(t)
	assert.NoError(Load(q, writeProperty(t, "x1 = 0.75\n")))

	b := q.InitialBounds()
	assert.Equal(0.75, b.Lower(1))
	assert.Equal(0.75, b.Upper(1))
}

func TestLoadNeverWidensDeclaredBounds(t *testing.T) {
	assert := require.New(t)

	q := network(t)
	assert.NoError(q.SetLowerBound(0, 0.6))
	assert.NoError(Load(q, writeProperty(t, "x0 >= 0.5\n")))

	assert.Equal(0.6, q.InitialBounds().Lower(0))
}

func TestLoadLinearCombination(t *testing.T) {
	assert := require.New(t)

	q := network(t)
	assert.NoError(Load(q, writeProperty(t, "+y0 -y1 <= 0\n")))

	// one auxiliary variable tied to y0 - y1, bounded above by 0
	assert.Equal(5, q.NumVariables())
	relations := q.LinearRelations()
	assert.Len(relations, 1)
	assert.Equal([]query.Addend{
		{Coefficient: 1, Variable: 2},
		{Coefficient: -1, Variable: 3},
		{Coefficient: -1, Variable: 4},
	}, relations[0].Addends)
	assert.Equal(0.0, relations[0].Scalar)

	b := q.InitialBounds()
	assert.Equal(0.0, b.Upper(4))
	assert.True(math.IsInf(b.Lower(4), -1))
}

func TestLoadCoefficientTerms(t *testing.T) {
	assert := require.New(t)

	q := network(t)
	assert.NoError(Load(q, writeProperty(t, "-0.5x0 +x1 >= 0.25\n")))

	relations := q.LinearRelations()
	assert.Len(relations, 1)
	assert.Equal([]query.Addend{
		{Coefficient: -0.5, Variable: 0},
		{Coefficient: 1, Variable: 1},
		{Coefficient: -1, Variable: 4},
	}, relations[0].Addends)
	assert.Equal(0.25, q.InitialBounds().Lower(4))
}

func TestLoadNonUnitSingleTermUsesAuxiliary(t *testing.T) {
	assert := require.New(t)

	// 2x0 >= 1 is not a plain bound on x0 and must go through the
	// auxiliary encoding
	q := network(t)
	assert.NoError(Load(q, writeProperty(t, "2x0 >= 1\n")))

	assert.Equal(5, q.NumVariables())
	assert.Len(q.LinearRelations(), 1)
	assert.Equal(1.0, q.InitialBounds().Lower(4))
}

func TestLoadErrors(t *testing.T) {
	for name, line := range map[string]string{
		"bad comparison":     "x0 ?? 1\n",
		"bad constant":       "x0 >= one\n",
		"unknown variable":   "z0 >= 1\n",
		"index out of range": "x5 >= 1\n",
		"too few fields":     "x0 >=\n",
		"bad coefficient":    "q.5x0 >= 1\n",
	} {
		t.Run(name, func(t *testing.T) {
			assert := require.New(t)
			q := network(t)
			err := Load(q, writeProperty(t, line))
			assert.Error(err)
			assert.Contains(err.Error(), ":1:")
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	assert := require.New(t)
	q := network(t)
	assert.Error(Load(q, filepath.Join(t.TempDir(), "absent.txt")))
}
