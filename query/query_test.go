package query

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRelationVariablesMustExist(t *testing.T) {
	assert := require.New(t)

	q := New(3)
	assert.Error(q.AddLinearRelation(LinearRelation{
		Addends: []Addend{{Coefficient: 1, Variable: 3}},
	}))
	assert.Error(q.AddLinearRelation(LinearRelation{
		Addends: []Addend{{Coefficient: 1, Variable: -1}},
	}))
	assert.Error(q.AddReLU(0, 5))
	assert.Error(q.AddReLU(-1, 0))
	assert.Error(q.MarkInputVariable(7))
	assert.Error(q.SetLowerBound(3, 0))

	assert.NoError(q.AddLinearRelation(LinearRelation{
		Addends: []Addend{{Coefficient: 1, Variable: 0}, {Coefficient: -1, Variable: 1}},
	}))
	assert.NoError(q.AddReLU(1, 2))
	assert.True(q.IsConstrained(0))
	assert.True(q.IsConstrained(2))
}

func TestZeroCoefficientRejected(t *testing.T) {
	assert := require.New(t)

	q := New(2)
	assert.Error(q.AddLinearRelation(LinearRelation{
		Addends: []Addend{{Coefficient: 0, Variable: 0}},
	}))
}

func TestAddVariableGrowsQuery(t *testing.T) {
	assert := require.New(t)

	q := New(2)
	v := q.AddVariable()
	assert.Equal(2, v)
	assert.Equal(3, q.NumVariables())
	assert.NoError(q.SetUpperBound(v, 1))
	assert.NoError(q.AddLinearRelation(LinearRelation{
		Addends: []Addend{{Coefficient: 1, Variable: 0}, {Coefficient: -1, Variable: v}},
	}))
}

func TestInitialBoundsAreIsolated(t *testing.T) {
	assert := require.New(t)

	q := New(1)
	assert.NoError(q.SetLowerBound(0, 0))
	assert.NoError(q.SetUpperBound(0, 1))

	a := q.InitialBounds()
	a.TightenLower(0, 0.5, 0)

	b := q.InitialBounds()
	assert.Equal(0.0, b.Lower(0))
	assert.Equal(1.0, b.Upper(0))
}

func TestReLUPhase(t *testing.T) {
	assert := require.New(t)

	q := New(2)
	assert.NoError(q.AddReLU(0, 1))
	r := q.ReLUs()[0]

	b := NewBounds(2)
	assert.Equal(ReLUUndecided, r.Phase(b))

	b.TightenLower(0, 0, 0)
	assert.Equal(ReLUActive, r.Phase(b))

	b = NewBounds(2)
	b.TightenUpper(0, -0.1, 0)
	assert.Equal(ReLUInactive, r.Phase(b))
}
