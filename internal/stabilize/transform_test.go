package stabilize

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// fitted on a real pair of 400x267 test frames
var fixtureAffine = NewAffine([2][3]float64{
	{9.99941466e-01, -3.60863560e-05, -3.12518286e-02},
	{3.60863560e-05, 9.99941466e-01, 1.73890521e+00},
})

var fixtureHomography = NewHomography([3][3]float64{
	{9.95498980e-01, -2.23218148e-03, 2.26185456e-01},
	{-5.51166384e-04, 9.88910631e-01, 2.56712074e+00},
	{-3.35641974e-06, -3.35946049e-05, 1.00000000e+00},
})

func TestShiftFromTransform(t *testing.T) {
	s := fixtureAffine.Shift()
	assert.InDelta(t, 0.03125, s.DX, 1e-5)
	assert.InDelta(t, -1.73890521, s.DY, 1e-8)
	assert.InDelta(t, math.Atan2(3.60863560e-05, 9.99941466e-01), s.DA, 1e-12)

	assert.Equal(t, Shift{}, Identity(KindAffine).Shift())
	assert.Equal(t, Shift{}, Identity(KindHomography).Shift())
}

func TestCorrectionLeavesTransformUntouched(t *testing.T) {
	before := fixtureAffine.Clone()

	c, err := fixtureAffine.Correction()
	require.NoError(t, err)
	assert.Equal(t, before, fixtureAffine)
	assert.InDelta(t, 3.12518286e-02, c.At(0, 2), 1e-12)
	assert.InDelta(t, -1.73890521, c.At(1, 2), 1e-12)
	assert.Equal(t, fixtureAffine.At(0, 0), c.At(0, 0))
	assert.Equal(t, fixtureAffine.At(1, 0), c.At(1, 0))
}

func TestHomographyCorrectionIsInverse(t *testing.T) {
	inv, err := fixtureHomography.Correction()
	require.NoError(t, err)
	require.Equal(t, KindHomography, inv.Kind())

	var prod mat.Dense
	prod.Mul(mat.NewDense(3, 3, fixtureHomography.Clone().Data), mat.NewDense(3, 3, inv.Data))
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			want := 0.0
			if r == c {
				want = 1
			}
			assert.InDelta(t, want, prod.At(r, c), 1e-9)
		}
	}
}

func TestSingularHomography(t *testing.T) {
	singular := NewHomography([3][3]float64{{1, 2, 3}, {2, 4, 6}, {0, 0, 1}})
	_, err := singular.Correction()
	assert.Error(t, err)
}

func TestShapeValidation(t *testing.T) {
	bad := AffineTransform{Rows: 4, Cols: 3, Data: make([]float64, 12)}
	assert.Equal(t, KindInvalid, bad.Kind())

	var shapeErr *ShapeMismatchError
	require.True(t, errors.As(bad.Validate(), &shapeErr))
	assert.Equal(t, 4, shapeErr.Rows)

	_, err := bad.Correction()
	assert.True(t, errors.As(err, &shapeErr))

	short := AffineTransform{Rows: 2, Cols: 3, Data: []float64{1, 0, 0}}
	assert.Error(t, short.Validate())
}

func TestIsIdentity(t *testing.T) {
	assert.True(t, Identity(KindAffine).IsIdentity())
	assert.True(t, Identity(KindHomography).IsIdentity())
	assert.False(t, fixtureAffine.IsIdentity())
	assert.False(t, AffineTransform{}.IsIdentity())
}

func TestParamsWithCopies(t *testing.T) {
	base := DefaultParams()
	next := base.With(WithMaxCorners(250), WithModel(ModelHomography), WithEpsilon(0.01))

	assert.Equal(t, 100, base.Features.MaxCorners)
	assert.Equal(t, ModelPartialAffine, base.Model)
	assert.Equal(t, 250, next.Features.MaxCorners)
	assert.Equal(t, ModelHomography, next.Model)
	assert.Equal(t, 0.01, next.Flow.Epsilon)
	assert.Equal(t, 4, next.requiredMatches())
	assert.Equal(t, 3, base.requiredMatches())

	require.NoError(t, base.Validate())
	assert.Error(t, base.With(WithQualityLevel(0)).Validate())
	assert.Error(t, base.With(WithModel("rigid")).Validate())
	assert.Error(t, base.With(WithMinCorrespondences(2)).Validate())
}
