package stabilize

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"deshaker/internal/frames"
)

// Matched corners from two real 400x267 frames where the camera dropped
// by roughly 1.7 pixels.
var (
	ptsFirst = []gocv.Point2f{
		{X: 17, Y: 109}, {X: 381, Y: 91}, {X: 374, Y: 92}, {X: 321, Y: 92}, {X: 366, Y: 89},
		{X: 344, Y: 92}, {X: 280, Y: 99}, {X: 230, Y: 114}, {X: 5, Y: 110}, {X: 331, Y: 91},
		{X: 292, Y: 97}, {X: 264, Y: 103}, {X: 239, Y: 109}, {X: 26, Y: 112}, {X: 388, Y: 91},
		{X: 358, Y: 91}, {X: 247, Y: 108}, {X: 169, Y: 125}, {X: 107, Y: 112}, {X: 58, Y: 205},
		{X: 129, Y: 116},
	}
	ptsSecond = []gocv.Point2f{
		{X: 16.989529, Y: 110.79332}, {X: 380.9367, Y: 92.80478}, {X: 373.95105, Y: 93.80352},
		{X: 320.94406, Y: 93.75303}, {X: 365.9451, Y: 90.78195}, {X: 343.9468, Y: 93.75843},
		{X: 279.90256, Y: 100.728}, {X: 229.95421, Y: 115.69796}, {X: 4.954919, Y: 111.80846},
		{X: 330.91702, Y: 92.74003}, {X: 291.96204, Y: 98.70436}, {X: 263.9561, Y: 104.697876},
		{X: 238.98558, Y: 110.66699}, {X: 25.973988, Y: 113.78592}, {X: 387.9462, Y: 92.8008},
		{X: 357.95322, Y: 92.77889}, {X: 247.03146, Y: 109.67142}, {X: 168.89174, Y: 126.62941},
		{X: 106.97268, Y: 113.70874}, {X: 57.943596, Y: 206.76143}, {X: 128.91571, Y: 117.68788},
	}
)

func TestFitTransformMatchesReferenceFrames(t *testing.T) {
	got, err := FitTransform(ptsFirst, ptsSecond, ModelPartialAffine)
	require.NoError(t, err)
	require.Equal(t, KindAffine, got.Kind())

	assert.InDelta(t, fixtureAffine.At(0, 0), got.At(0, 0), 1e-3)
	assert.InDelta(t, fixtureAffine.At(1, 1), got.At(1, 1), 1e-3)
	assert.InDelta(t, fixtureAffine.At(0, 2), got.At(0, 2), 0.05)
	assert.InDelta(t, fixtureAffine.At(1, 2), got.At(1, 2), 0.05)

	s := got.Shift()
	assert.InDelta(t, 0.031, s.DX, 0.05)
	assert.InDelta(t, -1.739, s.DY, 0.05)
	assert.InDelta(t, 0, s.DA, 1e-3)
}

func TestFitTransformHomography(t *testing.T) {
	got, err := FitTransform(ptsFirst, ptsSecond, ModelHomography)
	require.NoError(t, err)
	require.Equal(t, KindHomography, got.Kind())
	assert.InDelta(t, 1, got.At(2, 2), 1e-9)
	assert.InDelta(t, -1.7, got.Shift().DY, 1.5)
}

func TestFitTransformRecoversKnownHomography(t *testing.T) {
	want := NewHomography([3][3]float64{
		{1.02, 0.015, 6.5},
		{-0.01, 0.985, -4.25},
		{1.2e-4, -8e-5, 1},
	})

	var from, to []gocv.Point2f
	for y := 10.0; y <= 250; y += 40 {
		for x := 10.0; x <= 390; x += 45 {
			w := want.At(2, 0)*x + want.At(2, 1)*y + want.At(2, 2)
			from = append(from, gocv.Point2f{X: float32(x), Y: float32(y)})
			to = append(to, gocv.Point2f{
				X: float32((want.At(0, 0)*x + want.At(0, 1)*y + want.At(0, 2)) / w),
				Y: float32((want.At(1, 0)*x + want.At(1, 1)*y + want.At(1, 2)) / w),
			})
		}
	}

	got, err := FitTransform(from, to, ModelHomography)
	require.NoError(t, err)
	require.Equal(t, KindHomography, got.Kind())

	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			tol := 1e-3
			switch {
			case r == 2 && c < 2:
				tol = 1e-6
			case c == 2 && r < 2:
				tol = 0.02
			}
			assert.InDelta(t, want.At(r, c), got.At(r, c), tol, "H[%d][%d]", r, c)
		}
	}

	s := got.Shift()
	assert.InDelta(t, -6.5, s.DX, 0.02)
	assert.InDelta(t, 4.25, s.DY, 0.02)
}

func TestFitTransformNeedsEnoughPoints(t *testing.T) {
	var insufficient *InsufficientCorrespondenceError

	_, err := FitTransform(ptsFirst[:2], ptsSecond[:2], ModelPartialAffine)
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 2, insufficient.Found)
	assert.Equal(t, 3, insufficient.Required)

	_, err = FitTransform(ptsFirst[:3], ptsSecond[:3], ModelHomography)
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 4, insufficient.Required)

	_, err = FitTransform(ptsFirst[:5], ptsSecond[:4], ModelPartialAffine)
	assert.Error(t, err)
}

func TestFilterTracked(t *testing.T) {
	p0 := []gocv.Point2f{{X: 1, Y: 1}, {X: 2, Y: 2}, {X: 3, Y: 3}, {X: 4, Y: 4}}
	p1 := []gocv.Point2f{{X: 1.5, Y: 1}, {X: 2.5, Y: 2}, {X: 3.5, Y: 3}, {X: 4.5, Y: 4}}

	ref, tgt := filterTracked(p0, p1, []byte{1, 0, 1, 0})
	assert.Equal(t, []gocv.Point2f{{X: 1, Y: 1}, {X: 3, Y: 3}}, ref)
	assert.Equal(t, []gocv.Point2f{{X: 1.5, Y: 1}, {X: 3.5, Y: 3}}, tgt)

	ref, tgt = filterTracked(p0, p1, []byte{1, 1})
	assert.Len(t, ref, 2)
	assert.Len(t, tgt, 2)

	ref, _ = filterTracked(p0, p1, []byte{0, 0, 0, 0})
	assert.Empty(t, ref)
}

func TestEstimateRecoversTranslation(t *testing.T) {
	base := texture(t, 320, 240)
	defer base.Close()
	moved := translated(t, base, 3, -2)
	defer moved.Close()

	ref := grayOf(t, base)
	defer ref.Close()
	target := grayOf(t, moved)
	defer target.Close()

	for _, model := range []Model{ModelPartialAffine, ModelHomography} {
		t.Run(string(model), func(t *testing.T) {
			est, err := NewEstimator(DefaultParams().With(WithModel(model)))
			require.NoError(t, err)

			shift, tr, err := est.Estimate(ref, target)
			require.NoError(t, err)
			assert.InDelta(t, -3, shift.DX, 0.5)
			assert.InDelta(t, 2, shift.DY, 0.5)
			assert.InDelta(t, 0, shift.DA, 0.01)
			assert.InDelta(t, 3, tr.At(0, 2), 0.5)
		})
	}
}

func TestEstimateLeavesFramesUntouched(t *testing.T) {
	base := texture(t, 200, 160)
	defer base.Close()
	moved := translated(t, base, 2, 1)
	defer moved.Close()

	ref := grayOf(t, base)
	defer ref.Close()
	target := grayOf(t, moved)
	defer target.Close()
	refBefore, targetBefore := ref.Mat.ToBytes(), target.Mat.ToBytes()

	est, err := NewEstimator(DefaultParams())
	require.NoError(t, err)
	_, _, err = est.Estimate(ref, target)
	require.NoError(t, err)

	assert.Equal(t, refBefore, ref.Mat.ToBytes())
	assert.Equal(t, targetBefore, target.Mat.ToBytes())
}

func TestEstimateFeaturelessReference(t *testing.T) {
	flat := gocv.NewMatWithSize(120, 160, gocv.MatTypeCV8UC3)
	defer flat.Close()
	gocv.Rectangle(&flat, image.Rect(0, 0, 160, 120), color.RGBA{90, 90, 90, 0}, -1)

	ref := grayOf(t, flat)
	defer ref.Close()
	target := grayOf(t, flat)
	defer target.Close()

	est, err := NewEstimator(DefaultParams())
	require.NoError(t, err)
	_, _, err = est.Estimate(ref, target)

	var insufficient *InsufficientCorrespondenceError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, "detect", insufficient.Stage)
	assert.Equal(t, 3, insufficient.Required)
}

func TestEstimateDimensionMismatch(t *testing.T) {
	a := texture(t, 200, 160)
	defer a.Close()
	b := texture(t, 160, 200)
	defer b.Close()

	ref := grayOf(t, a)
	defer ref.Close()
	target := grayOf(t, b)
	defer target.Close()

	est, err := NewEstimator(DefaultParams())
	require.NoError(t, err)
	_, _, err = est.Estimate(ref, target)
	assert.ErrorIs(t, err, frames.ErrDimensionMismatch)
}

func TestEstimateSurfacesOpenCVErrors(t *testing.T) {
	empty := frames.GrayFrame{Index: 4, Mat: gocv.NewMat()}
	defer empty.Close()

	est, err := NewEstimator(DefaultParams())
	require.NoError(t, err)
	_, _, err = est.Estimate(empty, empty)
	require.Error(t, err)

	var insufficient *InsufficientCorrespondenceError
	assert.False(t, errors.As(err, &insufficient))
	assert.ErrorContains(t, err, "detect corners")
}
