package stabilize

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"deshaker/internal/frames"
)

// Estimator measures how a target frame moved relative to the reference.
// It holds only settings and is safe for concurrent use.
type Estimator struct {
	params Params
}

// NewEstimator validates p and returns an Estimator using it.
func NewEstimator(p Params) (*Estimator, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Estimator{params: p}, nil
}

// Params returns the settings in use.
func (e *Estimator) Params() Params { return e.params }

// Estimate detects corners on ref, tracks them into target, fits the
// configured model and extracts the shift. Neither frame is modified.
func (e *Estimator) Estimate(ref, target frames.GrayFrame) (Shift, AffineTransform, error) {
	if ref.Width() != target.Width() || ref.Height() != target.Height() {
		return Shift{}, AffineTransform{}, fmt.Errorf("%w: reference %dx%d, frame %d is %dx%d",
			frames.ErrDimensionMismatch, ref.Width(), ref.Height(), target.Index, target.Width(), target.Height())
	}

	refPts, targetPts, err := e.track(ref, target)
	if err != nil {
		return Shift{}, AffineTransform{}, err
	}

	t, err := FitTransform(refPts, targetPts, e.params.Model)
	if err != nil {
		return Shift{}, AffineTransform{}, err
	}
	return t.Shift(), t, nil
}

func (e *Estimator) track(ref, target frames.GrayFrame) ([]gocv.Point2f, []gocv.Point2f, error) {
	required := e.params.requiredMatches()
	fp, lk := e.params.Features, e.params.Flow

	corners := gocv.NewMat()
	defer corners.Close()
	if err := gocv.GoodFeaturesToTrack(ref.Mat, &corners, fp.MaxCorners, fp.QualityLevel, fp.MinDistance); err != nil {
		return nil, nil, fmt.Errorf("detect corners: %w", err)
	}
	if corners.Empty() || corners.Rows() < required {
		return nil, nil, &InsufficientCorrespondenceError{Stage: "detect", Found: corners.Rows(), Required: required}
	}

	next := gocv.NewMat()
	defer next.Close()
	status := gocv.NewMat()
	defer status.Close()
	trackErr := gocv.NewMat()
	defer trackErr.Close()

	criteria := gocv.NewTermCriteria(gocv.Count|gocv.EPS, lk.MaxIter, lk.Epsilon)
	if err := gocv.CalcOpticalFlowPyrLKWithParams(ref.Mat, target.Mat, corners, next, &status, &trackErr,
		image.Pt(lk.WinSize, lk.WinSize), lk.MaxLevel, criteria, 0, 1e-4); err != nil {
		return nil, nil, fmt.Errorf("track corners into frame %d: %w", target.Index, err)
	}

	p0 := pointsFromMat(corners)
	p1 := pointsFromMat(next)
	flags := make([]byte, status.Rows())
	for i := range flags {
		flags[i] = status.GetUCharAt(i, 0)
	}

	refPts, targetPts := filterTracked(p0, p1, flags)
	if len(refPts) < required {
		return nil, nil, &InsufficientCorrespondenceError{Stage: "track", Found: len(refPts), Required: required}
	}
	return refPts, targetPts, nil
}

// filterTracked keeps the pairs whose status flag is 1. Mismatched lengths
// are truncated to the shortest input.
func filterTracked(p0, p1 []gocv.Point2f, status []byte) ([]gocv.Point2f, []gocv.Point2f) {
	n := min(len(p0), len(p1), len(status))
	ref := make([]gocv.Point2f, 0, n)
	tgt := make([]gocv.Point2f, 0, n)
	for i := 0; i < n; i++ {
		if status[i] == 1 {
			ref = append(ref, p0[i])
			tgt = append(tgt, p1[i])
		}
	}
	return ref, tgt
}

// FitTransform robustly fits the mapping from refPts to targetPts: a 2x3
// partial affine (rotation, uniform scale, translation) or a 3x3 homography.
func FitTransform(refPts, targetPts []gocv.Point2f, model Model) (AffineTransform, error) {
	required := 3
	if model == ModelHomography {
		required = 4
	}
	if len(refPts) != len(targetPts) {
		return AffineTransform{}, fmt.Errorf("point sets differ in length: %d vs %d", len(refPts), len(targetPts))
	}
	if len(refPts) < required {
		return AffineTransform{}, &InsufficientCorrespondenceError{Stage: "fit", Found: len(refPts), Required: required}
	}

	from := gocv.NewPoint2fVectorFromPoints(refPts)
	defer from.Close()
	to := gocv.NewPoint2fVectorFromPoints(targetPts)
	defer to.Close()

	var fitted gocv.Mat
	switch model {
	case ModelHomography:
		src := gocv.NewMatFromPoint2fVector(from, true)
		defer src.Close()
		dst := gocv.NewMatFromPoint2fVector(to, true)
		defer dst.Close()
		mask := gocv.NewMat()
		defer mask.Close()
		fitted = gocv.FindHomography(src, dst, gocv.HomographyMethodRANSAC, 3, &mask, 2000, 0.995)
	default:
		fitted = gocv.EstimateAffinePartial2D(from, to)
	}
	defer fitted.Close()

	if fitted.Empty() {
		return AffineTransform{}, &InsufficientCorrespondenceError{Stage: "fit", Found: len(refPts), Required: required}
	}
	return transformFromMat(fitted)
}

func pointsFromMat(m gocv.Mat) []gocv.Point2f {
	pts := make([]gocv.Point2f, m.Rows())
	for i := range pts {
		v := m.GetVecfAt(i, 0)
		pts[i] = gocv.Point2f{X: v[0], Y: v[1]}
	}
	return pts
}
