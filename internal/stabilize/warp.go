package stabilize

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"deshaker/internal/frames"
)

// WarpAndCrop aligns frame with the reference using its fitted transform and
// cuts out crop. The input frame and transform are left untouched; the
// returned frame owns a fresh buffer of crop.Width() x crop.Height().
func WarpAndCrop(frame frames.Frame, t AffineTransform, crop CropWindow) (frames.Frame, error) {
	if err := t.Validate(); err != nil {
		return frames.Frame{}, err
	}
	w, h := frame.Width(), frame.Height()
	if !crop.Valid(w, h) {
		return frames.Frame{}, &DegenerateCropError{Window: crop, Width: w, Height: h}
	}

	out := frames.Frame{Index: frame.Index, Name: frame.Name}

	// no resampling for the reference so it comes out bit-identical
	if t.IsIdentity() {
		region := frame.Mat.Region(crop.Rect())
		defer region.Close()
		out.Mat = region.Clone()
		return out, nil
	}

	correction, err := t.Correction()
	if err != nil {
		return frames.Frame{}, err
	}
	m := correction.toMat()
	defer m.Close()

	warped := gocv.NewMat()
	defer warped.Close()
	size := image.Pt(w, h)
	if correction.Kind() == KindHomography {
		err = gocv.WarpPerspective(frame.Mat, &warped, m, size)
	} else {
		err = gocv.WarpAffine(frame.Mat, &warped, m, size)
	}
	if err != nil {
		return frames.Frame{}, fmt.Errorf("warp frame %d: %w", frame.Index, err)
	}
	if warped.Empty() {
		return frames.Frame{}, fmt.Errorf("warp frame %d: empty result", frame.Index)
	}

	region := warped.Region(crop.Rect())
	defer region.Close()
	out.Mat = region.Clone()
	return out, nil
}
