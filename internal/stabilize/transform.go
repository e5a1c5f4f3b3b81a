package stabilize

import (
	"fmt"
	"math"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"
)

// Kind tells the two transform shapes apart.
type Kind int

const (
	KindInvalid    Kind = iota
	KindAffine          // 2x3 partial affine
	KindHomography      // 3x3 perspective
)

func (k Kind) String() string {
	switch k {
	case KindAffine:
		return "affine"
	case KindHomography:
		return "homography"
	default:
		return "invalid"
	}
}

// AffineTransform is the fitted mapping from reference points to the
// corresponding target points, stored row-major. It is either 2x3 or 3x3.
type AffineTransform struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

// Identity returns the identity transform of the given kind.
func Identity(kind Kind) AffineTransform {
	if kind == KindHomography {
		return AffineTransform{Rows: 3, Cols: 3, Data: []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}}
	}
	return AffineTransform{Rows: 2, Cols: 3, Data: []float64{1, 0, 0, 0, 1, 0}}
}

// NewAffine builds a 2x3 transform from its rows.
func NewAffine(m [2][3]float64) AffineTransform {
	return AffineTransform{Rows: 2, Cols: 3, Data: []float64{
		m[0][0], m[0][1], m[0][2],
		m[1][0], m[1][1], m[1][2],
	}}
}

// NewHomography builds a 3x3 transform from its rows.
func NewHomography(m [3][3]float64) AffineTransform {
	return AffineTransform{Rows: 3, Cols: 3, Data: []float64{
		m[0][0], m[0][1], m[0][2],
		m[1][0], m[1][1], m[1][2],
		m[2][0], m[2][1], m[2][2],
	}}
}

// Kind reports the shape, KindInvalid for anything but 2x3 or 3x3.
func (t AffineTransform) Kind() Kind {
	if len(t.Data) != t.Rows*t.Cols || t.Cols != 3 {
		return KindInvalid
	}
	switch t.Rows {
	case 2:
		return KindAffine
	case 3:
		return KindHomography
	default:
		return KindInvalid
	}
}

// Validate returns a ShapeMismatchError for malformed transforms.
func (t AffineTransform) Validate() error {
	if t.Kind() == KindInvalid {
		return &ShapeMismatchError{Rows: t.Rows, Cols: t.Cols}
	}
	return nil
}

// At returns element (r, c).
func (t AffineTransform) At(r, c int) float64 {
	return t.Data[r*t.Cols+c]
}

// Clone returns a deep copy.
func (t AffineTransform) Clone() AffineTransform {
	t.Data = append([]float64(nil), t.Data...)
	return t
}

// IsIdentity reports an exact identity, as inserted for the reference frame.
func (t AffineTransform) IsIdentity() bool {
	id := Identity(t.Kind())
	if t.Kind() == KindInvalid {
		return false
	}
	for i, v := range t.Data {
		if v != id.Data[i] {
			return false
		}
	}
	return true
}

// Shift extracts the translation and rotation of the transform. The
// translation is negated so that it points from the target back to the
// reference.
func (t AffineTransform) Shift() Shift {
	return Shift{
		DX: -t.At(0, 2),
		DY: -t.At(1, 2),
		DA: math.Atan2(t.At(1, 0), t.At(0, 0)),
	}
}

// Correction returns the matrix to warp a target frame with so it lines up
// with the reference. A 2x3 transform is corrected by negating its
// translation terms on a copy; a 3x3 homography by its true inverse.
func (t AffineTransform) Correction() (AffineTransform, error) {
	switch t.Kind() {
	case KindAffine:
		c := t.Clone()
		c.Data[2] = -c.Data[2]
		c.Data[5] = -c.Data[5]
		return c, nil
	case KindHomography:
		var inv mat.Dense
		if err := inv.Inverse(mat.NewDense(3, 3, t.Clone().Data)); err != nil {
			return AffineTransform{}, fmt.Errorf("homography is not invertible: %w", err)
		}
		out := AffineTransform{Rows: 3, Cols: 3, Data: make([]float64, 9)}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				out.Data[r*3+c] = inv.At(r, c)
			}
		}
		return out, nil
	default:
		return AffineTransform{}, &ShapeMismatchError{Rows: t.Rows, Cols: t.Cols}
	}
}

// toMat copies the transform into a CV_64F matrix owned by the caller.
func (t AffineTransform) toMat() gocv.Mat {
	m := gocv.NewMatWithSize(t.Rows, t.Cols, gocv.MatTypeCV64F)
	for r := 0; r < t.Rows; r++ {
		for c := 0; c < t.Cols; c++ {
			m.SetDoubleAt(r, c, t.At(r, c))
		}
	}
	return m
}

// transformFromMat copies a fitted CV_64F matrix out of OpenCV memory.
func transformFromMat(m gocv.Mat) (AffineTransform, error) {
	rows, cols := m.Rows(), m.Cols()
	t := AffineTransform{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
	if err := t.Validate(); err != nil {
		return AffineTransform{}, err
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			t.Data[r*cols+c] = m.GetDoubleAt(r, c)
		}
	}
	return t, nil
}

// Shift is the per-frame displacement relative to the reference frame:
// pixels along x and y plus rotation in radians.
type Shift struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
	DA float64 `json:"da"`
}
