// Package frames holds the image types the stabilizer works on and the
// collaborators that move them between disk and memory.
package frames

import (
	"errors"
	"fmt"

	"gocv.io/x/gocv"
)

// ErrDimensionMismatch is wrapped when a frame's size differs from the
// reference frame's size.
var ErrDimensionMismatch = errors.New("frame dimensions differ from reference")

// Frame is one decoded color (or single channel) image owned by the holder.
// Index is the position in the sequence; Name is only used for output naming.
type Frame struct {
	Index int
	Name  string
	Mat   gocv.Mat
}

// Width returns the frame width in pixels.
func (f Frame) Width() int { return f.Mat.Cols() }

// Height returns the frame height in pixels.
func (f Frame) Height() int { return f.Mat.Rows() }

// Channels returns the number of channels per pixel.
func (f Frame) Channels() int { return f.Mat.Channels() }

// Bytes returns the decoded buffer size.
func (f Frame) Bytes() int64 {
	return int64(f.Mat.Rows()) * int64(f.Mat.Cols()) * int64(f.Mat.ElemSize())
}

// Close releases the pixel buffer.
func (f *Frame) Close() error {
	return f.Mat.Close()
}

// Gray converts the frame to luminance. The result never aliases f.
func (f Frame) Gray() (GrayFrame, error) {
	if f.Mat.Empty() {
		return GrayFrame{}, fmt.Errorf("frame %d: empty image", f.Index)
	}
	switch f.Channels() {
	case 1:
		return GrayFrame{Index: f.Index, Mat: f.Mat.Clone()}, nil
	case 3:
		return f.convertGray(gocv.ColorBGRToGray)
	case 4:
		return f.convertGray(gocv.ColorBGRAToGray)
	default:
		return GrayFrame{}, fmt.Errorf("frame %d: unsupported channel count %d", f.Index, f.Channels())
	}
}

func (f Frame) convertGray(code gocv.ColorConversionCode) (GrayFrame, error) {
	gray := gocv.NewMat()
	if err := gocv.CvtColor(f.Mat, &gray, code); err != nil {
		gray.Close()
		return GrayFrame{}, fmt.Errorf("frame %d: gray conversion: %w", f.Index, err)
	}
	return GrayFrame{Index: f.Index, Mat: gray}, nil
}

// GrayFrame is a single-channel image derived from a Frame. Once built it is
// only read, so one reference GrayFrame can be shared by concurrent workers.
type GrayFrame struct {
	Index int
	Mat   gocv.Mat
}

// Width returns the frame width in pixels.
func (g GrayFrame) Width() int { return g.Mat.Cols() }

// Height returns the frame height in pixels.
func (g GrayFrame) Height() int { return g.Mat.Rows() }

// Close releases the pixel buffer.
func (g *GrayFrame) Close() error {
	return g.Mat.Close()
}

// OpenCVVersion reports the OpenCV library gocv is linked against.
func OpenCVVersion() string { return gocv.OpenCVVersion() }
