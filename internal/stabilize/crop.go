package stabilize

import (
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/floats"
)

// CropWindow is the inclusive pixel rectangle kept in every corrected frame.
type CropWindow struct {
	X0 int `json:"x0"`
	X1 int `json:"x1"`
	Y0 int `json:"y0"`
	Y1 int `json:"y1"`
}

// Width of the cropped output.
func (c CropWindow) Width() int { return c.X1 - c.X0 + 1 }

// Height of the cropped output.
func (c CropWindow) Height() int { return c.Y1 - c.Y0 + 1 }

// Rect converts to the half-open image.Rectangle used for slicing.
func (c CropWindow) Rect() image.Rectangle {
	return image.Rect(c.X0, c.Y0, c.X1+1, c.Y1+1)
}

// Valid reports whether the window is non-empty and inside a width x height frame.
func (c CropWindow) Valid(width, height int) bool {
	return c.X0 >= 0 && c.X0 < c.X1 && c.X1 <= width-1 &&
		c.Y0 >= 0 && c.Y0 < c.Y1 && c.Y1 <= height-1
}

func (c CropWindow) String() string {
	return fmt.Sprintf("x[%d..%d] y[%d..%d]", c.X0, c.X1, c.Y0, c.Y1)
}

// ComputeCrop finds the largest window free of the borders that correcting
// any frame of set introduces. A frame with a negative dx is moved left when
// corrected, which uncovers its right edge, so the most negative dx trims the
// right side and the most positive dx trims the left; dy works the same way
// on bottom and top. Each trim is floor(|extreme|)+1 pixels.
func ComputeCrop(set *ShiftSet, width, height int) (CropWindow, error) {
	return cropFromShifts(set.DX(), set.DY(), width, height)
}

func cropFromShifts(dx, dy []float64, width, height int) (CropWindow, error) {
	if len(dx) == 0 || len(dy) == 0 {
		return CropWindow{}, fmt.Errorf("no shifts to crop for")
	}
	c := CropWindow{X0: 0, X1: width - 1, Y0: 0, Y1: height - 1}

	if lo := floats.Min(dx); lo < 0 {
		c.X1 -= int(math.Floor(-lo)) + 1
	}
	if hi := floats.Max(dx); hi > 0 {
		c.X0 += int(math.Floor(hi)) + 1
	}
	if lo := floats.Min(dy); lo < 0 {
		c.Y1 -= int(math.Floor(-lo)) + 1
	}
	if hi := floats.Max(dy); hi > 0 {
		c.Y0 += int(math.Floor(hi)) + 1
	}

	if !c.Valid(width, height) {
		return c, &DegenerateCropError{Window: c, Width: width, Height: height}
	}
	return c, nil
}
