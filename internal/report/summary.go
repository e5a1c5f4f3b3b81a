// Package report turns a shift set into numbers, plots and charts.
package report

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"deshaker/internal/stabilize"
)

// Summary describes how much the camera moved over a sequence.
type Summary struct {
	Frames   int     `json:"frames"`
	RefIndex int     `json:"ref_index"`
	MeanDX   float64 `json:"mean_dx"`
	StdDX    float64 `json:"std_dx"`
	MeanDY   float64 `json:"mean_dy"`
	StdDY    float64 `json:"std_dy"`
	MinDX    float64 `json:"min_dx"`
	MaxDX    float64 `json:"max_dx"`
	MinDY    float64 `json:"min_dy"`
	MaxDY    float64 `json:"max_dy"`
	// MaxAngle is the largest absolute rotation, in degrees.
	MaxAngle float64 `json:"max_angle_deg"`
	// WorstFrame has the largest translation magnitude.
	WorstFrame int `json:"worst_frame"`
}

// Summarize computes per-axis statistics for set.
func Summarize(set *stabilize.ShiftSet) Summary {
	dx, dy, da := set.DX(), set.DY(), set.DA()
	s := Summary{Frames: set.Len(), RefIndex: set.RefIndex()}
	if s.Frames == 0 {
		return s
	}

	s.MeanDX, s.StdDX = meanStd(dx)
	s.MeanDY, s.StdDY = meanStd(dy)
	s.MinDX, s.MaxDX = floats.Min(dx), floats.Max(dx)
	s.MinDY, s.MaxDY = floats.Min(dy), floats.Max(dy)

	for _, a := range da {
		s.MaxAngle = math.Max(s.MaxAngle, math.Abs(a)*180/math.Pi)
	}

	mag := make([]float64, len(dx))
	for i := range dx {
		mag[i] = math.Hypot(dx[i], dy[i])
	}
	s.WorstFrame = floats.MaxIdx(mag)
	return s
}

func meanStd(x []float64) (float64, float64) {
	if len(x) < 2 {
		return x[0], 0
	}
	return stat.MeanStdDev(x, nil)
}
