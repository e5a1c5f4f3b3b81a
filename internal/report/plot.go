package report

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"deshaker/internal/stabilize"
)

// PlotFileName is the image PlotShifts writes next to the corrected frames.
const PlotFileName = "shifts.png"

var (
	dxColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	dyColor = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	daColor = color.RGBA{R: 44, G: 160, B: 44, A: 255}
)

// PlotShifts draws dx, dy and the rotation angle per frame and saves the
// result as a PNG at path.
func PlotShifts(set *stabilize.ShiftSet, path string) error {
	if set.Len() == 0 {
		return fmt.Errorf("no shifts to plot")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Camera shift vs frame %d", set.RefIndex())
	p.X.Label.Text = "frame"
	p.Y.Label.Text = "pixels / degrees"

	dx, dy, da := set.DX(), set.DY(), set.DA()
	series := []struct {
		label  string
		values []float64
		scale  float64
		color  color.Color
	}{
		{"dx (px)", dx, 1, dxColor},
		{"dy (px)", dy, 1, dyColor},
		{"angle (deg)", da, 180 / math.Pi, daColor},
	}
	for _, s := range series {
		pts := make(plotter.XYs, len(s.values))
		for i, v := range s.values {
			pts[i] = plotter.XY{X: float64(i), Y: v * s.scale}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("plot %s: %w", s.label, err)
		}
		line.Color = s.color
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(s.label, line)
	}
	p.Add(plotter.NewGrid())

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(10*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save shift plot: %w", err)
	}
	return nil
}
