package report

import (
	"fmt"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"deshaker/internal/stabilize"
)

// RenderChart writes an interactive HTML line chart of set to w.
func RenderChart(w io.Writer, set *stabilize.ShiftSet, title string) error {
	if set.Len() == 0 {
		return fmt.Errorf("no shifts to chart")
	}

	entries := set.Entries()
	x := make([]string, len(entries))
	dx := make([]opts.LineData, len(entries))
	dy := make([]opts.LineData, len(entries))
	da := make([]opts.LineData, len(entries))
	for i, e := range entries {
		x[i] = e.Name
		if x[i] == "" {
			x[i] = fmt.Sprintf("%d", e.Index)
		}
		dx[i] = opts.LineData{Value: e.Shift.DX}
		dy[i] = opts.LineData{Value: e.Shift.DY}
		da[i] = opts.LineData{Value: e.Shift.DA * 180 / math.Pi}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("frames=%d ref=%d", set.Len(), set.RefIndex())}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "px / deg"}),
	)
	line.SetXAxis(x).
		AddSeries("dx", dx).
		AddSeries("dy", dy).
		AddSeries("angle", da)

	return line.Render(w)
}
