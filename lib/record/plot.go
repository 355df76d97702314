package record

import (
	"bytes"
	"image/color"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
	"github.com/gotmc/ivsweep"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// Axis labels shared by every rendering.
const (
	XLabel = "Voltage (V)"
	YLabel = "Current (mA)"
)

// Image size of the saved plot.
var (
	PlotWidth  = 8 * vg.Inch
	PlotHeight = 6 * vg.Inch
)

// Title is the plot title for a device label.
func Title(device string) string { return "I-V Curve - " + device }

// Render builds a line-with-markers plot of current against read-back
// voltage.
func Render(res *ivsweep.Result) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = Title(res.Device)
	p.X.Label.Text = XLabel
	p.Y.Label.Text = YLabel
	p.Add(plotter.NewGrid())

	xys := make(plotter.XYs, len(res.Samples))
	for i, s := range res.Samples {
		xys[i].X = s.Voltage
		xys[i].Y = s.CurrentMA
	}
	if len(xys) == 0 {
		return p, nil
	}
	line, points, err := plotter.NewLinePoints(xys)
	if err != nil {
		return nil, errors.Wrap(err, "building I-V series")
	}
	blue := color.RGBA{B: 255, A: 255}
	line.Color = blue
	points.Color = blue
	points.Shape = draw.PlusGlyph{}
	points.Radius = vg.Points(3)
	p.Add(line, points)
	return p, nil
}

// PNG encodes p as a PNG image of PlotWidth × PlotHeight.
func PNG(p *plot.Plot) ([]byte, error) {
	wt, err := p.WriterTo(PlotWidth, PlotHeight, "png")
	if err != nil {
		return nil, errors.Wrap(err, "png canvas")
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, errors.Wrap(err, "encoding png")
	}
	return buf.Bytes(), nil
}

// Chart builds an interactive HTML line chart of the same series.
func Chart(res *ivsweep.Result) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: Title(res.Device),
			Theme:     types.ThemeWesteros,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    Title(res.Device),
			Subtitle: res.Started.Format("2006-01-02 15:04:05"),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{
			Name:  XLabel,
			Type:  "value",
			Scale: opts.Bool(true),
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Name:  YLabel,
			Scale: opts.Bool(true),
		}),
		charts.WithDataZoomOpts(opts.DataZoom{
			Type:       "inside",
			XAxisIndex: []int{0},
		}),
	)
	data := make([]opts.LineData, len(res.Samples))
	for i, s := range res.Samples {
		data[i] = opts.LineData{Value: []float64{s.Voltage, s.CurrentMA}}
	}
	line.AddSeries("I", data)
	return line
}

// WriteHTML renders the interactive chart to w.
func WriteHTML(w io.Writer, res *ivsweep.Result) error {
	return errors.Wrap(Chart(res).Render(w), "rendering chart")
}
