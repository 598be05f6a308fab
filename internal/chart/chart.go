// Package chart renders a four-panel PNG of an instrument's recent history.
//
// Panels, left to right and top to bottom: mark price, basis percent, open
// interest, funding rate with the alert threshold drawn at +F and -F.
package chart

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/rewired-gh/perpwatch/internal/models"
)

const (
	DefaultWidth  = 1200
	DefaultHeight = 800
)

var (
	zeroLine  = color.RGBA{0x99, 0x99, 0x99, 0xff}
	threshold = color.RGBA{0xd6, 0x27, 0x28, 0xff}
	palette   = [4]color.RGBA{
		{0x1f, 0x77, 0xb4, 0xff}, // price
		{0x2c, 0xa0, 0x2c, 0xff}, // basis
		{0xff, 0x7f, 0x0e, 0xff}, // oi
		{0x94, 0x67, 0xbd, 0xff}, // funding
	}
)

// ErrTooFewPoints is returned for series shorter than MinPoints.
var ErrTooFewPoints = errors.New("not enough points to chart")

// MinPoints is the shortest series Render accepts.
const MinPoints = 5

// Renderer draws charts. The zero value uses the default size and no threshold lines.
type Renderer struct {
	Width            int
	Height           int
	FundingThreshold float64
}

func NewRenderer(fundingThreshold float64) *Renderer {
	return &Renderer{Width: DefaultWidth, Height: DefaultHeight, FundingThreshold: fundingThreshold}
}

type panel struct {
	title string
	unit  string
	field models.Field
	scale float64
	zero  bool
}

// Render encodes the chart for ev's instrument as PNG.
func (r *Renderer) Render(ev models.AlertEvent, series []models.Snapshot) ([]byte, error) {
	plots, err := r.plots(ev, series)
	if err != nil {
		return nil, err
	}
	w, h := r.Width, r.Height
	if w <= 0 {
		w = DefaultWidth
	}
	if h <= 0 {
		h = DefaultHeight
	}

	img := vgimg.New(vg.Points(float64(w)), vg.Points(float64(h)))
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows:      2,
		Cols:      2,
		PadX:      4 * vg.Millimeter,
		PadY:      4 * vg.Millimeter,
		PadTop:    2 * vg.Millimeter,
		PadBottom: 2 * vg.Millimeter,
		PadLeft:   2 * vg.Millimeter,
		PadRight:  2 * vg.Millimeter,
	}
	canvases := plot.Align(plots, tiles, dc)
	for i := range plots {
		for j := range plots[i] {
			plots[i][j].Draw(canvases[i][j])
		}
	}

	var buf bytes.Buffer
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode chart: %w", err)
	}
	return buf.Bytes(), nil
}

// plots builds the 2x2 grid of panels.
func (r *Renderer) plots(ev models.AlertEvent, series []models.Snapshot) ([][]*plot.Plot, error) {
	if len(series) < MinPoints {
		return nil, ErrTooFewPoints
	}
	symbol := ev.Symbol
	if symbol == "" {
		symbol = series[0].Symbol
	}

	panels := [4]panel{
		{title: symbol + " mark price", unit: "Price", field: models.FieldMarkPrice, scale: 1},
		{title: "Basis", unit: "Basis (%)", field: models.FieldBasisPercent, scale: 1, zero: true},
		{title: "Open interest", unit: "Contracts", field: models.FieldOpenInterest, scale: 1},
		{title: "Funding rate", unit: "Rate (%)", field: models.FieldFundingRate, scale: 100, zero: true},
	}

	x0 := float64(series[0].Timestamp.Unix())
	x1 := float64(series[len(series)-1].Timestamp.Unix())

	out := [][]*plot.Plot{make([]*plot.Plot, 2), make([]*plot.Plot, 2)}
	for i, pn := range panels {
		p := plot.New()
		p.Title.Text = pn.title
		p.X.Label.Text = "Time (UTC)"
		p.Y.Label.Text = pn.unit
		p.X.Tick.Marker = plot.TimeTicks{Format: "01-02\n15:04"}
		p.Add(plotter.NewGrid())

		pts := points(series, pn.field, pn.scale)
		if len(pts) == 0 {
			p.Title.Text += " (no data)"
		} else {
			l, err := plotter.NewLine(pts)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", pn.title, err)
			}
			l.LineStyle.Color = palette[i]
			l.LineStyle.Width = vg.Points(1.5)
			p.Add(l)
		}

		if pn.zero {
			g, err := guide(x0, x1, 0, zeroLine, vg.Points(2))
			if err != nil {
				return nil, err
			}
			p.Add(g)
		}
		if pn.field == models.FieldFundingRate && r.FundingThreshold > 0 {
			f := r.FundingThreshold * pn.scale
			upper, err := guide(x0, x1, f, threshold, vg.Points(6))
			if err != nil {
				return nil, err
			}
			lower, err := guide(x0, x1, -f, threshold, vg.Points(6))
			if err != nil {
				return nil, err
			}
			p.Add(upper, lower)
			p.Legend.Add(fmt.Sprintf("±%.4f%% threshold", f), upper)
			p.Legend.Top = true
		}

		out[i/2][i%2] = p
	}
	return out, nil
}

// points skips snapshots where field is missing.
func points(series []models.Snapshot, field models.Field, scale float64) plotter.XYs {
	pts := make(plotter.XYs, 0, len(series))
	for _, s := range series {
		v, ok := s.Value(field)
		if !ok {
			continue
		}
		pts = append(pts, plotter.XY{X: float64(s.Timestamp.Unix()), Y: v * scale})
	}
	return pts
}

// guide is a dashed horizontal line at y across the time range.
func guide(x0, x1, y float64, c color.Color, dash vg.Length) (*plotter.Line, error) {
	l, err := plotter.NewLine(plotter.XYs{{X: x0, Y: y}, {X: x1, Y: y}})
	if err != nil {
		return nil, err
	}
	l.LineStyle.Color = c
	l.LineStyle.Width = vg.Points(1)
	l.LineStyle.Dashes = []vg.Length{dash, dash}
	return l, nil
}
