package monitor

import (
	"fmt"
	"image/color"
	"net/http"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/cartnav/internal/occupancy"
	"github.com/banshee-data/cartnav/internal/units"
)

var plotColors = map[occupancy.CellState]color.RGBA{
	occupancy.Free:              {R: 0x35, G: 0xb7, B: 0x79, A: 0xff},
	occupancy.TentativeObstacle: {R: 0xfd, G: 0xe7, B: 0x25, A: 0xff},
	occupancy.ConfirmedObstacle: {R: 0x44, G: 0x01, B: 0x54, A: 0xff},
}

// MapPlot draws snap as one box-glyph scatter per known state, the remaining
// route as a line and the cart as a triangle. World Y is negated so the
// picture matches the floor plan orientation.
func MapPlot(snap *occupancy.Snapshot, pose units.Pose, route []occupancy.Coord) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Occupancy map %dx%d", snap.Width, snap.Height)
	p.X.Label.Text = "X"
	p.Y.Label.Text = "-Y"
	p.X.Min, p.X.Max = 0, float64(snap.Width)*snap.CellSize
	p.Y.Min, p.Y.Max = -float64(snap.Height)*snap.CellSize, 0

	cells := map[occupancy.CellState]plotter.XYs{}
	for y := 0; y < snap.Height; y++ {
		for x := 0; x < snap.Width; x++ {
			c := occupancy.Coord{X: x, Y: y}
			st := snap.State(c)
			if st == occupancy.Unknown {
				continue
			}
			center := snap.CellCenter(c)
			cells[st] = append(cells[st], plotter.XY{X: center.X, Y: -center.Y})
		}
	}

	for _, st := range []occupancy.CellState{occupancy.Free, occupancy.TentativeObstacle, occupancy.ConfirmedObstacle} {
		pts := cells[st]
		if len(pts) == 0 {
			continue
		}
		s, err := plotter.NewScatter(pts)
		if err != nil {
			return nil, fmt.Errorf("%s scatter: %w", st, err)
		}
		s.GlyphStyle.Color = plotColors[st]
		s.GlyphStyle.Shape = draw.BoxGlyph{}
		s.GlyphStyle.Radius = vg.Points(2)
		p.Add(s)
		p.Legend.Add(st.String(), s)
	}

	if len(route) > 0 {
		pts := make(plotter.XYs, 0, len(route)+1)
		pts = append(pts, plotter.XY{X: pose.X, Y: -pose.Y})
		for _, c := range route {
			center := snap.CellCenter(c)
			pts = append(pts, plotter.XY{X: center.X, Y: -center.Y})
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("route line: %w", err)
		}
		line.Color = color.RGBA{R: 0x31, G: 0x68, B: 0x8e, A: 0xff}
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add("route", line)
	}

	cart, err := plotter.NewScatter(plotter.XYs{{X: pose.X, Y: -pose.Y}})
	if err != nil {
		return nil, fmt.Errorf("cart marker: %w", err)
	}
	cart.GlyphStyle.Color = color.RGBA{R: 0xe6, G: 0x55, B: 0x0d, A: 0xff}
	cart.GlyphStyle.Shape = draw.TriangleGlyph{}
	cart.GlyphStyle.Radius = vg.Points(5)
	p.Add(cart)
	p.Legend.Add("cart", cart)

	return p, nil
}

// SaveMapPlot writes the map plot to path. The format follows the file
// extension (png, svg, pdf).
func SaveMapPlot(path string, snap *occupancy.Snapshot, pose units.Pose, route []occupancy.Coord) error {
	p, err := MapPlot(snap, pose, route)
	if err != nil {
		return err
	}
	if err := p.Save(8*vg.Inch, 8*vg.Inch, path); err != nil {
		return fmt.Errorf("save map plot: %w", err)
	}
	return nil
}

func (ws *WebServer) handleMapPlot(w http.ResponseWriter, r *http.Request) {
	ctrl := ws.runner.Controller()
	path, idx := ctrl.Path()
	if idx > len(path) {
		idx = len(path)
	}
	p, err := MapPlot(ws.runner.Map().Snapshot(), ctrl.Pose(), path[idx:])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	wt, err := p.WriterTo(6*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
