package monitor

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/cartnav/internal/occupancy"
)

// echartsAssetsPrefix serves the echarts JS from the project CDN instead of
// the default jsdelivr host.
const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// stateColors is shared by the HTML chart and the PNG plot.
var stateColors = map[occupancy.CellState]string{
	occupancy.Free:              "#35b779",
	occupancy.TentativeObstacle: "#fde725",
	occupancy.ConfirmedObstacle: "#440154",
}

// chartY flips world Y so rows grow downward on screen as they do in the
// world frame.
func chartY(y float64) float64 { return -y }

// handleMapChart renders the occupancy map as an echarts scatter: one series
// per known cell state, plus the planned path and the cart.
func (ws *WebServer) handleMapChart(w http.ResponseWriter, r *http.Request) {
	snap := ws.runner.Map().Snapshot()
	ctrl := ws.runner.Controller()
	pose := ctrl.Pose()
	path, idx := ctrl.Path()

	series := map[occupancy.CellState][]opts.ScatterData{}
	for y := 0; y < snap.Height; y++ {
		for x := 0; x < snap.Width; x++ {
			c := occupancy.Coord{X: x, Y: y}
			st := snap.State(c)
			if st == occupancy.Unknown {
				continue
			}
			p := snap.CellCenter(c)
			series[st] = append(series[st], opts.ScatterData{Value: []interface{}{p.X, chartY(p.Y), snap.Hits(c)}})
		}
	}

	pathData := make([]opts.ScatterData, 0, len(path))
	for i := idx; i < len(path); i++ {
		p := snap.CellCenter(path[i])
		pathData = append(pathData, opts.ScatterData{Value: []interface{}{p.X, chartY(p.Y), i}})
	}

	maxX := float64(snap.Width) * snap.CellSize
	maxY := float64(snap.Height) * snap.CellSize

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Cart Occupancy Map", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Occupancy Map", Subtitle: fmt.Sprintf("%dx%d cells, pose=(%.0f,%.0f) %.0f°", snap.Width, snap.Height, pose.X, pose.Y, pose.Heading)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: maxX, Name: "X", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -maxY, Max: 0, Name: "-Y", NameLocation: "middle", NameGap: 30}),
	)

	for _, st := range []occupancy.CellState{occupancy.Free, occupancy.TentativeObstacle, occupancy.ConfirmedObstacle} {
		scatter.AddSeries(st.String(), series[st],
			charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}),
			charts.WithItemStyleOpts(opts.ItemStyle{Color: stateColors[st]}))
	}
	scatter.AddSeries("path", pathData,
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: "#31688e"}))
	scatter.AddSeries("cart", []opts.ScatterData{{Value: []interface{}{pose.X, chartY(pose.Y), pose.Heading}}},
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 14}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: "#e6550d"}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		http.Error(w, "failed to render chart", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}
