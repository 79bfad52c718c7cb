package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/color"
	"io"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"tailscale.com/tsweb"

	"github.com/MaxParisotto/bbb-websocket/internal/kinematics"
)

var wheelColors = [...]color.Color{
	color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff},
	color.RGBA{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff},
	color.RGBA{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff},
	color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff},
}

// AttachAdminRoutes registers the recent-telemetry charts under /debug/.
func (a *Aggregator) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("telemetry-chart", "recent battery voltage and wheel commands", a.handleChart)
	debug.HandleFunc("telemetry.png", "recent wheel commands as PNG", a.handlePNG)
	debug.HandleSilentFunc("telemetry-stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(a.Stats())
	})
}

// handleChart renders the recent ring as go-echarts line charts.
func (a *Aggregator) handleChart(w http.ResponseWriter, r *http.Request) {
	recent := a.Recent()
	if len(recent) == 0 {
		http.Error(w, "no telemetry yet", http.StatusNotFound)
		return
	}
	start := recent[0].At

	x := make([]string, len(recent))
	volts := make([]opts.LineData, len(recent))
	wheels := make([][]opts.LineData, len(kinematics.Wheels))
	for i, s := range recent {
		x[i] = fmt.Sprintf("%.1f", s.At.Sub(start).Seconds())
		volts[i] = opts.LineData{Value: s.Battery.Voltage}
		for j, wh := range kinematics.Wheels {
			wheels[j] = append(wheels[j], opts.LineData{Value: s.Motors.Get(wh)})
		}
	}

	battery := charts.NewLine()
	battery.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Rover telemetry", Width: "100%", Height: "320px"}),
		charts.WithTitleOpts(opts.Title{Title: "Battery", Subtitle: fmt.Sprintf("samples=%d since %s", len(recent), start.Format(time.RFC3339))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "s"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "V", Scale: opts.Bool(true)}),
	)
	battery.SetXAxis(x).AddSeries("voltage", volts)

	motors := charts.NewLine()
	motors.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Wheel commands"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "s"}),
		charts.WithYAxisOpts(opts.YAxis{Min: -1, Max: 1}),
	)
	motors.SetXAxis(x)
	for j, wh := range kinematics.Wheels {
		motors.AddSeries(wh.String(), wheels[j])
	}

	page := components.NewPage()
	page.AddCharts(battery, motors)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("render error: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handlePNG renders the wheel commands of the recent ring with gonum/plot.
func (a *Aggregator) handlePNG(w http.ResponseWriter, r *http.Request) {
	recent := a.Recent()
	if len(recent) == 0 {
		http.Error(w, "no telemetry yet", http.StatusNotFound)
		return
	}
	wt, err := wheelPlot(recent)
	if err != nil {
		http.Error(w, fmt.Sprintf("plot error: %v", err), http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		http.Error(w, fmt.Sprintf("plot error: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

func wheelPlot(recent []Snapshot) (io.WriterTo, error) {
	p := plot.New()
	p.Title.Text = "Wheel commands"
	p.X.Label.Text = "seconds"
	p.Y.Label.Text = "command"
	p.Y.Min, p.Y.Max = -1.05, 1.05

	start := recent[0].At
	for j, wh := range kinematics.Wheels {
		pts := make(plotter.XYs, len(recent))
		for i, s := range recent {
			pts[i] = plotter.XY{X: s.At.Sub(start).Seconds(), Y: s.Motors.Get(wh)}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, err
		}
		line.Color = wheelColors[j]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(wh.String(), line)
	}
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	return p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
}
