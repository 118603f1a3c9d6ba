// Package chart renders a subject+field history as a PNG time series.
package chart

import (
	"io"
	"math"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/hogmalmsmedia/ratewatch/internal/history"
)

// Downsample thins observations to at most max points, keeping the first
// and last.
func Downsample(observations []history.Observation, max int) []history.Observation {
	if max <= 0 || len(observations) <= max {
		return observations
	}

	result := make([]history.Observation, 0, max)
	step := float64(len(observations)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(observations) {
			idx = len(observations) - 1
		}
		result = append(result, observations[idx])
	}
	return result
}

// RenderPNG draws value and delta series over time. Observations are
// expected newest-first (store order) and are reversed for plotting.
func RenderPNG(writer io.Writer, title string, observations []history.Observation) error {
	n := len(observations)
	x := make([]time.Time, n)
	values := make([]float64, n)
	deltas := make([]float64, n)

	for i, obs := range observations {
		// newest-first in, oldest-first out
		j := n - 1 - i
		x[j] = obs.ChangeDate
		values[j] = obs.NewValue.InexactFloat64()
		if obs.ChangeAmount != nil {
			deltas[j] = obs.ChangeAmount.InexactFloat64()
		}
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.3f")
	}
	graph := chart.Chart{
		Title:  title,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Value",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Delta (points)",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Value",
				XValues: x,
				YValues: values,
			},
			chart.TimeSeries{
				Name:    "Delta",
				XValues: x,
				YValues: deltas,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	return graph.Render(chart.PNG, writer)
}
