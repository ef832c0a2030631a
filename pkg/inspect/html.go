package inspect

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

const (
	chartWidth  = "900px"
	chartHeight = "420px"

	colorUnits   = "#3b82f6"
	colorRates   = "#8b5cf6"
	colorCorrect = "#22c55e"
	colorError   = "#ef4444"
	colorNoGo    = "#a3a3a3"
)

// RenderHTML writes a single page report with units per probe, the firing
// rate histogram and the trial outcomes. Charts without data are left out.
func RenderHTML(w io.Writer, s *Summary) error {
	page := components.NewPage().SetPageTitle("NWB summary " + s.Header.Identifier)

	if len(s.Probes) > 0 {
		page.AddCharts(unitsChart(s))
	}

	if len(s.FiringRates) > 0 {
		page.AddCharts(rateChart(s))
	}

	if len(s.TrialOutcomes) > 0 {
		page.AddCharts(outcomeChart(s))
	}

	err := page.Render(w)
	if err != nil {
		return fmt.Errorf("render report: %w", err)
	}

	return nil
}

func initOpts() charts.GlobalOpts {
	return charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight})
}

func unitsChart(s *Summary) *charts.Bar {
	labels := make([]string, len(s.Probes))
	units := make([]opts.BarData, len(s.Probes))
	electrodes := make([]opts.BarData, len(s.Probes))

	for i, p := range s.Probes {
		labels[i] = p.Name
		units[i] = opts.BarData{Value: p.Units}
		electrodes[i] = opts.BarData{Value: p.Electrodes}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		initOpts(),
		charts.WithTitleOpts(opts.Title{Title: "Units per probe", Subtitle: s.Header.SessionID}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "8%"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "count"}),
	)

	bar.SetXAxis(labels).
		AddSeries("units", units, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorUnits})).
		AddSeries("electrodes", electrodes)

	return bar
}

func rateChart(s *Summary) *charts.Bar {
	edges, counts := RateHistogram(s.FiringRates)

	labels := make([]string, len(counts))
	data := make([]opts.BarData, len(counts))

	for i, c := range counts {
		labels[i] = fmt.Sprintf("%.1f", edges[i])
		data[i] = opts.BarData{Value: c}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		initOpts(),
		charts.WithTitleOpts(opts.Title{Title: "Firing rate distribution", Subtitle: fmt.Sprintf("%d units", len(s.FiringRates))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Hz"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "units"}),
	)

	bar.SetXAxis(labels).AddSeries("units", data, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorRates}))

	return bar
}

func outcomeChart(s *Summary) *charts.Pie {
	colors := map[string]string{OutcomeCorrect: colorCorrect, OutcomeError: colorError, OutcomeNoGo: colorNoGo}

	var data []opts.PieData

	for _, k := range sortedKeys(s.TrialOutcomes) {
		data = append(data, opts.PieData{
			Name:      k,
			Value:     s.TrialOutcomes[k],
			ItemStyle: &opts.ItemStyle{Color: colors[k]},
		})
	}

	pie := charts.NewPie()
	pie.SetGlobalOptions(
		initOpts(),
		charts.WithTitleOpts(opts.Title{Title: "Trial outcomes", Subtitle: fmt.Sprintf("%d trials", s.Trials)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "item"}),
	)

	pie.AddSeries("trials", data, charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Formatter: "{b}: {c}"}))

	return pie
}
