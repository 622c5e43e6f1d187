package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"fraud-anomaly-scoring/internal/storage"
)

const defaultExportWindow = 7 * 24 * time.Hour

// Export renders scored events as CSV and/or a PNG risk chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	pool, err := a.requirePool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()
	store := storage.NewStore(pool)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	scored, err := store.ListScoresBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(scored) == 0 {
		a.Logger.Info().Msg("no scored events found for export window")
		return nil
	}

	downsampled := downsampleScores(scored, opts.MaxPoints)
	a.Logger.Info().Int("total", len(scored)).Int("exported", len(downsampled)).Msg("exporting scored events")

	if opts.CSVPath != "" {
		if err := writeScoresCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeScoresPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// downsampleScores keeps max evenly spaced rows, always including both ends.
func downsampleScores(rows []storage.ScoredEvent, max int) []storage.ScoredEvent {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	if max == 1 {
		return rows[len(rows)-1:]
	}

	result := make([]storage.ScoredEvent, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeScoresCSV(path string, rows []storage.ScoredEvent) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"timestamp", "event_id", "user_id", "amount", "currency", "model_version", "anomaly_score", "risk_score", "flagged", "reasons"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		kinds := make([]string, len(row.Score.Reasons))
		for i, r := range row.Score.Reasons {
			kinds[i] = r.Kind.String()
		}
		record := []string{
			row.Event.Timestamp.Format("2006-01-02T15:04:05"),
			row.Event.ID,
			row.Event.UserID,
			row.Event.Amount.StringFixed(2),
			row.Event.Currency,
			row.Score.ModelVersion,
			strconv.FormatFloat(row.Score.Result.AnomalyScore, 'f', 6, 64),
			strconv.FormatFloat(row.Score.Result.RiskScore, 'f', 2, 64),
			strconv.FormatBool(row.Score.Result.Flagged),
			strings.Join(kinds, ";"),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeScoresPNG(path string, rows []storage.ScoredEvent) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(rows))
	risk := make([]float64, len(rows))
	anomaly := make([]float64, len(rows))
	flagLine := make([]float64, len(rows))

	for i, row := range rows {
		x[i] = row.Event.Timestamp
		risk[i] = row.Score.Result.RiskScore
		anomaly[i] = row.Score.Result.AnomalyScore
		flagLine[i] = 100
	}

	riskFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	anomalyFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.3f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Risk score",
			ValueFormatter: riskFormatter,
			Range:          &chart.ContinuousRange{Min: 0, Max: 100},
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Anomaly score",
			ValueFormatter: anomalyFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Risk",
				XValues: x,
				YValues: risk,
			},
			chart.TimeSeries{
				Name:    "Flag threshold",
				XValues: x,
				YValues: flagLine,
				Style: chart.Style{
					StrokeColor:     chart.ColorRed,
					StrokeDashArray: []float64{5, 5},
				},
			},
			chart.TimeSeries{
				Name:    "Anomaly",
				XValues: x,
				YValues: anomaly,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
