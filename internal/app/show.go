package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"fraud-anomaly-scoring/internal/storage"
)

// Show prints the most recently scored events.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	pool, err := a.requirePool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	scores, err := storage.NewStore(pool).ListScores(ctx, storage.ScoreFilter{
		Limit:       opts.Limit,
		FlaggedOnly: opts.FlaggedOnly,
		MinRisk:     opts.MinRisk,
		UserID:      opts.UserID,
	})
	if err != nil {
		return err
	}
	if len(scores) == 0 {
		fmt.Fprintln(a.Out, "no scored events found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time\tEvent\tUser\tAmount\tRisk\tFlagged\tModel\tReasons")

	for _, se := range scores {
		kinds := make([]string, len(se.Score.Reasons))
		for i, r := range se.Score.Reasons {
			kinds[i] = r.Kind.String()
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s %s\t%.1f\t%t\t%s\t%s\n",
			se.Event.Timestamp.Format("2006-01-02 15:04:05"),
			sanitizeInline(se.Event.ID),
			sanitizeInline(se.Event.UserID),
			se.Event.Amount.StringFixed(2),
			se.Event.Currency,
			se.Score.Result.RiskScore,
			se.Score.Result.Flagged,
			se.Score.ModelVersion,
			strings.Join(kinds, ","),
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
