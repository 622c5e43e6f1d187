package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"fraud-anomaly-scoring/internal/app"
)

var (
	ingestFile    string
	ingestScore   bool
	ingestWorkers int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Replay an NDJSON file of transaction events",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ingestFile == "" {
			return errors.New("--file is required (use - for stdin)")
		}
		if ingestWorkers < 0 {
			return errors.New("--workers must not be negative")
		}
		return getApp().IngestFile(cmd.Context(), app.IngestOptions{
			Path:    ingestFile,
			Score:   ingestScore,
			Workers: ingestWorkers,
		})
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "NDJSON file to replay, - for stdin")
	ingestCmd.Flags().BoolVar(&ingestScore, "score", false, "Score each event with the configured artifact")
	ingestCmd.Flags().IntVar(&ingestWorkers, "workers", 0, "Parallel workers, sharded by user (defaults to config)")
}
