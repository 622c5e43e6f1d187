package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"fraud-anomaly-scoring/internal/app"
)

var (
	showLimit       int
	showFlaggedOnly bool
	showMinRisk     float64
	showUserID      string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recently scored events",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:       showLimit,
			FlaggedOnly: showFlaggedOnly,
			MinRisk:     showMinRisk,
			UserID:      showUserID,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showFlaggedOnly, "flagged-only", true, "Only show flagged events")
	showCmd.Flags().Float64Var(&showMinRisk, "min-risk", 0, "Minimum risk score")
	showCmd.Flags().StringVar(&showUserID, "user", "", "Restrict to one user")
}
