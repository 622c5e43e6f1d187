package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var scoreEventID string

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score a stored event by ID and print the verdict",
	RunE: func(cmd *cobra.Command, args []string) error {
		if scoreEventID == "" {
			return errors.New("--event-id is required")
		}
		return getApp().ScoreEvent(cmd.Context(), scoreEventID)
	},
}

func init() {
	scoreCmd.Flags().StringVar(&scoreEventID, "event-id", "", "ID of a previously ingested event")
}
