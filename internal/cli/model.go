package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	modelDir      string
	modelRunLimit int
)

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Manage published model artifacts",
}

var modelPublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Load an artifact bundle and record it as a model run",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().PublishModel(cmd.Context(), modelDir)
	},
}

var modelRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded model runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if modelRunLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().ModelRuns(cmd.Context(), modelRunLimit)
	},
}

func init() {
	modelPublishCmd.Flags().StringVar(&modelDir, "dir", "", "Artifact directory (defaults to model.artifact_dir)")
	modelRunsCmd.Flags().IntVar(&modelRunLimit, "limit", 50, "Number of runs to display")

	modelCmd.AddCommand(modelPublishCmd)
	modelCmd.AddCommand(modelRunsCmd)
}
