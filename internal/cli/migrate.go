package cli

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|status|version|reset|redo] [args...]",
	Short:     "Run database migrations",
	Args:      cobra.MinimumNArgs(1),
	ValidArgs: []string{"up", "down", "status", "version", "reset", "redo", "up-to", "down-to"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context(), args[0], args[1:]...)
	},
}
