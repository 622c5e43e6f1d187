package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var (
	simulateRisk float64
	simulateUser string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一笔高风险交易并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateRisk <= 0 {
			return errors.New("--risk 必须大于 0")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateRisk, simulateUser)
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulateRisk, "risk", 95, "模拟风险分 (0-100]")
	simulateCmd.Flags().StringVar(&simulateUser, "user", "", "模拟用户 ID")
}
