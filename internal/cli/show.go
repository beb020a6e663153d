package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"p2p-rate-watch/internal/app"
)

var (
	showDays int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the last published snapshot and recent daily averages",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showDays < 0 {
			return fmt.Errorf("--days cannot be negative")
		}

		opts := app.ShowOptions{
			Days: showDays,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Run one live aggregation and print it without persisting",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Probe(cmd.Context())
	},
}

func init() {
	showCmd.Flags().IntVar(&showDays, "days", 7, "Number of daily averages to display")
}
