package cli

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var alertOwner int64

var alertCmd = &cobra.Command{
	Use:   "alert",
	Short: "Manage user price alerts",
}

var alertAddCmd = &cobra.Command{
	Use:   "add <ABOVE|BELOW> <target>",
	Short: "Create a price alert for --owner",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertOwner == 0 {
			return fmt.Errorf("--owner is required")
		}
		target, err := decimal.NewFromString(args[1])
		if err != nil {
			return fmt.Errorf("invalid target %q: %w", args[1], err)
		}
		return getApp().AddAlert(cmd.Context(), alertOwner, target, args[0])
	},
}

var alertListCmd = &cobra.Command{
	Use:   "list",
	Short: "List outstanding alerts for --owner",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertOwner == 0 {
			return fmt.Errorf("--owner is required")
		}
		return getApp().ListAlerts(cmd.Context(), alertOwner)
	},
}

var broadcastCmd = &cobra.Command{
	Use:   "broadcast",
	Short: "Queue operator broadcasts and manage recipients",
}

var broadcastEnqueueCmd = &cobra.Command{
	Use:   "enqueue <message>",
	Short: "Queue a message for every active recipient",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().EnqueueBroadcast(cmd.Context(), args[0])
	},
}

var recipientAddCmd = &cobra.Command{
	Use:   "add-recipient <chat-id>",
	Short: "Activate a recipient chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseChatID(args[0])
		if err != nil {
			return err
		}
		return getApp().SetRecipient(cmd.Context(), id, true)
	},
}

var recipientRemoveCmd = &cobra.Command{
	Use:   "remove-recipient <chat-id>",
	Short: "Deactivate a recipient chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseChatID(args[0])
		if err != nil {
			return err
		}
		return getApp().SetRecipient(cmd.Context(), id, false)
	},
}

func parseChatID(v string) (int64, error) {
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid chat id %q", v)
	}
	return id, nil
}

func init() {
	alertCmd.PersistentFlags().Int64Var(&alertOwner, "owner", 0, "Owner chat id")
	alertCmd.AddCommand(alertAddCmd)
	alertCmd.AddCommand(alertListCmd)

	broadcastCmd.AddCommand(broadcastEnqueueCmd)
	broadcastCmd.AddCommand(recipientAddCmd)
	broadcastCmd.AddCommand(recipientRemoveCmd)
}
