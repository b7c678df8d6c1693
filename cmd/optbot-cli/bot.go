package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"optbot/internal/engine"
	"optbot/pkg/optbot"
)

var botCmd = &cobra.Command{
	Use:   "bot",
	Short: "Pause or resume new entries",
	Long: `A stopped bot keeps refreshing marks, expiring positions and archiving
quotes, but it does not evaluate breakouts or submit entry orders.`,
}

var botStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Resume breakout entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return botControl(cmd, (*optbot.Client).StartBot)
	},
}

var botStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Pause breakout entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return botControl(cmd, (*optbot.Client).StopBot)
	},
}

func botControl(cmd *cobra.Command, call func(*optbot.Client, context.Context) (engine.Status, error)) error {
	return withClient(cmd, func(ctx context.Context, c *optbot.Client) error {
		st, err := call(c, ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(st)
		}
		state := "running"
		if st.Paused {
			state = "paused"
		}
		fmt.Printf("bot %s (broker=%s market_open=%v)\n", state, st.Broker, st.MarketOpen)
		return nil
	})
}

func init() {
	botCmd.AddCommand(botStartCmd, botStopCmd)
	rootCmd.AddCommand(botCmd)
}
