package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"optbot/internal/api"
	"optbot/pkg/optbot"
)

var (
	tickerThreshold    float64
	tickerMaxPositions int
	tickerCapital      float64
	tickerDisabled     bool
)

var tickersCmd = &cobra.Command{
	Use:   "tickers",
	Short: "Manage traded tickers",
}

var tickersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured tickers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *optbot.Client) error {
			tickers, err := c.ListTickers(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(tickers)
			}
			w := newTable()
			fmt.Fprintln(w, "SYMBOL\tENABLED\tTHRESHOLD%\tMAX POS\tCAPITAL\tPOSITIONS\tP&L")
			for _, tc := range tickers {
				capital := "default"
				if tc.CapitalPerTrade > 0 {
					capital = fmt.Sprintf("%.2f", tc.CapitalPerTrade)
				}
				fmt.Fprintf(w, "%s\t%v\t%.2f\t%d\t%s\t%d\t%.2f\n",
					tc.Symbol, tc.Enabled, tc.Threshold, tc.MaxPositions, capital, tc.Positions, tc.PnL)
			}
			return w.Flush()
		})
	},
}

var tickersAddCmd = &cobra.Command{
	Use:   "add <symbol>",
	Short: "Add a ticker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := tickerRequest(cmd, args[0])
		if tickerDisabled {
			enabled := false
			req.Enabled = &enabled
		}
		return withClient(cmd, func(ctx context.Context, c *optbot.Client) error {
			tc, err := c.AddTicker(ctx, req)
			if err != nil {
				return err
			}
			fmt.Printf("added %s (threshold %.2f%%, max %d positions)\n", tc.Symbol, tc.Threshold, tc.MaxPositions)
			return nil
		})
	},
}

var tickersSetCmd = &cobra.Command{
	Use:   "set <symbol>",
	Short: "Change a ticker's threshold, position limit or capital",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := tickerRequest(cmd, args[0])
		return withClient(cmd, func(ctx context.Context, c *optbot.Client) error {
			tc, err := c.UpdateTicker(ctx, req)
			if err != nil {
				return err
			}
			fmt.Printf("updated %s (threshold %.2f%%, max %d positions)\n", tc.Symbol, tc.Threshold, tc.MaxPositions)
			return nil
		})
	},
}

var tickersRmCmd = &cobra.Command{
	Use:     "rm <symbol>",
	Aliases: []string{"remove"},
	Short:   "Remove a ticker",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *optbot.Client) error {
			sym := strings.ToUpper(args[0])
			if err := c.DeleteTicker(ctx, sym); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", sym)
			return nil
		})
	},
}

func toggleCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <symbol>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a ticker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *optbot.Client) error {
				tc, err := c.SetTickerEnabled(ctx, args[0], enabled)
				if err != nil {
					return err
				}
				fmt.Printf("%s enabled=%v\n", tc.Symbol, tc.Enabled)
				return nil
			})
		},
	}
}

// tickerRequest builds a request carrying only the flags set on cmd.
func tickerRequest(cmd *cobra.Command, symbol string) api.TickerRequest {
	req := api.TickerRequest{Symbol: symbol}
	if cmd.Flags().Changed("threshold") {
		req.Threshold = &tickerThreshold
	}
	if cmd.Flags().Changed("max-positions") {
		req.MaxPositions = &tickerMaxPositions
	}
	if cmd.Flags().Changed("capital") {
		req.CapitalPerTrade = &tickerCapital
	}
	return req
}

func init() {
	for _, c := range []*cobra.Command{tickersAddCmd, tickersSetCmd} {
		c.Flags().Float64Var(&tickerThreshold, "threshold", 0, "breakout threshold in percent")
		c.Flags().IntVar(&tickerMaxPositions, "max-positions", 0, "maximum open positions")
		c.Flags().Float64Var(&tickerCapital, "capital", 0, "capital per trade (0 = global default)")
	}
	tickersAddCmd.Flags().BoolVar(&tickerDisabled, "disabled", false, "add the ticker disabled")

	tickersCmd.AddCommand(tickersListCmd, tickersAddCmd, tickersSetCmd, tickersRmCmd,
		toggleCmd("enable", true), toggleCmd("disable", false))
	rootCmd.AddCommand(tickersCmd)
}
