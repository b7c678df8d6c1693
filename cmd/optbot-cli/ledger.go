package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"optbot/pkg/optbot"
)

var (
	positionStatus string
	tradeFilter    string
	tickerFilter   string
	tradeLimit     int
	closePrice     float64
)

var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "List positions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *optbot.Client) error {
			positions, err := c.ListPositions(ctx, positionStatus, tickerFilter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(positions)
			}
			w := newTable()
			fmt.Fprintln(w, "ID\tCONTRACT\tTYPE\tQTY\tENTRY\tCURRENT\tP&L\tP&L%\tSTATUS\tENTERED")
			for _, p := range positions {
				pnl := p.UnrealizedPnL
				if p.Status != "OPEN" {
					pnl = p.RealizedPnL
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.2f\t%.2f\t%.2f\t%.2f\t%s\t%s\n",
					p.ID, p.Contract.Symbol, p.Contract.Type, p.Quantity, p.EntryPrice,
					p.CurrentPrice, pnl, p.PnLPercent, p.Status, formatTime(p.EntryTime))
			}
			return w.Flush()
		})
	},
}

var tradesCmd = &cobra.Command{
	Use:   "trades",
	Short: "List trades, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *optbot.Client) error {
			trades, err := c.ListTrades(ctx, tradeFilter, tickerFilter, tradeLimit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(trades)
			}
			w := newTable()
			fmt.Fprintln(w, "TIME\tACTION\tCONTRACT\tQTY\tPRICE\tSTATUS\tP&L\tNOTE")
			for _, t := range trades {
				pnl := "-"
				if t.RealizedPnL != nil {
					pnl = strconv.FormatFloat(*t.RealizedPnL, 'f', 2, 64)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.2f\t%s\t%s\t%s\n",
					formatTime(t.Timestamp), t.Action, t.Contract.Symbol, t.Quantity, t.Price, t.Status, pnl, t.Note)
			}
			return w.Flush()
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show P&L statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *optbot.Client) error {
			st, err := c.Stats(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(st)
			}
			fmt.Printf("Today P&L:      %.2f\n", st.TodayPnL)
			fmt.Printf("Total P&L:      %.2f\n", st.TotalPnL)
			fmt.Printf("Win rate:       %.1f%%\n", st.WinRate)
			fmt.Printf("Total trades:   %d\n", st.TotalTrades)
			fmt.Printf("Open positions: %d\n", st.OpenPositions)
			return nil
		})
	},
}

var closeCmd = &cobra.Command{
	Use:   "close <position-id>",
	Short: "Close a position",
	Long: `Close an OPEN position. By default the trader sells it at market through
its broker. With --price the close is booked at that premium without an order.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var price *float64
		if cmd.Flags().Changed("price") {
			price = &closePrice
		}
		return withClient(cmd, func(ctx context.Context, c *optbot.Client) error {
			pos, err := c.ClosePosition(ctx, args[0], price)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(pos)
			}
			fmt.Printf("closed %s %s x%d at %.2f, realized %.2f\n",
				pos.ID, pos.Contract.Symbol, pos.Quantity, pos.ExitPrice, pos.RealizedPnL)
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *optbot.Client) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(st)
			}
			fmt.Printf("running=%v paused=%v broker=%s market_open=%v date=%s cycles=%d last_cycle=%s\n",
				st.Running, st.Paused, st.Broker, st.MarketOpen, st.TradingDate, st.Cycles, formatTime(st.LastCycle))
			w := newTable()
			fmt.Fprintln(w, "TICKER\tSTATE\tSTRIKE\tEXPIRATION\tCALL OPEN\tPUT OPEN\tREASON")
			for _, ts := range st.Tickers {
				strike, exp, callOpen, putOpen := "-", "-", "-", "-"
				if ts.Open != nil {
					strike = strconv.FormatFloat(ts.Open.Strike, 'f', -1, 64)
					exp = ts.Open.Expiration
					callOpen = strconv.FormatFloat(ts.Open.CallOpen, 'f', 2, 64)
					putOpen = strconv.FormatFloat(ts.Open.PutOpen, 'f', 2, 64)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", ts.Symbol, ts.State, strike, exp, callOpen, putOpen, ts.Reason)
			}
			return w.Flush()
		})
	},
}

func init() {
	positionsCmd.Flags().StringVarP(&positionStatus, "status", "s", "open", "open, closed or all")
	positionsCmd.Flags().StringVarP(&tickerFilter, "ticker", "t", "", "restrict to one underlying")
	tradesCmd.Flags().StringVarP(&tradeFilter, "filter", "f", "all", "all, open or closed")
	tradesCmd.Flags().StringVarP(&tickerFilter, "ticker", "t", "", "restrict to one underlying")
	tradesCmd.Flags().IntVarP(&tradeLimit, "limit", "n", 0, "maximum trades (0 = server default, -1 = all)")
	closeCmd.Flags().Float64VarP(&closePrice, "price", "p", 0, "book the close at this premium instead of selling")

	rootCmd.AddCommand(positionsCmd, tradesCmd, statsCmd, closeCmd, statusCmd)
}
