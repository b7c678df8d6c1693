package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"optbot/pkg/optbot"
)

const version = "0.1.0"

var (
	serverAddr string
	jsonOutput bool
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "optbot-cli",
	Short: "Inspect and control a running optbot-trader",
	Long: `optbot-cli talks to an optbot-trader over gRPC.

It lists positions and trades, reports P&L statistics and engine status,
closes positions, and manages the tickers the engine trades.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("optbot-cli %s\n", version)
	},
}

func init() {
	addr := os.Getenv("OPTBOT_ADDR")
	if addr == "" {
		addr = "localhost:9090"
	}
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "addr", "a", addr, "optbot-trader gRPC address ($OPTBOT_ADDR)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withClient dials the trader and runs fn with a request-scoped context.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *optbot.Client) error) error {
	c, err := optbot.NewClient(serverAddr)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, c)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
