package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "papertrader",
	Short: "A leveraged paper-trading simulator with a margin/liquidation risk engine",
	Long: `Papertrader simulates leveraged trading against real or replayed prices.

Its core continuously evaluates every account's open positions against a
shared margin pool and enacts a graduated response (warn, partially
auto-deleverage, fully liquidate) before an account's equity can go
negative. Trades, balances and an append-only audit ledger live in SQLite;
risk events stream to websocket clients.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}
