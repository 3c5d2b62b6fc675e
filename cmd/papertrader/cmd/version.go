package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  `Display the current version of the papertrader CLI.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("papertrader version %s\n", version)
		fmt.Println("A leveraged paper-trading simulator with a margin/liquidation risk engine")
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
