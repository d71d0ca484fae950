package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X ...cmd.version=v1.2.3".
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the backtester version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println("backtester", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
