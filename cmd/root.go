package cmd

import (
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "blockrelay",
	Short: "Block hash relay daemon",
	Long: "Command line interface for running a block hash relay daemon and for inspecting " +
		"the headers and fees it works with.",
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		hclog.Default().Named("blockrelay").Error("command execution failed", "error", err)
		os.Exit(1)
	}
}
