package main

import (
	"os"

	cmd "github.com/tendermint/ledgersync/cmd/ledgersync/commands"
)

func main() {
	rootCmd := cmd.RootCmd
	rootCmd.AddCommand(
		cmd.InitFilesCmd,
		cmd.RebuildCmd,
		cmd.SyncCmd,
		cmd.StatusCmd,
		cmd.GenChainCmd,
		cmd.GenForkCmd,
		cmd.LoadChainCmd,
		cmd.ResetCmd,
		cmd.VersionCmd,
	)

	// Create & start node
	rootCmd.AddCommand(cmd.NewRunNodeCmd())

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
