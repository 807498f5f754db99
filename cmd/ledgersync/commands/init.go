package commands

import (
	"github.com/spf13/cobra"

	cfg "github.com/tendermint/ledgersync/config"
	tmos "github.com/tendermint/ledgersync/libs/os"
)

// InitFilesCmd initializes a fresh ledgersync home directory.
var InitFilesCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize ledgersync",
	RunE:  initFiles,
}

func initFiles(cmd *cobra.Command, args []string) error {
	configFile := config.ConfigFile()
	if tmos.FileExists(configFile) {
		logger.Info("found config file", "path", configFile)
		return nil
	}
	if err := cfg.EnsureRoot(config.RootDir); err != nil {
		return err
	}
	if err := cfg.WriteConfigFile(config.RootDir, config); err != nil {
		return err
	}
	logger.Info("generated config file", "path", configFile)
	return nil
}
