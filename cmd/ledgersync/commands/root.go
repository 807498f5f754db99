package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cfg "github.com/tendermint/ledgersync/config"
	"github.com/tendermint/ledgersync/libs/cli"
	"github.com/tendermint/ledgersync/libs/log"
)

var (
	config = cfg.DefaultConfig()
	logger = log.MustNewDefaultLogger(log.LogFormatPlain, log.LogLevelInfo)
)

func init() {
	registerFlagsRootCmd(RootCmd)
}

func registerFlagsRootCmd(cmd *cobra.Command) {
	cmd.PersistentFlags().String("log_level", config.LogLevel, "log level")
	cmd.PersistentFlags().String("log_format", config.LogFormat, "log format: plain | json")
}

// ParseConfig retrieves the default environment configuration and
// sets up the ledgersync root
func ParseConfig() (*cfg.Config, error) {
	conf := cfg.DefaultConfig()
	if err := viper.Unmarshal(conf); err != nil {
		return nil, err
	}
	conf.SetRoot(conf.RootDir)
	if err := conf.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("error in config file: %w", err)
	}
	return conf, nil
}

// RootCmd is the root command for the ledgersync node.
var RootCmd = &cobra.Command{
	Use:   "ledgersync",
	Short: "Light ledger node replaying a value-transfer chain from an archive or a peer",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) (err error) {
		if cmd.Name() == VersionCmd.Name() {
			return nil
		}

		config, err = ParseConfig()
		if err != nil {
			return err
		}

		logger, err = log.NewDefaultLogger(config.LogFormat, config.LogLevel)
		if err != nil {
			return err
		}

		logger = logger.With("module", "main")
		return nil
	},
}

// DefaultHome is where the node keeps its config and data unless --home or
// LSHOME says otherwise.
func DefaultHome() string {
	return os.ExpandEnv(filepath.Join("$HOME", cfg.DefaultLedgerSyncDir))
}

// Execute prepares the root command and runs it.
func Execute() error {
	cmd := cli.PrepareBaseCmd(RootCmd, "LS", DefaultHome())
	return cmd.Execute()
}
