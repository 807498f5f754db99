package cli

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// HomeFlag names the persistent flag holding the node's root directory.
const HomeFlag = "home"

// PrepareBaseCmd adds the --home flag to the root command and makes every
// subcommand read its settings from flags, environment and config.toml, in
// that order of precedence.
func PrepareBaseCmd(cmd *cobra.Command, envPrefix, defaultHome string) *cobra.Command {
	cobra.OnInitialize(func() { InitEnv(envPrefix) })
	cmd.PersistentFlags().String(HomeFlag, defaultHome, "directory for config and data")
	cmd.PersistentPreRunE = chainPreRun(BindFlagsLoadViper, cmd.PersistentPreRunE)
	return cmd
}

// InitEnv points viper at environment variables named <prefix>_<KEY>.
// Variables spelled without the separator (LSHOME) are accepted too.
func InitEnv(prefix string) {
	prefix = strings.ToUpper(prefix)
	aliasEnv(prefix)

	viper.SetEnvPrefix(prefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

// aliasEnv copies every PREFIXKEY variable to PREFIX_KEY.
func aliasEnv(prefix string) {
	sep := prefix + "_"
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) || strings.HasPrefix(key, sep) {
			continue
		}
		os.Setenv(sep+strings.TrimPrefix(key, prefix), value)
	}
}

type preRunFunc func(cmd *cobra.Command, args []string) error

// chainPreRun runs fs in order and stops at the first error. nil entries are
// skipped so an unset PersistentPreRunE can be passed as is.
func chainPreRun(fs ...preRunFunc) preRunFunc {
	return func(cmd *cobra.Command, args []string) error {
		for _, f := range fs {
			if f == nil {
				continue
			}
			if err := f(cmd, args); err != nil {
				return err
			}
		}
		return nil
	}
}

// BindFlagsLoadViper binds the command's flags into viper and loads
// config.toml from the home directory or its config/ subdirectory. A missing
// config file is not an error.
func BindFlagsLoadViper(cmd *cobra.Command, args []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	home := viper.GetString(HomeFlag)
	viper.Set(HomeFlag, home)
	viper.SetConfigName("config")
	for _, dir := range []string{home, filepath.Join(home, "config")} {
		viper.AddConfigPath(dir)
	}

	err := viper.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	return err
}
