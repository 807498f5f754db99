package config

import (
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

const (
	// LogFormatPlain is a format for colored text
	LogFormatPlain = "plain"
	// LogFormatJSON is a format for json output
	LogFormatJSON = "json"

	// DBBackendGoLevelDB and DBBackendMemDB are the storage engines a node
	// can be configured with.
	DBBackendGoLevelDB = "goleveldb"
	DBBackendMemDB     = "memdb"
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
// NOTE: libs/cli must know to look in the config dir!
var (
	DefaultLedgerSyncDir = ".ledgersync"
	defaultConfigDir     = "config"
	defaultDataDir       = "data"

	defaultConfigFileName = "config.toml"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
)

// Config defines the top level configuration for a ledgersync node
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	Sync            *SyncConfig            `mapstructure:"sync"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration for a ledgersync node
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		Sync:            DefaultSyncConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		Sync:            TestSyncConfig(),
		Instrumentation: TestInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Sync.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [sync] section")
	}
	return errors.Wrap(
		cfg.Instrumentation.ValidateBasic(),
		"error in [instrumentation] section",
	)
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a ledgersync node
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// Database backend: goleveldb | memdb
	DBBackend string `mapstructure:"db_backend"`

	// Database directory
	DBPath string `mapstructure:"db_dir"`

	// Output level for logging
	LogLevel string `mapstructure:"log_level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log_format"`
}

// DefaultBaseConfig returns a default base configuration for a ledgersync node
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		DBBackend: DBBackendGoLevelDB,
		DBPath:    defaultDataDir,
		LogLevel:  DefaultLogLevel,
		LogFormat: LogFormatPlain,
	}
}

// TestBaseConfig returns a base configuration for testing a ledgersync node
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.DBBackend = DBBackendMemDB
	cfg.LogLevel = "debug"
	return cfg
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ConfigFile returns the full path to the config.toml file
func (cfg BaseConfig) ConfigFile() string {
	return rootify(defaultConfigFilePath, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case LogFormatPlain, LogFormatJSON:
	default:
		return errors.New("unknown log_format (must be 'plain' or 'json')")
	}
	switch cfg.DBBackend {
	case DBBackendGoLevelDB, DBBackendMemDB:
	default:
		return errors.Errorf("unknown db_backend %q (must be 'goleveldb' or 'memdb')", cfg.DBBackend)
	}
	return nil
}

// DefaultLogLevel is the log level a node starts with.
const DefaultLogLevel = "info"

//-----------------------------------------------------------------------------
// SyncConfig

// SyncConfig defines the configuration for the block sync engine and the
// simulated network peer it syncs from.
type SyncConfig struct {
	// Maximum number of heights fetched concurrently during replay.
	FetchConcurrency int `mapstructure:"fetch_concurrency"`

	// Simulated round trip to the network peer for every request.
	NetworkLatency time.Duration `mapstructure:"network_latency"`

	// Name of the network peer. Its blocks live in <db_dir>/<network_peer>.db
	NetworkPeer string `mapstructure:"network_peer"`

	// If true, the node rebuilds its ledger from the local archive before
	// syncing to the network tip on start.
	ResyncOnStart bool `mapstructure:"resync_on_start"`

	// How often a running node asks the peer for its latest block. A newer
	// block starts a sync run, superseding one in progress. 0 disables polling.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// DefaultSyncConfig returns a default configuration for the sync engine
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		FetchConcurrency: 16,
		NetworkLatency:   10 * time.Millisecond,
		NetworkPeer:      "peer",
		ResyncOnStart:    true,
		PollInterval:     time.Second,
	}
}

// TestSyncConfig returns a configuration for testing the sync engine
func TestSyncConfig() *SyncConfig {
	cfg := DefaultSyncConfig()
	cfg.FetchConcurrency = 4
	cfg.NetworkLatency = 0
	cfg.PollInterval = 0
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *SyncConfig) ValidateBasic() error {
	if cfg.FetchConcurrency <= 0 {
		return errors.New("fetch_concurrency must be positive")
	}
	if cfg.NetworkLatency < 0 {
		return errors.New("network_latency can't be negative")
	}
	if cfg.PollInterval < 0 {
		return errors.New("poll_interval can't be negative")
	}
	if cfg.NetworkPeer == "" {
		return errors.New("network_peer can't be empty")
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus_listen_addr"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		Namespace:            "ledgersync",
	}
}

// TestInstrumentationConfig returns a default configuration for metrics
// reporting.
func TestInstrumentationConfig() *InstrumentationConfig {
	return DefaultInstrumentationConfig()
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.Prometheus && cfg.PrometheusListenAddr == "" {
		return errors.New("prometheus_listen_addr can't be empty when prometheus is enabled")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
