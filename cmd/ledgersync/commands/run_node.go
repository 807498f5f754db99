package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tendermint/ledgersync/node"
)

// AddNodeFlags exposes some common configuration options on the command-line
// These are exposed for convenience of commands embedding a ledgersync node
func AddNodeFlags(cmd *cobra.Command) {
	// db flags
	cmd.Flags().String(
		"db_backend",
		config.DBBackend,
		"database backend: goleveldb | memdb")
	cmd.Flags().String(
		"db_dir",
		config.DBPath,
		"database directory")

	// sync flags
	cmd.Flags().Int(
		"sync.fetch_concurrency",
		config.Sync.FetchConcurrency,
		"maximum number of heights fetched concurrently")
	cmd.Flags().Duration(
		"sync.network_latency",
		config.Sync.NetworkLatency,
		"simulated round trip to the network peer")
	cmd.Flags().String("sync.network_peer", config.Sync.NetworkPeer, "name of the network peer")
	cmd.Flags().Bool(
		"sync.resync_on_start",
		config.Sync.ResyncOnStart,
		"rebuild the ledger from the local archive before syncing to the network tip")
	cmd.Flags().Duration(
		"sync.poll_interval",
		config.Sync.PollInterval,
		"how often to poll the network peer for new blocks (0 to disable)")

	// instrumentation flags
	cmd.Flags().Bool("instrumentation.prometheus", config.Instrumentation.Prometheus, "serve prometheus metrics")
	cmd.Flags().String(
		"instrumentation.prometheus_listen_addr",
		config.Instrumentation.PrometheusListenAddr,
		"address for the prometheus collector to scrape")
}

// NewRunNodeCmd returns the command that allows the CLI to start a node.
func NewRunNodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"node", "run"},
		Short:   "Run the ledgersync node",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Stop upon receiving SIGTERM or CTRL-C.
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			n, err := node.DefaultNewNode(config, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}
			if err := n.Start(ctx); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}
			logger.Info("started node", "node", n.String(), "peer", config.Sync.NetworkPeer)

			if err := n.CatchUp(ctx); err != nil && ctx.Err() == nil {
				logger.Error("catching up failed", "err", err)
			}
			st := n.Status()
			logger.Info("node is up to date", "height", st.Height(), "hash", st.Header.Hash)

			// Follow the peer until signaled.
			n.FollowPeer(ctx)
			n.Wait()
			return nil
		},
	}

	AddNodeFlags(cmd)
	return cmd
}
