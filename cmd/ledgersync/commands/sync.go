package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/tendermint/ledgersync/node"
)

// RebuildCmd replays the local archive into a fresh ledger.
var RebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the ledger from the local block archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRunningNode(cmd.Context(), func(ctx context.Context, n *node.Node) error {
			if err := n.Rebuild(ctx); err != nil {
				return err
			}
			return printStatus(cmd, n)
		})
	},
}

var (
	syncHeight int64
	syncHash   string
)

// SyncCmd rebuilds from the local archive and then syncs from the network
// peer up to --height, or to the peer's tip when no height is given.
var SyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync the ledger from the network peer",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRunningNode(cmd.Context(), func(ctx context.Context, n *node.Node) error {
			if err := n.Rebuild(ctx); err != nil {
				return err
			}
			var err error
			if syncHeight > 0 {
				err = n.SyncTo(ctx, syncHeight, syncHash)
			} else {
				err = n.SyncToTip(ctx)
			}
			if err != nil {
				return err
			}
			return printStatus(cmd, n)
		})
	},
}

func init() {
	SyncCmd.Flags().Int64Var(&syncHeight, "height", 0, "height to sync to (0 syncs to the peer's tip)")
	SyncCmd.Flags().StringVar(&syncHash, "hash", "", "expected hash of the block at --height")
}
