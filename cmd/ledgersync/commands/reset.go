package commands

import (
	"github.com/spf13/cobra"

	"github.com/tendermint/ledgersync/node"
)

var resetPeer bool

// ResetCmd removes every block and transaction from the local archive.
var ResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove all blocks and transactions from the local archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStores(func(n *node.Node) error {
			removed, err := n.LocalStore().Clear()
			if err != nil {
				return err
			}
			logger.Info("removed local archive", "keys", removed)

			if resetPeer {
				removed, err := n.PeerStore().Clear()
				if err != nil {
					return err
				}
				logger.Info("removed peer archive", "peer", config.Sync.NetworkPeer, "keys", removed)
			}
			return nil
		})
	},
}

func init() {
	ResetCmd.Flags().BoolVar(&resetPeer, "peer", false, "also clear the network peer's archive")
}
