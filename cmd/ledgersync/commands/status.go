package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendermint/ledgersync/node"
)

// StatusCmd rebuilds the ledger from the local archive and prints it.
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the chain head and balances recorded in the local archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRunningNode(cmd.Context(), func(ctx context.Context, n *node.Node) error {
			if err := n.Rebuild(ctx); err != nil {
				return err
			}
			return printStatus(cmd, n)
		})
	},
}

func printStatus(cmd *cobra.Command, n *node.Node) error {
	bz, err := json.MarshalIndent(n.Status(), "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(bz))
	return err
}
