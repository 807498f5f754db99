package commands

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/tendermint/ledgersync/node"
)

// withRunningNode starts a node, hands it to fn and stops it again.
func withRunningNode(ctx context.Context, fn func(context.Context, *node.Node) error) error {
	n, err := node.DefaultNewNode(config, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := n.Start(ctx); err != nil {
		return errors.Join(err, n.Close())
	}

	err = fn(ctx, n)
	if stopErr := n.Stop(); stopErr != nil {
		logger.Error("failed to stop node", "err", stopErr)
	}
	return err
}

// withStores opens the node's databases without starting it.
func withStores(fn func(*node.Node) error) error {
	n, err := node.DefaultNewNode(config, logger)
	if err != nil {
		return err
	}
	return errors.Join(fn(n), n.Close())
}

func addSeedFlag(cmd *cobra.Command, seed *int64) {
	cmd.Flags().Int64Var(seed, "seed", 0, "random seed for generated blocks (0 picks one from the clock)")
}

func newRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	logger.Debug("generating blocks", "seed", seed)
	return rand.New(rand.NewSource(seed))
}
