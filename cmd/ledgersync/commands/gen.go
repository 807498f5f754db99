package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendermint/ledgersync/internal/store"
	"github.com/tendermint/ledgersync/internal/test/factory"
	"github.com/tendermint/ledgersync/node"
	"github.com/tendermint/ledgersync/types"
)

var (
	genBlocks int
	genSeed   int64
)

// GenChainCmd replaces the local archive with a freshly generated chain.
var GenChainCmd = &cobra.Command{
	Use:   "gen-chain",
	Short: "Replace the local archive with a generated chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		if genBlocks <= 0 {
			return fmt.Errorf("--blocks must be positive, got %d", genBlocks)
		}
		return withStores(func(n *node.Node) error {
			if _, err := n.LocalStore().Clear(); err != nil {
				return err
			}
			blocks := factory.GenerateBlocks(types.GenesisHeader(), genBlocks, newRand(genSeed))
			if err := factory.WriteBlocks(n.LocalStore(), append([]factory.Block{factory.Genesis()}, blocks...)); err != nil {
				return err
			}
			tip := blocks[len(blocks)-1].Header
			logger.Info("generated chain", "height", tip.Height, "hash", tip.Hash)
			return nil
		})
	},
}

var (
	forkFrom   int64
	forkLength int
	forkSeed   int64
)

// GenForkCmd gives the network peer a chain forking off the local archive.
var GenForkCmd = &cobra.Command{
	Use:   "gen-fork",
	Short: "Give the network peer a chain that forks off the local archive",
	Long: `Replaces the network peer's archive with the local blocks up to --from
followed by --length generated blocks. The fork tip must end above the local
tip.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if forkLength <= 0 {
			return fmt.Errorf("--length must be positive, got %d", forkLength)
		}
		return withStores(func(n *node.Node) error {
			if _, err := n.PeerStore().Clear(); err != nil {
				return err
			}
			blocks, err := factory.GenerateFork(n.LocalStore(), n.PeerStore(), forkFrom, forkLength, newRand(forkSeed))
			if err != nil {
				return err
			}
			tip := blocks[len(blocks)-1].Header
			logger.Info("generated fork", "peer", config.Sync.NetworkPeer,
				"fork_height", forkFrom, "height", tip.Height, "hash", tip.Hash)
			return nil
		})
	},
}

var (
	manifestFile string
	manifestPeer bool
)

// LoadChainCmd appends the blocks of a TOML chain manifest to an archive.
var LoadChainCmd = &cobra.Command{
	Use:   "load-chain",
	Short: "Append the blocks described by a chain manifest to an archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := factory.LoadManifest(manifestFile)
		if err != nil {
			return err
		}
		return withStores(func(n *node.Node) error {
			s := n.LocalStore()
			if manifestPeer {
				s = n.PeerStore()
			}

			parent, err := s.LatestBlock()
			switch {
			case err == nil:
			case errors.Is(err, store.ErrNotFound):
				if err := factory.WriteBlocks(s, []factory.Block{factory.Genesis()}); err != nil {
					return err
				}
				parent = types.GenesisHeader()
			default:
				return err
			}

			blocks, err := m.Build(parent)
			if err != nil {
				return err
			}
			if err := factory.WriteBlocks(s, blocks); err != nil {
				return err
			}
			tip := blocks[len(blocks)-1].Header
			logger.Info("loaded chain", "file", manifestFile, "peer", manifestPeer,
				"height", tip.Height, "hash", tip.Hash)
			return nil
		})
	},
}

func init() {
	GenChainCmd.Flags().IntVar(&genBlocks, "blocks", 10, "number of blocks to generate above genesis")
	addSeedFlag(GenChainCmd, &genSeed)

	GenForkCmd.Flags().Int64Var(&forkFrom, "from", 0, "height of the last block shared with the local archive")
	GenForkCmd.Flags().IntVar(&forkLength, "length", 1, "number of blocks generated above --from")
	addSeedFlag(GenForkCmd, &forkSeed)

	LoadChainCmd.Flags().StringVar(&manifestFile, "manifest", "", "path to the chain manifest (TOML)")
	LoadChainCmd.Flags().BoolVar(&manifestPeer, "peer", false, "write to the network peer's archive instead of the local one")
	_ = LoadChainCmd.MarkFlagRequired("manifest")
}
