package factory

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/tendermint/ledgersync/types"
)

// Manifest describes a chain in TOML:
//
//	[[block]]
//	miner = "456789"
//
//	  [[block.tx]]
//	  from = "123456"
//	  to = "456789"
//	  value = "1"
//
// Hashes are optional; missing ones are generated.
type Manifest struct {
	Blocks []ManifestBlock `toml:"block"`
}

// ManifestBlock is one block of a Manifest.
type ManifestBlock struct {
	Hash  string       `toml:"hash"`
	Miner string       `toml:"miner"`
	Diff  string       `toml:"diff"`
	Nonce string       `toml:"nonce"`
	Txs   []ManifestTx `toml:"tx"`
}

// ManifestTx is one transfer of a ManifestBlock.
type ManifestTx struct {
	Hash      string `toml:"hash"`
	From      string `toml:"from"`
	To        string `toml:"to"`
	Value     string `toml:"value"`
	Nonce     string `toml:"nonce"`
	Signature string `toml:"signature"`
}

// LoadManifest loads a chain manifest from a file.
func LoadManifest(file string) (Manifest, error) {
	manifest := Manifest{}
	_, err := toml.DecodeFile(file, &manifest)
	if err != nil {
		return manifest, fmt.Errorf("failed to load chain manifest %q: %w", file, err)
	}
	return manifest, nil
}

// Build turns the manifest into blocks extending parent.
func (m Manifest) Build(parent *types.BlockHeader) ([]Block, error) {
	if len(m.Blocks) == 0 {
		return nil, errors.New("manifest has no blocks")
	}

	blocks := make([]Block, 0, len(m.Blocks))
	for i, mb := range m.Blocks {
		miner := orDefault(mb.Miner, DefaultMiner)
		txs := make(types.Txs, 0, len(mb.Txs))
		for j, mt := range mb.Txs {
			tx := &types.Transaction{
				Hash:      orDefault(mt.Hash, uuid.NewString()),
				From:      mt.From,
				To:        mt.To,
				Value:     mt.Value,
				Nonce:     orDefault(mt.Nonce, "000"),
				Signature: orDefault(mt.Signature, "000"),
			}
			if err := tx.ValidateBasic(); err != nil {
				return nil, fmt.Errorf("block %d tx %d: %w", i+1, j, err)
			}
			txs = append(txs, tx)
		}

		b := NewBlock(parent, miner, txs...)
		if mb.Hash != "" {
			b.Header.Hash = mb.Hash
			for _, tx := range b.Txs {
				tx.BlockHash = mb.Hash
			}
		}
		b.Header.Diff = orDefault(mb.Diff, b.Header.Diff)
		b.Header.Nonce = orDefault(mb.Nonce, b.Header.Nonce)
		if err := b.Header.ValidateBasic(); err != nil {
			return nil, fmt.Errorf("block %d: %w", i+1, err)
		}

		blocks = append(blocks, b)
		parent = b.Header
	}
	return blocks, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
