package provider

import (
	"context"
	"errors"

	"github.com/tendermint/ledgersync/types"
)

//go:generate mockery --case underscore --name Provider

// ErrNotFound is returned when the source has no header at the requested
// height or no transaction with the requested hash.
var ErrNotFound = errors.New("not found at source")

// Provider supplies block headers and transaction bodies to the sync engine.
// Implementations must be safe for concurrent use: the engine fetches many
// heights at once.
type Provider interface {
	// Header returns the header at height. If there is none, ErrNotFound is
	// returned.
	Header(ctx context.Context, height int64) (*types.BlockHeader, error)

	// Transaction returns the transaction with the given hash. If there is
	// none, ErrNotFound is returned.
	Transaction(ctx context.Context, hash string) (*types.Transaction, error)

	// String identifies the source in logs.
	String() string
}

// ArchiveProvider is a Provider backed by a complete local archive.
type ArchiveProvider interface {
	Provider

	BlockByHeight(ctx context.Context, height int64) (*types.BlockHeader, error)
	BlockByHash(ctx context.Context, hash string) (*types.BlockHeader, error)
	TransactionByHash(ctx context.Context, hash string) (*types.Transaction, error)
	// LatestBlock returns the highest block of the archive.
	LatestBlock(ctx context.Context) (*types.BlockHeader, error)
}
