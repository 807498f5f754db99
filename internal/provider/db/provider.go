// Package db implements a block source over the node's own archive.
package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/tendermint/ledgersync/internal/provider"
	"github.com/tendermint/ledgersync/internal/store"
	"github.com/tendermint/ledgersync/types"
)

// Provider reads blocks from a store.Store.
type Provider struct {
	name  string
	store *store.Store
}

var _ provider.ArchiveProvider = (*Provider)(nil)

// New returns a database block source named name.
func New(name string, s *store.Store) *Provider {
	return &Provider{name: name, store: s}
}

func (p *Provider) String() string { return fmt.Sprintf("db{%s}", p.name) }

// Header implements provider.Provider.
func (p *Provider) Header(ctx context.Context, height int64) (*types.BlockHeader, error) {
	return p.BlockByHeight(ctx, height)
}

// Transaction implements provider.Provider.
func (p *Provider) Transaction(ctx context.Context, hash string) (*types.Transaction, error) {
	return p.TransactionByHash(ctx, hash)
}

func (p *Provider) BlockByHeight(ctx context.Context, height int64) (*types.BlockHeader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := p.store.BlockByHeight(height)
	return h, translate(err)
}

func (p *Provider) BlockByHash(ctx context.Context, hash string) (*types.BlockHeader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := p.store.BlockByHash(hash)
	return h, translate(err)
}

func (p *Provider) TransactionByHash(ctx context.Context, hash string) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx, err := p.store.TransactionByHash(hash)
	return tx, translate(err)
}

func (p *Provider) LatestBlock(ctx context.Context) (*types.BlockHeader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := p.store.LatestBlock()
	return h, translate(err)
}

// translate maps store misses onto provider.ErrNotFound while keeping the
// store error in the chain.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %w", provider.ErrNotFound, err)
	}
	return err
}
