// Package network implements a block source that stands in for a remote
// peer. Blocks are served from the peer's own archive after a simulated
// network round trip.
package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tendermint/ledgersync/internal/provider"
	"github.com/tendermint/ledgersync/internal/store"
	"github.com/tendermint/ledgersync/types"
)

// Provider serves headers and transactions held by a peer.
type Provider struct {
	peer    string
	store   *store.Store
	latency time.Duration
}

var _ provider.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithLatency delays every request by d.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// New returns a source for peer whose blocks live in s.
func New(peer string, s *store.Store, opts ...Option) *Provider {
	p := &Provider{peer: peer, store: s}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) String() string { return fmt.Sprintf("peer{%s}", p.peer) }

// Peer returns the peer descriptor.
func (p *Provider) Peer() string { return p.peer }

// Header implements provider.Provider.
func (p *Provider) Header(ctx context.Context, height int64) (*types.BlockHeader, error) {
	if err := p.roundTrip(ctx); err != nil {
		return nil, err
	}
	h, err := p.store.BlockByHeight(height)
	if err != nil {
		return nil, p.translate(err)
	}
	return h, nil
}

// Transaction implements provider.Provider.
func (p *Provider) Transaction(ctx context.Context, hash string) (*types.Transaction, error) {
	if err := p.roundTrip(ctx); err != nil {
		return nil, err
	}
	tx, err := p.store.TransactionByHash(hash)
	if err != nil {
		return nil, p.translate(err)
	}
	return tx, nil
}

// LatestBlock returns the peer's tip. A node learns about new blocks through
// it.
func (p *Provider) LatestBlock(ctx context.Context) (*types.BlockHeader, error) {
	if err := p.roundTrip(ctx); err != nil {
		return nil, err
	}
	h, err := p.store.LatestBlock()
	if err != nil {
		return nil, p.translate(err)
	}
	return h, nil
}

func (p *Provider) roundTrip(ctx context.Context) error {
	if p.latency <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(p.latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) translate(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s: %w: %w", p, provider.ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w", p, err)
}
