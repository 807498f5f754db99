package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	dbm "github.com/tendermint/tm-db"

	cfg "github.com/tendermint/ledgersync/config"
	"github.com/tendermint/ledgersync/internal/blocksync"
	dbprovider "github.com/tendermint/ledgersync/internal/provider/db"
	"github.com/tendermint/ledgersync/internal/provider/network"
	"github.com/tendermint/ledgersync/internal/store"
	"github.com/tendermint/ledgersync/libs/log"
	"github.com/tendermint/ledgersync/libs/service"
	"github.com/tendermint/ledgersync/types"
)

const (
	localDBName = "local"

	prometheusEndpoint = "/metrics"
	shutdownTimeout    = 5 * time.Second
)

// Node is the top level service: it owns the local archive, the simulated
// network peer and the sync engine replaying blocks from either.
type Node struct {
	service.BaseService
	logger log.Logger
	config *cfg.Config

	localStore *store.Store
	peerStore  *store.Store
	network    *network.Provider
	engine     *blocksync.Engine

	prometheusSrv *http.Server
}

// DefaultNewNode returns a node backed by the databases configured in config.
func DefaultNewNode(config *cfg.Config, logger log.Logger) (*Node, error) {
	return NewNode(config, logger, cfg.DefaultDBProvider)
}

// NewNode opens the local and peer databases through dbProvider and wires the
// sync engine on top of them. The databases are closed when the node stops,
// or by Close if it is never started.
func NewNode(config *cfg.Config, logger log.Logger, dbProvider cfg.DBProvider) (*Node, error) {
	localDB, peerDB, err := initDBs(config, dbProvider)
	if err != nil {
		return nil, err
	}

	n := &Node{
		logger:     logger,
		config:     config,
		localStore: store.New(localDB),
		peerStore:  store.New(peerDB),
	}
	n.network = network.New(config.Sync.NetworkPeer, n.peerStore,
		network.WithLatency(config.Sync.NetworkLatency))

	metrics := blocksync.NopMetrics()
	if config.Instrumentation.Prometheus {
		metrics = blocksync.PrometheusMetrics(config.Instrumentation.Namespace)
	}
	n.engine, err = blocksync.NewEngine(
		logger.With("module", "blocksync"),
		n.localStore,
		dbprovider.New(localDBName, n.localStore),
		n.network,
		blocksync.WithMetrics(metrics),
		blocksync.WithFetchConcurrency(config.Sync.FetchConcurrency),
	)
	if err != nil {
		return nil, errors.Join(err, n.Close())
	}

	n.BaseService = *service.NewBaseService(logger, "Node", n)
	return n, nil
}

func initDBs(config *cfg.Config, dbProvider cfg.DBProvider) (localDB, peerDB dbm.DB, err error) {
	localDB, err = dbProvider(&cfg.DBContext{ID: localDBName, Config: config})
	if err != nil {
		return nil, nil, fmt.Errorf("opening local db: %w", err)
	}
	peerDB, err = dbProvider(&cfg.DBContext{ID: config.Sync.NetworkPeer, Config: config})
	if err != nil {
		return nil, nil, errors.Join(fmt.Errorf("opening peer db: %w", err), localDB.Close())
	}
	return localDB, peerDB, nil
}

// OnStart starts the metrics server, if enabled, and the sync engine, then
// seeds the engine with genesis.
func (n *Node) OnStart(ctx context.Context) error {
	if n.config.Instrumentation.Prometheus && n.config.Instrumentation.PrometheusListenAddr != "" {
		n.prometheusSrv = n.startPrometheusServer()
	}

	if err := n.engine.Start(ctx); err != nil {
		return err
	}
	return n.engine.Init(ctx)
}

// OnStop stops the engine, rolling back any run in progress, and closes the
// databases.
func (n *Node) OnStop() {
	if err := n.engine.Stop(); err != nil && !errors.Is(err, service.ErrAlreadyStopped) {
		n.logger.Error("failed to stop sync engine", "err", err)
	}

	if n.prometheusSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := n.prometheusSrv.Shutdown(ctx); err != nil {
			n.logger.Error("prometheus HTTP server Shutdown", "err", err)
		}
	}

	if err := n.Close(); err != nil {
		n.logger.Error("failed to close databases", "err", err)
	}
}

// Close closes both databases.
func (n *Node) Close() error {
	return errors.Join(n.localStore.Close(), n.peerStore.Close())
}

// startPrometheusServer serves the registered metrics under /metrics.
func (n *Node) startPrometheusServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle(prometheusEndpoint, promhttp.Handler())
	srv := &http.Server{
		Addr:              n.config.Instrumentation.PrometheusListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		n.logger.Info("starting prometheus endpoint", "addr", srv.Addr, "path", prometheusEndpoint)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("prometheus HTTP server ListenAndServe", "err", err)
		}
	}()
	return srv
}

// Engine returns the sync engine.
func (n *Node) Engine() *blocksync.Engine { return n.engine }

// LocalStore returns the node's own block archive.
func (n *Node) LocalStore() *store.Store { return n.localStore }

// PeerStore returns the archive backing the simulated network peer.
func (n *Node) PeerStore() *store.Store { return n.peerStore }

// Rebuild replays the local archive into the engine and waits for the run.
func (n *Node) Rebuild(ctx context.Context) error {
	run, err := n.engine.StartRebuild(ctx)
	if err != nil {
		return err
	}
	return n.wait(ctx, run)
}

// SyncTo syncs from the network peer up to height and waits for the run. hash
// may be empty.
func (n *Node) SyncTo(ctx context.Context, height int64, hash string) error {
	run, err := n.engine.StartSync(ctx, height, hash, n.network.Peer())
	if err != nil {
		return err
	}
	return n.wait(ctx, run)
}

// SyncToTip syncs from the network peer up to its latest block.
func (n *Node) SyncToTip(ctx context.Context) error {
	latest, err := n.network.LatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("asking %v for its latest block: %w", n.network, err)
	}
	return n.SyncTo(ctx, latest.Height, latest.Hash)
}

// CatchUp brings the engine up to date: a rebuild from the local archive if
// configured, then a sync to the network tip. A peer without blocks is not
// an error.
func (n *Node) CatchUp(ctx context.Context) error {
	if n.config.Sync.ResyncOnStart {
		if err := n.Rebuild(ctx); err != nil {
			return fmt.Errorf("rebuild: %w", err)
		}
	}
	if err := n.SyncToTip(ctx); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("network sync: %w", err)
	}
	return nil
}

// FollowPeer polls the network peer for its latest block every
// sync.poll_interval and announces it to the engine, which syncs to it if it
// is above the current target. It returns once ctx is done. With polling
// disabled it only waits for ctx.
func (n *Node) FollowPeer(ctx context.Context) {
	interval := n.config.Sync.PollInterval
	if interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.pollPeer(ctx)
		}
	}
}

func (n *Node) pollPeer(ctx context.Context) {
	latest, err := n.network.LatestBlock(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return
	case err != nil:
		if ctx.Err() == nil {
			n.logger.Error("failed to poll peer", "peer", n.network.Peer(), "err", err)
		}
		return
	}
	if err := n.engine.OnReceiveNewBlock(ctx, latest.Hash, latest.Height, n.network.Peer()); err != nil {
		n.logger.Error("failed to handle new block", "height", latest.Height, "err", err)
	}
}

// Status returns a copy of the engine's adopted status.
func (n *Node) Status() *types.Status {
	return n.engine.Status()
}

func (n *Node) wait(ctx context.Context, run *blocksync.Run) error {
	if run == nil {
		return nil
	}
	if err := run.Wait(ctx); err != nil {
		return err
	}
	st := n.engine.Status()
	n.logger.Info("sync run complete",
		"mode", run.Target().Mode,
		"height", st.Height(),
		"fork_height", run.ForkHeight())
	return nil
}
