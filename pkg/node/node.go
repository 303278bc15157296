// Package node wires a validator together: keys, libp2p host, command routes,
// decision journal, metrics and the agreement process.
package node

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/meta-node-blockchain/meta-bba/pkg/bba"
	"github.com/meta-node-blockchain/meta-bba/pkg/commoncoin"
	"github.com/meta-node-blockchain/meta-bba/pkg/config"
	"github.com/meta-node-blockchain/meta-bba/pkg/core"
	"github.com/meta-node-blockchain/meta-bba/pkg/logger"
	"github.com/meta-node-blockchain/meta-bba/pkg/loggerfile"
	"github.com/meta-node-blockchain/meta-bba/pkg/network"
	"github.com/meta-node-blockchain/meta-bba/pkg/p2p"
	"github.com/meta-node-blockchain/meta-bba/pkg/storage"
)

// Node is one running validator.
type Node struct {
	Config  *config.NodeConfig
	Key     *ecdsa.PrivateKey
	Process *bba.Process

	host     *p2p.Host
	handler  *network.Handler
	modules  []core.Module
	db       storage.Storage
	journal  *storage.DecisionJournal
	registry *prometheus.Registry
	traces   *loggerfile.Set

	metricsServer *http.Server
	group         *errgroup.Group
	cancel        context.CancelFunc
}

func NewNode(cfg *config.NodeConfig) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Log.Level != "" {
		if err := logger.SetLevel(cfg.Log.Level); err != nil {
			return nil, err
		}
	}
	logger.SetIdentifier(fmt.Sprintf("node-%d", cfg.ID))

	key, err := cfg.PrivateKey()
	if err != nil {
		return nil, err
	}
	netinfo, err := cfg.NetworkInfo()
	if err != nil {
		return nil, err
	}

	peers, err := peersFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	listen, err := ma.NewMultiaddr(cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("listen_address: %w", err)
	}

	n := &Node{
		Config:   cfg,
		Key:      key,
		registry: prometheus.NewRegistry(),
		traces:   loggerfile.NewSet(cfg.Log.TraceDir),
	}

	n.db, err = storage.Open(cfg.Storage.Type, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	n.journal = storage.NewDecisionJournal(n.db)

	metrics, err := bba.NewMetrics(n.registry)
	if err != nil {
		n.db.Close()
		return nil, err
	}

	n.host, err = p2p.NewHost(cfg.ID, key, listen, peers)
	if err != nil {
		n.db.Close()
		return nil, err
	}

	interval, _ := cfg.Interval(bba.DefaultCleanupInterval)
	n.Process = bba.NewProcess(n.host, netinfo, bba.Options{
		CleanupThreshold: cfg.CleanupThreshold,
		CleanupInterval:  interval,
		Journal:          n.journal,
		Metrics:          metrics,
		Traces:           n.traces,
	})
	n.modules = append(n.modules, n.Process)

	if netinfo.F() > 0 {
		keys, err := commoncoin.DecodeKeys(cfg.Coin.Share, cfg.Coin.Commits)
		if err != nil {
			n.close()
			return nil, fmt.Errorf("coin keys: %w", err)
		}
		if keys.Share.I != int(cfg.ID) {
			n.close()
			return nil, fmt.Errorf("coin share %d configured for validator %d", keys.Share.I, cfg.ID)
		}
		coin := commoncoin.NewThresholdCoin(n.host, keys, netinfo.N(), n.Process.DeliverCoin)
		n.Process.SetCoinSource(coin)
		n.modules = append(n.modules, coin)
	}

	n.handler = network.NewHandler(nil, cfg.RateLimits)
	for _, m := range n.modules {
		if err := n.handler.Register(m); err != nil {
			n.close()
			return nil, err
		}
	}
	n.host.SetHandler(n.handler)
	return n, nil
}

func peersFromConfig(cfg *config.NodeConfig) ([]p2p.Peer, error) {
	peers := make([]p2p.Peer, len(cfg.Validators))
	for i, v := range cfg.Validators {
		pub, err := cfg.PublicKey(i)
		if err != nil {
			return nil, err
		}
		peers[i] = p2p.Peer{Index: uint64(i), PublicKey: pub}
		if v.Address != "" {
			addr, err := ma.NewMultiaddr(v.Address)
			if err != nil {
				return nil, fmt.Errorf("validator %d address: %w", i, err)
			}
			peers[i].Addrs = []ma.Multiaddr{addr}
		}
	}
	return peers, nil
}

// Start runs the modules, dials the other validators and serves /metrics when
// metrics_address is set.
func (n *Node) Start(ctx context.Context) error {
	ctx, n.cancel = context.WithCancel(ctx)
	n.group, ctx = errgroup.WithContext(ctx)

	for _, m := range n.modules {
		m.Start()
	}
	n.group.Go(func() error {
		n.host.Connect(ctx)
		return nil
	})

	if n.Config.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))
		n.metricsServer = &http.Server{Addr: n.Config.MetricsAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		n.group.Go(func() error {
			logger.Info("serving metrics on %s", n.Config.MetricsAddress)
			if err := n.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	logger.Info("node %d started with %d validators", n.Config.ID, len(n.Config.Validators))
	return nil
}

// Stop shuts the node down and copies the journal to storage.backup_path.
func (n *Node) Stop() error {
	for _, m := range n.modules {
		m.Stop()
	}
	var errs []error
	if n.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, n.metricsServer.Shutdown(ctx))
		cancel()
	}
	if n.cancel != nil {
		n.cancel()
	}
	if n.group != nil {
		errs = append(errs, n.group.Wait())
	}
	errs = append(errs, n.close())

	st := n.Config.Storage
	if st.BackupPath != "" && st.Path != "" && st.Type != storage.STORAGE_TYPE_MEMORY_DB && st.Type != "" {
		if err := storage.Snapshot(st.Path, st.BackupPath); err != nil {
			errs = append(errs, err)
		} else {
			logger.Info("journal copied to %s", st.BackupPath)
		}
	}
	return errors.Join(errs...)
}

func (n *Node) close() error {
	n.traces.CloseAll()
	return errors.Join(n.host.Close(), n.journal.Close())
}
