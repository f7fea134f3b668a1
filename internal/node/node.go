// Package node wires together one running raftkv node: its primary
// Raft cluster, zero or more fallback target clusters, the standalone
// store, and the fallback controller — the composition root cmd/raftkv's
// `serve` command starts and the control commands talk to, mirroring
// the way the teacher project's pkg/manager.NewManager assembles a
// manager out of its storage, scheduler, and API server pieces.
package node

import (
	"context"
	"fmt"
	"time"

	"github.com/lattice-kv/raftkv/internal/config"
	"github.com/lattice-kv/raftkv/internal/exec"
	"github.com/lattice-kv/raftkv/internal/rlog"
	"github.com/lattice-kv/raftkv/internal/watch"
	"github.com/lattice-kv/raftkv/pkg/fallback"
	"github.com/lattice-kv/raftkv/pkg/kv"
	"github.com/lattice-kv/raftkv/pkg/raft"
	"github.com/lattice-kv/raftkv/pkg/raftlog"
	"github.com/lattice-kv/raftkv/pkg/transport"
	"github.com/lattice-kv/raftkv/pkg/transport/grpctransport"
	"github.com/lattice-kv/raftkv/pkg/txn"
)

// cluster is one fully wired Raft cluster this node participates in,
// whether its primary one or a fallback target.
type cluster struct {
	name      string
	log       *raftlog.LogStore
	store     kv.AtomicKVStore
	transport transport.Transport
	executor  *exec.Executor
	core      *raft.RaftCore
	manager   *txn.Manager
	watches   *watch.Broker
}

// Node is a fully wired raftkv node: a primary Raft cluster, the
// fallback controller, and everything it takes to serve transactions
// and the control API.
type Node struct {
	identity string

	primary    *cluster
	targets    []*cluster
	standalone kv.AtomicKVStore
	watches    *watch.Broker

	fallback *fallback.Controller

	runCancel context.CancelFunc
}

// New builds (but does not start) a node from cfg.
func New(cfg config.Config) (*Node, error) {
	primary, err := buildCluster(cfg.Primary)
	if err != nil {
		return nil, fmt.Errorf("wire primary cluster: %w", err)
	}

	standaloneStore, err := kv.NewBoltStore(cfg.StandaloneDataDir)
	if err != nil {
		primary.close()
		return nil, fmt.Errorf("open standalone store: %w", err)
	}
	standaloneWatches := watch.NewBroker()

	targets := make([]*cluster, 0, len(cfg.FallbackTargets))
	targetConfigs := make([]fallback.TargetConfig, 0, len(cfg.FallbackTargets))
	for _, tc := range cfg.FallbackTargets {
		c, err := buildCluster(tc.Cluster)
		if err != nil {
			closeAll(primary, targets)
			return nil, fmt.Errorf("wire fallback target %s: %w", tc.Cluster.Name, err)
		}
		targets = append(targets, c)

		unavailable, err := config.MergeStrategyByName(tc.UnavailableMergeStrategy)
		if err != nil {
			closeAll(primary, targets)
			return nil, err
		}
		rejoin, err := config.MergeStrategyByName(tc.RejoinMergeStrategy)
		if err != nil {
			closeAll(primary, targets)
			return nil, err
		}
		targetConfigs = append(targetConfigs, fallback.TargetConfig{
			Name:                     c.name,
			Source:                   fallback.NewRaftSource(c.name, c.core, c.manager),
			TransactionTimeout:       time.Duration(tc.TransactionTimeoutMS) * time.Millisecond,
			CheckInterval:            time.Duration(tc.CheckIntervalMS) * time.Millisecond,
			MinAvailableTime:         time.Duration(tc.MinAvailableTimeMS) * time.Millisecond,
			MinUnavailableTime:       time.Duration(tc.MinUnavailableTimeMS) * time.Millisecond,
			UnavailableMergeStrategy: unavailable,
			RejoinMergeStrategy:      rejoin,
		})
	}

	standaloneSource := fallback.NewLocalSource("standalone", standaloneStore, standaloneWatches)
	ctrl := fallback.NewController(targetConfigs, standaloneSource, cfg.FallbackStateFile)

	return &Node{
		identity:   cfg.Primary.Identity,
		primary:    primary,
		targets:    targets,
		standalone: standaloneStore,
		watches:    standaloneWatches,
		fallback:   ctrl,
	}, nil
}

func closeAll(primary *cluster, targets []*cluster) {
	primary.close()
	for _, t := range targets {
		t.close()
	}
}

// handlerSetter is implemented by both TCPTransport and GRPCTransport;
// it isn't part of transport.Transport itself because a Handler can
// only be registered once the RaftCore it will dispatch to exists,
// which is necessarily after the transport is constructed.
type handlerSetter interface {
	SetHandler(transport.Handler)
}

func newTransport(cc config.RaftClusterConfig) (transport.Transport, error) {
	switch cc.Transport {
	case "grpc":
		return grpctransport.NewGRPCTransport(cc.Identity, cc.BindAddr, cc.Peers)
	default:
		return transport.NewTCPTransport(cc.Identity, cc.BindAddr, cc.Peers)
	}
}

func buildCluster(cc config.RaftClusterConfig) (*cluster, error) {
	logger := rlog.WithNode(cc.Identity)

	logStore, err := raftlog.Open(cc.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open raft log: %w", err)
	}
	store, err := kv.NewBoltStore(cc.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	tr, err := newTransport(cc)
	if err != nil {
		return nil, err
	}

	ex := exec.New(256)
	watches := watch.NewBroker()

	minE, maxE, hb := cc.TimingBounds()
	timing := raft.TimingConfig{MinElectionTimeout: minE, MaxElectionTimeout: maxE, HeartbeatTimeout: hb}

	members := make([]raft.Peer, 0, len(cc.Peers)+1)
	members = append(members, raft.Peer{Identity: cc.Identity, Address: cc.BindAddr})
	for id, addr := range cc.Peers {
		members = append(members, raft.Peer{Identity: id, Address: addr})
	}
	initialConfig := raft.Config{Members: members}

	core := raft.NewRaftCore(cc.Identity, cc.ClusterID, logStore, store, tr, ex, nil, initialConfig, timing)
	mgr := txn.NewManager(core, store, watches)
	core.SetObserver(mgr)

	if setter, ok := tr.(handlerSetter); ok {
		setter.SetHandler(core)
	}

	logger.Info().Str("cluster", clusterDisplayName(cc)).Msg("raft cluster wired")

	return &cluster{
		name:      clusterDisplayName(cc),
		log:       logStore,
		store:     store,
		transport: tr,
		executor:  ex,
		core:      core,
		manager:   mgr,
		watches:   watches,
	}, nil
}

func clusterDisplayName(cc config.RaftClusterConfig) string {
	if cc.Name != "" {
		return cc.Name
	}
	return cc.ClusterID
}

func (c *cluster) close() {
	if c == nil {
		return
	}
	c.core.Stop()
	c.executor.Stop()
	c.transport.Close()
	c.store.Close()
}

// Start launches every wired cluster's network service loop and the
// fallback controller's monitoring goroutines.
func (n *Node) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	n.runCancel = cancel

	clusters := append([]*cluster{n.primary}, n.targets...)
	for _, c := range clusters {
		c := c
		go func() {
			if err := c.transport.Serve(); err != nil {
				rlog.WithComponent("node").Warn().Err(err).Str("cluster", c.name).Msg("transport serve loop exited")
			}
		}()
	}

	n.fallback.Start(runCtx)
	return nil
}

// Close stops the fallback controller and every wired cluster.
func (n *Node) Close() error {
	if n.runCancel != nil {
		n.runCancel()
	}
	n.fallback.Stop()
	closeAll(n.primary, n.targets)
	return n.standalone.Close()
}

// CreateTransaction opens a transaction through the fallback
// controller, bound to whichever target is currently selected
// (spec.md §4.3).
func (n *Node) CreateTransaction(consistency txn.Consistency) (fallback.Transaction, error) {
	return n.fallback.CreateTransaction(consistency)
}

// Fallback exposes the controller for status/control commands.
func (n *Node) Fallback() *fallback.Controller { return n.fallback }

// Primary exposes the primary cluster's RaftCore for raft-status,
// raft-step-down, raft-start-election, raft-add, and raft-remove —
// the control commands that act on the cluster this node is a voting
// member of, as opposed to the read-only fallback targets it merely
// monitors.
func (n *Node) Primary() *raft.RaftCore { return n.primary.core }
