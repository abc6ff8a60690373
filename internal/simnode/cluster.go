// Package simnode provides an in-process node backend for the simulation
// harness. Nodes run as independent goroutines, mine and gossip on their
// own, and every message between them transits the run's NetworkSimulator,
// so link conditions, partitions and clock drift apply exactly as they
// would to external node processes.
package simnode

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/inconshreveable/log15.v2"

	"github.com/supernova-network/simnet/internal/libsim"
)

// Config holds cluster-wide node settings.
type Config struct {
	// GossipInterval is how often each node re-announces its tip to peers.
	// Re-announcement is what lets chains converge after a partition heals.
	GossipInterval time.Duration
}

// DefaultConfig returns settings suitable for fast scenario runs.
func DefaultConfig() Config {
	return Config{GossipInterval: 25 * time.Millisecond}
}

// Factory returns a BackendFactory creating one cluster per scenario run.
func Factory(cfg Config) libsim.BackendFactory {
	return func(sim *libsim.NetworkSimulator) libsim.NodeBackend {
		return NewCluster(sim, cfg)
	}
}

// Cluster implements libsim.NodeBackend with in-memory nodes.
type Cluster struct {
	sim *libsim.NetworkSimulator
	cfg Config

	mu      sync.RWMutex
	counter uint64
	nodes   map[string]*node // by backend handle
	byID    map[int]*node    // by logical node ID
}

// NewCluster creates an empty cluster routing its traffic through sim.
func NewCluster(sim *libsim.NetworkSimulator, cfg Config) *Cluster {
	if cfg.GossipInterval <= 0 {
		cfg.GossipInterval = DefaultConfig().GossipInterval
	}
	return &Cluster{
		sim:   sim,
		cfg:   cfg,
		nodes: make(map[string]*node),
		byID:  make(map[int]*node),
	}
}

const addrPrefix = "snode/"

// SpawnNode starts a node goroutine for the given logical ID.
func (c *Cluster) SpawnNode(ctx context.Context, opt libsim.NodeOptions) (*libsim.NodeInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byID[opt.ID]; ok {
		return nil, fmt.Errorf("node %d already spawned", opt.ID)
	}
	c.counter++
	handle := fmt.Sprintf("%0.8x", c.counter)

	n := newNode(c, opt.ID, handle, opt.Type)
	c.nodes[handle] = n
	c.byID[opt.ID] = n
	go n.run()

	log15.Debug("simnode spawned", "node", opt.ID, "handle", handle, "type", opt.Type)
	return &libsim.NodeInfo{
		ID:   handle,
		Addr: addrPrefix + strconv.Itoa(opt.ID),
		Wait: n.waitStopped,
	}, nil
}

func (c *Cluster) node(handleID string) (*node, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[handleID]
	if !ok {
		return nil, libsim.ErrNoSuchHandle
	}
	return n, nil
}

func (c *Cluster) nodeByID(id int) *node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byID[id]
}

// StopNode shuts the node goroutine down. The node stops mining, gossiping
// and receiving.
func (c *Cluster) StopNode(handleID string) error {
	n, err := c.node(handleID)
	if err != nil {
		return err
	}
	n.stop()
	return nil
}

// ConnectNode adds the peer behind peerAddr to the node's peer set.
func (c *Cluster) ConnectNode(ctx context.Context, handleID, peerAddr string) error {
	n, err := c.node(handleID)
	if err != nil {
		return err
	}
	idString, ok := strings.CutPrefix(peerAddr, addrPrefix)
	if !ok {
		return fmt.Errorf("malformed peer address %q", peerAddr)
	}
	peerID, err := strconv.Atoi(idString)
	if err != nil {
		return fmt.Errorf("malformed peer address %q", peerAddr)
	}
	if c.nodeByID(peerID) == nil {
		return fmt.Errorf("peer address %q: no such node", peerAddr)
	}
	n.addPeer(peerID)
	return nil
}

// MineBlocks appends count blocks to the node's chain and triggers an
// announcement. The call acknowledges mining only; propagation is up to the
// gossip loop.
func (c *Cluster) MineBlocks(ctx context.Context, handleID string, count uint64) error {
	n, err := c.node(handleID)
	if err != nil {
		return err
	}
	return n.mine(count)
}

// SendTransactions adds the transactions to the node's mempool; the gossip
// loop forwards them to peers.
func (c *Cluster) SendTransactions(ctx context.Context, handleID string, txs []libsim.TxSpec) error {
	n, err := c.node(handleID)
	if err != nil {
		return err
	}
	return n.submitTxs(len(txs))
}

// ChainTip returns the node's best block.
func (c *Cluster) ChainTip(ctx context.Context, handleID string) (libsim.ChainTip, error) {
	n, err := c.node(handleID)
	if err != nil {
		return libsim.ChainTip{}, err
	}
	return n.chainTip()
}

// MempoolSize returns the number of transactions the node has seen.
func (c *Cluster) MempoolSize(ctx context.Context, handleID string) (int, error) {
	n, err := c.node(handleID)
	if err != nil {
		return 0, err
	}
	return n.mempoolSize(), nil
}

// PeerCount returns the size of the node's peer set.
func (c *Cluster) PeerCount(ctx context.Context, handleID string) (int, error) {
	n, err := c.node(handleID)
	if err != nil {
		return 0, err
	}
	return n.peerCount(), nil
}

// SetClockOffset shifts the node's time source.
func (c *Cluster) SetClockOffset(ctx context.Context, handleID string, offsetMs int64) error {
	n, err := c.node(handleID)
	if err != nil {
		return err
	}
	n.setClockOffset(offsetMs)
	return nil
}

// NodeTime returns the node's skewed view of the current time.
func (c *Cluster) NodeTime(ctx context.Context, handleID string) (time.Time, error) {
	n, err := c.node(handleID)
	if err != nil {
		return time.Time{}, err
	}
	return n.now(), nil
}
