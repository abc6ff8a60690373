package simnode

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/supernova-network/simnet/internal/libsim"
)

// All chains grow from the same genesis block, so freshly spawned nodes
// already agree at height zero.
var genesisHash = crypto.Keccak256Hash([]byte("supernova-simnet-genesis"))

// txID identifies a transaction for gossip deduplication.
type txID struct {
	Node int
	Seq  int
}

// message is one gossip payload: the sender's full chain plus the
// transaction IDs it has seen.
type message struct {
	from  int
	chain []common.Hash
	txs   []txID
}

func (m *message) size() int {
	return 128 + 32*len(m.chain) + 16*len(m.txs)
}

type node struct {
	cluster *Cluster
	id      int
	handle  string
	typ     string

	inbox   chan message
	quit    chan struct{}
	stopped chan struct{}
	closer  sync.Once

	mu          sync.Mutex
	chain       []common.Hash // index = height
	txSeen      map[txID]bool
	txSeq       int
	peers       map[int]bool
	clockOffset time.Duration
}

func newNode(c *Cluster, id int, handle, typ string) *node {
	return &node{
		cluster: c,
		id:      id,
		handle:  handle,
		typ:     typ,
		inbox:   make(chan message, 64),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		chain:   []common.Hash{genesisHash},
		txSeen:  make(map[txID]bool),
		peers:   make(map[int]bool),
	}
}

// run is the node's main loop: handle incoming gossip and periodically
// re-announce the tip to all peers.
func (n *node) run() {
	defer close(n.stopped)

	ticker := time.NewTicker(n.cluster.cfg.GossipInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.quit:
			return
		case msg := <-n.inbox:
			n.receive(msg)
		case <-ticker.C:
			n.broadcast()
		}
	}
}

func (n *node) stop() {
	n.closer.Do(func() { close(n.quit) })
}

func (n *node) waitStopped() {
	<-n.stopped
}

func (n *node) addPeer(peerID int) {
	n.mu.Lock()
	n.peers[peerID] = true
	n.mu.Unlock()
}

func (n *node) peerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.peers)
}

func (n *node) setClockOffset(offsetMs int64) {
	n.mu.Lock()
	n.clockOffset = time.Duration(offsetMs) * time.Millisecond
	n.mu.Unlock()
}

func (n *node) now() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return time.Now().Add(n.clockOffset)
}

func (n *node) chainTip() (libsim.ChainTip, error) {
	select {
	case <-n.quit:
		return libsim.ChainTip{}, fmt.Errorf("node %d is stopped", n.id)
	default:
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return libsim.ChainTip{
		Height: uint64(len(n.chain) - 1),
		Hash:   n.chain[len(n.chain)-1],
	}, nil
}

func (n *node) mempoolSize() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.txSeen)
}

// mine appends count blocks to the local chain and announces the new tip.
func (n *node) mine(count uint64) error {
	select {
	case <-n.quit:
		return fmt.Errorf("node %d is stopped", n.id)
	default:
	}

	n.mu.Lock()
	for i := uint64(0); i < count; i++ {
		parent := n.chain[len(n.chain)-1]
		var seed [16]byte
		binary.BigEndian.PutUint64(seed[:8], uint64(len(n.chain)))
		binary.BigEndian.PutUint64(seed[8:], uint64(n.id))
		n.chain = append(n.chain, crypto.Keccak256Hash(parent.Bytes(), seed[:]))
	}
	n.mu.Unlock()

	go n.broadcast()
	return nil
}

// submitTxs adds locally originated transactions to the mempool.
func (n *node) submitTxs(count int) error {
	select {
	case <-n.quit:
		return fmt.Errorf("node %d is stopped", n.id)
	default:
	}

	n.mu.Lock()
	for i := 0; i < count; i++ {
		n.txSeq++
		n.txSeen[txID{Node: n.id, Seq: n.txSeq}] = true
	}
	n.mu.Unlock()

	go n.broadcast()
	return nil
}

// broadcast sends the node's current chain and transaction set to every
// peer. Each send passes through the network simulator; dropped messages
// are simply lost, the periodic re-announce retries.
func (n *node) broadcast() {
	n.mu.Lock()
	msg := message{
		from:  n.id,
		chain: append([]common.Hash(nil), n.chain...),
		txs:   make([]txID, 0, len(n.txSeen)),
	}
	for id := range n.txSeen {
		msg.txs = append(msg.txs, id)
	}
	peers := make([]int, 0, len(n.peers))
	for id := range n.peers {
		peers = append(peers, id)
	}
	n.mu.Unlock()

	for _, peerID := range peers {
		go n.sendTo(peerID, msg)
	}
}

// sendTo routes one message through the simulator and delivers it after the
// simulated delay. The transit verdict is decided at send time; condition
// changes made afterwards don't affect this message.
func (n *node) sendTo(peerID int, msg message) {
	outcome := n.cluster.sim.SimulateTransit(n.id, peerID, msg.size())
	if !outcome.Delivered {
		return
	}
	if outcome.Delay > 0 {
		timer := time.NewTimer(outcome.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-n.quit:
			return
		}
	}
	peer := n.cluster.nodeByID(peerID)
	if peer == nil {
		return
	}
	peer.deliver(msg)
}

// deliver hands a message to the node's inbox. Messages to stopped nodes or
// past a full inbox are dropped; the periodic re-announce covers the gap.
func (n *node) deliver(msg message) {
	select {
	case <-n.quit:
	case n.inbox <- msg:
	default:
	}
}

// receive applies one gossip message: adopt a longer chain, merge unseen
// transactions.
func (n *node) receive(msg message) {
	n.mu.Lock()
	if len(msg.chain) > len(n.chain) {
		n.chain = append([]common.Hash(nil), msg.chain...)
	}
	for _, id := range msg.txs {
		n.txSeen[id] = true
	}
	n.mu.Unlock()
}
