package libsim

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// NodeBackend captures the node-control interactions of the harness. The
// engine never inspects node internals; everything it knows about a node
// flows through this interface.
type NodeBackend interface {
	// SpawnNode starts a new node instance and returns its handle.
	SpawnNode(ctx context.Context, opt NodeOptions) (*NodeInfo, error)
	// StopNode stops the node with the given handle ID.
	StopNode(handleID string) error
	// ConnectNode instructs the node to dial the given peer address.
	ConnectNode(ctx context.Context, handleID, peerAddr string) error

	// MineBlocks asks the node to produce count blocks. The call returns on
	// acknowledgment; it does not wait for network propagation.
	MineBlocks(ctx context.Context, handleID string, count uint64) error
	// SendTransactions submits transactions to the node's mempool.
	SendTransactions(ctx context.Context, handleID string, txs []TxSpec) error

	// ChainTip returns the node's current best block.
	ChainTip(ctx context.Context, handleID string) (ChainTip, error)
	// MempoolSize returns the number of pending transactions on the node.
	MempoolSize(ctx context.Context, handleID string) (int, error)
	// PeerCount returns the number of peers the node is connected to.
	PeerCount(ctx context.Context, handleID string) (int, error)

	// SetClockOffset shifts the node's time source by the given signed offset.
	SetClockOffset(ctx context.Context, handleID string, offsetMs int64) error
	// NodeTime returns the node's own view of the current time.
	NodeTime(ctx context.Context, handleID string) (time.Time, error)
}

// This error is returned by backend methods when the handle is not known.
var ErrNoSuchHandle = errors.New("no such node handle")

// NodeOptions contains the launch parameters for a node instance.
type NodeOptions struct {
	// Logical node ID assigned by the test network.
	ID int
	// Node type: miner, full or light.
	Type string
	// Free-form configuration overrides passed to the node.
	ConfigOverrides map[string]string
}

// NodeInfo is returned by SpawnNode.
type NodeInfo struct {
	ID   string // backend handle ID
	Addr string // peer address other nodes can dial

	// Wait returns when the node has shut down. Must be called for every
	// spawned node to avoid resource leaks.
	Wait func()
}

// ChainTip is the height/hash pair identifying a node's best block.
type ChainTip struct {
	Height uint64      `json:"height"`
	Hash   common.Hash `json:"hash"`
}

// TxSpec describes one transaction to submit in a SendTransactions step.
type TxSpec struct {
	From   int    `json:"from" yaml:"from"`
	To     int    `json:"to" yaml:"to"`
	Amount uint64 `json:"amount" yaml:"amount"`
}
