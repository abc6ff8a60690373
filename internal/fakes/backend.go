package fakes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/supernova-network/simnet/internal/libsim"
)

// BackendHooks can be used to override the behavior of the fake backend.
type BackendHooks struct {
	SpawnNode        func(opt libsim.NodeOptions) (*libsim.NodeInfo, error)
	StopNode         func(handleID string) error
	ConnectNode      func(handleID, peerAddr string) error
	MineBlocks       func(handleID string, count uint64) error
	SendTransactions func(handleID string, txs []libsim.TxSpec) error
	ChainTip         func(handleID string) (libsim.ChainTip, error)
	MempoolSize      func(handleID string) (int, error)
	PeerCount        func(handleID string) (int, error)
	SetClockOffset   func(handleID string, offsetMs int64) error
	NodeTime         func(handleID string) (time.Time, error)
}

var _ = libsim.NodeBackend(&fakeBackend{})

// fakeBackend implements NodeBackend without any real nodes.
type fakeBackend struct {
	hooks BackendHooks

	mu          sync.Mutex
	nodeCounter uint64
	offsets     map[string]int64
}

// NewNodeBackend creates a new fake node backend.
func NewNodeBackend(hooks *BackendHooks) libsim.NodeBackend {
	b := &fakeBackend{offsets: make(map[string]int64)}
	if hooks != nil {
		b.hooks = *hooks
	}
	return b
}

func (b *fakeBackend) SpawnNode(ctx context.Context, opt libsim.NodeOptions) (*libsim.NodeInfo, error) {
	if b.hooks.SpawnNode != nil {
		return b.hooks.SpawnNode(opt)
	}
	b.mu.Lock()
	b.nodeCounter++
	id := fmt.Sprintf("%0.8x", b.nodeCounter)
	b.mu.Unlock()
	return &libsim.NodeInfo{
		ID:   id,
		Addr: fmt.Sprintf("192.0.2.%d:18444", opt.ID+1),
		Wait: func() {},
	}, nil
}

func (b *fakeBackend) StopNode(handleID string) error {
	if b.hooks.StopNode != nil {
		return b.hooks.StopNode(handleID)
	}
	return nil
}

func (b *fakeBackend) ConnectNode(ctx context.Context, handleID, peerAddr string) error {
	if b.hooks.ConnectNode != nil {
		return b.hooks.ConnectNode(handleID, peerAddr)
	}
	return nil
}

func (b *fakeBackend) MineBlocks(ctx context.Context, handleID string, count uint64) error {
	if b.hooks.MineBlocks != nil {
		return b.hooks.MineBlocks(handleID, count)
	}
	return nil
}

func (b *fakeBackend) SendTransactions(ctx context.Context, handleID string, txs []libsim.TxSpec) error {
	if b.hooks.SendTransactions != nil {
		return b.hooks.SendTransactions(handleID, txs)
	}
	return nil
}

func (b *fakeBackend) ChainTip(ctx context.Context, handleID string) (libsim.ChainTip, error) {
	if b.hooks.ChainTip != nil {
		return b.hooks.ChainTip(handleID)
	}
	return libsim.ChainTip{Height: 0, Hash: common.Hash{}}, nil
}

func (b *fakeBackend) MempoolSize(ctx context.Context, handleID string) (int, error) {
	if b.hooks.MempoolSize != nil {
		return b.hooks.MempoolSize(handleID)
	}
	return 0, nil
}

func (b *fakeBackend) PeerCount(ctx context.Context, handleID string) (int, error) {
	if b.hooks.PeerCount != nil {
		return b.hooks.PeerCount(handleID)
	}
	return 0, nil
}

func (b *fakeBackend) SetClockOffset(ctx context.Context, handleID string, offsetMs int64) error {
	if b.hooks.SetClockOffset != nil {
		return b.hooks.SetClockOffset(handleID, offsetMs)
	}
	b.mu.Lock()
	b.offsets[handleID] = offsetMs
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) NodeTime(ctx context.Context, handleID string) (time.Time, error) {
	if b.hooks.NodeTime != nil {
		return b.hooks.NodeTime(handleID)
	}
	b.mu.Lock()
	offset := b.offsets[handleID]
	b.mu.Unlock()
	return time.Now().Add(time.Duration(offset) * time.Millisecond), nil
}
