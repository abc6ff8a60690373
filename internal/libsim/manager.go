package libsim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"gopkg.in/inconshreveable/log15.v2"
)

var (
	ErrNoSuchNode    = errors.New("no such node")
	ErrNodeExists    = errors.New("node already exists")
	ErrNodeNotUp     = errors.New("node is not running")
	ErrManagerClosed = errors.New("test network already torn down")
)

// TestNodeStatus is the lifecycle state of a managed node.
type TestNodeStatus string

const (
	StatusStarting TestNodeStatus = "starting"
	StatusRunning  TestNodeStatus = "running"
	StatusStopped  TestNodeStatus = "stopped"
	StatusFailed   TestNodeStatus = "failed"
)

// TestNode is the manager's record of one spawned node.
type TestNode struct {
	ID              int               `json:"id"`
	Type            string            `json:"type"`
	Status          TestNodeStatus    `json:"status"`
	Addr            string            `json:"addr"`
	Connections     []int             `json:"connections"`
	ConfigOverrides map[string]string `json:"configOverrides,omitempty"`

	handleID string
	wait     func()
}

// TestNetManager owns the spawn/connect/teardown lifecycle of the nodes of
// one scenario run. It knows nothing about network conditions; those live in
// the NetworkSimulator.
type TestNetManager struct {
	backend NodeBackend

	mu     sync.RWMutex
	nodes  map[int]*TestNode
	closed bool
}

// NewTestNetManager creates a manager backed by the given node collaborator.
func NewTestNetManager(backend NodeBackend) *TestNetManager {
	return &TestNetManager{
		backend: backend,
		nodes:   make(map[int]*TestNode),
	}
}

// Spawn requests a new node instance from the backend. On success the node
// transitions starting -> running; on failure it is recorded as failed and
// the error is returned without retry.
func (m *TestNetManager) Spawn(ctx context.Context, setup TestNodeSetup) (*TestNode, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if _, ok := m.nodes[setup.ID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrNodeExists, setup.ID)
	}
	node := &TestNode{
		ID:              setup.ID,
		Type:            setup.Type,
		Status:          StatusStarting,
		ConfigOverrides: setup.ConfigOverrides,
	}
	m.nodes[setup.ID] = node
	m.mu.Unlock()

	info, err := m.backend.SpawnNode(ctx, NodeOptions{
		ID:              setup.ID,
		Type:            setup.Type,
		ConfigOverrides: setup.ConfigOverrides,
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		node.Status = StatusFailed
		log15.Error("node spawn failed", "node", setup.ID, "err", err)
		return nil, pkgerrors.Wrapf(err, "spawning node %d", setup.ID)
	}
	node.Status = StatusRunning
	node.Addr = info.Addr
	node.handleID = info.ID
	node.wait = info.Wait
	log15.Info("node started", "node", setup.ID, "type", setup.Type, "handle", info.ID)
	return node.copy(), nil
}

// ConnectTopology issues connect calls for both endpoints of every edge.
// Individual failures are accumulated, not short-circuited: edges that did
// connect stay connected, and the combined error lists the ones that failed.
func (m *TestNetManager) ConnectTopology(ctx context.Context, edges []Link) error {
	var errs []error
	for _, edge := range edges {
		if err := m.connect(ctx, edge.From, edge.To); err != nil {
			errs = append(errs, fmt.Errorf("edge %v: %w", edge, err))
			continue
		}
		if err := m.connect(ctx, edge.To, edge.From); err != nil {
			errs = append(errs, fmt.Errorf("edge %v: %w", edge, err))
		}
	}
	return errors.Join(errs...)
}

// connect makes the node dial its peer and records the connection.
func (m *TestNetManager) connect(ctx context.Context, id, peerID int) error {
	m.mu.RLock()
	node, ok := m.nodes[id]
	peer, peerOK := m.nodes[peerID]
	var (
		status   TestNodeStatus
		handle   string
		peerAddr string
	)
	if ok {
		status, handle = node.Status, node.handleID
	}
	if peerOK {
		peerAddr = peer.Addr
	}
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchNode, id)
	}
	if !peerOK {
		return fmt.Errorf("%w: %d", ErrNoSuchNode, peerID)
	}
	if status != StatusRunning {
		return fmt.Errorf("%w: %d", ErrNodeNotUp, id)
	}

	if err := m.backend.ConnectNode(ctx, handle, peerAddr); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range node.Connections {
		if existing == peerID {
			return nil
		}
	}
	node.Connections = append(node.Connections, peerID)
	sort.Ints(node.Connections)
	return nil
}

// Status returns the lifecycle state of a node.
func (m *TestNetManager) Status(id int) (TestNodeStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.nodes[id]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrNoSuchNode, id)
	}
	return node.Status, nil
}

// Node returns a copy of the manager's record for one node.
func (m *TestNetManager) Node(id int) (*TestNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchNode, id)
	}
	return node.copy(), nil
}

// Nodes returns copies of all node records, ordered by ID.
func (m *TestNetManager) Nodes() []*TestNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TestNode, 0, len(m.nodes))
	for _, node := range m.nodes {
		out = append(out, node.copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NodeCount returns the number of registered nodes.
func (m *TestNetManager) NodeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

// Handle resolves a node ID to its backend handle. Only running nodes have
// a usable handle.
func (m *TestNetManager) Handle(id int) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.nodes[id]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrNoSuchNode, id)
	}
	if node.Status != StatusRunning {
		return "", fmt.Errorf("%w: %d", ErrNodeNotUp, id)
	}
	return node.handleID, nil
}

// StopNode stops a single node and marks it stopped. Used by the
// set_node_status step.
func (m *TestNetManager) StopNode(id int) error {
	m.mu.Lock()
	node, ok := m.nodes[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNoSuchNode, id)
	}
	if node.Status != StatusRunning {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNodeNotUp, id)
	}
	handle, wait := node.handleID, node.wait
	node.Status = StatusStopped
	m.mu.Unlock()

	if err := m.backend.StopNode(handle); err != nil {
		return pkgerrors.Wrapf(err, "stopping node %d", id)
	}
	if wait != nil {
		wait()
	}
	log15.Info("node stopped", "node", id)
	return nil
}

// TeardownAll stops every node regardless of status and drops all records.
// Individual stop failures are collected and returned, never propagated as
// a failure of the teardown itself. After this call no node handle remains
// referenced by the manager.
func (m *TestNetManager) TeardownAll() []error {
	m.mu.Lock()
	nodes := make([]*TestNode, 0, len(m.nodes))
	for _, node := range m.nodes {
		nodes = append(nodes, node)
	}
	m.nodes = make(map[int]*TestNode)
	m.closed = true
	m.mu.Unlock()

	var errs []error
	for _, node := range nodes {
		if node.handleID == "" || node.Status == StatusStopped {
			continue
		}
		if err := m.backend.StopNode(node.handleID); err != nil {
			errs = append(errs, fmt.Errorf("node %d: %w", node.ID, err))
			continue
		}
		if node.wait != nil {
			node.wait()
		}
	}
	log15.Info("test network torn down", "nodes", len(nodes), "errors", len(errs))
	return errs
}

func (n *TestNode) copy() *TestNode {
	c := *n
	c.Connections = append([]int(nil), n.Connections...)
	return &c
}
