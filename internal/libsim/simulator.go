package libsim

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"gopkg.in/inconshreveable/log15.v2"
)

var (
	ErrAlreadyConfigured = errors.New("simulator already configured")
	ErrNotConfigured     = errors.New("simulator not configured")
	ErrUnknownNode       = errors.New("unknown node id")
	ErrEmptyGroup        = errors.New("partition group must not be empty")
	ErrGroupOverlap      = errors.New("partition groups overlap")
)

// TransitOutcome is the verdict for one simulated message.
type TransitOutcome struct {
	Delivered bool
	Delay     time.Duration
}

// NetworkSimulator models per-link network conditions and per-node clock
// skew for one scenario run. Mutation calls take the write lock; the message
// path (SimulateTransit, NodeClock) only ever takes read locks so that
// topology changes don't serialize message delivery.
type NetworkSimulator struct {
	mu         sync.RWMutex
	cfg        SimulationConfig
	nodes      map[int]bool
	conditions map[Link]LinkCondition
	severed    map[Link]bool
	clockDrift map[int]int64 // ms, signed
	configured bool

	// Latency and loss draws share one seeded source. rngMu is separate from
	// mu so concurrent transits don't hold the condition lock while sampling.
	rngMu sync.Mutex
	rng   *rand.Rand
	seed  int64

	// Per-link virtual transmit queues for bandwidth limiting.
	queueMu sync.Mutex
	queues  map[Link]time.Time // busy-until instant
}

// NewNetworkSimulator creates an unconfigured simulator. Configure must be
// called before any transit is simulated.
func NewNetworkSimulator() *NetworkSimulator {
	return &NetworkSimulator{
		nodes:      make(map[int]bool),
		conditions: make(map[Link]LinkCondition),
		severed:    make(map[Link]bool),
		clockDrift: make(map[int]int64),
		queues:     make(map[Link]time.Time),
	}
}

// Configure installs the scenario's simulation config and node ID set. If the
// topology is partitioned, all cross-group links start severed. Configure may
// be called exactly once per simulator.
func (sim *NetworkSimulator) Configure(cfg SimulationConfig, nodeIDs []int) error {
	if err := cfg.Default.validate(); err != nil {
		return err
	}
	if err := cfg.Topology.Validate(nodeIDs); err != nil {
		return err
	}
	if cfg.Disruption != nil {
		if err := cfg.Disruption.validate(); err != nil {
			return err
		}
	}

	sim.mu.Lock()
	defer sim.mu.Unlock()
	if sim.configured {
		return ErrAlreadyConfigured
	}
	sim.cfg = cfg
	for _, id := range nodeIDs {
		sim.nodes[id] = true
	}
	if cfg.Topology.Kind == TopologyPartitioned {
		groups := cfg.Topology.Groups
		for i, ga := range groups {
			for j, gb := range groups {
				if i == j {
					continue
				}
				for _, a := range ga {
					for _, b := range gb {
						sim.severed[Link{a, b}] = true
					}
				}
			}
		}
	}
	sim.seed = cfg.Seed
	if sim.seed == 0 {
		sim.seed = time.Now().UnixNano()
	}
	sim.rng = rand.New(rand.NewSource(sim.seed))
	sim.configured = true

	log15.Info("network simulator configured", "nodes", len(nodeIDs), "topology", topologyName(cfg.Topology), "seed", sim.seed)
	return nil
}

func topologyName(t NetworkTopology) string {
	if t.Kind == "" {
		return TopologyFullyConnected
	}
	return t.Kind
}

// Seed returns the effective random seed. Valid after Configure.
func (sim *NetworkSimulator) Seed() int64 {
	sim.mu.RLock()
	defer sim.mu.RUnlock()
	return sim.seed
}

func (sim *NetworkSimulator) checkNodes(ids ...int) error {
	for _, id := range ids {
		if !sim.nodes[id] {
			return fmt.Errorf("%w: %d", ErrUnknownNode, id)
		}
	}
	return nil
}

// SetCondition merges the override into the condition of the directed link
// (from, to). Fields not present in the override keep their current value;
// a link with no prior entry starts from the configured default.
func (sim *NetworkSimulator) SetCondition(from, to int, override ConditionOverride) error {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	if !sim.configured {
		return ErrNotConfigured
	}
	if err := sim.checkNodes(from, to); err != nil {
		return err
	}

	l := Link{from, to}
	base, ok := sim.conditions[l]
	if !ok {
		base = sim.cfg.Default
	}
	cond := override.apply(base)
	if err := cond.validate(); err != nil {
		return err
	}
	sim.conditions[l] = cond

	log15.Info("set link condition", "link", l,
		"latency", cond.LatencyMeanMs, "loss", cond.PacketLossPercent, "bandwidth", cond.BandwidthLimitKbps)
	return nil
}

// RemoveCondition drops the explicit condition entry for the directed link,
// returning it to the configured default.
func (sim *NetworkSimulator) RemoveCondition(from, to int) error {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	if !sim.configured {
		return ErrNotConfigured
	}
	if err := sim.checkNodes(from, to); err != nil {
		return err
	}
	delete(sim.conditions, Link{from, to})
	return nil
}

// restoreCondition reinstates a previously snapshotted condition verbatim.
func (sim *NetworkSimulator) restoreCondition(l Link, cond LinkCondition) {
	sim.mu.Lock()
	sim.conditions[l] = cond
	sim.mu.Unlock()
}

// CreatePartition severs every link between the two groups, in both
// directions. Conditions inside each group are untouched, and the explicit
// condition map is not modified, so a matching HealPartition restores the
// exact pre-partition state.
func (sim *NetworkSimulator) CreatePartition(groupA, groupB []int) error {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	if !sim.configured {
		return ErrNotConfigured
	}
	if err := validateGroups(groupA, groupB); err != nil {
		return err
	}
	if err := sim.checkNodes(append(append([]int{}, groupA...), groupB...)...); err != nil {
		return err
	}

	for _, a := range groupA {
		for _, b := range groupB {
			sim.severed[Link{a, b}] = true
			sim.severed[Link{b, a}] = true
		}
	}
	log15.Info("created partition", "groupA", groupA, "groupB", groupB)
	return nil
}

// HealPartition removes the loss override installed by the matching
// CreatePartition call.
func (sim *NetworkSimulator) HealPartition(groupA, groupB []int) error {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	if !sim.configured {
		return ErrNotConfigured
	}
	if err := validateGroups(groupA, groupB); err != nil {
		return err
	}
	if err := sim.checkNodes(append(append([]int{}, groupA...), groupB...)...); err != nil {
		return err
	}

	for _, a := range groupA {
		for _, b := range groupB {
			delete(sim.severed, Link{a, b})
			delete(sim.severed, Link{b, a})
		}
	}
	log15.Info("healed partition", "groupA", groupA, "groupB", groupB)
	return nil
}

func validateGroups(groupA, groupB []int) error {
	if len(groupA) == 0 || len(groupB) == 0 {
		return ErrEmptyGroup
	}
	inA := make(map[int]bool, len(groupA))
	for _, id := range groupA {
		inA[id] = true
	}
	for _, id := range groupB {
		if inA[id] {
			return fmt.Errorf("%w: node %d", ErrGroupOverlap, id)
		}
	}
	return nil
}

// SetClockDrift stores a signed wall-clock offset for the node.
func (sim *NetworkSimulator) SetClockDrift(nodeID int, driftMs int64) error {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	if !sim.configured {
		return ErrNotConfigured
	}
	if err := sim.checkNodes(nodeID); err != nil {
		return err
	}
	sim.clockDrift[nodeID] = driftMs
	log15.Info("set clock drift", "node", nodeID, "drift", driftMs)
	return nil
}

// NodeClock returns the node's skewed view of the current time.
func (sim *NetworkSimulator) NodeClock(nodeID int) time.Time {
	sim.mu.RLock()
	drift := sim.clockDrift[nodeID]
	sim.mu.RUnlock()
	return time.Now().Add(time.Duration(drift) * time.Millisecond)
}

// ClockDrift returns the configured drift for a node in milliseconds.
func (sim *NetworkSimulator) ClockDrift(nodeID int) int64 {
	sim.mu.RLock()
	defer sim.mu.RUnlock()
	return sim.clockDrift[nodeID]
}

// Conditions returns a snapshot of the explicit per-link condition map.
func (sim *NetworkSimulator) Conditions() map[Link]LinkCondition {
	sim.mu.RLock()
	defer sim.mu.RUnlock()
	out := make(map[Link]LinkCondition, len(sim.conditions))
	for l, c := range sim.conditions {
		out[l] = c
	}
	return out
}

// Severed reports whether the directed link is currently cut by a partition.
func (sim *NetworkSimulator) Severed(from, to int) bool {
	sim.mu.RLock()
	defer sim.mu.RUnlock()
	return sim.severed[Link{from, to}]
}

// effectiveCondition resolves the condition for one link under the read lock.
func (sim *NetworkSimulator) effectiveCondition(l Link) (cond LinkCondition, severed, enabled bool) {
	sim.mu.RLock()
	defer sim.mu.RUnlock()
	enabled = sim.cfg.Enabled
	severed = sim.severed[l]
	cond, ok := sim.conditions[l]
	if !ok {
		cond = sim.cfg.Default
	}
	return cond, severed, enabled
}

// SimulateTransit decides the fate of one message from one node to another.
// The link condition is sampled once, at call time; later mutations never
// affect a transit that has already been decided. payloadSize is in bytes.
func (sim *NetworkSimulator) SimulateTransit(from, to int, payloadSize int) TransitOutcome {
	cond, severed, enabled := sim.effectiveCondition(Link{from, to})
	if !enabled {
		return TransitOutcome{Delivered: true}
	}
	if severed {
		return TransitOutcome{}
	}

	// Loss decision and latency draw from the shared seeded source.
	sim.rngMu.Lock()
	dropped := cond.PacketLossPercent > 0 && sim.rng.Float64()*100 < cond.PacketLossPercent
	var latency float64
	if !dropped {
		latency = float64(cond.LatencyMeanMs)
		if cond.LatencyStdDevMs > 0 {
			latency += sim.rng.NormFloat64() * float64(cond.LatencyStdDevMs)
		}
		if cond.JitterMs > 0 {
			latency += sim.rng.Float64() * float64(cond.JitterMs)
		}
	}
	sim.rngMu.Unlock()
	if dropped {
		return TransitOutcome{}
	}
	if latency < 0 {
		latency = 0
	}
	delay := time.Duration(latency * float64(time.Millisecond))

	if cond.BandwidthLimitKbps > 0 {
		delay += sim.queueDelay(Link{from, to}, payloadSize, cond.BandwidthLimitKbps)
	}
	return TransitOutcome{Delivered: true, Delay: delay}
}

// queueDelay charges the message against the link's virtual transmit queue
// and returns serialization plus queueing time.
func (sim *NetworkSimulator) queueDelay(l Link, payloadSize int, kbps uint64) time.Duration {
	bits := float64(payloadSize) * 8
	txTime := time.Duration(bits / (float64(kbps) * 1000) * float64(time.Second))

	sim.queueMu.Lock()
	defer sim.queueMu.Unlock()
	now := time.Now()
	busyUntil := sim.queues[l]
	if busyUntil.Before(now) {
		busyUntil = now
	}
	queued := busyUntil.Sub(now)
	sim.queues[l] = busyUntil.Add(txTime)
	return queued + txTime
}
