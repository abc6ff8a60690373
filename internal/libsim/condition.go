package libsim

import (
	"fmt"
	"sort"
)

// Topology kinds
const (
	TopologyFullyConnected = "full"
	TopologyPartitioned    = "partitioned"
)

// Link identifies the directed connection between two nodes.
type Link struct {
	From int `json:"from"`
	To   int `json:"to"`
}

func (l Link) String() string {
	return fmt.Sprintf("%d->%d", l.From, l.To)
}

// LinkCondition describes the simulated quality of one directed link.
// The zero value is an ideal link: no latency, no loss, unlimited bandwidth.
type LinkCondition struct {
	LatencyMeanMs      uint64  `json:"latencyMeanMs" yaml:"latency_ms_mean"`
	LatencyStdDevMs    uint64  `json:"latencyStdDevMs" yaml:"latency_ms_std_dev"`
	PacketLossPercent  float64 `json:"packetLossPercent" yaml:"packet_loss_percent"`
	BandwidthLimitKbps uint64  `json:"bandwidthLimitKbps" yaml:"bandwidth_limit_kbps"` // 0 = unlimited
	JitterMs           uint64  `json:"jitterMs" yaml:"jitter_ms"`
}

func (c LinkCondition) validate() error {
	if c.PacketLossPercent < 0 || c.PacketLossPercent > 100 {
		return fmt.Errorf("packet loss %v%% out of range [0,100]", c.PacketLossPercent)
	}
	return nil
}

// ConditionOverride carries a partial update for a link condition.
// Nil fields leave the existing value unchanged.
type ConditionOverride struct {
	LatencyMeanMs      *uint64  `json:"latencyMeanMs,omitempty" yaml:"latency_ms_mean,omitempty"`
	LatencyStdDevMs    *uint64  `json:"latencyStdDevMs,omitempty" yaml:"latency_ms_std_dev,omitempty"`
	PacketLossPercent  *float64 `json:"packetLossPercent,omitempty" yaml:"packet_loss_percent,omitempty"`
	BandwidthLimitKbps *uint64  `json:"bandwidthLimitKbps,omitempty" yaml:"bandwidth_limit_kbps,omitempty"`
	JitterMs           *uint64  `json:"jitterMs,omitempty" yaml:"jitter_ms,omitempty"`
}

func (o ConditionOverride) apply(c LinkCondition) LinkCondition {
	if o.LatencyMeanMs != nil {
		c.LatencyMeanMs = *o.LatencyMeanMs
	}
	if o.LatencyStdDevMs != nil {
		c.LatencyStdDevMs = *o.LatencyStdDevMs
	}
	if o.PacketLossPercent != nil {
		c.PacketLossPercent = *o.PacketLossPercent
	}
	if o.BandwidthLimitKbps != nil {
		c.BandwidthLimitKbps = *o.BandwidthLimitKbps
	}
	if o.JitterMs != nil {
		c.JitterMs = *o.JitterMs
	}
	return c
}

// NetworkTopology restricts which links carry traffic when the simulation
// starts. With kind "partitioned", Groups must be a true partition of the
// scenario's node ID set and all cross-group links start at 100% loss.
type NetworkTopology struct {
	Kind   string  `json:"kind" yaml:"kind"`
	Groups [][]int `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// Validate checks the topology against the set of active node IDs.
func (t NetworkTopology) Validate(nodeIDs []int) error {
	switch t.Kind {
	case "", TopologyFullyConnected:
		if len(t.Groups) > 0 {
			return fmt.Errorf("topology %q must not declare groups", TopologyFullyConnected)
		}
		return nil
	case TopologyPartitioned:
		if len(t.Groups) == 0 {
			return fmt.Errorf("topology %q requires at least one group", TopologyPartitioned)
		}
		seen := make(map[int]bool)
		for _, group := range t.Groups {
			if len(group) == 0 {
				return fmt.Errorf("topology group must not be empty")
			}
			for _, id := range group {
				if seen[id] {
					return fmt.Errorf("node %d appears in more than one topology group", id)
				}
				seen[id] = true
			}
		}
		for _, id := range nodeIDs {
			if !seen[id] {
				return fmt.Errorf("node %d missing from topology groups", id)
			}
		}
		if len(seen) != len(nodeIDs) {
			extra := make([]int, 0, len(seen))
			known := make(map[int]bool, len(nodeIDs))
			for _, id := range nodeIDs {
				known[id] = true
			}
			for id := range seen {
				if !known[id] {
					extra = append(extra, id)
				}
			}
			sort.Ints(extra)
			return fmt.Errorf("topology groups reference unknown nodes %v", extra)
		}
		return nil
	default:
		return fmt.Errorf("unknown topology kind %q", t.Kind)
	}
}

// SimulationConfig is the per-scenario network simulation setup. It is
// installed once through NetworkSimulator.Configure and only changed
// afterwards through explicit mutation calls.
type SimulationConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Default condition for links without an explicit entry.
	Default LinkCondition `json:"default" yaml:"default"`

	Topology NetworkTopology `json:"topology" yaml:"topology"`

	// Seed for the latency/loss random source. Zero means derive a seed from
	// the wall clock; the effective seed is always logged and recorded in the
	// run result so failures can be replayed.
	Seed int64 `json:"seed,omitempty" yaml:"seed,omitempty"`

	// Optional periodic background disruption, applied while the scenario
	// runs.
	Disruption *DisruptionSchedule `json:"disruption,omitempty" yaml:"disruption,omitempty"`
}

// Disruption types
const (
	DisruptionDisconnect       = "disconnect"
	DisruptionHighLatency      = "high_latency"
	DisruptionPacketLoss       = "packet_loss"
	DisruptionLimitedBandwidth = "limited_bandwidth"
)

// DisruptionSchedule describes recurring connectivity trouble: every
// Frequency, a random subset of links is degraded for Duration and then
// restored.
type DisruptionSchedule struct {
	FrequencySecs        uint64  `json:"frequencySecs" yaml:"frequency_secs"`
	DurationSecs         uint64  `json:"durationSecs" yaml:"duration_secs"`
	AffectedNodesPercent float64 `json:"affectedNodesPercent" yaml:"affected_nodes_percent"`
	Type                 string  `json:"type" yaml:"type"`

	// Parameter for the disruption type: latency in ms, loss percent, or
	// bandwidth in kbps depending on Type. Ignored for "disconnect".
	Value uint64 `json:"value,omitempty" yaml:"value,omitempty"`
}

func (d *DisruptionSchedule) validate() error {
	if d.FrequencySecs == 0 || d.DurationSecs == 0 {
		return fmt.Errorf("disruption frequency and duration must be non-zero")
	}
	if d.AffectedNodesPercent <= 0 || d.AffectedNodesPercent > 100 {
		return fmt.Errorf("disruption affected percent %v out of range (0,100]", d.AffectedNodesPercent)
	}
	switch d.Type {
	case DisruptionDisconnect, DisruptionHighLatency, DisruptionPacketLoss, DisruptionLimitedBandwidth:
		return nil
	default:
		return fmt.Errorf("unknown disruption type %q", d.Type)
	}
}
