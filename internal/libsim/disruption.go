package libsim

import (
	"context"
	"math/rand"
	"time"

	"gopkg.in/inconshreveable/log15.v2"
)

// startDisruption launches the scenario's background disruption loop and
// returns a stop function. Every schedule period a random subset of nodes
// has its links degraded for the schedule duration, then restored to the
// exact prior state.
func (h *TestHarness) startDisruption(ctx context.Context, scenario *TestScenario) func() {
	schedule := *scenario.Network.Disruption
	ids := scenario.NodeIDs()

	dctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.disruptionLoop(dctx, schedule, ids)
	}()
	return func() {
		cancel()
		<-done
	}
}

func (h *TestHarness) disruptionLoop(ctx context.Context, schedule DisruptionSchedule, ids []int) {
	// Independent source so disruption choices don't perturb the transit
	// sampling sequence, while staying reproducible for a given seed.
	rng := rand.New(rand.NewSource(h.sim.Seed() + 1))

	ticker := time.NewTicker(time.Duration(schedule.FrequencySecs) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		affected := pickAffected(rng, ids, schedule.AffectedNodesPercent)
		if len(affected) == 0 {
			continue
		}
		restore := h.applyDisruption(schedule, affected, ids)
		log15.Info("disruption applied", "type", schedule.Type, "nodes", affected,
			"duration", time.Duration(schedule.DurationSecs)*time.Second)

		select {
		case <-ctx.Done():
			restore()
			return
		case <-time.After(time.Duration(schedule.DurationSecs) * time.Second):
			restore()
			log15.Info("disruption lifted", "type", schedule.Type, "nodes", affected)
		}
	}
}

func pickAffected(rng *rand.Rand, ids []int, percent float64) []int {
	count := int(float64(len(ids)) * percent / 100)
	if count == 0 {
		count = 1
	}
	// A schedule covering every node would leave no other side to partition
	// against; at least one node always stays untouched.
	if count >= len(ids) {
		count = len(ids) - 1
	}
	shuffled := append([]int(nil), ids...)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	affected := shuffled[:count]
	return affected
}

// applyDisruption degrades the links touching the affected nodes and returns
// a function restoring the prior state.
func (h *TestHarness) applyDisruption(schedule DisruptionSchedule, affected, all []int) func() {
	rest := make([]int, 0, len(all))
	inAffected := make(map[int]bool, len(affected))
	for _, id := range affected {
		inAffected[id] = true
	}
	for _, id := range all {
		if !inAffected[id] {
			rest = append(rest, id)
		}
	}

	if schedule.Type == DisruptionDisconnect {
		if err := h.sim.CreatePartition(affected, rest); err != nil {
			log15.Error("disruption partition failed", "err", err)
			return func() {}
		}
		return func() {
			if err := h.sim.HealPartition(affected, rest); err != nil {
				log15.Error("disruption heal failed", "err", err)
			}
		}
	}

	var override ConditionOverride
	value := schedule.Value
	switch schedule.Type {
	case DisruptionHighLatency:
		override.LatencyMeanMs = &value
	case DisruptionPacketLoss:
		loss := float64(value)
		override.PacketLossPercent = &loss
	case DisruptionLimitedBandwidth:
		override.BandwidthLimitKbps = &value
	}

	// Snapshot explicit conditions so restore puts back exactly what was
	// there, including the absence of an entry.
	prior := h.sim.Conditions()
	var links []Link
	for _, a := range affected {
		for _, b := range rest {
			links = append(links, Link{a, b}, Link{b, a})
		}
	}
	for _, l := range links {
		if err := h.sim.SetCondition(l.From, l.To, override); err != nil {
			log15.Error("disruption condition failed", "link", l, "err", err)
		}
	}
	return func() {
		for _, l := range links {
			if cond, ok := prior[l]; ok {
				h.sim.restoreCondition(l, cond)
			} else {
				h.sim.RemoveCondition(l.From, l.To)
			}
		}
	}
}
