package libsim

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/davecgh/go-spew/spew"
)

// evaluateOutcome checks one expected outcome against live node state and
// records the verdict together with the state it was judged against.
func (h *TestHarness) evaluateOutcome(ctx context.Context, index int, outcome TestOutcome) OutcomeResult {
	res := OutcomeResult{Index: index, Kind: outcome.Kind}

	switch outcome.Kind {
	case OutcomeAllNodesSameChainTip:
		var ids []int
		for _, node := range h.mgr.Nodes() {
			ids = append(ids, node.ID)
		}
		res.Snapshot = h.snapshotTips(ctx, ids)
		res.Pass, res.Details = tipsConverged(res.Snapshot)

	case OutcomeNodesSameChainTip:
		res.Snapshot = h.snapshotTips(ctx, outcome.NodeIDs)
		res.Pass, res.Details = tipsConverged(res.Snapshot)

	case OutcomeNodesDiverged:
		ids := append(append([]int{}, outcome.GroupA...), outcome.GroupB...)
		res.Snapshot = h.snapshotTips(ctx, ids)
		okA, detailA := tipsConverged(filterSnapshot(res.Snapshot, outcome.GroupA))
		okB, detailB := tipsConverged(filterSnapshot(res.Snapshot, outcome.GroupB))
		switch {
		case !okA:
			res.Details = "group A not internally converged: " + detailA
		case !okB:
			res.Details = "group B not internally converged: " + detailB
		default:
			tipA := firstRunningTip(res.Snapshot, outcome.GroupA)
			tipB := firstRunningTip(res.Snapshot, outcome.GroupB)
			if tipA != nil && tipB != nil && tipA.Hash == tipB.Hash {
				res.Details = fmt.Sprintf("groups share tip %x at height %d", tipA.Hash[:4], tipA.Height)
			} else {
				res.Pass = true
			}
		}

	case OutcomeNodeAtHeight:
		res.Snapshot = h.snapshotTips(ctx, []int{outcome.NodeID})
		snap := res.Snapshot[outcome.NodeID]
		switch {
		case snap.Tip == nil:
			res.Details = fmt.Sprintf("node %d has no readable tip (status %s)", outcome.NodeID, snap.Status)
		case snap.Tip.Height != outcome.Height:
			res.Details = fmt.Sprintf("node %d at height %d, expected %d", outcome.NodeID, snap.Tip.Height, outcome.Height)
		default:
			res.Pass = true
		}

	case OutcomeNodeHasTransactions:
		count, err := h.queryInt(ctx, outcome.NodeID, h.mgr.backend.MempoolSize)
		if err != nil {
			res.Details = fmt.Sprintf("node %d: %v", outcome.NodeID, err)
		} else if count < outcome.MinTxCount {
			res.Details = fmt.Sprintf("node %d has %d mempool transactions, expected at least %d", outcome.NodeID, count, outcome.MinTxCount)
		} else {
			res.Pass = true
			res.Details = fmt.Sprintf("node %d has %d mempool transactions", outcome.NodeID, count)
		}

	case OutcomeNodeHasMinPeers:
		count, err := h.queryInt(ctx, outcome.NodeID, h.mgr.backend.PeerCount)
		if err != nil {
			res.Details = fmt.Sprintf("node %d: %v", outcome.NodeID, err)
		} else if count < outcome.MinPeers {
			res.Details = fmt.Sprintf("node %d has %d peers, expected at least %d", outcome.NodeID, count, outcome.MinPeers)
		} else {
			res.Pass = true
			res.Details = fmt.Sprintf("node %d has %d peers", outcome.NodeID, count)
		}

	default:
		res.Details = fmt.Sprintf("unknown outcome kind %q", outcome.Kind)
	}
	return res
}

func (h *TestHarness) queryInt(ctx context.Context, nodeID int, query func(context.Context, string) (int, error)) (int, error) {
	handle, err := h.mgr.Handle(nodeID)
	if err != nil {
		return 0, err
	}
	cctx, cancel := h.callCtx(ctx)
	defer cancel()
	return query(cctx, handle)
}

// snapshotTips reads the chain tip of every listed node. Nodes that are not
// running are included with their status but no tip.
func (h *TestHarness) snapshotTips(ctx context.Context, ids []int) map[int]TipSnapshot {
	snaps := make(map[int]TipSnapshot, len(ids))
	for _, id := range ids {
		status, err := h.mgr.Status(id)
		if err != nil {
			snaps[id] = TipSnapshot{Status: StatusFailed, Error: err.Error()}
			continue
		}
		snap := TipSnapshot{Status: status}
		if status == StatusRunning {
			handle, err := h.mgr.Handle(id)
			if err == nil {
				cctx, cancel := h.callCtx(ctx)
				tip, terr := h.mgr.backend.ChainTip(cctx, handle)
				cancel()
				if terr != nil {
					snap.Error = terr.Error()
				} else {
					snap.Tip = &tip
				}
			} else {
				snap.Error = err.Error()
			}
		}
		snaps[id] = snap
	}
	return snaps
}

// tipsConverged checks that all running nodes in the snapshot report the
// same chain tip. Non-running nodes are excluded from the comparison but
// noted in the detail text.
func tipsConverged(snaps map[int]TipSnapshot) (bool, string) {
	var (
		refID    = -1
		ref      *ChainTip
		excluded []int
	)
	ids := make([]int, 0, len(snaps))
	for id := range snaps {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		snap := snaps[id]
		if snap.Tip == nil {
			excluded = append(excluded, id)
			continue
		}
		if ref == nil {
			refID, ref = id, snap.Tip
			continue
		}
		if snap.Tip.Hash != ref.Hash {
			return false, fmt.Sprintf("node %d tip differs from node %d:\n%s", id, refID, dumpTips(snaps))
		}
	}
	if ref == nil {
		return false, "no running node reported a chain tip"
	}
	if len(excluded) > 0 {
		return true, fmt.Sprintf("converged at height %d; nodes %v excluded (not running)", ref.Height, excluded)
	}
	return true, fmt.Sprintf("converged at height %d", ref.Height)
}

func filterSnapshot(snaps map[int]TipSnapshot, ids []int) map[int]TipSnapshot {
	out := make(map[int]TipSnapshot, len(ids))
	for _, id := range ids {
		if snap, ok := snaps[id]; ok {
			out[id] = snap
		}
	}
	return out
}

func firstRunningTip(snaps map[int]TipSnapshot, ids []int) *ChainTip {
	sorted := append([]int(nil), ids...)
	sort.Ints(sorted)
	for _, id := range sorted {
		if snap, ok := snaps[id]; ok && snap.Tip != nil {
			return snap.Tip
		}
	}
	return nil
}

// dumpTips renders the snapshot for failure diagnostics.
func dumpTips(snaps map[int]TipSnapshot) string {
	ids := make([]int, 0, len(snaps))
	for id := range snaps {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var b strings.Builder
	for _, id := range ids {
		snap := snaps[id]
		switch {
		case snap.Tip != nil:
			fmt.Fprintf(&b, "  node %d (%s): height=%d hash=%x\n", id, snap.Status, snap.Tip.Height, snap.Tip.Hash[:8])
		case snap.Error != "":
			fmt.Fprintf(&b, "  node %d (%s): %s\n", id, snap.Status, snap.Error)
		default:
			fmt.Fprintf(&b, "  node %d (%s): no tip\n", id, snap.Status)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// DumpResult renders a verbose dump of a result for debugging failed runs.
func DumpResult(r *TestResult) string {
	return spew.Sdump(r)
}
