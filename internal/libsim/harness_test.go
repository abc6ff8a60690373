package libsim_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/supernova-network/simnet/internal/fakes"
	"github.com/supernova-network/simnet/internal/libsim"
)

// trackingHooks builds backend hooks with predictable handles ("n0", "n1",
// ...) and records the calls the harness makes.
type trackingHooks struct {
	mu       sync.Mutex
	spawned  []int
	stopped  []string
	mined    map[string]uint64
	sent     map[string][]libsim.TxSpec
	offsets  map[string]int64
	tips     map[string]libsim.ChainTip
	spawnErr map[int]error
	mineErr  map[string]error
}

func newTrackingHooks() *trackingHooks {
	return &trackingHooks{
		mined:    make(map[string]uint64),
		sent:     make(map[string][]libsim.TxSpec),
		offsets:  make(map[string]int64),
		tips:     make(map[string]libsim.ChainTip),
		spawnErr: make(map[int]error),
		mineErr:  make(map[string]error),
	}
}

func (h *trackingHooks) setTip(nodeID int, height uint64, hash common.Hash) {
	h.mu.Lock()
	h.tips[fmt.Sprintf("n%d", nodeID)] = libsim.ChainTip{Height: height, Hash: hash}
	h.mu.Unlock()
}

func (h *trackingHooks) backend() *fakes.BackendHooks {
	return &fakes.BackendHooks{
		SpawnNode: func(opt libsim.NodeOptions) (*libsim.NodeInfo, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			if err := h.spawnErr[opt.ID]; err != nil {
				return nil, err
			}
			h.spawned = append(h.spawned, opt.ID)
			id := fmt.Sprintf("n%d", opt.ID)
			return &libsim.NodeInfo{ID: id, Addr: id + ":18444", Wait: func() {}}, nil
		},
		StopNode: func(handleID string) error {
			h.mu.Lock()
			h.stopped = append(h.stopped, handleID)
			h.mu.Unlock()
			return nil
		},
		MineBlocks: func(handleID string, count uint64) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			if err := h.mineErr[handleID]; err != nil {
				return err
			}
			h.mined[handleID] += count
			return nil
		},
		SendTransactions: func(handleID string, txs []libsim.TxSpec) error {
			h.mu.Lock()
			h.sent[handleID] = append(h.sent[handleID], txs...)
			h.mu.Unlock()
			return nil
		},
		ChainTip: func(handleID string) (libsim.ChainTip, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			tip, ok := h.tips[handleID]
			if !ok {
				return libsim.ChainTip{}, fmt.Errorf("no tip for %s", handleID)
			}
			return tip, nil
		},
		MempoolSize: func(handleID string) (int, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			return len(h.sent[handleID]), nil
		},
		PeerCount: func(handleID string) (int, error) {
			return 2, nil
		},
		SetClockOffset: func(handleID string, offsetMs int64) error {
			h.mu.Lock()
			h.offsets[handleID] = offsetMs
			h.mu.Unlock()
			return nil
		},
	}
}

func (h *trackingHooks) factory() libsim.BackendFactory {
	return func(sim *libsim.NetworkSimulator) libsim.NodeBackend {
		return fakes.NewNodeBackend(h.backend())
	}
}

func twoNodeScenario() *libsim.TestScenario {
	return &libsim.TestScenario{
		Name:    "two-nodes",
		Network: libsim.SimulationConfig{Enabled: true, Seed: 1},
		InitialNodes: []libsim.TestNodeSetup{
			{ID: 0, Type: libsim.NodeTypeMiner, InitialConnections: []int{1}},
			{ID: 1, Type: libsim.NodeTypeFull},
		},
	}
}

func TestHarnessRunPass(t *testing.T) {
	hooks := newTrackingHooks()
	tip := common.HexToHash("0xabcd")
	hooks.setTip(0, 7, tip)
	hooks.setTip(1, 7, tip)

	scenario := twoNodeScenario()
	scenario.Steps = []libsim.TestStep{
		{Kind: libsim.StepMineBlocks, NodeIDs: []int{0}, BlockCount: 7},
		{Kind: libsim.StepWait, Duration: libsim.Duration(time.Millisecond)},
	}
	scenario.ExpectedOutcomes = []libsim.TestOutcome{
		{Kind: libsim.OutcomeAllNodesSameChainTip},
		{Kind: libsim.OutcomeNodeAtHeight, NodeID: 1, Height: 7},
		{Kind: libsim.OutcomeNodeHasMinPeers, NodeID: 0, MinPeers: 1},
	}

	h := libsim.NewTestHarness(libsim.DefaultHarnessConfig(), hooks.factory())
	result := h.RunScenario(context.Background(), scenario)

	if !result.Pass {
		t.Fatalf("run failed: %s", libsim.DumpResult(result))
	}
	if result.Status != libsim.RunPassed || h.Status() != libsim.RunPassed {
		t.Errorf("status %q / %q, want passed", result.Status, h.Status())
	}
	if len(result.Steps) != 2 || result.Steps[0].Error != "" {
		t.Errorf("unexpected step results: %+v", result.Steps)
	}
	if len(result.Outcomes) != 3 {
		t.Fatalf("%d outcome results, want 3", len(result.Outcomes))
	}
	for _, o := range result.Outcomes {
		if !o.Pass {
			t.Errorf("outcome %d (%s) failed: %s", o.Index, o.Kind, o.Details)
		}
	}
	if result.Seed != 1 {
		t.Errorf("result seed %d, want 1", result.Seed)
	}
	if hooks.mined["n0"] != 7 {
		t.Errorf("node 0 mined %d blocks, want 7", hooks.mined["n0"])
	}
	// Teardown stopped both nodes.
	if len(hooks.stopped) != 2 {
		t.Errorf("stopped handles %v, want both nodes", hooks.stopped)
	}
	if h.Manager().NodeCount() != 0 {
		t.Errorf("%d nodes left after teardown", h.Manager().NodeCount())
	}
}

func TestHarnessRejectsInvalidScenario(t *testing.T) {
	hooks := newTrackingHooks()
	scenario := twoNodeScenario()
	scenario.Steps = []libsim.TestStep{{Kind: "explode"}}

	h := libsim.NewTestHarness(libsim.DefaultHarnessConfig(), hooks.factory())
	result := h.RunScenario(context.Background(), scenario)

	if result.Pass || result.Status != libsim.RunFailed {
		t.Fatalf("invalid scenario produced %+v", result)
	}
	if !strings.Contains(result.SetupError, "invalid scenario configuration") {
		t.Errorf("setup error %q does not name the validation failure", result.SetupError)
	}
	// Rejection happens before any side effect.
	if len(hooks.spawned) != 0 || len(hooks.stopped) != 0 {
		t.Errorf("rejected scenario touched the backend: spawned %v stopped %v", hooks.spawned, hooks.stopped)
	}
}

func TestHarnessSpawnFailureTeardown(t *testing.T) {
	hooks := newTrackingHooks()
	hooks.spawnErr[2] = fmt.Errorf("out of disk")

	scenario := &libsim.TestScenario{
		Name: "spawn-fail",
		InitialNodes: []libsim.TestNodeSetup{
			{ID: 0, Type: libsim.NodeTypeMiner},
			{ID: 1, Type: libsim.NodeTypeFull},
			{ID: 2, Type: libsim.NodeTypeFull},
		},
	}

	h := libsim.NewTestHarness(libsim.DefaultHarnessConfig(), hooks.factory())
	result := h.RunScenario(context.Background(), scenario)

	if result.Pass || result.Status != libsim.RunFailed {
		t.Fatalf("failed spawn produced %+v", result)
	}
	if !strings.Contains(result.SetupError, "out of disk") {
		t.Errorf("setup error %q does not carry the spawn failure", result.SetupError)
	}
	// The two nodes that did start are released again.
	if len(hooks.stopped) != 2 {
		t.Errorf("stopped handles %v, want the two started nodes", hooks.stopped)
	}
	if h.Manager().NodeCount() != 0 {
		t.Errorf("%d nodes left after failed run", h.Manager().NodeCount())
	}
}

func TestHarnessContinuesAfterStepFailure(t *testing.T) {
	hooks := newTrackingHooks()
	hooks.mineErr["n0"] = fmt.Errorf("miner wedged")
	tip := common.HexToHash("0x01")
	hooks.setTip(0, 0, tip)
	hooks.setTip(1, 0, tip)

	scenario := twoNodeScenario()
	scenario.Steps = []libsim.TestStep{
		{Kind: libsim.StepMineBlocks, NodeIDs: []int{0}, BlockCount: 1},
		{Kind: libsim.StepMineBlocks, NodeIDs: []int{1}, BlockCount: 2},
	}
	scenario.ExpectedOutcomes = []libsim.TestOutcome{
		{Kind: libsim.OutcomeAllNodesSameChainTip},
	}

	h := libsim.NewTestHarness(libsim.DefaultHarnessConfig(), hooks.factory())
	result := h.RunScenario(context.Background(), scenario)

	if len(result.Steps) != 2 {
		t.Fatalf("%d step results, want 2 (execution continues past failures)", len(result.Steps))
	}
	if result.Steps[0].Error == "" || result.Steps[1].Error != "" {
		t.Errorf("unexpected step errors: %+v", result.Steps)
	}
	if hooks.mined["n1"] != 2 {
		t.Errorf("step after failure did not run: mined %v", hooks.mined)
	}
	if errs := result.StepErrors(); len(errs) != 1 {
		t.Errorf("StepErrors = %v, want exactly the wedged miner", errs)
	}
	// Step failures are diagnostics; the verdict comes from the outcomes.
	if !result.Pass {
		t.Errorf("run failed although all outcomes held: %s", libsim.DumpResult(result))
	}
}

func TestHarnessAbortOnStepFailure(t *testing.T) {
	hooks := newTrackingHooks()
	hooks.mineErr["n0"] = fmt.Errorf("miner wedged")

	scenario := twoNodeScenario()
	scenario.Steps = []libsim.TestStep{
		{Kind: libsim.StepMineBlocks, NodeIDs: []int{0}, BlockCount: 1},
		{Kind: libsim.StepMineBlocks, NodeIDs: []int{1}, BlockCount: 2},
		{Kind: libsim.StepWait, Duration: libsim.Duration(time.Millisecond)},
	}

	cfg := libsim.DefaultHarnessConfig()
	cfg.AbortOnStepFailure = true
	h := libsim.NewTestHarness(cfg, hooks.factory())
	result := h.RunScenario(context.Background(), scenario)

	if len(result.Steps) != 1 {
		t.Fatalf("%d step results, want 1 (abort after first failure)", len(result.Steps))
	}
	if hooks.mined["n1"] != 0 {
		t.Errorf("aborted run still mined on node 1")
	}
	// No outcomes declared and no setup error: the run passes.
	if !result.Pass {
		t.Errorf("run failed: %s", libsim.DumpResult(result))
	}
}

func TestHarnessSimulatorSteps(t *testing.T) {
	hooks := newTrackingHooks()
	tip := common.HexToHash("0x02")
	hooks.setTip(0, 0, tip)
	hooks.setTip(1, 0, tip)

	lat := uint64(150)
	scenario := twoNodeScenario()
	scenario.Steps = []libsim.TestStep{
		{Kind: libsim.StepSetNetworkCondition, FromNode: 0, ToNode: 1,
			Condition: libsim.ConditionOverride{LatencyMeanMs: &lat}},
		{Kind: libsim.StepCreatePartition, GroupA: []int{0}, GroupB: []int{1}},
		{Kind: libsim.StepHealPartition, GroupA: []int{0}, GroupB: []int{1}},
		{Kind: libsim.StepSetClockDrift, NodeID: 1, DriftMs: 3000},
	}

	h := libsim.NewTestHarness(libsim.DefaultHarnessConfig(), hooks.factory())
	result := h.RunScenario(context.Background(), scenario)

	for _, sr := range result.Steps {
		if sr.Error != "" {
			t.Errorf("step %d (%s) failed: %s", sr.Index, sr.Kind, sr.Error)
		}
	}
	sim := h.Simulator()
	if cond := sim.Conditions()[libsim.Link{From: 0, To: 1}]; cond.LatencyMeanMs != 150 {
		t.Errorf("condition not applied: %+v", cond)
	}
	if sim.Severed(0, 1) {
		t.Error("link still severed after heal step")
	}
	if drift := sim.ClockDrift(1); drift != 3000 {
		t.Errorf("simulator drift %d, want 3000", drift)
	}
	if hooks.offsets["n1"] != 3000 {
		t.Errorf("backend offset %d, want 3000", hooks.offsets["n1"])
	}
}

func TestHarnessSetNodeStatus(t *testing.T) {
	hooks := newTrackingHooks()
	tip := common.HexToHash("0x03")
	hooks.setTip(0, 4, tip)
	hooks.setTip(1, 4, tip)

	scenario := twoNodeScenario()
	scenario.Steps = []libsim.TestStep{
		{Kind: libsim.StepSetNodeStatus, NodeID: 1, Status: string(libsim.StatusStopped)},
	}
	scenario.ExpectedOutcomes = []libsim.TestOutcome{
		{Kind: libsim.OutcomeAllNodesSameChainTip},
		{Kind: libsim.OutcomeNodeAtHeight, NodeID: 0, Height: 4},
	}

	h := libsim.NewTestHarness(libsim.DefaultHarnessConfig(), hooks.factory())
	result := h.RunScenario(context.Background(), scenario)

	if !result.Pass {
		t.Fatalf("run failed: %s", libsim.DumpResult(result))
	}
	// The stopped node is excluded from convergence, not counted against it.
	conv := result.Outcomes[0]
	if !conv.Pass || !strings.Contains(conv.Details, "excluded") {
		t.Errorf("convergence outcome %+v, want pass with node 1 excluded", conv)
	}
	if snap := conv.Snapshot[1]; snap.Status != libsim.StatusStopped || snap.Tip != nil {
		t.Errorf("snapshot of stopped node: %+v", snap)
	}
}

func TestHarnessDivergenceOutcome(t *testing.T) {
	hooks := newTrackingHooks()
	hooks.setTip(0, 3, common.HexToHash("0xaa"))
	hooks.setTip(1, 5, common.HexToHash("0xbb"))

	scenario := twoNodeScenario()
	scenario.ExpectedOutcomes = []libsim.TestOutcome{
		{Kind: libsim.OutcomeNodesDiverged, GroupA: []int{0}, GroupB: []int{1}},
	}

	h := libsim.NewTestHarness(libsim.DefaultHarnessConfig(), hooks.factory())
	result := h.RunScenario(context.Background(), scenario)
	if !result.Pass {
		t.Fatalf("diverged groups not detected: %s", libsim.DumpResult(result))
	}

	// Same tips on both sides must fail the divergence outcome.
	hooks.setTip(1, 3, common.HexToHash("0xaa"))
	h = libsim.NewTestHarness(libsim.DefaultHarnessConfig(), hooks.factory())
	result = h.RunScenario(context.Background(), scenario)
	if result.Pass {
		t.Fatal("identical tips passed a divergence outcome")
	}
	if !strings.Contains(result.Outcomes[0].Details, "share tip") {
		t.Errorf("details %q do not explain the shared tip", result.Outcomes[0].Details)
	}
}

func TestHarnessMempoolOutcome(t *testing.T) {
	hooks := newTrackingHooks()
	tip := common.HexToHash("0x04")
	hooks.setTip(0, 0, tip)
	hooks.setTip(1, 0, tip)

	scenario := twoNodeScenario()
	scenario.Steps = []libsim.TestStep{
		{Kind: libsim.StepSendTransactions, Transactions: []libsim.TxSpec{
			{From: 0, To: 1, Amount: 10},
			{From: 0, To: 1, Amount: 20},
			{From: 1, To: 0, Amount: 5},
		}},
	}
	scenario.ExpectedOutcomes = []libsim.TestOutcome{
		{Kind: libsim.OutcomeNodeHasTransactions, NodeID: 0, MinTxCount: 2},
		{Kind: libsim.OutcomeNodeHasTransactions, NodeID: 1, MinTxCount: 2},
	}

	h := libsim.NewTestHarness(libsim.DefaultHarnessConfig(), hooks.factory())
	result := h.RunScenario(context.Background(), scenario)

	if len(hooks.sent["n0"]) != 2 || len(hooks.sent["n1"]) != 1 {
		t.Errorf("transactions not grouped by sender: %v", hooks.sent)
	}
	// The fake mempool holds exactly what each node submitted: node 0 meets
	// the minimum, node 1 does not.
	if !result.Outcomes[0].Pass {
		t.Errorf("outcome 0 failed: %s", result.Outcomes[0].Details)
	}
	if result.Outcomes[1].Pass {
		t.Error("outcome 1 passed although node 1 holds a single transaction")
	}
	if result.Pass {
		t.Error("run passed with a failing outcome")
	}
}

func TestHarnessContextCancellation(t *testing.T) {
	hooks := newTrackingHooks()
	scenario := twoNodeScenario()
	scenario.Steps = []libsim.TestStep{
		{Kind: libsim.StepWait, Duration: libsim.Duration(time.Minute)},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	h := libsim.NewTestHarness(libsim.DefaultHarnessConfig(), hooks.factory())
	start := time.Now()
	result := h.RunScenario(ctx, scenario)
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("cancelled run took %v", elapsed)
	}
	if result.Steps[0].Error == "" {
		t.Error("cancelled wait step recorded no error")
	}
	// An interrupted run is a failed run, even with no outcomes declared.
	if !result.Aborted {
		t.Error("cancelled run not marked aborted")
	}
	if result.Pass || result.Status != libsim.RunFailed {
		t.Errorf("cancelled run reported pass=%v status=%q", result.Pass, result.Status)
	}
	// Nodes are still torn down after cancellation.
	if len(hooks.stopped) != 2 {
		t.Errorf("stopped handles %v, want both nodes", hooks.stopped)
	}
}
