package libsim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// This error is recorded when a scenario fails validation before any side
// effects occur.
var ErrInvalidConfig = errors.New("invalid scenario configuration")

// BackendFactory creates the node backend for one scenario run. The factory
// receives the run's network simulator so in-process backends can route
// their traffic through it.
type BackendFactory func(sim *NetworkSimulator) NodeBackend

// HarnessConfig holds the execution policy of a harness.
type HarnessConfig struct {
	// AbortOnStepFailure stops step execution at the first failing step.
	// The default is to continue, so outcome evaluation sees as much state
	// as possible.
	AbortOnStepFailure bool

	// CallTimeout bounds every node-control call. A call that exceeds it is
	// treated as failed, not hung.
	CallTimeout time.Duration
}

// DefaultHarnessConfig returns the default execution policy.
func DefaultHarnessConfig() HarnessConfig {
	return HarnessConfig{
		AbortOnStepFailure: false,
		CallTimeout:        10 * time.Second,
	}
}

// TestHarness executes one TestScenario to completion and produces a
// TestResult. Each harness owns its own simulator, manager and backend, so
// parallel runs never share state.
type TestHarness struct {
	cfg        HarnessConfig
	newBackend BackendFactory

	sim *NetworkSimulator
	mgr *TestNetManager

	mu        sync.Mutex
	status    RunStatus
	stepIndex int
}

// NewTestHarness creates a harness for a single scenario run.
func NewTestHarness(cfg HarnessConfig, newBackend BackendFactory) *TestHarness {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultHarnessConfig().CallTimeout
	}
	return &TestHarness{
		cfg:        cfg,
		newBackend: newBackend,
		status:     RunPending,
	}
}

// Status returns the harness's position in the run state machine.
func (h *TestHarness) Status() RunStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// StepIndex returns the index of the step currently executing. Only
// meaningful while Status is RunRunning.
func (h *TestHarness) StepIndex() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stepIndex
}

// Simulator exposes the run's network simulator. Valid after RunScenario has
// begun initialization.
func (h *TestHarness) Simulator() *NetworkSimulator { return h.sim }

// Manager exposes the run's node manager. Valid after RunScenario has begun
// initialization.
func (h *TestHarness) Manager() *TestNetManager { return h.mgr }

func (h *TestHarness) setStatus(s RunStatus) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

func (h *TestHarness) setStep(i int) {
	h.mu.Lock()
	h.stepIndex = i
	h.mu.Unlock()
}

// callCtx bounds one node-control call.
func (h *TestHarness) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, h.cfg.CallTimeout)
}

// RunScenario executes the scenario through the run state machine:
// pending -> initializing -> running -> verifying -> passed|failed.
// Teardown always runs, even after initialization failures, panics or
// context cancellation, and its errors are collected into the result.
func (h *TestHarness) RunScenario(ctx context.Context, scenario *TestScenario) *TestResult {
	result := &TestResult{
		ScenarioName: scenario.Name,
		Status:       RunPending,
		Start:        time.Now(),
	}
	log := slog.With("scenario", scenario.Name)
	log.Info("starting scenario", "nodes", len(scenario.InitialNodes), "steps", len(scenario.Steps))

	// Pre-flight validation happens before any side effect; a rejected
	// scenario spawns nothing and needs no teardown.
	if err := scenario.Validate(); err != nil {
		result.SetupError = fmt.Sprintf("%v: %v", ErrInvalidConfig, err)
		result.Status = RunFailed
		result.End = time.Now()
		log.Error("scenario rejected", "err", err)
		return result
	}

	h.setStatus(RunInitializing)
	result.Status = RunInitializing

	h.sim = NewNetworkSimulator()
	backend := h.newBackend(h.sim)
	h.mgr = NewTestNetManager(backend)

	defer h.finish(result, log)

	if err := h.sim.Configure(scenario.Network, scenario.NodeIDs()); err != nil {
		result.SetupError = err.Error()
		return result
	}
	result.Seed = h.sim.Seed()
	log.Info("simulation configured", "seed", result.Seed)

	if err := h.initializeNodes(ctx, scenario); err != nil {
		result.SetupError = err.Error()
		log.Error("initialization failed", "err", err)
		return result
	}

	var stopDisruption func()
	if scenario.Network.Disruption != nil {
		stopDisruption = h.startDisruption(ctx, scenario)
	}

	h.setStatus(RunRunning)
	result.Status = RunRunning
	for i, step := range scenario.Steps {
		if ctx.Err() != nil {
			result.Steps = append(result.Steps, StepResult{
				Index: i, Kind: step.Kind, Error: ctx.Err().Error(),
			})
			break
		}
		h.setStep(i)
		start := time.Now()
		err := h.executeStep(ctx, step)
		sr := StepResult{Index: i, Kind: step.Kind, Duration: Duration(time.Since(start))}
		if err != nil {
			sr.Error = err.Error()
			log.Warn("step failed", "step", i, "kind", step.Kind, "err", err)
		}
		result.Steps = append(result.Steps, sr)
		if err != nil && h.cfg.AbortOnStepFailure {
			log.Info("aborting remaining steps", "failed", i, "remaining", len(scenario.Steps)-i-1)
			break
		}
	}

	if stopDisruption != nil {
		stopDisruption()
	}
	if ctx.Err() != nil {
		result.Aborted = true
	}

	// Outcomes are always evaluated against whatever state exists, so a
	// failing run still carries maximal diagnostic content.
	h.setStatus(RunVerifying)
	result.Status = RunVerifying
	for i, outcome := range scenario.ExpectedOutcomes {
		result.Outcomes = append(result.Outcomes, h.evaluateOutcome(ctx, i, outcome))
	}
	return result
}

// finish completes the result: teardown, panic recovery and the final
// pass/fail verdict.
func (h *TestHarness) finish(result *TestResult, log *slog.Logger) {
	if r := recover(); r != nil {
		result.SetupError = fmt.Sprintf("harness panic: %v", r)
		log.Error("recovered harness panic", "panic", r)
	}

	for _, err := range h.mgr.TeardownAll() {
		result.TeardownErrors = append(result.TeardownErrors, err.Error())
	}

	pass := result.SetupError == "" && !result.Aborted
	for _, o := range result.Outcomes {
		if !o.Pass {
			pass = false
		}
	}
	result.Pass = pass
	if pass {
		result.Status = RunPassed
	} else {
		result.Status = RunFailed
	}
	h.setStatus(result.Status)
	result.End = time.Now()

	log.Info("scenario finished", "pass", result.Pass,
		"elapsed", result.End.Sub(result.Start).Round(time.Millisecond),
		"stepErrors", len(result.StepErrors()), "teardownErrors", len(result.TeardownErrors))
}

// initializeNodes spawns the declared nodes in order and connects the
// initial topology. The first spawn failure aborts initialization.
func (h *TestHarness) initializeNodes(ctx context.Context, scenario *TestScenario) error {
	for _, setup := range scenario.InitialNodes {
		cctx, cancel := h.callCtx(ctx)
		_, err := h.mgr.Spawn(cctx, setup)
		cancel()
		if err != nil {
			return err
		}
	}

	edges := initialEdges(scenario.InitialNodes)
	cctx, cancel := context.WithTimeout(ctx, h.cfg.CallTimeout*time.Duration(len(edges)+1))
	defer cancel()
	return h.mgr.ConnectTopology(cctx, edges)
}

// initialEdges collapses the declared connection lists into an undirected
// edge set.
func initialEdges(setups []TestNodeSetup) []Link {
	seen := make(map[Link]bool)
	var edges []Link
	for _, setup := range setups {
		for _, peer := range setup.InitialConnections {
			edge := Link{setup.ID, peer}
			if edge.From > edge.To {
				edge = Link{peer, setup.ID}
			}
			if !seen[edge] {
				seen[edge] = true
				edges = append(edges, edge)
			}
		}
	}
	return edges
}

// executeStep dispatches one step. Simulator mutations complete synchronously
// and are visible to the message path before the next step starts.
func (h *TestHarness) executeStep(ctx context.Context, step TestStep) error {
	switch step.Kind {
	case StepWait:
		timer := time.NewTimer(step.Duration.D())
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	case StepMineBlocks:
		for _, id := range step.NodeIDs {
			handle, err := h.mgr.Handle(id)
			if err != nil {
				return err
			}
			cctx, cancel := h.callCtx(ctx)
			err = h.mgr.backend.MineBlocks(cctx, handle, step.BlockCount)
			cancel()
			if err != nil {
				return fmt.Errorf("mine on node %d: %w", id, err)
			}
		}
		return nil

	case StepSendTransactions:
		byNode := make(map[int][]TxSpec)
		var order []int
		for _, tx := range step.Transactions {
			if _, ok := byNode[tx.From]; !ok {
				order = append(order, tx.From)
			}
			byNode[tx.From] = append(byNode[tx.From], tx)
		}
		for _, id := range order {
			handle, err := h.mgr.Handle(id)
			if err != nil {
				return err
			}
			cctx, cancel := h.callCtx(ctx)
			err = h.mgr.backend.SendTransactions(cctx, handle, byNode[id])
			cancel()
			if err != nil {
				return fmt.Errorf("send from node %d: %w", id, err)
			}
		}
		return nil

	case StepSetNetworkCondition:
		return h.sim.SetCondition(step.FromNode, step.ToNode, step.Condition)

	case StepCreatePartition:
		return h.sim.CreatePartition(step.GroupA, step.GroupB)

	case StepHealPartition:
		return h.sim.HealPartition(step.GroupA, step.GroupB)

	case StepSetClockDrift:
		if err := h.sim.SetClockDrift(step.NodeID, step.DriftMs); err != nil {
			return err
		}
		handle, err := h.mgr.Handle(step.NodeID)
		if err != nil {
			return err
		}
		cctx, cancel := h.callCtx(ctx)
		defer cancel()
		return h.mgr.backend.SetClockOffset(cctx, handle, step.DriftMs)

	case StepSetNodeStatus:
		switch TestNodeStatus(step.Status) {
		case StatusStopped:
			return h.mgr.StopNode(step.NodeID)
		case StatusRunning:
			status, err := h.mgr.Status(step.NodeID)
			if err != nil {
				return err
			}
			if status != StatusRunning {
				return fmt.Errorf("node %d: restart from %q not supported", step.NodeID, status)
			}
			return nil
		default:
			return fmt.Errorf("unsupported target status %q", step.Status)
		}

	default:
		return fmt.Errorf("unknown step kind %q", step.Kind)
	}
}
