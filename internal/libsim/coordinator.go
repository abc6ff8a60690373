package libsim

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
	"gopkg.in/inconshreveable/log15.v2"
)

var (
	ErrNoSuchRun      = errors.New("no such run")
	ErrRunNotFinished = errors.New("run has not finished")
	ErrTerminated     = errors.New("coordinator terminated")
)

// RunID identifies one scenario run within a coordinator.
type RunID uint32

func (id RunID) String() string {
	return strconv.Itoa(int(id))
}

type activeRun struct {
	scenario *TestScenario
	harness  *TestHarness
	cancel   context.CancelFunc
	done     chan struct{}
}

// Coordinator executes scenario runs with bounded parallelism and keeps
// their results. Every run gets its own harness, simulator, manager and
// backend, so concurrent runs never interfere.
type Coordinator struct {
	cfg        HarnessConfig
	newBackend BackendFactory
	group      errgroup.Group

	mu         sync.RWMutex
	counter    uint32
	running    map[RunID]*activeRun
	results    map[RunID]*TestResult
	terminated bool
}

// NewCoordinator creates a coordinator. maxParallel bounds the number of
// scenario runs executing at once; zero or negative means no bound.
func NewCoordinator(cfg HarnessConfig, newBackend BackendFactory, maxParallel int) *Coordinator {
	c := &Coordinator{
		cfg:        cfg,
		newBackend: newBackend,
		running:    make(map[RunID]*activeRun),
		results:    make(map[RunID]*TestResult),
	}
	if maxParallel > 0 {
		c.group.SetLimit(maxParallel)
	}
	return c
}

// StartRun validates the scenario, registers a run for it and schedules it
// for execution. The returned ID can be used to query status, fetch the
// result or abort.
//
// Admission is blocking: when maxParallel runs are already executing,
// StartRun waits for a slot before returning. Callers that need a bounded
// submission time should size maxParallel accordingly or submit from their
// own goroutine.
func (c *Coordinator) StartRun(ctx context.Context, scenario *TestScenario) (RunID, error) {
	if err := scenario.Validate(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return 0, ErrTerminated
	}
	c.counter++
	id := RunID(c.counter)
	runCtx, cancel := context.WithCancel(ctx)
	run := &activeRun{
		scenario: scenario,
		harness:  NewTestHarness(c.cfg, c.newBackend),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	c.running[id] = run
	c.mu.Unlock()

	log15.Info("scheduled scenario run", "run", id, "scenario", scenario.Name)
	c.group.Go(func() error {
		defer cancel()
		result := run.harness.RunScenario(runCtx, scenario)

		c.mu.Lock()
		delete(c.running, id)
		c.results[id] = result
		c.mu.Unlock()
		close(run.done)
		return nil
	})
	return id, nil
}

// RunStatus returns the harness state of a run, finished or not.
func (c *Coordinator) RunStatus(id RunID) (RunStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if run, ok := c.running[id]; ok {
		return run.harness.Status(), nil
	}
	if result, ok := c.results[id]; ok {
		return result.Status, nil
	}
	return "", ErrNoSuchRun
}

// Result returns the result of a finished run.
func (c *Coordinator) Result(id RunID) (*TestResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if result, ok := c.results[id]; ok {
		return result, nil
	}
	if _, ok := c.running[id]; ok {
		return nil, ErrRunNotFinished
	}
	return nil, ErrNoSuchRun
}

// Results returns the results of all finished runs.
func (c *Coordinator) Results() map[RunID]*TestResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[RunID]*TestResult, len(c.results))
	for id, result := range c.results {
		out[id] = result
	}
	return out
}

// AbortRun cancels a running scenario. The harness still completes teardown
// and records a result; use Result after the run finishes to inspect it.
func (c *Coordinator) AbortRun(id RunID) error {
	c.mu.RLock()
	run, ok := c.running[id]
	c.mu.RUnlock()
	if !ok {
		return ErrNoSuchRun
	}
	log15.Info("aborting scenario run", "run", id)
	run.cancel()
	return nil
}

// Wait blocks until all scheduled runs have finished.
func (c *Coordinator) Wait() {
	c.group.Wait()
}

// Terminate aborts all running scenarios and waits for their teardown to
// complete. This can be called as a cleanup method; new runs are rejected
// afterwards.
func (c *Coordinator) Terminate() {
	c.mu.Lock()
	c.terminated = true
	runs := make([]*activeRun, 0, len(c.running))
	for _, run := range c.running {
		runs = append(runs, run)
	}
	c.mu.Unlock()

	for _, run := range runs {
		run.cancel()
	}
	c.group.Wait()
}
