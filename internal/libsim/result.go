package libsim

import (
	"time"
)

// RunStatus tracks a scenario run through the harness state machine.
type RunStatus string

const (
	RunPending      RunStatus = "pending"
	RunInitializing RunStatus = "initializing"
	RunRunning      RunStatus = "running"
	RunVerifying    RunStatus = "verifying"
	RunPassed       RunStatus = "passed"
	RunFailed       RunStatus = "failed"
)

// Completed reports whether the status is terminal.
func (s RunStatus) Completed() bool {
	return s == RunPassed || s == RunFailed
}

// StepResult records the execution of one scenario step.
type StepResult struct {
	Index    int      `json:"index"`
	Kind     string   `json:"kind"`
	Duration Duration `json:"duration"`
	Error    string   `json:"error,omitempty"`
}

// TipSnapshot is one node's chain tip at outcome evaluation time.
type TipSnapshot struct {
	Status TestNodeStatus `json:"status"`
	Tip    *ChainTip      `json:"tip,omitempty"`
	Error  string         `json:"error,omitempty"` // query error, if the tip could not be read
}

// OutcomeResult records the evaluation of one expected outcome together with
// the live node state it was judged against.
type OutcomeResult struct {
	Index   int    `json:"index"`
	Kind    string `json:"kind"`
	Pass    bool   `json:"pass"`
	Details string `json:"details,omitempty"`

	// Per-node snapshot backing the verdict. Keyed by node ID.
	Snapshot map[int]TipSnapshot `json:"snapshot,omitempty"`
}

// TestResult is the complete record of one scenario run. It is created at
// the end of RunScenario and never mutated afterwards.
type TestResult struct {
	ScenarioName string    `json:"scenarioName"`
	Pass         bool      `json:"pass"`
	Status       RunStatus `json:"status"`
	Seed         int64     `json:"seed"`

	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	// Fatal pre-step failure (validation or initialization), if any.
	SetupError string `json:"setupError,omitempty"`

	// True when the run was cut short by context cancellation. An aborted
	// run never passes, whatever its outcomes report against the partial
	// state.
	Aborted bool `json:"aborted,omitempty"`

	Steps          []StepResult    `json:"steps,omitempty"`
	Outcomes       []OutcomeResult `json:"outcomes,omitempty"`
	TeardownErrors []string        `json:"teardownErrors,omitempty"`
}

// FailedOutcomes returns the outcomes that did not hold.
func (r *TestResult) FailedOutcomes() []OutcomeResult {
	var failed []OutcomeResult
	for _, o := range r.Outcomes {
		if !o.Pass {
			failed = append(failed, o)
		}
	}
	return failed
}

// StepErrors returns the recorded per-step errors in step order.
func (r *TestResult) StepErrors() []string {
	var errs []string
	for _, s := range r.Steps {
		if s.Error != "" {
			errs = append(errs, s.Error)
		}
	}
	return errs
}
