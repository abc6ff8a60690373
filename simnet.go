// Command simnet runs supernova testnet scenarios: it spawns in-process node
// clusters, perturbs their network with the simulator, and reports whether
// the expected outcomes held.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	yaml "github.com/goccy/go-yaml"
	"gopkg.in/inconshreveable/log15.v2"

	"github.com/supernova-network/simnet/internal/libsim"
	"github.com/supernova-network/simnet/internal/simnode"
)

var (
	scenarioDir = flag.String("scenarios", "", "Directory with scenario YAML files (*.yaml, *.yml)")
	parallelism = flag.Int("parallel", 1, "Number of scenarios to run at once")
	runTimeout  = flag.Duration("timeout", 5*time.Minute, "Per-scenario run timeout")
	callTimeout = flag.Duration("call-timeout", 10*time.Second, "Timeout for individual node control calls")
	abortSteps  = flag.Bool("abort-on-step-failure", false, "Stop executing a scenario's steps at the first failure")
	gossipEvery = flag.Duration("gossip-interval", 25*time.Millisecond, "Node tip re-announcement interval")
	serveAddr   = flag.String("serve", "", "Serve the run API on this address instead of running scenario files")
	verboseDump = flag.Bool("dump", false, "Dump full result structures for failed scenarios")

	loglevelFlag = flag.Int("loglevel", 3, "Log level to use for displaying system events")
)

func main() {
	flag.Parse()
	log15.Root().SetHandler(log15.LvlFilterHandler(log15.Lvl(*loglevelFlag), log15.StreamHandler(os.Stderr, log15.TerminalFormat())))

	cfg := libsim.HarnessConfig{
		AbortOnStepFailure: *abortSteps,
		CallTimeout:        *callTimeout,
	}
	factory := simnode.Factory(simnode.Config{GossipInterval: *gossipEvery})
	coordinator := libsim.NewCoordinator(cfg, factory, *parallelism)

	if *serveAddr != "" {
		if err := serveAPI(coordinator); err != nil {
			log15.Crit("API server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	paths, err := scenarioFiles()
	if err != nil {
		log15.Crit("failed to collect scenario files", "error", err)
		os.Exit(1)
	}
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "no scenario files given; use -scenarios <dir> or pass files as arguments")
		os.Exit(1)
	}

	failed, err := runScenarioFiles(coordinator, paths)
	if err != nil {
		log15.Crit("scenario run failed", "error", err)
		os.Exit(1)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

// scenarioFiles collects the scenario paths from the -scenarios directory
// and the positional arguments.
func scenarioFiles() ([]string, error) {
	paths := append([]string{}, flag.Args()...)
	if *scenarioDir != "" {
		entries, err := os.ReadDir(*scenarioDir)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			ext := filepath.Ext(entry.Name())
			if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
				continue
			}
			paths = append(paths, filepath.Join(*scenarioDir, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// runScenarioFiles loads and executes all scenarios, then prints a summary.
// It returns the number of failed scenarios.
func runScenarioFiles(coordinator *libsim.Coordinator, paths []string) (int, error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer coordinator.Terminate()

	for _, path := range paths {
		scenario, err := libsim.LoadScenarioFile(path)
		if err != nil {
			return 0, err
		}
		runCtx, cancel := context.WithTimeout(ctx, *runTimeout)
		defer cancel()
		if _, err := coordinator.StartRun(runCtx, scenario); err != nil {
			return 0, err
		}
	}
	coordinator.Wait()

	results := coordinator.Results()
	ids := make([]libsim.RunID, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var failed int
	for _, id := range ids {
		result := results[id]
		if !result.Pass {
			failed++
			if *verboseDump {
				fmt.Fprintln(os.Stderr, libsim.DumpResult(result))
			}
		}
		printSummary(result)
	}
	fmt.Printf("\n%d scenarios, %d failed\n", len(ids), failed)
	return failed, nil
}

// printSummary renders one result as YAML on stdout.
func printSummary(result *libsim.TestResult) {
	type summary struct {
		Scenario string   `yaml:"scenario"`
		Pass     bool     `yaml:"pass"`
		Seed     int64    `yaml:"seed"`
		Elapsed  string   `yaml:"elapsed"`
		Setup    string   `yaml:"setup_error,omitempty"`
		Steps    []string `yaml:"step_errors,omitempty"`
		Outcomes []string `yaml:"failed_outcomes,omitempty"`
		Teardown []string `yaml:"teardown_errors,omitempty"`
	}
	s := summary{
		Scenario: result.ScenarioName,
		Pass:     result.Pass,
		Seed:     result.Seed,
		Elapsed:  result.End.Sub(result.Start).Round(time.Millisecond).String(),
		Setup:    result.SetupError,
		Steps:    result.StepErrors(),
		Teardown: result.TeardownErrors,
	}
	for _, outcome := range result.FailedOutcomes() {
		s.Outcomes = append(s.Outcomes, fmt.Sprintf("%s: %s", outcome.Kind, outcome.Details))
	}
	out, err := yaml.Marshal([]summary{s})
	if err != nil {
		fmt.Printf("- scenario: %s\n  pass: %v\n", result.ScenarioName, result.Pass)
		return
	}
	os.Stdout.Write(out)
}

// serveAPI blocks serving the coordinator's HTTP API until interrupted.
func serveAPI(coordinator *libsim.Coordinator) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer coordinator.Terminate()

	server := &http.Server{Addr: *serveAddr, Handler: libsim.NewAPI(coordinator)}
	errc := make(chan error, 1)
	go func() { errc <- server.ListenAndServe() }()
	log15.Info("serving run API", "addr", *serveAddr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
