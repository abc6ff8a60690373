package libsim

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Node types
const (
	NodeTypeMiner = "miner"
	NodeTypeFull  = "full"
	NodeTypeLight = "light"
)

// Step kinds
const (
	StepWait                = "wait"
	StepMineBlocks          = "mine_blocks"
	StepSendTransactions    = "send_transactions"
	StepSetNetworkCondition = "set_network_condition"
	StepCreatePartition     = "create_partition"
	StepHealPartition       = "heal_partition"
	StepSetClockDrift       = "set_clock_drift"
	StepSetNodeStatus       = "set_node_status"
)

// Outcome kinds
const (
	OutcomeAllNodesSameChainTip = "all_nodes_same_chain_tip"
	OutcomeNodesSameChainTip    = "nodes_same_chain_tip"
	OutcomeNodesDiverged        = "nodes_diverged"
	OutcomeNodeAtHeight         = "node_at_height"
	OutcomeNodeHasTransactions  = "node_has_transactions"
	OutcomeNodeHasMinPeers      = "node_has_min_peers"
)

// Duration wraps time.Duration with YAML/JSON encoding in Go duration
// syntax ("500ms", "2s").
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %v", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %v", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// TestNodeSetup describes one node to spawn at scenario start.
type TestNodeSetup struct {
	ID                 int               `json:"id" yaml:"id"`
	Type               string            `json:"type" yaml:"type"`
	InitialConnections []int             `json:"initialConnections,omitempty" yaml:"initial_connections,omitempty"`
	ConfigOverrides    map[string]string `json:"configOverrides,omitempty" yaml:"config_overrides,omitempty"`
}

// TestStep is one entry of a scenario's ordered step list. Kind selects the
// variant; only the fields of that variant are consulted. The step executor
// and Validate switch over Kind exhaustively, so adding a kind is a
// compile-surface exercise rather than dynamic dispatch.
type TestStep struct {
	Kind string `json:"kind" yaml:"kind"`

	// wait
	Duration Duration `json:"duration,omitempty" yaml:"duration,omitempty"`

	// mine_blocks
	NodeIDs    []int  `json:"nodeIds,omitempty" yaml:"node_ids,omitempty"`
	BlockCount uint64 `json:"blockCount,omitempty" yaml:"block_count,omitempty"`

	// send_transactions
	Transactions []TxSpec `json:"transactions,omitempty" yaml:"transactions,omitempty"`

	// set_network_condition
	FromNode  int               `json:"fromNode,omitempty" yaml:"from_node,omitempty"`
	ToNode    int               `json:"toNode,omitempty" yaml:"to_node,omitempty"`
	Condition ConditionOverride `json:"condition,omitempty" yaml:"condition,omitempty"`

	// create_partition, heal_partition
	GroupA []int `json:"groupA,omitempty" yaml:"group_a,omitempty"`
	GroupB []int `json:"groupB,omitempty" yaml:"group_b,omitempty"`

	// set_clock_drift, set_node_status
	NodeID  int    `json:"nodeId,omitempty" yaml:"node_id,omitempty"`
	DriftMs int64  `json:"driftMs,omitempty" yaml:"drift_ms,omitempty"`
	Status  string `json:"status,omitempty" yaml:"status,omitempty"`
}

func (s TestStep) validate(i int, known map[int]bool) error {
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("step %d (%s): %s", i, s.Kind, fmt.Sprintf(format, args...))
	}
	checkNode := func(id int) error {
		if !known[id] {
			return fail("node %d not declared in initial_nodes", id)
		}
		return nil
	}
	checkNodes := func(ids []int) error {
		for _, id := range ids {
			if err := checkNode(id); err != nil {
				return err
			}
		}
		return nil
	}

	switch s.Kind {
	case StepWait:
		if s.Duration <= 0 {
			return fail("duration must be positive")
		}
		return nil
	case StepMineBlocks:
		if len(s.NodeIDs) == 0 || s.BlockCount == 0 {
			return fail("node_ids and block_count are required")
		}
		return checkNodes(s.NodeIDs)
	case StepSendTransactions:
		if len(s.Transactions) == 0 {
			return fail("transactions are required")
		}
		for _, tx := range s.Transactions {
			if err := checkNode(tx.From); err != nil {
				return err
			}
			if err := checkNode(tx.To); err != nil {
				return err
			}
		}
		return nil
	case StepSetNetworkCondition:
		if err := checkNode(s.FromNode); err != nil {
			return err
		}
		return checkNode(s.ToNode)
	case StepCreatePartition, StepHealPartition:
		if err := validateGroups(s.GroupA, s.GroupB); err != nil {
			return fail("%v", err)
		}
		if err := checkNodes(s.GroupA); err != nil {
			return err
		}
		return checkNodes(s.GroupB)
	case StepSetClockDrift:
		return checkNode(s.NodeID)
	case StepSetNodeStatus:
		if s.Status != string(StatusRunning) && s.Status != string(StatusStopped) {
			return fail("status must be %q or %q", StatusRunning, StatusStopped)
		}
		return checkNode(s.NodeID)
	default:
		return fail("unknown step kind")
	}
}

// TestOutcome is one expected condition, evaluated after all steps ran.
type TestOutcome struct {
	Kind string `json:"kind" yaml:"kind"`

	// nodes_same_chain_tip
	NodeIDs []int `json:"nodeIds,omitempty" yaml:"node_ids,omitempty"`

	// nodes_diverged
	GroupA []int `json:"groupA,omitempty" yaml:"group_a,omitempty"`
	GroupB []int `json:"groupB,omitempty" yaml:"group_b,omitempty"`

	// node_at_height, node_has_transactions, node_has_min_peers
	NodeID     int    `json:"nodeId,omitempty" yaml:"node_id,omitempty"`
	Height     uint64 `json:"height,omitempty" yaml:"height,omitempty"`
	MinTxCount int    `json:"minTxCount,omitempty" yaml:"min_tx_count,omitempty"`
	MinPeers   int    `json:"minPeers,omitempty" yaml:"min_peers,omitempty"`
}

func (o TestOutcome) validate(i int, known map[int]bool) error {
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("outcome %d (%s): %s", i, o.Kind, fmt.Sprintf(format, args...))
	}
	checkNodes := func(ids []int) error {
		for _, id := range ids {
			if !known[id] {
				return fail("node %d not declared in initial_nodes", id)
			}
		}
		return nil
	}

	switch o.Kind {
	case OutcomeAllNodesSameChainTip:
		return nil
	case OutcomeNodesSameChainTip:
		if len(o.NodeIDs) < 2 {
			return fail("at least two node_ids are required")
		}
		return checkNodes(o.NodeIDs)
	case OutcomeNodesDiverged:
		if err := validateGroups(o.GroupA, o.GroupB); err != nil {
			return fail("%v", err)
		}
		if err := checkNodes(o.GroupA); err != nil {
			return err
		}
		return checkNodes(o.GroupB)
	case OutcomeNodeAtHeight, OutcomeNodeHasTransactions, OutcomeNodeHasMinPeers:
		return checkNodes([]int{o.NodeID})
	default:
		return fail("unknown outcome kind")
	}
}

// TestScenario is a declarative, data-only description of one test case.
// It is immutable once handed to a harness.
type TestScenario struct {
	Name             string           `json:"name" yaml:"name"`
	Description      string           `json:"description,omitempty" yaml:"description,omitempty"`
	Network          SimulationConfig `json:"network" yaml:"network"`
	InitialNodes     []TestNodeSetup  `json:"initialNodes" yaml:"initial_nodes"`
	Steps            []TestStep       `json:"steps" yaml:"steps"`
	ExpectedOutcomes []TestOutcome    `json:"expectedOutcomes" yaml:"expected_outcomes"`
}

// NodeIDs returns the declared node IDs in declaration order.
func (sc *TestScenario) NodeIDs() []int {
	ids := make([]int, len(sc.InitialNodes))
	for i, setup := range sc.InitialNodes {
		ids[i] = setup.ID
	}
	return ids
}

// Validate checks the scenario for internal consistency: unique node IDs,
// known node references in steps, outcomes, connections and topology groups,
// and well-formed step and outcome variants. It has no side effects.
func (sc *TestScenario) Validate() error {
	if sc.Name == "" {
		return fmt.Errorf("scenario has no name")
	}
	if len(sc.InitialNodes) == 0 {
		return fmt.Errorf("scenario %q declares no nodes", sc.Name)
	}

	known := make(map[int]bool, len(sc.InitialNodes))
	for _, setup := range sc.InitialNodes {
		if known[setup.ID] {
			return fmt.Errorf("duplicate node id %d", setup.ID)
		}
		switch setup.Type {
		case NodeTypeMiner, NodeTypeFull, NodeTypeLight:
		default:
			return fmt.Errorf("node %d: unknown type %q", setup.ID, setup.Type)
		}
		known[setup.ID] = true
	}
	for _, setup := range sc.InitialNodes {
		for _, peer := range setup.InitialConnections {
			if !known[peer] {
				return fmt.Errorf("node %d: connection to undeclared node %d", setup.ID, peer)
			}
			if peer == setup.ID {
				return fmt.Errorf("node %d: connection to itself", setup.ID)
			}
		}
	}

	if err := sc.Network.Topology.Validate(sc.NodeIDs()); err != nil {
		return fmt.Errorf("scenario %q: %v", sc.Name, err)
	}
	if err := sc.Network.Default.validate(); err != nil {
		return fmt.Errorf("scenario %q: default condition: %v", sc.Name, err)
	}
	if sc.Network.Disruption != nil {
		if err := sc.Network.Disruption.validate(); err != nil {
			return fmt.Errorf("scenario %q: %v", sc.Name, err)
		}
	}

	for i, step := range sc.Steps {
		if err := step.validate(i, known); err != nil {
			return err
		}
	}
	for i, outcome := range sc.ExpectedOutcomes {
		if err := outcome.validate(i, known); err != nil {
			return err
		}
	}
	return nil
}

// LoadScenario parses a scenario from YAML. Unknown fields are rejected so
// typos in scenario files fail loudly.
func LoadScenario(data []byte) (*TestScenario, error) {
	var sc TestScenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, err
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// LoadScenarioFile reads and parses one scenario YAML file.
func LoadScenarioFile(path string) (*TestScenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sc, err := LoadScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	return sc, nil
}

// ConnectFully wires every node to every other node.
func ConnectFully(setups []TestNodeSetup) {
	for i := range setups {
		conns := make([]int, 0, len(setups)-1)
		for j := range setups {
			if i != j {
				conns = append(conns, setups[j].ID)
			}
		}
		setups[i].InitialConnections = conns
	}
}

// ConnectRing wires the nodes into a ring in declaration order.
func ConnectRing(setups []TestNodeSetup) {
	n := len(setups)
	if n < 2 {
		return
	}
	for i := range setups {
		prev := setups[(i+n-1)%n].ID
		next := setups[(i+1)%n].ID
		if prev == next {
			setups[i].InitialConnections = []int{next}
		} else {
			setups[i].InitialConnections = []int{prev, next}
		}
	}
}

// ConnectStar wires every node to the given center node.
func ConnectStar(setups []TestNodeSetup, center int) {
	var spokes []int
	for i := range setups {
		if setups[i].ID != center {
			spokes = append(spokes, setups[i].ID)
			setups[i].InitialConnections = []int{center}
		}
	}
	for i := range setups {
		if setups[i].ID == center {
			setups[i].InitialConnections = spokes
		}
	}
}
