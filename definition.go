package conductor

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeType identifies the behavior of a node. The set of types is closed:
// executors are registered statically and an unknown type fails validation.
type NodeType string

const (
	NodeTypeStart     NodeType = "start"
	NodeTypeEnd       NodeType = "end"
	NodeTypeAgent     NodeType = "agent"
	NodeTypeTool      NodeType = "tool"
	NodeTypeDecision  NodeType = "decision"
	NodeTypeParallel  NodeType = "parallel"
	NodeTypeJoin      NodeType = "join"
	NodeTypeHuman     NodeType = "human"
	NodeTypeTransform NodeType = "transform"
	NodeTypeMemory    NodeType = "memory"
)

// NodeTypes returns all known node types in a stable order.
func NodeTypes() []NodeType {
	return []NodeType{
		NodeTypeStart, NodeTypeEnd, NodeTypeAgent, NodeTypeTool,
		NodeTypeDecision, NodeTypeParallel, NodeTypeJoin, NodeTypeHuman,
		NodeTypeTransform, NodeTypeMemory,
	}
}

// ConditionType identifies how an edge condition is evaluated.
type ConditionType string

const (
	ConditionAlways     ConditionType = "always"
	ConditionExpression ConditionType = "expression"
	ConditionLLM        ConditionType = "llm"
)

// ErrorPolicy selects how node errors are handled by the engine.
type ErrorPolicy string

const (
	ErrorPolicyFail        ErrorPolicy = "fail"
	ErrorPolicyRetry       ErrorPolicy = "retry"
	ErrorPolicyLLMRecovery ErrorPolicy = "llm_recovery"
)

// PersistenceLevel controls checkpoint behavior for an execution.
type PersistenceLevel string

const (
	PersistenceNone       PersistenceLevel = "none"
	PersistenceCheckpoint PersistenceLevel = "checkpoint"
)

// JoinStrategy selects how a join node aggregates its incoming branches.
type JoinStrategy string

const (
	JoinWaitAll JoinStrategy = "wait_all"
	JoinRace    JoinStrategy = "race"
	JoinCount   JoinStrategy = "count"
)

// Default safety limits applied when a definition leaves them unset.
const (
	DefaultMaxIterations    = 10
	DefaultMaxNodes         = 1000
	DefaultMaxExecutionTime = 10 * time.Minute
	DefaultNodeTimeout      = 2 * time.Minute
)

// WorkflowConfig carries workflow-wide execution settings.
type WorkflowConfig struct {
	Observability    string           `json:"observability,omitempty" yaml:"observability,omitempty"`
	Persistence      PersistenceLevel `json:"persistence,omitempty" yaml:"persistence,omitempty"`
	ErrorHandling    ErrorPolicy      `json:"error_handling,omitempty" yaml:"error_handling,omitempty"`
	HumanInLoop      string           `json:"human_in_loop,omitempty" yaml:"human_in_loop,omitempty"`
	MaxExecutionTime time.Duration    `json:"max_execution_time,omitempty" yaml:"max_execution_time,omitempty"`
	MaxNodes         int              `json:"max_nodes,omitempty" yaml:"max_nodes,omitempty"`
	MaxIterations    int              `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`

	// RejectCycles makes validation fail on any cycle instead of relying on
	// per-node iteration ceilings.
	RejectCycles bool `json:"reject_cycles,omitempty" yaml:"reject_cycles,omitempty"`
}

// NodeExecutionConfig carries per-node timeout and retry settings.
type NodeExecutionConfig struct {
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retries int           `json:"retries,omitempty" yaml:"retries,omitempty"`
}

// Node is a single unit of work in a workflow definition.
type Node struct {
	ID          string               `json:"id" yaml:"id"`
	Type        NodeType             `json:"type" yaml:"type"`
	Name        string               `json:"name,omitempty" yaml:"name,omitempty"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
	Config      map[string]any       `json:"config,omitempty" yaml:"config,omitempty"`
	Execution   *NodeExecutionConfig `json:"execution,omitempty" yaml:"execution,omitempty"`

	// MaxIterations overrides the workflow-wide iteration ceiling for this
	// node. Zero means inherit.
	MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
}

// Condition gates traversal of an edge.
type Condition struct {
	Type       ConditionType `json:"type" yaml:"type"`
	Expression string        `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// Edge connects two nodes in a workflow definition.
type Edge struct {
	ID        string     `json:"id,omitempty" yaml:"id,omitempty"`
	Source    string     `json:"source" yaml:"source"`
	Target    string     `json:"target" yaml:"target"`
	Condition *Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// DefinitionOptions are used to configure a workflow definition.
type DefinitionOptions struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string         `json:"version,omitempty" yaml:"version,omitempty"`
	Config      WorkflowConfig `json:"config,omitempty" yaml:"config,omitempty"`
	Nodes       []*Node        `json:"nodes" yaml:"nodes"`
	Edges       []*Edge        `json:"edges,omitempty" yaml:"edges,omitempty"`
	Tags        []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Definition is an immutable workflow graph of typed nodes. Build one with
// NewDefinition (or LoadFile / LoadString) and share it freely across
// executions.
type Definition struct {
	id          string
	name        string
	description string
	version     string
	config      WorkflowConfig
	nodes       []*Node
	edges       []*Edge
	tags        []string
	nodesByID   map[string]*Node
	incoming    map[string][]*Edge
	outgoing    map[string][]*Edge
}

// NewDefinition returns a new Definition configured with the given options.
func NewDefinition(opts DefinitionOptions) (*Definition, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("workflow name required")
	}
	if len(opts.Nodes) == 0 {
		return nil, fmt.Errorf("workflow must have at least one node")
	}
	if opts.ID == "" {
		opts.ID = opts.Name
	}

	nodesByID := make(map[string]*Node, len(opts.Nodes))
	for _, node := range opts.Nodes {
		if node.ID == "" {
			return nil, fmt.Errorf("node id required")
		}
		if _, exists := nodesByID[node.ID]; exists {
			return nil, fmt.Errorf("duplicate node id %q", node.ID)
		}
		nodesByID[node.ID] = node
	}

	incoming := map[string][]*Edge{}
	outgoing := map[string][]*Edge{}
	for i, edge := range opts.Edges {
		if edge.ID == "" {
			edge.ID = fmt.Sprintf("%s-%s-%d", edge.Source, edge.Target, i)
		}
		outgoing[edge.Source] = append(outgoing[edge.Source], edge)
		incoming[edge.Target] = append(incoming[edge.Target], edge)
	}

	d := &Definition{
		id:          opts.ID,
		name:        opts.Name,
		description: opts.Description,
		version:     opts.Version,
		config:      opts.Config,
		nodes:       opts.Nodes,
		edges:       opts.Edges,
		tags:        opts.Tags,
		nodesByID:   nodesByID,
		incoming:    incoming,
		outgoing:    outgoing,
	}
	d.applyConfigDefaults()
	return d, nil
}

func (d *Definition) applyConfigDefaults() {
	if d.config.ErrorHandling == "" {
		d.config.ErrorHandling = ErrorPolicyFail
	}
	if d.config.Persistence == "" {
		d.config.Persistence = PersistenceCheckpoint
	}
	if d.config.MaxExecutionTime <= 0 {
		d.config.MaxExecutionTime = DefaultMaxExecutionTime
	}
	if d.config.MaxNodes <= 0 {
		d.config.MaxNodes = DefaultMaxNodes
	}
	if d.config.MaxIterations <= 0 {
		d.config.MaxIterations = DefaultMaxIterations
	}
}

// ID returns the workflow id
func (d *Definition) ID() string { return d.id }

// Name returns the workflow name
func (d *Definition) Name() string { return d.name }

// Description returns the workflow description
func (d *Definition) Description() string { return d.description }

// Version returns the workflow version
func (d *Definition) Version() string { return d.version }

// Config returns the workflow configuration with defaults applied
func (d *Definition) Config() WorkflowConfig { return d.config }

// Nodes returns the workflow nodes
func (d *Definition) Nodes() []*Node { return d.nodes }

// Edges returns the workflow edges
func (d *Definition) Edges() []*Edge { return d.edges }

// Tags returns the workflow authorization tags
func (d *Definition) Tags() []string { return d.tags }

// Node returns a node by id
func (d *Definition) Node(id string) (*Node, bool) {
	node, ok := d.nodesByID[id]
	return node, ok
}

// Incoming returns the edges targeting the given node
func (d *Definition) Incoming(id string) []*Edge { return d.incoming[id] }

// Outgoing returns the edges originating at the given node
func (d *Definition) Outgoing(id string) []*Edge { return d.outgoing[id] }

// NodeIDs returns the ids of all nodes in the workflow, sorted
func (d *Definition) NodeIDs() []string {
	ids := make([]string, 0, len(d.nodesByID))
	for id := range d.nodesByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StartNodes returns the nodes that begin execution: nodes of type start,
// or, when none are declared, nodes with no incoming edges.
func (d *Definition) StartNodes() []*Node {
	var starts []*Node
	for _, node := range d.nodes {
		if node.Type == NodeTypeStart {
			starts = append(starts, node)
		}
	}
	if len(starts) > 0 {
		return starts
	}
	for _, node := range d.nodes {
		if len(d.incoming[node.ID]) == 0 {
			starts = append(starts, node)
		}
	}
	return starts
}

// MaxIterations returns the iteration ceiling for the given node.
func (d *Definition) MaxIterations(node *Node) int {
	if node.MaxIterations > 0 {
		return node.MaxIterations
	}
	return d.config.MaxIterations
}

// NodeTimeout returns the execution timeout for the given node.
func (d *Definition) NodeTimeout(node *Node) time.Duration {
	if node.Execution != nil && node.Execution.Timeout > 0 {
		return node.Execution.Timeout
	}
	return DefaultNodeTimeout
}

// NodeRetries returns the configured retry count for the given node.
func (d *Definition) NodeRetries(node *Node) int {
	if node.Execution != nil && node.Execution.Retries > 0 {
		return node.Execution.Retries
	}
	return 0
}

// LoadFile loads a workflow definition from a YAML file
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return LoadString(string(data))
}

// LoadString loads a workflow definition from a YAML string
func LoadString(data string) (*Definition, error) {
	var opts DefinitionOptions
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow definition: %w", err)
	}
	return NewDefinition(opts)
}
