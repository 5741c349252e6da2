package conductor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/deepnoodle-ai/conductor/script"
)

// ConditionEvaluator is the injected strategy for llm-typed edge conditions.
// The scheduler has no direct dependency on any model backend; the engine
// supplies an implementation and its boolean result is authoritative.
type ConditionEvaluator interface {
	EvaluateCondition(ctx context.Context, expression string, state StateReader) (bool, error)
}

// ConditionEvaluatorFunc adapts a function to the ConditionEvaluator
// interface.
type ConditionEvaluatorFunc func(ctx context.Context, expression string, state StateReader) (bool, error)

func (f ConditionEvaluatorFunc) EvaluateCondition(ctx context.Context, expression string, state StateReader) (bool, error) {
	return f(ctx, expression, state)
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Compiler  script.Compiler
	Evaluator ConditionEvaluator
}

// Scheduler owns the pure graph logic of workflow execution: definition
// validation, frontier computation, and edge condition evaluation. It holds
// no per-execution state and is safe for concurrent use.
type Scheduler struct {
	compiler  script.Compiler
	evaluator ConditionEvaluator

	mutex    sync.Mutex
	compiled map[string]script.Script
}

// NewScheduler creates a scheduler.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	if opts.Compiler == nil {
		opts.Compiler = script.NewRisorEngine(script.DefaultGlobals())
	}
	return &Scheduler{
		compiler:  opts.Compiler,
		evaluator: opts.Evaluator,
		compiled:  map[string]script.Script{},
	}
}

// Validate checks a definition for structural problems: dangling edges,
// unknown node types, missing start nodes, and malformed conditions or join
// configs. Cycles fail validation only when the definition requests
// RejectCycles; otherwise they are permitted and bounded at runtime by
// per-node iteration ceilings.
func (s *Scheduler) Validate(def *Definition) error {
	known := map[NodeType]bool{}
	for _, t := range NodeTypes() {
		known[t] = true
	}
	for _, node := range def.Nodes() {
		if !known[node.Type] {
			return NewNodeError(ErrKindValidation, node.ID, fmt.Sprintf("unknown node type %q", node.Type))
		}
		if node.Type == NodeTypeJoin {
			if err := validateJoinConfig(def, node); err != nil {
				return err
			}
		}
	}
	for _, edge := range def.Edges() {
		if _, ok := def.Node(edge.Source); !ok {
			return NewError(ErrKindValidation, fmt.Sprintf("edge %q references dangling source node %q", edge.ID, edge.Source))
		}
		if _, ok := def.Node(edge.Target); !ok {
			return NewError(ErrKindValidation, fmt.Sprintf("edge %q references dangling target node %q", edge.ID, edge.Target))
		}
		if err := validateCondition(edge); err != nil {
			return err
		}
	}
	if len(def.StartNodes()) == 0 {
		return NewError(ErrKindValidation, "workflow has no start node")
	}
	if def.Config().RejectCycles {
		if cyclic := s.CyclicNodes(def); len(cyclic) > 0 {
			return NewError(ErrKindValidation, fmt.Sprintf("workflow contains cycles through nodes %v", sortedKeys(cyclic)))
		}
	}
	return nil
}

func validateCondition(edge *Edge) error {
	if edge.Condition == nil {
		return nil
	}
	switch edge.Condition.Type {
	case "", ConditionAlways:
		return nil
	case ConditionExpression, ConditionLLM:
		if edge.Condition.Expression == "" {
			return NewError(ErrKindValidation, fmt.Sprintf("edge %q has a %s condition with no expression", edge.ID, edge.Condition.Type))
		}
		return nil
	}
	return NewError(ErrKindValidation, fmt.Sprintf("edge %q has unknown condition type %q", edge.ID, edge.Condition.Type))
}

func validateJoinConfig(def *Definition, node *Node) error {
	strategy := joinStrategy(node)
	switch strategy {
	case JoinWaitAll, JoinRace:
	case JoinCount:
		count := joinCount(node)
		if count <= 0 {
			return NewNodeError(ErrKindValidation, node.ID, "join with count strategy requires a positive count")
		}
		if count > len(def.Incoming(node.ID)) {
			return NewNodeError(ErrKindValidation, node.ID, "join count exceeds the number of incoming branches")
		}
	default:
		return NewNodeError(ErrKindValidation, node.ID, fmt.Sprintf("unknown join strategy %q", strategy))
	}
	return nil
}

func joinStrategy(node *Node) JoinStrategy {
	if s, ok := node.Config["strategy"].(string); ok && s != "" {
		return JoinStrategy(s)
	}
	return JoinWaitAll
}

func joinCount(node *Node) int {
	switch v := node.Config["count"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// CyclicNodes returns the set of node ids that lie on at least one cycle,
// found by a depth-first traversal with white/gray/black coloring: any edge
// reaching a gray node closes a cycle.
func (s *Scheduler) CyclicNodes(def *Definition) map[string]bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	onStack := []string{}
	cyclic := map[string]bool{}

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		onStack = append(onStack, id)
		for _, edge := range def.Outgoing(id) {
			switch color[edge.Target] {
			case white:
				visit(edge.Target)
			case gray:
				// Everything on the stack from the target onward is
				// part of this cycle.
				for i := len(onStack) - 1; i >= 0; i-- {
					cyclic[onStack[i]] = true
					if onStack[i] == edge.Target {
						break
					}
				}
			}
		}
		onStack = onStack[:len(onStack)-1]
		color[id] = black
	}

	for _, id := range def.NodeIDs() {
		if color[id] == white {
			visit(id)
		}
	}
	return cyclic
}

// NextFrontier computes the set of node ids ready to execute given the
// current state. A node is ready when it has an unconsumed completed
// predecessor whose edge condition evaluates truthily, or when it is a start
// node that has not yet run. Join nodes apply their aggregation strategy
// across incoming branches. Results are sorted, so the frontier is
// deterministic for identical state.
//
// Iteration ceilings are not applied here: the engine enforces them so it
// can fail the execution with a specific error instead of silently stalling.
func (s *Scheduler) NextFrontier(ctx context.Context, def *Definition, state *ExecutionState) ([]string, error) {
	inFlight := map[string]bool{}
	for _, id := range state.CurrentNodes() {
		inFlight[id] = true
	}

	var frontier []string
	for _, id := range def.NodeIDs() {
		if inFlight[id] {
			continue
		}
		node, _ := def.Node(id)
		ready, err := s.nodeReady(ctx, def, node, state)
		if err != nil {
			return nil, err
		}
		if ready {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)
	return frontier, nil
}

func (s *Scheduler) nodeReady(ctx context.Context, def *Definition, node *Node, state *ExecutionState) (bool, error) {
	incoming := def.Incoming(node.ID)
	if len(incoming) == 0 {
		// Start nodes run exactly once. A non-start node with no incoming
		// edges is reachable only through an explicit routing decision.
		for _, start := range def.StartNodes() {
			if start.ID == node.ID {
				return state.ExecutionCount(node.ID) == 0, nil
			}
		}
		return false, nil
	}

	// A predecessor completion is only a trigger if it is newer than this
	// node's own last run; this is what lets capped cycles re-arm while a
	// failed run still consumes its trigger.
	lastSeq := 0
	if last, ok := state.LastStep(node.ID); ok {
		lastSeq = last.Seq
	}

	satisfied := 0
	for _, edge := range incoming {
		source, ok := state.LastCompletion(edge.Source)
		if !ok {
			continue
		}
		if edge.Source == node.ID {
			// On a self edge the trigger is the node's own completion,
			// which carries the same Seq as its last run. A failed last
			// run leaves the completion older, so it still consumes the
			// trigger.
			if source.Seq < lastSeq {
				continue
			}
		} else if source.Seq <= lastSeq {
			continue
		}
		pass, err := s.EvaluateCondition(ctx, edge, state)
		if err != nil {
			return false, err
		}
		if pass {
			satisfied++
		}
	}
	if satisfied == 0 {
		return false, nil
	}
	if node.Type != NodeTypeJoin {
		return true, nil
	}
	switch joinStrategy(node) {
	case JoinRace:
		return satisfied >= 1, nil
	case JoinCount:
		return satisfied >= joinCount(node), nil
	default: // wait_all
		return satisfied == len(incoming), nil
	}
}

// EvaluateCondition evaluates an edge condition against the execution state.
// Expression conditions run in the sandboxed script engine with the
// execution data bound as globals plus the source node's latest output bound
// as "output". LLM conditions delegate to the injected evaluator.
func (s *Scheduler) EvaluateCondition(ctx context.Context, edge *Edge, state *ExecutionState) (bool, error) {
	if edge.Condition == nil {
		return true, nil
	}
	switch edge.Condition.Type {
	case "", ConditionAlways:
		return true, nil
	case ConditionExpression:
		compiled, err := s.compile(ctx, edge.Condition.Expression)
		if err != nil {
			return false, fmt.Errorf("failed to compile condition on edge %q: %w", edge.ID, err)
		}
		globals := map[string]any{
			"data":  state.Data(),
			"input": state.Data(),
		}
		if source, ok := state.LastCompletion(edge.Source); ok {
			globals["output"] = source.Output
		}
		value, err := compiled.Evaluate(ctx, globals)
		if err != nil {
			return false, fmt.Errorf("failed to evaluate condition on edge %q: %w", edge.ID, err)
		}
		return value.IsTruthy(), nil
	case ConditionLLM:
		if s.evaluator == nil {
			return false, fmt.Errorf("edge %q has an llm condition but no condition evaluator is configured", edge.ID)
		}
		return s.evaluator.EvaluateCondition(ctx, edge.Condition.Expression, state)
	}
	return false, fmt.Errorf("unknown condition type %q on edge %q", edge.Condition.Type, edge.ID)
}

func (s *Scheduler) compile(ctx context.Context, expression string) (script.Script, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if compiled, ok := s.compiled[expression]; ok {
		return compiled, nil
	}
	compiled, err := s.compiler.Compile(ctx, expression)
	if err != nil {
		return nil, err
	}
	s.compiled[expression] = compiled
	return compiled, nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
