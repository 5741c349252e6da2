package conductor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/deepnoodle-ai/conductor/retry"
	"github.com/deepnoodle-ai/conductor/script"
	"golang.org/x/sync/errgroup"
)

// RecoveryDecision is the outcome proposed by a RecoveryStrategy for a
// failed node.
type RecoveryDecision struct {

	// Retry re-invokes the failed node.
	Retry bool

	// NextNodeID activates an alternate node instead of failing the
	// execution.
	NextNodeID string
}

// RecoveryStrategy is the injected collaborator consulted under the
// llm_recovery error policy. Its decision is treated as a mid-loop routing
// choice rather than a hard failure.
type RecoveryStrategy interface {
	Recover(ctx context.Context, state StateReader, node *Node, nodeErr error) (*RecoveryDecision, error)
}

// EngineOptions configures a new Engine.
type EngineOptions struct {
	Executors          []NodeExecutor
	Backend            Backend
	Memory             MemoryStore
	ScriptCompiler     script.Compiler
	ConditionEvaluator ConditionEvaluator
	RecoveryStrategy   RecoveryStrategy
	Checkpointer       Checkpointer
	Registry           *ExecutionRegistry
	Events             EventSink
	Logger             *slog.Logger
}

// Engine drives workflow executions: it validates definitions, runs the
// scheduling loop, dispatches node executors, and exposes resume, cancel,
// and state access for collaborators.
type Engine struct {
	executors    *ExecutorSet
	scheduler    *Scheduler
	backend      Backend
	memory       MemoryStore
	compiler     script.Compiler
	recovery     RecoveryStrategy
	checkpointer Checkpointer
	registry     *ExecutionRegistry
	events       EventSink
	logger       *slog.Logger

	mutex       sync.Mutex
	definitions map[string]*Definition
	live        map[string]*Execution
}

// NewEngine creates a new workflow engine.
func NewEngine(opts EngineOptions) (*Engine, error) {
	executors, err := NewExecutorSet(opts.Executors)
	if err != nil {
		return nil, err
	}
	if opts.ScriptCompiler == nil {
		opts.ScriptCompiler = script.NewRisorEngine(script.DefaultGlobals())
	}
	if opts.ConditionEvaluator == nil && opts.Backend != nil {
		opts.ConditionEvaluator = &backendConditionEvaluator{backend: opts.Backend}
	}
	if opts.Checkpointer == nil {
		opts.Checkpointer = NewNullCheckpointer()
	}
	if opts.Events == nil {
		opts.Events = NewNullSink()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Memory == nil {
		opts.Memory = NewInMemoryStore()
	}
	if opts.Registry == nil {
		registry, err := NewExecutionRegistry(context.Background(), RegistryOptions{})
		if err != nil {
			return nil, err
		}
		opts.Registry = registry
	}
	return &Engine{
		executors: executors,
		scheduler: NewScheduler(SchedulerOptions{
			Compiler:  opts.ScriptCompiler,
			Evaluator: opts.ConditionEvaluator,
		}),
		backend:      opts.Backend,
		memory:       opts.Memory,
		compiler:     opts.ScriptCompiler,
		recovery:     opts.RecoveryStrategy,
		checkpointer: opts.Checkpointer,
		registry:     opts.Registry,
		events:       opts.Events,
		logger:       opts.Logger,
		definitions:  map[string]*Definition{},
		live:         map[string]*Execution{},
	}, nil
}

// Registry returns the execution registry used by the engine.
func (e *Engine) Registry() *ExecutionRegistry {
	return e.registry
}

// backendConditionEvaluator answers llm edge conditions with the model
// backend.
type backendConditionEvaluator struct {
	backend Backend
}

func (b *backendConditionEvaluator) EvaluateCondition(ctx context.Context, expression string, state StateReader) (bool, error) {
	return b.backend.Decide(ctx, expression, state.Data())
}

// StartOptions configures a new execution.
type StartOptions struct {
	ExecutionID string
	OwnerID     string
	Input       map[string]any
}

// Start validates the definition and begins executing it with the given
// input. The run loop runs on its own goroutine; use Execution.Wait to block
// until it finishes or pauses.
func (e *Engine) Start(ctx context.Context, def *Definition, opts StartOptions) (*Execution, error) {
	if def == nil {
		return nil, fmt.Errorf("workflow definition is required")
	}
	if err := e.scheduler.Validate(def); err != nil {
		return nil, err
	}
	for _, node := range def.Nodes() {
		if _, ok := e.executors.Get(node.Type); !ok {
			return nil, NewNodeError(ErrKindValidation, node.ID, fmt.Sprintf("no executor registered for node type %q", node.Type))
		}
	}
	if opts.ExecutionID == "" {
		opts.ExecutionID = NewExecutionID()
	}

	e.mutex.Lock()
	e.definitions[def.ID()] = def
	e.mutex.Unlock()

	state := NewExecutionState(opts.ExecutionID, def.ID(), def.Name(), opts.OwnerID, opts.Input)
	execution := e.newExecution(def, state)

	if err := e.registry.Register(ctx, &RegistryEntry{
		ExecutionID:  state.ID(),
		OwnerID:      state.OwnerID(),
		WorkflowID:   def.ID(),
		WorkflowName: def.Name(),
		Status:       ExecutionStatusQueued,
		StartedAt:    time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("failed to register execution: %w", err)
	}

	if err := execution.start(); err != nil {
		return nil, err
	}
	e.track(execution)
	go execution.run(ctx)
	return execution, nil
}

// Resume wakes a paused execution by resolving its pending human
// checkpoint. The checkpoint id must match the execution's single pending
// checkpoint; a second resume for the same checkpoint is rejected because
// the first one cleared it.
func (e *Engine) Resume(ctx context.Context, executionID, checkpointID string, response map[string]any) (*Execution, error) {
	state, err := e.loadState(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if state.Status() != ExecutionStatusPaused {
		return nil, fmt.Errorf("execution %s is %s, not paused", executionID, state.Status())
	}
	pending := state.Pending()
	if pending == nil {
		return nil, fmt.Errorf("execution %s has no pending checkpoint", executionID)
	}
	if checkpointID != "" && pending.ID != checkpointID {
		return nil, fmt.Errorf("checkpoint %s does not match pending checkpoint %s", checkpointID, pending.ID)
	}

	def, err := e.definition(state.WorkflowID())
	if err != nil {
		return nil, err
	}
	node, ok := def.Node(pending.NodeID)
	if !ok {
		return nil, fmt.Errorf("paused node %q not found in workflow %q", pending.NodeID, def.ID())
	}
	executor, ok := e.executors.Get(node.Type)
	if !ok {
		return nil, fmt.Errorf("no executor registered for node type %q", node.Type)
	}
	resumable, ok := executor.(Resumable)
	if !ok {
		return nil, fmt.Errorf("node type %q is not resumable", node.Type)
	}

	execution := e.newExecution(def, state)
	if err := execution.start(); err != nil {
		return nil, err
	}

	startedAt := time.Now()
	result, err := resumable.Resume(ctx, execution.executionContext(node), response)
	if err != nil {
		return nil, fmt.Errorf("failed to resume node %q: %w", node.ID, err)
	}
	state.ClearPending()
	if _, err := execution.stateMgr.Apply(ctx, &NodeDelta{
		NodeID:      node.ID,
		Iteration:   state.CompletionCount(node.ID),
		Result:      result,
		StartedAt:   startedAt,
		CompletedAt: time.Now(),
	}); err != nil {
		return nil, err
	}
	if err := state.Transition(ExecutionStatusRunning); err != nil {
		return nil, err
	}
	if _, err := execution.stateMgr.Checkpoint(ctx); err != nil {
		return nil, err
	}
	if err := e.registry.UpdateStatus(ctx, state.ID(), ExecutionStatusRunning, state.CurrentNodes()); err != nil {
		e.logger.Error("failed to update registry entry", "execution_id", state.ID(), "error", err)
	}

	event := newEvent(EventExecutionResumed, state)
	event.NodeID = node.ID
	event.CheckpointID = pending.ID
	e.events.Emit(ctx, event)

	e.track(execution)
	go execution.run(ctx)
	return execution, nil
}

// Recover reconstructs an execution from its latest checkpoint after a
// crash or restart and, when it was interrupted mid-run, continues it.
// Nodes that were in flight at crash time have no completion record, so the
// scheduler re-readies them exactly once.
func (e *Engine) Recover(ctx context.Context, executionID string) (*Execution, error) {
	state, err := e.loadState(ctx, executionID)
	if err != nil {
		return nil, err
	}
	def, err := e.definition(state.WorkflowID())
	if err != nil {
		return nil, err
	}
	execution := e.newExecution(def, state)
	if state.Status().Terminal() || state.Status() == ExecutionStatusPaused {
		return execution, nil
	}
	// Drop the in-flight frontier; it is recomputed from history.
	state.SetCurrentNodes(nil)
	if err := execution.start(); err != nil {
		return nil, err
	}
	e.track(execution)
	go execution.run(ctx)
	return execution, nil
}

// Cancel aborts an execution. In-flight executors receive a cooperative
// abort signal through their contexts; the execution transitions to
// cancelled, checkpoints its terminal state, and emits a cancellation event
// distinct from failure.
func (e *Engine) Cancel(ctx context.Context, executionID, reason string) error {
	e.mutex.Lock()
	execution, live := e.live[executionID]
	e.mutex.Unlock()
	if live {
		execution.requestCancel(reason)
		return nil
	}

	// Not live: cancel directly against the persisted state.
	state, err := e.loadState(ctx, executionID)
	if err != nil {
		return err
	}
	if state.Status().Terminal() {
		return fmt.Errorf("execution %s is already %s", executionID, state.Status())
	}
	if err := state.Transition(ExecutionStatusCancelled); err != nil {
		return err
	}
	state.SetTiming(time.Time{}, time.Now())
	state.AppendError(ErrKindCancelled, "", reason)
	manager := NewStateManager(StateManagerOptions{
		State:        state,
		Checkpointer: e.checkpointer,
		Persistence:  PersistenceCheckpoint,
		Logger:       e.logger,
	})
	if _, err := manager.Checkpoint(ctx); err != nil {
		return err
	}
	if err := e.registry.UpdateStatus(ctx, executionID, ExecutionStatusCancelled, nil); err != nil {
		e.logger.Error("failed to update registry entry", "execution_id", executionID, "error", err)
	}

	event := newEvent(EventExecutionCancelled, state)
	event.Reason = reason
	e.events.Emit(ctx, event)
	return nil
}

// GetState returns the state of an execution, from the live run when one
// exists, otherwise recovered from the latest checkpoint.
func (e *Engine) GetState(ctx context.Context, executionID string) (*ExecutionState, error) {
	return e.loadState(ctx, executionID)
}

func (e *Engine) loadState(ctx context.Context, executionID string) (*ExecutionState, error) {
	e.mutex.Lock()
	execution, live := e.live[executionID]
	e.mutex.Unlock()
	if live {
		return execution.state, nil
	}
	state := NewExecutionState(executionID, "", "", "", nil)
	manager := NewStateManager(StateManagerOptions{
		State:        state,
		Checkpointer: e.checkpointer,
		Persistence:  PersistenceCheckpoint,
		Logger:       e.logger,
	})
	return manager.Recover(ctx, executionID)
}

func (e *Engine) definition(workflowID string) (*Definition, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	def, ok := e.definitions[workflowID]
	if !ok {
		return nil, fmt.Errorf("workflow definition %q is not loaded", workflowID)
	}
	return def, nil
}

// AddDefinition makes a definition available for resume and recovery
// without starting an execution.
func (e *Engine) AddDefinition(def *Definition) error {
	if err := e.scheduler.Validate(def); err != nil {
		return err
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.definitions[def.ID()] = def
	return nil
}

func (e *Engine) track(execution *Execution) {
	e.mutex.Lock()
	e.live[execution.ID()] = execution
	e.mutex.Unlock()
	go func() {
		<-execution.Done()
		e.mutex.Lock()
		delete(e.live, execution.ID())
		e.mutex.Unlock()
	}()
}

func (e *Engine) newExecution(def *Definition, state *ExecutionState) *Execution {
	return &Execution{
		def:       def,
		state:     state,
		scheduler: e.scheduler,
		executors: e.executors,
		backend:   e.backend,
		memory:    e.memory,
		compiler:  e.compiler,
		recovery:  e.recovery,
		registry:  e.registry,
		events:    e.events,
		logger:    e.logger.With("execution_id", state.ID()),
		stateMgr: NewStateManager(StateManagerOptions{
			State:        state,
			Checkpointer: e.checkpointer,
			Persistence:  def.Config().Persistence,
			Logger:       e.logger.With("execution_id", state.ID()),
		}),
		done: make(chan struct{}),
	}
}

// Execution is one run of a workflow definition. Its run loop executes on
// its own goroutine; results from concurrent frontier nodes are merged
// through the StateManager, which is the single serialization point.
type Execution struct {
	def       *Definition
	state     *ExecutionState
	stateMgr  *StateManager
	scheduler *Scheduler
	executors *ExecutorSet
	backend   Backend
	memory    MemoryStore
	compiler  script.Compiler
	recovery  RecoveryStrategy
	registry  *ExecutionRegistry
	events    EventSink
	logger    *slog.Logger

	// commitMutex orders node commits: apply, checkpoint, and event
	// emission happen as one unit per completed node.
	commitMutex sync.Mutex
	forced      []string

	cancelMutex  sync.Mutex
	cancelReason string
	cancelFunc   context.CancelFunc
	cancelled    bool

	startMutex sync.Mutex
	started    bool

	done   chan struct{}
	runErr error
}

// ID returns the execution id.
func (x *Execution) ID() string {
	return x.state.ID()
}

// Status returns the current execution status.
func (x *Execution) Status() ExecutionStatus {
	return x.state.Status()
}

// State returns the execution state.
func (x *Execution) State() *ExecutionState {
	return x.state
}

// Done returns a channel closed when the run loop exits.
func (x *Execution) Done() <-chan struct{} {
	return x.done
}

// Wait blocks until the run loop exits and returns its error, if any. A
// paused execution counts as a clean exit.
func (x *Execution) Wait() error {
	<-x.done
	return x.runErr
}

func (x *Execution) start() error {
	x.startMutex.Lock()
	defer x.startMutex.Unlock()
	if x.started {
		return fmt.Errorf("execution already started")
	}
	x.started = true
	return nil
}

func (x *Execution) requestCancel(reason string) {
	x.cancelMutex.Lock()
	defer x.cancelMutex.Unlock()
	x.cancelled = true
	x.cancelReason = reason
	if x.cancelFunc != nil {
		x.cancelFunc()
	}
}

func (x *Execution) cancelRequested() (string, bool) {
	x.cancelMutex.Lock()
	defer x.cancelMutex.Unlock()
	return x.cancelReason, x.cancelled
}

// run drives the execution until it completes, fails, pauses, or is
// cancelled. It always produces a terminal-or-paused state and never
// panics out.
func (x *Execution) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	x.cancelMutex.Lock()
	x.cancelFunc = cancel
	x.cancelMutex.Unlock()
	defer cancel()
	defer close(x.done)

	if x.state.Status() == ExecutionStatusQueued {
		if err := x.state.Transition(ExecutionStatusRunning); err != nil {
			x.runErr = err
			return
		}
	}
	if x.state.StartTime().IsZero() {
		x.state.SetTiming(time.Now(), time.Time{})
	}
	if err := x.registry.UpdateStatus(ctx, x.ID(), ExecutionStatusRunning, nil); err != nil {
		x.logger.Error("failed to update registry entry", "error", err)
	}
	x.events.Emit(ctx, newEvent(EventExecutionStarted, x.state))
	x.logger.Info("execution started", "workflow", x.def.Name())

	x.runErr = x.loop(ctx)
}

func (x *Execution) loop(ctx context.Context) error {
	config := x.def.Config()
	for {
		// Cancellation is checked at node boundaries, before any
		// dispatch, so cancelling before the first tick guarantees zero
		// node executions.
		if reason, ok := x.cancelRequested(); ok {
			return x.finishCancelled(reason)
		}
		if ctx.Err() != nil {
			return x.finishCancelled(ctx.Err().Error())
		}
		if elapsed := time.Since(x.state.StartTime()); elapsed > config.MaxExecutionTime {
			return x.finishFailed(ctx, NewError(ErrKindMaxExecutionTimeExceeded,
				fmt.Sprintf("execution exceeded the %s time ceiling", config.MaxExecutionTime)))
		}

		frontier, err := x.nextFrontier(ctx)
		if err != nil {
			return x.finishFailed(ctx, Classify(err))
		}
		if len(frontier) == 0 {
			return x.finishCompleted(ctx)
		}
		if x.state.TotalSteps()+len(frontier) > config.MaxNodes {
			return x.finishFailed(ctx, NewError(ErrKindMaxNodesExceeded,
				fmt.Sprintf("execution exceeded the %d node ceiling", config.MaxNodes)))
		}

		// Enforce per-node iteration ceilings before dispatch so a
		// cyclic definition fails with a specific error instead of
		// looping forever.
		for _, nodeID := range frontier {
			node, _ := x.def.Node(nodeID)
			if ceiling := x.def.MaxIterations(node); x.state.ExecutionCount(nodeID) >= ceiling {
				return x.finishFailed(ctx, NewNodeError(ErrKindCycleIterationExceeded, nodeID,
					fmt.Sprintf("node exceeded its iteration ceiling of %d", ceiling)))
			}
		}

		x.state.SetCurrentNodes(frontier)
		x.registry.TouchFrontier(x.ID(), frontier)

		outcome, err := x.dispatch(ctx, frontier)
		if err != nil {
			return x.finishFailed(ctx, Classify(err))
		}
		if outcome.paused != nil {
			return x.finishPaused(ctx, outcome.paused)
		}
		if outcome.failure != nil {
			// A cancel that lands mid-dispatch surfaces as a node failure
			// with the cancelled kind; report it as a cancellation.
			if reason, ok := x.cancelRequested(); ok {
				return x.finishCancelled(reason)
			}
			if outcome.failure.Kind == ErrKindCancelled {
				return x.finishCancelled(outcome.failure.Message)
			}
			return x.finishFailed(ctx, outcome.failure)
		}
	}
}

// nextFrontier merges scheduler-computed readiness with nodes forced by a
// recovery decision.
func (x *Execution) nextFrontier(ctx context.Context) ([]string, error) {
	frontier, err := x.scheduler.NextFrontier(ctx, x.def, x.state)
	if err != nil {
		return nil, err
	}
	x.commitMutex.Lock()
	forced := x.forced
	x.forced = nil
	x.commitMutex.Unlock()

	seen := map[string]bool{}
	for _, id := range frontier {
		seen[id] = true
	}
	for _, id := range forced {
		if !seen[id] {
			frontier = append(frontier, id)
		}
	}
	return frontier, nil
}

// tickOutcome aggregates the results of one frontier dispatch.
type tickOutcome struct {
	paused  *PendingCheckpoint
	failure *Error
}

// dispatch runs every frontier node concurrently and commits each result
// through the StateManager as it lands. A terminal node failure cancels the
// remaining in-flight nodes.
func (x *Execution) dispatch(ctx context.Context, frontier []string) (*tickOutcome, error) {
	outcome := &tickOutcome{}
	var outcomeMutex sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, nodeID := range frontier {
		node, _ := x.def.Node(nodeID)
		g.Go(func() error {
			delta := x.executeNode(gctx, node)
			terminal, pending, commitErr := x.commit(gctx, node, delta)
			if commitErr != nil {
				return commitErr
			}
			outcomeMutex.Lock()
			defer outcomeMutex.Unlock()
			if pending != nil && outcome.paused == nil {
				outcome.paused = pending
			}
			if terminal != nil {
				if outcome.failure == nil {
					outcome.failure = terminal
				}
				// Cancels sibling dispatches via gctx.
				return terminal
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Terminal node failures are reported through the outcome; any
		// other error is a commit failure.
		if outcome.failure == nil {
			return nil, err
		}
	}
	return outcome, nil
}

// commit applies a node delta and checkpoints, as one ordered unit per
// completed node. It returns the terminal failure to surface, if any, and
// the pending checkpoint when the node paused.
func (x *Execution) commit(ctx context.Context, node *Node, delta *nodeOutcome) (*Error, *PendingCheckpoint, error) {
	x.commitMutex.Lock()
	defer x.commitMutex.Unlock()

	if _, err := x.stateMgr.Apply(ctx, delta.delta); err != nil {
		return nil, nil, err
	}
	if delta.forcedNext != "" {
		x.forced = append(x.forced, delta.forcedNext)
	}

	checkpoint, err := x.stateMgr.Checkpoint(ctx)
	if err != nil {
		// A checkpoint failure threatens recoverability and fails the
		// execution after the StateManager's own retries.
		return Classify(err), nil, nil
	}
	if checkpoint != nil {
		event := newEvent(EventCheckpointSaved, x.state)
		event.NodeID = node.ID
		event.CheckpointID = checkpoint.ID
		x.events.Emit(ctx, event)
	}

	result := delta.delta.Result
	switch result.Status {
	case NodeStatusCompleted:
		event := newEvent(EventNodeCompleted, x.state)
		event.NodeID = node.ID
		event.Output = result.Output
		x.events.Emit(ctx, event)
		return nil, nil, nil
	case NodeStatusPaused:
		event := newEvent(EventHumanRequired, x.state)
		event.NodeID = node.ID
		if result.Pending != nil {
			event.CheckpointID = result.Pending.ID
		}
		event.Reason = result.PauseReason
		x.events.Emit(ctx, event)
		return nil, result.Pending, nil
	default:
		event := newEvent(EventNodeError, x.state)
		event.NodeID = node.ID
		if result.Err != nil {
			event.Error = result.Err.Error()
		}
		x.events.Emit(ctx, event)
		if delta.terminal {
			return WrapNodeError(node.ID, result.Err), nil, nil
		}
		return nil, nil, nil
	}
}

// nodeOutcome wraps a NodeDelta with routing decisions made by the error
// policy.
type nodeOutcome struct {
	delta      *NodeDelta
	terminal   bool
	forcedNext string
}

func (x *Execution) executionContext(node *Node) *ExecutionContext {
	return &ExecutionContext{
		ExecutionID: x.ID(),
		Definition:  x.def,
		Node:        node,
		State:       x.state,
		Iteration:   x.state.ExecutionCount(node.ID),
		Logger:      x.logger.With("node_id", node.ID),
		Compiler:    x.compiler,
		Backend:     x.backend,
		Memory:      x.memory,
	}
}

// executeNode runs one node under its timeout and the configured error
// policy. It always returns an outcome: panics and errors are folded into a
// failed result, never allowed to crash the run loop.
func (x *Execution) executeNode(ctx context.Context, node *Node) *nodeOutcome {
	config := x.def.Config()
	attempts := 1
	if config.ErrorHandling == ErrorPolicyRetry {
		attempts += x.def.NodeRetries(node)
	}

	startedAt := time.Now()
	var result *NodeResult
	for attempt := 0; ; attempt++ {
		result = x.invokeExecutor(ctx, node)
		if result.Status != NodeStatusFailed {
			break
		}
		err := result.Err
		x.logger.Warn("node execution failed",
			"node_id", node.ID,
			"attempt", attempt+1,
			"error", err)

		if IsTerminalKind(Classify(err).Kind) {
			break
		}
		if config.ErrorHandling == ErrorPolicyRetry && attempt+1 < attempts && retry.IsRecoverable(err) {
			select {
			case <-ctx.Done():
			case <-time.After(retry.DefaultBackoff.Delay(attempt)):
				continue
			}
			break
		}
		if config.ErrorHandling == ErrorPolicyLLMRecovery && x.recovery != nil {
			decision, recErr := x.recovery.Recover(ctx, x.state, node, err)
			if recErr == nil && decision != nil {
				if decision.Retry {
					continue
				}
				if decision.NextNodeID != "" {
					return &nodeOutcome{
						delta: &NodeDelta{
							NodeID:      node.ID,
							Iteration:   x.state.ExecutionCount(node.ID),
							Result:      result,
							StartedAt:   startedAt,
							CompletedAt: time.Now(),
						},
						forcedNext: decision.NextNodeID,
					}
				}
			}
		}
		break
	}

	delta := &NodeDelta{
		NodeID:      node.ID,
		Iteration:   x.state.ExecutionCount(node.ID),
		Result:      result,
		StartedAt:   startedAt,
		CompletedAt: time.Now(),
	}
	return &nodeOutcome{
		delta:    delta,
		terminal: result.Status == NodeStatusFailed,
	}
}

// invokeExecutor wraps one executor call so exactly one outcome is always
// produced: timeouts, errors, and panics all fold into a failed result.
func (x *Execution) invokeExecutor(ctx context.Context, node *Node) (result *NodeResult) {
	defer func() {
		if r := recover(); r != nil {
			result = FailedResult(NewNodeError(ErrKindNodeExecution, node.ID, fmt.Sprintf("executor panic: %v", r)))
		}
	}()

	executor, ok := x.executors.Get(node.Type)
	if !ok {
		return FailedResult(NewNodeError(ErrKindValidation, node.ID, fmt.Sprintf("no executor registered for node type %q", node.Type)))
	}

	timeout := x.def.NodeTimeout(node)
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ec := x.executionContext(node)
	nodeCtx = WithLogger(nodeCtx, ec.Logger)
	nodeCtx = WithState(nodeCtx, x.state)
	nodeCtx = WithCompiler(nodeCtx, x.compiler)

	event := newEvent(EventNodeStarted, x.state)
	event.NodeID = node.ID
	x.events.Emit(nodeCtx, event)

	res, err := executor.Execute(nodeCtx, ec)
	if err != nil {
		if nodeCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return FailedResult(NewNodeError(ErrKindNodeTimeout, node.ID,
				fmt.Sprintf("node timed out after %s", timeout)))
		}
		return FailedResult(err)
	}
	if res == nil {
		return FailedResult(NewNodeError(ErrKindNodeExecution, node.ID, "executor returned no result"))
	}
	if res.Status == "" {
		res.Status = NodeStatusCompleted
	}
	return res
}

func (x *Execution) finishCompleted(ctx context.Context) error {
	if err := x.state.Transition(ExecutionStatusCompleted); err != nil {
		return err
	}
	x.state.SetTiming(time.Time{}, time.Now())
	if _, err := x.stateMgr.Checkpoint(ctx); err != nil {
		x.logger.Error("failed to save final checkpoint", "error", err)
	}
	if err := x.registry.UpdateStatus(ctx, x.ID(), ExecutionStatusCompleted, nil); err != nil {
		x.logger.Error("failed to update registry entry", "error", err)
	}
	x.events.Emit(ctx, newEvent(EventExecutionCompleted, x.state))
	x.logger.Info("execution completed", "steps", x.state.TotalSteps())
	return nil
}

func (x *Execution) finishFailed(ctx context.Context, failure *Error) error {
	x.state.AppendError(failure.Kind, failure.NodeID, failure.Message)
	if err := x.state.Transition(ExecutionStatusFailed); err != nil {
		return err
	}
	x.state.SetTiming(time.Time{}, time.Now())
	if _, err := x.stateMgr.Checkpoint(ctx); err != nil {
		x.logger.Error("failed to save final checkpoint", "error", err)
	}
	if err := x.registry.UpdateStatus(ctx, x.ID(), ExecutionStatusFailed, nil); err != nil {
		x.logger.Error("failed to update registry entry", "error", err)
	}

	event := newEvent(EventExecutionFailed, x.state)
	event.NodeID = failure.NodeID
	event.Error = failure.Message
	x.events.Emit(ctx, event)
	x.logger.Error("execution failed", "kind", failure.Kind, "error", failure.Message)
	return failure
}

func (x *Execution) finishCancelled(reason string) error {
	// Use a fresh context: the run context is already cancelled.
	ctx := context.Background()
	x.state.AppendError(ErrKindCancelled, "", reason)
	if err := x.state.Transition(ExecutionStatusCancelled); err != nil {
		return err
	}
	x.state.SetTiming(time.Time{}, time.Now())
	if _, err := x.stateMgr.Checkpoint(ctx); err != nil {
		x.logger.Error("failed to save final checkpoint", "error", err)
	}
	if err := x.registry.UpdateStatus(ctx, x.ID(), ExecutionStatusCancelled, nil); err != nil {
		x.logger.Error("failed to update registry entry", "error", err)
	}

	event := newEvent(EventExecutionCancelled, x.state)
	event.Reason = reason
	x.events.Emit(ctx, event)
	x.logger.Info("execution cancelled", "reason", reason)
	return nil
}

func (x *Execution) finishPaused(ctx context.Context, pending *PendingCheckpoint) error {
	if err := x.state.Transition(ExecutionStatusPaused); err != nil {
		return err
	}
	if _, err := x.stateMgr.Checkpoint(ctx); err != nil {
		x.logger.Error("failed to save paused checkpoint", "error", err)
		return err
	}
	if err := x.registry.UpdateStatus(ctx, x.ID(), ExecutionStatusPaused, x.state.CurrentNodes()); err != nil {
		x.logger.Error("failed to update registry entry", "error", err)
	}

	event := newEvent(EventExecutionPaused, x.state)
	event.NodeID = pending.NodeID
	event.CheckpointID = pending.ID
	x.events.Emit(ctx, event)
	x.logger.Info("execution paused",
		"node_id", pending.NodeID,
		"checkpoint_id", pending.ID)
	return nil
}
