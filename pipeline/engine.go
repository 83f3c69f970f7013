package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dshills/agentpipeline/checkpoint"
	"github.com/dshills/agentpipeline/pipeline/emit"
)

// Engine runs a session through a fixed graph of nodes, persisting a
// checkpoint after every node execution so that a crash or process restart
// can resume from the last completed step. It is deliberately single-node:
// there is no concurrent frontier, no fan-out, and no replay-seeded RNG —
// one session advances through one node at a time, in order.
//
// Type parameter S is the session state threaded through every node.
type Engine[S any] struct {
	mu        sync.RWMutex
	nodes     map[string]Node[S]
	edges     map[string][]Edge[S]
	reducer   Reducer[S]
	cp        checkpoint.Checkpointer
	startNode string
	cfg       engineConfig[S]
}

// New constructs an Engine. reducer merges node deltas into running state;
// cp persists state after every step.
func New[S any](reducer Reducer[S], cp checkpoint.Checkpointer, opts ...Option[S]) *Engine[S] {
	cfg := engineConfig[S]{emitter: emit.NewNullEmitter()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine[S]{
		nodes:   make(map[string]Node[S]),
		edges:   make(map[string][]Edge[S]),
		reducer: reducer,
		cp:      cp,
		cfg:     cfg,
	}
}

// Add registers a node under nodeID. Re-registering an existing id is an error.
func (e *Engine[S]) Add(nodeID string, node Node[S]) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if nodeID == "" {
		return &EngineError{Message: "node id must not be empty", Code: "INVALID_NODE_ID"}
	}
	if _, exists := e.nodes[nodeID]; exists {
		return &EngineError{Message: "node already registered: " + nodeID, Code: "DUPLICATE_NODE"}
	}
	e.nodes[nodeID] = node
	return nil
}

// Connect adds an edge from -> to, traversed when the node at from returns
// no explicit Route and when evaluates true (or is nil). Edges for a given
// from node are evaluated in the order Connect was called; first match wins.
func (e *Engine[S]) Connect(from, to string, when Predicate[S]) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.nodes[from]; !exists {
		return &EngineError{Message: "unknown source node: " + from, Code: "NODE_NOT_FOUND"}
	}
	if _, exists := e.nodes[to]; !exists {
		return &EngineError{Message: "unknown destination node: " + to, Code: "NODE_NOT_FOUND"}
	}
	e.edges[from] = append(e.edges[from], Edge[S]{From: from, To: to, When: when})
	return nil
}

// StartAt designates the entry node for Run.
func (e *Engine[S]) StartAt(nodeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.nodes[nodeID]; !exists {
		return &EngineError{Message: "unknown start node: " + nodeID, Code: "NODE_NOT_FOUND"}
	}
	e.startNode = nodeID
	return nil
}

// Run begins a fresh execution for threadID at the configured start node.
// Each step is checkpointed. If a node sets Interrupt, Run returns the
// post-node state and ErrInterrupted; call Resume once a decision has been
// recorded to continue from there.
func (e *Engine[S]) Run(ctx context.Context, threadID string, initial S) (S, error) {
	var zero S
	if e.reducer == nil {
		return zero, &EngineError{Message: "reducer is required", Code: "MISSING_REDUCER"}
	}
	if e.cp == nil {
		return zero, &EngineError{Message: "checkpointer is required", Code: "MISSING_CHECKPOINTER"}
	}
	if e.startNode == "" {
		return zero, &EngineError{Message: "start node not set (call StartAt before Run)", Code: "NO_START_NODE"}
	}
	return e.runLoop(ctx, threadID, initial, e.startNode, 0)
}

// Resume loads the latest checkpoint for threadID, applies patch to the
// persisted state (patch may be nil), evaluates outgoing edges from the
// node that produced that checkpoint, and continues execution from there.
// It is the counterpart to an interrupted Run: the interrupting node is
// never re-executed, only routed away from.
func (e *Engine[S]) Resume(ctx context.Context, threadID string, patch func(S) S) (S, error) {
	var zero S
	cp, _, err := e.cp.GetTuple(ctx, checkpoint.Config{ThreadID: threadID})
	if err != nil {
		return zero, fmt.Errorf("pipeline: resume: load checkpoint: %w", err)
	}

	var state S
	if err := json.Unmarshal(cp.Bytes, &state); err != nil {
		return zero, &EngineError{Message: "failed to decode checkpoint state", Code: "DECODE_ERROR", Cause: err}
	}
	if patch != nil {
		state = patch(state)
	}

	lastNode := string(cp.Metadata.Bytes)
	nextNode := e.evaluateEdges(lastNode, state)
	if nextNode == "" {
		return zero, &EngineError{Message: "no valid route to resume from node: " + lastNode, Code: "NO_ROUTE"}
	}

	step := 0
	fmt.Sscanf(cp.CheckpointID, "%d", &step)
	return e.runLoop(ctx, threadID, state, nextNode, step)
}

func (e *Engine[S]) runLoop(ctx context.Context, threadID string, state S, currentNode string, stepStart int) (S, error) {
	var zero S
	step := stepStart

	for {
		step++

		if e.cfg.maxSteps > 0 && step-stepStart > e.cfg.maxSteps {
			return zero, ErrMaxStepsExceeded
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		e.mu.RLock()
		node, exists := e.nodes[currentNode]
		e.mu.RUnlock()
		if !exists {
			return zero, &EngineError{Message: "node not found during execution: " + currentNode, Code: "NODE_NOT_FOUND"}
		}

		e.cfg.emitter.Emit(emit.Event{SessionID: threadID, Step: step, NodeID: currentNode, Msg: "node_start"})

		result := node.Run(ctx, state)
		if result.Err != nil {
			e.cfg.emitter.Emit(emit.Event{SessionID: threadID, Step: step, NodeID: currentNode, Msg: "node_error",
				Meta: map[string]interface{}{"error": result.Err.Error()}})
			return zero, result.Err
		}

		state = e.reducer(state, result.Delta)

		if err := e.persist(ctx, threadID, step, currentNode, state); err != nil {
			return zero, &EngineError{Message: "failed to persist checkpoint: " + err.Error(), Code: "CHECKPOINT_ERROR", Cause: err}
		}

		e.cfg.emitter.Emit(emit.Event{SessionID: threadID, Step: step, NodeID: currentNode, Msg: "node_end"})

		if result.Interrupt {
			e.cfg.emitter.Emit(emit.Event{SessionID: threadID, Step: step, NodeID: currentNode, Msg: "interrupted"})
			return state, ErrInterrupted
		}

		if result.Route.Terminal {
			e.cfg.emitter.Emit(emit.Event{SessionID: threadID, Step: step, NodeID: currentNode, Msg: "terminal"})
			return state, nil
		}

		if result.Route.To != "" {
			e.cfg.emitter.Emit(emit.Event{SessionID: threadID, Step: step, NodeID: currentNode, Msg: "route",
				Meta: map[string]interface{}{"next_node": result.Route.To}})
			currentNode = result.Route.To
			continue
		}

		next := e.evaluateEdges(currentNode, state)
		if next == "" {
			return zero, &EngineError{Message: "no valid route from node: " + currentNode, Code: "NO_ROUTE"}
		}
		e.cfg.emitter.Emit(emit.Event{SessionID: threadID, Step: step, NodeID: currentNode, Msg: "route",
			Meta: map[string]interface{}{"next_node": next, "via_edge": true}})
		currentNode = next
	}
}

// evaluateEdges returns the first outgoing edge from fromNode whose
// predicate matches state (or is nil), or "" if none match.
func (e *Engine[S]) evaluateEdges(fromNode string, state S) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, edge := range e.edges[fromNode] {
		if edge.When == nil || edge.When(state) {
			return edge.To
		}
	}
	return ""
}

func (e *Engine[S]) persist(ctx context.Context, threadID string, step int, nodeID string, state S) error {
	bytes, err := json.Marshal(state)
	if err != nil {
		return err
	}
	cfg := checkpoint.Config{ThreadID: threadID}
	cp := checkpoint.Checkpoint{
		CheckpointID: fmt.Sprintf("%d", step),
		TypeTag:      "json",
		Bytes:        bytes,
		Metadata:     checkpoint.Metadata{TypeTag: "node", Bytes: []byte(nodeID)},
	}
	_, err = e.cp.Put(ctx, cfg, cp, nil)
	return err
}
