// Package graph implements the generic StateGraph Engine (spec.md
// §4.C): a node/edge executor driving state.State through a declared
// topology with conditional routing, bounded iteration, and parallel
// fan-out. Grounded on the teacher's orchestration/workflow_dag.go
// (NodeStatus lifecycle, cycle detection, execution-level grouping) and
// orchestration/executor.go (semaphore + sync.WaitGroup parallel
// dispatch with panic recovery), generalized from the teacher's static
// dependency DAG to this spec's dynamic conditional-edge routing —
// the teacher's WorkflowDAG has no predicate edges, no cycles, and no
// iteration cap, so the routing and cap logic here is newly written in
// the teacher's idiom rather than ported line for line.
package graph

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/localfirst/orchestrator/internal/apperr"
	"github.com/localfirst/orchestrator/internal/logging"
	"github.com/localfirst/orchestrator/internal/state"
)

// End is the sentinel successor name that terminates a run.
const End = "end"

// Start names the reserved initial node entry.
const Start = "start"

// NodeFunc executes one node, reading and returning state.State by
// value — spec.md §3: "state is mutated only by node functions".
type NodeFunc func(ctx context.Context, s state.State) (state.State, error)

// EdgeResolver computes the next node name from the post-node state. A
// static successor is a resolver that ignores its input and always
// returns the same name. Returning "" is treated as End, per spec.md
// §4.C: "Conditional edge predicates must be total; returning nil is
// end."
type EdgeResolver func(s state.State) string

// Static returns an EdgeResolver for a fixed successor.
func Static(next string) EdgeResolver {
	return func(state.State) string { return next }
}

// Graph is the compiled node/edge topology.
type Graph struct {
	nodes        map[string]NodeFunc
	edges        map[string]EdgeResolver
	iterationCap int
	logger       logging.Logger
	tracer       trace.Tracer
}

// New constructs an empty Graph. iterationCap <= 0 defaults to 50, per
// spec.md §4.C's "fixed, e.g. 50".
func New(iterationCap int, logger logging.Logger) *Graph {
	if iterationCap <= 0 {
		iterationCap = 50
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Graph{
		nodes:        make(map[string]NodeFunc),
		edges:        make(map[string]EdgeResolver),
		iterationCap: iterationCap,
		logger:       logger,
		tracer:       otel.Tracer("orchestrator/graph"),
	}
}

// AddNode registers a node function under name.
func (g *Graph) AddNode(name string, fn NodeFunc) {
	g.nodes[name] = fn
}

// AddEdge declares name's successor resolver. The reserved name "start"
// designates the initial node to invoke.
func (g *Graph) AddEdge(name string, resolver EdgeResolver) {
	g.edges[name] = resolver
}

// Run drives a single execution from the declared start node through to
// End or the iteration cap — spec.md §4.C's execution contract.
func (g *Graph) Run(ctx context.Context, initial state.State) state.State {
	s := initial
	s.StartTime = time.Now()
	s.Trace = append(s.Trace[:0:0], s.Trace...)
	s.Success = false

	startEdge, ok := g.edges[Start]
	if !ok {
		s.Err = fmt.Errorf("%w: no start edge declared", apperr.ErrUnknownNode)
		s.Success = false
		return finalize(s)
	}
	current := startEdge(s)

	for iter := 0; iter < g.iterationCap; iter++ {
		if ctx.Err() != nil {
			s = g.recordTrace(s, TraceResult{Node: "cancelled", Start: time.Now(), Err: apperr.ErrCancelled})
			s.Err = apperr.ErrCancelled
			s.FailedNode = current
			break
		}
		if current == End || current == "" {
			s.Success = true
			s.Iterations = iter
			return finalize(s)
		}

		fn, ok := g.nodes[current]
		if !ok {
			s.Err = fmt.Errorf("%w: %s", apperr.ErrUnknownNode, current)
			s.FailedNode = current
			s.Iterations = iter
			break
		}

		nextState, err := g.invokeNode(ctx, current, fn, s)
		s = nextState
		s.Iterations = iter + 1

		if err != nil {
			s.Err = err
			s.FailedNode = current
			break
		}

		resolver, ok := g.edges[current]
		if !ok {
			current = End
		} else {
			current = resolver(s)
			if current == "" {
				current = End
			}
		}

		// Check for End here rather than waiting for the top of the next
		// iteration: a run that reaches End on the last allowed iteration
		// would otherwise fall out of the loop via the cap condition and
		// get misreported as ErrIterationCap below.
		if current == End {
			s.Success = true
			return finalize(s)
		}
	}

	if s.Err == nil && s.Iterations >= g.iterationCap {
		s.Err = apperr.ErrIterationCap
		s.FailedNode = current
	}
	s.Success = s.Err == nil
	return finalize(s)
}

func finalize(s state.State) state.State {
	s.ElapsedMs = float64(time.Since(s.StartTime).Microseconds()) / 1000.0
	return s
}

// invokeNode wraps one node execution with tracing, panic recovery, and
// trace-entry recording — grounded on executor.go's
// semaphore-acquire/panic-recover/release pattern, applied here to a
// single sequential invocation rather than a fan-out goroutine.
func (g *Graph) invokeNode(ctx context.Context, name string, fn NodeFunc, in state.State) (out state.State, err error) {
	spanCtx, span := g.tracer.Start(ctx, "graph.node."+name)
	defer span.End()
	span.SetAttributes(attribute.String("node.name", name))

	started := time.Now()
	inputSnapshot := snapshot(in)

	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			g.logger.ErrorWithContext(ctx, "node panicked", map[string]interface{}{
				"node": name, "panic": fmt.Sprintf("%v", r), "stack": stack,
			})
			err = fmt.Errorf("node %s panicked: %v", name, r)
			out = in
		}
		duration := time.Since(started)
		entry := state.TraceEntry{
			Node:           name,
			StartedAt:      started,
			DurationMs:     float64(duration.Microseconds()) / 1000.0,
			InputSnapshot:  inputSnapshot,
			OutputSnapshot: snapshot(out),
			Success:        err == nil,
		}
		if err != nil {
			entry.Error = err.Error()
			span.SetAttributes(attribute.Bool("node.success", false))
		} else {
			span.SetAttributes(attribute.Bool("node.success", true))
		}
		out.Trace = append(out.Trace, entry)
	}()

	out, err = fn(spanCtx, in)
	return out, err
}

func (g *Graph) recordTrace(s state.State, r TraceResult) state.State {
	entry := state.TraceEntry{
		Node:       r.Node,
		StartedAt:  r.Start,
		DurationMs: float64(time.Since(r.Start).Microseconds()) / 1000.0,
		Success:    r.Err == nil,
	}
	if r.Err != nil {
		entry.Error = r.Err.Error()
	}
	s.Trace = append(s.Trace, entry)
	return s
}

// TraceResult is a small helper for recording synthetic trace entries
// (cancellation, iteration cap) that do not correspond to a node call.
type TraceResult struct {
	Node  string
	Start time.Time
	Err   error
}

// snapshot produces the summary-level view spec.md §3 requires for
// trace entries: counts and booleans, never raw prompts or credentials.
func snapshot(s state.State) map[string]interface{} {
	return map[string]interface{}{
		"intent_type":       s.Intent.Type,
		"has_answer":        s.Answer != "",
		"memories":          len(s.Memories),
		"filtered_memories": len(s.FilteredMemories),
		"context_docs":      len(s.ContextDocs),
		"needs_retry":       s.NeedsRetry,
		"retry_count":       s.RetryCount,
	}
}

// ParallelNode is one child of a parallel fan-out — spec.md §4.C's
// execute_parallel. Writes declares the State fields this node owns, so
// the engine can fail fast on overlapping ownership before dispatch;
// Merge copies only those fields from the child's result into the
// fan-in target.
type ParallelNode struct {
	Name   string
	Writes []string
	Fn     NodeFunc
	Merge  func(dst *state.State, result state.State)
}

// ExecuteParallel runs nodes concurrently over independent clones of
// parent, then merges their disjoint writes back into one state —
// spec.md §4.C/§5. The declared write sets are checked for overlap on
// every call, before any child is dispatched. A single child failure
// aborts the fan-out with the first observed error and cancels the
// other children.
func (g *Graph) ExecuteParallel(ctx context.Context, parent state.State, nodes []ParallelNode) (state.State, error) {
	if err := checkWriteConflicts(nodes); err != nil {
		return parent, err
	}

	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		node   ParallelNode
		result state.State
		err    error
	}
	results := make(chan outcome, len(nodes))

	const maxConcurrency = 8
	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	for _, n := range nodes {
		wg.Add(1)
		go func(n ParallelNode) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			defer func() {
				if r := recover(); r != nil {
					results <- outcome{node: n, err: fmt.Errorf("parallel node %s panicked: %v", n.Name, r)}
				}
			}()

			// Cap the inherited trace so the child's append copies it
			// rather than writing into the parent's shared backing array.
			child := parent.Clone()
			child.Trace = child.Trace[:len(child.Trace):len(child.Trace)]
			out, err := g.invokeNode(childCtx, n.Name, n.Fn, child)
			results <- outcome{node: n, result: out, err: err}
		}(n)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	merged := parent
	var firstErr error
	for o := range results {
		if o.err != nil {
			if firstErr == nil {
				firstErr = o.err
				cancel()
			}
			continue
		}
		if firstErr == nil {
			o.node.Merge(&merged, o.result)
			if n := len(o.result.Trace); n > len(parent.Trace) {
				merged.Trace = append(merged.Trace, o.result.Trace[n-1])
			}
		}
	}

	if firstErr != nil {
		return parent, firstErr
	}
	return merged, nil
}

func checkWriteConflicts(nodes []ParallelNode) error {
	seen := make(map[string]string)
	for _, n := range nodes {
		for _, field := range n.Writes {
			if owner, ok := seen[field]; ok {
				return fmt.Errorf("%w: field %q claimed by both %q and %q", apperr.ErrConflictingWrite, field, owner, n.Name)
			}
			seen[field] = n.Name
		}
	}
	return nil
}
