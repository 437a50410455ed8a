package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localfirst/orchestrator/internal/apperr"
	"github.com/localfirst/orchestrator/internal/state"
)

func TestGraphLinearRun(t *testing.T) {
	g := New(50, nil)
	g.AddEdge(Start, Static("greet"))
	g.AddNode("greet", func(_ context.Context, s state.State) (state.State, error) {
		s.Answer = "hi"
		return s, nil
	})
	g.AddEdge("greet", Static(End))

	out := g.Run(context.Background(), state.State{RequestID: "r1"})
	require.NoError(t, out.Err)
	assert.True(t, out.Success)
	assert.Equal(t, "hi", out.Answer)
	assert.Len(t, out.Trace, 1)
	assert.Equal(t, "greet", out.Trace[0].Node)
	assert.Equal(t, 1, out.Iterations)
}

func TestGraphConditionalEdge(t *testing.T) {
	g := New(50, nil)
	g.AddEdge(Start, Static("classify"))
	g.AddNode("classify", func(_ context.Context, s state.State) (state.State, error) {
		s.Intent.Type = "greeting"
		return s, nil
	})
	g.AddEdge("classify", func(s state.State) string {
		if s.Intent.Type == "greeting" {
			return "greet"
		}
		return End
	})
	g.AddNode("greet", func(_ context.Context, s state.State) (state.State, error) {
		s.Answer = "hello"
		return s, nil
	})
	g.AddEdge("greet", Static(End))

	out := g.Run(context.Background(), state.State{})
	require.NoError(t, out.Err)
	assert.Equal(t, "hello", out.Answer)
	assert.Equal(t, []string{"classify", "greet"}, traceNames(out.Trace))
}

func TestGraphCycleWithRetryCounter(t *testing.T) {
	g := New(50, nil)
	g.AddEdge(Start, Static("answer"))
	g.AddNode("answer", func(_ context.Context, s state.State) (state.State, error) {
		s.RetryCount++
		return s, nil
	})
	g.AddEdge("answer", func(s state.State) string {
		if s.RetryCount < 3 {
			return "answer"
		}
		return End
	})

	out := g.Run(context.Background(), state.State{})
	require.NoError(t, out.Err)
	assert.Equal(t, 3, out.RetryCount)
	assert.Equal(t, 3, out.Iterations)
}

func TestGraphIterationCap(t *testing.T) {
	g := New(5, nil)
	g.AddEdge(Start, Static("loop"))
	g.AddNode("loop", func(_ context.Context, s state.State) (state.State, error) { return s, nil })
	g.AddEdge("loop", Static("loop"))

	out := g.Run(context.Background(), state.State{})
	require.Error(t, out.Err)
	assert.ErrorIs(t, out.Err, apperr.ErrIterationCap)
	assert.False(t, out.Success)
}

func TestGraphSucceedsWhenEndIsReachedOnLastAllowedIteration(t *testing.T) {
	g := New(3, nil)
	g.AddEdge(Start, Static("step"))
	g.AddNode("step", func(_ context.Context, s state.State) (state.State, error) {
		s.RetryCount++
		return s, nil
	})
	g.AddEdge("step", func(s state.State) string {
		if s.RetryCount < 3 {
			return "step"
		}
		return End
	})

	out := g.Run(context.Background(), state.State{})
	require.NoError(t, out.Err)
	assert.True(t, out.Success)
	assert.Equal(t, 3, out.Iterations)
}

func TestGraphUnknownNode(t *testing.T) {
	g := New(50, nil)
	g.AddEdge(Start, Static("missing"))

	out := g.Run(context.Background(), state.State{})
	require.Error(t, out.Err)
	assert.ErrorIs(t, out.Err, apperr.ErrUnknownNode)
	assert.Equal(t, "missing", out.FailedNode)
}

func TestGraphNodeFailureHaltsRun(t *testing.T) {
	g := New(50, nil)
	g.AddEdge(Start, Static("boom"))
	g.AddNode("boom", func(_ context.Context, s state.State) (state.State, error) {
		return s, assert.AnError
	})

	out := g.Run(context.Background(), state.State{})
	require.Error(t, out.Err)
	assert.Equal(t, "boom", out.FailedNode)
	assert.False(t, out.Success)
	assert.Len(t, out.Trace, 1)
	assert.False(t, out.Trace[0].Success)
}

func TestGraphNodePanicRecovered(t *testing.T) {
	g := New(50, nil)
	g.AddEdge(Start, Static("boom"))
	g.AddNode("boom", func(_ context.Context, s state.State) (state.State, error) {
		panic("kaboom")
	})

	out := g.Run(context.Background(), state.State{})
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "panicked")
}

func TestGraphCancellation(t *testing.T) {
	g := New(50, nil)
	g.AddEdge(Start, Static("slow"))
	g.AddNode("slow", func(ctx context.Context, s state.State) (state.State, error) {
		return s, nil
	})
	g.AddEdge("slow", Static("slow"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := g.Run(ctx, state.State{})
	assert.ErrorIs(t, out.Err, apperr.ErrCancelled)
}

func TestExecuteParallelMergesDisjointWrites(t *testing.T) {
	g := New(50, nil)
	g.AddNode("fetchMemories", func(_ context.Context, s state.State) (state.State, error) {
		s.Memories = []state.Memory{{ID: "m1"}}
		return s, nil
	})
	g.AddNode("fetchWeb", func(_ context.Context, s state.State) (state.State, error) {
		s.ContextDocs = []state.WebDoc{{Title: "t1"}}
		return s, nil
	})

	parent := state.State{}
	out, err := g.ExecuteParallel(context.Background(), parent, []ParallelNode{
		{
			Name: "fetchMemories", Writes: []string{"Memories"},
			Fn:    g.nodes["fetchMemories"],
			Merge: func(dst *state.State, result state.State) { dst.Memories = result.Memories },
		},
		{
			Name: "fetchWeb", Writes: []string{"ContextDocs"},
			Fn:    g.nodes["fetchWeb"],
			Merge: func(dst *state.State, result state.State) { dst.ContextDocs = result.ContextDocs },
		},
	})
	require.NoError(t, err)
	assert.Len(t, out.Memories, 1)
	assert.Len(t, out.ContextDocs, 1)
}

func TestExecuteParallelConflictingWritesFailFast(t *testing.T) {
	g := New(50, nil)
	noop := func(_ context.Context, s state.State) (state.State, error) { return s, nil }
	_, err := g.ExecuteParallel(context.Background(), state.State{}, []ParallelNode{
		{Name: "a", Writes: []string{"Answer"}, Fn: noop, Merge: func(*state.State, state.State) {}},
		{Name: "b", Writes: []string{"Answer"}, Fn: noop, Merge: func(*state.State, state.State) {}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrConflictingWrite)
}

func TestExecuteParallelAbortsOnFirstError(t *testing.T) {
	g := New(50, nil)
	failing := func(_ context.Context, s state.State) (state.State, error) { return s, assert.AnError }
	slow := func(ctx context.Context, s state.State) (state.State, error) {
		select {
		case <-time.After(200 * time.Millisecond):
			return s, nil
		case <-ctx.Done():
			return s, ctx.Err()
		}
	}
	_, err := g.ExecuteParallel(context.Background(), state.State{}, []ParallelNode{
		{Name: "fails", Writes: []string{"Answer"}, Fn: failing, Merge: func(*state.State, state.State) {}},
		{Name: "slow", Writes: []string{"ContextDocs"}, Fn: slow, Merge: func(*state.State, state.State) {}},
	})
	require.Error(t, err)
}

func traceNames(entries []state.TraceEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Node
	}
	return out
}
