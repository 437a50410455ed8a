// Package orchestrator binds the StateGraph engine (internal/graph) and
// the Node Library (internal/nodes) into the intent-routed orchestration
// graph — spec.md §4.E. Grounded on the teacher's
// orchestration.Orchestrator interface (ProcessRequest/ExecutePlan
// split, GetMetrics, GetExecutionHistory), generalized from "route a
// request to a fleet of discovered agents" to "drive one fixed
// node/edge topology per spec.md §4.E's edge map".
package orchestrator

import (
	"context"

	"github.com/localfirst/orchestrator/internal/graph"
	"github.com/localfirst/orchestrator/internal/logging"
	"github.com/localfirst/orchestrator/internal/nodes"
	"github.com/localfirst/orchestrator/internal/state"
)

// Intent type tags routed by parseIntent's edge — spec.md §4.E.
const (
	IntentMemoryStore        = "memory_store"
	IntentRemember           = "remember"
	IntentWebSearch          = "web_search"
	IntentSearch             = "search"
	IntentQuestion           = "question"
	IntentGreeting           = "greeting"
	IntentCommandExecute     = "command_execute"
	IntentScreenIntelligence = "screen_intelligence"
	IntentGeneralQuery       = "general_query"
)

var webRoutedIntents = map[string]bool{
	IntentWebSearch: true,
	IntentSearch:    true,
	IntentQuestion:  true,
}

var memoryStoreIntents = map[string]bool{
	IntentMemoryStore: true,
	IntentRemember:    true,
}

// buildGraph compiles the fixed node/edge topology spec.md §4.E
// declares. Built once and cached by the Orchestrator (see
// orchestrator.go's sync.Once-guarded Graph()).
func buildGraph(d *nodes.Deps, iterationCap int, logger logging.Logger) *graph.Graph {
	g := graph.New(iterationCap, logger)

	g.AddNode("earlyResolveReferences", d.EarlyResolveReferences())
	g.AddNode("parseIntent", d.ParseIntent())
	g.AddNode("retrieveMemory", d.RetrieveMemory())
	g.AddNode("filterMemory", d.FilterMemory())
	g.AddNode("webSearch", d.WebSearch())
	g.AddNode("sanitizeWeb", d.SanitizeWeb())
	g.AddNode("resolveReferences", d.LateResolveReferences())
	g.AddNode("answer", d.Answer())
	g.AddNode("validateAnswer", d.ValidateAnswer())
	g.AddNode("storeMemory", d.StoreMemory())
	g.AddNode("storeConversation", d.StoreConversation())

	// parallelWebAndMemory and parallelSanitizeAndFilter are the
	// "parallel combiner" named in spec.md §2's Node Library row: each
	// is one graph node whose body fans out two independent child
	// nodes through the engine's ExecuteParallel and merges their
	// disjoint writes back — spec.md §4.C/§5.
	g.AddNode("parallelWebAndMemory", func(ctx context.Context, s state.State) (state.State, error) {
		return g.ExecuteParallel(ctx, s, []graph.ParallelNode{
			{
				Name:   "webSearch",
				Writes: []string{"ContextDocs"},
				Fn:     d.WebSearch(),
				Merge: func(dst *state.State, result state.State) {
					dst.ContextDocs = result.ContextDocs
					if result.RetrievalAddedContext() {
						dst.MarkRetrievalAddedContext()
					}
				},
			},
			{
				Name:   "retrieveMemory",
				Writes: []string{"ConversationHistory", "SessionFacts", "SessionEntities", "Memories"},
				Fn:     d.RetrieveMemory(),
				Merge: func(dst *state.State, result state.State) {
					dst.ConversationHistory = result.ConversationHistory
					dst.SessionFacts = result.SessionFacts
					dst.SessionEntities = result.SessionEntities
					dst.Memories = result.Memories
					if result.RetrievalAddedContext() {
						dst.MarkRetrievalAddedContext()
					}
				},
			},
		})
	})

	g.AddNode("parallelSanitizeAndFilter", func(ctx context.Context, s state.State) (state.State, error) {
		return g.ExecuteParallel(ctx, s, []graph.ParallelNode{
			{
				Name:   "sanitizeWeb",
				Writes: []string{"ContextDocs"},
				Fn:     d.SanitizeWeb(),
				Merge: func(dst *state.State, result state.State) {
					dst.ContextDocs = result.ContextDocs
				},
			},
			{
				Name:   "filterMemory",
				Writes: []string{"FilteredMemories", "MemoriesFiltered"},
				Fn:     d.FilterMemory(),
				Merge: func(dst *state.State, result state.State) {
					dst.FilteredMemories = result.FilteredMemories
					dst.MemoriesFiltered = result.MemoriesFiltered
				},
			},
		})
	})

	g.AddEdge(graph.Start, graph.Static("earlyResolveReferences"))
	g.AddEdge("earlyResolveReferences", graph.Static("parseIntent"))
	g.AddEdge("parseIntent", routeIntent)
	g.AddEdge("parallelWebAndMemory", graph.Static("parallelSanitizeAndFilter"))
	g.AddEdge("parallelSanitizeAndFilter", graph.Static("resolveReferences"))
	g.AddEdge("retrieveMemory", graph.Static("filterMemory"))
	g.AddEdge("filterMemory", graph.Static("resolveReferences"))
	g.AddEdge("resolveReferences", graph.Static("answer"))
	g.AddEdge("answer", graph.Static("validateAnswer"))
	g.AddEdge("validateAnswer", routeValidation)
	g.AddEdge("storeMemory", graph.Static(graph.End))
	g.AddEdge("storeConversation", graph.Static(graph.End))
	g.AddEdge("webSearch", graph.Static("sanitizeWeb"))
	g.AddEdge("sanitizeWeb", graph.Static("answer"))

	return g
}

// routeIntent implements parseIntent's conditional edge — spec.md
// §4.E's abridged edge map. Command execution itself is out of this
// spec's scope (it's a separate node in the full reference repo), so
// command_execute intent is routed to answer like greeting: the
// classifier's suggested_response (or a direct LLM answer) serves as
// the reply without a dedicated execution step.
func routeIntent(s state.State) string {
	switch {
	case memoryStoreIntents[s.Intent.Type]:
		return "storeMemory"
	case webRoutedIntents[s.Intent.Type]:
		return "parallelWebAndMemory"
	case s.Intent.Type == IntentGreeting, s.Intent.Type == IntentCommandExecute:
		return "answer"
	default:
		return "retrieveMemory"
	}
}

// routeValidation implements validateAnswer's conditional edge —
// spec.md §4.D/§4.E. should_perform_web_search is checked first: the
// promotion is permitted even when needs_retry would otherwise apply,
// since a sentinel answer is never also a structurally broken one in
// this implementation (ValidateAnswer never sets both).
func routeValidation(s state.State) string {
	switch {
	case s.ShouldPerformWebSearch:
		return "webSearch"
	case s.NeedsRetry:
		return "answer"
	default:
		return "storeConversation"
	}
}
