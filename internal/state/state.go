// Package state defines the Workflow State record (spec.md §3): the
// mutable, per-run record the StateGraph engine threads through every
// node. Grounded on the teacher's orchestration/workflow_engine.go
// WorkflowDefinition/ExecutionContext pairing, generalized from "a
// workflow's declared input/output variables" to this system's fixed
// canonical field set.
package state

import (
	"time"
)

// RequestContext is the caller-supplied context accompanying a message —
// spec.md §3's `context` input field.
type RequestContext struct {
	SessionID           string                `json:"session_id"`
	UserID              string                `json:"user_id"`
	Timestamp           time.Time             `json:"timestamp"`
	ConversationHistory []ConversationMessage `json:"conversation_history,omitempty"`
	UseOnlineMode       bool                  `json:"use_online_mode,omitempty"`
	HasSelection        bool                  `json:"has_selection,omitempty"`
	SelectionContext    string                `json:"selection_context,omitempty"`
	HighlightedText     string                `json:"highlighted_text,omitempty"`
}

// ConversationMessage is one turn of prior conversation history.
type ConversationMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Intent is the classification layer — spec.md §3.
type Intent struct {
	Type              string   `json:"type"`
	Confidence        float64  `json:"confidence"`
	Entities          []string `json:"entities,omitempty"`
	RequiresMemory    bool     `json:"requires_memory"`
	SuggestedResponse string   `json:"suggested_response,omitempty"`
}

// Memory is a single retrieved long-term-memory hit.
type Memory struct {
	ID         string   `json:"id"`
	Text       string   `json:"text"`
	Similarity float64  `json:"similarity"`
	Tags       []string `json:"tags,omitempty"`
}

// WebDoc is one web-search result, raw or sanitized — spec.md §4.D.
type WebDoc struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
	Text    string `json:"text"`
}

// AnswerMetadata records provenance of a generated answer.
type AnswerMetadata struct {
	Model    string        `json:"model"`
	Tokens   int           `json:"tokens"`
	Duration time.Duration `json:"duration"`
}

// TraceEntry is one node execution record — spec.md §3. Snapshots are
// deliberately summary-level: counts, booleans, intent type — never raw
// LLM prompts or credentials.
type TraceEntry struct {
	Node           string                 `json:"node"`
	StartedAt      time.Time              `json:"started_at"`
	DurationMs     float64                `json:"duration_ms"`
	InputSnapshot  map[string]interface{} `json:"input_snapshot,omitempty"`
	OutputSnapshot map[string]interface{} `json:"output_snapshot,omitempty"`
	Success        bool                   `json:"success"`
	Error          string                 `json:"error,omitempty"`
	FromCache      bool                   `json:"from_cache,omitempty"`
}

// ConversationExchange is produced at graph exit and handed to
// storeConversation — spec.md §3.
type ConversationExchange struct {
	UserMessage     string    `json:"user_message"`
	AssistantAnswer string    `json:"assistant_answer"`
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	IntentType      string    `json:"intent_type"`
	Confidence      float64   `json:"confidence"`
	Entities        []string  `json:"entities,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// StreamCallback is invoked with each token as the answer node streams a
// reply; see internal/client.StreamChunk.
type StreamCallback func(token string) error

// State is the Workflow State record, threaded by value through node
// functions per spec.md §3: "state is mutated only by node functions".
// Go has no mutation-tracking enforcement the way a managed runtime
// would, so the engine (internal/graph) passes a value copy into each
// node and takes its returned value as the new state — the same
// discipline the teacher's ExecutionContext snapshot/merge dance
// enforces for parallel fan-out, applied uniformly here.
type State struct {
	RequestID string

	// Inputs
	Message         string
	ResolvedMessage string
	Context         RequestContext
	StreamCallback  StreamCallback

	// Intent layer
	Intent       Intent
	TargetEntity string

	// Retrieval layer
	ConversationHistory []ConversationMessage
	SessionFacts        []string
	SessionEntities     []string
	Memories            []Memory
	FilteredMemories    []Memory
	MemoriesFiltered    int

	// External layer
	ContextDocs []WebDoc

	// Answer layer
	Answer                 string
	AnswerMetadata         AnswerMetadata
	RetryCount             int
	NeedsRetry             bool
	ShouldPerformWebSearch bool
	ValidationIssues       []string

	// Storage layer
	ConversationStored bool
	MemoryStored       bool
	MemoryID           string

	// Bookkeeping
	StartTime  time.Time
	ElapsedMs  float64
	Iterations int
	Trace      []TraceEntry
	Success    bool
	Err        error
	FailedNode string

	// coreference bookkeeping — spec.md §4.D's "skip late resolution if
	// the early call already resolved and no new context was added".
	earlyResolved         bool
	retrievalAddedContext bool
}

// Clone returns a shallow value copy suitable for passing into a node
// or into a parallel fan-out child — slice/map fields are independently
// owned by the copy's node only if that node reassigns them wholesale,
// matching spec.md §5's "child nodes write disjoint subsets of state"
// contract enforced by internal/graph's field-ownership declarations.
func (s State) Clone() State { return s }

// MarkEarlyResolved records that the early coreference pass ran.
func (s *State) MarkEarlyResolved() { s.earlyResolved = true }

// EarlyResolved reports whether the early coreference pass ran.
func (s *State) EarlyResolved() bool { return s.earlyResolved }

// MarkRetrievalAddedContext records that retrieval fetched material
// that post-dates the early coreference resolution.
func (s *State) MarkRetrievalAddedContext() { s.retrievalAddedContext = true }

// RetrievalAddedContext reports whether new context arrived since the
// early coreference pass.
func (s *State) RetrievalAddedContext() bool { return s.retrievalAddedContext }
