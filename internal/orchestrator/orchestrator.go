package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/localfirst/orchestrator/internal/client"
	"github.com/localfirst/orchestrator/internal/graph"
	"github.com/localfirst/orchestrator/internal/logging"
	"github.com/localfirst/orchestrator/internal/nodes"
	"github.com/localfirst/orchestrator/internal/registry"
	"github.com/localfirst/orchestrator/internal/state"
)

const defaultTraceRingSize = 200

const apologyResponse = "Sorry, something went wrong while handling that."

// ProgressStage is a coarse-grained lifecycle notification delivered to
// an optional caller-supplied sink around a run — spec.md §9's design
// note on treating progress/streaming as explicit capability
// parameters. This implementation emits "start" and "done"/"error"
// around the whole run rather than per-node, since internal/graph's
// Run contract (by design, see internal/graph/graph_test.go) takes no
// callback parameter; per-node granularity is available after the fact
// from the returned trace.
type ProgressStage string

const (
	ProgressStart ProgressStage = "start"
	ProgressDone  ProgressStage = "done"
	ProgressError ProgressStage = "error"
)

// ProgressEvent is delivered to an on_progress sink — spec.md §4.E.
type ProgressEvent struct {
	Stage ProgressStage
	Node  string
	Err   error
}

// Result is what Process returns — spec.md §6's error envelope plus
// §4.E's process() return shape.
type Result struct {
	Success   bool               `json:"success"`
	Action    string             `json:"action"`
	Data      interface{}        `json:"data,omitempty"`
	Response  string             `json:"response"`
	ElapsedMs float64            `json:"elapsed_ms"`
	Trace     []state.TraceEntry `json:"trace"`
	Debug     DebugInfo          `json:"debug"`
}

// DebugInfo is the diagnostic tail of Result — spec.md §6.
type DebugInfo struct {
	Iterations int    `json:"iterations"`
	FailedNode string `json:"failed_node,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ActionResult is what ExecuteAction returns — spec.md §4.E's
// escape-hatch operation.
type ActionResult struct {
	Success  bool        `json:"success"`
	Data     interface{} `json:"data,omitempty"`
	Response string      `json:"response"`
}

// HealthReport is what Health returns — spec.md §4.E.
type HealthReport struct {
	Orchestrator string                           `json:"orchestrator"`
	Services     map[string]registry.HealthStatus `json:"services"`
}

// TraceQuery parameterizes Traces — spec.md §4.E.
type TraceQuery struct {
	Limit        int
	IncludeCache bool
	SessionID    string
}

// traceRecord pairs a run's trace with the session it belongs to, for
// TraceQuery's optional session filter.
type traceRecord struct {
	sessionID string
	entries   []state.TraceEntry
}

// orchestratorMetrics are the OTel counters/histogram the teacher's
// resilience/metrics_otel.go registers for its own retry/breaker
// machinery — grounded on that shape and repurposed to the
// Orchestrator's own top-level operation instead of a single
// resilience primitive.
type orchestratorMetrics struct {
	requests metric.Int64Counter
	errors   metric.Int64Counter
	elapsed  metric.Float64Histogram
}

func newOrchestratorMetrics() orchestratorMetrics {
	meter := otel.Meter("localfirst/orchestrator")
	requests, _ := meter.Int64Counter("orchestrator.requests",
		metric.WithDescription("Number of process() calls handled"))
	errors, _ := meter.Int64Counter("orchestrator.errors",
		metric.WithDescription("Number of process() calls that ended in failure"))
	elapsed, _ := meter.Float64Histogram("orchestrator.elapsed_ms",
		metric.WithDescription("Wall-clock duration of a process() call"))
	return orchestratorMetrics{requests: requests, errors: errors, elapsed: elapsed}
}

// Orchestrator binds the StateGraph engine and Node Library into the
// graph spec.md §4.E declares, and exposes the top-level operations.
// Grounded on the teacher's orchestration.Orchestrator interface
// (ProcessRequest/ExecutePlan/GetExecutionHistory/GetMetrics), adapted
// from "route to discovered agents" to "drive the fixed intent graph".
// spec.md §9's design note rearchitects the teacher's process-wide
// singleton into an explicitly constructed value: callers build one
// with New and hold it for the process lifetime instead of reaching a
// package-level global.
type Orchestrator struct {
	deps         *nodes.Deps
	iterationCap int
	logger       logging.Logger

	graphOnce sync.Once
	graph     *graph.Graph

	ringMu   sync.Mutex
	ring     []traceRecord
	ringSize int

	rdb       *redis.Client
	namespace string

	metrics orchestratorMetrics
}

// Config configures New. RedisClient is optional: when set, trace
// entries evicted from the in-memory ring are persisted to a capped
// Redis list at "{Namespace}:traces:overflow" instead of being
// dropped, mirroring the teacher's orchestration/redis_execution_store.go
// durability tier for its own ExecutionRecords.
type Config struct {
	IterationCap int
	TraceRing    int
	RedisClient  *redis.Client
	Namespace    string
}

// New constructs an Orchestrator. The graph is not built until the
// first call that needs it (Process or Traces' caller inspecting
// Graph()) — spec.md §4.E: "holds the cached graph instance".
func New(reg *registry.Registry, svcClient *client.Client, onlineLLM *client.OnlineLLMClient, logger logging.Logger, cfg Config) *Orchestrator {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	ringSize := cfg.TraceRing
	if ringSize <= 0 {
		ringSize = defaultTraceRingSize
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "orchestrator"
	}
	return &Orchestrator{
		deps: &nodes.Deps{
			Client:    svcClient,
			OnlineLLM: onlineLLM,
			Logger:    logger,
		},
		iterationCap: cfg.IterationCap,
		logger:       logger,
		ringSize:     ringSize,
		rdb:          cfg.RedisClient,
		namespace:    namespace,
		metrics:      newOrchestratorMetrics(),
	}
}

// Graph returns the cached graph instance, building it on first call.
// Building the graph twice on the same Orchestrator returns the same
// instance — spec.md §8's round-trip property.
func (o *Orchestrator) Graph() *graph.Graph {
	o.graphOnce.Do(func() {
		o.graph = buildGraph(o.deps, o.iterationCap, o.logger)
	})
	return o.graph
}

// Process turns one user utterance into a grounded answer — spec.md
// §4.E's top-level "process a message" operation.
func (o *Orchestrator) Process(ctx context.Context, message string, reqCtx state.RequestContext, onProgress func(ProgressEvent), onStreamToken state.StreamCallback) Result {
	requestID := uuid.NewString()
	ctx = logging.WithRequestID(ctx, requestID)
	if onProgress != nil {
		onProgress(ProgressEvent{Stage: ProgressStart})
	}

	initial := state.State{
		RequestID:      requestID,
		Message:        message,
		Context:        reqCtx,
		StreamCallback: onStreamToken,
	}

	final := o.Graph().Run(ctx, initial)
	o.recordTrace(ctx, reqCtx.SessionID, final.Trace)

	o.metrics.requests.Add(ctx, 1)
	o.metrics.elapsed.Record(ctx, final.ElapsedMs)
	if !final.Success {
		o.metrics.errors.Add(ctx, 1)
	}

	result := Result{
		Success:   final.Success,
		Action:    final.Intent.Type,
		ElapsedMs: final.ElapsedMs,
		Trace:     final.Trace,
		Debug: DebugInfo{
			Iterations: final.Iterations,
			FailedNode: final.FailedNode,
		},
	}

	if final.Success {
		result.Response = final.Answer
		result.Data = map[string]interface{}{
			"memory_id":           final.MemoryID,
			"memory_stored":       final.MemoryStored,
			"conversation_stored": final.ConversationStored,
			"answer_metadata":     final.AnswerMetadata,
		}
		if onProgress != nil {
			onProgress(ProgressEvent{Stage: ProgressDone})
		}
	} else {
		result.Response = apologyResponse
		if final.Err != nil {
			result.Debug.Error = final.Err.Error()
		}
		if onProgress != nil {
			onProgress(ProgressEvent{Stage: ProgressError, Node: final.FailedNode, Err: final.Err})
		}
	}

	return result
}

// ExecuteAction is the direct escape hatch to the Service Client,
// bypassing the graph entirely — spec.md §4.E / SPEC_FULL.md §5, e.g.
// for a UI-triggered "retry last web search" button.
func (o *Orchestrator) ExecuteAction(ctx context.Context, service, action string, payload interface{}, _ state.RequestContext) ActionResult {
	raw, err := o.deps.Client.Call(ctx, service, action, payload, client.CallOptions{})
	if err != nil {
		return ActionResult{Success: false, Response: fmt.Sprintf("action failed: %v", err)}
	}
	return ActionResult{Success: true, Data: raw, Response: "ok"}
}

// Health aggregates the registry's per-service health with the
// orchestrator's own liveness — spec.md §4.E.
func (o *Orchestrator) Health(ctx context.Context) HealthReport {
	return HealthReport{
		Orchestrator: "healthy",
		Services:     o.deps.Client.HealthCheckAll(ctx),
	}
}

// Traces returns up to q.Limit most recent trace entries, optionally
// filtered to one session — spec.md §4.E. Maintains the bounded ring
// of recent traces (default 200) mentioned in spec.md §2/§4.E.
func (o *Orchestrator) Traces(q TraceQuery) []state.TraceEntry {
	o.ringMu.Lock()
	defer o.ringMu.Unlock()

	var out []state.TraceEntry
	for i := len(o.ring) - 1; i >= 0; i-- {
		rec := o.ring[i]
		if q.SessionID != "" && rec.sessionID != q.SessionID {
			continue
		}
		for _, e := range rec.entries {
			if !q.IncludeCache && e.FromCache {
				continue
			}
			out = append(out, e)
		}
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func (o *Orchestrator) recordTrace(ctx context.Context, sessionID string, entries []state.TraceEntry) {
	if len(entries) == 0 {
		return
	}
	o.ringMu.Lock()
	var evicted *traceRecord
	o.ring = append(o.ring, traceRecord{sessionID: sessionID, entries: entries})
	if len(o.ring) > o.ringSize {
		e := o.ring[0]
		evicted = &e
		o.ring = o.ring[1:]
	}
	o.ringMu.Unlock()

	if evicted != nil && o.rdb != nil {
		o.persistOverflow(ctx, *evicted)
	}
}

// persistOverflow best-effort pushes a trace record the in-memory ring
// just evicted onto a capped Redis list, so Traces callers that need
// history older than the ring can still reach it out of band. Failure
// is logged and swallowed — losing overflow history never fails a run.
func (o *Orchestrator) persistOverflow(ctx context.Context, rec traceRecord) {
	payload, err := json.Marshal(rec.entries)
	if err != nil {
		return
	}
	key := o.namespace + ":traces:overflow"
	pipe := o.rdb.Pipeline()
	pipe.RPush(ctx, key, payload)
	pipe.LTrim(ctx, key, -int64(o.ringSize*10), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		o.logger.Warn("trace overflow persist failed", map[string]interface{}{"error": err.Error()})
	}
}

// Shutdown releases held resources in reverse order of construction —
// spec.md §9: "initialize at process startup, tear down in reverse
// order." The Orchestrator itself holds no closable resource beyond
// what its constructor arguments (Registry, Client) already own; those
// are torn down by the caller that constructed them, e.g.
// cmd/orchestratord's main.
func (o *Orchestrator) Shutdown(_ context.Context) error {
	return nil
}
