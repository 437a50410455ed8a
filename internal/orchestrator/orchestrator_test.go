package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localfirst/orchestrator/internal/client"
	"github.com/localfirst/orchestrator/internal/registry"
	"github.com/localfirst/orchestrator/internal/state"
)

// stubBackend is a single httptest server fronting every registered
// microservice's action, routed by path — each test registers only
// the services it needs against this one server.
type stubBackend struct {
	srv    *httptest.Server
	byPath map[string]func(w http.ResponseWriter, r *http.Request)
}

func newStubBackend() *stubBackend {
	b := &stubBackend{byPath: make(map[string]func(w http.ResponseWriter, r *http.Request))}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h, ok := b.byPath[r.URL.Path]; ok {
			h(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	return b
}

func (b *stubBackend) handle(action string, body string) {
	b.byPath["/"+action] = func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}
}

func (b *stubBackend) fail(action string) {
	b.byPath["/"+action] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func newTestOrchestrator(t *testing.T, backend *stubBackend, extra func(reg *registry.Registry)) *Orchestrator {
	t.Helper()
	keyProv, err := registry.NewMasterKeyProvider(t.TempDir(), nil)
	require.NoError(t, err)
	reg := registry.New(nil, "test", keyProv, nil)

	mustRegister(t, reg, "intent-classifier", backend.srv.URL, []registry.Capability{
		{Action: "intent.parse", Idempotent: true},
		{Action: "general.answer", Idempotent: true},
		{Action: "general.answer.stream", Idempotent: false},
	}, registry.TrustTrusted)
	mustRegister(t, reg, "coreference-resolver", backend.srv.URL, []registry.Capability{
		{Action: "resolve", Idempotent: true},
	}, registry.TrustTrusted)
	mustRegister(t, reg, "long-term-memory", backend.srv.URL, []registry.Capability{
		{Action: "memory.store", Idempotent: false},
		{Action: "memory.search", Idempotent: true},
	}, registry.TrustTrusted)
	mustRegister(t, reg, "conversation-store", backend.srv.URL, []registry.Capability{
		{Action: "message.add", Idempotent: false},
		{Action: "message.list", Idempotent: true},
		{Action: "context.get", Idempotent: true},
	}, registry.TrustTrusted)
	mustRegister(t, reg, "web-search", backend.srv.URL, []registry.Capability{
		{Action: "search", Idempotent: true},
	}, registry.TrustTrusted)

	if extra != nil {
		extra(reg)
	}

	c := client.New(reg, backend.srv.Client(), nil)
	return New(reg, c, nil, nil, Config{IterationCap: 50, TraceRing: 50})
}

func mustRegister(t *testing.T, reg *registry.Registry, name, endpoint string, caps []registry.Capability, trust registry.TrustLevel) {
	t.Helper()
	_, err := reg.Register(context.Background(), registry.Config{
		Name: name, Endpoint: endpoint, Capability: caps, TrustLevel: trust, Core: registry.CoreServiceNames[name],
	})
	require.NoError(t, err)
}

func traceNodes(trace []state.TraceEntry) []string {
	out := make([]string, len(trace))
	for i, e := range trace {
		out[i] = e.Node
	}
	return out
}

// Scenario 1 (spec.md §8): general question, cache-cold.
func TestProcessGeneralQuestion(t *testing.T) {
	b := newStubBackend()
	b.handle("resolve", `{"resolved_message":"What is the capital of France?","replacements":[],"method":"none"}`)
	b.handle("intent.parse", `{"intent":"general_query","confidence":0.9,"entities":[],"requires_memory":true}`)
	b.handle("message.list", `{"messages":[]}`)
	b.handle("context.get", `{"facts":[],"entities":[]}`)
	b.handle("memory.search", `{"results":[]}`)
	b.handle("general.answer", `{"answer":"Paris is the capital of France.","metadata":{"model":"local","tokens":12}}`)
	b.handle("message.add", `{}`)
	defer b.srv.Close()

	orch := newTestOrchestrator(t, b, nil)
	result := orch.Process(context.Background(), "What is the capital of France?", state.RequestContext{SessionID: "s1", UserID: "u1"}, nil, nil)

	require.True(t, result.Success)
	assert.Equal(t, "general_query", result.Action)
	assert.NotEmpty(t, result.Response)
	assert.Contains(t, traceNodes(result.Trace), "answer")
	assert.Contains(t, traceNodes(result.Trace), "storeConversation")
	assert.Contains(t, traceNodes(result.Trace), "validateAnswer")
}

// Scenario 2 (spec.md §8): explicit memory store.
func TestProcessMemoryStore(t *testing.T) {
	b := newStubBackend()
	b.handle("resolve", `{"resolved_message":"Remember I have a dentist appointment tomorrow at 3pm","replacements":[],"method":"none"}`)
	b.handle("intent.parse", `{"intent":"memory_store","confidence":0.95,"entities":["dentist appointment"],"requires_memory":false,"suggested_response":"Noted your dentist appointment."}`)
	b.handle("memory.store", `{"id":"mem-1"}`)
	defer b.srv.Close()

	orch := newTestOrchestrator(t, b, nil)
	result := orch.Process(context.Background(), "Remember I have a dentist appointment tomorrow at 3pm", state.RequestContext{SessionID: "s1", UserID: "u1"}, nil, nil)

	require.True(t, result.Success)
	assert.Equal(t, "memory_store", result.Action)
	assert.Equal(t, []string{"earlyResolveReferences", "parseIntent", "storeMemory"}, traceNodes(result.Trace))
	assert.Equal(t, "Noted your dentist appointment.", result.Response)
}

// Scenario 3 (spec.md §8): web-routed factual question.
func TestProcessWebRoutedQuestion(t *testing.T) {
	longText := ""
	for i := 0; i < 2000; i++ {
		longText += "x"
	}
	b := newStubBackend()
	b.handle("resolve", `{"resolved_message":"What is the latest news about AI?","replacements":[],"method":"none"}`)
	b.handle("intent.parse", `{"intent":"question","confidence":0.8,"entities":[],"requires_memory":false}`)
	b.handle("message.list", `{"messages":[]}`)
	b.handle("context.get", `{"facts":[],"entities":[]}`)
	b.handle("memory.search", `{"results":[]}`)
	b.handle("search", `{"results":[{"title":"AI news","snippet":"...","url":"https://example.com","text":"`+longText+`"}]}`)
	b.handle("general.answer", `{"answer":"Here is the latest on AI.","metadata":{"model":"local"}}`)
	b.handle("message.add", `{}`)
	defer b.srv.Close()

	orch := newTestOrchestrator(t, b, nil)
	result := orch.Process(context.Background(), "What is the latest news about AI?", state.RequestContext{SessionID: "s1", UserID: "u1"}, nil, nil)

	require.True(t, result.Success)
	nodes := traceNodes(result.Trace)
	assert.Contains(t, nodes, "parallelWebAndMemory")
	assert.Contains(t, nodes, "parallelSanitizeAndFilter")
}

// Scenario 6 (spec.md §8): transport failure on memory degrades
// gracefully rather than failing the run.
func TestProcessMemoryTransportFailureDegrades(t *testing.T) {
	b := newStubBackend()
	b.handle("resolve", `{"resolved_message":"What do I like?","replacements":[],"method":"none"}`)
	b.handle("intent.parse", `{"intent":"general_query","confidence":0.7,"entities":[],"requires_memory":true}`)
	b.handle("message.list", `{"messages":[]}`)
	b.handle("context.get", `{"facts":[],"entities":[]}`)
	b.fail("memory.search")
	b.handle("general.answer", `{"answer":"I'm not sure yet.","metadata":{"model":"local"}}`)
	b.handle("message.add", `{}`)
	defer b.srv.Close()

	orch := newTestOrchestrator(t, b, nil)
	result := orch.Process(context.Background(), "What do I like?", state.RequestContext{SessionID: "s1", UserID: "u1"}, nil, nil)

	require.True(t, result.Success)
	for _, e := range result.Trace {
		if e.Node == "retrieveMemory" {
			assert.True(t, e.Success)
		}
	}
}

func TestGraphCachedAcrossCalls(t *testing.T) {
	b := newStubBackend()
	defer b.srv.Close()
	orch := newTestOrchestrator(t, b, nil)
	g1 := orch.Graph()
	g2 := orch.Graph()
	assert.Same(t, g1, g2)
}

func TestTracesRespectsLimit(t *testing.T) {
	b := newStubBackend()
	b.handle("resolve", `{"resolved_message":"hi","replacements":[],"method":"none"}`)
	b.handle("intent.parse", `{"intent":"greeting","confidence":0.99,"entities":[],"requires_memory":false}`)
	b.handle("general.answer", `{"answer":"Hello!","metadata":{"model":"local"}}`)
	b.handle("message.add", `{}`)
	defer b.srv.Close()

	orch := newTestOrchestrator(t, b, nil)
	for i := 0; i < 5; i++ {
		orch.Process(context.Background(), "hi", state.RequestContext{SessionID: "s1"}, nil, nil)
	}
	traces := orch.Traces(TraceQuery{Limit: 3})
	assert.LessOrEqual(t, len(traces), 3)
}

func TestExecuteActionEscapeHatch(t *testing.T) {
	b := newStubBackend()
	b.handle("search", `{"results":[]}`)
	defer b.srv.Close()

	orch := newTestOrchestrator(t, b, nil)
	result := orch.ExecuteAction(context.Background(), "web-search", "search", map[string]string{"q": "go"}, state.RequestContext{})
	assert.True(t, result.Success)
}
