package nodes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localfirst/orchestrator/internal/client"
	"github.com/localfirst/orchestrator/internal/registry"
	"github.com/localfirst/orchestrator/internal/state"
)

func newTestDeps(t *testing.T, handler http.HandlerFunc, services map[string][]registry.Capability) *Deps {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	keyProv, err := registry.NewMasterKeyProvider(t.TempDir(), nil)
	require.NoError(t, err)
	reg := registry.New(nil, "test", keyProv, nil)

	for name, caps := range services {
		_, err := reg.Register(context.Background(), registry.Config{
			Name: name, Endpoint: srv.URL, Capability: caps, TrustLevel: registry.TrustTrusted,
		})
		require.NoError(t, err)
	}

	return &Deps{Client: client.New(reg, srv.Client(), nil)}
}

func TestStoreMemorySetsConfirmation(t *testing.T) {
	d := newTestDeps(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"mem-42"}`))
	}, map[string][]registry.Capability{
		longTermMemoryService: {{Action: "memory.store"}},
	})

	s := state.State{Message: "remember to call mom", Intent: state.Intent{Type: "memory_store", Entities: []string{"mom"}}}
	out, err := d.StoreMemory()(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, out.MemoryStored)
	assert.Equal(t, "mem-42", out.MemoryID)
	assert.Equal(t, fixedStoreConfirmation, out.Answer)
}

func TestStoreMemoryPrefersSuggestedResponse(t *testing.T) {
	d := newTestDeps(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"mem-1"}`))
	}, map[string][]registry.Capability{
		longTermMemoryService: {{Action: "memory.store"}},
	})

	s := state.State{Message: "remember X", Intent: state.Intent{Type: "memory_store", SuggestedResponse: "Noted!"}}
	out, err := d.StoreMemory()(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "Noted!", out.Answer)
}

func TestStoreMemoryDegradesOnFailure(t *testing.T) {
	d := newTestDeps(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, map[string][]registry.Capability{
		longTermMemoryService: {{Action: "memory.store"}},
	})

	s := state.State{Message: "remember X", Intent: state.Intent{Type: "memory_store"}}
	out, err := d.StoreMemory()(context.Background(), s)
	require.NoError(t, err, "storeMemory never aborts the run")
	assert.False(t, out.MemoryStored)
	assert.Equal(t, fixedStoreConfirmation, out.Answer)
}

func TestStoreConversationDedupsEntitiesCaseInsensitively(t *testing.T) {
	var sentEntities []string
	d := newTestDeps(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/entity.extract" {
			w.Write([]byte(`{"entities":["Eiffel Tower"]}`))
			return
		}
		if r.URL.Path == "/message.add" {
			var exchange state.ConversationExchange
			_ = json.NewDecoder(r.Body).Decode(&exchange)
			sentEntities = exchange.Entities
		}
		w.Write([]byte(`{}`))
	}, map[string][]registry.Capability{
		conversationStoreService: {{Action: "message.add"}},
		intentClassifierService:  {{Action: "entity.extract", Idempotent: true}},
	})

	s := state.State{
		Message:         "tell me about Paris",
		Answer:          "Paris is lovely, especially the Eiffel Tower",
		Intent:          state.Intent{Type: "general_query", Entities: []string{"Paris"}},
		SessionEntities: []string{"paris", "France"},
	}
	out, err := d.StoreConversation()(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, out.ConversationStored)
	assert.Equal(t, []string{"Paris", "France", "Eiffel Tower"}, sentEntities)
}

func TestStoreConversationDegradesWhenEntityExtractFails(t *testing.T) {
	d := newTestDeps(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}, map[string][]registry.Capability{
		conversationStoreService: {{Action: "message.add"}},
	})

	s := state.State{
		Message: "tell me about Paris",
		Answer:  "Paris is lovely",
		Intent:  state.Intent{Type: "general_query", Entities: []string{"Paris"}},
	}
	out, err := d.StoreConversation()(context.Background(), s)
	require.NoError(t, err, "a failed entity.extract call must never abort the store")
	assert.True(t, out.ConversationStored)
}

func TestDedupLower(t *testing.T) {
	out := dedupLower([]string{"Paris", "paris", "France", "PARIS"})
	assert.Equal(t, []string{"Paris", "France"}, out)
}

func TestStoreConversationSwallowsFailure(t *testing.T) {
	d := newTestDeps(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, map[string][]registry.Capability{
		conversationStoreService: {{Action: "message.add"}},
	})

	s := state.State{Message: "hi", Answer: "hello"}
	out, err := d.StoreConversation()(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, out.ConversationStored)
}
