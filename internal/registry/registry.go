package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/localfirst/orchestrator/internal/apperr"
	"github.com/localfirst/orchestrator/internal/logging"
)

// Registry is the Service Registry described in spec.md §4.A: an
// in-memory catalog, mutation-serialized on a single RWMutex, fronting
// optional Redis persistence so the catalog survives restarts.
// Grounded on the teacher's core/redis_registry.go (atomic pipelined
// persistence per record) collapsed onto a single in-process map —
// this core has one registry per process, not one per distributed
// agent, so the teacher's TTL-heartbeat machinery for ephemeral pod
// registration does not apply.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Record // keyed by name
	history  map[string][]HealthEvent

	rdb       *redis.Client
	namespace string
	keyProv   *MasterKeyProvider
	logger    logging.Logger
}

// New constructs a Registry. rdb may be nil, in which case the catalog
// is purely in-memory (acceptable per spec.md §8's testability
// requirements). keyProv supplies the credential encryption key.
func New(rdb *redis.Client, namespace string, keyProv *MasterKeyProvider, logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Registry{
		services:  make(map[string]*Record),
		history:   make(map[string][]HealthEvent),
		rdb:       rdb,
		namespace: namespace,
		keyProv:   keyProv,
		logger:    logger,
	}
}

func (r *Registry) redisKey(name string) string {
	return fmt.Sprintf("%s:registry:%s", r.namespace, name)
}

// Register adds a new service to the catalog — spec.md §4.A.
func (r *Registry) Register(ctx context.Context, cfg Config) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.services[cfg.Name]; exists {
		return nil, apperr.New("registry.Register", "registry", cfg.Name, apperr.ErrAlreadyExists)
	}

	var enc *EncryptedCredential
	if cfg.Credential != "" {
		e, err := Encrypt([]byte(cfg.Credential), r.keyProv.Key())
		if err != nil {
			return nil, apperr.New("registry.Register", "registry", cfg.Name, err)
		}
		enc = e
	}

	trust := cfg.TrustLevel
	if trust == "" {
		trust = TrustAskOnce
	}

	rec := &Record{
		ID:             uuid.NewString(),
		Name:           cfg.Name,
		Endpoint:       cfg.Endpoint,
		Credential:     enc,
		Capability:     cfg.Capability,
		Version:        cfg.Version,
		Trusted:        trust == TrustTrusted,
		TrustLevel:     trust,
		AllowedActions: cfg.AllowedActions,
		RateLimit:      cfg.RateLimit,
		Enabled:        true,
		Core:           cfg.Core || CoreServiceNames[cfg.Name],
		Health:         HealthUnknown,
	}

	r.services[rec.Name] = rec
	r.persist(ctx, rec)

	r.logger.Info("service registered", map[string]interface{}{
		"service": rec.Name, "core": rec.Core, "trust_level": string(rec.TrustLevel),
	})
	return cloneRecord(rec), nil
}

// Update applies a partial update — spec.md §4.A. Unknown keys in the
// patch (nil fields) are ignored; disabling a core service fails with
// ErrProtectedCore.
func (r *Registry) Update(ctx context.Context, name string, patch Patch) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.services[name]
	if !ok {
		return nil, apperr.New("registry.Update", "registry", name, apperr.ErrNotFound)
	}

	if patch.Enabled != nil && !*patch.Enabled && rec.Core {
		return nil, apperr.New("registry.Update", "registry", name, apperr.ErrProtectedCore)
	}

	if patch.Endpoint != nil {
		rec.Endpoint = *patch.Endpoint
	}
	if patch.Credential != nil {
		enc, err := Encrypt([]byte(*patch.Credential), r.keyProv.Key())
		if err != nil {
			return nil, apperr.New("registry.Update", "registry", name, err)
		}
		rec.Credential = enc
	}
	if patch.TrustLevel != nil {
		rec.TrustLevel = *patch.TrustLevel
		rec.Trusted = *patch.TrustLevel == TrustTrusted
	}
	if patch.AllowedActions != nil {
		rec.AllowedActions = *patch.AllowedActions
	}
	if patch.RateLimit != nil {
		rec.RateLimit = *patch.RateLimit
	}
	if patch.Enabled != nil {
		rec.Enabled = *patch.Enabled
	}

	r.persist(ctx, rec)
	return cloneRecord(rec), nil
}

// Remove deletes a service from the catalog — spec.md §4.A.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.services[name]
	if !ok {
		return apperr.New("registry.Remove", "registry", name, apperr.ErrNotFound)
	}
	if rec.Core {
		return apperr.New("registry.Remove", "registry", name, apperr.ErrProtectedCore)
	}

	delete(r.services, name)
	delete(r.history, name)
	if r.rdb != nil {
		r.rdb.Del(ctx, r.redisKey(name))
	}
	return nil
}

// Get returns a single service by name.
func (r *Registry) Get(name string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.services[name]
	if !ok {
		return nil, apperr.New("registry.Get", "registry", name, apperr.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

// List returns every registered service.
func (r *Registry) List() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0, len(r.services))
	for _, rec := range r.services {
		out = append(out, cloneRecord(rec))
	}
	return out
}

// ListEnabled returns only enabled services.
func (r *Registry) ListEnabled() []*Record {
	return filterRecords(r.List(), func(rec *Record) bool { return rec.Enabled })
}

// ListCore returns only core services.
func (r *Registry) ListCore() []*Record {
	return filterRecords(r.List(), func(rec *Record) bool { return rec.Core })
}

// ListExternal returns only non-core services.
func (r *Registry) ListExternal() []*Record {
	return filterRecords(r.List(), func(rec *Record) bool { return !rec.Core })
}

func filterRecords(in []*Record, pred func(*Record) bool) []*Record {
	out := make([]*Record, 0, len(in))
	for _, rec := range in {
		if pred(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// DecryptCredential recovers the plaintext credential for a service.
// Decryption failures are surfaced, never masked as an empty key —
// spec.md §4.A.
func (r *Registry) DecryptCredential(name string) (string, error) {
	r.mu.RLock()
	rec, ok := r.services[name]
	r.mu.RUnlock()
	if !ok {
		return "", apperr.New("registry.DecryptCredential", "registry", name, apperr.ErrNotFound)
	}
	if rec.Credential == nil {
		return "", nil
	}
	plain, err := Decrypt(rec.Credential, r.keyProv.Key())
	if err != nil {
		return "", apperr.New("registry.DecryptCredential", "registry", name, err)
	}
	return string(plain), nil
}

// RecordHealth updates a service's health status — spec.md §4.A.
// consecutive_failures resets to zero on healthy, else increments; a
// bounded history log is appended to.
func (r *Registry) RecordHealth(ctx context.Context, name string, status HealthStatus, latency time.Duration, callErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.services[name]
	if !ok {
		return apperr.New("registry.RecordHealth", "registry", name, apperr.ErrNotFound)
	}

	rec.Health = status
	if status == HealthHealthy {
		rec.ConsecutiveFailures = 0
	} else {
		rec.ConsecutiveFailures++
	}

	event := HealthEvent{At: time.Now(), Status: status, Latency: latency}
	if callErr != nil {
		event.Error = callErr.Error()
	}
	hist := append(r.history[name], event)
	const maxHistory = 100
	if len(hist) > maxHistory {
		hist = hist[len(hist)-maxHistory:]
	}
	r.history[name] = hist

	r.persist(ctx, rec)
	return nil
}

// RecordCall updates the rolling call statistics — spec.md §4.A.
// avg = (avg*n + latency) / (n+1). Across concurrent callers this
// running mean is not linearizable; readers may see a stale average —
// acceptable per spec.md §5 because stats are diagnostic, not
// authoritative.
func (r *Registry) RecordCall(ctx context.Context, name string, success bool, latencyMs float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.services[name]
	if !ok {
		return apperr.New("registry.RecordCall", "registry", name, apperr.ErrNotFound)
	}

	n := rec.Stats.TotalRequests
	rec.Stats.AvgLatencyMs = (rec.Stats.AvgLatencyMs*float64(n) + latencyMs) / float64(n+1)
	rec.Stats.TotalRequests++
	if !success {
		rec.Stats.TotalErrors++
	}
	rec.Stats.LastRequestAt = time.Now()

	r.persist(ctx, rec)
	return nil
}

// HealthHistory returns the recorded health events for a service.
func (r *Registry) HealthHistory(name string) []HealthEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hist := r.history[name]
	out := make([]HealthEvent, len(hist))
	copy(out, hist)
	return out
}

// IsSensitive exposes the sensitive-action predicate — spec.md §4.A.
func (r *Registry) IsSensitive(action string) bool { return IsSensitive(action) }

// persist writes rec to Redis if configured; persistence failures are
// logged but do not roll back the in-memory mutation (the in-memory
// catalog is always authoritative for the running process — Redis is
// durability for the next restart, matching the teacher's
// best-effort-persistence posture for non-critical indices).
func (r *Registry) persist(ctx context.Context, rec *Record) {
	if r.rdb == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		r.logger.Warn("registry: marshal for persistence failed", map[string]interface{}{"service": rec.Name, "error": err.Error()})
		return
	}
	if err := r.rdb.Set(ctx, r.redisKey(rec.Name), data, 0).Err(); err != nil {
		r.logger.Warn("registry: redis persistence failed", map[string]interface{}{"service": rec.Name, "error": err.Error()})
	}
}

// LoadFromRedis repopulates the in-memory catalog from Redis at
// startup, iterating the namespace's key pattern.
func (r *Registry) LoadFromRedis(ctx context.Context) error {
	if r.rdb == nil {
		return nil
	}
	pattern := r.redisKey("*")
	iter := r.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		data, err := r.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		r.mu.Lock()
		r.services[rec.Name] = &rec
		r.mu.Unlock()
	}
	return iter.Err()
}

func cloneRecord(rec *Record) *Record {
	out := *rec
	out.Capability = append([]Capability(nil), rec.Capability...)
	out.AllowedActions = append([]string(nil), rec.AllowedActions...)
	return &out
}
