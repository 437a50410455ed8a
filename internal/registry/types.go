// Package registry implements the Service Registry (spec.md §4.A): a
// persistent catalog of microservices with encrypted credentials,
// trust levels, health tracking, and rolling call statistics. Grounded
// on the teacher's core/redis_registry.go and core/discovery.go, which
// play the same role (a thread-safe catalog fronting Redis) for the
// gomind agent-discovery use case.
package registry

import "time"

// TrustLevel mirrors spec.md §3's trust_level enum.
type TrustLevel string

const (
	TrustTrusted   TrustLevel = "trusted"
	TrustAskOnce   TrustLevel = "ask_once"
	TrustAskAlways TrustLevel = "ask_always"
)

// HealthStatus mirrors spec.md §3's health enum. Named the same as the
// teacher's core.HealthStatus.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// Stats is the rolling per-service call statistics block from spec.md §3.
type Stats struct {
	TotalRequests int64     `json:"total_requests"`
	TotalErrors   int64     `json:"total_errors"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	LastRequestAt time.Time `json:"last_request_at"`
}

// EncryptedCredential is the at-rest form of a service's credential
// material: AES-256-GCM ciphertext plus its nonce. Grounded on
// kdlbs-kandev's secrets.Encrypt/Decrypt pair.
type EncryptedCredential struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}

// Capability describes one action a service declares support for.
type Capability struct {
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
	Idempotent  bool   `json:"idempotent"`
}

// Record is the Service Record from spec.md §3.
type Record struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	Endpoint       string               `json:"endpoint"`
	Credential     *EncryptedCredential `json:"credential,omitempty"`
	Capability     []Capability         `json:"capabilities"`
	Version        string               `json:"version"`
	Trusted        bool                 `json:"trusted"`
	TrustLevel     TrustLevel           `json:"trust_level"`
	AllowedActions []string             `json:"allowed_actions,omitempty"`
	RateLimit      int                  `json:"rate_limit_per_minute"`
	Enabled        bool                 `json:"enabled"`
	Core           bool                 `json:"core"`

	Health              HealthStatus `json:"health"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	Stats               Stats        `json:"stats"`
}

// ActionAllowed reports whether action is within the service's
// declared capability list, and — when AllowedActions is non-empty —
// within the trust allow-list too.
func (r *Record) ActionAllowed(action string) bool {
	declared := false
	for _, c := range r.Capability {
		if c.Action == action {
			declared = true
			break
		}
	}
	if !declared {
		return false
	}
	if len(r.AllowedActions) == 0 {
		return true
	}
	for _, a := range r.AllowedActions {
		if a == action {
			return true
		}
	}
	return false
}

// IsIdempotent reports whether action is declared idempotent, which
// permits the Service Client to retry it on transport failure.
func (r *Record) IsIdempotent(action string) bool {
	for _, c := range r.Capability {
		if c.Action == action {
			return c.Idempotent
		}
	}
	return false
}

// HealthEvent is one entry in a service's health history log.
type HealthEvent struct {
	At      time.Time     `json:"at"`
	Status  HealthStatus  `json:"status"`
	Latency time.Duration `json:"latency,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// Config is what a caller supplies to Register; Record is what comes
// back out (and what Get/List return).
type Config struct {
	Name           string
	Endpoint       string
	Credential     string // plaintext; encrypted on the way in
	Capability     []Capability
	Version        string
	TrustLevel     TrustLevel
	AllowedActions []string
	RateLimit      int
	Core           bool
}

// Patch is a partial update for Update(); nil fields are left alone.
type Patch struct {
	Endpoint       *string
	Credential     *string
	TrustLevel     *TrustLevel
	AllowedActions *[]string
	RateLimit      *int
	Enabled        *bool
}

// CoreServiceNames is the fixed, closed set of service names that can
// never be removed or disabled — spec.md §4.A.
var CoreServiceNames = map[string]bool{
	"intent-classifier":    true,
	"coreference-resolver": true,
	"long-term-memory":     true,
	"conversation-store":   true,
}

// SensitiveActions is the fixed, closed set of actions that require
// explicit caller opt-in when invoked on an untrusted service —
// spec.md §4.A.
var SensitiveActions = map[string]bool{
	"memory.store":   true,
	"memory.delete":  true,
	"file.write":     true,
	"system.execute": true,
}

// IsSensitive reports whether action is in the sensitive set.
func IsSensitive(action string) bool {
	return SensitiveActions[action]
}
