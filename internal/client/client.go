// Package client implements the Service Client (spec.md §4.B): the
// uniform invocation primitive microservices are reached through —
// single-call request/response, streaming token delivery, and bulk
// health probing. Grounded on the teacher's resilience/retry.go
// (exponential backoff with jitter) and ai/chain_client.go's
// StreamCallback/StreamChunk shape, generalized from "call an AI
// provider" to "call any registered microservice over HTTP".
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/localfirst/orchestrator/internal/apperr"
	"github.com/localfirst/orchestrator/internal/logging"
	"github.com/localfirst/orchestrator/internal/registry"
)

// RetryConfig configures the exponential backoff used on transport
// failures. Grounded on resilience.RetryConfig.
type RetryConfig struct {
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig mirrors resilience.DefaultRetryConfig's constants.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// CallOptions configures a single Call/CallStream invocation.
type CallOptions struct {
	Timeout        time.Duration
	Attempts       int  // default 1 (no retry)
	AllowSensitive bool // explicit caller opt-in for spec.md §4.A sensitive actions
}

// StreamChunk is one token delivered during CallStream — grounded on
// the teacher's core.StreamChunk{Content, Delta}.
type StreamChunk struct {
	Token string
	Done  bool
}

// ProgressEvent is a lifecycle notification delivered alongside stream
// tokens — spec.md §4.B's {start, done} / {error} events.
type ProgressEvent struct {
	Stage string // "start", "done", "error"
	Err   error
}

// envelope is the transport's optional response wrapper — spec.md
// §4.B: "the transport returns either a bare result object or an
// envelope {data: …}".
type envelope struct {
	Data json.RawMessage `json:"data"`
}

// Client is the Service Client.
type Client struct {
	reg    *registry.Registry
	http   *http.Client
	logger logging.Logger
	retry  RetryConfig

	breakers      map[string]*circuitBreaker
	breakerMu     sync.Mutex
	cbThreshold   int
	cbSleepWindow time.Duration
}

// New constructs a Client. reg resolves service records; httpClient, if
// nil, defaults to an otelhttp-wrapped client matching spec.md §3's
// tracing requirement.
func New(reg *registry.Registry, httpClient *http.Client, logger logging.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   30 * time.Second,
		}
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Client{
		reg:           reg,
		http:          httpClient,
		logger:        logger,
		retry:         DefaultRetryConfig(),
		breakers:      make(map[string]*circuitBreaker),
		cbThreshold:   5,
		cbSleepWindow: 30 * time.Second,
	}
}

func (c *Client) breakerFor(service string) *circuitBreaker {
	c.breakerMu.Lock()
	defer c.breakerMu.Unlock()
	cb, ok := c.breakers[service]
	if !ok {
		cb = newCircuitBreaker(c.cbThreshold, c.cbSleepWindow)
		c.breakers[service] = cb
	}
	return cb
}

// resolve validates the service/action pair against the registry and
// returns the record, or a CoreError classifying why the call cannot
// proceed — spec.md §4.B.
func (c *Client) resolve(service, action string, opts CallOptions) (*registry.Record, error) {
	rec, err := c.reg.Get(service)
	if err != nil {
		return nil, apperr.New("client.resolve", "service", service, apperr.ErrServiceUnknown)
	}
	if !rec.Enabled {
		return nil, apperr.New("client.resolve", "service", service, apperr.ErrServiceDisabled)
	}
	if !rec.ActionAllowed(action) {
		return nil, apperr.New("client.resolve", "service", service, apperr.ErrActionNotAllowed)
	}
	if registry.IsSensitive(action) && !rec.Trusted && !opts.AllowSensitive {
		return nil, apperr.New("client.resolve", "service", service, apperr.ErrActionNotAllowed)
	}
	return rec, nil
}

// Call invokes a single service action and waits for the response —
// spec.md §4.B.
func (c *Client) Call(ctx context.Context, service, action string, payload interface{}, opts CallOptions) (json.RawMessage, error) {
	rec, err := c.resolve(service, action, opts)
	if err != nil {
		return nil, err
	}

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	retryable := rec.IsIdempotent(action)
	if !retryable {
		attempts = 1
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.New("client.Call", "service", service, apperr.ErrInvalidPayload)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	cb := c.breakerFor(service)

	var result json.RawMessage
	var lastErr error
	delay := c.retry.InitialDelay

	for attempt := 1; attempt <= attempts; attempt++ {
		if !cb.allow() {
			lastErr = fmt.Errorf("circuit open for %s", service)
			break
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		result, err = c.doRequest(callCtx, http.MethodPost, rec, action, body)
		latency := time.Since(start)
		cancel()

		if err == nil {
			cb.recordSuccess()
			c.reg.RecordCall(ctx, service, true, float64(latency.Milliseconds()))
			c.reg.RecordHealth(ctx, service, registry.HealthHealthy, latency, nil)
			return result, nil
		}

		cb.recordFailure()
		c.reg.RecordCall(ctx, service, false, float64(latency.Milliseconds()))
		c.reg.RecordHealth(ctx, service, registry.HealthDegraded, latency, err)
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		if attempt == attempts {
			break
		}

		delay = nextDelay(delay, attempt, c.retry)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			lastErr = ctx.Err()
		case <-timer.C:
		}
	}

	c.logger.WarnWithContext(ctx, "service call failed", map[string]interface{}{
		"service": service, "action": action, "attempts": attempts, "error": lastErr.Error(),
	})
	return nil, &apperr.ServiceCallFailed{Service: service, Action: action, Cause: lastErr}
}

func nextDelay(delay time.Duration, attempt int, cfg RetryConfig) time.Duration {
	next := time.Duration(float64(delay) * cfg.BackoffFactor)
	if next > cfg.MaxDelay {
		next = cfg.MaxDelay
	}
	jitter := time.Duration(float64(next) * 0.1 * math.Sin(float64(attempt)))
	return next + jitter
}

// doRequest performs one HTTP round trip and unwraps the response
// envelope — spec.md §4.B. method is http.MethodPost for every ordinary
// action call and http.MethodGet for the health probe spec.md §4.B/§6
// names ("GET {endpoint}/health").
func (c *Client) doRequest(ctx context.Context, method string, rec *registry.Record, action string, body []byte) (json.RawMessage, error) {
	url := rec.Endpoint + "/" + action
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("service %s returned status %d: %s", rec.Name, resp.StatusCode, string(raw))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Data != nil {
		return env.Data, nil
	}
	return json.RawMessage(raw), nil
}

// CallStream invokes a streaming action, delivering tokens through
// onToken as newline-delimited JSON chunks arrive, and lifecycle events
// through onProgress — spec.md §4.B. Streams are never retried (a retry
// would double-deliver tokens already sent to the caller).
func (c *Client) CallStream(ctx context.Context, service, action string, payload interface{}, onToken func(StreamChunk) error, onProgress func(ProgressEvent), opts CallOptions) (string, error) {
	rec, err := c.resolve(service, action, opts)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", apperr.New("client.CallStream", "service", service, apperr.ErrInvalidPayload)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if onProgress != nil {
		onProgress(ProgressEvent{Stage: "start"})
	}

	url := rec.Endpoint + "/" + action
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		if onProgress != nil {
			onProgress(ProgressEvent{Stage: "error", Err: err})
		}
		return "", &apperr.ServiceCallFailed{Service: service, Action: action, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.reg.RecordCall(ctx, service, false, float64(time.Since(start).Milliseconds()))
		if onProgress != nil {
			onProgress(ProgressEvent{Stage: "error", Err: err})
		}
		return "", &apperr.ServiceCallFailed{Service: service, Action: action, Cause: err}
	}
	defer resp.Body.Close()

	var full bytes.Buffer
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var chunk StreamChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		full.WriteString(chunk.Token)
		if err := onToken(chunk); err != nil {
			c.reg.RecordCall(ctx, service, false, float64(time.Since(start).Milliseconds()))
			if onProgress != nil {
				onProgress(ProgressEvent{Stage: "error", Err: err})
			}
			return full.String(), err
		}
		if chunk.Done {
			break
		}
	}

	latency := time.Since(start)
	if err := scanner.Err(); err != nil {
		c.reg.RecordCall(ctx, service, false, float64(latency.Milliseconds()))
		if onProgress != nil {
			onProgress(ProgressEvent{Stage: "error", Err: err})
		}
		return full.String(), &apperr.ServiceCallFailed{Service: service, Action: action, Cause: err}
	}

	if callCtx.Err() != nil {
		c.reg.RecordCall(ctx, service, false, float64(latency.Milliseconds()))
		if onProgress != nil {
			onProgress(ProgressEvent{Stage: "error", Err: callCtx.Err()})
		}
		return full.String(), apperr.ErrTimeout
	}

	c.reg.RecordCall(ctx, service, true, float64(latency.Milliseconds()))
	c.reg.RecordHealth(ctx, service, registry.HealthHealthy, latency, nil)
	if onProgress != nil {
		onProgress(ProgressEvent{Stage: "done"})
	}
	return full.String(), nil
}

// HealthCheckAll probes every enabled service with a bounded timeout —
// spec.md §4.B: "never raises".
func (c *Client) HealthCheckAll(ctx context.Context) map[string]registry.HealthStatus {
	out := make(map[string]registry.HealthStatus)
	for _, rec := range c.reg.ListEnabled() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		start := time.Now()
		_, err := c.doRequest(probeCtx, http.MethodGet, rec, "health", nil)
		latency := time.Since(start)
		cancel()

		status := registry.HealthHealthy
		if err != nil {
			status = registry.HealthUnhealthy
		}
		out[rec.Name] = status
		c.reg.RecordHealth(ctx, rec.Name, status, latency, err)
	}
	return out
}

// BreakerState reports a service's circuit breaker state, for
// diagnostics surfaced through the orchestrator's health operation.
func (c *Client) BreakerState(service string) string {
	return c.breakerFor(service).String()
}
