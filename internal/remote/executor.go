// Package remote wraps outbound HTTP calls with a per-attempt timeout and a
// bounded, fixed-delay retry policy for transient failures.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"agora/api/internal/fault"
	"agora/api/internal/metrics"
)

// Policy bounds a single logical call.
type Policy struct {
	MaxAttempts int
	Timeout     time.Duration
	RetryDelay  time.Duration
}

// DefaultPolicy matches the providers' documented behaviour: 30s per attempt,
// three attempts, one second apart.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Timeout:     30 * time.Second,
		RetryDelay:  time.Second,
	}
}

// BreakerSettings enables a circuit breaker around each logical call.
// Only transient outcomes count as failures.
type BreakerSettings struct {
	FailureRatio float64
	MinRequests  uint32
	OpenTimeout  time.Duration
}

// Request is replayable: the body is kept as bytes so every attempt sends
// the same payload.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// NewJSONRequest encodes payload (when non-nil) as the request body.
func NewJSONRequest(method, url string, payload any) (Request, error) {
	req := Request{Method: method, URL: url, Header: http.Header{}}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return Request{}, fmt.Errorf("encode request body: %w", err)
		}
		req.Body = body
	}
	return req, nil
}

// WithBearer returns a copy of r carrying an Authorization header when token is set.
func (r Request) WithBearer(token string) Request {
	header := r.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if token = strings.TrimSpace(token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	r.Header = header
	return r
}

// Response is a fully read HTTP response.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Attempts int
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Executor runs Requests for one remote target.
type Executor struct {
	target  string
	client  *http.Client
	policy  Policy
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Executor)

func WithHTTPClient(client *http.Client) Option {
	return func(e *Executor) {
		if client != nil {
			e.client = client
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

func WithBreaker(settings BreakerSettings) Option {
	return func(e *Executor) {
		ratio := settings.FailureRatio
		if ratio <= 0 {
			ratio = 0.6
		}
		minRequests := settings.MinRequests
		if minRequests == 0 {
			minRequests = 5
		}
		e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    e.target,
			Timeout: settings.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= minRequests && failureRatio >= ratio
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !fault.Is(err, fault.Transient)
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				e.logger.Warn("circuit breaker state change", "target", name, "from", from.String(), "to", to.String())
			},
		})
	}
}

// New creates an Executor. target labels logs, metrics and errors.
func New(target string, policy Policy, opts ...Option) *Executor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Timeout <= 0 {
		policy.Timeout = DefaultPolicy().Timeout
	}
	if policy.RetryDelay < 0 {
		policy.RetryDelay = 0
	}
	e := &Executor{
		target: target,
		client: &http.Client{},
		policy: policy,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute sends req, retrying 5xx responses and timeouts up to
// MaxAttempts times with RetryDelay between attempts.
//
// A non-2xx, non-5xx response is returned with a nil error so callers can
// apply their own handling. When retries are exhausted the last response
// (if any) is returned alongside a fault.Transient error.
func (e *Executor) Execute(ctx context.Context, req Request) (*Response, error) {
	if e.breaker == nil {
		return e.run(ctx, req)
	}
	out, err := e.breaker.Execute(func() (interface{}, error) {
		return e.run(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		e.metrics.RemoteCall(e.target, "circuit_open")
		return nil, &fault.Error{Kind: fault.Transient, Op: e.target, Message: "circuit open", Err: err}
	}
	resp, _ := out.(*Response)
	return resp, err
}

func (e *Executor) run(ctx context.Context, req Request) (*Response, error) {
	var policy backoff.BackOff = backoff.NewConstantBackOff(e.policy.RetryDelay)
	policy = backoff.WithMaxRetries(policy, uint64(e.policy.MaxAttempts-1))
	policy = backoff.WithContext(policy, ctx)

	var last *Response
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		resp, err := e.attempt(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				e.metrics.RemoteAttempt(e.target, "cancelled")
				return backoff.Permanent(&fault.Error{Kind: fault.Transient, Op: e.target, Message: "call cancelled", Err: ctx.Err()})
			}
			if isTimeout(err) {
				e.metrics.RemoteAttempt(e.target, "timeout")
				e.logger.Warn("remote call timed out", "target", e.target, "attempt", attempt, "max_attempts", e.policy.MaxAttempts)
				return &fault.Error{Kind: fault.Transient, Op: e.target, Message: "request timed out", Err: err}
			}
			e.metrics.RemoteAttempt(e.target, "error")
			var fe *fault.Error
			if errors.As(err, &fe) {
				return backoff.Permanent(err)
			}
			return backoff.Permanent(&fault.Error{Kind: fault.Transient, Op: e.target, Message: "request failed", Err: err})
		}
		resp.Attempts = attempt
		last = resp
		if resp.Status >= http.StatusInternalServerError {
			e.metrics.RemoteAttempt(e.target, "server_error")
			e.logger.Warn("remote call failed", "target", e.target, "status", resp.Status, "attempt", attempt, "max_attempts", e.policy.MaxAttempts)
			return &fault.Error{Kind: fault.Transient, Op: e.target, Message: "server error: " + Snippet(resp.Body), Status: resp.Status}
		}
		e.metrics.RemoteAttempt(e.target, "ok")
		return nil
	}, policy)

	if err != nil {
		if !errors.As(err, new(*fault.Error)) {
			err = &fault.Error{Kind: fault.Transient, Op: e.target, Message: "call cancelled", Err: err}
		}
		e.metrics.RemoteCall(e.target, string(fault.KindOf(err)))
		return last, err
	}
	e.metrics.RemoteCall(e.target, "ok")
	return last, nil
}

func (e *Executor) attempt(ctx context.Context, req Request) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.policy.Timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidInput, e.target, err)
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// StatusError turns a non-success response into a fault.Permanent error.
func StatusError(op string, resp *Response) *fault.Error {
	if resp == nil {
		return fault.New(fault.Permanent, op, "no response")
	}
	return &fault.Error{
		Kind:    fault.Permanent,
		Op:      op,
		Message: "remote rejected request: " + Snippet(resp.Body),
		Status:  resp.Status,
	}
}

// Snippet trims a response body for logs and error messages.
func Snippet(body []byte) string {
	const limit = 300
	text := strings.TrimSpace(string(body))
	if len(text) > limit {
		return text[:limit] + "..."
	}
	return text
}
