package httpcall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	bck "github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quillhaven/taskwire/internal/backoff"
	"github.com/quillhaven/taskwire/internal/config"
	"github.com/quillhaven/taskwire/internal/logging"
	"github.com/quillhaven/taskwire/internal/metrics"
	"github.com/quillhaven/taskwire/internal/taskerr"
	"github.com/quillhaven/taskwire/internal/tenant"
	"github.com/quillhaven/taskwire/internal/tracing"
)

// OpType selects the per-attempt timeout class for a call.
type OpType string

const (
	OpFast     OpType = "fast"     // health checks, cache lookups
	OpStandard OpType = "standard" // CRUD against internal services
	OpHeavy    OpType = "heavy"    // embedding generation, document processing
)

// ResponseError carries the failure detail from a downstream envelope.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is the uniform envelope internal services answer with. Error is
// set exactly when Success is false.
type Response struct {
	Success  bool            `json:"success"`
	Message  string          `json:"message,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Error    *ResponseError  `json:"error,omitempty"`
}

// CallOptions tune a single call. Zero values fall back to the client
// defaults.
type CallOptions struct {
	OpType      OpType
	MaxAttempts int           // total attempts including the first
	Idempotent  bool          // allows serving and storing cached responses
	CacheTTL    time.Duration // cache retention override for this call
}

// Client issues calls to internal services with retries, per-endpoint
// circuit breakers, HMAC signing, and identity propagation. Safe for
// concurrent use.
type Client struct {
	http   *http.Client
	cfg    config.Call
	policy backoff.Policy
	signer *Signer
	cache  *Cache
	logger *logging.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient builds a call client. cache may be nil, which disables response
// caching even for idempotent calls.
func NewClient(cfg config.Call, policy backoff.Policy, cache *Cache) *Client {
	if cfg.FastTimeout <= 0 {
		cfg.FastTimeout = 5 * time.Second
	}
	if cfg.StandardTimeout <= 0 {
		cfg.StandardTimeout = 30 * time.Second
	}
	if cfg.HeavyTimeout <= 0 {
		cfg.HeavyTimeout = 120 * time.Second
	}
	if cfg.BreakerMinRequests == 0 {
		cfg.BreakerMinRequests = 10
	}
	if policy.MaxAttempts <= 0 {
		policy = backoff.Default()
	}
	return &Client{
		http:     &http.Client{},
		cfg:      cfg,
		policy:   policy,
		signer:   NewSigner(cfg.SigningSecret, cfg.SignatureHeader, cfg.TimestampHeader),
		cache:    cache,
		logger:   logging.New("httpcall"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Call sends payload to rawURL and decodes the response envelope. It retries
// transient failures per the policy, short-circuits while the endpoint's
// breaker is open, and serves idempotent calls from cache when possible.
// A non-nil *Response always has Success=true; every failure mode returns
// an error instead.
func (c *Client) Call(ctx context.Context, method, rawURL string, payload any, opts CallOptions) (*Response, error) {
	endpoint := endpointKey(rawURL)

	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, taskerr.Wrap(taskerr.KindValidation, taskerr.CodeValidationFailed, err)
		}
		body = b
	}

	ctx, span := tracing.StartSpan(ctx, "call.request",
		attribute.String("http.method", method),
		attribute.String("call.endpoint", endpoint),
		attribute.String("call.op_type", string(opts.opType())),
	)
	defer span.End()

	var key string
	if opts.Idempotent && c.cache != nil {
		key = cacheKey(method, rawURL, tenant.ID(ctx), body)
		if res, ok := c.cache.Get(ctx, key); ok {
			metrics.RecordCacheHit()
			tracing.AddSpanEvent(ctx, "call.cache_hit")
			return res, nil
		}
		metrics.RecordCacheMiss()
	}

	pol := c.policy
	if opts.MaxAttempts > 0 {
		pol.MaxAttempts = opts.MaxAttempts
	}
	br := c.breakerFor(endpoint)

	var out *Response
	attempt := 0
	op := func() error {
		attempt++
		v, err := br.Execute(func() (any, error) {
			return c.doAttempt(ctx, method, rawURL, body, opts, endpoint)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				// An open breaker means fail fast until the cool-down ends.
				// Permanent stops the retry loop here even though downstream
				// errors normally retry.
				return bck.Permanent(taskerr.New(taskerr.KindDownstream, taskerr.CodeCircuitOpen,
					"circuit open for "+endpoint))
			}
			return err
		}
		out = v.(*Response)
		return nil
	}
	notify := func(err error, next time.Duration) {
		metrics.RecordCallRetry(endpoint)
		c.logger.WithContext(ctx).WithError(err).
			WithField("endpoint", endpoint).
			WithField("attempt", attempt).
			WithField("next_retry_in", next.String()).
			Warn("call failed, retrying")
	}
	if err := pol.RetryNotify(ctx, op, notify); err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}

	if key != "" && out != nil {
		c.cache.Set(ctx, key, out, opts.CacheTTL)
	}
	return out, nil
}

// doAttempt performs one HTTP exchange under the op type's timeout and maps
// the outcome onto the error taxonomy.
func (c *Client) doAttempt(ctx context.Context, method, rawURL string, body []byte, opts CallOptions, endpoint string) (*Response, error) {
	actx, cancel := context.WithTimeout(ctx, c.timeoutFor(opts.OpType))
	defer cancel()

	req, err := http.NewRequestWithContext(actx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindValidation, taskerr.CodeValidationFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tc, ok := tenant.FromContext(ctx); ok {
		tenant.Inject(req.Header, tc)
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}
	c.signer.Sign(req.Header, body)

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			metrics.RecordCall(endpoint, "timeout", elapsed)
			return nil, taskerr.Timeout(taskerr.CodeCallTimeout, err)
		}
		metrics.RecordCall(endpoint, "error", elapsed)
		return nil, taskerr.Transient(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	metrics.RecordCall(endpoint, strconv.Itoa(resp.StatusCode), elapsed)
	if err != nil {
		return nil, taskerr.Transient(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, taskerr.Downstream(resp.StatusCode, fmt.Errorf("%s %s: %s", method, endpoint, resp.Status))
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, taskerr.Wrap(taskerr.KindDownstream, taskerr.CodeDownstreamError, err)
	}
	if !out.Success {
		// A well-formed envelope with success=false is the service answering
		// deliberately. The same request would get the same answer, so the
		// failure is not retryable.
		code := taskerr.CodeDownstreamError
		msg := out.Message
		if out.Error != nil {
			if out.Error.Code != "" {
				code = out.Error.Code
			}
			if out.Error.Message != "" {
				msg = out.Error.Message
			}
		}
		return nil, taskerr.New(taskerr.KindValidation, code, msg)
	}
	return &out, nil
}

// breakerFor returns the circuit breaker for endpoint, creating it on first
// use.
func (c *Client) breakerFor(endpoint string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if br, ok := c.breakers[endpoint]; ok {
		return br
	}
	br := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: 3,
		Interval:    c.cfg.BreakerWindow,
		Timeout:     c.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < c.cfg.BreakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		IsSuccessful: func(err error) bool {
			// Rejected requests are the caller's fault, not a sign the
			// service is down. Only retryable failures count against the
			// endpoint.
			return err == nil || !taskerr.Retryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.RecordBreakerTransition(name, to.String())
			c.logger.Plain().
				WithField("endpoint", name).
				WithField("from", from.String()).
				WithField("to", to.String()).
				Warn("circuit breaker state change")
		},
	})
	c.breakers[endpoint] = br
	return br
}

func (c *Client) timeoutFor(op OpType) time.Duration {
	switch op {
	case OpFast:
		return c.cfg.FastTimeout
	case OpHeavy:
		return c.cfg.HeavyTimeout
	default:
		return c.cfg.StandardTimeout
	}
}

func (o CallOptions) opType() OpType {
	if o.OpType == "" {
		return OpStandard
	}
	return o.OpType
}

// endpointKey reduces a URL to host+path so breakers and metrics group by
// route rather than by query string.
func endpointKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host + u.Path
}
