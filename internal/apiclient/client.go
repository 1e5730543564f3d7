// Package apiclient is the single chokepoint for outbound HTTP from the
// offline map service. Requests pass through a stable priority queue with a
// bounded number in flight; transient failures retry with exponential
// backoff and jitter, rate limits honor Retry-After, and network-level
// errors pause the whole client until connectivity returns.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/dmind-project/offline-map-service/internal/observability"
)

// Terminal errors surfaced to callers.
var (
	ErrRequestTimeout = errors.New("request timeout")
	ErrRateLimited    = errors.New("rate limited and retries exhausted")
	ErrStopped        = errors.New("api client stopped")
)

// HTTPError is a terminal non-retryable (or retry-exhausted) HTTP status.
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
}

const defaultTTL = 5 * time.Minute

// Config are the knobs for one Client instance. Zero values take the
// defaults noted per field.
type Config struct {
	BaseURL         string        // prepended to every request URL
	MaxConcurrent   int           // default 5
	DefaultRetries  int           // default 3
	RequestTimeout  time.Duration // default 30s, enforced per attempt
	CacheEnabled    bool
	DefaultCacheTTL time.Duration // default 5m
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.DefaultRetries < 0 {
		c.DefaultRetries = 3
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.DefaultCacheTTL <= 0 {
		c.DefaultCacheTTL = defaultTTL
	}
	return c
}

// Client is an outbound HTTP gate with a priority queue, bounded
// concurrency, retry with backoff, offline pause, and a GET response cache.
// Construct with New and run the dispatcher with Run; there is no
// package-level instance.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *observability.Metrics
	clock      clockwork.Clock
	cache      *responseCache

	mu      sync.Mutex
	queue   requestQueue
	active  int
	paused  bool
	stopped bool

	wake chan struct{} // buffered(1): enqueue, resume, and completions signal the dispatcher
}

// New creates a Client. The dispatcher does not start until Run is called.
func New(cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Client {
	return newWithClock(cfg, logger, metrics, clockwork.NewRealClock())
}

func newWithClock(cfg Config, logger *slog.Logger, metrics *observability.Metrics, clock clockwork.Clock) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		logger:     logger,
		metrics:    metrics,
		clock:      clock,
		cache:      newResponseCache(cfg.CacheEnabled, cfg.DefaultCacheTTL, clock),
		wake:       make(chan struct{}, 1),
	}
}

// Run executes the dispatch loop until the context is cancelled, then fails
// every request still queued so no caller blocks forever.
func (c *Client) Run(ctx context.Context) error {
	c.logger.Info("api client dispatcher started",
		"max_concurrent", c.cfg.MaxConcurrent,
		"request_timeout", c.cfg.RequestTimeout,
	)

	for {
		req := c.nextDispatchable()
		if req == nil {
			select {
			case <-ctx.Done():
				c.shutdown()
				return nil
			case <-c.wake:
			}
			continue
		}
		go c.execute(ctx, req)
	}
}

// nextDispatchable pops the highest-priority runnable request, or nil when
// the dispatcher should block. Requests whose caller already gave up are
// discarded here instead of being dispatched.
func (c *Client) nextDispatchable() *queuedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.paused || c.active >= c.cfg.MaxConcurrent {
			return nil
		}
		req := c.queue.pop()
		if req == nil {
			return nil
		}
		c.metrics.APIQueueDepth.Set(float64(c.queue.len()))
		if req.ctx.Err() != nil {
			req.deliver(result{err: req.ctx.Err()})
			c.metrics.APIRequests.WithLabelValues(req.method, "cancelled").Inc()
			continue
		}
		c.active++
		c.metrics.APIActive.Set(float64(c.active))
		return req
	}
}

// execute performs one attempt. The concurrency slot is released as soon as
// the attempt settles; backoff sleeps happen outside the slot so a retrying
// request does not block other traffic.
func (c *Client) execute(ctx context.Context, req *queuedRequest) {
	attemptCtx, cancel := context.WithTimeout(req.ctx, c.cfg.RequestTimeout)
	defer cancel()

	start := c.clock.Now()
	resp, err := c.do(attemptCtx, req)
	c.metrics.APIDuration.WithLabelValues(req.method).Observe(c.clock.Since(start).Seconds())
	c.release()

	if err != nil {
		c.handleTransportError(ctx, req, attemptCtx, err)
		return
	}

	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if readErr != nil {
			c.fail(req, fmt.Errorf("read response body: %w", readErr))
			return
		}
		c.metrics.APIRequests.WithLabelValues(req.method, "success").Inc()
		req.deliver(result{status: resp.StatusCode, header: resp.Header, body: body})

	case resp.StatusCode == http.StatusTooManyRequests:
		c.handleRateLimit(ctx, req, resp)

	case resp.StatusCode >= 500 && req.retryCount < req.maxRetries:
		c.retry(ctx, req, backoffDelay(req.retryCount))

	default:
		c.fail(req, &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status})
	}
}

func (c *Client) do(ctx context.Context, req *queuedRequest) (*http.Response, error) {
	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, body)
	if err != nil {
		return nil, err
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}
	return c.httpClient.Do(httpReq)
}

// handleTransportError classifies a failed attempt: timeout, caller
// cancellation, network outage, or other transport failure.
func (c *Client) handleTransportError(ctx context.Context, req *queuedRequest, attemptCtx context.Context, err error) {
	switch {
	case req.ctx.Err() != nil:
		c.metrics.APIRequests.WithLabelValues(req.method, "cancelled").Inc()
		req.deliver(result{err: req.ctx.Err()})

	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		if req.retryCount < req.maxRetries {
			c.retry(ctx, req, backoffDelay(req.retryCount))
			return
		}
		c.metrics.APIRequests.WithLabelValues(req.method, "timeout").Inc()
		req.deliver(result{err: fmt.Errorf("%w after %d attempts", ErrRequestTimeout, req.retryCount+1)})

	case isNetworkError(err):
		// Offline: hold the request at the absolute front without charging
		// its retry budget, and stop dispatching until Resume.
		c.logger.Warn("network error, pausing dispatch", "url", req.url, "error", err)
		c.requeueFront(req)
		c.Pause()

	case req.retryCount < req.maxRetries:
		c.retry(ctx, req, backoffDelay(req.retryCount))

	default:
		c.fail(req, err)
	}
}

// handleRateLimit waits out a 429, preferring the server's Retry-After over
// the computed backoff. Rate limits consume the same retry budget as other
// transient failures.
func (c *Client) handleRateLimit(ctx context.Context, req *queuedRequest, resp *http.Response) {
	if req.retryCount >= req.maxRetries {
		c.metrics.APIRequests.WithLabelValues(req.method, "failure").Inc()
		req.deliver(result{err: ErrRateLimited})
		return
	}

	wait := backoffDelay(req.retryCount)
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			wait = time.Duration(secs) * time.Second
		}
	}
	c.logger.Warn("rate limited", "url", req.url, "wait", wait, "attempt", req.retryCount+1)
	c.retry(ctx, req, wait)
}

// retry sleeps the given delay and re-inserts the request at the queue
// front so it dispatches ahead of traffic enqueued after its failure.
func (c *Client) retry(ctx context.Context, req *queuedRequest, delay time.Duration) {
	c.metrics.APIRetries.Inc()
	c.logger.Debug("retrying request", "url", req.url, "attempt", req.retryCount+1, "backoff", delay)

	if delay > 0 {
		select {
		case <-req.ctx.Done():
			req.deliver(result{err: req.ctx.Err()})
			return
		case <-ctx.Done():
			req.deliver(result{err: ErrStopped})
			return
		case <-c.clock.After(delay):
		}
	}

	req.retryCount++
	c.requeueFront(req)
}

func (c *Client) requeueFront(req *queuedRequest) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		req.deliver(result{err: ErrStopped})
		return
	}
	c.queue.pushFront(req)
	c.metrics.APIQueueDepth.Set(float64(c.queue.len()))
	c.mu.Unlock()
	c.signal()
}

func (c *Client) fail(req *queuedRequest, err error) {
	c.metrics.APIRequests.WithLabelValues(req.method, "failure").Inc()
	req.deliver(result{err: err})
}

func (c *Client) release() {
	c.mu.Lock()
	c.active--
	c.metrics.APIActive.Set(float64(c.active))
	c.mu.Unlock()
	c.signal()
}

func (c *Client) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// shutdown fails everything still queued so callers unblock.
func (c *Client) shutdown() {
	c.mu.Lock()
	c.stopped = true
	var pending []*queuedRequest
	for req := c.queue.pop(); req != nil; req = c.queue.pop() {
		pending = append(pending, req)
	}
	c.metrics.APIQueueDepth.Set(0)
	c.mu.Unlock()

	for _, req := range pending {
		req.deliver(result{err: ErrStopped})
	}
	c.logger.Info("api client dispatcher stopped", "rejected", len(pending))
}

// Pause halts dispatch. In-flight requests finish; nothing new starts.
func (c *Client) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	c.metrics.APIPaused.Set(1)
	c.logger.Info("api client paused")
}

// Resume continues dispatch after a pause.
func (c *Client) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.metrics.APIPaused.Set(0)
	c.logger.Info("api client resumed")
	c.signal()
}

// Status is a diagnostic snapshot of the client.
type Status struct {
	QueueLength    int  `json:"queueLength"`
	ActiveRequests int  `json:"activeRequests"`
	Paused         bool `json:"paused"`
	CacheSize      int  `json:"cacheSize"`
}

// Status reports queue depth, in-flight count, pause state, and response
// cache size.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		QueueLength:    c.queue.len(),
		ActiveRequests: c.active,
		Paused:         c.paused,
		CacheSize:      c.cache.size(),
	}
}

// ClearCache drops every memoized GET response.
func (c *Client) ClearCache() {
	c.cache.clear()
}

// GetOptions tune a single Get call.
type GetOptions struct {
	Priority Priority
	NoCache  bool          // bypass the response cache entirely
	CacheTTL time.Duration // per-call TTL; zero uses the client default
	Headers  map[string]string
}

// Get enqueues a GET, waits for its terminal outcome, and decodes the JSON
// response into out. Successful bodies are memoized by URL until their TTL
// lapses, so repeated reads of slow-moving feeds skip the network.
func (c *Client) Get(ctx context.Context, url string, out any, opts GetOptions) error {
	fullURL := c.cfg.BaseURL + url

	if !opts.NoCache {
		if data, ok := c.cache.get(fullURL); ok {
			c.metrics.ResponseCache.WithLabelValues("hit").Inc()
			return decode(data, out)
		}
		c.metrics.ResponseCache.WithLabelValues("miss").Inc()
	}

	req := c.enqueue(ctx, http.MethodGet, fullURL, opts.Headers, nil, opts.Priority)
	if req == nil {
		return ErrStopped
	}
	res, err := c.await(ctx, req)
	if err != nil {
		return err
	}

	if !opts.NoCache {
		c.cache.put(fullURL, res.body, opts.CacheTTL)
	}
	return decode(res.body, out)
}

// PostOptions tune a single Post call.
type PostOptions struct {
	Priority Priority
	Headers  map[string]string
}

// Post enqueues a POST with a JSON-serialized body and decodes the JSON
// response into out (which may be nil). Responses are never cached; POST is
// assumed non-idempotent.
func (c *Client) Post(ctx context.Context, url string, body any, out any, opts PostOptions) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}

	headers := map[string]string{"Content-Type": "application/json"}
	for k, v := range opts.Headers {
		headers[k] = v
	}

	req := c.enqueue(ctx, http.MethodPost, c.cfg.BaseURL+url, headers, payload, opts.Priority)
	if req == nil {
		return ErrStopped
	}
	res, err := c.await(ctx, req)
	if err != nil {
		return err
	}
	return decode(res.body, out)
}

func (c *Client) enqueue(ctx context.Context, method, url string, headers map[string]string, body []byte, priority Priority) *queuedRequest {
	if priority == "" {
		priority = PriorityNormal
	}
	req := &queuedRequest{
		id:         "req-" + uuid.NewString(),
		ctx:        ctx,
		method:     method,
		url:        url,
		headers:    headers,
		body:       body,
		priority:   priority,
		maxRetries: c.cfg.DefaultRetries,
		enqueuedAt: c.clock.Now(),
		done:       make(chan result, 1),
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.queue.push(req)
	c.metrics.APIQueueDepth.Set(float64(c.queue.len()))
	c.mu.Unlock()
	c.signal()
	return req
}

// await blocks until the request resolves or the caller's context ends.
// A cancelled caller removes its request from the queue if still waiting.
func (c *Client) await(ctx context.Context, req *queuedRequest) (result, error) {
	select {
	case res := <-req.done:
		if res.err != nil {
			return result{}, res.err
		}
		return res, nil
	case <-ctx.Done():
		c.mu.Lock()
		removed := c.queue.remove(req.id)
		if removed {
			c.metrics.APIQueueDepth.Set(float64(c.queue.len()))
			c.metrics.APIRequests.WithLabelValues(req.method, "cancelled").Inc()
		}
		c.mu.Unlock()
		return result{}, ctx.Err()
	}
}

func decode(data []byte, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// backoffDelay computes the exponential backoff with jitter for a retry:
// min(2^n * 1s + random(0..1s), 30s).
func backoffDelay(retryCount int) time.Duration {
	base := math.Exp2(float64(retryCount)) * 1000
	jitter := rand.Float64() * 1000
	ms := math.Min(base+jitter, 30000)
	return time.Duration(ms) * time.Millisecond
}

// isNetworkError reports whether err looks like a connectivity failure
// (refused, reset, unreachable, DNS) rather than a server-side problem.
// These pause the client instead of consuming retry budget.
func isNetworkError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
