// Package client implements the resilient Azure DevOps REST client.
//
// Every outbound call runs through one pipeline: circuit-breaker precheck,
// global outbound smoothing, a hard per-attempt timeout, and a retry loop
// with exponential backoff and jitter. Each completed attempt reports exactly
// one outcome back into the shared breaker; attempts the breaker denied
// report nothing.
package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/prilive-com/pipewarden/ado"
	"github.com/prilive-com/pipewarden/breaker"
	"github.com/prilive-com/pipewarden/internal/scrub"
)

const (
	maxResponseSize = 10 << 20 // 10MB
	maxErrorBody    = 500      // chars of raw body kept when the error body is not JSON
)

// Sleeper abstracts time-based waiting for testing.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// realSleeper uses actual time.
type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Client is the resilient Azure DevOps REST client.
type Client struct {
	config        Config
	httpClient    *http.Client
	logger        *slog.Logger
	breaker       *breaker.Breaker
	tokens        TokenSource
	globalLimiter *rate.Limiter
	sleeper       Sleeper
}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithBaseURL sets both API base URLs (useful for testing).
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.config.BaseURL = url
		c.config.ReleaseBaseURL = url
	}
}

// WithGlobalRateLimit sets outbound smoothing parameters.
func WithGlobalRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		c.config.GlobalRPS = rps
		c.config.GlobalBurst = burst
		c.globalLimiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithMaxAttempts sets the total attempts per call.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		c.config.MaxAttempts = n
	}
}

// WithSleeper sets a custom sleeper for retry timing (useful for testing).
func WithSleeper(s Sleeper) Option {
	return func(c *Client) {
		c.sleeper = s
	}
}

func createHTTPClient(cfg Config) *http.Client {
	return &http.Client{
		// No overall client timeout: the per-attempt context deadline governs,
		// so caller cancellation stays distinguishable from attempt timeout.
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: cfg.KeepAlive,
			}).DialContext,
			MaxIdleConns:          cfg.MaxIdleConns,
			IdleConnTimeout:       cfg.IdleTimeout,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			ForceAttemptHTTP2:     true,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}
}

// New creates a Client. The breaker is shared: pass the instance that guards
// this downstream dependency, or nil to create a default one.
func New(cfg Config, tokens TokenSource, br *breaker.Breaker, opts ...Option) (*Client, error) {
	if cfg.Organization == "" {
		return nil, ado.NewConfigError("organization", "must not be empty")
	}
	if tokens == nil {
		return nil, ado.NewConfigError("token_source", "must not be nil")
	}

	def := DefaultConfig(cfg.Organization)
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.ReleaseBaseURL == "" {
		cfg.ReleaseBaseURL = def.ReleaseBaseURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = def.KeepAlive
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = def.MaxIdleConns
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.GlobalRPS <= 0 {
		cfg.GlobalRPS = def.GlobalRPS
	}
	if cfg.GlobalBurst <= 0 {
		cfg.GlobalBurst = def.GlobalBurst
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryBaseWait <= 0 {
		cfg.RetryBaseWait = def.RetryBaseWait
	}
	if cfg.RetryMaxWait <= 0 {
		cfg.RetryMaxWait = def.RetryMaxWait
	}
	if cfg.RetryFactor <= 0 {
		cfg.RetryFactor = def.RetryFactor
	}

	c := &Client{
		config:  cfg,
		breaker: br,
		tokens:  tokens,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.httpClient == nil {
		c.httpClient = createHTTPClient(c.config)
	}
	if c.globalLimiter == nil {
		c.globalLimiter = rate.NewLimiter(rate.Limit(c.config.GlobalRPS), c.config.GlobalBurst)
	}
	if c.sleeper == nil {
		c.sleeper = realSleeper{}
	}
	if c.breaker == nil {
		logger := c.logger
		c.breaker = breaker.New(breaker.Config{
			FailureThreshold: breaker.DefaultConfig().FailureThreshold,
			Cooldown:         breaker.DefaultConfig().Cooldown,
			OnStateChange: func(from, to breaker.State) {
				logger.Info("circuit breaker state changed",
					"from", from.String(),
					"to", to.String(),
				)
			},
		})
	}

	return c, nil
}

// Breaker returns the circuit breaker guarding this client's dependency.
func (c *Client) Breaker() *breaker.Breaker {
	return c.breaker
}

// Close releases resources used by the client.
func (c *Client) Close() error {
	if t, ok := c.httpClient.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}

// Get performs a JSON GET against "_apis/..." under the given project
// and decodes the response into out (skipped when out is nil).
func (c *Client) Get(ctx context.Context, project, path string, params url.Values, out any) error {
	body, err := c.execute(ctx, request{
		method:  http.MethodGet,
		project: project,
		path:    path,
		params:  params,
	})
	if err != nil {
		return err
	}
	return decode(body, out)
}

// GetRelease is Get against the release (vsrm) host.
func (c *Client) GetRelease(ctx context.Context, project, path string, params url.Values, out any) error {
	body, err := c.execute(ctx, request{
		method:  http.MethodGet,
		project: project,
		path:    path,
		params:  params,
		release: true,
	})
	if err != nil {
		return err
	}
	return decode(body, out)
}

// GetText performs a GET returning raw text (used for log content).
func (c *Client) GetText(ctx context.Context, project, path string, params url.Values) (string, error) {
	body, err := c.execute(ctx, request{
		method:  http.MethodGet,
		project: project,
		path:    path,
		params:  params,
		accept:  "text/plain",
	})
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Post performs a JSON POST and decodes the response into out
// (skipped when out is nil).
func (c *Client) Post(ctx context.Context, project, path string, payload, out any) error {
	var encoded []byte
	if payload != nil {
		var err error
		encoded, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}
	body, err := c.execute(ctx, request{
		method:  http.MethodPost,
		project: project,
		path:    path,
		payload: encoded,
	})
	if err != nil {
		return err
	}
	return decode(body, out)
}

type request struct {
	method  string
	project string
	path    string
	params  url.Values
	payload []byte
	accept  string
	release bool
}

// execute runs the attempt loop for one logical call.
func (c *Client) execute(ctx context.Context, req request) ([]byte, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		// Smoothing waits before the breaker check so a denied wait cannot
		// strand a claimed half-open probe slot.
		if err := c.globalLimiter.Wait(ctx); err != nil {
			return nil, err
		}

		verdict := c.breaker.Precheck()
		if !verdict.Allowed {
			return nil, fmt.Errorf("%w (state=%s)", ado.ErrCircuitOpen, verdict.State)
		}

		body, err := c.doAttempt(ctx, req, tok)
		if err == nil {
			c.breaker.Record(breaker.OutcomeSuccess)
			return body, nil
		}

		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			// Caller cancelled mid-attempt: there is no outcome to count,
			// but a claimed probe slot must still be released.
			c.breaker.Record(breaker.OutcomeAbandoned)
			return nil, err
		}

		c.breaker.Record(outcomeOf(err))

		if !isRetryable(err) {
			return nil, err
		}

		lastErr = err
		if attempt == c.config.MaxAttempts {
			break
		}

		wait := c.backoff(attempt, err)
		c.logger.Warn("retrying request",
			"method", req.method,
			"path", req.path,
			"attempt", attempt,
			"max_attempts", c.config.MaxAttempts,
			"wait", wait,
		)
		if serr := c.sleeper.Sleep(ctx, wait); serr != nil {
			return nil, serr
		}
	}

	return nil, fmt.Errorf("%w: %w", ado.ErrMaxRetries, lastErr)
}

// doAttempt performs a single HTTP attempt under the hard per-attempt timeout.
func (c *Client) doAttempt(ctx context.Context, req request, tok ado.SecretToken) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	base := c.config.BaseURL
	if req.release {
		base = c.config.ReleaseBaseURL
	}
	fullURL := fmt.Sprintf("%s/%s/%s/%s", base, c.config.Organization, req.project, req.path)

	var bodyReader io.Reader
	if req.payload != nil {
		bodyReader = bytes.NewReader(req.payload)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	q := httpReq.URL.Query()
	for key, values := range req.params {
		for _, v := range values {
			q.Add(key, v)
		}
	}
	if q.Get("api-version") == "" {
		q.Set("api-version", ado.APIVersion)
	}
	httpReq.URL.RawQuery = q.Encode()

	httpReq.Header.Set("Authorization", "Bearer "+tok.Value())
	accept := req.accept
	if accept == "" {
		accept = "application/json"
	}
	httpReq.Header.Set("Accept", accept)
	if req.payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", scrub.TokenFromError(err, tok))
	}
	defer resp.Body.Close()

	// Read maxResponseSize+1 to detect overflow without false positive
	limitedReader := io.LimitReader(resp.Body, maxResponseSize+1)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", scrub.TokenFromError(err, tok))
	}
	if int64(len(body)) > maxResponseSize {
		return nil, ado.ErrResponseTooLarge
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	msg := parseErrorMessage(body, resp.StatusCode)
	if retryAfter := parseRetryAfter(resp); retryAfter > 0 {
		return nil, ado.NewAPIErrorWithRetry(req.method, req.path, resp.StatusCode, msg, retryAfter)
	}
	return nil, ado.NewAPIError(req.method, req.path, resp.StatusCode, msg)
}

func decode(body []byte, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// outcomeOf classifies a completed attempt for the breaker.
// 5xx responses, timeouts and connection errors are transient; everything
// client-side (4xx including upstream 429) leaves breaker state alone.
func outcomeOf(err error) breaker.Outcome {
	if errors.Is(err, ado.ErrResponseTooLarge) {
		return breaker.OutcomePermanent
	}
	var apiErr *ado.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code >= 500 {
			return breaker.OutcomeTransient
		}
		return breaker.OutcomePermanent
	}
	return breaker.OutcomeTransient
}

// isRetryable reports whether another attempt may succeed.
// Upstream 429 is retried (honoring Retry-After) even though it never counts
// against the breaker: rate pressure is self-inflicted, not degradation.
func isRetryable(err error) bool {
	if errors.Is(err, ado.ErrResponseTooLarge) {
		return false
	}
	var apiErr *ado.APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	// Timeouts and connection errors
	return true
}

func (c *Client) backoff(attempt int, err error) time.Duration {
	var apiErr *ado.APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter
	}

	backoff := float64(c.config.RetryBaseWait) * math.Pow(c.config.RetryFactor, float64(attempt-1))
	if backoff > float64(c.config.RetryMaxWait) {
		backoff = float64(c.config.RetryMaxWait)
	}

	// Add jitter
	jitterRange := int64(backoff * 0.2)
	if jitterRange > 0 {
		jitter, err := rand.Int(rand.Reader, big.NewInt(jitterRange*2))
		if err == nil {
			backoff += float64(jitter.Int64()) - float64(jitterRange)
		}
	}

	return time.Duration(backoff)
}

func parseErrorMessage(body []byte, status int) string {
	var errResp ado.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		return errResp.Message
	}
	if len(body) > 0 {
		text := string(body)
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return text
	}
	return http.StatusText(status)
}

func parseRetryAfter(resp *http.Response) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}
