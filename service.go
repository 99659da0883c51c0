package pipewarden

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prilive-com/pipewarden/ado"
	"github.com/prilive-com/pipewarden/audit"
	"github.com/prilive-com/pipewarden/breaker"
	"github.com/prilive-com/pipewarden/client"
	"github.com/prilive-com/pipewarden/ratelimit"
)

// Service wires admission, the circuit breaker, the resilient client and the
// audit trail into the pipeline tool surface.
type Service struct {
	config  Config
	logger  *slog.Logger
	limiter ratelimit.Limiter
	breaker *breaker.Breaker
	client  *client.Client
	audit   *audit.Logger

	clientOpts []client.Option
	ownLimiter bool
	ownAudit   bool
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithLimiter sets a custom admission backend (e.g. ratelimit.RedisWindow for
// multi-instance deployments). The caller owns its lifecycle.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithClientOptions passes extra options to the underlying REST client.
func WithClientOptions(opts ...client.Option) Option {
	return func(s *Service) { s.clientOpts = append(s.clientOpts, opts...) }
}

// WithAuditLogger sets a custom audit logger. The caller owns its lifecycle.
func WithAuditLogger(l *audit.Logger) Option {
	return func(s *Service) { s.audit = l }
}

// New creates a Service.
func New(cfg Config, tokens client.TokenSource, opts ...Option) (*Service, error) {
	if cfg.Organization == "" {
		return nil, ado.NewConfigError("organization", "must not be empty")
	}
	if len(cfg.Projects) == 0 {
		return nil, ado.NewConfigError("projects", "allow-list must not be empty")
	}
	if cfg.DefaultProject != "" && !cfg.Allowed(cfg.DefaultProject) {
		return nil, ado.NewConfigError("default_project", "not in the project allow-list")
	}

	def := DefaultConfig()
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.RetryBaseWait <= 0 {
		cfg.RetryBaseWait = def.RetryBaseWait
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.RateLimitMaxRequests <= 0 {
		cfg.RateLimitMaxRequests = def.RateLimitMaxRequests
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = def.RateLimitWindow
	}
	if cfg.BreakerFailureThreshold <= 0 {
		cfg.BreakerFailureThreshold = def.BreakerFailureThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = def.BreakerCooldown
	}
	if cfg.AuditBufferSize <= 0 {
		cfg.AuditBufferSize = def.AuditBufferSize
	}

	s := &Service{config: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	logger := s.logger
	s.breaker = breaker.New(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Cooldown:         cfg.BreakerCooldown,
		OnStateChange: func(from, to breaker.State) {
			logger.Info("circuit breaker state changed",
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	if s.limiter == nil {
		s.limiter = ratelimit.NewWindow(ratelimit.Config{
			MaxRequests: cfg.RateLimitMaxRequests,
			Window:      cfg.RateLimitWindow,
		})
		s.ownLimiter = true
	}

	cli, err := client.New(client.Config{
		Organization:   cfg.Organization,
		RequestTimeout: cfg.RequestTimeout,
		MaxAttempts:    cfg.RetryAttempts,
		RetryBaseWait:  cfg.RetryBaseWait,
	}, tokens, s.breaker, append([]client.Option{client.WithLogger(logger)}, s.clientOpts...)...)
	if err != nil {
		return nil, err
	}
	s.client = cli

	if s.audit == nil {
		s.audit = audit.New(audit.Config{BufferSize: cfg.AuditBufferSize}, audit.WithLogger(logger))
		s.ownAudit = true
	}

	return s, nil
}

// Health is a point-in-time view of the service's resilience state.
type Health struct {
	Status              string `json:"status"`
	BreakerState        string `json:"circuit_breaker_state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	AuditDropped        uint64 `json:"audit_dropped"`
}

// Health reports the breaker state for liveness endpoints. Status is
// "degraded" while the breaker is open, "ok" otherwise.
func (s *Service) Health() Health {
	state := s.breaker.State()
	status := "ok"
	if state == breaker.StateOpen {
		status = "degraded"
	}
	return Health{
		Status:              status,
		BreakerState:        state.String(),
		ConsecutiveFailures: s.breaker.ConsecutiveFailures(),
		AuditDropped:        s.audit.Dropped(),
	}
}

// Close releases all resources. In-flight invocations complete normally or
// with context errors; buffered audit entries are flushed.
func (s *Service) Close() error {
	err := s.client.Close()
	if s.ownLimiter {
		if w, ok := s.limiter.(*ratelimit.Window); ok {
			w.Close()
		}
	}
	if s.ownAudit {
		s.audit.Close()
	}
	return err
}

// run wraps one tool invocation: admission check first, then the operation,
// then exactly one audit record either way.
func (s *Service) run(ctx context.Context, caller Caller, tool, project string, meta map[string]any, fn func(context.Context) error) error {
	start := time.Now()
	identity := caller.Key()

	allowed, limErr := s.limiter.Allow(ctx, identity)
	if limErr != nil {
		// Admission backend trouble is an availability tradeoff: log and let
		// the call through rather than failing closed on limiter outage.
		s.logger.Warn("rate limiter unavailable, admitting request",
			"identity", identity,
			"tool", tool,
			"error", limErr,
		)
		allowed = true
	}
	if !allowed {
		s.audit.Record(audit.Entry{
			Identity:  identity,
			Tool:      tool,
			Project:   project,
			Status:    audit.StatusRateLimited,
			ErrorKind: ado.KindRateLimited,
			Duration:  time.Since(start),
			Meta:      meta,
		})
		return fmt.Errorf("%w: identity %q", ado.ErrRateLimited, identity)
	}

	err := fn(ctx)

	entry := audit.Entry{
		Identity: identity,
		Tool:     tool,
		Project:  project,
		Status:   audit.StatusSuccess,
		Duration: time.Since(start),
		Meta:     meta,
	}
	if err != nil {
		entry.Status = audit.StatusError
		entry.ErrorKind = ado.KindOf(err)
	}
	s.audit.Record(entry)
	return err
}

// resolveProject maps a requested project onto the allow-list.
func (s *Service) resolveProject(requested string) (string, error) {
	project := requested
	if project == "" {
		project = s.config.DefaultProject
	}
	if project == "" && len(s.config.Projects) == 1 {
		project = s.config.Projects[0]
	}
	if project == "" {
		return "", ado.ErrNoProject
	}
	if !s.config.Allowed(project) {
		return "", fmt.Errorf("%w: %q", ado.ErrProjectNotAllowed, project)
	}
	return project, nil
}
