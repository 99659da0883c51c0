package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/prilive-com/pipewarden/ado"
)

// TokenSource supplies bearer tokens for the Azure DevOps API.
type TokenSource interface {
	Token(ctx context.Context) (ado.SecretToken, error)
}

// StaticTokenSource returns the same token forever. Suitable for PATs and
// tests.
type StaticTokenSource struct {
	token ado.SecretToken
}

// NewStaticTokenSource wraps a fixed token.
func NewStaticTokenSource(token ado.SecretToken) *StaticTokenSource {
	return &StaticTokenSource{token: token}
}

// Token implements TokenSource.
func (s *StaticTokenSource) Token(ctx context.Context) (ado.SecretToken, error) {
	if s.token.IsEmpty() {
		return "", fmt.Errorf("%w: empty static token", ado.ErrTokenSource)
	}
	return s.token, nil
}

// Credential is a bearer token with its expiry.
type Credential struct {
	Token     ado.SecretToken
	ExpiresOn time.Time
}

// CredentialFunc adapts a fetch function (e.g. a managed identity endpoint)
// into something CachedTokenSource can refresh from.
type CredentialFunc func(ctx context.Context) (Credential, error)

// CachedTokenSource caches credentials until shortly before expiry and
// deduplicates concurrent refreshes, so a burst of calls after expiry costs
// one fetch. The fetch itself runs behind its own circuit breaker: a broken
// identity endpoint fails fast instead of stalling every caller.
type CachedTokenSource struct {
	fetch   CredentialFunc
	skew    time.Duration
	breaker *gobreaker.CircuitBreaker[Credential]
	logger  *slog.Logger

	mu      sync.Mutex
	current Credential
	flight  *flight
}

// flight is one in-progress refresh shared by all waiters.
type flight struct {
	done chan struct{}
	cred Credential
	err  error
}

// TokenOption configures a CachedTokenSource.
type TokenOption func(*CachedTokenSource)

// WithExpirySkew sets how long before expiry a credential is refreshed.
func WithExpirySkew(skew time.Duration) TokenOption {
	return func(s *CachedTokenSource) { s.skew = skew }
}

// WithTokenLogger sets a custom logger.
func WithTokenLogger(logger *slog.Logger) TokenOption {
	return func(s *CachedTokenSource) { s.logger = logger }
}

// NewCachedTokenSource creates a caching token source around fetch.
func NewCachedTokenSource(fetch CredentialFunc, opts ...TokenOption) (*CachedTokenSource, error) {
	if fetch == nil {
		return nil, ado.NewConfigError("credential_func", "must not be nil")
	}

	s := &CachedTokenSource{
		fetch: fetch,
		skew:  2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.breaker = gobreaker.NewCircuitBreaker[Credential](gobreaker.Settings{
		Name:        "pipewarden-token",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("token source breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return s, nil
}

// Token returns a valid credential, refreshing it when the cached one is
// within the skew window of its expiry.
func (s *CachedTokenSource) Token(ctx context.Context) (ado.SecretToken, error) {
	s.mu.Lock()
	if s.fresh(s.current) {
		tok := s.current.Token
		s.mu.Unlock()
		return tok, nil
	}

	if s.flight == nil {
		f := &flight{done: make(chan struct{})}
		s.flight = f
		s.mu.Unlock()

		f.cred, f.err = s.refresh(ctx)
		close(f.done)

		s.mu.Lock()
		s.flight = nil
		if f.err == nil {
			s.current = f.cred
		}
		s.mu.Unlock()

		if f.err != nil {
			return "", f.err
		}
		return f.cred.Token, nil
	}

	f := s.flight
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-f.done:
	}
	if f.err != nil {
		return "", f.err
	}
	return f.cred.Token, nil
}

func (s *CachedTokenSource) refresh(ctx context.Context) (Credential, error) {
	cred, err := s.breaker.Execute(func() (Credential, error) {
		c, err := s.fetch(ctx)
		if err != nil {
			return Credential{}, err
		}
		if c.Token.IsEmpty() {
			return Credential{}, fmt.Errorf("fetched credential has empty token")
		}
		return c, nil
	})
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %w", ado.ErrTokenSource, err)
	}
	return cred, nil
}

// fresh reports whether a credential is still usable. A zero ExpiresOn never
// expires.
func (s *CachedTokenSource) fresh(cred Credential) bool {
	if cred.Token.IsEmpty() {
		return false
	}
	if cred.ExpiresOn.IsZero() {
		return true
	}
	return time.Until(cred.ExpiresOn) > s.skew
}
