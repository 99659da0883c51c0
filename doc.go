// Package pipewarden mediates tool access to Azure DevOps Pipelines with
// built-in resilience: per-identity rate limiting, a shared circuit breaker,
// retrying REST calls, and a non-blocking audit trail.
//
// # Quick Start
//
//	cfg, err := pipewarden.LoadConfig()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := pipewarden.New(*cfg, client.NewStaticTokenSource(token))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//
//	runs, err := svc.ListPipelineRuns(ctx, caller, pipewarden.ListRunsRequest{
//	    Project: "web-platform",
//	    Top:     10,
//	})
//
// # Layers
//
// Each resilience concern is its own package and usable on its own:
//
//	import "github.com/prilive-com/pipewarden/ratelimit" // sliding-window admission
//	import "github.com/prilive-com/pipewarden/breaker"   // three-state circuit breaker
//	import "github.com/prilive-com/pipewarden/client"    // retrying ADO REST client
//	import "github.com/prilive-com/pipewarden/audit"     // non-blocking audit sink
//
// Shared wire types and the error taxonomy live in the ado subpackage:
//
//	import "github.com/prilive-com/pipewarden/ado"
//	var run ado.PipelineRun
//	errors.Is(err, ado.ErrCircuitOpen)
//
// # Features
//
//   - Sliding-window rate limiting per caller identity, in-memory or Redis
//   - Circuit breaker with lazy cooldown and a single half-open probe
//   - Retry with exponential backoff, crypto jitter and Retry-After honor
//   - Token source with caching, refresh deduplication and sony/gobreaker
//   - TLS 1.2+ enforcement
//   - Token auto-redaction in logs and errors
//   - Structured logging and audit records with slog
//   - Project allow-list enforcement
package pipewarden
