package client

import "time"

// Config holds Azure DevOps client configuration.
type Config struct {
	// Organization is the ADO organization name ({org} in URLs).
	Organization string

	// API endpoints
	BaseURL        string // default https://dev.azure.com
	ReleaseBaseURL string // vsrm host for classic releases

	// HTTP settings
	RequestTimeout time.Duration // hard per-attempt timeout
	KeepAlive      time.Duration
	MaxIdleConns   int
	IdleTimeout    time.Duration

	// Outbound smoothing
	GlobalRPS   float64
	GlobalBurst int

	// Retry settings
	MaxAttempts   int // total attempts per call, including the first
	RetryBaseWait time.Duration
	RetryMaxWait  time.Duration
	RetryFactor   float64
}

// DefaultConfig returns a Config with production-ready defaults.
func DefaultConfig(organization string) Config {
	return Config{
		Organization:   organization,
		BaseURL:        "https://dev.azure.com",
		ReleaseBaseURL: "https://vsrm.dev.azure.com",
		RequestTimeout: 30 * time.Second,
		KeepAlive:      30 * time.Second,
		MaxIdleConns:   100,
		IdleTimeout:    90 * time.Second,
		GlobalRPS:      30,
		GlobalBurst:    10,
		MaxAttempts:    3,
		RetryBaseWait:  2 * time.Second,
		RetryMaxWait:   30 * time.Second,
		RetryFactor:    2.0,
	}
}
