package client_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prilive-com/pipewarden/ado"
	"github.com/prilive-com/pipewarden/client"
)

func TestStaticTokenSource(t *testing.T) {
	src := client.NewStaticTokenSource("pat-token")
	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pat-token", tok.Value())

	empty := client.NewStaticTokenSource("")
	_, err = empty.Token(context.Background())
	assert.ErrorIs(t, err, ado.ErrTokenSource)
}

func TestCachedTokenSource_CachesUntilExpiry(t *testing.T) {
	var fetches atomic.Int32
	src, err := client.NewCachedTokenSource(func(ctx context.Context) (client.Credential, error) {
		fetches.Add(1)
		return client.Credential{
			Token:     "fetched-token",
			ExpiresOn: time.Now().Add(time.Hour),
		}, nil
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		tok, err := src.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "fetched-token", tok.Value())
	}
	assert.Equal(t, int32(1), fetches.Load())
}

func TestCachedTokenSource_RefreshesInsideSkewWindow(t *testing.T) {
	var fetches atomic.Int32
	src, err := client.NewCachedTokenSource(func(ctx context.Context) (client.Credential, error) {
		fetches.Add(1)
		// Expires sooner than the skew window, so every call refreshes.
		return client.Credential{
			Token:     "short-lived",
			ExpiresOn: time.Now().Add(30 * time.Second),
		}, nil
	}, client.WithExpirySkew(2*time.Minute))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := src.Token(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), fetches.Load())
}

func TestCachedTokenSource_DeduplicatesConcurrentRefresh(t *testing.T) {
	var fetches atomic.Int32
	release := make(chan struct{})
	src, err := client.NewCachedTokenSource(func(ctx context.Context) (client.Credential, error) {
		fetches.Add(1)
		<-release
		return client.Credential{
			Token:     "shared-token",
			ExpiresOn: time.Now().Add(time.Hour),
		}, nil
	})
	require.NoError(t, err)

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	toks := make([]ado.SecretToken, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			toks[i], errs[i] = src.Token(context.Background())
		}(i)
	}

	// Give the goroutines time to pile onto the single in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared-token", toks[i].Value())
	}
	assert.Equal(t, int32(1), fetches.Load())
}

func TestCachedTokenSource_BreakerShortCircuitsBrokenEndpoint(t *testing.T) {
	var fetches atomic.Int32
	src, err := client.NewCachedTokenSource(func(ctx context.Context) (client.Credential, error) {
		fetches.Add(1)
		return client.Credential{}, errors.New("endpoint down")
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := src.Token(context.Background())
		require.ErrorIs(t, err, ado.ErrTokenSource)
	}
	require.Equal(t, int32(3), fetches.Load())

	// Breaker is open now: failures are reported without calling the endpoint.
	_, err = src.Token(context.Background())
	require.ErrorIs(t, err, ado.ErrTokenSource)
	assert.Equal(t, int32(3), fetches.Load())
}

func TestCachedTokenSource_EmptyTokenIsAnError(t *testing.T) {
	src, err := client.NewCachedTokenSource(func(ctx context.Context) (client.Credential, error) {
		return client.Credential{Token: ""}, nil
	})
	require.NoError(t, err)

	_, err = src.Token(context.Background())
	assert.ErrorIs(t, err, ado.ErrTokenSource)
}
