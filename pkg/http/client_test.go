package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions() Options {
	return Options{
		Timeout:        time.Second,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BreakerDelay:   time.Minute,
	}
}

func TestHttpClient_Retry(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	}))
	defer server.Close()

	client := NewClientWithOptions(server.URL, nil, fastOptions())
	body, err := client.Get(context.Background(), "/", nil)
	require.NoError(t, err)
	assert.Equal(t, "success", string(body))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestHttpClient_PostBodyResentOnRetry(t *testing.T) {
	var attempts atomic.Int32
	var lastBody atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		lastBody.Store(string(b))
		if attempts.Add(1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClientWithOptions(server.URL, nil, fastOptions())
	_, err := client.Post(context.Background(), "/orders", map[string]string{"side": "buy"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), attempts.Load())
	assert.JSONEq(t, `{"side":"buy"}`, lastBody.Load().(string))
}

func TestHttpClient_ClientErrorNotRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad"))
	}))
	defer server.Close()

	client := NewClientWithOptions(server.URL, nil, fastOptions())
	_, err := client.Get(context.Background(), "/", map[string]string{"a": "b"})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestHttpClient_CircuitBreaker(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClientWithOptions(server.URL, nil, fastOptions())

	for i := 0; i < 6; i++ {
		_, _ = client.Get(context.Background(), "/", nil)
	}

	startAttempts := attempts.Load()
	_, err := client.Get(context.Background(), "/", nil)
	assert.Error(t, err)
	assert.Equal(t, startAttempts, attempts.Load(), "open breaker must not reach the server")
}
