package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newTestFetcher() *HTTPFetcher {
	return NewHTTPFetcher(HTTPOptions{
		UserAgent:  "treasury-cli-test/1.0",
		Timeout:    5 * time.Second,
		MaxRetries: 3,
	})
}

func TestHTTPFetcher_DownloadBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "treasury-cli-test/1.0", r.Header.Get("User-Agent"))
		w.Write([]byte("document body")) //nolint:errcheck
	}))
	defer srv.Close()

	data, err := newTestFetcher().DownloadBytes(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "document body", string(data))
}

func TestHTTPFetcher_RetriesOn429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok")) //nolint:errcheck
	}))
	defer srv.Close()

	data, err := newTestFetcher().DownloadBytes(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPFetcher_RetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("recovered")) //nolint:errcheck
	}))
	defer srv.Close()

	data, err := newTestFetcher().DownloadBytes(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "recovered", string(data))
}

func TestHTTPFetcher_ExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestFetcher().DownloadBytes(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries exhausted")
}

func TestHTTPFetcher_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestFetcher().DownloadBytes(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAdaptiveLimiter(t *testing.T) {
	al := NewAdaptiveLimiter(10, 10)
	assert.Equal(t, rate.Limit(10), al.Limit())

	// Successes raise the rate but never past 2x initial.
	for range 20 {
		al.OnSuccess()
	}
	assert.Equal(t, rate.Limit(20), al.Limit())

	// 429s halve it but never below initial/4.
	for range 20 {
		al.OnRateLimit()
	}
	assert.Equal(t, rate.Limit(2.5), al.Limit())
}

func TestDecodeJSONObject(t *testing.T) {
	type payload struct {
		Ticker   string  `json:"ticker"`
		Holdings *string `json:"holdings"`
	}

	got, err := DecodeJSONObject[payload](strings.NewReader(`{"ticker":"MSTR","holdings":"190000"}`))
	require.NoError(t, err)
	assert.Equal(t, "MSTR", got.Ticker)
	require.NotNil(t, got.Holdings)
	assert.Equal(t, "190000", *got.Holdings)

	_, err = DecodeJSONObject[payload](strings.NewReader("not json"))
	assert.Error(t, err)
}
