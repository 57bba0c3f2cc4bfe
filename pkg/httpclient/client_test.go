package httpclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	return cfg
}

func TestDo_SetsDefaultHeaders(t *testing.T) {
	var ua, key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get(HeaderUserAgent)
		key = r.Header.Get(HeaderAPIKey)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.APIKey = "sekrit"
	c := New(cfg)

	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, DefaultUserAgentHeader, ua)
	assert.Equal(t, "sekrit", key)
}

func TestDo_RetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(fastConfig())
	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, int64(3), calls.Load())
}

func TestDo_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(fastConfig())
	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int64(1), calls.Load())
}

func TestDo_StreamingBodyNeverRetries(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(fastConfig())
	req, err := http.NewRequest(http.MethodPost, srv.URL, io.NopCloser(bytes.NewBufferString("stream")))
	require.NoError(t, err)
	req.GetBody = nil

	_, err = c.Do(req)
	assert.ErrorIs(t, err, ErrMaxRetries)
	assert.Equal(t, int64(1), calls.Load())
}

func TestDo_GzipDecompression(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		_, _ = gz.Write([]byte("payload"))
		gz.Close()
		w.Header().Set(HeaderContentEncoding, EncodingGzip)
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	c := New(fastConfig())
	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, cb.Allow())
		cb.RecordFailure()
	}
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())

	time.Sleep(15 * time.Millisecond)
	assert.True(t, cb.Allow(), "half-open probe allowed after timeout")
	assert.False(t, cb.Allow(), "only one probe while half-open")

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 5*time.Millisecond)
	cb.RecordFailure()
	time.Sleep(10 * time.Millisecond)
	require.True(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_Disabled(t *testing.T) {
	cb := NewCircuitBreaker(0, time.Minute)
	for i := 0; i < 100; i++ {
		cb.RecordFailure()
	}
	assert.True(t, cb.Allow())
}

func TestProfileConfig(t *testing.T) {
	probe := ProfileConfig(ProfileProbe, "k", nil)
	assert.Equal(t, 2*time.Second, probe.ConnectTimeout)
	assert.Zero(t, probe.RetryAttempts)

	upload := ProfileConfig(ProfileUpload, "k", nil)
	assert.Zero(t, upload.Timeout, "uploads are bounded by context, not client timeout")

	submit := ProfileConfig(ProfileSubmit, "k", nil)
	assert.Equal(t, 30*time.Second, submit.Timeout)
	assert.Equal(t, "k", submit.APIKey)
}
