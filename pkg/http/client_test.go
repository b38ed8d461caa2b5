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

	apperrors "trade_gateway/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type headerSigner struct{ calls atomic.Int32 }

func (s *headerSigner) SignRequest(req *http.Request, body []byte) error {
	s.calls.Add(1)
	req.Header.Set("X-Sign", "ok")
	return nil
}

func TestClient_RetriesReads(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("success"))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, Options{Timeout: 5 * time.Second})
	data, err := client.Get(context.Background(), "/", nil)
	require.NoError(t, err)
	assert.Equal(t, "success", string(data))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestClient_PostNotRetriedOnServerError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, Options{})
	_, err := client.Post(context.Background(), "/orders", map[string]string{"a": "b"})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.True(t, errors.Is(err, apperrors.ErrNetwork))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestClient_PostRetriedOnRateLimitWithFullBody(t *testing.T) {
	var attempts atomic.Int32
	var lastBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		lastBody = string(b)
		if attempts.Add(1) < 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	signer := &headerSigner{}
	client := NewClient(server.URL, signer, Options{})
	_, err := client.Post(context.Background(), "/orders", map[string]int{"qty": 5})
	require.NoError(t, err)
	assert.Equal(t, int32(2), attempts.Load())
	assert.JSONEq(t, `{"qty":5}`, lastBody)
	assert.Equal(t, int32(2), signer.calls.Load())
}

func TestClient_ErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusServiceUnavailable, apperrors.ErrExchangeMaintenance},
		{http.StatusUnauthorized, apperrors.ErrAuthenticationFailed},
		{http.StatusTooManyRequests, apperrors.ErrRateLimitExceeded},
	}
	for _, tc := range cases {
		err := &APIError{StatusCode: tc.status}
		assert.True(t, errors.Is(err, tc.want), "status %d", tc.status)
	}
	assert.Nil(t, (&APIError{StatusCode: http.StatusBadRequest}).Unwrap())
}

func TestClient_HeadersAndParams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.Header.Get("X-Session"))
		assert.Equal(t, "ok", r.Header.Get("X-Sign"))
		assert.Equal(t, "IF2406", r.URL.Query().Get("ticker"))
		_, _ = w.Write([]byte("[]"))
	}))
	defer server.Close()

	client := NewClient(server.URL, &headerSigner{}, Options{})
	client.SetHeader("X-Session", "tok")
	_, err := client.Get(context.Background(), "/positions", map[string]string{"ticker": "IF2406"})
	require.NoError(t, err)
}

func TestClient_CircuitBreaker(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, Options{MaxRetries: 1})
	for i := 0; i < 6; i++ {
		_, _ = client.Get(context.Background(), "/", nil)
	}

	before := attempts.Load()
	_, err := client.Get(context.Background(), "/", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNetwork))
	assert.Equal(t, before, attempts.Load(), "open circuit must not reach the server")
}
