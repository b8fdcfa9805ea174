package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPostJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		json.NewEncoder(w).Encode(map[string]string{"echo": in["msg"]})
	}))
	defer server.Close()

	c := NewHTTPClient(Options{})

	var out map[string]string
	err := c.PostJSON(context.Background(), server.URL, map[string]string{"msg": "hi"}, &out)
	require.NoError(t, err)
	require.Equal(t, "hi", out["echo"])
}

func TestNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	c := NewHTTPClient(Options{})

	var out map[string]any
	err := c.PostJSON(context.Background(), server.URL, map[string]any{}, &out)
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	require.Equal(t, "upstream down", statusErr.Body)
}

func TestRateLimiterRespectsContext(t *testing.T) {
	c := NewHTTPClient(Options{RequestsPerSecond: 0.001, Burst: 1})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	var out map[string]any
	require.NoError(t, c.PostJSON(context.Background(), server.URL, map[string]any{}, &out))

	// The single burst token is spent; the next request cannot be admitted in time.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, c.PostJSON(ctx, server.URL, map[string]any{}, &out))
}
