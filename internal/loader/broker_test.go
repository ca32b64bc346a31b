package loader

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"modhost/internal/protocol"
)

func TestBrokerDo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"q":"x"}`, string(body))

		w.Header().Set("X-Probe", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"created":true}`))
	}))
	defer srv.Close()

	broker := NewHTTPBroker(BrokerOptions{}, zap.NewNop())
	result, err := broker.Do(context.Background(), "test-mod", protocol.HTTPRequestParams{
		Method:  "post",
		URL:     srv.URL,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    `{"q":"x"}`,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, result.Status)
	assert.Equal(t, "yes", result.Headers["X-Probe"])
	assert.JSONEq(t, `{"created":true}`, result.Body)
}

func TestBrokerRejectsBadRequests(t *testing.T) {
	broker := NewHTTPBroker(BrokerOptions{}, zap.NewNop())
	ctx := context.Background()

	_, err := broker.Do(ctx, "m", protocol.HTTPRequestParams{Method: "TRACE", URL: "https://example.test"})
	assert.ErrorContains(t, err, "not allowed")

	_, err = broker.Do(ctx, "m", protocol.HTTPRequestParams{URL: "ftp://example.test/file"})
	assert.ErrorContains(t, err, "scheme")

	_, err = broker.Do(ctx, "m", protocol.HTTPRequestParams{URL: "://no"})
	assert.Error(t, err)
}

func TestBrokerHostAllowlist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	broker := NewHTTPBroker(BrokerOptions{AllowedHosts: []string{u.Hostname()}}, zap.NewNop())

	result, err := broker.Do(context.Background(), "m", protocol.HTTPRequestParams{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.Status)

	_, err = broker.Do(context.Background(), "m", protocol.HTTPRequestParams{URL: "https://forbidden.test/x"})
	assert.ErrorContains(t, err, "allowlist")
}

func TestBrokerTruncatesOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("z", 4096)))
	}))
	defer srv.Close()

	broker := NewHTTPBroker(BrokerOptions{MaxBodySize: 512}, zap.NewNop())
	result, err := broker.Do(context.Background(), "m", protocol.HTTPRequestParams{URL: srv.URL})
	require.NoError(t, err)
	assert.Len(t, result.Body, 512)
}
