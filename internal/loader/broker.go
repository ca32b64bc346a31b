package loader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"modhost/internal/protocol"
)

// HTTPBroker performs outbound HTTP calls on behalf of sandboxed mods.
// Runners delegate here via the http.request method; the sandbox never
// dials the network itself.
type HTTPBroker struct {
	client       *http.Client
	maxBodySize  int64
	allowedHosts map[string]bool // nil means any host
	logger       *zap.Logger
}

// BrokerOptions tunes the HTTP broker.
type BrokerOptions struct {
	Timeout      time.Duration
	MaxBodySize  int64
	AllowedHosts []string
}

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodHead:   true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// NewHTTPBroker builds a broker with sane limits.
func NewHTTPBroker(opts BrokerOptions, logger *zap.Logger) *HTTPBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 1 << 20 // 1 MiB
	}
	b := &HTTPBroker{
		client:      &http.Client{Timeout: opts.Timeout},
		maxBodySize: opts.MaxBodySize,
		logger:      logger,
	}
	if len(opts.AllowedHosts) > 0 {
		b.allowedHosts = make(map[string]bool, len(opts.AllowedHosts))
		for _, h := range opts.AllowedHosts {
			b.allowedHosts[strings.ToLower(h)] = true
		}
	}
	return b
}

// Do executes one delegated request for mod.
func (b *HTTPBroker) Do(ctx context.Context, mod string, params protocol.HTTPRequestParams) (*protocol.HTTPRequestResult, error) {
	method := strings.ToUpper(params.Method)
	if method == "" {
		method = http.MethodGet
	}
	if !allowedMethods[method] {
		return nil, fmt.Errorf("http method %q is not allowed", params.Method)
	}

	u, err := url.Parse(params.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url scheme %q is not allowed", u.Scheme)
	}
	if b.allowedHosts != nil && !b.allowedHosts[strings.ToLower(u.Hostname())] {
		return nil, fmt.Errorf("host %q is not on the allowlist", u.Hostname())
	}

	var body io.Reader
	if params.Body != "" {
		body = strings.NewReader(params.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, params.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range params.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, b.maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	b.logger.Debug("delegated http request",
		zap.String("mod", mod),
		zap.String("method", method),
		zap.String("url", params.URL),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return &protocol.HTTPRequestResult{
		Status:  resp.StatusCode,
		Headers: headers,
		Body:    string(raw),
	}, nil
}
