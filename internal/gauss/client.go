// Package gauss is the outbound client for the Gauss chat API. Every call is
// routed through one of several forward proxies (egress paths); unary calls fail
// over across them and remember the last one that worked.
package gauss

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"gauss-gateway/internal/config"
	"gauss-gateway/internal/metrics"
	"gauss-gateway/internal/models"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "gauss-gateway/1.0"
	directPath      = "direct"

	defaultRequestTimeout  = 30 * time.Second
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
	maxErrorBody           = 64 * 1024
)

// egressPath is one way out to the vendor. The unary client carries the
// request timeout; the stream client only bounds connection establishment.
type egressPath struct {
	addr   string
	client *http.Client
	stream *http.Client
}

// Client talks to the vendor chat API through a pool of egress paths.
//
// sticky holds the last path that succeeded. Calls load it, try it, and store or
// clear it without holding a lock across the network call, so concurrent calls
// may overwrite each other's choice. That race is benign: the loser pays one extra
// failover attempt. Clearing uses compare-and-swap so a failing call never drops
// a path that another call has just promoted.
type Client struct {
	chatURL      string
	modelsURL    string
	headers      map[string]string
	paths        []*egressPath
	streamTTL    time.Duration
	retryMax     uint64
	retryBackoff time.Duration
	log          *slog.Logger

	sticky atomic.Pointer[egressPath]
}

// New builds a client from configuration. An empty proxy list yields a single
// direct path.
func New(cfg config.GaussConfig, logger *slog.Logger) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.RequestTimeout.Std()
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	var paths []*egressPath
	if len(cfg.ProxyIPs) == 0 {
		paths = append(paths, newEgressPath(directPath, nil, timeout))
	}
	for _, ip := range cfg.ProxyIPs {
		proxyURL, err := proxyURL(ip, cfg.ProxyPort)
		if err != nil {
			return nil, err
		}
		paths = append(paths, newEgressPath(proxyURL.String(), proxyURL, timeout))
	}

	retryMax := cfg.RetryMax
	if retryMax < 0 {
		retryMax = 0
	}

	return &Client{
		chatURL:   baseURL + "/messages",
		modelsURL: baseURL + "/models",
		headers: map[string]string{
			"x-openapi-token":        "Bearer " + cfg.PassKey,
			"x-generative-ai-client": cfg.ClientKey,
		},
		paths:        paths,
		streamTTL:    cfg.StreamTimeout.Std(),
		retryMax:     uint64(retryMax),
		retryBackoff: cfg.RetryBackoff.Std(),
		log:          logger.With("component", "gauss"),
	}, nil
}

// proxyURL turns a configured egress entry into a proxy URL. Bare hosts get the
// shared proxy port; entries with a port or scheme are taken as-is.
func proxyURL(entry string, port int) (*url.URL, error) {
	entry = strings.TrimSpace(entry)
	if !strings.Contains(entry, "://") {
		if _, _, err := net.SplitHostPort(entry); err != nil {
			entry = net.JoinHostPort(entry, strconv.Itoa(port))
		}
		entry = "http://" + entry
	}
	u, err := url.Parse(entry)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid egress path %q", entry)
	}
	return u, nil
}

func newEgressPath(addr string, proxy *url.URL, timeout time.Duration) *egressPath {
	return &egressPath{
		addr: addr,
		client: &http.Client{
			Timeout:   timeout,
			Transport: newTransport(proxy, 0),
		},
		stream: &http.Client{
			Transport: newTransport(proxy, timeout),
		},
	}
}

func newTransport(proxy *url.URL, headerTimeout time.Duration) *http.Transport {
	proxyFunc := http.ProxyFromEnvironment
	if proxy != nil {
		proxyFunc = http.ProxyURL(proxy)
	}
	return &http.Transport{
		Proxy:                 proxyFunc,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Paths returns the configured egress addresses in failover order.
func (c *Client) Paths() []string {
	out := make([]string, 0, len(c.paths))
	for _, p := range c.paths {
		out = append(out, p.addr)
	}
	return out
}

// StickyPath returns the remembered egress address, or "" when none is set.
func (c *Client) StickyPath() string {
	if p := c.sticky.Load(); p != nil {
		return p.addr
	}
	return ""
}

// ChatCompletion performs a non-streaming chat call.
func (c *Client) ChatCompletion(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	req.IsStream = false
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	c.log.Info("sending chat request", "url", c.chatURL, "contents", len(req.Contents))
	c.log.Debug("chat request body", "body", string(body))

	raw, err := c.doWithFailover(ctx, http.MethodPost, c.chatURL, body)
	if err != nil {
		return nil, err
	}

	var resp models.ChatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &APIError{StatusCode: http.StatusBadGateway, Message: "malformed chat response", Err: err}
	}
	if resp.SuccessYn != nil && !*resp.SuccessYn {
		return nil, &APIError{
			StatusCode: http.StatusBadGateway,
			Message:    fmt.Sprintf("vendor reported failure (status=%q, responseCode=%q)", resp.Status, resp.ResponseCode),
		}
	}

	prompt, completion := resp.Tokens()
	metrics.TokensTotal.WithLabelValues("prompt").Add(float64(prompt))
	metrics.TokensTotal.WithLabelValues("completion").Add(float64(completion))
	c.log.Info("chat request successful", "finish_reason", resp.FinishReason)
	return &resp, nil
}

// ListModels fetches the vendor model catalogue. The vendor may answer with a
// bare array or an object wrapping one under "models" or "data".
func (c *Client) ListModels(ctx context.Context) ([]models.ModelEntry, error) {
	c.log.Info("fetching models", "url", c.modelsURL)

	raw, err := c.doWithFailover(ctx, http.MethodGet, c.modelsURL, nil)
	if err != nil {
		return nil, err
	}

	entries, err := decodeModelList(raw)
	if err != nil {
		return nil, &APIError{StatusCode: http.StatusBadGateway, Message: "malformed models response", Err: err}
	}
	return entries, nil
}

func decodeModelList(raw []byte) ([]models.ModelEntry, error) {
	var list []models.ModelEntry
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var wrapped struct {
		Models []models.ModelEntry `json:"models"`
		Data   []models.ModelEntry `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.Models != nil {
		return wrapped.Models, nil
	}
	return wrapped.Data, nil
}

// HealthCheck reports whether a model-list call succeeds. The failure detail is
// logged, never returned.
func (c *Client) HealthCheck(ctx context.Context) bool {
	if _, err := c.ListModels(ctx); err != nil {
		c.log.Warn("health check failed", "err", err)
		return false
	}
	return true
}

// PathStatus is the probe result for one egress path.
type PathStatus struct {
	Path    string `json:"path"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// ProbePaths tries the model list once through every egress path, without
// retries and without touching the sticky path.
func (c *Client) ProbePaths(ctx context.Context) []PathStatus {
	out := make([]PathStatus, 0, len(c.paths))
	for _, p := range c.paths {
		status := PathStatus{Path: p.addr, Healthy: true}
		if _, err := c.send(ctx, p, http.MethodGet, c.modelsURL, nil); err != nil {
			status.Healthy = false
			status.Error = err.Error()
		}
		out = append(out, status)
	}
	return out
}

// doWithFailover tries the sticky path, then every configured path in order.
// The first success becomes sticky. A sticky failure clears it and falls through
// to the full list, which may include the same path again. When the list is
// exhausted and some path reached the vendor, the vendor's answer is returned
// as an APIError; otherwise the result is a ConnectionError.
func (c *Client) doWithFailover(ctx context.Context, method, target string, body []byte) ([]byte, error) {
	if p := c.sticky.Load(); p != nil {
		c.log.Debug("using sticky egress path", "path", p.addr)
		raw, err := c.attempt(ctx, p, method, target, body)
		if err == nil {
			return raw, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.log.Warn("sticky egress path failed", "path", p.addr, "err", err)
		if c.sticky.CompareAndSwap(p, nil) {
			metrics.StickyResetsTotal.Inc()
		}
	}

	var lastErr error
	var vendorErr *APIError
	for _, p := range c.paths {
		c.log.Debug("trying egress path", "path", p.addr)
		raw, err := c.attempt(ctx, p, method, target, body)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			c.log.Warn("egress path failed", "path", p.addr, "err", err)
			lastErr = err
			if apiErr := vendorError(err); apiErr != nil {
				vendorErr = apiErr
			}
			continue
		}
		if c.sticky.Swap(p) != p {
			c.log.Info("egress path succeeded, now sticky", "path", p.addr)
		}
		return raw, nil
	}

	if vendorErr != nil {
		c.log.Error("vendor rejected the call", "paths", len(c.paths), "status", vendorErr.StatusCode)
		return nil, vendorErr
	}
	c.log.Error("all egress paths failed", "paths", len(c.paths), "err", lastErr)
	return nil, &ConnectionError{Attempts: len(c.paths), Err: lastErr}
}

// attempt runs one path attempt under the retry policy: transport errors and
// transient statuses are retried with linear backoff, anything else fails the
// attempt at once.
func (c *Client) attempt(ctx context.Context, p *egressPath, method, target string, body []byte) ([]byte, error) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: c.retryBackoff}, c.retryMax),
		ctx,
	)

	operation := func() ([]byte, error) {
		raw, err := c.send(ctx, p, method, target, body)
		if err == nil {
			return raw, nil
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.Transient() {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	notify := func(err error, wait time.Duration) {
		metrics.VendorRetriesTotal.WithLabelValues(p.addr).Inc()
		c.log.Debug("retrying on same egress path", "path", p.addr, "wait", wait, "err", err)
	}

	raw, err := backoff.RetryNotifyWithData(operation, policy, notify)
	if err != nil {
		metrics.VendorAttemptsTotal.WithLabelValues(p.addr, "failure").Inc()
		return nil, err
	}
	metrics.VendorAttemptsTotal.WithLabelValues(p.addr, "success").Inc()
	return raw, nil
}

// send performs a single HTTP exchange and returns the body of a 2xx response.
func (c *Client) send(ctx context.Context, p *egressPath, method, target string, body []byte) ([]byte, error) {
	httpReq, err := c.newRequest(ctx, method, target, body)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s via %s: %w", method, target, p.addr, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, readStatusError(httpResp)
	}

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body via %s: %w", p.addr, err)
	}
	return raw, nil
}

func (c *Client) newRequest(ctx context.Context, method, target string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func readStatusError(resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}

// linearBackOff waits step, 2*step, 3*step, ... between retries.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() {
	b.n = 0
}
