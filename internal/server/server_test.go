package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gauss-gateway/internal/config"
	"gauss-gateway/internal/gauss"
	"gauss-gateway/internal/router"
	"gauss-gateway/internal/translator"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeHealth struct {
	healthy bool
	paths   []gauss.PathStatus
}

func (f fakeHealth) HealthCheck(context.Context) bool {
	return f.healthy
}

func (f fakeHealth) ProbePaths(context.Context) []gauss.PathStatus {
	return f.paths
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Gauss.PassKey = "pass"
	cfg.Gauss.ClientKey = "client"
	cfg.Gauss.BaseURL = "http://gauss.test/chat/v1"
	cfg.Gauss.RequestTimeout = config.Duration(2 * time.Second)
	cfg.Gauss.RetryMax = 0
	cfg.Gauss.RetryBackoff = config.Duration(time.Millisecond)
	return cfg
}

// newVendorProxy starts a server standing in for the single egress proxy and
// the vendor behind it.
func newVendorProxy(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.Listener.Addr().String()
}

func newTestServer(t *testing.T, cfg config.Config, health HealthChecker) *Server {
	t.Helper()
	client, err := gauss.New(cfg.Gauss, discard)
	require.NoError(t, err)
	if health == nil {
		health = client
	}

	converter := translator.NewConverter(translator.Defaults{
		Model:          cfg.Defaults.Model,
		OwnedBy:        cfg.Defaults.OwnedBy,
		Temperature:    cfg.Defaults.Temperature,
		TopP:           cfg.Defaults.TopP,
		MaxTokens:      cfg.Defaults.MaxTokens,
		MaxTokensLimit: cfg.Defaults.MaxTokensLimit,
	})
	rt, err := router.New(client, converter, discard)
	require.NoError(t, err)

	srv, err := New(cfg, rt, health, discard)
	require.NoError(t, err)
	return srv
}

func serverWithVendor(t *testing.T, handler http.HandlerFunc) *Server {
	t.Helper()
	cfg := testConfig()
	cfg.Gauss.ProxyIPs = []string{newVendorProxy(t, handler)}
	return newTestServer(t, cfg, nil)
}

func do(srv *Server, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

const helloRequest = `{"model":"gauss","messages":[{"role":"user","content":"hi"}],"stream":false}`

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(testConfig(), nil, fakeHealth{}, discard)
	assert.Error(t, err)
}

func TestChatCompletionsEndToEnd(t *testing.T) {
	var sent map[string]any
	srv := serverWithVendor(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&sent)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"content":"hello","promptToken":3,"completionToken":2}`)
	})

	rec := do(srv, http.MethodPost, "/v1/chat/completions", helloRequest)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(headerProcessTime))

	var resp translator.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 5, resp.Usage.TotalTokens)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hello", resp.Choices[0].Message.Content)
	assert.Equal(t, "chat.completion", resp.Object)

	assert.Equal(t, []any{"hi"}, sent["contents"])
	assert.Equal(t, false, sent["isStream"])
}

func TestChatCompletionsStreaming(t *testing.T) {
	srv := serverWithVendor(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "data: {\"content\":\"Hel\"}\n\ndata: {\"content\":\"lo\"}\n\ndata: [DONE]\n\n")
	})

	rec := do(srv, http.MethodPost, "/v1/chat/completions",
		`{"model":"gauss","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))

	var chunks []translator.ChatCompletionChunk
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line == "data: [DONE]" {
			continue
		}
		require.True(t, strings.HasPrefix(line, "data: "), line)
		var chunk translator.ChatCompletionChunk
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk))
		chunks = append(chunks, chunk)
	}

	require.Len(t, chunks, 4)
	assert.Equal(t, "assistant", chunks[0].Choices[0].Delta.Role)
	assert.Equal(t, "Hel", *chunks[1].Choices[0].Delta.Content)
	assert.Equal(t, "lo", *chunks[2].Choices[0].Delta.Content)
	require.NotNil(t, chunks[3].Choices[0].FinishReason)
	assert.Equal(t, "stop", *chunks[3].Choices[0].FinishReason)
}

func TestChatCompletionsErrors(t *testing.T) {
	tests := []struct {
		name     string
		vendor   http.HandlerFunc
		body     string
		status   int
		errType  string
		code     string
		contains string
	}{
		{
			name:     "validation",
			body:     `{"model":"gauss","messages":[]}`,
			status:   http.StatusBadRequest,
			errType:  "invalid_request_error",
			contains: "Validation errors: messages field is required",
		},
		{
			name:    "unknown model",
			body:    `{"model":"claude-3","messages":[{"role":"user","content":"hi"}]}`,
			status:  http.StatusNotFound,
			errType: "invalid_request_error",
			code:    "model_not_found",
		},
		{
			name:     "invalid json",
			body:     `{"model":`,
			status:   http.StatusBadRequest,
			errType:  "invalid_request_error",
			contains: "invalid JSON payload",
		},
		{
			name:     "trailing data",
			body:     helloRequest + `{}`,
			status:   http.StatusBadRequest,
			errType:  "invalid_request_error",
			contains: "single JSON object",
		},
		{
			name: "vendor reports failure",
			vendor: func(w http.ResponseWriter, _ *http.Request) {
				fmt.Fprint(w, `{"content":"","successYn":false}`)
			},
			body:    helloRequest,
			status:  http.StatusBadGateway,
			errType: "gauss_api_error",
		},
		{
			name: "proxy cannot reach vendor",
			vendor: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			body:    helloRequest,
			status:  http.StatusServiceUnavailable,
			errType: "gauss_connection_error",
		},
		{
			name: "vendor rejects credentials",
			vendor: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
			body:     helloRequest,
			status:   http.StatusBadGateway,
			errType:  "gauss_api_error",
			contains: "status 401",
		},
		{
			name: "vendor rejects request",
			vendor: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
			},
			body:     helloRequest,
			status:   http.StatusBadGateway,
			errType:  "gauss_api_error",
			contains: "status 400",
		},
		{
			name: "rate limited by vendor",
			vendor: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
			body:    helloRequest,
			status:  http.StatusTooManyRequests,
			errType: "rate_limit_error",
			code:    "rate_limit_exceeded",
		},
		{
			name: "stream vendor rejects credentials",
			vendor: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
			body:    `{"model":"gauss","messages":[{"role":"user","content":"hi"}],"stream":true}`,
			status:  http.StatusBadGateway,
			errType: "gauss_api_error",
		},
		{
			name: "stream proxy cannot reach vendor",
			vendor: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			body:    `{"model":"gauss","messages":[{"role":"user","content":"hi"}],"stream":true}`,
			status:  http.StatusServiceUnavailable,
			errType: "gauss_connection_error",
		},
		{
			name: "stream rate limited by vendor",
			vendor: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
			body:    `{"model":"gauss","messages":[{"role":"user","content":"hi"}],"stream":true}`,
			status:  http.StatusTooManyRequests,
			errType: "rate_limit_error",
			code:    "rate_limit_exceeded",
		},
		{
			name: "stream vendor error",
			vendor: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			body:    `{"model":"gauss","messages":[{"role":"user","content":"hi"}],"stream":true}`,
			status:  http.StatusBadGateway,
			errType: "gauss_api_error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vendor := tt.vendor
			if vendor == nil {
				vendor = func(w http.ResponseWriter, _ *http.Request) {
					t.Error("vendor must not be called")
				}
			}
			srv := serverWithVendor(t, vendor)

			rec := do(srv, http.MethodPost, "/v1/chat/completions", tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

			body := decodeError(t, rec)
			assert.Equal(t, tt.errType, body.Error.Type)
			assert.Equal(t, tt.code, body.Error.Code)
			assert.Contains(t, body.Error.Message, tt.contains)
		})
	}
}

func TestModels(t *testing.T) {
	srv := serverWithVendor(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/v1/models", r.URL.Path)
		fmt.Fprint(w, `{"models":[{"modelId":"gauss-2","modelName":"Gauss 2"}]}`)
	})

	rec := do(srv, http.MethodGet, "/v1/models/", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list translator.ModelList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data, 2)
	assert.Equal(t, "gauss", list.Data[0].ID)
	assert.Equal(t, "gauss-2", list.Data[1].ID)
}

func TestModelsVendorDownStillLists(t *testing.T) {
	srv := serverWithVendor(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	rec := do(srv, http.MethodGet, "/v1/models", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list translator.ModelList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, "gauss", list.Data[0].ID)
}

func TestAPIKeyAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Server.APIKeys = []string{"sk-test"}
	cfg.Gauss.ProxyIPs = []string{newVendorProxy(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `[]`)
	})}
	srv := newTestServer(t, cfg, nil)

	rec := do(srv, http.MethodGet, "/v1/models", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_api_key", decodeError(t, rec).Error.Code)

	rec = do(srv, http.MethodGet, "/v1/models", "", "Authorization", "Bearer wrong")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(srv, http.MethodGet, "/v1/models", "", "Authorization", "Bearer sk-test")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code, "health endpoints stay open")
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RateLimit = 1
	cfg.Gauss.ProxyIPs = []string{newVendorProxy(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `[]`)
	})}
	srv := newTestServer(t, cfg, nil)

	require.Equal(t, http.StatusOK, do(srv, http.MethodGet, "/v1/models", "").Code)

	rec := do(srv, http.MethodGet, "/v1/models", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limit_exceeded", decodeError(t, rec).Error.Code)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, testConfig(), fakeHealth{healthy: true})

	rec := do(srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"gauss-gateway"}`, rec.Body.String())
}

func TestHealthDetailed(t *testing.T) {
	healthyPaths := []gauss.PathStatus{{Path: "http://10.0.0.1:9000", Healthy: true}}
	mixedPaths := []gauss.PathStatus{
		{Path: "http://10.0.0.1:9000", Healthy: true},
		{Path: "http://10.0.0.2:9000", Healthy: false, Error: "upstream status 503"},
	}

	tests := []struct {
		name        string
		credentials bool
		health      fakeHealth
		status      int
		want        string
	}{
		{"healthy", true, fakeHealth{healthy: true, paths: healthyPaths}, http.StatusOK, "healthy"},
		{"degraded", true, fakeHealth{healthy: true, paths: mixedPaths}, http.StatusOK, "degraded"},
		{"vendor unreachable", true, fakeHealth{healthy: false}, http.StatusServiceUnavailable, "unhealthy"},
		{"missing credentials", false, fakeHealth{healthy: true, paths: healthyPaths}, http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if !tt.credentials {
				cfg.Gauss.PassKey = ""
			}
			srv := newTestServer(t, cfg, tt.health)

			rec := do(srv, http.MethodGet, "/health/detailed", "")
			require.Equal(t, tt.status, rec.Code)

			var report detailedHealth
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
			assert.Equal(t, tt.want, report.Status)
			assert.Contains(t, report.Checks, "gauss_api")
			assert.Contains(t, report.Checks, "configuration")
		})
	}
}

func TestClientDisconnectWritesNoErrorBody(t *testing.T) {
	for _, stream := range []bool{false, true} {
		t.Run(fmt.Sprintf("stream=%t", stream), func(t *testing.T) {
			srv := serverWithVendor(t, func(w http.ResponseWriter, _ *http.Request) {
				fmt.Fprint(w, `{"content":"hello"}`)
			})

			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			body := fmt.Sprintf(`{"model":"gauss","messages":[{"role":"user","content":"hi"}],"stream":%t}`, stream)
			req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body)).WithContext(ctx)
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			assert.Equal(t, statusClientClosedRequest, rec.Code)
			assert.Empty(t, rec.Body.String())
		})
	}
}

func TestRootAndMetrics(t *testing.T) {
	srv := newTestServer(t, testConfig(), fakeHealth{healthy: true})

	rec := do(srv, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Gauss OpenAI Compatible API")

	rec = do(srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gauss_gateway_requests_total")
}

func TestUnknownRouteUsesOpenAIErrorBody(t *testing.T) {
	srv := newTestServer(t, testConfig(), fakeHealth{healthy: true})

	rec := do(srv, http.MethodGet, "/v1/nothing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "invalid_request_error", decodeError(t, rec).Error.Type)
}

func TestStreamWriteTimeout(t *testing.T) {
	assert.Zero(t, streamWriteTimeout(0))
	assert.Equal(t, 5*time.Minute+writeTimeout, streamWriteTimeout(5*time.Minute))
}
