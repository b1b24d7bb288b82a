package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"gauss-gateway/internal/config"
	"gauss-gateway/internal/gauss"
	"gauss-gateway/internal/router"
	"gauss-gateway/internal/translator"
)

// Version is reported by "/" and the version command.
const Version = "1.0.0"

const (
	serviceName         = "gauss-gateway"
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	writeTimeout        = 45 * time.Second
	idleTimeout         = 120 * time.Second
	healthProbeTimeout  = 15 * time.Second

	// statusClientClosedRequest is recorded when the caller disconnects before
	// a response could be produced.
	statusClientClosedRequest = 499
)

// HealthChecker reports vendor reachability for the detailed health endpoint.
type HealthChecker interface {
	HealthCheck(ctx context.Context) bool
	ProbePaths(ctx context.Context) []gauss.PathStatus
}

type Server struct {
	cfg     config.Config
	router  *router.Router
	health  HealthChecker
	app     *echo.Echo
	address string
	log     *slog.Logger
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, rt *router.Router, health HealthChecker, logger *slog.Logger) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}
	if health == nil {
		return nil, errors.New("health checker must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	srv := &Server{
		cfg:     cfg,
		router:  rt,
		health:  health,
		address: net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		log:     logger.With("component", "server"),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = srv.openAIErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			srv.log.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		HSTSMaxAge:         31536000,
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  cfg.Server.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderAuthorization, echo.HeaderContentType},
		ExposeHeaders: []string{headerProcessTime},
	}))
	e.Use(processTime)
	e.Use(recordMetrics)

	srv.app = e
	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the configured echo instance.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port)
	s.log.Info("starting server", "addr", s.address, "egress_paths", len(s.cfg.Gauss.ProxyIPs))

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: streamWriteTimeout(s.cfg.Gauss.StreamTimeout.Std()),
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.log.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

// streamWriteTimeout keeps the listener from cutting a stream before the
// upstream stream deadline does. A disabled stream deadline disables it too.
func streamWriteTimeout(stream time.Duration) time.Duration {
	if stream <= 0 {
		return 0
	}
	return stream + writeTimeout
}

func (s *Server) registerRoutes() {
	s.app.GET("/", s.handleRoot)
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/health/detailed", s.handleHealthDetailed)
	s.app.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.app.Group("/v1")
	if s.cfg.Server.RateLimit > 0 {
		v1.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
				Rate:  rate.Limit(s.cfg.Server.RateLimit),
				Burst: int(math.Max(1, math.Ceil(s.cfg.Server.RateLimit))),
			}),
			DenyHandler: func(c echo.Context, identifier string, err error) error {
				return requestError{
					Status:  http.StatusTooManyRequests,
					Message: "Rate limit exceeded",
					Type:    "rate_limit_error",
					Code:    "rate_limit_exceeded",
				}
			},
		}))
	}
	if len(s.cfg.Server.APIKeys) > 0 {
		v1.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			Validator: s.validAPIKey,
			ErrorHandler: func(err error, c echo.Context) error {
				return requestError{
					Status:  http.StatusUnauthorized,
					Message: "Invalid authentication credentials",
					Type:    "invalid_request_error",
					Code:    "invalid_api_key",
				}
			},
		}))
	}
	v1.GET("/models", s.handleModels)
	v1.POST("/chat/completions", s.handleChatCompletions)
}

func (s *Server) validAPIKey(key string, _ echo.Context) (bool, error) {
	for _, allowed := range s.cfg.Server.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(allowed)) == 1 {
			return true, nil
		}
	}
	return false, nil
}

func (s *Server) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"message": "Gauss OpenAI Compatible API",
		"version": Version,
		"status":  "running",
		"endpoints": map[string]string{
			"models":           "/v1/models",
			"chat_completions": "/v1/chat/completions",
			"health":           "/health",
			"health_detailed":  "/health/detailed",
			"metrics":          "/metrics",
		},
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": serviceName,
	})
}

type componentCheck struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type detailedHealth struct {
	Status   string                    `json:"status"`
	Service  string                    `json:"service"`
	Checks   map[string]componentCheck `json:"checks"`
	Egress   []gauss.PathStatus        `json:"egress_paths,omitempty"`
	Checked  time.Time                 `json:"checked_at"`
	Duration float64                   `json:"duration_seconds"`
}

func (s *Server) handleHealthDetailed(c echo.Context) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthProbeTimeout)
	defer cancel()

	report := detailedHealth{
		Status:  "healthy",
		Service: serviceName,
		Checks:  make(map[string]componentCheck, 2),
		Checked: start.UTC(),
	}

	if s.cfg.Gauss.CredentialsConfigured() {
		report.Checks["configuration"] = componentCheck{Status: "healthy", Message: "Configuration loaded successfully"}
	} else {
		report.Checks["configuration"] = componentCheck{Status: "unhealthy", Message: "Missing required Gauss API credentials"}
		report.Status = "unhealthy"
	}

	if s.health.HealthCheck(ctx) {
		report.Checks["gauss_api"] = componentCheck{Status: "healthy", Message: "Gauss API is accessible"}
		report.Egress = s.health.ProbePaths(ctx)
		for _, p := range report.Egress {
			if !p.Healthy && report.Status == "healthy" {
				report.Status = "degraded"
			}
		}
	} else {
		report.Checks["gauss_api"] = componentCheck{Status: "unhealthy", Message: "Gauss API is not accessible"}
		report.Status = "unhealthy"
	}

	report.Duration = time.Since(start).Seconds()
	status := http.StatusOK
	if report.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, report)
}

func (s *Server) handleModels(c echo.Context) error {
	return c.JSON(http.StatusOK, s.router.ListModels(c.Request().Context()))
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()

	if req.Stream {
		sink, err := newStreamSink(c)
		if err != nil {
			return err
		}
		if err := s.router.Stream(ctx, req, sink); err != nil {
			if sink.opened {
				if clientGone(ctx, err) {
					s.log.Debug("client disconnected during stream", "err", err)
				} else {
					s.log.Error("stream aborted after headers were sent", "err", err)
				}
				return nil
			}
			return s.failRequest(c, err)
		}
		return nil
	}

	resp, err := s.router.Chat(ctx, req)
	if err != nil {
		return s.failRequest(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// failRequest renders err as an OpenAI error. A caller that has already gone
// away gets a bare status with no body.
func (s *Server) failRequest(c echo.Context, err error) error {
	if clientGone(c.Request().Context(), err) {
		s.log.Debug("client disconnected", "path", c.Path(), "err", err)
		return c.NoContent(statusClientClosedRequest)
	}
	return s.toHTTPError(err)
}

func clientGone(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) && errors.Is(ctx.Err(), context.Canceled)
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func (s *Server) openAIErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		s.log.Error("error after response was committed", "err", err)
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, http.StatusText(he.Code), "invalid_request_error", "")
		return
	}

	s.log.Error("unhandled error", "err", err)
	_ = writeError(c, http.StatusInternalServerError, "Internal server error", "internal_error", "")
}

// toHTTPError maps the gateway's typed errors onto OpenAI error responses.
func (s *Server) toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	var validationErr *translator.ValidationError
	if errors.As(err, &validationErr) {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: validationErr.Error(),
			Type:    "invalid_request_error",
		}
	}

	var notFound *translator.ModelNotFoundError
	if errors.As(err, &notFound) {
		return requestError{
			Status:  http.StatusNotFound,
			Message: notFound.Error(),
			Type:    "invalid_request_error",
			Code:    "model_not_found",
		}
	}

	var apiErr *gauss.APIError
	if errors.As(err, &apiErr) {
		s.log.Error("gauss api error", "status", apiErr.StatusCode, "err", err)
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return requestError{
				Status:  http.StatusTooManyRequests,
				Message: "Rate limit exceeded",
				Type:    "rate_limit_error",
				Code:    "rate_limit_exceeded",
			}
		}
		return requestError{
			Status:  http.StatusBadGateway,
			Message: "Gauss API error: " + apiErr.Message,
			Type:    "gauss_api_error",
		}
	}

	var connErr *gauss.ConnectionError
	if errors.As(err, &connErr) {
		s.log.Error("gauss connection error", "err", err)
		return requestError{
			Status:  http.StatusServiceUnavailable,
			Message: "Failed to connect to Gauss API",
			Type:    "gauss_connection_error",
		}
	}

	s.log.Error("internal error", "err", err)
	return requestError{
		Status:  http.StatusInternalServerError,
		Message: "Internal server error",
		Type:    "internal_error",
	}
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("gauss-gateway ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /health/detailed")
	fmt.Println("  GET  /metrics")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Printf("OpenAI-style example:\n  curl http://%s:%d/v1/chat/completions -H 'Content-Type: application/json' -d '{\"model\":\"gauss\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port)
}
