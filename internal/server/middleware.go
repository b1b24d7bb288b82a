package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"gauss-gateway/internal/metrics"
)

const headerProcessTime = "X-Process-Time"

// processTime reports the handler latency in seconds. The header is set just
// before the response is committed, so streamed responses report the time to
// first byte.
func processTime(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		c.Response().Before(func() {
			elapsed := time.Since(start).Seconds()
			c.Response().Header().Set(headerProcessTime, strconv.FormatFloat(elapsed, 'f', 6, 64))
		})
		return next(c)
	}
}

// recordMetrics observes request count and latency per route pattern.
func recordMetrics(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)

		route := c.Path()
		if route == "" {
			route = "unmatched"
		}
		status := c.Response().Status
		if err != nil && !c.Response().Committed {
			status = errorStatus(err)
		}

		metrics.RequestsTotal.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Inc()
		metrics.RequestDuration.WithLabelValues(c.Request().Method, route).Observe(time.Since(start).Seconds())
		return err
	}
}

func errorStatus(err error) int {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr.Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
