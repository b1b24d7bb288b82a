package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"gauss-gateway/internal/translator"
)

// streamSink frames completion chunks as "data: <json>\n\n" lines on a
// text/plain response.
type streamSink struct {
	c       echo.Context
	w       io.Writer
	flusher http.Flusher
	opened  bool
}

func newStreamSink(c echo.Context) (*streamSink, error) {
	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		return nil, requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "internal_error",
		}
	}
	return &streamSink{c: c, w: c.Response(), flusher: flusher}, nil
}

func (s *streamSink) Open() error {
	header := s.c.Response().Header()
	header.Set(echo.HeaderContentType, "text/plain; charset=utf-8")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	s.c.Response().WriteHeader(http.StatusOK)
	s.opened = true
	s.flusher.Flush()
	return nil
}

func (s *streamSink) Send(chunk translator.ChatCompletionChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal stream chunk: %w", err)
	}
	return s.write(fmt.Sprintf("data: %s\n\n", data))
}

func (s *streamSink) Close() error {
	return s.write("data: [DONE]\n\n")
}

func (s *streamSink) write(frame string) error {
	if _, err := io.WriteString(s.w, frame); err != nil {
		return fmt.Errorf("write stream frame: %w", err)
	}
	s.flusher.Flush()
	return nil
}
