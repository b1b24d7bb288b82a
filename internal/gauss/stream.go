package gauss

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"gauss-gateway/internal/metrics"
	"gauss-gateway/internal/models"
)

const maxStreamLine = 1 << 20 // 1 MiB

// LineStream is a forward-only, non-restartable sequence of non-blank lines
// read from a vendor stream. Next returns false at end of stream or on a read
// error; Err distinguishes the two.
type LineStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	line    string
}

// NewLineStream wraps a response body. Closing the stream closes the body.
func NewLineStream(body io.ReadCloser) *LineStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
	return &LineStream{
		body:    body,
		scanner: scanner,
	}
}

// Next advances to the next non-blank line.
func (s *LineStream) Next() bool {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		s.line = line
		return true
	}
	return false
}

// Line returns the current line with surrounding whitespace removed.
func (s *LineStream) Line() string {
	return s.line
}

// Err returns the read error that ended the stream, if any.
func (s *LineStream) Err() error {
	return s.scanner.Err()
}

// Close releases the upstream connection.
func (s *LineStream) Close() error {
	err := s.body.Close()
	if s.cancel != nil {
		s.cancel()
	}
	return err
}

// ChatCompletionStream opens a streaming chat call. It uses the sticky path, or
// the first configured path, with no failover and no retry. The sticky path is
// updated once the vendor accepts the connection.
func (c *Client) ChatCompletionStream(ctx context.Context, req models.ChatRequest) (*LineStream, error) {
	req.IsStream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	p := c.sticky.Load()
	if p == nil {
		p = c.paths[0]
	}

	cancel := context.CancelFunc(func() {})
	if c.streamTTL > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.streamTTL)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, c.chatURL, body)
	if err != nil {
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	c.log.Info("sending streaming chat request", "url", c.chatURL, "path", p.addr)

	httpResp, err := p.stream.Do(httpReq)
	if err != nil {
		cancel()
		metrics.VendorAttemptsTotal.WithLabelValues(p.addr, "failure").Inc()
		c.log.Error("streaming chat request failed", "path", p.addr, "err", err)
		return nil, &ConnectionError{Attempts: 1, Err: err}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		statusErr := readStatusError(httpResp)
		httpResp.Body.Close()
		cancel()
		metrics.VendorAttemptsTotal.WithLabelValues(p.addr, "failure").Inc()
		c.log.Error("streaming chat request rejected", "path", p.addr, "status", statusErr.StatusCode)
		if statusErr.FromGateway() {
			return nil, &ConnectionError{Attempts: 1, Err: statusErr}
		}
		return nil, &APIError{StatusCode: statusErr.StatusCode, Message: "streaming chat completion failed", Err: statusErr}
	}

	metrics.VendorAttemptsTotal.WithLabelValues(p.addr, "success").Inc()
	if c.sticky.Swap(p) != p {
		c.log.Info("egress path now sticky", "path", p.addr)
	}
	stream := NewLineStream(httpResp.Body)
	stream.cancel = cancel
	return stream, nil
}
