// Package router sequences a chat call: convert the OpenAI request, call the
// vendor, convert the result back.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gauss-gateway/internal/gauss"
	"gauss-gateway/internal/metrics"
	"gauss-gateway/internal/models"
	"gauss-gateway/internal/translator"
)

// Vendor is the outbound side of the gateway.
type Vendor interface {
	ChatCompletion(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error)
	ChatCompletionStream(ctx context.Context, req models.ChatRequest) (*gauss.LineStream, error)
	ListModels(ctx context.Context) ([]models.ModelEntry, error)
}

// StreamSink receives the outbound chunks of a streamed completion. Open is
// called once the vendor stream is established and before the first chunk;
// Close writes the terminating sentinel.
type StreamSink interface {
	Open() error
	Send(chunk translator.ChatCompletionChunk) error
	Close() error
}

// Router dispatches OpenAI requests to the vendor.
type Router struct {
	vendor    Vendor
	converter *translator.Converter
	log       *slog.Logger
}

// New constructs a router backed by the provided vendor client and converter.
func New(vendor Vendor, converter *translator.Converter, logger *slog.Logger) (*Router, error) {
	if vendor == nil {
		return nil, errors.New("vendor must not be nil")
	}
	if converter == nil {
		return nil, errors.New("converter must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		vendor:    vendor,
		converter: converter,
		log:       logger.With("component", "router"),
	}, nil
}

// prepare rejects malformed requests before any network call.
func (r *Router) prepare(req translator.ChatCompletionRequest) error {
	if problems := translator.Validate(req); len(problems) > 0 {
		return &translator.ValidationError{Problems: problems}
	}
	if !r.converter.ModelAccepted(req.Model) {
		return &translator.ModelNotFoundError{Model: req.Model}
	}
	if ignored := req.IgnoredParams(); len(ignored) > 0 {
		r.log.Debug("ignoring parameters without a vendor equivalent", "params", ignored)
	}
	return nil
}

// Chat performs a non-streaming completion.
func (r *Router) Chat(ctx context.Context, req translator.ChatCompletionRequest) (*translator.ChatCompletionResponse, error) {
	if err := r.prepare(req); err != nil {
		return nil, err
	}

	completionID := translator.NewCompletionID()
	r.log.Info("chat completion request",
		"id", completionID,
		"model", req.Model,
		"messages", len(req.Messages),
		"stream", false,
	)

	resp, err := r.vendor.ChatCompletion(ctx, r.converter.BuildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("chat completion %s: %w", completionID, err)
	}

	out := r.converter.ToChatResponse(resp, req.Model, completionID)
	r.log.Info("chat completion successful", "id", completionID, "total_tokens", out.Usage.TotalTokens)
	return &out, nil
}

// Stream performs a streaming completion, writing chunks to sink. Errors
// returned before sink.Open are safe to report as an HTTP error; once the sink
// is open, a failing upstream ends the stream with an "error" finish chunk.
func (r *Router) Stream(ctx context.Context, req translator.ChatCompletionRequest, sink StreamSink) error {
	if err := r.prepare(req); err != nil {
		return err
	}

	completionID := translator.NewCompletionID()
	r.log.Info("chat completion request",
		"id", completionID,
		"model", req.Model,
		"messages", len(req.Messages),
		"stream", true,
	)

	stream, err := r.vendor.ChatCompletionStream(ctx, r.converter.BuildRequest(req, true))
	if err != nil {
		return fmt.Errorf("chat completion stream %s: %w", completionID, err)
	}
	defer stream.Close()

	metrics.StreamingConnections.Inc()
	defer metrics.StreamingConnections.Dec()

	if err := sink.Open(); err != nil {
		return err
	}
	if err := sink.Send(r.converter.FirstChunk(req.Model, completionID, "")); err != nil {
		return fmt.Errorf("write first chunk: %w", err)
	}

	finish := translator.FinishStop
	sawDone := false

lines:
	for stream.Next() {
		event := translator.ParseStreamLine(stream.Line())
		switch event.Kind {
		case translator.EventSkip:
			continue
		case translator.EventDone:
			sawDone = true
			break lines
		}

		if reason := event.FinishReason(); reason != "" {
			finish = translator.MapFinishReason(reason)
		}
		text := event.Text()
		if text == "" {
			continue
		}
		if err := sink.Send(r.converter.ContentChunk(req.Model, completionID, text)); err != nil {
			return fmt.Errorf("write content chunk: %w", err)
		}
	}

	if !sawDone {
		if err := stream.Err(); err != nil {
			r.log.Error("vendor stream interrupted", "id", completionID, "err", err)
			finish = translator.FinishError
		}
	}

	if err := sink.Send(r.converter.FinalChunk(req.Model, completionID, finish)); err != nil {
		return fmt.Errorf("write final chunk: %w", err)
	}
	r.log.Info("stream completed", "id", completionID, "finish_reason", finish)
	return sink.Close()
}

// ListModels returns the outbound model list. A vendor failure degrades to the
// default entry only.
func (r *Router) ListModels(ctx context.Context) translator.ModelList {
	vendorModels, err := r.vendor.ListModels(ctx)
	if err != nil {
		r.log.Warn("failed to fetch models from vendor", "err", err)
		vendorModels = nil
	}
	list := r.converter.ToModelList(vendorModels)
	r.log.Info("returning models", "count", len(list.Data))
	return list
}
