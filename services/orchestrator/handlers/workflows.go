// Copyright (C) 2026 Opsmend Labs (dev@opsmend.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/opsmend/opsmend/services/orchestrator/datatypes"
	"github.com/opsmend/opsmend/services/orchestrator/observability"
	"github.com/opsmend/opsmend/services/orchestrator/stream"
	"github.com/opsmend/opsmend/services/orchestrator/workflow"
)

// keepAliveInterval is how often an idle SSE stream emits a ping comment.
const keepAliveInterval = 15 * time.Second

// WorkflowHandler serves the workflow start, stream and inspect endpoints.
type WorkflowHandler struct {
	driver  *workflow.Driver
	streams *stream.Manager
	limiter *rate.Limiter
}

// NewWorkflowHandler creates a WorkflowHandler. limiter may be nil to
// disable rate limiting.
func NewWorkflowHandler(driver *workflow.Driver, streams *stream.Manager, limiter *rate.Limiter) *WorkflowHandler {
	return &WorkflowHandler{driver: driver, streams: streams, limiter: limiter}
}

// StartWorkflow handles POST /workflows/start.
//
// # Description
//
// The request body is the raw observability payload, not JSON. The
// pipeline starts asynchronously; the response carries only the run id
// for streaming.
//
// # Outputs
//
//   - 202: {"run_id": "..."} and the pipeline is running.
//   - 400: Body is empty or not valid UTF-8.
//   - 413: Body exceeds the payload limit.
//   - 429: Rate limit exceeded.
func (h *WorkflowHandler) StartWorkflow(c *gin.Context) {
	// Step 1: Rate limit before reading the body.
	if h.limiter != nil && !h.limiter.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many workflow starts, retry later"})
		return
	}

	// Step 2: Read the raw payload with a hard size cap.
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, datatypes.MaxLogPayloadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	if len(body) > datatypes.MaxLogPayloadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload exceeds size limit"})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload is empty"})
		return
	}
	if !utf8.Valid(body) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload must be valid UTF-8"})
		return
	}

	// Step 3: Launch the pipeline.
	runID, err := h.driver.StartRun(string(body))
	if err != nil {
		slog.Error("Failed to start workflow run", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start workflow"})
		return
	}

	c.JSON(http.StatusAccepted, datatypes.StartWorkflowResponse{RunID: runID})
}

// StreamWorkflow handles GET /workflows/:runId/stream.
//
// # Description
//
// Streams the run's progress events as SSE until the run finishes or the
// client disconnects. Connecting to a finished or unknown run yields an
// immediately completed stream, so clients can reconnect safely.
func (h *WorkflowHandler) StreamWorkflow(c *gin.Context) {
	runID := c.Param("runId")
	if _, err := uuid.Parse(runID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "runId must be a UUID"})
		return
	}

	// Step 1: Subscribe before the headers go out, so a client that has
	// seen the response start cannot miss events.
	ctx := c.Request.Context()
	events := h.streams.Subscribe(ctx, runID)

	// Step 2: Prepare the SSE response.
	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted()
		defer m.StreamEnded()
	}

	// Step 3: Relay until the channel closes.

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				slog.Debug("Workflow stream complete", "run_id", runID)
				return
			}
			if err := writer.WriteEvent(ev); err != nil {
				slog.Debug("Workflow stream write failed, client gone",
					"run_id", runID, "error", err)
				return
			}
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				return
			}
		case <-ctx.Done():
			slog.Debug("Workflow stream client disconnected", "run_id", runID)
			return
		}
	}
}

// GetWorkflow handles GET /workflows/:runId.
//
// # Description
//
// Reports the run's lifecycle state. Useful for clients that missed the
// stream or want to poll instead.
func (h *WorkflowHandler) GetWorkflow(c *gin.Context) {
	runID := c.Param("runId")
	if _, err := uuid.Parse(runID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "runId must be a UUID"})
		return
	}

	state, ok := h.driver.State(runID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown run"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id":   runID,
		"state":    state,
		"terminal": state.Terminal(),
	})
}
