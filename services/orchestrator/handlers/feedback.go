// Copyright (C) 2026 Opsmend Labs (dev@opsmend.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/opsmend/opsmend/services/orchestrator/datatypes"
	"github.com/opsmend/opsmend/services/orchestrator/learning"
	"github.com/opsmend/opsmend/services/orchestrator/observability"
)

// FeedbackHandler serves the learning ledger endpoints.
type FeedbackHandler struct {
	store *learning.Store
}

// NewFeedbackHandler creates a FeedbackHandler over the given store.
func NewFeedbackHandler(store *learning.Store) *FeedbackHandler {
	return &FeedbackHandler{store: store}
}

// SubmitFeedback handles POST /feedback/submit.
//
// # Description
//
// Attaches a human rating, helpfulness vote, comment or suggestion to a
// ledger record and recomputes its reward.
//
// # Outputs
//
//   - 200: {"success": true, ...}
//   - 400: Malformed JSON or validation failure.
//   - 404: Unknown record id.
func (h *FeedbackHandler) SubmitFeedback(c *gin.Context) {
	var sub datatypes.FeedbackSubmission
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	if err := sub.Validate(); err != nil {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordFeedbackSubmission("invalid")
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.store.SubmitHumanFeedback(sub); err != nil {
		if errors.Is(err, learning.ErrUnknownRecordID) {
			if m := observability.DefaultMetrics; m != nil {
				m.RecordFeedbackSubmission("unknown")
			}
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown record id"})
			return
		}
		slog.Error("Failed to persist feedback", "record_id", sub.RecordID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist feedback"})
		return
	}

	if m := observability.DefaultMetrics; m != nil {
		m.RecordFeedbackSubmission("accepted")
	}
	c.JSON(http.StatusOK, datatypes.FeedbackResponse{
		Success:  true,
		Message:  "feedback recorded",
		RecordID: sub.RecordID,
	})
}

// ApprovalCallback handles POST /feedback/mcp-approval.
//
// # Description
//
// Receives the approval server's decision for a previously proposed
// command batch and folds it into the linked ledger record.
//
// # Outputs
//
//   - 200: {"success": true, "record_id": ...}
//   - 400: Malformed JSON or validation failure.
//   - 404: Approval id not linked to any record.
func (h *FeedbackHandler) ApprovalCallback(c *gin.Context) {
	var cb datatypes.ApprovalCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	if err := cb.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	recordID, err := h.store.MergeApproval(cb)
	if err != nil {
		if errors.Is(err, learning.ErrUnknownApprovalID) {
			if m := observability.DefaultMetrics; m != nil {
				m.RecordApprovalCallback(string(cb.Status), false)
			}
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown approval id"})
			return
		}
		slog.Error("Failed to merge approval callback",
			"approval_id", cb.ApprovalID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record approval"})
		return
	}

	if m := observability.DefaultMetrics; m != nil {
		m.RecordApprovalCallback(string(cb.Status), true)
	}
	slog.Info("Approval callback merged", "approval_id", cb.ApprovalID,
		"record_id", recordID, "status", cb.Status)
	c.JSON(http.StatusOK, datatypes.FeedbackResponse{
		Success:  true,
		Message:  "approval recorded",
		RecordID: recordID,
	})
}

// Statistics handles GET /feedback/statistics.
func (h *FeedbackHandler) Statistics(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.Statistics())
}

// TopExamples handles GET /feedback/top-examples.
//
// # Description
//
// Returns the highest-reward records, for inspecting what the selector
// would feed into remediation prompts. Query parameters: limit (default
// 5), min_reward (default 0.7).
func (h *FeedbackHandler) TopExamples(c *gin.Context) {
	limit := 5
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	minReward := 0.7
	if raw := c.Query("min_reward"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f < 0 || f > 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "min_reward must be in [0, 1]"})
			return
		}
		minReward = f
	}

	examples := h.store.TopExamples(limit, minReward)
	c.JSON(http.StatusOK, gin.H{"examples": examples, "count": len(examples)})
}

// Improvements handles GET /feedback/improvements.
func (h *FeedbackHandler) Improvements(c *gin.Context) {
	sugs := h.store.ImprovementSuggestions()
	c.JSON(http.StatusOK, gin.H{"suggestions": sugs, "count": len(sugs)})
}

// WorkflowRecords handles GET /feedback/workflow/:runId.
//
// # Description
//
// Returns the ledger records created by one run, so a client can find the
// record id to rate after watching a stream.
func (h *FeedbackHandler) WorkflowRecords(c *gin.Context) {
	runID := c.Param("runId")
	recs := h.store.RecordsForRun(runID)
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "records": recs, "count": len(recs)})
}
