// Copyright (C) 2026 Opsmend Labs (dev@opsmend.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the feedback ledger record and the request/response
// types for the feedback endpoints.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// feedbackValidate is the validator instance for feedback datatypes.
var feedbackValidate *validator.Validate

func init() {
	feedbackValidate = validator.New()
}

// =============================================================================
// Approval Status
// =============================================================================

// ApprovalStatus is the overall human-approval outcome for a ledger record.
//
// Rejection is sticky: once a record is rejected it stays rejected even if a
// later approval batch for the same run reports approved.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// =============================================================================
// Ledger Record
// =============================================================================

// FeedbackRecord is one learnable (input, output) example produced by the
// remediation stage of a workflow run.
//
// # Description
//
// Records are logically append-only: they are created once per run by the
// pipeline driver and then mutated in place by approval reconciliation and
// by human feedback submission, but never deleted. RewardScore is always a
// pure function of the other fields (see learning.Store); it must never be
// set independently.
//
// ApprovalIDs may grow over time as multiple approval requests are issued
// for one run. Once an approval id is mapped to a record the mapping is
// permanent.
type FeedbackRecord struct {
	RecordID  string    `json:"record_id"`
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`

	// InputData is the root-cause analysis handed to the remediation stage.
	InputData string `json:"input_data"`

	// OutputData is the remediation plan the stage produced.
	OutputData string `json:"output_data"`

	ApprovalStatus  ApprovalStatus `json:"approval_status"`
	ApprovalIDs     []string       `json:"approval_ids,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`

	// Command counts accumulate across approval batches; they are summed,
	// never overwritten.
	ApprovedCommandCount int `json:"approved_command_count"`
	RejectedCommandCount int `json:"rejected_command_count"`

	// Optional human feedback (secondary reward signal).
	Rating      *int   `json:"rating,omitempty"`
	WasHelpful  *bool  `json:"was_helpful,omitempty"`
	Comments    string `json:"comments,omitempty"`
	Suggestions string `json:"suggestions,omitempty"`

	// RewardScore is in [0,1]; derived, see learning.Store.
	RewardScore float64 `json:"reward_score"`
}

// =============================================================================
// Feedback Endpoint Types
// =============================================================================

// FeedbackSubmission is the body of POST /v1/feedback/submit.
//
// Human feedback is the secondary reward signal; the primary signal arrives
// through the approval callback. Rating fields overwrite previous values,
// they do not accumulate.
type FeedbackSubmission struct {
	RecordID    string `json:"record_id" validate:"required"`
	Rating      *int   `json:"rating" validate:"omitempty,gte=1,lte=5"`
	WasHelpful  *bool  `json:"was_helpful"`
	Comments    string `json:"comments" validate:"omitempty,max=4096"`
	Suggestions string `json:"suggestions" validate:"omitempty,max=4096"`
}

// Validate validates the FeedbackSubmission fields.
func (r *FeedbackSubmission) Validate() error {
	return feedbackValidate.Struct(r)
}

// FeedbackResponse is returned after a successful feedback submission.
type FeedbackResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	RecordID string `json:"record_id"`
}

// ApprovalCallback is the body of POST /v1/feedback/mcp-approval, sent by
// the external approval server when a human approves or rejects commands.
//
// This is the primary reward signal. A single record may receive several
// callbacks (one per approval batch); counts accumulate across them.
type ApprovalCallback struct {
	ApprovalID      string         `json:"approval_id" validate:"required"`
	Status          ApprovalStatus `json:"status" validate:"required,oneof=approved rejected"`
	RejectionReason string         `json:"rejection_reason" validate:"omitempty,max=4096"`
	ApprovedCount   int            `json:"approved_count" validate:"gte=0"`
	RejectedCount   int            `json:"rejected_count" validate:"gte=0"`
}

// Validate validates the ApprovalCallback fields.
func (r *ApprovalCallback) Validate() error {
	return feedbackValidate.Struct(r)
}

// LearningStatistics is the aggregate view returned by
// GET /v1/feedback/statistics.
type LearningStatistics struct {
	TotalRecords         int     `json:"total_records"`
	ApprovedCommandTotal int     `json:"approved_command_total"`
	RejectedCommandTotal int     `json:"rejected_command_total"`
	PendingCount         int     `json:"pending_count"`
	ApprovalRate         float64 `json:"approval_rate"`
	AverageReward        float64 `json:"average_reward"`
	LearningExampleCount int     `json:"learning_example_count"`
}
