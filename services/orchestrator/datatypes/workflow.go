// Copyright (C) 2026 Opsmend Labs (dev@opsmend.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains workflow lifecycle states and the request/response
// types for the workflow endpoints.
package datatypes

// =============================================================================
// Run States
// =============================================================================

// RunState is the lifecycle state of one workflow run.
//
// The happy path is CREATED → MONITORING → ANALYZING → REMEDIATING →
// SUBMITTING → COMPLETED. ERRORED is an absorbing state reachable from any
// non-terminal state. NO_ISSUE terminates a run whose monitoring stage found
// nothing actionable; NO_ROOT_CAUSE terminates a run whose analysis stage
// could not attribute the findings.
type RunState string

const (
	StateCreated     RunState = "CREATED"
	StateMonitoring  RunState = "MONITORING"
	StateAnalyzing   RunState = "ANALYZING"
	StateRemediating RunState = "REMEDIATING"
	StateSubmitting  RunState = "SUBMITTING"
	StateCompleted   RunState = "COMPLETED"
	StateErrored     RunState = "ERRORED"
	StateNoIssue     RunState = "NO_ISSUE"
	StateNoRootCause RunState = "NO_ROOT_CAUSE"
)

// Terminal reports whether the state ends a run.
func (s RunState) Terminal() bool {
	switch s {
	case StateCompleted, StateErrored, StateNoIssue, StateNoRootCause:
		return true
	default:
		return false
	}
}

// =============================================================================
// Workflow Endpoint Types
// =============================================================================

// MaxLogPayloadBytes is the maximum accepted size of the raw log payload
// posted to the workflow start endpoint. Larger bodies are rejected before
// any stage runs.
const MaxLogPayloadBytes = 1 * 1024 * 1024 // 1MB

// StartWorkflowResponse is returned by POST /v1/workflows/start.
type StartWorkflowResponse struct {
	RunID string `json:"run_id"`
}
