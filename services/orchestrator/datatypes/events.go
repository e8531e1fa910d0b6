// Copyright (C) 2026 Opsmend Labs (dev@opsmend.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the orchestrator service.
//
// This file contains the progress event types streamed to workflow
// subscribers. For workflow request/response types see workflow.go, for
// learning/feedback types see feedback.go.
package datatypes

// =============================================================================
// Event Status
// =============================================================================

// EventStatus describes what a pipeline stage was doing when it emitted an
// event.
type EventStatus string

const (
	// StatusWorking is published immediately before a stage is invoked.
	StatusWorking EventStatus = "WORKING"

	// StatusThinking is published by a stage itself while it is mid-flight
	// (e.g. waiting on the LLM or the approval server).
	StatusThinking EventStatus = "THINKING"

	// StatusCompleted is published after a stage (or the whole run)
	// finished successfully.
	StatusCompleted EventStatus = "COMPLETED"

	// StatusError is published when a stage invocation failed. The event
	// payload carries the error description.
	StatusError EventStatus = "ERROR"
)

// AgentSystem is the reserved agent name used for events originating from
// the pipeline driver itself rather than from one of the four stages.
const AgentSystem = "System"

// =============================================================================
// Progress Event
// =============================================================================

// ProgressEvent is one progress notification for a workflow run.
//
// # Description
//
// Events are immutable once constructed and are delivered to each stream
// subscriber in publish order. Input and Output are diagnostic echoes of the
// stage I/O; Data is an arbitrary string and may itself contain JSON.
//
// Id and CreatedAt are populated by the SSE writer at delivery time, not by
// the publisher.
//
// # Thread Safety
//
// Safe to share by value. Publishers must not mutate an event after handing
// it to the stream manager.
type ProgressEvent struct {
	AgentName string      `json:"agent_name"`
	Status    EventStatus `json:"status"`
	Input     string      `json:"input,omitempty"`
	Output    string      `json:"output,omitempty"`
	Data      string      `json:"data"`

	// Id is a UUID v4 assigned when the event is written to a stream.
	Id string `json:"id,omitempty"`

	// CreatedAt is a Unix timestamp in milliseconds, assigned at write time.
	CreatedAt int64 `json:"created_at,omitempty"`
}
