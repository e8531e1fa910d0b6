// Copyright (C) 2026 Opsmend Labs (dev@opsmend.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package agents implements the four pipeline stages: monitoring, analysis,
// remediation and command submission.
//
// # Description
//
// Each stage consumes the textual output of its predecessor and produces
// text for its successor. An empty output is the uniform short-circuit
// signal: it means the stage found nothing to hand forward, whether that
// is "no issue", "no root cause" or a failure the driver already observed
// through the error return.
package agents

import (
	"context"

	"github.com/opsmend/opsmend/services/orchestrator/datatypes"
)

// StageInput carries everything a stage needs for one invocation.
type StageInput struct {
	// RunID identifies the workflow run.
	RunID string

	// Input is the predecessor stage's output.
	Input string

	// InitialPayload is the raw observability payload that started the
	// run, available to every stage for context.
	InitialPayload string

	// Prompt, when non-empty, is the exact prompt to send to the model.
	// A caller that also persists the prompt builds it once and passes it
	// here so the stored text and the invocation cannot diverge.
	Prompt string
}

// Stage is one step of the remediation pipeline.
type Stage interface {
	// Name is the agent name used in progress events.
	Name() string

	// Invoke runs the stage. An empty output with a nil error means the
	// stage legitimately produced nothing for its successor.
	Invoke(ctx context.Context, in StageInput) (string, error)
}

// EventPublisher lets stages surface intermediate progress to stream
// subscribers. Satisfied by stream.Manager.
type EventPublisher interface {
	Publish(runID string, ev datatypes.ProgressEvent)
}

// nopPublisher drops events. Used when a stage is constructed without a
// publisher, mostly in tests.
type nopPublisher struct{}

func (nopPublisher) Publish(string, datatypes.ProgressEvent) {}

// publisherOrNop guards against nil publishers.
func publisherOrNop(p EventPublisher) EventPublisher {
	if p == nil {
		return nopPublisher{}
	}
	return p
}
