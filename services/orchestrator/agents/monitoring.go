// Copyright (C) 2026 Opsmend Labs (dev@opsmend.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/opsmend/opsmend/services/llm"
	"github.com/opsmend/opsmend/services/orchestrator/datatypes"
)

const monitoringName = "Monitoring"

// noIssuesSentinel is what the model is instructed to emit when the
// payload shows nothing actionable.
const noIssuesSentinel = "NO_ISSUES"

const monitoringPromptTemplate = `You are a monitoring agent for a Kubernetes cluster.
Review the following observability payload (logs, events, alerts) and
identify issues that need attention.

For each issue report its severity (CRITICAL, WARNING, INFO), the affected
component, and the evidence from the payload.

If the payload shows nothing actionable, respond with exactly %s.

Payload:
%s`

// MonitoringStage triages the raw observability payload.
type MonitoringStage struct {
	llm       llm.LLMClient
	publisher EventPublisher
}

// NewMonitoringStage creates the monitoring stage.
func NewMonitoringStage(client llm.LLMClient, publisher EventPublisher) *MonitoringStage {
	return &MonitoringStage{llm: client, publisher: publisherOrNop(publisher)}
}

// Name implements Stage.
func (s *MonitoringStage) Name() string { return monitoringName }

// Invoke implements Stage. Returns "" when the payload shows no issue.
func (s *MonitoringStage) Invoke(ctx context.Context, in StageInput) (string, error) {
	s.publisher.Publish(in.RunID, datatypes.ProgressEvent{
		AgentName: monitoringName,
		Status:    datatypes.StatusThinking,
		Data:      "Scanning payload for issues",
	})

	prompt := fmt.Sprintf(monitoringPromptTemplate, noIssuesSentinel, in.InitialPayload)
	out, err := s.llm.Generate(ctx, prompt, llm.GenerationParams{})
	if err != nil {
		return "", fmt.Errorf("monitoring generation: %w", err)
	}

	out = strings.TrimSpace(out)
	if out == "" || strings.EqualFold(out, noIssuesSentinel) {
		return "", nil
	}
	return out, nil
}
