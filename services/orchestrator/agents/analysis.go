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

const analysisName = "Analysis"

// noRootCauseSentinel signals that the issues do not trace to a cause the
// pipeline can act on.
const noRootCauseSentinel = "NO_ROOT_CAUSE"

const analysisPromptTemplate = `You are a root-cause analysis agent for Kubernetes incidents.
The monitoring agent found these issues:

%s

Original observability payload for reference:
%s

Determine the most likely root cause. Explain the causal chain from
symptom to cause and name the affected resources. Focus on CRITICAL
issues first.

If no actionable root cause can be determined, respond with exactly %s.`

// AnalysisStage traces reported issues to a root cause.
type AnalysisStage struct {
	llm       llm.LLMClient
	publisher EventPublisher
}

// NewAnalysisStage creates the analysis stage.
func NewAnalysisStage(client llm.LLMClient, publisher EventPublisher) *AnalysisStage {
	return &AnalysisStage{llm: client, publisher: publisherOrNop(publisher)}
}

// Name implements Stage.
func (s *AnalysisStage) Name() string { return analysisName }

// Invoke implements Stage. Returns "" when no root cause was determined.
func (s *AnalysisStage) Invoke(ctx context.Context, in StageInput) (string, error) {
	s.publisher.Publish(in.RunID, datatypes.ProgressEvent{
		AgentName: analysisName,
		Status:    datatypes.StatusThinking,
		Data:      "Tracing issues to a root cause",
	})

	prompt := fmt.Sprintf(analysisPromptTemplate, in.Input, in.InitialPayload, noRootCauseSentinel)
	out, err := s.llm.Generate(ctx, prompt, llm.GenerationParams{})
	if err != nil {
		return "", fmt.Errorf("analysis generation: %w", err)
	}

	out = strings.TrimSpace(out)
	if out == "" || strings.EqualFold(out, noRootCauseSentinel) {
		return "", nil
	}
	return out, nil
}
