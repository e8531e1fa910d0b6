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
	"github.com/opsmend/opsmend/services/orchestrator/learning"
)

const remediationName = "Remediation"

const remediationPromptTemplate = `You are a remediation agent for Kubernetes incidents.
Root cause analysis:

%s

Propose a remediation plan as a JSON array of command objects, each with a
"command" field (a complete kubectl invocation) and a "description" field
explaining what it does and why.

Rules:
- Prefer the least destructive action that resolves the cause.
- Never delete namespaces or persistent volumes.
- Every command must be directly justified by the root cause above.

Respond with only the JSON array.`

// RemediationStage turns a root cause into a proposed command plan. The
// prompt is enhanced with high-reward past remediations and rejected
// examples pulled from the feedback ledger.
type RemediationStage struct {
	llm       llm.LLMClient
	selector  *learning.Selector
	publisher EventPublisher
}

// NewRemediationStage creates the remediation stage. selector may be nil,
// in which case prompts go out without learned guidance.
func NewRemediationStage(client llm.LLMClient, selector *learning.Selector, publisher EventPublisher) *RemediationStage {
	return &RemediationStage{
		llm:       client,
		selector:  selector,
		publisher: publisherOrNop(publisher),
	}
}

// Name implements Stage.
func (s *RemediationStage) Name() string { return remediationName }

// Invoke implements Stage. Unlike the earlier stages this one publishes no
// intermediate event of its own; subscribers watching the remediation stage
// see only the driver's WORKING event followed by COMPLETED or ERROR.
//
// When in.Prompt is set it is sent verbatim; the ledger can mutate between
// a Prompt call and Invoke, so rebuilding here could send a different
// prompt than the one the caller recorded.
func (s *RemediationStage) Invoke(ctx context.Context, in StageInput) (string, error) {
	prompt := in.Prompt
	if prompt == "" {
		prompt = s.Prompt(in)
	}

	out, err := s.llm.Generate(ctx, prompt, llm.GenerationParams{})
	if err != nil {
		return "", fmt.Errorf("remediation generation: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Prompt returns the exact prompt Invoke would send for the given input.
// The driver persists it alongside the output so ledger records capture
// what the model actually saw.
func (s *RemediationStage) Prompt(in StageInput) string {
	prompt := fmt.Sprintf(remediationPromptTemplate, in.Input)
	if s.selector != nil {
		prompt = s.selector.EnhancePrompt(prompt)
	}
	return prompt
}
