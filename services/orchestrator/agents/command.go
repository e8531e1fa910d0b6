// Copyright (C) 2026 Opsmend Labs (dev@opsmend.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opsmend/opsmend/services/orchestrator/datatypes"
	"github.com/opsmend/opsmend/services/orchestrator/mcp"
)

const commandName = "Command"

// ProposalClient is the approval-server surface the command stage needs.
// Satisfied by mcp.Client.
type ProposalClient interface {
	ProposeRemediation(ctx context.Context, p mcp.Proposal) (*mcp.ProposalResponse, error)
}

// Submission records the outcome of one proposed command.
type Submission struct {
	Command    string `json:"command"`
	ApprovalID string `json:"approval_id,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// SubmissionSummary is the command stage's structured output.
type SubmissionSummary struct {
	Status           string       `json:"status"`
	Submissions      []Submission `json:"submissions"`
	TotalSubmissions int          `json:"total_submissions"`
	SuccessCount     int          `json:"success_count"`
	ErrorCount       int          `json:"error_count"`
}

// ApprovalIDs returns the approval ids of successful submissions.
func (s SubmissionSummary) ApprovalIDs() []string {
	var ids []string
	for _, sub := range s.Submissions {
		if sub.ApprovalID != "" {
			ids = append(ids, sub.ApprovalID)
		}
	}
	return ids
}

// ParseSummary decodes a command stage output back into a summary.
func ParseSummary(output string) (SubmissionSummary, error) {
	var s SubmissionSummary
	if err := json.Unmarshal([]byte(output), &s); err != nil {
		return SubmissionSummary{}, fmt.Errorf("parsing submission summary: %w", err)
	}
	return s, nil
}

// CommandStage submits the remediation plan to the approval server.
//
// # Description
//
// Parses the remediation output into command objects and proposes each one
// individually, so an operator can approve or reject commands separately.
// A transport failure on one command does not abort the batch; it is
// recorded in the summary and the remaining commands still go out.
type CommandStage struct {
	client    ProposalClient
	publisher EventPublisher
}

// NewCommandStage creates the command submission stage.
func NewCommandStage(client ProposalClient, publisher EventPublisher) *CommandStage {
	return &CommandStage{client: client, publisher: publisherOrNop(publisher)}
}

// Name implements Stage.
func (s *CommandStage) Name() string { return commandName }

// Invoke implements Stage. The output is a JSON SubmissionSummary.
func (s *CommandStage) Invoke(ctx context.Context, in StageInput) (string, error) {
	commands, err := parseCommands(in.Input)
	if err != nil {
		return "", err
	}
	if len(commands) == 0 {
		return "", fmt.Errorf("remediation plan contains no commands")
	}

	s.publisher.Publish(in.RunID, datatypes.ProgressEvent{
		AgentName: commandName,
		Status:    datatypes.StatusThinking,
		Data:      fmt.Sprintf("Submitting %d commands for approval", len(commands)),
	})

	summary := SubmissionSummary{TotalSubmissions: len(commands)}
	for _, cmd := range commands {
		sub := Submission{Command: cmd.Command}

		resp, err := s.client.ProposeRemediation(ctx, mcp.Proposal{
			RunID:    in.RunID,
			Summary:  cmd.Description,
			Commands: []mcp.Command{cmd},
		})
		if err != nil {
			slog.Warn("Command proposal failed", "run_id", in.RunID,
				"command", cmd.Command, "error", err)
			sub.Status = "error"
			sub.Error = err.Error()
			summary.ErrorCount++
		} else {
			sub.Status = "submitted"
			sub.ApprovalID = resp.ApprovalID
			summary.SuccessCount++
		}
		summary.Submissions = append(summary.Submissions, sub)
	}

	if summary.SuccessCount == 0 {
		summary.Status = "failed"
	} else if summary.ErrorCount > 0 {
		summary.Status = "partial"
	} else {
		summary.Status = "submitted"
	}

	out, err := json.Marshal(summary)
	if err != nil {
		return "", fmt.Errorf("encoding submission summary: %w", err)
	}
	return string(out), nil
}

// parseCommands extracts command objects from the remediation output,
// tolerating markdown code fences around the JSON.
func parseCommands(raw string) ([]mcp.Command, error) {
	cleaned := stripCodeFences(raw)
	if cleaned == "" {
		return nil, fmt.Errorf("empty remediation plan")
	}

	var commands []mcp.Command
	if err := json.Unmarshal([]byte(cleaned), &commands); err != nil {
		// Some models emit a single object instead of an array.
		var single mcp.Command
		if err2 := json.Unmarshal([]byte(cleaned), &single); err2 == nil && single.Command != "" {
			return []mcp.Command{single}, nil
		}
		return nil, fmt.Errorf("parsing remediation plan: %w", err)
	}

	var out []mcp.Command
	for _, c := range commands {
		if strings.TrimSpace(c.Command) != "" {
			out = append(out, c)
		}
	}
	return out, nil
}

// stripCodeFences removes a surrounding markdown fence, with or without a
// language tag.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		// Drop the language tag line, if any.
		first := strings.TrimSpace(s[:idx])
		if first == "" || !strings.ContainsAny(first, "[{") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
