// Copyright (C) 2026 Opsmend Labs (dev@opsmend.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package mcp talks to the external approval server that gates command
// execution.
//
// # Description
//
// Remediation commands are never executed directly. The command stage
// proposes them to the approval server, which queues them for a human
// operator and later calls back into the orchestrator with the decision.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Command is a single proposed shell command with its rationale.
type Command struct {
	Command     string `json:"command"`
	Description string `json:"description,omitempty"`
}

// Proposal is a batch of commands submitted for one remediation.
type Proposal struct {
	RunID    string    `json:"run_id"`
	Summary  string    `json:"summary,omitempty"`
	Commands []Command `json:"commands"`
}

// ProposalResponse is the approval server's acknowledgement.
type ProposalResponse struct {
	ApprovalID string `json:"approval_id"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
}

// PendingApproval is one queued decision awaiting an operator.
type PendingApproval struct {
	ApprovalID string    `json:"approval_id"`
	RunID      string    `json:"run_id"`
	Commands   []Command `json:"commands"`
	CreatedAt  string    `json:"created_at,omitempty"`
}

// Client is an HTTP client for the approval server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the approval server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// ProposeRemediation submits a command batch for approval.
//
// # Outputs
//
//   - *ProposalResponse: Contains the approval id to link into the
//     feedback ledger.
//   - error: Non-nil on transport failure or a non-2xx response.
func (c *Client) ProposeRemediation(ctx context.Context, p Proposal) (*ProposalResponse, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding proposal: %w", err)
	}

	url := c.baseURL + "/api/approvals/propose"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building proposal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting proposal: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("approval server returned %d: %s", resp.StatusCode, snippet)
	}

	var out ProposalResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding proposal response: %w", err)
	}
	slog.Debug("Proposal accepted by approval server",
		"run_id", p.RunID, "approval_id", out.ApprovalID, "commands", len(p.Commands))
	return &out, nil
}

// PendingApprovals lists decisions still waiting on an operator.
func (c *Client) PendingApprovals(ctx context.Context) ([]PendingApproval, error) {
	url := c.baseURL + "/api/approvals/pending"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building pending request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching pending approvals: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("approval server returned %d: %s", resp.StatusCode, snippet)
	}

	var out []PendingApproval
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding pending approvals: %w", err)
	}
	return out, nil
}
