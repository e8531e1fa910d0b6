// Copyright (C) 2026 Opsmend Labs (dev@opsmend.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package learning

import (
	"fmt"
	"strings"
)

// Selector defaults. Few-shot examples only use records the reward model
// is confident about; rejection examples are capped lower because each one
// costs prompt space without demonstrating a solution.
const (
	defaultFewShotCount    = 3
	defaultFewShotMinScore = 0.85
	defaultRejectionCount  = 2

	maxExampleInputBytes  = 600
	maxExampleOutputBytes = 1000
	maxRejectionBytes     = 500

	truncationMarker = "... [truncated]"
)

// Selector formats ledger records into prompt sections for the remediation
// stage.
//
// # Description
//
// Pulls high-reward records as few-shot examples and rejected records as
// negative guidance, truncating long payloads so a handful of examples
// cannot crowd out the live incident context.
type Selector struct {
	store *Store

	fewShotCount    int
	fewShotMinScore float64
	rejectionCount  int
}

// NewSelector creates a Selector over the given store with default limits.
func NewSelector(store *Store) *Selector {
	return &Selector{
		store:           store,
		fewShotCount:    defaultFewShotCount,
		fewShotMinScore: defaultFewShotMinScore,
		rejectionCount:  defaultRejectionCount,
	}
}

// FewShotExamples renders the highest-reward records as a prompt section.
// Returns "" when no record clears the score threshold.
func (sel *Selector) FewShotExamples() string {
	recs := sel.store.TopExamples(sel.fewShotCount, sel.fewShotMinScore)
	if len(recs) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Here are examples of past remediations that operators approved:\n")
	for i, rec := range recs {
		fmt.Fprintf(&b, "\nExample %d (reward %.2f):\n", i+1, rec.RewardScore)
		fmt.Fprintf(&b, "Situation:\n%s\n", truncate(rec.InputData, maxExampleInputBytes))
		fmt.Fprintf(&b, "Remediation:\n%s\n", truncate(rec.OutputData, maxExampleOutputBytes))
	}
	return b.String()
}

// RejectionExamples renders recently rejected records as avoidance
// guidance. Returns "" when nothing has been rejected with a reason.
func (sel *Selector) RejectionExamples() string {
	recs := sel.store.RejectedExamples(sel.rejectionCount)
	if len(recs) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Operators rejected these past remediations. Do not repeat them:\n")
	for _, rec := range recs {
		fmt.Fprintf(&b, "\nRejected remediation:\n%s\n", truncate(rec.OutputData, maxRejectionBytes))
		fmt.Fprintf(&b, "Avoid: %s\n", rec.RejectionReason)
	}

	if sugs := sel.store.ImprovementSuggestions(); len(sugs) > 0 {
		b.WriteString("\nOperator suggestions:\n")
		for _, sug := range sugs {
			fmt.Fprintf(&b, "- %s\n", sug)
		}
	}
	return b.String()
}

// EnhancePrompt appends learned guidance sections to a base prompt.
// The base prompt comes back unchanged when the ledger has nothing usable.
func (sel *Selector) EnhancePrompt(base string) string {
	sections := []string{base}
	if few := sel.FewShotExamples(); few != "" {
		sections = append(sections, few)
	}
	if rej := sel.RejectionExamples(); rej != "" {
		sections = append(sections, rej)
	}
	return strings.Join(sections, "\n\n")
}

// truncate limits s to max bytes, appending a marker when anything was cut.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + truncationMarker
}
