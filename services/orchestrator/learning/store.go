// Copyright (C) 2026 Opsmend Labs (dev@opsmend.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package learning persists remediation outcomes and the feedback signals
// attached to them.
//
// # Description
//
// The feedback ledger is a JSONL file holding one FeedbackRecord per line.
// The file is the sole source of truth: every mutation rewrites the whole
// file atomically, and a restart rebuilds all in-memory state by replaying
// it. Records accumulate approval-server callbacks, human ratings and
// helpfulness votes, which fold into a single weighted reward score used to
// pick few-shot examples for the remediation prompt.
//
// # Thread Safety
//
// All Store methods are safe for concurrent use. A single mutex serializes
// mutations so that file rewrites never interleave.
package learning

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opsmend/opsmend/services/orchestrator/datatypes"
	"github.com/opsmend/opsmend/services/orchestrator/observability"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrUnknownRecordID indicates the record id is not present in the ledger.
	ErrUnknownRecordID = errors.New("learning: unknown record id")

	// ErrUnknownApprovalID indicates no record is linked to the approval id.
	ErrUnknownApprovalID = errors.New("learning: unknown approval id")
)

// =============================================================================
// Reward Model
// =============================================================================

// Reward weights. Approval outcomes dominate because they encode an
// operator's judgement on the actual commands; ratings and helpfulness
// votes refine within that band.
const (
	approvalWeight = 4.0
	ratingWeight   = 1.0
	helpfulWeight  = 1.0

	// rejectedBaseScore keeps rejected records visible as negative
	// examples instead of zeroing them out entirely.
	rejectedBaseScore = 0.2

	// neutralReward is assigned when no feedback signal exists yet.
	neutralReward = 0.5

	// learningThreshold is the minimum reward for a record to count as a
	// usable learning example.
	learningThreshold = 0.7
)

// computeReward folds all feedback signals on a record into [0, 1].
//
// Each present signal contributes score*weight; the result is the
// weight-normalized mean. A record with no signals scores neutralReward.
func computeReward(r *datatypes.FeedbackRecord) float64 {
	var total, weight float64

	switch r.ApprovalStatus {
	case datatypes.ApprovalApproved:
		ratio := 1.0
		if n := r.ApprovedCommandCount + r.RejectedCommandCount; n > 0 {
			ratio = float64(r.ApprovedCommandCount) / float64(n)
		}
		total += ratio * approvalWeight
		weight += approvalWeight
	case datatypes.ApprovalRejected:
		total += rejectedBaseScore * approvalWeight
		weight += approvalWeight
	}

	if r.Rating != nil {
		total += (float64(*r.Rating) / 5.0) * ratingWeight
		weight += ratingWeight
	}

	if r.WasHelpful != nil {
		if *r.WasHelpful {
			total += helpfulWeight
		}
		weight += helpfulWeight
	}

	if weight == 0 {
		return neutralReward
	}
	return total / weight
}

// =============================================================================
// Store
// =============================================================================

// Store is the feedback ledger.
//
// # Description
//
// Holds an in-memory cache of all records plus an approval-id index, both
// rebuilt from the JSONL file on construction. Mutations update the cache
// and rewrite the file before returning, so the file never lags the cache.
type Store struct {
	mu            sync.Mutex
	path          string
	records       []*datatypes.FeedbackRecord
	byRecord      map[string]*datatypes.FeedbackRecord
	approvalIndex map[string]string // approval id -> record id
}

// NewStore opens the ledger rooted at dir, creating it if needed.
//
// # Inputs
//
//   - dir: Directory for ledger data. Created with 0o755 if missing.
//
// # Outputs
//
//   - *Store: The loaded store.
//   - error: Non-nil if the directory cannot be created or the file read.
//
// # Limitations
//
//   - Corrupt lines in an existing file are skipped with a warning, not
//     treated as fatal. On-disk state written by a newer version may lose
//     unknown fields on the next rewrite.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating feedback dir: %w", err)
	}

	s := &Store{
		path:          filepath.Join(dir, "agent_outputs.jsonl"),
		byRecord:      make(map[string]*datatypes.FeedbackRecord),
		approvalIndex: make(map[string]string),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load replays the JSONL file into the in-memory cache and index.
func (s *Store) load() error {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening feedback ledger: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec datatypes.FeedbackRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			slog.Warn("skipping corrupt feedback ledger line",
				"path", s.path, "line", lineNo, "error", err)
			continue
		}
		s.insert(&rec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading feedback ledger: %w", err)
	}

	if mt := observability.DefaultMetrics; mt != nil {
		mt.SetLedgerRecords(len(s.records))
	}
	return nil
}

// insert adds a record to the cache and rebuilds its approval-id mappings.
// First writer wins on approval id collisions.
func (s *Store) insert(rec *datatypes.FeedbackRecord) {
	s.records = append(s.records, rec)
	s.byRecord[rec.RecordID] = rec
	for _, id := range rec.ApprovalIDs {
		if _, taken := s.approvalIndex[id]; !taken {
			s.approvalIndex[id] = rec.RecordID
		}
	}
}

// persist rewrites the whole ledger file atomically.
//
// Writes to a temp file in the same directory, fsyncs, then renames over
// the live file so a crash mid-write leaves the previous contents intact.
func (s *Store) persist() error {
	start := time.Now()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".agent_outputs-*.tmp")
	if err != nil {
		return fmt.Errorf("creating ledger temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, rec := range s.records {
		if err := enc.Encode(rec); err != nil {
			tmp.Close()
			return fmt.Errorf("encoding feedback record %s: %w", rec.RecordID, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing ledger temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing ledger temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing ledger temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing feedback ledger: %w", err)
	}

	if mt := observability.DefaultMetrics; mt != nil {
		mt.RecordLedgerRewrite(time.Since(start).Seconds())
		mt.SetLedgerRecords(len(s.records))
	}
	return nil
}

// CreateRecord appends a new remediation record to the ledger.
//
// # Inputs
//
//   - runID: The workflow run the remediation belongs to.
//   - inputData: The prompt or context given to the remediation stage.
//   - outputData: The remediation output.
//
// # Outputs
//
//   - string: The generated record id.
//   - error: Non-nil if the ledger rewrite fails.
func (s *Store) CreateRecord(runID, inputData, outputData string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &datatypes.FeedbackRecord{
		RecordID:       fmt.Sprintf("%s_remediation_%d", runID, time.Now().UnixNano()),
		RunID:          runID,
		CreatedAt:      time.Now().UTC(),
		InputData:      inputData,
		OutputData:     outputData,
		ApprovalStatus: datatypes.ApprovalPending,
		RewardScore:    neutralReward,
	}
	s.insert(rec)

	if err := s.persist(); err != nil {
		return "", err
	}
	return rec.RecordID, nil
}

// LinkApprovalIDs maps approval ids onto an existing record.
//
// # Description
//
// First writer wins: ids already mapped to a different record are skipped
// with a warning rather than remapped. Linking the same id to the same
// record again is a no-op.
//
// # Outputs
//
//   - error: ErrUnknownRecordID if recordID is not in the ledger.
func (s *Store) LinkApprovalIDs(recordID string, approvalIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byRecord[recordID]
	if !ok {
		return ErrUnknownRecordID
	}

	changed := false
	for _, id := range approvalIDs {
		if id == "" {
			continue
		}
		if owner, taken := s.approvalIndex[id]; taken {
			if owner != recordID {
				slog.Warn("approval id already linked to another record",
					"approval_id", id, "owner", owner, "record_id", recordID)
			}
			continue
		}
		s.approvalIndex[id] = recordID
		rec.ApprovalIDs = append(rec.ApprovalIDs, id)
		changed = true
	}

	if !changed {
		return nil
	}
	return s.persist()
}

// MergeApproval folds an approval-server callback into the linked record.
//
// # Description
//
// Command counts accumulate across callbacks. The record's status moves to
// approved or rejected, except that a rejected record never flips back to
// approved. Rejection reasons are joined with "; " and deduplicated. The
// reward is recomputed after every merge.
//
// # Outputs
//
//   - string: The id of the updated record.
//   - error: ErrUnknownApprovalID if no record is linked to cb.ApprovalID.
func (s *Store) MergeApproval(cb datatypes.ApprovalCallback) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recordID, ok := s.approvalIndex[cb.ApprovalID]
	if !ok {
		return "", ErrUnknownApprovalID
	}
	rec := s.byRecord[recordID]

	rec.ApprovedCommandCount += cb.ApprovedCount
	rec.RejectedCommandCount += cb.RejectedCount

	switch cb.Status {
	case datatypes.ApprovalApproved:
		// A rejection is sticky. Later approvals refine the counts but
		// never clear the rejected status.
		if rec.ApprovalStatus != datatypes.ApprovalRejected {
			rec.ApprovalStatus = datatypes.ApprovalApproved
		}
	case datatypes.ApprovalRejected:
		rec.ApprovalStatus = datatypes.ApprovalRejected
		if reason := strings.TrimSpace(cb.RejectionReason); reason != "" {
			rec.RejectionReason = joinReason(rec.RejectionReason, reason)
		}
	}

	rec.RewardScore = computeReward(rec)

	if err := s.persist(); err != nil {
		return "", err
	}
	return recordID, nil
}

// joinReason appends a reason unless it is already present.
func joinReason(existing, reason string) string {
	if existing == "" {
		return reason
	}
	for _, part := range strings.Split(existing, "; ") {
		if part == reason {
			return existing
		}
	}
	return existing + "; " + reason
}

// SubmitHumanFeedback attaches a human rating to a record.
//
// # Description
//
// Each field overwrites the previous value when present and is left
// untouched when absent, so partial resubmissions refine rather than reset
// earlier feedback. The reward is recomputed afterwards.
//
// # Outputs
//
//   - error: ErrUnknownRecordID if sub.RecordID is not in the ledger.
func (s *Store) SubmitHumanFeedback(sub datatypes.FeedbackSubmission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byRecord[sub.RecordID]
	if !ok {
		return ErrUnknownRecordID
	}

	if sub.Rating != nil {
		r := *sub.Rating
		rec.Rating = &r
	}
	if sub.WasHelpful != nil {
		h := *sub.WasHelpful
		rec.WasHelpful = &h
	}
	if strings.TrimSpace(sub.Comments) != "" {
		rec.Comments = sub.Comments
	}
	if strings.TrimSpace(sub.Suggestions) != "" {
		rec.Suggestions = sub.Suggestions
	}

	rec.RewardScore = computeReward(rec)
	return s.persist()
}

// Record returns a copy of the record with the given id.
func (s *Store) Record(recordID string) (datatypes.FeedbackRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byRecord[recordID]
	if !ok {
		return datatypes.FeedbackRecord{}, ErrUnknownRecordID
	}
	return cloneRecord(rec), nil
}

// RecordsForRun returns copies of all records created by a run, oldest
// first.
func (s *Store) RecordsForRun(runID string) []datatypes.FeedbackRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []datatypes.FeedbackRecord
	for _, rec := range s.records {
		if rec.RunID == runID {
			out = append(out, cloneRecord(rec))
		}
	}
	return out
}

// TopExamples returns up to limit records with reward >= minReward, best
// first. Ties break toward newer records.
func (s *Store) TopExamples(limit int, minReward float64) []datatypes.FeedbackRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []datatypes.FeedbackRecord
	for _, rec := range s.records {
		if rec.ApprovalStatus == "" {
			// Legacy ledger lines without an approval status are not
			// usable as examples.
			continue
		}
		if rec.RewardScore >= minReward {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RewardScore != out[j].RewardScore {
			return out[i].RewardScore > out[j].RewardScore
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// RejectedExamples returns up to limit rejected records that carry a
// rejection reason, newest first.
func (s *Store) RejectedExamples(limit int) []datatypes.FeedbackRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []datatypes.FeedbackRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if rec.ApprovalStatus == datatypes.ApprovalRejected && rec.RejectionReason != "" {
			out = append(out, cloneRecord(rec))
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out
}

// ImprovementSuggestions returns the distinct non-empty suggestion texts
// across all records, oldest first. Each resolved rejection contributes an
// "Avoid: <reason>" entry so callers see what operators turned down, not
// just what they asked for.
func (s *Store) ImprovementSuggestions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	var out []string
	add := func(text string) {
		if text == "" {
			return
		}
		if _, dup := seen[text]; dup {
			return
		}
		seen[text] = struct{}{}
		out = append(out, text)
	}
	for _, rec := range s.records {
		add(strings.TrimSpace(rec.Suggestions))
		if reason := strings.TrimSpace(rec.RejectionReason); reason != "" {
			add("Avoid: " + reason)
		}
	}
	return out
}

// Statistics summarizes the ledger for the statistics endpoint.
func (s *Store) Statistics() datatypes.LearningStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := datatypes.LearningStatistics{TotalRecords: len(s.records)}

	var rewardSum float64
	for _, rec := range s.records {
		rewardSum += rec.RewardScore

		// Command totals count per the record's resolved status. A
		// record whose rejection stuck contributes only its rejected
		// commands; its earlier approvals no longer vouch for it.
		switch rec.ApprovalStatus {
		case datatypes.ApprovalApproved:
			stats.ApprovedCommandTotal += rec.ApprovedCommandCount
		case datatypes.ApprovalRejected:
			stats.RejectedCommandTotal += rec.RejectedCommandCount
		default:
			stats.PendingCount++
		}

		if rec.RewardScore >= learningThreshold {
			stats.LearningExampleCount++
		}
	}

	if total := stats.ApprovedCommandTotal + stats.RejectedCommandTotal; total > 0 {
		stats.ApprovalRate = float64(stats.ApprovedCommandTotal) / float64(total)
	}
	if len(s.records) > 0 {
		stats.AverageReward = rewardSum / float64(len(s.records))
	}
	return stats
}

// cloneRecord deep-copies a record so callers cannot mutate cached state.
func cloneRecord(rec *datatypes.FeedbackRecord) datatypes.FeedbackRecord {
	out := *rec
	out.ApprovalIDs = append([]string(nil), rec.ApprovalIDs...)
	if rec.Rating != nil {
		r := *rec.Rating
		out.Rating = &r
	}
	if rec.WasHelpful != nil {
		h := *rec.WasHelpful
		out.WasHelpful = &h
	}
	return out
}
