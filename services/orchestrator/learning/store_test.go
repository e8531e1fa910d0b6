// Copyright (C) 2026 Opsmend Labs (dev@opsmend.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package learning

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsmend/opsmend/services/orchestrator/datatypes"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	return s, dir
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func TestCreateRecordDefaults(t *testing.T) {
	s, _ := newTestStore(t)

	id, err := s.CreateRecord("run-1", "prompt", "kubectl rollout restart deploy/api")
	require.NoError(t, err)
	assert.Contains(t, id, "run-1_remediation_")

	rec, err := s.Record(id)
	require.NoError(t, err)
	assert.Equal(t, datatypes.ApprovalPending, rec.ApprovalStatus)
	assert.Equal(t, 0.5, rec.RewardScore)
	assert.Equal(t, "run-1", rec.RunID)
}

func TestMergeApprovalAllApproved(t *testing.T) {
	s, _ := newTestStore(t)
	id, err := s.CreateRecord("run-1", "in", "out")
	require.NoError(t, err)
	require.NoError(t, s.LinkApprovalIDs(id, []string{"ap-1"}))

	gotID, err := s.MergeApproval(datatypes.ApprovalCallback{
		ApprovalID:    "ap-1",
		Status:        datatypes.ApprovalApproved,
		ApprovedCount: 3,
		RejectedCount: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, id, gotID)

	rec, err := s.Record(id)
	require.NoError(t, err)
	assert.Equal(t, datatypes.ApprovalApproved, rec.ApprovalStatus)
	assert.Equal(t, 3, rec.ApprovedCommandCount)
	assert.InDelta(t, 1.0, rec.RewardScore, 1e-9)
}

func TestMergeApprovalRejectionIsSticky(t *testing.T) {
	s, _ := newTestStore(t)
	id, err := s.CreateRecord("run-1", "in", "out")
	require.NoError(t, err)
	require.NoError(t, s.LinkApprovalIDs(id, []string{"ap-1", "ap-2"}))

	_, err = s.MergeApproval(datatypes.ApprovalCallback{
		ApprovalID:    "ap-1",
		Status:        datatypes.ApprovalApproved,
		ApprovedCount: 3,
	})
	require.NoError(t, err)

	_, err = s.MergeApproval(datatypes.ApprovalCallback{
		ApprovalID:      "ap-2",
		Status:          datatypes.ApprovalRejected,
		RejectedCount:   2,
		RejectionReason: "too risky",
	})
	require.NoError(t, err)

	rec, err := s.Record(id)
	require.NoError(t, err)
	assert.Equal(t, datatypes.ApprovalRejected, rec.ApprovalStatus)
	assert.Equal(t, 3, rec.ApprovedCommandCount)
	assert.Equal(t, 2, rec.RejectedCommandCount)
	assert.Equal(t, "too risky", rec.RejectionReason)
	assert.InDelta(t, 0.2, rec.RewardScore, 1e-9)

	// A later approval never clears the rejection.
	_, err = s.MergeApproval(datatypes.ApprovalCallback{
		ApprovalID:    "ap-1",
		Status:        datatypes.ApprovalApproved,
		ApprovedCount: 1,
	})
	require.NoError(t, err)

	rec, err = s.Record(id)
	require.NoError(t, err)
	assert.Equal(t, datatypes.ApprovalRejected, rec.ApprovalStatus)
	assert.Equal(t, 4, rec.ApprovedCommandCount)
}

func TestMergeApprovalJoinsDistinctReasons(t *testing.T) {
	s, _ := newTestStore(t)
	id, err := s.CreateRecord("run-1", "in", "out")
	require.NoError(t, err)
	require.NoError(t, s.LinkApprovalIDs(id, []string{"ap-1", "ap-2"}))

	for _, cb := range []datatypes.ApprovalCallback{
		{ApprovalID: "ap-1", Status: datatypes.ApprovalRejected, RejectionReason: "too risky"},
		{ApprovalID: "ap-2", Status: datatypes.ApprovalRejected, RejectionReason: "wrong namespace"},
		{ApprovalID: "ap-2", Status: datatypes.ApprovalRejected, RejectionReason: "too risky"},
	} {
		_, err := s.MergeApproval(cb)
		require.NoError(t, err)
	}

	rec, err := s.Record(id)
	require.NoError(t, err)
	assert.Equal(t, "too risky; wrong namespace", rec.RejectionReason)
}

func TestMergeApprovalUnknownID(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.MergeApproval(datatypes.ApprovalCallback{
		ApprovalID: "ghost",
		Status:     datatypes.ApprovalApproved,
	})
	assert.ErrorIs(t, err, ErrUnknownApprovalID)
}

func TestLinkApprovalIDsFirstWriterWins(t *testing.T) {
	s, _ := newTestStore(t)
	a, err := s.CreateRecord("run-1", "in", "out-a")
	require.NoError(t, err)
	b, err := s.CreateRecord("run-2", "in", "out-b")
	require.NoError(t, err)

	require.NoError(t, s.LinkApprovalIDs(a, []string{"ap-1"}))
	require.NoError(t, s.LinkApprovalIDs(b, []string{"ap-1", "ap-2"}))

	got, err := s.MergeApproval(datatypes.ApprovalCallback{
		ApprovalID: "ap-1", Status: datatypes.ApprovalApproved, ApprovedCount: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, a, got)

	recB, err := s.Record(b)
	require.NoError(t, err)
	assert.Equal(t, []string{"ap-2"}, recB.ApprovalIDs)

	assert.ErrorIs(t, s.LinkApprovalIDs("nope", []string{"x"}), ErrUnknownRecordID)
}

func TestHumanFeedbackRefinesReward(t *testing.T) {
	s, _ := newTestStore(t)
	id, err := s.CreateRecord("run-1", "in", "out")
	require.NoError(t, err)

	// Rating only: 4/5 at weight 1.
	require.NoError(t, s.SubmitHumanFeedback(datatypes.FeedbackSubmission{
		RecordID: id,
		Rating:   intPtr(4),
	}))
	rec, err := s.Record(id)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, rec.RewardScore, 1e-9)

	// Add helpful vote: (0.8 + 1.0) / 2.
	require.NoError(t, s.SubmitHumanFeedback(datatypes.FeedbackSubmission{
		RecordID:   id,
		WasHelpful: boolPtr(true),
	}))
	rec, err = s.Record(id)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, rec.RewardScore, 1e-9)

	// Earlier rating survives the partial resubmission.
	assert.Equal(t, 4, *rec.Rating)

	assert.ErrorIs(t, s.SubmitHumanFeedback(datatypes.FeedbackSubmission{
		RecordID: "ghost",
	}), ErrUnknownRecordID)
}

func TestRewardComposite(t *testing.T) {
	rec := &datatypes.FeedbackRecord{
		ApprovalStatus:       datatypes.ApprovalApproved,
		ApprovedCommandCount: 2,
		RejectedCommandCount: 2,
		Rating:               intPtr(5),
		WasHelpful:           boolPtr(false),
	}
	// (0.5*4 + 1*1 + 0*1) / 6 = 0.5
	assert.InDelta(t, 0.5, computeReward(rec), 1e-9)

	// Approved with zero commands counts as fully approved.
	rec = &datatypes.FeedbackRecord{ApprovalStatus: datatypes.ApprovalApproved}
	assert.InDelta(t, 1.0, computeReward(rec), 1e-9)
}

func TestReloadRebuildsState(t *testing.T) {
	s, dir := newTestStore(t)
	id, err := s.CreateRecord("run-1", "in", "out")
	require.NoError(t, err)
	require.NoError(t, s.LinkApprovalIDs(id, []string{"ap-1"}))
	_, err = s.MergeApproval(datatypes.ApprovalCallback{
		ApprovalID: "ap-1", Status: datatypes.ApprovalApproved, ApprovedCount: 2,
	})
	require.NoError(t, err)

	reloaded, err := NewStore(dir)
	require.NoError(t, err)

	rec, err := reloaded.Record(id)
	require.NoError(t, err)
	assert.Equal(t, datatypes.ApprovalApproved, rec.ApprovalStatus)
	assert.Equal(t, 2, rec.ApprovedCommandCount)
	assert.InDelta(t, 1.0, rec.RewardScore, 1e-9)

	// The approval index is rebuilt too.
	got, err := reloaded.MergeApproval(datatypes.ApprovalCallback{
		ApprovalID: "ap-1", Status: datatypes.ApprovalApproved, ApprovedCount: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestLoadSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent_outputs.jsonl")
	content := `{"record_id":"r1","run_id":"run-1","approval_status":"pending","reward_score":0.5}
not json at all
{"record_id":"r2","run_id":"run-1","approval_status":"approved","reward_score":1.0}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := NewStore(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Statistics().TotalRecords)
}

func TestTopExamples(t *testing.T) {
	s, _ := newTestStore(t)

	low, err := s.CreateRecord("run-1", "in", "out-low")
	require.NoError(t, err)
	high, err := s.CreateRecord("run-2", "in", "out-high")
	require.NoError(t, err)
	mid, err := s.CreateRecord("run-3", "in", "out-mid")
	require.NoError(t, err)

	require.NoError(t, s.SubmitHumanFeedback(datatypes.FeedbackSubmission{RecordID: low, Rating: intPtr(1)}))
	require.NoError(t, s.SubmitHumanFeedback(datatypes.FeedbackSubmission{RecordID: high, Rating: intPtr(5)}))
	require.NoError(t, s.SubmitHumanFeedback(datatypes.FeedbackSubmission{RecordID: mid, Rating: intPtr(4)}))

	top := s.TopExamples(5, 0.7)
	require.Len(t, top, 2)
	assert.Equal(t, high, top[0].RecordID)
	assert.Equal(t, mid, top[1].RecordID)

	top = s.TopExamples(1, 0.7)
	require.Len(t, top, 1)
	assert.Equal(t, high, top[0].RecordID)
}

func TestRejectedExamplesNewestFirst(t *testing.T) {
	s, _ := newTestStore(t)

	for i, reason := range []string{"first", "second"} {
		id, err := s.CreateRecord("run-1", "in", "out")
		require.NoError(t, err)
		ap := []string{"ap-a", "ap-b"}[i]
		require.NoError(t, s.LinkApprovalIDs(id, []string{ap}))
		_, err = s.MergeApproval(datatypes.ApprovalCallback{
			ApprovalID: ap, Status: datatypes.ApprovalRejected, RejectionReason: reason,
		})
		require.NoError(t, err)
	}

	got := s.RejectedExamples(2)
	require.Len(t, got, 2)
	assert.Equal(t, "second", got[0].RejectionReason)
	assert.Equal(t, "first", got[1].RejectionReason)
}

func TestStatistics(t *testing.T) {
	s, _ := newTestStore(t)

	a, err := s.CreateRecord("run-1", "in", "out")
	require.NoError(t, err)
	b, err := s.CreateRecord("run-2", "in", "out")
	require.NoError(t, err)
	_, err = s.CreateRecord("run-3", "in", "out")
	require.NoError(t, err)

	require.NoError(t, s.LinkApprovalIDs(a, []string{"ap-a"}))
	require.NoError(t, s.LinkApprovalIDs(b, []string{"ap-b"}))
	_, err = s.MergeApproval(datatypes.ApprovalCallback{
		ApprovalID: "ap-a", Status: datatypes.ApprovalApproved, ApprovedCount: 3,
	})
	require.NoError(t, err)
	_, err = s.MergeApproval(datatypes.ApprovalCallback{
		ApprovalID: "ap-b", Status: datatypes.ApprovalRejected, RejectedCount: 1,
	})
	require.NoError(t, err)

	stats := s.Statistics()
	assert.Equal(t, 3, stats.TotalRecords)
	assert.Equal(t, 3, stats.ApprovedCommandTotal)
	assert.Equal(t, 1, stats.RejectedCommandTotal)
	assert.Equal(t, 1, stats.PendingCount)
	// Approval rate is per command, not per record: 3 of 4.
	assert.InDelta(t, 0.75, stats.ApprovalRate, 1e-9)
	// Rewards: 1.0 (approved) + 0.2 (rejected) + 0.5 (pending) over 3.
	assert.InDelta(t, (1.0+0.2+0.5)/3, stats.AverageReward, 1e-9)
	assert.Equal(t, 1, stats.LearningExampleCount)
}

func TestStatisticsApprovalRateIsCommandBased(t *testing.T) {
	s, _ := newTestStore(t)

	a, err := s.CreateRecord("run-1", "in", "out")
	require.NoError(t, err)
	b, err := s.CreateRecord("run-2", "in", "out")
	require.NoError(t, err)
	require.NoError(t, s.LinkApprovalIDs(a, []string{"ap-a"}))
	require.NoError(t, s.LinkApprovalIDs(b, []string{"ap-b"}))

	_, err = s.MergeApproval(datatypes.ApprovalCallback{
		ApprovalID: "ap-a", Status: datatypes.ApprovalApproved, ApprovedCount: 1,
	})
	require.NoError(t, err)
	_, err = s.MergeApproval(datatypes.ApprovalCallback{
		ApprovalID: "ap-b", Status: datatypes.ApprovalRejected, RejectedCount: 3,
	})
	require.NoError(t, err)

	// One approved command against three rejected ones. A record-based
	// ratio would say 0.5 here.
	assert.InDelta(t, 0.25, s.Statistics().ApprovalRate, 1e-9)
}

func TestStatisticsApprovalRateZeroCommands(t *testing.T) {
	s, _ := newTestStore(t)

	id, err := s.CreateRecord("run-1", "in", "out")
	require.NoError(t, err)
	require.NoError(t, s.LinkApprovalIDs(id, []string{"ap-a"}))
	_, err = s.MergeApproval(datatypes.ApprovalCallback{
		ApprovalID: "ap-a", Status: datatypes.ApprovalApproved,
	})
	require.NoError(t, err)

	assert.Zero(t, s.Statistics().ApprovalRate)
}

func TestImprovementSuggestions(t *testing.T) {
	s, _ := newTestStore(t)

	a, err := s.CreateRecord("run-1", "in", "out")
	require.NoError(t, err)
	b, err := s.CreateRecord("run-2", "in", "out")
	require.NoError(t, err)

	require.NoError(t, s.SubmitHumanFeedback(datatypes.FeedbackSubmission{
		RecordID: a, Suggestions: "check pod limits first",
	}))
	require.NoError(t, s.SubmitHumanFeedback(datatypes.FeedbackSubmission{
		RecordID: b, Suggestions: "check pod limits first",
	}))

	assert.Equal(t, []string{"check pod limits first"}, s.ImprovementSuggestions())
}

func TestImprovementSuggestionsIncludeRejectionReasons(t *testing.T) {
	s, _ := newTestStore(t)

	a, err := s.CreateRecord("run-1", "in", "out")
	require.NoError(t, err)
	b, err := s.CreateRecord("run-2", "in", "out")
	require.NoError(t, err)
	require.NoError(t, s.LinkApprovalIDs(b, []string{"ap-b"}))

	require.NoError(t, s.SubmitHumanFeedback(datatypes.FeedbackSubmission{
		RecordID: a, Suggestions: "drain the node first",
	}))
	_, err = s.MergeApproval(datatypes.ApprovalCallback{
		ApprovalID: "ap-b", Status: datatypes.ApprovalRejected,
		RejectionReason: "too risky", RejectedCount: 1,
	})
	require.NoError(t, err)

	assert.Equal(t,
		[]string{"drain the node first", "Avoid: too risky"},
		s.ImprovementSuggestions())
}

func TestTopExamplesSkipLegacyRecordsWithoutStatus(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent_outputs.jsonl")
	content := `{"record_id":"r1","run_id":"run-1","reward_score":0.9}
{"record_id":"r2","run_id":"run-1","approval_status":"approved","reward_score":0.8}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := NewStore(dir)
	require.NoError(t, err)

	top := s.TopExamples(5, 0.7)
	require.Len(t, top, 1)
	assert.Equal(t, "r2", top[0].RecordID)
}
