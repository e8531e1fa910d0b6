// Copyright (C) 2026 Opsmend Labs (dev@opsmend.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// InitMetrics registers against the default registry, so it can run only
// once per test binary. All assertions share this instance.
var testMetrics = InitMetrics()

func TestRecordRun(t *testing.T) {
	testMetrics.RecordRun("COMPLETED")
	testMetrics.RecordRun("COMPLETED")
	testMetrics.RecordRun("NO_ISSUE")

	got := testutil.ToFloat64(testMetrics.RunsTotal.WithLabelValues("COMPLETED"))
	if got != 2 {
		t.Errorf("RunsTotal[COMPLETED] = %v, want 2", got)
	}
	got = testutil.ToFloat64(testMetrics.RunsTotal.WithLabelValues("NO_ISSUE"))
	if got != 1 {
		t.Errorf("RunsTotal[NO_ISSUE] = %v, want 1", got)
	}
}

func TestActiveGauges(t *testing.T) {
	testMetrics.RunStarted()
	testMetrics.RunStarted()
	testMetrics.RunEnded()
	if got := testutil.ToFloat64(testMetrics.ActiveRuns); got != 1 {
		t.Errorf("ActiveRuns = %v, want 1", got)
	}

	testMetrics.StreamStarted()
	testMetrics.StreamEnded()
	if got := testutil.ToFloat64(testMetrics.ActiveStreams); got != 0 {
		t.Errorf("ActiveStreams = %v, want 0", got)
	}
}

func TestEventCounters(t *testing.T) {
	testMetrics.RecordEventPublished("Monitoring")
	testMetrics.RecordEventPublished("Monitoring")
	testMetrics.RecordEventDropped()

	got := testutil.ToFloat64(testMetrics.EventsPublishedTotal.WithLabelValues("Monitoring"))
	if got != 2 {
		t.Errorf("EventsPublishedTotal[Monitoring] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(testMetrics.EventsDroppedTotal); got != 1 {
		t.Errorf("EventsDroppedTotal = %v, want 1", got)
	}
}

func TestLearningCounters(t *testing.T) {
	testMetrics.RecordApprovalCallback("approved", true)
	testMetrics.RecordApprovalCallback("rejected", false)
	testMetrics.RecordFeedbackSubmission("accepted")
	testMetrics.SetLedgerRecords(7)

	got := testutil.ToFloat64(testMetrics.ApprovalCallbacksTotal.WithLabelValues("approved", "merged"))
	if got != 1 {
		t.Errorf("ApprovalCallbacksTotal[approved,merged] = %v, want 1", got)
	}
	got = testutil.ToFloat64(testMetrics.ApprovalCallbacksTotal.WithLabelValues("rejected", "unknown"))
	if got != 1 {
		t.Errorf("ApprovalCallbacksTotal[rejected,unknown] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(testMetrics.LedgerRecords); got != 7 {
		t.Errorf("LedgerRecords = %v, want 7", got)
	}
}
