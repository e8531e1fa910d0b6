// Copyright (C) 2026 Opsmend Labs (dev@opsmend.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsmend/opsmend/services/orchestrator/datatypes"
)

func event(agent string, status datatypes.EventStatus, data string) datatypes.ProgressEvent {
	return datatypes.ProgressEvent{AgentName: agent, Status: status, Data: data}
}

func collect(t *testing.T, ch <-chan datatypes.ProgressEvent) []datatypes.ProgressEvent {
	t.Helper()
	var got []datatypes.ProgressEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for channel close, got %d events", len(got))
		}
	}
}

func TestOpenDuplicate(t *testing.T) {
	m := NewManager(0)
	require.NoError(t, m.Open("run-1"))
	assert.ErrorIs(t, m.Open("run-1"), ErrDuplicateRun)
}

func TestPublishOrderAndClose(t *testing.T) {
	m := NewManager(0)
	require.NoError(t, m.Open("run-1"))

	ch := m.Subscribe(context.Background(), "run-1")

	for i := 0; i < 10; i++ {
		m.Publish("run-1", event("Monitoring", datatypes.StatusWorking, fmt.Sprintf("ev-%d", i)))
	}
	m.Close("run-1")

	got := collect(t, ch)
	require.Len(t, got, 10)
	for i, ev := range got {
		assert.Equal(t, fmt.Sprintf("ev-%d", i), ev.Data)
	}
}

func TestSubscribeUnknownRun(t *testing.T) {
	m := NewManager(0)
	ch := m.Subscribe(context.Background(), "nope")
	got := collect(t, ch)
	assert.Empty(t, got)
}

func TestSubscribeAfterClose(t *testing.T) {
	m := NewManager(0)
	require.NoError(t, m.Open("run-1"))
	m.Close("run-1")

	ch := m.Subscribe(context.Background(), "run-1")
	got := collect(t, ch)
	assert.Empty(t, got)
}

func TestPublishAfterCloseIsNoOp(t *testing.T) {
	m := NewManager(0)
	require.NoError(t, m.Open("run-1"))
	ch := m.Subscribe(context.Background(), "run-1")

	m.Publish("run-1", event("Monitoring", datatypes.StatusCompleted, "a"))
	m.Close("run-1")
	m.Publish("run-1", event("Monitoring", datatypes.StatusCompleted, "late"))

	got := collect(t, ch)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Data)
}

func TestCloseIsIdempotent(t *testing.T) {
	m := NewManager(0)
	require.NoError(t, m.Open("run-1"))
	m.Close("run-1")
	m.Close("run-1")
	m.Close("never-opened")
}

func TestMultipleSubscribersEachGetAllEvents(t *testing.T) {
	m := NewManager(0)
	require.NoError(t, m.Open("run-1"))

	ch1 := m.Subscribe(context.Background(), "run-1")
	ch2 := m.Subscribe(context.Background(), "run-1")

	for i := 0; i < 5; i++ {
		m.Publish("run-1", event("Analysis", datatypes.StatusThinking, fmt.Sprintf("ev-%d", i)))
	}
	m.Close("run-1")

	got1 := collect(t, ch1)
	got2 := collect(t, ch2)
	assert.Len(t, got1, 5)
	assert.Len(t, got2, 5)
}

func TestSubscriberCancellationDoesNotAffectOthers(t *testing.T) {
	m := NewManager(0)
	require.NoError(t, m.Open("run-1"))

	ctx, cancel := context.WithCancel(context.Background())
	chCancelled := m.Subscribe(ctx, "run-1")
	chAlive := m.Subscribe(context.Background(), "run-1")

	cancel()
	// The cancelled channel must close without the run closing.
	got := collect(t, chCancelled)
	_ = got

	for i := 0; i < 3; i++ {
		m.Publish("run-1", event("Remediation", datatypes.StatusWorking, fmt.Sprintf("ev-%d", i)))
	}
	m.Close("run-1")

	gotAlive := collect(t, chAlive)
	assert.Len(t, gotAlive, 3)
}

func TestPublishNeverBlocksWithoutSubscribers(t *testing.T) {
	m := NewManager(0)
	require.NoError(t, m.Open("run-1"))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			m.Publish("run-1", event("Monitoring", datatypes.StatusWorking, "x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked with no subscribers")
	}
	m.Close("run-1")
}

func TestBufferLimitDropsNewest(t *testing.T) {
	m := NewManager(2)
	require.NoError(t, m.Open("run-1"))

	ctx := context.Background()
	ch := m.Subscribe(ctx, "run-1")

	// The first event may be picked up by the delivery goroutine before the
	// rest arrive, so publish enough to overflow a queue of two in any
	// interleaving and assert on the count ceiling only.
	for i := 0; i < 50; i++ {
		m.Publish("run-1", event("Monitoring", datatypes.StatusWorking, fmt.Sprintf("ev-%d", i)))
	}
	m.Close("run-1")

	got := collect(t, ch)
	assert.Less(t, len(got), 50)
	// Delivered events keep publish order even when some were dropped.
	prev := -1
	for _, ev := range got {
		var n int
		_, err := fmt.Sscanf(ev.Data, "ev-%d", &n)
		require.NoError(t, err)
		assert.Greater(t, n, prev)
		prev = n
	}
}

func TestActiveRuns(t *testing.T) {
	m := NewManager(0)
	require.NoError(t, m.Open("run-1"))
	require.NoError(t, m.Open("run-2"))
	assert.Equal(t, 2, m.ActiveRuns())
	m.Close("run-1")
	assert.Equal(t, 1, m.ActiveRuns())
}
