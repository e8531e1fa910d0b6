// Copyright (C) 2026 Opsmend Labs (dev@opsmend.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package stream provides per-run progress event channels for the
// orchestrator.
//
// # Description
//
// Each workflow run owns one logical channel identified by its run id.
// The workflow driver and agents publish progress events into the channel;
// any number of HTTP stream subscribers consume them. Publishing never
// blocks the pipeline: each subscriber gets its own queue, fed at publish
// time and drained by the subscriber at its own pace.
//
// A channel is closed exactly once, when the run reaches a terminal state.
// Subscribers observe the close as their Go channel closing after all
// buffered events have been delivered. Subscribing to an unknown or already
// closed run yields an immediately closed channel rather than an error, so
// reconnecting clients terminate cleanly.
//
// # Thread Safety
//
// All Manager methods are safe for concurrent use.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/opsmend/opsmend/services/orchestrator/datatypes"
	"github.com/opsmend/opsmend/services/orchestrator/observability"
)

// ErrDuplicateRun is returned by Open when a channel already exists for
// the run id.
var ErrDuplicateRun = errors.New("stream: channel already open for run")

// Manager owns the progress channels for all active runs.
//
// # Description
//
// Construct with NewManager and share a single instance between the
// workflow driver and the HTTP handlers. BufferLimit caps the per-subscriber
// queue: 0 means unbounded, N > 0 drops the newest event once a subscriber
// holds N undelivered events (the drop is counted, never blocks the
// publisher).
type Manager struct {
	mu          sync.Mutex
	runs        map[string]*runChannel
	bufferLimit int
}

// runChannel is the fan-out state for a single run.
type runChannel struct {
	mu     sync.Mutex
	subs   []*subscriber
	closed bool
}

// subscriber is one consumer's queue. Events are appended under mu and
// drained by a dedicated delivery goroutine using cond for wakeups.
type subscriber struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []datatypes.ProgressEvent
	closed  bool
	stopped bool
	out     chan datatypes.ProgressEvent
	done    chan struct{}
}

// NewManager creates a Manager with the given per-subscriber buffer limit.
// A limit of 0 means unbounded queues.
func NewManager(bufferLimit int) *Manager {
	if bufferLimit < 0 {
		bufferLimit = 0
	}
	return &Manager{
		runs:        make(map[string]*runChannel),
		bufferLimit: bufferLimit,
	}
}

// Open registers a progress channel for a new run.
//
// # Inputs
//
//   - runID: The run identifier. Must be unique among active runs.
//
// # Outputs
//
//   - error: ErrDuplicateRun if a channel is already open for runID.
func (m *Manager) Open(runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[runID]; ok {
		return ErrDuplicateRun
	}
	m.runs[runID] = &runChannel{}
	return nil
}

// Publish delivers an event to every subscriber of the run.
//
// # Description
//
// Never blocks. Events published to an unknown or closed run are discarded;
// the run being gone means the pipeline already finished, so a late
// publisher has nothing useful to say.
func (m *Manager) Publish(runID string, ev datatypes.ProgressEvent) {
	m.mu.Lock()
	rc, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok {
		return
	}

	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return
	}
	subs := make([]*subscriber, len(rc.subs))
	copy(subs, rc.subs)
	rc.mu.Unlock()

	if mt := observability.DefaultMetrics; mt != nil {
		mt.RecordEventPublished(ev.AgentName)
	}

	for _, s := range subs {
		s.enqueue(ev, m.bufferLimit)
	}
}

// Subscribe attaches a consumer to the run's channel.
//
// # Description
//
// Returns a receive-only channel carrying every event published after the
// subscription, in publish order, followed by a close once the run's
// channel closes and the queue drains. Subscribing to an unknown run
// returns an already closed channel.
//
// Cancelling ctx detaches the subscriber without affecting the run or
// other subscribers.
func (m *Manager) Subscribe(ctx context.Context, runID string) <-chan datatypes.ProgressEvent {
	m.mu.Lock()
	rc, ok := m.runs[runID]
	m.mu.Unlock()

	if !ok {
		ch := make(chan datatypes.ProgressEvent)
		close(ch)
		return ch
	}

	s := &subscriber{
		out:  make(chan datatypes.ProgressEvent),
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		close(s.out)
		return s.out
	}
	rc.subs = append(rc.subs, s)
	rc.mu.Unlock()

	go s.deliver()
	go func() {
		select {
		case <-ctx.Done():
			rc.detach(s)
			s.stop()
		case <-s.done:
			rc.detach(s)
		}
	}()

	return s.out
}

// Close closes the run's channel.
//
// # Description
//
// Marks the channel closed, lets every subscriber drain its queue, and
// removes the run from the manager. Idempotent: closing an unknown or
// already closed run is a no-op.
func (m *Manager) Close(runID string) {
	m.mu.Lock()
	rc, ok := m.runs[runID]
	delete(m.runs, runID)
	m.mu.Unlock()
	if !ok {
		return
	}

	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return
	}
	rc.closed = true
	subs := rc.subs
	rc.subs = nil
	rc.mu.Unlock()

	for _, s := range subs {
		s.markClosed()
	}
}

// ActiveRuns reports the number of runs with open channels.
func (m *Manager) ActiveRuns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

// detach removes a subscriber from the run's fan-out list.
func (rc *runChannel) detach(s *subscriber) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for i, sub := range rc.subs {
		if sub == s {
			rc.subs = append(rc.subs[:i], rc.subs[i+1:]...)
			return
		}
	}
}

// enqueue appends an event, dropping it instead when the buffer limit is
// reached.
func (s *subscriber) enqueue(ev datatypes.ProgressEvent, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.stopped {
		return
	}
	if limit > 0 && len(s.queue) >= limit {
		if mt := observability.DefaultMetrics; mt != nil {
			mt.RecordEventDropped()
		}
		slog.Warn("dropping progress event, subscriber buffer full",
			"agent", ev.AgentName, "limit", limit)
		return
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
}

// markClosed signals end of stream. Queued events still get delivered.
func (s *subscriber) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}

// stop abandons the subscriber immediately, discarding queued events.
func (s *subscriber) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.done)
	s.cond.Signal()
	s.mu.Unlock()
}

// deliver drains the queue into the out channel until the stream closes or
// the subscriber stops.
func (s *subscriber) deliver() {
	defer close(s.out)
	defer s.stop()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			// closed and drained
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
