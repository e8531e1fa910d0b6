// Copyright (C) 2026 Opsmend Labs (dev@opsmend.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package workflow drives the remediation pipeline for each run.
//
// # Description
//
// A run walks four stages in order: monitoring, analysis, remediation and
// command submission. Every stage emits a WORKING event before it starts
// and a COMPLETED or ERROR event after. An empty stage output short
// circuits the run: after monitoring it means no issue, after analysis no
// root cause, later on a failure. Whatever path a run takes, its progress
// channel closes exactly once at the end.
//
// Only the remediation stage's input and output persist to the feedback
// ledger; monitoring and analysis are ephemeral by design since their text
// has no reuse value once a plan exists.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/opsmend/opsmend/services/orchestrator/agents"
	"github.com/opsmend/opsmend/services/orchestrator/datatypes"
	"github.com/opsmend/opsmend/services/orchestrator/learning"
	"github.com/opsmend/opsmend/services/orchestrator/observability"
	"github.com/opsmend/opsmend/services/orchestrator/stream"
)

// RemediationStage is the remediation step plus access to the exact prompt
// it would send, so the ledger records what the model actually saw.
// Satisfied by agents.RemediationStage.
type RemediationStage interface {
	agents.Stage
	Prompt(in agents.StageInput) string
}

// Config wires a Driver's collaborators.
type Config struct {
	Streams     *stream.Manager
	Store       *learning.Store
	Monitoring  agents.Stage
	Analysis    agents.Stage
	Remediation RemediationStage
	Command     agents.Stage

	// MaxConcurrentRuns caps pipeline parallelism. Runs beyond the cap
	// queue until a slot frees. Zero or negative means 4.
	MaxConcurrentRuns int

	// StateRetention bounds how long a finished run stays queryable via
	// State. Without a bound the state map grows by one entry per run for
	// the life of the process. Zero means one hour.
	StateRetention time.Duration
}

// Driver starts and tracks workflow runs.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Driver struct {
	streams     *stream.Manager
	store       *learning.Store
	monitoring  agents.Stage
	analysis    agents.Stage
	remediation RemediationStage
	command     agents.Stage

	sem       *semaphore.Weighted
	tracer    trace.Tracer
	retention time.Duration

	mu     sync.Mutex
	states map[string]datatypes.RunState
}

// NewDriver creates a Driver from cfg.
func NewDriver(cfg Config) *Driver {
	maxRuns := cfg.MaxConcurrentRuns
	if maxRuns <= 0 {
		maxRuns = 4
	}
	retention := cfg.StateRetention
	if retention <= 0 {
		retention = time.Hour
	}
	return &Driver{
		streams:     cfg.Streams,
		store:       cfg.Store,
		monitoring:  cfg.Monitoring,
		analysis:    cfg.Analysis,
		remediation: cfg.Remediation,
		command:     cfg.Command,
		sem:         semaphore.NewWeighted(int64(maxRuns)),
		tracer:      otel.Tracer("opsmend/workflow"),
		retention:   retention,
	}
}

// StartRun launches the pipeline for a raw observability payload.
//
// # Description
//
// Allocates a run id, opens the progress channel and returns immediately;
// the pipeline executes on its own goroutine. Runs beyond the concurrency
// cap wait for a slot before their first stage, with the channel already
// open so early subscribers miss nothing.
//
// # Outputs
//
//   - string: The run id.
//   - error: Non-nil only if the progress channel cannot be opened.
func (d *Driver) StartRun(payload string) (string, error) {
	runID := uuid.NewString()
	if err := d.streams.Open(runID); err != nil {
		return "", fmt.Errorf("opening progress channel: %w", err)
	}
	d.setState(runID, datatypes.StateCreated)

	slog.Info("Workflow run accepted", "run_id", runID, "payload_bytes", len(payload))
	go d.run(runID, payload)
	return runID, nil
}

// State reports a run's current lifecycle state.
func (d *Driver) State(runID string) (datatypes.RunState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.states[runID]
	return s, ok
}

func (d *Driver) setState(runID string, s datatypes.RunState) {
	d.mu.Lock()
	if d.states == nil {
		d.states = make(map[string]datatypes.RunState)
	}
	d.states[runID] = s
	d.mu.Unlock()
}

// forgetState drops a run from the state map once its retention window
// ends. The ledger record, not this map, is the durable trace of the run.
func (d *Driver) forgetState(runID string) {
	d.mu.Lock()
	delete(d.states, runID)
	d.mu.Unlock()
}

// run executes the pipeline. It owns the run's terminal state and the
// close of the progress channel on every exit path, including panics.
func (d *Driver) run(runID, payload string) {
	ctx, span := d.tracer.Start(context.Background(), "workflow.run",
		trace.WithAttributes(attribute.String("run.id", runID)))

	terminal := datatypes.StateErrored
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Workflow run panicked", "run_id", runID,
				"panic", r, "stack", string(debug.Stack()))
			d.publishSystem(runID, datatypes.StatusError, "Internal pipeline failure")
			terminal = datatypes.StateErrored
		}
		d.setState(runID, terminal)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRun(string(terminal))
			m.RunEnded()
		}
		span.SetAttributes(attribute.String("run.terminal_state", string(terminal)))
		span.End()
		d.streams.Close(runID)
		time.AfterFunc(d.retention, func() { d.forgetState(runID) })
	}()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.publishSystem(runID, datatypes.StatusError, "Run admission failed")
		return
	}
	defer d.sem.Release(1)

	if m := observability.DefaultMetrics; m != nil {
		m.RunStarted()
	}

	in := agents.StageInput{RunID: runID, InitialPayload: payload}

	// Step 1: Monitoring. Empty output means the payload is clean.
	d.setState(runID, datatypes.StateMonitoring)
	issues, ok := d.runStage(ctx, d.monitoring, agents.StageInput{
		RunID: runID, Input: payload, InitialPayload: payload,
	})
	if !ok {
		return
	}
	if issues == "" {
		d.publishSystem(runID, datatypes.StatusCompleted, "No issues detected")
		terminal = datatypes.StateNoIssue
		return
	}

	// Step 2: Analysis. Empty output means no actionable root cause.
	d.setState(runID, datatypes.StateAnalyzing)
	in.Input = issues
	rootCause, ok := d.runStage(ctx, d.analysis, in)
	if !ok {
		return
	}
	if rootCause == "" {
		d.publishSystem(runID, datatypes.StatusCompleted, "No actionable root cause found")
		terminal = datatypes.StateNoRootCause
		return
	}

	// Step 3: Remediation. This is the only stage whose I/O persists.
	// The prompt is built once and passed along, so the ledger entry and
	// the model call cannot disagree even if the ledger mutates in
	// between.
	d.setState(runID, datatypes.StateRemediating)
	in.Input = rootCause
	prompt := d.remediation.Prompt(in)
	in.Prompt = prompt
	plan, ok := d.runStage(ctx, d.remediation, in)
	in.Prompt = ""
	if !ok {
		return
	}
	if plan == "" {
		d.publishSystem(runID, datatypes.StatusError, "Remediation produced no plan")
		return
	}

	recordID := ""
	if d.store != nil {
		id, err := d.store.CreateRecord(runID, prompt, plan)
		if err != nil {
			// The run is worth more than the ledger entry.
			slog.Error("Failed to persist remediation record",
				"run_id", runID, "error", err)
		} else {
			recordID = id
		}
	}

	// Step 4: Command submission.
	d.setState(runID, datatypes.StateSubmitting)
	in.Input = plan
	submission, ok := d.runStage(ctx, d.command, in)
	if !ok {
		return
	}
	if submission == "" {
		d.publishSystem(runID, datatypes.StatusError, "Command submission produced no output")
		return
	}

	if recordID != "" {
		if summary, err := agents.ParseSummary(submission); err != nil {
			slog.Warn("Could not parse submission summary for linking",
				"run_id", runID, "error", err)
		} else if ids := summary.ApprovalIDs(); len(ids) > 0 {
			if err := d.store.LinkApprovalIDs(recordID, ids); err != nil {
				slog.Warn("Failed to link approval ids",
					"run_id", runID, "record_id", recordID, "error", err)
			}
		}
	}

	d.publishSystem(runID, datatypes.StatusCompleted,
		fmt.Sprintf("Workflow complete, record %s", recordID))
	terminal = datatypes.StateCompleted
}

// runStage invokes one stage with the standard event envelope.
//
// Returns the stage output and true on success. On failure it publishes
// the ERROR event and returns false; the caller decides the terminal
// state.
func (d *Driver) runStage(ctx context.Context, stage agents.Stage, in agents.StageInput) (string, bool) {
	name := stage.Name()
	ctx, span := d.tracer.Start(ctx, "workflow.stage."+name)
	defer span.End()

	d.streams.Publish(in.RunID, datatypes.ProgressEvent{
		AgentName: name,
		Status:    datatypes.StatusWorking,
		Input:     in.Input,
		Data:      fmt.Sprintf("%s stage started", name),
	})

	start := time.Now()
	out, err := stage.Invoke(ctx, in)
	elapsed := time.Since(start)

	if m := observability.DefaultMetrics; m != nil {
		m.RecordStageDuration(name, elapsed.Seconds(), err == nil)
	}

	if err != nil {
		slog.Error("Stage failed", "run_id", in.RunID, "stage", name,
			"duration", elapsed, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.streams.Publish(in.RunID, datatypes.ProgressEvent{
			AgentName: name,
			Status:    datatypes.StatusError,
			Data:      err.Error(),
		})
		return "", false
	}

	slog.Info("Stage completed", "run_id", in.RunID, "stage", name,
		"duration", elapsed, "output_bytes", len(out))
	d.streams.Publish(in.RunID, datatypes.ProgressEvent{
		AgentName: name,
		Status:    datatypes.StatusCompleted,
		Output:    out,
		Data:      fmt.Sprintf("%s stage finished", name),
	})
	return out, true
}

// publishSystem emits a pipeline-level event not tied to any one stage.
func (d *Driver) publishSystem(runID string, status datatypes.EventStatus, msg string) {
	d.streams.Publish(runID, datatypes.ProgressEvent{
		AgentName: datatypes.AgentSystem,
		Status:    status,
		Data:      msg,
	})
}
