// Copyright (C) 2026 Opsmend Labs (dev@opsmend.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/opsmend/opsmend/services/orchestrator/agents"
	"github.com/opsmend/opsmend/services/orchestrator/learning"
	"github.com/opsmend/opsmend/services/orchestrator/stream"
	"github.com/opsmend/opsmend/services/orchestrator/workflow"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	// Set Gin to test mode to reduce noise in test output
	gin.SetMode(gin.TestMode)
}

// nopStage satisfies agents.Stage without doing anything.
type nopStage struct{ name string }

func (s nopStage) Name() string { return s.name }

func (s nopStage) Invoke(context.Context, agents.StageInput) (string, error) {
	return "", nil
}

type nopRemediation struct{ nopStage }

func (nopRemediation) Prompt(agents.StageInput) string { return "" }

func testRouter(t *testing.T) *gin.Engine {
	t.Helper()

	streams := stream.NewManager(0)
	store, err := learning.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	driver := workflow.NewDriver(workflow.Config{
		Streams:     streams,
		Store:       store,
		Monitoring:  nopStage{name: "Monitoring"},
		Analysis:    nopStage{name: "Analysis"},
		Remediation: nopRemediation{nopStage{name: "Remediation"}},
		Command:     nopStage{name: "Command"},
	})

	router := gin.New()
	SetupRoutes(router, driver, streams, store, nil, "")
	return router
}

// ============================================================================
// SetupRoutes Tests
// ============================================================================

func TestSetupRoutes_RegistersAllEndpoints(t *testing.T) {
	router := testRouter(t)

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"POST", "/v1/workflows/start"},
		{"GET", "/v1/workflows/:runId"},
		{"GET", "/v1/workflows/:runId/stream"},
		{"POST", "/v1/feedback/submit"},
		{"POST", "/v1/feedback/mcp-approval"},
		{"GET", "/v1/feedback/statistics"},
		{"GET", "/v1/feedback/top-examples"},
		{"GET", "/v1/feedback/improvements"},
		{"GET", "/v1/feedback/workflow/:runId"},
	}

	routes := router.Routes()
	for _, want := range expected {
		found := false
		for _, r := range routes {
			if r.Method == want.method && r.Path == want.path {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("route %s %s not registered", want.method, want.path)
		}
	}
}

func TestSetupRoutes_HealthResponds(t *testing.T) {
	router := testRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 from /health, got %d", w.Code)
	}
}

func TestSetupRoutes_UnknownRouteIs404(t *testing.T) {
	router := testRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/nope", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown route, got %d", w.Code)
	}
}

func TestSetupRoutes_NilLimiterAccepted(t *testing.T) {
	// A nil rate limiter must not panic route setup or request handling.
	router := testRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/feedback/statistics", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 from statistics, got %d", w.Code)
	}
}
