// Copyright (C) 2026 Opsmend Labs (dev@opsmend.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/opsmend/opsmend/services/orchestrator/handlers"
	"github.com/opsmend/opsmend/services/orchestrator/learning"
	"github.com/opsmend/opsmend/services/orchestrator/middleware"
	"github.com/opsmend/opsmend/services/orchestrator/stream"
	"github.com/opsmend/opsmend/services/orchestrator/workflow"
)

// SetupRoutes registers all orchestrator endpoints on the router.
// startLimiter may be nil to disable rate limiting on workflow starts;
// apiToken empty disables bearer authentication. Health and metrics stay
// unauthenticated so probes and scrapers keep working.
func SetupRoutes(router *gin.Engine, driver *workflow.Driver, streams *stream.Manager,
	store *learning.Store, startLimiter *rate.Limiter, apiToken string) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	workflowHandler := handlers.NewWorkflowHandler(driver, streams, startLimiter)
	feedbackHandler := handlers.NewFeedbackHandler(store)

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.BearerAuth(apiToken))
	{
		workflows := v1.Group("/workflows")
		{
			workflows.POST("/start", workflowHandler.StartWorkflow)
			workflows.GET("/:runId", workflowHandler.GetWorkflow)
			workflows.GET("/:runId/stream", workflowHandler.StreamWorkflow)
		}

		feedback := v1.Group("/feedback")
		{
			feedback.POST("/submit", feedbackHandler.SubmitFeedback)
			feedback.POST("/mcp-approval", feedbackHandler.ApprovalCallback)
			feedback.GET("/statistics", feedbackHandler.Statistics)
			feedback.GET("/top-examples", feedbackHandler.TopExamples)
			feedback.GET("/improvements", feedbackHandler.Improvements)
			feedback.GET("/workflow/:runId", feedbackHandler.WorkflowRecords)
		}
	}
}
