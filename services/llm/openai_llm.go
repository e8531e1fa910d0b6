// Copyright (C) 2026 Opsmend Labs (dev@opsmend.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const systemPrompt = "You are an SRE assistant diagnosing and remediating " +
	"Kubernetes incidents. Be precise and conservative."

// OpenAIClient generates text through any OpenAI-compatible endpoint.
// Pointing OPENAI_BASE_URL at a local server (vLLM, Ollama's compat API)
// switches backends without code changes.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient builds a client from the environment.
//
// # Description
//
// Reads OPENAI_API_KEY (falling back to the container secret at
// /run/secrets/openai_api_key), OPENAI_BASE_URL for compatible local
// backends, and LLM_MODEL_NAME for the model.
func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	baseURL := os.Getenv("OPENAI_BASE_URL")
	model := os.Getenv("LLM_MODEL_NAME")

	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API key from container secrets")
		} else if baseURL == "" {
			slog.Error("OPENAI_API_KEY not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		} else {
			// Local compatible backends usually accept any key.
			apiKey = "local"
		}
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("LLM_MODEL_NAME not set, defaulting to gpt-4o-mini")
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	slog.Info("Initializing LLM client", "model", model, "base_url", baseURL)
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}, nil
}

// Generate implements the LLMClient interface.
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	slog.Debug("Generating text", "model", o.model)
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Error("LLM API call failed", "error", err)
		return "", fmt.Errorf("LLM API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("LLM returned no choices")
		return "", fmt.Errorf("LLM returned no choices")
	}
	slog.Debug("Received LLM response", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}
