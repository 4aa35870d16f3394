// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/redi/triage/internal/config"
)

// GeminiProvider calls the Gemini API. The underlying client is shared;
// a model handle is built per call so concurrent prompts never share
// generation settings.
type GeminiProvider struct {
	client *genai.Client
}

// NewGeminiProvider creates a Gemini client from cfg.
func NewGeminiProvider(ctx context.Context, cfg config.AnalysisConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(cfg.BaseURL))
	}
	return NewGeminiProviderWithOptions(ctx, opts...)
}

// NewGeminiProviderWithOptions creates a Gemini client from raw client
// options, for custom endpoints and transports.
func NewGeminiProviderWithOptions(ctx context.Context, opts ...option.ClientOption) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiProvider{client: client}, nil
}

// Name implements Provider.
func (g *GeminiProvider) Name() string { return "gemini" }

// Close releases the client.
func (g *GeminiProvider) Close() error { return g.client.Close() }

// Complete implements Provider.
func (g *GeminiProvider) Complete(ctx context.Context, prompt Prompt) (*Completion, error) {
	model := g.client.GenerativeModel(prompt.Model)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(prompt.System)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr(float32(prompt.Temperature)),
	}
	if prompt.MaxTokens > 0 {
		model.GenerationConfig.MaxOutputTokens = genai.Ptr(int32(prompt.MaxTokens))
	}

	resp, err := model.GenerateContent(ctx, genai.Text(prompt.User))
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, malformed("empty response from gemini")
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	if b.Len() == 0 {
		return nil, malformed("gemini response has no text parts")
	}

	comp := &Completion{Text: b.String(), Model: prompt.Model}
	if resp.UsageMetadata != nil {
		comp.TokensUsed = int(resp.UsageMetadata.TotalTokenCount)
	}
	return comp, nil
}
