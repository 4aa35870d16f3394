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

// Package analysis wraps the single external categorisation call made for
// each email that passes the pre-filter.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redi/triage/internal/config"
	"github.com/redi/triage/internal/models"
)

// CategoryOther is used for labels outside the known set.
const CategoryOther = "other"

// categoryHints maps label fragments onto known categories when the
// provider returns a near miss such as "certificate" or "cancel booking".
var categoryHints = []struct{ fragment, category string }{
	{"certificate", "certificate_request"},
	{"cancel", "cancellation"},
	{"availability", "course_availability"},
	{"dates", "course_availability"},
	{"booking", "booking_enquiry"},
	{"course", "course_information"},
	{"general", "general_enquiry"},
	{"enquiry", "general_enquiry"},
	{"inquiry", "general_enquiry"},
}

// Client issues one analysis call per email with a bounded timeout. It holds
// no mutable state and is safe for concurrent use.
type Client struct {
	provider    Provider
	model       string
	system      string
	temperature float64
	maxTokens   int
	timeout     time.Duration
	known       map[string]bool
}

// NewClient builds a Client. categories is the known category set; when
// cfg.SystemPromptPath is set the instructions are read from that file.
func NewClient(provider Provider, cfg config.AnalysisConfig, categories []string) (*Client, error) {
	if provider == nil {
		return nil, errors.New("analysis provider is required")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("analysis timeout must be positive, got %s", cfg.Timeout)
	}

	known := make(map[string]bool, len(categories)+1)
	for _, c := range categories {
		known[config.NormaliseCategory(c)] = true
	}
	known[CategoryOther] = true

	system := defaultSystemPrompt(categories)
	if cfg.SystemPromptPath != "" {
		data, err := os.ReadFile(cfg.SystemPromptPath)
		if err != nil {
			return nil, fmt.Errorf("read system prompt: %w", err)
		}
		system = string(data)
	}

	return &Client{
		provider:    provider,
		model:       cfg.Model,
		system:      system,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		known:       known,
	}, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

// Analyze makes exactly one provider call. Failures are returned as *Error;
// cancellation of ctx itself is returned as ctx.Err().
func (c *Client) Analyze(ctx context.Context, email *models.InboundEmail) (*models.AnalysisResult, error) {
	user, err := buildUserPrompt(email)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	comp, err := c.provider.Complete(callCtx, Prompt{
		Model:       c.model,
		System:      c.system,
		User:        user,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	latency := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e := classify(callCtx, err, c.timeout, latency)
		if e.Model == "" {
			e.Model = c.model
		}
		return nil, e
	}
	if comp == nil {
		return nil, &Error{Kind: KindProvider, Message: "provider returned no completion", Model: c.model, Latency: latency}
	}

	model := comp.Model
	if model == "" {
		model = c.model
	}

	result, perr := c.parse(comp.Text)
	if perr != nil {
		perr.Model = model
		perr.TokensUsed = comp.TokensUsed
		perr.Latency = latency
		slog.Warn("malformed analysis response",
			"email_id", email.ID,
			"provider", c.provider.Name(),
			"tokens", comp.TokensUsed,
			"error", perr.Message,
		)
		return nil, perr
	}

	result.TokensUsed = comp.TokensUsed
	result.Latency = latency
	result.Model = model
	return result, nil
}

func classify(callCtx context.Context, err error, timeout, latency time.Duration) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: fmt.Sprintf("no response within %s", timeout), Latency: latency, Err: err}
	}
	var aErr *Error
	if errors.As(err, &aErr) {
		out := *aErr
		out.Latency = latency
		return &out
	}
	return &Error{Kind: KindProvider, Message: "provider call failed", Latency: latency, Err: err}
}

type rawResult struct {
	Category            *string `json:"category"`
	EnquiryType         *string `json:"enquiry_type"`
	Confidence          any     `json:"confidence"`
	Action              string  `json:"action"`
	SuggestedAction     string  `json:"suggested_action"`
	SenderFirstName     string  `json:"sender_first_name"`
	RecommendedResponse string  `json:"recommended_response"`
	IsNewEmail          *bool   `json:"is_new_email"`
}

func (c *Client) parse(text string) (*models.AnalysisResult, *Error) {
	body := stripFences(text)
	if body == "" {
		return nil, malformed("empty response")
	}

	var raw rawResult
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, &Error{Kind: KindMalformed, Message: "response is not a JSON object", Err: err}
	}

	label := ""
	switch {
	case raw.Category != nil && strings.TrimSpace(*raw.Category) != "":
		label = *raw.Category
	case raw.EnquiryType != nil && strings.TrimSpace(*raw.EnquiryType) != "":
		label = *raw.EnquiryType
	default:
		return nil, malformed("missing category")
	}

	conf, err := parseConfidence(raw.Confidence)
	if err != nil {
		return nil, malformed("%v", err)
	}

	action := raw.SuggestedAction
	if action == "" {
		action = raw.Action
	}

	isNew := true
	if raw.IsNewEmail != nil {
		isNew = *raw.IsNewEmail
	}

	return &models.AnalysisResult{
		Category:            c.normaliseCategory(label),
		Confidence:          clamp(conf),
		SuggestedAction:     config.NormaliseCategory(action),
		SenderFirstName:     strings.TrimSpace(raw.SenderFirstName),
		RecommendedResponse: raw.RecommendedResponse,
		IsNewEmail:          isNew,
	}, nil
}

func (c *Client) normaliseCategory(label string) string {
	norm := config.NormaliseCategory(label)
	if c.known[norm] {
		return norm
	}
	for _, h := range categoryHints {
		if strings.Contains(norm, h.fragment) && c.known[h.category] {
			return h.category
		}
	}
	return CategoryOther
}

func parseConfidence(v any) (float64, error) {
	var f float64
	switch t := v.(type) {
	case nil:
		return 0, errors.New("missing confidence")
	case float64:
		f = t
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("confidence %q is not a number", t)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("confidence has type %T", v)
	}
	if math.IsNaN(f) {
		return 0, errors.New("confidence is NaN")
	}
	return f, nil
}

func clamp(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}

// stripFences removes a surrounding markdown code fence, if any.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.Contains(s[:nl], "{") {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
