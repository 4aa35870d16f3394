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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redi/triage/internal/config"
	"github.com/redi/triage/internal/models"
)

// stubProvider returns a canned completion and records every prompt.
type stubProvider struct {
	mu      sync.Mutex
	text    string
	tokens  int
	err     error
	block   bool
	prompts []Prompt
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Complete(ctx context.Context, p Prompt) (*Completion, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, p)
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return &Completion{Text: s.text, TokensUsed: s.tokens}, nil
}

func (s *stubProvider) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func newTestClient(t *testing.T, p Provider, timeout time.Duration) *Client {
	t.Helper()
	cfg := config.Defaults().Analysis
	cfg.Model = "gpt-test"
	cfg.Timeout = timeout
	c, err := NewClient(p, cfg, config.Defaults().Categories)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func testEmail() *models.InboundEmail {
	return &models.InboundEmail{
		ID:       "msg-1",
		Sender:   models.Sender{Name: "Jane Citizen", Address: "jane@example.com"},
		Subject:  "Certificate",
		BodyText: "Please send my certificate",
		Context: models.Context{
			Certificates: []models.Certificate{{ID: "c1", Course: "ALS", Date: "2026-02-01"}},
		},
	}
}

func TestAnalyzeParsesAndNormalises(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		category string
		conf     float64
		action   string
	}{
		{
			name:     "plain json",
			text:     `{"category":"certificate_request","confidence":0.85,"action":"send_certificate","sender_first_name":"Jane"}`,
			category: "certificate_request",
			conf:     0.85,
			action:   "send_certificate",
		},
		{
			name:     "fenced json with enquiry_type",
			text:     "```json\n{\"enquiry_type\":\"Certificate Request\",\"confidence\":\"0.9\"}\n```",
			category: "certificate_request",
			conf:     0.9,
		},
		{
			name:     "clamped high",
			text:     `{"category":"cancellation","confidence":1.7,"action":"cancel"}`,
			category: "cancellation",
			conf:     1,
			action:   "cancel",
		},
		{
			name:     "clamped low",
			text:     `{"category":"general enquiry","confidence":-0.2}`,
			category: "general_enquiry",
			conf:     0,
		},
		{
			name:     "near miss category",
			text:     `{"category":"Course Dates","confidence":0.6}`,
			category: "course_availability",
			conf:     0.6,
		},
		{
			name:     "unknown category",
			text:     `{"category":"parking","confidence":0.6}`,
			category: CategoryOther,
			conf:     0.6,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &stubProvider{text: tt.text, tokens: 150}
			c := newTestClient(t, p, time.Second)

			got, err := c.Analyze(context.Background(), testEmail())
			if err != nil {
				t.Fatalf("Analyze() error = %v", err)
			}
			if got.Category != tt.category {
				t.Errorf("category = %q, want %q", got.Category, tt.category)
			}
			if got.Confidence != tt.conf {
				t.Errorf("confidence = %v, want %v", got.Confidence, tt.conf)
			}
			if got.SuggestedAction != tt.action {
				t.Errorf("action = %q, want %q", got.SuggestedAction, tt.action)
			}
			if got.TokensUsed != 150 || got.Model != "gpt-test" {
				t.Errorf("tokens=%d model=%q", got.TokensUsed, got.Model)
			}
			if p.calls() != 1 {
				t.Errorf("provider calls = %d, want 1", p.calls())
			}
		})
	}
}

func TestAnalyzeMalformed(t *testing.T) {
	tests := map[string]string{
		"not json":           "I think this is a certificate request",
		"empty":              "   ",
		"missing category":   `{"confidence":0.9}`,
		"blank category":     `{"category":"  ","confidence":0.9}`,
		"missing confidence": `{"category":"certificate_request"}`,
		"text confidence":    `{"category":"certificate_request","confidence":"high"}`,
		"array":              `[1,2,3]`,
	}
	for name, text := range tests {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, &stubProvider{text: text}, time.Second)
			_, err := c.Analyze(context.Background(), testEmail())
			if !IsKind(err, KindMalformed) {
				t.Fatalf("Analyze() error = %v, want malformed_response", err)
			}
		})
	}
}

func TestAnalyzeMalformedKeepsUsage(t *testing.T) {
	c := newTestClient(t, &stubProvider{text: `{"enquiry_type":"certificate_request"}`, tokens: 640}, time.Second)
	_, err := c.Analyze(context.Background(), testEmail())

	var aErr *Error
	if !errors.As(err, &aErr) || aErr.Kind != KindMalformed {
		t.Fatalf("Analyze() error = %v, want malformed_response", err)
	}
	if aErr.TokensUsed != 640 || aErr.Model != "gpt-test" {
		t.Errorf("tokens=%d model=%q, want 640 gpt-test", aErr.TokensUsed, aErr.Model)
	}
}

func TestAnalyzeTimeoutNoRetry(t *testing.T) {
	p := &stubProvider{block: true}
	c := newTestClient(t, p, 20*time.Millisecond)

	_, err := c.Analyze(context.Background(), testEmail())
	if !IsKind(err, KindTimeout) {
		t.Fatalf("Analyze() error = %v, want timeout", err)
	}
	var aErr *Error
	if !errors.As(err, &aErr) || aErr.Latency <= 0 {
		t.Errorf("latency not recorded: %+v", aErr)
	}
	if p.calls() != 1 {
		t.Errorf("provider calls = %d, want exactly 1", p.calls())
	}
}

func TestAnalyzeProviderError(t *testing.T) {
	p := &stubProvider{err: errors.New("connection refused")}
	c := newTestClient(t, p, time.Second)

	_, err := c.Analyze(context.Background(), testEmail())
	if !IsKind(err, KindProvider) {
		t.Fatalf("Analyze() error = %v, want provider_error", err)
	}
	if p.calls() != 1 {
		t.Errorf("provider calls = %d, want 1", p.calls())
	}
}

func TestAnalyzeParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestClient(t, &stubProvider{block: true}, time.Second)
	_, err := c.Analyze(ctx, testEmail())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Analyze() error = %v, want context.Canceled", err)
	}
	var aErr *Error
	if errors.As(err, &aErr) {
		t.Error("cancellation must not be reported as an analysis error")
	}
}

func TestPromptCarriesContext(t *testing.T) {
	p := &stubProvider{text: `{"category":"other","confidence":0.1}`}
	c := newTestClient(t, p, time.Second)
	if _, err := c.Analyze(context.Background(), testEmail()); err != nil {
		t.Fatal(err)
	}

	got := p.prompts[0]
	if got.Model != "gpt-test" {
		t.Errorf("model = %q", got.Model)
	}
	for _, want := range []string{"jane@example.com", "Please send my certificate", `"course": "ALS"`, "Completed Certificates (1)"} {
		if !strings.Contains(got.User, want) {
			t.Errorf("user prompt missing %q:\n%s", want, got.User)
		}
	}
	if !strings.Contains(got.System, "certificate_request") {
		t.Error("system prompt should list known categories")
	}
}

func TestNewClientSystemPromptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.txt")
	if err := os.WriteFile(path, []byte("custom instructions"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := config.Defaults().Analysis
	cfg.SystemPromptPath = path
	p := &stubProvider{text: `{"category":"other","confidence":0.1}`}
	c, err := NewClient(p, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Analyze(context.Background(), testEmail()); err != nil {
		t.Fatal(err)
	}
	if p.prompts[0].System != "custom instructions" {
		t.Errorf("system = %q", p.prompts[0].System)
	}
}

func TestStripFences(t *testing.T) {
	tests := map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\n{\"a\":1}```":       `{"a":1}`,
		"```{\"a\":1}```":         `{"a":1}`,
		`  {"a":1}  `:             `{"a":1}`,
	}
	for in, want := range tests {
		if got := stripFences(in); got != want {
			t.Errorf("stripFences(%q) = %q, want %q", in, got, want)
		}
	}
}
