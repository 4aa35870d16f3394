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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redi/triage/internal/config"
)

func TestOpenAIProviderComplete(t *testing.T) {
	var gotReq chatRequest
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model": "gpt-test-2026",
			"choices": [{"message": {"role": "assistant", "content": "{\"category\":\"certificate_request\",\"confidence\":1.7}"}}],
			"usage": {"total_tokens": 412}
		}`))
	}))
	defer server.Close()

	p := NewOpenAIProviderWithClient(server.Client(), server.URL+"/", "sk-test")
	c := newTestClient(t, p, time.Second)

	res, err := c.Analyze(context.Background(), testEmail())
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if res.Confidence != 1 {
		t.Errorf("confidence = %v, want clamped 1", res.Confidence)
	}
	if res.TokensUsed != 412 || res.Model != "gpt-test-2026" {
		t.Errorf("tokens=%d model=%q", res.TokensUsed, res.Model)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotReq.Model != "gpt-test" || len(gotReq.Messages) != 2 || gotReq.ResponseFormat["type"] != "json_object" {
		t.Errorf("request = %+v", gotReq)
	}
}

func TestOpenAIProviderHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := newTestClient(t, NewOpenAIProviderWithClient(server.Client(), server.URL, ""), time.Second)
	_, err := c.Analyze(context.Background(), testEmail())
	if !IsKind(err, KindProvider) {
		t.Fatalf("Analyze() error = %v, want provider_error", err)
	}
}

func TestOpenAIProviderNoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": [], "usage": {"total_tokens": 37}}`))
	}))
	defer server.Close()

	c := newTestClient(t, NewOpenAIProviderWithClient(server.Client(), server.URL, ""), time.Second)
	_, err := c.Analyze(context.Background(), testEmail())
	var aErr *Error
	if !errors.As(err, &aErr) || aErr.Kind != KindMalformed {
		t.Fatalf("Analyze() error = %v, want malformed_response", err)
	}
	if aErr.TokensUsed != 37 || aErr.Model != "gpt-test" {
		t.Errorf("tokens=%d model=%q", aErr.TokensUsed, aErr.Model)
	}
}

func TestOpenAIProviderTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	c := newTestClient(t, NewOpenAIProviderWithClient(server.Client(), server.URL, ""), 50*time.Millisecond)
	_, err := c.Analyze(context.Background(), testEmail())
	if !IsKind(err, KindTimeout) {
		t.Fatalf("Analyze() error = %v, want timeout", err)
	}
}

func TestOpenAIProviderOAuth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-123","token_type":"Bearer","expires_in":3600}`))
	})
	var gotAuth string
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"category\":\"other\",\"confidence\":0.2}"}}]}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := config.Defaults().Analysis
	cfg.BaseURL = server.URL
	cfg.APIKey = "ignored-when-oauth"
	cfg.OAuth = config.OAuthConfig{TokenURL: server.URL + "/token", ClientID: "id", ClientSecret: "secret"}

	c := newTestClient(t, NewOpenAIProvider(context.Background(), cfg), time.Second)
	if _, err := c.Analyze(context.Background(), testEmail()); err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("authorization = %q, want client-credentials token", gotAuth)
	}
}

func TestNewProviderUnknown(t *testing.T) {
	cfg := config.Defaults().Analysis
	cfg.Provider = "watson"
	if _, err := NewProvider(context.Background(), cfg); err == nil {
		t.Fatal("expected error")
	}
}
