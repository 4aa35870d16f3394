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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFileMissingUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Thresholds != (Thresholds{High: 0.8, Moderate: 0.5, Low: 0.3}) {
		t.Errorf("thresholds = %+v, want defaults", cfg.Thresholds)
	}
	if cfg.Templates.Fallback != "general_acknowledgement" {
		t.Errorf("fallback = %q", cfg.Templates.Fallback)
	}
	if len(cfg.Sensitivity["escalation_language"]) == 0 {
		t.Error("expected default escalation phrases")
	}
}

func TestLoadFileYAMLAndExpansion(t *testing.T) {
	t.Setenv("TEST_TRIAGE_MODEL", "gpt-test")
	path := writeConfig(t, `
analysis:
  model: ${TEST_TRIAGE_MODEL}
  timeout: 5s
thresholds:
  high: 0.9
sensitivity:
  clinical-urgency: ["code blue"]
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Analysis.Model != "gpt-test" {
		t.Errorf("model = %q, want gpt-test", cfg.Analysis.Model)
	}
	if cfg.Analysis.Timeout != 5*time.Second {
		t.Errorf("timeout = %s", cfg.Analysis.Timeout)
	}
	if cfg.Thresholds.High != 0.9 || cfg.Thresholds.Moderate != 0.5 {
		t.Errorf("thresholds = %+v", cfg.Thresholds)
	}
	got := cfg.Sensitivity["clinical_urgency"]
	if len(got) != 1 || got[0] != "code blue" {
		t.Errorf("clinical_urgency phrases = %v", got)
	}
	if len(cfg.Sensitivity["complaint"]) == 0 {
		t.Error("default complaint phrases should survive a partial override")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONFIDENCE_THRESHOLD_HIGH", "0.95")
	t.Setenv("ANALYSIS_TIMEOUT", "3")
	t.Setenv("OPENAI_MODEL", "gpt-alias")
	t.Setenv("API_KEY", "secret")
	t.Setenv("PORT", "9090")

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Thresholds.High != 0.95 {
		t.Errorf("high = %v", cfg.Thresholds.High)
	}
	if cfg.Analysis.Timeout != 3*time.Second {
		t.Errorf("timeout = %s, want 3s", cfg.Analysis.Timeout)
	}
	if cfg.Analysis.Model != "gpt-alias" {
		t.Errorf("model = %q", cfg.Analysis.Model)
	}
	if cfg.Server.APIKey != "secret" || cfg.Server.Port != 9090 {
		t.Errorf("server = %+v", cfg.Server)
	}
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{name: "moderate equals high", yaml: "thresholds: {high: 0.6, moderate: 0.6, low: 0.3}"},
		{name: "moderate above high", yaml: "thresholds: {high: 0.5, moderate: 0.7, low: 0.3}"},
		{name: "low above moderate", yaml: "thresholds: {high: 0.9, moderate: 0.5, low: 0.6}"},
		{name: "threshold out of range", yaml: "thresholds: {high: 1.2, moderate: 0.5, low: 0.3}"},
		{name: "NaN threshold", yaml: "thresholds: {high: .nan, moderate: 0.5, low: 0.3}"},
		{name: "NaN threshold from env", env: map[string]string{"CONFIDENCE_THRESHOLD_HIGH": "NaN"}},
		{name: "empty model", yaml: "analysis: {model: \"\"}"},
		{name: "zero timeout", yaml: "analysis: {timeout: 0s}"},
		{name: "unknown provider", yaml: "analysis: {provider: watson}"},
		{name: "negative save retries", yaml: "database: {save_retries: -1}"},
		{name: "unknown flag", yaml: "sensitivity: {sarcasm: [\"sure\"]}"},
		{name: "bad regex", yaml: "prefilter: [{reason: x, field: subject, match: regex, patterns: [\"(\"]}]"},
		{name: "present on subject", yaml: "prefilter: [{reason: x, field: subject, match: present}]"},
		{name: "template rule kind", yaml: "templates: {fallback: g, rules: [{kind: escalate, category: c, template: t}]}"},
		{name: "unparseable env", env: map[string]string{"CONFIDENCE_THRESHOLD_LOW": "low"}},
		{name: "env ordering", env: map[string]string{"CONFIDENCE_THRESHOLD_MODERATE": "0.85"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeConfig(t, tt.yaml)
			_, err := LoadFile(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !IsConfigError(err) {
				t.Fatalf("error %v is not a configuration error", err)
			}
		})
	}
}

func TestValidateServer(t *testing.T) {
	cfg := Defaults()
	if err := cfg.ValidateServer(); err == nil {
		t.Fatal("expected missing API key error")
	}

	cfg.Server.APIKey = "k"
	cfg.Database.URL = "postgres://localhost/triage"
	if err := cfg.ValidateServer(); err != nil {
		t.Fatalf("ValidateServer() error = %v", err)
	}

	cfg.Database.Driver = "mysql"
	if err := cfg.ValidateServer(); !IsConfigError(err) {
		t.Fatalf("expected config error for unknown driver, got %v", err)
	}
}

func TestNormaliseCategory(t *testing.T) {
	tests := map[string]string{
		"Certificate Request": "certificate_request",
		"course-availability": "course_availability",
		"  general  enquiry ": "general_enquiry",
		"billing/payment":     "billing_payment",
	}
	for in, want := range tests {
		if got := NormaliseCategory(in); got != want {
			t.Errorf("NormaliseCategory(%q) = %q, want %q", in, got, want)
		}
	}
}
