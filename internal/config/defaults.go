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
	"time"

	"github.com/redi/triage/internal/models"
)

// Defaults returns a Config populated with the built-in tables. The returned
// value is a fresh copy and may be modified freely.
func Defaults() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:      "postgres",
			MaxConns:    10,
			SaveTimeout: 10 * time.Second,
			SaveRetries: 2,
		},
		Redis: RedisConfig{
			ThreadTTL:      30 * 24 * time.Hour,
			ResponsesQueue: "triage:responses",
		},
		Analysis: AnalysisConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			Temperature: 0.3,
			MaxTokens:   800,
			Timeout:     20 * time.Second,
			MaxConns:    16,
		},
		Thresholds: Thresholds{High: 0.8, Moderate: 0.5, Low: 0.3},
		ReviewBand: ReviewBand{
			Required: false,
			Priority: string(models.PriorityLow),
			Reason:   "confidence below moderate threshold",
		},
		Sensitivity: defaultSensitivity(),
		Prefilter:   defaultPrefilter(),
		Templates:   defaultTemplates(),
		Categories:  append([]string(nil), defaultCategories...),
	}
}

var defaultCategories = []string{
	"certificate_request",
	"cancellation",
	"course_availability",
	"booking_enquiry",
	"course_information",
	"general_enquiry",
	"system_generated",
	"spam",
	"other",
}

func defaultSensitivity() map[string][]string {
	return map[string][]string{
		string(models.FlagComplaint): {
			"complaint", "unhappy", "disappointed", "unacceptable",
			"poor", "terrible", "inadequate", "frustrated", "angry",
		},
		string(models.FlagClinicalUrgency): {
			"urgent", "emergency", "asap", "immediately", "critical",
			"code blue", "cardiac arrest", "patient emergency",
		},
		string(models.FlagFinancialDispute): {
			"refund", "payment issue", "billing error", "charged incorrectly",
			"invoice problem", "charged twice", "incorrect charge",
		},
		string(models.FlagEscalationLanguage): {
			"speak to manager", "speak to a manager", "supervisor", "escalate", "escalate to",
			"legal action", "solicitor", "ombudsman", "formal complaint", "take this further",
		},
		string(models.FlagHRWorkplace): {
			"harassment", "discrimination", "bullying", "incident report",
			"unsafe workplace", "concern about staff", "inappropriate behavior", "inappropriate behaviour",
		},
		string(models.FlagPersonalCrisis): {
			"deceased", "bereavement", "death in family", "death in the family", "funeral",
			"serious illness", "medical emergency", "family crisis",
		},
	}
}

func defaultPrefilter() []PrefilterRule {
	return []PrefilterRule{
		{
			Reason: "out_of_office", Category: "system_generated",
			Field: "subject", Match: "contains",
			Patterns: []string{"out of office", "automatic reply", "autoreply", "out of the office"},
		},
		{
			Reason: "system_notification", Category: "system_generated",
			Field: "sender", Match: "contains",
			Patterns: []string{"noreply@", "donotreply@", "no-reply@", "mailer-daemon"},
		},
		{
			Reason: "delivery_failure", Category: "system_generated",
			Field: "subject", Match: "contains",
			Patterns: []string{"undeliverable", "delivery status notification", "returned mail", "mail delivery failed"},
		},
		{
			Reason: "spam_marketing", Category: "spam",
			Field: "body", Match: "contains",
			Patterns: []string{"unsubscribe", "click here to buy", "limited time offer", "act now"},
		},
		{
			Reason: "spam_marketing", Category: "spam",
			Field: "sender", Match: "contains",
			Patterns: []string{"marketing@", "newsletter@", "promo@"},
		},
		{
			Reason: "automated_message", Category: "system_generated",
			Field: "header", Header: "Auto-Submitted", Match: "regex",
			Patterns: []string{`^auto-`},
		},
		{
			Reason: "automated_message", Category: "system_generated",
			Field: "header", Header: "Precedence", Match: "regex",
			Patterns: []string{`^(bulk|junk|list)$`},
		},
		{
			Reason: "automated_message", Category: "system_generated",
			Field: "header", Header: "X-Autoreply", Match: "present",
		},
	}
}

func defaultTemplates() TemplateConfig {
	return TemplateConfig{
		Fallback: "general_acknowledgement",
		Rules: []TemplateRule{
			{Kind: "auto_respond", Category: "certificate_request", Template: "certificate_found", Requires: "certificate", Otherwise: "certificate_not_found"},
			{Kind: "auto_respond", Category: "cancellation", Template: "cancellation_confirmed", Requires: "booking", Otherwise: "course_availability"},
			{Kind: "auto_respond", Category: "course_availability", Template: "course_availability"},
			{Kind: "auto_respond", Category: "booking_enquiry", Template: "course_availability"},
			{Kind: "auto_respond", Category: "course_information", Template: "course_availability"},
			{Kind: "info_only", Category: "certificate_request", Template: "certificate_enquiry_received"},
			{Kind: "info_only", Category: "cancellation", Template: "cancellation_request_received"},
			{Kind: "info_only", Category: "course_availability", Template: "course_availability"},
			{Kind: "info_only", Category: "booking_enquiry", Template: "course_availability"},
			{Kind: "info_only", Category: "general_enquiry", Template: "general_acknowledgement"},
		},
	}
}
