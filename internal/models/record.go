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

package models

import "time"

// Level is the severity of a reasoning step.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// ReasoningStep is one entry of a record's ordered reasoning log.
type ReasoningStep struct {
	Seq      int            `json:"seq"`
	Step     string         `json:"step"`
	Level    Level          `json:"level"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
	At       time.Time      `json:"at"`
}

// ProcessingRecord is the audit trail of one pipeline run.
type ProcessingRecord struct {
	ID               string           `json:"id"`
	EmailID          string           `json:"email_id"`
	ConversationID   string           `json:"conversation_id,omitempty"`
	SenderName       string           `json:"sender_name,omitempty"`
	SenderAddress    string           `json:"sender_address"`
	Subject          string           `json:"subject"`
	ReceivedAt       time.Time        `json:"received_at"`
	BookingCount     int              `json:"booking_count"`
	CertificateCount int              `json:"certificate_count"`
	SensitivityFlags SensitivityFlags `json:"sensitivity_flags"`
	PreFilterReason  string           `json:"pre_filter_reason"`
	SkippedAnalysis  bool             `json:"skipped_analysis"`
	Category         string           `json:"category,omitempty"`
	Confidence       *float64         `json:"confidence,omitempty"`
	SuggestedAction  string           `json:"suggested_action,omitempty"`
	AnalysisError    string           `json:"analysis_error,omitempty"`
	Model            string           `json:"model,omitempty"`
	TokensUsed       int              `json:"tokens_used"`
	AnalysisLatency  time.Duration    `json:"analysis_latency"`
	Decision         Decision         `json:"decision"`
	ProcessingTime   time.Duration    `json:"processing_time"`
	Steps            []ReasoningStep  `json:"steps"`
	StartedAt        time.Time        `json:"started_at"`
	CompletedAt      time.Time        `json:"completed_at"`
	ResponseSent     bool             `json:"response_sent"`
	ResponseSentAt   *time.Time       `json:"response_sent_at,omitempty"`
}
