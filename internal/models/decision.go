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

// AnalysisResult is the normalised output of the external analysis call.
type AnalysisResult struct {
	Category            string        `json:"category"`
	Confidence          float64       `json:"confidence"`
	SuggestedAction     string        `json:"suggested_action"`
	SenderFirstName     string        `json:"sender_first_name,omitempty"`
	RecommendedResponse string        `json:"recommended_response,omitempty"`
	IsNewEmail          bool          `json:"is_new_email"`
	TokensUsed          int           `json:"tokens_used"`
	Latency             time.Duration `json:"latency"`
	Model               string        `json:"model"`
}

// DecisionKind is the routing outcome for an email.
type DecisionKind string

const (
	KindAutoRespond DecisionKind = "auto_respond"
	KindInfoOnly    DecisionKind = "info_only"
	KindNoResponse  DecisionKind = "no_response"
	KindEscalate    DecisionKind = "escalate"
)

// Sends reports whether the kind results in an outgoing message.
func (k DecisionKind) Sends() bool {
	return k == KindAutoRespond || k == KindInfoOnly
}

// Priority orders human review work.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// HumanReview describes the manual follow-up attached to a decision.
// Suggested is set when review is optional but worth doing.
type HumanReview struct {
	Required  bool     `json:"required"`
	Suggested bool     `json:"suggested,omitempty"`
	Priority  Priority `json:"priority,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

// ActionType names a follow-up action for the delivery system.
type ActionType string

const (
	ActionSendEmail         ActionType = "send_email"
	ActionAttachCertificate ActionType = "attach_certificate"
	ActionCancelBooking     ActionType = "cancel_booking"
)

// Action is one follow-up step. Params carries references such as
// bookingId or certificateUrl once they are resolved from context.
type Action struct {
	Type   ActionType        `json:"type"`
	Params map[string]string `json:"params,omitempty"`
}

// Decision is the terminal artifact of a pipeline run.
type Decision struct {
	Kind        DecisionKind      `json:"kind"`
	Category    string            `json:"category,omitempty"`
	Confidence  *float64          `json:"confidence,omitempty"`
	ReasonCode  string            `json:"reason_code"`
	TemplateID  string            `json:"template_id,omitempty"`
	Subject     string            `json:"subject,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
	Actions     []Action          `json:"actions"`
	HumanReview HumanReview       `json:"human_review"`
}

// Clone returns a deep copy of d.
func (d Decision) Clone() Decision {
	out := d
	if d.Confidence != nil {
		c := *d.Confidence
		out.Confidence = &c
	}
	if d.Variables != nil {
		out.Variables = make(map[string]string, len(d.Variables))
		for k, v := range d.Variables {
			out.Variables[k] = v
		}
	}
	out.Actions = make([]Action, len(d.Actions))
	for i, a := range d.Actions {
		out.Actions[i] = Action{Type: a.Type}
		if a.Params != nil {
			out.Actions[i].Params = make(map[string]string, len(a.Params))
			for k, v := range a.Params {
				out.Actions[i].Params[k] = v
			}
		}
	}
	return out
}
