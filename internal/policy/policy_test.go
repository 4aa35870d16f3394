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

package policy

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"

	"github.com/redi/triage/internal/config"
	"github.com/redi/triage/internal/models"
	"github.com/redi/triage/internal/prefilter"
)

func defaultPolicy(t *testing.T) Policy {
	t.Helper()
	d := config.Defaults()
	p, err := New(d.Thresholds, d.ReviewBand)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

var passThrough = prefilter.Outcome{Kind: prefilter.PassThrough, Reason: prefilter.ReasonNone}

func analysed(conf float64, category, action string) Input {
	return Input{
		PreFilter: passThrough,
		Flags:     models.SensitivityFlags{},
		Analysis:  &models.AnalysisResult{Category: category, Confidence: conf, SuggestedAction: action},
	}
}

func actionTypes(d models.Decision) []models.ActionType {
	out := []models.ActionType{}
	for _, a := range d.Actions {
		out = append(out, a.Type)
	}
	return out
}

func TestEvaluateRules(t *testing.T) {
	p := defaultPolicy(t)

	tests := []struct {
		name     string
		in       Input
		kind     models.DecisionKind
		reason   string
		review   models.HumanReview
		actions  []models.ActionType
		category string
	}{
		{
			name: "escalation language is high priority",
			in: Input{
				PreFilter: prefilter.Outcome{Kind: prefilter.ShortCircuit, Escalate: true},
				Flags:     models.NewSensitivityFlags(models.FlagComplaint, models.FlagEscalationLanguage),
			},
			kind:    models.KindEscalate,
			reason:  ReasonSensitive,
			review:  models.HumanReview{Required: true, Priority: models.PriorityHigh, Reason: "sensitive content: complaint, escalation_language"},
			actions: []models.ActionType{},
		},
		{
			name: "clinical urgency is high priority",
			in:      Input{Flags: models.NewSensitivityFlags(models.FlagClinicalUrgency)},
			kind:    models.KindEscalate,
			reason:  ReasonSensitive,
			review:  models.HumanReview{Required: true, Priority: models.PriorityHigh, Reason: "sensitive content: clinical_urgency"},
			actions: []models.ActionType{},
		},
		{
			name: "financial dispute is normal priority even with high confidence",
			in: Input{
				Flags:    models.NewSensitivityFlags(models.FlagFinancialDispute),
				Analysis: &models.AnalysisResult{Category: "cancellation", Confidence: 0.99},
			},
			kind:     models.KindEscalate,
			reason:   ReasonSensitive,
			review:   models.HumanReview{Required: true, Priority: models.PriorityNormal, Reason: "sensitive content: financial_dispute"},
			actions:  []models.ActionType{},
			category: "cancellation",
		},
		{
			name: "pre-filtered",
			in: Input{
				PreFilter: prefilter.Outcome{Kind: prefilter.ShortCircuit, Reason: "system_notification", Category: "system_generated"},
			},
			kind:     models.KindNoResponse,
			reason:   "pre_filtered:system_notification",
			actions:  []models.ActionType{},
			category: "system_generated",
		},
		{
			name: "analysis failed",
			in: Input{
				PreFilter:   passThrough,
				AnalysisErr: errors.New("timeout"),
			},
			kind:    models.KindNoResponse,
			reason:  ReasonAnalysisFailed,
			review:  models.HumanReview{Required: true, Priority: models.PriorityNormal, Reason: "analysis failed"},
			actions: []models.ActionType{},
		},
		{
			name:    "analysis missing",
			in:      Input{PreFilter: passThrough},
			kind:    models.KindNoResponse,
			reason:  ReasonAnalysisFailed,
			review:  models.HumanReview{Required: true, Priority: models.PriorityNormal, Reason: "analysis failed"},
			actions: []models.ActionType{},
		},
		{
			name:     "high confidence certificate",
			in:       analysed(0.85, "certificate_request", ""),
			kind:     models.KindAutoRespond,
			reason:   ReasonHighConfidence,
			actions:  []models.ActionType{models.ActionSendEmail, models.ActionAttachCertificate},
			category: "certificate_request",
		},
		{
			name:     "high confidence at threshold with cancel action",
			in:       analysed(0.8, "booking_enquiry", "cancel"),
			kind:     models.KindAutoRespond,
			reason:   ReasonHighConfidence,
			actions:  []models.ActionType{models.ActionSendEmail, models.ActionCancelBooking},
			category: "booking_enquiry",
		},
		{
			name:     "explicit none suppresses category action",
			in:       analysed(0.9, "cancellation", "none"),
			kind:     models.KindAutoRespond,
			reason:   ReasonHighConfidence,
			actions:  []models.ActionType{models.ActionSendEmail},
			category: "cancellation",
		},
		{
			name:     "moderate confidence",
			in:       analysed(0.6, "certificate_request", "send_certificate"),
			kind:     models.KindInfoOnly,
			reason:   ReasonModerateConfidence,
			actions:  []models.ActionType{models.ActionSendEmail},
			category: "certificate_request",
		},
		{
			name:     "review band",
			in:       analysed(0.3, "general_enquiry", ""),
			kind:     models.KindNoResponse,
			reason:   ReasonReviewBand,
			review:   models.HumanReview{Suggested: true, Priority: models.PriorityLow, Reason: "confidence below moderate threshold"},
			actions:  []models.ActionType{},
			category: "general_enquiry",
		},
		{
			name:     "below low",
			in:       analysed(0.29, "other", ""),
			kind:     models.KindNoResponse,
			reason:   ReasonLowConfidence,
			review:   models.HumanReview{Required: true, Priority: models.PriorityNormal, Reason: "low confidence"},
			actions:  []models.ActionType{},
			category: "other",
		},
		{
			name:     "out of range confidence is clamped",
			in:       analysed(1.7, "course_availability", ""),
			kind:     models.KindAutoRespond,
			reason:   ReasonHighConfidence,
			actions:  []models.ActionType{models.ActionSendEmail},
			category: "course_availability",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Evaluate(tt.in)
			if got.Kind != tt.kind {
				t.Errorf("kind = %s, want %s", got.Kind, tt.kind)
			}
			if got.ReasonCode != tt.reason {
				t.Errorf("reason = %q, want %q", got.ReasonCode, tt.reason)
			}
			if got.HumanReview != tt.review {
				t.Errorf("review = %+v, want %+v", got.HumanReview, tt.review)
			}
			if !reflect.DeepEqual(actionTypes(got), tt.actions) {
				t.Errorf("actions = %v, want %v", actionTypes(got), tt.actions)
			}
			if got.Category != tt.category {
				t.Errorf("category = %q, want %q", got.Category, tt.category)
			}
			if got.Confidence != nil && (*got.Confidence < 0 || *got.Confidence > 1) {
				t.Errorf("confidence %v out of range", *got.Confidence)
			}
		})
	}
}

func TestReviewBandConfigurable(t *testing.T) {
	d := config.Defaults()
	p, err := New(d.Thresholds, config.ReviewBand{Required: true, Priority: "normal", Reason: "needs a look"})
	if err != nil {
		t.Fatal(err)
	}
	got := p.Evaluate(analysed(0.4, "general_enquiry", "")).HumanReview
	want := models.HumanReview{Required: true, Priority: models.PriorityNormal, Reason: "needs a look"}
	if got != want {
		t.Errorf("review = %+v, want %+v", got, want)
	}
}

func TestCustomThresholds(t *testing.T) {
	p, err := New(config.Thresholds{High: 0.95, Moderate: 0.7, Low: 0.4}, config.Defaults().ReviewBand)
	if err != nil {
		t.Fatal(err)
	}
	if got := p.Evaluate(analysed(0.9, "certificate_request", "")).Kind; got != models.KindInfoOnly {
		t.Errorf("kind = %s, want info_only under stricter thresholds", got)
	}
}

func TestNewRejectsBadThresholds(t *testing.T) {
	_, err := New(config.Thresholds{High: 0.5, Moderate: 0.5, Low: 0.3}, config.ReviewBand{})
	if !config.IsConfigError(err) {
		t.Fatalf("New() error = %v, want configuration error", err)
	}
}

func randomInput(r *rand.Rand) Input {
	in := Input{PreFilter: passThrough}
	if r.Intn(3) == 0 {
		n := 1 + r.Intn(3)
		var flags []models.SensitivityFlag
		for i := 0; i < n; i++ {
			flags = append(flags, models.AllSensitivityFlags[r.Intn(len(models.AllSensitivityFlags))])
		}
		in.Flags = models.NewSensitivityFlags(flags...)
		in.PreFilter = prefilter.Outcome{Kind: prefilter.ShortCircuit, Escalate: true, Flags: in.Flags}
	} else if r.Intn(4) == 0 {
		in.PreFilter = prefilter.Outcome{Kind: prefilter.ShortCircuit, Reason: "out_of_office", Category: "system_generated"}
	}
	switch r.Intn(4) {
	case 0:
		in.AnalysisErr = errors.New("boom")
	case 1:
	default:
		in.Analysis = &models.AnalysisResult{
			Category:   "certificate_request",
			Confidence: r.Float64()*2 - 0.5,
		}
	}
	return in
}

func TestEvaluateProperties(t *testing.T) {
	p := defaultPolicy(t)
	r := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		in := randomInput(r)
		got := p.Evaluate(in)

		if got.Kind == models.KindAutoRespond {
			if !in.Flags.Empty() || in.PreFilter.ShortCircuited() || in.Analysis == nil || in.AnalysisErr != nil {
				t.Fatalf("case %d: auto-respond with input %+v", i, in)
			}
			if clamp(in.Analysis.Confidence) < p.Thresholds.High {
				t.Fatalf("case %d: auto-respond below high threshold", i)
			}
		}
		if !in.Flags.Empty() {
			if got.Kind != models.KindEscalate || !got.HumanReview.Required {
				t.Fatalf("case %d: flags %v produced %+v", i, in.Flags, got)
			}
		}
		if !got.Kind.Sends() && got.Kind != models.KindEscalate && len(got.Actions) != 0 {
			t.Fatalf("case %d: %s carries actions", i, got.Kind)
		}

		// Idempotence.
		if again := p.Evaluate(in); !reflect.DeepEqual(got, again) {
			t.Fatalf("case %d: repeated evaluation differs: %+v vs %+v", i, got, again)
		}
	}
}
