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

// Package policy turns pre-filter, sensitivity and analysis outcomes into a
// routing Decision. Evaluate is a pure function of its input and the
// configured thresholds.
package policy

import (
	"math"
	"strings"

	"github.com/redi/triage/internal/config"
	"github.com/redi/triage/internal/models"
	"github.com/redi/triage/internal/prefilter"
)

// Reason codes carried on Decision.ReasonCode.
const (
	ReasonSensitive          = "sensitive_content"
	ReasonPreFiltered        = "pre_filtered"
	ReasonAnalysisFailed     = "analysis_failed"
	ReasonHighConfidence     = "high_confidence"
	ReasonModerateConfidence = "moderate_confidence"
	ReasonReviewBand         = "below_moderate_confidence"
	ReasonLowConfidence      = "low_confidence"
)

// Human review reasons.
const (
	ReviewAnalysisFailed = "analysis failed"
	ReviewLowConfidence  = "low confidence"
)

// Suggested actions understood by the policy.
const (
	ActionSendCertificate = "send_certificate"
	ActionCancel          = "cancel"
)

// Input is everything a Decision depends on besides configuration.
// Analysis is nil when analysis was skipped or failed.
type Input struct {
	PreFilter   prefilter.Outcome
	Flags       models.SensitivityFlags
	Analysis    *models.AnalysisResult
	AnalysisErr error
}

// Policy holds the injected thresholds and review-band taxonomy.
type Policy struct {
	Thresholds config.Thresholds
	ReviewBand config.ReviewBand
}

// New validates thresholds and returns a Policy.
func New(t config.Thresholds, band config.ReviewBand) (Policy, error) {
	if err := t.Validate(); err != nil {
		return Policy{}, err
	}
	if band.Priority == "" {
		band.Priority = string(models.PriorityLow)
	}
	return Policy{Thresholds: t, ReviewBand: band}, nil
}

// Evaluate applies the routing rules in priority order.
func (p Policy) Evaluate(in Input) models.Decision {
	flags := models.NewSensitivityFlags(append(append([]models.SensitivityFlag{}, in.Flags...), in.PreFilter.Flags...)...)

	// 1. Sensitive content always escalates.
	if !flags.Empty() || in.PreFilter.Escalate {
		return models.Decision{
			Kind:       models.KindEscalate,
			Category:   analysisCategory(in),
			ReasonCode: ReasonSensitive,
			Actions:    []models.Action{},
			HumanReview: models.HumanReview{
				Required: true,
				Priority: escalationPriority(flags),
				Reason:   "sensitive content: " + strings.Join(flags.Strings(), ", "),
			},
		}
	}

	// 2. Non-actionable message.
	if in.PreFilter.ShortCircuited() {
		return models.Decision{
			Kind:       models.KindNoResponse,
			Category:   in.PreFilter.Category,
			ReasonCode: ReasonPreFiltered + ":" + in.PreFilter.Reason,
			Actions:    []models.Action{},
		}
	}

	// 3. A failed or missing analysis never auto-responds.
	if in.AnalysisErr != nil || in.Analysis == nil {
		return models.Decision{
			Kind:       models.KindNoResponse,
			ReasonCode: ReasonAnalysisFailed,
			Actions:    []models.Action{},
			HumanReview: models.HumanReview{
				Required: true,
				Priority: models.PriorityNormal,
				Reason:   ReviewAnalysisFailed,
			},
		}
	}

	conf := clamp(in.Analysis.Confidence)
	d := models.Decision{
		Category:   in.Analysis.Category,
		Confidence: &conf,
		Actions:    []models.Action{},
	}

	switch t := p.Thresholds; {
	case conf >= t.High:
		d.Kind = models.KindAutoRespond
		d.ReasonCode = ReasonHighConfidence
		d.Actions = autoRespondActions(in.Analysis)
	case conf >= t.Moderate:
		d.Kind = models.KindInfoOnly
		d.ReasonCode = ReasonModerateConfidence
		d.Actions = []models.Action{{Type: models.ActionSendEmail}}
	case conf >= t.Low:
		d.Kind = models.KindNoResponse
		d.ReasonCode = ReasonReviewBand
		d.HumanReview = models.HumanReview{
			Required:  p.ReviewBand.Required,
			Suggested: !p.ReviewBand.Required,
			Priority:  models.Priority(p.ReviewBand.Priority),
			Reason:    p.ReviewBand.Reason,
		}
	default:
		d.Kind = models.KindNoResponse
		d.ReasonCode = ReasonLowConfidence
		d.HumanReview = models.HumanReview{
			Required: true,
			Priority: models.PriorityNormal,
			Reason:   ReviewLowConfidence,
		}
	}
	return d
}

func autoRespondActions(res *models.AnalysisResult) []models.Action {
	actions := []models.Action{{Type: models.ActionSendEmail}}
	action := res.SuggestedAction
	explicit := action != ""

	if action == ActionSendCertificate || (!explicit && res.Category == "certificate_request") {
		actions = append(actions, models.Action{Type: models.ActionAttachCertificate})
	}
	if action == ActionCancel || (!explicit && res.Category == "cancellation") {
		actions = append(actions, models.Action{Type: models.ActionCancelBooking})
	}
	return actions
}

func escalationPriority(flags models.SensitivityFlags) models.Priority {
	if flags.Has(models.FlagClinicalUrgency) || flags.Has(models.FlagEscalationLanguage) {
		return models.PriorityHigh
	}
	return models.PriorityNormal
}

func analysisCategory(in Input) string {
	if in.Analysis != nil {
		return in.Analysis.Category
	}
	return in.PreFilter.Category
}

func clamp(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	return math.Max(0, math.Min(1, f))
}
