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

// Package templates selects the response template for a sending decision and
// fills in its variables from the email and its context.
package templates

import (
	"fmt"
	"strings"

	"github.com/redi/triage/internal/config"
	"github.com/redi/triage/internal/models"
)

// StepLogger receives reasoning steps. *audit.Recorder satisfies it.
type StepLogger interface {
	Log(step string, level models.Level, msg string, meta map[string]any)
}

const stepName = "templates"

// Template variable names.
const (
	VarFirstName   = "firstName"
	VarSenderEmail = "senderEmail"
	VarCourseName  = "courseName"
	VarCourseDate  = "courseDate"
	VarCourseTime  = "courseTime"
	VarCourseVenue = "courseVenue"
)

type key struct {
	kind     models.DecisionKind
	category string
}

// Selector maps (decision kind, category) onto template ids.
type Selector struct {
	fallback string
	rules    map[key]config.TemplateRule
}

// New builds a Selector. Later rules for the same pair replace earlier ones.
func New(cfg config.TemplateConfig) (*Selector, error) {
	if cfg.Fallback == "" {
		return nil, fmt.Errorf("fallback template is required")
	}
	s := &Selector{fallback: cfg.Fallback, rules: make(map[key]config.TemplateRule, len(cfg.Rules))}
	for _, r := range cfg.Rules {
		kind := models.DecisionKind(r.Kind)
		if !kind.Sends() {
			return nil, fmt.Errorf("template rule %s/%s: kind must send a response", r.Kind, r.Category)
		}
		s.rules[key{kind: kind, category: config.NormaliseCategory(r.Category)}] = r
	}
	return s, nil
}

// Apply returns d with template id, subject, variables and materialised
// actions set. Decisions that do not send are returned unchanged. Missing
// mappings fall back to the generic template and log a warning; Apply
// never fails.
func (s *Selector) Apply(d models.Decision, email *models.InboundEmail, res *models.AnalysisResult, log StepLogger) models.Decision {
	if !d.Kind.Sends() {
		return d
	}
	out := d.Clone()
	ctx := email.Context
	cert, hasCert := ctx.FirstCertificate()
	booking, hasBooking := ctx.FirstBooking()

	rule, ok := s.rules[key{kind: d.Kind, category: d.Category}]
	templateID := rule.Template
	switch {
	case !ok:
		templateID = s.fallback
		logStep(log, models.LevelWarning, "no template mapping, using fallback", map[string]any{
			"kind":     string(d.Kind),
			"category": d.Category,
			"template": s.fallback,
		})
	case rule.Requires == "certificate" && !hasCert, rule.Requires == "booking" && !hasBooking:
		templateID = rule.Otherwise
		if templateID == "" {
			templateID = s.fallback
		}
		logStep(log, models.LevelInfo, "context lacks "+rule.Requires+", using alternate template", map[string]any{
			"template": templateID,
		})
	}

	vars := map[string]string{
		VarFirstName:   firstName(email, res),
		VarSenderEmail: email.Sender.Address,
	}
	useCert := hasCert && (rule.Requires == "certificate" || d.Category == "certificate_request")
	useBooking := hasBooking && (rule.Requires == "booking" || d.Category == "cancellation")
	switch {
	case useCert:
		setIf(vars, VarCourseName, cert.Course)
		setIf(vars, VarCourseDate, cert.Date)
	case useBooking:
		setIf(vars, VarCourseName, booking.Course)
		setIf(vars, VarCourseDate, booking.Date)
		setIf(vars, VarCourseTime, booking.StartTime)
		setIf(vars, VarCourseVenue, booking.Venue)
	}

	out.TemplateID = templateID
	out.Subject = replySubject(email.Subject)
	out.Variables = vars
	out.Actions = s.materialise(out.Actions, email, templateID, log)

	logStep(log, models.LevelInfo, "selected template "+templateID, map[string]any{
		"template": templateID,
		"actions":  len(out.Actions),
	})
	return out
}

func (s *Selector) materialise(actions []models.Action, email *models.InboundEmail, templateID string, log StepLogger) []models.Action {
	out := make([]models.Action, 0, len(actions))
	for _, a := range actions {
		switch a.Type {
		case models.ActionSendEmail:
			out = append(out, models.Action{Type: a.Type, Params: map[string]string{
				"to":         email.Sender.Address,
				"templateId": templateID,
			}})
		case models.ActionAttachCertificate:
			cert, ok := email.Context.FirstCertificate()
			if !ok {
				logStep(log, models.LevelWarning, "dropping attach_certificate: no certificate in context", nil)
				continue
			}
			out = append(out, models.Action{Type: a.Type, Params: map[string]string{
				"certificateId":  cert.ID,
				"certificateUrl": cert.URL,
			}})
		case models.ActionCancelBooking:
			booking, ok := email.Context.FirstBooking()
			if !ok {
				logStep(log, models.LevelWarning, "dropping cancel_booking: no booking in context", nil)
				continue
			}
			out = append(out, models.Action{Type: a.Type, Params: map[string]string{
				"bookingId": booking.ID,
			}})
		default:
			out = append(out, a)
		}
	}
	return out
}

func firstName(email *models.InboundEmail, res *models.AnalysisResult) string {
	if res != nil && strings.TrimSpace(res.SenderFirstName) != "" {
		return strings.TrimSpace(res.SenderFirstName)
	}
	if fields := strings.Fields(email.Sender.Name); len(fields) > 0 {
		return fields[0]
	}
	return "there"
}

func replySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "Re: your enquiry"
	}
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

func setIf(m map[string]string, k, v string) {
	if v != "" {
		m[k] = v
	}
}

func logStep(log StepLogger, level models.Level, msg string, meta map[string]any) {
	if log != nil {
		log.Log(stepName, level, msg, meta)
	}
}
