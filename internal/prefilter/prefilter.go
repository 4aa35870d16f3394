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

// Package prefilter decides, before any external analysis call, whether an
// email can be routed without one.
package prefilter

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/redi/triage/internal/config"
	"github.com/redi/triage/internal/models"
)

// StepLogger receives reasoning steps. *audit.Recorder satisfies it.
type StepLogger interface {
	Log(step string, level models.Level, msg string, meta map[string]any)
}

// Kind tags an Outcome.
type Kind string

const (
	PassThrough  Kind = "pass_through"
	ShortCircuit Kind = "short_circuit"
)

// ReasonNone is the reason reported on pass-through.
const ReasonNone = "none"

// ReasonSensitive prefixes the reason of a sensitivity short-circuit.
const ReasonSensitive = "sensitive"

const stepName = "prefilter"

// Outcome is the tagged result of Evaluate. Escalate is only ever true
// together with ShortCircuit.
type Outcome struct {
	Kind     Kind                    `json:"kind"`
	Reason   string                  `json:"reason"`
	Category string                  `json:"category,omitempty"`
	Escalate bool                    `json:"escalate"`
	Flags    models.SensitivityFlags `json:"flags,omitempty"`
}

// ShortCircuited reports whether analysis must be skipped.
func (o Outcome) ShortCircuited() bool { return o.Kind == ShortCircuit }

type rule struct {
	reason   string
	category string
	field    string
	match    string
	header   string
	literals []string
	regexps  []*regexp.Regexp
}

// Filter holds the compiled non-actionable message rules. Rules are tried in
// order; the first match wins.
type Filter struct {
	rules []rule
}

// New compiles rules.
func New(rules []config.PrefilterRule) (*Filter, error) {
	f := &Filter{rules: make([]rule, 0, len(rules))}
	for i, r := range rules {
		cr := rule{
			reason:   r.Reason,
			category: r.Category,
			field:    r.Field,
			match:    r.Match,
			header:   r.Header,
		}
		switch r.Match {
		case "regex":
			for _, p := range r.Patterns {
				re, err := regexp.Compile(`(?i)` + p)
				if err != nil {
					return nil, fmt.Errorf("prefilter rule %d (%s): %w", i, r.Reason, err)
				}
				cr.regexps = append(cr.regexps, re)
			}
		case "contains", "prefix":
			for _, p := range r.Patterns {
				cr.literals = append(cr.literals, strings.ToLower(p))
			}
		case "present":
		default:
			return nil, fmt.Errorf("prefilter rule %d (%s): unknown match %q", i, r.Reason, r.Match)
		}
		f.rules = append(f.rules, cr)
	}
	return f, nil
}

// Evaluate returns ShortCircuit with Escalate when flags is non-empty,
// ShortCircuit for the first matching rule, and PassThrough otherwise. A
// panic while matching is logged and treated as PassThrough so that the
// email still reaches analysis.
func (f *Filter) Evaluate(email *models.InboundEmail, flags models.SensitivityFlags, log StepLogger) (out Outcome) {
	if !flags.Empty() {
		out = Outcome{
			Kind:     ShortCircuit,
			Reason:   ReasonSensitive + ":" + strings.Join(flags.Strings(), ","),
			Escalate: true,
			Flags:    append(models.SensitivityFlags{}, flags...),
		}
		logStep(log, models.LevelWarning, "sensitive content, skipping analysis", map[string]any{
			"flags": flags.Strings(),
		})
		return out
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("prefilter panic, passing through", "email_id", email.ID, "panic", fmt.Sprint(r))
			logStep(log, models.LevelError, "prefilter failed, passing through", map[string]any{
				"panic": fmt.Sprint(r),
			})
			out = Outcome{Kind: PassThrough, Reason: ReasonNone, Flags: models.SensitivityFlags{}}
		}
	}()

	for _, r := range f.rules {
		if !r.matches(email) {
			continue
		}
		logStep(log, models.LevelInfo, "filtered: "+r.reason, map[string]any{
			"reason":   r.reason,
			"category": r.category,
			"field":    r.field,
		})
		return Outcome{
			Kind:     ShortCircuit,
			Reason:   r.reason,
			Category: r.category,
			Flags:    models.SensitivityFlags{},
		}
	}

	logStep(log, models.LevelInfo, "no pre-filter matched", nil)
	return Outcome{Kind: PassThrough, Reason: ReasonNone, Flags: models.SensitivityFlags{}}
}

func (r rule) matches(email *models.InboundEmail) bool {
	var value string
	switch r.field {
	case "subject":
		value = email.Subject
	case "sender":
		value = email.Sender.Address
	case "body":
		value = email.BodyText
		if strings.TrimSpace(value) == "" {
			value = email.Preview
		}
	case "header":
		value = email.Header(r.header)
	}

	if r.match == "present" {
		return strings.TrimSpace(value) != ""
	}
	if value == "" {
		return false
	}

	lower := strings.ToLower(strings.TrimSpace(value))
	switch r.match {
	case "contains":
		for _, p := range r.literals {
			if strings.Contains(lower, p) {
				return true
			}
		}
	case "prefix":
		for _, p := range r.literals {
			if strings.HasPrefix(lower, p) {
				return true
			}
		}
	case "regex":
		for _, re := range r.regexps {
			if re.MatchString(strings.TrimSpace(value)) {
				return true
			}
		}
	}
	return false
}

func logStep(log StepLogger, level models.Level, msg string, meta map[string]any) {
	if log != nil {
		log.Log(stepName, level, msg, meta)
	}
}
