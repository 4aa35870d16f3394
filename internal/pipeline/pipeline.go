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

// Package pipeline runs one email through sensitivity detection,
// pre-filtering, analysis, the decision policy and template selection, then
// persists the audit record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redi/triage/internal/analysis"
	"github.com/redi/triage/internal/audit"
	"github.com/redi/triage/internal/config"
	"github.com/redi/triage/internal/models"
	"github.com/redi/triage/internal/policy"
	"github.com/redi/triage/internal/prefilter"
	"github.com/redi/triage/internal/sensitivity"
	"github.com/redi/triage/internal/store"
	"github.com/redi/triage/internal/templates"
)

// Analyzer is the analysis call. *analysis.Client satisfies it.
type Analyzer interface {
	Analyze(ctx context.Context, email *models.InboundEmail) (*models.AnalysisResult, error)
	Model() string
}

// Saver persists finished records. Every store.Store satisfies it.
type Saver interface {
	Save(ctx context.Context, rec models.ProcessingRecord) (string, error)
}

const defaultSaveTimeout = 10 * time.Second

// Options wires a Pipeline. Every field except SaveTimeout and Clock is
// required.
type Options struct {
	Detector    *sensitivity.Detector
	Filter      *prefilter.Filter
	Analyzer    Analyzer
	Policy      policy.Policy
	Selector    *templates.Selector
	Saver       Saver
	SaveTimeout time.Duration
	Clock       audit.Clock
}

// Pipeline is safe for concurrent use. It holds no per-email state.
type Pipeline struct {
	detector    *sensitivity.Detector
	filter      *prefilter.Filter
	analyzer    Analyzer
	policy      policy.Policy
	selector    *templates.Selector
	saver       Saver
	saveTimeout time.Duration
	clock       audit.Clock
}

// New validates opts and builds a Pipeline.
func New(opts Options) (*Pipeline, error) {
	switch {
	case opts.Detector == nil:
		return nil, errors.New("pipeline: sensitivity detector is required")
	case opts.Filter == nil:
		return nil, errors.New("pipeline: pre-filter is required")
	case opts.Analyzer == nil:
		return nil, errors.New("pipeline: analyzer is required")
	case opts.Selector == nil:
		return nil, errors.New("pipeline: template selector is required")
	case opts.Saver == nil:
		return nil, errors.New("pipeline: saver is required")
	}
	if err := opts.Policy.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = defaultSaveTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Pipeline{
		detector:    opts.Detector,
		filter:      opts.Filter,
		analyzer:    opts.Analyzer,
		policy:      opts.Policy,
		selector:    opts.Selector,
		saver:       opts.Saver,
		saveTimeout: opts.SaveTimeout,
		clock:       opts.Clock,
	}, nil
}

// FromConfig builds the rule-driven stages from cfg and wires them with
// analyzer and saver.
func FromConfig(cfg *config.Config, analyzer Analyzer, saver Saver) (*Pipeline, error) {
	detector, err := sensitivity.NewDetector(cfg.Sensitivity)
	if err != nil {
		return nil, fmt.Errorf("build sensitivity detector: %w", err)
	}
	filter, err := prefilter.New(cfg.Prefilter)
	if err != nil {
		return nil, fmt.Errorf("build pre-filter: %w", err)
	}
	pol, err := policy.New(cfg.Thresholds, cfg.ReviewBand)
	if err != nil {
		return nil, err
	}
	selector, err := templates.New(cfg.Templates)
	if err != nil {
		return nil, fmt.Errorf("build template selector: %w", err)
	}
	return New(Options{
		Detector:    detector,
		Filter:      filter,
		Analyzer:    analyzer,
		Policy:      pol,
		Selector:    selector,
		Saver:       saver,
		SaveTimeout: cfg.Database.SaveTimeout,
	})
}

// Result is the outcome of one Process call. StorageErr is set, and
// RecordID empty, when the decision was made but could not be persisted.
type Result struct {
	Decision   models.Decision
	Record     models.ProcessingRecord
	RecordID   string
	StorageErr error
}

// Persisted reports whether the record reached storage.
func (r *Result) Persisted() bool { return r.StorageErr == nil && r.RecordID != "" }

// Process triages one email. It returns ctx.Err() without persisting
// anything when ctx is cancelled before the decision is final. Once the
// decision is final the record is saved even if ctx is cancelled.
func (p *Pipeline) Process(ctx context.Context, email *models.InboundEmail) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec := audit.NewRecorder(email, p.clock)
	rec.Info("pipeline", "processing started", map[string]any{"email_id": email.ID})
	slog.Debug("processing email", "email_id", email.ID, "record_id", rec.ID())

	flags := p.detector.Detect(email, rec)
	rec.SetFlags(flags)

	outcome := p.filter.Evaluate(email, flags, rec)
	rec.SetPreFilter(outcome.Reason, outcome.ShortCircuited())

	var (
		result      *models.AnalysisResult
		analysisErr error
	)
	if !outcome.ShortCircuited() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, analysisErr = p.analyzer.Analyze(ctx, email)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.recordAnalysis(rec, result, analysisErr)
	}

	decision := p.policy.Evaluate(policy.Input{
		PreFilter:   outcome,
		Flags:       flags,
		Analysis:    result,
		AnalysisErr: analysisErr,
	})
	rec.Info("decision", "decision "+string(decision.Kind), map[string]any{
		"kind":            string(decision.Kind),
		"reason_code":     decision.ReasonCode,
		"review_required": decision.HumanReview.Required,
		"priority":        string(decision.HumanReview.Priority),
	})

	if decision.Kind.Sends() {
		decision = p.selector.Apply(decision, email, result, rec)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	record := rec.Finalize(decision)
	res := &Result{Decision: record.Decision, Record: record}

	// The decision is final; persist even if the caller goes away now.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.saveTimeout)
	defer cancel()

	id, err := p.saver.Save(saveCtx, record)
	if err != nil {
		if !store.IsWriteError(err) {
			err = &store.WriteError{RecordID: record.ID, Err: err}
		}
		res.StorageErr = err
		slog.Error("failed to persist processing record",
			"email_id", email.ID,
			"record_id", record.ID,
			"error", err,
		)
	} else {
		res.RecordID = id
	}

	slog.Info("email processed",
		"email_id", email.ID,
		"record_id", res.RecordID,
		"kind", string(decision.Kind),
		"template_id", decision.TemplateID,
		"review_required", decision.HumanReview.Required,
		"elapsed", record.ProcessingTime.String(),
	)
	return res, nil
}

func (p *Pipeline) recordAnalysis(rec *audit.Recorder, result *models.AnalysisResult, err error) {
	if err != nil {
		var (
			aErr    *analysis.Error
			kind    = analysis.KindProvider
			model   = p.analyzer.Model()
			tokens  int
			latency time.Duration
		)
		if errors.As(err, &aErr) {
			kind = aErr.Kind
			tokens = aErr.TokensUsed
			latency = aErr.Latency
			if aErr.Model != "" {
				model = aErr.Model
			}
		}
		rec.SetAnalysisError(err, model, tokens, latency)
		rec.Error("analysis", "analysis failed", map[string]any{
			"kind":   string(kind),
			"tokens": tokens,
			"error":  err.Error(),
		})
		return
	}
	if result == nil {
		rec.Warn("analysis", "analysis returned no result", nil)
		return
	}
	rec.SetAnalysis(result)
	rec.Info("analysis", "analysis completed", map[string]any{
		"category":   result.Category,
		"confidence": result.Confidence,
		"action":     result.SuggestedAction,
		"tokens":     result.TokensUsed,
		"latency_ms": result.Latency.Milliseconds(),
	})
}
