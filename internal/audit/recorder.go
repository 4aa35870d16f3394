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

// Package audit accumulates the reasoning trail for one pipeline run and
// produces the frozen ProcessingRecord handed to storage.
package audit

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/redi/triage/internal/models"
)

// Clock returns the current time. Tests inject a fixed sequence.
type Clock func() time.Time

// Recorder builds a ProcessingRecord. It belongs to a single pipeline
// invocation and is not safe for concurrent use. After Finalize every
// mutating call is a no-op.
type Recorder struct {
	clock Clock
	rec   models.ProcessingRecord
	seq   int
	final bool
}

// NewRecorder stamps StartedAt and copies the email identity into a new record.
func NewRecorder(email *models.InboundEmail, clock Clock) *Recorder {
	if clock == nil {
		clock = time.Now
	}
	r := &Recorder{clock: clock}
	r.rec = models.ProcessingRecord{
		ID:               uuid.NewString(),
		EmailID:          email.ID,
		ConversationID:   email.ConversationID,
		SenderName:       email.Sender.Name,
		SenderAddress:    email.Sender.Address,
		Subject:          email.Subject,
		ReceivedAt:       email.ReceivedAt,
		BookingCount:     max(email.Context.BookingCount, len(email.Context.Bookings)),
		CertificateCount: max(email.Context.CertificateCount, len(email.Context.Certificates)),
		SensitivityFlags: models.SensitivityFlags{},
		PreFilterReason:  "none",
		StartedAt:        clock(),
	}
	return r
}

// ID returns the record id assigned at creation.
func (r *Recorder) ID() string { return r.rec.ID }

// Log appends one reasoning step. meta is copied.
func (r *Recorder) Log(step string, level models.Level, msg string, meta map[string]any) {
	if r.final {
		return
	}
	r.seq++
	r.rec.Steps = append(r.rec.Steps, models.ReasoningStep{
		Seq:      r.seq,
		Step:     step,
		Level:    level,
		Message:  msg,
		Metadata: copyMeta(meta),
		At:       r.clock(),
	})
	slog.Debug("reasoning step",
		"email_id", r.rec.EmailID,
		"step", step,
		"level", string(level),
		"message", msg,
	)
}

// Info logs an info-level step.
func (r *Recorder) Info(step, msg string, meta map[string]any) {
	r.Log(step, models.LevelInfo, msg, meta)
}

// Warn logs a warning-level step.
func (r *Recorder) Warn(step, msg string, meta map[string]any) {
	r.Log(step, models.LevelWarning, msg, meta)
}

// Error logs an error-level step.
func (r *Recorder) Error(step, msg string, meta map[string]any) {
	r.Log(step, models.LevelError, msg, meta)
}

// SetFlags records the sensitivity flags.
func (r *Recorder) SetFlags(flags models.SensitivityFlags) {
	if r.final {
		return
	}
	r.rec.SensitivityFlags = append(models.SensitivityFlags{}, flags...)
}

// SetPreFilter records the pre-filter reason and whether analysis was skipped.
func (r *Recorder) SetPreFilter(reason string, skipped bool) {
	if r.final {
		return
	}
	if reason == "" {
		reason = "none"
	}
	r.rec.PreFilterReason = reason
	r.rec.SkippedAnalysis = skipped
}

// SetAnalysis records a successful analysis result.
func (r *Recorder) SetAnalysis(res *models.AnalysisResult) {
	if r.final || res == nil {
		return
	}
	conf := res.Confidence
	r.rec.Category = res.Category
	r.rec.Confidence = &conf
	r.rec.SuggestedAction = res.SuggestedAction
	r.rec.Model = res.Model
	r.rec.TokensUsed = res.TokensUsed
	r.rec.AnalysisLatency = res.Latency
}

// SetAnalysisError records a failed analysis call. tokens is whatever the
// provider billed before the call failed.
func (r *Recorder) SetAnalysisError(err error, model string, tokens int, latency time.Duration) {
	if r.final || err == nil {
		return
	}
	r.rec.AnalysisError = err.Error()
	r.rec.Model = model
	r.rec.TokensUsed = tokens
	r.rec.AnalysisLatency = latency
}

// Finalize attaches the decision, computes the processing time and returns
// an independent copy of the record. Subsequent calls return the same
// record without changing it.
func (r *Recorder) Finalize(d models.Decision) models.ProcessingRecord {
	if !r.final {
		now := r.clock()
		r.rec.Decision = d.Clone()
		if r.rec.Category == "" {
			r.rec.Category = d.Category
		}
		r.rec.CompletedAt = now
		r.rec.ProcessingTime = now.Sub(r.rec.StartedAt)
		r.final = true
	}
	return r.snapshot()
}

// Snapshot returns a copy of the record in its current state.
func (r *Recorder) Snapshot() models.ProcessingRecord { return r.snapshot() }

func (r *Recorder) snapshot() models.ProcessingRecord {
	out := r.rec
	out.SensitivityFlags = append(models.SensitivityFlags{}, r.rec.SensitivityFlags...)
	if r.rec.Confidence != nil {
		c := *r.rec.Confidence
		out.Confidence = &c
	}
	out.Decision = r.rec.Decision.Clone()
	out.Steps = make([]models.ReasoningStep, len(r.rec.Steps))
	for i, s := range r.rec.Steps {
		s.Metadata = copyMeta(s.Metadata)
		out.Steps[i] = s
	}
	return out
}

func copyMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		switch vv := v.(type) {
		case []string:
			out[k] = append([]string(nil), vv...)
		default:
			out[k] = v
		}
	}
	return out
}
