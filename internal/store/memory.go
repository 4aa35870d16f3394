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

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/redi/triage/internal/models"
)

// Memory keeps records in process memory. It backs dry runs and tests and
// is lost on exit.
type Memory struct {
	mu      sync.Mutex
	records map[string]models.ProcessingRecord
	order   []string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]models.ProcessingRecord)}
}

// Save stores a copy of rec.
func (m *Memory) Save(_ context.Context, rec models.ProcessingRecord) (string, error) {
	if err := validate(rec); err != nil {
		return "", &WriteError{RecordID: rec.ID, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.ID]; exists {
		return "", &WriteError{RecordID: rec.ID, Err: errDuplicate}
	}
	m.records[rec.ID] = rec
	m.order = append(m.order, rec.ID)
	return rec.ID, nil
}

// Get returns the record with id.
func (m *Memory) Get(_ context.Context, id string) (*models.ProcessingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// FetchRecent returns the newest records first, without steps.
func (m *Memory) FetchRecent(_ context.Context, limit int) ([]models.ProcessingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.ProcessingRecord, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		rec := m.records[m.order[i]]
		rec.Steps = nil
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CompletedAt.After(out[j].CompletedAt) })
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Aggregate computes Statistics for r.
func (m *Memory) Aggregate(_ context.Context, r Range) (*Statistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := &Statistics{From: r.From, To: r.To, Categories: []CategoryStat{}}
	type catAcc struct {
		count   int
		confSum float64
		confN   int
	}
	cats := map[string]*catAcc{}
	var confSum float64
	var confN int
	var procSum time.Duration

	for _, id := range m.order {
		rec := m.records[id]
		if rec.CompletedAt.Before(r.From) || !rec.CompletedAt.Before(r.To) {
			continue
		}
		st.Total++
		switch rec.Decision.Kind {
		case models.KindAutoRespond:
			st.AutoResponded++
		case models.KindInfoOnly:
			st.InfoOnly++
		case models.KindNoResponse:
			st.NoResponse++
		case models.KindEscalate:
			st.Escalated++
		}
		if rec.SkippedAnalysis {
			st.PreFiltered++
		}
		if rec.Decision.HumanReview.Required {
			st.HumanReviews++
		}
		if rec.AnalysisError != "" {
			st.AnalysisErrors++
		}
		if rec.Confidence != nil {
			confSum += *rec.Confidence
			confN++
		}
		procSum += rec.ProcessingTime
		st.TotalTokens += int64(rec.TokensUsed)

		if rec.Category != "" {
			acc := cats[rec.Category]
			if acc == nil {
				acc = &catAcc{}
				cats[rec.Category] = acc
			}
			acc.count++
			if rec.Confidence != nil {
				acc.confSum += *rec.Confidence
				acc.confN++
			}
		}
	}

	if confN > 0 {
		st.AvgConfidence = confSum / float64(confN)
	}
	if st.Total > 0 {
		st.AvgProcessingSeconds = procSum.Seconds() / float64(st.Total)
	}
	for name, acc := range cats {
		c := CategoryStat{Category: name, Count: acc.count}
		if acc.confN > 0 {
			c.AvgConfidence = acc.confSum / float64(acc.confN)
		}
		st.Categories = append(st.Categories, c)
	}
	sort.Slice(st.Categories, func(i, j int) bool {
		if st.Categories[i].Count != st.Categories[j].Count {
			return st.Categories[i].Count > st.Categories[j].Count
		}
		return st.Categories[i].Category < st.Categories[j].Category
	})
	if len(st.Categories) > maxCategories {
		st.Categories = st.Categories[:maxCategories]
	}
	return st, nil
}

// MarkResponseSent flags the record as sent.
func (m *Memory) MarkResponseSent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	rec.ResponseSent = true
	rec.ResponseSentAt = &now
	m.records[id] = rec
	return nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
