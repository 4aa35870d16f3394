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

// Package store persists ProcessingRecords and answers aggregate queries
// over them. Postgres is the production backend; SQLite serves local runs
// and tests; Memory backs dry runs.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redi/triage/internal/models"
)

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("record not found")

var (
	errDuplicate     = errors.New("record id already exists")
	errInvalidRecord = errors.New("invalid record")
)

// WriteError wraps any failure to persist a record.
type WriteError struct {
	RecordID string
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("storage write failed for record %s: %v", e.RecordID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// IsWriteError reports whether err is, or wraps, a WriteError.
func IsWriteError(err error) bool {
	var wErr *WriteError
	return errors.As(err, &wErr)
}

// Store is implemented by every backend. All methods are safe for
// concurrent use.
type Store interface {
	// Save persists rec and its reasoning steps atomically and returns the
	// record id. Failures are returned as *WriteError.
	Save(ctx context.Context, rec models.ProcessingRecord) (string, error)
	// Get returns one record including its reasoning steps.
	Get(ctx context.Context, id string) (*models.ProcessingRecord, error)
	// FetchRecent returns the newest records first, without steps.
	FetchRecent(ctx context.Context, limit int) ([]models.ProcessingRecord, error)
	Aggregate(ctx context.Context, r Range) (*Statistics, error)
	MarkResponseSent(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

// Range selects records by completion time, inclusive of From and
// exclusive of To.
type Range struct {
	From time.Time
	To   time.Time
}

// LastDays returns the range covering the n days before now.
func LastDays(n int, now time.Time) Range {
	return Range{From: now.AddDate(0, 0, -n), To: now}
}

// CategoryStat is one row of the category breakdown.
type CategoryStat struct {
	Category      string  `json:"category"`
	Count         int     `json:"count"`
	AvgConfidence float64 `json:"avgConfidence"`
}

// Statistics summarises records in a Range.
type Statistics struct {
	From                 time.Time      `json:"from"`
	To                   time.Time      `json:"to"`
	Total                int            `json:"totalEmails"`
	AutoResponded        int            `json:"autoResponded"`
	InfoOnly             int            `json:"infoOnly"`
	NoResponse           int            `json:"noResponse"`
	Escalated            int            `json:"escalated"`
	PreFiltered          int            `json:"preFiltered"`
	HumanReviews         int            `json:"humanReviews"`
	AnalysisErrors       int            `json:"analysisErrors"`
	AvgConfidence        float64        `json:"avgConfidence"`
	AvgProcessingSeconds float64        `json:"avgProcessingTime"`
	TotalTokens          int64          `json:"totalTokens"`
	Categories           []CategoryStat `json:"categories"`
}

// maxCategories bounds the category breakdown.
const maxCategories = 10

func joinFlags(f models.SensitivityFlags) string {
	return strings.Join(f.Strings(), ",")
}

func splitFlags(s string) models.SensitivityFlags {
	if s == "" {
		return models.SensitivityFlags{}
	}
	parts := strings.Split(s, ",")
	flags := make([]models.SensitivityFlag, 0, len(parts))
	for _, p := range parts {
		flags = append(flags, models.SensitivityFlag(p))
	}
	return models.NewSensitivityFlags(flags...)
}

func validate(rec models.ProcessingRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: id is empty", errInvalidRecord)
	}
	if rec.EmailID == "" {
		return fmt.Errorf("%w: email id is empty", errInvalidRecord)
	}
	if rec.Decision.Kind == "" {
		return fmt.Errorf("%w: decision is missing", errInvalidRecord)
	}
	return nil
}
