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
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/redi/triage/internal/models"
)

func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "triage.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemory(),
	}
}

func record(id string, kind models.DecisionKind, completed time.Time, conf *float64) models.ProcessingRecord {
	return models.ProcessingRecord{
		ID:               id,
		EmailID:          "email-" + id,
		ConversationID:   "conv-" + id,
		SenderName:       "Jane Citizen",
		SenderAddress:    "jane@example.com",
		Subject:          "Certificate",
		ReceivedAt:       completed.Add(-time.Minute),
		CertificateCount: 1,
		SensitivityFlags: models.SensitivityFlags{},
		PreFilterReason:  "none",
		Category:         "certificate_request",
		Confidence:       conf,
		Model:            "gpt-test",
		TokensUsed:       100,
		AnalysisLatency:  1500 * time.Millisecond,
		Decision: models.Decision{
			Kind:       kind,
			Category:   "certificate_request",
			Confidence: conf,
			ReasonCode: "high_confidence",
			TemplateID: "certificate_found",
			Variables:  map[string]string{"firstName": "Jane"},
			Actions:    []models.Action{{Type: models.ActionSendEmail, Params: map[string]string{"to": "jane@example.com"}}},
		},
		ProcessingTime: 2 * time.Second,
		StartedAt:      completed.Add(-2 * time.Second),
		CompletedAt:    completed,
		Steps: []models.ReasoningStep{
			{Seq: 1, Step: "sensitivity", Level: models.LevelInfo, Message: "no sensitivity flags", At: completed.Add(-2 * time.Second)},
			{Seq: 2, Step: "templates", Level: models.LevelInfo, Message: "selected", Metadata: map[string]any{"template": "certificate_found"}, At: completed},
		},
	}
}

func ptr(f float64) *float64 { return &f }

func TestSaveAndGetRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := record("r1", models.KindAutoRespond, now, ptr(0.85))
			rec.SensitivityFlags = models.NewSensitivityFlags(models.FlagOngoingThread)

			id, err := s.Save(ctx, rec)
			require.NoError(t, err)
			require.Equal(t, "r1", id)

			got, err := s.Get(ctx, id)
			require.NoError(t, err)
			require.Equal(t, rec.EmailID, got.EmailID)
			require.Equal(t, models.KindAutoRespond, got.Decision.Kind)
			require.Equal(t, "certificate_found", got.Decision.TemplateID)
			require.Equal(t, "Jane", got.Decision.Variables["firstName"])
			require.NotNil(t, got.Confidence)
			require.InDelta(t, 0.85, *got.Confidence, 1e-9)
			require.Equal(t, rec.SensitivityFlags, got.SensitivityFlags)
			require.Equal(t, 2*time.Second, got.ProcessingTime)
			require.True(t, got.CompletedAt.Equal(now))
			require.Len(t, got.Steps, 2)
			require.Equal(t, "templates", got.Steps[1].Step)
			require.Equal(t, "certificate_found", got.Steps[1].Metadata["template"])
		})
	}
}

func TestSaveRejectsInvalidAndDuplicate(t *testing.T) {
	now := time.Now().UTC()
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			bad := record("", models.KindNoResponse, now, nil)
			_, err := s.Save(ctx, bad)
			require.True(t, IsWriteError(err), "want WriteError, got %v", err)
			require.ErrorIs(t, err, errInvalidRecord)

			rec := record("dup", models.KindNoResponse, now, nil)
			_, err = s.Save(ctx, rec)
			require.NoError(t, err)

			_, err = s.Save(ctx, rec)
			require.True(t, IsWriteError(err), "want WriteError on duplicate, got %v", err)
			require.ErrorIs(t, err, errDuplicate)

			// The failed duplicate must not leave extra steps behind.
			got, err := s.Get(ctx, "dup")
			require.NoError(t, err)
			require.Len(t, got.Steps, 2)
		})
	}
}

func TestGetAndMarkMissing(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Get(ctx, "missing")
			require.True(t, errors.Is(err, ErrNotFound))
			require.True(t, errors.Is(s.MarkResponseSent(ctx, "missing"), ErrNotFound))
		})
	}
}

func TestMarkResponseSent(t *testing.T) {
	now := time.Now().UTC()
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Save(ctx, record("sent", models.KindAutoRespond, now, ptr(0.9)))
			require.NoError(t, err)

			require.NoError(t, s.MarkResponseSent(ctx, "sent"))

			got, err := s.Get(ctx, "sent")
			require.NoError(t, err)
			require.True(t, got.ResponseSent)
			require.NotNil(t, got.ResponseSentAt)
		})
	}
}

func TestFetchRecent(t *testing.T) {
	base := time.Now().UTC().Truncate(time.Millisecond)
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				_, err := s.Save(ctx, record(fmt.Sprintf("r%d", i), models.KindInfoOnly, base.Add(time.Duration(i)*time.Minute), ptr(0.6)))
				require.NoError(t, err)
			}

			got, err := s.FetchRecent(ctx, 3)
			require.NoError(t, err)
			require.Len(t, got, 3)
			require.Equal(t, "r4", got[0].ID)
			require.Equal(t, "r2", got[2].ID)
			require.Empty(t, got[0].Steps)
		})
	}
}

func TestAggregate(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			auto := record("a", models.KindAutoRespond, now.Add(-time.Hour), ptr(0.9))
			info := record("b", models.KindInfoOnly, now.Add(-2*time.Hour), ptr(0.6))
			info.Category = "course_availability"

			filtered := record("c", models.KindNoResponse, now.Add(-3*time.Hour), nil)
			filtered.SkippedAnalysis = true
			filtered.PreFilterReason = "out_of_office"
			filtered.Category = "system_generated"
			filtered.TokensUsed = 0

			failed := record("d", models.KindNoResponse, now.Add(-4*time.Hour), nil)
			failed.AnalysisError = "analysis timeout"
			failed.Category = ""
			failed.Decision.HumanReview = models.HumanReview{Required: true, Priority: models.PriorityNormal, Reason: "analysis failed"}

			escalated := record("e", models.KindEscalate, now.Add(-5*time.Hour), nil)
			escalated.Decision.HumanReview = models.HumanReview{Required: true, Priority: models.PriorityHigh}

			old := record("old", models.KindAutoRespond, now.AddDate(0, 0, -40), ptr(0.99))

			for _, r := range []models.ProcessingRecord{auto, info, filtered, failed, escalated, old} {
				_, err := s.Save(ctx, r)
				require.NoError(t, err)
			}

			st, err := s.Aggregate(ctx, LastDays(30, now.Add(time.Minute)))
			require.NoError(t, err)

			require.Equal(t, 5, st.Total)
			require.Equal(t, 1, st.AutoResponded)
			require.Equal(t, 1, st.InfoOnly)
			require.Equal(t, 2, st.NoResponse)
			require.Equal(t, 1, st.Escalated)
			require.Equal(t, 1, st.PreFiltered)
			require.Equal(t, 2, st.HumanReviews)
			require.Equal(t, 1, st.AnalysisErrors)
			require.InDelta(t, 0.75, st.AvgConfidence, 1e-9)
			require.InDelta(t, 2.0, st.AvgProcessingSeconds, 1e-9)
			require.Equal(t, int64(400), st.TotalTokens)

			require.Len(t, st.Categories, 3)
			require.Equal(t, "certificate_request", st.Categories[0].Category)
			require.Equal(t, 2, st.Categories[0].Count)
		})
	}
}

func TestMigrateURL(t *testing.T) {
	require.Equal(t, "pgx5://u:p@db:5432/triage?sslmode=disable", migrateURL("postgres://u:p@db:5432/triage?sslmode=disable"))
	require.Equal(t, "pgx5://db/triage", migrateURL("postgresql://db/triage"))
	require.Equal(t, "pgx5://db/triage", migrateURL("pgx5://db/triage"))
}

func TestSplitFlags(t *testing.T) {
	require.Equal(t, models.SensitivityFlags{}, splitFlags(""))
	require.Equal(t,
		models.NewSensitivityFlags(models.FlagComplaint, models.FlagOngoingThread),
		splitFlags("ongoing_thread,complaint,bogus"),
	)
}
