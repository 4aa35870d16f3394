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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/redi/triage/internal/models"
)

// SQLite stores records in a local SQLite file. Timestamps are kept as
// UTC unix milliseconds.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema. path may carry a "sqlite://" or "file:" prefix.
func OpenSQLite(ctx context.Context, path string, maxConns int) (*SQLite, error) {
	path = strings.TrimPrefix(path, "sqlite://")
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}

	s := &SQLite{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	slog.Info("record store connected", "driver", "sqlite", "path", path)
	return s, nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS email_records (
			id                  TEXT PRIMARY KEY,
			email_id            TEXT NOT NULL,
			conversation_id     TEXT NOT NULL DEFAULT '',
			sender_name         TEXT NOT NULL DEFAULT '',
			sender_address      TEXT NOT NULL DEFAULT '',
			subject             TEXT NOT NULL DEFAULT '',
			received_at         INTEGER,
			booking_count       INTEGER NOT NULL DEFAULT 0,
			certificate_count   INTEGER NOT NULL DEFAULT 0,
			sensitivity_flags   TEXT NOT NULL DEFAULT '',
			pre_filter_reason   TEXT NOT NULL DEFAULT 'none',
			skipped_analysis    INTEGER NOT NULL DEFAULT 0,
			category            TEXT NOT NULL DEFAULT '',
			confidence          REAL,
			suggested_action    TEXT NOT NULL DEFAULT '',
			analysis_error      TEXT NOT NULL DEFAULT '',
			model               TEXT NOT NULL DEFAULT '',
			tokens_used         INTEGER NOT NULL DEFAULT 0,
			analysis_latency_ms INTEGER NOT NULL DEFAULT 0,
			decision_kind       TEXT NOT NULL,
			reason_code         TEXT NOT NULL DEFAULT '',
			template_id         TEXT NOT NULL DEFAULT '',
			review_required     INTEGER NOT NULL DEFAULT 0,
			review_priority     TEXT NOT NULL DEFAULT '',
			decision            TEXT NOT NULL,
			processing_ms       INTEGER NOT NULL DEFAULT 0,
			started_at          INTEGER NOT NULL,
			completed_at        INTEGER NOT NULL,
			response_sent       INTEGER NOT NULL DEFAULT 0,
			response_sent_at    INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_email_records_completed ON email_records(completed_at);
		CREATE INDEX IF NOT EXISTS idx_email_records_email ON email_records(email_id);

		CREATE TABLE IF NOT EXISTS processing_logs (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			record_id TEXT NOT NULL REFERENCES email_records(id) ON DELETE CASCADE,
			seq       INTEGER NOT NULL,
			step      TEXT NOT NULL,
			level     TEXT NOT NULL,
			message   TEXT NOT NULL,
			metadata  TEXT,
			logged_at INTEGER NOT NULL,
			UNIQUE (record_id, seq)
		);
	`)
	return err
}

// Save inserts the record and its steps in one transaction.
func (s *SQLite) Save(ctx context.Context, rec models.ProcessingRecord) (string, error) {
	if err := validate(rec); err != nil {
		return "", &WriteError{RecordID: rec.ID, Err: err}
	}
	decision, err := json.Marshal(rec.Decision)
	if err != nil {
		return "", &WriteError{RecordID: rec.ID, Err: fmt.Errorf("encode decision: %w", err)}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", &WriteError{RecordID: rec.ID, Err: fmt.Errorf("begin transaction: %w", err)}
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO email_records
			(id, email_id, conversation_id, sender_name, sender_address, subject, received_at,
			 booking_count, certificate_count, sensitivity_flags, pre_filter_reason, skipped_analysis,
			 category, confidence, suggested_action, analysis_error, model, tokens_used,
			 analysis_latency_ms, decision_kind, reason_code, template_id, review_required,
			 review_priority, decision, processing_ms, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.EmailID, rec.ConversationID, rec.SenderName, rec.SenderAddress, rec.Subject, nullMillis(rec.ReceivedAt),
		rec.BookingCount, rec.CertificateCount, joinFlags(rec.SensitivityFlags), rec.PreFilterReason, rec.SkippedAnalysis,
		rec.Category, nullFloat(rec.Confidence), rec.SuggestedAction, rec.AnalysisError, rec.Model, rec.TokensUsed,
		rec.AnalysisLatency.Milliseconds(), string(rec.Decision.Kind), rec.Decision.ReasonCode, rec.Decision.TemplateID,
		rec.Decision.HumanReview.Required, string(rec.Decision.HumanReview.Priority), string(decision),
		rec.ProcessingTime.Milliseconds(), millis(rec.StartedAt), millis(rec.CompletedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			err = errDuplicate
		}
		return "", &WriteError{RecordID: rec.ID, Err: fmt.Errorf("insert email record: %w", err)}
	}

	if len(rec.Steps) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO processing_logs (record_id, seq, step, level, message, metadata, logged_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return "", &WriteError{RecordID: rec.ID, Err: fmt.Errorf("prepare processing logs: %w", err)}
		}
		defer stmt.Close()

		for _, step := range rec.Steps {
			meta, err := marshalMeta(step.Metadata)
			if err != nil {
				return "", &WriteError{RecordID: rec.ID, Err: err}
			}
			var metaArg any
			if meta != nil {
				metaArg = string(meta)
			}
			if _, err := stmt.ExecContext(ctx, rec.ID, step.Seq, step.Step, string(step.Level), step.Message, metaArg, millis(step.At)); err != nil {
				return "", &WriteError{RecordID: rec.ID, Err: fmt.Errorf("insert processing log: %w", err)}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", &WriteError{RecordID: rec.ID, Err: fmt.Errorf("commit: %w", err)}
	}
	return rec.ID, nil
}

// Get returns one record with its steps.
func (s *SQLite) Get(ctx context.Context, id string) (*models.ProcessingRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM email_records WHERE id = ?`, id)
	var rec models.ProcessingRecord
	if err := scanSQLite(row, &rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, step, level, message, metadata, logged_at
		FROM processing_logs
		WHERE record_id = ?
		ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query processing logs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			step   models.ReasoningStep
			level  string
			meta   sql.NullString
			logged int64
		)
		if err := rows.Scan(&step.Seq, &step.Step, &level, &step.Message, &meta, &logged); err != nil {
			return nil, fmt.Errorf("scan processing log: %w", err)
		}
		step.Level = models.Level(level)
		step.At = fromMillis(logged)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &step.Metadata); err != nil {
				return nil, fmt.Errorf("decode step metadata: %w", err)
			}
		}
		rec.Steps = append(rec.Steps, step)
	}
	return &rec, rows.Err()
}

// FetchRecent returns the newest limit records, without steps.
func (s *SQLite) FetchRecent(ctx context.Context, limit int) ([]models.ProcessingRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM email_records
		ORDER BY completed_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent records: %w", err)
	}
	defer rows.Close()

	records := []models.ProcessingRecord{}
	for rows.Next() {
		var r models.ProcessingRecord
		if err := scanSQLite(rows, &r); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Aggregate computes Statistics for r.
func (s *SQLite) Aggregate(ctx context.Context, r Range) (*Statistics, error) {
	st := &Statistics{From: r.From, To: r.To, Categories: []CategoryStat{}}
	from, to := millis(r.From), millis(r.To)

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN decision_kind = 'auto_respond' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN decision_kind = 'info_only' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN decision_kind = 'no_response' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN decision_kind = 'escalate' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(skipped_analysis), 0),
			COALESCE(SUM(review_required), 0),
			COALESCE(SUM(CASE WHEN analysis_error <> '' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(confidence), 0.0),
			COALESCE(AVG(processing_ms), 0.0) / 1000.0,
			COALESCE(SUM(tokens_used), 0)
		FROM email_records
		WHERE completed_at >= ? AND completed_at < ?
	`, from, to).Scan(
		&st.Total, &st.AutoResponded, &st.InfoOnly, &st.NoResponse, &st.Escalated,
		&st.PreFiltered, &st.HumanReviews, &st.AnalysisErrors,
		&st.AvgConfidence, &st.AvgProcessingSeconds, &st.TotalTokens,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate records: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT category, COUNT(*), COALESCE(AVG(confidence), 0.0)
		FROM email_records
		WHERE completed_at >= ? AND completed_at < ? AND category <> ''
		GROUP BY category
		ORDER BY COUNT(*) DESC, category
		LIMIT ?
	`, from, to, maxCategories)
	if err != nil {
		return nil, fmt.Errorf("aggregate categories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c CategoryStat
		if err := rows.Scan(&c.Category, &c.Count, &c.AvgConfidence); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		st.Categories = append(st.Categories, c)
	}
	return st, rows.Err()
}

// MarkResponseSent flags that the outbound response for id was delivered.
func (s *SQLite) MarkResponseSent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_records
		SET response_sent = 1, response_sent_at = ?
		WHERE id = ?
	`, millis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark response sent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark response sent: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks the database handle.
func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner, r *models.ProcessingRecord) error {
	var (
		receivedAt sql.NullInt64
		flags      string
		confidence sql.NullFloat64
		latencyMS  int64
		decision   string
		procMS     int64
		startedAt  int64
		completed  int64
		sentAt     sql.NullInt64
	)
	err := row.Scan(
		&r.ID, &r.EmailID, &r.ConversationID, &r.SenderName, &r.SenderAddress, &r.Subject, &receivedAt,
		&r.BookingCount, &r.CertificateCount, &flags, &r.PreFilterReason, &r.SkippedAnalysis,
		&r.Category, &confidence, &r.SuggestedAction, &r.AnalysisError, &r.Model, &r.TokensUsed,
		&latencyMS, &decision, &procMS, &startedAt, &completed,
		&r.ResponseSent, &sentAt,
	)
	if err != nil {
		return err
	}
	if receivedAt.Valid {
		r.ReceivedAt = fromMillis(receivedAt.Int64)
	}
	if confidence.Valid {
		c := confidence.Float64
		r.Confidence = &c
	}
	if sentAt.Valid {
		t := fromMillis(sentAt.Int64)
		r.ResponseSentAt = &t
	}
	r.SensitivityFlags = splitFlags(flags)
	r.AnalysisLatency = time.Duration(latencyMS) * time.Millisecond
	r.ProcessingTime = time.Duration(procMS) * time.Millisecond
	r.StartedAt = fromMillis(startedAt)
	r.CompletedAt = fromMillis(completed)
	if err := json.Unmarshal([]byte(decision), &r.Decision); err != nil {
		return fmt.Errorf("decode decision: %w", err)
	}
	return nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
