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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/redi/triage/internal/models"
)

// Postgres stores records in PostgreSQL through a bounded pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool of at most maxConns connections and verifies
// connectivity. Run Migrate before the first Save.
func OpenPostgres(ctx context.Context, databaseURL string, maxConns int) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	slog.Info("record store connected", "driver", "postgres", "max_conns", poolCfg.MaxConns)
	return NewPostgres(pool), nil
}

// uniqueViolation is the SQLSTATE for a duplicate primary key.
const uniqueViolation = "23505"

// NewPostgres wraps an existing pool. The caller keeps responsibility for
// running migrations.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Save inserts the record and its steps in one transaction.
func (s *Postgres) Save(ctx context.Context, rec models.ProcessingRecord) (string, error) {
	if err := validate(rec); err != nil {
		return "", &WriteError{RecordID: rec.ID, Err: err}
	}
	decision, err := json.Marshal(rec.Decision)
	if err != nil {
		return "", &WriteError{RecordID: rec.ID, Err: fmt.Errorf("encode decision: %w", err)}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", &WriteError{RecordID: rec.ID, Err: fmt.Errorf("begin transaction: %w", err)}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO email_records
			(id, email_id, conversation_id, sender_name, sender_address, subject, received_at,
			 booking_count, certificate_count, sensitivity_flags, pre_filter_reason, skipped_analysis,
			 category, confidence, suggested_action, analysis_error, model, tokens_used,
			 analysis_latency_ms, decision_kind, reason_code, template_id, review_required,
			 review_priority, decision, processing_ms, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
		        $19, $20, $21, $22, $23, $24, $25, $26, $27, $28)
	`,
		rec.ID, rec.EmailID, rec.ConversationID, rec.SenderName, rec.SenderAddress, rec.Subject, nullTime(rec.ReceivedAt),
		rec.BookingCount, rec.CertificateCount, joinFlags(rec.SensitivityFlags), rec.PreFilterReason, rec.SkippedAnalysis,
		rec.Category, rec.Confidence, rec.SuggestedAction, rec.AnalysisError, rec.Model, rec.TokensUsed,
		rec.AnalysisLatency.Milliseconds(), string(rec.Decision.Kind), rec.Decision.ReasonCode, rec.Decision.TemplateID,
		rec.Decision.HumanReview.Required, string(rec.Decision.HumanReview.Priority), decision,
		rec.ProcessingTime.Milliseconds(), rec.StartedAt, rec.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			err = errDuplicate
		}
		return "", &WriteError{RecordID: rec.ID, Err: fmt.Errorf("insert email record: %w", err)}
	}

	if len(rec.Steps) > 0 {
		batch := &pgx.Batch{}
		for _, step := range rec.Steps {
			meta, err := marshalMeta(step.Metadata)
			if err != nil {
				return "", &WriteError{RecordID: rec.ID, Err: err}
			}
			batch.Queue(`
				INSERT INTO processing_logs (record_id, seq, step, level, message, metadata, logged_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, rec.ID, step.Seq, step.Step, string(step.Level), step.Message, meta, step.At)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return "", &WriteError{RecordID: rec.ID, Err: fmt.Errorf("insert processing logs: %w", err)}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", &WriteError{RecordID: rec.ID, Err: fmt.Errorf("commit: %w", err)}
	}
	return rec.ID, nil
}

const recordColumns = `
	id, email_id, conversation_id, sender_name, sender_address, subject, received_at,
	booking_count, certificate_count, sensitivity_flags, pre_filter_reason, skipped_analysis,
	category, confidence, suggested_action, analysis_error, model, tokens_used,
	analysis_latency_ms, decision, processing_ms, started_at, completed_at,
	response_sent, response_sent_at`

// Get returns one record with its steps.
func (s *Postgres) Get(ctx context.Context, id string) (*models.ProcessingRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM email_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}

	rows, err := s.pool.Query(ctx, `
		SELECT seq, step, level, message, metadata, logged_at
		FROM processing_logs
		WHERE record_id = $1
		ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query processing logs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			step  models.ReasoningStep
			level string
			meta  []byte
		)
		if err := rows.Scan(&step.Seq, &step.Step, &level, &step.Message, &meta, &step.At); err != nil {
			return nil, fmt.Errorf("scan processing log: %w", err)
		}
		step.Level = models.Level(level)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &step.Metadata); err != nil {
				return nil, fmt.Errorf("decode step metadata: %w", err)
			}
		}
		rec.Steps = append(rec.Steps, step)
	}
	return rec, rows.Err()
}

// FetchRecent returns the newest limit records, without steps.
func (s *Postgres) FetchRecent(ctx context.Context, limit int) ([]models.ProcessingRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM email_records
		ORDER BY completed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Aggregate computes Statistics for r.
func (s *Postgres) Aggregate(ctx context.Context, r Range) (*Statistics, error) {
	st := &Statistics{From: r.From, To: r.To, Categories: []CategoryStat{}}

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE decision_kind = 'auto_respond'),
			COUNT(*) FILTER (WHERE decision_kind = 'info_only'),
			COUNT(*) FILTER (WHERE decision_kind = 'no_response'),
			COUNT(*) FILTER (WHERE decision_kind = 'escalate'),
			COUNT(*) FILTER (WHERE skipped_analysis),
			COUNT(*) FILTER (WHERE review_required),
			COUNT(*) FILTER (WHERE analysis_error <> ''),
			COALESCE(AVG(confidence), 0),
			COALESCE(AVG(processing_ms), 0) / 1000.0,
			COALESCE(SUM(tokens_used), 0)
		FROM email_records
		WHERE completed_at >= $1 AND completed_at < $2
	`, r.From, r.To).Scan(
		&st.Total, &st.AutoResponded, &st.InfoOnly, &st.NoResponse, &st.Escalated,
		&st.PreFiltered, &st.HumanReviews, &st.AnalysisErrors,
		&st.AvgConfidence, &st.AvgProcessingSeconds, &st.TotalTokens,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate records: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT category, COUNT(*), COALESCE(AVG(confidence), 0)
		FROM email_records
		WHERE completed_at >= $1 AND completed_at < $2 AND category <> ''
		GROUP BY category
		ORDER BY COUNT(*) DESC, category
		LIMIT $3
	`, r.From, r.To, maxCategories)
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
func (s *Postgres) MarkResponseSent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE email_records
		SET response_sent = TRUE, response_sent_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark response sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks connectivity.
func (s *Postgres) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the pool.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

// scanRecord scans a single row into a record. It returns nil, nil when the
// row does not exist.
func scanRecord(row pgx.Row) (*models.ProcessingRecord, error) {
	var r models.ProcessingRecord
	if err := scanInto(row, &r); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// collectRecords scans multiple rows into a slice of records.
func collectRecords(rows pgx.Rows) ([]models.ProcessingRecord, error) {
	records := []models.ProcessingRecord{}
	for rows.Next() {
		var r models.ProcessingRecord
		if err := scanInto(rows, &r); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func scanInto(row pgx.Row, r *models.ProcessingRecord) error {
	var (
		receivedAt *time.Time
		flags      string
		latencyMS  int64
		decision   []byte
		procMS     int64
	)
	err := row.Scan(
		&r.ID, &r.EmailID, &r.ConversationID, &r.SenderName, &r.SenderAddress, &r.Subject, &receivedAt,
		&r.BookingCount, &r.CertificateCount, &flags, &r.PreFilterReason, &r.SkippedAnalysis,
		&r.Category, &r.Confidence, &r.SuggestedAction, &r.AnalysisError, &r.Model, &r.TokensUsed,
		&latencyMS, &decision, &procMS, &r.StartedAt, &r.CompletedAt,
		&r.ResponseSent, &r.ResponseSentAt,
	)
	if err != nil {
		return err
	}
	if receivedAt != nil {
		r.ReceivedAt = *receivedAt
	}
	r.SensitivityFlags = splitFlags(flags)
	r.AnalysisLatency = time.Duration(latencyMS) * time.Millisecond
	r.ProcessingTime = time.Duration(procMS) * time.Millisecond
	if err := json.Unmarshal(decision, &r.Decision); err != nil {
		return fmt.Errorf("decode decision: %w", err)
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func marshalMeta(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode step metadata: %w", err)
	}
	return b, nil
}
