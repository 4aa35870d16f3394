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

// Package queue publishes response jobs to Redis when a decision says an
// email should be answered. A separate sender consumes the list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/redi/triage/internal/models"
)

// DefaultQueue is the Redis list response jobs are pushed to.
const DefaultQueue = "triage:responses"

type pusher interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Job is one outbound response for the sender to deliver.
type Job struct {
	ID         string            `json:"id"`
	RecordID   string            `json:"record_id"`
	EmailID    string            `json:"email_id"`
	To         string            `json:"to"`
	Subject    string            `json:"subject"`
	TemplateID string            `json:"template_id"`
	Variables  map[string]string `json:"variables,omitempty"`
	Actions    []models.Action   `json:"actions"`
	CreatedAt  time.Time         `json:"created_at"`
}

// NewJob builds a job from a finished record. It returns false when the
// decision does not send anything.
func NewJob(rec models.ProcessingRecord, recordID string, now time.Time) (Job, bool) {
	d := rec.Decision
	if !d.Kind.Sends() || d.TemplateID == "" {
		return Job{}, false
	}
	return Job{
		ID:         uuid.New().String(),
		RecordID:   recordID,
		EmailID:    rec.EmailID,
		To:         rec.SenderAddress,
		Subject:    d.Subject,
		TemplateID: d.TemplateID,
		Variables:  d.Variables,
		Actions:    d.Actions,
		CreatedAt:  now.UTC(),
	}, true
}

// Publisher pushes response jobs onto a Redis list.
type Publisher struct {
	rdb       pusher
	queueName string
}

// NewPublisher creates a publisher targeting queueName.
func NewPublisher(rdb pusher, queueName string) *Publisher {
	if queueName == "" {
		queueName = DefaultQueue
	}
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// PublishResponse serialises job and pushes it with LPUSH, so consumers
// read with BRPOP in arrival order.
func (p *Publisher) PublishResponse(ctx context.Context, job Job) error {
	if job.To == "" || job.TemplateID == "" {
		return errors.New("queue: job needs a recipient and a template")
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal response job: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, string(body)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("published response job",
		"job_id", job.ID,
		"record_id", job.RecordID,
		"template_id", job.TemplateID,
		"queue", p.queueName,
	)
	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
