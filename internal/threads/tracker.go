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

// Package threads remembers which conversations have already been seen so
// follow-up messages in the same thread are treated as ongoing.
package threads

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a conversation id is remembered.
	DefaultTTL = 30 * 24 * time.Hour

	keyPrefix = "triage:conv:"
)

// client is the slice of the Redis client the tracker needs.
type client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Tracker records conversation ids in Redis. The value stored under a
// conversation is the id of the first email recorded for it, so a retry
// of that same email is not mistaken for a follow-up.
type Tracker struct {
	rdb client
	ttl time.Duration
}

// NewTracker creates a tracker backed by rdb. A non-positive ttl falls back
// to DefaultTTL.
func NewTracker(rdb client, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{rdb: rdb, ttl: ttl}
}

// Seen reports whether conversationID was recorded by an email other than
// emailID. It only reads. An empty conversation id is never seen.
func (t *Tracker) Seen(ctx context.Context, conversationID, emailID string) (bool, error) {
	if conversationID == "" {
		return false, nil
	}
	first, err := t.rdb.Get(ctx, keyPrefix+conversationID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("threads GET: %w", err)
	}
	return first != emailID, nil
}

// Record remembers conversationID with emailID as its first email. An
// existing entry is left untouched.
func (t *Tracker) Record(ctx context.Context, conversationID, emailID string) error {
	if conversationID == "" {
		return nil
	}
	if err := t.rdb.SetNX(ctx, keyPrefix+conversationID, emailID, t.ttl).Err(); err != nil {
		return fmt.Errorf("threads SETNX: %w", err)
	}
	return nil
}
