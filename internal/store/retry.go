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
	"log/slog"
	"time"

	retry "github.com/sethvargo/go-retry"

	"github.com/redi/triage/internal/models"
)

const defaultRetryBase = 100 * time.Millisecond

// Retrying retries transient Save failures with Fibonacci backoff. The
// caller's context bounds the total time spent.
type Retrying struct {
	Store
	retries uint64
	base    time.Duration
}

// WithRetry wraps s so Save is attempted up to retries+1 times.
func WithRetry(s Store, retries int, base time.Duration) *Retrying {
	if retries < 0 {
		retries = 0
	}
	if base <= 0 {
		base = defaultRetryBase
	}
	return &Retrying{Store: s, retries: uint64(retries), base: base}
}

// Save persists rec. Invalid records and first-attempt duplicates fail
// immediately. A duplicate seen on a later attempt means an earlier attempt
// committed, so it counts as success.
func (r *Retrying) Save(ctx context.Context, rec models.ProcessingRecord) (string, error) {
	var (
		id      string
		attempt int
	)
	b := retry.WithMaxRetries(r.retries, retry.NewFibonacci(r.base))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		var err error
		id, err = r.Store.Save(ctx, rec)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, errDuplicate) && attempt > 1:
			id = rec.ID
			return nil
		case errors.Is(err, errInvalidRecord), errors.Is(err, errDuplicate):
			return err
		}
		slog.Warn("record save failed, retrying",
			"record_id", rec.ID,
			"attempt", attempt,
			"error", err,
		)
		return retry.RetryableError(err)
	})
	if err != nil {
		if !IsWriteError(err) {
			err = &WriteError{RecordID: rec.ID, Err: err}
		}
		return "", err
	}
	return id, nil
}
