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

// Package replay reprocesses archived emails, one JSON request per line,
// through the triage pipeline with bounded concurrency.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/redi/triage/internal/inbound"
	"github.com/redi/triage/internal/models"
	"github.com/redi/triage/internal/pipeline"
)

// DefaultConcurrency is used when RunnerConfig.Concurrency is not positive.
const DefaultConcurrency = 4

// Processor runs one email through triage.
type Processor interface {
	Process(ctx context.Context, email *models.InboundEmail) (*pipeline.Result, error)
}

// Summary describes a completed replay run.
type Summary struct {
	Total         int
	ByKind        map[models.DecisionKind]int
	Rejected      int
	Duplicates    int
	StorageErrors int
	Elapsed       time.Duration
}

// RunnerConfig holds dependencies for the replay runner.
type RunnerConfig struct {
	Pipeline    Processor
	Concurrency int
	// OnResult, when set, is called for every processed email. Calls may
	// be concurrent.
	OnResult func(email *models.InboundEmail, res *pipeline.Result)
}

// Runner replays NDJSON email archives.
type Runner struct {
	pipeline    Processor
	concurrency int
	onResult    func(*models.InboundEmail, *pipeline.Result)
}

// NewRunner creates a replay runner.
func NewRunner(cfg RunnerConfig) *Runner {
	n := cfg.Concurrency
	if n <= 0 {
		n = DefaultConcurrency
	}
	return &Runner{
		pipeline:    cfg.Pipeline,
		concurrency: n,
		onResult:    cfg.OnResult,
	}
}

// Run reads src line by line and processes each email. Lines that fail
// validation are counted and skipped; repeated email ids are processed
// once. Run stops early only when ctx is cancelled or src cannot be read.
func (r *Runner) Run(ctx context.Context, src io.Reader) (*Summary, error) {
	start := time.Now()
	sum := &Summary{ByKind: make(map[models.DecisionKind]int)}
	var mu sync.Mutex

	slog.Info("starting replay", "concurrency", r.concurrency)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), inbound.MaxBodyBytes)

	seen := make(map[string]bool)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		if gctx.Err() != nil {
			break
		}

		email, err := inbound.Decode(raw)
		if err != nil {
			slog.Warn("replay: rejected line", "line", line, "error", err)
			mu.Lock()
			sum.Rejected++
			mu.Unlock()
			continue
		}
		if seen[email.ID] {
			mu.Lock()
			sum.Duplicates++
			mu.Unlock()
			continue
		}
		seen[email.ID] = true

		g.Go(func() error {
			res, err := r.pipeline.Process(gctx, email)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				slog.Error("replay: process failed", "email_id", email.ID, "error", err)
				mu.Lock()
				sum.Rejected++
				mu.Unlock()
				return nil
			}

			mu.Lock()
			sum.Total++
			sum.ByKind[res.Decision.Kind]++
			if res.StorageErr != nil {
				sum.StorageErrors++
			}
			mu.Unlock()

			if r.onResult != nil {
				r.onResult(email, res)
			}
			return nil
		})
	}
	scanErr := scanner.Err()

	waitErr := g.Wait()
	sum.Elapsed = time.Since(start)

	if scanErr != nil {
		return sum, fmt.Errorf("read replay input: %w", scanErr)
	}
	if waitErr != nil {
		return sum, waitErr
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}

	slog.Info("replay complete",
		"total", sum.Total,
		"rejected", sum.Rejected,
		"duplicates", sum.Duplicates,
		"storage_errors", sum.StorageErrors,
		"elapsed", sum.Elapsed.String(),
	)
	return sum, nil
}
