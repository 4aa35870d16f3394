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

// REdI triage service
//
// Entry point for the HTTP triage service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Opens the record store (applying migrations on Postgres)
//  3. Connects to Redis when configured, for thread tracking and dispatch
//  4. Builds the analysis provider and the triage pipeline
//  5. Serves the API and shuts down gracefully on SIGTERM/SIGINT
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/redi/triage/internal/analysis"
	"github.com/redi/triage/internal/api"
	"github.com/redi/triage/internal/config"
	"github.com/redi/triage/internal/pipeline"
	"github.com/redi/triage/internal/queue"
	"github.com/redi/triage/internal/store"
	"github.com/redi/triage/internal/threads"
)

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	if err := cfg.ValidateServer(); err != nil {
		slog.Error("invalid server configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting triage service",
		"provider", cfg.Analysis.Provider,
		"model", cfg.Analysis.Model,
		"database_driver", cfg.Database.Driver,
		"threshold_high", cfg.Thresholds.High,
		"threshold_moderate", cfg.Thresholds.Moderate,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Record Store ---
	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to open record store", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	slog.Info("record store ready", "driver", cfg.Database.Driver)

	// --- Redis (optional) ---
	var (
		rdb       *redis.Client
		tracker   api.ThreadTracker
		publisher api.Dispatcher
	)
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		pub := queue.NewPublisher(rdb, cfg.Redis.ResponsesQueue)
		if err := pub.Ping(ctx); err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		tracker = threads.NewTracker(rdb, cfg.Redis.ThreadTTL)
		publisher = pub
		slog.Info("connected to Redis", "queue", cfg.Redis.ResponsesQueue)
	} else {
		slog.Info("REDIS_URL not set, thread tracking and dispatch disabled")
	}

	// --- Analysis Provider ---
	provider, err := analysis.NewProvider(ctx, cfg.Analysis)
	if err != nil {
		slog.Error("failed to build analysis provider", "error", err)
		os.Exit(1)
	}
	if c, ok := provider.(io.Closer); ok {
		defer c.Close()
	}
	client, err := analysis.NewClient(provider, cfg.Analysis, cfg.Categories)
	if err != nil {
		slog.Error("failed to build analysis client", "error", err)
		os.Exit(1)
	}

	// --- Pipeline ---
	p, err := pipeline.FromConfig(cfg, client, st)
	if err != nil {
		slog.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(api.Options{
		APIKey:     cfg.Server.APIKey,
		Pipeline:   p,
		Records:    st,
		Threads:    tracker,
		Dispatcher: publisher,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// --- Graceful Shutdown ---
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		// In-flight requests finish, including their record saves.
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		cancel()
	}()

	slog.Info("triage service listening", "addr", addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	<-done

	if rdb != nil {
		rdb.Close()
	}
	slog.Info("triage service stopped")
}
