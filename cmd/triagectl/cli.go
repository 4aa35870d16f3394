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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/redi/triage/internal/analysis"
	"github.com/redi/triage/internal/config"
	"github.com/redi/triage/internal/inbound"
	"github.com/redi/triage/internal/models"
	"github.com/redi/triage/internal/pipeline"
	"github.com/redi/triage/internal/prefilter"
	"github.com/redi/triage/internal/replay"
	"github.com/redi/triage/internal/sensitivity"
	"github.com/redi/triage/internal/store"
	"github.com/redi/triage/internal/templates"
)

// analyzerFactory builds the analysis stage. The returned func releases it.
type analyzerFactory func(ctx context.Context, cfg *config.Config) (pipeline.Analyzer, func(), error)

func defaultAnalyzer(ctx context.Context, cfg *config.Config) (pipeline.Analyzer, func(), error) {
	provider, err := analysis.NewProvider(ctx, cfg.Analysis)
	if err != nil {
		return nil, nil, err
	}
	release := func() {}
	if c, ok := provider.(io.Closer); ok {
		release = func() { _ = c.Close() }
	}
	client, err := analysis.NewClient(provider, cfg.Analysis, cfg.Categories)
	if err != nil {
		release()
		return nil, nil, err
	}
	return client, release, nil
}

const metaConfig = "config"

// newCLIApp creates the CLI application with all commands.
func newCLIApp(newAnalyzer analyzerFactory) *cli.App {
	app := &cli.App{
		Name:  "triagectl",
		Usage: "Operate the inbox triage pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, EnvVars: []string{"CONFIG_PATH"}, Value: "config.yaml", Usage: "Path to config.yaml"},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.LoadFile(c.String("config"))
			if err != nil {
				return outputError(err)
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(c.App.ErrWriter, &slog.HandlerOptions{
				Level: cfg.SlogLevel(),
			})))
			c.App.Metadata[metaConfig] = cfg
			return nil
		},
		Commands: []*cli.Command{
			checkConfigCmd(),
			processCmd(newAnalyzer),
			replayCmd(newAnalyzer),
			recentCmd(),
			statsCmd(),
		},
	}
	app.Metadata = map[string]any{}
	// Errors are returned to the caller instead of exiting the process.
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

func loadedConfig(c *cli.Context) *config.Config {
	return c.App.Metadata[metaConfig].(*config.Config)
}

type configSummary struct {
	Valid           bool              `json:"valid"`
	Provider        string            `json:"provider"`
	Model           string            `json:"model"`
	Timeout         string            `json:"timeout"`
	Thresholds      config.Thresholds `json:"thresholds"`
	DatabaseDriver  string            `json:"database_driver"`
	Redis           bool              `json:"redis"`
	Categories      int               `json:"categories"`
	SensitivitySets int               `json:"sensitivity_sets"`
	PrefilterRules  int               `json:"prefilter_rules"`
	TemplateRules   int               `json:"template_rules"`
}

// checkConfigCmd creates the check-config command.
func checkConfigCmd() *cli.Command {
	return &cli.Command{
		Name:  "check-config",
		Usage: "Validate configuration and compile every rule table",
		Action: func(c *cli.Context) error {
			cfg := loadedConfig(c)
			if _, err := sensitivity.NewDetector(cfg.Sensitivity); err != nil {
				return outputError(err)
			}
			if _, err := prefilter.New(cfg.Prefilter); err != nil {
				return outputError(err)
			}
			if _, err := templates.New(cfg.Templates); err != nil {
				return outputError(err)
			}
			return outputJSON(c, configSummary{
				Valid:           true,
				Provider:        cfg.Analysis.Provider,
				Model:           cfg.Analysis.Model,
				Timeout:         cfg.Analysis.Timeout.String(),
				Thresholds:      cfg.Thresholds,
				DatabaseDriver:  cfg.Database.Driver,
				Redis:           cfg.Redis.URL != "",
				Categories:      len(cfg.Categories),
				SensitivitySets: len(cfg.Sensitivity),
				PrefilterRules:  len(cfg.Prefilter),
				TemplateRules:   len(cfg.Templates.Rules),
			})
		},
	}
}

// buildPipeline wires a pipeline for one command run. Without persist the
// records go to an in-memory store that is discarded afterwards.
func buildPipeline(c *cli.Context, newAnalyzer analyzerFactory, persist bool) (*pipeline.Pipeline, func(), error) {
	cfg := loadedConfig(c)

	var st store.Store = store.NewMemory()
	if persist {
		if err := cfg.ValidateStore(); err != nil {
			return nil, nil, err
		}
		opened, err := store.Open(c.Context, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("open record store: %w", err)
		}
		st = opened
	}

	analyzer, release, err := newAnalyzer(c.Context, cfg)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("build analyzer: %w", err)
	}

	p, err := pipeline.FromConfig(cfg, analyzer, st)
	if err != nil {
		release()
		st.Close()
		return nil, nil, err
	}
	return p, func() {
		release()
		st.Close()
	}, nil
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	return f, nil
}

type processOutput struct {
	RecordID   string                  `json:"record_id,omitempty"`
	Persisted  bool                    `json:"persisted"`
	StorageErr string                  `json:"storage_error,omitempty"`
	Decision   models.Decision         `json:"decision"`
	Record     models.ProcessingRecord `json:"record"`
}

// processCmd creates the process command.
func processCmd(newAnalyzer analyzerFactory) *cli.Command {
	return &cli.Command{
		Name:  "process",
		Usage: "Triage one email request (JSON) and print the decision and audit record",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Value: "-", Usage: "Request JSON file, - for stdin"},
			&cli.BoolFlag{Name: "persist", Usage: "Save the record to the configured database"},
		},
		Action: func(c *cli.Context) error {
			in, err := openInput(c.String("file"))
			if err != nil {
				return outputError(err)
			}
			defer in.Close()

			email, err := inbound.Parse(in)
			if err != nil {
				return outputError(err)
			}

			p, closeFn, err := buildPipeline(c, newAnalyzer, c.Bool("persist"))
			if err != nil {
				return outputError(err)
			}
			defer closeFn()

			res, err := p.Process(c.Context, email)
			if err != nil {
				return outputError(err)
			}

			out := processOutput{
				RecordID:  res.RecordID,
				Persisted: c.Bool("persist") && res.Persisted(),
				Decision:  res.Decision,
				Record:    res.Record,
			}
			if res.StorageErr != nil {
				out.StorageErr = res.StorageErr.Error()
			}
			return outputJSON(c, out)
		},
	}
}

type replayOutput struct {
	Total         int            `json:"total"`
	ByKind        map[string]int `json:"by_kind"`
	Rejected      int            `json:"rejected"`
	Duplicates    int            `json:"duplicates"`
	StorageErrors int            `json:"storage_errors"`
	Elapsed       string         `json:"elapsed"`
}

// replayCmd creates the replay command.
func replayCmd(newAnalyzer analyzerFactory) *cli.Command {
	return &cli.Command{
		Name:  "replay",
		Usage: "Reprocess newline-delimited email requests",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Value: "-", Usage: "NDJSON file, - for stdin"},
			&cli.IntFlag{Name: "concurrency", Aliases: []string{"n"}, Value: replay.DefaultConcurrency, Usage: "Emails processed in parallel"},
			&cli.BoolFlag{Name: "persist", Usage: "Save records to the configured database"},
		},
		Action: func(c *cli.Context) error {
			in, err := openInput(c.String("file"))
			if err != nil {
				return outputError(err)
			}
			defer in.Close()

			p, closeFn, err := buildPipeline(c, newAnalyzer, c.Bool("persist"))
			if err != nil {
				return outputError(err)
			}
			defer closeFn()

			runner := replay.NewRunner(replay.RunnerConfig{
				Pipeline:    p,
				Concurrency: c.Int("concurrency"),
			})
			sum, err := runner.Run(c.Context, in)
			if err != nil {
				return outputError(err)
			}

			out := replayOutput{
				Total:         sum.Total,
				ByKind:        make(map[string]int, len(sum.ByKind)),
				Rejected:      sum.Rejected,
				Duplicates:    sum.Duplicates,
				StorageErrors: sum.StorageErrors,
				Elapsed:       sum.Elapsed.Round(time.Millisecond).String(),
			}
			for k, v := range sum.ByKind {
				out.ByKind[string(k)] = v
			}
			return outputJSON(c, out)
		},
	}
}

func openStore(c *cli.Context) (store.Store, error) {
	cfg := loadedConfig(c)
	if err := cfg.ValidateStore(); err != nil {
		return nil, err
	}
	return store.Open(c.Context, cfg.Database)
}

// recentCmd creates the recent command.
func recentCmd() *cli.Command {
	return &cli.Command{
		Name:  "recent",
		Usage: "List the most recently processed emails",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: 20, Usage: "Maximum records to list"},
		},
		Action: func(c *cli.Context) error {
			limit := c.Int("limit")
			if limit <= 0 {
				return outputError(errors.New("--limit must be positive"))
			}
			st, err := openStore(c)
			if err != nil {
				return outputError(err)
			}
			defer st.Close()

			records, err := st.FetchRecent(c.Context, limit)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, map[string]any{
				"count":  len(records),
				"emails": records,
			})
		},
	}
}

// statsCmd creates the stats command.
func statsCmd() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show processing statistics for the last N days",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "days", Aliases: []string{"d"}, Value: 30, Usage: "Days to include"},
		},
		Action: func(c *cli.Context) error {
			days := c.Int("days")
			if days <= 0 {
				return outputError(errors.New("--days must be positive, got " + strconv.Itoa(days)))
			}
			st, err := openStore(c)
			if err != nil {
				return outputError(err)
			}
			defer st.Close()

			stats, err := st.Aggregate(c.Context, store.LastDays(days, time.Now().UTC()))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, stats)
		},
	}
}

// outputJSON writes v as indented JSON to the app's writer.
func outputJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats err for the terminal.
func outputError(err error) error {
	var cfgErr *config.Error
	if errors.As(err, &cfgErr) {
		return cli.Exit(fmt.Sprintf("[CONFIG] %s", cfgErr.Error()), 1)
	}
	var vErr *inbound.ValidationError
	if errors.As(err, &vErr) {
		return cli.Exit(fmt.Sprintf("[INVALID_REQUEST] %s", vErr.Error()), 1)
	}
	return cli.Exit(err.Error(), 1)
}
