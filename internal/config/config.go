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

// Package config loads configuration from config.yaml and environment variables.
//
// The YAML file is optional. Every setting has a built-in default, YAML
// values are decoded on top of the defaults, and environment variables
// override scalar settings last. Validate must pass before any email is
// processed.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/redi/triage/internal/models"
)

// Error reports an invalid or missing configuration value. It is fatal at
// startup and never produced per request.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
}

func newError(field, format string, args ...any) *Error {
	return &Error{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is, or wraps, a configuration error.
func IsConfigError(err error) bool {
	var cErr *Error
	return errors.As(err, &cErr)
}

// ServerConfig holds HTTP surface settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	APIKey       string        `yaml:"api_key"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig selects and sizes the record store.
type DatabaseConfig struct {
	Driver      string        `yaml:"driver"` // "postgres" or "sqlite"
	URL         string        `yaml:"url"`
	MaxConns    int           `yaml:"max_conns"`
	SaveTimeout time.Duration `yaml:"save_timeout"`
	SaveRetries int           `yaml:"save_retries"`
}

// RedisConfig holds the optional Redis connection used for conversation
// tracking and outbound dispatch. An empty URL disables both.
type RedisConfig struct {
	URL            string        `yaml:"url"`
	ThreadTTL      time.Duration `yaml:"thread_ttl"`
	ResponsesQueue string        `yaml:"responses_queue"`
}

// OAuthConfig enables client-credentials auth toward the analysis provider.
type OAuthConfig struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// Enabled reports whether client credentials are configured.
func (o OAuthConfig) Enabled() bool {
	return o.TokenURL != "" && o.ClientID != ""
}

// AnalysisConfig describes the external analysis provider.
type AnalysisConfig struct {
	Provider         string        `yaml:"provider"` // "openai" or "gemini"
	Model            string        `yaml:"model"`
	BaseURL          string        `yaml:"base_url"`
	APIKey           string        `yaml:"api_key"`
	Temperature      float64       `yaml:"temperature"`
	MaxTokens        int           `yaml:"max_tokens"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxConns         int           `yaml:"max_conns"`
	SystemPromptPath string        `yaml:"system_prompt_path"`
	OAuth            OAuthConfig   `yaml:"oauth"`
}

// Thresholds are the three confidence cut-offs used by the decision policy.
type Thresholds struct {
	High     float64 `yaml:"high"`
	Moderate float64 `yaml:"moderate"`
	Low      float64 `yaml:"low"`
}

// ReviewBand controls human review for confidence in [low, moderate).
type ReviewBand struct {
	Required bool   `yaml:"required"`
	Priority string `yaml:"priority"`
	Reason   string `yaml:"reason"`
}

// PrefilterRule matches one non-actionable message pattern.
type PrefilterRule struct {
	Reason   string   `yaml:"reason"`
	Category string   `yaml:"category"`
	Field    string   `yaml:"field"` // subject, sender, body, header
	Match    string   `yaml:"match"` // contains, prefix, regex, present
	Header   string   `yaml:"header,omitempty"`
	Patterns []string `yaml:"patterns"`
}

// TemplateRule maps a (decision kind, category) pair to a template id.
// When Requires names a context item that is absent, Otherwise is used.
type TemplateRule struct {
	Kind      string `yaml:"kind"`
	Category  string `yaml:"category"`
	Template  string `yaml:"template"`
	Requires  string `yaml:"requires,omitempty"` // "", "certificate", "booking"
	Otherwise string `yaml:"otherwise,omitempty"`
}

// TemplateConfig is the template selection table.
type TemplateConfig struct {
	Fallback string         `yaml:"fallback"`
	Rules    []TemplateRule `yaml:"rules"`
}

// Config holds all configuration for the triage service.
type Config struct {
	LogLevel    string              `yaml:"log_level"`
	Server      ServerConfig        `yaml:"server"`
	Database    DatabaseConfig      `yaml:"database"`
	Redis       RedisConfig         `yaml:"redis"`
	Analysis    AnalysisConfig      `yaml:"analysis"`
	Thresholds  Thresholds          `yaml:"thresholds"`
	ReviewBand  ReviewBand          `yaml:"review_band"`
	Sensitivity map[string][]string `yaml:"sensitivity"`
	Prefilter   []PrefilterRule     `yaml:"prefilter"`
	Templates   TemplateConfig      `yaml:"templates"`
	Categories  []string            `yaml:"categories"`
}

// Load reads configuration from CONFIG_PATH (default config.yaml), applies
// environment overrides and validates the result.
func Load() (*Config, error) {
	return LoadFile(envOrDefault("CONFIG_PATH", "config.yaml"))
}

// LoadFile is Load with an explicit path. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("config file not found, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	default:
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.LogLevel = envOrDefault("LOG_LEVEL", c.LogLevel)

	c.Server.APIKey = firstNonEmpty(os.Getenv("API_KEY"), os.Getenv("REDI_API_KEY"), c.Server.APIKey)
	c.Database.Driver = envOrDefault("DATABASE_DRIVER", c.Database.Driver)
	c.Database.URL = envOrDefault("DATABASE_URL", c.Database.URL)
	c.Redis.URL = envOrDefault("REDIS_URL", c.Redis.URL)
	c.Redis.ResponsesQueue = envOrDefault("RESPONSES_QUEUE", c.Redis.ResponsesQueue)

	c.Analysis.Provider = envOrDefault("ANALYSIS_PROVIDER", c.Analysis.Provider)
	c.Analysis.Model = firstNonEmpty(os.Getenv("ANALYSIS_MODEL"), os.Getenv("OPENAI_MODEL"), c.Analysis.Model)
	c.Analysis.BaseURL = envOrDefault("ANALYSIS_BASE_URL", c.Analysis.BaseURL)
	c.Analysis.APIKey = firstNonEmpty(os.Getenv("ANALYSIS_API_KEY"), os.Getenv("OPENAI_API_KEY"), c.Analysis.APIKey)

	var err error
	if c.Server.Port, err = envInt("PORT", c.Server.Port); err != nil {
		return err
	}
	if c.Database.MaxConns, err = envInt("DATABASE_MAX_CONNS", c.Database.MaxConns); err != nil {
		return err
	}
	if c.Database.SaveRetries, err = envInt("DATABASE_SAVE_RETRIES", c.Database.SaveRetries); err != nil {
		return err
	}
	if c.Analysis.MaxTokens, err = envInt("ANALYSIS_MAX_TOKENS", c.Analysis.MaxTokens); err != nil {
		return err
	}
	if c.Analysis.Timeout, err = envDuration("ANALYSIS_TIMEOUT", c.Analysis.Timeout); err != nil {
		return err
	}
	if c.Analysis.Temperature, err = envFloat("ANALYSIS_TEMPERATURE", c.Analysis.Temperature); err != nil {
		return err
	}
	if c.Thresholds.High, err = envFloat("CONFIDENCE_THRESHOLD_HIGH", c.Thresholds.High); err != nil {
		return err
	}
	if c.Thresholds.Moderate, err = envFloat("CONFIDENCE_THRESHOLD_MODERATE", c.Thresholds.Moderate); err != nil {
		return err
	}
	if c.Thresholds.Low, err = envFloat("CONFIDENCE_THRESHOLD_LOW", c.Thresholds.Low); err != nil {
		return err
	}
	return nil
}

// normalise lower-cases enumerations and accepts hyphenated flag names.
func (c *Config) normalise() {
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	c.Analysis.Provider = strings.ToLower(strings.TrimSpace(c.Analysis.Provider))
	c.ReviewBand.Priority = strings.ToLower(strings.TrimSpace(c.ReviewBand.Priority))

	if len(c.Sensitivity) > 0 {
		norm := make(map[string][]string, len(c.Sensitivity))
		for k, v := range c.Sensitivity {
			key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(k)), "-", "_")
			norm[key] = append(norm[key], v...)
		}
		c.Sensitivity = norm
	}
	for i := range c.Categories {
		c.Categories[i] = NormaliseCategory(c.Categories[i])
	}
	for i := range c.Templates.Rules {
		c.Templates.Rules[i].Kind = strings.ToLower(strings.TrimSpace(c.Templates.Rules[i].Kind))
		c.Templates.Rules[i].Category = NormaliseCategory(c.Templates.Rules[i].Category)
	}
}

// NormaliseCategory turns a free-form label into its snake_case form.
func NormaliseCategory(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_", "/", "_").Replace(s)
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

// Validate checks the settings the pipeline depends on.
func (c *Config) Validate() error {
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}

	if strings.TrimSpace(c.Analysis.Model) == "" {
		return newError("analysis.model", "model identifier is required")
	}
	if c.Analysis.Timeout <= 0 {
		return newError("analysis.timeout", "must be positive, got %s", c.Analysis.Timeout)
	}
	if c.Database.SaveRetries < 0 {
		return newError("database.save_retries", "must not be negative, got %d", c.Database.SaveRetries)
	}
	switch c.Analysis.Provider {
	case "openai", "gemini":
	default:
		return newError("analysis.provider", "unknown provider %q", c.Analysis.Provider)
	}

	switch models.Priority(c.ReviewBand.Priority) {
	case models.PriorityHigh, models.PriorityNormal, models.PriorityLow:
	default:
		return newError("review_band.priority", "unknown priority %q", c.ReviewBand.Priority)
	}

	for flag, phrases := range c.Sensitivity {
		if flag == string(models.FlagOngoingThread) {
			continue
		}
		if !models.SensitivityFlag(flag).Valid() {
			return newError("sensitivity", "unknown flag %q", flag)
		}
		for _, p := range phrases {
			if strings.TrimSpace(p) == "" {
				return newError("sensitivity."+flag, "empty phrase")
			}
		}
	}

	for i, r := range c.Prefilter {
		field := fmt.Sprintf("prefilter[%d]", i)
		if r.Reason == "" || r.Reason == "none" {
			return newError(field, "reason is required and must not be \"none\"")
		}
		switch r.Field {
		case "subject", "sender", "body":
		case "header":
			if r.Header == "" {
				return newError(field, "header rules need a header name")
			}
		default:
			return newError(field, "unknown field %q", r.Field)
		}
		switch r.Match {
		case "contains", "prefix", "regex":
			if len(r.Patterns) == 0 {
				return newError(field, "at least one pattern is required")
			}
			if r.Match == "regex" {
				for _, p := range r.Patterns {
					if _, err := regexp.Compile(p); err != nil {
						return newError(field, "invalid pattern %q: %v", p, err)
					}
				}
			}
		case "present":
			if r.Field != "header" {
				return newError(field, "match \"present\" only applies to header rules")
			}
		default:
			return newError(field, "unknown match %q", r.Match)
		}
	}

	if c.Templates.Fallback == "" {
		return newError("templates.fallback", "fallback template is required")
	}
	for i, r := range c.Templates.Rules {
		field := fmt.Sprintf("templates.rules[%d]", i)
		if !models.DecisionKind(r.Kind).Sends() {
			return newError(field, "kind must be auto_respond or info_only, got %q", r.Kind)
		}
		if r.Category == "" || r.Template == "" {
			return newError(field, "category and template are required")
		}
		switch r.Requires {
		case "", "certificate", "booking":
		default:
			return newError(field, "unknown requirement %q", r.Requires)
		}
	}
	return nil
}

// Validate enforces 0 <= low < moderate < high <= 1.
func (t Thresholds) Validate() error {
	for name, v := range map[string]float64{"high": t.High, "moderate": t.Moderate, "low": t.Low} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return newError("thresholds."+name, "must be within [0,1], got %v", v)
		}
	}
	if t.Moderate >= t.High {
		return newError("thresholds", "moderate (%v) must be below high (%v)", t.Moderate, t.High)
	}
	if t.Low >= t.Moderate {
		return newError("thresholds", "low (%v) must be below moderate (%v)", t.Low, t.Moderate)
	}
	return nil
}

// ValidateServer checks the additional settings cmd/server needs.
func (c *Config) ValidateServer() error {
	if c.Server.APIKey == "" {
		return newError("server.api_key", "API_KEY is required")
	}
	if c.Server.Port <= 0 {
		return newError("server.port", "must be positive, got %d", c.Server.Port)
	}
	return c.ValidateStore()
}

// ValidateStore checks the record store settings.
func (c *Config) ValidateStore() error {
	switch c.Database.Driver {
	case "memory":
		return nil
	case "postgres", "sqlite":
	default:
		return newError("database.driver", "unknown driver %q", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return newError("database.url", "DATABASE_URL is required")
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, newError(key, "not an integer: %q", v)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, newError(key, "not a number: %q", v)
	}
	return f, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Bare numbers are seconds
		if secs, ferr := strconv.ParseFloat(v, 64); ferr == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		return 0, newError(key, "not a duration: %q", v)
	}
	return d, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
