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

// Package api exposes the triage pipeline and the record store over HTTP.
//
// Every /api route requires "Authorization: Bearer <key>". /health is open
// so load balancers can probe it.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/redi/triage/internal/inbound"
	"github.com/redi/triage/internal/models"
	"github.com/redi/triage/internal/pipeline"
	"github.com/redi/triage/internal/queue"
	"github.com/redi/triage/internal/store"
)

const (
	apiVersion = "2.0"

	defaultDays   = 30
	defaultLimit  = 50
	maxLimit      = 500
	healthTimeout = 2 * time.Second
)

// Error codes returned in the error envelope.
const (
	CodeMissingAuth    = "MISSING_AUTH"
	CodeInvalidAuth    = "INVALID_AUTH"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeNotFound       = "NOT_FOUND"
	CodeCancelled      = "REQUEST_CANCELLED"
	CodeInternal       = "INTERNAL_ERROR"
	CodeStorageFailed  = "STORAGE_WRITE_FAILED"
)

// Processor runs one email through triage. *pipeline.Pipeline satisfies it.
type Processor interface {
	Process(ctx context.Context, email *models.InboundEmail) (*pipeline.Result, error)
}

// Records is the read side of the store used by the API.
type Records interface {
	Get(ctx context.Context, id string) (*models.ProcessingRecord, error)
	FetchRecent(ctx context.Context, limit int) ([]models.ProcessingRecord, error)
	Aggregate(ctx context.Context, r store.Range) (*store.Statistics, error)
	MarkResponseSent(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// ThreadTracker reports whether a conversation was seen before. Seen only
// reads; Record is called once the email's record is persisted.
type ThreadTracker interface {
	Seen(ctx context.Context, conversationID, emailID string) (bool, error)
	Record(ctx context.Context, conversationID, emailID string) error
}

// Dispatcher queues outbound responses.
type Dispatcher interface {
	PublishResponse(ctx context.Context, job queue.Job) error
	Ping(ctx context.Context) error
}

// Options wires a Handler. Threads and Dispatcher are optional.
type Options struct {
	APIKey     string
	Pipeline   Processor
	Records    Records
	Threads    ThreadTracker
	Dispatcher Dispatcher
	Node       string
	Now        func() time.Time
}

// Handler serves the HTTP API.
type Handler struct {
	apiKey     []byte
	pipeline   Processor
	records    Records
	threads    ThreadTracker
	dispatcher Dispatcher
	node       string
	now        func() time.Time
}

// NewHandler creates a Handler from opts.
func NewHandler(opts Options) *Handler {
	if opts.Node == "" {
		opts.Node = hostname()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handler{
		apiKey:     []byte(opts.APIKey),
		pipeline:   opts.Pipeline,
		records:    opts.Records,
		threads:    opts.Threads,
		dispatcher: opts.Dispatcher,
		node:       opts.Node,
		now:        opts.Now,
	}
}

func hostname() string {
	if h := os.Getenv("HOSTNAME"); h != "" {
		return h
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}

// Router returns a gin engine with every route registered.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all routes on r.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api", h.requireAPIKey)
	{
		api.POST("/process-email", h.ProcessEmail)
		api.GET("/statistics", h.Statistics)
		api.GET("/recent-emails", h.RecentEmails)
		api.GET("/emails/:id", h.GetEmail)
		api.POST("/emails/:id/sent", h.MarkSent)
	}

	r.GET("/health", h.Health)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start).String(),
		)
	}
}

func (h *Handler) requireAPIKey(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		slog.Warn("request missing bearer token", "path", c.FullPath())
		abortError(c, http.StatusUnauthorized, CodeMissingAuth, "Authorization header required")
		return
	}
	if len(h.apiKey) == 0 || subtle.ConstantTimeCompare([]byte(token), h.apiKey) != 1 {
		slog.Warn("invalid api key", "path", c.FullPath())
		abortError(c, http.StatusUnauthorized, CodeInvalidAuth, "Invalid API key")
		return
	}
	c.Next()
}

func abortError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}

// ProcessEmail triages one email and returns the decision.
func (h *Handler) ProcessEmail(c *gin.Context) {
	ctx := c.Request.Context()

	email, err := inbound.Parse(c.Request.Body)
	if err != nil {
		abortError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	if h.threads != nil && email.ConversationID != "" {
		seen, err := h.threads.Seen(ctx, email.ConversationID, email.ID)
		if err != nil {
			slog.Warn("conversation lookup failed, treating as new",
				"email_id", email.ID,
				"error", err,
			)
		}
		email.Context.ConversationSeen = seen && err == nil
	}

	res, err := h.pipeline.Process(ctx, email)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			abortError(c, http.StatusServiceUnavailable, CodeCancelled, "request cancelled before a decision was made")
			return
		}
		slog.Error("process email failed", "email_id", email.ID, "error", err)
		abortError(c, http.StatusInternalServerError, CodeInternal, "processing failed")
		return
	}

	h.recordThread(ctx, email, res)
	dispatched := h.dispatch(ctx, res)
	c.JSON(http.StatusOK, h.buildResponse(res, dispatched))
}

// recordThread remembers the conversation once its record is persisted, so
// cancelled or failed requests leave no trace in the tracker.
func (h *Handler) recordThread(ctx context.Context, email *models.InboundEmail, res *pipeline.Result) {
	if h.threads == nil || email.ConversationID == "" || !res.Persisted() {
		return
	}
	if err := h.threads.Record(context.WithoutCancel(ctx), email.ConversationID, email.ID); err != nil {
		slog.Warn("record conversation failed",
			"email_id", email.ID,
			"error", err,
		)
	}
}

// dispatch queues the response for persisted sending decisions.
func (h *Handler) dispatch(ctx context.Context, res *pipeline.Result) bool {
	if h.dispatcher == nil || !res.Persisted() {
		return false
	}
	job, ok := queue.NewJob(res.Record, res.RecordID, h.now())
	if !ok {
		return false
	}
	if err := h.dispatcher.PublishResponse(context.WithoutCancel(ctx), job); err != nil {
		slog.Error("dispatch response failed",
			"record_id", res.RecordID,
			"error", err,
		)
		return false
	}
	return true
}

type decisionView struct {
	Kind             string   `json:"kind"`
	ShouldRespond    bool     `json:"shouldRespond"`
	Category         string   `json:"category,omitempty"`
	Confidence       *float64 `json:"confidence"`
	ReasonCode       string   `json:"reasonCode"`
	SensitivityFlags []string `json:"sensitivityFlags"`
}

type humanReviewView struct {
	Required  bool   `json:"required"`
	Suggested bool   `json:"suggested"`
	Priority  string `json:"priority,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type actionView struct {
	Type   string            `json:"type"`
	Params map[string]string `json:"params,omitempty"`
}

type responseView struct {
	TemplateID string            `json:"templateId"`
	Subject    string            `json:"subject"`
	Variables  map[string]string `json:"variables"`
}

type metadataView struct {
	APIVersion      string `json:"apiVersion"`
	ProcessingNode  string `json:"processingNode"`
	Model           string `json:"model,omitempty"`
	TokensUsed      int    `json:"tokensUsed"`
	SkippedAnalysis bool   `json:"skippedAnalysis"`
	PreFilterReason string `json:"preFilterReason"`
}

type warningView struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type processResponse struct {
	Success        bool            `json:"success"`
	ProcessingTime float64         `json:"processingTime"`
	RecordID       string          `json:"recordId,omitempty"`
	Persisted      bool            `json:"persisted"`
	Dispatched     bool            `json:"dispatched"`
	Decision       decisionView    `json:"decision"`
	HumanReview    humanReviewView `json:"humanReview"`
	Actions        []actionView    `json:"actions"`
	Response       *responseView   `json:"response"`
	Metadata       metadataView    `json:"metadata"`
	Warning        *warningView    `json:"warning,omitempty"`
}

func (h *Handler) buildResponse(res *pipeline.Result, dispatched bool) processResponse {
	d := res.Decision
	rec := res.Record

	out := processResponse{
		Success:        true,
		ProcessingTime: rec.ProcessingTime.Seconds(),
		RecordID:       res.RecordID,
		Persisted:      res.Persisted(),
		Dispatched:     dispatched,
		Decision: decisionView{
			Kind:             string(d.Kind),
			ShouldRespond:    d.Kind.Sends(),
			Category:         d.Category,
			Confidence:       d.Confidence,
			ReasonCode:       d.ReasonCode,
			SensitivityFlags: rec.SensitivityFlags.Strings(),
		},
		HumanReview: humanReviewView{
			Required:  d.HumanReview.Required,
			Suggested: d.HumanReview.Suggested,
			Priority:  string(d.HumanReview.Priority),
			Reason:    d.HumanReview.Reason,
		},
		Actions: make([]actionView, 0, len(d.Actions)),
		Metadata: metadataView{
			APIVersion:      apiVersion,
			ProcessingNode:  h.node,
			Model:           rec.Model,
			TokensUsed:      rec.TokensUsed,
			SkippedAnalysis: rec.SkippedAnalysis,
			PreFilterReason: rec.PreFilterReason,
		},
	}
	for _, a := range d.Actions {
		out.Actions = append(out.Actions, actionView{Type: string(a.Type), Params: a.Params})
	}
	if d.Kind.Sends() && d.TemplateID != "" {
		out.Response = &responseView{
			TemplateID: d.TemplateID,
			Subject:    d.Subject,
			Variables:  d.Variables,
		}
	}
	if res.StorageErr != nil {
		out.Warning = &warningView{
			Code:    CodeStorageFailed,
			Message: "decision made but the audit record could not be saved",
		}
	}
	return out
}

// Statistics returns aggregates for ?days=N or ?from=&to= (RFC3339).
func (h *Handler) Statistics(c *gin.Context) {
	r, err := h.parseRange(c)
	if err != nil {
		abortError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	stats, err := h.records.Aggregate(c.Request.Context(), r)
	if err != nil {
		slog.Error("aggregate statistics failed", "error", err)
		abortError(c, http.StatusInternalServerError, CodeInternal, "failed to load statistics")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"statistics": stats,
	})
}

func (h *Handler) parseRange(c *gin.Context) (store.Range, error) {
	from, to := c.Query("from"), c.Query("to")
	if from != "" || to != "" {
		if from == "" || to == "" {
			return store.Range{}, errors.New("from and to must be given together")
		}
		f, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return store.Range{}, errors.New("from must be an RFC3339 timestamp")
		}
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return store.Range{}, errors.New("to must be an RFC3339 timestamp")
		}
		if !t.After(f) {
			return store.Range{}, errors.New("to must be after from")
		}
		return store.Range{From: f.UTC(), To: t.UTC()}, nil
	}

	days := defaultDays
	if s := c.Query("days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return store.Range{}, errors.New("days must be a positive integer")
		}
		days = n
	}
	return store.LastDays(days, h.now().UTC()), nil
}

// RecentEmails returns the newest records, ?limit=N (default 50, max 500).
func (h *Handler) RecentEmails(c *gin.Context) {
	limit := defaultLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			abortError(c, http.StatusBadRequest, CodeInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxLimit)
	}

	records, err := h.records.FetchRecent(c.Request.Context(), limit)
	if err != nil {
		slog.Error("fetch recent emails failed", "error", err)
		abortError(c, http.StatusInternalServerError, CodeInternal, "failed to load recent emails")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"count":   len(records),
		"emails":  records,
	})
}

// GetEmail returns one record with its reasoning steps.
func (h *Handler) GetEmail(c *gin.Context) {
	rec, err := h.records.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		abortError(c, http.StatusNotFound, CodeNotFound, "record not found")
		return
	}
	if err != nil {
		slog.Error("get email record failed", "record_id", c.Param("id"), "error", err)
		abortError(c, http.StatusInternalServerError, CodeInternal, "failed to load record")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "email": rec})
}

// MarkSent records that the response for a record went out.
func (h *Handler) MarkSent(c *gin.Context) {
	id := c.Param("id")
	err := h.records.MarkResponseSent(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		abortError(c, http.StatusNotFound, CodeNotFound, "record not found")
		return
	}
	if err != nil {
		slog.Error("mark response sent failed", "record_id", id, "error", err)
		abortError(c, http.StatusInternalServerError, CodeInternal, "failed to update record")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "recordId": id})
}

// Health pings the store and, when configured, Redis.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	status, code := "healthy", http.StatusOK
	database := "connected"
	if err := h.records.Ping(ctx); err != nil {
		slog.Warn("health check: store unreachable", "error", err)
		database, status, code = "unreachable", "unhealthy", http.StatusServiceUnavailable
	}
	redisState := "disabled"
	if h.dispatcher != nil {
		redisState = "connected"
		if err := h.dispatcher.Ping(ctx); err != nil {
			slog.Warn("health check: redis unreachable", "error", err)
			redisState, status, code = "unreachable", "unhealthy", http.StatusServiceUnavailable
		}
	}

	c.JSON(code, gin.H{
		"status":    status,
		"version":   apiVersion,
		"timestamp": h.now().UTC().Format(time.RFC3339),
		"database":  database,
		"redis":     redisState,
	})
}
