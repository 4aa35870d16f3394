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

// Package inbound decodes process-email requests into models.InboundEmail.
package inbound

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/redi/triage/internal/models"
)

// MaxBodyBytes bounds one request body.
const MaxBodyBytes = 1 << 20

// ValidationError reports a request that cannot be processed.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Message)
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// request mirrors the JSON body posted by the mailbox integration.
type request struct {
	EmailID          string `json:"emailId"`
	ConversationID   string `json:"conversationId"`
	ReceivedDateTime string `json:"receivedDateTime"`
	From             struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"from"`
	Subject     string          `json:"subject"`
	BodyPreview string          `json:"bodyPreview"`
	BodyText    string          `json:"bodyText"`
	BodyHTML    string          `json:"bodyHtml"`
	Headers     json.RawMessage `json:"headers"`
	Context     struct {
		UserBookings []struct {
			BookingID string `json:"bookingId"`
			Course    string `json:"course"`
			Date      string `json:"date"`
			StartTime string `json:"startTime"`
			Venue     string `json:"venue"`
		} `json:"userBookings"`
		UserCertificates []struct {
			CertificateID  string `json:"certificateId"`
			Course         string `json:"course"`
			Date           string `json:"date"`
			CertificateURL string `json:"certificateUrl"`
		} `json:"userCertificates"`
		BookingCount     int `json:"bookingCount"`
		CertificateCount int `json:"certificateCount"`
	} `json:"context"`
}

// Graph-style header list.
type headerEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// Parse decodes and validates one request body.
func Parse(body io.Reader) (*models.InboundEmail, error) {
	var req request
	dec := json.NewDecoder(io.LimitReader(body, MaxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		return nil, &ValidationError{Field: "body", Message: "malformed JSON: " + err.Error()}
	}
	return req.toEmail()
}

// Decode is Parse for an already-read payload, one NDJSON line for example.
func Decode(data []byte) (*models.InboundEmail, error) {
	return Parse(bytes.NewReader(data))
}

func (r *request) toEmail() (*models.InboundEmail, error) {
	if strings.TrimSpace(r.EmailID) == "" {
		return nil, &ValidationError{Field: "emailId", Message: "is required"}
	}
	sender := strings.TrimSpace(r.From.Email)
	if sender == "" {
		return nil, &ValidationError{Field: "from.email", Message: "is required"}
	}
	if strings.TrimSpace(r.ReceivedDateTime) == "" {
		return nil, &ValidationError{Field: "receivedDateTime", Message: "is required"}
	}
	received, err := parseTime(r.ReceivedDateTime)
	if err != nil {
		return nil, &ValidationError{Field: "receivedDateTime", Message: err.Error()}
	}
	headers, err := decodeHeaders(r.Headers)
	if err != nil {
		return nil, &ValidationError{Field: "headers", Message: err.Error()}
	}

	email := &models.InboundEmail{
		ID:             r.EmailID,
		ConversationID: r.ConversationID,
		ReceivedAt:     received,
		Sender: models.Sender{
			Name:    strings.TrimSpace(r.From.Name),
			Address: sender,
		},
		Subject:  r.Subject,
		Preview:  r.BodyPreview,
		BodyText: r.BodyText,
		BodyHTML: r.BodyHTML,
		Headers:  headers,
	}

	bookings := make([]models.Booking, 0, len(r.Context.UserBookings))
	for _, b := range r.Context.UserBookings {
		bookings = append(bookings, models.Booking{
			ID:        b.BookingID,
			Course:    b.Course,
			Date:      b.Date,
			StartTime: b.StartTime,
			Venue:     b.Venue,
		})
	}
	certs := make([]models.Certificate, 0, len(r.Context.UserCertificates))
	for _, c := range r.Context.UserCertificates {
		certs = append(certs, models.Certificate{
			ID:     c.CertificateID,
			Course: c.Course,
			Date:   c.Date,
			URL:    c.CertificateURL,
		})
	}
	email.Context = models.Context{
		BookingCount:     max(r.Context.BookingCount, len(bookings)),
		CertificateCount: max(r.Context.CertificateCount, len(certs)),
		Bookings:         bookings,
		Certificates:     certs,
	}
	return email, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// decodeHeaders accepts either an object of name to value or a list of
// {name, value} entries.
func decodeHeaders(raw json.RawMessage) (map[string]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err == nil {
		return m, nil
	}
	var list []headerEntry
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, errors.New("must be an object or a list of {name, value}")
	}
	m = make(map[string]string, len(list))
	for _, h := range list {
		m[h.Name] = h.Value
	}
	return m, nil
}
