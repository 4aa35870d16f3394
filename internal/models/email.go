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

// Package models defines the data structures shared across the triage service.
package models

import (
	"strings"
	"time"
)

// Sender identifies who sent an email.
type Sender struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// Booking is an upcoming course booking held by the sender.
type Booking struct {
	ID        string `json:"booking_id"`
	Course    string `json:"course,omitempty"`
	Date      string `json:"date,omitempty"`
	StartTime string `json:"start_time,omitempty"`
	Venue     string `json:"venue,omitempty"`
}

// Certificate is a completed course certificate held by the sender.
type Certificate struct {
	ID     string `json:"certificate_id,omitempty"`
	Course string `json:"course,omitempty"`
	Date   string `json:"date,omitempty"`
	URL    string `json:"certificate_url,omitempty"`
}

// Context bundles what the organisation already knows about the sender.
type Context struct {
	BookingCount     int           `json:"booking_count"`
	CertificateCount int           `json:"certificate_count"`
	Bookings         []Booking     `json:"bookings"`
	Certificates     []Certificate `json:"certificates"`

	// ConversationSeen is set by the caller when the conversation id has
	// already been processed once before.
	ConversationSeen bool `json:"conversation_seen"`
}

// InboundEmail is a received email ready for triage. It is not modified
// after it has been decoded.
type InboundEmail struct {
	ID             string            `json:"email_id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	ReceivedAt     time.Time         `json:"received_at"`
	Sender         Sender            `json:"from"`
	Subject        string            `json:"subject"`
	Preview        string            `json:"preview,omitempty"`
	BodyText       string            `json:"body_text"`
	BodyHTML       string            `json:"body_html,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Context        Context           `json:"context"`
}

// Header returns the value of the named header, matched case-insensitively.
func (e *InboundEmail) Header(name string) string {
	if v, ok := e.Headers[name]; ok {
		return v
	}
	for k, v := range e.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// FirstCertificate returns the first certificate in context, if any.
func (c Context) FirstCertificate() (Certificate, bool) {
	if len(c.Certificates) == 0 {
		return Certificate{}, false
	}
	return c.Certificates[0], true
}

// FirstBooking returns the first booking in context, if any.
func (c Context) FirstBooking() (Booking, bool) {
	if len(c.Bookings) == 0 {
		return Booking{}, false
	}
	return c.Bookings[0], true
}
