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

package inbound

import (
	"strings"
	"testing"
	"time"
)

const fullRequest = `{
  "emailId": "AAMkAD-1",
  "conversationId": "conv-9",
  "receivedDateTime": "2026-03-02T09:30:00Z",
  "from": {"name": "Jane Citizen", "email": "jane@example.com"},
  "subject": "Certificate request",
  "bodyPreview": "Could you send",
  "bodyText": "Could you send my certificate please?",
  "headers": [{"name": "Auto-Submitted", "value": "no"}],
  "context": {
    "userBookings": [{"bookingId": "b-1", "course": "BLS", "date": "2026-04-01", "startTime": "09:00", "venue": "Room 2"}],
    "userCertificates": [{"certificateId": "c-1", "course": "ALS Level 2", "date": "2026-02-14", "certificateUrl": "https://certs.example/c-1.pdf"}],
    "bookingCount": 3
  }
}`

func TestParseFullRequest(t *testing.T) {
	email, err := Parse(strings.NewReader(fullRequest))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if email.ID != "AAMkAD-1" || email.ConversationID != "conv-9" {
		t.Errorf("ids = %q/%q", email.ID, email.ConversationID)
	}
	want := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	if !email.ReceivedAt.Equal(want) {
		t.Errorf("ReceivedAt = %v, want %v", email.ReceivedAt, want)
	}
	if email.Sender.Address != "jane@example.com" || email.Sender.Name != "Jane Citizen" {
		t.Errorf("Sender = %+v", email.Sender)
	}
	if got := email.Header("auto-submitted"); got != "no" {
		t.Errorf("Header(auto-submitted) = %q", got)
	}
	if email.Context.BookingCount != 3 {
		t.Errorf("BookingCount = %d, want declared 3", email.Context.BookingCount)
	}
	if email.Context.CertificateCount != 1 {
		t.Errorf("CertificateCount = %d, want list length 1", email.Context.CertificateCount)
	}
	b, _ := email.Context.FirstBooking()
	if b.ID != "b-1" || b.StartTime != "09:00" || b.Venue != "Room 2" {
		t.Errorf("booking = %+v", b)
	}
	c, _ := email.Context.FirstCertificate()
	if c.URL != "https://certs.example/c-1.pdf" {
		t.Errorf("certificate = %+v", c)
	}
}

func TestParseHeaderObject(t *testing.T) {
	body := `{"emailId":"1","receivedDateTime":"2026-03-02T09:30:00","from":{"email":"a@b.c"},"headers":{"Precedence":"bulk"}}`
	email, err := Parse(strings.NewReader(body))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if email.Header("Precedence") != "bulk" {
		t.Errorf("headers = %v", email.Headers)
	}
	if email.ReceivedAt.Location() != time.UTC {
		t.Errorf("timestamp without zone should be UTC")
	}
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"malformed", `{"emailId":`, "body"},
		{"missing id", `{"receivedDateTime":"2026-03-02T09:30:00Z","from":{"email":"a@b.c"}}`, "emailId"},
		{"missing sender", `{"emailId":"1","receivedDateTime":"2026-03-02T09:30:00Z","from":{"name":"A"}}`, "from.email"},
		{"missing received", `{"emailId":"1","from":{"email":"a@b.c"}}`, "receivedDateTime"},
		{"bad received", `{"emailId":"1","receivedDateTime":"yesterday","from":{"email":"a@b.c"}}`, "receivedDateTime"},
		{"bad headers", `{"emailId":"1","receivedDateTime":"2026-03-02T09:30:00Z","from":{"email":"a@b.c"},"headers":42}`, "headers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.body))
			if !IsValidationError(err) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if v := err.(*ValidationError); v.Field != tt.field {
				t.Errorf("Field = %q, want %q", v.Field, tt.field)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	email, err := Decode([]byte(`{"emailId":"x","receivedDateTime":"2026-03-02T09:30:00.123+10:00","from":{"email":"a@b.c"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if email.ReceivedAt.Hour() != 23 {
		t.Errorf("ReceivedAt = %v, want converted to UTC", email.ReceivedAt)
	}
}
