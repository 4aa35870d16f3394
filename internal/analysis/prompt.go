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

package analysis

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redi/triage/internal/models"
)

const systemPromptHeader = `You are an automated email assistant for a clinical education team.

Analyse the email and reply with a single JSON object containing:
- is_new_email: boolean
- sender_first_name: string
- category: one of the categories listed below
- recommended_response: string
- confidence: number between 0 and 1
- action: "send_certificate" | "cancel" | "none"

Confidence scoring:
- 0.1-0.2: system messages, complaints, urgent matters
- 0.5-0.7: general enquiries that need clarification
- 0.8-0.95: clear actionable requests

Never recommend responding to complaints, escalations, HR issues or negative sentiment.
`

func defaultSystemPrompt(categories []string) string {
	var b strings.Builder
	b.WriteString(systemPromptHeader)
	if len(categories) > 0 {
		b.WriteString("\nCategories:\n")
		for _, c := range categories {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	return b.String()
}

func buildUserPrompt(email *models.InboundEmail) (string, error) {
	bookings, err := json.MarshalIndent(nonNil(email.Context.Bookings), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode bookings: %w", err)
	}
	certs, err := json.MarshalIndent(nonNil(email.Context.Certificates), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode certificates: %w", err)
	}

	body := email.BodyText
	if strings.TrimSpace(body) == "" {
		body = email.Preview
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s <%s>\n", email.Sender.Name, email.Sender.Address)
	fmt.Fprintf(&b, "Subject: %s\n", email.Subject)
	if !email.ReceivedAt.IsZero() {
		fmt.Fprintf(&b, "Received: %s\n", email.ReceivedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "\nBody:\n%s\n", body)
	fmt.Fprintf(&b, "\nUser Context:\nBookings (%d):\n%s\n", len(email.Context.Bookings), bookings)
	fmt.Fprintf(&b, "\nCompleted Certificates (%d):\n%s\n", len(email.Context.Certificates), certs)
	return b.String(), nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
