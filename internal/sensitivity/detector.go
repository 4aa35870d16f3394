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

// Package sensitivity flags email content that must never receive an
// automated reply.
package sensitivity

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/redi/triage/internal/models"
)

// StepLogger receives reasoning steps. *audit.Recorder satisfies it.
type StepLogger interface {
	Log(step string, level models.Level, msg string, meta map[string]any)
}

const stepName = "sensitivity"

var (
	threadSubjectPrefixes = []string{"re:", "fw:", "fwd:"}
	quotedLine            = regexp.MustCompile(`(?m)^[ \t]*>`)
	originalMessage       = regexp.MustCompile(`(?i)-{2,}\s*original message\s*-{2,}`)
	onWrote               = regexp.MustCompile(`(?im)^[ \t]*on\s.+\swrote:[ \t]*$`)
)

type category struct {
	flag     models.SensitivityFlag
	patterns []*regexp.Regexp
}

// Detector matches phrase sets per flag. It is immutable after construction
// and safe for concurrent use.
type Detector struct {
	categories []category
}

// NewDetector compiles the phrase table. Keys are flag names from the fixed
// vocabulary; ongoing_thread is structural and ignores any phrases given.
func NewDetector(phrases map[string][]string) (*Detector, error) {
	d := &Detector{}
	keys := make([]string, 0, len(phrases))
	for k := range phrases {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		flag := models.SensitivityFlag(key)
		if !flag.Valid() {
			return nil, fmt.Errorf("unknown sensitivity flag %q", key)
		}
		if flag == models.FlagOngoingThread {
			continue
		}
		c := category{flag: flag}
		for _, p := range phrases[key] {
			re, err := compilePhrase(p)
			if err != nil {
				return nil, fmt.Errorf("compile phrase %q for %s: %w", p, key, err)
			}
			c.patterns = append(c.patterns, re)
		}
		if len(c.patterns) > 0 {
			d.categories = append(d.categories, c)
		}
	}
	return d, nil
}

// compilePhrase builds a case-insensitive matcher anchored at the start of
// a word. The end is left open so inflections such as "complaints" or
// "escalated" still match. Any run of whitespace in the phrase is flexible.
func compilePhrase(phrase string) (*regexp.Regexp, error) {
	words := strings.Fields(phrase)
	if len(words) == 0 {
		return nil, fmt.Errorf("empty phrase")
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	expr := strings.Join(quoted, `\s+`)

	if first, _ := firstRune(words[0]); isWord(first) {
		expr = `\b` + expr
	}
	return regexp.Compile(`(?i)` + expr)
}

// Detect returns the flags raised by the email's subject and body. Each
// raised flag logs a warning naming the flag and match count, never the
// matched text.
func (d *Detector) Detect(email *models.InboundEmail, log StepLogger) models.SensitivityFlags {
	body := email.BodyText
	if strings.TrimSpace(body) == "" {
		body = email.Preview
	}
	text := email.Subject + "\n" + body

	var raised []models.SensitivityFlag
	for _, c := range d.categories {
		matches := 0
		for _, re := range c.patterns {
			if re.MatchString(text) {
				matches++
			}
		}
		if matches == 0 {
			continue
		}
		raised = append(raised, c.flag)
		logStep(log, models.LevelWarning, fmt.Sprintf("detected %s", c.flag), map[string]any{
			"flag":    string(c.flag),
			"matches": matches,
		})
	}

	if signal := threadSignal(email, body); signal != "" {
		raised = append(raised, models.FlagOngoingThread)
		logStep(log, models.LevelWarning, "detected ongoing_thread", map[string]any{
			"flag":   string(models.FlagOngoingThread),
			"signal": signal,
		})
	}

	flags := models.NewSensitivityFlags(raised...)
	if flags.Empty() {
		logStep(log, models.LevelInfo, "no sensitivity flags", nil)
	}
	return flags
}

// threadSignal names the structural evidence of a prior conversation, or
// returns "" when there is none.
func threadSignal(email *models.InboundEmail, body string) string {
	subject := strings.ToLower(strings.TrimSpace(email.Subject))
	for _, p := range threadSubjectPrefixes {
		if strings.HasPrefix(subject, p) {
			return "subject_prefix"
		}
	}
	switch {
	case email.Context.ConversationSeen:
		return "conversation_seen"
	case originalMessage.MatchString(body):
		return "original_message"
	case onWrote.MatchString(body):
		return "attribution_line"
	case quotedLine.MatchString(body):
		return "quoted_text"
	}
	return ""
}

func logStep(log StepLogger, level models.Level, msg string, meta map[string]any) {
	if log != nil {
		log.Log(stepName, level, msg, meta)
	}
}

func firstRune(s string) (rune, bool) {
	for _, r := range s {
		return r, true
	}
	return 0, false
}

func isWord(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
