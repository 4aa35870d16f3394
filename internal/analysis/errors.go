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
	"errors"
	"fmt"
	"time"
)

// ErrorKind distinguishes analysis failures for logging. Routing treats
// every kind the same.
type ErrorKind string

const (
	KindTimeout   ErrorKind = "timeout"
	KindMalformed ErrorKind = "malformed_response"
	KindProvider  ErrorKind = "provider_error"
)

// Error is returned by Client.Analyze for any failed analysis call.
// TokensUsed is non-zero when the provider answered and billed the call
// but the answer could not be used.
type Error struct {
	Kind       ErrorKind
	Message    string
	Model      string
	TokensUsed int
	Latency    time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("analysis %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("analysis %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is an analysis error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var aErr *Error
	return errors.As(err, &aErr) && aErr.Kind == kind
}

func malformed(format string, args ...any) *Error {
	return &Error{Kind: KindMalformed, Message: fmt.Sprintf(format, args...)}
}
