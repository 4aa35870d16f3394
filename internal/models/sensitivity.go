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

package models

import "sort"

// SensitivityFlag marks content that must never receive an automated reply.
type SensitivityFlag string

const (
	FlagComplaint          SensitivityFlag = "complaint"
	FlagClinicalUrgency    SensitivityFlag = "clinical_urgency"
	FlagFinancialDispute   SensitivityFlag = "financial_dispute"
	FlagEscalationLanguage SensitivityFlag = "escalation_language"
	FlagHRWorkplace        SensitivityFlag = "hr_workplace"
	FlagPersonalCrisis     SensitivityFlag = "personal_crisis"
	FlagOngoingThread      SensitivityFlag = "ongoing_thread"
)

// AllSensitivityFlags is the fixed vocabulary, in reporting order.
var AllSensitivityFlags = []SensitivityFlag{
	FlagComplaint,
	FlagClinicalUrgency,
	FlagFinancialDispute,
	FlagEscalationLanguage,
	FlagHRWorkplace,
	FlagPersonalCrisis,
	FlagOngoingThread,
}

// Valid reports whether f belongs to the vocabulary.
func (f SensitivityFlag) Valid() bool {
	return flagRank(f) >= 0
}

func flagRank(f SensitivityFlag) int {
	for i, v := range AllSensitivityFlags {
		if v == f {
			return i
		}
	}
	return -1
}

// SensitivityFlags is a duplicate-free set of flags kept in vocabulary
// order. The zero value is an empty set; NewSensitivityFlags never returns nil.
type SensitivityFlags []SensitivityFlag

// NewSensitivityFlags builds a set from flags, dropping duplicates and
// anything outside the vocabulary.
func NewSensitivityFlags(flags ...SensitivityFlag) SensitivityFlags {
	seen := make(map[SensitivityFlag]bool, len(flags))
	out := SensitivityFlags{}
	for _, f := range flags {
		if !f.Valid() || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return flagRank(out[i]) < flagRank(out[j]) })
	return out
}

// Has reports whether the set contains f.
func (s SensitivityFlags) Has(f SensitivityFlag) bool {
	for _, v := range s {
		if v == f {
			return true
		}
	}
	return false
}

// Empty reports whether no flag is present.
func (s SensitivityFlags) Empty() bool { return len(s) == 0 }

// Strings returns the flags as plain strings.
func (s SensitivityFlags) Strings() []string {
	out := make([]string, len(s))
	for i, f := range s {
		out[i] = string(f)
	}
	return out
}
