// Copyright 2024 The mqttfuzz-go Authors
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

// Package sink records the outcome of every fuzz test case. The engine
// writes one Verdict per case; sinks decide where it lands (memory for
// tests and small runs, PostgreSQL for campaigns).
package sink

import (
	"context"
	"sync"
	"time"
)

// Outcome classifies a single test case.
type Outcome string

const (
	// OutcomePass means the broker survived and stayed responsive.
	OutcomePass Outcome = "PASS"
	// OutcomeFail means the broker died or dropped off the network.
	OutcomeFail Outcome = "FAIL"
	// OutcomeInconclusive means the result could not be classified, for
	// example because the session never came up.
	OutcomeInconclusive Outcome = "INCONCLUSIVE"
)

// Verdict is the record of one delivered test case.
type Verdict struct {
	// RunID groups verdicts belonging to the same campaign.
	RunID string
	// Target is the broker address the case was sent to.
	Target string
	// Shape names the catalog shape the case was derived from.
	Shape string
	// Field names the mutated field, empty for the unmutated baseline.
	Field string
	// Mutator names the mutation applied, empty for the baseline.
	Mutator string
	// CaseIndex is the case's position in the campaign, for replay.
	CaseIndex int
	// Outcome is the classification.
	Outcome Outcome
	// Severity ranks the finding: "info" for survivals, "critical" for a
	// broker taken down, "warning" for unclassifiable cases.
	Severity string
	// Detail carries the classification reason in prose.
	Detail string
	// Payload is the exact bytes sent.
	Payload []byte
	// Response is whatever the broker sent back, possibly empty.
	Response []byte
	// Timestamp is when the case completed.
	Timestamp time.Time
}

// Sink persists verdicts. Implementations must be safe for use from a
// single engine goroutine; they are not required to be concurrency-safe
// across engines.
type Sink interface {
	// Write persists one verdict.
	Write(ctx context.Context, v Verdict) error
	// Close flushes and releases resources.
	Close() error
}

// Memory is an in-process sink used by tests and by the engine's
// end-of-run summary.
type Memory struct {
	mu       sync.Mutex
	verdicts []Verdict
}

// NewMemory creates an empty in-process sink.
func NewMemory() *Memory {
	return &Memory{}
}

// Write appends the verdict.
func (m *Memory) Write(_ context.Context, v Verdict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verdicts = append(m.verdicts, v)
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// Verdicts returns a copy of everything written so far.
func (m *Memory) Verdicts() []Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Verdict, len(m.verdicts))
	copy(out, m.verdicts)
	return out
}

// Failures returns only the FAIL verdicts.
func (m *Memory) Failures() []Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Verdict
	for _, v := range m.verdicts {
		if v.Outcome == OutcomeFail {
			out = append(out, v)
		}
	}
	return out
}

// Tee fans every verdict out to several sinks. The first write error
// wins; later sinks still receive the verdict.
type Tee struct {
	sinks []Sink
}

// NewTee wraps the given sinks.
func NewTee(sinks ...Sink) *Tee {
	return &Tee{sinks: sinks}
}

// Write delivers the verdict to every wrapped sink.
func (t *Tee) Write(ctx context.Context, v Verdict) error {
	var firstErr error
	for _, s := range t.sinks {
		if err := s.Write(ctx, v); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes every wrapped sink.
func (t *Tee) Close() error {
	var firstErr error
	for _, s := range t.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
