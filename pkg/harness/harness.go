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

// Package harness is the glue between the fuzz engine and the session
// lifecycle. The engine calls PreSend before each test case to obtain a
// live transport and PostTestCase afterwards to check the broker survived.
// All retry timing lives here, keeping the lifecycle itself retry-free.
package harness

import (
	"context"
	"net"
	"time"

	"github.com/turtacn/mqttfuzz-go/pkg/metrics"
	"github.com/turtacn/mqttfuzz-go/pkg/session"
)

// Config tunes the harness retry policy.
type Config struct {
	// RetryAttempts is the number of handshake attempts PreSend makes
	// before giving up on a test case.
	RetryAttempts int
	// RetryDelay is the pause between handshake attempts.
	RetryDelay time.Duration
}

// Adapter drives one session.Lifecycle on behalf of the fuzz engine.
type Adapter struct {
	lifecycle *session.Lifecycle
	cfg       Config

	everConnected bool
}

// New creates an Adapter around an existing lifecycle. Zero config values
// get modest defaults.
func New(lifecycle *session.Lifecycle, cfg Config) *Adapter {
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	return &Adapter{lifecycle: lifecycle, cfg: cfg}
}

// Lifecycle exposes the underlying state machine, mainly for reporting.
func (a *Adapter) Lifecycle() *session.Lifecycle { return a.lifecycle }

// PreSend returns an authenticated transport for the next test case,
// retrying failed handshakes up to the configured attempt budget. The
// sleeps between attempts are interruptible through ctx, so an operator
// stop signal is honored between test cases.
func (a *Adapter) PreSend(ctx context.Context) (net.Conn, error) {
	wasConnected := a.lifecycle.State() == session.Authenticated

	var lastErr error
	for attempt := 0; attempt < a.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(a.cfg.RetryDelay):
			}
		}
		conn, err := a.lifecycle.EnsureConnected(ctx)
		if err == nil {
			if !wasConnected && a.everConnected {
				metrics.ReconnectsTotal.Inc()
			}
			a.everConnected = true
			return conn, nil
		}
		metrics.HandshakeFailuresTotal.Inc()
		lastErr = err
		if ctx.Err() != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// PostTestCase probes the session after a test case. It reports false when
// the probe found the connection dead; the lifecycle has already retired
// the transport in that case and the next PreSend will repair it. A false
// return is an observation, not an error: a broker dropping the fuzzer's
// connection is routine.
func (a *Adapter) PostTestCase(ctx context.Context) bool {
	err := a.lifecycle.ProbeLiveness(ctx)
	return err == nil
}

// Close tears the session down. Safe to call at any time.
func (a *Adapter) Close() {
	a.lifecycle.Teardown()
}
