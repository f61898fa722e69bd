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

// Package engine drives a fuzzing campaign against one broker: it walks
// the shape catalog, derives mutations, delivers each case over the
// session harness and classifies the broker's survival into verdicts.
package engine

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/turtacn/mqttfuzz-go/pkg/catalog"
	"github.com/turtacn/mqttfuzz-go/pkg/harness"
	"github.com/turtacn/mqttfuzz-go/pkg/metrics"
	"github.com/turtacn/mqttfuzz-go/pkg/mutate"
	"github.com/turtacn/mqttfuzz-go/pkg/sink"
)

// Config carries campaign tunables. Zero values are filled in by New.
type Config struct {
	// RunID groups the campaign's verdicts; defaults to a fresh UUID.
	RunID string
	// Seed roots the deterministic mutation plan.
	Seed int64
	// CasesPerField is how many mutations each fuzzable field receives.
	CasesPerField int
	// ResponseTimeout bounds the post-send read for a broker reply. A
	// timeout here is normal; most malformed packets earn silence.
	ResponseTimeout time.Duration
	// Shapes restricts the campaign to named catalog shapes; empty runs
	// the whole catalog.
	Shapes []string
	// MaxSetupFailures aborts the campaign after this many consecutive
	// failed session establishments.
	MaxSetupFailures int
	// ConfirmWithClient enables a full MQTT client connect attempt to
	// distinguish a dropped session from a dead broker.
	ConfirmWithClient bool
}

// Summary is the campaign's end-of-run tally.
type Summary struct {
	RunID        string
	Target       string
	Total        int
	Pass         int
	Fail         int
	Inconclusive int
	Elapsed      time.Duration
}

func (s *Summary) String() string {
	return fmt.Sprintf("run %s against %s: %d cases in %s (%d pass, %d fail, %d inconclusive)",
		s.RunID, s.Target, s.Total, s.Elapsed.Round(time.Millisecond), s.Pass, s.Fail, s.Inconclusive)
}

// Engine runs one campaign against one target. It is synchronous; run
// several engines for several targets.
type Engine struct {
	cfg     Config
	adapter *harness.Adapter
	out     sink.Sink

	// confirm reports whether a fresh MQTT client can still connect to
	// addr. Replaceable in tests.
	confirm func(ctx context.Context, addr string) bool
}

// New creates an engine writing verdicts to out.
func New(adapter *harness.Adapter, out sink.Sink, cfg Config) *Engine {
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.CasesPerField == 0 {
		cfg.CasesPerField = 8
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = 500 * time.Millisecond
	}
	if cfg.MaxSetupFailures == 0 {
		cfg.MaxSetupFailures = 5
	}
	e := &Engine{cfg: cfg, adapter: adapter, out: out}
	if cfg.ConfirmWithClient {
		e.confirm = confirmWithPaho(3 * time.Second)
	}
	return e
}

// testCase is one concrete payload derived from a shape.
type testCase struct {
	field   string
	mutator string
	payload []byte
}

// Run executes the campaign until the catalog is exhausted, the context
// is cancelled, or session setup fails too many times in a row.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	target := e.adapter.Lifecycle().Address()
	summary := &Summary{RunID: e.cfg.RunID, Target: target}

	shapes, err := e.selectShapes()
	if err != nil {
		return summary, err
	}

	plan := mutate.NewPlan(e.cfg.Seed)
	log.Printf("Starting fuzz run %s against %s: %d shapes, seed %d",
		e.cfg.RunID, target, len(shapes), e.cfg.Seed)

	caseIndex := 0
	setupFailures := 0
	for _, shape := range shapes {
		for _, tc := range e.casesFor(shape, plan) {
			if err := ctx.Err(); err != nil {
				summary.Elapsed = time.Since(start)
				return summary, err
			}

			v := e.runCase(ctx, shape, tc, caseIndex)
			caseIndex++
			e.tally(summary, v)

			if err := e.out.Write(ctx, v); err != nil {
				log.Printf("Failed to record verdict for case %d: %v", v.CaseIndex, err)
			}

			if v.Outcome == sink.OutcomeInconclusive {
				setupFailures++
				if setupFailures >= e.cfg.MaxSetupFailures {
					summary.Elapsed = time.Since(start)
					return summary, fmt.Errorf("aborting run %s: %d consecutive session failures against %s",
						e.cfg.RunID, setupFailures, target)
				}
			} else {
				setupFailures = 0
			}
		}
	}

	summary.Elapsed = time.Since(start)
	log.Printf("Completed fuzz %s", summary)
	return summary, nil
}

func (e *Engine) selectShapes() ([]catalog.Shape, error) {
	if len(e.cfg.Shapes) == 0 {
		return catalog.Shapes(), nil
	}
	var out []catalog.Shape
	for _, name := range e.cfg.Shapes {
		s, ok := catalog.ShapeByName(name)
		if !ok {
			return nil, fmt.Errorf("unknown shape %q", name)
		}
		out = append(out, s)
	}
	return out, nil
}

// casesFor expands a shape into its baseline plus per-field mutations.
func (e *Engine) casesFor(shape catalog.Shape, plan *mutate.Plan) []testCase {
	cases := []testCase{{payload: shape.Assemble()}}
	for _, fi := range shape.FuzzableFields() {
		field := shape.Fields[fi]
		for i := 0; i < e.cfg.CasesPerField; i++ {
			name, mutated := plan.Case(i, field.Default, field.MaxLen)
			cases = append(cases, testCase{
				field:   field.Name,
				mutator: name,
				payload: shape.Render(fi, mutated),
			})
		}
	}
	return cases
}

// runCase delivers one payload and classifies the aftermath.
func (e *Engine) runCase(ctx context.Context, shape catalog.Shape, tc testCase, index int) sink.Verdict {
	metrics.TestCasesTotal.WithLabelValues(shape.Name).Inc()

	v := sink.Verdict{
		RunID:     e.cfg.RunID,
		Target:    e.adapter.Lifecycle().Address(),
		Shape:     shape.Name,
		Field:     tc.field,
		Mutator:   tc.mutator,
		CaseIndex: index,
		Payload:   tc.payload,
	}

	if !shape.ConnectedState {
		return e.runRawCase(ctx, v)
	}

	conn, err := e.adapter.PreSend(ctx)
	if err != nil {
		v.Outcome = sink.OutcomeInconclusive
		v.Detail = fmt.Sprintf("session setup failed: %v", err)
		return e.finish(v)
	}

	conn.SetWriteDeadline(time.Now().Add(e.cfg.ResponseTimeout))
	if _, err := conn.Write(tc.payload); err != nil {
		// The broker slammed the transport mid-write. Whether it is still
		// alive is decided by the probe below.
		v.Detail = fmt.Sprintf("write failed: %v; ", err)
	}

	conn.SetReadDeadline(time.Now().Add(e.cfg.ResponseTimeout))
	reply := make([]byte, 512)
	if n, err := conn.Read(reply); err == nil && n > 0 {
		v.Response = append([]byte(nil), reply[:n]...)
	}
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	if e.adapter.PostTestCase(ctx) {
		v.Outcome = sink.OutcomePass
		v.Detail += "broker responsive after case"
		return e.finish(v)
	}

	if e.confirm != nil && e.confirm(ctx, v.Target) {
		v.Outcome = sink.OutcomePass
		v.Detail += "session dropped, broker still accepts connections"
		return e.finish(v)
	}

	v.Outcome = sink.OutcomeFail
	v.Detail += "broker unresponsive after case"
	log.Printf("FAIL case %d: shape=%s field=%s mutator=%s payload=% x",
		index, v.Shape, v.Field, v.Mutator, v.Payload)
	return e.finish(v)
}

// runRawCase handles shapes that must arrive before any handshake, such
// as the CONNECT variants. The payload goes out on a dedicated transport
// with no prior CONNECT; broker health is then judged by whether a fresh
// legitimate session can still be established.
func (e *Engine) runRawCase(ctx context.Context, v sink.Verdict) sink.Verdict {
	d := net.Dialer{Timeout: e.cfg.ResponseTimeout * 4}
	conn, err := d.DialContext(ctx, "tcp", v.Target)
	if err != nil {
		v.Outcome = sink.OutcomeInconclusive
		v.Detail = fmt.Sprintf("dial failed: %v", err)
		return e.finish(v)
	}

	conn.SetWriteDeadline(time.Now().Add(e.cfg.ResponseTimeout))
	if _, err := conn.Write(v.Payload); err != nil {
		v.Detail = fmt.Sprintf("write failed: %v; ", err)
	}
	conn.SetReadDeadline(time.Now().Add(e.cfg.ResponseTimeout))
	reply := make([]byte, 512)
	if n, err := conn.Read(reply); err == nil && n > 0 {
		v.Response = append([]byte(nil), reply[:n]...)
	}
	conn.Close()

	if _, err := e.adapter.PreSend(ctx); err == nil {
		v.Outcome = sink.OutcomePass
		v.Detail += "broker accepts sessions after case"
		return e.finish(v)
	}

	if e.confirm != nil && e.confirm(ctx, v.Target) {
		v.Outcome = sink.OutcomePass
		v.Detail += "broker accepts client connections after case"
		return e.finish(v)
	}

	v.Outcome = sink.OutcomeFail
	v.Detail += "broker unresponsive after case"
	log.Printf("FAIL case %d: shape=%s field=%s mutator=%s payload=% x",
		v.CaseIndex, v.Shape, v.Field, v.Mutator, v.Payload)
	return e.finish(v)
}

func (e *Engine) finish(v sink.Verdict) sink.Verdict {
	switch v.Outcome {
	case sink.OutcomeFail:
		v.Severity = "critical"
	case sink.OutcomeInconclusive:
		v.Severity = "warning"
	default:
		v.Severity = "info"
	}
	v.Timestamp = time.Now()
	metrics.VerdictsTotal.WithLabelValues(string(v.Outcome)).Inc()
	return v
}

func (e *Engine) tally(s *Summary, v sink.Verdict) {
	s.Total++
	switch v.Outcome {
	case sink.OutcomePass:
		s.Pass++
	case sink.OutcomeFail:
		s.Fail++
	default:
		s.Inconclusive++
	}
}

// confirmWithPaho builds a crash-confirmation check that attempts a full
// client connect with a real MQTT client.
func confirmWithPaho(timeout time.Duration) func(ctx context.Context, addr string) bool {
	return func(_ context.Context, addr string) bool {
		opts := pahomqtt.NewClientOptions().
			AddBroker("tcp://" + addr).
			SetClientID(fmt.Sprintf("mqttfuzz-confirm-%d", time.Now().UnixNano())).
			SetConnectTimeout(timeout).
			SetCleanSession(true)
		client := pahomqtt.NewClient(opts)
		token := client.Connect()
		if !token.WaitTimeout(timeout) || token.Error() != nil {
			return false
		}
		client.Disconnect(100)
		return true
	}
}
