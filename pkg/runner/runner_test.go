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

package runner

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/mqttfuzz-go/pkg/discovery"
	"github.com/turtacn/mqttfuzz-go/pkg/engine"
	"github.com/turtacn/mqttfuzz-go/pkg/harness"
	"github.com/turtacn/mqttfuzz-go/pkg/session"
	"github.com/turtacn/mqttfuzz-go/pkg/sink"
)

func startBroker(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				buf := make([]byte, 4096)
				handshaken := false
				for {
					n, err := conn.Read(buf)
					if err != nil {
						return
					}
					if !handshaken {
						handshaken = true
						conn.Write([]byte{0x20, 0x02, 0x00, 0x00})
						continue
					}
					if bytes.Contains(buf[:n], []byte{0xC0}) {
						conn.Write([]byte{0xD0, 0x00})
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func testConfig() Config {
	return Config{
		Session: session.Config{
			ConnectTimeout:   time.Second,
			HandshakeTimeout: time.Second,
			ProbeTimeout:     200 * time.Millisecond,
		},
		Harness: harness.Config{RetryAttempts: 1, RetryDelay: 10 * time.Millisecond},
		Engine: engine.Config{
			Seed:            1,
			CasesPerField:   1,
			ResponseTimeout: 20 * time.Millisecond,
			Shapes:          []string{"disconnect"},
		},
		MaxAttempts:  2,
		RestartDelay: 5 * time.Millisecond,
	}
}

func TestRunAcrossTargets(t *testing.T) {
	targets := []discovery.Target{
		{ID: "b0", Address: startBroker(t)},
		{ID: "b1", Address: startBroker(t)},
	}

	mem := sink.NewMemory()
	r := New(testConfig(), mem)
	results, err := r.Run(context.Background(), targets)
	require.NoError(t, err)
	require.Len(t, results, 2)

	seen := map[string]bool{}
	var runID string
	for _, res := range results {
		require.NoError(t, res.Err)
		require.NotNil(t, res.Summary)
		assert.Equal(t, res.Summary.Total, res.Summary.Pass)
		seen[res.Target.ID] = true
		if runID == "" {
			runID = res.Summary.RunID
		}
		assert.Equal(t, runID, res.Summary.RunID, "all targets share one run id")
	}
	assert.True(t, seen["b0"] && seen["b1"])

	// Both targets' verdicts land in the shared sink.
	addrs := map[string]bool{}
	for _, v := range mem.Verdicts() {
		addrs[v.Target] = true
	}
	assert.Len(t, addrs, 2)
}

func TestRunRetriesThenSurrendersUnreachableTarget(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	ln.Close()

	cfg := testConfig()
	cfg.Engine.MaxSetupFailures = 1
	r := New(cfg, sink.NewMemory())

	results, err := r.Run(context.Background(), []discovery.Target{{ID: "dead", Address: dead}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	assert.Contains(t, results[0].Err.Error(), "consecutive session failures")
}

func TestRunNoTargets(t *testing.T) {
	_, err := New(testConfig(), sink.NewMemory()).Run(context.Background(), nil)
	require.Error(t, err)
}

func TestRunCancelled(t *testing.T) {
	targets := []discovery.Target{{ID: "b0", Address: startBroker(t)}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := New(testConfig(), sink.NewMemory()).Run(ctx, targets)
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
		return
	}
	// The worker may observe the cancellation first and surrender its
	// result before the runner notices.
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, context.Canceled)
}

func TestNewDefaults(t *testing.T) {
	r := New(Config{}, sink.NewMemory())
	assert.Equal(t, 3, r.cfg.MaxAttempts)
	assert.NotEmpty(t, r.cfg.Engine.RunID)
}
