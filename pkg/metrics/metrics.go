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

// package metrics provides Prometheus metrics for the fuzzer.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TestCasesTotal counts executed fuzz test cases per packet shape.
	TestCasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqttfuzz_test_cases_total",
		Help: "The total number of fuzz test cases sent to the target broker.",
	},
		[]string{"shape"},
	)

	// VerdictsTotal counts test-case verdicts by class.
	VerdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqttfuzz_verdicts_total",
		Help: "The total number of test-case verdicts, labeled by outcome.",
	},
		[]string{"verdict"},
	)

	// HandshakeFailuresTotal counts failed CONNECT/CONNACK handshakes.
	HandshakeFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqttfuzz_handshake_failures_total",
		Help: "The total number of failed session handshakes with the target.",
	})

	// ReconnectsTotal counts sessions re-established after a liveness
	// probe retired a dead connection.
	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqttfuzz_reconnects_total",
		Help: "The total number of session reconnects during fuzzing.",
	})

	// SupervisorRestartsTotal counts restarts of supervised fuzz workers.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqttfuzz_supervisor_restarts_total",
		Help: "The total number of times a supervised fuzz worker has been restarted.",
	},
		[]string{"actor_id"},
	)
)

// Serve starts an HTTP server to expose the Prometheus metrics.
func Serve(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	log.Printf("Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		logFatalf("Metrics server failed: %v", err)
	}
}

// logFatalf can be replaced by tests to prevent process exit.
var logFatalf = log.Fatalf
