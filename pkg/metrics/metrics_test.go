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

package metrics

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersRegistered(t *testing.T) {
	assert.NotNil(t, TestCasesTotal)
	assert.NotNil(t, VerdictsTotal)
	assert.NotNil(t, HandshakeFailuresTotal)
	assert.NotNil(t, ReconnectsTotal)
	assert.NotNil(t, SupervisorRestartsTotal)
}

func TestMetricsEndpointExposesCounters(t *testing.T) {
	TestCasesTotal.WithLabelValues("connect").Inc()
	VerdictsTotal.WithLabelValues("PASS").Inc()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Handler: mux}
	go func() { _ = server.Serve(listener) }()
	defer server.Close()

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", listener.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "mqttfuzz_test_cases_total"))
	assert.True(t, strings.Contains(string(body), "mqttfuzz_verdicts_total"))
}

func TestServeFailureDoesNotExitWhenReplaced(t *testing.T) {
	originalLogFatalf := logFatalf
	defer func() { logFatalf = originalLogFatalf }()

	errChan := make(chan error, 1)
	logFatalf = func(format string, v ...interface{}) {
		errChan <- fmt.Errorf(format, v...)
	}

	// Occupy a port, then point Serve at it to force a bind failure.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go Serve(listener.Addr().String())

	err = <-errChan
	assert.Contains(t, err.Error(), "Metrics server failed")
}
