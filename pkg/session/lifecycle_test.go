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

package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/mqttfuzz-go/pkg/protocol/mqtt"
)

// startFakeBroker runs handler for every connection accepted on an
// ephemeral listener and returns the listener's address.
func startFakeBroker(t *testing.T, handler func(conn net.Conn)) string {
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
			go func(c net.Conn) {
				defer c.Close()
				handler(c)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

// acceptConnect consumes one inbound packet (the CONNECT) and replies with
// a CONNACK carrying the given return code.
func acceptConnect(t *testing.T, conn net.Conn, returnCode byte) bool {
	t.Helper()
	buf := make([]byte, 1024)
	if _, err := conn.Read(buf); err != nil {
		return false
	}
	_, err := conn.Write([]byte{0x20, 0x02, 0x00, returnCode})
	return err == nil
}

func testConfig(addr string) Config {
	return Config{
		Address:          addr,
		ClientIDPrefix:   "lifecycle-test",
		ConnectTimeout:   2 * time.Second,
		HandshakeTimeout: 500 * time.Millisecond,
		ProbeTimeout:     200 * time.Millisecond,
	}
}

func TestEnsureConnectedHandshake(t *testing.T) {
	addr := startFakeBroker(t, func(conn net.Conn) {
		if !acceptConnect(t, conn, mqtt.CodeAccepted) {
			return
		}
		// Hold the connection open until the client goes away.
		buf := make([]byte, 64)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	})

	l := New(testConfig(addr))
	assert.Equal(t, Disconnected, l.State())

	conn, err := l.EnsureConnected(context.Background())
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, Authenticated, l.State())

	// A second call must return the cached transport without I/O.
	again, err := l.EnsureConnected(context.Background())
	require.NoError(t, err)
	assert.Same(t, conn, again)

	l.Teardown()
	assert.Equal(t, Disconnected, l.State())
}

func TestEnsureConnectedRefused(t *testing.T) {
	addr := startFakeBroker(t, func(conn net.Conn) {
		acceptConnect(t, conn, mqtt.CodeNotAuthorized)
	})

	l := New(testConfig(addr))
	_, err := l.EnsureConnected(context.Background())
	require.Error(t, err)

	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	assert.Equal(t, addr, hsErr.Addr)
	assert.Equal(t, Disconnected, l.State())
}

func TestEnsureConnectedSilentBroker(t *testing.T) {
	addr := startFakeBroker(t, func(conn net.Conn) {
		// Accept the CONNECT but never answer.
		buf := make([]byte, 1024)
		conn.Read(buf)
		time.Sleep(2 * time.Second)
	})

	l := New(testConfig(addr))
	start := time.Now()
	_, err := l.EnsureConnected(context.Background())
	require.Error(t, err)

	var hsErr *HandshakeError
	assert.ErrorAs(t, err, &hsErr)
	assert.Equal(t, Disconnected, l.State())
	// The handshake read deadline, not the broker, must bound the wait.
	assert.Less(t, time.Since(start), 1500*time.Millisecond)
}

func TestEnsureConnectedDialFailure(t *testing.T) {
	// A listener that is immediately closed yields a refused port.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	l := New(testConfig(addr))
	_, err = l.EnsureConnected(context.Background())
	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	assert.Equal(t, Disconnected, l.State())
}

func TestProbeLiveness(t *testing.T) {
	addr := startFakeBroker(t, func(conn net.Conn) {
		if !acceptConnect(t, conn, mqtt.CodeAccepted) {
			return
		}
		buf := make([]byte, 16)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			if n >= 1 && buf[0] == 0xC0 {
				if _, err := conn.Write([]byte{0xD0, 0x00}); err != nil {
					return
				}
			}
		}
	})

	l := New(testConfig(addr))
	_, err := l.EnsureConnected(context.Background())
	require.NoError(t, err)

	before := l.LastLivenessCheck()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, l.ProbeLiveness(context.Background()))
	assert.Equal(t, Authenticated, l.State())
	assert.True(t, l.LastLivenessCheck().After(before))

	l.Teardown()
}

func TestProbeLivenessNotConnected(t *testing.T) {
	l := New(testConfig("127.0.0.1:1"))
	assert.ErrorIs(t, l.ProbeLiveness(context.Background()), ErrNotConnected)
}

func TestProbeFailureRetiresConnection(t *testing.T) {
	addr := startFakeBroker(t, func(conn net.Conn) {
		if !acceptConnect(t, conn, mqtt.CodeAccepted) {
			return
		}
		// Swallow everything after the handshake; never answer a probe.
		buf := make([]byte, 64)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	})

	l := New(testConfig(addr))
	_, err := l.EnsureConnected(context.Background())
	require.NoError(t, err)
	firstID := l.ClientID()

	err = l.ProbeLiveness(context.Background())
	require.Error(t, err)
	assert.Equal(t, Disconnected, l.State())

	// The repair handshake must use a fresh client identifier so the
	// broker cannot evict a session it still associates with the old one.
	_, err = l.EnsureConnected(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, firstID, l.ClientID())
	l.Teardown()
}

func TestTeardownSendsDisconnect(t *testing.T) {
	got := make(chan byte, 8)
	addr := startFakeBroker(t, func(conn net.Conn) {
		if !acceptConnect(t, conn, mqtt.CodeAccepted) {
			return
		}
		buf := make([]byte, 16)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			for i := 0; i < n; i++ {
				got <- buf[i]
			}
		}
	})

	l := New(testConfig(addr))
	_, err := l.EnsureConnected(context.Background())
	require.NoError(t, err)
	l.Teardown()

	select {
	case b := <-got:
		assert.Equal(t, byte(0xE0), b)
	case <-time.After(time.Second):
		t.Fatal("broker never received DISCONNECT")
	}
	assert.Equal(t, Disconnected, l.State())

	// Teardown on an already-closed session is a no-op.
	l.Teardown()
	assert.Equal(t, Disconnected, l.State())
}

func TestEnsureConnectedCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l := New(testConfig("127.0.0.1:1"))
	_, err := l.EnsureConnected(ctx)
	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	assert.ErrorIs(t, err, context.Canceled)
}
