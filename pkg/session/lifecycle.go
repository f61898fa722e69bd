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

// Package session manages the authenticated MQTT connection a fuzzing
// campaign runs over. A Lifecycle owns exactly one transport at a time and
// moves through Disconnected -> Handshaking -> Authenticated, falling back
// to Disconnected whenever the handshake fails or a liveness probe detects
// a dead connection. It never retries internally; retry timing belongs to
// the harness driving the test cases.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/turtacn/mqttfuzz-go/pkg/protocol/mqtt"
)

// State identifies where a Lifecycle is in its connection state machine.
type State int32

const (
	// Disconnected means no transport is open.
	Disconnected State = iota
	// Handshaking means a transport is open and the CONNECT/CONNACK
	// exchange is in flight.
	Handshaking
	// Authenticated means the broker accepted the CONNECT and the cached
	// transport is usable for test cases.
	Authenticated
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Handshaking:
		return "handshaking"
	case Authenticated:
		return "authenticated"
	}
	return "unknown"
}

// ErrNotConnected is returned by ProbeLiveness when no authenticated
// session exists to probe.
var ErrNotConnected = errors.New("session: not connected")

// HandshakeError reports a failed attempt to establish a session. Dial
// failures, read timeouts, connection refusals, malformed replies and
// non-zero CONNACK return codes are all normalized into it so the state
// machine is the single place that interprets transport trouble.
type HandshakeError struct {
	// Addr is the broker address the attempt targeted.
	Addr string
	// Cause is the underlying failure.
	Cause error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("session: handshake with %s failed: %v", e.Addr, e.Cause)
}

func (e *HandshakeError) Unwrap() error { return e.Cause }

// Dialer abstracts transport establishment so tests can substitute their
// own listeners. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config carries the tunables for one Lifecycle. Zero values are filled in
// by New.
type Config struct {
	// Address is the broker's host:port.
	Address string
	// ClientIDPrefix prefixes the per-attempt client identifiers. Each
	// attempt appends a monotonically increasing counter so a reconnect
	// never collides with a client id the broker may still hold.
	ClientIDPrefix string
	// KeepAliveSeconds is the keep-alive interval declared in CONNECT.
	KeepAliveSeconds uint16
	// ConnectTimeout bounds the TCP dial.
	ConnectTimeout time.Duration
	// HandshakeTimeout bounds the CONNACK read.
	HandshakeTimeout time.Duration
	// ProbeTimeout bounds the PINGRESP read.
	ProbeTimeout time.Duration
	// Dialer opens transports; defaults to a plain net.Dialer.
	Dialer Dialer
}

// Lifecycle is the stateful connection manager. It is not safe for
// concurrent use: one fuzzing session drives one Lifecycle synchronously,
// and parallel campaigns get one Lifecycle per target each.
type Lifecycle struct {
	cfg Config

	state    State
	conn     net.Conn
	clientID string
	lastLivenessCheck time.Time

	attempts atomic.Uint64
}

// New creates a Lifecycle in the Disconnected state.
func New(cfg Config) *Lifecycle {
	if cfg.ClientIDPrefix == "" {
		cfg.ClientIDPrefix = "mqttfuzz"
	}
	if cfg.KeepAliveSeconds == 0 {
		cfg.KeepAliveSeconds = 60
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 1 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	return &Lifecycle{cfg: cfg}
}

// State returns the current state of the machine.
func (l *Lifecycle) State() State { return l.state }

// Address returns the broker address this Lifecycle targets.
func (l *Lifecycle) Address() string { return l.cfg.Address }

// ClientID returns the identifier used by the current or most recent
// handshake attempt.
func (l *Lifecycle) ClientID() string { return l.clientID }

// LastLivenessCheck returns the time of the last successful probe.
func (l *Lifecycle) LastLivenessCheck() time.Time { return l.lastLivenessCheck }

// EnsureConnected returns a live authenticated transport. When already
// Authenticated it returns the cached connection without any I/O. When
// Disconnected it dials, runs the CONNECT/CONNACK handshake and caches the
// transport. Any failure tears down the partial transport, returns the
// machine to Disconnected and surfaces a *HandshakeError; it is up to the
// caller to decide whether and when to try again.
func (l *Lifecycle) EnsureConnected(ctx context.Context) (net.Conn, error) {
	if l.state == Authenticated {
		return l.conn, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, &HandshakeError{Addr: l.cfg.Address, Cause: err}
	}

	dialCtx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
	defer cancel()
	conn, err := l.cfg.Dialer.DialContext(dialCtx, "tcp", l.cfg.Address)
	if err != nil {
		l.state = Disconnected
		return nil, &HandshakeError{Addr: l.cfg.Address, Cause: err}
	}

	l.state = Handshaking
	l.clientID = l.nextClientID()

	if err := l.handshake(conn); err != nil {
		conn.Close()
		l.state = Disconnected
		return nil, &HandshakeError{Addr: l.cfg.Address, Cause: err}
	}

	l.conn = conn
	l.state = Authenticated
	l.lastLivenessCheck = time.Now()
	log.Printf("Session established with %s as %s", l.cfg.Address, l.clientID)
	return conn, nil
}

// handshake sends CONNECT and evaluates the broker's reply on an open
// transport.
func (l *Lifecycle) handshake(conn net.Conn) error {
	connect, err := mqtt.BuildConnect(l.clientID, l.cfg.KeepAliveSeconds, true)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(l.cfg.HandshakeTimeout)); err != nil {
		return err
	}
	if _, err := conn.Write(connect); err != nil {
		return fmt.Errorf("send CONNECT: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(l.cfg.HandshakeTimeout)); err != nil {
		return err
	}
	reply := make([]byte, 64)
	n, err := conn.Read(reply)
	if err != nil {
		return fmt.Errorf("read CONNACK: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	if !mqtt.IsConnAckSuccess(reply[:n]) {
		if code, ok := mqtt.ConnAckReturnCode(reply[:n]); ok {
			return fmt.Errorf("broker refused connection: CONNACK return code 0x%02x", code)
		}
		return fmt.Errorf("unexpected handshake reply: % x", reply[:n])
	}
	return nil
}

// ProbeLiveness checks that the authenticated session is still alive by
// sending a PINGREQ and waiting briefly for a PINGRESP. On success the
// liveness timestamp advances and the machine stays Authenticated. On any
// failure the transport is closed and the machine transitions to
// Disconnected; the next EnsureConnected repairs it. This is the sole path
// by which a stale connection is detected and retired.
func (l *Lifecycle) ProbeLiveness(ctx context.Context) error {
	if l.state != Authenticated {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		l.retire()
		return err
	}

	err := l.probe()
	if err != nil {
		log.Printf("Liveness probe for %s failed, retiring connection: %v", l.cfg.Address, err)
		l.retire()
		return err
	}
	l.lastLivenessCheck = time.Now()
	return nil
}

func (l *Lifecycle) probe() error {
	if err := l.conn.SetWriteDeadline(time.Now().Add(l.cfg.ProbeTimeout)); err != nil {
		return err
	}
	if _, err := l.conn.Write(mqtt.BuildPingReq()); err != nil {
		return fmt.Errorf("send PINGREQ: %w", err)
	}
	if err := l.conn.SetReadDeadline(time.Now().Add(l.cfg.ProbeTimeout)); err != nil {
		return err
	}
	reply := make([]byte, 16)
	n, err := l.conn.Read(reply)
	if err != nil {
		return fmt.Errorf("read PINGRESP: %w", err)
	}
	l.conn.SetReadDeadline(time.Time{})
	l.conn.SetWriteDeadline(time.Time{})

	if !mqtt.IsPingResp(reply[:n]) {
		return fmt.Errorf("expected PINGRESP, got % x", reply[:n])
	}
	return nil
}

// Teardown sends DISCONNECT best-effort and closes the transport. Send
// failures are logged and otherwise ignored; the transport is being
// discarded regardless. The machine ends Disconnected unconditionally.
func (l *Lifecycle) Teardown() {
	if l.conn != nil {
		l.conn.SetWriteDeadline(time.Now().Add(time.Second))
		if _, err := l.conn.Write(mqtt.BuildDisconnect()); err != nil {
			log.Printf("Best-effort DISCONNECT to %s failed: %v", l.cfg.Address, err)
		}
	}
	l.retire()
}

// retire closes any open transport and resets the machine to Disconnected.
func (l *Lifecycle) retire() {
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	l.state = Disconnected
}

func (l *Lifecycle) nextClientID() string {
	return fmt.Sprintf("%s-%d", l.cfg.ClientIDPrefix, l.attempts.Add(1))
}
