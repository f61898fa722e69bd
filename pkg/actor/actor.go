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

// Package actor provides the minimal process abstraction the runner uses
// to supervise fuzz workers. Each worker is an Actor with a mailbox; the
// supervisor restarts workers that terminate abnormally.
package actor

import "context"

// Actor is a supervised process. Start blocks until the actor finishes
// or its context is cancelled; a non-nil return marks abnormal
// termination.
type Actor interface {
	Start(ctx context.Context, mb *Mailbox) error
}

// Mailbox is a buffered message queue for one actor.
type Mailbox struct {
	messages chan any
}

// NewMailbox creates a mailbox with the given buffer capacity.
func NewMailbox(size int) *Mailbox {
	return &Mailbox{messages: make(chan any, size)}
}

// Send enqueues a message, blocking while the buffer is full.
func (mb *Mailbox) Send(msg any) {
	mb.messages <- msg
}

// TrySend enqueues a message without blocking and reports whether it fit.
func (mb *Mailbox) TrySend(msg any) bool {
	select {
	case mb.messages <- msg:
		return true
	default:
		return false
	}
}

// Receive blocks until a message arrives or the context is cancelled.
func (mb *Mailbox) Receive(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-mb.messages:
		return msg, nil
	}
}

// Chan exposes the queue read-only for callers that need to select over
// several mailboxes.
func (mb *Mailbox) Chan() <-chan any {
	return mb.messages
}
