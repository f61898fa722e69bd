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

// Package supervisor restarts fuzz workers that die. A campaign against
// a flaky broker routinely kills its own worker (aborted runs, panics in
// experimental shapes); the supervisor keeps the rest of the fleet
// running and revives the casualty according to its restart strategy.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/turtacn/mqttfuzz-go/pkg/actor"
	"github.com/turtacn/mqttfuzz-go/pkg/metrics"
)

// RestartStrategy selects when a terminated worker is revived.
type RestartStrategy int

const (
	// RestartPermanent always restarts the worker.
	RestartPermanent RestartStrategy = iota
	// RestartTransient restarts only after abnormal termination.
	RestartTransient
	// RestartTemporary never restarts.
	RestartTemporary
)

// Spec describes one supervised worker.
type Spec struct {
	// ID names the worker in logs and restart metrics.
	ID string
	// Actor is the worker to supervise.
	Actor actor.Actor
	// Restart is the worker's restart strategy.
	Restart RestartStrategy
	// Mailbox is handed to the worker on every (re)start.
	Mailbox *actor.Mailbox
	// startFunc overrides Actor.Start in tests.
	startFunc func(context.Context, *actor.Mailbox) error
}

// Supervisor manages a set of workers.
type Supervisor interface {
	// Start launches the initial worker set. Non-blocking.
	Start(ctx context.Context, specs []Spec) error
	// StartChild launches one additional worker.
	StartChild(ctx context.Context, spec Spec)
}

// OneForOne restarts each failed worker individually, leaving its
// siblings untouched.
type OneForOne struct {
	// RestartDelay spaces restarts so a persistently broken worker does
	// not spin. Defaults to one second.
	RestartDelay time.Duration
}

// NewOneForOne creates a one-for-one supervisor with the default restart
// delay.
func NewOneForOne() *OneForOne {
	return &OneForOne{RestartDelay: time.Second}
}

// Start launches every spec in its own monitored goroutine.
func (s *OneForOne) Start(ctx context.Context, specs []Spec) error {
	if len(specs) == 0 {
		return fmt.Errorf("no worker specs provided")
	}
	for _, spec := range specs {
		s.StartChild(ctx, spec)
	}
	return nil
}

// StartChild launches and monitors a single worker.
func (s *OneForOne) StartChild(ctx context.Context, spec Spec) {
	childCtx, cancel := context.WithCancel(ctx)
	go s.monitor(childCtx, cancel, spec)
}

func (s *OneForOne) monitor(ctx context.Context, cancel context.CancelFunc, spec Spec) {
	defer cancel()

	for {
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("worker %s panicked: %v", spec.ID, r)
				}
			}()
			err = s.startWorker(ctx, spec)
		}()

		log.Printf("Worker %s terminated. Reason: %v", spec.ID, err)

		select {
		case <-ctx.Done():
			log.Printf("Supervisor context is done, not restarting worker %s", spec.ID)
			return
		default:
		}

		restart := false
		switch spec.Restart {
		case RestartPermanent:
			restart = true
		case RestartTransient:
			restart = err != nil
		case RestartTemporary:
			restart = false
		}
		if !restart {
			log.Printf("Worker %s will not be restarted", spec.ID)
			return
		}

		metrics.SupervisorRestartsTotal.WithLabelValues(spec.ID).Inc()
		log.Printf("Restarting worker %s...", spec.ID)
		delay := s.RestartDelay
		if delay == 0 {
			delay = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *OneForOne) startWorker(ctx context.Context, spec Spec) error {
	log.Printf("Starting worker %s...", spec.ID)
	if spec.startFunc != nil {
		return spec.startFunc(ctx, spec.Mailbox)
	}
	return spec.Actor.Start(ctx, spec.Mailbox)
}
