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

// Package runner fans a campaign out across targets. Each target gets
// its own session, harness and engine, supervised as a restartable
// worker; the runner collects per-target summaries.
package runner

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/mqttfuzz-go/pkg/actor"
	"github.com/turtacn/mqttfuzz-go/pkg/discovery"
	"github.com/turtacn/mqttfuzz-go/pkg/engine"
	"github.com/turtacn/mqttfuzz-go/pkg/harness"
	"github.com/turtacn/mqttfuzz-go/pkg/session"
	"github.com/turtacn/mqttfuzz-go/pkg/sink"
	"github.com/turtacn/mqttfuzz-go/pkg/supervisor"
)

// Config carries the per-target building blocks. The session address is
// overwritten with each target's.
type Config struct {
	// Session configures each target's connection lifecycle.
	Session session.Config
	// Harness configures retry behavior around each lifecycle.
	Harness harness.Config
	// Engine configures the campaign run against each target. An empty
	// RunID is replaced by one shared UUID so all targets' verdicts
	// group under the same run.
	Engine engine.Config
	// MaxAttempts caps how many times an aborted campaign is retried per
	// target. Defaults to 3.
	MaxAttempts int
	// RestartDelay spaces campaign retries. Defaults to one second.
	RestartDelay time.Duration
}

// Result is the outcome of one target's campaign.
type Result struct {
	Target  discovery.Target
	Summary *engine.Summary
	// Err is non-nil when the campaign aborted and exhausted its retries.
	Err error
}

// Runner drives campaigns against a target set.
type Runner struct {
	cfg Config
	out sink.Sink
}

// New creates a runner writing all verdicts to out.
func New(cfg Config, out sink.Sink) *Runner {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = time.Second
	}
	if cfg.Engine.RunID == "" {
		cfg.Engine.RunID = uuid.NewString()
	}
	return &Runner{cfg: cfg, out: out}
}

// Run fuzzes every target concurrently and blocks until each campaign
// finishes, gives up, or the context is cancelled.
func (r *Runner) Run(ctx context.Context, targets []discovery.Target) ([]Result, error) {
	if len(targets) == 0 {
		return nil, errors.New("no targets to fuzz")
	}

	results := make(chan Result, len(targets))
	specs := make([]supervisor.Spec, 0, len(targets))
	for _, target := range targets {
		w := &worker{
			target:      target,
			cfg:         r.cfg,
			out:         r.out,
			results:     results,
			maxAttempts: r.cfg.MaxAttempts,
		}
		specs = append(specs, supervisor.Spec{
			ID:      "fuzz-" + target.ID,
			Actor:   w,
			Restart: supervisor.RestartTransient,
			Mailbox: actor.NewMailbox(1),
		})
	}

	sup := &supervisor.OneForOne{RestartDelay: r.cfg.RestartDelay}
	if err := sup.Start(ctx, specs); err != nil {
		return nil, err
	}

	collected := make([]Result, 0, len(targets))
	for len(collected) < len(targets) {
		select {
		case <-ctx.Done():
			return collected, ctx.Err()
		case res := <-results:
			if res.Err != nil {
				log.Printf("Campaign against %s gave up: %v", res.Target.Address, res.Err)
			} else if res.Summary != nil {
				log.Printf("Campaign finished: %s", res.Summary)
			}
			collected = append(collected, res)
		}
	}
	return collected, nil
}

// worker runs one target's campaign. A run that aborts is reported to
// the supervisor as abnormal until the attempt budget runs out, after
// which the worker surrenders the error as its result.
type worker struct {
	target      discovery.Target
	cfg         Config
	out         sink.Sink
	results     chan<- Result
	attempts    int
	maxAttempts int
}

func (w *worker) Start(ctx context.Context, _ *actor.Mailbox) error {
	w.attempts++

	scfg := w.cfg.Session
	scfg.Address = w.target.Address
	lc := session.New(scfg)
	adapter := harness.New(lc, w.cfg.Harness)
	defer adapter.Close()

	eng := engine.New(adapter, w.out, w.cfg.Engine)
	summary, err := eng.Run(ctx)

	if err != nil && !errors.Is(err, context.Canceled) && w.attempts < w.maxAttempts {
		return err
	}
	w.results <- Result{Target: w.target, Summary: summary, Err: err}
	return nil
}
