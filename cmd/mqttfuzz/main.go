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

// package main is the entrypoint for the mqttfuzz campaign runner.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/turtacn/mqttfuzz-go/pkg/catalog"
	"github.com/turtacn/mqttfuzz-go/pkg/config"
	"github.com/turtacn/mqttfuzz-go/pkg/discovery"
	"github.com/turtacn/mqttfuzz-go/pkg/metrics"
	"github.com/turtacn/mqttfuzz-go/pkg/runner"
	"github.com/turtacn/mqttfuzz-go/pkg/sink"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to a YAML or JSON config file")
		targetsArg = flag.String("targets", "", "Comma-separated broker addresses, overrides the config")
		seed       = flag.Int64("seed", 0, "Mutation seed, overrides the config when non-zero")
		listShapes = flag.Bool("list-shapes", false, "Print the shape catalog and exit")
	)
	flag.Parse()

	if *listShapes {
		for _, s := range catalog.Shapes() {
			fmt.Printf("%-28s %s\n", s.Name, s.Description)
		}
		return
	}

	log.Println("Starting mqttfuzz campaign runner...")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *targetsArg != "" {
		cfg.Targets.Static = strings.Split(*targetsArg, ",")
		cfg.Targets.Kubernetes.Enabled = false
	}
	if *seed != 0 {
		cfg.Fuzz.Seed = *seed
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		shutdownChan := make(chan os.Signal, 1)
		signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
		<-shutdownChan
		log.Println("Shutdown signal received. Cancelling campaign...")
		cancel()
	}()

	go metrics.Serve(cfg.MetricsPort)

	targets, err := resolveTargets(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to resolve targets: %v", err)
	}
	log.Printf("Fuzzing %d target(s)", len(targets))

	mem := sink.NewMemory()
	out, err := buildSink(ctx, cfg, mem)
	if err != nil {
		log.Fatalf("Failed to set up verdict sink: %v", err)
	}
	defer out.Close()

	results, err := runner.New(cfg.RunnerConfig(), out).Run(ctx, targets)
	if err != nil {
		log.Printf("Campaign ended early: %v", err)
	}

	report(results, mem)
	if failed(results, mem) {
		os.Exit(1)
	}
}

func resolveTargets(ctx context.Context, cfg *config.Config) ([]discovery.Target, error) {
	if cfg.Targets.Kubernetes.Enabled {
		kd, err := discovery.NewKubeDiscovery(
			cfg.Targets.Kubernetes.Namespace,
			cfg.Targets.Kubernetes.Service,
			cfg.Targets.Kubernetes.PortName,
		)
		if err != nil {
			return nil, err
		}
		return kd.DiscoverTargets(ctx)
	}
	return discovery.NewStatic(cfg.Targets.Static).DiscoverTargets(ctx)
}

// buildSink always includes the memory sink so the end-of-run report can
// enumerate failures without a database round trip.
func buildSink(ctx context.Context, cfg *config.Config, mem *sink.Memory) (sink.Sink, error) {
	if cfg.Sink.Type != "postgres" {
		return mem, nil
	}
	pg, err := sink.NewPostgres(ctx, cfg.PostgresConfig())
	if err != nil {
		return nil, err
	}
	return sink.NewTee(mem, pg), nil
}

func report(results []runner.Result, mem *sink.Memory) {
	log.Println("==== Campaign report ====")
	for _, res := range results {
		if res.Summary != nil {
			log.Printf("  %s", res.Summary)
		}
		if res.Err != nil {
			log.Printf("  %s: aborted: %v", res.Target.Address, res.Err)
		}
	}
	for _, v := range mem.Failures() {
		log.Printf("  FAIL case %d shape=%s field=%s mutator=%s payload=% x",
			v.CaseIndex, v.Shape, v.Field, v.Mutator, v.Payload)
	}
}

func failed(results []runner.Result, mem *sink.Memory) bool {
	if len(mem.Failures()) > 0 {
		return true
	}
	for _, res := range results {
		if res.Err != nil {
			return true
		}
	}
	return false
}
