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

// Package discovery resolves the set of broker targets a campaign runs
// against, either from a static address list or from Kubernetes service
// endpoints.
package discovery

import "context"

// Target is one broker endpoint to fuzz.
type Target struct {
	// ID names the target in logs and verdicts.
	ID string
	// Address is the broker's host:port.
	Address string
}

// Discovery resolves fuzz targets.
type Discovery interface {
	// DiscoverTargets returns every broker the campaign should cover.
	DiscoverTargets(ctx context.Context) ([]Target, error)
}

// Static serves a fixed target list.
type Static struct {
	targets []Target
}

// NewStatic builds a Discovery from explicit addresses. Each target's ID
// is its address.
func NewStatic(addresses []string) *Static {
	targets := make([]Target, 0, len(addresses))
	for _, a := range addresses {
		targets = append(targets, Target{ID: a, Address: a})
	}
	return &Static{targets: targets}
}

// DiscoverTargets returns the configured list.
func (s *Static) DiscoverTargets(context.Context) ([]Target, error) {
	out := make([]Target, len(s.targets))
	copy(out, s.targets)
	return out, nil
}
