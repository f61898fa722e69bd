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

// Package mutate produces deterministic byte-level mutations of packet
// fields. Every mutator is a pure function of (input, seed, index), so a
// campaign replays exactly from its seed.
package mutate

import (
	"math/rand"
)

// Mutator rewrites a field's default bytes into a test-case variant.
type Mutator struct {
	// Name identifies the mutator in verdicts.
	Name string
	// Apply returns the mutated bytes. It never modifies its input.
	Apply func(in []byte, rng *rand.Rand, maxLen int) []byte
}

// boundaryBytes are values that historically shake out off-by-one and
// sign-extension bugs in length handling.
var boundaryBytes = []byte{0x00, 0x01, 0x7F, 0x80, 0xFF}

// Mutators returns the full mutator set in stable order.
func Mutators() []Mutator {
	return []Mutator{
		{Name: "bitflip", Apply: bitflip},
		{Name: "boundary", Apply: boundary},
		{Name: "truncate", Apply: truncate},
		{Name: "overfill", Apply: overfill},
		{Name: "zero", Apply: zero},
		{Name: "repeat", Apply: repeatLast},
	}
}

// bitflip flips a single random bit.
func bitflip(in []byte, rng *rand.Rand, _ int) []byte {
	if len(in) == 0 {
		return []byte{byte(1 << rng.Intn(8))}
	}
	out := clone(in)
	bit := rng.Intn(len(out) * 8)
	out[bit/8] ^= 1 << (bit % 8)
	return out
}

// boundary overwrites a random position with an interesting byte value.
func boundary(in []byte, rng *rand.Rand, _ int) []byte {
	v := boundaryBytes[rng.Intn(len(boundaryBytes))]
	if len(in) == 0 {
		return []byte{v}
	}
	out := clone(in)
	out[rng.Intn(len(out))] = v
	return out
}

// truncate drops a random-length suffix, possibly the whole field.
func truncate(in []byte, rng *rand.Rand, _ int) []byte {
	if len(in) == 0 {
		return nil
	}
	return clone(in[:rng.Intn(len(in))])
}

// overfill grows the field toward its ceiling with a repeated filler
// byte, leaving any length prefix inside the field stale.
func overfill(in []byte, rng *rand.Rand, maxLen int) []byte {
	ceiling := maxLen
	if ceiling <= len(in) {
		ceiling = len(in) + 16
	}
	n := len(in) + 1 + rng.Intn(ceiling-len(in))
	out := make([]byte, n)
	copy(out, in)
	filler := byte('A' + rng.Intn(26))
	for i := len(in); i < n; i++ {
		out[i] = filler
	}
	return out
}

// zero blanks the entire field.
func zero(in []byte, _ *rand.Rand, _ int) []byte {
	return make([]byte, len(in))
}

// repeatLast duplicates the final byte a random number of times. On a
// variable-length encoding this extends continuation chains.
func repeatLast(in []byte, rng *rand.Rand, maxLen int) []byte {
	if len(in) == 0 {
		return nil
	}
	extra := 1 + rng.Intn(8)
	if maxLen > 0 && len(in)+extra > maxLen {
		extra = maxLen - len(in)
		if extra <= 0 {
			return clone(in)
		}
	}
	out := make([]byte, 0, len(in)+extra)
	out = append(out, in...)
	last := in[len(in)-1]
	for i := 0; i < extra; i++ {
		out = append(out, last)
	}
	return out
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Plan enumerates (mutator, iteration) pairs deterministically for a
// field. Case i always uses the same derived rng, so a single failing
// case can be replayed in isolation.
type Plan struct {
	seed     int64
	mutators []Mutator
}

// NewPlan creates a mutation plan rooted at seed.
func NewPlan(seed int64) *Plan {
	return &Plan{seed: seed, mutators: Mutators()}
}

// Case produces the i-th mutation of the given field bytes. The mutator
// cycles through the set; the rng is derived from the plan seed and i
// alone.
func (p *Plan) Case(i int, in []byte, maxLen int) (name string, out []byte) {
	m := p.mutators[i%len(p.mutators)]
	rng := rand.New(rand.NewSource(p.seed ^ int64(uint64(i+1)*0x9E3779B97F4A7C15)))
	return m.Name, m.Apply(in, rng, maxLen)
}
