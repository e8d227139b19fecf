// Copyright 2024 Fortio Authors
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

package fuzzsync

import (
	"math"
	"time"
)

// DelaySide says which side, if any, sleeps before entering its window.
type DelaySide int8

const (
	// DelayNone : no artificial delay this iteration (sampling mode, or
	// the search landed on zero).
	DelayNone DelaySide = iota
	// DelayA : the A side sleeps before its window start is recorded.
	DelayA
	// DelayB : the B side sleeps after signaling A.
	DelayB
)

func (s DelaySide) String() string {
	switch s {
	case DelayA:
		return "A"
	case DelayB:
		return "B"
	default:
		return "none"
	}
}

// Delay is the injection choice for one iteration: which side sleeps and
// for how long. Computed by the A side once per iteration and read by the B
// side after the start rendezvous, so no locking is needed.
type Delay struct {
	Side DelaySide
	Ns   time.Duration
}

// Re-randomize the search midpoint this often so the search doesn't fixate
// on a local minimum. Empirical.
const biasPeriod = 1024

// Fraction of the search width the bias may shift the midpoint by.
const biasFraction = 0.1

// updateDelay runs the delay search for the coming iteration. The target
// is the delay that would make the two windows' midpoints coincide; the
// range around it covers the observed dispersion of the start offset plus
// one full window on either side, and a uniformly random point of it is
// picked. While sampling, no delay is injected.
func (p *Pair) updateDelay() {
	if p.sampling > 0 {
		p.delay = Delay{}
		return
	}
	muA := p.DiffAA.Avg
	muB := p.DiffBB.Avg
	muAB := p.DiffAB.Avg
	sigma := p.DiffAB.AvgDev * p.DevMultiplier
	// A perfectly steady offset would collapse the range, keep exploring
	// at least one clock tick around the target.
	if tick := float64(p.clockTick); sigma < tick {
		sigma = tick
	}
	span := math.Max(muA, muB)
	width := sigma + span
	if p.ExecLoop%biasPeriod == 0 {
		p.delayBias = int64((p.rnd.Float64()*2 - 1) * biasFraction * 2 * width)
	}
	target := muAB + (muA-muB)/2
	d := int64(target-width+p.rnd.Float64()*2*width) + p.delayBias
	switch {
	case d > 0:
		p.delay = Delay{Side: DelayB, Ns: time.Duration(d)}
	case d < 0:
		p.delay = Delay{Side: DelayA, Ns: time.Duration(-d)}
	default:
		p.delay = Delay{}
	}
}
