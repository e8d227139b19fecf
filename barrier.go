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
	"runtime"
	"sync/atomic"

	"fortio.org/log"
)

// Yield once every this many checks, spinning in between. On a single CPU we
// yield every check instead or the other side never gets scheduled.
const activeSpin = 64

func (p *Pair) spinPause() {
	runtime.Gosched()
}

// arrive is one side's half of the symmetric rendezvous: publish our
// arrival by incrementing our counter, then wait for the other side's
// counter to catch up. The wait is an active spin with passive yields so
// the wake latency stays well under a microsecond on a multicore host.
// Returns false if the wait was abandoned because exit was requested.
func (p *Pair) arrive(own, other *atomic.Int32) bool {
	target := own.Add(1)
	spins := 0
	for other.Load() < target {
		if p.exit.Load() {
			return false
		}
		spins++
		if p.singleCPU || spins%activeSpin == 0 {
			p.spinPause()
		}
	}
	return true
}

// mismatched start/end pairing shows up as counter parity: each side's
// counter must be even entering a start barrier and odd entering an end
// barrier.
func checkParity(c *atomic.Int32, op string, wantOdd bool) {
	v := c.Load()
	if (v%2 == 1) != wantOdd {
		log.Fatalf("%s called out of sequence (barrier counter %d)", op, v)
	}
}

// StartRaceA enters the race on the A side: once sampling is over it picks
// the delay for this iteration, then waits for B to arrive, serves an
// A side delay if one was chosen, and records the window start.
func (p *Pair) StartRaceA() {
	if Debug {
		checkParity(&p.aCntr, "StartRaceA", false)
	}
	p.updateDelay()
	p.arrive(&p.aCntr, &p.bCntr)
	if d := p.delay; d.Side == DelayA {
		p.sleep(d.Ns)
	}
	p.AStart = p.Clock.Now()
}

// EndRaceA records the A window end and waits for B's end signal. When it
// returns, B is past its own window and its timestamps are safe to read.
func (p *Pair) EndRaceA() {
	if Debug {
		checkParity(&p.aCntr, "EndRaceA", true)
	}
	p.AEnd = p.Clock.Now()
	p.arrive(&p.aCntr, &p.bCntr)
}

// StartRaceB enters the race on the B side: records the window start,
// signals A, then serves a B side delay if one was chosen so that B's
// window shifts relative to A's.
func (p *Pair) StartRaceB() {
	if Debug {
		checkParity(&p.bCntr, "StartRaceB", false)
	}
	p.BStart = p.Clock.Now()
	p.arrive(&p.bCntr, &p.aCntr)
	if d := p.delay; d.Side == DelayB {
		p.sleep(d.Ns)
	}
}

// EndRaceB records the B window end and signals A.
func (p *Pair) EndRaceB() {
	if Debug {
		checkParity(&p.bCntr, "EndRaceB", true)
	}
	p.BEnd = p.Clock.Now()
	p.arrive(&p.bCntr, &p.aCntr)
}
