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
	"time"

	"github.com/zoobzio/clockz"
)

// Clock is the time source used for every timestamp, sleep and budget check.
// The default is the real monotonic clock; tests (or platforms with an
// unsuitable default clock) can substitute their own.
type Clock = clockz.Clock

// RealClock is the default Clock using standard time.
var RealClock Clock = clockz.RealClock

const (
	// Below this remainder we spin on the clock instead of parking the
	// goroutine: timer wakeups are far too coarse for the microsecond
	// range the delay search operates in.
	spinThreshold = 100 * time.Microsecond
	// Longest single park while sleeping, so an exit request is observed
	// within bounded time even mid delay.
	maxPark = 10 * time.Millisecond
)

// sleep waits for d on the pair's clock. Long waits park the goroutine in
// bounded chunks, the tail is spun to keep sub-microsecond accuracy.
// Returns early if exit is requested.
func (p *Pair) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	start := p.Clock.Now()
	for {
		if p.exit.Load() {
			return
		}
		rem := d - p.Clock.Now().Sub(start)
		if rem <= spinThreshold {
			break
		}
		park := rem - spinThreshold
		if park > maxPark {
			park = maxPark
		}
		<-p.Clock.After(park)
	}
	for p.Clock.Now().Sub(start) < d {
		if p.exit.Load() {
			return
		}
		p.spinPause()
	}
}

// measureTick estimates the granularity of the clock by watching for its
// smallest observable increment. Clamped to [1ns, 1µs]: a vDSO clock
// usually reads below the nanosecond, a syscall backed one can be much
// coarser but a microsecond floor is already plenty for the delay search.
func measureTick(c Clock) time.Duration {
	t0 := c.Now()
	tick := time.Microsecond
	for i := 0; i < 10000; i++ {
		d := c.Now().Sub(t0)
		if d > 0 {
			tick = d
			break
		}
	}
	if tick < time.Nanosecond {
		tick = time.Nanosecond
	}
	if tick > time.Microsecond {
		tick = time.Microsecond
	}
	return tick
}
