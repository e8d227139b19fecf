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
	"fmt"
	"testing"
	"time"

	"fortio.org/assert"
)

// seeds the stats the search reads, as if sampling had completed.
func searchReadyPair(t *testing.T) *Pair {
	t.Helper()
	p := &Pair{}
	p.Init()
	p.normalize()
	p.clockTick = 100 * time.Nanosecond
	p.sampling = 0
	p.DiffAA = Stat{Avg: 2000, AvgDev: 50, N: 5000}
	p.DiffBB = Stat{Avg: 1000, AvgDev: 50, N: 5000}
	p.DiffAB = Stat{Avg: 500, AvgDev: 100, N: 5000}
	p.DiffBA = Stat{Avg: -500, AvgDev: 100, N: 5000}
	p.DiffABEnd = Stat{Avg: 3500, AvgDev: 100, N: 5000}
	return p
}

func TestDelaySearchBounds(t *testing.T) {
	p := searchReadyPair(t)
	// target = 500 + (2000-1000)/2 = 1000; width = 3*100 + 2000 = 2300;
	// bias bounded by 10% of twice the width.
	const target, width, biasMax = 1000., 2300., 460.
	sawA, sawB := false, false
	p.ExecLoop = 1 // not a bias period boundary
	for i := 0; i < 10000; i++ {
		p.updateDelay()
		d := p.delay
		signed := float64(d.Ns)
		switch d.Side {
		case DelayA:
			signed = -signed
			sawA = true
		case DelayB:
			sawB = true
		case DelayNone:
		}
		assert.True(t, signed >= target-width-biasMax-1, fmt.Sprintf("delay %g below search range", signed))
		assert.True(t, signed <= target+width+biasMax+1, fmt.Sprintf("delay %g above search range", signed))
	}
	assert.True(t, sawA, "range crosses zero, some iterations should delay A")
	assert.True(t, sawB, "most iterations should delay B")
}

func TestDelayNoneWhileSampling(t *testing.T) {
	p := searchReadyPair(t)
	p.sampling = 10
	p.delay = Delay{Side: DelayB, Ns: 123}
	p.updateDelay()
	assert.Equal(t, DelayNone, p.delay.Side, "no injection while sampling")
	assert.Equal(t, time.Duration(0), p.delay.Ns)
}

func TestDelayBiasRandomization(t *testing.T) {
	p := searchReadyPair(t)
	p.ExecLoop = biasPeriod // boundary: bias gets re-randomized
	changed := false
	for i := 0; i < 100 && !changed; i++ {
		p.updateDelay()
		changed = p.delayBias != 0
	}
	assert.True(t, changed, "bias should be re-randomized on period boundaries")
	assert.True(t, p.delayBias >= -461 && p.delayBias <= 461,
		fmt.Sprintf("bias %d outside +/-10%% of the search width", p.delayBias))
	// Off boundary the bias must stay put.
	p.ExecLoop = biasPeriod + 1
	prev := p.delayBias
	for i := 0; i < 100; i++ {
		p.updateDelay()
		assert.Equal(t, prev, p.delayBias, "bias must only move on period boundaries")
	}
}

func TestDelayTickFloor(t *testing.T) {
	p := searchReadyPair(t)
	// Perfectly steady offset: dispersion collapses, the tick floor keeps
	// the search exploring a non empty range.
	p.DiffAB.AvgDev = 0
	p.DiffAA.Avg = 0
	p.DiffBB.Avg = 0
	p.DiffAB.Avg = 0
	p.ExecLoop = 1
	distinct := map[time.Duration]bool{}
	for i := 0; i < 200; i++ {
		p.updateDelay()
		d := p.delay.Ns
		if p.delay.Side == DelayA {
			d = -d
		}
		assert.True(t, d >= -p.clockTick && d <= p.clockTick,
			fmt.Sprintf("delay %v outside the tick floor range", d))
		distinct[d] = true
	}
	assert.True(t, len(distinct) > 1, "search should still explore with zero dispersion")
}

func TestDelaySideString(t *testing.T) {
	assert.Equal(t, "A", DelayA.String())
	assert.Equal(t, "B", DelayB.String())
	assert.Equal(t, "none", DelayNone.String())
}
