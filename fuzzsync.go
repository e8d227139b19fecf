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

// Package fuzzsync reproduces concurrency bugs whose trigger is two short
// critical sections, in two goroutines, overlapping in time.
//
// A Pair drives repeated executions of an A side and a B side through four
// rendezvous points per iteration. It first samples the timing distribution
// of both windows, then injects a calibrated random delay into one side on
// each iteration so that, on a rising fraction of iterations, the windows
// overlap. Races with vulnerability windows of nanoseconds to microseconds
// become reliably observable inside an ordinary test.
//
// The A side owns the loop:
//
//	pair.Reset(worker)
//	for pair.RunA() {
//		pair.StartRaceA()
//		// ... window of interest ...
//		pair.EndRaceA()
//	}
//	pair.Cleanup()
//
// and the worker runs the mirror image with the B variants. The pair knows
// nothing about what happens inside the windows; observing the race outcome
// (via shared state between the two workloads) is the caller's job.
package fuzzsync // import "fortio.org/fuzzsync"

import (
	"errors"
	"math/rand"
	"runtime"
	"sync/atomic"
	"time"

	"fortio.org/log"
)

// Debug enables caller contract checks (mismatched barrier pairing) at a
// small per-barrier cost. Violations abort the process.
var Debug = false

const (
	// DefaultMinSamples is the lower bound on pure-sampling iterations.
	DefaultMinSamples = 1024
	// DefaultMaxDevRatio is the dispersion/mean ratio under which sampling
	// is considered converged.
	DefaultMaxDevRatio = 0.1
	// DefaultExecLoops bounds the total iterations of one race.
	DefaultExecLoops = 3_000_000
	// DefaultTimeBudget bounds the wall time of one race (scaled by ExecTimeP).
	DefaultTimeBudget = 5 * time.Minute
	// DefaultAlpha is the exponential smoothing weight of the running stats.
	// Chosen as a compromise between responsiveness to drift and noise
	// suppression; the §8 style convergence expectations assume it.
	DefaultAlpha = 0.25
	// DefaultDevMultiplier widens the delay search range to that many
	// average deviations of the start offset.
	DefaultDevMultiplier = 3

	// Above this window duration the workload is too noisy for randomized
	// alignment to help; sampling is extended instead of engaging the search.
	windowCeiling = float64(time.Millisecond)
	// How many times a non converged sampling phase is re-armed before the
	// search engages anyway.
	maxSamplingExtensions = 4
)

var (
	// ErrNotInitialized is returned by Reset on a Pair that never went
	// through Init.
	ErrNotInitialized = errors.New("pair not initialized")
	// ErrWorkerLive is returned by Reset when a worker is supplied while
	// the previous one has not been joined by Cleanup yet.
	ErrWorkerLive = errors.New("worker goroutine still live, call Cleanup first")
)

// Pair is the shared state mediating one race between an A side and a B
// side. Create with Init, tune the option fields, then Reset before each
// race and Cleanup after. The option fields must not be changed while a
// race is running; the timing fields (AStart...) may be read by the A side
// between EndRaceA and the next StartRaceA, which is when the record
// writers do it.
type Pair struct {
	// MinSamples is the lower bound on iterations spent purely sampling
	// before delays are injected. Default 1024.
	MinSamples int
	// MaxDevRatio is the acceptable deviation/mean ratio for the core
	// stats when ending sampling. Default 0.1.
	MaxDevRatio float64
	// ExecLoops bounds the iterations of one race. Default 3,000,000.
	ExecLoops int
	// ExecTimeP is the fraction of TimeBudget this pair may consume.
	// Default 1.0.
	ExecTimeP float64
	// TimeBudget is the wall time allotted to the process' races.
	// Default 5m.
	TimeBudget time.Duration
	// Alpha is the smoothing weight of the running stats. Default 0.25.
	Alpha float64
	// DevMultiplier scales the dispersion term of the search range.
	// Default 3.
	DevMultiplier float64
	// Clock is the monotonic time source. Default RealClock.
	Clock Clock

	// Timestamps of the current iteration, captured at the barriers.
	AStart, AEnd time.Time
	BStart, BEnd time.Time

	// Running stats fed once per completed iteration, all in nanoseconds:
	// DiffAB is B start - A start, DiffBA its negation, DiffAA and DiffBB
	// the two window durations, DiffABEnd B end - A start (used by the
	// timeout heuristic).
	DiffAB, DiffBA Stat
	DiffAA, DiffBB Stat
	DiffABEnd      Stat

	// ExecLoop counts iterations executed so far (reads belong to the A
	// side between barriers).
	ExecLoop int

	delay      Delay
	delayBias  int64
	sampling   int
	extensions int

	execTimeStart time.Time
	clockTick     time.Duration

	aCntr, bCntr atomic.Int32
	exit         atomic.Bool

	rnd         *rand.Rand
	bDone       chan struct{}
	initialized bool
	singleCPU   bool
}

// Init prepares a fresh pair: all fields are zeroed and the internal
// primitives set up. Option fields are meant to be set after Init and
// before Reset; zero values get defaults applied by Reset.
func (p *Pair) Init() {
	var empty Pair
	*p = empty
	p.rnd = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // timing jitter, not crypto
	p.singleCPU = runtime.NumCPU() == 1
	p.initialized = true
}

// applies defaults to zero valued options, same idea as the fortio runner's
// options normalization.
func (p *Pair) normalize() {
	if p.MinSamples == 0 {
		p.MinSamples = DefaultMinSamples
	}
	if p.MaxDevRatio == 0 {
		p.MaxDevRatio = DefaultMaxDevRatio
	}
	if p.ExecLoops == 0 {
		p.ExecLoops = DefaultExecLoops
	}
	if p.ExecTimeP == 0 {
		p.ExecTimeP = 1.0
	}
	if p.TimeBudget == 0 {
		p.TimeBudget = DefaultTimeBudget
	}
	if p.Alpha == 0 {
		p.Alpha = DefaultAlpha
	}
	if p.DevMultiplier == 0 {
		p.DevMultiplier = DefaultDevMultiplier
	}
	if p.Clock == nil {
		p.Clock = RealClock
	}
}

// Reset begins a new race: statistics, timestamps, counters and the exit
// flag are cleared and the current time captured as the race start. If
// worker is non nil a new B goroutine is spawned running it; pass nil when
// the caller manages the B side itself. The worker must loop on RunB and
// call StartRaceB / EndRaceB around its window (see the package example).
func (p *Pair) Reset(worker func()) error {
	if !p.initialized {
		return ErrNotInitialized
	}
	if worker != nil && p.bDone != nil {
		return ErrWorkerLive
	}
	p.normalize()
	p.DiffAB.Reset()
	p.DiffBA.Reset()
	p.DiffAA.Reset()
	p.DiffBB.Reset()
	p.DiffABEnd.Reset()
	p.AStart, p.AEnd = time.Time{}, time.Time{}
	p.BStart, p.BEnd = time.Time{}, time.Time{}
	p.delay = Delay{}
	p.delayBias = 0
	p.ExecLoop = 0
	p.extensions = 0
	// One warmup iteration before the stats start feeding.
	p.sampling = p.MinSamples + 1
	p.aCntr.Store(0)
	p.bCntr.Store(0)
	p.exit.Store(false)
	p.clockTick = measureTick(p.Clock)
	p.execTimeStart = p.Clock.Now()
	if worker != nil {
		done := make(chan struct{})
		p.bDone = done
		go func() {
			defer close(done)
			worker()
		}()
	}
	log.LogVf("pair reset: min_samples %d max_dev_ratio %g exec_loops %d budget %v tick %v",
		p.MinSamples, p.MaxDevRatio, p.ExecLoops, p.budget(), p.clockTick)
	return nil
}

// RequestExit asks both loops to stop: the predicates return false at their
// next check and any side parked at a barrier or in an injected delay wakes
// within bounded time. Safe to call from any goroutine, including a signal
// handler path.
func (p *Pair) RequestExit() {
	p.exit.Store(true)
}

// Cleanup terminates the race, wakes whichever side is parked and joins the
// worker goroutine. The pair can be Reset again afterwards.
func (p *Pair) Cleanup() {
	p.RequestExit()
	if p.bDone != nil {
		<-p.bDone
		p.bDone = nil
	}
	p.aCntr.Store(0)
	p.bCntr.Store(0)
}

func (p *Pair) budget() time.Duration {
	return time.Duration(p.ExecTimeP * float64(p.TimeBudget))
}

// RunA is the A side loop predicate and the authority on termination: it
// enforces the iteration and time budgets, folds the previous iteration's
// timestamps into the running stats and drives the sampling countdown.
// Returns true to run another iteration.
func (p *Pair) RunA() bool {
	if p.exit.Load() {
		return false
	}
	if p.ExecLoop > 0 {
		p.updateStats()
	}
	if p.ExecLoop >= p.ExecLoops {
		log.LogVf("loop budget exhausted after %d iterations", p.ExecLoop)
		p.exit.Store(true)
		return false
	}
	elapsed := p.Clock.Now().Sub(p.execTimeStart)
	budget := p.budget()
	if elapsed >= budget {
		log.Warnf("time budget %v exhausted after %d iterations", budget, p.ExecLoop)
		p.exit.Store(true)
		return false
	}
	// Don't start an iteration we likely can't finish in budget.
	if p.DiffABEnd.N > 0 {
		iter := time.Duration(p.DiffABEnd.Avg)
		if iter > 0 && budget-elapsed < 2*iter {
			log.LogVf("stopping %v short of budget, iterations take ~%v", budget-elapsed, iter)
			p.exit.Store(true)
			return false
		}
	}
	p.ExecLoop++
	p.updateSampling()
	return true
}

// RunB is the B side loop predicate; it mirrors the exit flag and otherwise
// follows A's lead through the barriers.
func (p *Pair) RunB() bool {
	return !p.exit.Load()
}

func (p *Pair) updateStats() {
	alpha := p.Alpha
	p.DiffAB.Record(alpha, float64(p.BStart.Sub(p.AStart)))
	p.DiffBA.Record(alpha, float64(p.AStart.Sub(p.BStart)))
	p.DiffAA.Record(alpha, float64(p.AEnd.Sub(p.AStart)))
	p.DiffBB.Record(alpha, float64(p.BEnd.Sub(p.BStart)))
	p.DiffABEnd.Record(alpha, float64(p.BEnd.Sub(p.AStart)))
}

func (p *Pair) updateSampling() {
	if p.sampling <= 0 {
		return
	}
	p.sampling--
	if p.sampling > 0 {
		return
	}
	if p.converged() {
		log.Infof("sampling complete after %d iterations, injecting delays (ab %.5g +/- %.4g aa %.5g bb %.5g ns)",
			p.ExecLoop, p.DiffAB.Avg, p.DiffAB.AvgDev, p.DiffAA.Avg, p.DiffBB.Avg)
		return
	}
	if p.extensions < maxSamplingExtensions {
		p.extensions++
		p.sampling = p.MinSamples / 2
		log.LogVf("stats not converged at %d iterations, extending sampling (%d/%d)",
			p.ExecLoop, p.extensions, maxSamplingExtensions)
		return
	}
	log.Warnf("stats never converged (dev ratios ab %.3g aa %.3g bb %.3g), injecting delays anyway",
		p.DiffAB.DevRatio(), p.DiffAA.DevRatio(), p.DiffBB.DevRatio())
}

// converged is the sampling cutoff: enough samples, acceptable dispersion
// and windows short enough for randomized alignment to be worth engaging.
func (p *Pair) converged() bool {
	minN := int64(p.MinSamples)
	for _, s := range []*Stat{&p.DiffAB, &p.DiffAA, &p.DiffBB, &p.DiffABEnd} {
		if s.N < minN || s.DevRatio() > p.MaxDevRatio {
			return false
		}
	}
	if p.DiffAA.Avg > windowCeiling || p.DiffBB.Avg > windowCeiling {
		return false
	}
	return true
}

// Sampling reports whether the pair is still in pure-sampling mode (no
// artificial delay injected).
func (p *Pair) Sampling() bool {
	return p.sampling > 0
}

// CurrentDelay returns the delay chosen for the current iteration.
func (p *Pair) CurrentDelay() Delay {
	return p.delay
}
