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
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// fakeClock implements Clock with manually advanced time, for budget and
// timeout tests that should not actually wait.
type fakeClock struct {
	mu      sync.Mutex
	time    time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	target time.Time
	ch     chan time.Time
	fn     func()
	period time.Duration
	active bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{time: time.Unix(1e9, 0)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.time
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	f.waiters = append(f.waiters, &fakeWaiter{target: f.time.Add(d), ch: ch, active: true})
	return ch
}

func (f *fakeClock) AfterFunc(d time.Duration, fn func()) clockz.Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{target: f.time.Add(d), fn: fn, active: true}
	f.waiters = append(f.waiters, w)
	return &fakeTimer{clock: f, w: w}
}

func (f *fakeClock) NewTimer(d time.Duration) clockz.Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{target: f.time.Add(d), ch: make(chan time.Time, 1), active: true}
	f.waiters = append(f.waiters, w)
	return &fakeTimer{clock: f, w: w}
}

func (f *fakeClock) NewTicker(d time.Duration) clockz.Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{target: f.time.Add(d), ch: make(chan time.Time, 1), period: d, active: true}
	f.waiters = append(f.waiters, w)
	return &fakeTicker{clock: f, w: w}
}

// Step advances the clock and fires any due waiters.
func (f *fakeClock) Step(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.time = f.time.Add(d)
	kept := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.active || w.target.After(f.time) {
			kept = append(kept, w)
			continue
		}
		if w.ch != nil {
			select {
			case w.ch <- f.time:
			default:
			}
		}
		if w.fn != nil {
			go w.fn()
		}
		if w.period > 0 {
			w.target = w.target.Add(w.period)
			kept = append(kept, w)
		}
	}
	f.waiters = kept
}

type fakeTimer struct {
	clock *fakeClock
	w     *fakeWaiter
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := t.w.active
	t.w.active = false
	return active
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := t.w.active
	t.w.active = true
	t.w.target = t.clock.time.Add(d)
	return active
}

func (t *fakeTimer) C() <-chan time.Time {
	return t.w.ch
}

type fakeTicker struct {
	clock *fakeClock
	w     *fakeWaiter
}

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.w.active = false
}

func (t *fakeTicker) C() <-chan time.Time {
	return t.w.ch
}
