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

	"fortio.org/log"
)

// Stat tracks the central tendency and dispersion of a series of timing
// samples using exponential smoothing. Unlike a plain average it stays
// responsive when the underlying timing drifts (frequency scaling, another
// process landing on the core, ...) while still damping one-off spikes.
type Stat struct {
	// Avg is the exponentially smoothed mean of the samples.
	Avg float64
	// AvgDev is the exponentially smoothed mean absolute deviation.
	AvgDev float64
	// N is the number of samples recorded since the last Reset.
	N int64
}

// Record folds one sample into the stat with smoothing weight alpha.
// The first sample sets the average directly so the estimator doesn't have
// to climb up from zero.
func (s *Stat) Record(alpha, sample float64) {
	if s.N == 0 {
		s.Avg = sample
		s.AvgDev = 0
		s.N = 1
		return
	}
	s.Avg += alpha * (sample - s.Avg)
	s.AvgDev += alpha * (math.Abs(sample-s.Avg) - s.AvgDev)
	s.N++
}

// DevRatio returns the dispersion relative to the mean. The mean is floored
// at 1 (nanosecond) so a series that legitimately hovers around zero, like
// the start offset of two already aligned windows, still converges.
func (s *Stat) DevRatio() float64 {
	if s.N == 0 {
		return math.Inf(1)
	}
	return s.AvgDev / math.Max(math.Abs(s.Avg), 1)
}

// Reset returns the stat to its initial no-sample state.
func (s *Stat) Reset() {
	var empty Stat
	*s = empty
}

// LogInfo logs the stat at Info level, e.g. "A window : n 1024 avg 2714.3 +/- 312.5 ns".
func (s *Stat) LogInfo(msg, unit string) {
	log.Infof("%s : n %d avg %.5g +/- %.4g %s", msg, s.N, s.Avg, s.AvgDev, unit)
}
