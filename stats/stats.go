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

// Package stats collects nanosecond scale timing data: plain counters with
// average and standard deviation, and log spaced histograms suitable for
// the window durations and injected delays the race driver reports on.
package stats // import "fortio.org/fuzzsync/stats"

import (
	"fmt"
	"io"
	"math"

	"fortio.org/log"
)

// Counter records values and calculates count, average, min, max, stddev.
type Counter struct {
	Count        int64
	Min          float64
	Max          float64
	Sum          float64
	sumOfSquares float64
}

// Record records a data point.
func (c *Counter) Record(v float64) {
	c.Count++
	if c.Count == 1 {
		c.Min = v
		c.Max = v
	} else if v < c.Min {
		c.Min = v
	} else if v > c.Max {
		c.Max = v
	}
	c.Sum += v
	c.sumOfSquares += v * v
}

// Avg returns the average.
func (c *Counter) Avg() float64 {
	if c.Count == 0 {
		return 0
	}
	return c.Sum / float64(c.Count)
}

// StdDev returns the standard deviation.
func (c *Counter) StdDev() float64 {
	if c.Count == 0 {
		return 0
	}
	fC := float64(c.Count)
	sigma := (c.sumOfSquares - c.Sum*c.Sum/fC) / fC
	if sigma < 0 {
		return 0
	}
	return math.Sqrt(sigma)
}

// Print prints the counter to the writer, values labeled as nanoseconds.
func (c *Counter) Print(out io.Writer, msg string) {
	fmt.Fprintf(out, "%s : count %d avg %.8g +/- %.4g min %g max %g ns\n",
		msg, c.Count, c.Avg(), c.StdDev(), c.Min, c.Max)
}

// Log outputs the counter to the logger.
func (c *Counter) Log(msg string) {
	log.Infof("%s : count %d avg %.8g +/- %.4g min %g max %g ns",
		msg, c.Count, c.Avg(), c.StdDev(), c.Min, c.Max)
}

// Reset clears the counter back to its no data state.
func (c *Counter) Reset() {
	var empty Counter
	*c = empty
}

// Histogram bucket upper bounds in nanoseconds: 1-2-5 per decade from 10ns
// to 1s. Values above the last bound land in the overflow bucket.
var bucketBounds = func() []float64 {
	var b []float64
	for decade := 10.0; decade < 1e9; decade *= 10 {
		b = append(b, decade, 2*decade, 5*decade)
	}
	return append(b, 1e9)
}()

// Histogram extends Counter with log spaced nanosecond buckets.
// Create with NewHistogram.
type Histogram struct {
	Counter
	hdata []int64 // len(bucketBounds)+1, last is overflow
}

// NewHistogram creates an empty nanosecond histogram.
func NewHistogram() *Histogram {
	return &Histogram{hdata: make([]int64, len(bucketBounds)+1)}
}

// Record records a data point (in nanoseconds).
func (h *Histogram) Record(v float64) {
	h.Counter.Record(v)
	idx := len(bucketBounds)
	for i, bound := range bucketBounds {
		if v < bound {
			idx = i
			break
		}
	}
	h.hdata[idx]++
}

// Reset clears the data, back to the NewHistogram state.
func (h *Histogram) Reset() {
	h.Counter.Reset()
	for i := range h.hdata {
		h.hdata[i] = 0
	}
}

// Bucket is the exported data for one non empty bucket: an interval
// [Start, End[ (the last one includes Max), the cumulative Percent and the
// occurrence Count.
type Bucket struct {
	Start   float64
	End     float64
	Percent float64
	Count   int64
}

// Percentile is the estimated Value at a given Percentile.
type Percentile struct {
	Percentile float64
	Value      float64
}

// HistogramData is the exported histogram: flattened counter data, the non
// empty buckets and the requested percentiles. What the record package
// serializes.
type HistogramData struct {
	Count       int64
	Min         float64
	Max         float64
	Avg         float64
	StdDev      float64
	Data        []Bucket
	Percentiles []Percentile `json:",omitempty"`
}

// Export flattens the histogram into its externally usable form.
func (h *Histogram) Export() *HistogramData {
	res := &HistogramData{
		Count:  h.Count,
		Min:    h.Min,
		Max:    h.Max,
		Avg:    h.Avg(),
		StdDev: h.StdDev(),
	}
	if h.Count == 0 {
		return res
	}
	var total int64
	prev := h.Min
	for i, count := range h.hdata {
		end := h.Max
		if i < len(bucketBounds) && bucketBounds[i] < h.Max {
			end = bucketBounds[i]
		}
		if count == 0 {
			continue
		}
		total += count
		res.Data = append(res.Data, Bucket{
			Start:   prev,
			End:     end,
			Percent: 100. * float64(total) / float64(h.Count),
			Count:   count,
		})
		prev = end
	}
	if n := len(res.Data); n > 0 {
		res.Data[n-1].End = h.Max
	}
	return res
}

// CalcPercentiles computes the requested percentiles by linear
// interpolation inside the bucket they land in and appends them to the
// data. Returns the receiver for chaining.
func (e *HistogramData) CalcPercentiles(percentiles []float64) *HistogramData {
	for _, p := range percentiles {
		e.Percentiles = append(e.Percentiles, Percentile{p, e.calcPercentile(p)})
	}
	return e
}

func (e *HistogramData) calcPercentile(percentile float64) float64 {
	if len(e.Data) == 0 {
		return 0
	}
	if percentile >= 100 {
		return e.Max
	}
	if percentile <= 0 {
		return e.Min
	}
	prevPercent := 0.
	prevEnd := e.Min
	for _, b := range e.Data {
		if b.Percent >= percentile {
			return prevEnd + (percentile-prevPercent)*(b.End-prevEnd)/(b.Percent-prevPercent)
		}
		prevPercent = b.Percent
		prevEnd = b.End
	}
	return e.Max
}

// Print dumps the histogram data to the writer.
func (e *HistogramData) Print(out io.Writer, msg string) {
	if len(e.Data) == 0 {
		fmt.Fprintf(out, "%s : no data\n", msg)
		return
	}
	fmt.Fprintf(out, "%s : count %d avg %.8g +/- %.4g min %g max %g ns\n",
		msg, e.Count, e.Avg, e.StdDev, e.Min, e.Max)
	fmt.Fprintln(out, "# range, mid point, percentile, count")
	sep := "<"
	for i, b := range e.Data {
		if i == len(e.Data)-1 {
			sep = "<=" // last interval is inclusive (of max value)
		}
		fmt.Fprintf(out, ">= %.6g %s %.6g , %.6g , %.2f, %d\n",
			b.Start, sep, b.End, (b.Start+b.End)/2., b.Percent, b.Count)
	}
	for _, p := range e.Percentiles {
		fmt.Fprintf(out, "# target %g%% %.6g\n", p.Percentile, p.Value)
	}
}

// Print exports, computes the percentiles and dumps the histogram.
func (h *Histogram) Print(out io.Writer, msg string, percentiles []float64) {
	h.Export().CalcPercentiles(percentiles).Print(out, msg)
}
