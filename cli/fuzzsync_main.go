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

// Package cli is the command line driver for the fuzzsync engine: a table
// of demonstration races whose critical sections the engine aligns, and a
// record mode that streams the outcome of a simple write/write race to a
// CSV file. Moved to its own package so variants can reuse and customize it.
package cli // import "fortio.org/fuzzsync/cli"

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"fortio.org/cli"
	"fortio.org/dflag"
	"fortio.org/fuzzsync"
	"fortio.org/fuzzsync/record"
	"fortio.org/fuzzsync/stats"
	"fortio.org/fuzzsync/version"
	"fortio.org/log"
)

// Window is the time signature of a code path containing a critical
// section: the delay until the section starts, its length, and the
// remaining delay until the path returns. Units are scaled cubically into
// yield loops so the sections stay much smaller than the paths around them.
type Window struct {
	CriticalS int
	CriticalT int
	ReturnT   int
}

// Race pairs the A and B signatures of one demonstration race.
type Race struct {
	A Window
	B Window
}

// DemoRaces covers the alignments worth demonstrating: already aligned
// degenerate cases, same length windows shifted both ways, different
// lengths, sections at entry or exit, and one side nearly or entirely
// instantaneous.
var DemoRaces = []Race{
	{Window{0, 0, 0}, Window{0, 0, 0}},
	{Window{0, 1, 0}, Window{0, 1, 0}},
	{Window{1, 1, 1}, Window{1, 1, 1}},
	{Window{3, 1, 1}, Window{3, 1, 1}},

	{Window{3, 1, 1}, Window{1, 1, 3}},
	{Window{1, 1, 3}, Window{3, 1, 1}},

	{Window{3, 1, 1}, Window{1, 1, 2}},
	{Window{1, 1, 3}, Window{2, 1, 1}},
	{Window{2, 1, 1}, Window{1, 1, 3}},
	{Window{1, 1, 2}, Window{3, 1, 1}},

	{Window{3, 1, 0}, Window{0, 1, 3}},
	{Window{0, 1, 3}, Window{3, 1, 0}},

	{Window{3, 1, 0}, Window{0, 1, 2}},
	{Window{0, 1, 3}, Window{2, 1, 0}},
	{Window{2, 1, 0}, Window{0, 1, 3}},
	{Window{0, 1, 2}, Window{3, 1, 0}},

	{Window{3, 1, 1}, Window{0, 1, 0}},
	{Window{1, 1, 3}, Window{0, 1, 0}},
	{Window{0, 1, 0}, Window{1, 1, 3}},
	{Window{0, 1, 0}, Window{3, 1, 1}},

	{Window{3, 1, 1}, Window{0, 0, 0}},
	{Window{1, 1, 3}, Window{0, 0, 0}},
	{Window{0, 0, 0}, Window{1, 1, 3}},
	{Window{0, 0, 0}, Window{3, 1, 1}},
}

// Delay scales cubically so that a delay range is required to align the
// sections: with t=3 the surrounding delays are 27 yields while the
// section itself is 1.
func delayUnits(t int) {
	for k := t * t * t; k > 0; k-- {
		runtime.Gosched()
	}
}

var (
	loopsFlag      = flag.Int("loops", 0, "Max iterations per race, 0 for the engine default")
	minSamplesFlag = flag.Int("min-samples", 0, "Sampling iterations before delays are injected, 0 for the engine default")
	maxDevFlag     = flag.Float64("max-dev-ratio", 0, "Acceptable deviation/mean ratio to end sampling, 0 for the engine default")
	budgetFlag     = flag.Duration("time-budget", 0, "Wall time budget per race, 0 for the engine default")
	overlapsFlag   = flag.Int64("overlaps", 100, "Stop a race once that many overlaps were observed")
	raceFlag       = flag.Int("race", -1, "Run only this `index` of the demo race table, -1 for all")
	jsonFlag       = flag.String("json", "", "Json summary output file `path`, \"-\" for stdout")
	recordFileFlag = flag.String("record-file", "", "CSV record output file `path` for the record command, \"-\" for stdout not supported")
	labelsFlag     = flag.String("labels", "", "Additional `label` string copied into the json summary")
	// ReportInterval is dynamic so a long running alignment can be made
	// chattier without restarting it.
	ReportInterval = dflag.Flag("report-interval", dflag.New(10*time.Second,
		"Interval between window timing reports while racing, 0 disables them"))
)

func helpArgsString() string {
	return fmt.Sprintf("command\n%s\n%s\n%s",
		"where command is one of: run (align the demonstration race table),",
		" record (run a write/write race and stream its outcomes to -record-file),",
		" or version (prints the full version and build details).")
}

// Main is the fuzzsync command line tool entry point (see the fuzzdemo
// directory for the wrapper binary).
func Main() int {
	cli.ProgramName = "fuzzsync"
	cli.ArgsHelp = helpArgsString()
	cli.CommandBeforeFlags = true
	cli.MinArgs = 0
	cli.MaxArgs = 0
	cli.Main()
	switch cli.Command {
	case "run":
		return runDemo(os.Stdout)
	case "record":
		return runRecord(os.Stdout)
	case "version":
		fmt.Println(version.Full())
	default:
		cli.ErrUsage("Error: unknown command %q", cli.Command)
	}
	return 0
}

func newPair() *fuzzsync.Pair {
	p := &fuzzsync.Pair{}
	p.Init()
	p.ExecLoops = *loopsFlag
	p.MinSamples = *minSamplesFlag
	p.MaxDevRatio = *maxDevFlag
	p.TimeBudget = *budgetFlag
	return p
}

// raceOutcome is what one demo race produced, plus the timing
// distributions for the json summary.
type raceOutcome struct {
	overlaps, tooEarly, tooLate int64
	loops                       int
	aWindow, bWindow, delays    *stats.Histogram
}

// runOne drives one race from the table until the overlap target or a
// budget is hit. The two sides interact through a single counter which
// both increment when entering and when leaving their critical section;
// the values A reads deduce the ordering: 1,2 means A ran entirely before
// B's section, 3,4 entirely after, anything else is an overlap.
func runOne(r Race, overlapTarget int64) (*raceOutcome, error) {
	p := newPair()
	var c atomic.Int32
	worker := func() {
		for p.RunB() {
			p.StartRaceB()
			delayUnits(r.B.CriticalS)
			c.Add(1)
			delayUnits(r.B.CriticalT)
			c.Add(1)
			delayUnits(r.B.ReturnT)
			p.EndRaceB()
		}
	}
	if err := p.Reset(worker); err != nil {
		return nil, err
	}
	defer p.Cleanup()
	o := &raceOutcome{
		aWindow: stats.NewHistogram(),
		bWindow: stats.NewHistogram(),
		delays:  stats.NewHistogram(),
	}
	lastReport := time.Now()
	for p.RunA() {
		p.StartRaceA()
		delayUnits(r.A.CriticalS)
		cs := c.Add(1)
		delayUnits(r.A.CriticalT)
		ct := c.Add(1)
		delayUnits(r.A.ReturnT)
		p.EndRaceA()
		switch {
		case cs == 1 && ct == 2:
			o.tooEarly++
		case cs == 3 && ct == 4:
			o.tooLate++
		default:
			o.overlaps++
		}
		if rem := c.Add(-4); rem != 0 {
			return nil, fmt.Errorf("shared counter out of balance: cs %d ct %d rem %d", cs, ct, rem)
		}
		o.aWindow.Record(float64(p.AEnd.Sub(p.AStart)))
		o.bWindow.Record(float64(p.BEnd.Sub(p.BStart)))
		if d := p.CurrentDelay(); d.Side != fuzzsync.DelayNone {
			o.delays.Record(float64(d.Ns))
		}
		if o.overlaps >= overlapTarget {
			break
		}
		if itv := ReportInterval.Get(); itv > 0 && time.Since(lastReport) >= itv {
			lastReport = time.Now()
			o.aWindow.Counter.Log("A window")
			o.bWindow.Counter.Log("B window")
			p.DiffAB.LogInfo("start offset", "ns")
			log.Infof("loop %d : overlaps %d too early %d too late %d (sampling %v)",
				p.ExecLoop, o.overlaps, o.tooEarly, o.tooLate, p.Sampling())
		}
	}
	o.loops = p.ExecLoop
	return o, nil
}

func runDemo(out *os.File) int {
	indexes := make([]int, 0, len(DemoRaces))
	if *raceFlag >= 0 {
		if *raceFlag >= len(DemoRaces) {
			cli.ErrUsage("Error: -race %d out of range, the table has %d races", *raceFlag, len(DemoRaces))
		}
		indexes = append(indexes, *raceFlag)
	} else {
		for i := range DemoRaces {
			indexes = append(indexes, i)
		}
	}
	failures := 0
	for _, i := range indexes {
		r := DemoRaces[i]
		o, err := runOne(r, *overlapsFlag)
		if err != nil {
			log.Errf("race %d failed: %v", i, err)
			failures++
			continue
		}
		fmt.Fprintf(out, "race %2d a{%d,%d,%d} b{%d,%d,%d} : loops %-7d overlaps %-4d too early %-6d too late %-6d\n",
			i, r.A.CriticalS, r.A.CriticalT, r.A.ReturnT,
			r.B.CriticalS, r.B.CriticalT, r.B.ReturnT,
			o.loops, o.overlaps, o.tooEarly, o.tooLate)
		if log.Log(log.Verbose) {
			o.aWindow.Print(out, "A window", []float64{50, 90, 99})
			o.bWindow.Print(out, "B window", []float64{50, 90, 99})
			o.delays.Print(out, "Injected delays", []float64{50, 90, 99})
		}
		if *jsonFlag != "" && len(indexes) == 1 {
			s := summarize(o)
			if _, err = record.SaveJSON(s, *jsonFlag); err != nil {
				failures++
			}
		}
	}
	if *jsonFlag != "" && len(indexes) > 1 {
		log.Warnf("-json ignored: select a single race with -race to get a summary")
	}
	if failures > 0 {
		return 1
	}
	return 0
}

func summarize(o *raceOutcome) *record.Summary {
	s := record.NewSummary(*labelsFlag)
	s.Loops = o.loops
	s.Overlaps = o.overlaps
	s.TooEarly = o.tooEarly
	s.TooLate = o.tooLate
	percs := []float64{50, 90, 99}
	s.AWindow = o.aWindow.Export().CalcPercentiles(percs)
	s.BWindow = o.bWindow.Export().CalcPercentiles(percs)
	s.Delay = o.delays.Export().CalcPercentiles(percs)
	return s
}

// runRecord reproduces a last-writer race on a single shared variable and
// streams one CSV row per iteration: the winning side and the four window
// timestamps. B writes its mark inside its window; A re-asserts its own
// mark if it still sees it, so the recorded winner flips with the actual
// interleaving.
func runRecord(out *os.File) int {
	if *recordFileFlag == "" {
		cli.ErrUsage("Error: record command needs -record-file")
	}
	w, err := record.NewCSVWriter(*recordFileFlag)
	if err != nil {
		return 1
	}
	p := newPair()
	if *loopsFlag == 0 {
		p.ExecLoops = 100_000
	}
	var winner atomic.Int32
	worker := func() {
		for p.RunB() {
			p.StartRaceB()
			delayUnits(1)
			winner.Store('B')
			p.EndRaceB()
		}
	}
	if err = p.Reset(worker); err != nil {
		w.Close()
		return 1
	}
	var aWins, bWins int64
	for p.RunA() {
		winner.Store('A')
		p.StartRaceA()
		if winner.Load() == 'A' {
			winner.Store('A')
		}
		p.EndRaceA()
		res := byte(winner.Load())
		if res == 'A' {
			aWins++
		} else {
			bWins++
		}
		if err = w.Record(res, p.AStart, p.BStart, p.AEnd, p.BEnd); err != nil {
			log.Errf("record write failed: %v", err)
			break
		}
	}
	loops := p.ExecLoop
	p.Cleanup()
	if cerr := w.Close(); cerr != nil {
		log.Errf("record close failed: %v", cerr)
		err = cerr
	}
	fmt.Fprintf(out, "Recorded %d loops to %s : A won %d, B won %d\n", loops, *recordFileFlag, aWins, bWins)
	if *jsonFlag != "" {
		s := record.NewSummary(*labelsFlag)
		s.Loops = loops
		s.Overlaps = aWins // B's write landed between A's check and A's write
		if _, jerr := record.SaveJSON(s, *jsonFlag); jerr != nil {
			return 1
		}
	}
	if err != nil {
		return 1
	}
	return 0
}
