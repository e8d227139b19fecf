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

// Package record writes race records: a per iteration CSV stream of the
// observed winner and the four window timestamps, and a JSON summary of a
// whole run. The engine itself never touches files; the drivers hand their
// observations here.
package record // import "fortio.org/fuzzsync/record"

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"fortio.org/fuzzsync/stats"
	"fortio.org/fuzzsync/version"
	"fortio.org/log"
	"github.com/google/uuid"
)

// Summary is the JSON serializable outcome of one race run.
type Summary struct {
	// ID is a unique run id, usable as a reference to the saved file.
	ID        string
	Labels    string `json:",omitempty"`
	StartTime time.Time
	Version   string
	// Loops actually executed and their classification: iterations where
	// the two critical sections were observed simultaneously live
	// (Overlaps), where A finished before B entered (TooEarly) and where
	// A entered after B finished (TooLate).
	Loops    int
	Overlaps int64
	TooEarly int64
	TooLate  int64
	// Timing distributions in nanoseconds, when the driver collected them.
	AWindow *stats.HistogramData `json:",omitempty"`
	BWindow *stats.HistogramData `json:",omitempty"`
	Delay   *stats.HistogramData `json:",omitempty"`
}

// NewSummary creates a summary stamped with a fresh run id, the current
// time and the module version.
func NewSummary(labels string) *Summary {
	return &Summary{
		ID:        uuid.New().String(),
		Labels:    labels,
		StartTime: time.Now(),
		Version:   version.Short(),
	}
}

// SaveJSON saves the summary as json to the named file, "-" meaning stdout.
// Returns the number of bytes written.
func SaveJSON(s *Summary, fileName string) (int, error) {
	j, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		log.Errf("Unable to json serialize summary: %v", err)
		return -1, err
	}
	var f *os.File
	if fileName == "-" {
		f = os.Stdout
	} else {
		f, err = os.Create(fileName)
		if err != nil {
			log.Errf("Unable to create %s: %v", fileName, err)
			return -1, err
		}
	}
	n, err := f.Write(append(j, '\n'))
	if err != nil {
		log.Errf("Unable to write json to %s: %v", fileName, err)
		return -1, err
	}
	if f != os.Stdout {
		if err = f.Close(); err != nil {
			log.Errf("Close error for %s: %v", fileName, err)
			return n, err
		}
	}
	log.LogVf("Wrote %d bytes of json summary to %s", n, fileName)
	return n, nil
}

// CSVHeader is the first line of a per iteration record file.
const CSVHeader = "winner,a_start,b_start,a_end,b_end"

// CSVWriter streams one row per iteration: which side won the race plus
// the four timestamps as absolute nanoseconds.
type CSVWriter struct {
	f *os.File
	w *bufio.Writer
}

// NewCSVWriter creates (truncates) the record file and writes the header.
func NewCSVWriter(path string) (*CSVWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		log.Errf("Unable to create record file %s: %v", path, err)
		return nil, err
	}
	w := bufio.NewWriter(f)
	if _, err = fmt.Fprintln(w, CSVHeader); err != nil {
		f.Close()
		return nil, err
	}
	return &CSVWriter{f: f, w: w}, nil
}

// Record appends one iteration row.
func (c *CSVWriter) Record(winner byte, aStart, bStart, aEnd, bEnd time.Time) error {
	_, err := fmt.Fprintf(c.w, "%c,%d,%d,%d,%d\n", winner,
		aStart.UnixNano(), bStart.UnixNano(), aEnd.UnixNano(), bEnd.UnixNano())
	return err
}

// Close flushes and closes the record file.
func (c *CSVWriter) Close() error {
	if err := c.w.Flush(); err != nil {
		c.f.Close()
		return err
	}
	return c.f.Close()
}
