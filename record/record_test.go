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

package record

import (
	"encoding/json"
	"os"
	"path"
	"strings"
	"testing"
	"time"

	"fortio.org/assert"
	"fortio.org/fuzzsync/stats"
)

func TestSummaryRoundTrip(t *testing.T) {
	s := NewSummary("test run")
	assert.True(t, s.ID != "", "summary gets an id")
	s2 := NewSummary("other")
	assert.True(t, s.ID != s2.ID, "ids are unique per run")
	s.Loops = 1234
	s.Overlaps = 42
	s.TooEarly = 1000
	s.TooLate = 192
	h := stats.NewHistogram()
	h.Record(100)
	h.Record(5000)
	s.AWindow = h.Export().CalcPercentiles([]float64{50})

	fname := path.Join(t.TempDir(), "summary.json")
	n, err := SaveJSON(s, fname)
	assert.NoError(t, err)
	assert.True(t, n > 0, "bytes written")
	data, err := os.ReadFile(fname)
	assert.NoError(t, err)
	var back Summary
	assert.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, s.ID, back.ID)
	assert.Equal(t, 1234, back.Loops)
	assert.Equal(t, int64(42), back.Overlaps)
	assert.Equal(t, int64(2), back.AWindow.Count)
	assert.True(t, back.BWindow == nil, "unset histograms omitted")
}

func TestSaveJSONBadPath(t *testing.T) {
	s := NewSummary("")
	_, err := SaveJSON(s, path.Join(t.TempDir(), "no", "such", "dir", "x.json"))
	assert.True(t, err != nil, "expected error for bad path")
}

func TestCSVWriter(t *testing.T) {
	fname := path.Join(t.TempDir(), "rec.csv")
	w, err := NewCSVWriter(fname)
	assert.NoError(t, err)
	base := time.Now()
	assert.NoError(t, w.Record('A', base, base.Add(time.Microsecond), base.Add(2*time.Microsecond), base.Add(3*time.Microsecond)))
	assert.NoError(t, w.Record('B', base, base, base, base))
	assert.NoError(t, w.Close())

	data, err := os.ReadFile(fname)
	assert.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, 3, len(lines), "header plus two rows")
	assert.Equal(t, CSVHeader, lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "A,"), "row %q", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "B,"), "row %q", lines[2])
	fields := strings.Split(lines[1], ",")
	assert.Equal(t, 5, len(fields))
}

func TestCSVWriterBadPath(t *testing.T) {
	_, err := NewCSVWriter(path.Join(t.TempDir(), "no", "such", "dir", "rec.csv"))
	assert.True(t, err != nil, "expected error for bad path")
}
