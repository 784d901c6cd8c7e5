// Copyright 2018 Google LLC
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

package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(expected, tw.lines); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestWriterAppendsNewline(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("no newline")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if diff := cmp.Diff([]string{"no newline", "\n"}, tw.lines); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: &buf}}
	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	l.Warningf("shown %d", 3)
	if got, want := buf.String(), "shown 2\nshown 3\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}

	l.SetLevel(Debug)
	if !l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false after SetLevel(Debug)")
	}
	buf.Reset()
	l.Debugf("now %s", "visible")
	if got, want := buf.String(), "now visible\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestGoogleEmitterHeader(t *testing.T) {
	var buf bytes.Buffer
	e := GoogleEmitter{&Writer{Next: &buf}}
	ts := time.Date(2024, time.March, 7, 13, 4, 5, 6000, time.UTC)
	e.Emit(0, Warning, ts, "unmap %#x", 0x200000)
	got := buf.String()
	if !strings.HasPrefix(got, "W0307 13:04:05.000006") {
		t.Errorf("header = %q, want W0307 13:04:05.000006 prefix", got)
	}
	if !strings.HasSuffix(got, "] unmap 0x200000\n") {
		t.Errorf("message = %q, want suffix %q", got, "] unmap 0x200000\n")
	}
}

func TestJSONEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := JSONEmitter{&Writer{Next: &buf}}
	e.Emit(0, Debug, time.Unix(0, 0).UTC(), "map %s", "ok")

	var got struct {
		Msg   string `json:"msg"`
		Level Level  `json:"level"`
	}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("json.Unmarshal(%q) failed: %v", buf.String(), err)
	}
	if got.Level != Debug {
		t.Errorf("level = %v, want %v", got.Level, Debug)
	}
	if !strings.HasSuffix(got.Msg, "] map ok") {
		t.Errorf("msg = %q, want suffix %q", got.Msg, "] map ok")
	}
}

func TestLevelUnmarshal(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Level
	}{
		{in: `"warning"`, want: Warning},
		{in: `1`, want: Info},
		{in: `"debug"`, want: Debug},
	} {
		var l Level
		if err := json.Unmarshal([]byte(tc.in), &l); err != nil {
			t.Errorf("Unmarshal(%s) failed: %v", tc.in, err)
			continue
		}
		if l != tc.want {
			t.Errorf("Unmarshal(%s) = %v, want %v", tc.in, l, tc.want)
		}
	}
	var l Level
	if err := json.Unmarshal([]byte(`"verbose"`), &l); err == nil {
		t.Errorf("Unmarshal(verbose) succeeded, want error")
	}
}

type countingLogger struct {
	n int
}

func (c *countingLogger) Debugf(string, ...any)   { c.n++ }
func (c *countingLogger) Infof(string, ...any)    { c.n++ }
func (c *countingLogger) Warningf(string, ...any) { c.n++ }
func (c *countingLogger) IsLogging(Level) bool    { return true }

func (c *countingLogger) DebugfAtDepth(int, string, ...any)   { c.n++ }
func (c *countingLogger) InfofAtDepth(int, string, ...any)    { c.n++ }
func (c *countingLogger) WarningfAtDepth(int, string, ...any) { c.n++ }

func TestRateLimitedLogger(t *testing.T) {
	c := &countingLogger{}
	l := RateLimitedLogger(c, time.Hour)
	for i := 0; i < 10; i++ {
		l.Warningf("walk failed")
	}
	if c.n != 1 {
		t.Errorf("underlying logger called %d times, want 1", c.n)
	}
}

func TestK8sJSONEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := K8sJSONEmitter{&Writer{Next: &buf}}
	e.Emit(0, Warning, time.Unix(0, 0).UTC(), "leak at %#x", 0x1000)

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("json.Unmarshal(%q) failed: %v", buf.String(), err)
	}
	if got["level"] != "warning" {
		t.Errorf("level = %v, want warning", got["level"])
	}
	if msg, _ := got["log"].(string); !strings.HasSuffix(msg, "] leak at 0x1000") {
		t.Errorf("log = %q, want suffix %q", msg, "] leak at 0x1000")
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"warning": Warning, "Info": Info, "DEBUG": Debug} {
		got, err := ParseLevel(in)
		if err != nil {
			t.Errorf("ParseLevel(%q) failed: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("trace"); err == nil {
		t.Errorf("ParseLevel(trace) succeeded, want error")
	}
}

func TestRateLimitedLoggerCaller(t *testing.T) {
	var buf bytes.Buffer
	l := RateLimitedLogger(&BasicLogger{Level: Warning, Emitter: GoogleEmitter{&Writer{Next: &buf}}}, time.Hour)
	l.Warningf("walk aborted")
	got := buf.String()
	if !strings.Contains(got, "log_test.go:") || !strings.HasSuffix(got, "] walk aborted\n") {
		t.Errorf("message %q is not attributed to its caller", got)
	}
}

type recordingT struct {
	logs []string
}

func (r *recordingT) Logf(format string, v ...any) {
	r.logs = append(r.logs, fmt.Sprintf(format, v...))
}

func TestTestEmitter(t *testing.T) {
	r := &recordingT{}
	l := &BasicLogger{Level: Info, Emitter: &TestEmitter{r}}
	l.Infof("mapped %d pages", 3)
	l.Debugf("dropped")
	if diff := cmp.Diff([]string{"mapped 3 pages"}, r.logs); diff != "" {
		t.Errorf("logs mismatch (-want +got):\n%s", diff)
	}
}

func TestMultiEmitter(t *testing.T) {
	var text, js bytes.Buffer
	m := &MultiEmitter{
		GoogleEmitter{&Writer{Next: &text}},
		JSONEmitter{&Writer{Next: &js}},
	}
	l := &BasicLogger{Level: Info, Emitter: m}
	l.Warningf("leak at %#x", 0x2000)
	if !strings.Contains(text.String(), "log_test.go:") || !strings.HasSuffix(text.String(), "] leak at 0x2000\n") {
		t.Errorf("text output = %q", text.String())
	}
	var rec struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(js.Bytes(), &rec); err != nil {
		t.Fatalf("json.Unmarshal(%q) failed: %v", js.String(), err)
	}
	if !strings.HasPrefix(rec.Msg, "log_test.go:") || !strings.HasSuffix(rec.Msg, "] leak at 0x2000") {
		t.Errorf("json msg = %q", rec.Msg)
	}
}
