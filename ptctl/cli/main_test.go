// Copyright 2024 The gVisor Authors.
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

package cli

import (
	"bytes"
	"strings"
	"testing"

	"hvpt.dev/hvpt/pkg/log"
	"hvpt.dev/hvpt/ptctl/config"
)

func TestNewTarget(t *testing.T) {
	for _, tc := range []struct {
		name       string
		toFile     bool
		alsoStderr bool
		wantFile   bool
		wantStderr bool
	}{
		{name: "stderr", wantStderr: true},
		{name: "file", toFile: true, wantFile: true},
		{name: "both", toFile: true, alsoStderr: true, wantFile: true, wantStderr: true},
		{name: "also without file", alsoStderr: true, wantStderr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			conf := &config.Config{DebugLogFormat: "text", AlsoLogToStderr: tc.alsoStderr}
			var file, stderr bytes.Buffer
			var logFile *bytes.Buffer
			if tc.toFile {
				logFile = &file
			}
			var target log.Emitter
			if logFile != nil {
				target = newTarget(conf, logFile, &stderr)
			} else {
				target = newTarget(conf, nil, &stderr)
			}
			l := &log.BasicLogger{Level: log.Info, Emitter: target}
			l.Infof("root %#x", 0x1000)

			for _, out := range []struct {
				name string
				buf  *bytes.Buffer
				want bool
			}{
				{"file", &file, tc.wantFile},
				{"stderr", &stderr, tc.wantStderr},
			} {
				if got := strings.HasSuffix(out.buf.String(), "] root 0x1000\n"); got != out.want {
					t.Errorf("%s got message: %v, want: %v (%q)", out.name, got, out.want, out.buf.String())
				}
			}
		})
	}
}

func TestNewEmitterFormats(t *testing.T) {
	for _, format := range []string{"text", "json", "json-k8s"} {
		var buf bytes.Buffer
		l := &log.BasicLogger{Level: log.Info, Emitter: newEmitter(format, &buf)}
		l.Warningf("leak")
		if !strings.Contains(buf.String(), "leak") {
			t.Errorf("format %s wrote %q", format, buf.String())
		}
	}
}
