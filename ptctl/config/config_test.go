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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"hvpt.dev/hvpt/pkg/log"
)

func newTestFlags(t *testing.T) *flag.FlagSet {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	return testFlags
}

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ptctl.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newTestFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		Arch:            "x86",
		PoolPages:       4096,
		PhysicalBase:    0x100000000,
		DirectMapOffset: 0xffff800000000000,
		Cores:           1,
		LogLevel:        "info",
		DebugLogFormat:  "text",
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("NewFromFlags() mismatch (-want +got):\n%s", diff)
	}
	if got := c.Level(); got != log.Info {
		t.Errorf("Level() = %v, want %v", got, log.Info)
	}
}

func TestLevel(t *testing.T) {
	for _, tc := range []struct {
		level string
		debug bool
		want  log.Level
	}{
		{level: "warning", want: log.Warning},
		{level: "Info", want: log.Info},
		{level: "debug", want: log.Debug},
		{level: "warning", debug: true, want: log.Debug},
	} {
		c := &Config{LogLevel: tc.level, Debug: tc.debug}
		if got := c.Level(); got != tc.want {
			t.Errorf("Config{LogLevel: %q, Debug: %v}.Level() = %v, want %v", tc.level, tc.debug, got, tc.want)
		}
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newTestFlags(t)
	if err := testFlags.Lookup("arch").Value.Set("ept"); err != nil {
		t.Errorf("Flag set: %v", err)
	}
	if err := testFlags.Lookup("debug").Value.Set("true"); err != nil {
		t.Errorf("Flag set: %v", err)
	}
	if err := testFlags.Lookup("pool-pages").Value.Set("123"); err != nil {
		t.Errorf("Flag set: %v", err)
	}
	if err := testFlags.Lookup("phys-base").Value.Set("0x200000"); err != nil {
		t.Errorf("Flag set: %v", err)
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := "ept"; c.Arch != want {
		t.Errorf("Arch=%v, want: %v", c.Arch, want)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := 123; c.PoolPages != want {
		t.Errorf("PoolPages=%v, want: %v", c.PoolPages, want)
	}
	if want := uint64(0x200000); c.PhysicalBase != want {
		t.Errorf("PhysicalBase=%#x, want: %#x", c.PhysicalBase, want)
	}
}

func TestConfigFile(t *testing.T) {
	path := writeConfigFile(t, `
arch = "ept"
pool-pages = 64
cores = 4
log-format = "json"
log-level = "warning"
alsologtostderr = true
`)
	testFlags := newTestFlags(t)
	if err := testFlags.Set("config", path); err != nil {
		t.Fatalf("Flag set: %v", err)
	}
	// Explicit flags win over the file.
	if err := testFlags.Set("cores", "2"); err != nil {
		t.Fatalf("Flag set: %v", err)
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		ConfigFile:      path,
		Arch:            "ept",
		PoolPages:       64,
		PhysicalBase:    0x100000000,
		DirectMapOffset: 0xffff800000000000,
		Cores:           2,
		LogLevel:        "warning",
		AlsoLogToStderr: true,
		DebugLogFormat:  "json",
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("NewFromFlags() mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
		want     string
	}{
		{
			name:     "unknown key",
			contents: "pages = 3\n",
			want:     `unknown key "pages"`,
		},
		{
			name:     "syntax",
			contents: "arch = \n",
			want:     "reading config file",
		},
		{
			name:     "invalid value",
			contents: "arch = \"arm\"\n",
			want:     "invalid arch",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newTestFlags(t)
			if err := testFlags.Set("config", writeConfigFile(t, tc.contents)); err != nil {
				t.Fatalf("Flag set: %v", err)
			}
			_, err := NewFromFlags(testFlags)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("NewFromFlags() got error: %v, want: %q", err, tc.want)
			}
		})
	}
}

func TestValidation(t *testing.T) {
	for _, tc := range []struct {
		flag  string
		value string
		want  string
	}{
		{flag: "arch", value: "arm64", want: "invalid arch"},
		{flag: "pool-pages", value: "0", want: "pool-pages must be positive"},
		{flag: "phys-base", value: "0x1001", want: "not page aligned"},
		{flag: "direct-map-offset", value: "0x10", want: "not page aligned"},
		{flag: "cores", value: "-1", want: "cores must be positive"},
		{flag: "log-format", value: "xml", want: "invalid log format"},
		{flag: "log-level", value: "trace", want: "invalid log level"},
	} {
		t.Run(tc.flag, func(t *testing.T) {
			testFlags := newTestFlags(t)
			if err := testFlags.Set(tc.flag, tc.value); err != nil {
				t.Fatalf("Flag set: %v", err)
			}
			_, err := NewFromFlags(testFlags)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("NewFromFlags() got error: %v, want: %q", err, tc.want)
			}
		})
	}
}
