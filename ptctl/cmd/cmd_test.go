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

package cmd

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"hvpt.dev/hvpt/pkg/hostarch"
	"hvpt.dev/hvpt/pkg/ring0/pagetables"
	"hvpt.dev/hvpt/ptctl/config"
)

func testConfig(arch string) *config.Config {
	return &config.Config{
		Arch:            arch,
		PoolPages:       256,
		PhysicalBase:    0x100000000,
		DirectMapOffset: 0xffff800000000000,
		Cores:           2,
		LogLevel:        "info",
		DebugLogFormat:  "text",
	}
}

func TestParseMapping(t *testing.T) {
	for _, tc := range []struct {
		in   string
		virt hostarch.Addr
		phys hostarch.Addr
		opts pagetables.MapOpts
		g    pagetables.Granularity
	}{
		{
			in:   "0x1000:0x2000:4K",
			virt: 0x1000,
			phys: 0x2000,
			opts: pagetables.MapOpts{AccessType: hostarch.Read},
			g:    pagetables.Page4K,
		},
		{
			in:   "0x40000000:0x40000000:1g:rw-",
			virt: 0x40000000,
			phys: 0x40000000,
			opts: pagetables.MapOpts{AccessType: hostarch.ReadWrite},
			g:    pagetables.Page1G,
		},
		{
			in:   "2097152:0x400000:2M:rx:user,global,uc,explicit-unmap",
			virt: 0x200000,
			phys: 0x400000,
			opts: pagetables.MapOpts{
				AccessType:    hostarch.AccessType{Read: true, Execute: true},
				User:          true,
				Global:        true,
				MemoryType:    hostarch.MemoryTypeUncached,
				ExplicitUnmap: true,
			},
			g: pagetables.Page2M,
		},
	} {
		t.Run(tc.in, func(t *testing.T) {
			virt, phys, opts, g, err := parseMapping(tc.in)
			if err != nil {
				t.Fatalf("parseMapping(%q) failed: %v", tc.in, err)
			}
			if virt != tc.virt || phys != tc.phys || g != tc.g {
				t.Errorf("parseMapping(%q) = %v, %v, %v, want %v, %v, %v", tc.in, virt, phys, g, tc.virt, tc.phys, tc.g)
			}
			if diff := cmp.Diff(tc.opts, opts); diff != "" {
				t.Errorf("parseMapping(%q) opts mismatch (-want +got):\n%s", tc.in, diff)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{
		"0x1000",
		"0x1000:0x2000",
		"zz:0x2000:4K",
		"0x1000:0x2000:8K",
		"0x1000:0x2000:4K:rwz",
		"0x1000:0x2000:4K:---",
		"0x1000:0x2000:4K:rw:huge",
		"0x1000:0x2000:4K:rw:user:extra",
	} {
		if _, _, _, _, err := parseMapping(in); err == nil {
			t.Errorf("parseMapping(%q) succeeded, want error", in)
		}
	}
	for _, in := range []string{"0x1000", "0x1000:3K", "x:4K"} {
		if _, _, err := parseUnmap(in); err == nil {
			t.Errorf("parseUnmap(%q) succeeded, want error", in)
		}
	}
}

func TestArchFor(t *testing.T) {
	for _, name := range []string{"x86", "ept"} {
		a, err := ArchFor(name)
		if err != nil {
			t.Fatalf("ArchFor(%q) failed: %v", name, err)
		}
		if got := a.Name(); got != name {
			t.Errorf("ArchFor(%q).Name() = %q", name, got)
		}
	}
	if _, err := ArchFor("sparc"); err == nil {
		t.Errorf("ArchFor(sparc) succeeded, want error")
	}
}

func TestMapApply(t *testing.T) {
	for _, arch := range []string{"x86", "ept"} {
		t.Run(arch, func(t *testing.T) {
			conf := testConfig(arch)
			mach, err := newMachine(conf)
			if err != nil {
				t.Fatalf("newMachine failed: %v", err)
			}
			m := &Map{
				mappings:   listFlag{"0x1000:0x2000:4K:rw", "0x40000000:0x80000000:1G", "0x600000:0x200000:2M:rx"},
				allocs:     listFlag{"0x3000"},
				unmaps:     listFlag{"0x600000:2M"},
				translates: listFlag{"0x1234", "0x40001000", "0x600000"},
				direct:     1,
			}
			var buf bytes.Buffer
			out := bufio.NewWriter(&buf)
			if err := m.apply(conf, mach, out); err != nil {
				t.Fatalf("apply failed: %v", err)
			}
			if err := mach.pt.Dump(out); err != nil {
				t.Fatalf("Dump failed: %v", err)
			}
			out.Flush()

			got := buf.String()
			for _, want := range []string{
				"direct 0xffff80010",
				"translate 0x1234 -> 0x2234 (4K)\n",
				"translate 0x40001000 -> 0x80001000 (1G)\n",
				"translate 0x600000: ",
				arch + " root ",
			} {
				if !strings.Contains(got, want) {
					t.Errorf("output missing %q:\n%s", want, got)
				}
			}
			if err := mach.release(); err != nil {
				t.Errorf("release failed: %v", err)
			}
		})
	}
}

func TestMapApplyError(t *testing.T) {
	conf := testConfig("x86")
	mach, err := newMachine(conf)
	if err != nil {
		t.Fatalf("newMachine failed: %v", err)
	}
	m := &Map{mappings: listFlag{"0x1000:0x2000:4K", "0x1000:0x3000:4K"}}
	var buf bytes.Buffer
	if err := m.apply(conf, mach, bufio.NewWriter(&buf)); err == nil || !strings.Contains(err.Error(), `mapping "0x1000:0x3000:4K"`) {
		t.Errorf("apply got error %v, want a failure on the second mapping", err)
	}
	if err := mach.release(); err != nil {
		t.Errorf("release failed: %v", err)
	}
}

func TestReleaseReportsExplicitUnmap(t *testing.T) {
	conf := testConfig("x86")
	mach, err := newMachine(conf)
	if err != nil {
		t.Fatalf("newMachine failed: %v", err)
	}
	m := &Map{mappings: listFlag{"0x1000:0x2000:4K:rw:explicit-unmap"}}
	var buf bytes.Buffer
	if err := m.apply(conf, mach, bufio.NewWriter(&buf)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if err := mach.release(); err == nil {
		t.Errorf("release succeeded with an explicit-unmap block mapped")
	}
}

func TestStress(t *testing.T) {
	conf := testConfig("ept")
	mach, err := newMachine(conf)
	if err != nil {
		t.Fatalf("newMachine failed: %v", err)
	}
	s := &Stress{workers: 4, iterations: 10, batch: 8}
	if err := s.run(context.Background(), mach); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(mach.intr.Flushes()) == 0 {
		t.Errorf("no TLB flushes recorded")
	}
	if err := mach.release(); err != nil {
		t.Errorf("release failed: %v", err)
	}
}
