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

package intrinsic

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"hvpt.dev/hvpt/pkg/hostarch"
)

func TestRecorderRoots(t *testing.T) {
	var r Recorder
	if _, ok := r.Root(0); ok {
		t.Fatalf("Root(0) reported a root before any was set")
	}
	r.SetRootTable(0, 0x1000)
	r.SetRootTable(1, 0x2000)
	r.SetRootTable(0, 0x3000)
	for core, want := range map[int]uintptr{0: 0x3000, 1: 0x2000} {
		got, ok := r.Root(core)
		if !ok || got != want {
			t.Errorf("Root(%d) = %#x, %t, want %#x, true", core, got, ok, want)
		}
	}
	r.Reset()
	if _, ok := r.Root(1); ok {
		t.Errorf("Root(1) reported a root after Reset")
	}
}

func TestRecorderFlushOrder(t *testing.T) {
	var r Recorder
	r.FlushTLB(FlushLocal, 0x1000)
	r.FlushTLB(FlushAll, 0x200000)
	want := []Flush{
		{Scope: FlushLocal, Addr: 0x1000},
		{Scope: FlushAll, Addr: 0x200000},
	}
	if diff := cmp.Diff(want, r.Flushes()); diff != "" {
		t.Errorf("Flushes() mismatch (-want +got):\n%s", diff)
	}
}

func TestRecorderConcurrent(t *testing.T) {
	var (
		r Recorder
		g errgroup.Group
	)
	const n = 8
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			r.SetRootTable(i, uintptr(i+1)*hostarch.PageSize)
			r.FlushTLB(FlushLocal, hostarch.Addr(i)*hostarch.PageSize)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Wait() failed: %v", err)
	}
	if got := len(r.Flushes()); got != n {
		t.Errorf("len(Flushes()) = %d, want %d", got, n)
	}
}

func TestFlushScopeString(t *testing.T) {
	if got := FlushAll.String(); got != "all" {
		t.Errorf("FlushAll.String() = %q, want %q", got, "all")
	}
}
