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

// Package intrinsic models the hardware intrinsics used by page tables:
// programming the root translation pointer and invalidating translation
// caches.
package intrinsic

import (
	"fmt"

	"hvpt.dev/hvpt/pkg/hostarch"
	"hvpt.dev/hvpt/pkg/sync"
)

// FlushScope selects which cores a TLB flush reaches.
type FlushScope uint8

const (
	// FlushLocal invalidates the translation on the current core only.
	FlushLocal FlushScope = iota

	// FlushAll broadcasts the invalidation to every core. It is expensive
	// and only needed when another core may have observed the mapping.
	FlushAll
)

// String implements fmt.Stringer.String.
func (s FlushScope) String() string {
	switch s {
	case FlushLocal:
		return "local"
	case FlushAll:
		return "all"
	default:
		return fmt.Sprintf("FlushScope(%d)", s)
	}
}

// Flush is one recorded TLB invalidation.
type Flush struct {
	Scope FlushScope
	Addr  hostarch.Addr
}

// Recorder is an in-memory stand-in for the intrinsics of a set of cores.
// It remembers the root table programmed on each core and every flush that
// was issued, in order.
//
// The zero value is ready to use.
type Recorder struct {
	mu sync.Mutex

	// roots maps a core to the physical address last programmed into it.
	roots map[int]uintptr

	// flushes is the flush log.
	flushes []Flush
}

// SetRootTable records that core now translates through the table at
// physical.
func (r *Recorder) SetRootTable(core int, physical uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.roots == nil {
		r.roots = make(map[int]uintptr)
	}
	r.roots[core] = physical
}

// FlushTLB records an invalidation of addr.
func (r *Recorder) FlushTLB(scope FlushScope, addr hostarch.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes = append(r.flushes, Flush{Scope: scope, Addr: addr})
}

// Root returns the physical root programmed on core, and whether one was.
func (r *Recorder) Root(core int) (uintptr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	phys, ok := r.roots[core]
	return phys, ok
}

// Flushes returns a copy of the flush log.
func (r *Recorder) Flushes() []Flush {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Flush(nil), r.flushes...)
}

// Reset forgets all recorded state.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roots = nil
	r.flushes = nil
}
