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

// Package sync provides synchronization primitives.
package sync

import (
	"runtime"

	"hvpt.dev/hvpt/pkg/atomicbitops"
)

// spinsBeforeYield is the number of failed acquisition attempts after which
// a waiter yields its processor.
const spinsBeforeYield = 64

// SpinMutex is a non-reentrant mutual exclusion lock that never parks the
// calling goroutine.
//
// It models the spinlock that guards page tables on hypervisor cores: the
// holder must not block, fault, or try to acquire the same lock again. The
// zero value is an unlocked mutex.
type SpinMutex struct {
	state atomicbitops.Uint32
}

// Lock acquires m, spinning until it is available.
//
//go:nosplit
func (m *SpinMutex) Lock() {
	for spins := 0; !m.TryLock(); spins++ {
		if spins >= spinsBeforeYield {
			runtime.Gosched()
			spins = 0
		}
	}
}

// TryLock acquires m if it is free and reports whether it did.
//
//go:nosplit
func (m *SpinMutex) TryLock() bool {
	return m.state.CompareAndSwap(0, 1)
}

// Unlock releases m. It panics if m is not locked.
//
//go:nosplit
func (m *SpinMutex) Unlock() {
	if m.state.Swap(0) != 1 {
		panic("unlock of unlocked SpinMutex")
	}
}

// AssertLocked panics if m is not held by anyone. It is a debugging aid for
// functions whose callers must hold m.
func (m *SpinMutex) AssertLocked() {
	if m.state.Load() != 1 {
		panic("SpinMutex is not locked")
	}
}
