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

package pagetables

import "hvpt.dev/hvpt/pkg/hostarch"

// Bits in host paging entries.
const (
	present        PTE = 1 << 0
	writable       PTE = 1 << 1
	user           PTE = 1 << 2
	writeThrough   PTE = 1 << 3
	cacheDisable   PTE = 1 << 4
	accessed       PTE = 1 << 5
	dirty          PTE = 1 << 6
	super          PTE = 1 << 7
	global         PTE = 1 << 8
	executeDisable PTE = 1 << 63
)

// X86 is the 4-level host paging entry format.
var X86 Arch = x86{}

type x86 struct{}

// Name implements Arch.Name.
func (x86) Name() string {
	return "x86"
}

// Status implements Arch.Status.
func (x86) Status(pte PTE, level int) Status {
	if pte&present == 0 {
		if pte != 0 {
			return Reserved
		}
		return NotPresent
	}
	switch level {
	case 3:
		if pte&super != 0 {
			return Reserved
		}
	case 2, 1:
		// The hardware leaf bit and our own must agree.
		if (pte&super != 0) != (pte&pointsToBlock != 0) {
			return Reserved
		}
	}
	return Present
}

// ConfigureBlock implements Arch.ConfigureBlock.
//
// Blocks are always readable. The memory type selects PAT entries 0 (WB), 1
// (WC) and 3 (UC) of the default PAT layout.
func (x86) ConfigureBlock(level int, opts MapOpts) PTE {
	v := present | accessed
	if opts.AccessType.Write {
		v |= writable | dirty
	}
	if !opts.AccessType.Execute {
		v |= executeDisable
	}
	if opts.User {
		v |= user
	}
	if opts.Global {
		v |= global
	}
	switch opts.MemoryType {
	case hostarch.MemoryTypeWriteCombine:
		v |= writeThrough
	case hostarch.MemoryTypeUncached:
		v |= writeThrough | cacheDisable
	}
	if level > 0 {
		v |= super
	}
	return v
}

// ConfigureTable implements Arch.ConfigureTable.
//
// Intermediate entries grant everything; the leaf decides.
func (x86) ConfigureTable() PTE {
	return present | writable | user | accessed
}

// Opts implements Arch.Opts.
func (x86) Opts(pte PTE, level int) MapOpts {
	var opts MapOpts
	if pte&present == 0 {
		return opts
	}
	opts.AccessType = hostarch.AccessType{
		Read:    true,
		Write:   pte&writable != 0,
		Execute: pte&executeDisable == 0,
	}
	opts.User = pte&user != 0
	opts.Global = pte&global != 0
	switch pte & (writeThrough | cacheDisable) {
	case writeThrough:
		opts.MemoryType = hostarch.MemoryTypeWriteCombine
	case writeThrough | cacheDisable:
		opts.MemoryType = hostarch.MemoryTypeUncached
	}
	return opts
}
