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

// Bits in extended page table entries.
const (
	eptRead       PTE = 1 << 0
	eptWrite      PTE = 1 << 1
	eptExecute    PTE = 1 << 2
	eptTypeShift      = 3
	eptTypeMask   PTE = 0x7 << eptTypeShift
	eptIgnorePAT  PTE = 1 << 6
	eptLarge      PTE = 1 << 7
	eptAccessMask     = eptRead | eptWrite | eptExecute
)

// EPT memory type encodings.
const (
	eptTypeUC = 0
	eptTypeWC = 1
	eptTypeWB = 6
)

// EPT is the second-level (guest-physical) translation entry format.
var EPT Arch = ept{}

type ept struct{}

// Name implements Arch.Name.
func (ept) Name() string {
	return "ept"
}

// Status implements Arch.Status.
func (ept) Status(pte PTE, level int) Status {
	if pte&eptAccessMask == 0 {
		if pte != 0 {
			return Reserved
		}
		return NotPresent
	}
	if pte&eptWrite != 0 && pte&eptRead == 0 {
		// Write-only is a misconfiguration.
		return Reserved
	}
	switch level {
	case 3:
		if pte&eptLarge != 0 {
			return Reserved
		}
	case 2, 1:
		if (pte&eptLarge != 0) != (pte&pointsToBlock != 0) {
			return Reserved
		}
	}
	if level == 0 || pte&pointsToBlock != 0 {
		switch (pte & eptTypeMask) >> eptTypeShift {
		case eptTypeUC, eptTypeWC, 4, 5, eptTypeWB:
		default:
			return Reserved
		}
	}
	return Present
}

// ConfigureBlock implements Arch.ConfigureBlock.
//
// Blocks are always readable.
func (ept) ConfigureBlock(level int, opts MapOpts) PTE {
	v := eptRead | eptIgnorePAT
	if opts.AccessType.Write {
		v |= eptWrite
	}
	if opts.AccessType.Execute {
		v |= eptExecute
	}
	var mt PTE
	switch opts.MemoryType {
	case hostarch.MemoryTypeWriteCombine:
		mt = eptTypeWC
	case hostarch.MemoryTypeUncached:
		mt = eptTypeUC
	default:
		mt = eptTypeWB
	}
	v |= mt << eptTypeShift
	if level > 0 {
		v |= eptLarge
	}
	return v
}

// ConfigureTable implements Arch.ConfigureTable.
func (ept) ConfigureTable() PTE {
	return eptAccessMask
}

// Opts implements Arch.Opts.
func (ept) Opts(pte PTE, level int) MapOpts {
	var opts MapOpts
	if pte&eptAccessMask == 0 {
		return opts
	}
	opts.AccessType = hostarch.AccessType{
		Read:    pte&eptRead != 0,
		Write:   pte&eptWrite != 0,
		Execute: pte&eptExecute != 0,
	}
	switch (pte & eptTypeMask) >> eptTypeShift {
	case eptTypeWC:
		opts.MemoryType = hostarch.MemoryTypeWriteCombine
	case eptTypeUC:
		opts.MemoryType = hostarch.MemoryTypeUncached
	}
	return opts
}
