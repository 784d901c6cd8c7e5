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

// Package hostarch describes the address geometry shared by host paging and
// second-level translation.
package hostarch

import "fmt"

const (
	// PageShift is the binary log of the base page size.
	PageShift = 12

	// PageSize is the base (4K) page size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the 2M page size.
	HugePageShift = 21

	// HugePageSize is the 2M page size.
	HugePageSize = 1 << HugePageShift

	// SuperPageShift is the binary log of the 1G page size.
	SuperPageShift = 30

	// SuperPageSize is the 1G page size.
	SuperPageSize = 1 << SuperPageShift

	// VirtualAddressBits is the number of significant bits in a 4-level
	// virtual address.
	VirtualAddressBits = 48

	// PhysicalAddressBits is the number of bits addressable through a 40-bit
	// frame number.
	PhysicalAddressBits = 52
)

// Addr represents an address in an unspecified address space.
type Addr uintptr

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uintptr(v))
}

// RoundDown returns the address rounded down to the nearest multiple of
// size, which must be a power of two.
func (v Addr) RoundDown(size uintptr) Addr {
	return v &^ Addr(size-1)
}

// IsAligned returns true if v is a multiple of size.
func (v Addr) IsAligned(size uintptr) bool {
	return uintptr(v)&(size-1) == 0
}

// IsCanonical returns true if v is a canonical 48-bit virtual address, i.e.
// bits 63:47 are all equal.
func (v Addr) IsCanonical() bool {
	upper := uint64(v) >> (VirtualAddressBits - 1)
	return upper == 0 || upper == (1<<(64-VirtualAddressBits+1))-1
}

// IsPhysical returns true if v is representable as a physical address.
func (v Addr) IsPhysical() bool {
	return uint64(v)>>PhysicalAddressBits == 0
}
