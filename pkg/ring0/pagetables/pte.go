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

import (
	"fmt"
	"strings"
	"sync/atomic"

	"hvpt.dev/hvpt/pkg/hostarch"
)

// Bits in page table entries that are interpreted by this package and ignored
// by the hardware, in both host paging and EPT entries.
const (
	// autoRelease marks a 4K block owned by the table: releasing the entry
	// returns the page to the allocator.
	autoRelease PTE = 1 << 52

	// alias marks an entry copied from another table. Everything reachable
	// through it is owned by that table.
	alias PTE = 1 << 53

	// explicitUnmap marks a block that must be unmapped before the table can
	// be released.
	explicitUnmap PTE = 1 << 54

	// pointsToBlock marks a leaf above level 0.
	pointsToBlock PTE = 1 << 55

	softwareBits = autoRelease | alias | explicitUnmap | pointsToBlock
)

const (
	// entriesPerPage is the number of entries in a Node.
	entriesPerPage = 512

	// frameBits is the width of the physical frame number.
	frameBits = 40

	// frameMask selects the physical frame number, in place.
	frameMask PTE = ((1 << frameBits) - 1) << hostarch.PageShift

	// archBits are owned by the Arch adapter.
	archBits = ^(frameMask | softwareBits)
)

// PTE is a page table entry.
type PTE uint64

// PTEs is a collection of entries: one Node of the tree.
type PTEs [entriesPerPage]PTE

// Page is a 4K block handed out by AllocatePage.
type Page [hostarch.PageSize]byte

// load reads the entry atomically; hardware may walk the tree concurrently.
func (p *PTE) load() PTE {
	return PTE(atomic.LoadUint64((*uint64)(p)))
}

func (p *PTE) store(v PTE) {
	atomic.StoreUint64((*uint64)(p), uint64(v))
}

// Clear clears this PTE.
func (p *PTE) Clear() {
	p.store(0)
}

// Frame returns the physical frame number referenced by the entry.
func (p *PTE) Frame() uint64 {
	return uint64(p.load()&frameMask) >> hostarch.PageShift
}

// Address returns the physical address referenced by the entry.
func (p *PTE) Address() uintptr {
	return uintptr(p.load() & frameMask)
}

// PointsToBlock returns true iff the entry references a block rather than a
// child Node. It is only meaningful for present entries above level 0; level
// 0 entries always reference blocks.
func (p *PTE) PointsToBlock() bool {
	return p.load()&pointsToBlock != 0
}

// AutoRelease returns true iff releasing the entry frees the block.
func (p *PTE) AutoRelease() bool {
	return p.load()&autoRelease != 0
}

// Alias returns true iff the entry is owned by another table.
func (p *PTE) Alias() bool {
	return p.load()&alias != 0
}

// ExplicitUnmap returns true iff the mapping must be unmapped before release.
func (p *PTE) ExplicitUnmap() bool {
	return p.load()&explicitUnmap != 0
}

// setTable points the entry at the child Node at physical.
func (p *PTE) setTable(a Arch, physical uintptr) {
	p.store(a.ConfigureTable()&archBits | PTE(physical)&frameMask)
}

// setBlock points the entry at the block at physical.
func (p *PTE) setBlock(a Arch, level int, physical uintptr, opts MapOpts, owned bool) {
	v := a.ConfigureBlock(level, opts)&archBits | PTE(physical)&frameMask | pointsToBlock
	if owned {
		v |= autoRelease
	}
	if opts.ExplicitUnmap {
		v |= explicitUnmap
	}
	p.store(v)
}

// Opts returns the mapping options of a block entry at level.
func (p *PTE) Opts(a Arch, level int) MapOpts {
	v := p.load()
	opts := a.Opts(v, level)
	opts.ExplicitUnmap = v&explicitUnmap != 0
	return opts
}

// flags returns a short summary of the software bits.
func (p *PTE) flags() string {
	v := p.load()
	var s []string
	for _, f := range []struct {
		bit  PTE
		name string
	}{
		{autoRelease, "auto-release"},
		{alias, "alias"},
	} {
		if v&f.bit != 0 {
			s = append(s, f.name)
		}
	}
	return strings.Join(s, ",")
}

// String implements fmt.Stringer.String.
func (p *PTE) String() string {
	return fmt.Sprintf("0x%016x", uint64(p.load()))
}

// MapOpts are the options of a block mapping.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// Global indicates the page is globally accessible. Host paging only.
	Global bool

	// User indicates the page is a user page. Host paging only.
	User bool

	// MemoryType is the memory type.
	MemoryType hostarch.MemoryType

	// ExplicitUnmap requires the mapping to be removed with Unmap before the
	// table may be released.
	ExplicitUnmap bool
}

// String implements fmt.Stringer.String.
func (opts MapOpts) String() string {
	s := fmt.Sprintf("%s %s", opts.AccessType, opts.MemoryType.ShortString())
	if opts.User {
		s += " user"
	}
	if opts.Global {
		s += " global"
	}
	if opts.ExplicitUnmap {
		s += " explicit-unmap"
	}
	return s
}
