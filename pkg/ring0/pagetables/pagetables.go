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

// Package pagetables provides a generic implementation of 4-level radix
// page tables, for host paging and for second-level (EPT) translation.
//
// A PageTables exclusively owns every Node and block reachable from its root,
// except through alias entries, which are copied from another PageTables by
// AddTables and are never released through the copy.
package pagetables

import (
	"fmt"
	"time"

	"hvpt.dev/hvpt/pkg/errors/pterr"
	"hvpt.dev/hvpt/pkg/hostarch"
	"hvpt.dev/hvpt/pkg/intrinsic"
	"hvpt.dev/hvpt/pkg/log"
	"hvpt.dev/hvpt/pkg/sync"
)

// walkWarningPeriod bounds how often failed map walks are logged.
const walkWarningPeriod = time.Second

// Intrinsics are the hardware operations page tables rely on.
type Intrinsics interface {
	// SetRootTable programs the root translation pointer of core.
	SetRootTable(core int, physical uintptr)

	// FlushTLB invalidates cached translations of addr.
	FlushTLB(scope intrinsic.FlushScope, addr hostarch.Addr)
}

// PageTables is a set of page tables.
type PageTables struct {
	// Allocator is used to allocate nodes.
	Allocator Allocator

	arch Arch
	intr Intrinsics

	// warnings is rate limited; a failing caller may retry in a loop.
	warnings log.Logger

	// mu guards everything below, and every Node reachable from root that
	// this table owns.
	mu sync.SpinMutex

	// root is the L3 Node, or nil when uninitialized.
	root *PTEs

	// rootPhysical is the cached physical address of the root.
	//
	// This is saved only to prevent constant translation.
	rootPhysical uintptr
}

// New returns new, uninitialized PageTables.
func New(a Allocator, arch Arch, intr Intrinsics) *PageTables {
	return &PageTables{
		Allocator: a,
		arch:      arch,
		intr:      intr,
		warnings:  log.BasicRateLimitedLogger(walkWarningPeriod),
	}
}

// Arch returns the entry format of p.
func (p *PageTables) Arch() Arch {
	return p.arch
}

// Init allocates the root Node.
func (p *PageTables) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.root != nil {
		return pterr.ErrAlreadyInitialized
	}
	root := p.Allocator.NewPTEs()
	if root == nil {
		return fmt.Errorf("allocating root: %w", pterr.ErrAllocationFailure)
	}
	p.root = root
	p.rootPhysical = p.Allocator.PhysicalFor(root)
	log.Debugf("%s page tables initialized, root %#x", p.arch.Name(), p.rootPhysical)
	return nil
}

// IsInitialized returns true iff p has a root.
func (p *PageTables) IsInitialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.root != nil
}

// RootPhysical returns the physical address of the root, or zero if p is not
// initialized.
func (p *PageTables) RootPhysical() uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rootPhysical
}

// AddTables makes every address translated by other's root translate the
// same way through p, without taking ownership: each present root entry of
// other is copied into p as an alias. Releasing p never touches the aliased
// subtrees.
//
// Nothing is copied if any destination slot is already in use, unless it
// already aliases the same Node.
func (p *PageTables) AddTables(other *PageTables) error {
	if other == p {
		return fmt.Errorf("aliasing a table into itself: %w", pterr.ErrInvalidArgument)
	}

	// Snapshot other's root under its lock; the two locks are never held
	// together.
	other.mu.Lock()
	if other.root == nil {
		other.mu.Unlock()
		return fmt.Errorf("aliased table: %w", pterr.ErrNotInitialized)
	}
	snapshot := *other.root
	other.mu.Unlock()

	return p.AddRootTables(&snapshot)
}

// AddRootTables is AddTables for a bare root Node. The caller must ensure
// root is not mutated concurrently.
func (p *PageTables) AddRootTables(root *PTEs) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.root == nil {
		return pterr.ErrNotInitialized
	}

	// Validate everything before touching anything.
	n := 0
	for i := range root {
		src := root[i].load()
		switch Classify(p.arch, src, 3) {
		case KindAbsent:
			continue
		case KindTable, KindAlias:
		default:
			return fmt.Errorf("aliased root entry %d (%#x): %w", i, uint64(src), pterr.ErrIllegalEntryState)
		}
		dst := &p.root[i]
		switch p.classify(dst, 3) {
		case KindAbsent:
		case KindAlias:
			if dst.Address() != uintptr(src&frameMask) {
				return fmt.Errorf("root entry %d aliases %#x: %w", i, dst.Address(), pterr.ErrAlreadyMapped)
			}
		default:
			return fmt.Errorf("root entry %d: %w", i, pterr.ErrAlreadyMapped)
		}
		n++
	}

	for i := range root {
		if src := root[i].load(); Classify(p.arch, src, 3) != KindAbsent {
			p.root[i].store(src | alias)
		}
	}
	log.Debugf("aliased %d root entries into %#x", n, p.rootPhysical)
	return nil
}

// checkAddr validates a virtual address aligned to g.
func checkAddr(virt hostarch.Addr, g Granularity) error {
	if !g.Valid() {
		return fmt.Errorf("granularity %v: %w", g, pterr.ErrInvalidArgument)
	}
	if !virt.IsCanonical() {
		return fmt.Errorf("virtual address %v is not canonical: %w", virt, pterr.ErrInvalidArgument)
	}
	if !virt.IsAligned(g.Size()) {
		return fmt.Errorf("virtual address %v is not %v aligned: %w", virt, g, pterr.ErrInvalidArgument)
	}
	return nil
}

// checkPhys validates a physical address aligned to g.
func checkPhys(phys hostarch.Addr, g Granularity) error {
	if !phys.IsPhysical() {
		return fmt.Errorf("physical address %v exceeds %d bits: %w", phys, hostarch.PhysicalAddressBits, pterr.ErrInvalidArgument)
	}
	if !phys.IsAligned(g.Size()) {
		return fmt.Errorf("physical address %v is not %v aligned: %w", phys, g, pterr.ErrInvalidArgument)
	}
	return nil
}
