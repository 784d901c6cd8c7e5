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

	"hvpt.dev/hvpt/pkg/cleanup"
	"hvpt.dev/hvpt/pkg/errors/pterr"
	"hvpt.dev/hvpt/pkg/hostarch"
)

// Map installs a block of granularity g translating virt to phys.
//
// Both addresses must be aligned to g. ErrAlreadyMapped is returned if a
// block of granularity g is already mapped at virt, and
// ErrGranularityMismatch if a coarser block covers virt or finer mappings
// exist below it. On any error the tree is left exactly as it was.
func (p *PageTables) Map(virt, phys hostarch.Addr, opts MapOpts, g Granularity) error {
	if err := checkAddr(virt, g); err != nil {
		return err
	}
	if err := checkPhys(phys, g); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.root == nil {
		return pterr.ErrNotInitialized
	}

	var cu cleanup.Cleanup
	defer cu.Clean()
	if err := p.mapLocked(&cu, virt, uintptr(phys), opts, g, false); err != nil {
		return err
	}
	cu.Release()
	return nil
}

// mapLocked configures the leaf for virt. Nodes allocated on the way are
// registered in cu.
//
// Precondition: p.mu must be held and p.root must be non-nil.
func (p *PageTables) mapLocked(cu *cleanup.Cleanup, virt hostarch.Addr, phys uintptr, opts MapOpts, g Granularity, owned bool) error {
	chain, err := p.resolve(virt, g, walkMap, cu)
	if err != nil {
		return err
	}
	leaf := chain.Leaf(g)
	if leaf == nil {
		_, level := chain.deepest()
		return fmt.Errorf("mapping %v at %v: covered by a %v block: %w", virt, g, granularityAt(level), pterr.ErrGranularityMismatch)
	}
	switch p.classify(leaf, g.level()) {
	case KindAbsent:
	case KindBlock:
		return fmt.Errorf("mapping %v at %v: %w", virt, g, pterr.ErrAlreadyMapped)
	case KindTable:
		return fmt.Errorf("mapping %v at %v: finer mappings exist: %w", virt, g, pterr.ErrGranularityMismatch)
	case KindAlias:
		return fmt.Errorf("mapping %v at %v: %w", virt, g, pterr.ErrAliasedEntry)
	default:
		return fmt.Errorf("mapping %v at %v: %w", virt, g, pterr.ErrIllegalEntryState)
	}
	leaf.setBlock(p.arch, g.level(), phys, opts, owned)
	return nil
}

// AllocatePage maps a fresh, zeroed 4K page at virt and returns it. The page
// is owned by the table: it is returned to the allocator when the mapping is
// unmapped or the table is released. opts.ExplicitUnmap is ignored.
//
// On any error the page is returned to the allocator and the tree is left
// exactly as it was.
func (p *PageTables) AllocatePage(virt hostarch.Addr, opts MapOpts) (*Page, error) {
	if err := checkAddr(virt, Page4K); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.root == nil {
		return nil, pterr.ErrNotInitialized
	}
	return p.allocatePageLocked(virt, opts)
}

// allocatePageLocked is AllocatePage with p.mu held.
func (p *PageTables) allocatePageLocked(virt hostarch.Addr, opts MapOpts) (*Page, error) {
	page := p.Allocator.NewPage()
	if page == nil {
		return nil, fmt.Errorf("allocating page for %v: %w", virt, pterr.ErrAllocationFailure)
	}
	cu := cleanup.Make(func() { p.Allocator.FreePage(page) })
	defer cu.Clean()

	opts.ExplicitUnmap = false
	if err := p.mapLocked(&cu, virt, p.Allocator.PagePhysical(page), opts, Page4K, true); err != nil {
		return nil, err
	}
	cu.Release()
	return page, nil
}

// AllocateDirectPage allocates a fresh 4K page and maps it read/write at its
// physical address plus offset, as in a direct map. It returns both
// addresses, or zeros and an error.
func (p *PageTables) AllocateDirectPage(offset hostarch.Addr) (virt, phys hostarch.Addr, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.root == nil {
		return 0, 0, pterr.ErrNotInitialized
	}

	page := p.Allocator.NewPage()
	if page == nil {
		return 0, 0, fmt.Errorf("allocating direct page: %w", pterr.ErrAllocationFailure)
	}
	cu := cleanup.Make(func() { p.Allocator.FreePage(page) })
	defer cu.Clean()

	phys = hostarch.Addr(p.Allocator.PagePhysical(page))
	virt = phys + offset
	if virt < phys {
		return 0, 0, fmt.Errorf("direct map of %v at offset %v overflows: %w", phys, offset, pterr.ErrInvalidArgument)
	}
	if err := checkAddr(virt, Page4K); err != nil {
		return 0, 0, err
	}
	if err := p.mapLocked(&cu, virt, uintptr(phys), MapOpts{AccessType: hostarch.ReadWrite}, Page4K, true); err != nil {
		return 0, 0, err
	}
	cu.Release()
	return virt, phys, nil
}

// Entries returns the chain of entries translating virt down to the level
// of g, reading through aliases. If a coarser block maps virt the chain
// stops there and Leaf(g) is nil.
//
// ErrNotMapped is returned, along with the chain walked so far, if virt is
// not mapped.
//
// The entries must only be read while the tree is not being mutated.
func (p *PageTables) Entries(virt hostarch.Addr, g Granularity) (Entries, error) {
	if !g.Valid() || !virt.IsCanonical() {
		return Entries{}, fmt.Errorf("query %v at %v: %w", virt, g, pterr.ErrInvalidArgument)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.root == nil {
		return Entries{}, pterr.ErrNotInitialized
	}
	return p.resolve(virt, g, walkQuery, nil)
}

// Translate returns the physical address virt translates to and the
// granularity of the block holding it.
func (p *PageTables) Translate(virt hostarch.Addr) (uintptr, Granularity, error) {
	if !virt.IsCanonical() {
		return 0, 0, fmt.Errorf("translate %v: %w", virt, pterr.ErrInvalidArgument)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.root == nil {
		return 0, 0, pterr.ErrNotInitialized
	}
	chain, err := p.resolve(virt, Page4K, walkQuery, nil)
	if err != nil {
		return 0, 0, err
	}
	e, level := chain.deepest()
	g := granularityAt(level)
	return e.Address() | uintptr(virt)&(g.Size()-1), g, nil
}
