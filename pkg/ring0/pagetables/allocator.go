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

	"hvpt.dev/hvpt/pkg/hostarch"
	"hvpt.dev/hvpt/pkg/sync"
)

// Allocator is used to allocate and map PTEs and the blocks handed out by
// AllocatePage.
//
// Note that allocators may be called concurrently.
type Allocator interface {
	// NewPTEs returns a new set of zeroed PTEs, or
	// nil if the pool is exhausted.
	NewPTEs() *PTEs

	// PhysicalFor gives the physical address for a set of PTEs.
	PhysicalFor(ptes *PTEs) uintptr

	// LookupPTEs looks up PTEs by physical address. It returns nil if
	// nothing allocated as PTEs lives at physical.
	LookupPTEs(physical uintptr) *PTEs

	// FreePTEs marks a set of PTEs as freed.
	FreePTEs(ptes *PTEs)

	// NewPage returns a new zeroed page, or nil if the pool is exhausted.
	NewPage() *Page

	// PagePhysical gives the physical address for a page.
	PagePhysical(page *Page) uintptr

	// LookupPage looks up a page by physical address. It returns nil if
	// nothing allocated as a page lives at physical.
	LookupPage(physical uintptr) *Page

	// FreePage returns a page to the pool.
	FreePage(page *Page)
}

// DefaultPhysicalBase is the first physical address handed out by a
// RuntimeAllocator.
const DefaultPhysicalBase = 0x100000

// RuntimeAllocator is a trivial allocator backed by the Go heap. It invents
// physical addresses: each allocation gets the next free frame above its
// base, and the frame is the only handle the tree stores. The maps keep the
// backing objects alive.
type RuntimeAllocator struct {
	mu sync.Mutex

	// next is the next physical address to hand out.
	next uintptr

	// limit, if non-zero, caps the number of outstanding allocations.
	limit int

	nodes    map[uintptr]*PTEs
	nodePhys map[*PTEs]uintptr
	pages    map[uintptr]*Page
	pagePhys map[*Page]uintptr
}

// NewRuntimeAllocator returns an allocator that uses the runtime. A positive
// limit caps the number of simultaneously outstanding allocations.
func NewRuntimeAllocator(limit int) *RuntimeAllocator {
	return &RuntimeAllocator{
		next:     DefaultPhysicalBase,
		limit:    limit,
		nodes:    make(map[uintptr]*PTEs),
		nodePhys: make(map[*PTEs]uintptr),
		pages:    make(map[uintptr]*Page),
		pagePhys: make(map[*Page]uintptr),
	}
}

// full returns true if the limit has been reached. Precondition: r.mu held.
func (r *RuntimeAllocator) full() bool {
	return r.limit > 0 && len(r.nodes)+len(r.pages) >= r.limit
}

// frame returns a fresh physical address. Precondition: r.mu held.
func (r *RuntimeAllocator) frame() uintptr {
	phys := r.next
	r.next += hostarch.PageSize
	return phys
}

// NewPTEs implements Allocator.NewPTEs.
func (r *RuntimeAllocator) NewPTEs() *PTEs {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full() {
		return nil
	}
	ptes := new(PTEs)
	phys := r.frame()
	r.nodes[phys] = ptes
	r.nodePhys[ptes] = phys
	return ptes
}

// PhysicalFor implements Allocator.PhysicalFor.
func (r *RuntimeAllocator) PhysicalFor(ptes *PTEs) uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nodePhys[ptes]
}

// LookupPTEs implements Allocator.LookupPTEs.
func (r *RuntimeAllocator) LookupPTEs(physical uintptr) *PTEs {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nodes[physical]
}

// FreePTEs implements Allocator.FreePTEs.
func (r *RuntimeAllocator) FreePTEs(ptes *PTEs) {
	r.mu.Lock()
	defer r.mu.Unlock()
	phys, ok := r.nodePhys[ptes]
	if !ok {
		panic(fmt.Sprintf("FreePTEs of unknown or freed node %p", ptes))
	}
	delete(r.nodePhys, ptes)
	delete(r.nodes, phys)
}

// NewPage implements Allocator.NewPage.
func (r *RuntimeAllocator) NewPage() *Page {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full() {
		return nil
	}
	page := new(Page)
	phys := r.frame()
	r.pages[phys] = page
	r.pagePhys[page] = phys
	return page
}

// PagePhysical implements Allocator.PagePhysical.
func (r *RuntimeAllocator) PagePhysical(page *Page) uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pagePhys[page]
}

// LookupPage implements Allocator.LookupPage.
func (r *RuntimeAllocator) LookupPage(physical uintptr) *Page {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pages[physical]
}

// FreePage implements Allocator.FreePage.
func (r *RuntimeAllocator) FreePage(page *Page) {
	r.mu.Lock()
	defer r.mu.Unlock()
	phys, ok := r.pagePhys[page]
	if !ok {
		panic(fmt.Sprintf("FreePage of unknown or freed page %p", page))
	}
	delete(r.pagePhys, page)
	delete(r.pages, phys)
}

// Nodes returns the number of outstanding Nodes.
func (r *RuntimeAllocator) Nodes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

// Pages returns the number of outstanding pages.
func (r *RuntimeAllocator) Pages() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pages)
}
