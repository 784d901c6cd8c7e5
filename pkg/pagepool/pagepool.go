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

// Package pagepool provides a fixed-size pool of 4K frames backed by an
// anonymous mapping. It implements pagetables.Allocator.
//
// Each frame is identified by a physical address: the pool's physical base
// plus the frame's offset in the mapping. The pool panics on double frees and
// on pointers it did not hand out.
package pagepool

import (
	"bufio"
	"fmt"
	"io"
	"unsafe"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"hvpt.dev/hvpt/pkg/bitmap"
	"hvpt.dev/hvpt/pkg/hostarch"
	"hvpt.dev/hvpt/pkg/ring0/pagetables"
	"hvpt.dev/hvpt/pkg/sync"
)

// DefaultPhysicalBase is the physical address of the first frame unless
// Options say otherwise.
const DefaultPhysicalBase = 0x100000000

// ledgerDegree is the degree of the allocation B-tree.
const ledgerDegree = 16

// Tag records what a frame was allocated as.
type Tag uint8

const (
	// TagNode frames hold page table Nodes.
	TagNode Tag = iota

	// TagBlock frames are pages handed out by NewPage.
	TagBlock
)

// String implements fmt.Stringer.String.
func (t Tag) String() string {
	switch t {
	case TagNode:
		return "node"
	case TagBlock:
		return "block"
	default:
		return fmt.Sprintf("Tag(%d)", t)
	}
}

// Allocation is one outstanding frame.
type Allocation struct {
	Physical uintptr
	Tag      Tag
}

func allocationLess(a, b Allocation) bool {
	return a.Physical < b.Physical
}

// Options configure a Pool.
type Options struct {
	// Pages is the number of 4K frames in the pool.
	Pages int

	// PhysicalBase is the physical address of the first frame. It must be
	// page aligned. Zero selects DefaultPhysicalBase.
	PhysicalBase uintptr
}

// Pool is a fixed-size pool of frames.
type Pool struct {
	// mem is the backing mapping. It is immutable.
	mem []byte

	// base is the physical address of mem[0]. It is immutable.
	base uintptr

	mu sync.SpinMutex

	// frames has a bit set for each allocated frame.
	frames bitmap.Bitmap

	// ledger holds an Allocation for each allocated frame.
	ledger *btree.BTreeG[Allocation]

	// hint is where the next search for a free frame starts.
	hint uint32
}

var _ pagetables.Allocator = (*Pool)(nil)

// New maps a pool of opts.Pages frames.
func New(opts Options) (*Pool, error) {
	if opts.Pages <= 0 || uint64(opts.Pages) > uint64(bitmap.MaxBitEntryLimit) {
		return nil, fmt.Errorf("invalid pool size %d", opts.Pages)
	}
	base := opts.PhysicalBase
	if base == 0 {
		base = DefaultPhysicalBase
	}
	if !hostarch.Addr(base).IsAligned(hostarch.PageSize) {
		return nil, fmt.Errorf("physical base %#x is not page aligned", base)
	}
	length := uintptr(opts.Pages) * hostarch.PageSize
	if last := hostarch.Addr(base + length - 1); last < hostarch.Addr(base) || !last.IsPhysical() {
		return nil, fmt.Errorf("pool [%#x, %#x) exceeds the physical address space", base, base+length)
	}
	mem, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mapping %d pages: %w", opts.Pages, err)
	}
	return &Pool{
		mem:    mem,
		base:   base,
		frames: bitmap.New(uint32(opts.Pages)),
		ledger: btree.NewG(ledgerDegree, allocationLess),
	}, nil
}

// Close unmaps the pool. Nothing it handed out may be used afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mem == nil {
		return nil
	}
	err := unix.Munmap(p.mem)
	p.mem = nil
	return err
}

// Size returns the number of frames in the pool.
func (p *Pool) Size() int {
	return int(p.frames.Size())
}

// Allocated returns the number of outstanding frames.
func (p *Pool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.frames.GetNumOnes())
}

// Remaining returns the number of free frames.
func (p *Pool) Remaining() int {
	return p.Size() - p.Allocated()
}

// Outstanding returns every outstanding frame in physical order.
func (p *Pool) Outstanding() []Allocation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Allocation, 0, p.ledger.Len())
	p.ledger.Ascend(func(a Allocation) bool {
		out = append(out, a)
		return true
	})
	return out
}

// Dump writes the pool's usage and its outstanding frames to w.
func (p *Pool) Dump(w io.Writer) error {
	allocs := p.Outstanding()
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "pool [%#x, %#x): total %d, used %d, remaining %d\n",
		p.base, p.base+uintptr(p.Size())*hostarch.PageSize, p.Size(), len(allocs), p.Size()-len(allocs))
	for _, a := range allocs {
		fmt.Fprintf(bw, "  %#x %v\n", a.Physical, a.Tag)
	}
	return bw.Flush()
}

// alloc takes a free frame and zeroes it. It returns nil if the pool is
// exhausted.
func (p *Pool) alloc(tag Tag) unsafe.Pointer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mem == nil {
		return nil
	}
	frame, err := p.frames.FirstZero(p.hint)
	if err != nil && p.hint != 0 {
		frame, err = p.frames.FirstZero(0)
	}
	if err != nil {
		return nil
	}
	p.frames.Add(frame)
	p.hint = frame + 1
	if p.hint >= p.frames.Size() {
		p.hint = 0
	}
	off := uintptr(frame) * hostarch.PageSize
	p.ledger.ReplaceOrInsert(Allocation{Physical: p.base + off, Tag: tag})
	clear(p.mem[off : off+hostarch.PageSize])
	return unsafe.Pointer(&p.mem[off])
}

// offsetOf returns the offset in mem of a pointer handed out by the pool.
// Precondition: p.mu must be held.
func (p *Pool) offsetOf(ptr unsafe.Pointer) uintptr {
	if p.mem == nil {
		panic("use of closed pool")
	}
	start := uintptr(unsafe.Pointer(&p.mem[0]))
	addr := uintptr(ptr)
	if addr < start || addr >= start+uintptr(len(p.mem)) || (addr-start)%hostarch.PageSize != 0 {
		panic(fmt.Sprintf("pointer %#x was not allocated from pool at %#x", addr, start))
	}
	return addr - start
}

// free returns the frame at ptr, which must have been allocated as tag.
func (p *Pool) free(ptr unsafe.Pointer, tag Tag) {
	p.mu.Lock()
	defer p.mu.Unlock()
	off := p.offsetOf(ptr)
	frame := uint32(off / hostarch.PageSize)
	a, ok := p.ledger.Get(Allocation{Physical: p.base + off})
	if !ok || !p.frames.Contains(frame) {
		panic(fmt.Sprintf("double free of frame %#x", p.base+off))
	}
	if a.Tag != tag {
		panic(fmt.Sprintf("frame %#x allocated as %v freed as %v", a.Physical, a.Tag, tag))
	}
	p.frames.Remove(frame)
	p.ledger.Delete(a)
}

// physical returns the physical address of ptr.
func (p *Pool) physical(ptr unsafe.Pointer) uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.base + p.offsetOf(ptr)
}

// lookup returns the frame at physical if it is allocated as tag.
func (p *Pool) lookup(physical uintptr, tag Tag) unsafe.Pointer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mem == nil || physical < p.base || physical-p.base >= uintptr(len(p.mem)) {
		return nil
	}
	if a, ok := p.ledger.Get(Allocation{Physical: physical}); !ok || a.Tag != tag {
		return nil
	}
	return unsafe.Pointer(&p.mem[physical-p.base])
}

// NewPTEs implements pagetables.Allocator.NewPTEs.
func (p *Pool) NewPTEs() *pagetables.PTEs {
	return (*pagetables.PTEs)(p.alloc(TagNode))
}

// PhysicalFor implements pagetables.Allocator.PhysicalFor.
func (p *Pool) PhysicalFor(ptes *pagetables.PTEs) uintptr {
	return p.physical(unsafe.Pointer(ptes))
}

// LookupPTEs implements pagetables.Allocator.LookupPTEs.
func (p *Pool) LookupPTEs(physical uintptr) *pagetables.PTEs {
	return (*pagetables.PTEs)(p.lookup(physical, TagNode))
}

// FreePTEs implements pagetables.Allocator.FreePTEs.
func (p *Pool) FreePTEs(ptes *pagetables.PTEs) {
	p.free(unsafe.Pointer(ptes), TagNode)
}

// NewPage implements pagetables.Allocator.NewPage.
func (p *Pool) NewPage() *pagetables.Page {
	return (*pagetables.Page)(p.alloc(TagBlock))
}

// PagePhysical implements pagetables.Allocator.PagePhysical.
func (p *Pool) PagePhysical(page *pagetables.Page) uintptr {
	return p.physical(unsafe.Pointer(page))
}

// LookupPage implements pagetables.Allocator.LookupPage.
func (p *Pool) LookupPage(physical uintptr) *pagetables.Page {
	return (*pagetables.Page)(p.lookup(physical, TagBlock))
}

// FreePage implements pagetables.Allocator.FreePage.
func (p *Pool) FreePage(page *pagetables.Page) {
	p.free(unsafe.Pointer(page), TagBlock)
}
