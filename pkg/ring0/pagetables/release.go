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

	"hvpt.dev/hvpt/pkg/errors/pterr"
	"hvpt.dev/hvpt/pkg/hostarch"
	"hvpt.dev/hvpt/pkg/intrinsic"
	"hvpt.dev/hvpt/pkg/log"
)

// releaser tears down subtrees.
//
// With full set, every owned Node and auto-release block is freed, and the
// first entry that cannot be released is recorded in err. Without it the
// releaser only collapses Nodes that are already empty: it never touches a
// block and gives up at the first occupied slot.
//
// explicit is set when the caller is the explicit unmap of the entry being
// released, which lifts the explicit unmap requirement for that entry.
type releaser struct {
	p        *PageTables
	full     bool
	explicit bool
	err      error
}

func (r *releaser) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// entryAddr returns the virtual address of slot i of a Node at level, whose
// range starts at base. Addresses are sign extended from bit 47.
func entryAddr(base uintptr, level, i int) uintptr {
	va := base | uintptr(i)<<levelShift(level)
	if level == 3 && i >= entriesPerPage/2 {
		va |= upperHalfBits
	}
	return va
}

// upperHalfBits are the bits set by sign extension in an upper half address.
const upperHalfBits = ^uintptr(1<<hostarch.VirtualAddressBits - 1)

// releaseEntry releases whatever e references. It returns true iff e is
// empty afterwards, from this table's point of view.
func (r *releaser) releaseEntry(e *PTE, level int, virt uintptr) bool {
	switch kind := r.p.classify(e, level); kind {
	case KindAbsent:
		return true
	case KindAlias:
		// Owned elsewhere.
		return true
	case KindBlock:
		if !r.full {
			return false
		}
		if e.ExplicitUnmap() && !r.explicit {
			log.Warningf("%s mapping at %#x (%v) requires an explicit unmap and blocks release", r.p.arch.Name(), virt, granularityAt(level))
			r.fail(fmt.Errorf("%v block at %#x: %w", granularityAt(level), virt, pterr.ErrLeakedExplicitUnmap))
			return false
		}
		if e.AutoRelease() {
			page := r.p.Allocator.LookupPage(e.Address())
			if page == nil {
				r.fail(fmt.Errorf("auto-release block at %#x references unknown page %#x: %w", virt, e.Address(), pterr.ErrIllegalEntryState))
				return false
			}
			r.p.Allocator.FreePage(page)
		}
		e.Clear()
		return true
	case KindTable:
		child := r.p.Allocator.LookupPTEs(e.Address())
		if child == nil {
			r.fail(fmt.Errorf("level %d entry at %#x references unknown node %#x: %w", level, virt, e.Address(), pterr.ErrIllegalEntryState))
			return false
		}
		if !r.releaseTable(child, level-1, virt) {
			return false
		}
		e.Clear()
		return true
	default:
		r.fail(fmt.Errorf("level %d entry %v at %#x: %w", level, e, virt, pterr.ErrIllegalEntryState))
		return false
	}
}

// releaseTable releases the slots of t, a Node at level covering addresses
// from base. If every slot ends up empty t itself is freed and true is
// returned.
func (r *releaser) releaseTable(t *PTEs, level int, base uintptr) bool {
	empty := true
	for i := range t {
		if !r.releaseEntry(&t[i], level, entryAddr(base, level, i)) {
			empty = false
			if !r.full {
				break
			}
		}
	}
	if empty {
		r.p.Allocator.FreePTEs(t)
	}
	return empty
}

// Unmap removes the block of granularity g mapped at virt, frees it if it is
// owned by the table, frees every Node left empty on the path to it and
// flushes virt from the TLB with the given scope.
//
// ErrNotMapped is returned if nothing is mapped at virt, and
// ErrGranularityMismatch if virt is mapped at another granularity.
func (p *PageTables) Unmap(virt hostarch.Addr, g Granularity, scope intrinsic.FlushScope) error {
	if err := checkAddr(virt, g); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.root == nil {
		return pterr.ErrNotInitialized
	}

	chain, err := p.resolve(virt, g, walkUnmap, nil)
	if err != nil {
		return err
	}
	leaf := chain.Leaf(g)
	if leaf == nil {
		_, level := chain.deepest()
		return fmt.Errorf("unmapping %v at %v: mapped by a %v block: %w", virt, g, granularityAt(level), pterr.ErrGranularityMismatch)
	}
	if kind := p.classify(leaf, g.level()); kind != KindBlock {
		return fmt.Errorf("unmapping %v at %v: leaf is a %v: %w", virt, g, kind, pterr.ErrGranularityMismatch)
	}

	full := releaser{p: p, full: true, explicit: true}
	if !full.releaseEntry(leaf, g.level(), uintptr(virt)) {
		return full.err
	}

	// Collapse ancestors, deepest first. The root is never freed here.
	collapse := releaser{p: p}
	for level := g.level() + 1; level <= 3; level++ {
		if !collapse.releaseEntry(chain.at(level), level, uintptr(virt.RoundDown(levelSize(level)))) {
			break
		}
	}

	p.intr.FlushTLB(scope, virt)
	return nil
}

// Release tears down the tree: every owned Node and every auto-release
// block is returned to the allocator, and p becomes uninitialized. Aliased
// subtrees are left alone.
//
// If a block that requires an explicit unmap is still mapped, Release
// returns ErrLeakedExplicitUnmap naming it. Everything else is released,
// but that block, the Nodes above it and the root stay allocated and p
// stays initialized: the caller may Unmap it and call Release again.
func (p *PageTables) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.root == nil {
		return pterr.ErrNotInitialized
	}

	r := releaser{p: p, full: true}
	if !r.releaseTable(p.root, 3, 0) {
		if r.err == nil {
			r.err = fmt.Errorf("root %#x not empty after release: %w", p.rootPhysical, pterr.ErrIllegalEntryState)
		}
		return r.err
	}
	log.Debugf("%s page tables released, root %#x", p.arch.Name(), p.rootPhysical)
	p.root = nil
	p.rootPhysical = 0
	return nil
}
