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
	"hvpt.dev/hvpt/pkg/log"
)

// walkMode selects how resolve treats absent and aliased entries.
type walkMode uint8

const (
	// walkMap allocates missing Nodes above the target level. Aliased
	// entries cannot be mapped through.
	walkMap walkMode = iota

	// walkQuery never allocates and translates through aliased entries.
	walkQuery

	// walkUnmap never allocates. Aliased entries cannot be unmapped
	// through.
	walkUnmap
)

// resolve walks the tree for virt down to the level of g.
//
// The returned chain holds every entry visited, including the one the walk
// stopped at. The walk stops early at a block above the target level; the
// caller decides whether that is an error. An absent target entry is
// returned as-is in walkMap mode and is ErrNotMapped otherwise.
//
// In walkMap mode each Node allocated is registered in cu together with the
// clearing of its parent entry; the caller releases cu once the mapping is
// committed. On error the partial chain is returned along with the error.
//
// Precondition: p.mu must be held and p.root must be non-nil.
func (p *PageTables) resolve(virt hostarch.Addr, g Granularity, mode walkMode, cu *cleanup.Cleanup) (Entries, error) {
	var chain Entries
	target := g.level()
	table := p.root
	for level := 3; ; level-- {
		e := &table[index(uintptr(virt), level)]
		chain.set(level, e)

		kind := p.classify(e, level)
		if kind == KindAlias {
			if mode != walkQuery {
				return chain, fmt.Errorf("level %d entry for %v: %w", level, virt, pterr.ErrAliasedEntry)
			}
			kind = aliasTarget(e.load(), level)
		}

		switch kind {
		case KindReserved:
			err := fmt.Errorf("level %d entry %v for %v: %w", level, e, virt, pterr.ErrIllegalEntryState)
			p.warnings.Warningf("%s walk aborted: %v", p.arch.Name(), err)
			return chain, err
		case KindAbsent:
			if mode != walkMap {
				if log.IsLogging(log.Debug) {
					log.Debugf("%v not mapped at level %d", virt, level)
				}
				return chain, fmt.Errorf("%v at level %d: %w", virt, level, pterr.ErrNotMapped)
			}
			if level == target {
				return chain, nil
			}
			child := p.Allocator.NewPTEs()
			if child == nil {
				err := fmt.Errorf("allocating level %d table for %v: %w", level-1, virt, pterr.ErrAllocationFailure)
				p.warnings.Warningf("%s walk aborted: %v", p.arch.Name(), err)
				return chain, err
			}
			e.setTable(p.arch, p.Allocator.PhysicalFor(child))
			cu.Add(func() {
				e.Clear()
				p.Allocator.FreePTEs(child)
			})
			table = child
		case KindBlock:
			return chain, nil
		case KindTable:
			if level == target {
				return chain, nil
			}
			child := p.Allocator.LookupPTEs(e.Address())
			if child == nil {
				// The entry does not reference a Node we know of.
				return chain, fmt.Errorf("level %d entry %v for %v references unknown node: %w", level, e, virt, pterr.ErrIllegalEntryState)
			}
			table = child
		}
	}
}

// addrEnd returns the next boundary after addr for the given size, or end if
// that comes earlier. size is a power of two.
func addrEnd(addr, end, size uintptr) uintptr {
	next := uintptr(hostarch.Addr(addr + size).RoundDown(size))
	if next < addr || next > end {
		return end
	}
	return next
}

// Visitor is called for each leaf found by Visit, with the virtual address
// the block starts at. Returning false stops the walk.
type Visitor func(virt, phys hostarch.Addr, g Granularity, opts MapOpts) bool

// Visit calls fn for every block mapped in [start, end), in address order.
// Aliased subtrees are walked as well. Blocks partially inside the range are
// reported whole.
func (p *PageTables) Visit(start, end hostarch.Addr, fn Visitor) error {
	if end <= start {
		return nil
	}
	if !start.IsCanonical() || !(end - 1).IsCanonical() || (start^(end-1))>>(hostarch.VirtualAddressBits-1) != 0 {
		return fmt.Errorf("range [%v, %v) is not canonical: %w", start, end, pterr.ErrInvalidArgument)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.root == nil {
		return pterr.ErrNotInitialized
	}
	_, err := p.visitTable(p.root, 3, uintptr(start), uintptr(end), fn)
	return err
}

// visitTable walks the entries of table covering [start, end). It returns
// false if fn asked to stop.
func (p *PageTables) visitTable(table *PTEs, level int, start, end uintptr, fn Visitor) (bool, error) {
	size := levelSize(level)
	for start < end {
		next := addrEnd(start, end, size)
		e := &table[index(start, level)]
		kind := p.classify(e, level)
		if kind == KindAlias {
			kind = aliasTarget(e.load(), level)
		}
		switch kind {
		case KindReserved:
			return false, fmt.Errorf("level %d entry %v for %#x: %w", level, e, start, pterr.ErrIllegalEntryState)
		case KindBlock:
			virt := hostarch.Addr(start).RoundDown(size)
			if !fn(virt, hostarch.Addr(e.Address()), granularityAt(level), e.Opts(p.arch, level)) {
				return false, nil
			}
		case KindTable:
			child := p.Allocator.LookupPTEs(e.Address())
			if child == nil {
				return false, fmt.Errorf("level %d entry %v for %#x references unknown node: %w", level, e, start, pterr.ErrIllegalEntryState)
			}
			if ok, err := p.visitTable(child, level-1, start, next, fn); !ok || err != nil {
				return ok, err
			}
		}
		start = next
	}
	return true, nil
}
