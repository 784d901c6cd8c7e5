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
	"bufio"
	"fmt"
	"io"
	"strings"

	"hvpt.dev/hvpt/pkg/errors/pterr"
)

// Dump writes a human readable description of the tree to w, one line per
// present entry. Aliased subtrees are listed but not descended into.
func (p *PageTables) Dump(w io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.root == nil {
		return pterr.ErrNotInitialized
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s root %#x\n", p.arch.Name(), p.rootPhysical)
	if err := p.dumpTable(bw, p.root, 3, 0); err != nil {
		return err
	}
	return bw.Flush()
}

func (p *PageTables) dumpTable(w io.Writer, t *PTEs, level int, base uintptr) error {
	indent := strings.Repeat("  ", 4-level)
	for i := range t {
		e := &t[i]
		kind := p.classify(e, level)
		if kind == KindAbsent {
			continue
		}
		virt := entryAddr(base, level, i)
		fmt.Fprintf(w, "%sL%d[%03d] 0x%016x %-5v", indent, level, i, virt, kind)
		switch kind {
		case KindTable:
			fmt.Fprintf(w, " -> %#x\n", e.Address())
			child := p.Allocator.LookupPTEs(e.Address())
			if child == nil {
				return fmt.Errorf("level %d entry at %#x references unknown node %#x: %w", level, virt, e.Address(), pterr.ErrIllegalEntryState)
			}
			if err := p.dumpTable(w, child, level-1, virt); err != nil {
				return err
			}
		case KindBlock:
			fmt.Fprintf(w, " -> %#x %v %v", e.Address(), granularityAt(level), e.Opts(p.arch, level))
			if f := e.flags(); f != "" {
				fmt.Fprintf(w, " [%s]", f)
			}
			fmt.Fprintln(w)
		case KindAlias:
			fmt.Fprintf(w, " -> %#x\n", e.Address())
		default:
			fmt.Fprintf(w, " %v\n", e)
		}
	}
	return nil
}
