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
)

// Granularity is the size of the block a mapping terminates in.
type Granularity uint8

// Supported granularities.
const (
	Page4K Granularity = iota
	Page2M
	Page1G
)

// levelShift is the shift of the address range covered by one entry of a
// Node at the given level: 12, 21, 30 and 39 for levels 0 to 3.
func levelShift(level int) uint {
	return hostarch.PageShift + 9*uint(level)
}

// levelSize is the size of the address range covered by one entry.
func levelSize(level int) uintptr {
	return uintptr(1) << levelShift(level)
}

// index returns the index of virt within a Node at level.
func index(virt uintptr, level int) int {
	return int(virt>>levelShift(level)) & (entriesPerPage - 1)
}

// Shift returns the binary log of Size.
func (g Granularity) Shift() uint {
	return levelShift(g.level())
}

// Size returns the size of a block of this granularity.
func (g Granularity) Size() uintptr {
	return levelSize(g.level())
}

// level is the level holding leaves of this granularity.
func (g Granularity) level() int {
	return int(g)
}

// Valid returns true iff g is one of the supported granularities.
func (g Granularity) Valid() bool {
	return g <= Page1G
}

// String implements fmt.Stringer.String.
func (g Granularity) String() string {
	switch g {
	case Page4K:
		return "4K"
	case Page2M:
		return "2M"
	case Page1G:
		return "1G"
	default:
		return fmt.Sprintf("Granularity(%d)", g)
	}
}

// ParseGranularity parses "4K", "2M" or "1G", in either case.
func ParseGranularity(s string) (Granularity, error) {
	switch s {
	case "4K", "4k":
		return Page4K, nil
	case "2M", "2m":
		return Page2M, nil
	case "1G", "1g":
		return Page1G, nil
	default:
		return 0, fmt.Errorf("unknown granularity %q", s)
	}
}

// granularityAt returns the granularity of a leaf at level.
func granularityAt(level int) Granularity {
	return Granularity(level)
}

// Entries is the chain of entries translating one address, from the root
// down. Entries below the depth at which a walk stopped are nil; for
// example, a walk that finds a 1G block fills only L3 and L2.
type Entries struct {
	L3 *PTE
	L2 *PTE
	L1 *PTE
	L0 *PTE
}

// at returns the entry at level.
func (c *Entries) at(level int) *PTE {
	switch level {
	case 3:
		return c.L3
	case 2:
		return c.L2
	case 1:
		return c.L1
	case 0:
		return c.L0
	}
	return nil
}

func (c *Entries) set(level int, e *PTE) {
	switch level {
	case 3:
		c.L3 = e
	case 2:
		c.L2 = e
	case 1:
		c.L1 = e
	case 0:
		c.L0 = e
	}
}

// Leaf returns the entry in which a mapping of granularity g terminates, or
// nil if the walk stopped above it.
func (c Entries) Leaf(g Granularity) *PTE {
	return c.at(g.level())
}

// deepest returns the last non-nil entry and its level, or (nil, -1).
func (c *Entries) deepest() (*PTE, int) {
	for level := 0; level <= 3; level++ {
		if e := c.at(level); e != nil {
			return e, level
		}
	}
	return nil, -1
}
