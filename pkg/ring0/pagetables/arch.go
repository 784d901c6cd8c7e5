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

import "fmt"

// Status is the architectural state of an entry.
type Status uint8

const (
	// NotPresent entries translate nothing and may be populated.
	NotPresent Status = iota

	// Present entries reference a child Node or a block.
	Present

	// Reserved entries hold a bit pattern the architecture defines as
	// illegal. They are never walked into.
	Reserved
)

// String implements fmt.Stringer.String.
func (s Status) String() string {
	switch s {
	case NotPresent:
		return "not-present"
	case Present:
		return "present"
	case Reserved:
		return "reserved"
	default:
		return fmt.Sprintf("Status(%d)", s)
	}
}

// Arch packs and unpacks the architecture-defined bits of an entry. The
// frame number and the software bits are handled by PTE and must not be
// touched by an Arch.
//
// Levels are numbered from 0 (the Node holding 4K entries) to 3 (the root).
type Arch interface {
	// Name names the entry format.
	Name() string

	// Status classifies an entry found at level.
	Status(pte PTE, level int) Status

	// ConfigureBlock returns the architecture bits of a block entry at
	// level with the given options.
	ConfigureBlock(level int, opts MapOpts) PTE

	// ConfigureTable returns the architecture bits of an entry that
	// references a child Node.
	ConfigureTable() PTE

	// Opts decodes the options of a block entry at level.
	Opts(pte PTE, level int) MapOpts
}

// Kind is the decoded form of an entry at a given level.
type Kind uint8

const (
	// KindAbsent is a not-present entry.
	KindAbsent Kind = iota

	// KindTable references a child Node owned by this table.
	KindTable

	// KindBlock references a block owned by this table.
	KindBlock

	// KindAlias references a Node owned by another table. It is never
	// released through this table.
	KindAlias

	// KindReserved is an illegal entry.
	KindReserved
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindTable:
		return "table"
	case KindBlock:
		return "block"
	case KindAlias:
		return "alias"
	case KindReserved:
		return "reserved"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Classify decodes the entry pte found at level.
func Classify(a Arch, pte PTE, level int) Kind {
	switch a.Status(pte, level) {
	case NotPresent:
		return KindAbsent
	case Present:
	default:
		return KindReserved
	}
	switch {
	case level == 3 && pte&pointsToBlock != 0:
		// There are no 512G blocks.
		return KindReserved
	case pte&alias != 0:
		return KindAlias
	case level == 0 || pte&pointsToBlock != 0:
		return KindBlock
	default:
		return KindTable
	}
}

// classify decodes the entry at e.
func (p *PageTables) classify(e *PTE, level int) Kind {
	return Classify(p.arch, e.load(), level)
}

// aliasTarget returns the kind an alias entry would have in its owning
// table.
func aliasTarget(pte PTE, level int) Kind {
	if level == 0 || pte&pointsToBlock != 0 {
		return KindBlock
	}
	return KindTable
}
