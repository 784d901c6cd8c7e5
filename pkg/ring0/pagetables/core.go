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
	"sync/atomic"

	"hvpt.dev/hvpt/pkg/errors/pterr"
)

// Core is the per-core translation state.
type Core struct {
	// ID identifies the core to the intrinsics.
	ID int

	// active is the table currently installed on this core.
	active atomic.Pointer[PageTables]
}

// NewCore returns a core with no active table.
func NewCore(id int) *Core {
	return &Core{ID: id}
}

// Active returns the table installed on c, or nil.
func (c *Core) Active() *PageTables {
	return c.active.Load()
}

// Activate installs p on c: it becomes c's active table and c's root
// translation pointer is programmed with p's root.
func (p *PageTables) Activate(c *Core) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.root == nil {
		return pterr.ErrNotInitialized
	}
	c.active.Store(p)
	p.intr.SetRootTable(c.ID, p.rootPhysical)
	return nil
}

// IsInactive returns true iff p is not the table installed on c. It may be
// called at any time, including after Release.
func (p *PageTables) IsInactive(c *Core) bool {
	return c.active.Load() != p
}
