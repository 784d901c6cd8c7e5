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

package cmd

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/subcommands"

	"hvpt.dev/hvpt/pkg/hostarch"
	"hvpt.dev/hvpt/pkg/intrinsic"
	"hvpt.dev/hvpt/pkg/log"
	"hvpt.dev/hvpt/pkg/ring0/pagetables"
	"hvpt.dev/hvpt/ptctl/config"
)

// Map implements subcommands.Command for the "map" command.
type Map struct {
	mappings   listFlag
	allocs     listFlag
	unmaps     listFlag
	translates listFlag
	direct     int
	flushAll   bool
	showPool   bool
}

// Name implements subcommands.Command.Name.
func (*Map) Name() string {
	return "map"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Map) Synopsis() string {
	return "build a page table from mappings and dump it"
}

// Usage implements subcommands.Command.Usage.
func (*Map) Usage() string {
	return `map [flags] - build a page table and print its entries.

Operations run in order: -m, -alloc, -direct, -unmap, -translate. The table
is activated on core 0, dumped, and released.

A mapping is virt:phys:gran[:access[:attrs]], where gran is 4K, 2M or 1G,
access is a string such as rw- (default r--), and attrs is a comma separated
list of user, global, wc, uc and explicit-unmap. For example:

    ptctl map -m 0x40000000:0x40000000:1G:rw- -m 0x1000:0x2000:4K:rx:user

Flags:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Map) SetFlags(f *flag.FlagSet) {
	f.Var(&m.mappings, "m", "mapping to add as virt:phys:gran[:access[:attrs]]. May be repeated.")
	f.Var(&m.allocs, "alloc", "virtual address to back with a new 4K page. May be repeated.")
	f.Var(&m.unmaps, "unmap", "mapping to remove as virt:gran. May be repeated.")
	f.Var(&m.translates, "translate", "virtual address to translate. May be repeated.")
	f.IntVar(&m.direct, "direct", 0, "number of pages to allocate in the direct map.")
	f.BoolVar(&m.flushAll, "flush-all", false, "broadcast TLB flushes for unmaps to all cores.")
	f.BoolVar(&m.showPool, "pool", false, "also dump outstanding pool frames.")
}

// Execute implements subcommands.Command.Execute.
func (m *Map) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	mach, err := newMachine(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	if err := m.apply(conf, mach, out); err != nil {
		mach.release()
		Fatalf("%v", err)
	}
	if err := mach.pt.Activate(mach.cores[0]); err != nil {
		Fatalf("activating tables: %v", err)
	}
	if err := mach.pt.Dump(out); err != nil {
		Fatalf("dumping tables: %v", err)
	}
	if m.showPool {
		if err := mach.pool.Dump(out); err != nil {
			Fatalf("dumping pool: %v", err)
		}
	}
	for _, fl := range mach.intr.Flushes() {
		log.Debugf("TLB flush %v %v", fl.Scope, fl.Addr)
	}
	if err := mach.release(); err != nil {
		log.Warningf("Releasing tables: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (m *Map) apply(conf *config.Config, mach *machine, out *bufio.Writer) error {
	for _, s := range m.mappings {
		virt, phys, opts, g, err := parseMapping(s)
		if err != nil {
			return err
		}
		if err := mach.pt.Map(virt, phys, opts, g); err != nil {
			return fmt.Errorf("mapping %q: %w", s, err)
		}
		log.Debugf("Mapped %v -> %v (%v %v)", virt, phys, g, opts)
	}
	for _, s := range m.allocs {
		virt, err := parseAddr(s)
		if err != nil {
			return err
		}
		if _, err := mach.pt.AllocatePage(virt, pagetables.MapOpts{AccessType: hostarch.ReadWrite}); err != nil {
			return fmt.Errorf("allocating page at %v: %w", virt, err)
		}
	}
	for i := 0; i < m.direct; i++ {
		virt, phys, err := mach.pt.AllocateDirectPage(hostarch.Addr(conf.DirectMapOffset))
		if err != nil {
			return fmt.Errorf("allocating direct page: %w", err)
		}
		fmt.Fprintf(out, "direct %v -> %v\n", virt, phys)
	}
	scope := intrinsic.FlushLocal
	if m.flushAll {
		scope = intrinsic.FlushAll
	}
	for _, s := range m.unmaps {
		virt, g, err := parseUnmap(s)
		if err != nil {
			return err
		}
		if err := mach.pt.Unmap(virt, g, scope); err != nil {
			return fmt.Errorf("unmapping %q: %w", s, err)
		}
	}
	for _, s := range m.translates {
		virt, err := parseAddr(s)
		if err != nil {
			return err
		}
		phys, g, err := mach.pt.Translate(virt)
		if err != nil {
			fmt.Fprintf(out, "translate %v: %v\n", virt, err)
			continue
		}
		fmt.Fprintf(out, "translate %v -> %#x (%v)\n", virt, phys, g)
	}
	return nil
}

// parseMapping parses virt:phys:gran[:access[:attrs]].
func parseMapping(s string) (virt, phys hostarch.Addr, opts pagetables.MapOpts, g pagetables.Granularity, err error) {
	parts := strings.Split(s, ":")
	if len(parts) < 3 || len(parts) > 5 {
		return 0, 0, opts, 0, fmt.Errorf("invalid mapping %q, want virt:phys:gran[:access[:attrs]]", s)
	}
	if virt, err = parseAddr(parts[0]); err != nil {
		return 0, 0, opts, 0, err
	}
	if phys, err = parseAddr(parts[1]); err != nil {
		return 0, 0, opts, 0, err
	}
	if g, err = pagetables.ParseGranularity(parts[2]); err != nil {
		return 0, 0, opts, 0, err
	}
	opts.AccessType = hostarch.Read
	if len(parts) > 3 {
		if opts.AccessType, err = parseAccess(parts[3]); err != nil {
			return 0, 0, opts, 0, err
		}
		if !opts.AccessType.Any() {
			return 0, 0, opts, 0, fmt.Errorf("mapping %q grants no access", s)
		}
	}
	if len(parts) > 4 {
		for _, attr := range strings.Split(parts[4], ",") {
			switch attr {
			case "user":
				opts.User = true
			case "global":
				opts.Global = true
			case "wc":
				opts.MemoryType = hostarch.MemoryTypeWriteCombine
			case "uc":
				opts.MemoryType = hostarch.MemoryTypeUncached
			case "explicit-unmap":
				opts.ExplicitUnmap = true
			case "":
			default:
				return 0, 0, opts, 0, fmt.Errorf("invalid attribute %q in mapping %q", attr, s)
			}
		}
	}
	return virt, phys, opts, g, nil
}

// parseUnmap parses virt:gran.
func parseUnmap(s string) (hostarch.Addr, pagetables.Granularity, error) {
	virtStr, gStr, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid unmap %q, want virt:gran", s)
	}
	virt, err := parseAddr(virtStr)
	if err != nil {
		return 0, 0, err
	}
	g, err := pagetables.ParseGranularity(gStr)
	if err != nil {
		return 0, 0, err
	}
	return virt, g, nil
}
