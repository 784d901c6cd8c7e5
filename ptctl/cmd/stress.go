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
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"hvpt.dev/hvpt/pkg/cleanup"
	"hvpt.dev/hvpt/pkg/hostarch"
	"hvpt.dev/hvpt/pkg/intrinsic"
	"hvpt.dev/hvpt/pkg/log"
	"hvpt.dev/hvpt/pkg/ring0/pagetables"
	"hvpt.dev/hvpt/ptctl/config"
)

// stressRegion is the size of the address range each worker uses.
const stressRegion = 1 << 30

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers    int
	iterations int
	batch      int
	opsPerSec  float64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "map and unmap pages from concurrent workers"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - allocate and unmap pages concurrently.

Each worker owns a 1G region of the lower half. In every iteration it backs a
batch of pages in its region and unmaps them again, while cores switch
between the shared table and a table aliasing it. Once all workers finish the
tables are released and the pool must be empty.

Flags:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 4, "number of concurrent workers.")
	f.IntVar(&s.iterations, "iterations", 100, "iterations per worker.")
	f.IntVar(&s.batch, "batch", 16, "pages allocated per iteration.")
	f.Float64Var(&s.opsPerSec, "rate", 0, "maximum operations per second across workers. Zero is unlimited.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.workers <= 0 || s.iterations < 0 || s.batch <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	mach, err := newMachine(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	start := time.Now()
	if err := s.run(ctx, mach); err != nil {
		mach.release()
		Fatalf("%v", err)
	}
	flushes := len(mach.intr.Flushes())
	if err := mach.release(); err != nil {
		log.Warningf("Releasing tables: %v", err)
		return subcommands.ExitFailure
	}
	ops := 2 * s.workers * s.iterations * s.batch
	fmt.Printf("%d operations by %d workers in %v, %d flushes\n", ops, s.workers, time.Since(start), flushes)
	return subcommands.ExitSuccess
}

func (s *Stress) run(ctx context.Context, mach *machine) error {
	limit := rate.Inf
	if s.opsPerSec > 0 {
		limit = rate.Limit(s.opsPerSec)
	}
	limiter := rate.NewLimiter(limit, s.batch)

	// The alias shares the lower half of mach.pt. Workers only touch
	// regions whose top level entries already exist, so the alias never
	// goes stale.
	alias := pagetables.New(mach.pool, mach.pt.Arch(), mach.intr)
	if err := alias.Init(); err != nil {
		return err
	}
	// The alias must go before the seed pages are unmapped, since that
	// frees the tables it references.
	releaseAlias := cleanup.Make(func() {
		if err := alias.Release(); err != nil {
			log.Warningf("Releasing alias: %v", err)
		}
	})
	defer releaseAlias.Clean()
	for w := 0; w < s.workers; w++ {
		base := hostarch.Addr(w+1) * stressRegion
		if _, err := mach.pt.AllocatePage(base, pagetables.MapOpts{AccessType: hostarch.Read}); err != nil {
			return fmt.Errorf("seeding worker %d: %w", w, err)
		}
	}
	if err := alias.AddTables(mach.pt); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < s.workers; w++ {
		w := w
		g.Go(func() error {
			core := mach.cores[w%len(mach.cores)]
			base := hostarch.Addr(w+1) * stressRegion
			for i := 0; i < s.iterations; i++ {
				if err := limiter.WaitN(ctx, s.batch); err != nil {
					return err
				}
				tables := mach.pt
				if i%2 == 1 {
					tables = alias
				}
				if err := tables.Activate(core); err != nil {
					return err
				}
				for j := 1; j <= s.batch; j++ {
					virt := base + hostarch.Addr(j)*hostarch.PageSize
					if _, err := mach.pt.AllocatePage(virt, pagetables.MapOpts{AccessType: hostarch.ReadWrite}); err != nil {
						return fmt.Errorf("worker %d: allocating %v: %w", w, virt, err)
					}
				}
				for j := 1; j <= s.batch; j++ {
					virt := base + hostarch.Addr(j)*hostarch.PageSize
					if err := mach.pt.Unmap(virt, pagetables.Page4K, intrinsic.FlushAll); err != nil {
						return fmt.Errorf("worker %d: unmapping %v: %w", w, virt, err)
					}
				}
			}
			log.Debugf("Worker %d done", w)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	releaseAlias.Clean()
	for w := 0; w < s.workers; w++ {
		if err := mach.pt.Unmap(hostarch.Addr(w+1)*stressRegion, pagetables.Page4K, intrinsic.FlushAll); err != nil {
			return fmt.Errorf("unmapping seed page of worker %d: %w", w, err)
		}
	}
	return nil
}
