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

// Package cmd holds implementations of the ptctl commands.
package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"hvpt.dev/hvpt/pkg/hostarch"
	"hvpt.dev/hvpt/pkg/intrinsic"
	"hvpt.dev/hvpt/pkg/log"
	"hvpt.dev/hvpt/pkg/pagepool"
	"hvpt.dev/hvpt/pkg/ring0/pagetables"
	"hvpt.dev/hvpt/ptctl/config"
)

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(os.Stderr, "%s\n", msg)
	os.Exit(128)
}

// ArchFor returns the entry format named by name.
func ArchFor(name string) (pagetables.Arch, error) {
	switch name {
	case pagetables.X86.Name():
		return pagetables.X86, nil
	case pagetables.EPT.Name():
		return pagetables.EPT, nil
	default:
		return nil, fmt.Errorf("unknown arch %q", name)
	}
}

// machine is a set of page tables backed by a page pool, together with
// the cores they can be activated on.
type machine struct {
	pool  *pagepool.Pool
	pt    *pagetables.PageTables
	intr  *intrinsic.Recorder
	cores []*pagetables.Core
}

// newMachine builds and initializes the tables described by conf.
func newMachine(conf *config.Config) (*machine, error) {
	arch, err := ArchFor(conf.Arch)
	if err != nil {
		return nil, err
	}
	pool, err := pagepool.New(pagepool.Options{
		Pages:        conf.PoolPages,
		PhysicalBase: uintptr(conf.PhysicalBase),
	})
	if err != nil {
		return nil, fmt.Errorf("creating page pool: %w", err)
	}
	m := &machine{
		pool: pool,
		intr: &intrinsic.Recorder{},
	}
	m.pt = pagetables.New(pool, arch, m.intr)
	if err := m.pt.Init(); err != nil {
		pool.Close()
		return nil, err
	}
	for i := 0; i < conf.Cores; i++ {
		m.cores = append(m.cores, pagetables.NewCore(i))
	}
	log.Debugf("Tables %s initialized, root %#x, pool of %d pages", arch.Name(), m.pt.RootPhysical(), pool.Size())
	return m, nil
}

// release releases the tables and reports pool frames left behind.
func (m *machine) release() error {
	defer m.pool.Close()
	if err := m.pt.Release(); err != nil {
		return err
	}
	if n := m.pool.Allocated(); n != 0 {
		return fmt.Errorf("%d frames still allocated after release", n)
	}
	return nil
}

// parseAddr parses a virtual or physical address in any base strconv
// accepts.
func parseAddr(s string) (hostarch.Addr, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return hostarch.Addr(v), nil
}

// parseAccess parses an access string such as "rw-" or "rx".
func parseAccess(s string) (hostarch.AccessType, error) {
	var at hostarch.AccessType
	for _, c := range s {
		switch c {
		case 'r':
			at.Read = true
		case 'w':
			at.Write = true
		case 'x':
			at.Execute = true
		case '-':
		default:
			return at, fmt.Errorf("invalid access %q", s)
		}
	}
	return at, nil
}

// listFlag is a repeatable string flag.
type listFlag []string

// String implements flag.Value.String.
func (l *listFlag) String() string {
	return strings.Join(*l, ",")
}

// Set implements flag.Value.Set.
func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}
