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

// Package pterr contains the page table error values exported as *errors.Error
// pointers, so that they can be compared by identity.
package pterr

import (
	goerrors "errors"

	"hvpt.dev/hvpt/pkg/errors"
)

// The following errors make up the page table error taxonomy. They are
// returned as-is or wrapped with fmt.Errorf's %w verb; use Equals to test for
// them.
var (
	noError *errors.Error = nil

	// ErrAllocationFailure means the page pool is exhausted. It is never
	// retried internally.
	ErrAllocationFailure = errors.New(errors.CodeAllocationFailure, "page pool exhausted")

	// ErrAlreadyMapped means the address already has a mapping at the
	// requested granularity. Callers may treat it as non-fatal.
	ErrAlreadyMapped = errors.New(errors.CodeAlreadyMapped, "address already mapped")

	// ErrNotMapped means the address was never mapped.
	ErrNotMapped = errors.New(errors.CodeNotMapped, "address not mapped")

	// ErrGranularityMismatch means the existing mapping covers the address at
	// a different granularity than requested.
	ErrGranularityMismatch = errors.New(errors.CodeGranularityMismatch, "mapping granularity mismatch")

	// ErrIllegalEntryState means a reserved entry was found during a walk.
	// It indicates corruption or a packing bug and is never recovered.
	ErrIllegalEntryState = errors.New(errors.CodeIllegalEntryState, "illegal page table entry state")

	// ErrLeakedExplicitUnmap means release found a mapping that must be
	// explicitly unmapped first.
	ErrLeakedExplicitUnmap = errors.New(errors.CodeLeakedExplicitUnmap, "mapping requires explicit unmap before release")

	// ErrAliasedEntry means the operation would mutate a subtree owned by
	// another page table.
	ErrAliasedEntry = errors.New(errors.CodeAliasedEntry, "entry is aliased from another page table")

	// ErrInvalidArgument means a precondition (alignment, canonical form,
	// range) was violated. Nothing was mutated.
	ErrInvalidArgument = errors.New(errors.CodeInvalidArgument, "invalid argument")

	// ErrNotInitialized means the page table has no root.
	ErrNotInitialized = errors.New(errors.CodeNotInitialized, "page table not initialized")

	// ErrAlreadyInitialized means Init was called twice.
	ErrAlreadyInitialized = errors.New(errors.CodeAlreadyInitialized, "page table already initialized")
)

// Equals compares an *errors.Error against an error, which may wrap it.
func Equals(e *errors.Error, err error) bool {
	if e == noError {
		return err == nil
	}
	return goerrors.Is(err, e)
}

// CodeOf returns the code of the first *errors.Error in err's chain, or
// errors.CodeUnknown.
func CodeOf(err error) errors.Code {
	var e *errors.Error
	if goerrors.As(err, &e) && e != nil {
		return e.Code()
	}
	return errors.CodeUnknown
}
