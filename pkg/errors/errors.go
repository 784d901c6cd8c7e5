// Copyright 2021 The gVisor Authors.
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

// Package errors holds the standardized error definition for page table
// operations.
package errors

import "fmt"

// Code classifies an Error.
type Code uint32

// Error codes.
const (
	CodeUnknown Code = iota
	CodeAllocationFailure
	CodeAlreadyMapped
	CodeNotMapped
	CodeGranularityMismatch
	CodeIllegalEntryState
	CodeLeakedExplicitUnmap
	CodeAliasedEntry
	CodeInvalidArgument
	CodeNotInitialized
	CodeAlreadyInitialized
)

var codeNames = [...]string{
	CodeUnknown:             "Unknown",
	CodeAllocationFailure:   "AllocationFailure",
	CodeAlreadyMapped:       "AlreadyMapped",
	CodeNotMapped:           "NotMapped",
	CodeGranularityMismatch: "GranularityMismatch",
	CodeIllegalEntryState:   "IllegalEntryState",
	CodeLeakedExplicitUnmap: "LeakedExplicitUnmap",
	CodeAliasedEntry:        "AliasedEntry",
	CodeInvalidArgument:     "InvalidArgument",
	CodeNotInitialized:      "NotInitialized",
	CodeAlreadyInitialized:  "AlreadyInitialized",
}

// String implements fmt.Stringer.String.
func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("Code(%d)", uint32(c))
}

// Error represents a page table failure with a descriptive message.
type Error struct {
	code    Code
	message string
}

// New creates a new *Error.
func New(code Code, message string) *Error {
	return &Error{
		code:    code,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Code returns the underlying Code value.
func (e *Error) Code() Code { return e.code }
