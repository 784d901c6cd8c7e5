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

package hostarch

import "testing"

func TestCanonical(t *testing.T) {
	for _, tc := range []struct {
		addr Addr
		want bool
	}{
		{0, true},
		{0x00007fffffffffff, true},
		{0x0000800000000000, false},
		{0xffff800000000000, true},
		{0xfffe800000000000, false},
		{0xffffffffffffffff, true},
	} {
		if got := tc.addr.IsCanonical(); got != tc.want {
			t.Errorf("%v.IsCanonical() = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestRounding(t *testing.T) {
	if got := Addr(0x201234).RoundDown(HugePageSize); got != 0x200000 {
		t.Errorf("RoundDown(2M) = %v, want 0x200000", got)
	}
	if got := Addr(0xffffffffc0001000).RoundDown(SuperPageSize); got != 0xffffffffc0000000 {
		t.Errorf("RoundDown(1G) = %v, want 0xffffffffc0000000", got)
	}
	if !Addr(SuperPageSize * 3).IsAligned(SuperPageSize) {
		t.Errorf("3G should be 1G aligned")
	}
	if Addr(HugePageSize).IsAligned(SuperPageSize) {
		t.Errorf("2M should not be 1G aligned")
	}
}

func TestAccessTypeString(t *testing.T) {
	for _, tc := range []struct {
		at   AccessType
		want string
	}{
		{NoAccess, "---"},
		{Read, "r--"},
		{ReadWrite, "rw-"},
		{AnyAccess, "rwx"},
		{AccessType{Read: true, Execute: true}, "r-x"},
	} {
		if got := tc.at.String(); got != tc.want {
			t.Errorf("%+v.String() = %q, want %q", tc.at, got, tc.want)
		}
	}
}

func TestAccessTypeAny(t *testing.T) {
	if NoAccess.Any() {
		t.Errorf("NoAccess.Any() = true")
	}
	for _, at := range []AccessType{Read, Write, Execute, AnyAccess} {
		if !at.Any() {
			t.Errorf("%v.Any() = false", at)
		}
	}
}
