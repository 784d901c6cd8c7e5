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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAddRemove(t *testing.T) {
	b := New(130)
	for _, i := range []uint32{0, 63, 64, 129} {
		if !b.Add(i) {
			t.Errorf("Add(%d) = false on a clear bit", i)
		}
	}
	if b.Add(64) {
		t.Errorf("Add(64) = true on a set bit")
	}
	if got, want := b.GetNumOnes(), uint32(4); got != want {
		t.Errorf("GetNumOnes() = %d, want %d", got, want)
	}
	var got []uint32
	for i := uint32(0); i < b.Size(); i++ {
		if b.Contains(i) {
			got = append(got, i)
		}
	}
	if diff := cmp.Diff([]uint32{0, 63, 64, 129}, got); diff != "" {
		t.Errorf("set bits mismatch (-want +got):\n%s", diff)
	}
	if !b.Remove(63) {
		t.Errorf("Remove(63) = false on a set bit")
	}
	if b.Remove(63) {
		t.Errorf("Remove(63) = true on a clear bit")
	}
	if b.Contains(63) || !b.Contains(129) {
		t.Errorf("Contains mismatch after Remove")
	}
}

func TestFirstZeroRespectsSize(t *testing.T) {
	b := New(3)
	for i := uint32(0); i < 3; i++ {
		got, err := b.FirstZero(0)
		if err != nil {
			t.Fatalf("FirstZero(0) failed after %d adds: %v", i, err)
		}
		if got != i {
			t.Fatalf("FirstZero(0) = %d, want %d", got, i)
		}
		b.Add(got)
	}
	if bit, err := b.FirstZero(0); err == nil {
		t.Errorf("FirstZero(0) = %d on a full bitmap, want error", bit)
	}
}

