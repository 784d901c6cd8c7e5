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

package pterr

import (
	"fmt"
	"testing"

	"hvpt.dev/hvpt/pkg/errors"
)

func TestEquals(t *testing.T) {
	wrapped := fmt.Errorf("unmap %#x: %w", 0x1000, ErrNotMapped)
	if !Equals(ErrNotMapped, wrapped) {
		t.Errorf("Equals(ErrNotMapped, %v) = false, want true", wrapped)
	}
	if Equals(ErrAlreadyMapped, wrapped) {
		t.Errorf("Equals(ErrAlreadyMapped, %v) = true, want false", wrapped)
	}
	if !Equals(nil, nil) {
		t.Errorf("Equals(nil, nil) = false, want true")
	}
	if Equals(nil, wrapped) {
		t.Errorf("Equals(nil, %v) = true, want false", wrapped)
	}
}

func TestCodeOf(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want errors.Code
	}{
		{ErrAllocationFailure, errors.CodeAllocationFailure},
		{fmt.Errorf("release: %w", ErrLeakedExplicitUnmap), errors.CodeLeakedExplicitUnmap},
		{fmt.Errorf("plain"), errors.CodeUnknown},
		{nil, errors.CodeUnknown},
	} {
		if got := CodeOf(tc.err); got != tc.want {
			t.Errorf("CodeOf(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
