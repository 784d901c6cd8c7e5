// Copyright 2020 The gVisor Authors.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd.

package sync

import (
	"sync"
)

// Mutex is an alias of sync.Mutex. Use SpinMutex where the holder must never
// sleep.
type Mutex = sync.Mutex
