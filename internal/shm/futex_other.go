//go:build !linux

/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"sync/atomic"
	"time"
)

const pollInterval = 200 * time.Microsecond

// futexWait polls the word until it changes or timeout elapses.
func futexWait(addr *uint32, val uint32, timeout time.Duration) error {
	start := time.Now()
	for atomic.LoadUint32(addr) == val {
		if timeout > 0 && time.Since(start) >= timeout {
			return errFutexTimeout
		}
		time.Sleep(pollInterval)
	}
	return nil
}

func futexWake(addr *uint32, n int) (int, error) {
	return 0, nil
}
