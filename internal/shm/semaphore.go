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
	"context"
	"errors"
	"os"
	"time"

	"github.com/edsrzf/mmap-go"
)

const (
	// semaphoreSize is the length of a semaphore file; only the first word is used.
	semaphoreSize = 64
	countOffset   = 0

	// waitSlice bounds one futex sleep when the caller's context can be cancelled.
	waitSlice = 50 * time.Millisecond
)

var errFutexTimeout = errors.New("futex timeout")

// Semaphore is a named counting semaphore whose count lives in a shared file
// mapping. Waiters sleep on the count word with a futex.
type Semaphore struct {
	region *MappedRegion
	count  *uint32
}

// CreateSemaphore creates a new named semaphore holding initial permits.
// The count is written before the file becomes visible under path, so an
// opener never sees an uninitialized count. It fails with os.ErrExist if path
// is already taken, leaving the existing file untouched.
func CreateSemaphore(ctx context.Context, path string, initial uint32, mode os.FileMode) (*Semaphore, error) {
	region, err := MapRegion(ctx, MapOptions{
		Path:   path,
		Size:   semaphoreSize,
		Create: true,
		Mode:   mode,
		Init: func(mem mmap.MMap) error {
			word, err := wordAt(mem, countOffset)
			if err != nil {
				return err
			}
			*word = initial
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	s, err := newSemaphore(region)
	if err != nil {
		_ = UnmapRegion(ctx, region)
		return nil, err
	}
	return s, nil
}

// OpenSemaphore attaches to an existing named semaphore without changing its count.
func OpenSemaphore(ctx context.Context, path string) (*Semaphore, error) {
	region, err := MapRegion(ctx, MapOptions{Path: path, Size: semaphoreSize})
	if err != nil {
		return nil, err
	}
	s, err := newSemaphore(region)
	if err != nil {
		_ = UnmapRegion(ctx, region)
		return nil, err
	}
	return s, nil
}

func newSemaphore(region *MappedRegion) (*Semaphore, error) {
	word, err := wordAt(region.Addr, countOffset)
	if err != nil {
		return nil, err
	}
	return &Semaphore{region: region, count: word}, nil
}

// Wait blocks until a permit is available and takes it. With a context that can
// never be done it sleeps without a timeout; otherwise it sleeps in short slices
// so that cancellation and deadlines are observed. A failed Wait takes no permit.
func (s *Semaphore) Wait(ctx context.Context) error {
	for {
		if s.TryWait() {
			return nil
		}
		var timeout time.Duration
		if ctx.Done() != nil {
			if err := ctx.Err(); err != nil {
				return err
			}
			timeout = waitSlice
			if deadline, ok := ctx.Deadline(); ok {
				if left := time.Until(deadline); left < timeout {
					timeout = left
				}
			}
			if timeout <= 0 {
				return context.DeadlineExceeded
			}
		}
		if err := futexWait(s.count, 0, timeout); err != nil && !errors.Is(err, errFutexTimeout) {
			return err
		}
	}
}

// TryWait takes a permit if one is available without blocking.
func (s *Semaphore) TryWait() bool {
	for {
		v := AtomicLoadUint32(s.count)
		if v == 0 {
			return false
		}
		if AtomicCompareAndSwapUint32(s.count, v, v-1) {
			return true
		}
	}
}

// Post releases one permit and wakes one waiter.
func (s *Semaphore) Post() error {
	for {
		v := AtomicLoadUint32(s.count)
		if AtomicCompareAndSwapUint32(s.count, v, v+1) {
			break
		}
	}
	_, err := futexWake(s.count, 1)
	return err
}

// Value returns the current number of permits.
func (s *Semaphore) Value() uint32 {
	return AtomicLoadUint32(s.count)
}

// Path returns the backing file of the semaphore.
func (s *Semaphore) Path() string {
	return s.region.Path
}

// Close unmaps the semaphore. The named file stays until Unlink.
func (s *Semaphore) Close() error {
	return UnmapRegion(context.Background(), s.region)
}
