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

// Package shm contains platform-specific helpers for the shared memory channel:
// file-backed mapped regions and futex-backed named semaphores.
package shm

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/edsrzf/mmap-go"
)

// ErrUnsupported is returned on platforms without shared file mappings.
var ErrUnsupported = errors.New("shared memory is not supported on this platform")

// ErrSizeMismatch is returned when an existing region does not have the expected size.
var ErrSizeMismatch = errors.New("mapped region size mismatch")

// ErrMapFailed wraps failures of the mmap call itself.
var ErrMapFailed = errors.New("mmap failed")

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr mmap.MMap
	Path string
	file *os.File
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	// Path of the backing file, usually under /dev/shm.
	Path string
	// Size in bytes. When attaching, zero means "use the file size".
	Size int
	// Create fails with os.ErrExist if the path is already present.
	Create bool
	Mode   os.FileMode
	// Init fills a created region before it becomes visible under Path.
	Init func(mem mmap.MMap) error
}

// Size returns the mapped length.
func (r *MappedRegion) Size() int {
	if r == nil {
		return 0
	}
	return len(r.Addr)
}

// tempName returns a unique sibling of path used while a file is initialized.
func tempName(path string) string {
	return path + ".init-" + strconv.Itoa(os.Getpid()) + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}

// Function implementations are provided in platform-specific files (platform_unix.go, platform_other.go).
