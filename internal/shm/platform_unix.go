//go:build unix

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
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// MapRegion maps or creates a shared memory region.
//
// On the create path the file is sized, mapped and passed to opts.Init under a
// temporary name, then linked to opts.Path. An opener therefore never sees a
// file of the wrong size or with uninitialized content, and a failed call
// leaves nothing behind.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Create {
		return createRegion(opts)
	}
	fd, err := unix.Open(opts.Path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: opts.Path, Err: err}
	}
	f := os.NewFile(uintptr(fd), opts.Path)
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("fstat: %w", err)
	}
	size := opts.Size
	switch {
	case size == 0:
		size = int(st.Size)
	case int64(size) != st.Size:
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrSizeMismatch, opts.Path, st.Size, size)
	}
	if size <= 0 {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is empty", ErrSizeMismatch, opts.Path)
	}
	region, err := mapFile(f, opts.Path, size)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return region, nil
}

func createRegion(opts MapOptions) (*MappedRegion, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("%w: cannot create %s with %d bytes", ErrSizeMismatch, opts.Path, opts.Size)
	}
	if Exists(opts.Path) {
		return nil, &os.PathError{Op: "create", Path: opts.Path, Err: os.ErrExist}
	}
	tmp := tempName(opts.Path)
	fd, err := unix.Open(tmp, unix.O_RDWR|unix.O_CLOEXEC|unix.O_CREAT|unix.O_EXCL, uint32(opts.Mode.Perm()))
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: tmp, Err: err}
	}
	defer func() { _ = unix.Unlink(tmp) }()
	f := os.NewFile(uintptr(fd), opts.Path)

	if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("ftruncate: %w", err)
	}
	region, err := mapFile(f, opts.Path, opts.Size)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if opts.Init != nil {
		if err := opts.Init(region.Addr); err != nil {
			_ = UnmapRegion(context.Background(), region)
			return nil, err
		}
	}
	if err := publish(tmp, opts.Path); err != nil {
		_ = UnmapRegion(context.Background(), region)
		return nil, err
	}
	return region, nil
}

func mapFile(f *os.File, path string, size int) (*MappedRegion, error) {
	addr, err := mmap.MapRegion(f, size, mmap.RDWR, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMapFailed, err)
	}
	return &MappedRegion{
		Addr: addr,
		Path: path,
		file: f,
	}, nil
}

// UnmapRegion unmaps and closes the shared memory region. The backing file is kept.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	if err := region.Addr.Unmap(); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	region.Addr = nil
	if region.file != nil {
		if err := region.file.Close(); err != nil {
			return fmt.Errorf("close: %w", err)
		}
		region.file = nil
	}
	return nil
}

// Unlink removes the named backing file. A missing file reports an error
// matching os.ErrNotExist.
func Unlink(path string) error {
	if err := unix.Unlink(path); err != nil {
		return &os.PathError{Op: "unlink", Path: path, Err: err}
	}
	return nil
}

// Exists reports whether the backing file is present.
func Exists(path string) bool {
	return unix.Access(path, unix.F_OK) == nil
}

// publish atomically moves an initialized file to its final name. It fails with
// os.ErrExist when the name is taken and never replaces an existing file.
func publish(tmp, path string) error {
	if err := unix.Link(tmp, path); err != nil {
		return &os.LinkError{Op: "link", Old: tmp, New: path, Err: err}
	}
	return nil
}
