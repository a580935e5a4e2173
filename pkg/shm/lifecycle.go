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
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"

	internalshm "github.com/srediag/shmchan/internal/shm"
)

// semaphoreFileSize is what two semaphore files add on top of the segment.
const semaphoreFileSize = 64

// Create allocates the writer semaphore (one permit), the reader semaphore (no
// permit) and the segment, and maps it. The channel starts writable and not
// readable. If any step fails, every resource created by this call is removed
// again; resources that already existed are left alone.
func Create(ctx context.Context, names Names, config *Config) (ch *Channel, err error) {
	cfg, err := resolveConfig(config)
	if err != nil {
		return nil, err
	}
	if err := names.validate(); err != nil {
		return nil, err
	}
	segPath := cfg.SegmentPath(names.Segment)
	wPath := cfg.semaphorePath(names.WriterSem)
	rPath := cfg.semaphorePath(names.ReaderSem)

	need := uint64(cfg.Capacity) + 2*semaphoreFileSize
	if !canCreateOnDevShm(need, segPath) {
		return nil, fmt.Errorf("%w: path %s, size %d", ErrShareMemoryHadNotLeftSpace, segPath, need)
	}

	var undo rollback
	defer func() {
		if err != nil {
			undo.run()
		}
	}()

	w, err := internalshm.CreateSemaphore(ctx, wPath, 1, cfg.Mode)
	if err != nil {
		return nil, classify(err, ErrResourceCreationFailed, "writer semaphore", wPath)
	}
	undo.push(func() { closeAndUnlink(w.Close, wPath) })

	r, err := internalshm.CreateSemaphore(ctx, rPath, 0, cfg.Mode)
	if err != nil {
		return nil, classify(err, ErrResourceCreationFailed, "reader semaphore", rPath)
	}
	undo.push(func() { closeAndUnlink(r.Close, rPath) })

	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
		Path:   segPath,
		Size:   cfg.Capacity,
		Create: true,
		Mode:   cfg.Mode,
	})
	if err != nil {
		return nil, classify(err, ErrResourceCreationFailed, "segment", segPath)
	}
	internalLogger.infof("created channel %s capacity:%d", names, cfg.Capacity)
	return newChannel(names, cfg, region, &Handshake{writable: w, readable: r}), nil
}

// Open attaches to a channel created elsewhere. It does not change the
// handshake state. Missing resources are reported as ErrNotFound.
func Open(ctx context.Context, names Names, config *Config) (ch *Channel, err error) {
	cfg, err := resolveConfig(config)
	if err != nil {
		return nil, err
	}
	if err := names.validate(); err != nil {
		return nil, err
	}
	segPath := cfg.SegmentPath(names.Segment)
	wPath := cfg.semaphorePath(names.WriterSem)
	rPath := cfg.semaphorePath(names.ReaderSem)

	var undo rollback
	defer func() {
		if err != nil {
			undo.run()
		}
	}()

	w, err := internalshm.OpenSemaphore(ctx, wPath)
	if err != nil {
		return nil, classify(err, ErrMappingFailed, "writer semaphore", wPath)
	}
	undo.push(func() { _ = w.Close() })

	r, err := internalshm.OpenSemaphore(ctx, rPath)
	if err != nil {
		return nil, classify(err, ErrMappingFailed, "reader semaphore", rPath)
	}
	undo.push(func() { _ = r.Close() })

	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
		Path: segPath,
		Size: cfg.Capacity,
	})
	if err != nil {
		return nil, classify(err, ErrMappingFailed, "segment", segPath)
	}
	internalLogger.infof("opened channel %s capacity:%d", names, cfg.Capacity)
	return newChannel(names, cfg, region, &Handshake{writable: w, readable: r}), nil
}

// Destroy unlinks the three named resources. Resources that are already gone
// are skipped with a warning; other failures are joined into the returned error.
// Processes that still have the channel mapped keep their view until Close.
func Destroy(names Names, config *Config) error {
	cfg, err := resolveConfig(config)
	if err != nil {
		return err
	}
	if err := names.validate(); err != nil {
		return err
	}
	var errs []error
	for _, path := range []string{
		cfg.SegmentPath(names.Segment),
		cfg.semaphorePath(names.WriterSem),
		cfg.semaphorePath(names.ReaderSem),
	} {
		if err := internalshm.Unlink(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				internalLogger.warnf("destroy %s: %s already removed", names, path)
				continue
			}
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		internalLogger.infof("destroyed channel %s", names)
	}
	return errors.Join(errs...)
}

// Exists reports whether all three resources of names are present.
func Exists(names Names, config *Config) bool {
	cfg, err := resolveConfig(config)
	if err != nil || names.validate() != nil {
		return false
	}
	return internalshm.Exists(cfg.SegmentPath(names.Segment)) &&
		internalshm.Exists(cfg.semaphorePath(names.WriterSem)) &&
		internalshm.Exists(cfg.semaphorePath(names.ReaderSem))
}

// classify maps a platform error onto the channel error kinds.
func classify(err, fallback error, what, path string) error {
	kind := fallback
	switch {
	case errors.Is(err, os.ErrExist):
		kind = ErrAlreadyExists
	case errors.Is(err, os.ErrNotExist):
		kind = ErrNotFound
	case errors.Is(err, internalshm.ErrSizeMismatch):
		kind = ErrCapacityMismatch
	case errors.Is(err, internalshm.ErrMapFailed):
		kind = ErrMappingFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %s %s: %w", kind, what, path, err)
}

// rollback runs cleanups in reverse order of registration.
type rollback []func()

func (r *rollback) push(f func()) {
	*r = append(*r, f)
}

func (r rollback) run() {
	for i := len(r) - 1; i >= 0; i-- {
		r[i]()
	}
}

func closeAndUnlink(closeFn func() error, path string) {
	if err := closeFn(); err != nil {
		internalLogger.warnf("rollback close %s: %v", path, err)
	}
	if err := internalshm.Unlink(path); err != nil {
		internalLogger.warnf("rollback unlink %s: %v", path, err)
	}
}

// canCreateOnDevShm reports whether /dev/shm has room for size bytes. Paths
// outside /dev/shm are not checked.
func canCreateOnDevShm(size uint64, path string) bool {
	if runtime.GOOS != "linux" || !strings.HasPrefix(path, defaultShareMemoryDir+"/") {
		return true
	}
	stat, err := disk.Usage(defaultShareMemoryDir)
	if err != nil {
		internalLogger.warnf("could not read %s usage, error:%v", defaultShareMemoryDir, err)
		return true
	}
	return stat.Free >= size
}
