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

import "errors"

var (
	// ErrResourceCreationFailed is returned when a semaphore or segment could not be allocated.
	ErrResourceCreationFailed = errors.New("shmchan: resource creation failed")
	// ErrAlreadyExists is returned by Create when one of the named resources is live.
	ErrAlreadyExists = errors.New("shmchan: resource already exists")
	// ErrNotFound is returned by Open when a named resource is missing.
	ErrNotFound = errors.New("shmchan: resource not found")
	// ErrMappingFailed is returned when the segment could not be mapped.
	ErrMappingFailed = errors.New("shmchan: mapping failed")
	// ErrInvalidLength is returned by Send for empty or oversized messages.
	ErrInvalidLength = errors.New("shmchan: invalid message length")
	// ErrAllocationFailed is returned by Recv when the announced message cannot be buffered.
	ErrAllocationFailed = errors.New("shmchan: reassembly buffer allocation failed")
	// ErrCorruptFragment is returned by Recv when a fragment header is out of bounds
	// or breaks the fragment sequence.
	ErrCorruptFragment = errors.New("shmchan: corrupt fragment")
	// ErrInvalidName is returned for resource names that cannot name a shared object.
	ErrInvalidName = errors.New("shmchan: invalid resource name")
	// ErrCapacityMismatch is returned by Open when the segment was created with another capacity.
	ErrCapacityMismatch = errors.New("shmchan: segment capacity mismatch")
	// ErrClosed is returned by operations on a closed Channel.
	ErrClosed = errors.New("shmchan: channel closed")
	// ErrShareMemoryHadNotLeftSpace is returned when /dev/shm cannot hold a new segment.
	ErrShareMemoryHadNotLeftSpace = errors.New("shmchan: share memory had not left space")
)
