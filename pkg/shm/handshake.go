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

	internalshm "github.com/srediag/shmchan/internal/shm"
)

// Handshake enforces strict write/read alternation over a Segment using two
// semaphores. As a pair (R,W) the valid resting states are (0,1), ready for
// the producer, and (1,0), ready for the consumer. (0,0) only exists while a
// transaction is in progress and (1,1) is unreachable.
//
//	(0,1) -BeginWrite-> (0,0) -EndWrite-> (1,0)
//	(1,0) -BeginRead->  (0,0) -EndRead->  (0,1)
type Handshake struct {
	writable *internalshm.Semaphore
	readable *internalshm.Semaphore
}

// BeginWrite blocks until the segment is writable and takes the write permit.
// On error no permit was taken.
func (h *Handshake) BeginWrite(ctx context.Context) error {
	return h.writable.Wait(ctx)
}

// EndWrite hands the segment to the consumer.
func (h *Handshake) EndWrite() error {
	return h.readable.Post()
}

// BeginRead blocks until a fragment is readable and takes the read permit.
// On error no permit was taken.
func (h *Handshake) BeginRead(ctx context.Context) error {
	return h.readable.Wait(ctx)
}

// EndRead hands the segment back to the producer.
func (h *Handshake) EndRead() error {
	return h.writable.Post()
}

// State returns the current permit counts as (readable, writable).
func (h *Handshake) State() (readable, writable uint32) {
	return h.readable.Value(), h.writable.Value()
}

func (h *Handshake) close() error {
	return errors.Join(h.writable.Close(), h.readable.Close())
}
