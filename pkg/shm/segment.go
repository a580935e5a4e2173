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
	"encoding/binary"
	"fmt"
)

// Fragment header layout, host native endian:
//
//	offset 0  message_id      uint64
//	offset 8  fragment_length uint64
//	offset 16 fragment_count  uint64
//	offset 24 payload
const (
	messageIDOffset = 0
	lengthOffset    = 8
	countOffset     = 16
	payloadOffset   = HeaderSize
)

// FragmentHeader describes the fragment currently stored in a segment.
type FragmentHeader struct {
	// MessageID is the ordinal of the fragment within its logical message.
	MessageID uint64
	// Length is the number of payload bytes.
	Length uint64
	// Count is the number of fragments of the logical message.
	Count uint64
}

func (h FragmentHeader) String() string {
	return fmt.Sprintf("id=%d len=%d count=%d", h.MessageID, h.Length, h.Count)
}

// DecodeHeader reads a fragment header from the start of b.
func DecodeHeader(b []byte) (FragmentHeader, error) {
	if len(b) < HeaderSize {
		return FragmentHeader{}, fmt.Errorf("header needs %d bytes, got %d", HeaderSize, len(b))
	}
	return FragmentHeader{
		MessageID: binary.NativeEndian.Uint64(b[messageIDOffset:]),
		Length:    binary.NativeEndian.Uint64(b[lengthOffset:]),
		Count:     binary.NativeEndian.Uint64(b[countOffset:]),
	}, nil
}

func (h FragmentHeader) encode(b []byte) {
	binary.NativeEndian.PutUint64(b[messageIDOffset:], h.MessageID)
	binary.NativeEndian.PutUint64(b[lengthOffset:], h.Length)
	binary.NativeEndian.PutUint64(b[countOffset:], h.Count)
}

// Segment is the fixed-capacity shared region holding one fragment at a time.
//
// A Segment does no locking of its own. Callers touch it only between the
// Begin and End calls of the Handshake guarding it.
type Segment struct {
	mem []byte
}

func newSegment(mem []byte) *Segment {
	return &Segment{mem: mem}
}

// Capacity returns the size of the segment, header included.
func (s *Segment) Capacity() int {
	return len(s.mem)
}

// MaxPayload returns the largest fragment the segment can hold.
func (s *Segment) MaxPayload() int {
	return len(s.mem) - HeaderSize
}

// WriteFragment stores a header and its payload. The header length is taken from payload.
func (s *Segment) WriteFragment(h FragmentHeader, payload []byte) error {
	if err := s.checkPayload(len(payload)); err != nil {
		return err
	}
	s.store(h, payload)
	return nil
}

// store writes a fragment whose size has already been checked.
func (s *Segment) store(h FragmentHeader, payload []byte) {
	h.Length = uint64(len(payload))
	h.encode(s.mem)
	copy(s.mem[payloadOffset:], payload)
}

func (s *Segment) checkPayload(n int) error {
	if n == 0 || n > s.MaxPayload() {
		return fmt.Errorf("%w: fragment of %d bytes, segment holds at most %d",
			ErrInvalidLength, n, s.MaxPayload())
	}
	return nil
}

// WriteHeader stores a raw header without touching the payload area.
func (s *Segment) WriteHeader(h FragmentHeader) {
	h.encode(s.mem)
}

// Header returns the header of the stored fragment.
func (s *Segment) Header() FragmentHeader {
	h, _ := DecodeHeader(s.mem)
	return h
}

// Payload returns a view of the first n payload bytes. The view aliases shared
// memory and is only valid until the read transaction ends.
func (s *Segment) Payload(n int) []byte {
	return s.mem[payloadOffset : payloadOffset+n]
}

// Reset clears the header so a stale fragment is never read twice.
func (s *Segment) Reset() {
	clear(s.mem[:HeaderSize])
}
