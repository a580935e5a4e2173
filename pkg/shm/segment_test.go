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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentFragmentLayout(t *testing.T) {
	mem := make([]byte, 64)
	seg := newSegment(mem)
	assert.Equal(t, 64, seg.Capacity())
	assert.Equal(t, 64-HeaderSize, seg.MaxPayload())

	require.NoError(t, seg.WriteFragment(FragmentHeader{MessageID: 2, Length: 999, Count: 5}, []byte("abc")))
	h := seg.Header()
	assert.Equal(t, FragmentHeader{MessageID: 2, Length: 3, Count: 5}, h)
	assert.Equal(t, []byte("abc"), seg.Payload(3))
	assert.Equal(t, []byte("abc"), mem[HeaderSize:HeaderSize+3])

	seg.Reset()
	assert.Equal(t, FragmentHeader{}, seg.Header())
}

func TestSegmentRejectsBadPayload(t *testing.T) {
	seg := newSegment(make([]byte, HeaderSize+4))
	assert.ErrorIs(t, seg.WriteFragment(FragmentHeader{}, nil), ErrInvalidLength)
	assert.ErrorIs(t, seg.WriteFragment(FragmentHeader{}, make([]byte, 5)), ErrInvalidLength)
	assert.NoError(t, seg.WriteFragment(FragmentHeader{Count: 1}, make([]byte, 4)))
}

func TestDecodeHeader(t *testing.T) {
	_, err := DecodeHeader(make([]byte, HeaderSize-1))
	assert.Error(t, err)

	b := make([]byte, HeaderSize)
	FragmentHeader{MessageID: 1, Length: 2, Count: 3}.encode(b)
	h, err := DecodeHeader(b)
	require.NoError(t, err)
	assert.Equal(t, "id=1 len=2 count=3", h.String())
}
