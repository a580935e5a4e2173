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

	"github.com/valyala/bytebufferpool"
)

// scratchPool hands out reassembly buffers and counts the ones not yet returned.
type scratchPool struct {
	pool        bytebufferpool.Pool
	outstanding atomic.Int64
}

func (p *scratchPool) get() *bytebufferpool.ByteBuffer {
	p.outstanding.Add(1)
	return p.pool.Get()
}

// grow makes room for at least n bytes, keeping what was already written.
func (p *scratchPool) grow(b *bytebufferpool.ByteBuffer, n int) {
	if cap(b.B) >= n {
		return
	}
	nb := make([]byte, len(b.B), n)
	copy(nb, b.B)
	b.B = nb
}

func (p *scratchPool) put(b *bytebufferpool.ByteBuffer) {
	b.Reset()
	p.pool.Put(b)
	p.outstanding.Add(-1)
}

// Outstanding returns the number of buffers handed out and not returned.
func (p *scratchPool) Outstanding() int64 {
	return p.outstanding.Load()
}
