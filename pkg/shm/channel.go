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
	"math"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	internalshm "github.com/srediag/shmchan/internal/shm"
)

// Channel is one end of a single-producer, single-consumer link over a shared
// segment. Messages larger than the segment are sent as an ordered run of
// fragments, one handshake transaction each.
//
// A Channel must have at most one sending and one receiving goroutine across
// all processes attached to it.
type Channel struct {
	names   Names
	cfg     *Config
	region  *internalshm.MappedRegion
	seg     *Segment
	hs      *Handshake
	metrics *channelMetrics
	sizes   metric.Int64Histogram
	tracer  trace.Tracer
	scratch scratchPool

	// mu is held shared by Send and Recv and exclusively by Close.
	mu       sync.RWMutex
	closed   bool
	lifetime context.Context
	cancel   context.CancelFunc
}

func newChannel(names Names, cfg *Config, region *internalshm.MappedRegion, hs *Handshake) *Channel {
	m := cfg.Metrics
	if m == nil {
		m = NewMetrics(nil)
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	meter := cfg.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	sizes, err := meter.Int64Histogram("shmchan.message.size",
		metric.WithUnit("By"),
		metric.WithDescription("Size of logical messages moved through the channel."))
	if err != nil {
		internalLogger.warnf("message size histogram unavailable: %v", err)
		sizes, _ = metricnoop.NewMeterProvider().Meter(instrumentationName).Int64Histogram("shmchan.message.size")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		names:    names,
		cfg:      cfg,
		region:   region,
		seg:      newSegment(region.Addr),
		hs:       hs,
		metrics:  m.forChannel(names.Segment),
		sizes:    sizes,
		tracer:   tracer,
		lifetime: ctx,
		cancel:   cancel,
	}
}

// Names returns the resource names of the channel.
func (c *Channel) Names() Names {
	return c.names
}

// Capacity returns the segment size in bytes.
func (c *Channel) Capacity() int {
	return c.seg.Capacity()
}

// MaxPayload returns the payload bytes carried by one fragment.
func (c *Channel) MaxPayload() int {
	return c.seg.MaxPayload()
}

// State returns the handshake permits as (readable, writable).
func (c *Channel) State() (readable, writable uint32, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, 0, ErrClosed
	}
	readable, writable = c.hs.State()
	return readable, writable, nil
}

// acquire pins the mapping for one operation and ties ctx to the channel lifetime.
func (c *Channel) acquire(ctx context.Context) (context.Context, func(), error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.lifetime, cancel)
	return ctx, func() {
		stop()
		cancel()
		c.mu.RUnlock()
	}, nil
}

func (c *Channel) opError(err error) error {
	if c.lifetime.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return ErrClosed
	}
	return err
}

// Send transfers data as one logical message. It blocks while the previous
// fragment has not been consumed. On failure the remaining fragments are not
// sent and no retry is made; the handshake is left as the failed step left it.
func (c *Channel) Send(ctx context.Context, data []byte) (err error) {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty message", ErrInvalidLength)
	}
	if len(data) > c.cfg.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrInvalidLength, len(data), c.cfg.MaxMessageSize)
	}
	ctx, release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	maxPayload := c.seg.MaxPayload()
	count := (len(data) + maxPayload - 1) / maxPayload

	ctx, span := c.tracer.Start(ctx, "shmchan.Send", trace.WithAttributes(
		attribute.String("shmchan.segment", c.names.Segment),
		attribute.Int("shmchan.message.size", len(data)),
		attribute.Int("shmchan.fragment.count", count),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	for i := 0; i < count; i++ {
		start := i * maxPayload
		end := min(start+maxPayload, len(data))
		h := FragmentHeader{MessageID: uint64(i), Count: uint64(count)}
		if err := c.writeFragment(ctx, h, data[start:end]); err != nil {
			return c.opError(fmt.Errorf("send fragment %d/%d of %s: %w", i+1, count, c.names.Segment, err))
		}
	}
	c.metrics.sent(len(data))
	c.sizes.Record(ctx, int64(len(data)), metric.WithAttributes(attribute.String("direction", "send")))
	return nil
}

// writeFragment runs one write transaction. The payload is checked before the
// write permit is taken, so a rejected fragment leaves the handshake untouched.
func (c *Channel) writeFragment(ctx context.Context, h FragmentHeader, payload []byte) error {
	if err := c.seg.checkPayload(len(payload)); err != nil {
		return err
	}
	start := time.Now()
	if err := c.hs.BeginWrite(ctx); err != nil {
		return err
	}
	c.metrics.writeWait.Observe(since(start))
	c.seg.store(h, payload)
	if err := c.hs.EndWrite(); err != nil {
		return err
	}
	c.metrics.fragmentsSent.Inc()
	internalLogger.tracef("%s wrote fragment %s", c.names.Segment, h)
	return nil
}

// Recv reassembles the next logical message. The returned slice is owned by
// the caller and never aliases shared memory. If reassembly fails, no part of
// the message is returned.
func (c *Channel) Recv(ctx context.Context) (out []byte, err error) {
	ctx, release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, span := c.tracer.Start(ctx, "shmchan.Recv", trace.WithAttributes(
		attribute.String("shmchan.segment", c.names.Segment),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Int("shmchan.message.size", len(out)))
		}
		span.End()
	}()

	buf := c.scratch.get()
	defer c.scratch.put(buf)

	first, err := c.readFragment(ctx, buf, 0, FragmentHeader{})
	if err != nil {
		return nil, c.opError(fmt.Errorf("recv fragment 1 of %s: %w", c.names.Segment, err))
	}
	count := first.Count
	if count > 1 {
		// (count-1) full fragments plus at least one byte must fit the limit.
		nominal := first.Length
		if count-1 > (math.MaxInt-1)/nominal || int((count-1)*nominal+1) > c.cfg.MaxMessageSize {
			return nil, fmt.Errorf("%w: %d fragments of %d bytes exceed limit of %d",
				ErrAllocationFailed, count, nominal, c.cfg.MaxMessageSize)
		}
		c.scratch.grow(buf, int(count*nominal))
	}
	for i := uint64(1); i < count; i++ {
		if _, err := c.readFragment(ctx, buf, i, first); err != nil {
			return nil, c.opError(fmt.Errorf("recv fragment %d/%d of %s: %w", i+1, count, c.names.Segment, err))
		}
	}

	out = make([]byte, buf.Len())
	copy(out, buf.B)
	c.metrics.received(len(out))
	c.sizes.Record(ctx, int64(len(out)), metric.WithAttributes(attribute.String("direction", "recv")))
	return out, nil
}

// readFragment runs one read transaction and appends the payload to buf. The
// segment is handed back to the producer even when the fragment is rejected,
// since the fragment has been consumed either way.
func (c *Channel) readFragment(ctx context.Context, buf *bytebufferpool.ByteBuffer, index uint64, first FragmentHeader) (FragmentHeader, error) {
	start := time.Now()
	if err := c.hs.BeginRead(ctx); err != nil {
		return FragmentHeader{}, err
	}
	c.metrics.readWait.Observe(since(start))

	h := c.seg.Header()
	verr := c.checkFragment(h, index, first)
	if verr == nil {
		buf.B = append(buf.B, c.seg.Payload(int(h.Length))...)
	}
	c.seg.Reset()
	if err := c.hs.EndRead(); err != nil {
		return h, errors.Join(verr, err)
	}
	if verr != nil {
		c.metrics.corruptFragments.Inc()
		internalLogger.warnf("%s rejected fragment %s: %v", c.names.Segment, h, verr)
		return h, verr
	}
	c.metrics.fragmentsReceived.Inc()
	internalLogger.tracef("%s read fragment %s", c.names.Segment, h)
	return h, nil
}

// checkFragment validates a header against the segment bounds and, for
// continuation fragments, against the first fragment of the message.
func (c *Channel) checkFragment(h FragmentHeader, index uint64, first FragmentHeader) error {
	if h.Length == 0 || h.Length > uint64(c.seg.MaxPayload()) {
		return fmt.Errorf("%w: length %d outside (0, %d]", ErrCorruptFragment, h.Length, c.seg.MaxPayload())
	}
	if h.Count == 0 {
		return fmt.Errorf("%w: fragment count is zero", ErrCorruptFragment)
	}
	if h.MessageID != index {
		return fmt.Errorf("%w: message id %d, want %d", ErrCorruptFragment, h.MessageID, index)
	}
	if index == 0 {
		return nil
	}
	if h.Count != first.Count {
		return fmt.Errorf("%w: fragment count changed from %d to %d", ErrCorruptFragment, first.Count, h.Count)
	}
	last := index == first.Count-1
	if (!last && h.Length != first.Length) || (last && h.Length > first.Length) {
		return fmt.Errorf("%w: length %d does not match nominal fragment length %d", ErrCorruptFragment, h.Length, first.Length)
	}
	return nil
}

// Close unmaps this end of the channel. Blocked Send and Recv calls return
// ErrClosed. The named resources stay until Destroy.
func (c *Channel) Close() error {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	err := errors.Join(c.hs.close(), internalshm.UnmapRegion(context.Background(), c.region))
	if err != nil {
		internalLogger.warnf("close channel %s: %v", c.names, err)
	}
	return err
}

// Destroy closes the channel and unlinks its named resources.
func (c *Channel) Destroy() error {
	return errors.Join(c.Close(), Destroy(c.names, c.cfg))
}
