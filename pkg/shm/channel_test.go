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
	"bytes"
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/suite"
)

const testCapacity = 4096

type ChannelTestSuite struct {
	suite.Suite
	cfg      *Config
	names    Names
	producer *Channel
	consumer *Channel
}

func TestChannelTestSuite(t *testing.T) {
	suite.Run(t, new(ChannelTestSuite))
}

func testConfig(t *testing.T, capacity int) *Config {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.Capacity = capacity
	return cfg
}

func testNames() Names {
	return Names{Segment: "/test_seg", WriterSem: "/test_w", ReaderSem: "/test_r"}
}

func (s *ChannelTestSuite) SetupTest() {
	s.cfg = testConfig(s.T(), testCapacity)
	s.cfg.Metrics = NewMetrics(prometheus.NewRegistry())
	s.names = testNames()
	var err error
	s.producer, err = Create(context.Background(), s.names, s.cfg)
	s.Require().NoError(err)
	s.consumer, err = Open(context.Background(), s.names, s.cfg)
	s.Require().NoError(err)
}

func (s *ChannelTestSuite) TearDownTest() {
	s.Require().NoError(s.consumer.Close())
	s.Require().NoError(s.producer.Destroy())
}

func (s *ChannelTestSuite) roundTrip(msg []byte) []byte {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		errc <- s.producer.Send(ctx, msg)
	}()
	got, err := s.consumer.Recv(ctx)
	s.Require().NoError(err)
	s.Require().NoError(<-errc)
	return got
}

func randomBytes(r *rand.Rand, n int) []byte {
	b := make([]byte, n)
	_, _ = r.Read(b)
	return b
}

func (s *ChannelTestSuite) TestInitialState() {
	readable, writable, err := s.producer.State()
	s.Require().NoError(err)
	s.Equal(uint32(0), readable)
	s.Equal(uint32(1), writable)
	s.Equal(testCapacity-HeaderSize, s.consumer.MaxPayload())
	s.Equal(testCapacity, s.consumer.Capacity())
}

func (s *ChannelTestSuite) TestRoundTrip() {
	r := rand.New(rand.NewSource(1))
	limit := s.producer.MaxPayload()
	for _, n := range []int{1, limit - 1, limit, limit + 1, 2 * limit, 3*limit + 17} {
		msg := randomBytes(r, n)
		got := s.roundTrip(msg)
		s.Require().Equal(len(msg), len(got), "length %d", n)
		s.Require().True(bytes.Equal(msg, got), "length %d", n)
	}
	readable, writable, err := s.producer.State()
	s.Require().NoError(err)
	s.Equal([2]uint32{0, 1}, [2]uint32{readable, writable})
}

func (s *ChannelTestSuite) TestReturnedBufferIsOwned() {
	got := s.roundTrip([]byte("hello world"))
	s.Equal(len(got), cap(got))
	got[0] = 'H'
	again := s.roundTrip([]byte("hello world"))
	s.Equal("hello world", string(again))
	s.Equal(int64(0), s.consumer.scratch.Outstanding())
}

func (s *ChannelTestSuite) TestSendRejectsInvalidLength() {
	ctx := context.Background()
	s.ErrorIs(s.producer.Send(ctx, nil), ErrInvalidLength)
	s.ErrorIs(s.producer.Send(ctx, []byte{}), ErrInvalidLength)

	s.producer.cfg.MaxMessageSize = 10
	defer func() { s.producer.cfg.MaxMessageSize = defaultMaxMessageSize }()
	s.ErrorIs(s.producer.Send(ctx, make([]byte, 11)), ErrInvalidLength)

	readable, writable, err := s.producer.State()
	s.Require().NoError(err)
	s.Equal([2]uint32{0, 1}, [2]uint32{readable, writable})
}

func (s *ChannelTestSuite) TestRejectedFragmentTakesNoPermit() {
	ctx := context.Background()
	limit := s.producer.MaxPayload()
	s.ErrorIs(s.producer.writeFragment(ctx, FragmentHeader{Count: 1}, make([]byte, limit+1)), ErrInvalidLength)
	s.ErrorIs(s.producer.writeFragment(ctx, FragmentHeader{Count: 1}, nil), ErrInvalidLength)

	readable, writable, err := s.producer.State()
	s.Require().NoError(err)
	s.Equal([2]uint32{0, 1}, [2]uint32{readable, writable})

	msg := []byte("still writable")
	s.Equal(msg, s.roundTrip(msg))
}

func (s *ChannelTestSuite) TestAlternation() {
	ctx := context.Background()
	s.Require().NoError(s.producer.Send(ctx, []byte("first")))

	readable, writable, err := s.producer.State()
	s.Require().NoError(err)
	s.Equal([2]uint32{1, 0}, [2]uint32{readable, writable})

	tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	s.Require().ErrorIs(s.producer.Send(tctx, []byte("second")), context.DeadlineExceeded)

	got, err := s.consumer.Recv(ctx)
	s.Require().NoError(err)
	s.Equal("first", string(got))

	tctx2, cancel2 := context.WithTimeout(ctx, 5*time.Second)
	defer cancel2()
	s.Require().NoError(s.producer.Send(tctx2, []byte("second")))
	got, err = s.consumer.Recv(ctx)
	s.Require().NoError(err)
	s.Equal("second", string(got))
}

func (s *ChannelTestSuite) TestBlockedSendResumesAfterRecv() {
	ctx := context.Background()
	s.Require().NoError(s.producer.Send(ctx, []byte("one")))

	sent := make(chan error, 1)
	go func() {
		sent <- s.producer.Send(ctx, []byte("two"))
	}()
	select {
	case err := <-sent:
		s.FailNow("second send did not block", "err=%v", err)
	case <-time.After(100 * time.Millisecond):
	}

	got, err := s.consumer.Recv(ctx)
	s.Require().NoError(err)
	s.Equal("one", string(got))
	select {
	case err := <-sent:
		s.Require().NoError(err)
	case <-time.After(5 * time.Second):
		s.FailNow("second send stayed blocked after recv")
	}
	got, err = s.consumer.Recv(ctx)
	s.Require().NoError(err)
	s.Equal("two", string(got))
}

func (s *ChannelTestSuite) TestRecvTimesOutOnEmptyChannel() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err := s.consumer.Recv(ctx)
	s.ErrorIs(err, context.DeadlineExceeded)
	s.Equal(int64(0), s.consumer.scratch.Outstanding())
}

// inject publishes a raw header as if a producer had written it.
func (s *ChannelTestSuite) inject(h FragmentHeader) {
	s.Require().NoError(injectHeader(s.producer, h))
}

// injectAll publishes headers from another goroutine and reports the first failure.
func (s *ChannelTestSuite) injectAll(hs ...FragmentHeader) <-chan error {
	errc := make(chan error, 1)
	go func() {
		for _, h := range hs {
			if err := injectHeader(s.producer, h); err != nil {
				errc <- err
				return
			}
		}
		errc <- nil
	}()
	return errc
}

func injectHeader(c *Channel, h FragmentHeader) error {
	if err := c.hs.BeginWrite(context.Background()); err != nil {
		return err
	}
	c.seg.WriteHeader(h)
	return c.hs.EndWrite()
}

func (s *ChannelTestSuite) TestCorruptFragment() {
	limit := uint64(s.producer.MaxPayload())
	cases := map[string]FragmentHeader{
		"zero length":         {MessageID: 0, Length: 0, Count: 1},
		"length over segment": {MessageID: 0, Length: testCapacity + 1, Count: 1},
		"length over payload": {MessageID: 0, Length: limit + 1, Count: 1},
		"zero count":          {MessageID: 0, Length: 10, Count: 0},
		"sequence break":      {MessageID: 3, Length: 10, Count: 4},
	}
	for name, h := range cases {
		s.inject(h)
		out, err := s.consumer.Recv(context.Background())
		s.Require().ErrorIs(err, ErrCorruptFragment, name)
		s.Nil(out, name)
		s.Equal(int64(0), s.consumer.scratch.Outstanding(), name)

		readable, writable, err := s.consumer.State()
		s.Require().NoError(err)
		s.Equal([2]uint32{0, 1}, [2]uint32{readable, writable}, name)
	}
	s.Equal(float64(len(cases)), counterValue(s.cfg.Metrics.corruptFragments.WithLabelValues(s.names.Segment)))

	// The channel stays usable after rejected fragments.
	s.Equal("ok", string(s.roundTrip([]byte("ok"))))
}

func (s *ChannelTestSuite) TestCorruptContinuationReleasesPartialMessage() {
	limit := uint64(s.producer.MaxPayload())
	injected := s.injectAll(
		FragmentHeader{MessageID: 0, Length: limit, Count: 3},
		FragmentHeader{MessageID: 1, Length: limit, Count: 2},
	)
	out, err := s.consumer.Recv(context.Background())
	s.Require().ErrorIs(err, ErrCorruptFragment)
	s.Require().NoError(<-injected)
	s.Nil(out)
	s.Equal(int64(0), s.consumer.scratch.Outstanding())
}

func (s *ChannelTestSuite) TestShortMiddleFragmentIsCorrupt() {
	limit := uint64(s.producer.MaxPayload())
	injected := s.injectAll(
		FragmentHeader{MessageID: 0, Length: limit, Count: 3},
		FragmentHeader{MessageID: 1, Length: limit - 1, Count: 3},
	)
	_, err := s.consumer.Recv(context.Background())
	s.Require().ErrorIs(err, ErrCorruptFragment)
	s.Require().NoError(<-injected)
	s.Equal(int64(0), s.consumer.scratch.Outstanding())
}

func (s *ChannelTestSuite) TestOversizedAnnouncementFailsAllocation() {
	s.inject(FragmentHeader{MessageID: 0, Length: uint64(s.producer.MaxPayload()), Count: 1 << 40})
	_, err := s.consumer.Recv(context.Background())
	s.Require().ErrorIs(err, ErrAllocationFailed)
	s.Equal(int64(0), s.consumer.scratch.Outstanding())
}

func (s *ChannelTestSuite) TestConcurrentProducerConsumer() {
	const messages = 200
	r := rand.New(rand.NewSource(42))
	limit := s.producer.MaxPayload()
	sent := make([][]byte, messages)
	for i := range sent {
		sent[i] = randomBytes(r, 1+r.Intn(3*limit+100))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		for _, msg := range sent {
			if err := s.producer.Send(ctx, msg); err != nil {
				errc <- err
				return
			}
		}
		errc <- nil
	}()

	for i := 0; i < messages; i++ {
		got, err := s.consumer.Recv(ctx)
		s.Require().NoError(err, "message %d", i)
		s.Require().True(bytes.Equal(sent[i], got), "message %d differs", i)
	}
	s.Require().NoError(<-errc)
	s.Equal(int64(0), s.consumer.scratch.Outstanding())
}

func (s *ChannelTestSuite) TestMetrics() {
	limit := s.producer.MaxPayload()
	s.roundTrip(make([]byte, limit+1))

	m := s.cfg.Metrics
	seg := s.names.Segment
	s.Equal(float64(2), counterValue(m.fragmentsSent.WithLabelValues(seg)))
	s.Equal(float64(2), counterValue(m.fragmentsReceived.WithLabelValues(seg)))
	s.Equal(float64(1), counterValue(m.messagesSent.WithLabelValues(seg)))
	s.Equal(float64(1), counterValue(m.messagesReceived.WithLabelValues(seg)))
	s.Equal(float64(limit+1), counterValue(m.bytesSent.WithLabelValues(seg)))
	s.Equal(float64(limit+1), counterValue(m.bytesReceived.WithLabelValues(seg)))
}

func (s *ChannelTestSuite) TestCloseUnblocksRecv() {
	peer, err := Open(context.Background(), s.names, s.cfg)
	s.Require().NoError(err)

	done := make(chan error, 1)
	go func() {
		_, err := peer.Recv(context.Background())
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	s.Require().NoError(peer.Close())
	select {
	case err := <-done:
		s.ErrorIs(err, ErrClosed)
	case <-time.After(5 * time.Second):
		s.FailNow("recv stayed blocked after close")
	}
	s.ErrorIs(peer.Send(context.Background(), []byte("x")), ErrClosed)
	_, err = peer.Recv(context.Background())
	s.ErrorIs(err, ErrClosed)
	s.NoError(peer.Close())
}

// counterValue reads the current value of a counter.
func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.GetCounter().GetValue()
}

func TestRoundTripDefaultCapacity(t *testing.T) {
	if testing.Short() {
		t.Skip("moves several default-sized segments")
	}
	cfg := testConfig(t, DefaultCapacity)
	names := testNames()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	producer, err := Create(ctx, names, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer producer.Destroy() //nolint:errcheck
	consumer, err := Open(ctx, names, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer consumer.Close() //nolint:errcheck

	r := rand.New(rand.NewSource(7))
	limit := cfg.MaxPayload()
	for _, n := range []int{1, limit, limit + 1, 3*limit + 17} {
		msg := randomBytes(r, n)
		errc := make(chan error, 1)
		go func() { errc <- producer.Send(ctx, msg) }()
		got, err := consumer.Recv(ctx)
		if err != nil {
			t.Fatalf("recv %d bytes: %v", n, err)
		}
		if err := <-errc; err != nil {
			t.Fatalf("send %d bytes: %v", n, err)
		}
		if !bytes.Equal(msg, got) {
			t.Fatalf("round trip of %d bytes returned %d different bytes", n, len(got))
		}
	}
}
