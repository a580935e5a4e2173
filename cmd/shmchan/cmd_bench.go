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

package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/dustin/go-humanize"
	"github.com/panjf2000/ants/v2"
	"github.com/spf13/cobra"
)

var cmdBench = &cobra.Command{
	Use:   "bench",
	Short: "Measure throughput of a channel between two handles of this process",
	Args:  cobra.NoArgs,
	RunE:  runBench,
}

var flagBench struct {
	Messages int
	Size     string
	Depth    uint64
}

func init() {
	cmdMain.AddCommand(cmdBench)

	cmdBench.Flags().IntVarP(&flagBench.Messages, "messages", "n", 1000, "Number of messages to send")
	cmdBench.Flags().StringVar(&flagBench.Size, "size", "64KiB", "Size of each message")
	cmdBench.Flags().Uint64Var(&flagBench.Depth, "depth", 16, "Messages generated ahead of the sender")
}

type benchResult struct {
	Messages int
	Bytes    uint64
	Elapsed  time.Duration
}

func (r benchResult) String() string {
	secs := r.Elapsed.Seconds()
	if secs == 0 {
		secs = 1e-9
	}
	return fmt.Sprintf("%s messages, %s in %s (%s msg/s, %s/s)",
		humanize.Comma(int64(r.Messages)), humanize.IBytes(r.Bytes), r.Elapsed.Round(time.Millisecond),
		humanize.Comma(int64(float64(r.Messages)/secs)), humanize.IBytes(uint64(float64(r.Bytes)/secs)))
}

func runBench(cmd *cobra.Command, _ []string) error {
	size, err := humanize.ParseBytes(flagBench.Size)
	if err != nil {
		return err
	}
	if size == 0 || flagBench.Messages <= 0 {
		return fmt.Errorf("size and messages must be positive")
	}
	res, err := bench(cmd.Context(), flagBench.Messages, int(size), flagBench.Depth)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), res)
	return nil
}

// bench runs a generator, a sender and a receiver on an ants pool. The
// generator feeds the sender through a ring buffer so payload construction
// stays off the measured path.
func bench(ctx context.Context, messages, size int, depth uint64) (benchResult, error) {
	defer manager.Shutdown() //nolint:errcheck
	tx, err := manager.Create(ctx, "bench.tx", names())
	if err != nil {
		return benchResult{}, err
	}
	rx, err := manager.Open(ctx, "bench.rx", names())
	if err != nil {
		return benchResult{}, err
	}

	pool, err := ants.NewPool(3)
	if err != nil {
		return benchResult{}, err
	}
	defer pool.Release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ring := queue.NewRingBuffer(depth)
	defer ring.Dispose()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
		received atomic.Uint64
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
			ring.Dispose()
		})
	}

	generate := func() {
		defer wg.Done()
		for i := 0; i < messages; i++ {
			payload := make([]byte, size)
			payload[0] = byte(i)
			payload[size-1] = byte(i)
			if err := ring.Put(payload); err != nil {
				fail(err)
				return
			}
		}
	}
	send := func() {
		defer wg.Done()
		for i := 0; i < messages; i++ {
			item, err := ring.Get()
			if err != nil {
				fail(err)
				return
			}
			if err := tx.Send(ctx, item.([]byte)); err != nil {
				fail(err)
				return
			}
		}
	}
	receive := func() {
		defer wg.Done()
		for i := 0; i < messages; i++ {
			msg, err := rx.Recv(ctx)
			if err != nil {
				fail(err)
				return
			}
			if len(msg) != size || msg[0] != byte(i) || msg[size-1] != byte(i) {
				fail(fmt.Errorf("message %d: unexpected content", i))
				return
			}
			received.Add(uint64(len(msg)))
		}
	}

	start := time.Now()
	for _, task := range []func(){generate, send, receive} {
		wg.Add(1)
		if err := pool.Submit(task); err != nil {
			wg.Done()
			fail(err)
		}
	}
	wg.Wait()
	if firstErr != nil {
		return benchResult{}, firstErr
	}
	return benchResult{Messages: messages, Bytes: received.Load(), Elapsed: time.Since(start)}, nil
}
