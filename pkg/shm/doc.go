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

// Package shm provides a single-producer, single-consumer byte-stream channel
// over a fixed-capacity shared memory segment.
//
// A channel is named by three resources: the segment, the writer semaphore and
// the reader semaphore. One side creates them, the other attaches, and the two
// semaphores make writes and reads strictly alternate. Messages larger than a
// segment are split into fragments and reassembled by the receiver.
//
// The channel is instrumented with Prometheus counters and OpenTelemetry
// tracing and metrics (OTel Go SDK v1.30.0).
//
// Example usage:
//
//	names := shm.Names{Segment: "/p2p_seg", WriterSem: "/p2p_w", ReaderSem: "/p2p_r"}
//	producer, err := shm.Create(ctx, names, nil)
//	// ...
//	consumer, err := shm.Open(ctx, names, nil)
//	// ...
//	err = producer.Send(ctx, payload)
//	msg, err := consumer.Recv(ctx)
//	// ...
//	err = shm.Destroy(names, nil)
//
// Platform-specific helpers are in internal/shm.
package shm
