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
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "shmchan"

// Metrics holds the Prometheus collectors shared by every channel of a process.
// Series are labelled by segment name.
type Metrics struct {
	fragmentsSent     *prometheus.CounterVec
	fragmentsReceived *prometheus.CounterVec
	messagesSent      *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	bytesSent         *prometheus.CounterVec
	bytesReceived     *prometheus.CounterVec
	corruptFragments  *prometheus.CounterVec
	handshakeWait     *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, []string{"segment"})
	}
	m := &Metrics{
		fragmentsSent:     counter("fragments_sent_total", "Fragments written to the segment."),
		fragmentsReceived: counter("fragments_received_total", "Fragments read from the segment."),
		messagesSent:      counter("messages_sent_total", "Logical messages sent."),
		messagesReceived:  counter("messages_received_total", "Logical messages reassembled."),
		bytesSent:         counter("bytes_sent_total", "Payload bytes sent."),
		bytesReceived:     counter("bytes_received_total", "Payload bytes received."),
		corruptFragments:  counter("corrupt_fragments_total", "Fragments rejected during reassembly."),
		handshakeWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "handshake_wait_seconds",
			Help:      "Time spent waiting for a handshake permit.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}, []string{"segment", "op"}),
	}
	if reg != nil {
		reg.MustRegister(m.Collectors()...)
	}
	return m
}

// Collectors returns every collector of m.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.fragmentsSent, m.fragmentsReceived,
		m.messagesSent, m.messagesReceived,
		m.bytesSent, m.bytesReceived,
		m.corruptFragments, m.handshakeWait,
	}
}

// channelMetrics are the series of one segment.
type channelMetrics struct {
	fragmentsSent     prometheus.Counter
	fragmentsReceived prometheus.Counter
	messagesSent      prometheus.Counter
	messagesReceived  prometheus.Counter
	bytesSent         prometheus.Counter
	bytesReceived     prometheus.Counter
	corruptFragments  prometheus.Counter
	writeWait         prometheus.Observer
	readWait          prometheus.Observer
}

func (m *Metrics) forChannel(segment string) *channelMetrics {
	return &channelMetrics{
		fragmentsSent:     m.fragmentsSent.WithLabelValues(segment),
		fragmentsReceived: m.fragmentsReceived.WithLabelValues(segment),
		messagesSent:      m.messagesSent.WithLabelValues(segment),
		messagesReceived:  m.messagesReceived.WithLabelValues(segment),
		bytesSent:         m.bytesSent.WithLabelValues(segment),
		bytesReceived:     m.bytesReceived.WithLabelValues(segment),
		corruptFragments:  m.corruptFragments.WithLabelValues(segment),
		writeWait:         m.handshakeWait.WithLabelValues(segment, "write"),
		readWait:          m.handshakeWait.WithLabelValues(segment, "read"),
	}
}

func (m *channelMetrics) sent(n int) {
	m.messagesSent.Inc()
	m.bytesSent.Add(float64(n))
}

func (m *channelMetrics) received(n int) {
	m.messagesReceived.Inc()
	m.bytesReceived.Add(float64(n))
}

func since(start time.Time) float64 {
	return time.Since(start).Seconds()
}
