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

// Package health exposes liveness and readiness of the channels tracked by a
// lifecycle.Manager over HTTP.
package health

import (
	"fmt"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shmchan/pkg/lifecycle"
	"github.com/srediag/shmchan/pkg/shm"
)

// maxGoroutines is the liveness ceiling; a leak of blocked senders shows up here first.
const maxGoroutines = 10000

// NewHandler returns a handler serving /live and /ready. Readiness fails when a
// tracked channel has been closed or lost one of its resources. When reg is not
// nil the check results are also exported as Prometheus gauges.
func NewHandler(mgr *lifecycle.Manager, reg prometheus.Registerer) healthcheck.Handler {
	var h healthcheck.Handler
	if reg != nil {
		h = healthcheck.NewMetricsHandler(reg, "shmchan")
	} else {
		h = healthcheck.NewHandler()
	}
	h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	h.AddReadinessCheck("channels", ChannelsCheck(mgr))
	return h
}

// ChannelsCheck verifies every tracked channel is open and still backed by its resources.
func ChannelsCheck(mgr *lifecycle.Manager) healthcheck.Check {
	return func() error {
		for _, e := range mgr.Entries() {
			if err := ChannelCheck(e.Channel, mgr.Config())(); err != nil {
				return fmt.Errorf("%s: %w", e.Key, err)
			}
		}
		return nil
	}
}

// ChannelCheck verifies one channel.
func ChannelCheck(ch *shm.Channel, cfg *shm.Config) healthcheck.Check {
	return func() error {
		if _, _, err := ch.State(); err != nil {
			return err
		}
		if !shm.Exists(ch.Names(), cfg) {
			return fmt.Errorf("%w: %s", shm.ErrNotFound, ch.Names())
		}
		return nil
	}
}
