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

// Package lifecycle tracks the shared memory channels of a process: creation,
// attachment with retry while the peer starts, and teardown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/shmchan/pkg/shm"
)

// State of a managed channel.
type State string

const (
	StateCreated  State = "created"
	StateAttached State = "attached"
)

// ErrUnknownChannel is returned for keys the manager does not track.
var ErrUnknownChannel = errors.New("lifecycle: unknown channel")

// ErrDuplicateKey is returned when a key is already in use.
var ErrDuplicateKey = errors.New("lifecycle: duplicate channel key")

// Entry is one managed channel.
type Entry struct {
	Key     string
	Channel *shm.Channel
	State   State
}

// Manager owns the channels created or opened by this process. Channels created
// by the manager are destroyed on Shutdown; attached ones are only closed.
type Manager struct {
	cfg      *shm.Config
	channels cmap.ConcurrentMap[string, *Entry]

	// OpenBackOff builds the retry policy used by Open.
	OpenBackOff func() backoff.BackOff
}

// NewManager returns a manager using cfg for every channel; nil means shm.DefaultConfig().
func NewManager(cfg *shm.Config) *Manager {
	if cfg == nil {
		cfg = shm.DefaultConfig()
	}
	return &Manager{
		cfg:         cfg,
		channels:    cmap.New[*Entry](),
		OpenBackOff: defaultOpenBackOff,
	}
}

func defaultOpenBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// Config returns the channel configuration of the manager.
func (m *Manager) Config() *shm.Config {
	return m.cfg
}

// Create creates a channel and tracks it under key.
func (m *Manager) Create(ctx context.Context, key string, names shm.Names) (*shm.Channel, error) {
	if m.channels.Has(key) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	ch, err := shm.Create(ctx, names, m.cfg)
	if err != nil {
		return nil, err
	}
	return m.track(key, ch, StateCreated)
}

// Open attaches to a channel, retrying while its resources do not exist yet.
// Any other failure stops the retries.
func (m *Manager) Open(ctx context.Context, key string, names shm.Names) (*shm.Channel, error) {
	if m.channels.Has(key) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	op := func() (*shm.Channel, error) {
		ch, err := shm.Open(ctx, names, m.cfg)
		if err != nil && !errors.Is(err, shm.ErrNotFound) {
			return nil, backoff.Permanent(err)
		}
		return ch, err
	}
	ch, err := backoff.RetryWithData(op, backoff.WithContext(m.OpenBackOff(), ctx))
	if err != nil {
		return nil, err
	}
	return m.track(key, ch, StateAttached)
}

func (m *Manager) track(key string, ch *shm.Channel, state State) (*shm.Channel, error) {
	e := &Entry{Key: key, Channel: ch, State: state}
	if !m.channels.SetIfAbsent(key, e) {
		if state == StateCreated {
			_ = ch.Destroy()
		} else {
			_ = ch.Close()
		}
		return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	return ch, nil
}

// Get returns the channel tracked under key.
func (m *Manager) Get(key string) (*shm.Channel, bool) {
	e, ok := m.channels.Get(key)
	if !ok {
		return nil, false
	}
	return e.Channel, true
}

// GetState returns the state of the channel tracked under key.
func (m *Manager) GetState(key string) (State, error) {
	e, ok := m.channels.Get(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownChannel, key)
	}
	return e.State, nil
}

// Entries returns the tracked channels sorted by key.
func (m *Manager) Entries() []*Entry {
	entries := make([]*Entry, 0, m.channels.Count())
	m.channels.IterCb(func(_ string, e *Entry) {
		entries = append(entries, e)
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// Close stops tracking key and closes its channel without removing resources.
func (m *Manager) Close(key string) error {
	e, ok := m.channels.Pop(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, key)
	}
	return e.Channel.Close()
}

// Destroy stops tracking key, closes its channel and unlinks its resources.
func (m *Manager) Destroy(key string) error {
	e, ok := m.channels.Pop(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, key)
	}
	return e.Channel.Destroy()
}

// Shutdown releases every tracked channel: created ones are destroyed and
// attached ones closed.
func (m *Manager) Shutdown() error {
	var errs []error
	for _, e := range m.Entries() {
		m.channels.Remove(e.Key)
		if e.State == StateCreated {
			errs = append(errs, e.Channel.Destroy())
		} else {
			errs = append(errs, e.Channel.Close())
		}
	}
	return errors.Join(errs...)
}
