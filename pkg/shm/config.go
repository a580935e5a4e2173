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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultCapacity is the default size of a segment in bytes.
	DefaultCapacity = 4000000
	// HeaderSize is the size of the fragment header at the start of a segment.
	HeaderSize = 24

	defaultShareMemoryDir = "/dev/shm"
	defaultMaxMessageSize = 1 << 30
	defaultMode           = 0600
	semaphoreFilePrefix   = "sem."
	minCapacity           = HeaderSize + 1
	instrumentationName   = "github.com/srediag/shmchan/pkg/shm"
	envShareMemoryDir     = "SHMCHAN_DIR"
)

// Config holds channel parameters. Both ends of a channel must use the same Capacity.
type Config struct {
	// Capacity is the segment size in bytes, header included.
	Capacity int
	// Dir holds the backing files of segments and semaphores.
	Dir string
	// Mode is the permission of newly created resources.
	Mode os.FileMode
	// MaxMessageSize bounds a logical message on both Send and Recv.
	MaxMessageSize int

	// Metrics receives per-channel counters; nil keeps them unregistered.
	Metrics *Metrics
	Meter   metric.Meter
	Tracer  trace.Tracer
}

// DefaultConfig returns the default configuration. The directory can be
// overridden by the SHMCHAN_DIR environment variable.
func DefaultConfig() *Config {
	dir := defaultShareMemoryDir
	if env := os.Getenv(envShareMemoryDir); env != "" {
		dir = env
	}
	return &Config{
		Capacity:       DefaultCapacity,
		Dir:            dir,
		Mode:           defaultMode,
		MaxMessageSize: defaultMaxMessageSize,
	}
}

// VerifyConfig checks that a configuration can back a channel.
func VerifyConfig(config *Config) error {
	if config == nil {
		return errors.New("config is nil")
	}
	if config.Capacity < minCapacity {
		return fmt.Errorf("capacity must be at least %d bytes, got %d", minCapacity, config.Capacity)
	}
	if config.Dir == "" {
		return errors.New("dir must not be empty")
	}
	if config.MaxMessageSize <= 0 {
		return fmt.Errorf("max message size must be positive, got %d", config.MaxMessageSize)
	}
	if config.Mode.Perm() == 0 {
		return errors.New("mode must grant at least one permission")
	}
	return nil
}

func resolveConfig(config *Config) (*Config, error) {
	if config == nil {
		return DefaultConfig(), nil
	}
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

// MaxPayload returns the number of payload bytes one fragment can carry.
func (c *Config) MaxPayload() int {
	return c.Capacity - HeaderSize
}

// Names identifies a channel: the segment, the writer semaphore and the reader
// semaphore. Two channels with the same Names are the same physical channel.
type Names struct {
	Segment   string
	WriterSem string
	ReaderSem string
}

func (n Names) String() string {
	return fmt.Sprintf("%s(w=%s,r=%s)", n.Segment, n.WriterSem, n.ReaderSem)
}

func (n Names) validate() error {
	for _, name := range []string{n.Segment, n.WriterSem, n.ReaderSem} {
		base := strings.TrimPrefix(name, "/")
		if base == "" || base == "." || base == ".." || strings.ContainsRune(base, '/') {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	if n.WriterSem == n.ReaderSem {
		return fmt.Errorf("%w: writer and reader semaphores share the name %q", ErrInvalidName, n.WriterSem)
	}
	return nil
}

// SegmentPath returns the backing file of the named segment.
func (c *Config) SegmentPath(name string) string {
	return filepath.Join(c.Dir, strings.TrimPrefix(name, "/"))
}

func (c *Config) semaphorePath(name string) string {
	return filepath.Join(c.Dir, semaphoreFilePrefix+strings.TrimPrefix(name, "/"))
}
