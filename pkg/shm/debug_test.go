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
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerLevels(t *testing.T) {
	var out bytes.Buffer
	SetLogOutput(&out)
	defer SetLogOutput(nil)
	old := int(level.Load())
	defer SetLogLevel(old)

	SetLogLevel(LevelWarn)
	internalLogger.infof("hidden %d", 1)
	internalLogger.warnf("shown %d", 2)
	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), "shown 2")
	assert.Contains(t, out.String(), "Warn")
	assert.Contains(t, out.String(), "debug_test.go:")

	out.Reset()
	SetLogLevel(LevelNoPrint)
	internalLogger.errorf("silent")
	assert.Empty(t, out.String())

	SetLogLevel(LevelNoPrint + 1)
	assert.Equal(t, LevelNoPrint, int(level.Load()))
}

func TestSetLogLevelWhileLogging(t *testing.T) {
	SetLogOutput(io.Discard)
	defer SetLogOutput(nil)
	old := int(level.Load())
	defer SetLogLevel(old)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			SetLogLevel(i % LevelNoPrint)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			internalLogger.debugf("fragment %d", i)
		}
	}()
	wg.Wait()
}

func TestInspectSegment(t *testing.T) {
	cfg := testConfig(t, testCapacity)
	names := testNames()
	ctx := context.Background()
	ch, err := Create(ctx, names, cfg)
	require.NoError(t, err)
	defer ch.Destroy() //nolint:errcheck

	require.NoError(t, ch.Send(ctx, []byte("inspect me")))
	path := filepath.Join(cfg.Dir, "test_seg")
	h, size, err := Inspect(path)
	require.NoError(t, err)
	assert.Equal(t, int64(testCapacity), size)
	assert.Equal(t, FragmentHeader{MessageID: 0, Length: 10, Count: 1}, h)

	var out bytes.Buffer
	DebugSegmentDetail(&out, path)
	assert.True(t, strings.HasPrefix(out.String(), "path:"+path))
	assert.Contains(t, out.String(), "id=0 len=10 count=1")

	out.Reset()
	DebugSegmentDetail(&out, filepath.Join(cfg.Dir, "missing"))
	assert.Contains(t, out.String(), "no such file")

	_, _, err = Inspect(filepath.Join(cfg.Dir, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
