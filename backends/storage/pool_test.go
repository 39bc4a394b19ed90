// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package storage

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeClass(t *testing.T) {
	assert.Equal(t, 0, sizeClass(0))
	assert.Equal(t, 0, sizeClass(1))
	assert.Equal(t, 1, sizeClass(2))
	assert.Equal(t, 2, sizeClass(3))
	assert.Equal(t, 10, sizeClass(1024))
	assert.Equal(t, 11, sizeClass(1025))
}

func TestPool(t *testing.T) {
	pool := NewPool(PoolConfig{})
	dev := CPU(0)
	h, err := pool.Allocate(100, dev)
	require.NoError(t, err)
	require.Len(t, h.Data, 100)
	require.Equal(t, dev, h.Device)
	for i := range h.Data {
		h.Data[i] = 7
	}
	stats := pool.Stats(dev)
	require.Equal(t, int64(1), stats.Gets)
	require.Equal(t, int64(128), stats.InUse)

	pool.Free(h)
	require.Nil(t, h.Data)
	stats = pool.Stats(dev)
	require.Equal(t, int64(0), stats.InUse)
	require.Equal(t, int64(128), stats.MaxInUse)

	// Reused chunks are cleared.
	h2, err := pool.Allocate(90, dev)
	require.NoError(t, err)
	for _, b := range h2.Data {
		require.Equal(t, byte(0), b)
	}

	// Devices are accounted separately.
	require.Equal(t, int64(0), pool.Stats(GPU(1)).InUse)
}

func TestPoolLimit(t *testing.T) {
	pool := NewPool(PoolConfig{DeviceLimit: 1024})
	dev := GPU(0)
	h, err := pool.Allocate(1000, dev)
	require.NoError(t, err)
	_, err = pool.Allocate(10, dev)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrOutOfMemory))

	// Other devices are not affected.
	_, err = pool.Allocate(10, CPU(0))
	require.NoError(t, err)

	pool.Free(h)
	_, err = pool.Allocate(10, dev)
	require.NoError(t, err)
}

func TestPoolConfigFromEnv(t *testing.T) {
	t.Setenv(MemoryLimitEnv, "2KiB")
	cfg, err := PoolConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, 2048, cfg.DeviceLimit)

	t.Setenv(MemoryLimitEnv, "lots")
	_, err = PoolConfigFromEnv()
	require.Error(t, err)
}

func TestDevice(t *testing.T) {
	require.Equal(t, "gpu(1)", GPU(1).String())
	require.Equal(t, "cpu(0)", CPU(0).String())
	require.NotEqual(t, CPU(0), GPU(0))
}
