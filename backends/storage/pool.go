// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"
	"math/bits"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrOutOfMemory is returned (wrapped) when a device has no room for an allocation.
var ErrOutOfMemory = errors.New("out of memory")

// Handle is a raw chunk of device memory.
type Handle struct {
	// Data holds exactly Size bytes.
	Data   []byte
	Size   int
	Device Device

	class int
}

// Allocator is the raw allocator interface used by tensors.
type Allocator interface {
	// Allocate returns a chunk of at least size bytes on the given device.
	Allocate(size int, dev Device) (*Handle, error)

	// Free returns the chunk to the allocator. The handle must not be used afterwards.
	Free(h *Handle)
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	// DeviceLimit is the maximum number of bytes in use per device. 0 means unlimited.
	DeviceLimit int
}

// MemoryLimitEnv is the environment variable with the default per-device memory limit,
// in human-readable format (e.g.: "2GiB").
const MemoryLimitEnv = "CACHEDOP_DEVICE_MEMORY_LIMIT"

// PoolConfigFromEnv returns a PoolConfig with the limit taken from MemoryLimitEnv.
func PoolConfigFromEnv() (PoolConfig, error) {
	var cfg PoolConfig
	value := strings.TrimSpace(os.Getenv(MemoryLimitEnv))
	if value == "" {
		return cfg, nil
	}
	limit, err := humanize.ParseBytes(value)
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to parse $%s=%q", MemoryLimitEnv, value)
	}
	cfg.DeviceLimit = int(limit)
	return cfg, nil
}

// PoolStats holds the allocation statistics of one device.
type PoolStats struct {
	Gets, Puts, Misses int64
	InUse, MaxInUse    int64
}

// String implements fmt.Stringer.
func (s PoolStats) String() string {
	return fmt.Sprintf("gets=%d puts=%d misses=%d in-use=%s max-in-use=%s",
		s.Gets, s.Puts, s.Misses, humanize.IBytes(uint64(s.InUse)), humanize.IBytes(uint64(s.MaxInUse)))
}

type poolKey struct {
	dev   Device
	class int
}

// Pool is an Allocator that recycles chunks in power-of-2 size classes.
//
// It is safe for concurrent use.
type Pool struct {
	config PoolConfig

	mu    sync.Mutex
	pools map[poolKey]*sync.Pool
	stats map[Device]*deviceStats
}

type deviceStats struct {
	PoolStats
	misses atomic.Int64
}

var _ Allocator = (*Pool)(nil)

// NewPool creates a new Pool.
func NewPool(config PoolConfig) *Pool {
	return &Pool{
		config: config,
		pools:  make(map[poolKey]*sync.Pool),
		stats:  make(map[Device]*deviceStats),
	}
}

// sizeClass returns the exponent of the smallest power of 2 >= size.
func sizeClass(size int) int {
	if size <= 1 {
		return 0
	}
	return bits.Len(uint(size - 1))
}

// lockedPool returns the sync.Pool for the key. Must be called with p.mu held.
func (p *Pool) lockedPool(key poolKey) *sync.Pool {
	pool, found := p.pools[key]
	if !found {
		capacity := 1 << key.class
		stats := p.lockedStats(key.dev)
		pool = &sync.Pool{
			New: func() any {
				stats.misses.Add(1)
				return make([]byte, capacity)
			},
		}
		p.pools[key] = pool
	}
	return pool
}

func (p *Pool) lockedStats(dev Device) *deviceStats {
	s, found := p.stats[dev]
	if !found {
		s = &deviceStats{}
		p.stats[dev] = s
	}
	return s
}

// Allocate implements Allocator.
func (p *Pool) Allocate(size int, dev Device) (*Handle, error) {
	if size < 0 {
		return nil, errors.Errorf("storage.Pool.Allocate(%d, %s): negative size", size, dev)
	}
	class := sizeClass(size)
	capacity := int64(1) << class
	p.mu.Lock()
	stats := p.lockedStats(dev)
	if p.config.DeviceLimit > 0 && stats.InUse+capacity > int64(p.config.DeviceLimit) {
		inUse := stats.InUse
		p.mu.Unlock()
		return nil, errors.Wrapf(ErrOutOfMemory, "allocating %s on %s (%s in use, limit %s)",
			humanize.IBytes(uint64(size)), dev, humanize.IBytes(uint64(inUse)),
			humanize.IBytes(uint64(p.config.DeviceLimit)))
	}
	stats.Gets++
	stats.InUse += capacity
	stats.MaxInUse = max(stats.MaxInUse, stats.InUse)
	pool := p.lockedPool(poolKey{dev: dev, class: class})
	p.mu.Unlock()

	buf := pool.Get().([]byte)
	data := buf[:size]
	clear(data)
	if klog.V(3).Enabled() {
		klog.Infof("storage: allocated %s (class %d) on %s", humanize.IBytes(uint64(size)), class, dev)
	}
	return &Handle{Data: data, Size: size, Device: dev, class: class}, nil
}

// Free implements Allocator.
func (p *Pool) Free(h *Handle) {
	if h == nil || h.Data == nil {
		return
	}
	p.mu.Lock()
	stats := p.lockedStats(h.Device)
	stats.Puts++
	stats.InUse -= int64(1) << h.class
	pool := p.lockedPool(poolKey{dev: h.Device, class: h.class})
	p.mu.Unlock()
	pool.Put(h.Data[:cap(h.Data)])
	h.Data = nil
}

// Stats returns a snapshot of the statistics for the device.
// Misses counts the Gets that had to create a new chunk.
func (p *Pool) Stats(dev Device) PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	ds := p.lockedStats(dev)
	s := ds.PoolStats
	s.Misses = ds.misses.Load()
	return s
}
