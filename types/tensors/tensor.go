// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements Tensor, the n-dimensional array handle the executor binds to graph
// entries.
//
// A Tensor is a small value: a shape, a storage type, a device, and a reference to a shared
// chunk of memory. Copying a Tensor copies the handle, not the data, and views created with
// AsArray share the chunk of the original. Each chunk is associated with an engine variable,
// used to order the asynchronous operations reading and writing it.
//
// Chunks may be created with delayed allocation: memory is only reserved on CheckAndAlloc
// (usually by the kernel writing it). When the last reference to a chunk is dropped, its memory
// is returned to the allocator.
//
// The zero Tensor is "none": it has no chunk.
package tensors

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/gomlx/cachedop/backends/engine"
	"github.com/gomlx/cachedop/backends/storage"
	"github.com/gomlx/cachedop/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Runtime bundles the engine and allocator tensors are created with.
type Runtime struct {
	Engine    engine.Engine
	Allocator storage.Allocator
}

// NewRuntime creates a Runtime with the given engine and allocator.
func NewRuntime(e engine.Engine, allocator storage.Allocator) *Runtime {
	return &Runtime{Engine: e, Allocator: allocator}
}

var (
	defaultRuntimeOnce sync.Once
	defaultRuntime     *Runtime
	defaultRuntimeErr  error
)

// DefaultRuntime returns a Runtime configured from the environment (see engine.ConfigFromEnv
// and storage.PoolConfigFromEnv). It is created on first use.
func DefaultRuntime() (*Runtime, error) {
	defaultRuntimeOnce.Do(func() {
		engineCfg, err := engine.ConfigFromEnv()
		if err != nil {
			defaultRuntimeErr = err
			return
		}
		e, err := engine.New(engineCfg)
		if err != nil {
			defaultRuntimeErr = err
			return
		}
		poolCfg, err := storage.PoolConfigFromEnv()
		if err != nil {
			defaultRuntimeErr = err
			return
		}
		defaultRuntime = NewRuntime(e, storage.NewPool(poolCfg))
	})
	return defaultRuntime, defaultRuntimeErr
}

// chunk is the memory shared by a tensor and its views.
type chunk struct {
	rt  *Runtime
	dev storage.Device
	v   *engine.Var

	mu     sync.Mutex
	handle *storage.Handle
	// size in bytes to allocate, for delayed chunks.
	size int

	// rowIndices of a row-sparse tensor: which rows of the dense shape are stored.
	rowIndices []int64
}

func (c *chunk) lockedAlloc(size int) error {
	h, err := c.rt.Allocator.Allocate(size, c.dev)
	if err != nil {
		return err
	}
	c.handle = h
	c.size = size
	// The cleanup must not reference the chunk, only the handle and allocator.
	allocator := c.rt.Allocator
	runtime.AddCleanup(c, func(h *storage.Handle) { allocator.Free(h) }, h)
	return nil
}

// Tensor is a handle to an n-dimensional array on a device.
type Tensor struct {
	shape shapes.Shape
	stype shapes.StorageType
	dev   storage.Device
	c     *chunk
}

// Empty returns a tensor whose memory is allocated on the first CheckAndAlloc.
func (rt *Runtime) Empty(shape shapes.Shape, stype shapes.StorageType, dev storage.Device) Tensor {
	c := &chunk{rt: rt, dev: dev, v: rt.Engine.NewVar(""), size: int(shape.Memory())}
	return Tensor{shape: shape.Clone(), stype: stype, dev: dev, c: c}
}

// New returns a dense tensor with memory allocated (and zeroed).
func (rt *Runtime) New(shape shapes.Shape, dev storage.Device) (Tensor, error) {
	t := rt.Empty(shape, shapes.DefaultStorage, dev)
	if err := t.CheckAndAlloc(); err != nil {
		return Tensor{}, err
	}
	return t, nil
}

// NewBuffer returns a flat uint8 tensor with the given number of bytes, meant to back views
// created with AsArray.
func (rt *Runtime) NewBuffer(bytes int, dev storage.Device) (Tensor, error) {
	return rt.New(shapes.Make(dtypes.Uint8, bytes), dev)
}

// IsNone returns whether the tensor is empty (the zero value).
func (t Tensor) IsNone() bool { return t.c == nil }

// Shape of the tensor. For row-sparse tensors this is the dense shape.
func (t Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor elements.
func (t Tensor) DType() dtypes.DType { return t.shape.DType }

// StorageType of the tensor.
func (t Tensor) StorageType() shapes.StorageType { return t.stype }

// Device where the tensor lives.
func (t Tensor) Device() storage.Device { return t.dev }

// Var returns the engine variable ordering the operations on the tensor's chunk, or nil for none.
func (t Tensor) Var() *engine.Var {
	if t.c == nil {
		return nil
	}
	return t.c.v
}

// Runtime the tensor was created with, or nil for none.
func (t Tensor) Runtime() *Runtime {
	if t.c == nil {
		return nil
	}
	return t.c.rt
}

// IsSame returns whether both tensors share the chunk and have the same shape.
func (t Tensor) IsSame(other Tensor) bool {
	return t.c == other.c && t.stype == other.stype && t.shape.Equal(other.shape)
}

// SharesChunk returns whether both tensors are views of the same memory.
func (t Tensor) SharesChunk(other Tensor) bool {
	return t.c != nil && t.c == other.c
}

// String implements fmt.Stringer.
func (t Tensor) String() string {
	if t.IsNone() {
		return "Tensor(none)"
	}
	if t.stype != shapes.DefaultStorage {
		return fmt.Sprintf("Tensor(%s, %s, %s)", t.shape, t.stype, t.dev)
	}
	return fmt.Sprintf("Tensor(%s, %s)", t.shape, t.dev)
}

// AsArray returns a dense view of the tensor's chunk with a different shape.
// The chunk must be large enough, unless its allocation is still delayed, in which case
// the delayed size grows.
func (t Tensor) AsArray(shape shapes.Shape) Tensor {
	if t.c == nil {
		exceptions.Panicf("AsArray(%s) on a none tensor", shape)
	}
	need := int(shape.Memory())
	t.c.mu.Lock()
	if t.c.handle == nil {
		t.c.size = max(t.c.size, need)
	} else if t.c.handle.Size < need {
		t.c.mu.Unlock()
		exceptions.Panicf("AsArray(%s) needs %d bytes, chunk only has %d", shape, need, t.c.handle.Size)
	}
	t.c.mu.Unlock()
	return Tensor{shape: shape.Clone(), stype: shapes.DefaultStorage, dev: t.dev, c: t.c}
}

// IsAllocated returns whether memory was already reserved for the tensor.
func (t Tensor) IsAllocated() bool {
	if t.c == nil {
		return false
	}
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	return t.c.handle != nil
}

// CheckAndAlloc allocates the memory of a dense tensor with delayed allocation.
// It is a no-op if the memory is already allocated.
func (t Tensor) CheckAndAlloc() error {
	if t.c == nil {
		return errors.New("CheckAndAlloc on a none tensor")
	}
	if t.stype != shapes.DefaultStorage {
		return errors.Errorf("CheckAndAlloc on a %s tensor, use CheckAndAllocRows", t.stype)
	}
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.c.handle != nil {
		return nil
	}
	return t.c.lockedAlloc(max(t.c.size, int(t.shape.Memory())))
}

// rowBytes is the size in bytes of one row (first axis) of the dense shape.
func (t Tensor) rowBytes() int {
	if t.shape.Rank() == 0 {
		return int(t.shape.Memory())
	}
	return int(t.shape.Memory()) / max(t.shape.Dim(0), 1)
}

// CheckAndAllocRows (re-)allocates a row-sparse tensor to hold numRows rows, and resets the
// row indices to zeros. Any previous content is discarded.
func (t Tensor) CheckAndAllocRows(numRows int) error {
	if t.c == nil {
		return errors.New("CheckAndAllocRows on a none tensor")
	}
	if t.stype != shapes.RowSparseStorage {
		return errors.Errorf("CheckAndAllocRows on a %s tensor", t.stype)
	}
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	t.c.rowIndices = make([]int64, numRows)
	return t.c.lockedAlloc(numRows * t.rowBytes())
}

// RowIndices returns the indices of the rows stored by a row-sparse tensor.
// The returned slice is owned by the tensor.
func (t Tensor) RowIndices() []int64 {
	if t.c == nil {
		return nil
	}
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	return t.c.rowIndices
}

// NumStoredRows returns the number of rows stored by a row-sparse tensor.
func (t Tensor) NumStoredRows() int {
	return len(t.RowIndices())
}

// Bytes returns the raw memory of the tensor, without any synchronization.
// It is meant for kernels, that run once the engine ordered them.
// It panics if the tensor is not allocated.
func (t Tensor) Bytes() []byte {
	if t.c == nil {
		exceptions.Panicf("Bytes() on a none tensor")
	}
	t.c.mu.Lock()
	h := t.c.handle
	t.c.mu.Unlock()
	if h == nil {
		exceptions.Panicf("Bytes() on %s with delayed allocation, call CheckAndAlloc first", t)
	}
	if t.stype == shapes.RowSparseStorage {
		return h.Data
	}
	return h.Data[:t.shape.Memory()]
}

// Flat returns the data of a dense tensor as a slice of T, without any synchronization.
// T must match the tensor dtype.
func Flat[T dtypes.Supported](t Tensor) []T {
	if want := dtypes.FromGenericsType[T](); t.shape.DType != want {
		var v T
		exceptions.Panicf("Flat[%T] is incompatible with %s", v, t)
	}
	data := t.Bytes()
	if len(data) == 0 {
		return nil
	}
	var v T
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), len(data)/int(unsafe.Sizeof(v)))
}

// WaitToRead waits for all pending operations writing the tensor, and returns their error.
func (t Tensor) WaitToRead() error {
	if t.c == nil {
		return nil
	}
	return t.c.rt.Engine.WaitForVar(t.c.v)
}
