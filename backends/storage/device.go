// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package storage implements the raw memory collaborator of the executor: devices and a
// pooled allocator of raw byte chunks.
//
// All devices are emulated in host memory: a GPU device is only a distinct accounting and
// scheduling domain.
package storage

import "fmt"

// DeviceType enumerates the kinds of devices.
type DeviceType int

const (
	CPUDevice DeviceType = iota
	GPUDevice
)

// String implements fmt.Stringer.
func (t DeviceType) String() string {
	switch t {
	case CPUDevice:
		return "cpu"
	case GPUDevice:
		return "gpu"
	}
	return fmt.Sprintf("DeviceType(%d)", int(t))
}

// Device identifies where a tensor lives and where kernels run.
type Device struct {
	Type DeviceType
	ID   int
}

// CPU returns the host device with the given id.
func CPU(id int) Device { return Device{Type: CPUDevice, ID: id} }

// GPU returns the accelerator device with the given id.
func GPU(id int) Device { return Device{Type: GPUDevice, ID: id} }

// String implements fmt.Stringer, e.g.: "gpu(1)".
func (d Device) String() string {
	return fmt.Sprintf("%s(%d)", d.Type, d.ID)
}
