// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cachedop

import (
	"fmt"

	"github.com/gomlx/cachedop/backends/storage"
)

// DeviceMismatchError is returned when the tensors of one call live on different devices.
type DeviceMismatchError struct {
	// Name of the graph input (or "gradient #i") on the wrong device.
	Name string

	Device, Expected storage.Device
}

func (e *DeviceMismatchError) Error() string {
	return fmt.Sprintf("CachedOp requires all tensors of a call to live on the same device, but %q is on %s while the call runs on %s",
		e.Name, e.Device, e.Expected)
}
