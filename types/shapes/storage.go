// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"fmt"

	"github.com/pkg/errors"
)

// StorageType is the storage layout of a tensor.
type StorageType int

const (
	// UndefinedStorage is the "unknown" value used during storage type inference.
	UndefinedStorage StorageType = -1

	// DefaultStorage is a dense layout.
	DefaultStorage StorageType = 0

	// RowSparseStorage keeps only a subset of the rows (first axis) plus their indices.
	RowSparseStorage StorageType = 1

	// CSRStorage is the compressed sparse row layout. Only used as a storage tag.
	CSRStorage StorageType = 2
)

// String implements fmt.Stringer.
func (st StorageType) String() string {
	switch st {
	case UndefinedStorage:
		return "undefined"
	case DefaultStorage:
		return "default"
	case RowSparseStorage:
		return "row_sparse"
	case CSRStorage:
		return "csr"
	}
	return fmt.Sprintf("StorageType(%d)", int(st))
}

// ParseStorageType converts the names used in node attributes to a StorageType.
func ParseStorageType(name string) (StorageType, error) {
	switch name {
	case "default", "":
		return DefaultStorage, nil
	case "row_sparse":
		return RowSparseStorage, nil
	case "csr":
		return CSRStorage, nil
	}
	return UndefinedStorage, errors.Errorf("unknown storage type %q", name)
}
