// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a host-only `Tensor`, a multidimensional array used as model
// initializers and as inputs and outputs of the execution collaborator.
//
// Floating point dtypes are stored as flat float32 values and integer (and boolean) dtypes as flat
// int64 values: the quantization engine only needs to observe values, not to reproduce the exact
// storage of every dtype.
//
// There are various ways to construct a Tensor:
//
//   - FromFlatDataAndDimensions[T Supported](data []T, dimensions ...int): sets the flattened values.
//     Example:
//
//     t := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2}) // Tensor with [[1,2], [3,4]]
//
//   - FromScalarAndDimensions[T Supported](value T, dimensions ...int): filled with value.
//   - Zeros(dtype, dimensions...).
package tensors

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Supported are the Go types that can back a Tensor.
type Supported interface {
	float32 | int64
}

// Tensor is a multidimensional array stored in host memory.
type Tensor struct {
	dtype      dtypes.DType
	dimensions []int
	floats     []float32
	ints       []int64
}

// Size returns the number of elements for the given dimensions. Scalars (no dimensions) have size 1.
func Size(dimensions []int) int {
	size := 1
	for _, dim := range dimensions {
		size *= dim
	}
	return size
}

func checkSize(numElements int, dimensions []int) {
	if numElements != Size(dimensions) {
		exceptions.Panicf("tensors: flat data has %d elements, but dimensions %v require %d",
			numElements, dimensions, Size(dimensions))
	}
}

// FromFlatDataAndDimensions creates a Tensor with the given flat data and dimensions.
// float32 data creates a Float32 tensor, int64 data creates an Int64 tensor.
//
// It panics if the number of elements doesn't match the dimensions.
func FromFlatDataAndDimensions[T Supported](data []T, dimensions ...int) *Tensor {
	checkSize(len(data), dimensions)
	t := &Tensor{dimensions: slices.Clone(dimensions)}
	switch flat := any(data).(type) {
	case []float32:
		t.dtype = dtypes.Float32
		t.floats = slices.Clone(flat)
	case []int64:
		t.dtype = dtypes.Int64
		t.ints = slices.Clone(flat)
	}
	return t
}

// FromScalarAndDimensions creates a Tensor with the given dimensions, filled with value.
func FromScalarAndDimensions[T Supported](value T, dimensions ...int) *Tensor {
	data := make([]T, Size(dimensions))
	for ii := range data {
		data[ii] = value
	}
	return FromFlatDataAndDimensions(data, dimensions...)
}

// Zeros creates a Tensor of the given dtype filled with zeros.
func Zeros(dtype dtypes.DType, dimensions ...int) *Tensor {
	t := &Tensor{dtype: dtype, dimensions: slices.Clone(dimensions)}
	if dtype.IsFloat() {
		t.floats = make([]float32, Size(dimensions))
	} else {
		t.ints = make([]int64, Size(dimensions))
	}
	return t
}

// WithDType returns a tensor with the same values converted to dtype.
func (t *Tensor) WithDType(dtype dtypes.DType) *Tensor {
	out := &Tensor{dtype: dtype, dimensions: slices.Clone(t.dimensions)}
	switch {
	case dtype.IsFloat() && t.IsFloat():
		out.floats = slices.Clone(t.floats)
	case dtype.IsFloat():
		out.floats = make([]float32, len(t.ints))
		for ii, v := range t.ints {
			out.floats[ii] = float32(v)
		}
	case t.IsFloat():
		out.ints = make([]int64, len(t.floats))
		for ii, v := range t.floats {
			out.ints[ii] = int64(v)
		}
	default:
		out.ints = slices.Clone(t.ints)
	}
	return out
}

// DType returns the element data type.
func (t *Tensor) DType() dtypes.DType { return t.dtype }

// Dimensions returns the axes' dimensions. The returned slice must not be modified.
func (t *Tensor) Dimensions() []int { return t.dimensions }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.dimensions) }

// Size returns the number of elements.
func (t *Tensor) Size() int { return Size(t.dimensions) }

// IsFloat returns whether the tensor values are stored as float32.
func (t *Tensor) IsFloat() bool { return t.floats != nil || (t.ints == nil && t.dtype.IsFloat()) }

// Floats returns the flat float32 data. It panics if the tensor is not of a float dtype.
// The returned slice is the tensor storage: changes are visible in the tensor.
func (t *Tensor) Floats() []float32 {
	if !t.IsFloat() {
		exceptions.Panicf("tensors: Floats() called on tensor of dtype %s", t.dtype)
	}
	return t.floats
}

// Ints returns the flat int64 data. It panics if the tensor is of a float dtype.
// The returned slice is the tensor storage: changes are visible in the tensor.
func (t *Tensor) Ints() []int64 {
	if t.IsFloat() {
		exceptions.Panicf("tensors: Ints() called on tensor of dtype %s", t.dtype)
	}
	return t.ints
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		dtype:      t.dtype,
		dimensions: slices.Clone(t.dimensions),
		floats:     slices.Clone(t.floats),
		ints:       slices.Clone(t.ints),
	}
}

// Reshape returns a tensor sharing the same data with new dimensions.
func (t *Tensor) Reshape(dimensions ...int) *Tensor {
	checkSize(t.Size(), dimensions)
	return &Tensor{dtype: t.dtype, dimensions: slices.Clone(dimensions), floats: t.floats, ints: t.ints}
}

// Strides returns the row-major strides of the given dimensions.
func Strides(dimensions []int) []int {
	strides := make([]int, len(dimensions))
	stride := 1
	for axis := len(dimensions) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dimensions[axis]
	}
	return strides
}

// String implements fmt.Stringer. Large tensors are elided.
func (t *Tensor) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "(%s)%v", t.dtype, t.dimensions)
	const maxValues = 16
	sb.WriteString(" [")
	n := t.Size()
	for ii := 0; ii < min(n, maxValues); ii++ {
		if ii > 0 {
			sb.WriteString(", ")
		}
		if t.IsFloat() {
			_, _ = fmt.Fprintf(&sb, "%g", t.floats[ii])
		} else {
			_, _ = fmt.Fprintf(&sb, "%d", t.ints[ii])
		}
	}
	if n > maxValues {
		sb.WriteString(", ...")
	}
	sb.WriteString("]")
	return sb.String()
}
