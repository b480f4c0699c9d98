// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplexec

import (
	"math"
	"slices"

	"github.com/gomlx/quantsim/pkg/core/model"
	"github.com/gomlx/quantsim/pkg/core/optypes"
	"github.com/gomlx/quantsim/pkg/core/tensors"
	"github.com/pkg/errors"
)

// This file implements unary and (numpy style) broadcasting binary operations.

func init() {
	kernelBuilders[optypes.OpTypeIdentity] = func(*model.Node) (Kernel, error) {
		return func(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
			return []*tensors.Tensor{inputs[0]}, nil
		}, nil
	}
	kernelBuilders[optypes.OpTypeRelu] = unaryKernel(func(x float32) float32 { return max(x, 0) })
	kernelBuilders[optypes.OpTypeSigmoid] = unaryKernel(func(x float32) float32 {
		return float32(1 / (1 + math.Exp(-float64(x))))
	})
	kernelBuilders[optypes.OpTypeTanh] = unaryKernel(func(x float32) float32 { return float32(math.Tanh(float64(x))) })

	kernelBuilders[optypes.OpTypeAdd] = binaryKernel(func(a, b float32) float32 { return a + b })
	kernelBuilders[optypes.OpTypeSub] = binaryKernel(func(a, b float32) float32 { return a - b })
	kernelBuilders[optypes.OpTypeMul] = binaryKernel(func(a, b float32) float32 { return a * b })
	kernelBuilders[optypes.OpTypeDiv] = binaryKernel(func(a, b float32) float32 { return a / b })
	kernelBuilders[optypes.OpTypeMax] = binaryKernel(func(a, b float32) float32 { return max(a, b) })
	kernelBuilders[optypes.OpTypeMin] = binaryKernel(func(a, b float32) float32 { return min(a, b) })
}

func checkFloat(inputs ...*tensors.Tensor) error {
	for ii, t := range inputs {
		if t == nil {
			return errors.Errorf("missing input #%d", ii)
		}
		if !t.IsFloat() {
			return errors.Errorf("input #%d has dtype %s, only float dtypes are supported", ii, t.DType())
		}
	}
	return nil
}

func unaryKernel(fn func(float32) float32) kernelBuilder {
	return func(*model.Node) (Kernel, error) {
		return func(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
			if err := checkFloat(inputs[0]); err != nil {
				return nil, err
			}
			out := inputs[0].Clone()
			values := out.Floats()
			for ii, v := range values {
				values[ii] = fn(v)
			}
			return []*tensors.Tensor{out}, nil
		}, nil
	}
}

// binaryKernel builds a kernel folding fn over all inputs (Max and Min are variadic), with
// broadcasting.
func binaryKernel(fn func(a, b float32) float32) kernelBuilder {
	return func(*model.Node) (Kernel, error) {
		return func(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
			if len(inputs) == 0 {
				return nil, errors.New("no inputs")
			}
			if err := checkFloat(inputs...); err != nil {
				return nil, err
			}
			result := inputs[0]
			for _, operand := range inputs[1:] {
				var err error
				result, err = broadcastBinary(result, operand, fn)
				if err != nil {
					return nil, err
				}
			}
			return []*tensors.Tensor{result}, nil
		}, nil
	}
}

// broadcastDimensions returns the dimensions resulting from broadcasting a and b.
func broadcastDimensions(a, b []int) ([]int, error) {
	rank := max(len(a), len(b))
	dims := make([]int, rank)
	for axis := range rank {
		dimA, dimB := 1, 1
		if ii := axis - (rank - len(a)); ii >= 0 {
			dimA = a[ii]
		}
		if ii := axis - (rank - len(b)); ii >= 0 {
			dimB = b[ii]
		}
		switch {
		case dimA == dimB || dimB == 1:
			dims[axis] = dimA
		case dimA == 1:
			dims[axis] = dimB
		default:
			return nil, errors.Errorf("cannot broadcast dimensions %v and %v", a, b)
		}
	}
	return dims, nil
}

// broadcastIterator iterates over the flat indices of a tensor that is being broadcast to larger
// dimensions.
type broadcastIterator struct {
	flatIdx    int
	perAxesIdx []int
	targetDims []int

	// strides of the source tensor, 0 for the broadcast axes.
	strides []int
}

// newBroadcastIterator expands fromDims to the rank of toDims by prepending 1s.
func newBroadcastIterator(fromDims, toDims []int) *broadcastIterator {
	rank := len(toDims)
	bi := &broadcastIterator{
		perAxesIdx: make([]int, rank),
		targetDims: toDims,
		strides:    make([]int, rank),
	}
	stride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		dim := 1
		if ii := axis - (rank - len(fromDims)); ii >= 0 {
			dim = fromDims[ii]
		}
		if dim == toDims[axis] {
			bi.strides[axis] = stride
		}
		stride *= dim
	}
	return bi
}

// Next returns the flat index in the source tensor of the next element of the target.
func (bi *broadcastIterator) Next() (flatIdx int) {
	flatIdx = bi.flatIdx
	for axis := len(bi.perAxesIdx) - 1; axis >= 0; axis-- {
		bi.perAxesIdx[axis]++
		bi.flatIdx += bi.strides[axis]
		if bi.perAxesIdx[axis] < bi.targetDims[axis] {
			break
		}
		// Wrap around this axis.
		bi.flatIdx -= bi.strides[axis] * bi.targetDims[axis]
		bi.perAxesIdx[axis] = 0
	}
	return
}

func broadcastBinary(a, b *tensors.Tensor, fn func(a, b float32) float32) (*tensors.Tensor, error) {
	dims, err := broadcastDimensions(a.Dimensions(), b.Dimensions())
	if err != nil {
		return nil, err
	}
	aValues, bValues := a.Floats(), b.Floats()
	out := make([]float32, tensors.Size(dims))
	switch {
	case slices.Equal(a.Dimensions(), dims) && slices.Equal(b.Dimensions(), dims):
		for ii := range out {
			out[ii] = fn(aValues[ii], bValues[ii])
		}
	default:
		aIter, bIter := newBroadcastIterator(a.Dimensions(), dims), newBroadcastIterator(b.Dimensions(), dims)
		for ii := range out {
			out[ii] = fn(aValues[aIter.Next()], bValues[bIter.Next()])
		}
	}
	return tensors.FromFlatDataAndDimensions(out, dims...), nil
}
