// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplexec

import (
	"slices"

	"github.com/gomlx/quantsim/pkg/core/model"
	"github.com/gomlx/quantsim/pkg/core/optypes"
	"github.com/gomlx/quantsim/pkg/core/tensors"
	"github.com/pkg/errors"
)

// This file implements operations that only move data around, for any dtype.

func init() {
	kernelBuilders[optypes.OpTypeConcat] = buildConcat
	kernelBuilders[optypes.OpTypeReshape] = buildReshape
	kernelBuilders[optypes.OpTypeFlatten] = buildFlatten
	kernelBuilders[optypes.OpTypeTranspose] = buildTranspose
	kernelBuilders[optypes.OpTypeCast] = buildCast
	kernelBuilders[optypes.OpTypeShape] = func(*model.Node) (Kernel, error) {
		return func(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
			dims := inputs[0].Dimensions()
			shape := make([]int64, len(dims))
			for ii, dim := range dims {
				shape[ii] = int64(dim)
			}
			return []*tensors.Tensor{tensors.FromFlatDataAndDimensions(shape, len(shape))}, nil
		}, nil
	}
}

// gather creates a tensor with the dtype of t and the given dimensions, where each element dst is
// taken from element srcIdx(dst) of t.
func gather(t *tensors.Tensor, dims []int, srcIdx func(dst int) int) *tensors.Tensor {
	size := tensors.Size(dims)
	if t.IsFloat() {
		src, out := t.Floats(), make([]float32, size)
		for ii := range out {
			out[ii] = src[srcIdx(ii)]
		}
		return tensors.FromFlatDataAndDimensions(out, dims...).WithDType(t.DType())
	}
	src, out := t.Ints(), make([]int64, size)
	for ii := range out {
		out[ii] = src[srcIdx(ii)]
	}
	return tensors.FromFlatDataAndDimensions(out, dims...).WithDType(t.DType())
}

func normalizeAxis(axis, rank int) (int, error) {
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return 0, errors.Errorf("axis %d out of range for rank %d", axis, rank)
	}
	return axis, nil
}

func buildConcat(node *model.Node) (Kernel, error) {
	attrAxis := int(node.IntAttrOr("axis", 0))
	return func(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
		if len(inputs) == 0 {
			return nil, errors.New("no inputs")
		}
		first := inputs[0]
		axis, err := normalizeAxis(attrAxis, first.Rank())
		if err != nil {
			return nil, err
		}
		dims := slices.Clone(first.Dimensions())
		dims[axis] = 0
		for ii, t := range inputs {
			if t.Rank() != first.Rank() || t.IsFloat() != first.IsFloat() {
				return nil, errors.Errorf("input #%d is incompatible with input #0", ii)
			}
			for a, dim := range t.Dimensions() {
				if a != axis && dim != first.Dimensions()[a] {
					return nil, errors.Errorf("input #%d dimensions %v don't match %v", ii, t.Dimensions(), first.Dimensions())
				}
			}
			dims[axis] += t.Dimensions()[axis]
		}
		outer := tensors.Size(dims[:axis])
		inner := tensors.Size(dims[axis+1:])
		var (
			floats []float32
			ints   []int64
		)
		for o := range outer {
			for _, t := range inputs {
				chunk := t.Dimensions()[axis] * inner
				if first.IsFloat() {
					floats = append(floats, t.Floats()[o*chunk:(o+1)*chunk]...)
				} else {
					ints = append(ints, t.Ints()[o*chunk:(o+1)*chunk]...)
				}
			}
		}
		if first.IsFloat() {
			return []*tensors.Tensor{tensors.FromFlatDataAndDimensions(floats, dims...).WithDType(first.DType())}, nil
		}
		return []*tensors.Tensor{tensors.FromFlatDataAndDimensions(ints, dims...).WithDType(first.DType())}, nil
	}, nil
}

func buildReshape(node *model.Node) (Kernel, error) {
	allowZero := node.IntAttrOr("allowzero", 0) != 0
	return func(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
		if len(inputs) < 2 || inputs[1] == nil || inputs[1].IsFloat() {
			return nil, errors.New("reshape requires an integer shape input")
		}
		data, shape := inputs[0], inputs[1].Ints()
		dims := make([]int, len(shape))
		inferred := -1
		known := 1
		for ii, dim := range shape {
			switch {
			case dim == 0 && !allowZero:
				if ii >= data.Rank() {
					return nil, errors.Errorf("shape %v copies axis %d of a rank %d tensor", shape, ii, data.Rank())
				}
				dims[ii] = data.Dimensions()[ii]
			case dim == -1:
				if inferred >= 0 {
					return nil, errors.Errorf("shape %v has more than one -1", shape)
				}
				inferred = ii
				continue
			default:
				dims[ii] = int(dim)
			}
			known *= dims[ii]
		}
		if inferred >= 0 {
			if known == 0 || data.Size()%known != 0 {
				return nil, errors.Errorf("cannot reshape %v to %v", data.Dimensions(), shape)
			}
			dims[inferred] = data.Size() / known
		}
		if tensors.Size(dims) != data.Size() {
			return nil, errors.Errorf("cannot reshape %v to %v", data.Dimensions(), dims)
		}
		return []*tensors.Tensor{data.Reshape(dims...)}, nil
	}, nil
}

func buildFlatten(node *model.Node) (Kernel, error) {
	attrAxis := int(node.IntAttrOr("axis", 1))
	return func(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
		t := inputs[0]
		axis := attrAxis
		if axis < 0 {
			axis += t.Rank()
		}
		if axis < 0 || axis > t.Rank() {
			return nil, errors.Errorf("flatten axis %d out of range for rank %d", attrAxis, t.Rank())
		}
		dims := t.Dimensions()
		return []*tensors.Tensor{t.Reshape(tensors.Size(dims[:axis]), tensors.Size(dims[axis:]))}, nil
	}, nil
}

func buildTranspose(node *model.Node) (Kernel, error) {
	attrPerm := node.IntsAttrOr("perm", nil)
	return func(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
		t := inputs[0]
		rank := t.Rank()
		perm := make([]int, rank)
		if attrPerm == nil {
			for ii := range perm {
				perm[ii] = rank - 1 - ii
			}
		} else {
			if len(attrPerm) != rank {
				return nil, errors.Errorf("perm %v doesn't match rank %d", attrPerm, rank)
			}
			for ii, p := range attrPerm {
				perm[ii] = int(p)
			}
		}
		srcDims := t.Dimensions()
		srcStrides := tensors.Strides(srcDims)
		dims := make([]int, rank)
		for ii, p := range perm {
			if p < 0 || p >= rank {
				return nil, errors.Errorf("invalid perm %v", perm)
			}
			dims[ii] = srcDims[p]
		}
		dstStrides := tensors.Strides(dims)
		out := gather(t, dims, func(dst int) int {
			src := 0
			for axis, p := range perm {
				idx := (dst / dstStrides[axis]) % dims[axis]
				src += idx * srcStrides[p]
			}
			return src
		})
		return []*tensors.Tensor{out}, nil
	}, nil
}

func buildCast(node *model.Node) (Kernel, error) {
	to, found := model.ONNXDType(node.IntAttrOr("to", 0))
	if !found {
		return nil, errors.Errorf("unsupported Cast target %d", node.IntAttrOr("to", 0))
	}
	return func(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
		return []*tensors.Tensor{inputs[0].WithDType(to)}, nil
	}, nil
}
