// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ErrInferenceFailed is returned by InferDTypes when the element type of some tensor cannot be
// determined statically.
var ErrInferenceFailed = errors.New("static dtype inference failed")

// InferDTypes statically infers the element dtype of every tensor in the model: model inputs and
// outputs, declared value infos, initializers and every node output.
//
// Node outputs not declared in ValueInfo are derived from the operator type. Operators with
// unknown typing rules (custom domains for instance) make the inference fail with
// ErrInferenceFailed, listing the offending tensors, so callers can fall back to executing the
// model and observing the values.
func InferDTypes(m *Model) (map[string]dtypes.DType, error) {
	known := make(map[string]dtypes.DType)
	for _, infos := range [][]*ValueInfo{m.Inputs, m.Outputs, m.ValueInfo} {
		for _, info := range infos {
			if info.DType != dtypes.InvalidDType {
				known[info.Name] = info.DType
			}
		}
	}
	for _, init := range m.Initializers {
		known[init.Name] = init.Value.DType()
	}

	var missing []string
	for _, node := range m.Nodes {
		dtype, ok := nodeOutputDType(node, known)
		for _, output := range node.Outputs {
			if output == "" {
				continue
			}
			if _, found := known[output]; found {
				continue
			}
			if !ok {
				missing = append(missing, output)
				continue
			}
			known[output] = dtype
		}
	}
	if len(missing) > 0 {
		return known, errors.Wrapf(ErrInferenceFailed, "cannot infer dtype of %q", missing)
	}
	return known, nil
}

// nodeOutputDType returns the dtype of the (first) output of node, given the dtypes known so far.
func nodeOutputDType(node *Node, known map[string]dtypes.DType) (dtypes.DType, bool) {
	if node.Domain != "" {
		return dtypes.InvalidDType, false
	}
	firstInput := func() (dtypes.DType, bool) {
		if len(node.Inputs) == 0 {
			return dtypes.InvalidDType, false
		}
		dtype, found := known[node.Inputs[0]]
		return dtype, found
	}
	switch node.OpType {
	case "Shape", "Size", "NonZero", "ArgMax", "ArgMin":
		return dtypes.Int64, true
	case "Equal", "Less", "Greater", "LessOrEqual", "GreaterOrEqual", "Not", "And", "Or", "Xor",
		"IsNaN", "IsInf":
		return dtypes.Bool, true
	case "Cast":
		to := node.IntAttrOr("to", 0)
		dtype, found := onnxDTypes[to]
		return dtype, found
	case "Where":
		if len(node.Inputs) < 2 {
			return dtypes.InvalidDType, false
		}
		dtype, found := known[node.Inputs[1]]
		return dtype, found
	case "Abs", "Add", "AveragePool", "BatchNormalization", "Clip", "Compress", "Concat", "Conv",
		"ConvTranspose", "Div", "Dropout", "Elu", "Erf", "Exp", "Expand", "Flatten", "Gather", "Gemm",
		"GlobalAveragePool", "GroupNormalization", "HardSigmoid", "HardSwish", "Identity",
		"InstanceNormalization", "LayerNormalization", "LeakyRelu", "Log", "MatMul", "Max", "MaxPool",
		"Mean", "Min", "Mul", "Neg", "Pad", "Pow", "PRelu", "ReduceMax", "ReduceMean", "ReduceMin",
		"ReduceSum", "Relu", "Reshape", "Resize", "Sigmoid", "Slice", "Softmax", "Split", "Sqrt",
		"Squeeze", "Sub", "Sum", "Tanh", "Tile", "Transpose", "Unsqueeze":
		return firstInput()
	default:
		return dtypes.InvalidDType, false
	}
}

// onnxDTypes maps ONNX TensorProto.DataType values (used by the Cast "to" attribute) to DTypes.
var onnxDTypes = map[int64]dtypes.DType{
	1:  dtypes.Float32,
	2:  dtypes.Uint8,
	3:  dtypes.Int8,
	4:  dtypes.Uint16,
	5:  dtypes.Int16,
	6:  dtypes.Int32,
	7:  dtypes.Int64,
	9:  dtypes.Bool,
	10: dtypes.Float16,
	11: dtypes.Float64,
	12: dtypes.Uint32,
	13: dtypes.Uint64,
	16: dtypes.BFloat16,
}

// ONNXDType converts an ONNX TensorProto.DataType value to a DType.
func ONNXDType(value int64) (dtypes.DType, bool) {
	dtype, found := onnxDTypes[value]
	return dtype, found
}
