// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optypes defines OpType, the closed enumeration of operator types the quantization engine
// knows about, and the per-type tables that drive where quantizers are attached.
//
// Every table is a total switch with an explicit default arm: adding a new OpType only requires
// extending the switches that should treat it specially.
package optypes

import "strings"

// OpType is an enum of the operator types recognized by the quantization engine.
//
// Operator types not listed here parse to OpTypeUnknown and get the default behavior everywhere.
type OpType int

const (
	OpTypeUnknown OpType = iota
	OpTypeAdd
	OpTypeAveragePool
	OpTypeBatchNormalization
	OpTypeBranch
	OpTypeCast
	OpTypeCompress
	OpTypeConcat
	OpTypeConv
	OpTypeConvTranspose
	OpTypeDiv
	OpTypeFlatten
	OpTypeGather
	OpTypeGemm
	OpTypeGroupNormalization
	OpTypeIdentity
	OpTypeInstanceNormalization
	OpTypeLayerNormalization
	OpTypeMatMul
	OpTypeMax
	OpTypeMaxPool
	OpTypeMin
	OpTypeMul
	OpTypeQcQuantizeOp
	OpTypeReduceMax
	OpTypeReduceMin
	OpTypeRelu
	OpTypeReshape
	OpTypeResize
	OpTypeShape
	OpTypeSigmoid
	OpTypeSoftmax
	OpTypeSplit
	OpTypeSqueeze
	OpTypeSub
	OpTypeTanh
	OpTypeTile
	OpTypeTranspose
	OpTypeUnsqueeze

	// opTypeLast must remain the last value.
	opTypeLast
)

var opTypeNames = [...]string{
	OpTypeUnknown:               "Unknown",
	OpTypeAdd:                   "Add",
	OpTypeAveragePool:           "AveragePool",
	OpTypeBatchNormalization:    "BatchNormalization",
	OpTypeBranch:                "branch",
	OpTypeCast:                  "Cast",
	OpTypeCompress:              "Compress",
	OpTypeConcat:                "Concat",
	OpTypeConv:                  "Conv",
	OpTypeConvTranspose:         "ConvTranspose",
	OpTypeDiv:                   "Div",
	OpTypeFlatten:               "Flatten",
	OpTypeGather:                "Gather",
	OpTypeGemm:                  "Gemm",
	OpTypeGroupNormalization:    "GroupNormalization",
	OpTypeIdentity:              "Identity",
	OpTypeInstanceNormalization: "InstanceNormalization",
	OpTypeLayerNormalization:    "LayerNormalization",
	OpTypeMatMul:                "MatMul",
	OpTypeMax:                   "Max",
	OpTypeMaxPool:               "MaxPool",
	OpTypeMin:                   "Min",
	OpTypeMul:                   "Mul",
	OpTypeQcQuantizeOp:          "QcQuantizeOp",
	OpTypeReduceMax:             "ReduceMax",
	OpTypeReduceMin:             "ReduceMin",
	OpTypeRelu:                  "Relu",
	OpTypeReshape:               "Reshape",
	OpTypeResize:                "Resize",
	OpTypeShape:                 "Shape",
	OpTypeSigmoid:               "Sigmoid",
	OpTypeSoftmax:               "Softmax",
	OpTypeSplit:                 "Split",
	OpTypeSqueeze:               "Squeeze",
	OpTypeSub:                   "Sub",
	OpTypeTanh:                  "Tanh",
	OpTypeTile:                  "Tile",
	OpTypeTranspose:             "Transpose",
	OpTypeUnsqueeze:             "Unsqueeze",
}

var opTypeByName = func() map[string]OpType {
	m := make(map[string]OpType, len(opTypeNames))
	for ii, name := range opTypeNames {
		m[name] = OpType(ii)
	}
	return m
}()

// String returns the operator type as spelled in the model IR.
func (t OpType) String() string {
	if t < 0 || t >= opTypeLast {
		return "Unknown"
	}
	return opTypeNames[t]
}

// Parse converts the op-type string of the model IR to an OpType.
// Unrecognized names return OpTypeUnknown.
func Parse(name string) OpType {
	if t, found := opTypeByName[name]; found {
		return t
	}
	if strings.EqualFold(name, "branch") {
		return OpTypeBranch
	}
	return OpTypeUnknown
}

// IsLayoutOnly returns whether the operator only moves or reinterprets data. Outputs of these
// operators are never quantized and encodings propagate through them.
func (t OpType) IsLayoutOnly() bool {
	switch t {
	case OpTypeBranch, OpTypeFlatten, OpTypeGather, OpTypeReshape, OpTypeShape, OpTypeUnsqueeze,
		OpTypeSqueeze, OpTypeSplit, OpTypeCompress, OpTypeTile, OpTypeTranspose, OpTypeIdentity:
		return true
	default:
		return false
	}
}

// IgnoresParams returns whether the non-primary inputs (index > 0) of the operator are
// configuration values rather than data, and must not be quantized.
func (t OpType) IgnoresParams() bool {
	switch t {
	case OpTypeResize:
		return true
	default:
		return false
	}
}

// TiesQuantizers returns whether the deployed kernel of the operator requires the same encoding on
// all of its inputs and its output.
func (t OpType) TiesQuantizers() bool {
	switch t {
	case OpTypeConcat, OpTypeMaxPool, OpTypeAveragePool, OpTypeResize, OpTypeMax, OpTypeReduceMax,
		OpTypeMin, OpTypeReduceMin:
		return true
	default:
		return false
	}
}

// SupportsPerChannel returns whether the weights of the operator can use per-channel and blockwise
// quantization.
func (t OpType) SupportsPerChannel() bool {
	switch t {
	case OpTypeConv, OpTypeConvTranspose, OpTypeGemm, OpTypeMatMul:
		return true
	default:
		return false
	}
}

// Parameter roles.
const (
	RoleWeight      = "weight"
	RoleBias        = "bias"
	RoleRunningMean = "running_mean"
	RoleRunningVar  = "running_var"
)

// ParamRoles returns the parameter role of each input position of the operator. Positions not in
// the map (and inputs that are not static initializers) are not parameters.
func (t OpType) ParamRoles() map[int]string {
	switch t {
	case OpTypeConv, OpTypeConvTranspose, OpTypeGemm:
		return map[int]string{1: RoleWeight, 2: RoleBias}
	case OpTypeMatMul:
		return map[int]string{1: RoleWeight}
	case OpTypeBatchNormalization:
		return map[int]string{1: RoleWeight, 2: RoleBias, 3: RoleRunningMean, 4: RoleRunningVar}
	case OpTypeGroupNormalization, OpTypeInstanceNormalization, OpTypeLayerNormalization:
		return map[int]string{1: RoleWeight, 2: RoleBias}
	default:
		return nil
	}
}

// QuantizationAxes returns the channel axis and block axis used for per-channel and blockwise
// quantization of a weight of the operator. hasChannel and hasBlock are false when the operator has
// no such axis. transposed only matters for Gemm, and tells whether the weight is stored transposed.
//
// Negative axes count from the end.
func (t OpType) QuantizationAxes(transposed bool) (channelAxis int, hasChannel bool, blockAxis int, hasBlock bool) {
	switch t {
	case OpTypeConv:
		return 0, true, 1, true
	case OpTypeConvTranspose:
		return 1, true, 0, true
	case OpTypeGemm:
		if transposed {
			return 0, true, 1, true
		}
		return 1, true, 0, true
	case OpTypeMatMul:
		return -1, true, -2, true
	default:
		return 0, false, 0, false
	}
}
