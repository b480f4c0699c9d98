// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"fmt"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/quantsim/pkg/core/tensors"
)

// Builder assembles a Model programmatically. It is mostly used by tests and small tools.
//
// Example:
//
//	m := model.NewBuilder("linear").
//		Input("x", dtypes.Float32, 1, 4).
//		Initializer("w", tensors.FromScalarAndDimensions(float32(1), 4, 2)).
//		Node("MatMul", []string{"x", "w"}, []string{"y"}).
//		Output("y", dtypes.Float32, 1, 2).
//		Done()
type Builder struct {
	m *Model
}

// NewBuilder starts a new model with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{m: &Model{Name: name, Opset: 21}}
}

// Input declares a model input.
func (b *Builder) Input(name string, dtype dtypes.DType, dimensions ...int) *Builder {
	b.m.Inputs = append(b.m.Inputs, &ValueInfo{Name: name, DType: dtype, Dimensions: slices.Clone(dimensions)})
	return b
}

// Output declares a model output.
func (b *Builder) Output(name string, dtype dtypes.DType, dimensions ...int) *Builder {
	b.m.Outputs = append(b.m.Outputs, &ValueInfo{Name: name, DType: dtype, Dimensions: slices.Clone(dimensions)})
	return b
}

// ValueInfo declares the dtype and shape of an intermediate tensor.
func (b *Builder) ValueInfo(name string, dtype dtypes.DType, dimensions ...int) *Builder {
	b.m.ValueInfo = append(b.m.ValueInfo, &ValueInfo{Name: name, DType: dtype, Dimensions: slices.Clone(dimensions)})
	return b
}

// Initializer adds a static tensor.
func (b *Builder) Initializer(name string, value *tensors.Tensor) *Builder {
	b.m.Initializers = append(b.m.Initializers, &Initializer{Name: name, Value: value})
	return b
}

// Node appends a node. Its name is derived from the op type and the node count.
func (b *Builder) Node(opType string, inputs, outputs []string, attrs ...*Attribute) *Builder {
	return b.NamedNode(fmt.Sprintf("%s_%d", opType, len(b.m.Nodes)), opType, inputs, outputs, attrs...)
}

// NamedNode appends a node with an explicit name.
func (b *Builder) NamedNode(name, opType string, inputs, outputs []string, attrs ...*Attribute) *Builder {
	b.m.AddNode(&Node{
		Name:       name,
		OpType:     opType,
		Inputs:     slices.Clone(inputs),
		Outputs:    slices.Clone(outputs),
		Attributes: attrs,
	})
	return b
}

// Done returns the built model.
func (b *Builder) Done() *Model {
	return b.m
}
