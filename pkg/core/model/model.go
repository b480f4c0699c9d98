// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model holds the mutable dataflow IR the quantization engine rewrites: a flat list of
// nodes reading and writing named tensors, plus the model's inputs, outputs and static
// initializers (the trained parameters).
//
// It mirrors the structure of an ONNX GraphProto, restricted to what quantization simulation
// needs. Use Load and Save to read and write models as JSON.
package model

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/quantsim/pkg/core/tensors"
)

// Attribute is a named operator attribute. Exactly one of the value fields is set.
type Attribute struct {
	Name   string    `json:"name"`
	Int    *int64    `json:"i,omitempty"`
	Float  *float32  `json:"f,omitempty"`
	String *string   `json:"s,omitempty"`
	Ints   []int64   `json:"ints,omitempty"`
	Floats []float32 `json:"floats,omitempty"`
}

// IntAttr creates an integer attribute.
func IntAttr(name string, value int64) *Attribute { return &Attribute{Name: name, Int: &value} }

// FloatAttr creates a float attribute.
func FloatAttr(name string, value float32) *Attribute { return &Attribute{Name: name, Float: &value} }

// StringAttr creates a string attribute.
func StringAttr(name, value string) *Attribute { return &Attribute{Name: name, String: &value} }

// IntsAttr creates an integer list attribute.
func IntsAttr(name string, values ...int64) *Attribute {
	return &Attribute{Name: name, Ints: slices.Clone(values)}
}

// Node is one operator application.
type Node struct {
	Name       string       `json:"name"`
	OpType     string       `json:"op_type"`
	Domain     string       `json:"domain,omitempty"`
	Inputs     []string     `json:"inputs"`
	Outputs    []string     `json:"outputs"`
	Attributes []*Attribute `json:"attributes,omitempty"`
}

// Attribute returns the attribute with the given name, or nil.
func (n *Node) Attribute(name string) *Attribute {
	for _, attr := range n.Attributes {
		if attr.Name == name {
			return attr
		}
	}
	return nil
}

// IntAttrOr returns the integer attribute name, or defaultValue if not set.
func (n *Node) IntAttrOr(name string, defaultValue int64) int64 {
	if attr := n.Attribute(name); attr != nil && attr.Int != nil {
		return *attr.Int
	}
	return defaultValue
}

// FloatAttrOr returns the float attribute name, or defaultValue if not set.
func (n *Node) FloatAttrOr(name string, defaultValue float32) float32 {
	if attr := n.Attribute(name); attr != nil && attr.Float != nil {
		return *attr.Float
	}
	return defaultValue
}

// IntsAttrOr returns the integer list attribute name, or defaultValue if not set.
func (n *Node) IntsAttrOr(name string, defaultValue []int64) []int64 {
	if attr := n.Attribute(name); attr != nil && attr.Ints != nil {
		return attr.Ints
	}
	return defaultValue
}

// SetAttribute replaces the attribute with the same name, or appends it.
func (n *Node) SetAttribute(attr *Attribute) {
	for ii, existing := range n.Attributes {
		if existing.Name == attr.Name {
			n.Attributes[ii] = attr
			return
		}
	}
	n.Attributes = append(n.Attributes, attr)
}

// ValueInfo declares a tensor's element type and shape. Negative dimensions are unknown.
type ValueInfo struct {
	Name       string       `json:"name"`
	DType      dtypes.DType `json:"-"`
	Dimensions []int        `json:"dims,omitempty"`
}

// Initializer is a static tensor stored in the model: a trained parameter or a constant.
type Initializer struct {
	Name  string
	Value *tensors.Tensor
}

// Model is the dataflow graph. Nodes are kept in declaration order, which for well-formed models
// is a topological order.
type Model struct {
	Name         string
	Opset        int
	Inputs       []*ValueInfo
	Outputs      []*ValueInfo
	ValueInfo    []*ValueInfo
	Initializers []*Initializer
	Nodes        []*Node
}

// Initializer returns the initializer with the given name, or nil.
func (m *Model) Initializer(name string) *Initializer {
	for _, init := range m.Initializers {
		if init.Name == name {
			return init
		}
	}
	return nil
}

// InitializerNames returns the set of names of static tensors.
func (m *Model) InitializerNames() map[string]bool {
	names := make(map[string]bool, len(m.Initializers))
	for _, init := range m.Initializers {
		names[init.Name] = true
	}
	return names
}

// AddNode appends a node to the graph.
func (m *Model) AddNode(node *Node) {
	m.Nodes = append(m.Nodes, node)
}

// RemoveNodes removes the given nodes from the graph.
func (m *Model) RemoveNodes(nodes []*Node) {
	m.Nodes = slices.DeleteFunc(m.Nodes, func(n *Node) bool {
		return slices.Contains(nodes, n)
	})
}

// ReplaceInputOfAllNodes rewrites every consumption edge of tensor oldName to read newName instead.
func (m *Model) ReplaceInputOfAllNodes(oldName, newName string) {
	for _, node := range m.Nodes {
		for ii, input := range node.Inputs {
			if input == oldName {
				node.Inputs[ii] = newName
			}
		}
	}
}

// InputNameToNodes maps each tensor name to the nodes consuming it, in node order.
func (m *Model) InputNameToNodes() map[string][]*Node {
	consumers := make(map[string][]*Node)
	for _, node := range m.Nodes {
		for _, input := range node.Inputs {
			if input == "" {
				continue
			}
			if !slices.Contains(consumers[input], node) {
				consumers[input] = append(consumers[input], node)
			}
		}
	}
	return consumers
}

// OutputNameToNode maps each tensor name to the node producing it.
func (m *Model) OutputNameToNode() map[string]*Node {
	producers := make(map[string]*Node)
	for _, node := range m.Nodes {
		for _, output := range node.Outputs {
			if output != "" {
				producers[output] = node
			}
		}
	}
	return producers
}

// NodeByName returns the node with the given name, or nil.
func (m *Model) NodeByName(name string) *Node {
	for _, node := range m.Nodes {
		if node.Name == name {
			return node
		}
	}
	return nil
}

// IntermediateActivations returns the names of all node outputs that are not model outputs, in
// node order.
func (m *Model) IntermediateActivations() []string {
	isOutput := make(map[string]bool, len(m.Outputs))
	for _, output := range m.Outputs {
		isOutput[output.Name] = true
	}
	var names []string
	for _, node := range m.Nodes {
		for _, output := range node.Outputs {
			if output != "" && !isOutput[output] {
				names = append(names, output)
			}
		}
	}
	return names
}

// Clone returns a deep copy of the graph structure. Initializer values are shared, since the
// engine never mutates them.
func (m *Model) Clone() *Model {
	cloneInfos := func(infos []*ValueInfo) []*ValueInfo {
		out := make([]*ValueInfo, len(infos))
		for ii, info := range infos {
			c := *info
			c.Dimensions = slices.Clone(info.Dimensions)
			out[ii] = &c
		}
		return out
	}
	c := &Model{
		Name:      m.Name,
		Opset:     m.Opset,
		Inputs:    cloneInfos(m.Inputs),
		Outputs:   cloneInfos(m.Outputs),
		ValueInfo: cloneInfos(m.ValueInfo),
	}
	for _, init := range m.Initializers {
		c.Initializers = append(c.Initializers, &Initializer{Name: init.Name, Value: init.Value})
	}
	for _, node := range m.Nodes {
		nc := *node
		nc.Inputs = slices.Clone(node.Inputs)
		nc.Outputs = slices.Clone(node.Outputs)
		nc.Attributes = make([]*Attribute, len(node.Attributes))
		for ii, attr := range node.Attributes {
			ac := *attr
			nc.Attributes[ii] = &ac
		}
		c.Nodes = append(c.Nodes, &nc)
	}
	return c
}
