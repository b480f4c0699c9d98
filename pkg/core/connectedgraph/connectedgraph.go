// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package connectedgraph builds a read-only, connected view of a model.Model: every node becomes an
// Op, every tensor a Product linking its producer to its consumers, and trained parameters are
// attached to the Op that owns them under a role name ("weight", "bias", ...).
//
// The view is a snapshot: structural edits to the model after New are not reflected, which is what
// the quantization passes want, since they reason about the graph as it was before QDQ insertion.
package connectedgraph

import (
	"github.com/gomlx/quantsim/pkg/core/model"
	"github.com/gomlx/quantsim/pkg/core/optypes"
	"github.com/pkg/errors"
)

// ErrCycle is returned when the model's dataflow graph is not acyclic.
var ErrCycle = errors.New("graph has a cycle")

// Product is a tensor flowing between operators.
type Product struct {
	Name string

	// Producer is the Op generating the tensor, nil for model inputs and initializers.
	Producer *Op

	// Consumers are the Ops reading the tensor, in model declaration order.
	Consumers []*Op

	// IsParam is set for initializers bound to a parameter role of some Op.
	IsParam bool

	// IsConst is set for any initializer (static tensor), parameter or not.
	IsConst bool

	// Dimensions of the tensor if known (always known for initializers).
	Dimensions []int
}

// ParamInfo binds a parameter Product to its role in an Op.
type ParamInfo struct {
	Product *Product
	Role    string
}

// Op is an operator application.
type Op struct {
	Name string
	Type optypes.OpType

	// TypeName is the op type as spelled in the model, kept for types outside the known enum.
	TypeName string

	Inputs  []*Product
	Outputs []*Product

	// Parameters maps parameter (product) name to its info.
	Parameters map[string]ParamInfo

	// TransposedParams is set for Gemm ops whose weight is stored transposed (transB=1).
	TransposedParams bool

	node *model.Node
}

// Node returns the model node backing the op.
func (op *Op) Node() *model.Node { return op.node }

// ParamByRole returns the parameter product with the given role, or nil.
func (op *Op) ParamByRole(role string) *Product {
	for _, info := range op.Parameters {
		if info.Role == role {
			return info.Product
		}
	}
	return nil
}

// ConnectedGraph is the connected view of a model.
type ConnectedGraph struct {
	// OrderedOps are all ops in topological order, ties broken by model declaration order.
	OrderedOps []*Op

	ops       map[string]*Op
	products  map[string]*Product
	paramToOp map[string]*Op
}

// New builds the connected graph of m. It returns an error wrapping ErrCycle if m is not acyclic.
func New(m *model.Model) (*ConnectedGraph, error) {
	cg := &ConnectedGraph{
		ops:       make(map[string]*Op, len(m.Nodes)),
		products:  make(map[string]*Product),
		paramToOp: make(map[string]*Op),
	}
	product := func(name string) *Product {
		p, found := cg.products[name]
		if !found {
			p = &Product{Name: name}
			cg.products[name] = p
		}
		return p
	}
	for _, info := range m.Inputs {
		product(info.Name).Dimensions = info.Dimensions
	}
	for _, info := range m.ValueInfo {
		product(info.Name).Dimensions = info.Dimensions
	}
	for _, init := range m.Initializers {
		p := product(init.Name)
		p.IsConst = true
		p.Dimensions = init.Value.Dimensions()
	}

	declared := make([]*Op, 0, len(m.Nodes))
	for _, node := range m.Nodes {
		op := &Op{
			Name:       node.Name,
			Type:       optypes.Parse(node.OpType),
			TypeName:   node.OpType,
			Parameters: make(map[string]ParamInfo),
			node:       node,
		}
		if _, duplicate := cg.ops[op.Name]; duplicate {
			return nil, errors.Errorf("duplicate node name %q in model %q", op.Name, m.Name)
		}
		cg.ops[op.Name] = op
		declared = append(declared, op)
		for _, name := range node.Outputs {
			if name == "" {
				continue
			}
			p := product(name)
			if p.Producer != nil {
				return nil, errors.Errorf("tensor %q produced by both %q and %q", name, p.Producer.Name, op.Name)
			}
			p.Producer = op
			op.Outputs = append(op.Outputs, p)
		}
	}
	for _, op := range declared {
		roles := op.Type.ParamRoles()
		for ii, name := range op.node.Inputs {
			if name == "" {
				continue
			}
			p := product(name)
			op.Inputs = append(op.Inputs, p)
			if len(p.Consumers) == 0 || p.Consumers[len(p.Consumers)-1] != op {
				p.Consumers = append(p.Consumers, op)
			}
			if role, isRole := roles[ii]; isRole && p.IsConst {
				p.IsParam = true
				op.Parameters[name] = ParamInfo{Product: p, Role: role}
				if _, found := cg.paramToOp[name]; !found {
					cg.paramToOp[name] = op
				}
			}
		}
		if op.Type == optypes.OpTypeGemm {
			op.TransposedParams = op.node.IntAttrOr("transB", 0) != 0
		}
	}

	var err error
	cg.OrderedOps, err = topologicalOrder(declared)
	if err != nil {
		return nil, errors.WithMessagef(err, "model %q", m.Name)
	}
	return cg, nil
}

// topologicalOrder sorts ops with an explicit worklist (Kahn's algorithm), picking among the
// ready ops the one declared first.
func topologicalOrder(declared []*Op) ([]*Op, error) {
	position := make(map[*Op]int, len(declared))
	pending := make(map[*Op]int, len(declared))
	for ii, op := range declared {
		position[op] = ii
		seen := make(map[*Op]bool)
		for _, input := range op.Inputs {
			if input.Producer != nil && input.Producer != op && !seen[input.Producer] {
				seen[input.Producer] = true
				pending[op]++
			} else if input.Producer == op {
				return nil, errors.Wrapf(ErrCycle, "op %q consumes its own output %q", op.Name, input.Name)
			}
		}
	}

	ready := make([]*Op, 0, len(declared))
	for _, op := range declared {
		if pending[op] == 0 {
			ready = append(ready, op)
		}
	}
	ordered := make([]*Op, 0, len(declared))
	for len(ready) > 0 {
		// Pop the earliest declared ready op.
		best := 0
		for ii := 1; ii < len(ready); ii++ {
			if position[ready[ii]] < position[ready[best]] {
				best = ii
			}
		}
		op := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		ordered = append(ordered, op)

		released := make(map[*Op]bool)
		for _, output := range op.Outputs {
			for _, consumer := range output.Consumers {
				if released[consumer] {
					continue
				}
				released[consumer] = true
				pending[consumer]--
				if pending[consumer] == 0 {
					ready = append(ready, consumer)
				}
			}
		}
	}
	if len(ordered) != len(declared) {
		var stuck []string
		for _, op := range declared {
			if pending[op] > 0 {
				stuck = append(stuck, op.Name)
			}
		}
		return nil, errors.Wrapf(ErrCycle, "ops %q are part of or downstream of a cycle", stuck)
	}
	return ordered, nil
}

// Ops returns all ops keyed by name.
func (cg *ConnectedGraph) Ops() map[string]*Op { return cg.ops }

// Op returns the op with the given name, or nil.
func (cg *ConnectedGraph) Op(name string) *Op { return cg.ops[name] }

// Products returns all products keyed by tensor name.
func (cg *ConnectedGraph) Products() map[string]*Product { return cg.products }

// Product returns the product with the given tensor name, or nil.
func (cg *ConnectedGraph) Product(name string) *Product { return cg.products[name] }

// OpGivenParamName returns the op owning the parameter with the given name, or nil.
func (cg *ConnectedGraph) OpGivenParamName(name string) *Op { return cg.paramToOp[name] }

// ParamShape returns the dimensions of the parameter with the given name, or nil if unknown.
func (cg *ConnectedGraph) ParamShape(name string) []int {
	if p := cg.products[name]; p != nil {
		return p.Dimensions
	}
	return nil
}
