// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantsim

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/quantsim/pkg/core/connectedgraph"
	"github.com/gomlx/quantsim/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// tieQuantizers makes the inputs of ops whose kernels require identical input and output encodings
// (Concat, pooling, Max/Min, Resize) share the quantizer of the op output.
//
// Ops are visited in reverse topological order, so ties propagate upstream through chains of such
// ops. For each input, the quantizer that owns its encoding is found walking upstream through
// producers that have no output quantizer, or that only change the layout of their input.
func (sim *SimModel) tieQuantizers() error {
	var count int
	err := exceptions.TryCatch[error](func() {
		for _, op := range slices.Backward(sim.graph.OrderedOps) {
			if !op.Type.TiesQuantizers() {
				continue
			}
			if sim.tieOp(op) {
				count++
			}
		}
	})
	if err != nil {
		return err
	}
	klog.V(1).Infof("quantsim: tied the quantizers of %d ops", count)
	return nil
}

// tieOp ties the inputs of op to its output quantizer. It returns false if op has no output quantizer.
func (sim *SimModel) tieOp(op *connectedgraph.Op) bool {
	var outputNames []string
	for _, output := range op.Outputs {
		if sim.registry.Has(output.Name) {
			outputNames = append(outputNames, output.Name)
		}
	}
	if len(outputNames) == 0 {
		return false
	}
	if len(outputNames) > 1 {
		panic(errors.Wrapf(ErrStructural, "op %q (%s) has %d output quantizers, tying requires exactly one",
			op.Name, op.TypeName, len(outputNames)))
	}
	srcSlot, _ := sim.registry.Slot(outputNames[0])

	visited := sets.Make[*connectedgraph.Product]()
	worklist := slices.Clone(op.Inputs)
	for len(worklist) > 0 {
		p := worklist[0]
		worklist = worklist[1:]
		if visited.Has(p) {
			continue
		}
		visited.Insert(p)

		if p.Producer == nil {
			if !p.IsParam {
				sim.aliasTo(p.Name, srcSlot)
			}
			continue
		}
		if !p.Producer.Type.IsLayoutOnly() && sim.registry.Has(p.Name) {
			sim.aliasTo(p.Name, srcSlot)
			continue
		}
		for _, input := range p.Producer.Inputs {
			if !input.IsParam {
				worklist = append(worklist, input)
			}
		}
	}
	return true
}

// aliasTo binds every name sharing the quantizer of tensor name to the quantizer in srcSlot, and
// updates their QDQ nodes.
func (sim *SimModel) aliasTo(name string, srcSlot int) {
	dstSlot, found := sim.registry.Slot(name)
	if !found {
		return
	}
	for _, rebound := range sim.registry.AliasSlot(dstSlot, srcSlot) {
		sim.setQuantInfo(rebound, srcSlot)
		klog.V(2).Infof("quantsim: quantizer of %q tied to slot %d", rebound, srcSlot)
	}
}
