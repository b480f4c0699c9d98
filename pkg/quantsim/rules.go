// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantsim

import (
	"github.com/gomlx/quantsim/pkg/core/connectedgraph"
	"github.com/gomlx/quantsim/pkg/core/optypes"
	"github.com/gomlx/quantsim/pkg/quant/quantizer"
	"github.com/gomlx/quantsim/pkg/support/sets"
	"k8s.io/klog/v2"
)

// Hardware versions with distinct exception rules.
var (
	olderHWVersions = sets.MakeWith("V66", "V68", "V69")
	newerHWVersions = sets.MakeWith("V73", "V75", "V79", "V81")
)

// applyExceptionRules overrides quantizer settings for op patterns with hardware specific
// constraints:
//
//   - GroupNormalization (newer hardware): parameters use the bitwidth and symmetry of the output.
//   - Dynamic MatMul (the second input is not a parameter): older hardware requires the second input
//     in 8 bits symmetric; newer hardware requires a 16 bits second input to be symmetric, and then
//     the first input to be 16 bits as well.
//   - MatMul followed by a bias Add: the runtime fuses them, so the MatMul output and the bias are
//     not quantized.
func (sim *SimModel) applyExceptionRules() {
	count := 0
	for _, op := range sim.graph.OrderedOps {
		switch {
		case op.Type == optypes.OpTypeGroupNormalization:
			if sim.applyGroupNormRule(op) {
				count++
			}
		case op.Type == optypes.OpTypeMatMul:
			if sim.applyDynamicMatMulRule(op) {
				count++
			}
		case sim.isMatMulBiasAdd(op):
			for _, input := range op.Inputs {
				if q := sim.registry.Get(input.Name); q != nil {
					q.Enabled = false
				}
			}
			klog.V(2).Infof("quantsim: op %q fuses with its MatMul input, disabled its input quantizers", op.Name)
			count++
		}
	}
	klog.V(1).Infof("quantsim: exception rules applied to %d ops (hardware version %q)", count, sim.hwVersion)
}

func (sim *SimModel) applyGroupNormRule(op *connectedgraph.Op) bool {
	if !newerHWVersions.Has(sim.hwVersion) {
		return false
	}
	_, outputs, params := sim.registry.OpQuantizers(op)
	if _, found := params[optypes.RoleWeight]; !found {
		return false
	}
	if len(outputs) == 0 {
		klog.Warningf("quantsim: op %q has no output quantizer, GroupNormalization exception rule does not apply", op.Name)
		return false
	}
	for _, q := range params {
		q.Bitwidth = outputs[0].Bitwidth
		q.Symmetric = outputs[0].Symmetric
	}
	return true
}

func (sim *SimModel) applyDynamicMatMulRule(op *connectedgraph.Op) bool {
	if len(op.Inputs) < 2 || op.Inputs[1].IsParam {
		return false
	}
	first := sim.closestEnabledQuantizer(op.Inputs[0])
	second := sim.closestEnabledQuantizer(op.Inputs[1])
	switch {
	case olderHWVersions.Has(sim.hwVersion):
		if second == nil {
			klog.Warningf("quantsim: the quantizer of the second input could not be found, "+
				"MatMul exception rule does not apply for op %q", op.Name)
			return false
		}
		second.Symmetric = true
		second.Bitwidth = 8
		return true
	case newerHWVersions.Has(sim.hwVersion):
		if first == nil || second == nil {
			klog.Warningf("quantsim: the quantizers of the inputs could not be found, "+
				"MatMul exception rule does not apply for op %q", op.Name)
			return false
		}
		if second.Bitwidth == 16 {
			second.Symmetric = true
			first.Bitwidth = 16
			return true
		}
	}
	return false
}

// closestEnabledQuantizer returns the first enabled quantizer found walking upstream from p, following
// the first input of each producer. It returns nil if the walk reaches a tensor with no producer.
func (sim *SimModel) closestEnabledQuantizer(p *connectedgraph.Product) *quantizer.Quantizer {
	visited := sets.Make[*connectedgraph.Product]()
	for p != nil {
		if visited.Has(p) {
			klog.Warningf("quantsim: cycle found walking upstream from tensor %q", p.Name)
			return nil
		}
		visited.Insert(p)
		if q := sim.registry.Get(p.Name); q != nil && q.Enabled {
			return q
		}
		if p.Producer == nil || len(p.Producer.Inputs) == 0 {
			return nil
		}
		p = p.Producer.Inputs[0]
	}
	return nil
}

// isMatMulBiasAdd returns whether op is an Add of a MatMul output, used only by this Add, and a 1D
// static tensor (the bias). Operands are tried in input order and the first one produced by a
// MatMul decides.
func (sim *SimModel) isMatMulBiasAdd(op *connectedgraph.Op) bool {
	if op.Type != optypes.OpTypeAdd || len(op.Inputs) != 2 {
		return false
	}
	for _, order := range [2][2]int{{0, 1}, {1, 0}} {
		matmulOutput, bias := op.Inputs[order[0]], op.Inputs[order[1]]
		if matmulOutput.Producer == nil || matmulOutput.Producer.Type != optypes.OpTypeMatMul {
			continue
		}
		if len(matmulOutput.Consumers) > 1 {
			return false
		}
		init := sim.model.Initializer(bias.Name)
		return init != nil && init.Value.Rank() == 1
	}
	return false
}
