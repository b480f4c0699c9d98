// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"maps"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/quantsim/pkg/core/connectedgraph"
	"github.com/gomlx/quantsim/pkg/core/optypes"
	"github.com/gomlx/quantsim/pkg/quant/quantizer"
	"github.com/gomlx/quantsim/pkg/quant/registry"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Target is what a configuration is applied to: the quantizers of a simulated model and the graph
// they were created for.
type Target struct {
	Graph    *connectedgraph.ConnectedGraph
	Registry *registry.Registry

	// ModelInputs and ModelOutputs are the names of the model inputs and outputs as registered in
	// Registry (that is, before any renaming).
	ModelInputs, ModelOutputs []string

	// ActivationBitwidth, ParamBitwidth and DataType are the defaults of the simulation, used to
	// check the configuration against the supported kernels.
	ActivationBitwidth, ParamBitwidth int
	DataType                          quantizer.DataType
}

// Configure applies the configuration to the quantizers of target:
//
//  1. Activation quantizers are enabled according to is_output_quantized (outputs of ops) and
//     is_input_quantized (free-standing inputs of ops), with the op type settings overriding the
//     defaults.
//  2. Parameter quantizers follow is_quantized and is_symmetric: op type settings override the
//     per-role params section, which overrides the defaults. Weights of operators supporting it are
//     quantized per-channel if per_channel_quantization is set.
//  3. Intermediate outputs of supergroups are not quantized.
//  4. model_input and model_output settings are applied last.
//  5. strict_symmetric and unsigned_symmetric defaults are applied to every quantizer.
func (cfg *Config) Configure(target Target) error {
	err := exceptions.TryCatch[error](func() { cfg.configure(target) })
	if err != nil {
		return errors.WithMessage(err, "failed to apply quantization simulation configuration")
	}
	return nil
}

func (cfg *Config) configure(target Target) {
	reg := target.Registry
	if target.Graph == nil || reg == nil {
		exceptions.Panicf("configuration target requires a graph and a registry")
	}
	for opType := range cfg.OpType {
		if optypes.Parse(opType) == optypes.OpTypeUnknown {
			klog.V(1).Infof("quantsim config: op_type %q is not a known operator type, it will only match by name", opType)
		}
	}
	cfg.checkSupportedKernels(target)

	for _, op := range target.Graph.OrderedOps {
		opCfg := cfg.opConfig(op.TypeName)
		cfg.configureActivations(op, opCfg, reg)
		cfg.configureParams(op, opCfg, reg)
	}
	cfg.configureSupergroups(target.Graph, reg)

	setIO := func(names []string, setting Bool) {
		if !setting.IsSet() {
			return
		}
		for _, name := range names {
			if q := reg.Get(name); q != nil {
				q.Enabled = setting.Or(true)
			}
		}
	}
	setIO(target.ModelInputs, cfg.ModelInput.IsInputQuantized)
	setIO(target.ModelOutputs, cfg.ModelOutput.IsOutputQuantized)

	strict, unsigned := cfg.Defaults.StrictSymmetric, cfg.Defaults.UnsignedSymmetric
	for _, q := range reg.All() {
		q.StrictSymmetric = strict.Or(q.StrictSymmetric)
		q.UnsignedSymmetric = unsigned.Or(q.UnsignedSymmetric)
	}
}

func (cfg *Config) configureActivations(op *connectedgraph.Op, opCfg OpConfig, reg *registry.Registry) {
	inputs, outputs, _ := reg.OpQuantizers(op)
	for _, q := range inputs {
		q.Enabled = opCfg.IsInputQuantized.Or(false)
		q.Symmetric = opCfg.IsSymmetric.Or(q.Symmetric)
	}
	for _, q := range outputs {
		q.Enabled = opCfg.IsOutputQuantized.Or(false)
		q.Symmetric = opCfg.IsSymmetric.Or(q.Symmetric)
	}
}

func (cfg *Config) configureParams(op *connectedgraph.Op, opCfg OpConfig, reg *registry.Registry) {
	_, _, params := reg.OpQuantizers(op)
	perChannel := opCfg.PerChannelQuantization.Override(cfg.Defaults.PerChannelQuantization).Or(false)
	for _, role := range slices.Sorted(maps.Keys(params)) {
		q := params[role]
		pc := cfg.paramConfig(op.TypeName, role)
		q.Enabled = pc.IsQuantized.Or(false)
		q.Symmetric = pc.IsSymmetric.Or(q.Symmetric)
		if perChannel && role == optypes.RoleWeight && op.Type.SupportsPerChannel() {
			if err := q.EnablePerChannel(true); err != nil {
				exceptions.Panicf("op %q (%s): %v", op.Name, op.TypeName, err)
			}
		}
	}
}

// configureSupergroups disables the output quantizers of every op but the last of each chain
// matching a supergroup. Each link of the chain must be the only consumer of the previous op's
// single output.
func (cfg *Config) configureSupergroups(cg *connectedgraph.ConnectedGraph, reg *registry.Registry) {
	for _, sg := range cfg.Supergroups {
		for _, op := range cg.OrderedOps {
			chain := matchChain(op, sg.OpList)
			if chain == nil {
				continue
			}
			for _, member := range chain[:len(chain)-1] {
				for _, output := range member.Outputs {
					if q := reg.Get(output.Name); q != nil {
						q.Enabled = false
					}
				}
			}
			klog.V(2).Infof("quantsim config: supergroup %q starting at op %q", sg.OpList, op.Name)
		}
	}
}

// matchChain returns the ops of the chain starting at op whose types match opList, or nil.
func matchChain(op *connectedgraph.Op, opList []string) []*connectedgraph.Op {
	chain := make([]*connectedgraph.Op, 0, len(opList))
	current := op
	for ii, opType := range opList {
		if current.TypeName != opType {
			return nil
		}
		chain = append(chain, current)
		if ii == len(opList)-1 {
			break
		}
		if len(current.Outputs) != 1 || len(current.Outputs[0].Consumers) != 1 {
			return nil
		}
		current = current.Outputs[0].Consumers[0]
	}
	return chain
}

// checkSupportedKernels warns if the default precisions of the simulation are not among the default
// supported kernels of the configuration.
func (cfg *Config) checkSupportedKernels(target Target) {
	kernels := cfg.Defaults.SupportedKernels
	if len(kernels) == 0 {
		return
	}
	dtype := target.DataType.String()
	supported := slices.ContainsFunc(kernels, func(k SupportedKernel) bool {
		return k.Activation.Bitwidth == target.ActivationBitwidth && k.Activation.DType == dtype &&
			k.Param.Bitwidth == target.ParamBitwidth && k.Param.DType == dtype
	})
	if !supported {
		klog.Warningf("quantsim config: default precision (activations %s%d, params %s%d) is not among the "+
			"supported kernels of hardware %q", dtype, target.ActivationBitwidth, dtype, target.ParamBitwidth,
			cfg.HWVersion())
	}
}
