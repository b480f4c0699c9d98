// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantsim

import (
	"slices"

	"github.com/gomlx/quantsim/pkg/core/optypes"
	"github.com/gomlx/quantsim/pkg/quant/quantizer"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// weightQuantizers returns the names of the weight parameters with a quantizer of the ops of the
// given types, in topological order.
func (sim *SimModel) weightQuantizers(opTypes []string) []string {
	var names []string
	for _, op := range sim.graph.OrderedOps {
		if !slices.Contains(opTypes, op.TypeName) {
			continue
		}
		weight := op.ParamByRole(optypes.RoleWeight)
		if weight == nil || !sim.registry.Has(weight.Name) {
			continue
		}
		names = append(names, weight.Name)
	}
	return names
}

// SetBlockwiseQuantizationForWeights sets the weight quantizers of the ops of the given types (e.g.
// "Conv", "Gemm", "MatMul") to blockwise integer quantization: per-channel over the output
// channels, with one encoding per blockSize input channels.
//
// Weights whose input channels are not divisible by blockSize are left unchanged, unless strict is
// set, in which case an error is returned.
func (sim *SimModel) SetBlockwiseQuantizationForWeights(opTypes []string, bitwidth int, symmetric bool,
	blockSize int, strict bool) error {
	var count int
	for _, name := range sim.weightQuantizers(opTypes) {
		q := sim.registry.Get(name)
		if err := q.EnableBlockwise(blockSize); err != nil {
			if strict {
				return errors.WithMessagef(err, "failed to set blockwise quantization for %q", name)
			}
			klog.V(1).Infof("quantsim: blockwise quantization not set for %q: %v", name, err)
			continue
		}
		q.Bitwidth = bitwidth
		q.Symmetric = symmetric
		q.DataType = quantizer.Int
		count++
	}
	klog.V(1).Infof("quantsim: blockwise quantization (block size %d) set for %d weights", blockSize, count)
	return nil
}

// SetGroupedBlockwiseQuantizationForWeights replaces the weight quantizers of the ops of the given
// types by grouped blockwise (LPBQ) quantizers: symmetric blockwise quantization with bitwidth bits,
// where block scales are integer multiples of a per-channel scale, as if decompressed to
// decompressedBitwidth bits.
//
// Weights incompatible with blockSize are left unchanged, unless strict is set, in which case an
// error is returned.
func (sim *SimModel) SetGroupedBlockwiseQuantizationForWeights(opTypes []string, bitwidth, decompressedBitwidth,
	blockSize int, strict bool) error {
	var count int
	for _, name := range sim.weightQuantizers(opTypes) {
		grouped, err := quantizer.NewGroupedBlockwise(sim.registry.Get(name), bitwidth, decompressedBitwidth, blockSize)
		if err != nil {
			if strict {
				return errors.WithMessagef(err, "failed to set grouped blockwise quantization for %q", name)
			}
			klog.V(1).Infof("quantsim: grouped blockwise quantization not set for %q: %v", name, err)
			continue
		}
		slot, _ := sim.registry.Slot(name)
		sim.registry.Replace(slot, grouped)
		count++
	}
	klog.V(1).Infof("quantsim: grouped blockwise quantization (block size %d) set for %d weights", blockSize, count)
	return nil
}

// ClampActivationEncodings restricts the encodings of the activations to [-clampValue, clampValue].
func (sim *SimModel) ClampActivationEncodings(clampValue float64) {
	for _, name := range sim.activations.Items() {
		if sim.registry.Get(name).ClipAndRecomputeEncodings(clampValue) {
			klog.Infof("quantsim: clamped tensor %s", name)
		}
	}
}
