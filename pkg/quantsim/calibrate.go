// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantsim

import (
	"github.com/gomlx/quantsim/pkg/core/simplexec"
	"github.com/gomlx/quantsim/pkg/quant/quantizer"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ComputeEncodings calibrates the quantizers: forwardPass is called once with the session of the
// simulated model, and should run it over representative data as many times as it wants.
//
// During the forward pass activation quantizers only collect statistics (frozen ones let the values
// through untouched), and parameter quantizers compute their encodings at their first use (frozen
// ones apply their fixed encodings). Afterwards the encodings of all
// non-frozen integer quantizers are derived from the statistics collected, and every quantizer is
// set to quantize-dequantize.
//
// Each call starts over: statistics of previous calls are discarded.
func (sim *SimModel) ComputeEncodings(forwardPass func(session *simplexec.Session) error) error {
	for _, q := range sim.registry.All() {
		q.ResetEncodingStats()
	}
	for _, name := range sim.paramNames {
		q := sim.registry.Get(name)
		if q.IsEncodingFrozen() {
			q.Mode = quantizer.QuantizeDequantize
		} else {
			q.Mode = quantizer.OneShotQuantizeDequantize
		}
	}
	for _, name := range sim.activations.Items() {
		sim.registry.Get(name).Mode = quantizer.UpdateStats
	}

	if err := forwardPass(sim.session); err != nil {
		return errors.WithMessage(err, "forward pass failed while computing encodings")
	}

	var uninitialized int
	for _, q := range sim.registry.All() {
		if q.DataType == quantizer.Int && !q.IsEncodingFrozen() {
			q.ComputeEncodings()
			if q.Enabled && !q.IsInitialized() {
				uninitialized++
			}
		}
		q.Mode = quantizer.QuantizeDequantize
	}
	if uninitialized > 0 {
		klog.Warningf("quantsim: %d enabled quantizers observed no data during calibration and have no encodings", uninitialized)
	}
	return nil
}
