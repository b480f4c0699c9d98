// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantsim

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/quantsim/pkg/core/model"
	"github.com/gomlx/quantsim/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// linearModel: x -> MatMul(w) -> m -> Add(bias) -> y. If extraConsumer is set, m is also consumed by
// a Relu.
func linearModel(biasFirst, extraConsumer bool, biasDims ...int) *model.Model {
	addInputs := []string{"m", "bias"}
	if biasFirst {
		addInputs = []string{"bias", "m"}
	}
	b := model.NewBuilder("linear").
		Input("x", dtypes.Float32, 2, 3).
		Initializer("w", tensors.FromScalarAndDimensions(float32(0.5), 3, 4)).
		Initializer("bias", tensors.FromScalarAndDimensions(float32(0.1), biasDims...)).
		NamedNode("matmul", "MatMul", []string{"x", "w"}, []string{"m"}).
		NamedNode("add", "Add", addInputs, []string{"y"}).
		Output("y", dtypes.Float32, 2, 4)
	if extraConsumer {
		b.NamedNode("relu", "Relu", []string{"m"}, []string{"r"}).
			Output("r", dtypes.Float32, 2, 4)
	}
	return b.Done()
}

func TestFusedLinear(t *testing.T) {
	for _, biasFirst := range []bool{false, true} {
		sim := must.M1(Build(linearModel(biasFirst, false, 4)).Done())
		require.NotNil(t, sim.Quantizer("bias"), "constant inputs are quantized as activations")
		assert.False(t, sim.Quantizer("m").Enabled, "biasFirst=%v", biasFirst)
		assert.False(t, sim.Quantizer("bias").Enabled, "biasFirst=%v", biasFirst)
		assert.True(t, sim.Quantizer("y").Enabled)
		assert.True(t, sim.Quantizer("x").Enabled)
		assert.True(t, sim.Quantizer("w").Enabled)
	}

	// MatMul output used elsewhere.
	sim := must.M1(Build(linearModel(false, true, 4)).Done())
	assert.True(t, sim.Quantizer("m").Enabled)

	// Bias is not 1D.
	sim = must.M1(Build(linearModel(false, false, 1, 4)).Done())
	assert.True(t, sim.Quantizer("m").Enabled)
}

// dynamicMatMulModel: x -> Relu -> a -> MatMul(a, y) -> out, where y is a model input.
func dynamicMatMulModel() *model.Model {
	return model.NewBuilder("dynamic_matmul").
		Input("x", dtypes.Float32, 2, 3).
		Input("y", dtypes.Float32, 3, 4).
		NamedNode("relu", "Relu", []string{"x"}, []string{"a"}).
		NamedNode("matmul", "MatMul", []string{"a", "y"}, []string{"out"}).
		Output("out", dtypes.Float32, 2, 4).
		Done()
}

func TestDynamicMatMulRule(t *testing.T) {
	// Older hardware: second input in 8 bits symmetric.
	sim := must.M1(Build(dynamicMatMulModel()).HWVersion("V68").ActivationBitwidth(16).Done())
	assert.Equal(t, 8, sim.Quantizer("y").Bitwidth)
	assert.True(t, sim.Quantizer("y").Symmetric)
	assert.Equal(t, 16, sim.Quantizer("a").Bitwidth)

	// Newer hardware: a 16 bits second input is symmetric, and the first input is 16 bits.
	sim = must.M1(Build(dynamicMatMulModel()).HWVersion("V73").ActivationBitwidth(16).Done())
	assert.Equal(t, 16, sim.Quantizer("y").Bitwidth)
	assert.True(t, sim.Quantizer("y").Symmetric)
	sim.Quantizer("a").Bitwidth = 8
	sim.applyExceptionRules()
	assert.Equal(t, 16, sim.Quantizer("a").Bitwidth)

	sim = must.M1(Build(dynamicMatMulModel()).HWVersion("V73").Done())
	assert.False(t, sim.Quantizer("y").Symmetric, "8 bits second input is not changed")

	// No rule for unknown hardware.
	sim = must.M1(Build(dynamicMatMulModel()).ActivationBitwidth(16).Done())
	assert.Equal(t, 16, sim.Quantizer("y").Bitwidth)
	assert.False(t, sim.Quantizer("y").Symmetric)

	// Static weights are not dynamic MatMuls.
	sim = must.M1(Build(linearModel(false, false, 4)).HWVersion("V68").ParamBitwidth(4).Done())
	assert.Equal(t, 4, sim.Quantizer("w").Bitwidth)
	assert.False(t, sim.Quantizer("w").Symmetric)
}

func TestClosestEnabledQuantizer(t *testing.T) {
	sim := must.M1(Build(dynamicMatMulModel()).Done())
	a := sim.Graph().Product("a")
	assert.Same(t, sim.Quantizer("a"), sim.closestEnabledQuantizer(a))
	sim.Quantizer("a").Enabled = false
	assert.Same(t, sim.Quantizer("x"), sim.closestEnabledQuantizer(a))
	sim.Quantizer("x").Enabled = false
	assert.Nil(t, sim.closestEnabledQuantizer(a))

	// Unresolved quantizers skip the rule, without failing.
	sim.hwVersion = "V73"
	sim.Quantizer("y").Bitwidth = 16
	sim.applyExceptionRules()
	assert.False(t, sim.Quantizer("y").Symmetric)
}

func groupNormModel() *model.Model {
	return model.NewBuilder("group_norm").
		Input("x", dtypes.Float32, 1, 4, 2, 2).
		Initializer("scale", tensors.FromScalarAndDimensions(float32(1), 4)).
		Initializer("beta", tensors.FromScalarAndDimensions(float32(0), 4)).
		NamedNode("gn", "GroupNormalization", []string{"x", "scale", "beta"}, []string{"y"},
			model.IntAttr("num_groups", 2)).
		Output("y", dtypes.Float32, 1, 4, 2, 2).
		Done()
}

func TestGroupNormRule(t *testing.T) {
	sim, err := Build(groupNormModel()).HWVersion("V73").ActivationBitwidth(16).build()
	require.NoError(t, err)
	assert.Equal(t, []string{"scale", "beta"}, sim.ParamNames())
	assert.Equal(t, 16, sim.Quantizer("scale").Bitwidth)
	assert.Equal(t, 16, sim.Quantizer("beta").Bitwidth)

	sim.Quantizer("y").Symmetric = true
	sim.applyExceptionRules()
	assert.True(t, sim.Quantizer("scale").Symmetric)
	assert.True(t, sim.Quantizer("beta").Symmetric)

	sim, err = Build(groupNormModel()).HWVersion("V69").ActivationBitwidth(16).build()
	require.NoError(t, err)
	assert.Equal(t, 8, sim.Quantizer("scale").Bitwidth)
}
