// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantsim

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/quantsim/pkg/core/model"
	"github.com/gomlx/quantsim/pkg/core/tensors"
	"github.com/gomlx/quantsim/pkg/quant/encodings"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// weightsModel: x -> MatMul(w) -> y, with w of shape [8, 2].
func weightsModel() *model.Model {
	w := make([]float32, 16)
	for ii := range w {
		w[ii] = float32(ii) - 7.5
	}
	return model.NewBuilder("weights").
		Input("x", dtypes.Float32, 1, 8).
		Initializer("w", tensors.FromFlatDataAndDimensions(w, 8, 2)).
		NamedNode("matmul", "MatMul", []string{"x", "w"}, []string{"y"}).
		Output("y", dtypes.Float32, 1, 2).
		Done()
}

func weightsSamples() []map[string]*tensors.Tensor {
	return []map[string]*tensors.Tensor{
		{"x": tensors.FromFlatDataAndDimensions([]float32{1, 0, -1, 0, 1, 0, -1, 0}, 1, 8)},
	}
}

func TestBlockwiseWeights(t *testing.T) {
	sim := must.M1(Build(weightsModel()).Done())
	require.NoError(t, sim.SetBlockwiseQuantizationForWeights([]string{"MatMul"}, 4, true, 4, true))
	w := sim.Quantizer("w")
	assert.Equal(t, 4, w.Bitwidth)
	assert.True(t, w.Symmetric)
	assert.Equal(t, 4, w.BlockSize())
	assert.Equal(t, 4, w.NumGroups(), "2 output channels by 2 blocks")

	require.NoError(t, sim.ComputeEncodings(forwardPass(weightsSamples())))
	doc := must.M1(sim.ExportDocument())
	te := doc.Tensor("w")
	require.NotNil(t, te)
	assert.Equal(t, encodings.EncTypePerBlock, te.EncType)
	assert.Equal(t, 4, te.BlockSize)
	assert.Len(t, te.Records, 4)

	// Incompatible block size.
	sim = must.M1(Build(weightsModel()).Done())
	assert.Error(t, sim.SetBlockwiseQuantizationForWeights([]string{"MatMul"}, 4, true, 3, true))
	assert.NoError(t, sim.SetBlockwiseQuantizationForWeights([]string{"MatMul"}, 4, true, 3, false))
	assert.Equal(t, 8, sim.Quantizer("w").Bitwidth, "incompatible weights are left unchanged")
	assert.Zero(t, sim.Quantizer("w").BlockSize())

	// Other op types are not affected.
	assert.NoError(t, sim.SetBlockwiseQuantizationForWeights([]string{"Conv"}, 4, true, 4, true))
	assert.Zero(t, sim.Quantizer("w").BlockSize())
}

func TestGroupedBlockwiseWeights(t *testing.T) {
	sim := must.M1(Build(weightsModel()).Done())
	before := sim.Quantizer("w")
	require.NoError(t, sim.SetGroupedBlockwiseQuantizationForWeights([]string{"MatMul"}, 4, 8, 4, true))
	w := sim.Quantizer("w")
	assert.NotSame(t, before, w)
	assert.True(t, w.IsGroupedBlockwise())
	assert.Equal(t, 8, w.DecompressedBitwidth())

	// The QDQ node sees the new quantizer through its slot.
	require.NoError(t, sim.ComputeEncodings(forwardPass(weightsSamples())))
	assert.Len(t, w.Encodings(), 4)
	assert.Nil(t, before.Encodings())

	sim = must.M1(Build(weightsModel()).Done())
	assert.Error(t, sim.SetGroupedBlockwiseQuantizationForWeights([]string{"MatMul"}, 8, 4, 4, true))
	assert.NoError(t, sim.SetGroupedBlockwiseQuantizationForWeights([]string{"MatMul"}, 4, 8, 3, false))
	assert.False(t, sim.Quantizer("w").IsGroupedBlockwise())
}

func TestClampActivationEncodings(t *testing.T) {
	sim := must.M1(Build(concatModel()).Done())
	require.NoError(t, sim.ComputeEncodings(forwardPass(concatSamples())))
	require.Greater(t, sim.Quantizer("x3").Encodings()[0].Max, 1.9)
	sim.ClampActivationEncodings(1)
	// Recomputed encodings snap to the quantization grid: allow one step of slack.
	const step = 2.0 / 255
	for _, name := range sim.ActivationNames() {
		for _, e := range sim.Quantizer(name).Encodings() {
			assert.GreaterOrEqual(t, e.Min, -1.0-step, "tensor %q", name)
			assert.LessOrEqual(t, e.Max, 1.0+step, "tensor %q", name)
		}
	}
}
