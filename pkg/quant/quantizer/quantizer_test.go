// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantizer

import (
	"testing"

	"github.com/gomlx/quantsim/pkg/core/tensors"
	"github.com/gomlx/quantsim/pkg/quant/encodings"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	assert.Equal(t, Float, must.M1(ParseDataType("FLOAT")))
	assert.Equal(t, "int", Int.String())
	_, err := ParseDataType("bool")
	assert.Error(t, err)

	assert.Equal(t, SchemePercentile, must.M1(ParseQuantScheme("percentile")))
	assert.Equal(t, SchemeTF, must.M1(ParseQuantScheme("tf")))
	assert.Equal(t, RoundStochastic, must.M1(ParseRoundingMode("stochastic")))
	assert.Equal(t, "UpdateStats", UpdateStats.String())
}

func TestCalibrationLifecycle(t *testing.T) {
	q := New(8, false, SchemeTF, RoundNearest, UpdateStats, nil)
	x := tensors.FromFlatDataAndDimensions([]float32{-1, 0, 0.5, 2}, 2, 2)

	// Collecting statistics does not change the values.
	out := must.M1(q.Apply(x))
	assert.Same(t, x, out)
	assert.False(t, q.IsInitialized())

	q.ComputeEncodings()
	require.True(t, q.IsInitialized())
	e := q.Encodings()[0]
	assert.Equal(t, 8, e.Bitwidth)
	assert.LessOrEqual(t, e.Min, -1.0+1e-6)
	assert.GreaterOrEqual(t, e.Max, 2.0-1e-6)

	q.Mode = QuantizeDequantize
	out = must.M1(q.Apply(x))
	assert.NotSame(t, x, out)
	assert.InDeltaSlice(t, []float32{-1, 0, 0.5, 2}, out.Floats(), float64(e.Scale))

	// Reset clears the encodings, unless frozen.
	q.ResetEncodingStats()
	assert.False(t, q.IsInitialized())
	_, err := q.Apply(x)
	assert.Error(t, err)
	assert.Error(t, q.Freeze())
}

func TestSetPercentile(t *testing.T) {
	q := New(8, false, SchemePercentile, RoundNearest, UpdateStats, nil)
	assert.Error(t, q.SetPercentile(30))
	assert.Error(t, q.SetPercentile(101))
	assert.Equal(t, 0.0, q.Percentile())
	require.NoError(t, q.SetPercentile(90))
	assert.Equal(t, 90.0, q.Percentile())

	values := make([]float32, 0, 102)
	for ii := 0; ii <= 100; ii++ {
		values = append(values, float32(ii))
	}
	values = append(values, 10_000)
	_ = must.M1(q.Apply(tensors.FromFlatDataAndDimensions(values, len(values))))
	q.ComputeEncodings()
	require.True(t, q.IsInitialized())
	assert.Less(t, q.Encodings()[0].Max, 100.0, "outlier discarded")
}

func TestOneShotAndFreeze(t *testing.T) {
	params := &TensorQuantizerParams{Shape: []int{2, 2}, ChannelAxis: 0, HasChannelAxis: true, BlockAxis: 1, HasBlockAxis: true}
	q := New(8, true, SchemeTF, RoundNearest, OneShotQuantizeDequantize, params)
	w := tensors.FromFlatDataAndDimensions([]float32{-1, 1, -2, 2}, 2, 2)
	_ = must.M1(q.Apply(w))
	assert.Equal(t, QuantizeDequantize, q.Mode)
	require.True(t, q.IsInitialized())
	before := q.Encodings()

	require.NoError(t, q.Freeze())
	assert.True(t, q.IsEncodingFrozen())
	q.ResetEncodingStats()
	q.ComputeEncodings()
	assert.Equal(t, before, q.Encodings())
	assert.Error(t, q.LoadEncodings([]encodings.Record{{Bitwidth: 8, DType: "int"}}, 0))

	q.Unfreeze()
	q.ResetEncodingStats()
	assert.False(t, q.IsInitialized())
}

func TestPerChannel(t *testing.T) {
	params := &TensorQuantizerParams{Shape: []int{2, 3}, ChannelAxis: 0, HasChannelAxis: true}
	q := New(8, true, SchemeTF, RoundNearest, UpdateStats, params)
	require.NoError(t, q.EnablePerChannel(true))
	assert.Equal(t, 2, q.NumGroups())

	w := tensors.FromFlatDataAndDimensions([]float32{-1, 0, 1, -10, 0, 10}, 2, 3)
	_ = must.M1(q.Apply(w))
	q.ComputeEncodings()
	encs := q.Encodings()
	require.Len(t, encs, 2)
	assert.InDelta(t, 1.0/127, encs[0].Scale, 1e-9)
	assert.InDelta(t, 10.0/127, encs[1].Scale, 1e-9)

	// Activations have no channel axis.
	assert.Error(t, New(8, false, SchemeTF, RoundNearest, UpdateStats, nil).EnablePerChannel(true))
}

func TestBlockwise(t *testing.T) {
	params := &TensorQuantizerParams{Shape: []int{2, 4}, ChannelAxis: 0, HasChannelAxis: true, BlockAxis: 1, HasBlockAxis: true}
	q := New(4, true, SchemeTF, RoundNearest, UpdateStats, params)
	q.UnsignedSymmetric = false
	assert.Error(t, q.EnableBlockwise(3))
	require.NoError(t, q.EnableBlockwise(2))
	assert.Equal(t, 4, q.NumGroups())

	w := tensors.FromFlatDataAndDimensions([]float32{1, -1, 7, -7, 2, 2, 0.5, 0}, 2, 4)
	_ = must.M1(q.Apply(w))
	q.ComputeEncodings()
	encs := q.Encodings()
	require.Len(t, encs, 4)
	assert.InDelta(t, 1.0/7, encs[0].Scale, 1e-9)
	assert.InDelta(t, 1.0, encs[1].Scale, 1e-9)
	assert.InDelta(t, 2.0/7, encs[2].Scale, 1e-9)
	assert.InDelta(t, 0.5/7, encs[3].Scale, 1e-9)

	te := q.Export()
	require.NotNil(t, te)
	assert.Equal(t, encodings.EncTypePerBlock, te.EncType)
	assert.Equal(t, 2, te.BlockSize)
}

func TestGroupedBlockwise(t *testing.T) {
	params := &TensorQuantizerParams{Shape: []int{1, 4}, ChannelAxis: 0, HasChannelAxis: true, BlockAxis: 1, HasBlockAxis: true}
	from := New(8, false, SchemeTF, RoundNearest, OneShotQuantizeDequantize, params)
	_, err := NewGroupedBlockwise(from, 4, 4, 2)
	assert.Error(t, err)

	q := must.M1(NewGroupedBlockwise(from, 4, 8, 2))
	assert.True(t, q.IsGroupedBlockwise())
	assert.True(t, q.Symmetric)
	w := tensors.FromFlatDataAndDimensions([]float32{7, -7, 0.3, 0}, 1, 4)
	_ = must.M1(q.Apply(w))
	encs := q.Encodings()
	require.Len(t, encs, 2)
	perChannelScale := 1.0 / 16
	assert.InDelta(t, 16*perChannelScale, encs[0].Scale, 1e-9)
	// 0.3/7 = 0.0428... rounds up to one step of the per-channel scale.
	assert.InDelta(t, perChannelScale, encs[1].Scale, 1e-9)
}

func TestFloatQuantizer(t *testing.T) {
	q := New(16, false, SchemeTF, RoundNearest, QuantizeDequantize, nil)
	q.DataType = Float
	x := tensors.FromFlatDataAndDimensions([]float32{1.0001, 65504, 1e-8}, 3)
	out := must.M1(q.Apply(x))
	assert.Equal(t, float32(1), out.Floats()[0])
	assert.Equal(t, float32(65504), out.Floats()[1])
	assert.Equal(t, float32(0), out.Floats()[2])

	// Float quantizers never derive encodings, but always export.
	q.ComputeEncodings()
	assert.False(t, q.IsInitialized())
	te := q.Export()
	require.NotNil(t, te)
	assert.Equal(t, encodings.DTypeFloat, te.Records[0].DType)
}

func TestDisabledAndPassthrough(t *testing.T) {
	q := New(8, false, SchemeTF, RoundNearest, QuantizeDequantize, nil)
	x := tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2)
	q.Enabled = false
	assert.Same(t, x, must.M1(q.Apply(x)))
	assert.Nil(t, q.Export())
	q.Enabled = true
	q.Mode = Passthrough
	assert.Same(t, x, must.M1(q.Apply(x)))
}

func TestStochasticRounding(t *testing.T) {
	q := New(8, false, SchemeTF, RoundStochastic, QuantizeDequantize, nil)
	q.SetSeed(42)
	require.NoError(t, q.LoadEncodings([]encodings.Record{
		encodings.RecordFromEncoding(encodings.FromOffsetAndScale(8, 0, 1), false),
	}, 0))
	x := tensors.FromScalarAndDimensions(float32(0.5), 1000)
	out := must.M1(q.Apply(x))
	var zeros, ones int
	for _, v := range out.Floats() {
		switch v {
		case 0:
			zeros++
		case 1:
			ones++
		}
	}
	assert.Equal(t, 1000, zeros+ones)
	assert.Greater(t, zeros, 300)
	assert.Greater(t, ones, 300)
}

func TestLoadEncodings(t *testing.T) {
	params := &TensorQuantizerParams{Shape: []int{2, 3}, ChannelAxis: 0, HasChannelAxis: true}
	q := New(8, false, SchemeTF, RoundNearest, OneShotQuantizeDequantize, params)
	q.Enabled = false
	records := []encodings.Record{
		encodings.RecordFromEncoding(encodings.FromOffsetAndScale(4, -7, 0.1), true),
		encodings.RecordFromEncoding(encodings.FromOffsetAndScale(4, -7, 0.2), true),
	}
	require.NoError(t, q.LoadEncodings(records, 0))
	assert.True(t, q.Enabled)
	assert.True(t, q.IsPerChannel())
	assert.Equal(t, 4, q.Bitwidth)
	assert.True(t, q.Symmetric)
	assert.True(t, q.StrictSymmetric)
	assert.False(t, q.UnsignedSymmetric)
	assert.Equal(t, QuantizeDequantize, q.Mode)

	te := q.Export()
	require.NotNil(t, te)
	assert.Equal(t, records, te.Records)

	// Wrong number of groups.
	assert.Error(t, q.LoadEncodings(append(records, records[0]), 0))

	require.NoError(t, q.LoadEncodings([]encodings.Record{{Bitwidth: 16, DType: encodings.DTypeFloat}}, 0))
	assert.Equal(t, Float, q.DataType)
	assert.Equal(t, 16, q.Bitwidth)
}

func TestClipAndRecomputeEncodings(t *testing.T) {
	q := New(8, false, SchemeTF, RoundNearest, UpdateStats, nil)
	assert.False(t, q.ClipAndRecomputeEncodings(1))
	_ = must.M1(q.Apply(tensors.FromFlatDataAndDimensions([]float32{-10, 10}, 2)))
	q.ComputeEncodings()
	assert.True(t, q.ClipAndRecomputeEncodings(4))
	e := q.Encodings()[0]
	assert.InDelta(t, 4.0, e.Max, 0.05)
	assert.False(t, q.ClipAndRecomputeEncodings(100))
}
