// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantsim

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/quantsim/pkg/core/model"
	"github.com/gomlx/quantsim/pkg/core/optypes"
	"github.com/gomlx/quantsim/pkg/core/simplexec"
	"github.com/gomlx/quantsim/pkg/core/tensors"
	"github.com/gomlx/quantsim/pkg/quant/encodings"
	"github.com/gomlx/quantsim/pkg/quant/quantizer"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// convModel: x -> Conv(w, b) -> y, with a 1x1 kernel and 2 output channels.
func convModel() *model.Model {
	return model.NewBuilder("conv").
		Input("x", dtypes.Float32, 1, 1, 2, 2).
		Initializer("w", tensors.FromFlatDataAndDimensions([]float32{0.5, -1}, 2, 1, 1, 1)).
		Initializer("b", tensors.FromFlatDataAndDimensions([]float32{0.1, -0.1}, 2)).
		NamedNode("conv", "Conv", []string{"x", "w", "b"}, []string{"y"}).
		Output("y", dtypes.Float32, 1, 2, 2, 2).
		Done()
}

// convSamples range over [-1, 2].
func convSamples() []map[string]*tensors.Tensor {
	return []map[string]*tensors.Tensor{
		{"x": tensors.FromFlatDataAndDimensions([]float32{-1, 0, 0.5, 1}, 1, 1, 2, 2)},
		{"x": tensors.FromFlatDataAndDimensions([]float32{2, 0.25, -0.5, 1}, 1, 1, 2, 2)},
	}
}

func forwardPass(samples []map[string]*tensors.Tensor) func(*simplexec.Session) error {
	return func(session *simplexec.Session) error {
		for _, batch := range samples {
			if _, err := session.Run(batch); err != nil {
				return err
			}
		}
		return nil
	}
}

func writeJSON(filePath string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return os.WriteFile(filePath, data, 0o644)
}

func calibratedConvSim(t *testing.T, b *Builder) *SimModel {
	sim, err := b.Done()
	require.NoError(t, err)
	require.NoError(t, sim.ComputeEncodings(forwardPass(convSamples())))
	return sim
}

func TestInsertion(t *testing.T) {
	m := convModel()
	sim, err := Build(m).Done()
	require.NoError(t, err)
	assert.Equal(t, []string{"w", "b"}, sim.ParamNames())
	assert.Equal(t, []string{"x", "y"}, sim.ActivationNames())
	assert.Empty(t, sim.InputQuantizerNames(), "model inputs are not counted as node inputs")

	qm := sim.Model()
	for _, name := range append(sim.ParamNames(), sim.ActivationNames()...) {
		var qdqConsumers, otherConsumers int
		for _, node := range qm.Nodes {
			if !slices.Contains(node.Inputs, name) {
				continue
			}
			if optypes.Parse(node.OpType) == optypes.OpTypeQcQuantizeOp {
				qdqConsumers++
			} else {
				otherConsumers++
			}
		}
		assert.Equal(t, 1, qdqConsumers, "tensor %q", name)
		assert.Zero(t, otherConsumers, "tensor %q is still read unquantized", name)
	}
	assert.Equal(t, []string{"x_updated", "w_qdq", "b_qdq"}, qm.NodeByName("conv").Inputs)
	assert.Equal(t, "y_updated", qm.Outputs[0].Name)

	qdq := qm.NodeByName(NodePrefix + "w")
	require.NotNil(t, qdq)
	assert.Equal(t, OpDomain, qdq.Domain)
	assert.Equal(t, "w", *qdq.Attribute(AttrOpName).String)
	slot, found := sim.Registry().Slot("w")
	require.True(t, found)
	assert.Equal(t, int64(slot), qdq.IntAttrOr(AttrQuantInfo, -1))

	// Default configuration: biases are not quantized.
	assert.True(t, sim.Quantizer("w").Enabled)
	assert.False(t, sim.Quantizer("b").Enabled)
	assert.True(t, sim.Quantizer("x").Enabled)
	assert.True(t, sim.Quantizer("y").Enabled)
	assert.Equal(t, quantizer.OneShotQuantizeDequantize, sim.Quantizer("w").Mode)
	assert.Equal(t, quantizer.UpdateStats, sim.Quantizer("x").Mode)
	params, activations := sim.Quantizers()
	assert.Len(t, params, 2)
	assert.Len(t, activations, 2)

	// The original model is not changed.
	assert.Equal(t, []string{"x", "w", "b"}, m.NodeByName("conv").Inputs)
	assert.Equal(t, "y", m.Outputs[0].Name)
	assert.Len(t, m.Nodes, 1)

	err = sim.insertQuantizationNode("ghost", "ghost"+ActivationSuffix, quantizer.New(8, false,
		quantizer.SchemeTF, quantizer.RoundNearest, quantizer.UpdateStats, nil))
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestBuildErrors(t *testing.T) {
	_, err := Build(convModel()).ParamBitwidth(0).Done()
	assert.ErrorIs(t, err, ErrConfiguration)
	_, err = Build(convModel()).DataType(quantizer.Float).Done()
	assert.ErrorIs(t, err, ErrConfiguration)
	_, err = Build(convModel()).EncodingVersion("2.0.0").Done()
	assert.ErrorIs(t, err, ErrConfiguration)
	_, err = Build(nil).Done()
	assert.ErrorIs(t, err, ErrConfiguration)
	_, err = Build(convModel()).Scheme(quantizer.SchemePercentile).Percentile(40).Done()
	assert.ErrorIs(t, err, ErrConfiguration)
	_, err = Build(convModel()).ConfigFile(filepath.Join(t.TempDir(), "missing.yaml")).Done()
	assert.ErrorIs(t, err, ErrConfiguration)

	cyclic := model.NewBuilder("cyclic").
		Input("x", dtypes.Float32, 2).
		NamedNode("r1", "Relu", []string{"b"}, []string{"a"}).
		NamedNode("r2", "Relu", []string{"a"}, []string{"b"}).
		Output("b", dtypes.Float32, 2).
		Done()
	_, err = Build(cyclic).Done()
	assert.ErrorIs(t, err, ErrStructural)
}

func TestEligibility(t *testing.T) {
	m := model.NewBuilder("eligibility").
		Input("x", dtypes.Float32, 1, 1, 2, 2).
		Initializer("scales", tensors.FromFlatDataAndDimensions([]float32{1, 1, 2, 2}, 4)).
		Initializer("shape", tensors.FromFlatDataAndDimensions([]int64{1, 16}, 2)).
		NamedNode("resize", "Resize", []string{"x", "", "scales"}, []string{"r"}).
		NamedNode("reshape", "Reshape", []string{"r", "shape"}, []string{"flat"}).
		NamedNode("cast", "Cast", []string{"flat"}, []string{"i"}, model.IntAttr("to", 7)).
		Output("i", dtypes.Int64, 1, 16).
		Done()
	sim, err := Build(m).build()
	require.NoError(t, err)
	assert.Empty(t, sim.ParamNames())
	assert.Equal(t, []string{"x", "r"}, sim.ActivationNames())
	for _, name := range []string{"scales", "shape", "flat", "i"} {
		assert.Nil(t, sim.Quantizer(name), "tensor %q should not be quantized", name)
	}
}

// doubleLibrary implements a custom op with no static typing rule.
type doubleLibrary struct{}

func (doubleLibrary) Domain() string { return "test.custom" }

func (doubleLibrary) NewKernel(*model.Node) (simplexec.Kernel, error) {
	return func(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
		out := inputs[0].Clone()
		values := out.Floats()
		for ii := range values {
			values[ii] *= 2
		}
		return []*tensors.Tensor{out}, nil
	}, nil
}

func TestObservedDTypes(t *testing.T) {
	newModel := func() *model.Model {
		m := model.NewBuilder("custom").
			Input("x", dtypes.Float32, -1, 3).
			NamedNode("double", "Double", []string{"x"}, []string{"d"}).
			NamedNode("relu", "Relu", []string{"d"}, []string{"y"}).
			Output("y", dtypes.Float32, -1, 3).
			Done()
		m.NodeByName("double").Domain = "test.custom"
		return m
	}
	sim, err := Build(newModel()).CustomOpLibraries(doubleLibrary{}).Done()
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "d", "y"}, sim.ActivationNames())
	assert.Equal(t, dtypes.Float32, sim.activationDTypes["d"])

	_, err = Build(newModel()).Done()
	assert.Error(t, err, "the model can't be executed without the custom op library")
}

func TestCalibrationScenario(t *testing.T) {
	sim := calibratedConvSim(t, Build(convModel()))
	doc, err := sim.ExportDocument()
	require.NoError(t, err)
	assert.Equal(t, encodings.Version1, doc.Version)
	assert.Equal(t, 8, doc.QuantizerArgs["activation_bitwidth"])

	x := doc.Tensor("x")
	require.NotNil(t, x)
	require.Len(t, x.Records, 1)
	assert.Equal(t, 8, x.Records[0].Bitwidth)
	assert.Equal(t, encodings.DTypeInt, x.Records[0].DType)
	assert.LessOrEqual(t, x.Records[0].Min, -1.0+1e-6)
	assert.GreaterOrEqual(t, x.Records[0].Max, 2.0-1e-6)

	require.NotNil(t, doc.Tensor("w"))
	require.NotNil(t, doc.Tensor("y"))
	assert.Nil(t, doc.Tensor("b"), "disabled quantizers are not exported")

	// The simulated model stays close to the original one.
	reference, err := simplexec.NewSession(convModel(), []string{simplexec.CPUExecutionProvider})
	require.NoError(t, err)
	for _, batch := range convSamples() {
		want := must.M1(reference.Run(batch))["y"]
		got := must.M1(sim.Session().Run(batch))["y_updated"]
		require.NotNil(t, got)
		assert.Equal(t, want.Dimensions(), got.Dimensions())
		for ii, v := range want.Floats() {
			assert.InDelta(t, v, got.Floats()[ii], 0.05)
		}
	}
}

func snapshotEncodings(sim *SimModel) map[string][]encodings.Encoding {
	snapshot := make(map[string][]encodings.Encoding)
	for name, q := range sim.Registry().All() {
		snapshot[name] = q.Encodings()
	}
	return snapshot
}

func TestPercentileScheme(t *testing.T) {
	sim := calibratedConvSim(t, Build(convModel()).Scheme(quantizer.SchemePercentile).Percentile(99.5))
	for name, q := range sim.Registry().All() {
		assert.Equal(t, 99.5, q.Percentile(), "quantizer %q", name)
	}
	x := sim.Quantizer("x").Encodings()
	require.Len(t, x, 1)
	assert.GreaterOrEqual(t, x[0].Min, -1.0-0.02)
	assert.LessOrEqual(t, x[0].Max, 2.0+0.02)
}

func TestCalibrationIdempotent(t *testing.T) {
	sim := calibratedConvSim(t, Build(convModel()))
	first := snapshotEncodings(sim)
	require.NotEmpty(t, first["x"])
	require.NoError(t, sim.ComputeEncodings(forwardPass(convSamples())))
	assert.Equal(t, first, snapshotEncodings(sim))
	for _, q := range sim.Registry().All() {
		assert.Equal(t, quantizer.QuantizeDequantize, q.Mode)
	}

	// Each call starts over: calibrating with other data gives other encodings.
	narrow := []map[string]*tensors.Tensor{
		{"x": tensors.FromFlatDataAndDimensions([]float32{0, 0.1, 0.2, 0.3}, 1, 1, 2, 2)},
	}
	require.NoError(t, sim.ComputeEncodings(forwardPass(narrow)))
	assert.NotEqual(t, first["x"], sim.Quantizer("x").Encodings())
	assert.InDelta(t, 0.3, sim.Quantizer("x").Encodings()[0].Max, 0.01)
}

func TestSetAndFreezeParamEncodings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.encodings")
	records := map[string][]encodings.Record{
		"w": {encodings.RecordFromEncoding(encodings.FromOffsetAndScale(8, -128, 0.01), false)},
	}
	require.NoError(t, writeJSON(path, records))

	sim, err := Build(convModel()).Done()
	require.NoError(t, err)
	require.NoError(t, sim.SetAndFreezeParamEncodings(path))
	w := sim.Quantizer("w")
	assert.True(t, w.IsEncodingFrozen())
	require.NoError(t, sim.ComputeEncodings(forwardPass(convSamples())))
	require.Len(t, w.Encodings(), 1)
	assert.Equal(t, 0.01, w.Encodings()[0].Scale)
	assert.Equal(t, int64(-128), w.Encodings()[0].Offset)
}

func TestComputeEncodingsFrozenActivation(t *testing.T) {
	sim := calibratedConvSim(t, Build(convModel()))
	x := sim.Quantizer("x")
	require.NoError(t, x.Freeze())
	frozen := x.Encodings()

	// Frozen activations still only observe during calibration, and keep their encodings.
	narrow := []map[string]*tensors.Tensor{
		{"x": tensors.FromFlatDataAndDimensions([]float32{0, 0.1, 0.2, 0.3}, 1, 1, 2, 2)},
	}
	var modeDuringPass quantizer.OpMode
	require.NoError(t, sim.ComputeEncodings(func(session *simplexec.Session) error {
		modeDuringPass = x.Mode
		return forwardPass(narrow)(session)
	}))
	assert.Equal(t, quantizer.UpdateStats, modeDuringPass)
	assert.Equal(t, frozen, x.Encodings())
	assert.Equal(t, quantizer.QuantizeDequantize, x.Mode)
	assert.InDelta(t, 0.3, sim.Quantizer("y").Encodings()[0].Max, 0.2)
}

func TestExportAndLoad(t *testing.T) {
	for _, version := range encodings.ValidVersions {
		t.Run(version, func(t *testing.T) {
			sim := calibratedConvSim(t, Build(convModel()).EncodingVersion(version))
			dir := filepath.Join(t.TempDir(), "export")
			require.NoError(t, sim.Export(dir, "conv"))

			fresh, err := Build(convModel()).Done()
			require.NoError(t, err)
			mismatches, err := fresh.LoadEncodings(filepath.Join(dir, "conv.encodings"), true)
			require.NoError(t, err)
			assert.Empty(t, mismatches)
			for _, name := range []string{"x", "y", "w"} {
				want, got := sim.Quantizer(name).Encodings(), fresh.Quantizer(name).Encodings()
				require.Len(t, got, len(want), "tensor %q", name)
				for ii := range want {
					assert.Equal(t, want[ii].Offset, got[ii].Offset)
					assert.InDelta(t, want[ii].Scale, got[ii].Scale, 1e-12)
				}
				assert.Equal(t, quantizer.QuantizeDequantize, fresh.Quantizer(name).Mode)
			}
			assert.False(t, fresh.Quantizer("b").Enabled)

			// The exported model has no QDQ nodes, and the simulation still runs.
			exported, err := model.Load(filepath.Join(dir, "conv.json"))
			require.NoError(t, err)
			for _, node := range exported.Nodes {
				assert.NotEqual(t, OpDomain, node.Domain)
			}
			assert.Equal(t, "y", exported.Outputs[0].Name)
			assert.Equal(t, []string{"x", "w", "b"}, exported.NodeByName("conv").Inputs)
			_, err = sim.Session().Run(convSamples()[0])
			assert.NoError(t, err)
		})
	}
}

func TestLoadMismatches(t *testing.T) {
	sim := calibratedConvSim(t, Build(convModel()))
	doc, err := sim.ExportDocument()
	require.NoError(t, err)
	doc.Tensor("w").Records[0].Bitwidth = 4
	doc.ActivationEncodings = slices.DeleteFunc(doc.ActivationEncodings, func(te *encodings.TensorEncodings) bool {
		return te.Name == "y"
	})

	fresh, err := Build(convModel()).Done()
	require.NoError(t, err)
	mismatches, err := fresh.LoadEncodingsDocument(doc, true)
	require.ErrorIs(t, err, ErrEncodingMismatch)
	require.Len(t, mismatches, 2)
	assert.Equal(t, "w", mismatches[0].QuantizerName)
	assert.Equal(t, &Pair[int]{8, 4}, mismatches[0].Bitwidth)
	assert.Equal(t, "y", mismatches[1].QuantizerName)
	assert.Equal(t, &Pair[bool]{true, false}, mismatches[1].Enabled)
	assert.Contains(t, err.Error(), "loaded encoding bitwidth: 4")
	assert.Equal(t, 8, fresh.Quantizer("w").Bitwidth, "strict mode doesn't change the quantizers")
	assert.True(t, fresh.Quantizer("y").Enabled)

	mismatches, err = fresh.LoadEncodingsDocument(doc, false)
	require.NoError(t, err)
	assert.Len(t, mismatches, 2)
	assert.Equal(t, 4, fresh.Quantizer("w").Bitwidth)
	assert.False(t, fresh.Quantizer("y").Enabled)
}

func TestLoadUnknownNames(t *testing.T) {
	sim := calibratedConvSim(t, Build(convModel()))
	for _, strict := range []bool{true, false} {
		doc, err := sim.ExportDocument()
		require.NoError(t, err)
		doc.ActivationEncodings = append(doc.ActivationEncodings, &encodings.TensorEncodings{
			Name:    "ghost",
			Records: []encodings.Record{encodings.RecordFromEncoding(encodings.FromOffsetAndScale(8, 0, 1), false)},
		})
		fresh, err := Build(convModel()).Done()
		require.NoError(t, err)
		_, err = fresh.LoadEncodingsDocument(doc, strict)
		require.ErrorIs(t, err, ErrConfiguration, "strict=%v", strict)
		assert.Contains(t, err.Error(), `"ghost"`)
	}
}

func TestGetEncodingMismatchInfo(t *testing.T) {
	q := quantizer.New(8, false, quantizer.SchemeTF, quantizer.RoundNearest, quantizer.QuantizeDequantize, nil)
	records := []encodings.Record{{Bitwidth: 4, DType: encodings.DTypeInt, IsSymmetric: true, Offset: -8, Scale: 0.1}}
	info := GetEncodingMismatchInfo("t", q, records)
	assert.True(t, info.HasMismatch())
	assert.Equal(t, &Pair[int]{8, 4}, info.Bitwidth)
	assert.Equal(t, &Pair[bool]{false, true}, info.Symmetric)
	assert.Nil(t, info.Enabled)
	assert.Nil(t, info.DType)
	assert.Nil(t, info.StrictSymmetric)
	assert.Nil(t, info.UnsignedSymmetric)
	// Values returned by GetEncodingMismatchInfo are usable directly, and print as fmt.Stringer.
	assert.Equal(t, "t:\n\tbitwidth: 8, loaded encoding bitwidth: 4\n\tsymmetric: false, loaded encoding symmetric: true",
		fmt.Sprint(info))

	// Unsigned symmetric is only reported when the quantizer is signed.
	q.Bitwidth, q.Symmetric = 4, true
	unsigned := []encodings.Record{{Bitwidth: 4, DType: encodings.DTypeInt, IsSymmetric: true, Offset: 0, Scale: 0.1}}
	assert.False(t, GetEncodingMismatchInfo("t", q, unsigned).HasMismatch())
	q.UnsignedSymmetric = false
	info = GetEncodingMismatchInfo("t", q, unsigned)
	assert.Equal(t, &Pair[bool]{false, true}, info.UnsignedSymmetric)

	// Float records carry no symmetry.
	info = GetEncodingMismatchInfo("t", q, []encodings.Record{{Bitwidth: 16, DType: encodings.DTypeFloat}})
	assert.Equal(t, &Pair[string]{"int", "float"}, info.DType)
	assert.Equal(t, &Pair[int]{4, 16}, info.Bitwidth)
	assert.Nil(t, info.Symmetric)

	// No records.
	info = GetEncodingMismatchInfo("t", q, nil)
	assert.Equal(t, &Pair[bool]{true, false}, info.Enabled)
	q.Enabled = false
	assert.False(t, GetEncodingMismatchInfo("t", q, nil).HasMismatch())
}

func TestRemoveQuantizationNodes(t *testing.T) {
	sim := calibratedConvSim(t, Build(convModel()))
	require.NoError(t, sim.RemoveQuantizationNodes())
	for _, node := range sim.Model().Nodes {
		assert.NotEqual(t, OpDomain, node.Domain)
	}
	assert.Equal(t, "y", sim.Model().Outputs[0].Name)

	reference, err := simplexec.NewSession(convModel(), []string{simplexec.CPUExecutionProvider})
	require.NoError(t, err)
	batch := convSamples()[1]
	want := must.M1(reference.Run(batch))["y"]
	got := must.M1(sim.Session().Run(batch))["y"]
	require.NotNil(t, got)
	assert.Equal(t, want.Floats(), got.Floats())
}
