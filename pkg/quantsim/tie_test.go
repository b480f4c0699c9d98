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

// concatModel:
//
//	x1 -> Relu -> a ─┐
//	x2 -> Sigmoid -> b ─┴ Concat -> c -> Reshape -> d ─┐
//	                                         x3 ─┴ Concat -> e
func concatModel() *model.Model {
	return model.NewBuilder("concat").
		Input("x1", dtypes.Float32, 1, 2).
		Input("x2", dtypes.Float32, 1, 2).
		Input("x3", dtypes.Float32, 1, 4).
		Initializer("shape", tensors.FromFlatDataAndDimensions([]int64{1, 4}, 2)).
		NamedNode("relu", "Relu", []string{"x1"}, []string{"a"}).
		NamedNode("sigmoid", "Sigmoid", []string{"x2"}, []string{"b"}).
		NamedNode("concat1", "Concat", []string{"a", "b"}, []string{"c"}, model.IntAttr("axis", 1)).
		NamedNode("reshape", "Reshape", []string{"c", "shape"}, []string{"d"}).
		NamedNode("concat2", "Concat", []string{"d", "x3"}, []string{"e"}, model.IntAttr("axis", 1)).
		Output("e", dtypes.Float32, 1, 8).
		Done()
}

func concatSamples() []map[string]*tensors.Tensor {
	return []map[string]*tensors.Tensor{{
		"x1": tensors.FromFlatDataAndDimensions([]float32{-1, 3}, 1, 2),
		"x2": tensors.FromFlatDataAndDimensions([]float32{0, 1}, 1, 2),
		"x3": tensors.FromFlatDataAndDimensions([]float32{-2, 0, 1, 2}, 1, 4),
	}}
}

func TestTieQuantizers(t *testing.T) {
	sim := must.M1(Build(concatModel()).TieQuantizers(true).Done())
	assert.Equal(t, []string{"x1", "x2", "x3", "a", "b", "c", "e"}, sim.ActivationNames())

	// Every tie-eligible op shares one quantizer among its registered inputs and its output.
	for _, op := range sim.Graph().OrderedOps {
		if !op.Type.TiesQuantizers() {
			continue
		}
		out := sim.Quantizer(op.Outputs[0].Name)
		require.NotNil(t, out)
		for _, input := range op.Inputs {
			if q := sim.Quantizer(input.Name); q != nil {
				assert.Same(t, out, q, "op %q input %q", op.Name, input.Name)
			}
		}
	}
	e := sim.Quantizer("e")
	for _, name := range []string{"a", "b", "c", "x3"} {
		assert.Same(t, e, sim.Quantizer(name), "tensor %q", name)
	}
	assert.NotSame(t, e, sim.Quantizer("x1"))
	assert.NotSame(t, e, sim.Quantizer("x2"))

	// QDQ nodes point to the shared slot.
	slot, _ := sim.Registry().Slot("e")
	for _, name := range []string{"a", "b", "c", "x3", "e"} {
		node := sim.Model().NodeByName(NodePrefix + name)
		require.NotNil(t, node)
		assert.Equal(t, int64(slot), node.IntAttrOr(AttrQuantInfo, -1), "QDQ node of %q", name)
	}

	// Tied tensors export identical encodings.
	require.NoError(t, sim.ComputeEncodings(forwardPass(concatSamples())))
	doc := must.M1(sim.ExportDocument())
	assert.Equal(t, doc.Tensor("e").Records, doc.Tensor("a").Records)
	assert.Equal(t, doc.Tensor("e").Records, doc.Tensor("x3").Records)
	assert.InDelta(t, -2.0, doc.Tensor("a").Records[0].Min, 0.02)
	assert.InDelta(t, 3.0, doc.Tensor("a").Records[0].Max, 0.02)
	assert.NotEqual(t, doc.Tensor("e").Records, doc.Tensor("x1").Records)
}

func TestTieQuantizersDisabled(t *testing.T) {
	sim := must.M1(Build(concatModel()).Done())
	assert.NotSame(t, sim.Quantizer("c"), sim.Quantizer("a"))
	assert.NotSame(t, sim.Quantizer("e"), sim.Quantizer("c"))
	assert.Equal(t, sim.Registry().Len(), sim.Registry().NumSlots())
}

func TestTieQuantizersStructuralError(t *testing.T) {
	m := model.NewBuilder("two_outputs").
		Input("x", dtypes.Float32, 1, 2).
		Input("z", dtypes.Float32, 1, 2).
		NamedNode("concat", "Concat", []string{"x", "z"}, []string{"c1", "c2"}, model.IntAttr("axis", 1)).
		Output("c1", dtypes.Float32, 1, 4).
		Output("c2", dtypes.Float32, 1, 4).
		Done()
	_, err := Build(m).TieQuantizers(true).build()
	require.ErrorIs(t, err, ErrStructural)
	assert.Contains(t, err.Error(), `"concat"`)

	_, err = Build(m).build()
	assert.NoError(t, err)
}
