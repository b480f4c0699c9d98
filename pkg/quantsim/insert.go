// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantsim

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/quantsim/pkg/core/model"
	"github.com/gomlx/quantsim/pkg/core/optypes"
	"github.com/gomlx/quantsim/pkg/core/simplexec"
	"github.com/gomlx/quantsim/pkg/core/tensors"
	"github.com/gomlx/quantsim/pkg/quant/quantizer"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names and attributes of the inserted QDQ nodes.
const (
	// OpDomain is the custom operator domain of the QDQ nodes.
	OpDomain = "quantsim.customop.cpu"

	// ParamSuffix is appended to the name of a quantized parameter to name the QDQ output.
	ParamSuffix = "_qdq"

	// ActivationSuffix is appended to the name of a quantized activation to name the QDQ output.
	ActivationSuffix = "_updated"

	// NodePrefix is prepended to the quantized tensor name to name its QDQ node.
	NodePrefix = "QcQuantizeOp_"

	// AttrOpName holds the name of the quantized tensor.
	AttrOpName = "op_name"

	// AttrQuantInfo holds the registry slot of the quantizer of the node.
	AttrQuantInfo = "quant_info"
)

// quantizedDType is the only dtype quantized.
const quantizedDType = dtypes.Float32

// eligibilityFilter decides which tensors are quantized.
type eligibilityFilter struct {
	initializers map[string]*model.Initializer
	dtypes       map[string]dtypes.DType
	consumers    map[string][]*model.Node
	producers    map[string]*model.Node
}

func newEligibilityFilter(m *model.Model, activationDTypes map[string]dtypes.DType) *eligibilityFilter {
	f := &eligibilityFilter{
		initializers: make(map[string]*model.Initializer, len(m.Initializers)),
		dtypes:       activationDTypes,
		consumers:    m.InputNameToNodes(),
		producers:    m.OutputNameToNode(),
	}
	for _, init := range m.Initializers {
		f.initializers[init.Name] = init
	}
	return f
}

// isQuantizable applies, in order: the float dtype gate, the exclusion of non-primary inputs of ops
// that ignore their parameters (Resize) and the exclusion of outputs of layout-only ops.
func (f *eligibilityFilter) isQuantizable(name string) bool {
	if init, found := f.initializers[name]; found {
		if init.Value.DType() != quantizedDType {
			return false
		}
	} else if dtype, found := f.dtypes[name]; !found || dtype != quantizedDType {
		return false
	}
	for _, consumer := range f.consumers[name] {
		if optypes.Parse(consumer.OpType).IgnoresParams() && len(consumer.Inputs) > 0 && consumer.Inputs[0] != name {
			return false
		}
	}
	if producer, found := f.producers[name]; found && optypes.Parse(producer.OpType).IsLayoutOnly() {
		return false
	}
	return true
}

// selectTensors selects the parameters and activations to quantize, and renames the model outputs
// that will be quantized.
func (sim *SimModel) selectTensors(dummyInput map[string]*tensors.Tensor) error {
	var err error
	sim.activationDTypes, err = model.InferDTypes(sim.model)
	if err != nil {
		if !errors.Is(err, model.ErrInferenceFailed) {
			return err
		}
		klog.V(1).Infof("quantsim: %v; observing dtypes by executing the model", err)
		observed, err := sim.observeActivationDTypes(dummyInput)
		if err != nil {
			return err
		}
		for name, dtype := range observed {
			sim.activationDTypes[name] = dtype
		}
	}
	filter := newEligibilityFilter(sim.model, sim.activationDTypes)

	// Parameters, in node order.
	isParam := make(map[string]bool)
	for _, node := range sim.model.Nodes {
		op := sim.graph.Op(node.Name)
		for _, name := range node.Inputs {
			if _, found := op.Parameters[name]; !found || isParam[name] {
				continue
			}
			isParam[name] = true
			if filter.isQuantizable(name) {
				sim.paramNames = append(sim.paramNames, name)
			}
		}
	}

	// Activations: model inputs first, then node inputs and outputs in node order.
	addActivation := func(name string) bool {
		if name == "" || sim.activations.Has(name) || isParam[name] || !filter.isQuantizable(name) {
			return false
		}
		sim.activations.Insert(name)
		return true
	}
	for _, input := range sim.model.Inputs {
		addActivation(input.Name)
	}
	for _, node := range sim.model.Nodes {
		for _, name := range node.Inputs {
			if addActivation(name) {
				sim.inputQuantizerNames = append(sim.inputQuantizerNames, name)
			}
		}
		for _, name := range node.Outputs {
			addActivation(name)
		}
	}

	for _, output := range sim.model.Outputs {
		if sim.activations.Has(output.Name) {
			output.Name += ActivationSuffix
		}
	}
	return nil
}

// observeActivationDTypes runs the unquantized model once on dummyInput and returns the dtype of
// every node output.
func (sim *SimModel) observeActivationDTypes(dummyInput map[string]*tensors.Tensor) (map[string]dtypes.DType, error) {
	if dummyInput == nil {
		dummyInput = makeDummyInput(sim.model)
	}
	session, err := simplexec.NewSession(sim.model, sim.providers, sim.libs...)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create session to observe activation dtypes")
	}
	var names []string
	for _, node := range sim.model.Nodes {
		for _, output := range node.Outputs {
			if output != "" {
				names = append(names, output)
			}
		}
	}
	values, err := session.Run(dummyInput, names...)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to run dummy input to observe activation dtypes")
	}
	observed := make(map[string]dtypes.DType, len(values))
	for name, t := range values {
		observed[name] = t.DType()
	}
	return observed, nil
}

// makeDummyInput creates an input filled with 1s for each model input. Unknown dimensions are
// set to 1.
func makeDummyInput(m *model.Model) map[string]*tensors.Tensor {
	inputs := make(map[string]*tensors.Tensor, len(m.Inputs))
	for _, info := range m.Inputs {
		dims := make([]int, len(info.Dimensions))
		for ii, dim := range info.Dimensions {
			dims[ii] = max(dim, 1)
		}
		dtype := info.DType
		if dtype == dtypes.InvalidDType {
			dtype = dtypes.Float32
		}
		t := tensors.Zeros(dtype, dims...)
		if t.IsFloat() {
			for ii := range t.Floats() {
				t.Floats()[ii] = 1
			}
		} else {
			for ii := range t.Ints() {
				t.Ints()[ii] = 1
			}
		}
		inputs[info.Name] = t
	}
	return inputs
}

// addQuantizationNodes inserts the QDQ nodes of parameters, then of activations.
func (sim *SimModel) addQuantizationNodes() error {
	for _, name := range sim.paramNames {
		params := sim.paramQuantizerParams(name)
		q := quantizer.New(sim.paramBitwidth, sim.symmetric, sim.scheme, sim.rounding,
			quantizer.OneShotQuantizeDequantize, params)
		q.DataType = sim.dataType
		if err := q.SetPercentile(sim.percentile); err != nil {
			return err
		}
		if err := sim.insertQuantizationNode(name, name+ParamSuffix, q); err != nil {
			return err
		}
	}
	for _, name := range sim.activations.Items() {
		q := quantizer.New(sim.activationBitwidth, sim.symmetric, sim.scheme, sim.rounding,
			quantizer.UpdateStats, nil)
		q.DataType = sim.dataType
		if err := q.SetPercentile(sim.percentile); err != nil {
			return err
		}
		if err := sim.insertQuantizationNode(name, name+ActivationSuffix, q); err != nil {
			return err
		}
	}
	return nil
}

// insertQuantizationNode rewires every consumer of tensor name to read quantizedName instead, and
// adds the QDQ node computing quantizedName from name, registering q under name.
func (sim *SimModel) insertQuantizationNode(name, quantizedName string, q *quantizer.Quantizer) error {
	if sim.graph.Product(name) == nil {
		return errors.Wrapf(ErrConfiguration, "tensor %q selected for quantization was not found in the graph of model %q",
			name, sim.model.Name)
	}
	sim.model.ReplaceInputOfAllNodes(name, quantizedName)
	slot, inserted := sim.registry.Insert(name, q)
	if !inserted {
		return errors.Wrapf(ErrConfiguration, "tensor %q selected for quantization twice", name)
	}
	sim.model.AddNode(&model.Node{
		Name:    NodePrefix + name,
		OpType:  optypes.OpTypeQcQuantizeOp.String(),
		Domain:  OpDomain,
		Inputs:  []string{name},
		Outputs: []string{quantizedName},
		Attributes: []*model.Attribute{
			model.StringAttr(AttrOpName, name),
			model.IntAttr(AttrQuantInfo, int64(slot)),
		},
	})
	klog.V(2).Infof("quantsim: inserted %s%s (slot %d)", NodePrefix, name, slot)
	return nil
}

// paramQuantizerParams returns the tensor description of a parameter: its shape and, depending on
// the op it belongs to, its channel and block axes. 1D parameters use axis 0 as channel axis.
func (sim *SimModel) paramQuantizerParams(name string) *quantizer.TensorQuantizerParams {
	params := &quantizer.TensorQuantizerParams{Shape: sim.graph.ParamShape(name)}
	if len(params.Shape) == 1 {
		params.ChannelAxis, params.HasChannelAxis = 0, true
		return params
	}
	if op := sim.graph.OpGivenParamName(name); op != nil {
		params.ChannelAxis, params.HasChannelAxis, params.BlockAxis, params.HasBlockAxis =
			op.Type.QuantizationAxes(op.TransposedParams)
	}
	return params
}

// setQuantInfo points the QDQ node of tensor name to the quantizer in slot.
func (sim *SimModel) setQuantInfo(name string, slot int) {
	if node := sim.model.NodeByName(NodePrefix + name); node != nil {
		node.SetAttribute(model.IntAttr(AttrQuantInfo, int64(slot)))
	}
}

// qdqLibrary implements the QDQ nodes for the execution session, delegating to the quantizers of
// the registry.
type qdqLibrary struct {
	sim *SimModel
}

var _ simplexec.CustomOpLibrary = (*qdqLibrary)(nil)

// Domain implements simplexec.CustomOpLibrary.
func (l *qdqLibrary) Domain() string { return OpDomain }

// NewKernel implements simplexec.CustomOpLibrary. The kernel looks up the quantizer of its slot at
// every call, so replacing a quantizer in the registry is immediately seen.
func (l *qdqLibrary) NewKernel(node *model.Node) (simplexec.Kernel, error) {
	if optypes.Parse(node.OpType) != optypes.OpTypeQcQuantizeOp {
		return nil, errors.Errorf("op type %q not supported in domain %q", node.OpType, OpDomain)
	}
	slot := int(node.IntAttrOr(AttrQuantInfo, -1))
	reg := l.sim.registry
	if slot < 0 || slot >= reg.NumSlots() {
		return nil, errors.Errorf("node %q has invalid %s attribute %d", node.Name, AttrQuantInfo, slot)
	}
	return func(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
		if len(inputs) != 1 || inputs[0] == nil {
			return nil, errors.Errorf("%s expects exactly one input", node.Name)
		}
		out, err := reg.At(slot).Apply(inputs[0])
		if err != nil {
			return nil, errors.WithMessagef(err, "quantizer of %q", node.Name)
		}
		return []*tensors.Tensor{out}, nil
	}, nil
}
