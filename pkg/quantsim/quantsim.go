// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package quantsim simulates the quantized execution of a model.
//
// It rewrites a model.Model, splicing a quantize-dequantize (QDQ) node after every quantizable
// parameter and activation, each backed by a quantizer.Quantizer owned by a registry.Registry.
// The encodings of the quantizers are calibrated with ComputeEncodings, running sample data
// through the simulated model, and can then be exported, or loaded back from a previous export.
//
// Example:
//
//	sim, err := quantsim.Build(m).
//		ParamBitwidth(8).
//		ActivationBitwidth(8).
//		Done()
//	if err != nil { ... }
//	err = sim.ComputeEncodings(func(session *simplexec.Session) error {
//		for _, batch := range samples {
//			if _, err := session.Run(batch); err != nil {
//				return err
//			}
//		}
//		return nil
//	})
//	if err != nil { ... }
//	err = sim.Export(outputDir, "model")
package quantsim

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/quantsim/pkg/core/connectedgraph"
	"github.com/gomlx/quantsim/pkg/core/model"
	"github.com/gomlx/quantsim/pkg/core/simplexec"
	"github.com/gomlx/quantsim/pkg/core/tensors"
	"github.com/gomlx/quantsim/pkg/quant/encodings"
	"github.com/gomlx/quantsim/pkg/quant/quantizer"
	"github.com/gomlx/quantsim/pkg/quant/registry"
	"github.com/gomlx/quantsim/pkg/quant/stats"
	"github.com/gomlx/quantsim/pkg/quantsim/config"
	"github.com/gomlx/quantsim/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrConfiguration is returned for invalid settings: unknown encoding versions, tensors missing
	// from the graph, encodings with no matching quantizer.
	ErrConfiguration = errors.New("quantization simulation configuration error")

	// ErrEncodingMismatch is returned when loading encodings whose settings don't match the
	// quantizers, in strict mode.
	ErrEncodingMismatch = errors.New("encoding settings mismatch")

	// ErrStructural is returned for graphs the simulation can't handle: cycles, or tied ops with more
	// than one output quantizer.
	ErrStructural = errors.New("unsupported graph structure")
)

// Builder configures a SimModel. Create it with Build, and call Done to create the SimModel.
type Builder struct {
	m   *model.Model
	err error

	paramBitwidth, activationBitwidth int
	symmetric                         bool
	scheme                            quantizer.QuantScheme
	percentile                        float64
	rounding                          quantizer.RoundingMode
	dataType                          quantizer.DataType

	configFile string
	config     *config.Config
	hwVersion  string

	tieQuantizers   bool
	dummyInput      map[string]*tensors.Tensor
	providers       []string
	libs            []simplexec.CustomOpLibrary
	encodingVersion string
}

// Build starts the configuration of the simulation of m. m itself is not modified: the simulation
// works on a copy.
//
// Defaults are 8 bits asymmetric integer quantization for parameters and activations, the TF
// (min/max) scheme with round to nearest, the built-in configuration, no quantizer tying and the
// encodings format version encodings.DefaultVersion.
func Build(m *model.Model) *Builder {
	b := &Builder{
		m:                  m,
		paramBitwidth:      8,
		activationBitwidth: 8,
		scheme:             quantizer.SchemeTF,
		rounding:           quantizer.RoundNearest,
		dataType:           quantizer.Int,
		providers:          []string{simplexec.CPUExecutionProvider},
		encodingVersion:    encodings.DefaultVersion,
	}
	if m == nil {
		b.setError(errors.Wrap(ErrConfiguration, "nil model"))
	}
	return b
}

func (b *Builder) setError(err error) {
	if b.err == nil {
		b.err = err
	}
}

// ParamBitwidth sets the default bitwidth of parameter quantizers.
func (b *Builder) ParamBitwidth(bitwidth int) *Builder {
	b.paramBitwidth = bitwidth
	return b
}

// ActivationBitwidth sets the default bitwidth of activation quantizers.
func (b *Builder) ActivationBitwidth(bitwidth int) *Builder {
	b.activationBitwidth = bitwidth
	return b
}

// Symmetric sets whether encodings are symmetric by default.
func (b *Builder) Symmetric(symmetric bool) *Builder {
	b.symmetric = symmetric
	return b
}

// Scheme sets the quantization scheme used to derive encodings from statistics.
func (b *Builder) Scheme(scheme quantizer.QuantScheme) *Builder {
	b.scheme = scheme
	return b
}

// Percentile sets the percentile, in (50, 100], used with quantizer.SchemePercentile. Default is
// stats.DefaultPercentile.
func (b *Builder) Percentile(p float64) *Builder {
	b.percentile = p
	return b
}

// Rounding sets the rounding mode of the quantizers.
func (b *Builder) Rounding(rounding quantizer.RoundingMode) *Builder {
	b.rounding = rounding
	return b
}

// DataType sets the default data type of the quantizers. quantizer.Float requires both bitwidths to
// be 16.
func (b *Builder) DataType(dataType quantizer.DataType) *Builder {
	b.dataType = dataType
	return b
}

// ConfigFile sets the quantizer configuration file (YAML or JSON). If not set, the built-in default
// configuration is used.
func (b *Builder) ConfigFile(filePath string) *Builder {
	b.configFile = filePath
	return b
}

// Configuration sets an already parsed configuration. It takes precedence over ConfigFile.
func (b *Builder) Configuration(cfg *config.Config) *Builder {
	b.config = cfg
	return b
}

// HWVersion overrides the target hardware version of the configuration (e.g. "V73"), which selects
// the exception rules applied.
func (b *Builder) HWVersion(version string) *Builder {
	b.hwVersion = version
	return b
}

// TieQuantizers enables tying the input and output quantizers of ops (like Concat or MaxPool) whose
// hardware kernels require identical encodings. Default is false.
func (b *Builder) TieQuantizers(tie bool) *Builder {
	b.tieQuantizers = tie
	return b
}

// DummyInput sets a sample input, used to observe the dtypes of activations if they can't be
// inferred statically. If not set, one is created with all values set to 1.
func (b *Builder) DummyInput(inputs map[string]*tensors.Tensor) *Builder {
	b.dummyInput = inputs
	return b
}

// Providers sets the execution providers preference list. It must include
// simplexec.CPUExecutionProvider.
func (b *Builder) Providers(providers ...string) *Builder {
	b.providers = providers
	return b
}

// CustomOpLibraries registers libraries for the custom operators used by the model.
func (b *Builder) CustomOpLibraries(libs ...simplexec.CustomOpLibrary) *Builder {
	b.libs = append(b.libs, libs...)
	return b
}

// EncodingVersion sets the format version of exported encodings, one of encodings.ValidVersions.
func (b *Builder) EncodingVersion(version string) *Builder {
	b.encodingVersion = version
	return b
}

// SimModel is a model with simulated quantization.
//
// It is not safe for concurrent use.
type SimModel struct {
	model *model.Model

	// graph is the connected graph of the model before quantization nodes were inserted.
	graph    *connectedgraph.ConnectedGraph
	registry *registry.Registry

	paramNames          []string
	inputQuantizerNames []string

	// activations in selection order.
	activations sets.Ordered[string]

	// modelOutputs are the original names of the model outputs.
	modelOutputs []string

	activationDTypes map[string]dtypes.DType

	paramBitwidth, activationBitwidth int
	symmetric                         bool
	scheme                            quantizer.QuantScheme
	percentile                        float64
	rounding                          quantizer.RoundingMode
	dataType                          quantizer.DataType

	config          *config.Config
	hwVersion       string
	encodingVersion string
	quantizerArgs   map[string]any

	providers []string
	libs      []simplexec.CustomOpLibrary
	session   *simplexec.Session
}

// Done creates the SimModel:
//
//  1. Parameters and activations to quantize are selected.
//  2. QDQ nodes are inserted for them, parameters first, each with its quantizer.
//  3. The configuration is applied to the quantizers.
//  4. Hardware exception rules are applied.
//  5. Quantizers are tied, if TieQuantizers was set.
//  6. The execution session is created.
func (b *Builder) Done() (*SimModel, error) {
	sim, err := b.build()
	if err != nil {
		return nil, err
	}
	if err = sim.buildSession(); err != nil {
		return nil, err
	}
	return sim, nil
}

// build runs all the steps of Done except the creation of the session.
func (b *Builder) build() (*SimModel, error) {
	if b.err != nil {
		return nil, b.err
	}
	for _, bw := range []int{b.paramBitwidth, b.activationBitwidth} {
		if bw < 1 || bw > 32 {
			return nil, errors.Wrapf(ErrConfiguration, "invalid bitwidth %d, it must be between 1 and 32", bw)
		}
	}
	if b.dataType == quantizer.Float && (b.paramBitwidth != 16 || b.activationBitwidth != 16) {
		return nil, errors.Wrapf(ErrConfiguration,
			"float quantization requires 16 bits for parameters and activations, got %d and %d",
			b.paramBitwidth, b.activationBitwidth)
	}
	if err := encodings.CheckVersion(b.encodingVersion); err != nil {
		return nil, errors.Wrap(ErrConfiguration, err.Error())
	}
	if b.percentile != 0 {
		if err := stats.ValidatePercentile(b.percentile); err != nil {
			return nil, errors.Wrap(ErrConfiguration, err.Error())
		}
	}
	cfg := b.config
	if cfg == nil {
		var err error
		cfg, err = config.Load(b.configFile)
		if err != nil {
			return nil, errors.Wrap(ErrConfiguration, err.Error())
		}
	}

	sim := &SimModel{
		model:              b.m.Clone(),
		registry:           registry.New(),
		paramBitwidth:      b.paramBitwidth,
		activationBitwidth: b.activationBitwidth,
		symmetric:          b.symmetric,
		scheme:             b.scheme,
		percentile:         b.percentile,
		rounding:           b.rounding,
		dataType:           b.dataType,
		config:             cfg,
		hwVersion:          b.hwVersion,
		encodingVersion:    b.encodingVersion,
		providers:          b.providers,
		libs:               b.libs,
	}
	if sim.hwVersion == "" {
		sim.hwVersion = cfg.HWVersion()
	}
	for _, output := range sim.model.Outputs {
		sim.modelOutputs = append(sim.modelOutputs, output.Name)
	}
	var err error
	sim.graph, err = connectedgraph.New(sim.model)
	if err != nil {
		return nil, errors.Wrap(ErrStructural, err.Error())
	}

	if err = sim.selectTensors(b.dummyInput); err != nil {
		return nil, err
	}
	if err = sim.addQuantizationNodes(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("quantsim: model %q: %d parameter and %d activation quantizers inserted",
		sim.model.Name, len(sim.paramNames), sim.activations.Len())

	var modelInputs []string
	for _, input := range sim.model.Inputs {
		modelInputs = append(modelInputs, input.Name)
	}
	err = cfg.Configure(config.Target{
		Graph:              sim.graph,
		Registry:           sim.registry,
		ModelInputs:        modelInputs,
		ModelOutputs:       sim.modelOutputs,
		ActivationBitwidth: sim.activationBitwidth,
		ParamBitwidth:      sim.paramBitwidth,
		DataType:           sim.dataType,
	})
	if err != nil {
		return nil, errors.Wrap(ErrConfiguration, err.Error())
	}
	sim.quantizerArgs = sim.extractQuantizerArgs()

	sim.applyExceptionRules()
	if b.tieQuantizers {
		if err = sim.tieQuantizers(); err != nil {
			return nil, err
		}
	}
	return sim, nil
}

// buildSession (re)creates the execution session of the current model.
func (sim *SimModel) buildSession() error {
	libs := append([]simplexec.CustomOpLibrary{&qdqLibrary{sim: sim}}, sim.libs...)
	session, err := simplexec.NewSession(sim.model, sim.providers, libs...)
	if err != nil {
		return errors.WithMessage(err, "failed to create quantization simulation session")
	}
	sim.session = session
	return nil
}

// extractQuantizerArgs returns the global settings of the simulation, included in exported
// encodings for provenance.
func (sim *SimModel) extractQuantizerArgs() map[string]any {
	defaults := sim.config.Defaults
	return map[string]any{
		"activation_bitwidth":      sim.activationBitwidth,
		"param_bitwidth":           sim.paramBitwidth,
		"dtype":                    sim.dataType.String(),
		"is_symmetric":             sim.symmetric,
		"per_channel_quantization": defaults.PerChannelQuantization.Or(false),
		"quant_scheme":             sim.scheme.String(),
		"strict_symmetric":         defaults.StrictSymmetric.Or(false),
		"unsigned_symmetric":       defaults.UnsignedSymmetric.Or(true),
	}
}

// Session returns the execution session of the simulated model, to run forward passes.
func (sim *SimModel) Session() *simplexec.Session { return sim.session }

// Model returns the simulated model, with its QDQ nodes.
func (sim *SimModel) Model() *model.Model { return sim.model }

// Graph returns the connected graph of the model before QDQ nodes were inserted.
func (sim *SimModel) Graph() *connectedgraph.ConnectedGraph { return sim.graph }

// Registry returns the quantizers of the simulation, keyed by tensor name.
func (sim *SimModel) Registry() *registry.Registry { return sim.registry }

// ParamNames returns the names of the quantized parameters, in insertion order.
func (sim *SimModel) ParamNames() []string { return append([]string(nil), sim.paramNames...) }

// ActivationNames returns the names of the quantized activations, in insertion order.
func (sim *SimModel) ActivationNames() []string { return slices.Clone(sim.activations.Items()) }

// InputQuantizerNames returns the names of the activations first seen as the input of a node.
func (sim *SimModel) InputQuantizerNames() []string {
	return append([]string(nil), sim.inputQuantizerNames...)
}

// HWVersion returns the target hardware version.
func (sim *SimModel) HWVersion() string { return sim.hwVersion }

// SupportedKernels returns the default supported kernels of the configuration.
func (sim *SimModel) SupportedKernels() []config.SupportedKernel { return sim.config.SupportedKernels() }

// OpToSupportedKernels returns the supported kernels per op type of the configuration.
func (sim *SimModel) OpToSupportedKernels() map[string][]config.SupportedKernel {
	return sim.config.OpToSupportedKernels()
}

// QuantizerArgs returns the global quantization settings, as included in exported encodings.
func (sim *SimModel) QuantizerArgs() map[string]any {
	args := make(map[string]any, len(sim.quantizerArgs))
	for key, value := range sim.quantizerArgs {
		args[key] = value
	}
	return args
}

// Quantizers returns the parameter and the activation quantizers, in insertion order.
func (sim *SimModel) Quantizers() (params, activations []*quantizer.Quantizer) {
	for _, name := range sim.paramNames {
		params = append(params, sim.registry.Get(name))
	}
	for _, name := range sim.activations.Items() {
		activations = append(activations, sim.registry.Get(name))
	}
	return
}

// Quantizer returns the quantizer of the named tensor, or nil.
func (sim *SimModel) Quantizer(name string) *quantizer.Quantizer { return sim.registry.Get(name) }
