// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config parses quantization simulation configuration files and applies them to the
// quantizers of a simulated model.
//
// A configuration file is YAML (and therefore also JSON) with the sections:
//
//   - defaults: settings for all ops (ops), all parameters (params), strict_symmetric,
//     unsigned_symmetric, per_channel_quantization, hw_version and supported_kernels.
//   - params: settings per parameter role ("weight", "bias", ...).
//   - op_type: settings per operator type, overriding the defaults.
//   - supergroups: chains of operator types (op_list) fused by the runtime, whose intermediate
//     outputs are not quantized.
//   - model_input and model_output: whether the model inputs and outputs are quantized.
//
// Boolean fields accept YAML booleans or the strings "True" and "False".
package config

import (
	_ "embed"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultHWVersion is the hardware version used when the configuration doesn't set one.
const DefaultHWVersion = "default"

//go:embed default_config.yaml
var defaultConfigData []byte

// Bool is an optional boolean: it records whether it was set in the configuration.
type Bool struct {
	value, set bool
}

// NewBool returns a Bool set to value.
func NewBool(value bool) Bool { return Bool{value: value, set: true} }

// IsSet returns whether the value was given.
func (b Bool) IsSet() bool { return b.set }

// Or returns the value if set, or defaultValue otherwise.
func (b Bool) Or(defaultValue bool) bool {
	if b.set {
		return b.value
	}
	return defaultValue
}

// Override returns b if set, otherwise base.
func (b Bool) Override(base Bool) Bool {
	if b.set {
		return b
	}
	return base
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *Bool) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return errors.Errorf("line %d: expected a boolean", node.Line)
	}
	switch strings.ToLower(node.Value) {
	case "true":
		*b = NewBool(true)
	case "false":
		*b = NewBool(false)
	default:
		return errors.Errorf("line %d: invalid boolean %q", node.Line, node.Value)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler: unset values are written as null.
func (b Bool) MarshalYAML() (any, error) {
	if !b.set {
		return nil, nil
	}
	if b.value {
		return "True", nil
	}
	return "False", nil
}

// ParamConfig configures parameter quantizers.
type ParamConfig struct {
	IsQuantized Bool `yaml:"is_quantized"`
	IsSymmetric Bool `yaml:"is_symmetric"`
}

// Override returns p with the unset fields taken from base.
func (p ParamConfig) Override(base ParamConfig) ParamConfig {
	return ParamConfig{
		IsQuantized: p.IsQuantized.Override(base.IsQuantized),
		IsSymmetric: p.IsSymmetric.Override(base.IsSymmetric),
	}
}

// KernelSetting is the activation or parameter half of a SupportedKernel.
type KernelSetting struct {
	Bitwidth int    `yaml:"bitwidth"`
	DType    string `yaml:"dtype"`
}

// SupportedKernel is one combination of activation and parameter precisions supported by the
// target hardware.
type SupportedKernel struct {
	Activation KernelSetting `yaml:"activation"`
	Param      KernelSetting `yaml:"param"`
}

// OpConfig configures the quantizers of an operator type.
type OpConfig struct {
	IsInputQuantized       Bool                   `yaml:"is_input_quantized"`
	IsOutputQuantized      Bool                   `yaml:"is_output_quantized"`
	IsSymmetric            Bool                   `yaml:"is_symmetric"`
	PerChannelQuantization Bool                   `yaml:"per_channel_quantization"`
	Params                 map[string]ParamConfig `yaml:"params"`
	SupportedKernels       []SupportedKernel      `yaml:"supported_kernels"`
}

// Defaults section of the configuration.
type Defaults struct {
	Ops                    OpConfig          `yaml:"ops"`
	Params                 ParamConfig       `yaml:"params"`
	StrictSymmetric        Bool              `yaml:"strict_symmetric"`
	UnsignedSymmetric      Bool              `yaml:"unsigned_symmetric"`
	PerChannelQuantization Bool              `yaml:"per_channel_quantization"`
	HWVersion              string            `yaml:"hw_version"`
	SupportedKernels       []SupportedKernel `yaml:"supported_kernels"`
}

// Supergroup is a chain of operator types fused by the runtime.
type Supergroup struct {
	OpList []string `yaml:"op_list"`
}

// IOConfig configures the quantization of the model inputs or outputs.
type IOConfig struct {
	IsInputQuantized  Bool `yaml:"is_input_quantized"`
	IsOutputQuantized Bool `yaml:"is_output_quantized"`
}

// Config is a parsed configuration file.
type Config struct {
	Defaults    Defaults               `yaml:"defaults"`
	Params      map[string]ParamConfig `yaml:"params"`
	OpType      map[string]OpConfig    `yaml:"op_type"`
	Supergroups []Supergroup           `yaml:"supergroups"`
	ModelInput  IOConfig               `yaml:"model_input"`
	ModelOutput IOConfig               `yaml:"model_output"`
}

// Parse parses a configuration from YAML or JSON contents.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse quantization simulation configuration")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read parses a configuration from r.
func Read(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read configuration")
	}
	return Parse(data)
}

// Load parses the configuration file at filePath. An empty path returns the built-in default
// configuration.
func Load(filePath string) (*Config, error) {
	if filePath == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration file %q", filePath)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "configuration file %q", filePath)
	}
	return cfg, nil
}

// Default returns the built-in default configuration.
func Default() *Config {
	cfg, err := Parse(defaultConfigData)
	if err != nil {
		panic(errors.WithMessage(err, "invalid built-in configuration"))
	}
	return cfg
}

func (cfg *Config) validate() error {
	for ii, sg := range cfg.Supergroups {
		if len(sg.OpList) < 2 {
			return errors.Errorf("supergroup #%d has op_list %q: at least 2 op types are required", ii, sg.OpList)
		}
	}
	check := func(where string, kernels []SupportedKernel) error {
		for _, k := range kernels {
			for _, setting := range []KernelSetting{k.Activation, k.Param} {
				if setting.DType != "int" && setting.DType != "float" {
					return errors.Errorf("%s: supported kernel dtype %q, valid values are \"int\" or \"float\"",
						where, setting.DType)
				}
				if setting.Bitwidth <= 0 {
					return errors.Errorf("%s: supported kernel bitwidth %d must be positive", where, setting.Bitwidth)
				}
			}
		}
		return nil
	}
	if err := check("defaults", cfg.Defaults.SupportedKernels); err != nil {
		return err
	}
	for opType, opCfg := range cfg.OpType {
		if err := check("op_type "+opType, opCfg.SupportedKernels); err != nil {
			return err
		}
	}
	return nil
}

// HWVersion returns the target hardware version, DefaultHWVersion if not set.
func (cfg *Config) HWVersion() string {
	if cfg.Defaults.HWVersion == "" {
		return DefaultHWVersion
	}
	return cfg.Defaults.HWVersion
}

// SupportedKernels returns the default supported kernels of the target hardware.
func (cfg *Config) SupportedKernels() []SupportedKernel {
	return slices.Clone(cfg.Defaults.SupportedKernels)
}

// OpToSupportedKernels returns the supported kernels of each operator type that defines them.
func (cfg *Config) OpToSupportedKernels() map[string][]SupportedKernel {
	kernels := make(map[string][]SupportedKernel)
	for opType, opCfg := range cfg.OpType {
		if len(opCfg.SupportedKernels) > 0 {
			kernels[opType] = slices.Clone(opCfg.SupportedKernels)
		}
	}
	return kernels
}

// opConfig returns the configuration of an operator type, merged over the defaults.
func (cfg *Config) opConfig(opType string) OpConfig {
	merged := cfg.Defaults.Ops
	specific, found := cfg.OpType[opType]
	if !found {
		return merged
	}
	merged.IsInputQuantized = specific.IsInputQuantized.Override(merged.IsInputQuantized)
	merged.IsOutputQuantized = specific.IsOutputQuantized.Override(merged.IsOutputQuantized)
	merged.IsSymmetric = specific.IsSymmetric.Override(merged.IsSymmetric)
	merged.PerChannelQuantization = specific.PerChannelQuantization.Override(merged.PerChannelQuantization)
	merged.Params = specific.Params
	return merged
}

// paramConfig returns the configuration of the parameter with role of an operator type: op type
// settings override the per-role settings, which override the defaults.
func (cfg *Config) paramConfig(opType, role string) ParamConfig {
	pc := cfg.Params[role].Override(cfg.Defaults.Params)
	if opCfg, found := cfg.OpType[opType]; found {
		pc = opCfg.Params[role].Override(pc)
	}
	return pc
}
