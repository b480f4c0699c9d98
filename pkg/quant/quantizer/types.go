// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantizer

import (
	"strings"

	"github.com/pkg/errors"
)

// DataType of the simulated quantized values.
type DataType int

const (
	Int DataType = iota
	Float
)

// String returns "int" or "float", the names used in encoding files.
func (dt DataType) String() string {
	if dt == Float {
		return "float"
	}
	return "int"
}

// ParseDataType parses "int" or "float", case-insensitive.
func ParseDataType(name string) (DataType, error) {
	switch strings.ToLower(name) {
	case "int":
		return Int, nil
	case "float":
		return Float, nil
	}
	return Int, errors.Errorf("unknown quantization data type %q, valid values are \"int\" or \"float\"", name)
}

// OpMode is the calibration state of a Quantizer, and defines what it does to the values going through it.
type OpMode int

const (
	// OneShotQuantizeDequantize collects statistics from the values, derives the encoding and applies
	// it, all in one call. Afterwards the quantizer moves to QuantizeDequantize. Used for parameters.
	OneShotQuantizeDequantize OpMode = iota

	// QuantizeDequantize applies the current encoding.
	QuantizeDequantize

	// UpdateStats only observes the values, which pass through unchanged.
	UpdateStats

	// Passthrough does nothing.
	Passthrough
)

var opModeNames = []string{"OneShotQuantizeDequantize", "QuantizeDequantize", "UpdateStats", "Passthrough"}

// String implements fmt.Stringer.
func (m OpMode) String() string {
	if m < 0 || int(m) >= len(opModeNames) {
		return "OpMode(?)"
	}
	return opModeNames[m]
}

// QuantScheme selects the statistics collected to derive encodings.
type QuantScheme int

const (
	// SchemeTF uses the absolute min/max of the observed values.
	SchemeTF QuantScheme = iota

	// SchemePercentile discards outliers beyond a percentile.
	SchemePercentile
)

// String returns the name used in quantizer_args.
func (s QuantScheme) String() string {
	if s == SchemePercentile {
		return "percentile"
	}
	return "post_training_tf"
}

// ParseQuantScheme accepts "tf", "post_training_tf", "percentile" and "post_training_percentile".
func ParseQuantScheme(name string) (QuantScheme, error) {
	switch strings.ToLower(name) {
	case "tf", "post_training_tf":
		return SchemeTF, nil
	case "percentile", "post_training_percentile":
		return SchemePercentile, nil
	}
	return SchemeTF, errors.Errorf("unknown quantization scheme %q", name)
}

// RoundingMode used when quantizing values.
type RoundingMode int

const (
	RoundNearest RoundingMode = iota
	RoundStochastic
)

// String implements fmt.Stringer.
func (r RoundingMode) String() string {
	if r == RoundStochastic {
		return "stochastic"
	}
	return "nearest"
}

// ParseRoundingMode accepts "nearest" or "stochastic".
func ParseRoundingMode(name string) (RoundingMode, error) {
	switch strings.ToLower(name) {
	case "nearest":
		return RoundNearest, nil
	case "stochastic":
		return RoundStochastic, nil
	}
	return RoundNearest, errors.Errorf("unknown rounding mode %q", name)
}

// TensorQuantizerParams describes the tensor a parameter quantizer is attached to, and the axes
// available for per-channel and blockwise quantization. Activation quantizers have none.
type TensorQuantizerParams struct {
	Shape []int

	ChannelAxis    int
	HasChannelAxis bool

	BlockAxis    int
	HasBlockAxis bool
}

func normalizeAxis(axis, rank int) int {
	if axis < 0 {
		return axis + rank
	}
	return axis
}

// channelAxis returns the normalized channel axis, or -1.
func (p *TensorQuantizerParams) channelAxis() int {
	if p == nil || !p.HasChannelAxis || len(p.Shape) == 0 {
		return -1
	}
	return normalizeAxis(p.ChannelAxis, len(p.Shape))
}

// blockAxis returns the normalized block axis, or -1.
func (p *TensorQuantizerParams) blockAxis() int {
	if p == nil || !p.HasBlockAxis || len(p.Shape) == 0 {
		return -1
	}
	return normalizeAxis(p.BlockAxis, len(p.Shape))
}
