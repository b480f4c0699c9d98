// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package encodings defines the numeric encoding of a quantizer and its persisted forms.
//
// An Encoding is the affine mapping between real values and a fixed-point grid:
//
//	quantized   = clamp(round(x / Scale) - Offset, 0, 2^Bitwidth - 1)
//	dequantized = (quantized + Offset) * Scale
//
// so that Min = Offset * Scale and Max = Min + (2^Bitwidth - 1) * Scale.
//
// Encodings are persisted in a versioned Document, in one of two formats:
//
//   - "0.6.1" (legacy): activation_encodings and param_encodings are maps from tensor name to a list
//     of records, one per channel or block, each with bitwidth, dtype, scale, offset, min, max and a
//     stringified is_symmetric.
//   - "1.0.0": both are lists of named records, one per tensor, with per-group scale and offset lists
//     and an explicit encoding type.
package encodings

import (
	"math"
	"slices"

	"github.com/pkg/errors"
)

// Encoding format versions.
const (
	VersionLegacy = "0.6.1"
	Version1      = "1.0.0"

	// DefaultVersion is used when no version is requested.
	DefaultVersion = Version1
)

// ValidVersions lists the supported format versions.
var ValidVersions = []string{VersionLegacy, Version1}

// CheckVersion returns an error if version is not one of ValidVersions.
func CheckVersion(version string) error {
	if !slices.Contains(ValidVersions, version) {
		return errors.Errorf("encoding version %q not in set of valid encoding versions %q", version, ValidVersions)
	}
	return nil
}

// Encoding is the numeric encoding of one quantization group (the whole tensor, a channel or a block).
type Encoding struct {
	Bitwidth int
	Scale    float64
	Offset   int64
	Min, Max float64
}

// NumSteps returns the number of quantization steps, 2^Bitwidth - 1.
func NumSteps(bitwidth int) float64 {
	return math.Exp2(float64(bitwidth)) - 1
}

// FromOffsetAndScale builds an Encoding deriving Min and Max.
func FromOffsetAndScale(bitwidth int, offset int64, scale float64) Encoding {
	minValue := float64(offset) * scale
	return Encoding{
		Bitwidth: bitwidth,
		Scale:    scale,
		Offset:   offset,
		Min:      minValue,
		Max:      minValue + NumSteps(bitwidth)*scale,
	}
}

// minRange is the smallest range an encoding covers, so the scale is never zero.
const minRange = 1e-5

// Settings select how an Encoding is derived from an observed range.
type Settings struct {
	Bitwidth          int
	Symmetric         bool
	StrictSymmetric   bool
	UnsignedSymmetric bool
}

// Compute derives the encoding covering [minValue, maxValue]. The range is always extended to
// include zero, so zero is exactly representable.
//
// Symmetric encodings are centered on zero, except when UnsignedSymmetric is set and nothing
// negative was observed, in which case the whole grid covers [0, max]. Strict symmetric encodings
// drop the most negative grid value so that the grid is exactly mirrored.
func Compute(minValue, maxValue float64, s Settings) Encoding {
	minValue = math.Min(minValue, 0)
	maxValue = math.Max(maxValue, 0)
	if maxValue-minValue < minRange {
		maxValue = minValue + minRange
	}
	numSteps := NumSteps(s.Bitwidth)
	if !s.Symmetric {
		scale := (maxValue - minValue) / numSteps
		offset := int64(math.Round(minValue / scale))
		return FromOffsetAndScale(s.Bitwidth, offset, scale)
	}
	if s.UnsignedSymmetric && minValue >= 0 {
		return FromOffsetAndScale(s.Bitwidth, 0, maxValue/numSteps)
	}
	absMax := math.Max(-minValue, maxValue)
	numPositiveSteps := math.Exp2(float64(s.Bitwidth-1)) - 1
	scale := absMax / numPositiveSteps
	offset := -int64(numPositiveSteps) - 1
	if s.StrictSymmetric {
		offset = -int64(numPositiveSteps)
	}
	return Encoding{
		Bitwidth: s.Bitwidth,
		Scale:    scale,
		Offset:   offset,
		Min:      float64(offset) * scale,
		Max:      numPositiveSteps * scale,
	}
}

// QuantizeDequantize maps x to the closest representable value of the encoding.
// roundFn rounds to an integer; nil means round-half-away-from-zero.
func (e Encoding) QuantizeDequantize(x float64, roundFn func(float64) float64) float64 {
	if roundFn == nil {
		roundFn = math.Round
	}
	q := roundFn(x/e.Scale) - float64(e.Offset)
	q = math.Max(0, math.Min(q, NumSteps(e.Bitwidth)))
	return (q + float64(e.Offset)) * e.Scale
}

// Clamp restricts the encoding range to [-clampValue, clampValue], re-deriving scale and offset.
// It returns the new encoding and whether any clipping happened.
func (e Encoding) Clamp(clampValue float64, s Settings) (Encoding, bool) {
	if e.Min >= -clampValue && e.Max <= clampValue {
		return e, false
	}
	s.Bitwidth = e.Bitwidth
	return Compute(math.Max(e.Min, -clampValue), math.Min(e.Max, clampValue), s), true
}
