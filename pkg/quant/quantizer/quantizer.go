// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package quantizer implements the per-tensor quantization state: the calibration mode, the statistics
// collected while calibrating, the derived encodings and the quantize-dequantize (QDQ) kernel that
// simulates reduced precision on float32 values.
//
// A Quantizer holds one encoding per group: the whole tensor, each channel along the channel axis, or
// each block of each channel when blockwise quantization is enabled.
//
// Quantizers are not safe for concurrent use.
package quantizer

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/quantsim/pkg/core/tensors"
	"github.com/gomlx/quantsim/pkg/quant/encodings"
	"github.com/gomlx/quantsim/pkg/quant/stats"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Quantizer simulates the quantization of one tensor.
type Quantizer struct {
	// Enabled quantizers transform values, disabled ones pass them through.
	Enabled bool

	DataType DataType
	Bitwidth int

	Symmetric         bool
	StrictSymmetric   bool
	UnsignedSymmetric bool

	Scheme   QuantScheme
	Rounding RoundingMode
	Mode     OpMode

	// Params is nil for activation quantizers.
	Params *TensorQuantizerParams

	perChannel bool
	blockSize  int

	// decompressedBitwidth > 0 marks a grouped blockwise (LPBQ) quantizer.
	decompressedBitwidth int

	// percentile used by SchemePercentile. 0 selects stats.DefaultPercentile.
	percentile float64

	frozen     bool
	collectors []stats.Collector
	encodings  []encodings.Encoding
	rng        *rand.Rand
}

// New creates an enabled integer quantizer. params may be nil for activations.
func New(bitwidth int, symmetric bool, scheme QuantScheme, rounding RoundingMode, mode OpMode,
	params *TensorQuantizerParams) *Quantizer {
	return &Quantizer{
		Enabled:           true,
		DataType:          Int,
		Bitwidth:          bitwidth,
		Symmetric:         symmetric,
		UnsignedSymmetric: true,
		Scheme:            scheme,
		Rounding:          rounding,
		Mode:              mode,
		Params:            params,
		rng:               rand.New(rand.NewPCG(0x5eed, uint64(bitwidth))),
	}
}

// SetSeed reseeds the generator used for stochastic rounding.
func (q *Quantizer) SetSeed(seed uint64) {
	q.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Settings returns the settings used to derive encodings.
func (q *Quantizer) Settings() encodings.Settings {
	return encodings.Settings{
		Bitwidth:          q.Bitwidth,
		Symmetric:         q.Symmetric,
		StrictSymmetric:   q.StrictSymmetric,
		UnsignedSymmetric: q.UnsignedSymmetric,
	}
}

// EnablePerChannel switches per-channel quantization on or off. It requires a channel axis.
func (q *Quantizer) EnablePerChannel(enable bool) error {
	if enable && q.Params.channelAxis() < 0 {
		return errors.New("per-channel quantization requires a tensor with a channel axis")
	}
	if q.perChannel != enable {
		q.perChannel = enable
		q.blockSize = 0
		q.discard()
	}
	return nil
}

// IsPerChannel returns whether there is one encoding per channel (or per block).
func (q *Quantizer) IsPerChannel() bool { return q.perChannel }

// BlockSize returns the block size, or 0 if blockwise quantization is not enabled.
func (q *Quantizer) BlockSize() int { return q.blockSize }

// IsGroupedBlockwise returns whether block scales are expressed as integer multiples of a
// per-channel scale.
func (q *Quantizer) IsGroupedBlockwise() bool { return q.decompressedBitwidth > 0 }

// DecompressedBitwidth of a grouped blockwise quantizer, 0 otherwise.
func (q *Quantizer) DecompressedBitwidth() int { return q.decompressedBitwidth }

// discard drops statistics and encodings.
func (q *Quantizer) discard() {
	q.collectors = nil
	q.encodings = nil
}

// ResetEncodingStats discards the statistics collected and the derived encodings. Frozen quantizers
// are not affected.
func (q *Quantizer) ResetEncodingStats() {
	if q.frozen {
		return
	}
	for _, c := range q.collectors {
		c.Reset()
	}
	q.encodings = nil
}

// IsInitialized returns whether the quantizer has valid encodings.
func (q *Quantizer) IsInitialized() bool { return len(q.encodings) > 0 }

// Encodings returns a copy of the current encodings, one per group. It is nil if not initialized.
func (q *Quantizer) Encodings() []encodings.Encoding { return slices.Clone(q.encodings) }

// Freeze locks the current encodings: they won't be reset or recomputed until Unfreeze.
func (q *Quantizer) Freeze() error {
	if q.DataType == Int && !q.IsInitialized() {
		return errors.New("cannot freeze a quantizer without valid encodings")
	}
	q.frozen = true
	return nil
}

// Unfreeze allows the encodings to be recomputed again.
func (q *Quantizer) Unfreeze() { q.frozen = false }

// IsEncodingFrozen returns whether Freeze was called.
func (q *Quantizer) IsEncodingFrozen() bool { return q.frozen }

// SetPercentile sets the percentile used by SchemePercentile, in (50, 100]. 0 selects
// stats.DefaultPercentile.
func (q *Quantizer) SetPercentile(p float64) error {
	if p != 0 {
		if err := stats.ValidatePercentile(p); err != nil {
			return err
		}
	}
	if q.percentile != p {
		q.percentile = p
		q.collectors = nil
	}
	return nil
}

// Percentile returns the percentile used by SchemePercentile, 0 meaning stats.DefaultPercentile.
func (q *Quantizer) Percentile() float64 { return q.percentile }

func (q *Quantizer) newCollector() stats.Collector {
	if q.Scheme == SchemePercentile {
		c, err := stats.NewPercentile(q.percentile)
		if err != nil {
			// SetPercentile only accepts valid values.
			panic(err)
		}
		return c
	}
	return stats.NewMinMax()
}

// updateStats feeds the values of t to the collector of their group.
func (q *Quantizer) updateStats(t *tensors.Tensor) {
	values := t.Floats()
	numGroups, groupOf := q.layout(t.Dimensions())
	if len(q.collectors) != numGroups {
		q.collectors = make([]stats.Collector, numGroups)
		for ii := range q.collectors {
			q.collectors[ii] = q.newCollector()
		}
	}
	if numGroups == 1 {
		q.collectors[0].Update(values)
		return
	}
	grouped := make([][]float32, numGroups)
	for ii, v := range values {
		g := groupOf(ii)
		grouped[g] = append(grouped[g], v)
	}
	for g, groupValues := range grouped {
		q.collectors[g].Update(groupValues)
	}
}

// ComputeEncodings derives the encodings from the statistics collected. If any group observed no
// values, the quantizer is left uninitialized. Float and frozen quantizers are not affected.
func (q *Quantizer) ComputeEncodings() {
	if q.DataType != Int || q.frozen {
		return
	}
	q.encodings = nil
	if len(q.collectors) == 0 {
		return
	}
	settings := q.Settings()
	computed := make([]encodings.Encoding, len(q.collectors))
	for g, c := range q.collectors {
		minValue, maxValue, ok := c.Range()
		if !ok {
			return
		}
		computed[g] = encodings.Compute(minValue, maxValue, settings)
	}
	if q.IsGroupedBlockwise() {
		computed = q.groupBlockScales(computed)
	}
	q.encodings = computed
}

// Apply runs the quantizer over t, according to its mode, and returns the resulting tensor.
// Tensors that are not float, or that go through a disabled quantizer, are returned unchanged.
func (q *Quantizer) Apply(t *tensors.Tensor) (*tensors.Tensor, error) {
	if !q.Enabled || q.Mode == Passthrough || !t.IsFloat() {
		return t, nil
	}
	switch q.Mode {
	case UpdateStats:
		if q.DataType == Int && !q.frozen {
			q.updateStats(t)
		}
		return t, nil
	case OneShotQuantizeDequantize:
		if q.DataType == Int && !q.frozen {
			q.updateStats(t)
			q.ComputeEncodings()
		}
		q.Mode = QuantizeDequantize
	}
	return q.quantizeDequantize(t)
}

func (q *Quantizer) quantizeDequantize(t *tensors.Tensor) (*tensors.Tensor, error) {
	if q.DataType == Float {
		if q.Bitwidth != 16 {
			return t, nil
		}
		out := t.Clone()
		values := out.Floats()
		for ii, v := range values {
			values[ii] = float16.Fromfloat32(v).Float32()
		}
		return out, nil
	}
	if !q.IsInitialized() {
		return nil, errors.New("quantizer has no valid encodings: compute or load encodings first")
	}
	numGroups, groupOf := q.layout(t.Dimensions())
	if numGroups != len(q.encodings) {
		return nil, errors.Errorf("quantizer has %d encodings, but tensor of shape %v requires %d",
			len(q.encodings), t.Dimensions(), numGroups)
	}
	roundFn := math.Round
	if q.Rounding == RoundStochastic {
		roundFn = func(x float64) float64 { return math.Floor(x + q.rng.Float64()) }
	}
	out := t.Clone()
	values := out.Floats()
	for ii, v := range values {
		e := &q.encodings[0]
		if numGroups > 1 {
			e = &q.encodings[groupOf(ii)]
		}
		values[ii] = float32(e.QuantizeDequantize(float64(v), roundFn))
	}
	return out, nil
}

// ClipAndRecomputeEncodings restricts the encodings to [-clampValue, clampValue]. It returns whether
// any encoding was clipped.
func (q *Quantizer) ClipAndRecomputeEncodings(clampValue float64) bool {
	if !q.IsInitialized() {
		return false
	}
	settings := q.Settings()
	clipped := false
	for ii, e := range q.encodings {
		var c bool
		q.encodings[ii], c = e.Clamp(clampValue, settings)
		clipped = clipped || c
	}
	return clipped
}
