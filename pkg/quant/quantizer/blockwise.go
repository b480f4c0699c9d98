// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantizer

import (
	"math"

	"github.com/gomlx/quantsim/pkg/core/tensors"
	"github.com/gomlx/quantsim/pkg/quant/encodings"
	"github.com/pkg/errors"
)

// layout returns the number of groups for a tensor with the given dimensions, and the group of each
// flat element index. Groups are numbered channel-major: channel*numBlocks + block.
func (q *Quantizer) layout(dimensions []int) (numGroups int, groupOf func(flatIdx int) int) {
	channelAxis := q.Params.channelAxis()
	if !q.perChannel || channelAxis < 0 || channelAxis >= len(dimensions) {
		return 1, func(int) int { return 0 }
	}
	strides := tensors.Strides(dimensions)
	numChannels := dimensions[channelAxis]
	blockAxis := q.Params.blockAxis()
	if q.blockSize <= 0 || blockAxis < 0 || blockAxis >= len(dimensions) {
		channelStride := strides[channelAxis]
		return numChannels, func(flatIdx int) int {
			return (flatIdx / channelStride) % numChannels
		}
	}
	numBlocks := dimensions[blockAxis] / q.blockSize
	channelStride, blockStride, blockDim, blockSize := strides[channelAxis], strides[blockAxis], dimensions[blockAxis], q.blockSize
	return numChannels * numBlocks, func(flatIdx int) int {
		channel := (flatIdx / channelStride) % numChannels
		block := ((flatIdx / blockStride) % blockDim) / blockSize
		return channel*numBlocks + block
	}
}

// NumGroups returns the number of encodings the quantizer holds for its parameter shape: 1 for
// per-tensor quantization and activations.
func (q *Quantizer) NumGroups() int {
	if q.Params == nil {
		return 1
	}
	n, _ := q.layout(q.Params.Shape)
	return n
}

// EnableBlockwise switches to blockwise quantization: per-channel along the channel axis, and one
// encoding per blockSize elements along the block axis. It fails if the quantizer has no block axis
// or if the block axis dimension is not divisible by blockSize.
func (q *Quantizer) EnableBlockwise(blockSize int) error {
	channelAxis, blockAxis := q.Params.channelAxis(), q.Params.blockAxis()
	if channelAxis < 0 || blockAxis < 0 {
		return errors.New("blockwise quantization requires a tensor with a channel axis and a block axis")
	}
	if blockSize <= 0 {
		return errors.Errorf("invalid block size %d", blockSize)
	}
	dim := q.Params.Shape[blockAxis]
	if dim%blockSize != 0 {
		return errors.Errorf("block size %d does not evenly divide dimension %d of axis %d of shape %v",
			blockSize, dim, blockAxis, q.Params.Shape)
	}
	q.perChannel = true
	q.blockSize = blockSize
	q.discard()
	return nil
}

// NewGroupedBlockwise creates a grouped blockwise (LPBQ) quantizer for the same tensor as from:
// symmetric blockwise quantization with bitwidth bits, where the block scales are integer multiples
// of a per-channel scale using decompressedBitwidth-bitwidth bits.
func NewGroupedBlockwise(from *Quantizer, bitwidth, decompressedBitwidth, blockSize int) (*Quantizer, error) {
	if decompressedBitwidth <= bitwidth {
		return nil, errors.Errorf("decompressed bitwidth (%d) must be larger than bitwidth (%d)",
			decompressedBitwidth, bitwidth)
	}
	q := New(bitwidth, true, from.Scheme, from.Rounding, from.Mode, from.Params)
	q.percentile = from.percentile
	q.UnsignedSymmetric = false
	if err := q.EnableBlockwise(blockSize); err != nil {
		return nil, err
	}
	q.decompressedBitwidth = decompressedBitwidth
	return q, nil
}

// groupBlockScales re-expresses the block scales of each channel as integer multiples of a
// per-channel scale.
func (q *Quantizer) groupBlockScales(computed []encodings.Encoding) []encodings.Encoding {
	numBlocks := q.Params.Shape[q.Params.blockAxis()] / q.blockSize
	maxMultiplier := math.Exp2(float64(q.decompressedBitwidth - q.Bitwidth))
	for start := 0; start+numBlocks <= len(computed); start += numBlocks {
		blocks := computed[start : start+numBlocks]
		maxScale := 0.0
		for _, e := range blocks {
			maxScale = math.Max(maxScale, e.Scale)
		}
		perChannelScale := maxScale / maxMultiplier
		if perChannelScale == 0 {
			continue
		}
		for ii, e := range blocks {
			multiplier := math.Min(math.Max(math.Ceil(e.Scale/perChannelScale), 1), maxMultiplier)
			blocks[ii] = encodings.FromOffsetAndScale(e.Bitwidth, e.Offset, multiplier*perChannelScale)
		}
	}
	return computed
}
