// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantizer

import (
	"github.com/gomlx/quantsim/pkg/quant/encodings"
	"github.com/pkg/errors"
)

// Export returns the persisted form of the quantizer encodings, without a name. It returns nil for
// disabled quantizers and for integer quantizers without valid encodings.
func (q *Quantizer) Export() *encodings.TensorEncodings {
	if !q.Enabled {
		return nil
	}
	if q.DataType == Float {
		return &encodings.TensorEncodings{
			Records: []encodings.Record{{Bitwidth: q.Bitwidth, DType: encodings.DTypeFloat}},
			EncType: encodings.EncTypePerTensor,
		}
	}
	if !q.IsInitialized() {
		return nil
	}
	te := &encodings.TensorEncodings{Records: make([]encodings.Record, 0, len(q.encodings))}
	for _, e := range q.encodings {
		te.Records = append(te.Records, encodings.RecordFromEncoding(e, q.Symmetric))
	}
	switch {
	case q.blockSize > 0:
		te.EncType = encodings.EncTypePerBlock
		te.BlockSize = q.blockSize
	case q.perChannel:
		te.EncType = encodings.EncTypePerChannel
	default:
		te.EncType = encodings.EncTypePerTensor
	}
	return te
}

// LoadEncodings updates the quantizer settings to match the records and sets the encodings from them.
// The quantizer is enabled and moved to QuantizeDequantize. blockSize > 0 enables blockwise
// quantization; multiple records without a block size enable per-channel quantization.
//
// Frozen quantizers can't be loaded.
func (q *Quantizer) LoadEncodings(records []encodings.Record, blockSize int) error {
	if len(records) == 0 {
		return errors.New("no encodings to load")
	}
	if q.frozen {
		return errors.New("cannot load encodings into a frozen quantizer")
	}
	first := records[0]
	if first.DType != encodings.DTypeInt {
		q.DataType = Float
		q.Bitwidth = first.Bitwidth
		q.discard()
		q.Enabled = true
		q.Mode = QuantizeDequantize
		return nil
	}

	switch {
	case blockSize > 0:
		if err := q.EnableBlockwise(blockSize); err != nil {
			return err
		}
	case len(records) > 1 && !q.perChannel:
		if err := q.EnablePerChannel(true); err != nil {
			return errors.WithMessagef(err, "loading %d encodings", len(records))
		}
	case len(records) == 1 && q.perChannel:
		_ = q.EnablePerChannel(false)
	}
	if q.Params != nil {
		if n := q.NumGroups(); n != len(records) {
			return errors.Errorf("got %d encodings, but the quantizer of shape %v requires %d",
				len(records), q.Params.Shape, n)
		}
	}

	props, _ := encodings.InferSymmetricProperties(records)
	q.DataType = Int
	q.Bitwidth = first.Bitwidth
	q.Symmetric = props.Symmetric
	q.StrictSymmetric = props.StrictSymmetric
	q.UnsignedSymmetric = props.UnsignedSymmetric
	q.encodings = make([]encodings.Encoding, len(records))
	for ii, r := range records {
		q.encodings[ii] = r.Encoding()
	}
	q.Enabled = true
	q.Mode = QuantizeDequantize
	return nil
}
