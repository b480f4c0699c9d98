// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package encodings

import (
	"math"
)

// SymmetricProperties summarizes the symmetry of a list of records.
type SymmetricProperties struct {
	Symmetric         bool
	StrictSymmetric   bool
	UnsignedSymmetric bool
}

// InferSymmetricProperties derives the symmetry settings a list of integer records was produced
// with. Records are strict symmetric if the first offset is -2^(bw-1)+1, and unsigned symmetric if
// any offset is 0. ok is false for an empty list or float records, which carry no symmetry.
func InferSymmetricProperties(records []Record) (props SymmetricProperties, ok bool) {
	if len(records) == 0 || records[0].DType != DTypeInt {
		return props, false
	}
	first := records[0]
	props.Symmetric = first.IsSymmetric
	if !props.Symmetric {
		return props, true
	}
	strictOffset := -int64(math.Exp2(float64(first.Bitwidth-1))) + 1
	props.StrictSymmetric = first.Offset == strictOffset
	for _, r := range records {
		if r.Offset == 0 {
			props.UnsignedSymmetric = true
			break
		}
	}
	return props, true
}
