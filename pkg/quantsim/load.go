// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantsim

import (
	"fmt"
	"strings"

	"github.com/gomlx/quantsim/pkg/quant/encodings"
	"github.com/gomlx/quantsim/pkg/quant/quantizer"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pair holds the current value of a quantizer setting and the value in the loaded encodings.
type Pair[T any] struct {
	Current, Loaded T
}

// EncodingMismatchInfo lists the settings of a quantizer that differ from the encodings loaded for it.
// Settings that match are nil.
type EncodingMismatchInfo struct {
	QuantizerName string

	Enabled           *Pair[bool]
	DType             *Pair[string]
	Bitwidth          *Pair[int]
	Symmetric         *Pair[bool]
	StrictSymmetric   *Pair[bool]
	UnsignedSymmetric *Pair[bool]
}

// HasMismatch returns whether any setting differs.
func (info EncodingMismatchInfo) HasMismatch() bool {
	return info.Enabled != nil || info.DType != nil || info.Bitwidth != nil ||
		info.Symmetric != nil || info.StrictSymmetric != nil || info.UnsignedSymmetric != nil
}

// String implements fmt.Stringer: the quantizer name followed by one indented line per mismatch.
func (info EncodingMismatchInfo) String() string {
	var sb strings.Builder
	sb.WriteString(info.QuantizerName + ":")
	line := func(setting string, current, loaded any) {
		_, _ = fmt.Fprintf(&sb, "\n\t%s: %v, loaded encoding %s: %v", setting, current, setting, loaded)
	}
	if info.Enabled != nil {
		line("enabled", info.Enabled.Current, info.Enabled.Loaded)
	}
	if info.DType != nil {
		line("dtype", info.DType.Current, info.DType.Loaded)
	}
	if info.Bitwidth != nil {
		line("bitwidth", info.Bitwidth.Current, info.Bitwidth.Loaded)
	}
	if info.Symmetric != nil {
		line("symmetric", info.Symmetric.Current, info.Symmetric.Loaded)
	}
	if info.StrictSymmetric != nil {
		line("strict symmetric", info.StrictSymmetric.Current, info.StrictSymmetric.Loaded)
	}
	if info.UnsignedSymmetric != nil {
		line("unsigned symmetric", info.UnsignedSymmetric.Current, info.UnsignedSymmetric.Loaded)
	}
	return sb.String()
}

// GetEncodingMismatchInfo compares the settings of q with the records to be loaded into it. records
// is nil if there are no encodings for the quantizer, in which case only the enabled state is
// compared.
//
// Symmetry settings are inferred from the records (see encodings.InferSymmetricProperties), and are
// not compared for float records. Unsigned symmetric encodings look signed whenever negative values
// were observed, so that setting is only reported when q is not unsigned symmetric but the records
// are.
func GetEncodingMismatchInfo(name string, q *quantizer.Quantizer, records []encodings.Record) EncodingMismatchInfo {
	info := EncodingMismatchInfo{QuantizerName: name}
	hasRecords := len(records) > 0
	if q.Enabled != hasRecords {
		info.Enabled = &Pair[bool]{q.Enabled, hasRecords}
	}
	if !hasRecords {
		return info
	}
	first := records[0]
	if q.Bitwidth != first.Bitwidth {
		info.Bitwidth = &Pair[int]{q.Bitwidth, first.Bitwidth}
	}
	if q.DataType.String() != first.DType {
		info.DType = &Pair[string]{q.DataType.String(), first.DType}
	}
	props, ok := encodings.InferSymmetricProperties(records)
	if !ok {
		return info
	}
	if q.Symmetric != props.Symmetric {
		info.Symmetric = &Pair[bool]{q.Symmetric, props.Symmetric}
	}
	if q.StrictSymmetric != props.StrictSymmetric {
		info.StrictSymmetric = &Pair[bool]{q.StrictSymmetric, props.StrictSymmetric}
	}
	if !q.UnsignedSymmetric && props.UnsignedSymmetric {
		info.UnsignedSymmetric = &Pair[bool]{q.UnsignedSymmetric, props.UnsignedSymmetric}
	}
	return info
}

// LoadEncodings loads an encodings file, see LoadEncodingsDocument.
func (sim *SimModel) LoadEncodings(filePath string, strict bool) ([]EncodingMismatchInfo, error) {
	doc, err := encodings.Load(filePath)
	if err != nil {
		return nil, err
	}
	return sim.LoadEncodingsDocument(doc, strict)
}

// LoadEncodingsDocument sets the quantizers from previously exported encodings, in either format
// version.
//
// Every encoding in doc must have a quantizer, or ErrConfiguration is returned listing the unknown
// names. The settings of every quantizer are then compared to its encodings: in strict mode any
// mismatch is an ErrEncodingMismatch error, otherwise mismatches are logged and the quantizers are
// updated to match the encodings. Quantizers without encodings are disabled.
//
// It returns the mismatches found, also when returning ErrEncodingMismatch.
func (sim *SimModel) LoadEncodingsDocument(doc *encodings.Document, strict bool) ([]EncodingMismatchInfo, error) {
	var unknown []string
	for _, name := range doc.Names() {
		if !sim.registry.Has(name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		klog.Errorf("quantsim: the following encoding names were present in the encodings to load but not found in the model: %q", unknown)
		return nil, errors.Wrapf(ErrConfiguration,
			"the following encoding names were present in the encodings to load but not found in the model: %q", unknown)
	}

	var mismatches []EncodingMismatchInfo
	for name, q := range sim.registry.All() {
		var records []encodings.Record
		if te := doc.Tensor(name); te != nil {
			records = te.Records
		}
		if info := GetEncodingMismatchInfo(name, q, records); info.HasMismatch() {
			mismatches = append(mismatches, info)
		}
	}
	if len(mismatches) > 0 {
		report := mismatchReport(mismatches)
		if strict {
			klog.Errorf("quantsim: %s", report)
			return mismatches, errors.Wrap(ErrEncodingMismatch, report)
		}
		klog.Infof("quantsim: %s", report)
	}

	for name, q := range sim.registry.All() {
		te := doc.Tensor(name)
		if te == nil {
			q.Enabled = false
			continue
		}
		if q.IsEncodingFrozen() {
			klog.V(1).Infof("quantsim: quantizer of %q is frozen, encodings not loaded", name)
			continue
		}
		if err := q.LoadEncodings(te.Records, te.BlockSize); err != nil {
			return mismatches, errors.WithMessagef(err, "failed to load encodings of %q", name)
		}
	}
	return mismatches, nil
}

func mismatchReport(mismatches []EncodingMismatchInfo) string {
	parts := make([]string, 0, len(mismatches)+1)
	parts = append(parts, "the following quantizers had settings not matching with provided encodings to load:")
	for _, info := range mismatches {
		parts = append(parts, info.String())
	}
	return strings.Join(parts, "\n")
}

// SetAndFreezeParamEncodings loads encodings from a file mapping parameter names to lists of legacy
// records, and freezes the matching quantizers: calibration will not change them. Names with no
// quantizer are ignored.
func (sim *SimModel) SetAndFreezeParamEncodings(filePath string) error {
	recordMap, err := encodings.LoadRecordMap(filePath)
	if err != nil {
		return err
	}
	var count int
	for _, name := range sim.paramNames {
		records, found := recordMap[name]
		if !found {
			continue
		}
		q := sim.registry.Get(name)
		q.Unfreeze()
		if err = q.LoadEncodings(records, 0); err != nil {
			return errors.WithMessagef(err, "failed to set encodings of parameter %q", name)
		}
		if err = q.Freeze(); err != nil {
			return errors.WithMessagef(err, "failed to freeze encodings of parameter %q", name)
		}
		count++
	}
	klog.V(1).Infof("quantsim: set and froze the encodings of %d parameters from %q", count, filePath)
	return nil
}
