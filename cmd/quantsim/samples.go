// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/goccy/go-json"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/quantsim/pkg/core/model"
	"github.com/gomlx/quantsim/pkg/core/tensors"
	"github.com/pkg/errors"
)

// sampleTensor is the JSON form of a calibration input. float_data is used for float dtypes,
// int64_data for everything else.
type sampleTensor struct {
	DType      string    `json:"dtype,omitempty"`
	Dimensions []int     `json:"dims"`
	FloatData  []float32 `json:"float_data,omitempty"`
	Int64Data  []int64   `json:"int64_data,omitempty"`
}

func (s *sampleTensor) toTensor() (*tensors.Tensor, error) {
	dtype := dtypes.Float32
	if s.DType != "" {
		var err error
		dtype, err = model.ParseDType(s.DType)
		if err != nil {
			return nil, err
		}
	}
	size := tensors.Size(s.Dimensions)
	if dtype.IsFloat() {
		if len(s.FloatData) != size {
			return nil, errors.Errorf("dims %v require %d values, got %d float_data values", s.Dimensions, size, len(s.FloatData))
		}
		return tensors.FromFlatDataAndDimensions(s.FloatData, s.Dimensions...).WithDType(dtype), nil
	}
	if len(s.Int64Data) != size {
		return nil, errors.Errorf("dims %v require %d values, got %d int64_data values", s.Dimensions, size, len(s.Int64Data))
	}
	return tensors.FromFlatDataAndDimensions(s.Int64Data, s.Dimensions...).WithDType(dtype), nil
}

// loadSamples reads a JSON list of batches, each mapping model input names to tensors.
func loadSamples(filePath string) ([]map[string]*tensors.Tensor, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read samples from %q", filePath)
	}
	var batches []map[string]*sampleTensor
	if err = json.Unmarshal(data, &batches); err != nil {
		return nil, errors.Wrapf(err, "failed to parse samples from %q", filePath)
	}
	samples := make([]map[string]*tensors.Tensor, 0, len(batches))
	for ii, batch := range batches {
		inputs := make(map[string]*tensors.Tensor, len(batch))
		for name, s := range batch {
			if s == nil {
				return nil, errors.Errorf("sample #%d: input %q is null", ii, name)
			}
			t, err := s.toTensor()
			if err != nil {
				return nil, errors.WithMessagef(err, "sample #%d: input %q", ii, name)
			}
			inputs[name] = t
		}
		samples = append(samples, inputs)
	}
	return samples, nil
}
