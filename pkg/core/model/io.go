// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/quantsim/pkg/core/tensors"
	"github.com/pkg/errors"
)

// dtypeNames are the names used in model files, lower-case as in numpy.
var dtypeNames = map[dtypes.DType]string{
	dtypes.Bool:     "bool",
	dtypes.Int8:     "int8",
	dtypes.Int16:    "int16",
	dtypes.Int32:    "int32",
	dtypes.Int64:    "int64",
	dtypes.Uint8:    "uint8",
	dtypes.Uint16:   "uint16",
	dtypes.Uint32:   "uint32",
	dtypes.Uint64:   "uint64",
	dtypes.Float16:  "float16",
	dtypes.BFloat16: "bfloat16",
	dtypes.Float32:  "float32",
	dtypes.Float64:  "float64",
}

// DTypeName returns the model file name of the dtype.
func DTypeName(dtype dtypes.DType) string {
	if name, found := dtypeNames[dtype]; found {
		return name
	}
	return "invalid"
}

// ParseDType converts a model file dtype name (case-insensitive) to a DType.
func ParseDType(name string) (dtypes.DType, error) {
	name = strings.ToLower(name)
	for dtype, dtypeName := range dtypeNames {
		if dtypeName == name {
			return dtype, nil
		}
	}
	return dtypes.InvalidDType, errors.Errorf("unknown dtype %q", name)
}

type serializedValueInfo struct {
	Name       string `json:"name"`
	DType      string `json:"dtype,omitempty"`
	Dimensions []int  `json:"dims,omitempty"`
}

type serializedInitializer struct {
	Name       string    `json:"name"`
	DType      string    `json:"dtype"`
	Dimensions []int     `json:"dims"`
	FloatData  []float32 `json:"float_data,omitempty"`
	Int64Data  []int64   `json:"int64_data,omitempty"`
}

type serializedModel struct {
	Name         string                   `json:"name,omitempty"`
	Opset        int                      `json:"opset,omitempty"`
	Inputs       []*serializedValueInfo   `json:"inputs"`
	Outputs      []*serializedValueInfo   `json:"outputs"`
	ValueInfo    []*serializedValueInfo   `json:"value_info,omitempty"`
	Initializers []*serializedInitializer `json:"initializers,omitempty"`
	Nodes        []*Node                  `json:"nodes"`
}

func serializeInfos(infos []*ValueInfo) []*serializedValueInfo {
	out := make([]*serializedValueInfo, 0, len(infos))
	for _, info := range infos {
		s := &serializedValueInfo{Name: info.Name, Dimensions: info.Dimensions}
		if info.DType != dtypes.InvalidDType {
			s.DType = DTypeName(info.DType)
		}
		out = append(out, s)
	}
	return out
}

func deserializeInfos(infos []*serializedValueInfo) ([]*ValueInfo, error) {
	out := make([]*ValueInfo, 0, len(infos))
	for _, s := range infos {
		info := &ValueInfo{Name: s.Name, Dimensions: s.Dimensions}
		if s.DType != "" {
			dtype, err := ParseDType(s.DType)
			if err != nil {
				return nil, errors.WithMessagef(err, "value info %q", s.Name)
			}
			info.DType = dtype
		}
		out = append(out, info)
	}
	return out, nil
}

// MarshalJSON implements json.Marshaler.
func (m *Model) MarshalJSON() ([]byte, error) {
	s := &serializedModel{
		Name:      m.Name,
		Opset:     m.Opset,
		Inputs:    serializeInfos(m.Inputs),
		Outputs:   serializeInfos(m.Outputs),
		ValueInfo: serializeInfos(m.ValueInfo),
		Nodes:     m.Nodes,
	}
	for _, init := range m.Initializers {
		si := &serializedInitializer{
			Name:       init.Name,
			DType:      DTypeName(init.Value.DType()),
			Dimensions: init.Value.Dimensions(),
		}
		if init.Value.IsFloat() {
			si.FloatData = init.Value.Floats()
		} else {
			si.Int64Data = init.Value.Ints()
		}
		s.Initializers = append(s.Initializers, si)
	}
	return json.Marshal(s)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Model) UnmarshalJSON(data []byte) error {
	var s serializedModel
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	var err error
	*m = Model{Name: s.Name, Opset: s.Opset, Nodes: s.Nodes}
	if m.Inputs, err = deserializeInfos(s.Inputs); err != nil {
		return err
	}
	if m.Outputs, err = deserializeInfos(s.Outputs); err != nil {
		return err
	}
	if m.ValueInfo, err = deserializeInfos(s.ValueInfo); err != nil {
		return err
	}
	for _, si := range s.Initializers {
		dtype, err := ParseDType(si.DType)
		if err != nil {
			return errors.WithMessagef(err, "initializer %q", si.Name)
		}
		var value *tensors.Tensor
		if dtype.IsFloat() {
			if len(si.FloatData) != tensors.Size(si.Dimensions) {
				return errors.Errorf("initializer %q has %d float values for dimensions %v",
					si.Name, len(si.FloatData), si.Dimensions)
			}
			value = tensors.FromFlatDataAndDimensions(si.FloatData, si.Dimensions...)
		} else {
			if len(si.Int64Data) != tensors.Size(si.Dimensions) {
				return errors.Errorf("initializer %q has %d int values for dimensions %v",
					si.Name, len(si.Int64Data), si.Dimensions)
			}
			value = tensors.FromFlatDataAndDimensions(si.Int64Data, si.Dimensions...)
		}
		if value.DType() != dtype {
			value = value.WithDType(dtype)
		}
		m.Initializers = append(m.Initializers, &Initializer{Name: si.Name, Value: value})
	}
	return nil
}

// Read decodes a model in JSON format.
func Read(r io.Reader) (*Model, error) {
	m := &Model{}
	if err := json.NewDecoder(r).Decode(m); err != nil {
		return nil, errors.Wrap(err, "failed to decode model")
	}
	return m, nil
}

// Load reads a model from a JSON file.
func Load(filePath string) (*Model, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read model file %q", filePath)
	}
	m, err := Read(bytes.NewReader(data))
	if err != nil {
		return nil, errors.WithMessagef(err, "model file %q", filePath)
	}
	return m, nil
}

// Save writes the model to a JSON file.
func (m *Model) Save(filePath string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to encode model %q", m.Name)
	}
	if err = os.WriteFile(filePath, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write model file %q", filePath)
	}
	return nil
}
