// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package encodings

import (
	"bytes"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// Record dtype values.
const (
	DTypeInt   = "int"
	DTypeFloat = "float"
)

// Record is the persisted encoding of one quantization group, in the legacy layout. It is also the
// in-memory form records of both formats are normalized to.
type Record struct {
	Bitwidth    int
	DType       string
	IsSymmetric bool
	Scale       float64
	Offset      int64
	Min, Max    float64
}

// RecordFromEncoding converts an integer Encoding to a Record.
func RecordFromEncoding(e Encoding, symmetric bool) Record {
	return Record{
		Bitwidth:    e.Bitwidth,
		DType:       DTypeInt,
		IsSymmetric: symmetric,
		Scale:       e.Scale,
		Offset:      e.Offset,
		Min:         e.Min,
		Max:         e.Max,
	}
}

// Encoding converts the record back to an Encoding. Float records only carry the bitwidth.
func (r Record) Encoding() Encoding {
	if r.DType != DTypeInt {
		return Encoding{Bitwidth: r.Bitwidth}
	}
	return Encoding{Bitwidth: r.Bitwidth, Scale: r.Scale, Offset: r.Offset, Min: r.Min, Max: r.Max}
}

type legacyIntRecord struct {
	Bitwidth    int     `json:"bitwidth"`
	DType       string  `json:"dtype"`
	IsSymmetric string  `json:"is_symmetric"`
	Max         float64 `json:"max"`
	Min         float64 `json:"min"`
	Offset      int64   `json:"offset"`
	Scale       float64 `json:"scale"`
}

type legacyFloatRecord struct {
	Bitwidth int    `json:"bitwidth"`
	DType    string `json:"dtype"`
}

func pythonBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// MarshalJSON implements json.Marshaler, writing is_symmetric as "True"/"False".
func (r Record) MarshalJSON() ([]byte, error) {
	if r.DType != DTypeInt {
		return json.Marshal(legacyFloatRecord{Bitwidth: r.Bitwidth, DType: r.DType})
	}
	return json.Marshal(legacyIntRecord{
		Bitwidth:    r.Bitwidth,
		DType:       r.DType,
		IsSymmetric: pythonBool(r.IsSymmetric),
		Max:         r.Max,
		Min:         r.Min,
		Offset:      r.Offset,
		Scale:       r.Scale,
	})
}

// UnmarshalJSON implements json.Unmarshaler. is_symmetric may be a boolean or a string.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw struct {
		Bitwidth    int             `json:"bitwidth"`
		DType       string          `json:"dtype"`
		IsSymmetric json.RawMessage `json:"is_symmetric"`
		Max         float64         `json:"max"`
		Min         float64         `json:"min"`
		Offset      int64           `json:"offset"`
		Scale       float64         `json:"scale"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Record{
		Bitwidth: raw.Bitwidth,
		DType:    strings.ToLower(raw.DType),
		Scale:    raw.Scale,
		Offset:   raw.Offset,
		Min:      raw.Min,
		Max:      raw.Max,
	}
	if r.DType == "" {
		r.DType = DTypeInt
	}
	if len(raw.IsSymmetric) > 0 {
		var asBool bool
		if err := json.Unmarshal(raw.IsSymmetric, &asBool); err == nil {
			r.IsSymmetric = asBool
		} else {
			var asString string
			if err := json.Unmarshal(raw.IsSymmetric, &asString); err != nil {
				return errors.Errorf("invalid is_symmetric value %s", raw.IsSymmetric)
			}
			r.IsSymmetric = asString == "True" || strings.EqualFold(asString, "true")
		}
	}
	return nil
}

// Encoding types of the 1.0.0 format.
const (
	EncTypePerTensor  = "PER_TENSOR"
	EncTypePerChannel = "PER_CHANNEL"
	EncTypePerBlock   = "PER_BLOCK"
)

// TensorEncodings are all the records of one tensor.
type TensorEncodings struct {
	Name    string
	Records []Record

	// EncType is one of the EncType* constants. Empty means PER_TENSOR for a single record and
	// PER_CHANNEL otherwise.
	EncType string

	// BlockSize is set for PER_BLOCK encodings.
	BlockSize int
}

func (te *TensorEncodings) encType() string {
	if te.EncType != "" {
		return te.EncType
	}
	if len(te.Records) > 1 {
		return EncTypePerChannel
	}
	return EncTypePerTensor
}

type v1Record struct {
	Name      string    `json:"name"`
	DType     string    `json:"dtype"`
	EncType   string    `json:"enc_type"`
	IsSym     bool      `json:"is_sym"`
	Bitwidth  int       `json:"bw"`
	Scale     []float64 `json:"scale,omitempty"`
	Offset    []int64   `json:"offset,omitempty"`
	BlockSize int       `json:"block_size,omitempty"`
}

func (te *TensorEncodings) toV1() *v1Record {
	r := &v1Record{Name: te.Name, EncType: te.encType(), BlockSize: te.BlockSize}
	if len(te.Records) == 0 {
		return r
	}
	first := te.Records[0]
	r.DType = strings.ToUpper(first.DType)
	r.Bitwidth = first.Bitwidth
	if first.DType != DTypeInt {
		return r
	}
	r.IsSym = first.IsSymmetric
	for _, rec := range te.Records {
		r.Scale = append(r.Scale, rec.Scale)
		r.Offset = append(r.Offset, rec.Offset)
	}
	return r
}

func (r *v1Record) toTensorEncodings() (*TensorEncodings, error) {
	te := &TensorEncodings{Name: r.Name, EncType: r.EncType, BlockSize: r.BlockSize}
	dtype := strings.ToLower(r.DType)
	if dtype == "" {
		dtype = DTypeInt
	}
	if dtype != DTypeInt {
		te.Records = []Record{{Bitwidth: r.Bitwidth, DType: dtype}}
		return te, nil
	}
	if len(r.Scale) == 0 || len(r.Scale) != len(r.Offset) {
		return nil, errors.Errorf("encoding %q has %d scales and %d offsets", r.Name, len(r.Scale), len(r.Offset))
	}
	for ii, scale := range r.Scale {
		rec := RecordFromEncoding(FromOffsetAndScale(r.Bitwidth, r.Offset[ii], scale), r.IsSym)
		te.Records = append(te.Records, rec)
	}
	return te, nil
}

// Document is a complete encodings file.
type Document struct {
	Version             string
	ActivationEncodings []*TensorEncodings
	ParamEncodings      []*TensorEncodings
	QuantizerArgs       map[string]any
}

// Find returns the records of the named tensor, looking first in the activation encodings.
// isActivation reports in which section it was found.
func (d *Document) Find(name string) (records []Record, isActivation, found bool) {
	for _, te := range d.ActivationEncodings {
		if te.Name == name {
			return te.Records, true, true
		}
	}
	for _, te := range d.ParamEncodings {
		if te.Name == name {
			return te.Records, false, true
		}
	}
	return nil, false, false
}

// Tensor returns the encodings of the named tensor, or nil.
func (d *Document) Tensor(name string) *TensorEncodings {
	for _, section := range [][]*TensorEncodings{d.ActivationEncodings, d.ParamEncodings} {
		for _, te := range section {
			if te.Name == name {
				return te
			}
		}
	}
	return nil
}

// Names returns the names of all encodings in the document: activations first, then parameters.
func (d *Document) Names() []string {
	names := make([]string, 0, len(d.ActivationEncodings)+len(d.ParamEncodings))
	for _, te := range d.ActivationEncodings {
		names = append(names, te.Name)
	}
	for _, te := range d.ParamEncodings {
		names = append(names, te.Name)
	}
	return names
}

type serializedDocument struct {
	Version             string          `json:"version"`
	ActivationEncodings json.RawMessage `json:"activation_encodings"`
	ParamEncodings      json.RawMessage `json:"param_encodings"`
	QuantizerArgs       map[string]any  `json:"quantizer_args,omitempty"`
}

func encodeSection(version string, section []*TensorEncodings) (json.RawMessage, error) {
	if version == VersionLegacy {
		asMap := make(map[string][]Record, len(section))
		for _, te := range section {
			asMap[te.Name] = te.Records
		}
		return json.Marshal(asMap)
	}
	list := make([]*v1Record, 0, len(section))
	for _, te := range section {
		list = append(list, te.toV1())
	}
	return json.Marshal(list)
}

// MarshalJSON implements json.Marshaler, using the layout of d.Version.
func (d *Document) MarshalJSON() ([]byte, error) {
	if err := CheckVersion(d.Version); err != nil {
		return nil, err
	}
	s := serializedDocument{Version: d.Version, QuantizerArgs: d.QuantizerArgs}
	var err error
	if s.ActivationEncodings, err = encodeSection(d.Version, d.ActivationEncodings); err != nil {
		return nil, err
	}
	if s.ParamEncodings, err = encodeSection(d.Version, d.ParamEncodings); err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

// decodeSection accepts both layouts regardless of the declared version: a JSON object is the
// legacy map, a JSON array is the 1.0.0 list.
func decodeSection(data json.RawMessage) ([]*TensorEncodings, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	if data[0] == '[' {
		var list []*v1Record
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, err
		}
		section := make([]*TensorEncodings, 0, len(list))
		for _, r := range list {
			te, err := r.toTensorEncodings()
			if err != nil {
				return nil, err
			}
			section = append(section, te)
		}
		return section, nil
	}
	var asMap map[string][]Record
	if err := json.Unmarshal(data, &asMap); err != nil {
		return nil, err
	}
	section := make([]*TensorEncodings, 0, len(asMap))
	for _, name := range slices.Sorted(maps.Keys(asMap)) {
		section = append(section, &TensorEncodings{Name: name, Records: asMap[name]})
	}
	return section, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Document) UnmarshalJSON(data []byte) error {
	var s serializedDocument
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*d = Document{Version: s.Version, QuantizerArgs: s.QuantizerArgs}
	var err error
	if d.ActivationEncodings, err = decodeSection(s.ActivationEncodings); err != nil {
		return errors.WithMessage(err, "activation_encodings")
	}
	if d.ParamEncodings, err = decodeSection(s.ParamEncodings); err != nil {
		return errors.WithMessage(err, "param_encodings")
	}
	return nil
}

// Read decodes a Document.
func Read(r io.Reader) (*Document, error) {
	d := &Document{}
	if err := json.NewDecoder(r).Decode(d); err != nil {
		return nil, errors.Wrap(err, "failed to decode encodings")
	}
	return d, nil
}

// Load reads a Document from a file.
func Load(filePath string) (*Document, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read encodings file %q", filePath)
	}
	d, err := Read(bytes.NewReader(data))
	if err != nil {
		return nil, errors.WithMessagef(err, "encodings file %q", filePath)
	}
	return d, nil
}

// Save writes the Document to a file, in the layout of d.Version.
func (d *Document) Save(filePath string) error {
	data, err := json.MarshalIndent(d, "", "    ")
	if err != nil {
		return errors.Wrapf(err, "failed to encode encodings for %q", filePath)
	}
	if err = os.WriteFile(filePath, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write encodings file %q", filePath)
	}
	return nil
}

// LoadRecordMap reads a file with a plain map from tensor name to legacy records, the layout used
// to pre-set parameter encodings.
func LoadRecordMap(filePath string) (map[string][]Record, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read encodings file %q", filePath)
	}
	var records map[string][]Record
	if err = json.Unmarshal(data, &records); err != nil {
		return nil, errors.Wrapf(err, "failed to decode encodings file %q", filePath)
	}
	return records, nil
}
