// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantsim

import (
	"os"
	"path/filepath"

	"github.com/gomlx/quantsim/pkg/core/model"
	"github.com/gomlx/quantsim/pkg/core/optypes"
	"github.com/gomlx/quantsim/pkg/quant/encodings"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ExportDocument returns the encodings of all enabled and initialized quantizers, in the
// encoding version of the simulation. Tied tensors each get a record of the shared quantizer.
func (sim *SimModel) ExportDocument() (*encodings.Document, error) {
	if err := encodings.CheckVersion(sim.encodingVersion); err != nil {
		return nil, errors.Wrap(ErrConfiguration, err.Error())
	}
	doc := &encodings.Document{
		Version:       sim.encodingVersion,
		QuantizerArgs: sim.QuantizerArgs(),
	}
	doc.ParamEncodings = sim.exportTensors(sim.paramNames)
	doc.ActivationEncodings = sim.exportTensors(sim.activations.Items())
	return doc, nil
}

func (sim *SimModel) exportTensors(names []string) []*encodings.TensorEncodings {
	section := make([]*encodings.TensorEncodings, 0, len(names))
	for _, name := range names {
		te := sim.registry.Get(name).Export()
		if te == nil {
			continue
		}
		te.Name = name
		section = append(section, te)
	}
	return section
}

// Export writes the encodings to "<dir>/<prefix>.encodings" and the model, without QDQ nodes, to
// "<dir>/<prefix>.json". The directory is created if needed. The simulation itself is not changed.
func (sim *SimModel) Export(dir, prefix string) error {
	if sim.encodingVersion == encodings.VersionLegacy {
		klog.Warningf("quantsim: exporting encodings in version %s, which is deprecated, use %s instead",
			encodings.VersionLegacy, encodings.Version1)
	}
	doc, err := sim.ExportDocument()
	if err != nil {
		return err
	}
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create export directory %q", dir)
	}
	encodingsPath := filepath.Join(dir, prefix+".encodings")
	if err = doc.Save(encodingsPath); err != nil {
		return err
	}
	modelPath := filepath.Join(dir, prefix+".json")
	if err = RemoveQuantizers(sim.model.Clone()).Save(modelPath); err != nil {
		return err
	}
	klog.V(1).Infof("quantsim: exported %d parameter and %d activation encodings to %q",
		len(doc.ParamEncodings), len(doc.ActivationEncodings), encodingsPath)
	return nil
}

// RemoveQuantizers removes the QDQ nodes of m, in place, reconnecting their consumers and the model
// outputs to the original tensors. It returns m.
func RemoveQuantizers(m *model.Model) *model.Model {
	original := make(map[string]string)
	var qdqNodes []*model.Node
	for _, node := range m.Nodes {
		if node.Domain != OpDomain || optypes.Parse(node.OpType) != optypes.OpTypeQcQuantizeOp {
			continue
		}
		if len(node.Inputs) != 1 || len(node.Outputs) != 1 {
			continue
		}
		original[node.Outputs[0]] = node.Inputs[0]
		qdqNodes = append(qdqNodes, node)
	}
	if len(qdqNodes) == 0 {
		return m
	}
	m.RemoveNodes(qdqNodes)
	for _, node := range m.Nodes {
		for ii, input := range node.Inputs {
			if name, found := original[input]; found {
				node.Inputs[ii] = name
			}
		}
	}
	for _, output := range m.Outputs {
		if name, found := original[output.Name]; found {
			output.Name = name
		}
	}
	return m
}

// RemoveQuantizationNodes removes the QDQ nodes from the simulated model, which then runs in full
// precision. The quantizers are kept in the registry.
func (sim *SimModel) RemoveQuantizationNodes() error {
	RemoveQuantizers(sim.model)
	return sim.buildSession()
}
