// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simplexec is a straightforward, single-threaded interpreter for model.Model graphs.
//
// It is the execution engine used to calibrate quantization simulations: it runs the standard
// operators the quantization engine needs on host tensors, and delegates nodes of custom domains
// (like the QDQ operator) to CustomOpLibrary implementations registered at session creation.
//
// It favors simplicity over speed: no fusion, no parallelism, float32 only for arithmetic.
package simplexec

import (
	"slices"

	"github.com/gomlx/quantsim/pkg/core/connectedgraph"
	"github.com/gomlx/quantsim/pkg/core/model"
	"github.com/gomlx/quantsim/pkg/core/optypes"
	"github.com/gomlx/quantsim/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Execution providers. Only the CPU one is implemented, others are skipped.
const (
	CPUExecutionProvider  = "CPUExecutionProvider"
	CUDAExecutionProvider = "CUDAExecutionProvider"
)

// Kernel executes one node: it takes the node's input values and returns its output values.
type Kernel func(inputs []*tensors.Tensor) ([]*tensors.Tensor, error)

// CustomOpLibrary provides kernels for the nodes of a custom operator domain.
type CustomOpLibrary interface {
	// Domain of the nodes handled by the library.
	Domain() string

	// NewKernel creates the kernel for node. It is called once per node, when the session is built.
	NewKernel(node *model.Node) (Kernel, error)
}

// kernelBuilder creates the kernel of a standard operator, parsing its attributes once.
type kernelBuilder func(node *model.Node) (Kernel, error)

// kernelBuilders should be populated during initialization (`init` functions) for the ops implemented.
var kernelBuilders = make(map[optypes.OpType]kernelBuilder)

// step is one node to execute, with its kernel.
type step struct {
	node   *model.Node
	kernel Kernel
}

// Session is a model prepared for execution.
type Session struct {
	model        *model.Model
	steps        []step
	initializers map[string]*tensors.Tensor

	// numUses counts how many steps read each tensor, so intermediate values can be dropped as soon
	// as they are no longer needed.
	numUses map[string]int
}

// NewSession prepares m for execution. providers is the preference list of execution providers:
// it must include CPUExecutionProvider. libs provide the kernels of custom domains.
//
// It fails if the graph is cyclic or if any node has no kernel.
func NewSession(m *model.Model, providers []string, libs ...CustomOpLibrary) (*Session, error) {
	if len(providers) > 0 && !slices.Contains(providers, CPUExecutionProvider) {
		return nil, errors.Errorf("execution providers %q not supported, %q must be included",
			providers, CPUExecutionProvider)
	}
	for _, p := range providers {
		if p != CPUExecutionProvider {
			klog.V(1).Infof("simplexec: execution provider %q not available, skipping", p)
		}
	}
	cg, err := connectedgraph.New(m)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to build session")
	}
	domains := make(map[string]CustomOpLibrary, len(libs))
	for _, lib := range libs {
		domains[lib.Domain()] = lib
	}

	s := &Session{
		model:        m,
		initializers: make(map[string]*tensors.Tensor, len(m.Initializers)),
		numUses:      make(map[string]int),
	}
	for _, init := range m.Initializers {
		s.initializers[init.Name] = init.Value
	}
	for _, op := range cg.OrderedOps {
		node := op.Node()
		var kernel Kernel
		if node.Domain != "" {
			lib, found := domains[node.Domain]
			if !found {
				return nil, errors.Errorf("node %q of type %q: no custom op library registered for domain %q",
					node.Name, node.OpType, node.Domain)
			}
			kernel, err = lib.NewKernel(node)
		} else {
			builder, found := kernelBuilders[op.Type]
			if !found {
				return nil, errors.Errorf("node %q: op type %q not supported", node.Name, node.OpType)
			}
			kernel, err = builder(node)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to build kernel for node %q (%s)", node.Name, node.OpType)
		}
		s.steps = append(s.steps, step{node: node, kernel: kernel})
		for _, input := range node.Inputs {
			if input != "" {
				s.numUses[input]++
			}
		}
	}
	return s, nil
}

// InputNames returns the names of the model inputs.
func (s *Session) InputNames() []string {
	names := make([]string, 0, len(s.model.Inputs))
	for _, info := range s.model.Inputs {
		names = append(names, info.Name)
	}
	return names
}

// OutputNames returns the names of the model outputs.
func (s *Session) OutputNames() []string {
	names := make([]string, 0, len(s.model.Outputs))
	for _, info := range s.model.Outputs {
		names = append(names, info.Name)
	}
	return names
}

// Run executes the model with the given inputs, and returns the requested outputs. If no output
// names are given, the model outputs are returned. Any tensor of the graph can be requested.
func (s *Session) Run(inputs map[string]*tensors.Tensor, outputNames ...string) (map[string]*tensors.Tensor, error) {
	if len(outputNames) == 0 {
		outputNames = s.OutputNames()
	}
	requested := make(map[string]bool, len(outputNames))
	for _, name := range outputNames {
		requested[name] = true
	}
	values := make(map[string]*tensors.Tensor, len(inputs)+len(s.initializers))
	for name, t := range s.initializers {
		values[name] = t
	}
	for _, info := range s.model.Inputs {
		t, found := inputs[info.Name]
		if !found {
			if _, isInit := s.initializers[info.Name]; isInit {
				continue
			}
			return nil, errors.Errorf("missing value for model input %q", info.Name)
		}
		values[info.Name] = t
	}

	used := make(map[string]int, len(s.numUses))
	for _, st := range s.steps {
		args := make([]*tensors.Tensor, len(st.node.Inputs))
		for ii, name := range st.node.Inputs {
			if name == "" {
				continue
			}
			t, found := values[name]
			if !found {
				return nil, errors.Errorf("node %q: input %q was not computed", st.node.Name, name)
			}
			args[ii] = t
		}
		results, err := st.kernel(args)
		if err != nil {
			return nil, errors.WithMessagef(err, "while executing node %q (%s)", st.node.Name, st.node.OpType)
		}
		if len(results) < len(st.node.Outputs) {
			return nil, errors.Errorf("node %q returned %d values, expected %d", st.node.Name,
				len(results), len(st.node.Outputs))
		}
		for ii, name := range st.node.Outputs {
			if name != "" {
				values[name] = results[ii]
			}
		}

		// Release inputs after their last use.
		for _, name := range st.node.Inputs {
			used[name]++
			if used[name] == s.numUses[name] && !requested[name] {
				if _, isInit := s.initializers[name]; !isInit {
					delete(values, name)
				}
			}
		}
	}

	outputs := make(map[string]*tensors.Tensor, len(outputNames))
	for _, name := range outputNames {
		t, found := values[name]
		if !found {
			return nil, errors.Errorf("requested output %q is not computed by the model", name)
		}
		outputs[name] = t
	}
	return outputs, nil
}
