// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package registry owns the quantizers of a simulated model, keyed by the name of the tensor they
// quantize.
//
// Quantizers live in an arena, and names point to arena slots. Several names may point to the same
// slot: they then share one quantizer, and any change made through one name is seen through all of
// them. This is how tied tensors are guaranteed identical encodings.
package registry

import (
	"iter"
	"slices"

	"github.com/gomlx/quantsim/pkg/core/connectedgraph"
	"github.com/gomlx/quantsim/pkg/quant/quantizer"
	"github.com/pkg/errors"
)

// Registry maps tensor names to quantizers. The zero value is not usable, use New.
type Registry struct {
	arena []*quantizer.Quantizer
	slots map[string]int
	names []string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{slots: make(map[string]int)}
}

// Insert registers q under name, in a new slot, if name is not yet registered.
// It returns the slot of name and whether q was inserted.
func (r *Registry) Insert(name string, q *quantizer.Quantizer) (slot int, inserted bool) {
	if slot, found := r.slots[name]; found {
		return slot, false
	}
	slot = len(r.arena)
	r.arena = append(r.arena, q)
	r.slots[name] = slot
	r.names = append(r.names, name)
	return slot, true
}

// Has returns whether name is registered.
func (r *Registry) Has(name string) bool {
	_, found := r.slots[name]
	return found
}

// Get returns the quantizer bound to name, or nil.
func (r *Registry) Get(name string) *quantizer.Quantizer {
	slot, found := r.slots[name]
	if !found {
		return nil
	}
	return r.arena[slot]
}

// Slot returns the arena slot name points to.
func (r *Registry) Slot(name string) (slot int, found bool) {
	slot, found = r.slots[name]
	return
}

// At returns the quantizer in the arena slot.
func (r *Registry) At(slot int) *quantizer.Quantizer { return r.arena[slot] }

// NumSlots returns the size of the arena, including slots no longer referenced after aliasing.
func (r *Registry) NumSlots() int { return len(r.arena) }

// Len returns the number of registered names.
func (r *Registry) Len() int { return len(r.names) }

// Names returns the registered names in insertion order.
func (r *Registry) Names() []string { return slices.Clone(r.names) }

// All iterates over names and their quantizers, in insertion order. Aliased quantizers are yielded
// once per name.
func (r *Registry) All() iter.Seq2[string, *quantizer.Quantizer] {
	return func(yield func(string, *quantizer.Quantizer) bool) {
		for _, name := range r.names {
			if !yield(name, r.arena[r.slots[name]]) {
				return
			}
		}
	}
}

// NamesOfSlot returns the names pointing to slot, in insertion order.
func (r *Registry) NamesOfSlot(slot int) []string {
	var names []string
	for _, name := range r.names {
		if r.slots[name] == slot {
			names = append(names, name)
		}
	}
	return names
}

// Alias rebinds every name sharing a slot with dst to the slot of src, so they all share src's
// quantizer. It returns the rebound names, which is empty if both already share a slot.
func (r *Registry) Alias(dst, src string) ([]string, error) {
	dstSlot, found := r.slots[dst]
	if !found {
		return nil, errors.Errorf("no quantizer registered for %q", dst)
	}
	srcSlot, found := r.slots[src]
	if !found {
		return nil, errors.Errorf("no quantizer registered for %q", src)
	}
	return r.AliasSlot(dstSlot, srcSlot), nil
}

// AliasSlot rebinds every name pointing to dstSlot to srcSlot and returns the rebound names.
func (r *Registry) AliasSlot(dstSlot, srcSlot int) []string {
	if dstSlot == srcSlot {
		return nil
	}
	rebound := r.NamesOfSlot(dstSlot)
	for _, name := range rebound {
		r.slots[name] = srcSlot
	}
	return rebound
}

// Replace swaps the quantizer in slot: every name pointing to it sees q from now on.
func (r *Registry) Replace(slot int, q *quantizer.Quantizer) {
	r.arena[slot] = q
}

// SetEnabled enables or disables every quantizer.
func (r *Registry) SetEnabled(enabled bool) {
	for _, slot := range r.slots {
		r.arena[slot].Enabled = enabled
	}
}

// OpQuantizers returns the quantizers of an operator:
//
//   - inputs: of the inputs with no producer that are not parameters, the registered ones, in input order.
//   - outputs: of the outputs, the registered ones, in output order.
//   - params: of the parameters, the registered ones, keyed by role.
func (r *Registry) OpQuantizers(op *connectedgraph.Op) (inputs, outputs []*quantizer.Quantizer,
	params map[string]*quantizer.Quantizer) {
	for _, p := range op.Inputs {
		if p.Producer != nil || p.IsParam {
			continue
		}
		if q := r.Get(p.Name); q != nil {
			inputs = append(inputs, q)
		}
	}
	for _, p := range op.Outputs {
		if q := r.Get(p.Name); q != nil {
			outputs = append(outputs, q)
		}
	}
	params = make(map[string]*quantizer.Quantizer)
	for name, info := range op.Parameters {
		if q := r.Get(name); q != nil {
			params[info.Role] = q
		}
	}
	return
}
