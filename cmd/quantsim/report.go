// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/quantsim/pkg/quantsim"
	"github.com/janpfeifer/must"
)

func reportSummary(sim *quantsim.SimModel) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newTable(lipgloss.Right, lipgloss.Left)
	table.Row(false, "model", sim.Model().Name)
	hwVersion := sim.HWVersion()
	if hwVersion == "" {
		hwVersion = "-"
	}
	table.Row(false, "hw_version", hwVersion)

	params, activations := sim.Quantizers()
	var numEnabled int
	for _, q := range slices.Concat(params, activations) {
		if q.Enabled {
			numEnabled++
		}
	}
	table.Row(false, "# parameter quantizers", humanize.Comma(int64(len(params))))
	table.Row(false, "# activation quantizers", humanize.Comma(int64(len(activations))))
	table.Row(false, "# distinct quantizers", humanize.Comma(int64(sim.Registry().NumSlots())))
	table.Row(false, "# enabled", humanize.Comma(int64(numEnabled)))

	// Parameter sizes, unquantized and at their quantized bitwidth.
	var numValues, quantizedBits int64
	for ii, name := range sim.ParamNames() {
		init := sim.Model().Initializer(name)
		if init == nil {
			continue
		}
		size := int64(init.Value.Size())
		numValues += size
		bitwidth := 32
		if params[ii].Enabled {
			bitwidth = params[ii].Bitwidth
		}
		quantizedBits += size * int64(bitwidth)
	}
	table.Row(false, "# parameters", humanize.Comma(numValues))
	table.Row(false, "parameters bytes (float32)", humanize.Bytes(uint64(numValues*4)))
	table.Row(false, "parameters bytes (quantized)", humanize.Bytes(uint64((quantizedBits+7)/8)))
	fmt.Println(table.Table.Render())
}

// reportEncodings lists every quantizer with its settings and encodings. Disabled quantizers are
// highlighted.
func reportEncodings(sim *quantsim.SimModel) {
	doc := must.M1(sim.ExportDocument())
	fmt.Println(titleStyle.Render(fmt.Sprintf("Encodings (version %s)", doc.Version)))
	table := newTable(lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Table.Headers("Tensor", "Kind", "Bitwidth", "DType", "Symmetric", "Type", "# Encodings", "Min", "Max", "Scale")
	addRows := func(kind string, names []string) {
		for _, name := range names {
			q := sim.Quantizer(name)
			te := doc.Tensor(name)
			if te == nil {
				table.Row(true, name, kind, strconv.Itoa(q.Bitwidth), q.DataType.String(),
					strconv.FormatBool(q.Symmetric), "disabled", "0", "", "", "")
				continue
			}
			row := []string{name, kind, strconv.Itoa(q.Bitwidth), q.DataType.String(),
				strconv.FormatBool(q.Symmetric), te.EncType, humanize.Comma(int64(len(te.Records)))}
			if first := te.Records[0]; q.DataType.String() == first.DType && len(te.Records) == 1 {
				row = append(row, fmt.Sprintf("%.4g", first.Min), fmt.Sprintf("%.4g", first.Max), fmt.Sprintf("%.4g", first.Scale))
			} else {
				row = append(row, "", "", "")
			}
			table.Row(false, row...)
		}
	}
	addRows("param", sim.ParamNames())
	addRows("activation", sim.ActivationNames())
	fmt.Println(table.Table.Render())
}

// reportMismatches lists the settings that didn't match the loaded encodings.
func reportMismatches(mismatches []quantsim.EncodingMismatchInfo) {
	if len(mismatches) == 0 {
		return
	}
	fmt.Println(titleStyle.Render("Encoding mismatches"))
	table := newTable(lipgloss.Left)
	table.Table.Headers("Quantizer", "Setting", "Current", "Loaded")
	for _, info := range mismatches {
		for _, row := range mismatchRows(&info) {
			table.Row(true, append([]string{info.QuantizerName}, row...)...)
		}
	}
	fmt.Println(table.Table.Render())
}

// mismatchRows returns one (setting, current, loaded) row per mismatched setting.
func mismatchRows(info *quantsim.EncodingMismatchInfo) [][]string {
	var rows [][]string
	add := func(setting string, current, loaded any) {
		rows = append(rows, []string{setting, fmt.Sprint(current), fmt.Sprint(loaded)})
	}
	if info.Enabled != nil {
		add("enabled", info.Enabled.Current, info.Enabled.Loaded)
	}
	if info.DType != nil {
		add("dtype", info.DType.Current, info.DType.Loaded)
	}
	if info.Bitwidth != nil {
		add("bitwidth", info.Bitwidth.Current, info.Bitwidth.Loaded)
	}
	if info.Symmetric != nil {
		add("symmetric", info.Symmetric.Current, info.Symmetric.Loaded)
	}
	if info.StrictSymmetric != nil {
		add("strict symmetric", info.StrictSymmetric.Current, info.StrictSymmetric.Loaded)
	}
	if info.UnsignedSymmetric != nil {
		add("unsigned symmetric", info.UnsignedSymmetric.Current, info.UnsignedSymmetric.Loaded)
	}
	return rows
}
