// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// quantsim simulates the quantization of a model: it inserts the quantize-dequantize nodes,
// calibrates the encodings with sample inputs (or loads them from a previous export) and exports the
// encodings and the model without the quantization nodes.
//
// Usage:
//
//	quantsim -model=model.json -samples=samples.json -output=/tmp/quantized [flags]
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/quantsim/pkg/core/model"
	"github.com/gomlx/quantsim/pkg/core/simplexec"
	"github.com/gomlx/quantsim/pkg/core/tensors"
	"github.com/gomlx/quantsim/pkg/quant/encodings"
	"github.com/gomlx/quantsim/pkg/quant/quantizer"
	"github.com/gomlx/quantsim/pkg/quantsim"
	"github.com/gomlx/quantsim/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagModel   = flag.String("model", "", "Path of the model (JSON) to quantize.")
	flagConfig  = flag.String("config", "", "Path of the quantization configuration (YAML or JSON). Defaults to the built-in configuration.")
	flagSamples = flag.String("samples", "", "Path of the calibration samples: a JSON list of batches, each mapping model input names to tensors.")

	flagParamBitwidth      = flag.Int("param_bw", 8, "Bitwidth of parameter quantizers.")
	flagActivationBitwidth = flag.Int("act_bw", 8, "Bitwidth of activation quantizers.")
	flagSymmetric          = flag.Bool("symmetric", false, "Default symmetry of the quantizers, before the configuration is applied.")
	flagScheme             = flag.String("scheme", "tf", "Quantization scheme: \"tf\" or \"percentile\".")
	flagPercentile         = flag.Float64("percentile", 0, "Percentile in (50, 100] of the \"percentile\" scheme. 0 uses the default.")
	flagRounding           = flag.String("rounding", "nearest", "Rounding mode: \"nearest\" or \"stochastic\".")
	flagDataType           = flag.String("dtype", "int", "Quantization data type: \"int\" or \"float\".")
	flagHWVersion          = flag.String("hw_version", "", "Target hardware version (e.g. V73), enabling its exception rules.")
	flagTie                = flag.Bool("tie", false, "Tie the quantizers of ops requiring the same input and output encodings.")

	flagEncodingVersion = flag.String("encoding_version", encodings.DefaultVersion,
		fmt.Sprintf("Version of the exported encodings, one of %q.", encodings.ValidVersions))
	flagEncodings = flag.String("encodings", "", "Load encodings from this file instead of calibrating.")
	flagStrict    = flag.Bool("strict", true, "Fail if loaded encodings don't match the quantizer settings.")
	flagFreeze    = flag.String("freeze_params", "", "Set and freeze parameter encodings from this file before calibrating.")
	flagClamp     = flag.Float64("clamp", 0, "If > 0, clamp the activation encodings to [-clamp, clamp] after calibration.")

	flagOutput = flag.String("output", "", "Directory where to export the encodings and the model. Nothing is exported if empty.")
	flagPrefix = flag.String("prefix", "model", "File name prefix of the exported files.")
	flagReport = flag.Bool("report", true, "Print a report of the quantizers and their encodings.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagModel == "" {
		klog.Errorf("Missing -model. See 'quantsim -help'.")
		os.Exit(1)
	}
	if *flagSamples == "" && *flagEncodings == "" {
		klog.Errorf("One of -samples or -encodings is required. See 'quantsim -help'.")
		os.Exit(1)
	}
	if err := run(); err != nil {
		klog.Errorf("quantsim failed: %+v", err)
		os.Exit(1)
	}
}

func run() error {
	modelPath, err := fsutil.ExistingFile(*flagModel)
	if err != nil {
		return err
	}
	m, err := model.Load(modelPath)
	if err != nil {
		return err
	}
	b, err := newBuilder(m)
	if err != nil {
		return err
	}
	sim, err := b.Done()
	if err != nil {
		return err
	}

	var mismatches []quantsim.EncodingMismatchInfo
	if *flagEncodings != "" {
		encodingsPath, err := fsutil.ExistingFile(*flagEncodings)
		if err != nil {
			return err
		}
		mismatches, err = sim.LoadEncodings(encodingsPath, *flagStrict)
		if err != nil {
			if errors.Is(err, quantsim.ErrEncodingMismatch) {
				reportMismatches(mismatches)
			}
			return err
		}
	} else {
		if *flagFreeze != "" {
			freezePath, err := fsutil.ExistingFile(*flagFreeze)
			if err != nil {
				return err
			}
			if err = sim.SetAndFreezeParamEncodings(freezePath); err != nil {
				return err
			}
		}
		samplesPath, err := fsutil.ExistingFile(*flagSamples)
		if err != nil {
			return err
		}
		samples, err := loadSamples(samplesPath)
		if err != nil {
			return err
		}
		if err = sim.ComputeEncodings(calibrationPass(samples)); err != nil {
			return err
		}
		if *flagClamp > 0 {
			sim.ClampActivationEncodings(*flagClamp)
		}
	}

	if *flagReport {
		reportSummary(sim)
		reportEncodings(sim)
		reportMismatches(mismatches)
	}
	if *flagOutput != "" {
		outputDir, err := fsutil.ExpandPath(*flagOutput)
		if err != nil {
			return err
		}
		if err = sim.Export(outputDir, *flagPrefix); err != nil {
			return err
		}
		fmt.Printf("Exported %q to %q\n", *flagPrefix, outputDir)
	}
	return nil
}

// newBuilder configures the simulation from the flags.
func newBuilder(m *model.Model) (*quantsim.Builder, error) {
	scheme, err := quantizer.ParseQuantScheme(*flagScheme)
	if err != nil {
		return nil, err
	}
	rounding, err := quantizer.ParseRoundingMode(*flagRounding)
	if err != nil {
		return nil, err
	}
	dataType, err := quantizer.ParseDataType(*flagDataType)
	if err != nil {
		return nil, err
	}
	b := quantsim.Build(m).
		ParamBitwidth(*flagParamBitwidth).
		ActivationBitwidth(*flagActivationBitwidth).
		Symmetric(*flagSymmetric).
		Scheme(scheme).
		Percentile(*flagPercentile).
		Rounding(rounding).
		DataType(dataType).
		TieQuantizers(*flagTie).
		EncodingVersion(strings.TrimSpace(*flagEncodingVersion))
	if *flagConfig != "" {
		configPath, err := fsutil.ExistingFile(*flagConfig)
		if err != nil {
			return nil, err
		}
		b.ConfigFile(configPath)
	}
	if *flagHWVersion != "" {
		b.HWVersion(*flagHWVersion)
	}
	return b, nil
}

// calibrationPass runs every batch of samples through the session, with a progress bar.
func calibrationPass(samples []map[string]*tensors.Tensor) func(*simplexec.Session) error {
	return func(session *simplexec.Session) error {
		bar := progressbar.NewOptions(len(samples),
			progressbar.OptionSetDescription("Calibrating"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("batches"),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
			progressbar.OptionClearOnFinish())
		defer func() { _ = bar.Finish() }()
		for ii, batch := range samples {
			if _, err := session.Run(batch); err != nil {
				return errors.WithMessagef(err, "calibration batch #%d", ii)
			}
			_ = bar.Add(1)
		}
		return nil
	}
}
