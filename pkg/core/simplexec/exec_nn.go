// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplexec

import (
	"math"
	"slices"

	"github.com/gomlx/quantsim/pkg/core/model"
	"github.com/gomlx/quantsim/pkg/core/optypes"
	"github.com/gomlx/quantsim/pkg/core/tensors"
	"github.com/pkg/errors"
)

// This file implements the neural network operations: matrix multiplications, convolutions,
// pooling and softmax. All of them work on float values only.

func init() {
	kernelBuilders[optypes.OpTypeMatMul] = func(*model.Node) (Kernel, error) { return execMatMul, nil }
	kernelBuilders[optypes.OpTypeGemm] = buildGemm
	kernelBuilders[optypes.OpTypeConv] = buildConv
	kernelBuilders[optypes.OpTypeMaxPool] = buildPool(true)
	kernelBuilders[optypes.OpTypeAveragePool] = buildPool(false)
	kernelBuilders[optypes.OpTypeSoftmax] = buildSoftmax
}

// matMul2D accumulates a[m, k] x b[k, n] into out[m, n].
func matMul2D(a, b, out []float32, m, k, n int) {
	for row := range m {
		for col := range n {
			var sum float32
			for ii := range k {
				sum += a[row*k+ii] * b[ii*n+col]
			}
			out[row*n+col] += sum
		}
	}
}

// execMatMul multiplies the last two axes of both operands. Leading (batch) axes must either match,
// or one of the operands must be a plain matrix, which is then used for every batch.
func execMatMul(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	if err := checkFloat(inputs[0], inputs[1]); err != nil {
		return nil, err
	}
	a, b := inputs[0], inputs[1]
	if a.Rank() < 2 || b.Rank() < 2 {
		return nil, errors.Errorf("MatMul operands must have rank >= 2, got %v and %v", a.Dimensions(), b.Dimensions())
	}
	aDims, bDims := a.Dimensions(), b.Dimensions()
	m, k := aDims[a.Rank()-2], aDims[a.Rank()-1]
	kB, n := bDims[b.Rank()-2], bDims[b.Rank()-1]
	if k != kB {
		return nil, errors.Errorf("MatMul contracting dimensions don't match: %v x %v", aDims, bDims)
	}
	aBatch, bBatch := aDims[:a.Rank()-2], bDims[:b.Rank()-2]
	var batch []int
	switch {
	case slices.Equal(aBatch, bBatch):
		batch = aBatch
	case len(bBatch) == 0:
		batch = aBatch
	case len(aBatch) == 0:
		batch = bBatch
	default:
		return nil, errors.Errorf("MatMul batch dimensions don't match: %v x %v", aDims, bDims)
	}
	numBatches := tensors.Size(batch)
	out := make([]float32, numBatches*m*n)
	aValues, bValues := a.Floats(), b.Floats()
	for batchIdx := range numBatches {
		aOffset, bOffset := 0, 0
		if len(aBatch) > 0 {
			aOffset = batchIdx * m * k
		}
		if len(bBatch) > 0 {
			bOffset = batchIdx * k * n
		}
		matMul2D(aValues[aOffset:aOffset+m*k], bValues[bOffset:bOffset+k*n], out[batchIdx*m*n:(batchIdx+1)*m*n], m, k, n)
	}
	dims := append(slices.Clone(batch), m, n)
	return []*tensors.Tensor{tensors.FromFlatDataAndDimensions(out, dims...)}, nil
}

// transpose2D returns the transposed values of a rows x cols matrix.
func transpose2D(values []float32, rows, cols int) []float32 {
	out := make([]float32, len(values))
	for r := range rows {
		for c := range cols {
			out[c*rows+r] = values[r*cols+c]
		}
	}
	return out
}

func buildGemm(node *model.Node) (Kernel, error) {
	alpha := node.FloatAttrOr("alpha", 1)
	beta := node.FloatAttrOr("beta", 1)
	transA := node.IntAttrOr("transA", 0) != 0
	transB := node.IntAttrOr("transB", 0) != 0
	return func(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
		if err := checkFloat(inputs[0], inputs[1]); err != nil {
			return nil, err
		}
		a, b := inputs[0], inputs[1]
		if a.Rank() != 2 || b.Rank() != 2 {
			return nil, errors.Errorf("Gemm operands must be matrices, got %v and %v", a.Dimensions(), b.Dimensions())
		}
		aValues, bValues := a.Floats(), b.Floats()
		m, k := a.Dimensions()[0], a.Dimensions()[1]
		if transA {
			aValues = transpose2D(aValues, m, k)
			m, k = k, m
		}
		kB, n := b.Dimensions()[0], b.Dimensions()[1]
		if transB {
			bValues = transpose2D(bValues, kB, n)
			kB, n = n, kB
		}
		if k != kB {
			return nil, errors.Errorf("Gemm contracting dimensions don't match: %v x %v (transA=%v, transB=%v)",
				a.Dimensions(), b.Dimensions(), transA, transB)
		}
		out := make([]float32, m*n)
		matMul2D(aValues, bValues, out, m, k, n)
		for ii := range out {
			out[ii] *= alpha
		}
		result := tensors.FromFlatDataAndDimensions(out, m, n)
		if len(inputs) > 2 && inputs[2] != nil {
			if err := checkFloat(inputs[2]); err != nil {
				return nil, err
			}
			var err error
			result, err = broadcastBinary(result, inputs[2], func(x, c float32) float32 { return x + beta*c })
			if err != nil {
				return nil, errors.WithMessage(err, "Gemm bias")
			}
		}
		return []*tensors.Tensor{result}, nil
	}, nil
}

// window2D holds the spatial attributes of convolutions and pooling.
type window2D struct {
	kernel    [2]int
	strides   [2]int
	dilations [2]int

	// pads are top, left, bottom, right.
	pads [4]int
}

func parseWindow2D(node *model.Node, kernel []int64) (w window2D, err error) {
	pairOr := func(name string, defaultValue int) ([2]int, error) {
		values := node.IntsAttrOr(name, nil)
		if values == nil {
			return [2]int{defaultValue, defaultValue}, nil
		}
		if len(values) != 2 {
			return [2]int{}, errors.Errorf("attribute %q must have 2 values for 2-D operations, got %v", name, values)
		}
		return [2]int{int(values[0]), int(values[1])}, nil
	}
	if autoPad := node.Attribute("auto_pad"); autoPad != nil && autoPad.String != nil && *autoPad.String != "NOTSET" {
		return w, errors.Errorf("auto_pad %q not supported", *autoPad.String)
	}
	if kernel != nil {
		if len(kernel) != 2 {
			return w, errors.Errorf("only 2-D kernels are supported, got kernel shape %v", kernel)
		}
		w.kernel = [2]int{int(kernel[0]), int(kernel[1])}
	}
	if w.strides, err = pairOr("strides", 1); err != nil {
		return
	}
	if w.dilations, err = pairOr("dilations", 1); err != nil {
		return
	}
	if pads := node.IntsAttrOr("pads", nil); pads != nil {
		if len(pads) != 4 {
			return w, errors.Errorf("attribute \"pads\" must have 4 values for 2-D operations, got %v", pads)
		}
		w.pads = [4]int{int(pads[0]), int(pads[1]), int(pads[2]), int(pads[3])}
	}
	return
}

// outputSize returns the output spatial dimensions for the input spatial dimensions h, w.
func (w window2D) outputSize(h, width int) (outH, outW int, err error) {
	effH := (w.kernel[0]-1)*w.dilations[0] + 1
	effW := (w.kernel[1]-1)*w.dilations[1] + 1
	outH = (h+w.pads[0]+w.pads[2]-effH)/w.strides[0] + 1
	outW = (width+w.pads[1]+w.pads[3]-effW)/w.strides[1] + 1
	if outH <= 0 || outW <= 0 {
		return 0, 0, errors.Errorf("window %+v too large for spatial dimensions %dx%d", w, h, width)
	}
	return
}

func buildConv(node *model.Node) (Kernel, error) {
	group := int(node.IntAttrOr("group", 1))
	win, err := parseWindow2D(node, node.IntsAttrOr("kernel_shape", nil))
	if err != nil {
		return nil, err
	}
	return func(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
		if err := checkFloat(inputs[0], inputs[1]); err != nil {
			return nil, err
		}
		x, kernel := inputs[0], inputs[1]
		if x.Rank() != 4 || kernel.Rank() != 4 {
			return nil, errors.Errorf("only 2-D convolutions are supported, got input %v and kernel %v",
				x.Dimensions(), kernel.Dimensions())
		}
		batch, channels, h, width := x.Dimensions()[0], x.Dimensions()[1], x.Dimensions()[2], x.Dimensions()[3]
		outChannels, groupChannels := kernel.Dimensions()[0], kernel.Dimensions()[1]
		if group <= 0 || channels != groupChannels*group || outChannels%group != 0 {
			return nil, errors.Errorf("input channels %d and kernel %v don't match group %d",
				channels, kernel.Dimensions(), group)
		}
		w := win
		w.kernel = [2]int{kernel.Dimensions()[2], kernel.Dimensions()[3]}
		outH, outW, err := w.outputSize(h, width)
		if err != nil {
			return nil, err
		}
		var bias []float32
		if len(inputs) > 2 && inputs[2] != nil {
			if err := checkFloat(inputs[2]); err != nil {
				return nil, err
			}
			bias = inputs[2].Floats()
			if len(bias) != outChannels {
				return nil, errors.Errorf("bias has %d values, expected %d", len(bias), outChannels)
			}
		}

		xValues, kValues := x.Floats(), kernel.Floats()
		out := make([]float32, batch*outChannels*outH*outW)
		outPerGroup := outChannels / group
		kH, kW := w.kernel[0], w.kernel[1]
		for n := range batch {
			for oc := range outChannels {
				g := oc / outPerGroup
				for oy := range outH {
					for ox := range outW {
						var sum float32
						if bias != nil {
							sum = bias[oc]
						}
						for gc := range groupChannels {
							ic := g*groupChannels + gc
							for ky := range kH {
								iy := oy*w.strides[0] - w.pads[0] + ky*w.dilations[0]
								if iy < 0 || iy >= h {
									continue
								}
								for kx := range kW {
									ix := ox*w.strides[1] - w.pads[1] + kx*w.dilations[1]
									if ix < 0 || ix >= width {
										continue
									}
									sum += xValues[((n*channels+ic)*h+iy)*width+ix] *
										kValues[((oc*groupChannels+gc)*kH+ky)*kW+kx]
								}
							}
						}
						out[((n*outChannels+oc)*outH+oy)*outW+ox] = sum
					}
				}
			}
		}
		return []*tensors.Tensor{tensors.FromFlatDataAndDimensions(out, batch, outChannels, outH, outW)}, nil
	}, nil
}

func buildPool(isMax bool) kernelBuilder {
	return func(node *model.Node) (Kernel, error) {
		kernelShape := node.IntsAttrOr("kernel_shape", nil)
		if kernelShape == nil {
			return nil, errors.New("pooling requires the kernel_shape attribute")
		}
		w, err := parseWindow2D(node, kernelShape)
		if err != nil {
			return nil, err
		}
		countIncludePad := node.IntAttrOr("count_include_pad", 0) != 0
		return func(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
			if err := checkFloat(inputs[0]); err != nil {
				return nil, err
			}
			x := inputs[0]
			if x.Rank() != 4 {
				return nil, errors.Errorf("only 2-D pooling is supported, got input %v", x.Dimensions())
			}
			batch, channels, h, width := x.Dimensions()[0], x.Dimensions()[1], x.Dimensions()[2], x.Dimensions()[3]
			outH, outW, err := w.outputSize(h, width)
			if err != nil {
				return nil, err
			}
			xValues := x.Floats()
			out := make([]float32, batch*channels*outH*outW)
			for nc := range batch * channels {
				plane := xValues[nc*h*width : (nc+1)*h*width]
				for oy := range outH {
					for ox := range outW {
						acc := float32(0)
						if isMax {
							acc = float32(math.Inf(-1))
						}
						count := 0
						for ky := range w.kernel[0] {
							iy := oy*w.strides[0] - w.pads[0] + ky*w.dilations[0]
							for kx := range w.kernel[1] {
								ix := ox*w.strides[1] - w.pads[1] + kx*w.dilations[1]
								if iy < 0 || iy >= h || ix < 0 || ix >= width {
									if countIncludePad {
										count++
									}
									continue
								}
								v := plane[iy*width+ix]
								if isMax {
									acc = max(acc, v)
								} else {
									acc += v
								}
								count++
							}
						}
						if !isMax && count > 0 {
							acc /= float32(count)
						}
						out[(nc*outH+oy)*outW+ox] = acc
					}
				}
			}
			return []*tensors.Tensor{tensors.FromFlatDataAndDimensions(out, batch, channels, outH, outW)}, nil
		}, nil
	}
}

func buildSoftmax(node *model.Node) (Kernel, error) {
	attrAxis := int(node.IntAttrOr("axis", -1))
	return func(inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
		if err := checkFloat(inputs[0]); err != nil {
			return nil, err
		}
		x := inputs[0]
		axis, err := normalizeAxis(attrAxis, x.Rank())
		if err != nil {
			return nil, err
		}
		dims := x.Dimensions()
		outer, dim, inner := tensors.Size(dims[:axis]), dims[axis], tensors.Size(dims[axis+1:])
		out := x.Clone()
		values := out.Floats()
		for o := range outer {
			for i := range inner {
				base := o*dim*inner + i
				maxValue := float32(math.Inf(-1))
				for d := range dim {
					maxValue = max(maxValue, values[base+d*inner])
				}
				var sum float64
				for d := range dim {
					e := math.Exp(float64(values[base+d*inner] - maxValue))
					values[base+d*inner] = float32(e)
					sum += e
				}
				for d := range dim {
					values[base+d*inner] = float32(float64(values[base+d*inner]) / sum)
				}
			}
		}
		return []*tensors.Tensor{out}, nil
	}, nil
}
