package cpu

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/born-ml/deepgraph/internal/tensor"
)

// Conv2D performs the forward convolution using im2col + GEMM.
//
// Algorithm, per batch entry b and group g:
//  1. Im2col: input [C_in, H, W] -> col [H_out*W_out, C_in*K_h*K_w]
//  2. GEMM:   out_g [C_out/G, H_out*W_out] = K_g [C_out/G, C_in/G*K_h*K_w] @ col_gᵀ
//  3. Bias:   out[z, :] += bias[z]
//
// The col buffer is the descriptor scratch, kept for Conv2DGrad unless the
// memory level is low.
func (cpu *CPUBackend) Conv2D(cd *tensor.ConvolDescriptor) {
	col, _ := cd.Scratch()
	in, out := cd.I.Data(), cd.O.Data()
	inSize, outSize := cd.IZ*cd.IR*cd.IC, cd.Z*cd.R*cd.C
	colSize := cd.ColRows() * cd.ColCols()
	hw := cd.R * cd.C

	var bias []float32
	if cd.UseBias {
		bias = cd.Bias.Data()
	}

	cpu.forBatch(cd.Batch(), func(b int) {
		colB := col[b*colSize : (b+1)*colSize]
		outB := out[b*outSize : (b+1)*outSize]
		im2col(in[b*inSize:(b+1)*inSize], colB, cd)

		for g := 0; g < cd.Groups; g++ {
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, kernelGroup(cd, cd.K, g), colGroup(cd, colB, g), 0, outGroup(cd, outB, g))
		}
		for z, bz := range bias {
			plane := outB[z*hw : (z+1)*hw]
			for j := range plane {
				plane[j] += bz
			}
		}
	})

	cd.MarkScratch(true)
	cd.ScratchDone()
}

// Conv2DGrad accumulates GK += D_b @ col_b over the batch and GBias += sum(D).
func (cpu *CPUBackend) Conv2DGrad(cd *tensor.ConvolDescriptor) {
	col, valid := cd.Scratch()
	in, delta := cd.I.Data(), cd.D.Data()
	inSize, outSize := cd.IZ*cd.IR*cd.IC, cd.Z*cd.R*cd.C
	colSize := cd.ColRows() * cd.ColCols()
	hw := cd.R * cd.C

	if !valid {
		cpu.forBatch(cd.Batch(), func(b int) {
			im2col(in[b*inSize:(b+1)*inSize], col[b*colSize:(b+1)*colSize], cd)
		})
		cd.MarkScratch(true)
	}

	// Sequential over the batch: every entry accumulates into the same GK.
	for b := 0; b < cd.Batch(); b++ {
		colB := col[b*colSize : (b+1)*colSize]
		dB := delta[b*outSize : (b+1)*outSize]
		for g := 0; g < cd.Groups; g++ {
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, outGroup(cd, dB, g), colGroup(cd, colB, g), 1, kernelGroup(cd, cd.GK, g))
		}
	}

	if cd.UseBias {
		gb := cd.GBias.Data()
		for b := 0; b < cd.Batch(); b++ {
			dB := delta[b*outSize : (b+1)*outSize]
			for z := range gb {
				var sum float32
				for _, v := range dB[z*hw : (z+1)*hw] {
					sum += v
				}
				gb[z] += sum
			}
		}
	}

	cd.ScratchDone()
}

// Conv2DBack increments ID with col2im(D_bᵀ @ K) for every batch entry.
// The scratch is reused as the delta-column buffer.
func (cpu *CPUBackend) Conv2DBack(cd *tensor.ConvolDescriptor) {
	col, _ := cd.Scratch()
	id, delta := cd.ID.Data(), cd.D.Data()
	inSize, outSize := cd.IZ*cd.IR*cd.IC, cd.Z*cd.R*cd.C
	colSize := cd.ColRows() * cd.ColCols()

	cpu.forBatch(cd.Batch(), func(b int) {
		colB := col[b*colSize : (b+1)*colSize]
		dB := delta[b*outSize : (b+1)*outSize]
		for g := 0; g < cd.Groups; g++ {
			blas32.Gemm(blas.Trans, blas.NoTrans, 1, outGroup(cd, dB, g), kernelGroup(cd, cd.K, g), 0, colGroup(cd, colB, g))
		}
		col2im(colB, id[b*inSize:(b+1)*inSize], cd)
	})

	cd.MarkScratch(false)
	cd.ScratchDone()
}

// kernelGroup views the rows of group g of a (Z, IZ/G, kh, kw) tensor as a matrix.
func kernelGroup(cd *tensor.ConvolDescriptor, k *tensor.Tensor, g int) blas32.General {
	og := cd.Z / cd.Groups
	cols := cd.ColCols() / cd.Groups
	return blas32.General{Rows: og, Cols: cols, Stride: cols, Data: k.Data()[g*og*cols:]}
}

// colGroup views the columns of group g of one im2col matrix.
func colGroup(cd *tensor.ConvolDescriptor, col []float32, g int) blas32.General {
	cols := cd.ColCols() / cd.Groups
	return blas32.General{Rows: cd.ColRows(), Cols: cols, Stride: cd.ColCols(), Data: col[g*cols:]}
}

// outGroup views the output channels of group g of one sample as a (Z/G, HW) matrix.
func outGroup(cd *tensor.ConvolDescriptor, out []float32, g int) blas32.General {
	og := cd.Z / cd.Groups
	hw := cd.R * cd.C
	return blas32.General{Rows: og, Cols: hw, Stride: hw, Data: out[g*og*hw:]}
}

// im2col gathers, for every output position, the receptive field of one
// sample into a row of col. Positions in the padding read as 0.
func im2col(in, col []float32, cd *tensor.ConvolDescriptor) {
	walkPatches(cd, func(row, k, src int) {
		if src < 0 {
			col[row+k] = 0
			return
		}
		col[row+k] = in[src]
	})
}

// col2im scatter-adds col back onto the input positions. Padding targets are dropped.
func col2im(col, in []float32, cd *tensor.ConvolDescriptor) {
	walkPatches(cd, func(row, k, src int) {
		if src >= 0 {
			in[src] += col[row+k]
		}
	})
}

// walkPatches calls visit(rowOffset, column, inputOffset) for every element
// of the im2col matrix of one sample; inputOffset is -1 in the padding.
func walkPatches(cd *tensor.ConvolDescriptor, visit func(row, k, src int)) {
	kr, kc := cd.KernelSize[0], cd.KernelSize[1]
	sr, sc := cd.Strides[0], cd.Strides[1]
	dr, dc := cd.Dilation[0], cd.Dilation[1]
	ckk := cd.ColCols()
	plane := cd.IR * cd.IC

	row := 0
	for oy := 0; oy < cd.R; oy++ {
		y0 := oy*sr - cd.Pads[0]
		for ox := 0; ox < cd.C; ox++ {
			x0 := ox*sc - cd.Pads[2]
			k := 0
			for z := 0; z < cd.IZ; z++ {
				for ky := 0; ky < kr; ky++ {
					y := y0 + ky*dr
					for kx := 0; kx < kc; kx++ {
						x := x0 + kx*dc
						if y >= 0 && y < cd.IR && x >= 0 && x < cd.IC {
							visit(row, k, z*plane+y*cd.IC+x)
						} else {
							visit(row, k, -1)
						}
						k++
					}
				}
			}
			row += ckk
		}
	}
}
