package cpu

import (
	"github.com/born-ml/deepgraph/internal/tensor"
)

// MPool2D computes max pooling and stores the argmax offset of every output.
// Windows lying entirely in the padding produce 0 and index -1.
func (cpu *CPUBackend) MPool2D(pd *tensor.PoolDescriptor) {
	in, out, ind := pd.I.Data(), pd.O.Data(), pd.Ind.Data()
	inSize, outSize := pd.IZ*pd.IR*pd.IC, pd.Z*pd.R*pd.C
	plane := pd.IR * pd.IC

	cpu.forBatch(pd.O.Dim(0), func(b int) {
		inB := in[b*inSize : (b+1)*inSize]
		outB := out[b*outSize : (b+1)*outSize]
		indB := ind[b*outSize : (b+1)*outSize]
		o := 0
		for z := 0; z < pd.Z; z++ {
			for oy := 0; oy < pd.R; oy++ {
				y0 := oy*pd.Strides[0] - pd.Pads[0]
				for ox := 0; ox < pd.C; ox++ {
					x0 := ox*pd.Strides[1] - pd.Pads[2]
					best, arg := float32(0), -1
					for ky := 0; ky < pd.KernelSize[0]; ky++ {
						y := y0 + ky
						if y < 0 || y >= pd.IR {
							continue
						}
						for kx := 0; kx < pd.KernelSize[1]; kx++ {
							x := x0 + kx
							if x < 0 || x >= pd.IC {
								continue
							}
							src := z*plane + y*pd.IC + x
							if arg < 0 || inB[src] > best {
								best, arg = inB[src], src
							}
						}
					}
					outB[o] = best
					indB[o] = int32(arg) //nolint:gosec // offsets fit the tensor element limit
					o++
				}
			}
		}
	})
}

// MPool2DBack increments ID at the recorded argmax offsets with D.
func (cpu *CPUBackend) MPool2DBack(pd *tensor.PoolDescriptor) {
	id, delta, ind := pd.ID.Data(), pd.D.Data(), pd.Ind.Data()
	inSize, outSize := pd.IZ*pd.IR*pd.IC, pd.Z*pd.R*pd.C

	cpu.forBatch(pd.O.Dim(0), func(b int) {
		idB := id[b*inSize : (b+1)*inSize]
		for o := 0; o < outSize; o++ {
			if src := ind[b*outSize+o]; src >= 0 {
				idB[src] += delta[b*outSize+o]
			}
		}
	})
}
