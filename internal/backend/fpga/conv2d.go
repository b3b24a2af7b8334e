package fpga

import (
	"github.com/born-ml/deepgraph/internal/tensor"
)

// window walks the receptive field of output (oy, ox) for input channel
// plane offsets, calling f(kernelOffset, inputOffset) for in-bounds taps.
func window(cd *tensor.ConvolDescriptor, oy, ox int, f func(k, in int)) {
	y0 := oy*cd.Strides[0] - cd.Pads[0]
	x0 := ox*cd.Strides[1] - cd.Pads[2]
	for ky := 0; ky < cd.KernelSize[0]; ky++ {
		y := y0 + ky*cd.Dilation[0]
		if y < 0 || y >= cd.IR {
			continue
		}
		for kx := 0; kx < cd.KernelSize[1]; kx++ {
			x := x0 + kx*cd.Dilation[1]
			if x < 0 || x >= cd.IC {
				continue
			}
			f(ky*cd.KernelSize[1]+kx, y*cd.IC+x)
		}
	}
}

// Conv2D is the direct convolution: one accumulator per output element.
func (b *Backend) Conv2D(cd *tensor.ConvolDescriptor) {
	in, k, out := cd.I.Data(), cd.K.Data(), cd.O.Data()
	og, cg := cd.Z/cd.Groups, cd.IZ/cd.Groups
	kk := cd.KernelSize[0] * cd.KernelSize[1]
	plane, oplane := cd.IR*cd.IC, cd.R*cd.C

	for n := 0; n < cd.Batch(); n++ {
		for z := 0; z < cd.Z; z++ {
			g := z / og
			var bias float32
			if cd.UseBias {
				bias = cd.Bias.Data()[z]
			}
			for oy := 0; oy < cd.R; oy++ {
				for ox := 0; ox < cd.C; ox++ {
					acc := bias
					for c := 0; c < cg; c++ {
						src := in[(n*cd.IZ+g*cg+c)*plane:]
						ker := k[(z*cg+c)*kk:]
						window(cd, oy, ox, func(ki, ii int) {
							acc += ker[ki] * src[ii]
						})
					}
					out[(n*cd.Z+z)*oplane+oy*cd.C+ox] = acc
				}
			}
		}
	}
}

// Conv2DGrad accumulates kernel and bias gradients output by output.
func (b *Backend) Conv2DGrad(cd *tensor.ConvolDescriptor) {
	in, d, gk := cd.I.Data(), cd.D.Data(), cd.GK.Data()
	og, cg := cd.Z/cd.Groups, cd.IZ/cd.Groups
	kk := cd.KernelSize[0] * cd.KernelSize[1]
	plane, oplane := cd.IR*cd.IC, cd.R*cd.C

	for n := 0; n < cd.Batch(); n++ {
		for z := 0; z < cd.Z; z++ {
			g := z / og
			for oy := 0; oy < cd.R; oy++ {
				for ox := 0; ox < cd.C; ox++ {
					dv := d[(n*cd.Z+z)*oplane+oy*cd.C+ox]
					if cd.UseBias {
						cd.GBias.Data()[z] += dv
					}
					for c := 0; c < cg; c++ {
						src := in[(n*cd.IZ+g*cg+c)*plane:]
						grad := gk[(z*cg+c)*kk:]
						window(cd, oy, ox, func(ki, ii int) {
							grad[ki] += dv * src[ii]
						})
					}
				}
			}
		}
	}
}

// Conv2DBack increments the input delta output by output.
func (b *Backend) Conv2DBack(cd *tensor.ConvolDescriptor) {
	k, d, id := cd.K.Data(), cd.D.Data(), cd.ID.Data()
	og, cg := cd.Z/cd.Groups, cd.IZ/cd.Groups
	kk := cd.KernelSize[0] * cd.KernelSize[1]
	plane, oplane := cd.IR*cd.IC, cd.R*cd.C

	for n := 0; n < cd.Batch(); n++ {
		for z := 0; z < cd.Z; z++ {
			g := z / og
			for oy := 0; oy < cd.R; oy++ {
				for ox := 0; ox < cd.C; ox++ {
					dv := d[(n*cd.Z+z)*oplane+oy*cd.C+ox]
					for c := 0; c < cg; c++ {
						dst := id[(n*cd.IZ+g*cg+c)*plane:]
						ker := k[(z*cg+c)*kk:]
						window(cd, oy, ox, func(ki, ii int) {
							dst[ii] += dv * ker[ki]
						})
					}
				}
			}
		}
	}
}
