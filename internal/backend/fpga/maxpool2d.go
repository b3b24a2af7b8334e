package fpga

import (
	"github.com/born-ml/deepgraph/internal/tensor"
)

// clamp returns the in-bounds part [lo, hi) of a window starting at start.
func clamp(start, size, limit int) (lo, hi int) {
	return max(start, 0), min(start+size, limit)
}

// MPool2D scans the clamped window of every output element. Ties keep the
// first element in row-major order; empty windows yield 0 and index -1.
func (b *Backend) MPool2D(pd *tensor.PoolDescriptor) {
	in, out := pd.I.Data(), pd.O.Data()
	plane, oplane := pd.IR*pd.IC, pd.R*pd.C

	for n := 0; n < pd.O.Dim(0); n++ {
		for z := 0; z < pd.Z; z++ {
			src := in[(n*pd.IZ+z)*plane:]
			base := (n*pd.Z + z) * oplane
			for oy := 0; oy < pd.R; oy++ {
				y0, y1 := clamp(oy*pd.Strides[0]-pd.Pads[0], pd.KernelSize[0], pd.IR)
				for ox := 0; ox < pd.C; ox++ {
					x0, x1 := clamp(ox*pd.Strides[1]-pd.Pads[2], pd.KernelSize[1], pd.IC)
					best, arg := float32(0), -1
					for y := y0; y < y1; y++ {
						for x := x0; x < x1; x++ {
							if v := src[y*pd.IC+x]; arg < 0 || v > best {
								best, arg = v, y*pd.IC+x
							}
						}
					}
					o := base + oy*pd.C + ox
					out[o] = best
					if arg >= 0 {
						arg += z * plane
					}
					pd.Ind[o] = int32(arg) //nolint:gosec // offsets fit the tensor element limit
				}
			}
		}
	}
}

// MPool2DBack adds every output delta to its recorded input position.
func (b *Backend) MPool2DBack(pd *tensor.PoolDescriptor) {
	id, d := pd.ID.Data(), pd.D.Data()
	inSize, outSize := pd.IZ*pd.IR*pd.IC, pd.Z*pd.R*pd.C

	for o, src := range pd.Ind {
		if src < 0 {
			continue
		}
		n := o / outSize
		id[n*inSize+int(src)] += d[o]
	}
}
