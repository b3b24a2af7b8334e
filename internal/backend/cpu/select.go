package cpu

import (
	"github.com/born-ml/deepgraph/internal/tensor"
)

// Select gathers b[n, j] = a[n, addr[j]].
func (cpu *CPUBackend) Select(a, b *tensor.Tensor, sd *tensor.SelDescriptor) {
	ad, bd := a.Data(), b.Data()
	inS, outS := a.Shape().Sample(), b.Shape().Sample()
	cpu.forBatch(b.Dim(0), func(n int) {
		src := ad[n*inS : (n+1)*inS]
		dst := bd[n*outS : (n+1)*outS]
		for j, addr := range sd.Addresses {
			dst[j] = src[addr]
		}
	})
}

// SelectBack scatters pd[n, addr[j]] += d[n, j].
func (cpu *CPUBackend) SelectBack(d, pd *tensor.Tensor, sd *tensor.SelDescriptor) {
	dd, pdd := d.Data(), pd.Data()
	inS, outS := pd.Shape().Sample(), d.Shape().Sample()
	cpu.forBatch(d.Dim(0), func(n int) {
		src := dd[n*outS : (n+1)*outS]
		dst := pdd[n*inS : (n+1)*inS]
		for j, addr := range sd.Addresses {
			dst[addr] += src[j]
		}
	})
}

// concatGeometry returns the number of outer blocks and the per-block sizes.
func concatGeometry(parts []*tensor.Tensor, out *tensor.Tensor, axis int) (outer, outInner int, inners []int) {
	outer = tensor.Shape(out.Shape()[:axis]).NumElements()
	outInner = tensor.Shape(out.Shape()[axis:]).NumElements()
	inners = make([]int, len(parts))
	for i, p := range parts {
		inners[i] = tensor.Shape(p.Shape()[axis:]).NumElements()
	}
	return outer, outInner, inners
}

// Concat copies every part into its slice of out along axis.
func (cpu *CPUBackend) Concat(parts []*tensor.Tensor, out *tensor.Tensor, axis int) {
	outer, outInner, inners := concatGeometry(parts, out, axis)
	od := out.Data()
	cpu.forBatch(outer, func(o int) {
		off := o * outInner
		for i, p := range parts {
			n := inners[i]
			copy(od[off:off+n], p.Data()[o*n:(o+1)*n])
			off += n
		}
	})
}

// ConcatBack increments every part with its slice of d.
func (cpu *CPUBackend) ConcatBack(d *tensor.Tensor, parts []*tensor.Tensor, axis int) {
	outer, outInner, inners := concatGeometry(parts, d, axis)
	dd := d.Data()
	for o := 0; o < outer; o++ {
		off := o * outInner
		for i, p := range parts {
			n := inners[i]
			dst := p.Data()[o*n : (o+1)*n]
			for j, v := range dd[off : off+n] {
				dst[j] += v
			}
			off += n
		}
	}
}
