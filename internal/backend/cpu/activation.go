package cpu

import (
	"github.com/chewxy/math32"

	"github.com/born-ml/deepgraph/internal/tensor"
)

// ReLU computes b = max(a, 0).
func (cpu *CPUBackend) ReLU(a, b *tensor.Tensor) {
	ad, bd := a.Data(), b.Data()
	cpu.forElems(len(bd), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			if ad[i] > 0 {
				bd[i] = ad[i]
			} else {
				bd[i] = 0
			}
		}
	})
}

// DReLU increments pd with d where i > 0.
func (cpu *CPUBackend) DReLU(d, i, pd *tensor.Tensor) {
	dd, id, pdd := d.Data(), i.Data(), pd.Data()
	cpu.forElems(len(pdd), func(lo, hi int) {
		for k := lo; k < hi; k++ {
			if id[k] > 0 {
				pdd[k] += dd[k]
			}
		}
	})
}

// Sigmoid computes b = 1/(1+exp(-a)).
func (cpu *CPUBackend) Sigmoid(a, b *tensor.Tensor) {
	ad, bd := a.Data(), b.Data()
	cpu.forElems(len(bd), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			bd[i] = 1 / (1 + math32.Exp(-ad[i]))
		}
	})
}

// DSigmoid increments pd with d*o*(1-o).
func (cpu *CPUBackend) DSigmoid(d, o, pd *tensor.Tensor) {
	dd, od, pdd := d.Data(), o.Data(), pd.Data()
	cpu.forElems(len(pdd), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			pdd[i] += dd[i] * od[i] * (1 - od[i])
		}
	})
}

// Tanh computes b = tanh(a).
func (cpu *CPUBackend) Tanh(a, b *tensor.Tensor) {
	ad, bd := a.Data(), b.Data()
	cpu.forElems(len(bd), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			bd[i] = math32.Tanh(ad[i])
		}
	})
}

// DTanh increments pd with d*(1-o²).
func (cpu *CPUBackend) DTanh(d, o, pd *tensor.Tensor) {
	dd, od, pdd := d.Data(), o.Data(), pd.Data()
	cpu.forElems(len(pdd), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			pdd[i] += dd[i] * (1 - od[i]*od[i])
		}
	})
}

// Softmax applies softmax along rows using the max-shift trick.
func (cpu *CPUBackend) Softmax(a, b *tensor.Tensor) {
	ad, bd := a.Data(), b.Data()
	cols := a.Dim(1)
	cpu.forBatch(a.Dim(0), func(r int) {
		in := ad[r*cols : (r+1)*cols]
		out := bd[r*cols : (r+1)*cols]

		maxVal := in[0]
		for _, v := range in[1:] {
			maxVal = math32.Max(maxVal, v)
		}
		var sum float32
		for j, v := range in {
			e := math32.Exp(v - maxVal)
			out[j] = e
			sum += e
		}
		for j := range out {
			out[j] /= sum
		}
	})
}

// DSoftmax increments pd with o*(d - sum(o*d)) per row.
func (cpu *CPUBackend) DSoftmax(d, o, pd *tensor.Tensor) {
	dd, od, pdd := d.Data(), o.Data(), pd.Data()
	cols := o.Dim(1)
	cpu.forBatch(o.Dim(0), func(r int) {
		off := r * cols
		var dot float32
		for j := 0; j < cols; j++ {
			dot += od[off+j] * dd[off+j]
		}
		for j := 0; j < cols; j++ {
			pdd[off+j] += od[off+j] * (dd[off+j] - dot)
		}
	})
}
