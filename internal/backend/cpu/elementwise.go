package cpu

import (
	"github.com/chewxy/math32"

	"github.com/born-ml/deepgraph/internal/tensor"
)

// Fill sets every element of a to v.
func (cpu *CPUBackend) Fill(a *tensor.Tensor, v float32) {
	data := a.Data()
	cpu.forElems(len(data), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			data[i] = v
		}
	})
}

// Copy copies src into dst.
func (cpu *CPUBackend) Copy(src, dst *tensor.Tensor) {
	copy(dst.Data(), src.Data())
}

// Inc adds src into dst.
func (cpu *CPUBackend) Inc(src, dst *tensor.Tensor) {
	s, d := src.Data(), dst.Data()
	cpu.forElems(len(d), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			d[i] += s[i]
		}
	})
}

// Add computes c = scA*a + scB*b (c += ... when inc).
func (cpu *CPUBackend) Add(scA float32, a *tensor.Tensor, scB float32, b *tensor.Tensor, c *tensor.Tensor, inc bool) {
	ad, bd, cd := a.Data(), b.Data(), c.Data()
	cpu.forElems(len(cd), func(lo, hi int) {
		if inc {
			for i := lo; i < hi; i++ {
				cd[i] += scA*ad[i] + scB*bd[i]
			}
			return
		}
		for i := lo; i < hi; i++ {
			cd[i] = scA*ad[i] + scB*bd[i]
		}
	})
}

// ElMult computes c = a*b elementwise.
func (cpu *CPUBackend) ElMult(a, b, c *tensor.Tensor, inc bool) {
	ad, bd, cd := a.Data(), b.Data(), c.Data()
	cpu.forElems(len(cd), func(lo, hi int) {
		if inc {
			for i := lo; i < hi; i++ {
				cd[i] += ad[i] * bd[i]
			}
			return
		}
		for i := lo; i < hi; i++ {
			cd[i] = ad[i] * bd[i]
		}
	})
}

// ElDiv computes c = a/b elementwise.
func (cpu *CPUBackend) ElDiv(a, b, c *tensor.Tensor, inc bool) {
	ad, bd, cd := a.Data(), b.Data(), c.Data()
	cpu.forElems(len(cd), func(lo, hi int) {
		if inc {
			for i := lo; i < hi; i++ {
				cd[i] += ad[i] / bd[i]
			}
			return
		}
		for i := lo; i < hi; i++ {
			cd[i] = ad[i] / bd[i]
		}
	})
}

// Scale multiplies a by s in place.
func (cpu *CPUBackend) Scale(a *tensor.Tensor, s float32) {
	data := a.Data()
	cpu.forElems(len(data), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			data[i] *= s
		}
	})
}

// AddScalar adds v to a in place.
func (cpu *CPUBackend) AddScalar(a *tensor.Tensor, v float32) {
	data := a.Data()
	cpu.forElems(len(data), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			data[i] += v
		}
	})
}

// Sqrt computes b = sqrt(a).
func (cpu *CPUBackend) Sqrt(a, b *tensor.Tensor) {
	ad, bd := a.Data(), b.Data()
	cpu.forElems(len(bd), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			bd[i] = math32.Sqrt(ad[i])
		}
	})
}

// ElMax computes c = max(a, b).
func (cpu *CPUBackend) ElMax(a, b, c *tensor.Tensor) {
	ad, bd, cd := a.Data(), b.Data(), c.Data()
	cpu.forElems(len(cd), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			cd[i] = math32.Max(ad[i], bd[i])
		}
	})
}

// DMax increments pd with d where out == in.
func (cpu *CPUBackend) DMax(d, out, in, pd *tensor.Tensor) {
	dd, od, id, pdd := d.Data(), out.Data(), in.Data(), pd.Data()
	cpu.forElems(len(pdd), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			if od[i] == id[i] {
				pdd[i] += dd[i]
			}
		}
	})
}
