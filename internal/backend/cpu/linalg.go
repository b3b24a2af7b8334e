package cpu

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/born-ml/deepgraph/internal/tensor"
)

// general views a row-major 2D tensor as a blas32 matrix.
func general(t *tensor.Tensor) blas32.General {
	rows, cols := t.Dim(0), t.Dim(1)
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: t.Data()}
}

func trans(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}

// Mult2D computes c = op(a) @ op(b), accumulating when inc is set.
func (cpu *CPUBackend) Mult2D(a *tensor.Tensor, tA bool, b *tensor.Tensor, tB bool, c *tensor.Tensor, inc bool) {
	var beta float32
	if inc {
		beta = 1
	}
	blas32.Gemm(trans(tA), trans(tB), 1, general(a), general(b), beta, general(c))
}

// Sum2DRowwise computes c = a + b, b being added to every row.
func (cpu *CPUBackend) Sum2DRowwise(a, b, c *tensor.Tensor) {
	ad, bd, cd := a.Data(), b.Data(), c.Data()
	cols := a.Dim(1)
	cpu.forBatch(a.Dim(0), func(r int) {
		row := ad[r*cols : (r+1)*cols]
		out := cd[r*cols : (r+1)*cols]
		for j, v := range row {
			out[j] = v + bd[j]
		}
	})
}

// ReduceSumRows computes b[j] = sum_r a[r, j].
func (cpu *CPUBackend) ReduceSumRows(a, b *tensor.Tensor, inc bool) {
	ad, bd := a.Data(), b.Data()
	rows, cols := a.Dim(0), a.Dim(1)
	if !inc {
		clear(bd)
	}
	for r := 0; r < rows; r++ {
		row := ad[r*cols : (r+1)*cols]
		for j, v := range row {
			bd[j] += v
		}
	}
}

// ChannelBias adds b[z] to every element of channel z of y.
func (cpu *CPUBackend) ChannelBias(b, y *tensor.Tensor) {
	bd, yd := b.Data(), y.Data()
	z := y.Dim(1)
	plane := len(yd) / (y.Dim(0) * z)
	cpu.forBatch(y.Dim(0), func(n int) {
		for c, bc := range bd {
			row := yd[(n*z+c)*plane : (n*z+c+1)*plane]
			for j := range row {
				row[j] += bc
			}
		}
	})
}

// ChannelBiasBack increments gb[z] with the sum of channel z of d over the batch.
func (cpu *CPUBackend) ChannelBiasBack(d, gb *tensor.Tensor) {
	dd, gd := d.Data(), gb.Data()
	z := d.Dim(1)
	plane := len(dd) / (d.Dim(0) * z)
	for n := 0; n < d.Dim(0); n++ {
		for c := range gd {
			var sum float32
			for _, v := range dd[(n*z+c)*plane : (n*z+c+1)*plane] {
				sum += v
			}
			gd[c] += sum
		}
	}
}
