//go:build windows

package webgpu

import (
	"github.com/born-ml/deepgraph/internal/tensor"
)

// Element-wise selectors shared by the multiplexed shaders.
const (
	opMult uint32 = iota
	opDiv
	opMax
)

const (
	fnSqrt uint32 = iota
	fnReLU
	fnSigmoid
	fnTanh
)

// Fill sets every element of a to v.
func (b *Backend) Fill(a *tensor.Tensor, v float32) {
	b.run("fill", "fill", fillShader, a.NumElements(), []uint32{f32(v)}, out(a.Data()))
}

// Copy copies src into dst.
func (b *Backend) Copy(src, dst *tensor.Tensor) {
	b.run("copy", "copy", copyShader, dst.NumElements(), []uint32{0}, in(src.Data()), out(dst.Data()))
}

// Inc adds src into dst.
func (b *Backend) Inc(src, dst *tensor.Tensor) {
	b.run("inc", "copy", copyShader, dst.NumElements(), []uint32{1}, in(src.Data()), out(dst.Data()))
}

// Add computes c = scA*a + scB*b.
func (b *Backend) Add(scA float32, a *tensor.Tensor, scB float32, bt *tensor.Tensor, c *tensor.Tensor, inc bool) {
	b.run("add", "add", addShader, c.NumElements(), []uint32{f32(scA), f32(scB), flag(inc)},
		in(a.Data()), in(bt.Data()), out(c.Data()))
}

func (b *Backend) elementwise(op string, sel uint32, a, bt, c *tensor.Tensor, inc bool) {
	b.run(op, "elementwise", elementwiseShader, c.NumElements(), []uint32{sel, flag(inc)},
		in(a.Data()), in(bt.Data()), out(c.Data()))
}

// ElMult computes c = a * b.
func (b *Backend) ElMult(a, bt, c *tensor.Tensor, inc bool) {
	b.elementwise("el_mult", opMult, a, bt, c, inc)
}

// ElDiv computes c = a / b.
func (b *Backend) ElDiv(a, bt, c *tensor.Tensor, inc bool) {
	b.elementwise("el_div", opDiv, a, bt, c, inc)
}

// ElMax computes c = max(a, b).
func (b *Backend) ElMax(a, bt, c *tensor.Tensor) { b.elementwise("el_max", opMax, a, bt, c, false) }

// Scale multiplies a by s.
func (b *Backend) Scale(a *tensor.Tensor, s float32) {
	b.run("scale", "scalar", scalarShader, a.NumElements(), []uint32{f32(s), f32(0)}, out(a.Data()))
}

// AddScalar adds v to every element of a.
func (b *Backend) AddScalar(a *tensor.Tensor, v float32) {
	b.run("add_scalar", "scalar", scalarShader, a.NumElements(), []uint32{f32(1), f32(v)}, out(a.Data()))
}

func (b *Backend) unary(op string, fn uint32, a, bt *tensor.Tensor) {
	b.run(op, "unary", unaryShader, bt.NumElements(), []uint32{fn}, in(a.Data()), out(bt.Data()))
}

func (b *Backend) deriv(op string, fn uint32, d, x, pd *tensor.Tensor) {
	b.run(op, "deriv", derivShader, pd.NumElements(), []uint32{fn}, in(d.Data()), in(x.Data()), out(pd.Data()))
}

// Sqrt computes b = sqrt(a).
func (b *Backend) Sqrt(a, bt *tensor.Tensor) { b.unary("sqrt", fnSqrt, a, bt) }

// ReLU computes b = max(a, 0).
func (b *Backend) ReLU(a, bt *tensor.Tensor) { b.unary("relu", fnReLU, a, bt) }

// Sigmoid computes the logistic function.
func (b *Backend) Sigmoid(a, bt *tensor.Tensor) { b.unary("sigmoid", fnSigmoid, a, bt) }

// Tanh computes b = tanh(a).
func (b *Backend) Tanh(a, bt *tensor.Tensor) { b.unary("tanh", fnTanh, a, bt) }

// DReLU increments pd with d where i > 0.
func (b *Backend) DReLU(d, i, pd *tensor.Tensor) { b.deriv("d_relu", 0, d, i, pd) }

// DSigmoid increments pd with d*o*(1-o).
func (b *Backend) DSigmoid(d, o, pd *tensor.Tensor) { b.deriv("d_sigmoid", 1, d, o, pd) }

// DTanh increments pd with d*(1-o*o).
func (b *Backend) DTanh(d, o, pd *tensor.Tensor) { b.deriv("d_tanh", 2, d, o, pd) }

// DMax increments pd with d where out == in.
func (b *Backend) DMax(d, mx, x, pd *tensor.Tensor) {
	b.run("d_max", "d_max", dmaxShader, pd.NumElements(), nil, in(d.Data()), in(mx.Data()), in(x.Data()), out(pd.Data()))
}

// Softmax computes the row-wise softmax.
func (b *Backend) Softmax(a, bt *tensor.Tensor) {
	b.run("softmax", "softmax", softmaxShader, a.Dim(0), []uint32{u32(a.Dim(1))}, in(a.Data()), out(bt.Data()))
}

// DSoftmax increments pd with o*(d - sum(o*d)) per row.
func (b *Backend) DSoftmax(d, o, pd *tensor.Tensor) {
	b.run("d_softmax", "d_softmax", softmaxBackwardShader, o.Dim(0), []uint32{u32(o.Dim(1))},
		in(d.Data()), in(o.Data()), out(pd.Data()))
}

// Mult2D computes c = op(a) @ op(b).
func (b *Backend) Mult2D(a *tensor.Tensor, tA bool, bt *tensor.Tensor, tB bool, c *tensor.Tensor, inc bool) {
	m, k := a.Dim(0), a.Dim(1)
	if tA {
		m, k = k, m
	}
	n := c.Dim(1)
	b.run("mult2d", "matmul", matmulShader, m*n, []uint32{u32(m), u32(n), u32(k), flag(tA), flag(tB), flag(inc)},
		in(a.Data()), in(bt.Data()), out(c.Data()))
}

// Sum2DRowwise computes c = a + b for every row.
func (b *Backend) Sum2DRowwise(a, bt, c *tensor.Tensor) {
	b.run("sum2d_rowwise", "rowwise", rowwiseShader, c.NumElements(), []uint32{u32(a.Dim(1))},
		in(a.Data()), in(bt.Data()), out(c.Data()))
}

// ReduceSumRows sums the rows of a into b.
func (b *Backend) ReduceSumRows(a, bt *tensor.Tensor, inc bool) {
	b.run("reduce_sum_rows", "reduce_rows", reduceRowsShader, a.Dim(1), []uint32{u32(a.Dim(0)), flag(inc)},
		in(a.Data()), out(bt.Data()))
}

func convParams(cd *tensor.ConvolDescriptor) []uint32 {
	return []uint32{
		u32(cd.IZ), u32(cd.IR), u32(cd.IC),
		u32(cd.Z), u32(cd.R), u32(cd.C),
		u32(cd.KernelSize[0]), u32(cd.KernelSize[1]),
		u32(cd.Strides[0]), u32(cd.Strides[1]),
		u32(cd.Dilation[0]), u32(cd.Dilation[1]),
		u32(cd.Pads[0]), u32(cd.Pads[2]),
		u32(cd.Groups), flag(cd.UseBias), u32(cd.Batch()),
	}
}

// Conv2D runs the direct convolution shader.
func (b *Backend) Conv2D(cd *tensor.ConvolDescriptor) {
	bias := []float32{0}
	if cd.UseBias {
		bias = cd.Bias.Data()
	}
	b.run("conv2d", "conv2d", conv2dShader, cd.O.NumElements(), convParams(cd),
		in(cd.I.Data()), in(cd.K.Data()), in(bias), out(cd.O.Data()))
}

// Conv2DGrad accumulates gK and gbias.
func (b *Backend) Conv2DGrad(cd *tensor.ConvolDescriptor) {
	b.run("conv2d_grad", "conv2d_grad", conv2dGradShader, cd.GK.NumElements(), convParams(cd),
		in(cd.I.Data()), in(cd.D.Data()), out(cd.GK.Data()))
	if cd.UseBias {
		b.run("conv2d_grad", "bias_grad", biasGradShader, cd.Z, []uint32{u32(cd.Batch()), u32(cd.R * cd.C)},
			in(cd.D.Data()), out(cd.GBias.Data()))
	}
}

// Conv2DBack increments the input delta.
func (b *Backend) Conv2DBack(cd *tensor.ConvolDescriptor) {
	b.run("conv2d_back", "conv2d_back", conv2dBackShader, cd.ID.NumElements(), convParams(cd),
		in(cd.K.Data()), in(cd.D.Data()), out(cd.ID.Data()))
}

// ChannelBias adds the per-channel bias to y.
func (b *Backend) ChannelBias(bias, y *tensor.Tensor) {
	b.run("channel_bias", "channel_bias", channelBiasShader, y.NumElements(),
		[]uint32{u32(y.Dim(1)), u32(y.NumElements() / (y.Dim(0) * y.Dim(1)))},
		in(bias.Data()), out(y.Data()))
}

// ChannelBiasBack accumulates the per-channel sums of d into gb.
func (b *Backend) ChannelBiasBack(d, gb *tensor.Tensor) {
	b.run("channel_bias_back", "bias_grad", biasGradShader, d.Dim(1),
		[]uint32{u32(d.Dim(0)), u32(d.NumElements() / (d.Dim(0) * d.Dim(1)))},
		in(d.Data()), out(gb.Data()))
}

// MPool2D computes max pooling and the argmax table.
func (b *Backend) MPool2D(pd *tensor.PoolDescriptor) {
	params := []uint32{
		u32(pd.IZ), u32(pd.IR), u32(pd.IC), u32(pd.R), u32(pd.C),
		u32(pd.KernelSize[0]), u32(pd.KernelSize[1]),
		u32(pd.Strides[0]), u32(pd.Strides[1]),
		u32(pd.Pads[0]), u32(pd.Pads[2]),
	}
	b.run("mpool2d", "mpool2d", maxPool2dShader, pd.O.NumElements(), params,
		in(pd.I.Data()), out(pd.O.Data()), outIndex(pd.Ind))
}

// MPool2DBack routes deltas to the argmax positions, one sample per invocation.
func (b *Backend) MPool2DBack(pd *tensor.PoolDescriptor) {
	b.run("mpool2d_back", "mpool2d_back", maxPool2dBackShader, pd.O.Dim(0),
		[]uint32{u32(pd.IZ * pd.IR * pd.IC), u32(pd.Z * pd.R * pd.C)},
		in(pd.D.Data()), inIndex(pd.Ind), out(pd.ID.Data()))
}

func addresses(sd *tensor.SelDescriptor) []uint32 {
	w := make([]uint32, len(sd.Addresses))
	for i, a := range sd.Addresses {
		w[i] = uint32(a) //nolint:gosec // addresses are non-negative offsets
	}
	return w
}

// Select gathers the selected region.
func (b *Backend) Select(a, bt *tensor.Tensor, sd *tensor.SelDescriptor) {
	b.run("select", "select", selectShader, bt.NumElements(),
		[]uint32{u32(a.Shape().Sample()), u32(bt.Shape().Sample())},
		table(addresses(sd)), in(a.Data()), out(bt.Data()))
}

// SelectBack scatters d into the selected region of pd.
func (b *Backend) SelectBack(d, pd *tensor.Tensor, sd *tensor.SelDescriptor) {
	b.run("select_back", "select_back", selectBackShader, d.NumElements(),
		[]uint32{u32(pd.Shape().Sample()), u32(d.Shape().Sample())},
		table(addresses(sd)), in(d.Data()), out(pd.Data()))
}

// concatParts runs the concat shader once per part.
func (b *Backend) concatParts(op string, parts []*tensor.Tensor, whole *tensor.Tensor, axis int, back bool) {
	outInner := tensor.Shape(whole.Shape()[axis:]).NumElements()
	offset := 0
	for _, p := range parts {
		inner := tensor.Shape(p.Shape()[axis:]).NumElements()
		params := []uint32{u32(inner), u32(outInner), u32(offset), flag(back)}
		if back {
			b.run(op, "concat", concatShader, p.NumElements(), params, out(p.Data()), in(whole.Data()))
		} else {
			b.run(op, "concat", concatShader, p.NumElements(), params, in(p.Data()), out(whole.Data()))
		}
		offset += inner
	}
}

// Concat writes every part into its slice of out.
func (b *Backend) Concat(parts []*tensor.Tensor, o *tensor.Tensor, axis int) {
	b.concatParts("concat", parts, o, axis, false)
}

// ConcatBack increments every part with its slice of d.
func (b *Backend) ConcatBack(d *tensor.Tensor, parts []*tensor.Tensor, axis int) {
	b.concatParts("concat_back", parts, d, axis, true)
}
