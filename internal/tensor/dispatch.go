package tensor

// checks shared by the dispatchers; all of them panic with *OpError.

func alive(op string, ts ...*Tensor) {
	for _, t := range ts {
		if t == nil {
			opPanic(op, ErrStructural, "nil tensor operand")
		}
		if t.freed {
			opPanic(op, ErrStructural, "use of freed %v tensor", t.shape)
		}
	}
}

func sameDevice(op string, ts ...*Tensor) {
	alive(op, ts...)
	d := ts[0].device
	for _, t := range ts[1:] {
		if t.device != d {
			opPanic(op, ErrDeviceMismatch, "%s vs %s", d, t.device)
		}
	}
}

func sameShape(op string, ts ...*Tensor) {
	s := ts[0].shape
	for _, t := range ts[1:] {
		if !t.shape.Equal(s) {
			opPanic(op, ErrShapeMismatch, "%v vs %v", s, t.shape)
		}
	}
}

func sameSize(op string, a, b *Tensor) {
	if len(a.data) != len(b.data) {
		opPanic(op, ErrShapeMismatch, "%v (%d) vs %v (%d)", a.shape, len(a.data), b.shape, len(b.data))
	}
}

func rank(op string, t *Tensor, r int) {
	if len(t.shape) != r {
		opPanic(op, ErrShapeMismatch, "expected %dD tensor, got %v", r, t.shape)
	}
}

// Fill sets every element of a to v.
func Fill(a *Tensor, v float32) {
	alive("fill", a)
	be := backendOf("fill", a)
	a.mu.Lock()
	defer a.mu.Unlock()
	be.Fill(a, v)
}

// Copy copies src into dst. Only the element count must match, so Copy
// also implements reshapes.
func Copy(src, dst *Tensor) {
	sameDevice("copy", src, dst)
	sameSize("copy", src, dst)
	if src == dst {
		return
	}
	be := backendOf("copy", dst)
	dst.mu.Lock()
	defer dst.mu.Unlock()
	be.Copy(src, dst)
}

// Inc adds src into dst (dst += src). Only the element count must match.
func Inc(src, dst *Tensor) {
	sameDevice("inc", src, dst)
	sameSize("inc", src, dst)
	be := backendOf("inc", dst)
	dst.mu.Lock()
	defer dst.mu.Unlock()
	be.Inc(src, dst)
}

// Add computes c = scA*a + scB*b, or c += ... when inc is set.
func Add(scA float32, a *Tensor, scB float32, b *Tensor, c *Tensor, inc bool) {
	sameDevice("add", a, b, c)
	sameShape("add", a, b, c)
	be := backendOf("add", c)
	c.mu.Lock()
	defer c.mu.Unlock()
	be.Add(scA, a, scB, b, c, inc)
}

// ElMult computes c = a * b elementwise.
func ElMult(a, b, c *Tensor, inc bool) {
	sameDevice("el_mult", a, b, c)
	sameShape("el_mult", a, b, c)
	be := backendOf("el_mult", c)
	c.mu.Lock()
	defer c.mu.Unlock()
	be.ElMult(a, b, c, inc)
}

// ElDiv computes c = a / b elementwise.
func ElDiv(a, b, c *Tensor, inc bool) {
	sameDevice("el_div", a, b, c)
	sameShape("el_div", a, b, c)
	be := backendOf("el_div", c)
	c.mu.Lock()
	defer c.mu.Unlock()
	be.ElDiv(a, b, c, inc)
}

// Scale multiplies a by s in place.
func Scale(a *Tensor, s float32) {
	alive("scale", a)
	be := backendOf("scale", a)
	a.mu.Lock()
	defer a.mu.Unlock()
	be.Scale(a, s)
}

// AddScalar adds v to every element of a in place.
func AddScalar(a *Tensor, v float32) {
	alive("add_scalar", a)
	be := backendOf("add_scalar", a)
	a.mu.Lock()
	defer a.mu.Unlock()
	be.AddScalar(a, v)
}

// Sqrt computes b = sqrt(a).
func Sqrt(a, b *Tensor) {
	sameDevice("sqrt", a, b)
	sameShape("sqrt", a, b)
	be := backendOf("sqrt", b)
	b.mu.Lock()
	defer b.mu.Unlock()
	be.Sqrt(a, b)
}

// Mult2D computes c = op(a) @ op(b) where op transposes when the flag is set.
func Mult2D(a *Tensor, tA bool, b *Tensor, tB bool, c *Tensor, inc bool) {
	sameDevice("mult2d", a, b, c)
	rank("mult2d", a, 2)
	rank("mult2d", b, 2)
	rank("mult2d", c, 2)

	m, k := a.shape[0], a.shape[1]
	if tA {
		m, k = k, m
	}
	kb, n := b.shape[0], b.shape[1]
	if tB {
		kb, n = n, kb
	}
	if k != kb || c.shape[0] != m || c.shape[1] != n {
		opPanic("mult2d", ErrShapeMismatch, "%v(t=%v) x %v(t=%v) -> %v", a.shape, tA, b.shape, tB, c.shape)
	}
	be := backendOf("mult2d", c)
	c.mu.Lock()
	defer c.mu.Unlock()
	be.Mult2D(a, tA, b, tB, c, inc)
}

// Sum2DRowwise computes c = a + b with the vector b added to every row of a.
func Sum2DRowwise(a, b, c *Tensor) {
	sameDevice("sum2d_rowwise", a, b, c)
	rank("sum2d_rowwise", a, 2)
	sameShape("sum2d_rowwise", a, c)
	if b.NumElements() != a.shape[1] {
		opPanic("sum2d_rowwise", ErrShapeMismatch, "row vector %v for %v", b.shape, a.shape)
	}
	be := backendOf("sum2d_rowwise", c)
	c.mu.Lock()
	defer c.mu.Unlock()
	be.Sum2DRowwise(a, b, c)
}

// ReduceSumRows sums the rows of the 2D tensor a into the vector b.
func ReduceSumRows(a, b *Tensor, inc bool) {
	sameDevice("reduce_sum_rows", a, b)
	rank("reduce_sum_rows", a, 2)
	if b.NumElements() != a.shape[1] {
		opPanic("reduce_sum_rows", ErrShapeMismatch, "vector %v for %v", b.shape, a.shape)
	}
	be := backendOf("reduce_sum_rows", b)
	b.mu.Lock()
	defer b.mu.Unlock()
	be.ReduceSumRows(a, b, inc)
}

type unaryKernel func(Backend) func(a, b *Tensor)

func unary(op string, a, b *Tensor, k unaryKernel) {
	sameDevice(op, a, b)
	sameShape(op, a, b)
	be := backendOf(op, b)
	b.mu.Lock()
	defer b.mu.Unlock()
	k(be)(a, b)
}

type derivKernel func(Backend) func(d, x, pd *Tensor)

func deriv(op string, d, x, pd *Tensor, k derivKernel) {
	sameDevice(op, d, x, pd)
	sameShape(op, d, x, pd)
	be := backendOf(op, pd)
	pd.mu.Lock()
	defer pd.mu.Unlock()
	k(be)(d, x, pd)
}

// ReLU computes b = max(a, 0).
func ReLU(a, b *Tensor) { unary("relu", a, b, func(be Backend) func(a, b *Tensor) { return be.ReLU }) }

// DReLU increments pd with d where the layer input i is positive.
func DReLU(d, i, pd *Tensor) {
	deriv("d_relu", d, i, pd, func(be Backend) func(d, x, pd *Tensor) { return be.DReLU })
}

// Sigmoid computes b = 1/(1+exp(-a)).
func Sigmoid(a, b *Tensor) {
	unary("sigmoid", a, b, func(be Backend) func(a, b *Tensor) { return be.Sigmoid })
}

// DSigmoid increments pd with d*o*(1-o), o being the sigmoid output.
func DSigmoid(d, o, pd *Tensor) {
	deriv("d_sigmoid", d, o, pd, func(be Backend) func(d, x, pd *Tensor) { return be.DSigmoid })
}

// Tanh computes b = tanh(a).
func Tanh(a, b *Tensor) { unary("tanh", a, b, func(be Backend) func(a, b *Tensor) { return be.Tanh }) }

// DTanh increments pd with d*(1-o*o), o being the tanh output.
func DTanh(d, o, pd *Tensor) {
	deriv("d_tanh", d, o, pd, func(be Backend) func(d, x, pd *Tensor) { return be.DTanh })
}

// Softmax computes the row-wise softmax of the 2D tensor a.
func Softmax(a, b *Tensor) {
	rank("softmax", a, 2)
	unary("softmax", a, b, func(be Backend) func(a, b *Tensor) { return be.Softmax })
}

// DSoftmax increments pd with o*(d - sum(o*d)) row by row, o being the softmax output.
func DSoftmax(d, o, pd *Tensor) {
	rank("d_softmax", o, 2)
	deriv("d_softmax", d, o, pd, func(be Backend) func(d, x, pd *Tensor) { return be.DSoftmax })
}

// ElMax computes c = max(a, b) elementwise.
func ElMax(a, b, c *Tensor) {
	sameDevice("el_max", a, b, c)
	sameShape("el_max", a, b, c)
	be := backendOf("el_max", c)
	c.mu.Lock()
	defer c.mu.Unlock()
	be.ElMax(a, b, c)
}

// DMax increments pd with d wherever out equals in.
func DMax(d, out, in, pd *Tensor) {
	sameDevice("d_max", d, out, in, pd)
	sameShape("d_max", d, out, in, pd)
	be := backendOf("d_max", pd)
	pd.mu.Lock()
	defer pd.mu.Unlock()
	be.DMax(d, out, in, pd)
}

// Conv2D runs the forward convolution cd.O = conv(cd.I, cd.K) (+ bias).
func Conv2D(cd *ConvolDescriptor) {
	cd.check("conv2d")
	be := backendOf("conv2d", cd.O)
	cd.O.mu.Lock()
	defer cd.O.mu.Unlock()
	be.Conv2D(cd)
}

// Conv2DGrad accumulates the kernel and bias gradients from cd.D.
// It must run before Conv2DBack for the same step: backends may reuse
// the forward scratch buffer here and overwrite it in Conv2DBack.
func Conv2DGrad(cd *ConvolDescriptor) {
	cd.check("conv2d_grad")
	alive("conv2d_grad", cd.D, cd.GK)
	sameDevice("conv2d_grad", cd.D, cd.GK)
	if !cd.D.shape.Equal(cd.O.shape) {
		opPanic("conv2d_grad", ErrShapeMismatch, "delta %v for output %v", cd.D.shape, cd.O.shape)
	}
	be := backendOf("conv2d_grad", cd.GK)
	cd.GK.mu.Lock()
	defer cd.GK.mu.Unlock()
	if cd.UseBias {
		cd.GBias.mu.Lock()
		defer cd.GBias.mu.Unlock()
	}
	be.Conv2DGrad(cd)
}

// Conv2DBack increments the input delta cd.ID from cd.D.
func Conv2DBack(cd *ConvolDescriptor) {
	cd.check("conv2d_back")
	alive("conv2d_back", cd.D, cd.ID)
	sameDevice("conv2d_back", cd.D, cd.ID)
	if !cd.ID.shape.Equal(cd.I.shape) || !cd.D.shape.Equal(cd.O.shape) {
		opPanic("conv2d_back", ErrShapeMismatch, "deltas %v/%v for %v/%v", cd.ID.shape, cd.D.shape, cd.I.shape, cd.O.shape)
	}
	be := backendOf("conv2d_back", cd.ID)
	cd.ID.mu.Lock()
	defer cd.ID.mu.Unlock()
	be.Conv2DBack(cd)
}

// Conv2DT runs the transposed convolution of cd.I into cd.O.
func Conv2DT(cd *ConvolDescriptorT) {
	cd.check("conv2d_t")
	Fill(cd.O, 0)
	Conv2DBack(cd.roles(cd.O, cd.I, cd.I, cd.O))
	if cd.UseBias {
		ChannelBias(cd.Bias, cd.O)
	}
}

// Conv2DTGrad accumulates the kernel and bias gradients of a transposed
// convolution from cd.D.
func Conv2DTGrad(cd *ConvolDescriptorT) {
	cd.check("conv2d_t_grad")
	alive("conv2d_t_grad", cd.D, cd.GK)
	if !cd.D.shape.Equal(cd.O.shape) {
		opPanic("conv2d_t_grad", ErrShapeMismatch, "delta %v for output %v", cd.D.shape, cd.O.shape)
	}
	Conv2DGrad(cd.roles(cd.D, cd.I, cd.I, nil))
	if cd.UseBias {
		ChannelBiasBack(cd.D, cd.GBias)
	}
}

// Conv2DTBack increments the input delta cd.ID from cd.D.
func Conv2DTBack(cd *ConvolDescriptorT) {
	cd.check("conv2d_t_back")
	alive("conv2d_t_back", cd.D, cd.ID)
	if !cd.ID.shape.Equal(cd.I.shape) || !cd.D.shape.Equal(cd.O.shape) {
		opPanic("conv2d_t_back", ErrShapeMismatch, "deltas %v/%v for %v/%v", cd.ID.shape, cd.D.shape, cd.I.shape, cd.O.shape)
	}
	buf, err := cd.inputDeltaBuffer()
	if err != nil {
		opPanic("conv2d_t_back", ErrAllocation, "%v", err)
	}
	Conv2D(cd.roles(cd.D, buf, nil, nil))
	Inc(buf, cd.ID)
	if cd.Mem == MemLow {
		cd.freeTmp()
	}
}

// ChannelBias adds b[c] to every element of channel c of the NCHW tensor y.
func ChannelBias(b, y *Tensor) {
	sameDevice("channel_bias", b, y)
	if len(y.shape) < 2 || b.NumElements() != y.shape[1] {
		opPanic("channel_bias", ErrShapeMismatch, "bias %v for %v", b.shape, y.shape)
	}
	be := backendOf("channel_bias", y)
	y.mu.Lock()
	defer y.mu.Unlock()
	be.ChannelBias(b, y)
}

// ChannelBiasBack increments gb[c] with the sum of channel c of d.
func ChannelBiasBack(d, gb *Tensor) {
	sameDevice("channel_bias_back", d, gb)
	if len(d.shape) < 2 || gb.NumElements() != d.shape[1] {
		opPanic("channel_bias_back", ErrShapeMismatch, "bias gradient %v for %v", gb.shape, d.shape)
	}
	be := backendOf("channel_bias_back", gb)
	gb.mu.Lock()
	defer gb.mu.Unlock()
	be.ChannelBiasBack(d, gb)
}

// MPool2D runs max pooling and records the argmax indices.
func MPool2D(pd *PoolDescriptor) {
	pd.check("mpool2d")
	be := backendOf("mpool2d", pd.O)
	pd.O.mu.Lock()
	defer pd.O.mu.Unlock()
	be.MPool2D(pd)
}

// MPool2DBack routes pd.D to the recorded argmax positions of pd.ID.
func MPool2DBack(pd *PoolDescriptor) {
	pd.check("mpool2d_back")
	alive("mpool2d_back", pd.D, pd.ID)
	sameDevice("mpool2d_back", pd.D, pd.ID, pd.O)
	if !pd.D.shape.Equal(pd.O.shape) || !pd.ID.shape.Equal(pd.I.shape) {
		opPanic("mpool2d_back", ErrShapeMismatch, "deltas %v/%v for %v/%v", pd.ID.shape, pd.D.shape, pd.I.shape, pd.O.shape)
	}
	be := backendOf("mpool2d_back", pd.ID)
	pd.ID.mu.Lock()
	defer pd.ID.mu.Unlock()
	be.MPool2DBack(pd)
}

// Select gathers the region described by sd from a into b.
func Select(a, b *Tensor, sd *SelDescriptor) {
	sameDevice("select", a, b)
	sd.check("select", a, b)
	be := backendOf("select", b)
	b.mu.Lock()
	defer b.mu.Unlock()
	be.Select(a, b, sd)
}

// SelectBack scatters d into the region of pd described by sd.
func SelectBack(d, pd *Tensor, sd *SelDescriptor) {
	sameDevice("select_back", d, pd)
	sd.check("select_back", pd, d)
	be := backendOf("select_back", pd)
	pd.mu.Lock()
	defer pd.mu.Unlock()
	be.SelectBack(d, pd, sd)
}

func concatCheck(op string, parts []*Tensor, out *Tensor, axis int) {
	if len(parts) == 0 {
		opPanic(op, ErrStructural, "no tensors to concatenate")
	}
	sameDevice(op, append([]*Tensor{out}, parts...)...)
	if axis <= 0 || axis >= len(out.shape) {
		opPanic(op, ErrShapeMismatch, "axis %d for %v", axis, out.shape)
	}
	total := 0
	for _, p := range parts {
		if len(p.shape) != len(out.shape) {
			opPanic(op, ErrShapeMismatch, "%v vs %v", p.shape, out.shape)
		}
		for i := range p.shape {
			if i != axis && p.shape[i] != out.shape[i] {
				opPanic(op, ErrShapeMismatch, "%v vs %v on axis %d", p.shape, out.shape, i)
			}
		}
		total += p.shape[axis]
	}
	if total != out.shape[axis] {
		opPanic(op, ErrShapeMismatch, "parts sum to %d on axis %d, output has %d", total, axis, out.shape[axis])
	}
}

// Concat concatenates parts along axis into out.
func Concat(parts []*Tensor, out *Tensor, axis int) {
	concatCheck("concat", parts, out, axis)
	be := backendOf("concat", out)
	out.mu.Lock()
	defer out.mu.Unlock()
	be.Concat(parts, out, axis)
}

// ConcatBack splits d along axis and increments each part with its slice.
func ConcatBack(d *Tensor, parts []*Tensor, axis int) {
	concatCheck("concat_back", parts, d, axis)
	be := backendOf("concat_back", d)
	locked := make(map[*Tensor]bool, len(parts))
	for _, p := range parts {
		if locked[p] {
			continue
		}
		locked[p] = true
		p.mu.Lock()
		defer p.mu.Unlock()
	}
	be.ConcatBack(d, parts, axis)
}
