package tensor

import (
	"github.com/pkg/errors"
)

// Padding modes accepted by the descriptors.
const (
	PaddingValid  = "valid"
	PaddingSame   = "same"
	PaddingNone   = "none"
	PaddingCustom = "custom"
)

// ComputePadding returns the (before, after) padding of one spatial axis.
//
// "valid" and "none" add no padding. "same" pads so that the output size
// equals ceil(in/stride); odd totals put the extra row or column after.
func ComputePadding(mode string, in, kernel, stride, dilation int) (int, int, error) {
	switch mode {
	case PaddingValid, PaddingNone:
		return 0, 0, nil
	case PaddingSame:
		out := (in + stride - 1) / stride
		total := max((out-1)*stride+(kernel-1)*dilation+1-in, 0)
		return total / 2, total - total/2, nil
	}
	return 0, 0, errors.Wrapf(ErrStructural, "unknown padding mode %q", mode)
}

// OutputSize returns floor((in + lo + hi - dilation*(kernel-1) - 1)/stride) + 1.
func OutputSize(in, kernel, stride, dilation, lo, hi int) int {
	span := in + lo + hi - dilation*(kernel-1) - 1
	if span < 0 {
		return 0
	}
	return span/stride + 1
}

// ConvolDescriptor holds the geometry and the buffers of one 2D convolution.
//
// Tensors are laid out NCHW. The descriptor owns the output O, the
// im2col scratch and the distributed accumulators. K, Bias, GK and GBias
// are owned by the parameter arena of the layer graph so that weight-tied
// replicas can alias them. I, D and ID are borrowed from the layer graph
// (parent output, own delta, parent delta).
type ConvolDescriptor struct {
	Filters    int
	KernelSize [2]int // rows, cols
	Strides    [2]int
	Dilation   [2]int
	Groups     int
	UseBias    bool
	Padding    string
	Pads       [4]int // top, bottom, left, right

	// Input geometry (channels, rows, cols) and output geometry.
	IZ, IR, IC int
	Z, R, C    int

	I, O     *Tensor
	D, ID    *Tensor
	K, Bias  *Tensor
	GK       *Tensor
	GBias    *Tensor
	AccGK    *Tensor
	AccGBias *Tensor

	Mem MemLevel

	explicitPads []int
	scratch      []float32
	scratchValid bool
}

// ConvConfig collects the user-facing convolution options.
type ConvConfig struct {
	Filters    int
	KernelSize []int  // [kh, kw]
	Strides    []int  // default [1, 1]
	Dilation   []int  // default [1, 1]
	Padding    string // "valid", "same" or "none"; ignored when Pads is set
	Pads       []int  // [rows, cols] or [top, bottom, left, right]
	Groups     int    // default 1
	UseBias    bool
}

func pair(v []int, def int, what string) ([2]int, error) {
	switch len(v) {
	case 0:
		return [2]int{def, def}, nil
	case 1:
		return [2]int{v[0], v[0]}, nil
	case 2:
		return [2]int{v[0], v[1]}, nil
	}
	return [2]int{}, errors.Wrapf(ErrStructural, "%s must have 1 or 2 values, got %v", what, v)
}

// NewConvolDescriptor validates cfg. Build binds it to an input.
func NewConvolDescriptor(cfg ConvConfig) (*ConvolDescriptor, error) {
	if cfg.Filters <= 0 {
		return nil, errors.Wrapf(ErrStructural, "conv: filters must be positive, got %d", cfg.Filters)
	}
	if len(cfg.KernelSize) == 0 {
		return nil, errors.Wrap(ErrStructural, "conv: kernel size is required")
	}
	ks, err := pair(cfg.KernelSize, 1, "kernel size")
	if err != nil {
		return nil, err
	}
	st, err := pair(cfg.Strides, 1, "strides")
	if err != nil {
		return nil, err
	}
	dl, err := pair(cfg.Dilation, 1, "dilation")
	if err != nil {
		return nil, err
	}
	for _, v := range []int{ks[0], ks[1], st[0], st[1], dl[0], dl[1]} {
		if v <= 0 {
			return nil, errors.Wrapf(ErrStructural, "conv: kernel %v strides %v dilation %v must be positive", ks, st, dl)
		}
	}

	groups := cfg.Groups
	if groups == 0 {
		groups = 1
	}
	if groups < 0 || cfg.Filters%groups != 0 {
		return nil, errors.Wrapf(ErrStructural, "conv: %d filters not divisible into %d groups", cfg.Filters, groups)
	}

	cd := &ConvolDescriptor{
		Filters:    cfg.Filters,
		KernelSize: ks,
		Strides:    st,
		Dilation:   dl,
		Groups:     groups,
		UseBias:    cfg.UseBias,
		Padding:    cfg.Padding,
	}

	switch len(cfg.Pads) {
	case 0:
		if cd.Padding == "" {
			cd.Padding = PaddingValid
		}
		if _, _, err := ComputePadding(cd.Padding, 1, 1, 1, 1); err != nil {
			return nil, err
		}
	case 2:
		cd.Padding = PaddingCustom
		cd.explicitPads = []int{cfg.Pads[0], cfg.Pads[0], cfg.Pads[1], cfg.Pads[1]}
	case 4:
		cd.Padding = PaddingCustom
		cd.explicitPads = append([]int(nil), cfg.Pads...)
	default:
		return nil, errors.Wrapf(ErrStructural, "conv: pads must have 2 or 4 values, got %v", cfg.Pads)
	}
	for _, p := range cd.explicitPads {
		if p < 0 {
			return nil, errors.Wrapf(ErrStructural, "conv: negative padding %v", cfg.Pads)
		}
	}
	return cd, nil
}

// Config returns the options the descriptor was created from.
func (cd *ConvolDescriptor) Config() ConvConfig {
	cfg := ConvConfig{
		Filters:    cd.Filters,
		KernelSize: cd.KernelSize[:],
		Strides:    cd.Strides[:],
		Dilation:   cd.Dilation[:],
		Padding:    cd.Padding,
		Groups:     cd.Groups,
		UseBias:    cd.UseBias,
	}
	if cd.Padding == PaddingCustom {
		cfg.Padding = ""
		cfg.Pads = append([]int(nil), cd.explicitPads...)
	}
	return cfg
}

// Build binds the descriptor to a 4D input, computes the output geometry
// and allocates the output and the parameter tensors on the input device.
func (cd *ConvolDescriptor) Build(input *Tensor, mem MemLevel) error {
	if err := cd.bind(input, mem); err != nil {
		return err
	}
	dev := input.device
	var err error
	alloc := func(s Shape) *Tensor {
		if err != nil {
			return nil
		}
		var t *Tensor
		t, err = New(s, dev)
		return t
	}

	kshape := Shape{cd.Filters, cd.IZ / cd.Groups, cd.KernelSize[0], cd.KernelSize[1]}
	cd.K = alloc(kshape)
	cd.GK = alloc(kshape)
	if cd.UseBias {
		cd.Bias = alloc(Shape{cd.Filters})
		cd.GBias = alloc(Shape{cd.Filters})
	}
	cd.O = alloc(Shape{input.shape[0], cd.Z, cd.R, cd.C})
	if err != nil {
		cd.release(cd.K, cd.GK, cd.Bias, cd.GBias, cd.O)
		return err
	}
	return nil
}

// BuildShared binds the descriptor to input like Build but aliases the
// parameter and gradient tensors of src instead of allocating new ones.
func (cd *ConvolDescriptor) BuildShared(input *Tensor, mem MemLevel, src *ConvolDescriptor) error {
	if err := cd.bind(input, mem); err != nil {
		return err
	}
	if src.IZ != cd.IZ || src.Z != cd.Z {
		return errors.Wrapf(ErrShapeMismatch, "conv: cannot share %d->%d kernels with a %d->%d convolution",
			src.IZ, src.Z, cd.IZ, cd.Z)
	}
	cd.K, cd.GK, cd.Bias, cd.GBias = src.K, src.GK, src.Bias, src.GBias
	o, err := New(Shape{input.shape[0], cd.Z, cd.R, cd.C}, input.device)
	if err != nil {
		return err
	}
	cd.O = o
	return nil
}

func (cd *ConvolDescriptor) bind(input *Tensor, mem MemLevel) error {
	if len(input.shape) != 4 {
		return errors.Wrapf(ErrShapeMismatch, "conv: input must be 4D [N,C,H,W], got %v", input.shape)
	}
	cd.I = input
	cd.Mem = mem
	cd.IZ, cd.IR, cd.IC = input.shape[1], input.shape[2], input.shape[3]
	if cd.IZ%cd.Groups != 0 {
		return errors.Wrapf(ErrStructural, "conv: %d input channels not divisible into %d groups", cd.IZ, cd.Groups)
	}

	if cd.Padding == PaddingCustom {
		copy(cd.Pads[:], cd.explicitPads)
	} else {
		top, bottom, err := ComputePadding(cd.Padding, cd.IR, cd.KernelSize[0], cd.Strides[0], cd.Dilation[0])
		if err != nil {
			return err
		}
		left, right, err := ComputePadding(cd.Padding, cd.IC, cd.KernelSize[1], cd.Strides[1], cd.Dilation[1])
		if err != nil {
			return err
		}
		cd.Pads = [4]int{top, bottom, left, right}
	}

	cd.Z = cd.Filters
	cd.R = OutputSize(cd.IR, cd.KernelSize[0], cd.Strides[0], cd.Dilation[0], cd.Pads[0], cd.Pads[1])
	cd.C = OutputSize(cd.IC, cd.KernelSize[1], cd.Strides[1], cd.Dilation[1], cd.Pads[2], cd.Pads[3])
	if cd.R <= 0 || cd.C <= 0 {
		return errors.Wrapf(ErrStructural, "conv: kernel %v does not fit input %dx%d (output %dx%d)",
			cd.KernelSize, cd.IR, cd.IC, cd.R, cd.C)
	}
	cd.scratch = nil
	cd.scratchValid = false
	return nil
}

// Resize changes the batch dimension of the owned output.
// The parent output (I) must already have the new batch size.
func (cd *ConvolDescriptor) Resize(batch int) error {
	if err := cd.O.Resize(batch); err != nil {
		return err
	}
	cd.scratch = nil
	cd.scratchValid = false
	return nil
}

// EnableDistributed allocates the accumulated-gradient buffers.
func (cd *ConvolDescriptor) EnableDistributed() error {
	if cd.AccGK != nil {
		return nil
	}
	acc, err := New(cd.K.shape, cd.K.device)
	if err != nil {
		return err
	}
	cd.AccGK = acc
	if cd.UseBias {
		accb, err := New(cd.Bias.shape, cd.Bias.device)
		if err != nil {
			cd.AccGK.Free()
			cd.AccGK = nil
			return err
		}
		cd.AccGBias = accb
	}
	return nil
}

// Free releases the buffers the descriptor owns. Parameters are left to their owner.
func (cd *ConvolDescriptor) Free() {
	cd.release(cd.O, cd.AccGK, cd.AccGBias)
	cd.O, cd.AccGK, cd.AccGBias = nil, nil, nil
	cd.scratch = nil
	cd.scratchValid = false
}

func (cd *ConvolDescriptor) release(ts ...*Tensor) {
	for _, t := range ts {
		if t != nil && !t.freed {
			t.Free()
		}
	}
}

// Batch returns the current batch size.
func (cd *ConvolDescriptor) Batch() int { return cd.O.shape[0] }

// ColRows is the number of rows of the per-sample im2col matrix (output positions).
func (cd *ConvolDescriptor) ColRows() int { return cd.R * cd.C }

// ColCols is the number of columns of the im2col matrix (Cin*kh*kw).
func (cd *ConvolDescriptor) ColCols() int { return cd.IZ * cd.KernelSize[0] * cd.KernelSize[1] }

// Scratch returns the im2col buffer (batch × ColRows × ColCols), allocating
// it when needed, and whether it still holds the columns of the last forward.
func (cd *ConvolDescriptor) Scratch() ([]float32, bool) {
	n := cd.Batch() * cd.ColRows() * cd.ColCols()
	if len(cd.scratch) != n {
		cd.scratch = make([]float32, n)
		cd.scratchValid = false
	}
	return cd.scratch, cd.scratchValid
}

// MarkScratch records whether the scratch holds the im2col of the current input.
func (cd *ConvolDescriptor) MarkScratch(valid bool) { cd.scratchValid = valid }

// ScratchDone drops the scratch buffer at the low memory level.
func (cd *ConvolDescriptor) ScratchDone() {
	if cd.Mem == MemLow {
		cd.scratch = nil
		cd.scratchValid = false
	}
}

// HasScratch reports whether a scratch buffer is currently retained.
func (cd *ConvolDescriptor) HasScratch() bool { return cd.scratch != nil }

func (cd *ConvolDescriptor) check(op string) {
	alive(op, cd.I, cd.K, cd.O)
	sameDevice(op, cd.I, cd.K, cd.O)
	if cd.UseBias {
		alive(op, cd.Bias)
		sameDevice(op, cd.K, cd.Bias)
	}
	want := Shape{cd.O.shape[0], cd.IZ, cd.IR, cd.IC}
	if !cd.I.shape.Equal(want) {
		opPanic(op, ErrShapeMismatch, "input %v, descriptor expects %v", cd.I.shape, want)
	}
}
