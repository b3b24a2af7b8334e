package tensor

import (
	"github.com/pkg/errors"
)

// ConvolDescriptorT holds the geometry and buffers of one 2D transposed
// convolution.
//
// The transposed convolution of X is the input-delta pass of the
// convolution that maps its output Y back onto X. The descriptor keeps
// that convolution as a shadow ConvolDescriptor whose input is Y and
// whose output is X, and runs every kernel through it with the roles
// swapped. K has the shape (Cin, Cout/Groups, kh, kw).
//
// Output sizes per axis, with s the stride, d the dilation and k the
// kernel size:
//
//	valid, none: (H-1)*s + d*(k-1) + 1
//	same:        H*s
//	custom pads: (H-1)*s - lo - hi + d*(k-1) + 1
type ConvolDescriptorT struct {
	Filters    int
	KernelSize [2]int
	Strides    [2]int
	Dilation   [2]int
	Groups     int
	UseBias    bool
	Padding    string
	Pads       [4]int

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

	cfg    ConvConfig
	shadow *ConvolDescriptor
	tmp    *Tensor // X-shaped buffer of the input-delta pass
}

// NewConvolDescriptorT validates cfg. Filters is the number of output channels.
func NewConvolDescriptorT(cfg ConvConfig) (*ConvolDescriptorT, error) {
	cd, err := NewConvolDescriptor(cfg)
	if err != nil {
		return nil, errors.WithMessage(err, "conv_t")
	}
	return &ConvolDescriptorT{
		Filters:    cd.Filters,
		KernelSize: cd.KernelSize,
		Strides:    cd.Strides,
		Dilation:   cd.Dilation,
		Groups:     cd.Groups,
		UseBias:    cd.UseBias,
		Padding:    cd.Padding,
		cfg:        cd.Config(),
	}, nil
}

// Config returns the options the descriptor was created from.
func (cd *ConvolDescriptorT) Config() ConvConfig { return cd.cfg }

// transposedSize returns the output size of one axis and its (lo, hi) padding.
func (cd *ConvolDescriptorT) transposedSize(in, axis int) (int, int, int, error) {
	k, s, d := cd.KernelSize[axis], cd.Strides[axis], cd.Dilation[axis]
	span := d*(k-1) + 1
	switch cd.Padding {
	case PaddingCustom:
		lo, hi := cd.cfg.Pads[2*axis], cd.cfg.Pads[2*axis+1]
		return (in-1)*s - lo - hi + span, lo, hi, nil
	case PaddingSame:
		out := in * s
		lo, hi, err := ComputePadding(PaddingSame, out, k, s, d)
		return out, lo, hi, err
	}
	return (in-1)*s + span, 0, 0, nil
}

// bind computes the geometry for a 4D input and prepares the shadow
// convolution. It allocates nothing.
func (cd *ConvolDescriptorT) bind(input *Tensor, mem MemLevel) error {
	if len(input.shape) != 4 {
		return errors.Wrapf(ErrShapeMismatch, "conv_t: input must be 4D [N,C,H,W], got %v", input.shape)
	}
	cd.I = input
	cd.Mem = mem
	cd.IZ, cd.IR, cd.IC = input.shape[1], input.shape[2], input.shape[3]
	if cd.IZ%cd.Groups != 0 {
		return errors.Wrapf(ErrStructural, "conv_t: %d input channels not divisible into %d groups", cd.IZ, cd.Groups)
	}

	r, top, bottom, err := cd.transposedSize(cd.IR, 0)
	if err != nil {
		return err
	}
	c, left, right, err := cd.transposedSize(cd.IC, 1)
	if err != nil {
		return err
	}
	if r <= 0 || c <= 0 {
		return errors.Wrapf(ErrStructural, "conv_t: padding %v leaves no output for input %dx%d",
			[4]int{top, bottom, left, right}, cd.IR, cd.IC)
	}
	cd.Z, cd.R, cd.C = cd.Filters, r, c
	cd.Pads = [4]int{top, bottom, left, right}

	shadow, err := NewConvolDescriptor(ConvConfig{
		Filters:    cd.IZ,
		KernelSize: cd.KernelSize[:],
		Strides:    cd.Strides[:],
		Dilation:   cd.Dilation[:],
		Pads:       cd.Pads[:],
		Groups:     cd.Groups,
	})
	if err != nil {
		return errors.WithMessage(err, "conv_t")
	}
	// Geometry only: the shadow runs from a Y-shaped input to X.
	shadow.Mem = mem
	shadow.IZ, shadow.IR, shadow.IC = cd.Z, cd.R, cd.C
	shadow.Z, shadow.R, shadow.C = cd.IZ, cd.IR, cd.IC
	shadow.Pads = cd.Pads
	if got := OutputSize(cd.R, cd.KernelSize[0], cd.Strides[0], cd.Dilation[0], top, bottom); got != cd.IR {
		return errors.Wrapf(ErrStructural, "conv_t: output %d rows do not map back to %d", cd.R, cd.IR)
	}
	if got := OutputSize(cd.C, cd.KernelSize[1], cd.Strides[1], cd.Dilation[1], left, right); got != cd.IC {
		return errors.Wrapf(ErrStructural, "conv_t: output %d cols do not map back to %d", cd.C, cd.IC)
	}
	cd.shadow = shadow
	return nil
}

// Build binds the descriptor to a 4D input and allocates the output and
// the parameter tensors on the input device.
func (cd *ConvolDescriptorT) Build(input *Tensor, mem MemLevel) error {
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

	kshape := Shape{cd.IZ, cd.Filters / cd.Groups, cd.KernelSize[0], cd.KernelSize[1]}
	cd.K = alloc(kshape)
	cd.GK = alloc(kshape)
	if cd.UseBias {
		cd.Bias = alloc(Shape{cd.Filters})
		cd.GBias = alloc(Shape{cd.Filters})
	}
	cd.O = alloc(Shape{input.shape[0], cd.Z, cd.R, cd.C})
	if err != nil {
		cd.shadow.release(cd.K, cd.GK, cd.Bias, cd.GBias, cd.O)
		return err
	}
	cd.shadow.K, cd.shadow.GK = cd.K, cd.GK
	return nil
}

// BuildShared binds the descriptor to input like Build but aliases the
// parameter and gradient tensors of src.
func (cd *ConvolDescriptorT) BuildShared(input *Tensor, mem MemLevel, src *ConvolDescriptorT) error {
	if err := cd.bind(input, mem); err != nil {
		return err
	}
	if src.IZ != cd.IZ || src.Z != cd.Z {
		return errors.Wrapf(ErrShapeMismatch, "conv_t: cannot share %d->%d kernels with a %d->%d convolution",
			src.IZ, src.Z, cd.IZ, cd.Z)
	}
	cd.K, cd.GK, cd.Bias, cd.GBias = src.K, src.GK, src.Bias, src.GBias
	o, err := New(Shape{input.shape[0], cd.Z, cd.R, cd.C}, input.device)
	if err != nil {
		return err
	}
	cd.O = o
	cd.shadow.K, cd.shadow.GK = cd.K, cd.GK
	return nil
}

// Resize changes the batch dimension of the owned output.
func (cd *ConvolDescriptorT) Resize(batch int) error {
	if err := cd.O.Resize(batch); err != nil {
		return err
	}
	cd.freeTmp()
	cd.shadow.scratch = nil
	cd.shadow.scratchValid = false
	return nil
}

// EnableDistributed allocates the accumulated-gradient buffers.
func (cd *ConvolDescriptorT) EnableDistributed() error {
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
func (cd *ConvolDescriptorT) Free() {
	cd.freeTmp()
	for _, t := range []*Tensor{cd.O, cd.AccGK, cd.AccGBias} {
		if t != nil && !t.freed {
			t.Free()
		}
	}
	cd.O, cd.AccGK, cd.AccGBias = nil, nil, nil
	if cd.shadow != nil {
		cd.shadow.I, cd.shadow.O, cd.shadow.D, cd.shadow.ID = nil, nil, nil, nil
		cd.shadow.scratch = nil
		cd.shadow.scratchValid = false
	}
}

func (cd *ConvolDescriptorT) freeTmp() {
	if cd.tmp != nil && !cd.tmp.freed {
		cd.tmp.Free()
	}
	cd.tmp = nil
}

// Batch returns the current batch size.
func (cd *ConvolDescriptorT) Batch() int { return cd.O.shape[0] }

// HasScratch reports whether the shadow convolution retains its scratch.
func (cd *ConvolDescriptorT) HasScratch() bool { return cd.shadow.HasScratch() }

// roles points the shadow convolution at in (Y-shaped) and out (X-shaped).
// The scratch is invalidated since its columns belong to the previous input.
func (cd *ConvolDescriptorT) roles(in, out, d, id *Tensor) *ConvolDescriptor {
	s := cd.shadow
	s.I, s.O, s.D, s.ID = in, out, d, id
	s.K, s.GK = cd.K, cd.GK
	s.scratchValid = false
	return s
}

// inputDeltaBuffer returns the X-shaped buffer the shadow convolution writes into.
func (cd *ConvolDescriptorT) inputDeltaBuffer() (*Tensor, error) {
	if cd.tmp != nil && cd.tmp.shape.Equal(cd.I.shape) {
		return cd.tmp, nil
	}
	cd.freeTmp()
	t, err := New(cd.I.shape, cd.I.device)
	if err != nil {
		return nil, err
	}
	cd.tmp = t
	return t, nil
}

func (cd *ConvolDescriptorT) check(op string) {
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
