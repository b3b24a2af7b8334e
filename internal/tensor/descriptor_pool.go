package tensor

import "github.com/pkg/errors"

// PoolDescriptor holds the geometry and buffers of one 2D max pooling.
//
// Ind holds one entry per element of O: the flat offset of the selected
// input element inside its (channel, row, col) sample, or -1 when the
// window lies entirely in the padding.
type PoolDescriptor struct {
	KernelSize [2]int
	Strides    [2]int
	Padding    string
	Pads       [4]int

	IZ, IR, IC int
	Z, R, C    int

	I, O  *Tensor
	D, ID *Tensor
	Ind   []int32

	explicitPads []int
}

// PoolConfig collects the pooling options.
type PoolConfig struct {
	PoolSize []int  // [kh, kw]
	Strides  []int  // default PoolSize
	Padding  string // "valid", "same" or "none"
	Pads     []int
}

// NewPoolDescriptor validates cfg.
func NewPoolDescriptor(cfg PoolConfig) (*PoolDescriptor, error) {
	if len(cfg.PoolSize) == 0 {
		return nil, errors.Wrap(ErrStructural, "pool: pool size is required")
	}
	ks, err := pair(cfg.PoolSize, 1, "pool size")
	if err != nil {
		return nil, err
	}
	st := ks
	if len(cfg.Strides) > 0 {
		if st, err = pair(cfg.Strides, 1, "strides"); err != nil {
			return nil, err
		}
	}
	if ks[0] <= 0 || ks[1] <= 0 || st[0] <= 0 || st[1] <= 0 {
		return nil, errors.Wrapf(ErrStructural, "pool: size %v and strides %v must be positive", ks, st)
	}
	pd := &PoolDescriptor{KernelSize: ks, Strides: st, Padding: cfg.Padding}
	switch len(cfg.Pads) {
	case 0:
		if pd.Padding == "" {
			pd.Padding = PaddingValid
		}
		if _, _, err := ComputePadding(pd.Padding, 1, 1, 1, 1); err != nil {
			return nil, err
		}
	case 2:
		pd.Padding = PaddingCustom
		pd.explicitPads = []int{cfg.Pads[0], cfg.Pads[0], cfg.Pads[1], cfg.Pads[1]}
	case 4:
		pd.Padding = PaddingCustom
		pd.explicitPads = append([]int(nil), cfg.Pads...)
	default:
		return nil, errors.Wrapf(ErrStructural, "pool: pads must have 2 or 4 values, got %v", cfg.Pads)
	}
	return pd, nil
}

// Config returns the options the descriptor was created from.
func (pd *PoolDescriptor) Config() PoolConfig {
	cfg := PoolConfig{PoolSize: pd.KernelSize[:], Strides: pd.Strides[:], Padding: pd.Padding}
	if pd.Padding == PaddingCustom {
		cfg.Padding = ""
		cfg.Pads = append([]int(nil), pd.explicitPads...)
	}
	return cfg
}

// Build binds the descriptor to a 4D input and allocates O and Ind.
func (pd *PoolDescriptor) Build(input *Tensor) error {
	if len(input.shape) != 4 {
		return errors.Wrapf(ErrShapeMismatch, "pool: input must be 4D [N,C,H,W], got %v", input.shape)
	}
	pd.I = input
	pd.IZ, pd.IR, pd.IC = input.shape[1], input.shape[2], input.shape[3]
	if pd.Padding == PaddingCustom {
		copy(pd.Pads[:], pd.explicitPads)
	} else {
		top, bottom, err := ComputePadding(pd.Padding, pd.IR, pd.KernelSize[0], pd.Strides[0], 1)
		if err != nil {
			return err
		}
		left, right, err := ComputePadding(pd.Padding, pd.IC, pd.KernelSize[1], pd.Strides[1], 1)
		if err != nil {
			return err
		}
		pd.Pads = [4]int{top, bottom, left, right}
	}
	pd.Z = pd.IZ
	pd.R = OutputSize(pd.IR, pd.KernelSize[0], pd.Strides[0], 1, pd.Pads[0], pd.Pads[1])
	pd.C = OutputSize(pd.IC, pd.KernelSize[1], pd.Strides[1], 1, pd.Pads[2], pd.Pads[3])
	if pd.R <= 0 || pd.C <= 0 {
		return errors.Wrapf(ErrStructural, "pool: window %v does not fit input %dx%d", pd.KernelSize, pd.IR, pd.IC)
	}

	shape := Shape{input.shape[0], pd.Z, pd.R, pd.C}
	o, err := New(shape, input.device)
	if err != nil {
		return err
	}
	pd.O, pd.Ind = o, make([]int32, shape.NumElements())
	return nil
}

// Resize changes the batch dimension of the owned buffers.
func (pd *PoolDescriptor) Resize(batch int) error {
	if err := pd.O.Resize(batch); err != nil {
		return err
	}
	n := pd.O.NumElements()
	if cap(pd.Ind) < n {
		pd.Ind = make([]int32, n)
	}
	pd.Ind = pd.Ind[:n]
	return nil
}

// Free releases O and drops the argmax table.
func (pd *PoolDescriptor) Free() {
	if pd.O != nil && !pd.O.freed {
		pd.O.Free()
	}
	pd.O, pd.Ind = nil, nil
}

func (pd *PoolDescriptor) check(op string) {
	alive(op, pd.I, pd.O)
	sameDevice(op, pd.I, pd.O)
	if len(pd.Ind) != pd.O.NumElements() {
		opPanic(op, ErrShapeMismatch, "argmax table has %d entries for output %v", len(pd.Ind), pd.O.shape)
	}
	want := Shape{pd.O.shape[0], pd.IZ, pd.IR, pd.IC}
	if !pd.I.shape.Equal(want) {
		opPanic(op, ErrShapeMismatch, "input %v, descriptor expects %v", pd.I.shape, want)
	}
}
