package graph

// Kind identifies the variant of a layer.
type Kind int

// Layer kinds.
const (
	KindInput Kind = iota
	KindDense
	KindConv
	KindActivation
	KindMaxPool
	KindReshape
	KindDropout
	KindSelect
	KindAdd
	KindDiff
	KindConcat
	KindMaximum
	KindConvT
	KindCropScale
)

var kindNames = [...]string{
	KindInput:      "input",
	KindDense:      "dense",
	KindConv:       "conv",
	KindActivation: "activation",
	KindMaxPool:    "maxpool",
	KindReshape:    "reshape",
	KindDropout:    "dropout",
	KindSelect:     "select",
	KindAdd:        "add",
	KindDiff:       "diff",
	KindConcat:     "concat",
	KindMaximum:    "maximum",
	KindConvT:      "convT",
	KindCropScale:  "crop_scale",
}

// String returns the prefix used for auto-generated names.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Merge reports whether the kind combines several parents.
func (k Kind) Merge() bool {
	switch k {
	case KindAdd, KindDiff, KindConcat, KindMaximum:
		return true
	}
	return false
}

// Mode selects training or inference behaviour of stochastic layers.
type Mode int

// Layer modes.
const (
	Train Mode = iota
	Eval
)

// String returns "train" or "eval".
func (m Mode) String() string {
	if m == Eval {
		return "eval"
	}
	return "train"
}
