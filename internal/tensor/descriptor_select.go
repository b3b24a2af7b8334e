package tensor

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// SelDescriptor describes a rectangular selection over the non-batch
// dimensions of a tensor. Addresses maps every element of one output
// sample to its flat offset inside the input sample.
type SelDescriptor struct {
	Ranges    []string
	Bounds    [][2]int // [start, end) per non-batch axis
	InShape   Shape    // non-batch input shape
	OutShape  Shape    // non-batch output shape
	Addresses []int32
}

// NewSelDescriptor parses ranges such as ":", "2", "1:3", ":4" or "2:".
// Ranges are half-open; a single index selects one element and keeps the axis.
func NewSelDescriptor(ranges []string) (*SelDescriptor, error) {
	if len(ranges) == 0 {
		return nil, errors.Wrap(ErrStructural, "select: no ranges")
	}
	return &SelDescriptor{Ranges: append([]string(nil), ranges...)}, nil
}

func parseRange(s string, dim int) ([2]int, error) {
	s = strings.TrimSpace(s)
	bound := func(v string, def int) (int, error) {
		if v == "" {
			return def, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, errors.Wrapf(ErrStructural, "select: bad index %q", v)
		}
		if n < 0 {
			n += dim
		}
		return n, nil
	}

	var lo, hi int
	var err error
	if before, after, ok := strings.Cut(s, ":"); ok {
		if lo, err = bound(before, 0); err != nil {
			return [2]int{}, err
		}
		if hi, err = bound(after, dim); err != nil {
			return [2]int{}, err
		}
	} else {
		if lo, err = bound(s, 0); err != nil {
			return [2]int{}, err
		}
		hi = lo + 1
	}
	if lo < 0 || hi > dim || lo >= hi {
		return [2]int{}, errors.Wrapf(ErrShapeMismatch, "select: range %q out of bounds for dimension %d", s, dim)
	}
	return [2]int{lo, hi}, nil
}

// Build resolves the ranges against the input shape (batch first) and
// returns the output shape for the given batch.
func (sd *SelDescriptor) Build(input Shape) (Shape, error) {
	if len(input)-1 != len(sd.Ranges) {
		return nil, errors.Wrapf(ErrShapeMismatch, "select: %d ranges for input %v", len(sd.Ranges), input)
	}
	sd.InShape = input[1:].Clone()
	sd.OutShape = make(Shape, len(sd.Ranges))
	sd.Bounds = make([][2]int, len(sd.Ranges))
	for i, r := range sd.Ranges {
		b, err := parseRange(r, sd.InShape[i])
		if err != nil {
			return nil, err
		}
		sd.Bounds[i] = b
		sd.OutShape[i] = b[1] - b[0]
	}

	inStrides := sd.InShape.ComputeStrides()
	n := sd.OutShape.NumElements()
	sd.Addresses = make([]int32, n)
	idx := make([]int, len(sd.OutShape))
	for j := 0; j < n; j++ {
		off := 0
		for ax := range idx {
			off += (idx[ax] + sd.Bounds[ax][0]) * inStrides[ax]
		}
		sd.Addresses[j] = int32(off)
		for ax := len(idx) - 1; ax >= 0; ax-- {
			idx[ax]++
			if idx[ax] < sd.OutShape[ax] {
				break
			}
			idx[ax] = 0
		}
	}

	out := make(Shape, 0, len(input))
	out = append(out, input[0])
	return append(out, sd.OutShape...), nil
}

func (sd *SelDescriptor) check(op string, in, out *Tensor) {
	if in.shape[0] != out.shape[0] ||
		!Shape(in.shape[1:]).Equal(sd.InShape) || !Shape(out.shape[1:]).Equal(sd.OutShape) {
		opPanic(op, ErrShapeMismatch, "%v -> %v, descriptor expects %v -> %v", in.shape, out.shape, sd.InShape, sd.OutShape)
	}
}
